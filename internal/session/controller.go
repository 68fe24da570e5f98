// Package session owns the active chat context: which transport carries it,
// the duplex connection lifecycle, and every message entering or leaving the
// transcript store.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/easybali/concierge/internal/backend"
	"github.com/easybali/concierge/internal/domain"
	"github.com/easybali/concierge/internal/transcript"
)

const (
	defaultIdleTimeout    = 120 * time.Second
	defaultReconnectDelay = 3 * time.Second

	// greeting is auto-sent once when a request-response chat opens empty.
	greeting = "Hi"

	frameTypeUserMessage = "user_message"
	frameTypeDestroy     = "destroy"

	msgNoConnection = "No active connection. Please start a new order to continue."
)

// Activation describes how a context becomes active.
type Activation struct {
	Context domain.ChatContext
	Origin  domain.Origin
	// Seed is a pending outbound message typed before the chat opened
	// (the hero search box flow). Only meaningful for fresh navigation.
	Seed string
	// Opening is a server-provided assistant message that starts the
	// conversation, such as the start-order welcome. Appended only on fresh
	// navigation when the transcript starts empty.
	Opening string
}

// Controller is the single authority over the active chat context. All
// state is guarded by mu; socket events, timers, and UI calls funnel through
// it one at a time.
type Controller struct {
	store  transcript.Store
	api    *backend.Client
	dialer Dialer

	idleTimeout    time.Duration
	reconnectDelay time.Duration
	now            func() time.Time
	onUpdate       func()

	mu       sync.Mutex
	active   *domain.ChatContext
	key      string
	messages []domain.Message
	nextID   int64
	// autoSent is the per-activation guard: auto-send fires at most once no
	// matter how often the empty-transcript condition is re-evaluated.
	// Transcript length alone is not a reliable guard once history
	// restoration is in play.
	autoSent bool
	// pendingAutoSend holds a seed waiting for the duplex channel to open.
	pendingAutoSend string
	// purged suppresses persistence after a teardown signal so a trailing
	// mutation cannot resurrect a purged transcript.
	purged bool
	// activation increments on every Activate/Deactivate; in-flight HTTP
	// replies carrying a stale activation are dropped.
	activation uint64

	// Duplex session state. epoch increments whenever the current socket
	// stops being authoritative; events from older sockets are ignored.
	dxState        DuplexState
	dxConn         Conn
	epoch          uint64
	idleTimer      *time.Timer
	reconnectTimer *time.Timer
}

type Option func(*Controller)

// WithIdleTimeout overrides the duplex idle-close duration.
func WithIdleTimeout(d time.Duration) Option {
	return func(c *Controller) { c.idleTimeout = d }
}

// WithReconnectDelay overrides the delay before a reconnect attempt.
func WithReconnectDelay(d time.Duration) Option {
	return func(c *Controller) { c.reconnectDelay = d }
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithOnUpdate registers a callback fired after every transcript or
// connection-state change. It runs outside the controller lock.
func WithOnUpdate(fn func()) Option {
	return func(c *Controller) { c.onUpdate = fn }
}

// New creates a session controller.
func New(store transcript.Store, api *backend.Client, dialer Dialer, opts ...Option) *Controller {
	c := &Controller{
		store:          store,
		api:            api,
		dialer:         dialer,
		idleTimeout:    defaultIdleTimeout,
		reconnectDelay: defaultReconnectDelay,
		now:            time.Now,
		dxState:        StateIdle,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Controller) notify() {
	if c.onUpdate != nil {
		c.onUpdate()
	}
}

// Messages returns a snapshot of the active transcript.
func (c *Controller) Messages() []domain.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// DuplexState returns the lifecycle state of the duplex session.
func (c *Controller) DuplexState() DuplexState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dxState
}

// Connected reports whether the duplex channel is live.
func (c *Controller) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dxState == StateOpen
}

// Active returns the active chat context, or nil.
func (c *Controller) Active() *domain.ChatContext {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return nil
	}
	cp := *c.active
	return &cp
}

// Activate makes a context current, tearing down any previous one. Depending
// on the activation origin it restores persisted history, appends a seed
// message, or auto-sends the canonical greeting — each at most once per
// activation. The auto-send call for request-response contexts runs before
// Activate returns.
func (c *Controller) Activate(ctx context.Context, act Activation) error {
	c.mu.Lock()
	c.deactivateLocked(ctx, "context switch")

	cc := act.Context
	c.active = &cc
	c.activation++
	c.autoSent = false
	c.purged = false
	c.pendingAutoSend = ""
	c.messages = nil
	c.nextID = 1
	c.dxState = StateIdle

	if cc.Transport == domain.TransportDuplex {
		c.key = transcript.DuplexKey(cc.ContextID)
	} else {
		c.key = transcript.Key(cc.ParticipantID, cc.ContextID)
	}

	var autoSendQuery string
	seed := strings.TrimSpace(act.Seed)
	opening := strings.TrimSpace(act.Opening)
	if act.Origin != domain.OriginFreshNavigation {
		opening = ""
	}

	switch {
	case act.Origin == domain.OriginFreshNavigation && (seed != "" || opening != ""):
		if opening != "" {
			c.appendLocked(domain.SenderAssistant, opening, domain.KindOf(opening))
		}
		if seed != "" {
			c.appendLocked(domain.SenderUser, seed, domain.KindPlain)
			c.autoSent = true
			if cc.Transport == domain.TransportDuplex {
				c.pendingAutoSend = seed
			} else {
				autoSendQuery = seed
			}
		}
		c.persistLocked(ctx)

	case act.Origin == domain.OriginRestoredHistory:
		c.loadTranscriptLocked(ctx)
		// Restored history never auto-sends.
		c.autoSent = true

	default:
		c.loadTranscriptLocked(ctx)
		if cc.Transport == domain.TransportRequestResponse && len(c.messages) == 0 && !c.autoSent {
			c.autoSent = true
			autoSendQuery = greeting
		}
	}

	if cc.Transport == domain.TransportDuplex {
		c.dialLocked()
	}
	c.mu.Unlock()
	c.notify()

	if autoSendQuery != "" {
		c.callChat(ctx, autoSendQuery)
	}
	return nil
}

// Deactivate tears down the active context: closes any duplex session,
// persists the transcript, and clears activation state.
func (c *Controller) Deactivate(ctx context.Context) {
	c.mu.Lock()
	c.deactivateLocked(ctx, "navigation")
	c.mu.Unlock()
	c.notify()
}

func (c *Controller) deactivateLocked(ctx context.Context, reason string) {
	if c.active == nil {
		return
	}
	c.persistLocked(ctx)
	c.closeLocked(reason)
	c.activation++
	c.active = nil
	c.key = ""
	c.messages = nil
	c.autoSent = false
	c.pendingAutoSend = ""
	c.dxState = StateIdle
}

// Send routes one user message over the active transport. Empty input after
// trimming is a no-op. The user message is appended optimistically; the
// reply (or a sanitized failure message) follows when the transport answers.
func (c *Controller) Send(ctx context.Context, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}

	c.mu.Lock()
	if c.active == nil {
		c.mu.Unlock()
		return
	}
	c.appendLocked(domain.SenderUser, text, domain.KindPlain)
	c.persistLocked(ctx)

	if c.active.Transport == domain.TransportRequestResponse {
		c.mu.Unlock()
		c.notify()
		c.callChat(ctx, text)
		return
	}

	// Duplex: write only on a live socket. A dead socket is a local failure,
	// synthesized without any network attempt.
	if c.dxState != StateOpen || c.dxConn == nil {
		c.appendLocked(domain.SenderAssistant, msgNoConnection, domain.KindPlain)
		c.persistLocked(ctx)
		c.mu.Unlock()
		c.notify()
		return
	}

	frame, err := json.Marshal(outboundFrame{
		Message:   text,
		Timestamp: domain.DisplayTime(c.now()),
		Type:      frameTypeUserMessage,
	})
	if err != nil {
		c.mu.Unlock()
		slog.Error("Failed to encode outbound frame", "error", err)
		return
	}
	conn := c.dxConn
	epoch := c.epoch
	c.resetIdleTimerLocked()
	c.mu.Unlock()
	c.notify()

	if err := conn.Write(ctx, frame); err != nil {
		slog.Warn("Duplex write failed", "error", err)
		c.mu.Lock()
		if epoch == c.epoch {
			c.appendLocked(domain.SenderAssistant, msgNoConnection, domain.KindPlain)
			c.persistLocked(ctx)
		}
		c.mu.Unlock()
		c.notify()
	}
}

// callChat issues one request-response call and appends the reply. Failures
// append a user-safe message, never the raw transport error.
func (c *Controller) callChat(ctx context.Context, query string) {
	c.mu.Lock()
	if c.active == nil {
		c.mu.Unlock()
		return
	}
	act := c.activation
	chatType := c.active.ContextID
	participant := c.active.ParticipantID
	c.mu.Unlock()

	reply, err := c.api.GenerateResponse(ctx, chatType, participant, query, backend.CallOptions{})

	c.mu.Lock()
	if c.activation != act {
		c.mu.Unlock()
		return
	}
	if err != nil {
		slog.Warn("Chat call failed", "chat_type", chatType, "error", err)
		c.appendLocked(domain.SenderAssistant, backend.UserMessage(err), domain.KindPlain)
	} else {
		c.appendLocked(domain.SenderAssistant, reply, domain.KindOf(reply))
	}
	c.persistLocked(ctx)
	c.mu.Unlock()
	c.notify()
}

// SendPassport uploads a passport image through the active context and
// appends the backend's verdict to the transcript.
func (c *Controller) SendPassport(ctx context.Context, filename string, file io.Reader, onProgress backend.ProgressFunc) {
	c.mu.Lock()
	if c.active == nil {
		c.mu.Unlock()
		return
	}
	act := c.activation
	participant := c.active.ParticipantID
	c.appendLocked(domain.SenderUser, "📸 Uploaded: "+filename, domain.KindPlain)
	c.persistLocked(ctx)
	c.mu.Unlock()
	c.notify()

	reply, err := c.api.UploadPassport(ctx, participant, filename, file, onProgress)

	c.mu.Lock()
	if c.activation != act {
		c.mu.Unlock()
		return
	}
	if err != nil {
		slog.Warn("Passport upload failed", "error", err)
		c.appendLocked(domain.SenderAssistant, backend.UserMessage(err), domain.KindPlain)
	} else {
		c.appendLocked(domain.SenderAssistant, reply, domain.KindPlain)
	}
	c.persistLocked(ctx)
	c.mu.Unlock()
	c.notify()
}

// ConfirmBooking requests a payment link for a confirmed service and appends
// the outcome.
func (c *Controller) ConfirmBooking(ctx context.Context, service backend.BookingService, locationZone string) {
	c.mu.Lock()
	if c.active == nil {
		c.mu.Unlock()
		return
	}
	act := c.activation
	participant := c.active.ParticipantID
	c.appendLocked(domain.SenderUser, "Confirmed", domain.KindPlain)
	c.persistLocked(ctx)
	c.mu.Unlock()
	c.notify()

	reply, err := c.api.CreateBookingPayment(ctx, participant, service, locationZone)

	c.mu.Lock()
	if c.activation != act {
		c.mu.Unlock()
		return
	}
	if err != nil {
		slog.Warn("Booking payment failed", "error", err)
		c.appendLocked(domain.SenderAssistant, backend.UserMessage(err), domain.KindPlain)
	} else {
		c.appendLocked(domain.SenderAssistant, reply, domain.KindOf(reply))
	}
	c.persistLocked(ctx)
	c.mu.Unlock()
	c.notify()
}

// --- transcript helpers (lock held) ---

func (c *Controller) appendLocked(sender domain.Sender, text string, kind domain.MessageKind) {
	c.messages = append(c.messages, domain.Message{
		ID:        c.nextID,
		Text:      text,
		Sender:    sender,
		Timestamp: domain.DisplayTime(c.now()),
		Kind:      kind,
	})
	c.nextID++
}

func (c *Controller) persistLocked(ctx context.Context) {
	if c.purged || c.key == "" {
		return
	}
	if err := c.store.Save(ctx, c.key, c.messages); err != nil {
		slog.Warn("Failed to persist transcript", "key", c.key, "error", err)
	}
}

func (c *Controller) loadTranscriptLocked(ctx context.Context) {
	msgs, err := c.store.Load(ctx, c.key)
	if err != nil {
		slog.Warn("Failed to load transcript", "key", c.key, "error", err)
		return
	}
	c.messages = msgs
	for _, m := range msgs {
		if m.ID >= c.nextID {
			c.nextID = m.ID + 1
		}
	}
}

// --- duplex lifecycle (single dispatch function per event type) ---

// dialLocked starts a Connecting attempt under a fresh epoch. Dialing
// outlives the Activate call, so it runs on a background context.
func (c *Controller) dialLocked() {
	c.dxState = StateConnecting
	c.epoch++
	epoch := c.epoch
	url := DeriveWSURL(c.api.BaseURL(), c.active.ContextID)

	go c.dial(context.Background(), epoch, url)
}

func (c *Controller) dial(ctx context.Context, epoch uint64, url string) {
	conn, err := c.dialer.Dial(ctx, url)

	c.mu.Lock()
	if epoch != c.epoch {
		c.mu.Unlock()
		if conn != nil {
			_ = conn.Close("stale connection")
		}
		return
	}
	if err != nil {
		slog.Warn("Duplex dial failed", "url", url, "error", err)
		c.dxState = StateClosed
		c.mu.Unlock()
		c.notify()
		return
	}

	slog.Info("Duplex session open", "url", url)
	c.dxState = StateOpen
	c.dxConn = conn
	c.resetIdleTimerLocked()

	var flush string
	if c.pendingAutoSend != "" {
		flush = c.pendingAutoSend
		c.pendingAutoSend = ""
	}
	c.mu.Unlock()
	c.notify()

	go c.readLoop(epoch, conn)

	if flush != "" {
		frame, err := json.Marshal(outboundFrame{
			Message:   flush,
			Timestamp: domain.DisplayTime(c.now()),
			Type:      frameTypeUserMessage,
		})
		if err == nil {
			if err := conn.Write(ctx, frame); err != nil {
				slog.Warn("Failed to flush seed message", "error", err)
			}
		}
	}
}

func (c *Controller) readLoop(epoch uint64, conn Conn) {
	ctx := context.Background()
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			code := closeNormal
			var ce *CloseError
			if errors.As(err, &ce) {
				code = ce.Code
			}
			c.handleClosed(epoch, code)
			return
		}
		c.handleInbound(epoch, data)
	}
}

// handleInbound dispatches one inbound duplex frame. The teardown signal
// closes the session and purges its persisted transcript; every other
// payload becomes an assistant message. Malformed payloads are surfaced as
// raw text, never dropped.
func (c *Controller) handleInbound(epoch uint64, raw []byte) {
	c.mu.Lock()
	if epoch != c.epoch {
		c.mu.Unlock()
		return
	}

	var frame inboundFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		c.appendLocked(domain.SenderAssistant, string(raw), domain.KindPlain)
		c.persistLocked(context.Background())
		c.resetIdleTimerLocked()
		c.mu.Unlock()
		c.notify()
		return
	}

	if frame.Type == frameTypeDestroy {
		slog.Info("Teardown signal received", "key", c.key)
		c.closeLocked("destroy signal")
		if err := c.store.Clear(context.Background(), c.key); err != nil {
			slog.Warn("Failed to purge transcript", "key", c.key, "error", err)
		}
		c.purged = true
		c.mu.Unlock()
		c.notify()
		return
	}

	text := frame.Message
	if text == "" {
		text = frame.Text
	}
	if text == "" {
		text = string(raw)
	}
	c.appendLocked(domain.SenderAssistant, text, domain.KindOf(text))
	c.persistLocked(context.Background())
	c.resetIdleTimerLocked()
	c.mu.Unlock()
	c.notify()
}

// handleClosed dispatches a closure event from the read loop. Closures we
// initiated carry a stale epoch and never reach this far.
func (c *Controller) handleClosed(epoch uint64, code int) {
	c.mu.Lock()
	if epoch != c.epoch {
		c.mu.Unlock()
		return
	}

	c.stopTimersLocked()
	c.dxConn = nil
	c.epoch++

	abnormal := code != closeNormal && code != closeGoingAway
	if abnormal && c.active != nil && c.active.Transport == domain.TransportDuplex {
		slog.Warn("Abnormal duplex closure, scheduling reconnect", "code", code, "delay", c.reconnectDelay)
		c.scheduleReconnectLocked()
	} else {
		slog.Info("Duplex session closed", "code", code)
		c.dxState = StateClosed
	}
	c.mu.Unlock()
	c.notify()
}

// scheduleReconnectLocked arms exactly one reconnect attempt. A further
// closure while waiting does not queue another.
func (c *Controller) scheduleReconnectLocked() {
	c.dxState = StateReconnecting
	c.reconnectTimer = time.AfterFunc(c.reconnectDelay, func() {
		c.mu.Lock()
		if c.active == nil || c.active.Transport != domain.TransportDuplex || c.dxState != StateReconnecting {
			c.mu.Unlock()
			return
		}
		c.dialLocked()
		c.mu.Unlock()
		c.notify()
	})
}

// closeLocked performs Open/Connecting/Reconnecting -> Closing -> Closed and
// invalidates the epoch so in-flight events from the old socket are ignored.
func (c *Controller) closeLocked(reason string) {
	if c.dxState == StateIdle || c.dxState == StateClosed {
		return
	}
	c.dxState = StateClosing
	c.stopTimersLocked()
	c.epoch++

	if conn := c.dxConn; conn != nil {
		c.dxConn = nil
		go func() {
			if err := conn.Close(reason); err != nil {
				slog.Debug("Failed to close duplex connection", "error", err)
			}
		}()
	}
	c.dxState = StateClosed
}

// onIdleTimeout fires when no traffic crossed the duplex session for the
// idle window.
func (c *Controller) onIdleTimeout(epoch uint64) {
	c.mu.Lock()
	if epoch != c.epoch || c.dxState != StateOpen {
		c.mu.Unlock()
		return
	}
	slog.Info("Idle timeout, closing duplex session", "idle_timeout", c.idleTimeout)
	c.closeLocked("idle")
	c.mu.Unlock()
	c.notify()
}

// resetIdleTimerLocked restarts the idle deadline from scratch. Every
// successful send or receive lands here.
func (c *Controller) resetIdleTimerLocked() {
	if c.idleTimer != nil {
		c.idleTimer.Stop()
	}
	epoch := c.epoch
	c.idleTimer = time.AfterFunc(c.idleTimeout, func() {
		c.onIdleTimeout(epoch)
	})
}

func (c *Controller) stopTimersLocked() {
	if c.idleTimer != nil {
		c.idleTimer.Stop()
		c.idleTimer = nil
	}
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
}
