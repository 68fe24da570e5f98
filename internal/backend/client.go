// Package backend is the HTTP client for the concierge chat backend. It
// wraps every call with a cold-start warmup probe and bounded retry, and
// translates failures into user-safe messages.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

const (
	defaultMaxAttempts = 3
	warmupTimeout      = 15 * time.Second
	chatTimeout        = 30 * time.Second
	uploadTimeout      = 60 * time.Second

	backoffStep    = 2 * time.Second
	backoffCeiling = 6 * time.Second
)

// Client calls the chat backend. The warm flag is owned by the instance;
// there is no process-global warmup state.
type Client struct {
	baseURL    string
	httpClient *http.Client
	language   string
	villaCode  string
	sleep      func(time.Duration)

	warmMu sync.Mutex
	warm   bool
}

type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithLanguage sets the language code sent with chat requests.
func WithLanguage(lang string) Option {
	return func(c *Client) {
		if lang != "" {
			c.language = lang
		}
	}
}

// WithVillaCode sets the villa code sent with chat requests.
func WithVillaCode(code string) Option {
	return func(c *Client) {
		if code != "" {
			c.villaCode = code
		}
	}
}

// withSleep replaces the backoff sleep; tests use it to avoid real delays.
func withSleep(fn func(time.Duration)) Option {
	return func(c *Client) { c.sleep = fn }
}

// New creates a backend client for the given base URL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
		language:   "EN",
		villaCode:  "WEB_VILLA_01",
		sleep:      time.Sleep,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the configured backend base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Warm reports whether the last liveness probe succeeded.
func (c *Client) Warm() bool {
	c.warmMu.Lock()
	defer c.warmMu.Unlock()
	return c.warm
}

func (c *Client) setWarm(v bool) {
	c.warmMu.Lock()
	c.warm = v
	c.warmMu.Unlock()
}

// Warmup probes the backend root so a cold-started instance can spin up
// before the first real call. Failure is silent: the flag stays unset and
// the next call retries anyway.
func (c *Client) Warmup(ctx context.Context) bool {
	if c.Warm() {
		return true
	}

	ctx, cancel := context.WithTimeout(ctx, warmupTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/", nil)
	if err != nil {
		return false
	}
	res, err := c.httpClient.Do(req)
	if err != nil {
		slog.Debug("Warmup probe failed", "error", err)
		return false
	}
	defer func() { _ = res.Body.Close() }()
	_, _ = io.Copy(io.Discard, res.Body)

	c.setWarm(true)
	return true
}

// CallOptions tune a retried call.
type CallOptions struct {
	MaxAttempts int
	OnRetry     func(attempt, maxAttempts int)
}

// do runs fn with warmup and bounded retry. Only network-level failures and
// 5xx responses are retried; client errors surface immediately. Backoff is
// linear in the attempt number, capped at a fixed ceiling. The last error is
// returned after attempts are exhausted and the warm flag is cleared so the
// next call re-probes.
func (c *Client) do(ctx context.Context, fn func(ctx context.Context) error, opts CallOptions) error {
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if !c.Warm() {
			c.Warmup(ctx)
		}
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !retryable(err) || attempt == maxAttempts {
			break
		}

		delay := min(backoffStep*time.Duration(attempt), backoffCeiling)
		slog.Debug("Backend call failed, retrying",
			"attempt", attempt,
			"max_attempts", maxAttempts,
			"delay", delay,
			"error", err)
		if opts.OnRetry != nil {
			opts.OnRetry(attempt, maxAttempts)
		}
		// Force a fresh probe before the next attempt.
		c.setWarm(false)
		c.sleep(delay)
	}

	c.setWarm(false)
	return lastErr
}

// errMalformedReply marks a 2xx response whose body could not be decoded.
// Retrying would fetch the same payload.
var errMalformedReply = errors.New("malformed backend reply")

// retryable reports whether an error is worth another attempt: network
// failures and server errors are, client errors and undecodable replies
// are not.
func retryable(err error) bool {
	if errors.Is(err, errMalformedReply) {
		return false
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode >= 500
	}
	return true
}

// chatRequest is the body of a generate-response call.
type chatRequest struct {
	Query     string `json:"query"`
	ChatType  string `json:"chat_type"`
	Language  string `json:"language"`
	VillaCode string `json:"villa_code"`
}

// chatResponse is the minimal response shape for chat and upload calls.
type chatResponse struct {
	Response string `json:"response"`
}

// errorBody is the backend's error envelope.
type errorBody struct {
	Detail string `json:"detail"`
}

// GenerateResponse sends one chat turn and returns the assistant reply.
func (c *Client) GenerateResponse(ctx context.Context, chatType, participantID, query string, opts CallOptions) (string, error) {
	body, err := json.Marshal(chatRequest{
		Query:     query,
		ChatType:  chatType,
		Language:  c.language,
		VillaCode: c.villaCode,
	})
	if err != nil {
		return "", fmt.Errorf("marshal chat request: %w", err)
	}

	endpoint := c.baseURL + "/chatbot/generate-response?user_id=" + url.QueryEscape(participantID)

	var reply string
	err = c.do(ctx, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, chatTimeout)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("create chat request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		raw, err := c.doJSON(req, endpoint)
		if err != nil {
			return err
		}

		var payload chatResponse
		if err := json.Unmarshal(raw, &payload); err != nil {
			return fmt.Errorf("decode chat response: %w", errors.Join(errMalformedReply, err))
		}
		reply = payload.Response
		return nil
	}, opts)

	return reply, err
}

// OrderSession is a server-issued duplex chat session.
type OrderSession struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

// StartOrder opens a guided order-service session and returns its id plus
// the opening assistant message.
func (c *Client) StartOrder(ctx context.Context, participantID string) (OrderSession, error) {
	endpoint := c.baseURL + "/chatbot/start-order"
	body, err := json.Marshal(map[string]string{"user_id": participantID})
	if err != nil {
		return OrderSession{}, fmt.Errorf("marshal order request: %w", err)
	}

	var session OrderSession
	err = c.do(ctx, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, chatTimeout)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("create order request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		raw, err := c.doJSON(req, endpoint)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(raw, &session); err != nil {
			return fmt.Errorf("decode order response: %w", errors.Join(errMalformedReply, err))
		}
		return nil
	}, CallOptions{})

	return session, err
}

// BookingService describes the service a guest confirmed for booking.
type BookingService struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Price string `json:"price"`
}

// CreateBookingPayment requests a payment link for a confirmed booking.
func (c *Client) CreateBookingPayment(ctx context.Context, participantID string, service BookingService, locationZone string) (string, error) {
	payload := struct {
		BookingService
		UserID       string `json:"user_id"`
		LocationZone string `json:"location_zone,omitempty"`
	}{service, participantID, locationZone}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal booking request: %w", err)
	}

	endpoint := c.baseURL + "/chatbot/create-booking-payment"

	var reply string
	err = c.do(ctx, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, chatTimeout)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("create booking request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		raw, err := c.doJSON(req, endpoint)
		if err != nil {
			return err
		}

		var res chatResponse
		if err := json.Unmarshal(raw, &res); err != nil {
			return fmt.Errorf("decode booking response: %w", errors.Join(errMalformedReply, err))
		}
		reply = res.Response
		return nil
	}, CallOptions{})

	return reply, err
}

// ProgressFunc receives upload progress as a percentage in [0, 100].
type ProgressFunc func(percent int)

// UploadPassport uploads a passport image and returns the assistant reply.
func (c *Client) UploadPassport(ctx context.Context, participantID, filename string, file io.Reader, onProgress ProgressFunc) (string, error) {
	fields := map[string]string{"user_id": participantID}
	return c.upload(ctx, "/chatbot/upload-passport", fields, filename, file, onProgress)
}

// UploadAudio uploads a recorded utterance for transcription and returns the
// recognized text.
func (c *Client) UploadAudio(ctx context.Context, filename string, audio io.Reader, onProgress ProgressFunc) (string, error) {
	return c.upload(ctx, "/chatbot/upload-audio", nil, filename, audio, onProgress)
}

func (c *Client) upload(ctx context.Context, path string, fields map[string]string, filename string, file io.Reader, onProgress ProgressFunc) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return "", fmt.Errorf("write multipart field: %w", err)
		}
	}
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return "", fmt.Errorf("create multipart file: %w", err)
	}
	if _, err := io.Copy(fw, file); err != nil {
		return "", fmt.Errorf("copy upload payload: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("finalize multipart body: %w", err)
	}

	endpoint := c.baseURL + path
	payload := buf.Bytes()

	var reply string
	err = c.do(ctx, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, uploadTimeout)
		defer cancel()

		body := &progressReader{
			r:          bytes.NewReader(payload),
			total:      int64(len(payload)),
			onProgress: onProgress,
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
		if err != nil {
			return fmt.Errorf("create upload request: %w", err)
		}
		req.Header.Set("Content-Type", mw.FormDataContentType())
		req.ContentLength = int64(len(payload))

		raw, err := c.doJSON(req, endpoint)
		if err != nil {
			return err
		}

		var res chatResponse
		if err := json.Unmarshal(raw, &res); err != nil {
			return fmt.Errorf("decode upload response: %w", errors.Join(errMalformedReply, err))
		}
		reply = res.Response
		return nil
	}, CallOptions{})

	return reply, err
}

// progressReader reports read progress over a known total as a percentage.
type progressReader struct {
	r          io.Reader
	total      int64
	read       int64
	last       int
	onProgress ProgressFunc
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	p.read += int64(n)
	if p.onProgress != nil && p.total > 0 {
		pct := int(p.read * 100 / p.total)
		if pct > 100 {
			pct = 100
		}
		if pct != p.last {
			p.last = pct
			p.onProgress(pct)
		}
	}
	return n, err
}

// doJSON executes the request and returns the body, converting non-2xx
// responses into *StatusError with any backend detail extracted.
func (c *Client) doJSON(req *http.Request, endpoint string) ([]byte, error) {
	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("backend request failed: %w", err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		var eb errorBody
		_ = json.Unmarshal(raw, &eb)
		return nil, &StatusError{
			StatusCode: res.StatusCode,
			URL:        endpoint,
			Detail:     eb.Detail,
			Body:       string(raw),
		}
	}

	raw, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return raw, nil
}
