package session

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/easybali/concierge/internal/backend"
	"github.com/easybali/concierge/internal/domain"
	"github.com/easybali/concierge/internal/transcript"
)

// memStore is an in-memory transcript.Store.
type memStore struct {
	mu   sync.Mutex
	data map[string][]domain.Message
}

func newMemStore() *memStore {
	return &memStore{data: map[string][]domain.Message{}}
}

func (s *memStore) Load(_ context.Context, key string) ([]domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.data[key]
	out := make([]domain.Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

func (s *memStore) Save(_ context.Context, key string, messages []domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]domain.Message, len(messages))
	copy(cp, messages)
	s.data[key] = cp
	return nil
}

func (s *memStore) Clear(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

func (s *memStore) ParticipantID(context.Context) (string, error) {
	return "user_1700000000_abc123def", nil
}

func (s *memStore) Close() error { return nil }

func (s *memStore) get(key string) []domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data[key]
}

// fakeConn is a scriptable duplex connection.
type fakeConn struct {
	mu          sync.Mutex
	wrote       [][]byte
	inbound     chan []byte
	done        chan struct{}
	closeErr    *CloseError
	closeReason string
	once        sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan []byte, 8),
		done:    make(chan struct{}),
	}
}

func (c *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-c.inbound:
		return data, nil
	case <-c.done:
		c.mu.Lock()
		defer c.mu.Unlock()
		return nil, c.closeErr
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Write(_ context.Context, payload []byte) error {
	select {
	case <-c.done:
		return errors.New("write on closed connection")
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.wrote = append(c.wrote, payload)
	return nil
}

func (c *fakeConn) Close(reason string) error {
	c.terminate(closeNormal)
	c.mu.Lock()
	c.closeReason = reason
	c.mu.Unlock()
	return nil
}

// terminate makes pending and future reads fail with the given close code.
func (c *fakeConn) terminate(code int) {
	c.once.Do(func() {
		c.mu.Lock()
		c.closeErr = &CloseError{Code: code}
		c.mu.Unlock()
		close(c.done)
	})
}

func (c *fakeConn) writes() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.wrote))
	copy(out, c.wrote)
	return out
}

func (c *fakeConn) closedWith() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeReason
}

// fakeDialer hands out scripted connections in order; an empty script means
// the dial fails.
type fakeDialer struct {
	mu    sync.Mutex
	queue []*fakeConn
	urls  []string
}

func (d *fakeDialer) push(conns ...*fakeConn) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queue = append(d.queue, conns...)
}

func (d *fakeDialer) Dial(_ context.Context, url string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.urls = append(d.urls, url)
	if len(d.queue) == 0 {
		return nil, errors.New("dial refused")
	}
	conn := d.queue[0]
	d.queue = d.queue[1:]
	return conn, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.urls)
}

func (d *fakeDialer) lastURL() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.urls) == 0 {
		return ""
	}
	return d.urls[len(d.urls)-1]
}

// chatBackend stubs the request-response API and records queries.
func chatBackend(t *testing.T, reply string) (*backend.Client, *[]string) {
	t.Helper()
	var mu sync.Mutex
	var queries []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet && r.URL.Path == "/" {
			w.WriteHeader(http.StatusOK)
			return
		}
		var body struct {
			Query string `json:"query"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		queries = append(queries, body.Query)
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"response": reply})
	}))
	t.Cleanup(srv.Close)
	return backend.New(srv.URL), &queries
}

func reqRespContext(tag string) domain.ChatContext {
	return domain.ChatContext{
		ContextID:     tag,
		ParticipantID: "user_1700000000_abc123def",
		Transport:     domain.TransportRequestResponse,
	}
}

func duplexContext(sessionID string) domain.ChatContext {
	return domain.ChatContext{
		ContextID:     sessionID,
		ParticipantID: "user_1700000000_abc123def",
		Transport:     domain.TransportDuplex,
	}
}

func waitState(t *testing.T, c *Controller, want DuplexState) {
	t.Helper()
	require.Eventually(t, func() bool {
		return c.DuplexState() == want
	}, 2*time.Second, 5*time.Millisecond, "waiting for state %v", want)
}

func TestActivateEmptyChatAutoSendsGreetingOnce(t *testing.T) {
	t.Parallel()

	api, queries := chatBackend(t, "Welcome to Bali!")
	store := newMemStore()
	c := New(store, api, &fakeDialer{})

	require.NoError(t, c.Activate(context.Background(), Activation{
		Context: reqRespContext("what-to-do"),
		Origin:  domain.OriginFreshNavigation,
	}))

	// The greeting call does not append a user message, only the reply.
	msgs := c.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, domain.SenderAssistant, msgs[0].Sender)
	assert.Equal(t, "Welcome to Bali!", msgs[0].Text)
	assert.Equal(t, []string{"Hi"}, *queries)

	// Re-entering the same non-empty chat must not greet again.
	require.NoError(t, c.Activate(context.Background(), Activation{
		Context: reqRespContext("what-to-do"),
		Origin:  domain.OriginMenuSwitch,
	}))
	assert.Equal(t, []string{"Hi"}, *queries)
	assert.Len(t, c.Messages(), 1)
}

func TestActivateRestoredHistoryNeverAutoSends(t *testing.T) {
	t.Parallel()

	api, queries := chatBackend(t, "unused")
	store := newMemStore()
	c := New(store, api, &fakeDialer{})

	require.NoError(t, c.Activate(context.Background(), Activation{
		Context: reqRespContext("general"),
		Origin:  domain.OriginRestoredHistory,
	}))

	assert.Empty(t, *queries)
	assert.Empty(t, c.Messages())
}

func TestActivateSeedSendsSeedInsteadOfGreeting(t *testing.T) {
	t.Parallel()

	api, queries := chatBackend(t, "Here is your plan.")
	store := newMemStore()
	c := New(store, api, &fakeDialer{})

	require.NoError(t, c.Activate(context.Background(), Activation{
		Context: reqRespContext("plan-my-trip"),
		Origin:  domain.OriginFreshNavigation,
		Seed:    "3 days in Ubud",
	}))

	assert.Equal(t, []string{"3 days in Ubud"}, *queries)
	msgs := c.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, domain.SenderUser, msgs[0].Sender)
	assert.Equal(t, "3 days in Ubud", msgs[0].Text)
	assert.Equal(t, "Here is your plan.", msgs[1].Text)
}

func TestSendRequestResponseAppendsReplyAndPersists(t *testing.T) {
	t.Parallel()

	api, _ := chatBackend(t, "The best beach is Nusa Dua.")
	store := newMemStore()
	c := New(store, api, &fakeDialer{})

	require.NoError(t, c.Activate(context.Background(), Activation{
		Context: reqRespContext("general"),
		Origin:  domain.OriginRestoredHistory,
	}))
	c.Send(context.Background(), "  best beach?  ")
	c.Send(context.Background(), "   ") // whitespace is a no-op

	msgs := c.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "best beach?", msgs[0].Text)
	assert.Equal(t, domain.SenderUser, msgs[0].Sender)
	assert.Equal(t, "The best beach is Nusa Dua.", msgs[1].Text)

	key := transcript.Key("user_1700000000_abc123def", "general")
	assert.Equal(t, msgs, store.get(key))
	// IDs are strictly increasing.
	assert.Less(t, msgs[0].ID, msgs[1].ID)
}

func TestFailedChatCallAppendsSanitizedMessage(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet && r.URL.Path == "/" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"detail":"mongo: index build failed"}`))
	}))
	t.Cleanup(srv.Close)

	store := newMemStore()
	c := New(store, backend.New(srv.URL), &fakeDialer{})

	require.NoError(t, c.Activate(context.Background(), Activation{
		Context: reqRespContext("general"),
		Origin:  domain.OriginRestoredHistory,
	}))
	c.Send(context.Background(), "hello")

	msgs := c.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, domain.SenderAssistant, msgs[1].Sender)
	assert.NotContains(t, msgs[1].Text, "mongo")
	assert.NotContains(t, msgs[1].Text, "422")
}

func TestDuplexActivateDialsDerivedURL(t *testing.T) {
	t.Parallel()

	api, _ := chatBackend(t, "unused")
	dialer := &fakeDialer{}
	conn := newFakeConn()
	dialer.push(conn)

	c := New(newMemStore(), api, dialer)
	require.NoError(t, c.Activate(context.Background(), Activation{
		Context: duplexContext("sess-1"),
		Origin:  domain.OriginFreshNavigation,
	}))

	waitState(t, c, StateOpen)
	assert.True(t, c.Connected())
	url := dialer.lastURL()
	assert.Contains(t, url, "/ws/sess-1")
	assert.Contains(t, url, "ws://")
}

func TestDuplexSendWritesUserMessageFrame(t *testing.T) {
	t.Parallel()

	api, _ := chatBackend(t, "unused")
	dialer := &fakeDialer{}
	conn := newFakeConn()
	dialer.push(conn)

	c := New(newMemStore(), api, dialer)
	require.NoError(t, c.Activate(context.Background(), Activation{
		Context: duplexContext("sess-2"),
		Origin:  domain.OriginFreshNavigation,
	}))
	waitState(t, c, StateOpen)

	c.Send(context.Background(), "I want a massage")

	writes := conn.writes()
	require.Len(t, writes, 1)
	var frame outboundFrame
	require.NoError(t, json.Unmarshal(writes[0], &frame))
	assert.Equal(t, "I want a massage", frame.Message)
	assert.Equal(t, frameTypeUserMessage, frame.Type)
	assert.NotEmpty(t, frame.Timestamp)
}

func TestDuplexSeedIsFlushedWhenChannelOpens(t *testing.T) {
	t.Parallel()

	api, _ := chatBackend(t, "unused")
	dialer := &fakeDialer{}
	conn := newFakeConn()
	dialer.push(conn)

	c := New(newMemStore(), api, dialer)
	require.NoError(t, c.Activate(context.Background(), Activation{
		Context: duplexContext("sess-3"),
		Origin:  domain.OriginFreshNavigation,
		Seed:    "order nasi goreng",
	}))
	waitState(t, c, StateOpen)

	require.Eventually(t, func() bool {
		return len(conn.writes()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	var frame outboundFrame
	require.NoError(t, json.Unmarshal(conn.writes()[0], &frame))
	assert.Equal(t, "order nasi goreng", frame.Message)

	// The seed is already in the transcript as a user message.
	msgs := c.Messages()
	require.NotEmpty(t, msgs)
	assert.Equal(t, "order nasi goreng", msgs[0].Text)
	assert.Equal(t, domain.SenderUser, msgs[0].Sender)
}

func TestDuplexOpeningMessageSeedsTranscript(t *testing.T) {
	t.Parallel()

	api, _ := chatBackend(t, "unused")
	dialer := &fakeDialer{}
	dialer.push(newFakeConn())

	store := newMemStore()
	c := New(store, api, dialer)
	require.NoError(t, c.Activate(context.Background(), Activation{
		Context: duplexContext("sess-opening"),
		Origin:  domain.OriginFreshNavigation,
		Opening: "Welcome to order services! Tell me what you need.",
	}))
	waitState(t, c, StateOpen)

	msgs := c.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, domain.SenderAssistant, msgs[0].Sender)
	assert.Equal(t, "Welcome to order services! Tell me what you need.", msgs[0].Text)
	assert.Equal(t, msgs, store.get(transcript.DuplexKey("sess-opening")))
}

func TestOpeningMessagePrecedesSeed(t *testing.T) {
	t.Parallel()

	api, _ := chatBackend(t, "unused")
	dialer := &fakeDialer{}
	dialer.push(newFakeConn())

	c := New(newMemStore(), api, dialer)
	require.NoError(t, c.Activate(context.Background(), Activation{
		Context: duplexContext("sess-both"),
		Origin:  domain.OriginFreshNavigation,
		Opening: "Welcome! What would you like to order?",
		Seed:    "a scooter for tomorrow",
	}))
	waitState(t, c, StateOpen)

	msgs := c.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, domain.SenderAssistant, msgs[0].Sender)
	assert.Equal(t, domain.SenderUser, msgs[1].Sender)
	assert.Equal(t, "a scooter for tomorrow", msgs[1].Text)
}

func TestOpeningMessageIgnoredOnRestore(t *testing.T) {
	t.Parallel()

	api, _ := chatBackend(t, "unused")
	store := newMemStore()
	key := transcript.DuplexKey("sess-restored")
	require.NoError(t, store.Save(context.Background(), key, []domain.Message{
		{ID: 1, Text: "earlier order talk", Sender: domain.SenderAssistant, Timestamp: "09:00", Kind: domain.KindPlain},
	}))

	dialer := &fakeDialer{}
	dialer.push(newFakeConn())
	c := New(store, api, dialer)
	require.NoError(t, c.Activate(context.Background(), Activation{
		Context: duplexContext("sess-restored"),
		Origin:  domain.OriginRestoredHistory,
		Opening: "Welcome! What would you like to order?",
	}))
	waitState(t, c, StateOpen)

	msgs := c.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "earlier order talk", msgs[0].Text)
}

func TestDuplexInboundFrameAppendsAssistantMessage(t *testing.T) {
	t.Parallel()

	api, _ := chatBackend(t, "unused")
	dialer := &fakeDialer{}
	conn := newFakeConn()
	dialer.push(conn)

	store := newMemStore()
	c := New(store, api, dialer)
	require.NoError(t, c.Activate(context.Background(), Activation{
		Context: duplexContext("sess-4"),
		Origin:  domain.OriginFreshNavigation,
	}))
	waitState(t, c, StateOpen)

	conn.inbound <- []byte(`{"type":"message","message":"Here are today's services"}`)

	require.Eventually(t, func() bool {
		return len(c.Messages()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	msgs := c.Messages()
	assert.Equal(t, domain.SenderAssistant, msgs[0].Sender)
	assert.Equal(t, "Here are today's services", msgs[0].Text)
	assert.Equal(t, msgs, store.get(transcript.DuplexKey("sess-4")))
}

func TestDuplexMalformedInboundSurfacesRawText(t *testing.T) {
	t.Parallel()

	api, _ := chatBackend(t, "unused")
	dialer := &fakeDialer{}
	conn := newFakeConn()
	dialer.push(conn)

	c := New(newMemStore(), api, dialer)
	require.NoError(t, c.Activate(context.Background(), Activation{
		Context: duplexContext("sess-5"),
		Origin:  domain.OriginFreshNavigation,
	}))
	waitState(t, c, StateOpen)

	conn.inbound <- []byte("plain text, not json")

	require.Eventually(t, func() bool {
		return len(c.Messages()) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "plain text, not json", c.Messages()[0].Text)
}

func TestDuplexDestroyClosesAndPurges(t *testing.T) {
	t.Parallel()

	api, _ := chatBackend(t, "unused")
	dialer := &fakeDialer{}
	conn := newFakeConn()
	dialer.push(conn)

	store := newMemStore()
	c := New(store, api, dialer)
	require.NoError(t, c.Activate(context.Background(), Activation{
		Context: duplexContext("sess-6"),
		Origin:  domain.OriginFreshNavigation,
	}))
	waitState(t, c, StateOpen)

	conn.inbound <- []byte(`{"type":"message","message":"Order complete!"}`)
	require.Eventually(t, func() bool {
		return len(c.Messages()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	conn.inbound <- []byte(`{"type":"destroy"}`)
	waitState(t, c, StateClosed)

	key := transcript.DuplexKey("sess-6")
	require.Eventually(t, func() bool {
		return store.get(key) == nil
	}, 2*time.Second, 5*time.Millisecond, "persisted transcript must be purged")

	// A trailing local mutation must not resurrect the purged transcript.
	c.Send(context.Background(), "anyone there?")
	assert.Nil(t, store.get(key))
}

func TestDuplexSendOnDeadSocketFailsLocally(t *testing.T) {
	t.Parallel()

	api, _ := chatBackend(t, "unused")
	dialer := &fakeDialer{} // empty script: dial fails

	c := New(newMemStore(), api, dialer)
	require.NoError(t, c.Activate(context.Background(), Activation{
		Context: duplexContext("sess-7"),
		Origin:  domain.OriginFreshNavigation,
	}))
	waitState(t, c, StateClosed)
	dials := dialer.dialCount()

	c.Send(context.Background(), "hello?")

	msgs := c.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "hello?", msgs[0].Text)
	assert.Equal(t, msgNoConnection, msgs[1].Text)
	assert.Equal(t, domain.SenderAssistant, msgs[1].Sender)
	assert.Equal(t, dials, dialer.dialCount(), "no network attempt on a dead socket")
}

func TestDuplexAbnormalClosureReconnects(t *testing.T) {
	t.Parallel()

	api, _ := chatBackend(t, "unused")
	dialer := &fakeDialer{}
	first := newFakeConn()
	second := newFakeConn()
	dialer.push(first, second)

	c := New(newMemStore(), api, dialer, WithReconnectDelay(10*time.Millisecond))
	require.NoError(t, c.Activate(context.Background(), Activation{
		Context: duplexContext("sess-8"),
		Origin:  domain.OriginFreshNavigation,
	}))
	waitState(t, c, StateOpen)

	first.terminate(1006)

	waitState(t, c, StateOpen)
	assert.Equal(t, 2, dialer.dialCount())

	// The replacement socket carries traffic.
	second.inbound <- []byte(`{"type":"message","message":"back online"}`)
	require.Eventually(t, func() bool {
		return len(c.Messages()) == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestDuplexNormalClosureDoesNotReconnect(t *testing.T) {
	t.Parallel()

	api, _ := chatBackend(t, "unused")
	dialer := &fakeDialer{}
	conn := newFakeConn()
	dialer.push(conn, newFakeConn())

	c := New(newMemStore(), api, dialer, WithReconnectDelay(10*time.Millisecond))
	require.NoError(t, c.Activate(context.Background(), Activation{
		Context: duplexContext("sess-9"),
		Origin:  domain.OriginFreshNavigation,
	}))
	waitState(t, c, StateOpen)

	conn.terminate(closeNormal)
	waitState(t, c, StateClosed)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, StateClosed, c.DuplexState())
	assert.Equal(t, 1, dialer.dialCount())
}

func TestDuplexIdleTimeoutClosesSession(t *testing.T) {
	t.Parallel()

	api, _ := chatBackend(t, "unused")
	dialer := &fakeDialer{}
	conn := newFakeConn()
	dialer.push(conn)

	c := New(newMemStore(), api, dialer, WithIdleTimeout(60*time.Millisecond))
	require.NoError(t, c.Activate(context.Background(), Activation{
		Context: duplexContext("sess-10"),
		Origin:  domain.OriginFreshNavigation,
	}))
	waitState(t, c, StateOpen)

	waitState(t, c, StateClosed)
	require.Eventually(t, func() bool {
		return conn.closedWith() != ""
	}, 2*time.Second, 5*time.Millisecond)
}

func TestDuplexTrafficDefersIdleTimeout(t *testing.T) {
	t.Parallel()

	api, _ := chatBackend(t, "unused")
	dialer := &fakeDialer{}
	conn := newFakeConn()
	dialer.push(conn)

	c := New(newMemStore(), api, dialer, WithIdleTimeout(80*time.Millisecond))
	require.NoError(t, c.Activate(context.Background(), Activation{
		Context: duplexContext("sess-11"),
		Origin:  domain.OriginFreshNavigation,
	}))
	waitState(t, c, StateOpen)

	// Keep traffic flowing past the original deadline.
	for range 4 {
		time.Sleep(40 * time.Millisecond)
		conn.inbound <- []byte(`{"type":"message","message":"tick"}`)
	}
	assert.Equal(t, StateOpen, c.DuplexState())

	waitState(t, c, StateClosed)
}

func TestContextSwitchDropsStaleSocketEvents(t *testing.T) {
	t.Parallel()

	api, _ := chatBackend(t, "unused")
	dialer := &fakeDialer{}
	old := newFakeConn()
	next := newFakeConn()
	dialer.push(old, next)

	c := New(newMemStore(), api, dialer)
	require.NoError(t, c.Activate(context.Background(), Activation{
		Context: duplexContext("sess-old"),
		Origin:  domain.OriginFreshNavigation,
	}))
	waitState(t, c, StateOpen)

	require.NoError(t, c.Activate(context.Background(), Activation{
		Context: duplexContext("sess-new"),
		Origin:  domain.OriginFreshNavigation,
	}))
	waitState(t, c, StateOpen)

	// Frames from the replaced socket must not land in the new transcript.
	old.inbound <- []byte(`{"type":"message","message":"ghost"}`)
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, c.Messages())
}

func TestStaleActivationReplyIsDropped(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet && r.URL.Path == "/" {
			w.WriteHeader(http.StatusOK)
			return
		}
		<-release
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"response":"too late"}`))
	}))
	t.Cleanup(srv.Close)

	store := newMemStore()
	c := New(store, backend.New(srv.URL), &fakeDialer{})

	require.NoError(t, c.Activate(context.Background(), Activation{
		Context: reqRespContext("general"),
		Origin:  domain.OriginRestoredHistory,
	}))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.Send(context.Background(), "slow question")
	}()

	// Switch contexts while the reply is still in flight.
	require.Eventually(t, func() bool {
		return len(c.Messages()) == 1
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, c.Activate(context.Background(), Activation{
		Context: reqRespContext("what-to-do"),
		Origin:  domain.OriginRestoredHistory,
	}))

	close(release)
	wg.Wait()

	for _, m := range c.Messages() {
		assert.NotEqual(t, "too late", m.Text)
	}
}

func TestDeactivatePersistsAndClears(t *testing.T) {
	t.Parallel()

	api, _ := chatBackend(t, "Hello there!")
	store := newMemStore()
	c := New(store, api, &fakeDialer{})

	require.NoError(t, c.Activate(context.Background(), Activation{
		Context: reqRespContext("general"),
		Origin:  domain.OriginFreshNavigation,
	}))
	c.Deactivate(context.Background())

	assert.Nil(t, c.Active())
	assert.Empty(t, c.Messages())
	assert.Equal(t, StateIdle, c.DuplexState())

	key := transcript.Key("user_1700000000_abc123def", "general")
	require.Len(t, store.get(key), 1)
	assert.Equal(t, "Hello there!", store.get(key)[0].Text)
}

func TestDirectiveRepliesAreTagged(t *testing.T) {
	t.Parallel()

	api, _ := chatBackend(t, "SERVICES_DATA|[{\"id\":\"spa-1\"}]")
	c := New(newMemStore(), api, &fakeDialer{})

	require.NoError(t, c.Activate(context.Background(), Activation{
		Context: reqRespContext("general"),
		Origin:  domain.OriginRestoredHistory,
	}))
	c.Send(context.Background(), "show me services")

	msgs := c.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, domain.KindDirective, msgs[1].Kind)
}
