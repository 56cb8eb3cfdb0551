package client

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/mpro775/kleem/internal/chat"
	"github.com/mpro775/kleem/internal/db"
	"github.com/mpro775/kleem/internal/handlers"
	"github.com/mpro775/kleem/internal/identity"
	"github.com/mpro775/kleem/internal/rating"
	"github.com/mpro775/kleem/internal/realtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitTimeout = 5 * time.Second
	tick        = 10 * time.Millisecond
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fastBackOff() backoff.BackOff {
	return backoff.NewConstantBackOff(20 * time.Millisecond)
}

type testEnv struct {
	server *httptest.Server
	api    *API
}

func newEnv(t *testing.T) *testEnv {
	database, err := db.Open(filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	hub := realtime.NewHub(database, realtime.Config{Logger: quietLogger()})
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(cancel)

	h := handlers.New(database, hub, realtime.TokenVerifier{"m1": "t1", "m2": "t2"}, t.TempDir())
	server := httptest.NewServer(handlers.NewRouter(h, nil))
	t.Cleanup(server.Close)

	return &testEnv{server: server, api: NewAPI(server.URL)}
}

func (e *testEnv) socketURL() string {
	return e.server.URL + "/ws"
}

func (e *testEnv) waitForAdmins(t *testing.T, n int) {
	e.waitForStats(t, func(s realtime.Stats) bool { return s.Admins == n })
}

// waitForCustomers waits until the hub has registered n session
// connections, so that echoes are not lost to the registration race.
func (e *testEnv) waitForCustomers(t *testing.T, n int) {
	e.waitForStats(t, func(s realtime.Stats) bool { return s.Customers == n })
}

func (e *testEnv) waitForStats(t *testing.T, cond func(realtime.Stats) bool) {
	require.Eventually(t, func() bool {
		res, err := http.Get(e.server.URL + "/api/health")
		if err != nil {
			return false
		}
		defer res.Body.Close()
		var health handlers.HealthResponse
		if err := json.NewDecoder(res.Body).Decode(&health); err != nil {
			return false
		}
		return cond(health.Connections)
	}, waitTimeout, tick)
}

func (e *testEnv) openCustomer(t *testing.T, sessionID string) *CustomerChannel {
	ch, err := OpenCustomer(context.Background(), CustomerConfig{
		API:        e.api,
		SocketURL:  e.socketURL(),
		MerchantID: "m1",
		NewBackOff: fastBackOff,
		Logger:     quietLogger(),
	}, sessionID)
	require.NoError(t, err)
	t.Cleanup(ch.Close)
	return ch
}

func TestAPI(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()

	customer, err := env.api.PostMessage(ctx, PostMessageRequest{MerchantID: "m1", SessionID: "s1", Role: chat.RoleCustomer, Text: "hello"})
	require.NoError(t, err)
	assert.True(t, customer.Persisted())

	_, err = env.api.PostMessage(ctx, PostMessageRequest{MerchantID: "m1", SessionID: "s1", Role: chat.RoleBot, Text: "hi"})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)

	merchantAPI := NewAPI(env.server.URL, WithMerchantToken("t1"), WithTimeout(5*time.Second))
	bot, err := merchantAPI.PostMessage(ctx, PostMessageRequest{MerchantID: "m1", SessionID: "s1", Role: chat.RoleBot, Text: "hi"})
	require.NoError(t, err)

	_, err = env.api.Rate(ctx, customer.ID, chat.RatingPositive)
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnprocessableEntity, apiErr.StatusCode)

	rated, err := env.api.Rate(ctx, bot.ID, chat.RatingNegative)
	require.NoError(t, err)
	require.NotNil(t, rated.Rating)

	withFeedback, err := env.api.Feedback(ctx, bot.ID, "not helpful")
	require.NoError(t, err)
	require.NotNil(t, withFeedback.Feedback)

	reply, err := merchantAPI.AgentReply(ctx, "m1", AgentReplyRequest{SessionID: "s1", Text: "a human here"})
	require.NoError(t, err)
	assert.Equal(t, chat.RoleAgent, reply.Role)

	history, err := env.api.FetchHistory(ctx, "m1", "s1")
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, []string{customer.ID, bot.ID, reply.ID}, []string{history[0].ID, history[1].ID, history[2].ID})

	cfg, err := env.api.WidgetConfig(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, "m1", cfg.MerchantID)
}

func TestScopeURL(t *testing.T) {
	raw, err := ScopeURL("https://chat.example.com/ws", realtime.Scope{Role: realtime.RoleAdmin, MerchantID: "m1", Token: "t1"})
	require.NoError(t, err)

	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "wss", u.Scheme)
	assert.Equal(t, "admin", u.Query().Get("role"))
	assert.Equal(t, "m1", u.Query().Get("merchantId"))
	assert.Equal(t, "t1", u.Query().Get("token"))
	assert.False(t, u.Query().Has("sessionId"))
}

func TestCustomerChannelLoadsHistoryAndReceivesEcho(t *testing.T) {
	env := newEnv(t)
	_, err := env.api.PostMessage(context.Background(), PostMessageRequest{MerchantID: "m1", SessionID: "s1", Role: chat.RoleCustomer, Text: "earlier"})
	require.NoError(t, err)

	ch := env.openCustomer(t, "s1")
	require.Eventually(t, func() bool {
		snap := ch.Snapshot()
		return snap.Load == LoadReady && snap.Connection == StatusConnected && len(snap.Messages) == 1
	}, waitTimeout, tick)
	env.waitForCustomers(t, 1)

	require.NoError(t, ch.Send(context.Background(), chat.Draft{Text: "now"}))
	assert.Equal(t, SendConfirmed, ch.Snapshot().Send)

	require.Eventually(t, func() bool { return len(ch.Messages()) == 2 }, waitTimeout, tick)
	messages := ch.Messages()
	assert.Equal(t, "earlier", messages[0].Text)
	assert.Equal(t, "now", messages[1].Text)
	assert.True(t, messages[1].Persisted())
}

func TestResumeCustomerKeepsSessionAcrossVisits(t *testing.T) {
	env := newEnv(t)
	ids := identity.NewStore(identity.NewFileKV(filepath.Join(t.TempDir(), "storage.json")), quietLogger())
	cfg := CustomerConfig{API: env.api, SocketURL: env.socketURL(), MerchantID: "m1", NewBackOff: fastBackOff, Logger: quietLogger()}

	first, err := ResumeCustomer(context.Background(), cfg, ids)
	require.NoError(t, err)
	require.NoError(t, first.Send(context.Background(), chat.Draft{Text: "first visit"}))
	first.Close()

	second, err := ResumeCustomer(context.Background(), cfg, ids)
	require.NoError(t, err)
	t.Cleanup(second.Close)

	assert.Equal(t, first.SessionID(), second.SessionID())
	require.Eventually(t, func() bool {
		snap := second.Snapshot()
		return snap.Load == LoadReady && len(snap.Messages) == 1
	}, waitTimeout, tick)
	assert.Equal(t, "first visit", second.Messages()[0].Text)
}

func TestCustomerChannelReceivesAgentReply(t *testing.T) {
	env := newEnv(t)
	ch := env.openCustomer(t, "s1")
	env.waitForCustomers(t, 1)
	require.NoError(t, ch.Send(context.Background(), chat.Draft{Text: "anyone?"}))

	merchantAPI := NewAPI(env.server.URL, WithMerchantToken("t1"))
	_, err := merchantAPI.AgentReply(context.Background(), "m1", AgentReplyRequest{SessionID: "s1", Text: "yes"})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(ch.Messages()) == 2 }, waitTimeout, tick)
	messages := ch.Messages()
	assert.Equal(t, chat.RoleCustomer, messages[0].Role)
	assert.Equal(t, chat.RoleAgent, messages[1].Role)
}

func TestRatingThroughCustomerChannel(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	merchantAPI := NewAPI(env.server.URL, WithMerchantToken("t1"))
	_, err := merchantAPI.PostMessage(ctx, PostMessageRequest{MerchantID: "m1", SessionID: "s1", Role: chat.RoleBot, Text: "our price is 10"})
	require.NoError(t, err)

	ch := env.openCustomer(t, "s1")
	require.Eventually(t, func() bool {
		snap := ch.Snapshot()
		return snap.Load == LoadReady && len(snap.Messages) == 1
	}, waitTimeout, tick)
	bot := ch.Messages()[0]

	capture := rating.NewCapture(env.api, ch, quietLogger())
	res, err := capture.Rate(ctx, bot, chat.RatingNegative)
	require.NoError(t, err)
	assert.True(t, res.PromptFeedback)

	bot = ch.Messages()[0]
	require.NotNil(t, bot.Rating)
	assert.Equal(t, chat.RatingNegative, *bot.Rating)

	_, err = capture.Feedback(ctx, bot, "it is 12 now")
	require.NoError(t, err)
	bot = ch.Messages()[0]
	require.NotNil(t, bot.Feedback)
	assert.Equal(t, "it is 12 now", *bot.Feedback)

	// A history service that cannot be reached leaves the view as it was.
	offline := rating.NewCapture(NewAPI("http://127.0.0.1:1", WithTimeout(time.Second)), ch, quietLogger())
	_, err = offline.Rate(ctx, bot, chat.RatingPositive)
	require.Error(t, err)
	bot = ch.Messages()[0]
	require.NotNil(t, bot.Rating)
	assert.Equal(t, chat.RatingNegative, *bot.Rating)
	require.NotNil(t, bot.Feedback)

	// The server agrees with the view after a refetch.
	require.NoError(t, ch.Refresh(ctx))
	bot = ch.Messages()[0]
	require.NotNil(t, bot.Rating)
	assert.Equal(t, chat.RatingNegative, *bot.Rating)
	require.NotNil(t, bot.Feedback)
	assert.Equal(t, "it is 12 now", *bot.Feedback)
}

// stub serves a scripted history service and hub for the customer channel.
type stub struct {
	*httptest.Server
	posts      atomic.Int32
	conns      atomic.Int32
	postStatus int
	// dropFirst closes the first socket right after the handshake.
	dropFirst bool

	mu      sync.Mutex
	queries []url.Values
}

func newStub(t *testing.T, postStatus int, dropFirst bool) *stub {
	s := &stub{postStatus: postStatus, dropFirst: dropFirst}
	upgrader := websocket.Upgrader{}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/sessions/{id}/messages", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte("[]"))
	})
	mux.HandleFunc("POST /api/messages", func(w http.ResponseWriter, r *http.Request) {
		s.posts.Add(1)
		w.Header().Set("Content-Type", "application/json")
		if s.postStatus != http.StatusOK {
			w.WriteHeader(s.postStatus)
			w.Write([]byte(`{"error":"history service down"}`))
			return
		}
		json.NewEncoder(w).Encode(chat.Message{ID: "srv-1", SessionID: "s1", Role: chat.RoleCustomer, Text: "hi", Timestamp: time.Now()})
	})
	mux.HandleFunc("GET /ws", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.queries = append(s.queries, r.URL.Query())
		s.mu.Unlock()

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if s.conns.Add(1) == 1 && s.dropFirst {
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

func (s *stub) openCustomer(t *testing.T) *CustomerChannel {
	ch, err := OpenCustomer(context.Background(), CustomerConfig{
		API:        NewAPI(s.URL),
		SocketURL:  s.URL + "/ws",
		MerchantID: "m1",
		NewBackOff: fastBackOff,
		Logger:     quietLogger(),
	}, "s1")
	require.NoError(t, err)
	t.Cleanup(ch.Close)
	return ch
}

func TestSendDoesNotAppendLocally(t *testing.T) {
	s := newStub(t, http.StatusOK, false)
	ch := s.openCustomer(t)
	require.Eventually(t, func() bool { return ch.Snapshot().Load == LoadReady }, waitTimeout, tick)

	require.NoError(t, ch.Send(context.Background(), chat.Draft{Text: "hi"}))

	snap := ch.Snapshot()
	assert.Equal(t, SendConfirmed, snap.Send)
	assert.Empty(t, snap.Messages)
	assert.Equal(t, int32(1), s.posts.Load())
}

func TestSendFailureIsSurfacedAndDismissable(t *testing.T) {
	s := newStub(t, http.StatusInternalServerError, false)
	ch := s.openCustomer(t)

	err := ch.Send(context.Background(), chat.Draft{Text: "  "})
	assert.ErrorIs(t, err, chat.ErrEmptyMessage)
	assert.Equal(t, int32(0), s.posts.Load())

	err = ch.Send(context.Background(), chat.Draft{Text: "hi"})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "history service down", apiErr.Message)

	snap := ch.Snapshot()
	assert.Equal(t, SendFailed, snap.Send)
	assert.Equal(t, err, snap.SendErr)
	assert.Equal(t, int32(1), s.posts.Load(), "failed sends are not retried")

	ch.DismissError()
	snap = ch.Snapshot()
	assert.Equal(t, SendComposing, snap.Send)
	assert.NoError(t, snap.SendErr)
}

func TestConnReconnectsWithSameScope(t *testing.T) {
	s := newStub(t, http.StatusOK, true)

	var mu sync.Mutex
	var statuses []Status
	conn, err := Connect(context.Background(), ConnConfig{
		URL:        s.URL + "/ws",
		Scope:      realtime.Scope{Role: realtime.RoleCustomer, SessionID: "s1", MerchantID: "m1"},
		NewBackOff: fastBackOff,
		OnStatus: func(st Status) {
			mu.Lock()
			statuses = append(statuses, st)
			mu.Unlock()
		},
		Logger: quietLogger(),
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return s.conns.Load() >= 2 && conn.Status() == StatusConnected
	}, waitTimeout, tick)
	require.NoError(t, conn.Send(realtime.EventCustomerMessage, map[string]string{"text": "hi"}))

	conn.Close()
	assert.Equal(t, StatusClosed, conn.Status())
	assert.ErrorIs(t, conn.Send(realtime.EventCustomerMessage, nil), ErrNotConnected)

	mu.Lock()
	assert.Contains(t, statuses, StatusReconnecting)
	assert.Equal(t, StatusClosed, statuses[len(statuses)-1])
	mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	require.GreaterOrEqual(t, len(s.queries), 2)
	for _, q := range s.queries {
		assert.Equal(t, "customer", q.Get("role"))
		assert.Equal(t, "s1", q.Get("sessionId"))
		assert.Equal(t, "m1", q.Get("merchantId"))
	}
}

func TestConnStopsOnRefusedScope(t *testing.T) {
	env := newEnv(t)

	conn, err := Connect(context.Background(), ConnConfig{
		URL:        env.socketURL(),
		Scope:      realtime.Scope{Role: realtime.RoleAdmin, MerchantID: "m1", Token: "wrong"},
		NewBackOff: fastBackOff,
		Logger:     quietLogger(),
	})
	require.NoError(t, err)

	select {
	case <-conn.Done():
	case <-time.After(waitTimeout):
		t.Fatal("connection kept retrying a refused scope")
	}
	assert.Equal(t, StatusClosed, conn.Status())
}

func TestCustomerCloseEndsUpdates(t *testing.T) {
	s := newStub(t, http.StatusOK, false)
	ch := s.openCustomer(t)

	ch.Close()

	done := make(chan struct{})
	go func() {
		for range ch.Updates() {
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(waitTimeout):
		t.Fatal("updates channel not closed")
	}

	assert.ErrorIs(t, ch.Send(context.Background(), chat.Draft{Text: "late"}), ErrClosed)
	_, ok := ch.Update("x", func(*chat.Message) {})
	assert.False(t, ok)
}

type notifications struct {
	mu    sync.Mutex
	items []chat.Notification
}

func (n *notifications) add(item chat.Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.items = append(n.items, item)
}

func (n *notifications) len() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.items)
}

func (e *testEnv) subscribe(t *testing.T, merchantID, token string, cue Cue, got *notifications) *AdminChannel {
	a, err := SubscribeAdmin(context.Background(), AdminConfig{
		SocketURL:  e.socketURL(),
		Token:      token,
		NewBackOff: fastBackOff,
		Cue:        cue,
		Logger:     quietLogger(),
	}, merchantID, got.add)
	require.NoError(t, err)
	t.Cleanup(a.Unsubscribe)
	return a
}

func TestAdminNotificationsAreMerchantScoped(t *testing.T) {
	env := newEnv(t)

	var cues atomic.Int32
	var gotM1, gotM2 notifications
	m1 := env.subscribe(t, "m1", "t1", CueFunc(func() error { cues.Add(1); return nil }), &gotM1)
	env.subscribe(t, "m2", "t2", nil, &gotM2)
	env.waitForAdmins(t, 2)

	_, err := env.api.PostMessage(context.Background(), PostMessageRequest{MerchantID: "m1", SessionID: "S1", Role: chat.RoleCustomer, Text: "hello"})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return gotM1.len() == 1 }, waitTimeout, tick)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, gotM1.len())
	assert.Equal(t, 0, gotM2.len())
	assert.Equal(t, int32(1), cues.Load())

	recent := m1.Recent(RecentNotifications)
	require.Len(t, recent, 1)
	assert.Equal(t, "S1", recent[0].SessionID)
	assert.Equal(t, "hello", recent[0].Message.Text)
	assert.Equal(t, chat.RoleCustomer, recent[0].Message.Role)
	assert.NotEmpty(t, recent[0].Message.ID)
	assert.Equal(t, 1, m1.Unread())
}

func TestAdminCueFailureStillDelivers(t *testing.T) {
	env := newEnv(t)

	var failing, panicking notifications
	env.subscribe(t, "m1", "t1", CueFunc(func() error { return io.ErrClosedPipe }), &failing)
	env.subscribe(t, "m1", "t1", CueFunc(func() error { panic("no audio device") }), &panicking)
	env.waitForAdmins(t, 2)

	for _, text := range []string{"one", "two"} {
		_, err := env.api.PostMessage(context.Background(), PostMessageRequest{MerchantID: "m1", SessionID: "s1", Role: chat.RoleCustomer, Text: text})
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool { return failing.len() == 2 && panicking.len() == 2 }, waitTimeout, tick)
}

func TestUnsubscribeStopsNotifications(t *testing.T) {
	env := newEnv(t)

	var got notifications
	a := env.subscribe(t, "m1", "t1", nil, &got)
	env.waitForAdmins(t, 1)

	post := func(text string) {
		_, err := env.api.PostMessage(context.Background(), PostMessageRequest{MerchantID: "m1", SessionID: "s1", Role: chat.RoleCustomer, Text: text})
		require.NoError(t, err)
	}
	post("before")
	require.Eventually(t, func() bool { return got.len() == 1 }, waitTimeout, tick)

	a.Unsubscribe()
	assert.Equal(t, StatusClosed, a.Status())
	assert.Empty(t, a.Recent(RecentNotifications))
	env.waitForAdmins(t, 0)

	post("after")
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, got.len())
}

func adminEvent(t *testing.T, n chat.Notification) realtime.IncomingMessage {
	payload, err := json.Marshal(n)
	require.NoError(t, err)
	return realtime.IncomingMessage{Event: realtime.EventAdminNewMessage, Payload: payload}
}

func TestAdminBufferKeepsMostRecent(t *testing.T) {
	var got notifications
	a := newAdminChannel("m1", 12, nil, got.add, quietLogger())

	for i := 1; i <= 15; i++ {
		msg := chat.Message{ID: string(rune('a' + i)), Role: chat.RoleCustomer, Text: string(rune('a' + i)), Timestamp: time.Unix(int64(i), 0)}
		a.handleEvent(adminEvent(t, chat.Notification{SessionID: "s1", MerchantID: "m1", Message: msg}))
	}
	a.handleEvent(realtime.IncomingMessage{Event: realtime.EventAdminNewMessage, Payload: []byte(`{"sessionId":`)})
	a.handleEvent(adminEvent(t, chat.Notification{SessionID: "s1", Message: chat.Message{Role: chat.RoleCustomer}}))
	a.handleEvent(adminEvent(t, chat.Notification{SessionID: "s9", MerchantID: "m2", Message: chat.Message{ID: "z", Role: chat.RoleBot, Text: "x", Timestamp: time.Unix(1, 0)}}))

	assert.Equal(t, 15, got.len())
	assert.Equal(t, 15, a.Unread())

	recent := a.Recent(RecentNotifications)
	require.Len(t, recent, 10)
	assert.Equal(t, string(rune('a'+15)), recent[0].Message.ID)
	assert.Equal(t, string(rune('a'+6)), recent[9].Message.ID)
	assert.Len(t, a.Recent(0), 12)

	a.MarkRead()
	assert.Equal(t, 0, a.Unread())
}
