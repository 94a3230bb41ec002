package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat-relay/internal/data"
	"chat-relay/internal/delivery"
	"chat-relay/internal/middleware"
	"chat-relay/internal/presence"
	"chat-relay/internal/protocol"
)

// fakeMessages is an in-memory message store with the same ordering and
// cursor semantics as the Mongo-backed one.
type fakeMessages struct {
	mu     sync.Mutex
	msgs   []data.Message
	nextID int64
	fail   bool
}

func (f *fakeMessages) Append(_ context.Context, msg data.Message) (*data.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, data.ErrStoreUnavailable
	}
	f.nextID++
	msg.ID = f.nextID
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	f.msgs = append(f.msgs, msg)
	return &msg, nil
}

func (f *fakeMessages) QueryRange(_ context.Context, participantA, participantB, conversationID string, before, limit int64) ([]data.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, data.ErrStoreUnavailable
	}

	var eligible []data.Message
	for _, m := range f.msgs {
		pairMatch := (m.SenderID == participantA && m.RecipientID == participantB) ||
			(m.SenderID == participantB && m.RecipientID == participantA)
		if !pairMatch {
			continue
		}
		if conversationID != "" && m.ConversationID != conversationID {
			continue
		}
		if before > 0 && m.ID >= before {
			continue
		}
		eligible = append(eligible, m)
	}
	// msgs is already in id order; take the newest limit rows.
	if int64(len(eligible)) > limit {
		eligible = eligible[int64(len(eligible))-limit:]
	}
	return eligible, nil
}

func (f *fakeMessages) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.msgs)
}

// fakeDirectory serves a fixed known-user list.
type fakeDirectory struct {
	users []data.UserRecord
	err   error
}

func (f *fakeDirectory) ListUsers(context.Context) ([]data.UserRecord, error) {
	return f.users, f.err
}

type testEnv struct {
	srv  *Server
	msgs *fakeMessages
	dir  *fakeDirectory
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	log := discardLogger()
	msgs := &fakeMessages{}
	dir := &fakeDirectory{users: []data.UserRecord{
		{ID: "alice", DisplayName: "Alice Reed"},
		{ID: "bob", DisplayName: "Bob Stone"},
	}}

	hub := NewConnectionHub(log, 64)
	registry := presence.NewRegistry()
	router := delivery.NewRouter(log, msgs, registry, hub)
	limiter := middleware.NewLimiterStore(6000, 1000, time.Minute)
	t.Cleanup(limiter.Stop)

	return &testEnv{
		srv:  newServer(log, hub, registry, router, msgs, dir, limiter, nil, 10),
		msgs: msgs,
		dir:  dir,
	}
}

// connect starts serving a scripted connection and waits for the initial
// roster so tests observe a fully opened connection.
func (e *testEnv) connect(t *testing.T) *fakeConn {
	t.Helper()
	fc := newFakeConn()
	go e.srv.serveConn(fc)
	require.Eventually(t, func() bool {
		return len(fc.byType(t, protocol.TypeRoster)) >= 1
	}, time.Second, 5*time.Millisecond)
	return fc
}

func (e *testEnv) announce(t *testing.T, fc *fakeConn, userID string) {
	t.Helper()
	e.sendEvent(t, fc, protocol.TypeAnnounce, protocol.Announce{UserID: userID})
}

func (e *testEnv) sendEvent(t *testing.T, fc *fakeConn, et protocol.EventType, payload any) {
	t.Helper()
	env := mustEnvelope(t, et, payload)
	b, err := json.Marshal(env)
	require.NoError(t, err)
	fc.inbound <- b
}

func decodeRoster(t *testing.T, env protocol.Envelope) protocol.Roster {
	t.Helper()
	var r protocol.Roster
	require.NoError(t, json.Unmarshal(env.Data, &r))
	return r
}

func decodeHistory(t *testing.T, env protocol.Envelope) []protocol.Message {
	t.Helper()
	var hr protocol.HistoryResult
	require.NoError(t, json.Unmarshal(env.Data, &hr))
	return hr.Messages
}

func TestAnnounceBroadcastsRoster(t *testing.T) {
	e := newTestEnv(t)
	a := e.connect(t)
	defer a.Close()
	b := e.connect(t)
	defer b.Close()

	e.announce(t, a, "alice")

	// Both connections observe alice online, with the full known-user
	// list from the directory.
	for _, fc := range []*fakeConn{a, b} {
		require.Eventually(t, func() bool {
			rosters := fc.byType(t, protocol.TypeRoster)
			if len(rosters) == 0 {
				return false
			}
			last := decodeRoster(t, rosters[len(rosters)-1])
			return len(last.Online) == 1 && last.Online[0] == "alice" && len(last.All) == 2
		}, time.Second, 5*time.Millisecond)
	}
}

func TestAnnounceWithoutUserIDRejected(t *testing.T) {
	e := newTestEnv(t)
	a := e.connect(t)
	defer a.Close()

	e.sendEvent(t, a, protocol.TypeAnnounce, protocol.Announce{})

	require.Eventually(t, func() bool {
		return len(a.byType(t, protocol.TypeError)) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, e.srv.registry.Online())
}

func TestSendDeliversToRecipientOnly(t *testing.T) {
	e := newTestEnv(t)
	a := e.connect(t)
	defer a.Close()
	b := e.connect(t)
	defer b.Close()

	e.announce(t, a, "alice")
	e.announce(t, b, "bob")
	require.Eventually(t, func() bool {
		return len(e.srv.registry.Online()) == 2
	}, time.Second, 5*time.Millisecond)

	e.sendEvent(t, a, protocol.TypeSend, protocol.Send{From: "alice", To: "bob", Content: "hey bob"})

	require.Eventually(t, func() bool {
		return len(b.byType(t, protocol.TypeDelivered)) == 1
	}, time.Second, 5*time.Millisecond)

	var m protocol.Message
	require.NoError(t, json.Unmarshal(b.byType(t, protocol.TypeDelivered)[0].Data, &m))
	assert.Equal(t, "alice", m.From)
	assert.Equal(t, "bob", m.To)
	assert.Equal(t, "hey bob", m.Content)
	assert.EqualValues(t, 1, m.ID)

	// No echo back to the sender.
	assert.Empty(t, a.byType(t, protocol.TypeDelivered))
	assert.Equal(t, 1, e.msgs.count())
}

func TestSendToOfflineRecipientStoresOnly(t *testing.T) {
	e := newTestEnv(t)
	a := e.connect(t)
	defer a.Close()

	e.announce(t, a, "alice")
	e.sendEvent(t, a, protocol.TypeSend, protocol.Send{From: "alice", To: "bob", Content: "are you there"})

	require.Eventually(t, func() bool {
		return e.msgs.count() == 1
	}, time.Second, 5*time.Millisecond)

	// No failure is reported: the message is persisted and waiting in
	// history.
	assert.Empty(t, a.byType(t, protocol.TypeSendFailed))
	assert.Empty(t, a.byType(t, protocol.TypeDelivered))
}

func TestSendStoreFailureReportsSendFailed(t *testing.T) {
	e := newTestEnv(t)
	a := e.connect(t)
	defer a.Close()

	e.announce(t, a, "alice")
	e.msgs.fail = true
	e.sendEvent(t, a, protocol.TypeSend, protocol.Send{From: "alice", To: "bob", Content: "lost"})

	require.Eventually(t, func() bool {
		return len(a.byType(t, protocol.TypeSendFailed)) == 1
	}, time.Second, 5*time.Millisecond)

	var sf protocol.SendFailed
	require.NoError(t, json.Unmarshal(a.byType(t, protocol.TypeSendFailed)[0].Data, &sf))
	assert.Equal(t, "message store unavailable", sf.Reason)
}

func TestSendMissingFieldsRejected(t *testing.T) {
	e := newTestEnv(t)
	a := e.connect(t)
	defer a.Close()

	e.sendEvent(t, a, protocol.TypeSend, protocol.Send{From: "alice", To: "bob"})

	require.Eventually(t, func() bool {
		return len(a.byType(t, protocol.TypeError)) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, e.msgs.count())
}

func TestSendEscapesContent(t *testing.T) {
	e := newTestEnv(t)
	a := e.connect(t)
	defer a.Close()

	e.announce(t, a, "alice")
	e.sendEvent(t, a, protocol.TypeSend, protocol.Send{From: "alice", To: "bob", Content: "<script>hi</script>"})

	require.Eventually(t, func() bool {
		return e.msgs.count() == 1
	}, time.Second, 5*time.Millisecond)

	e.msgs.mu.Lock()
	content := e.msgs.msgs[0].Content
	e.msgs.mu.Unlock()
	assert.Equal(t, "&lt;script&gt;hi&lt;/script&gt;", content)
}

func TestSendTrimsConversationID(t *testing.T) {
	e := newTestEnv(t)
	a := e.connect(t)
	defer a.Close()

	e.announce(t, a, "alice")
	e.sendEvent(t, a, protocol.TypeSend, protocol.Send{From: "alice", To: "bob", Content: "hi", ConversationID: "  thread-9  "})

	require.Eventually(t, func() bool {
		return e.msgs.count() == 1
	}, time.Second, 5*time.Millisecond)

	e.msgs.mu.Lock()
	conversationID := e.msgs.msgs[0].ConversationID
	e.msgs.mu.Unlock()
	// a padded thread key must land on the same thread as the bare one
	assert.Equal(t, "thread-9", conversationID)
}

func TestHandshakeEnforcesOriginAllowList(t *testing.T) {
	e := newTestEnv(t)
	e.srv.upgrader.CheckOrigin = originChecker([]string{"https://app.example.com"})

	ts := httptest.NewServer(http.HandlerFunc(e.srv.HandleWS))
	defer ts.Close()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")

	// a browser on a foreign origin is refused before the upgrade
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, http.Header{"Origin": {"https://evil.example.com"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	// the listed origin connects; the match is case-insensitive
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, http.Header{"Origin": {"https://APP.example.com"}})
	require.NoError(t, err)
	_ = conn.Close()

	// non-browser clients send no Origin header and always pass
	conn, _, err = websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	_ = conn.Close()
}

func TestOriginCheckerEmptyListAllowsAll(t *testing.T) {
	check := originChecker(nil)
	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.Header.Set("Origin", "https://anywhere.example.com")
	assert.True(t, check(r))
}

func TestRateLimitedSendRejected(t *testing.T) {
	e := newTestEnv(t)
	// burst of one: the second immediate send must be rejected
	limiter := middleware.NewLimiterStore(1, 1, time.Minute)
	t.Cleanup(limiter.Stop)
	e.srv.limiter = limiter

	a := e.connect(t)
	defer a.Close()
	e.announce(t, a, "alice")

	e.sendEvent(t, a, protocol.TypeSend, protocol.Send{From: "alice", To: "bob", Content: "one"})
	e.sendEvent(t, a, protocol.TypeSend, protocol.Send{From: "alice", To: "bob", Content: "two"})

	require.Eventually(t, func() bool {
		return len(a.byType(t, protocol.TypeError)) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, e.msgs.count())
}

// TestHistoryScenario walks the reconnect-and-scroll flow: two sends, an
// initial page containing both in order, then a backward page from the
// window's minimum id coming back empty because nothing is older.
func TestHistoryScenario(t *testing.T) {
	e := newTestEnv(t)
	a := e.connect(t)
	defer a.Close()
	b := e.connect(t)
	defer b.Close()

	e.announce(t, a, "alice")
	e.announce(t, b, "bob")
	require.Eventually(t, func() bool {
		return len(e.srv.registry.Online()) == 2
	}, time.Second, 5*time.Millisecond)

	e.sendEvent(t, a, protocol.TypeSend, protocol.Send{From: "alice", To: "bob", Content: "hello"})
	e.sendEvent(t, a, protocol.TypeSend, protocol.Send{From: "alice", To: "bob", Content: "world"})
	require.Eventually(t, func() bool {
		return e.msgs.count() == 2
	}, time.Second, 5*time.Millisecond)

	e.sendEvent(t, a, protocol.TypeHistoryInitial, protocol.HistoryInitial{From: "alice", To: "bob", Limit: 10})
	require.Eventually(t, func() bool {
		return len(a.byType(t, protocol.TypeHistoryInitialResult)) == 1
	}, time.Second, 5*time.Millisecond)

	page := decodeHistory(t, a.byType(t, protocol.TypeHistoryInitialResult)[0])
	require.Len(t, page, 2)
	assert.Equal(t, "hello", page[0].Content)
	assert.Equal(t, "world", page[1].Content)
	assert.Less(t, page[0].ID, page[1].ID)

	// a third message does not disturb the already-recorded cursor
	e.sendEvent(t, b, protocol.TypeSend, protocol.Send{From: "bob", To: "alice", Content: "again"})
	require.Eventually(t, func() bool {
		return e.msgs.count() == 3
	}, time.Second, 5*time.Millisecond)

	e.sendEvent(t, a, protocol.TypeHistoryMore, protocol.HistoryMore{From: "alice", To: "bob", Before: page[0].ID, Limit: 10})
	require.Eventually(t, func() bool {
		return len(a.byType(t, protocol.TypeHistoryMoreResult)) == 1
	}, time.Second, 5*time.Millisecond)

	older := decodeHistory(t, a.byType(t, protocol.TypeHistoryMoreResult)[0])
	assert.Empty(t, older)
}

func TestHistoryMorePagesAreDisjoint(t *testing.T) {
	e := newTestEnv(t)
	// seed five messages directly
	for i, content := range []string{"m1", "m2", "m3", "m4", "m5"} {
		_, err := e.msgs.Append(context.Background(), data.Message{
			SenderID:    "alice",
			RecipientID: "bob",
			Content:     content,
		})
		require.NoError(t, err, "seeding message %d", i)
	}

	a := e.connect(t)
	defer a.Close()

	e.sendEvent(t, a, protocol.TypeHistoryInitial, protocol.HistoryInitial{From: "alice", To: "bob", Limit: 2})
	require.Eventually(t, func() bool {
		return len(a.byType(t, protocol.TypeHistoryInitialResult)) == 1
	}, time.Second, 5*time.Millisecond)
	first := decodeHistory(t, a.byType(t, protocol.TypeHistoryInitialResult)[0])
	require.Len(t, first, 2)
	assert.Equal(t, "m4", first[0].Content)
	assert.Equal(t, "m5", first[1].Content)

	e.sendEvent(t, a, protocol.TypeHistoryMore, protocol.HistoryMore{From: "alice", To: "bob", Before: first[0].ID, Limit: 2})
	require.Eventually(t, func() bool {
		return len(a.byType(t, protocol.TypeHistoryMoreResult)) == 1
	}, time.Second, 5*time.Millisecond)
	second := decodeHistory(t, a.byType(t, protocol.TypeHistoryMoreResult)[0])
	require.Len(t, second, 2)
	assert.Equal(t, "m2", second[0].Content)
	assert.Equal(t, "m3", second[1].Content)

	// duplicate in-flight request with the same cursor gets the same page
	e.sendEvent(t, a, protocol.TypeHistoryMore, protocol.HistoryMore{From: "alice", To: "bob", Before: first[0].ID, Limit: 2})
	require.Eventually(t, func() bool {
		return len(a.byType(t, protocol.TypeHistoryMoreResult)) == 2
	}, time.Second, 5*time.Millisecond)
	repeat := decodeHistory(t, a.byType(t, protocol.TypeHistoryMoreResult)[1])
	require.Len(t, repeat, 2)
	assert.Equal(t, second[0].ID, repeat[0].ID)
	assert.Equal(t, second[1].ID, repeat[1].ID)
}

func TestHistoryStoreFailureReturnsEmptyPage(t *testing.T) {
	e := newTestEnv(t)
	a := e.connect(t)
	defer a.Close()

	e.msgs.fail = true
	e.sendEvent(t, a, protocol.TypeHistoryInitial, protocol.HistoryInitial{From: "alice", To: "bob", Limit: 10})

	require.Eventually(t, func() bool {
		return len(a.byType(t, protocol.TypeHistoryInitialResult)) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, decodeHistory(t, a.byType(t, protocol.TypeHistoryInitialResult)[0]))
}

func TestDisconnectRemovesPresence(t *testing.T) {
	e := newTestEnv(t)
	a := e.connect(t)
	b := e.connect(t)
	defer b.Close()

	e.announce(t, a, "alice")
	e.announce(t, b, "bob")

	require.Eventually(t, func() bool {
		return len(e.srv.registry.Online()) == 2
	}, time.Second, 5*time.Millisecond)

	// closing the connection triggers the implicit remove
	a.Close()

	require.Eventually(t, func() bool {
		online := e.srv.registry.Online()
		return len(online) == 1 && online[0] == "bob"
	}, time.Second, 5*time.Millisecond)

	// the survivors observe the shrunken roster
	require.Eventually(t, func() bool {
		rosters := b.byType(t, protocol.TypeRoster)
		if len(rosters) == 0 {
			return false
		}
		last := decodeRoster(t, rosters[len(rosters)-1])
		return len(last.Online) == 1 && last.Online[0] == "bob"
	}, time.Second, 5*time.Millisecond)
}

func TestUnknownEventRejected(t *testing.T) {
	e := newTestEnv(t)
	a := e.connect(t)
	defer a.Close()

	a.inbound <- []byte(`{"type":"subscribe","data":{}}`)

	require.Eventually(t, func() bool {
		return len(a.byType(t, protocol.TypeError)) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestMalformedFrameRejected(t *testing.T) {
	e := newTestEnv(t)
	a := e.connect(t)
	defer a.Close()

	a.inbound <- []byte(`not json`)

	require.Eventually(t, func() bool {
		return len(a.byType(t, protocol.TypeError)) == 1
	}, time.Second, 5*time.Millisecond)
}
