package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/canopyhq/canopy/internal/auth"
	"github.com/canopyhq/canopy/internal/event"
	"github.com/canopyhq/canopy/internal/storage"
)

const testSecret = "test-secret-for-realtime"

type serverFixture struct {
	store    *storage.Store
	verifier *auth.TokenVerifier
	ai       *fakeAborter
	srv      *httptest.Server
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()

	store, err := storage.NewStore(filepath.Join(t.TempDir(), "canopy.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	verifier := auth.NewTokenVerifier(testSecret)
	ai := &fakeAborter{}

	counters := &Counters{}
	builders := NewRegistry("builders", counters, nil)
	consumers := NewRegistry("consumers", counters, nil)
	bridge := NewBridge(nil, builders, consumers, nil)
	router := NewRouter(store, ai, bridge, nil)

	server := NewServer(ServerOptions{
		Verifier:  verifier,
		Resolver:  auth.NewConsumerResolver(store),
		Store:     store,
		Builders:  builders,
		Consumers: consumers,
		Bridge:    bridge,
		Router:    router,
		Counters:  counters,
	})

	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)

	return &serverFixture{store: store, verifier: verifier, ai: ai, srv: srv}
}

func (f *serverFixture) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http") + path
}

func (f *serverFixture) seedSession(t *testing.T, multiplayer bool) (orgID, sessionID string) {
	t.Helper()
	ctx := context.Background()

	orgID = storage.NewID()
	app := &storage.App{ID: storage.NewID(), OrgID: orgID, Name: "support widget"}
	require.NoError(t, f.store.CreateApp(ctx, app))

	sess := &storage.Session{
		ID:          storage.NewID(),
		AppID:       app.ID,
		OrgID:       orgID,
		Title:       "help me",
		Mode:        storage.ModeAI,
		Multiplayer: multiplayer,
		Active:      true,
	}
	require.NoError(t, f.store.CreateSession(ctx, sess))
	return orgID, sess.ID
}

func (f *serverFixture) seedParticipant(t *testing.T, sessionID, name, anonToken string) string {
	t.Helper()
	p := &storage.Participant{
		ID:             storage.NewID(),
		SessionID:      sessionID,
		DisplayName:    name,
		IsAnonymous:    true,
		IsActive:       true,
		AnonymousToken: anonToken,
	}
	require.NoError(t, f.store.CreateParticipant(context.Background(), p))
	return p.ID
}

func (f *serverFixture) builderToken(t *testing.T, userID, orgID, name string) string {
	t.Helper()
	token, err := f.verifier.Issue(userID, orgID, name, time.Hour)
	require.NoError(t, err)
	return token
}

func dialWS(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func readEvent(t *testing.T, ws *websocket.Conn) event.Event {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	var ev event.Event
	require.NoError(t, ws.ReadJSON(&ev))
	return ev
}

func sendFrame(t *testing.T, ws *websocket.Conn, frame map[string]any) {
	t.Helper()
	data, err := json.Marshal(frame)
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, data))
}

func TestHealthAndStatus(t *testing.T) {
	f := newServerFixture(t)

	resp, err := http.Get(f.srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(f.srv.URL + "/statusz")
	require.NoError(t, err)
	defer resp.Body.Close()
	var status map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.Contains(t, status, "builders")
	assert.Contains(t, status, "counters")
}

func TestBuilderConnectRequiresValidToken(t *testing.T) {
	f := newServerFixture(t)

	_, resp, err := websocket.DefaultDialer.Dial(f.wsURL("/ws/builder"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(f.wsURL("/ws/builder?token=garbage"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestBuilderPingPong(t *testing.T) {
	f := newServerFixture(t)
	orgID, _ := f.seedSession(t, false)

	token := f.builderToken(t, "user-1", orgID, "Ada")
	ws := dialWS(t, f.wsURL("/ws/builder?token="+token))

	sendFrame(t, ws, map[string]any{"action": "ping"})
	ev := readEvent(t, ws)
	assert.Equal(t, event.TypePong, ev.Type)
}

func TestConsumerConnectReceivesSnapshot(t *testing.T) {
	f := newServerFixture(t)
	_, sessionID := f.seedSession(t, true)
	f.seedParticipant(t, sessionID, "Sam", "tok-sam")

	ws := dialWS(t, f.wsURL("/ws/consumer?session="+sessionID+"&token=tok-sam"))

	ev := readEvent(t, ws)
	require.Equal(t, event.TypeParticipants, ev.Type)

	payload, err := json.Marshal(ev.Payload)
	require.NoError(t, err)
	var snapshot event.ParticipantsPayload
	require.NoError(t, json.Unmarshal(payload, &snapshot))
	require.Len(t, snapshot.Participants, 1)
	assert.Equal(t, "Sam", snapshot.Participants[0].DisplayName)
}

func TestConsumerConnectRejectedForMultiplayerStranger(t *testing.T) {
	f := newServerFixture(t)
	_, sessionID := f.seedSession(t, true)

	_, resp, err := websocket.DefaultDialer.Dial(f.wsURL("/ws/consumer?session="+sessionID+"&token=wrong"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestConsumerAnonymousSinglePlayerConnects(t *testing.T) {
	f := newServerFixture(t)
	_, sessionID := f.seedSession(t, false)

	ws := dialWS(t, f.wsURL("/ws/consumer?session="+sessionID))
	ev := readEvent(t, ws)
	assert.Equal(t, event.TypeParticipants, ev.Type)
}

func TestConsumerJoinNotifiesExistingAttendees(t *testing.T) {
	f := newServerFixture(t)
	_, sessionID := f.seedSession(t, true)
	f.seedParticipant(t, sessionID, "Sam", "tok-sam")
	f.seedParticipant(t, sessionID, "Alex", "tok-alex")

	first := dialWS(t, f.wsURL("/ws/consumer?session="+sessionID+"&token=tok-sam"))
	ev := readEvent(t, first)
	require.Equal(t, event.TypeParticipants, ev.Type)

	second := dialWS(t, f.wsURL("/ws/consumer?session="+sessionID+"&token=tok-alex"))
	ev = readEvent(t, second)
	require.Equal(t, event.TypeParticipants, ev.Type)

	ev = readEvent(t, first)
	assert.Equal(t, event.TypeParticipantJoined, ev.Type)
}

func TestConsumerTypingReachesOthersOnly(t *testing.T) {
	f := newServerFixture(t)
	_, sessionID := f.seedSession(t, true)
	f.seedParticipant(t, sessionID, "Sam", "tok-sam")
	f.seedParticipant(t, sessionID, "Alex", "tok-alex")

	sam := dialWS(t, f.wsURL("/ws/consumer?session="+sessionID+"&token=tok-sam"))
	readEvent(t, sam) // snapshot

	alex := dialWS(t, f.wsURL("/ws/consumer?session="+sessionID+"&token=tok-alex"))
	readEvent(t, alex) // snapshot
	readEvent(t, sam)  // alex joined

	sendFrame(t, sam, map[string]any{"action": "typing_start"})

	ev := readEvent(t, alex)
	assert.Equal(t, event.TypeTyping, ev.Type)

	// Sam must not hear the echo; the next frame Sam receives is a later
	// unrelated event, produced here by Alex's own typing.
	sendFrame(t, alex, map[string]any{"action": "typing_start"})
	ev = readEvent(t, sam)
	assert.Equal(t, event.TypeTyping, ev.Type)
}

func TestTakeoverEndToEnd(t *testing.T) {
	f := newServerFixture(t)
	orgID, sessionID := f.seedSession(t, true)
	f.seedParticipant(t, sessionID, "Sam", "tok-sam")

	consumer := dialWS(t, f.wsURL("/ws/consumer?session="+sessionID+"&token=tok-sam"))
	readEvent(t, consumer) // snapshot

	token := f.builderToken(t, "user-1", orgID, "Ada")
	builder := dialWS(t, f.wsURL("/ws/builder?token="+token))

	sendFrame(t, builder, map[string]any{"action": "takeover", "sessionId": sessionID, "mode": "human"})

	ev := readEvent(t, consumer)
	assert.Equal(t, event.TypeTakeoverEntered, ev.Type)
	ev = readEvent(t, builder)
	assert.Equal(t, event.TypeTakeoverEntered, ev.Type)

	sess, err := f.store.GetSessionMeta(context.Background(), sessionID)
	require.NoError(t, err)
	assert.Equal(t, storage.ModeHuman, sess.Mode)
	assert.Equal(t, "user-1", sess.OperatorID)

	sendFrame(t, builder, map[string]any{"action": "send_message", "sessionId": sessionID, "content": "hi, a human here"})

	ev = readEvent(t, consumer)
	require.Equal(t, event.TypeTakeoverMessage, ev.Type)
	ev = readEvent(t, builder)
	require.Equal(t, event.TypeTakeoverMessage, ev.Type)

	count, err := f.store.CountMessages(context.Background(), sessionID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	sendFrame(t, builder, map[string]any{"action": "release", "sessionId": sessionID})

	ev = readEvent(t, consumer)
	assert.Equal(t, event.TypeTakeoverLeft, ev.Type)

	sess, err = f.store.GetSessionMeta(context.Background(), sessionID)
	require.NoError(t, err)
	assert.Equal(t, storage.ModeAI, sess.Mode)
	assert.Empty(t, sess.OperatorID)
}

func TestMalformedFrameDoesNotCloseConnection(t *testing.T) {
	f := newServerFixture(t)
	orgID, _ := f.seedSession(t, false)

	token := f.builderToken(t, "user-1", orgID, "Ada")
	ws := dialWS(t, f.wsURL("/ws/builder?token="+token))

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("{{{")))
	sendFrame(t, ws, map[string]any{"action": "ping"})

	ev := readEvent(t, ws)
	assert.Equal(t, event.TypePong, ev.Type)
}

func TestLastConsumerOutEndsSession(t *testing.T) {
	f := newServerFixture(t)
	orgID, sessionID := f.seedSession(t, true)
	f.seedParticipant(t, sessionID, "Sam", "tok-sam")

	token := f.builderToken(t, "op-1", orgID, "Ada")
	builder := dialWS(t, f.wsURL("/ws/builder?token="+token))

	consumer := dialWS(t, f.wsURL("/ws/consumer?session="+sessionID+"&token=tok-sam"))
	readEvent(t, consumer) // snapshot

	require.NoError(t, consumer.Close())

	_ = builder.SetReadDeadline(time.Now().Add(3 * time.Second))
	var ev event.Event
	require.NoError(t, builder.ReadJSON(&ev))
	assert.Equal(t, event.TypeConversationEnded, ev.Type)

	deadline := time.Now().Add(3 * time.Second)
	for {
		sess, err := f.store.GetSessionMeta(context.Background(), sessionID)
		require.NoError(t, err)
		if !sess.Active {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("session never marked inactive")
		}
		time.Sleep(20 * time.Millisecond)
	}
}
