package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dataelement/bisheng-sub006/internal/domain/chat"
	"github.com/dataelement/bisheng-sub006/internal/domain/session"
	"github.com/dataelement/bisheng-sub006/internal/domain/wire"
)

// recordingHandler captures everything the manager surfaces.
type recordingHandler struct {
	mu     sync.Mutex
	opened []string
	events []chat.Event
	closed []string
}

func (h *recordingHandler) HandleOpen(convID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.opened = append(h.opened, convID)
}

func (h *recordingHandler) HandleEvent(convID string, ev chat.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, ev)
}

func (h *recordingHandler) HandleClosed(convID, reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = append(h.closed, reason)
}

func (h *recordingHandler) snapshot() (opened []string, events []chat.Event, closed []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.opened...),
		append([]chat.Event(nil), h.events...),
		append([]string(nil), h.closed...)
}

// gatewayStub is a fake server: it records the request path and the init
// envelope, then runs the given script against the socket.
type gatewayStub struct {
	srv *httptest.Server

	mu    sync.Mutex
	paths []string
	inits []wire.Envelope
}

func newGatewayStub(t *testing.T, script func(ws *websocket.Conn)) *gatewayStub {
	t.Helper()
	stub := &gatewayStub{}
	upgrader := websocket.Upgrader{}
	stub.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		var init wire.Envelope
		if err := ws.ReadJSON(&init); err != nil {
			ws.Close()
			return
		}
		stub.mu.Lock()
		stub.paths = append(stub.paths, r.URL.Path+"?"+r.URL.RawQuery)
		stub.inits = append(stub.inits, init)
		stub.mu.Unlock()
		if script != nil {
			script(ws)
		}
	}))
	t.Cleanup(stub.srv.Close)
	return stub
}

func (s *gatewayStub) wsURL() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

func (s *gatewayStub) recorded() (paths []string, inits []wire.Envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.paths...), append([]wire.Envelope(nil), s.inits...)
}

func newTestManager(baseURL string, h Handler) *Manager {
	return NewManager(Config{
		BaseURL:      baseURL,
		DialTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	}, h, zerolog.Nop())
}

func holdOpen(ws *websocket.Conn) {
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
	}
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition never satisfied")
}

func TestConnect_SendsWorkflowInit(t *testing.T) {
	stub := newGatewayStub(t, holdOpen)
	h := &recordingHandler{}
	m := newTestManager(stub.wsURL(), h)
	defer m.CloseAll()

	conv := session.New("c1", "flow-1", chat.KindWorkflow, true, 4)
	require.NoError(t, m.Connect(context.Background(), conv))

	waitUntil(t, func() bool { _, inits := stub.recorded(); return len(inits) == 1 })
	paths, inits := stub.recorded()
	assert.Equal(t, "/api/v1/workflow/chat/flow-1?chat_id=c1", paths[0])
	assert.Equal(t, wire.ActionInitData, inits[0].Action)

	opened, _, _ := h.snapshot()
	assert.Equal(t, []string{"c1"}, opened)
	assert.True(t, m.Connected("c1"))
}

func TestConnect_SendsHistoryPrimeForAssistant(t *testing.T) {
	stub := newGatewayStub(t, holdOpen)
	m := newTestManager(stub.wsURL(), &recordingHandler{})
	defer m.CloseAll()

	conv := session.New("c2", "flow-2", chat.KindAssistant, false, 4)
	require.NoError(t, m.Connect(context.Background(), conv))

	waitUntil(t, func() bool { _, inits := stub.recorded(); return len(inits) == 1 })
	paths, inits := stub.recorded()
	assert.Equal(t, "/api/v1/assistant/chat/flow-2?chat_id=c2", paths[0])
	assert.Equal(t, wire.ActionInput, inits[0].Action)
	assert.Contains(t, inits[0].Data, "history")
}

func TestConnect_Idempotent(t *testing.T) {
	stub := newGatewayStub(t, holdOpen)
	m := newTestManager(stub.wsURL(), &recordingHandler{})
	defer m.CloseAll()

	conv := session.New("c3", "flow-3", chat.KindWorkflow, true, 4)
	require.NoError(t, m.Connect(context.Background(), conv))
	require.NoError(t, m.Connect(context.Background(), conv))

	time.Sleep(100 * time.Millisecond)
	paths, _ := stub.recorded()
	assert.Len(t, paths, 1, "second connect must reuse the live socket")
}

func TestConnect_RefusesDeletedPlaceholder(t *testing.T) {
	m := newTestManager("ws://127.0.0.1:1", &recordingHandler{})
	conv := session.NewDeletedPlaceholder("c4", "gone", chat.KindSkill)

	err := m.Connect(context.Background(), conv)
	assert.ErrorIs(t, err, ErrFlowDeleted)
}

func TestSend_NotConnected(t *testing.T) {
	m := newTestManager("ws://127.0.0.1:1", &recordingHandler{})
	err := m.Send("nope", wire.StopEnvelope("nope", "f"))
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestPump_DeliversDecodedEventsAndDropsMalformed(t *testing.T) {
	stub := newGatewayStub(t, func(ws *websocket.Conn) {
		_ = ws.WriteMessage(websocket.TextMessage, []byte(`not json at all`))
		_ = ws.WriteMessage(websocket.TextMessage, []byte(`{"category":"answer","type":"stream","message":"Hi"}`))
		holdOpen(ws)
	})
	h := &recordingHandler{}
	m := newTestManager(stub.wsURL(), h)
	defer m.CloseAll()

	conv := session.New("c5", "flow-5", chat.KindAssistant, false, 4)
	require.NoError(t, m.Connect(context.Background(), conv))

	waitUntil(t, func() bool { _, events, _ := h.snapshot(); return len(events) == 1 })
	_, events, _ := h.snapshot()
	assert.Equal(t, chat.CategoryAnswer, events[0].Category)
	assert.Equal(t, "Hi", events[0].Text)
}

func TestPump_ServerCloseSurfacesReason(t *testing.T) {
	stub := newGatewayStub(t, func(ws *websocket.Conn) {
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "flow stopped")
		_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		ws.Close()
	})
	h := &recordingHandler{}
	m := newTestManager(stub.wsURL(), h)

	conv := session.New("c6", "flow-6", chat.KindAssistant, false, 4)
	require.NoError(t, m.Connect(context.Background(), conv))

	waitUntil(t, func() bool { _, _, closed := h.snapshot(); return len(closed) == 1 })
	_, _, closed := h.snapshot()
	assert.Equal(t, "flow stopped", closed[0])
	assert.False(t, m.Connected("c6"))
}

func TestClose_DeliberateTeardownIsSilent(t *testing.T) {
	stub := newGatewayStub(t, holdOpen)
	h := &recordingHandler{}
	m := newTestManager(stub.wsURL(), h)

	conv := session.New("c7", "flow-7", chat.KindSkill, false, 4)
	require.NoError(t, m.Connect(context.Background(), conv))

	m.Close("c7")
	waitUntil(t, func() bool { return !m.Connected("c7") })

	time.Sleep(100 * time.Millisecond)
	_, _, closed := h.snapshot()
	assert.Empty(t, closed, "a close we initiated must not surface as an error")
}

func TestSetForeground_ClosesIdleBackgroundConnections(t *testing.T) {
	stub := newGatewayStub(t, holdOpen)
	m := newTestManager(stub.wsURL(), &recordingHandler{})
	defer m.CloseAll()

	idle := session.New("bg-idle", "f1", chat.KindSkill, false, 4)
	running := session.New("bg-running", "f1", chat.KindSkill, false, 4)
	fg := session.New("fg", "f1", chat.KindSkill, false, 4)
	for _, c := range []*session.Conversation{idle, running, fg} {
		require.NoError(t, m.Connect(context.Background(), c))
	}

	m.SetForeground(context.Background(), "fg", func(id string) bool {
		return id == "bg-running"
	})

	waitUntil(t, func() bool { return !m.Connected("bg-idle") })
	assert.True(t, m.Connected("bg-running"), "a running conversation survives backgrounding")
	assert.True(t, m.Connected("fg"))
}

func TestSend_RoundTrip(t *testing.T) {
	type received struct {
		env wire.Envelope
	}
	got := make(chan received, 1)
	stub := newGatewayStub(t, func(ws *websocket.Conn) {
		var env wire.Envelope
		if err := ws.ReadJSON(&env); err == nil {
			got <- received{env}
		}
		holdOpen(ws)
	})
	m := newTestManager(stub.wsURL(), &recordingHandler{})
	defer m.CloseAll()

	conv := session.New("c8", "flow-8", chat.KindWorkflow, true, 4)
	require.NoError(t, m.Connect(context.Background(), conv))
	require.NoError(t, m.Send("c8", wire.StopEnvelope("c8", "flow-8")))

	select {
	case r := <-got:
		assert.Equal(t, wire.ActionStop, r.env.Action)
		assert.Equal(t, "c8", r.env.ChatID)
	case <-time.After(3 * time.Second):
		t.Fatal("stop envelope never arrived")
	}
}

func TestEndpointPath(t *testing.T) {
	assert.Equal(t, "/api/v1/workflow/chat/f", endpointPath(chat.KindWorkflow, "f"))
	assert.Equal(t, "/api/v1/assistant/chat/f", endpointPath(chat.KindAssistant, "f"))
	assert.Equal(t, "/api/v1/chat/f", endpointPath(chat.KindSkill, "f"))
}
