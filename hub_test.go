package inkhub

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inkhub/inkhub/protocol"
	"github.com/inkhub/inkhub/utils"
)

func newTestHub(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub(Options{
		SweepInterval: time.Hour, // sweeps run by hand in tests
		Logger:        utils.NewDefaultLogger(slog.LevelError),
	})
	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	t.Cleanup(func() {
		srv.Close()
		hub.Close()
	})
	return hub, srv
}

// join dials the hub and consumes the welcome and history frames every
// new connection starts with.
func join(t *testing.T, srv *httptest.Server) (*websocket.Conn, *protocol.Welcome, *protocol.History) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	welcome, ok := readMsg(t, conn).(*protocol.Welcome)
	require.True(t, ok, "first frame must be the welcome")
	history, ok := readMsg(t, conn).(*protocol.History)
	require.True(t, ok, "second frame must be the history")
	return conn, welcome, history
}

func readMsg(t *testing.T, conn *websocket.Conn) protocol.Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	msg, err := protocol.Decode(data)
	require.NoError(t, err)
	return msg
}

// expectSilence asserts nothing arrives for a beat. It poisons the
// connection, so it must be the last read on it.
func expectSilence(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
}

func send(t *testing.T, conn *websocket.Conn, msg protocol.Message) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, protocol.MustEncode(msg)))
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never held")
}

func TestHubHandshake(t *testing.T) {
	hub, srv := newTestHub(t)

	_, welcomeA, historyA := join(t, srv)
	assert.NotEmpty(t, welcomeA.UserID)
	assert.NotEmpty(t, welcomeA.Color)
	require.Len(t, welcomeA.Users, 1)
	assert.Equal(t, welcomeA.UserID, welcomeA.Users[0].ID)
	assert.Empty(t, historyA.Operations)

	_, welcomeB, _ := join(t, srv)
	assert.NotEqual(t, welcomeA.UserID, welcomeB.UserID)
	require.Len(t, welcomeB.Users, 2)
	// snapshot is in join order: A first, then B
	assert.Equal(t, welcomeA.UserID, welcomeB.Users[0].ID)
	assert.Equal(t, welcomeB.UserID, welcomeB.Users[1].ID)

	assert.Equal(t, 2, hub.ConnectionCount())
	assert.Equal(t, 2, hub.Registry().Len())
}

func TestHubDrawFansOutExcludingAuthorAndFeedsHistory(t *testing.T) {
	_, srv := newTestHub(t)

	connA, welcomeA, _ := join(t, srv)
	connB, _, _ := join(t, srv)

	// A sees B join
	joined, ok := readMsg(t, connA).(*protocol.UserJoined)
	require.True(t, ok)
	assert.NotEqual(t, welcomeA.UserID, joined.UserID)

	send(t, connA, protocol.NewDraw("op-1", []protocol.Point{{X: 1, Y: 1}, {X: 2, Y: 2}, {X: 3, Y: 3}}, "#ff0000", 2, 0))

	// B receives exactly one operation, version 1, authored by A
	op, ok := readMsg(t, connB).(*protocol.OperationBroadcast)
	require.True(t, ok)
	assert.Equal(t, "op-1", op.ID)
	assert.Equal(t, uint64(1), op.Version)
	assert.Equal(t, welcomeA.UserID, op.AuthorID)
	assert.Len(t, op.Points, 3)

	// a late joiner gets the same operation in its history snapshot
	_, _, historyC := join(t, srv)
	require.Len(t, historyC.Operations, 1)
	assert.Equal(t, "op-1", historyC.Operations[0].ID)
	assert.Equal(t, uint64(1), historyC.Operations[0].Version)

	// the author never hears its own stroke back (C's join notice comes first)
	left, ok := readMsg(t, connA).(*protocol.UserJoined)
	require.True(t, ok)
	assert.NotEmpty(t, left.UserID)
	expectSilence(t, connA)
}

func TestHubUndoNotifiesEveryoneIncludingSender(t *testing.T) {
	hub, srv := newTestHub(t)

	connA, _, _ := join(t, srv)
	connB, _, _ := join(t, srv)
	readMsg(t, connA) // B's join notice

	send(t, connA, protocol.NewDraw("op-1", []protocol.Point{{X: 1, Y: 1}}, "#000", 1, 0))
	readMsg(t, connB) // the operation

	send(t, connA, protocol.NewUndo())

	remA, ok := readMsg(t, connA).(*protocol.OperationRemoved)
	require.True(t, ok, "the sender reconciles too")
	assert.Equal(t, "op-1", remA.OperationID)

	remB, ok := readMsg(t, connB).(*protocol.OperationRemoved)
	require.True(t, ok)
	assert.Equal(t, "op-1", remB.OperationID)

	waitFor(t, func() bool { return hub.Log().Len() == 0 })
}

func TestHubUndoWithNothingToUndoIsSilent(t *testing.T) {
	hub, srv := newTestHub(t)

	connA, _, _ := join(t, srv)
	connB, _, _ := join(t, srv)
	readMsg(t, connA) // B's join notice

	send(t, connB, protocol.NewDraw("b-1", []protocol.Point{{X: 1, Y: 1}}, "#000", 1, 0))
	send(t, connB, protocol.NewDraw("b-2", []protocol.Point{{X: 2, Y: 2}}, "#000", 1, 0))
	readMsg(t, connA)
	readMsg(t, connA)
	waitFor(t, func() bool { return hub.Log().Len() == 2 })

	// A has nothing of its own to undo: log unchanged, nobody notified
	send(t, connA, protocol.NewUndo())
	expectSilence(t, connB)
	assert.Equal(t, 2, hub.Log().Len())
}

func TestHubClearAppendsAndFansOut(t *testing.T) {
	hub, srv := newTestHub(t)

	connA, welcomeA, _ := join(t, srv)
	connB, _, _ := join(t, srv)
	readMsg(t, connA) // B's join notice

	send(t, connA, protocol.NewClear())

	op, ok := readMsg(t, connB).(*protocol.OperationBroadcast)
	require.True(t, ok)
	assert.Equal(t, protocol.OpClear, op.Kind)
	assert.Equal(t, welcomeA.UserID, op.AuthorID)
	assert.NotEmpty(t, op.ID, "the hub assigns clear operation ids")
	assert.Equal(t, uint64(1), op.Version)
	assert.Equal(t, 1, hub.Log().Len())
}

func TestHubPingAnswersSenderOnly(t *testing.T) {
	_, srv := newTestHub(t)

	connA, _, _ := join(t, srv)
	connB, _, _ := join(t, srv)
	readMsg(t, connA) // B's join notice

	send(t, connA, protocol.NewPing(987654))

	pong, ok := readMsg(t, connA).(*protocol.Pong)
	require.True(t, ok)
	assert.Equal(t, int64(987654), pong.Timestamp)
	expectSilence(t, connB)
}

func TestHubCursorMoveIsEphemeral(t *testing.T) {
	hub, srv := newTestHub(t)

	connA, welcomeA, _ := join(t, srv)
	connB, _, _ := join(t, srv)
	readMsg(t, connA) // B's join notice

	send(t, connA, protocol.NewCursorMove(40, 60))

	upd, ok := readMsg(t, connB).(*protocol.CursorUpdate)
	require.True(t, ok)
	assert.Equal(t, welcomeA.UserID, upd.UserID)
	assert.Equal(t, protocol.Point{X: 40, Y: 60}, upd.Cursor)

	// cursor traffic never lands in the log
	assert.Equal(t, 0, hub.Log().Len())
	waitFor(t, func() bool {
		snap := hub.Registry().Snapshot()
		return len(snap) == 2 && snap[0].Cursor == (protocol.Point{X: 40, Y: 60})
	})
}

func TestHubMalformedFrameKeepsConnectionOpen(t *testing.T) {
	_, srv := newTestHub(t)

	connA, _, _ := join(t, srv)
	require.NoError(t, connA.WriteMessage(websocket.TextMessage, []byte(`{"type":"draw"}`)))
	require.NoError(t, connA.WriteMessage(websocket.TextMessage, []byte(`not json`)))
	require.NoError(t, connA.WriteMessage(websocket.TextMessage, []byte(`{"type":"unheard-of"}`)))

	// the connection survived all three
	send(t, connA, protocol.NewPing(1))
	pong, ok := readMsg(t, connA).(*protocol.Pong)
	require.True(t, ok)
	assert.Equal(t, int64(1), pong.Timestamp)
}

func TestHubDepartureBroadcast(t *testing.T) {
	hub, srv := newTestHub(t)

	connA, _, _ := join(t, srv)
	connB, welcomeB, _ := join(t, srv)
	readMsg(t, connA) // B's join notice

	connB.Close()

	left, ok := readMsg(t, connA).(*protocol.UserLeft)
	require.True(t, ok)
	assert.Equal(t, welcomeB.UserID, left.UserID)
	waitFor(t, func() bool { return hub.Registry().Len() == 1 })
}

func TestHubSweepEvictsSilentParticipant(t *testing.T) {
	hub := NewHub(Options{
		SweepInterval:   time.Hour, // sweeps run by hand
		LivenessTimeout: time.Minute,
		Logger:          utils.NewDefaultLogger(slog.LevelError),
	})
	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	t.Cleanup(func() {
		srv.Close()
		hub.Close()
	})

	connA, welcomeA, _ := join(t, srv)
	_, welcomeB, _ := join(t, srv)
	readMsg(t, connA) // B's join notice

	// move the clock past the timeout; only A answers a probe
	future := time.Now().Add(time.Hour)
	hub.registry.clock = func() time.Time { return future }
	hub.registry.TouchLiveness(welcomeA.UserID)

	hub.sweepOnce()

	// exactly one departure notice, for B
	left, ok := readMsg(t, connA).(*protocol.UserLeft)
	require.True(t, ok)
	assert.Equal(t, welcomeB.UserID, left.UserID)
	assert.Equal(t, 1, hub.Registry().Len())
	expectSilence(t, connA)
}

func TestHubHistoryRespectsLimit(t *testing.T) {
	hub := NewHub(Options{
		HistoryLimit:  3,
		SweepInterval: time.Hour,
		Logger:        utils.NewDefaultLogger(slog.LevelError),
	})
	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	t.Cleanup(func() {
		srv.Close()
		hub.Close()
	})

	for i := 0; i < 5; i++ {
		hub.Log().Append(protocol.Operation{ID: string(rune('a' + i)), Kind: protocol.OpStroke, AuthorID: "seed"})
	}

	_, _, history := join(t, srv)
	require.Len(t, history.Operations, 3)
	assert.Equal(t, uint64(3), history.Operations[0].Version)
	assert.Equal(t, uint64(5), history.Operations[2].Version)
}
