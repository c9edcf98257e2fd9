package inkhub

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/cespare/xxhash"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/inkhub/inkhub/protocol"
	"github.com/inkhub/inkhub/utils"
)

// palette is the pool of session colors. Assignment hashes the
// participant id, so a given id always maps to the same color; two
// participants sharing a color is acceptable.
var palette = []string{
	"#e6194b", "#3cb44b", "#4363d8", "#f58231", "#911eb4",
	"#46f0f0", "#f032e6", "#bcf60c", "#fabebe", "#008080",
	"#9a6324", "#800000", "#808000", "#000075", "#ffe119",
}

func colorFor(id string) string {
	return palette[xxhash.Sum64String(id)%uint64(len(palette))]
}

// Hub is the session coordinator: it wires each new websocket to the
// registry, log and router, interprets inbound messages, and runs the
// liveness sweep. The log, registry and router are the only structures
// shared across connections; each serializes its own mutation, and the
// log's append order is the system's only ordering guarantee.
type Hub struct {
	log  utils.Logger
	opts Options

	oplog    *Log
	registry *Registry
	router   *Router
	sessions *xsync.MapOf[string, *session]

	upgrader websocket.Upgrader

	wg        sync.WaitGroup
	ctx       context.Context
	cancelCtx context.CancelFunc
}

func NewHub(opts Options) *Hub {
	opts.SetDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		log:      opts.Logger,
		opts:     opts,
		oplog:    NewLog(),
		registry: NewRegistry(),
		router:   NewRouter(opts.Logger),
		sessions: xsync.NewMapOf[string, *session](),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		ctx:       ctx,
		cancelCtx: cancel,
	}
}

// Start launches the liveness sweep.
func (h *Hub) Start() {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.keepSweeping()
	}()
}

func (h *Hub) Close() error {
	h.cancelCtx()
	h.sessions.Range(func(_ string, s *session) bool {
		s.shutdown()
		return true
	})
	h.wg.Wait()
	return nil
}

func (h *Hub) Log() *Log            { return h.oplog }
func (h *Hub) Registry() *Registry  { return h.registry }
func (h *Hub) ConnectionCount() int { return h.sessions.Size() }

// ServeWS upgrades the request and walks the connection through the
// handshake: assign identity and color, register, send welcome and
// history, announce the join to everyone else, then start the pumps.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error("hub: upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}

	id := uuid.Must(uuid.NewV7()).String()
	color := colorFor(id)
	s := newSession(h, id, color, conn)

	if err := h.registry.Register(id, color); err != nil {
		// only reachable on a uuid collision
		h.log.Error("hub: couldn't register", "id", id, "err", err)
		conn.Close()
		return
	}

	// welcome and history go straight into the buffered queue before the
	// session is attached to the router, so no broadcast can precede them
	s.TrySend(protocol.MustEncode(protocol.NewWelcome(id, color, h.registry.Snapshot())))
	s.TrySend(protocol.MustEncode(protocol.NewHistory(h.oplog.Recent(h.opts.HistoryLimit))))

	h.sessions.Store(id, s)
	h.router.Attach(id, s)
	h.router.Broadcast(protocol.NewUserJoined(id, color), id)
	h.log.Info("hub: participant joined", "id", id, "color", color, "remote", r.RemoteAddr)

	h.wg.Add(2)
	go func() { defer h.wg.Done(); s.writePump() }()
	go func() { defer h.wg.Done(); s.readPump() }()
}

// dispatch interprets one inbound message for an active session. The
// author of anything appended to the log is always the connection's own
// id; a client-supplied author is never trusted.
func (h *Hub) dispatch(s *session, msg protocol.Message) {
	switch m := msg.(type) {
	case *protocol.Draw:
		op := h.oplog.Append(protocol.Operation{
			ID:       m.OperationID,
			Kind:     protocol.OpStroke,
			AuthorID: s.id,
			Points:   m.Path,
			Color:    m.Color,
			Width:    m.BrushSize,
		})
		h.broadcastOperation(op, s.id)

	case *protocol.CursorMove:
		// ephemeral, not part of the operation history
		pos := protocol.Point{X: m.X, Y: m.Y}
		h.registry.UpdateCursor(s.id, pos)
		h.router.Broadcast(protocol.NewCursorUpdate(s.id, pos), s.id)

	case *protocol.Clear:
		op := h.oplog.Append(protocol.Operation{
			ID:       uuid.Must(uuid.NewV7()).String(),
			Kind:     protocol.OpClear,
			AuthorID: s.id,
		})
		h.broadcastOperation(op, s.id)

	case *protocol.Undo:
		removed, err := h.oplog.Undo(s.id)
		if err != nil {
			// nothing of theirs to undo; no broadcast, no error back
			return
		}
		// everyone reconciles, the sender included: the authoritative
		// log changed under it
		h.router.Broadcast(protocol.NewOperationRemoved(removed.ID), "")

	case *protocol.Ping:
		h.registry.TouchLiveness(s.id)
		s.TrySend(protocol.MustEncode(protocol.NewPong(m.Timestamp)))

	case *protocol.Welcome, *protocol.History, *protocol.OperationBroadcast,
		*protocol.OperationRemoved, *protocol.UserJoined, *protocol.UserLeft,
		*protocol.CursorUpdate, *protocol.Pong:
		h.log.Warn("hub: server-bound frame of server-to-client type", "id", s.id, "type", msg.MessageType())
	}
}

// broadcastOperation fans a finalized operation out, excluding its
// author, reusing the frame the log serialized at append time.
func (h *Hub) broadcastOperation(op protocol.Operation, exceptID string) {
	if frame, ok := h.oplog.Encoded(op.ID); ok {
		h.router.BroadcastFrame(frame, exceptID)
		return
	}
	h.router.Broadcast(protocol.NewOperationBroadcast(op), exceptID)
}

// dropSession runs the active → closed transition exactly once per
// session, whether the close was clean, abrupt, or a sweep eviction.
func (h *Hub) dropSession(s *session) {
	if _, ok := h.sessions.LoadAndDelete(s.id); !ok {
		return
	}
	h.router.Detach(s.id)
	h.registry.Remove(s.id)
	// the departed id is already out of the recipient set, so exclude no one
	h.router.Broadcast(protocol.NewUserLeft(s.id), "")
	h.log.Info("hub: participant left", "id", s.id)
}

func (h *Hub) keepSweeping() {
	ticker := time.NewTicker(h.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			h.sweepOnce()
		case <-h.ctx.Done():
			return
		}
	}
}

// sweepOnce evicts participants whose transport died without a close
// event. Closing the websocket makes readPump fail, but dropSession is
// called here directly so the departure is announced even if the pump
// is wedged.
func (h *Hub) sweepOnce() {
	for _, p := range h.registry.Sweep(h.opts.LivenessTimeout) {
		h.log.Warn("hub: evicting silent participant", "id", p.ID)
		if s, ok := h.sessions.Load(p.ID); ok {
			h.dropSession(s)
			s.shutdown()
		}
	}
}
