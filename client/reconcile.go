package client

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/inkhub/inkhub/protocol"
	"github.com/inkhub/inkhub/utils"
)

// Renderer is the external drawing collaborator. It consumes simple
// data and produces nothing the sync core needs back.
type Renderer interface {
	DrawStroke(points []protocol.Point, color string, width float64)
	Clear()
}

// Reconciler applies inbound traffic to the renderer and keeps the
// client's view in line with the authoritative log. It retains every
// applied operation so that an operation-removed notice can rebuild the
// surface client-side, without refetching history from the hub.
//
// It also keeps a local-only undo/redo stack of the user's own strokes,
// distinct from the server log, purely for instant feedback before the
// removal notice round-trips.
type Reconciler struct {
	log      utils.Logger
	tr       *Transport
	renderer Renderer

	lock      sync.Mutex
	selfID    string
	selfColor string
	retained  []protocol.Operation
	undoStack []string               // ids of own pending-undo strokes, newest last
	redoStack []protocol.Operation   // own undone strokes, redoable as fresh ops

	peers utils.CMap[string, protocol.Participant]
}

func NewReconciler(tr *Transport, renderer Renderer, log utils.Logger) *Reconciler {
	return &Reconciler{
		log:      log,
		tr:       tr,
		renderer: renderer,
	}
}

// Run consumes transport events until ctx is done. It is the single
// goroutine that touches the renderer for remote state.
func (r *Reconciler) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-r.tr.Events():
			if !ok {
				return
			}
			switch e := ev.(type) {
			case StateChange:
				r.log.Info("reconciler: transport state", "state", e.State, "attempt", e.Attempt, "err", e.Err)
			case Inbound:
				r.apply(e.Msg)
			}
		}
	}
}

func (r *Reconciler) apply(msg protocol.Message) {
	switch m := msg.(type) {
	case *protocol.Welcome:
		r.lock.Lock()
		r.selfID = m.UserID
		r.selfColor = m.Color
		r.lock.Unlock()
		for _, p := range m.Users {
			if p.ID != m.UserID {
				r.peers.Store(p.ID, p)
			}
		}

	case *protocol.History:
		// history always replays onto an empty canvas, so applying it
		// is idempotent with respect to a freshly cleared surface
		r.lock.Lock()
		r.renderer.Clear()
		r.retained = r.retained[:0]
		for _, op := range m.Operations {
			r.applyOpLocked(op)
		}
		r.lock.Unlock()

	case *protocol.OperationBroadcast:
		r.lock.Lock()
		if m.AuthorID == r.selfID {
			// already rendered at creation time; drawing it again
			// would double-draw
			r.lock.Unlock()
			return
		}
		r.applyOpLocked(m.Operation)
		r.lock.Unlock()

	case *protocol.OperationRemoved:
		r.lock.Lock()
		r.removeRetainedLocked(m.OperationID)
		r.lock.Unlock()

	case *protocol.UserJoined:
		r.peers.Store(m.UserID, protocol.Participant{ID: m.UserID, Color: m.Color})

	case *protocol.UserLeft:
		r.peers.Delete(m.UserID)

	case *protocol.CursorUpdate:
		if p, ok := r.peers.Load(m.UserID); ok {
			p.Cursor = m.Cursor
			r.peers.Store(m.UserID, p)
		}

	case *protocol.Pong:
		// the transport already took the RTT sample

	case *protocol.Draw, *protocol.CursorMove, *protocol.Clear,
		*protocol.Undo, *protocol.Ping:
		r.log.Warn("reconciler: client-bound frame of client-to-server type", "type", msg.MessageType())
	}
}

func (r *Reconciler) applyOpLocked(op protocol.Operation) {
	switch op.Kind {
	case protocol.OpStroke:
		r.renderer.DrawStroke(op.Points, op.Color, op.Width)
	case protocol.OpClear:
		r.renderer.Clear()
	case protocol.OpUndoMarker:
		// markers never reach the wire from this hub; ignore
		return
	}
	r.retained = append(r.retained, op)
}

// removeRetainedLocked drops the operation and rebuilds the surface from
// what remains. An unknown id is a no-op: our own undone strokes are
// removed locally before the notice arrives.
func (r *Reconciler) removeRetainedLocked(opID string) {
	for i := range r.retained {
		if r.retained[i].ID == opID {
			r.retained = append(r.retained[:i], r.retained[i+1:]...)
			r.rerenderLocked()
			return
		}
	}
}

func (r *Reconciler) rerenderLocked() {
	r.renderer.Clear()
	for _, op := range r.retained {
		switch op.Kind {
		case protocol.OpStroke:
			r.renderer.DrawStroke(op.Points, op.Color, op.Width)
		case protocol.OpClear:
			r.renderer.Clear()
		}
	}
}

// DrawLocal renders the user's stroke immediately, retains it, pushes
// it on the undo stack, and sends it to the hub (or queues it while
// offline). Starting a new stroke forfeits anything redoable.
func (r *Reconciler) DrawLocal(points []protocol.Point, color string, width float64) error {
	return r.drawOwn(points, color, width, true)
}

func (r *Reconciler) drawOwn(points []protocol.Point, color string, width float64, forfeitRedo bool) error {
	opID := uuid.Must(uuid.NewV7()).String()

	r.lock.Lock()
	op := protocol.Operation{
		ID:       opID,
		Kind:     protocol.OpStroke,
		AuthorID: r.selfID,
		Points:   points,
		Color:    color,
		Width:    width,
	}
	r.renderer.DrawStroke(points, color, width)
	r.retained = append(r.retained, op)
	r.undoStack = append(r.undoStack, opID)
	if forfeitRedo {
		r.redoStack = r.redoStack[:0]
	}
	r.lock.Unlock()

	return r.tr.Send(protocol.NewDraw(opID, points, color, width, 0))
}

// ClearLocal clears the surface immediately and asks the hub to append
// a clear operation. The hub assigns the operation id; locally the
// clear is retained under a synthetic one.
func (r *Reconciler) ClearLocal() error {
	r.lock.Lock()
	r.renderer.Clear()
	r.retained = append(r.retained, protocol.Operation{
		ID:       "local-" + uuid.Must(uuid.NewV7()).String(),
		Kind:     protocol.OpClear,
		AuthorID: r.selfID,
	})
	r.redoStack = r.redoStack[:0]
	r.lock.Unlock()

	return r.tr.Send(protocol.NewClear())
}

// UndoLocal removes the user's newest stroke from the local view right
// away and asks the hub to remove it from the authoritative log. The
// hub's operation-removed notice then finds it already gone here. With
// nothing locally undoable it sends nothing: the hub would otherwise
// remove an entry this view still shows, such as the user's own clear.
func (r *Reconciler) UndoLocal() error {
	r.lock.Lock()
	n := len(r.undoStack)
	if n == 0 {
		r.lock.Unlock()
		return nil
	}
	opID := r.undoStack[n-1]
	r.undoStack = r.undoStack[:n-1]
	for i := range r.retained {
		if r.retained[i].ID == opID {
			r.redoStack = append(r.redoStack, r.retained[i])
			r.retained = append(r.retained[:i], r.retained[i+1:]...)
			break
		}
	}
	r.rerenderLocked()
	r.lock.Unlock()

	return r.tr.Send(protocol.NewUndo())
}

// RedoLocal replays the most recently undone stroke as a brand new
// operation; the log never resurrects versions.
func (r *Reconciler) RedoLocal() error {
	r.lock.Lock()
	n := len(r.redoStack)
	if n == 0 {
		r.lock.Unlock()
		return nil
	}
	op := r.redoStack[n-1]
	r.redoStack = r.redoStack[:n-1]
	r.lock.Unlock()

	return r.drawOwn(op.Points, op.Color, op.Width, false)
}

// CursorLocal reports the pointer position; ephemeral, never logged.
func (r *Reconciler) CursorLocal(x, y float64) error {
	return r.tr.Send(protocol.NewCursorMove(x, y))
}

// Self returns the hub-assigned identity, empty until the welcome.
func (r *Reconciler) Self() (id, color string) {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.selfID, r.selfColor
}

// Peers snapshots the known peer set in no particular order.
func (r *Reconciler) Peers() []protocol.Participant {
	var out []protocol.Participant
	r.peers.Range(func(_ string, p protocol.Participant) bool {
		out = append(out, p)
		return true
	})
	return out
}

// Retained returns a copy of the operations currently applied to the
// surface, oldest first.
func (r *Reconciler) Retained() []protocol.Operation {
	r.lock.Lock()
	defer r.lock.Unlock()
	out := make([]protocol.Operation, len(r.retained))
	copy(out, r.retained)
	return out
}
