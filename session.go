package inkhub

import (
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/inkhub/inkhub/protocol"
)

// session is one participant's connection: a websocket plus the buffered
// outbound queue the router writes into. Inbound frames are processed
// one at a time by readPump, so per-connection state needs no lock;
// everything shared across connections lives in the log, registry and
// router.
type session struct {
	hub   *Hub
	id    string
	color string

	conn *websocket.Conn
	send chan []byte
	done chan struct{}

	closed   atomic.Bool
	shutOnce sync.Once
}

func newSession(hub *Hub, id, color string, conn *websocket.Conn) *session {
	return &session{
		hub:   hub,
		id:    id,
		color: color,
		conn:  conn,
		send:  make(chan []byte, hub.opts.SendBufferLen),
		done:  make(chan struct{}),
	}
}

// TrySend enqueues a frame without blocking; false means the peer is
// closing or too far behind and the frame is dropped for it.
func (s *session) TrySend(frame []byte) bool {
	if s.closed.Load() {
		return false
	}
	select {
	case s.send <- frame:
		return true
	default:
		return false
	}
}

func (s *session) Open() bool {
	return !s.closed.Load()
}

// shutdown is safe to call from any goroutine and any number of times.
// The send channel is never closed; writePump exits via done so a
// concurrent TrySend can never hit a closed channel.
func (s *session) shutdown() {
	s.shutOnce.Do(func() {
		s.closed.Store(true)
		close(s.done)
		s.conn.Close()
	})
}

// readPump consumes inbound frames in arrival order until the transport
// closes, clean or abrupt; both end in the same departure path.
func (s *session) readPump() {
	defer func() {
		s.hub.dropSession(s)
		s.shutdown()
	}()
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			// diagnostics only; a bad frame does not cost the connection
			s.hub.log.Warn("session: dropping frame", "id", s.id, "err", err)
			continue
		}
		s.hub.dispatch(s, msg)
	}
}

func (s *session) writePump() {
	defer s.conn.Close()
	for {
		select {
		case frame := <-s.send:
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-s.done:
			s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
