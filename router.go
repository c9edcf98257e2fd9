package inkhub

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/inkhub/inkhub/protocol"
	"github.com/inkhub/inkhub/utils"
)

var BroadcastCount = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "inkhub",
	Subsystem: "router",
	Name:      "broadcasts",
})

var DroppedFrameCount = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "inkhub",
	Subsystem: "router",
	Name:      "dropped_frames",
}, []string{"reason"})

// Sink is the outbound end of one connection as the router sees it.
// TrySend must never block; a full or closing sink reports false and the
// frame is dropped for that peer (history on reconnect repairs it).
type Sink interface {
	TrySend(frame []byte) bool
	Open() bool
}

// Router fans one frame out to every attached sink except a designated
// sender. Delivery is at-least-once best-effort per sink that is open at
// broadcast time; there is no acknowledgment and no retry, and a slow
// peer costs no more than a failed non-blocking send.
type Router struct {
	log   utils.Logger
	sinks *xsync.MapOf[string, Sink]
}

func NewRouter(log utils.Logger) *Router {
	return &Router{
		log:   log,
		sinks: xsync.NewMapOf[string, Sink](),
	}
}

func (r *Router) Attach(id string, sink Sink) {
	r.sinks.Store(id, sink)
}

func (r *Router) Detach(id string) {
	r.sinks.Delete(id)
}

func (r *Router) Len() int {
	return r.sinks.Size()
}

// Broadcast serializes msg once and fans it out, skipping exceptID.
// Pass an empty exceptID to reach everyone.
func (r *Router) Broadcast(msg protocol.Message, exceptID string) {
	frame, err := protocol.Encode(msg)
	if err != nil {
		r.log.Error("router: couldn't encode broadcast", "type", msg.MessageType(), "err", err)
		return
	}
	r.BroadcastFrame(frame, exceptID)
}

// BroadcastFrame fans out an already-serialized frame. Sinks that are
// closing are skipped silently; the liveness sweep owns their eviction.
func (r *Router) BroadcastFrame(frame []byte, exceptID string) {
	BroadcastCount.Inc()
	r.sinks.Range(func(id string, sink Sink) bool {
		if id == exceptID {
			return true
		}
		if !sink.Open() {
			DroppedFrameCount.WithLabelValues("closed").Inc()
			return true
		}
		if !sink.TrySend(frame) {
			DroppedFrameCount.WithLabelValues("full").Inc()
			r.log.Warn("router: send buffer full, dropping frame", "id", id)
		}
		return true
	})
}
