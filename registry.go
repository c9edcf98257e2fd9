package inkhub

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/inkhub/inkhub/protocol"
)

var ErrDuplicateParticipant = errors.New("participant id already registered")

var ParticipantGauge = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: "inkhub",
	Subsystem: "registry",
	Name:      "participants",
})

var EvictionCount = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "inkhub",
	Subsystem: "registry",
	Name:      "liveness_evictions",
})

type participant struct {
	info         protocol.Participant
	joinSeq      uint64
	lastLiveness time.Time
}

// Registry tracks the live participants of the canvas: identity, color,
// last reported cursor, and liveness. It owns that state exclusively;
// the hub and the liveness sweep mutate it only through these methods,
// all serialized under one mutex.
type Registry struct {
	lock    sync.Mutex
	members map[string]*participant
	nextSeq uint64

	clock func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		members: make(map[string]*participant),
		clock:   time.Now,
	}
}

// Register inserts a new participant with a default cursor and a fresh
// liveness stamp. Ids are server-generated and must not collide; a
// duplicate is an error, not an overwrite.
func (r *Registry) Register(id, color string) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	if _, ok := r.members[id]; ok {
		return ErrDuplicateParticipant
	}
	r.nextSeq++
	r.members[id] = &participant{
		info:         protocol.Participant{ID: id, Color: color},
		joinSeq:      r.nextSeq,
		lastLiveness: r.clock(),
	}
	ParticipantGauge.Set(float64(len(r.members)))
	return nil
}

// UpdateCursor is a silent no-op for unknown ids: a cursor frame can
// legitimately arrive after disconnect processing already started.
func (r *Registry) UpdateCursor(id string, pos protocol.Point) {
	r.lock.Lock()
	defer r.lock.Unlock()

	if m, ok := r.members[id]; ok {
		m.info.Cursor = pos
	}
}

// TouchLiveness refreshes the participant's liveness stamp; called on
// every probe the participant answers with.
func (r *Registry) TouchLiveness(id string) {
	r.lock.Lock()
	defer r.lock.Unlock()

	if m, ok := r.members[id]; ok {
		m.lastLiveness = r.clock()
	}
}

// Remove drops the participant and all its state. Idempotent.
func (r *Registry) Remove(id string) {
	r.lock.Lock()
	defer r.lock.Unlock()

	delete(r.members, id)
	ParticipantGauge.Set(float64(len(r.members)))
}

// Snapshot returns copies of all participants in join order, for the
// welcome payload.
func (r *Registry) Snapshot() []protocol.Participant {
	r.lock.Lock()
	defer r.lock.Unlock()

	type entry struct {
		seq  uint64
		info protocol.Participant
	}
	entries := make([]entry, 0, len(r.members))
	for _, m := range r.members {
		entries = append(entries, entry{m.joinSeq, m.info})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })

	out := make([]protocol.Participant, len(entries))
	for i, e := range entries {
		out[i] = e.info
	}
	return out
}

func (r *Registry) Len() int {
	r.lock.Lock()
	defer r.lock.Unlock()
	return len(r.members)
}

// Sweep removes every participant whose last liveness stamp is older
// than timeout and returns their copies, each evicted exactly once. The
// hub closes their transports and broadcasts the departures.
func (r *Registry) Sweep(timeout time.Duration) []protocol.Participant {
	r.lock.Lock()
	defer r.lock.Unlock()

	deadline := r.clock().Add(-timeout)
	var evicted []protocol.Participant
	for id, m := range r.members {
		if m.lastLiveness.Before(deadline) {
			evicted = append(evicted, m.info)
			delete(r.members, id)
		}
	}
	if len(evicted) > 0 {
		EvictionCount.Add(float64(len(evicted)))
		ParticipantGauge.Set(float64(len(r.members)))
	}
	return evicted
}
