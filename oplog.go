package inkhub

import (
	"errors"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/inkhub/inkhub/protocol"
)

var ErrNothingToUndo = errors.New("author has no undoable entries")

var AppendCount = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "inkhub",
	Subsystem: "oplog",
	Name:      "appends",
}, []string{"kind"})

var UndoCount = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "inkhub",
	Subsystem: "oplog",
	Name:      "undos",
}, []string{"result"})

// encodedCacheSize bounds the cache of pre-serialized operation frames.
// It only has to cover operations still likely to be re-sent, which is
// the same order of magnitude as the history cap.
const encodedCacheSize = 256

// Log is the authoritative, append-only, versioned sequence of canvas
// operations. It is the single ordering authority of the system: entries
// are kept sorted by the version assigned at append time, and versions
// are never reused even after an undo removes their entry.
//
// All methods are safe for concurrent use; a single mutex serializes
// mutation the same way the registry and router serialize theirs.
type Log struct {
	lock        sync.Mutex
	entries     []protocol.Operation
	nextVersion uint64

	// encoded caches the broadcast frame of an operation by id, filled
	// at append time so fan-out and resync never marshal twice.
	encoded *lru.Cache[string, []byte]

	clock func() time.Time
}

func NewLog() *Log {
	cache, _ := lru.New[string, []byte](encodedCacheSize)
	return &Log{
		encoded: cache,
		clock:   time.Now,
	}
}

// Append stamps op with the next version and the server-observed time,
// stores it, and returns the finalized operation. Geometry and color are
// stored as-is; the log does not validate them.
func (l *Log) Append(op protocol.Operation) protocol.Operation {
	l.lock.Lock()
	defer l.lock.Unlock()

	l.nextVersion++
	op.Version = l.nextVersion
	op.CreatedAt = l.clock().UnixMilli()
	l.entries = append(l.entries, op)

	if frame, err := protocol.Encode(protocol.NewOperationBroadcast(op)); err == nil {
		l.encoded.Add(op.ID, frame)
	}

	AppendCount.WithLabelValues(string(op.Kind)).Inc()
	return op
}

// GetAfter returns the ordered suffix of entries with version strictly
// greater than v. The slice is a copy; callers may hold it across later
// appends.
func (l *Log) GetAfter(v uint64) []protocol.Operation {
	l.lock.Lock()
	defer l.lock.Unlock()

	// entries are sorted by version, so the suffix starts at the first
	// entry past v
	i := len(l.entries)
	for i > 0 && l.entries[i-1].Version > v {
		i--
	}
	out := make([]protocol.Operation, len(l.entries)-i)
	copy(out, l.entries[i:])
	return out
}

// Recent returns the last limit entries in version order; it is the
// history-snapshot helper for new joiners.
func (l *Log) Recent(limit int) []protocol.Operation {
	l.lock.Lock()
	defer l.lock.Unlock()

	i := 0
	if len(l.entries) > limit {
		i = len(l.entries) - limit
	}
	out := make([]protocol.Operation, len(l.entries)-i)
	copy(out, l.entries[i:])
	return out
}

// Undo removes the author's most recent entry from the log and returns
// it, or ErrNothingToUndo. Removal is physical: the entry is gone from
// every later GetAfter, later versions keep their numbers, and the gap
// in the version sequence is permanent. The scan is O(n) backward from
// the tail, which is fine for the log's snapshot-sized working set.
func (l *Log) Undo(authorID string) (protocol.Operation, error) {
	l.lock.Lock()
	defer l.lock.Unlock()

	for i := len(l.entries) - 1; i >= 0; i-- {
		if l.entries[i].AuthorID != authorID {
			continue
		}
		removed := l.entries[i]
		l.entries = append(l.entries[:i], l.entries[i+1:]...)
		l.encoded.Remove(removed.ID)
		UndoCount.WithLabelValues("removed").Inc()
		return removed, nil
	}

	UndoCount.WithLabelValues("miss").Inc()
	return protocol.Operation{}, ErrNothingToUndo
}

// Encoded returns the cached broadcast frame for an operation id, if it
// is still resident.
func (l *Log) Encoded(opID string) ([]byte, bool) {
	return l.encoded.Get(opID)
}

func (l *Log) Len() int {
	l.lock.Lock()
	defer l.lock.Unlock()
	return len(l.entries)
}

// NextVersion reports the version the next append will receive.
func (l *Log) NextVersion() uint64 {
	l.lock.Lock()
	defer l.lock.Unlock()
	return l.nextVersion + 1
}
