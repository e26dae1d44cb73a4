package app

import (
	"github.com/dkeye/StudyRoom/internal/core"
	"github.com/dkeye/StudyRoom/internal/domain"
	"github.com/pion/webrtc/v4"
)

// iceQueue holds remote candidates that arrived before their transport.
// Guarded by the owning Session's lock.
type iceQueue struct {
	max     int
	pending map[domain.Direction][]webrtc.ICECandidate
}

func newICEQueue(limit int) *iceQueue {
	return &iceQueue{max: limit, pending: make(map[domain.Direction][]webrtc.ICECandidate)}
}

func (q *iceQueue) push(dir domain.Direction, c webrtc.ICECandidate) error {
	if q.max > 0 && q.len() >= q.max {
		return core.BadRequest("too many pending ice candidates")
	}
	q.pending[dir] = append(q.pending[dir], c)
	return nil
}

// take returns the queued candidates for dir in arrival order and forgets them.
func (q *iceQueue) take(dir domain.Direction) []webrtc.ICECandidate {
	out := q.pending[dir]
	delete(q.pending, dir)
	return out
}

func (q *iceQueue) len() int {
	n := 0
	for _, cs := range q.pending {
		n += len(cs)
	}
	return n
}

func (q *iceQueue) reset() {
	clear(q.pending)
}
