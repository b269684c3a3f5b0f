package session

import (
	"github.com/pion/webrtc/v4"
)

// candidateQueue buffers remote ICE candidates that arrive before the
// description is ready. It is append-only; next marks how far it has been
// consumed, so a candidate is handed out at most once and always in arrival
// order. It is goroutine-local (owned by the session actor) and needs no
// locking.
type candidateQueue struct {
	items []webrtc.ICECandidateInit
	next  int
}

// push appends a candidate to the tail.
func (q *candidateQueue) push(c webrtc.ICECandidateInit) {
	q.items = append(q.items, c)
}

// pending returns the number of candidates not yet consumed.
func (q *candidateQueue) pending() int {
	return len(q.items) - q.next
}

// drain hands every pending candidate to apply in FIFO order. The cursor is
// advanced before apply runs, so a failing candidate is skipped rather than
// retried. Returns how many were applied and how many failed.
func (q *candidateQueue) drain(apply func(webrtc.ICECandidateInit) error) (applied, failed int) {
	for q.next < len(q.items) {
		c := q.items[q.next]
		q.next++

		if err := apply(c); err != nil {
			failed++
			continue
		}
		applied++
	}
	return applied, failed
}

// discard drops every pending candidate and returns how many were dropped.
func (q *candidateQueue) discard() int {
	n := q.pending()
	q.next = len(q.items)
	return n
}
