package topology

import "fmt"

// Worker identifies one worker process: an opaque ID plus the address the
// training driver uses to reach it. Workers are immutable values.
type Worker struct {
	ID   string `json:"id"`
	Addr string `json:"addr"`
}

func (w Worker) String() string {
	return fmt.Sprintf("%s@%s", w.ID, w.Addr)
}

// Decision is the finalized, ordered membership list produced by one closed
// rendezvous round. The order is total, identical for every reader of the
// round, and is the sole input to topology assignment.
//
// A Decision is immutable after construction: accessors return copies, and
// nothing outside this package can touch the backing slice.
type Decision struct {
	round   uint64
	workers []Worker
}

// NewDecision builds a Decision from a closed round's registration order.
// Only the rendezvous engine (and tests) should call this; everything else
// receives a ready Decision.
func NewDecision(round uint64, workers []Worker) Decision {
	ws := make([]Worker, len(workers))
	copy(ws, workers)
	return Decision{round: round, workers: ws}
}

// Round returns the rendezvous round this decision belongs to.
func (d Decision) Round() uint64 {
	return d.round
}

// Size returns the number of workers in the decision.
func (d Decision) Size() int {
	return len(d.workers)
}

// Worker returns the worker at position i in decision order.
func (d Decision) Worker(i int) Worker {
	return d.workers[i]
}

// Workers returns a copy of the ordered membership list.
func (d Decision) Workers() []Worker {
	ws := make([]Worker, len(d.workers))
	copy(ws, d.workers)
	return ws
}

// Index returns the decision-order position of the given worker ID, or -1.
func (d Decision) Index(workerID string) int {
	for i, w := range d.workers {
		if w.ID == workerID {
			return i
		}
	}
	return -1
}

// Contains reports whether the worker ID is part of the decision.
func (d Decision) Contains(workerID string) bool {
	return d.Index(workerID) >= 0
}
