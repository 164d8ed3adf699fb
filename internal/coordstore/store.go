// Package coordstore is the coordination store boundary: a linearizable
// key-value record of rendezvous rounds with compare-and-swap and watch
// primitives.
//
// The store is the single source of truth for membership. Workers never
// exchange membership decisions peer to peer; every registration write is
// serialized by the store, and the resulting order is the global decision
// order.
package coordstore

import (
	"context"
	"time"

	"github.com/elastrain/elastrain/internal/topology"
)

// RoundStatus is the lifecycle state of a rendezvous round.
type RoundStatus int

const (
	// RoundOpen accepts registrations.
	RoundOpen RoundStatus = iota
	// RoundClosed is immutable; its registration order is the decision.
	RoundClosed
	// RoundFailed is terminal; every participant observes the same failure.
	RoundFailed
)

func (s RoundStatus) String() string {
	switch s {
	case RoundOpen:
		return "open"
	case RoundClosed:
		return "closed"
	case RoundFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// RoundState is a snapshot of one round as recorded by the store.
type RoundState struct {
	ID       uint64            `json:"id"`
	Status   RoundStatus       `json:"status"`
	Workers  []topology.Worker `json:"workers"` // registration order
	Revision uint64            `json:"revision"`
	Reason   string            `json:"reason,omitempty"` // set when failed
}

// RoundEvent is delivered to watchers when a round reaches a terminal state.
type RoundEvent struct {
	Round RoundState `json:"round"`
}

// Client is the store interface the rendezvous engine consumes. All writes
// are linearizable compare-and-swap operations; two workers can never observe
// different registration orders for the same round.
type Client interface {
	// CurrentRound returns the ID of the round currently accepting
	// registrations.
	CurrentRound(ctx context.Context) (uint64, error)

	// Register appends the worker to the round's participant list and
	// returns its position. Registering twice is idempotent and returns the
	// original position. Fails with ErrRoundClosed once the round closed.
	Register(ctx context.Context, roundID uint64, w topology.Worker) (int, error)

	// Deregister removes the worker from a still-open round, so a worker
	// cancelled while waiting leaves no stale entry.
	Deregister(ctx context.Context, roundID uint64, workerID string) error

	// ReadRound returns the round snapshot.
	ReadRound(ctx context.Context, roundID uint64) (RoundState, error)

	// CloseRound transitions the round open -> closed, guarded by the
	// revision observed by the caller. Exactly one closer wins; losers get
	// ErrRevisionConflict (or ErrRoundClosed if they raced the winner).
	// Closing opens the next round.
	CloseRound(ctx context.Context, roundID, revision uint64) error

	// FailRound moves the round to its terminal failed state. Fatal
	// conditions are recorded here so every worker observes the same fatal
	// decision instead of a local error.
	FailRound(ctx context.Context, roundID uint64, reason string) error

	// Watch streams the round's terminal event. If the round is already
	// terminal the event is delivered immediately. The channel closes when
	// ctx is done or the event was delivered.
	Watch(ctx context.Context, roundID uint64) (<-chan RoundEvent, error)

	// Heartbeat renews the worker's liveness lease for a closed round.
	Heartbeat(ctx context.Context, roundID uint64, workerID string, ttl time.Duration) error

	// LiveWorkers returns the IDs of the round's workers whose lease has
	// not expired.
	LiveWorkers(ctx context.Context, roundID uint64) ([]string, error)
}

func (r RoundState) clone() RoundState {
	out := r
	out.Workers = make([]topology.Worker, len(r.Workers))
	copy(out.Workers, r.Workers)
	return out
}
