// Package errors defines sentinel errors used across the elastrain project.
package errors

import "errors"

// Sentinel errors for the rendezvous protocol.
var (
	// ErrRendezvousTimeout indicates that min_nodes was not reached before
	// the overall join deadline. Fatal to the job.
	ErrRendezvousTimeout = errors.New("rendezvous: not enough workers joined before timeout")

	// ErrCoordinationUnavailable indicates the coordination store stayed
	// unreachable after bounded retries. Fatal to the job.
	ErrCoordinationUnavailable = errors.New("rendezvous: coordination store unavailable")

	// ErrRoundClosed indicates a registration attempt against a round that
	// already closed. The worker must re-register in the next round.
	ErrRoundClosed = errors.New("rendezvous: round is closed")

	// ErrRoundFailed indicates the round reached its terminal failed state
	// in the coordination store.
	ErrRoundFailed = errors.New("rendezvous: round failed")

	// ErrRoundNotFound indicates the requested round does not exist.
	ErrRoundNotFound = errors.New("rendezvous: round not found")

	// ErrNotRegistered indicates a deregistration for a worker that is not
	// part of the round.
	ErrNotRegistered = errors.New("rendezvous: worker not registered in round")
)

// Sentinel errors for topology and partition construction.
var (
	// ErrTopologyMismatch indicates the grid dimensions do not divide the
	// membership size evenly (P*D != W). Fatal, fail-fast.
	ErrTopologyMismatch = errors.New("topology: grid size does not match decision size")

	// ErrPartitionSizeMismatch indicates custom partition sizes do not sum
	// to the layer count. Fatal, fail-fast.
	ErrPartitionSizeMismatch = errors.New("partition: custom sizes do not sum to layer count")
)

// Sentinel errors for recovery.
var (
	// ErrUnrecoverableLoss indicates a pipeline stage's entire redundancy
	// group vanished. Fatal to the job.
	ErrUnrecoverableLoss = errors.New("recovery: pipeline stage lost all replicas")

	// ErrRecoverableLoss marks a membership loss that can be handled by
	// promotion or re-rendezvous. Reported, never fatal by itself.
	ErrRecoverableLoss = errors.New("recovery: recoverable worker loss")

	// ErrRecoveryExhausted indicates too many consecutive recovery attempts
	// inside the configured window. Escalates a recoverable loss to fatal.
	ErrRecoveryExhausted = errors.New("recovery: attempt budget exhausted")

	// ErrSuperseded indicates a recovery task was dropped because a newer
	// closed round redefined the topology.
	ErrSuperseded = errors.New("recovery: superseded by newer round")
)

// Sentinel errors for the coordination store.
var (
	// ErrRevisionConflict indicates a compare-and-swap lost against a
	// concurrent writer. Callers re-read and retry.
	ErrRevisionConflict = errors.New("coordstore: revision conflict")

	// ErrClosed indicates the store or watch has been closed.
	ErrClosed = errors.New("coordstore: closed")
)
