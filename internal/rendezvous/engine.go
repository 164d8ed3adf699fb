// Package rendezvous implements the join/agreement protocol: a dynamic set
// of worker processes agrees on a single ordered membership list per round.
//
// The engine runs replicated inside every worker process. There is no
// dedicated coordinator; the coordination store's serialized writes are the
// only synchronization, so every participant derives the identical decision.
package rendezvous

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/elastrain/elastrain/internal/config"
	"github.com/elastrain/elastrain/internal/coordstore"
	"github.com/elastrain/elastrain/internal/metrics"
	"github.com/elastrain/elastrain/internal/topology"
	pkgerrors "github.com/elastrain/elastrain/pkg/errors"
)

const (
	pollInterval     = 250 * time.Millisecond
	maxStoreRetries  = 5
	retryBackoffBase = 100 * time.Millisecond

	// reasonTimeout is recorded as the terminal round state when the
	// bring-up deadline fires, so every participant maps the failure to the
	// same error.
	reasonTimeout = "rendezvous timeout: min_nodes not reached"
)

// Engine drives one worker's participation in the rendezvous protocol.
type Engine struct {
	store coordstore.Client
	cfg   config.Config
	self  topology.Worker
}

// New returns an engine for the given worker identity. The configuration is
// passed explicitly; the engine keeps no ambient global state.
func New(store coordstore.Client, cfg config.Config, self topology.Worker) *Engine {
	return &Engine{store: store, cfg: cfg, self: self}
}

// Self returns the identity this engine registers.
func (e *Engine) Self() topology.Worker {
	return e.self
}

// Join registers this worker and blocks until a round closes with this
// worker inside it, returning the round's global decision. The protocol:
//
//  1. Register via a serialized append in the current open round. A round
//     that closed first sends the worker to the next round.
//  2. The round stays open below min_nodes. Reaching min_nodes arms the
//     last-call window; reaching max_nodes closes immediately.
//  3. Closing is a compare-and-swap guarded by the round revision: exactly
//     one participant wins and the registration order freezes.
//
// Cancellation deregisters from the still-open round so no stale entry is
// left behind. If min_nodes is not reached before join_timeout the round is
// failed in the store (a terminal state every participant observes) and
// ErrRendezvousTimeout is returned.
func (e *Engine) Join(ctx context.Context) (topology.Decision, error) {
	start := time.Now()
	deadline := start.Add(e.cfg.JoinTimeout)

	joinCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	for {
		decision, err := e.joinRound(joinCtx, ctx)
		if err == nil {
			metrics.JoinDuration.Observe(time.Since(start).Seconds())
			metrics.DecisionSize.Set(float64(decision.Size()))
			return decision, nil
		}
		// A round that closed without us (or failed over to the next
		// round before we registered) is not fatal; move to the next one.
		if stderrors.Is(err, pkgerrors.ErrRoundClosed) {
			klog.V(1).Infof("worker %s missed round close, rejoining", e.self.ID)
			continue
		}
		return topology.Decision{}, err
	}
}

// joinRound runs one round attempt. joinCtx carries the overall deadline;
// parentCtx distinguishes caller cancellation from deadline expiry.
func (e *Engine) joinRound(joinCtx, parentCtx context.Context) (topology.Decision, error) {
	var roundID uint64
	err := e.withRetry(joinCtx, func() error {
		var err error
		roundID, err = e.store.CurrentRound(joinCtx)
		return err
	})
	if err != nil {
		return topology.Decision{}, err
	}

	var position int
	err = e.withRetry(joinCtx, func() error {
		var err error
		position, err = e.store.Register(joinCtx, roundID, e.self)
		return err
	})
	if err != nil {
		return topology.Decision{}, err
	}
	metrics.CurrentRound.Set(float64(roundID))
	klog.Infof("worker %s registered in round %d at position %d", e.self.ID, roundID, position)

	decision, err := e.waitForClose(joinCtx, roundID)
	if err == nil {
		return decision, nil
	}

	switch {
	case stderrors.Is(err, context.DeadlineExceeded) && parentCtx.Err() == nil:
		// Bring-up deadline: record the failure as the round's terminal
		// state first, so all participants observe the same fatal decision.
		e.failRound(roundID, reasonTimeout)
		metrics.RoundsFailed.Inc()
		return topology.Decision{}, errors.Wrapf(pkgerrors.ErrRendezvousTimeout,
			"round %d: %d workers after %s", roundID, position+1, e.cfg.JoinTimeout)

	case stderrors.Is(err, context.Canceled) && parentCtx.Err() != nil:
		// Caller shutdown while waiting: leave no stale entry.
		e.deregister(roundID)
		return topology.Decision{}, err
	}
	return topology.Decision{}, err
}

// waitForClose polls membership and watches for the terminal event. Any
// participant that observes a close condition attempts the CAS close; losing
// the race is fine, the winner's close is observed on the next poll.
func (e *Engine) waitForClose(ctx context.Context, roundID uint64) (topology.Decision, error) {
	events, err := e.store.Watch(ctx, roundID)
	if err != nil {
		return topology.Decision{}, errors.Wrap(err, "watch round")
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	var lastCallAt time.Time // zero until min_nodes reached
	pollFailures := 0

	for {
		select {
		case <-ctx.Done():
			return topology.Decision{}, ctx.Err()

		case ev, ok := <-events:
			if !ok {
				// Watch stream ended without an event; re-establish.
				events, err = e.store.Watch(ctx, roundID)
				if err != nil {
					return topology.Decision{}, errors.Wrap(err, "rewatch round")
				}
				continue
			}
			return e.decisionFromTerminal(ev.Round)

		case <-ticker.C:
			state, err := e.store.ReadRound(ctx, roundID)
			if err != nil {
				if ctx.Err() != nil {
					return topology.Decision{}, ctx.Err()
				}
				if isProtocolError(err) {
					return topology.Decision{}, err
				}
				pollFailures++
				if pollFailures >= maxStoreRetries {
					return topology.Decision{}, errors.Wrapf(pkgerrors.ErrCoordinationUnavailable,
						"%d consecutive poll failures, last error: %v", pollFailures, err)
				}
				klog.V(2).Infof("round %d poll failed: %v", roundID, err)
				continue
			}
			pollFailures = 0
			if state.Status != coordstore.RoundOpen {
				return e.decisionFromTerminal(state)
			}

			n := len(state.Workers)
			switch {
			case n >= e.cfg.MaxNodes:
				e.tryClose(ctx, roundID, state.Revision, "max_nodes")

			case n >= e.cfg.MinNodes:
				if lastCallAt.IsZero() {
					lastCallAt = time.Now()
					klog.Infof("round %d reached min_nodes=%d, last call for %s",
						roundID, e.cfg.MinNodes, e.cfg.LastCallTimeout)
				} else if time.Since(lastCallAt) >= e.cfg.LastCallTimeout {
					e.tryClose(ctx, roundID, state.Revision, "last call elapsed")
				}

			default:
				// Dropped back below quorum (a waiter deregistered);
				// disarm the window.
				lastCallAt = time.Time{}
			}
		}
	}
}

// tryClose attempts the open->closed CAS. Conflicts mean another participant
// registered or closed concurrently; the next poll resolves either way.
func (e *Engine) tryClose(ctx context.Context, roundID, revision uint64, why string) {
	err := e.store.CloseRound(ctx, roundID, revision)
	switch {
	case err == nil:
		klog.Infof("worker %s closed round %d (%s)", e.self.ID, roundID, why)
		metrics.RoundsCompleted.Inc()
	case stderrors.Is(err, pkgerrors.ErrRevisionConflict),
		stderrors.Is(err, pkgerrors.ErrRoundClosed):
		// Lost the race; harmless.
	default:
		klog.V(1).Infof("close round %d failed: %v", roundID, err)
	}
}

// decisionFromTerminal converts a terminal round state into the caller's
// result: a decision for closed rounds, the recorded failure otherwise.
func (e *Engine) decisionFromTerminal(state coordstore.RoundState) (topology.Decision, error) {
	switch state.Status {
	case coordstore.RoundClosed:
		if !containsWorker(state.Workers, e.self.ID) {
			return topology.Decision{}, pkgerrors.ErrRoundClosed
		}
		klog.Infof("round %d closed with %d workers", state.ID, len(state.Workers))
		return topology.NewDecision(state.ID, state.Workers), nil

	case coordstore.RoundFailed:
		if state.Reason == reasonTimeout {
			return topology.Decision{}, errors.Wrapf(pkgerrors.ErrRendezvousTimeout,
				"round %d", state.ID)
		}
		return topology.Decision{}, errors.Wrapf(pkgerrors.ErrRoundFailed,
			"round %d: %s", state.ID, state.Reason)

	default:
		return topology.Decision{}, errors.Errorf("round %d not terminal", state.ID)
	}
}

// withRetry runs fn with bounded exponential backoff. Protocol errors are
// returned as-is; persistent transport errors surface as
// ErrCoordinationUnavailable.
func (e *Engine) withRetry(ctx context.Context, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < maxStoreRetries; attempt++ {
		if attempt > 0 {
			backoff := retryBackoffBase << uint(attempt-1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		err := fn()
		if err == nil {
			return nil
		}
		if isProtocolError(err) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = err
	}
	return errors.Wrapf(pkgerrors.ErrCoordinationUnavailable,
		"%d attempts, last error: %v", maxStoreRetries, lastErr)
}

// isProtocolError reports whether the error is a rendezvous-state sentinel
// that retrying cannot change.
func isProtocolError(err error) bool {
	return stderrors.Is(err, pkgerrors.ErrRoundClosed) ||
		stderrors.Is(err, pkgerrors.ErrRoundFailed) ||
		stderrors.Is(err, pkgerrors.ErrRoundNotFound) ||
		stderrors.Is(err, pkgerrors.ErrNotRegistered) ||
		stderrors.Is(err, pkgerrors.ErrRevisionConflict)
}

// failRound and deregister run on fresh short contexts: the joining context
// is already dead when they are needed.
func (e *Engine) failRound(roundID uint64, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.store.FailRound(ctx, roundID, reason); err != nil {
		klog.Errorf("failed to record round %d failure: %v", roundID, err)
	}
}

func (e *Engine) deregister(roundID uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := e.store.Deregister(ctx, roundID, e.self.ID)
	if err != nil && !isProtocolError(err) {
		klog.Errorf("failed to deregister %s from round %d: %v", e.self.ID, roundID, err)
	}
}

func containsWorker(workers []topology.Worker, id string) bool {
	for _, w := range workers {
		if w.ID == id {
			return true
		}
	}
	return false
}
