// Package agent runs the per-worker control loop: rendezvous, topology and
// partition derivation, redundancy planning, and driver hand-off. One agent
// runs inside every worker process; the coordination store is the only thing
// they share.
package agent

import (
	"context"
	stderrors "errors"
	"fmt"

	"k8s.io/klog/v2"

	"github.com/elastrain/elastrain/internal/config"
	"github.com/elastrain/elastrain/internal/coordstore"
	"github.com/elastrain/elastrain/internal/driver"
	"github.com/elastrain/elastrain/internal/partition"
	"github.com/elastrain/elastrain/internal/recovery"
	"github.com/elastrain/elastrain/internal/rendezvous"
	"github.com/elastrain/elastrain/internal/topology"
	pkgerrors "github.com/elastrain/elastrain/pkg/errors"
)

// Agent ties the coordinator components together for one worker.
type Agent struct {
	cfg    config.Config
	store  coordstore.Client
	drv    driver.Driver
	engine *rendezvous.Engine
}

// New builds an agent with a fresh worker identity advertising addr.
func New(cfg config.Config, store coordstore.Client, drv driver.Driver, addr string) (*Agent, error) {
	self, err := rendezvous.NewWorker(addr)
	if err != nil {
		return nil, err
	}
	return &Agent{
		cfg:    cfg,
		store:  store,
		drv:    drv,
		engine: rendezvous.New(store, cfg, self),
	}, nil
}

// Self returns this agent's worker identity.
func (a *Agent) Self() topology.Worker {
	return a.engine.Self()
}

// notifier forwards recovery plans to the driver and tells the agent when a
// plan asks for a fresh round.
type notifier struct {
	drv    driver.Driver
	rejoin chan struct{}
}

func (n *notifier) OnRecovery(plan *recovery.Plan) error {
	if err := n.drv.OnRecovery(plan); err != nil {
		return err
	}
	if plan.NeedsRendezvous {
		select {
		case n.rejoin <- struct{}{}:
		default:
		}
	}
	return nil
}

// Run joins rounds until the job finishes or fails. Every closed round
// yields the same derived structures on every worker: the assignment,
// partition and redundancy groups are pure functions of the decision and the
// config. Fatal conditions are recorded in the store before Run returns, so
// the rest of the job observes the same failure.
func (a *Agent) Run(ctx context.Context) error {
	notif := &notifier{drv: a.drv, rejoin: make(chan struct{}, 1)}
	mgr := recovery.NewManager(a.cfg, notif)

	mgrCtx, cancelMgr := context.WithCancel(ctx)
	defer cancelMgr()
	mgrErr := make(chan error, 1)
	go func() { mgrErr <- mgr.Run(mgrCtx) }()

	defer func() {
		if err := a.drv.Stop(); err != nil {
			klog.Errorf("driver stop: %v", err)
		}
	}()

	// The partition depends only on static config; it is computed and
	// validated once, before the first worker registers anything, so a size
	// mismatch can never reach a running grid.
	plan, err := a.buildPartition()
	if err != nil {
		a.failJob(ctx, err)
		return err
	}

	var prev *topology.Assignment
	for {
		decision, err := a.engine.Join(ctx)
		if err != nil {
			return err
		}

		assignment, err := topology.Build(decision, a.cfg.PipelineSize, a.cfg.DataParallelSize)
		if err != nil {
			// The caller sized the job wrong; reject rather than resize.
			a.failJob(ctx, err)
			return err
		}

		groups := recovery.Groups(assignment, a.cfg.RedundancyLevel)
		mgr.SubmitDecision(prev, decision)

		if err := a.drv.Start(assignment, plan, groups); err != nil {
			return err
		}
		prev = assignment

		again, err := a.superviseRound(ctx, assignment, mgr, notif, mgrErr)
		if err != nil {
			a.failJob(ctx, err)
			return err
		}
		if !again {
			return nil
		}
		klog.Infof("worker %s re-entering rendezvous", a.Self().ID)
	}
}

// superviseRound watches the closed round's membership until a new round is
// needed (true), the caller cancels (false), or a fatal condition surfaces.
func (a *Agent) superviseRound(
	ctx context.Context,
	assignment *topology.Assignment,
	mgr *recovery.Manager,
	notif *notifier,
	mgrErr <-chan error,
) (bool, error) {
	lossCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	losses := a.engine.WatchMembership(lossCtx, assignment.Decision())

	for {
		select {
		case <-ctx.Done():
			return false, nil

		case err := <-mgrErr:
			if err == nil {
				return false, nil
			}
			return false, err

		case <-notif.rejoin:
			return true, nil

		case loss, ok := <-losses:
			if !ok {
				return false, nil
			}
			mgr.SubmitLoss(assignment, loss.Lost)
			if !a.cfg.Eager() {
				// Deferred mode: the confirmed membership is whatever the
				// next closed round says.
				return true, nil
			}
		}
	}
}

func (a *Agent) buildPartition() (*partition.Plan, error) {
	if len(a.cfg.CustomPartitionSizes) > 0 {
		return partition.Custom(a.cfg.CustomPartitionSizes, a.cfg.LayerCount, a.cfg.TrailingSteps)
	}
	return partition.Uniform(a.cfg.LayerCount, a.cfg.PipelineSize)
}

// failJob records a fatal condition as the current round's terminal state so
// every worker observes the same decision, not a local error.
func (a *Agent) failJob(ctx context.Context, cause error) {
	if stderrors.Is(cause, pkgerrors.ErrRendezvousTimeout) ||
		stderrors.Is(cause, pkgerrors.ErrRoundFailed) {
		// Already terminal in the store.
		return
	}
	round, err := a.store.CurrentRound(ctx)
	if err != nil {
		klog.Errorf("cannot record job failure: %v", err)
		return
	}
	reason := fmt.Sprintf("fatal on worker %s: %v", a.Self().ID, cause)
	if err := a.store.FailRound(ctx, round, reason); err != nil {
		klog.Errorf("cannot record job failure: %v", err)
	}
}
