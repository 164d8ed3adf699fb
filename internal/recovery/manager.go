package recovery

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/elastrain/elastrain/internal/config"
	"github.com/elastrain/elastrain/internal/metrics"
	"github.com/elastrain/elastrain/internal/topology"
	pkgerrors "github.com/elastrain/elastrain/pkg/errors"
)

// Notifier receives every recovery plan the manager decides to act on. The
// training driver implements this to pause, promote, or rebuild its
// schedule.
type Notifier interface {
	OnRecovery(plan *Plan) error
}

// Manager turns loss reports and new decisions into recovery plans and
// feeds them to the notifier in round order.
//
// Eager mode plans as soon as a single absence is reported. Deferred mode
// ignores raw loss reports and waits for the quorum-confirmed membership of
// the next closed round. Either way a plan carries the round it was computed
// against, and a plan is dropped unexecuted once a newer round is known —
// a closed round always supersedes an in-flight eager repair.
//
// Recoverable losses never retry unbounded: more than the configured number
// of recovery attempts inside the sliding window escalates to
// ErrRecoveryExhausted.
type Manager struct {
	cfg      config.Config
	notifier Notifier

	mu         sync.Mutex
	queue      taskQueue
	knownRound uint64
	attempts   []time.Time
	wake       chan struct{}
}

// NewManager builds a manager. Run must be started for plans to flow.
func NewManager(cfg config.Config, notifier Notifier) *Manager {
	m := &Manager{
		cfg:      cfg,
		notifier: notifier,
		wake:     make(chan struct{}, 1),
	}
	heap.Init(&m.queue)
	return m
}

// ObserveRound records the newest closed round. Queued plans computed
// against older rounds are dropped when they surface.
func (m *Manager) ObserveRound(round uint64) {
	m.mu.Lock()
	if round > m.knownRound {
		m.knownRound = round
	}
	m.mu.Unlock()
}

// SubmitLoss handles a detected absence for the running assignment. In
// deferred mode this only logs: the confirmed change arrives with the next
// closed round.
func (m *Manager) SubmitLoss(a *topology.Assignment, lost []topology.Worker) {
	if !m.cfg.Eager() {
		klog.Infof("deferred mode: waiting for round close to confirm loss of %v", lost)
		return
	}

	survivors := make(map[string]bool)
	for _, w := range a.Decision().Workers() {
		survivors[w.ID] = true
	}
	for _, w := range lost {
		delete(survivors, w.ID)
	}

	plan := BuildPlan(a, a.Decision().Round(), survivors, m.cfg.RedundancyLevel, true)
	m.enqueue(plan)
}

// SubmitDecision handles a newly closed round replacing the previous
// assignment. old is nil on the first decision of the job.
func (m *Manager) SubmitDecision(old *topology.Assignment, decision topology.Decision) {
	m.ObserveRound(decision.Round())

	if old == nil {
		m.enqueue(Initial(decision.Round()))
		return
	}

	survivors := make(map[string]bool, decision.Size())
	for _, w := range decision.Workers() {
		survivors[w.ID] = true
	}
	plan := BuildPlan(old, decision.Round(), survivors, m.cfg.RedundancyLevel, m.cfg.Eager())
	m.enqueue(plan)
}

func (m *Manager) enqueue(plan *Plan) {
	m.mu.Lock()
	heap.Push(&m.queue, &task{plan: plan})
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Run executes queued plans until ctx is cancelled or a fatal condition
// surfaces. The returned error is nil only on cancellation.
func (m *Manager) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-m.wake:
		}

		for {
			t, known := m.next()
			if t == nil {
				break
			}
			if err := m.execute(t.plan, known); err != nil {
				return err
			}
		}
	}
}

func (m *Manager) next() (*task, uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.queue.Len() == 0 {
		return nil, m.knownRound
	}
	return heap.Pop(&m.queue).(*task), m.knownRound
}

func (m *Manager) execute(plan *Plan, knownRound uint64) error {
	if plan.Round < knownRound {
		// A newer closed round redefined the topology while this plan was
		// queued; acting on it would race two repairs on the same stage.
		klog.Infof("dropping recovery plan for round %d, round %d supersedes it",
			plan.Round, knownRound)
		metrics.RecordLoss("superseded")
		return nil
	}

	if plan.Unrecoverable {
		metrics.RecordLoss("unrecoverable")
		return errors.Wrapf(pkgerrors.ErrUnrecoverableLoss,
			"round %d: stages %v lost every replica", plan.Round, plan.LostStages)
	}

	if len(plan.Lost) > 0 {
		if err := m.noteAttempt(); err != nil {
			return err
		}
		metrics.RecoveryAttempts.Inc()
		for _, p := range plan.Promotions {
			klog.Warningf("promoting %s", p)
			metrics.Promotions.Inc()
		}
		switch {
		case plan.NeedsRendezvous:
			metrics.RecordLoss("rendezvous")
		case len(plan.Promotions) > 0:
			metrics.RecordLoss("promoted")
		}
	}

	if err := m.notifier.OnRecovery(plan); err != nil {
		return errors.Wrap(err, "notify driver")
	}
	return nil
}

// noteAttempt enforces the consecutive-recovery budget: attempts outside the
// sliding window are forgotten, attempts beyond the budget escalate.
func (m *Manager) noteAttempt() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-m.cfg.RecoveryWindow)
	kept := m.attempts[:0]
	for _, at := range m.attempts {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	m.attempts = append(kept, now)

	if len(m.attempts) > m.cfg.MaxRecoveryAttempts {
		return errors.Wrapf(pkgerrors.ErrRecoveryExhausted,
			"%d recovery attempts within %s", len(m.attempts), m.cfg.RecoveryWindow)
	}
	return nil
}
