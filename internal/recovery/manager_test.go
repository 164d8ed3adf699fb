package recovery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/elastrain/elastrain/internal/config"
	"github.com/elastrain/elastrain/internal/topology"
	pkgerrors "github.com/elastrain/elastrain/pkg/errors"
)

type recordingNotifier struct {
	plans chan *Plan
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{plans: make(chan *Plan, 8)}
}

func (n *recordingNotifier) OnRecovery(plan *Plan) error {
	n.plans <- plan
	return nil
}

func (n *recordingNotifier) waitPlan(t *testing.T) *Plan {
	t.Helper()
	select {
	case p := <-n.plans:
		return p
	case <-time.After(5 * time.Second):
		t.Fatal("no plan delivered")
		return nil
	}
}

func managerConfig(mode config.RecoveryMode) config.Config {
	cfg := config.Default()
	cfg.RunID = "test"
	cfg.MinNodes = 1
	cfg.MaxNodes = 16
	cfg.RedundancyLevel = 1
	cfg.RecoveryMode = mode
	return cfg
}

func startManager(t *testing.T, cfg config.Config) (*Manager, *recordingNotifier, chan error) {
	t.Helper()
	n := newRecordingNotifier()
	m := NewManager(cfg, n)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	runErr := make(chan error, 1)
	go func() { runErr <- m.Run(ctx) }()
	return m, n, runErr
}

func TestManager_InitialDecision(t *testing.T) {
	m, n, _ := startManager(t, managerConfig(config.RecoveryDeferred))

	a := grid(t, 1, 2, 2)
	m.SubmitDecision(nil, a.Decision())

	plan := n.waitPlan(t)
	if plan.Round != 1 {
		t.Errorf("plan round = %d, want 1", plan.Round)
	}
	if plan.Err() != nil || len(plan.Lost) != 0 {
		t.Errorf("initial plan = %+v", plan)
	}
}

func TestManager_DeferredDecisionBuildsPromotion(t *testing.T) {
	m, n, _ := startManager(t, managerConfig(config.RecoveryDeferred))

	old := grid(t, 1, 4, 2)

	// The next round closed without stage 2's primary.
	var survivors []topology.Worker
	for _, w := range old.Decision().Workers() {
		if w.ID != "w4" {
			survivors = append(survivors, w)
		}
	}
	m.SubmitDecision(old, topology.NewDecision(2, survivors))

	plan := n.waitPlan(t)
	if plan.Round != 2 {
		t.Errorf("plan round = %d, want 2", plan.Round)
	}
	if len(plan.Promotions) != 1 || plan.Promotions[0].Survivor.ID != "w5" {
		t.Errorf("promotions = %v", plan.Promotions)
	}
}

func TestManager_EagerLossActsImmediately(t *testing.T) {
	m, n, _ := startManager(t, managerConfig(config.RecoveryEager))

	a := grid(t, 1, 2, 2)
	m.SubmitDecision(nil, a.Decision())
	n.waitPlan(t)

	w0, _ := a.WorkerAt(0, 0)
	m.SubmitLoss(a, []topology.Worker{w0})

	plan := n.waitPlan(t)
	if !plan.Eager {
		t.Error("plan not marked eager")
	}
	if len(plan.Promotions) != 1 || plan.Promotions[0].Failed != w0 {
		t.Errorf("promotions = %v", plan.Promotions)
	}
}

func TestManager_DeferredIgnoresRawLoss(t *testing.T) {
	m, n, _ := startManager(t, managerConfig(config.RecoveryDeferred))

	a := grid(t, 1, 2, 2)
	m.SubmitDecision(nil, a.Decision())
	n.waitPlan(t)

	w0, _ := a.WorkerAt(0, 0)
	m.SubmitLoss(a, []topology.Worker{w0})

	select {
	case plan := <-n.plans:
		t.Fatalf("deferred mode acted on a raw loss: %+v", plan)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestManager_NewerRoundSupersedesQueuedPlan(t *testing.T) {
	m, n, _ := startManager(t, managerConfig(config.RecoveryEager))

	a := grid(t, 1, 2, 2)
	m.SubmitDecision(nil, a.Decision())
	n.waitPlan(t)

	// A newer round closed before the eager repair ran; the stale plan must
	// not execute against the rebuilt topology.
	m.ObserveRound(3)
	w0, _ := a.WorkerAt(0, 0)
	m.SubmitLoss(a, []topology.Worker{w0})

	m.SubmitDecision(a, topology.NewDecision(3, a.Decision().Workers()))

	plan := n.waitPlan(t)
	if plan.Round != 3 {
		t.Fatalf("delivered plan round = %d, want 3", plan.Round)
	}
	if len(plan.Lost) != 0 {
		t.Errorf("superseded loss leaked into round 3 plan: %+v", plan)
	}

	select {
	case stale := <-n.plans:
		t.Fatalf("stale plan delivered: %+v", stale)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestManager_UnrecoverableStopsRun(t *testing.T) {
	m, _, runErr := startManager(t, managerConfig(config.RecoveryDeferred))

	old := grid(t, 1, 2, 3)

	// Stage 0's whole redundancy group (slots 0 and 1) is gone.
	var survivors []topology.Worker
	for _, w := range old.Decision().Workers() {
		if w.ID != "w0" && w.ID != "w1" {
			survivors = append(survivors, w)
		}
	}
	m.SubmitDecision(old, topology.NewDecision(2, survivors))

	select {
	case err := <-runErr:
		if !errors.Is(err, pkgerrors.ErrUnrecoverableLoss) {
			t.Fatalf("Run = %v, want ErrUnrecoverableLoss", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop on unrecoverable loss")
	}
}

func TestManager_AttemptBudgetExhausts(t *testing.T) {
	cfg := managerConfig(config.RecoveryDeferred)
	cfg.MaxRecoveryAttempts = 2
	cfg.RecoveryWindow = time.Minute
	m, n, runErr := startManager(t, cfg)

	old := grid(t, 1, 2, 3)
	m.SubmitDecision(nil, old.Decision())
	n.waitPlan(t)

	// Lose the same standby round after round. The first two repairs run;
	// the third lands inside the window and escalates.
	var survivors []topology.Worker
	for _, w := range old.Decision().Workers() {
		if w.ID != "w1" {
			survivors = append(survivors, w)
		}
	}

	m.SubmitDecision(old, topology.NewDecision(2, survivors))
	n.waitPlan(t)
	m.SubmitDecision(old, topology.NewDecision(3, survivors))
	n.waitPlan(t)
	m.SubmitDecision(old, topology.NewDecision(4, survivors))

	select {
	case err := <-runErr:
		if !errors.Is(err, pkgerrors.ErrRecoveryExhausted) {
			t.Fatalf("Run = %v, want ErrRecoveryExhausted", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not escalate after exhausting the attempt budget")
	}
}
