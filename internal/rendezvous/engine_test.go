package rendezvous

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/elastrain/elastrain/internal/config"
	"github.com/elastrain/elastrain/internal/coordstore"
	"github.com/elastrain/elastrain/internal/topology"
	pkgerrors "github.com/elastrain/elastrain/pkg/errors"
)

func testConfig(min, max int) config.Config {
	cfg := config.Default()
	cfg.RunID = "test"
	cfg.MinNodes = min
	cfg.MaxNodes = max
	cfg.LastCallTimeout = 100 * time.Millisecond
	cfg.JoinTimeout = 10 * time.Second
	cfg.HeartbeatInterval = 20 * time.Millisecond
	return cfg
}

func testWorker(i int) topology.Worker {
	return topology.Worker{ID: fmt.Sprintf("w%d", i), Addr: fmt.Sprintf("10.0.0.%d:7430", i)}
}

func TestJoin_ClosesAtMaxNodes(t *testing.T) {
	store := coordstore.NewMemStore()
	cfg := testConfig(3, 3)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	decisions := make([]topology.Decision, 3)
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d, err := New(store, cfg, testWorker(i)).Join(ctx)
			if err != nil {
				t.Errorf("worker %d join failed: %v", i, err)
				return
			}
			decisions[i] = d
		}(i)
	}
	wg.Wait()
	if t.Failed() {
		t.FailNow()
	}

	// Every participant derives the identical decision.
	for i := 1; i < 3; i++ {
		if decisions[i].Round() != decisions[0].Round() {
			t.Fatalf("worker %d round %d != worker 0 round %d",
				i, decisions[i].Round(), decisions[0].Round())
		}
		if decisions[i].Size() != 3 {
			t.Fatalf("worker %d decision size %d", i, decisions[i].Size())
		}
		for pos := 0; pos < 3; pos++ {
			a := decisions[0].Worker(pos)
			b := decisions[i].Worker(pos)
			if a != b {
				t.Fatalf("decisions disagree at position %d: %v vs %v", pos, a, b)
			}
		}
	}

	for i := 0; i < 3; i++ {
		if !decisions[0].Contains(testWorker(i).ID) {
			t.Errorf("worker %d missing from decision", i)
		}
	}
}

func TestJoin_LastCallWindow(t *testing.T) {
	store := coordstore.NewMemStore()
	cfg := testConfig(2, 8)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Two workers meet min_nodes; nobody else shows up, so the round closes
	// when the last-call window elapses rather than at max_nodes.
	var wg sync.WaitGroup
	decisions := make([]topology.Decision, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d, err := New(store, cfg, testWorker(i)).Join(ctx)
			if err != nil {
				t.Errorf("worker %d join failed: %v", i, err)
				return
			}
			decisions[i] = d
		}(i)
	}
	wg.Wait()
	if t.Failed() {
		t.FailNow()
	}

	if decisions[0].Size() != 2 || decisions[1].Size() != 2 {
		t.Errorf("decision sizes = %d, %d, want 2", decisions[0].Size(), decisions[1].Size())
	}
}

func TestJoin_TimeoutBelowMinNodes(t *testing.T) {
	store := coordstore.NewMemStore()
	cfg := testConfig(2, 4)
	cfg.JoinTimeout = 700 * time.Millisecond

	ctx := context.Background()
	_, err := New(store, cfg, testWorker(0)).Join(ctx)
	if !errors.Is(err, pkgerrors.ErrRendezvousTimeout) {
		t.Fatalf("lone join = %v, want ErrRendezvousTimeout", err)
	}

	// The failure is recorded in the store so every participant observes the
	// same terminal state, not a local error.
	state, readErr := store.ReadRound(ctx, 0)
	if readErr != nil {
		t.Fatalf("ReadRound failed: %v", readErr)
	}
	if state.Status != coordstore.RoundFailed {
		t.Errorf("round status = %s, want failed", state.Status)
	}
	if state.Reason != reasonTimeout {
		t.Errorf("round reason = %q", state.Reason)
	}
}

func TestJoin_CancelDeregisters(t *testing.T) {
	store := coordstore.NewMemStore()
	cfg := testConfig(2, 2)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := New(store, cfg, testWorker(0)).Join(ctx)
		done <- err
	}()

	// Let the registration land, then abandon the wait.
	time.Sleep(400 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("cancelled join = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("join did not return after cancel")
	}

	state, err := store.ReadRound(context.Background(), 0)
	if err != nil {
		t.Fatalf("ReadRound failed: %v", err)
	}
	if len(state.Workers) != 0 {
		t.Errorf("stale registration left behind: %v", state.Workers)
	}
}

func TestJoin_LateWorkerEntersNextRound(t *testing.T) {
	store := coordstore.NewMemStore()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Round 0 closed before this worker arrived.
	store.Register(ctx, 0, testWorker(8))
	st, _ := store.ReadRound(ctx, 0)
	if err := store.CloseRound(ctx, 0, st.Revision); err != nil {
		t.Fatalf("CloseRound failed: %v", err)
	}

	cfg := testConfig(1, 1)
	d, err := New(store, cfg, testWorker(0)).Join(ctx)
	if err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	if d.Round() != 1 {
		t.Errorf("joined round %d, want 1", d.Round())
	}
	if d.Contains("w8") {
		t.Error("late worker picked up the previous round's members")
	}
}

func TestWatchMembership_ReportsExpiredLease(t *testing.T) {
	store := coordstore.NewMemStore()
	cfg := testConfig(2, 2)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	engines := []*Engine{
		New(store, cfg, testWorker(0)),
		New(store, cfg, testWorker(1)),
	}

	var wg sync.WaitGroup
	decisions := make([]topology.Decision, 2)
	for i, e := range engines {
		wg.Add(1)
		go func(i int, e *Engine) {
			defer wg.Done()
			d, err := e.Join(ctx)
			if err != nil {
				t.Errorf("join failed: %v", err)
				return
			}
			decisions[i] = d
		}(i, e)
	}
	wg.Wait()
	if t.Failed() {
		t.FailNow()
	}

	// Worker 0 keeps heartbeating; worker 1 goes silent after one beat.
	peerCtx, stopPeer := context.WithCancel(ctx)
	peerLosses := engines[1].WatchMembership(peerCtx, decisions[1])
	losses := engines[0].WatchMembership(ctx, decisions[0])

	time.Sleep(5 * cfg.HeartbeatInterval)
	stopPeer()
	for range peerLosses {
	}

	select {
	case loss := <-losses:
		if loss.Round != decisions[0].Round() {
			t.Errorf("loss round = %d", loss.Round)
		}
		if len(loss.Lost) != 1 || loss.Lost[0].ID != "w1" {
			t.Errorf("lost = %v, want [w1]", loss.Lost)
		}
	case <-ctx.Done():
		t.Fatal("loss never reported")
	}
}
