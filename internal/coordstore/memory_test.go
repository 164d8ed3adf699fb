package coordstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/elastrain/elastrain/internal/topology"
	pkgerrors "github.com/elastrain/elastrain/pkg/errors"
)

func worker(i int) topology.Worker {
	return topology.Worker{ID: fmt.Sprintf("w%d", i), Addr: fmt.Sprintf("10.0.0.%d:7430", i)}
}

func TestMemStore_RegisterOrder(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		pos, err := s.Register(ctx, 0, worker(i))
		if err != nil {
			t.Fatalf("Register failed: %v", err)
		}
		if pos != i {
			t.Errorf("worker %d got position %d", i, pos)
		}
	}

	// Re-registering is idempotent.
	pos, err := s.Register(ctx, 0, worker(2))
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if pos != 2 {
		t.Errorf("re-register returned position %d, want 2", pos)
	}

	state, err := s.ReadRound(ctx, 0)
	if err != nil {
		t.Fatalf("ReadRound failed: %v", err)
	}
	if len(state.Workers) != 4 {
		t.Errorf("round has %d workers, want 4", len(state.Workers))
	}
	for i, w := range state.Workers {
		if w.ID != fmt.Sprintf("w%d", i) {
			t.Errorf("position %d holds %s", i, w.ID)
		}
	}
}

func TestMemStore_CloseRound(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := s.Register(ctx, 0, worker(i)); err != nil {
			t.Fatalf("Register failed: %v", err)
		}
	}
	state, _ := s.ReadRound(ctx, 0)

	// A stale revision loses the CAS.
	err := s.CloseRound(ctx, 0, state.Revision-1)
	if !errors.Is(err, pkgerrors.ErrRevisionConflict) {
		t.Fatalf("stale close = %v, want ErrRevisionConflict", err)
	}

	if err := s.CloseRound(ctx, 0, state.Revision); err != nil {
		t.Fatalf("CloseRound failed: %v", err)
	}

	// Closing is idempotent-terminal.
	err = s.CloseRound(ctx, 0, state.Revision+1)
	if !errors.Is(err, pkgerrors.ErrRoundClosed) {
		t.Fatalf("second close = %v, want ErrRoundClosed", err)
	}

	// Registration after close goes to the next round.
	_, err = s.Register(ctx, 0, worker(9))
	if !errors.Is(err, pkgerrors.ErrRoundClosed) {
		t.Fatalf("late register = %v, want ErrRoundClosed", err)
	}
	current, _ := s.CurrentRound(ctx)
	if current != 1 {
		t.Errorf("current round = %d, want 1", current)
	}
	if pos, err := s.Register(ctx, 1, worker(9)); err != nil || pos != 0 {
		t.Errorf("register in round 1 = (%d, %v)", pos, err)
	}
}

func TestMemStore_ConcurrentRegisterDistinctPositions(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	const n = 16
	positions := make([]int, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			pos, err := s.Register(ctx, 0, worker(i))
			if err != nil {
				t.Errorf("Register failed: %v", err)
				return
			}
			positions[i] = pos
		}(i)
	}
	wg.Wait()

	seen := make(map[int]bool)
	for _, p := range positions {
		if seen[p] {
			t.Fatalf("position %d assigned twice", p)
		}
		seen[p] = true
	}

	// Every reader observes the same order.
	s1, _ := s.ReadRound(ctx, 0)
	s2, _ := s.ReadRound(ctx, 0)
	for i := range s1.Workers {
		if s1.Workers[i] != s2.Workers[i] {
			t.Fatalf("two reads disagree at position %d", i)
		}
	}
}

func TestMemStore_Deregister(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	s.Register(ctx, 0, worker(0))
	s.Register(ctx, 0, worker(1))

	if err := s.Deregister(ctx, 0, "w0"); err != nil {
		t.Fatalf("Deregister failed: %v", err)
	}
	state, _ := s.ReadRound(ctx, 0)
	if len(state.Workers) != 1 || state.Workers[0].ID != "w1" {
		t.Errorf("after deregister: %v", state.Workers)
	}

	err := s.Deregister(ctx, 0, "w0")
	if !errors.Is(err, pkgerrors.ErrNotRegistered) {
		t.Errorf("double deregister = %v, want ErrNotRegistered", err)
	}
}

func TestMemStore_WatchDeliversClose(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	s.Register(ctx, 0, worker(0))

	ch, err := s.Watch(ctx, 0)
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}

	state, _ := s.ReadRound(ctx, 0)
	if err := s.CloseRound(ctx, 0, state.Revision); err != nil {
		t.Fatalf("CloseRound failed: %v", err)
	}

	select {
	case ev := <-ch:
		if ev.Round.Status != RoundClosed {
			t.Errorf("event status = %s, want closed", ev.Round.Status)
		}
	case <-time.After(time.Second):
		t.Fatal("watch event not delivered")
	}
}

func TestMemStore_WatchTerminalImmediate(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	s.Register(ctx, 0, worker(0))
	if err := s.FailRound(ctx, 0, "test failure"); err != nil {
		t.Fatalf("FailRound failed: %v", err)
	}

	ch, err := s.Watch(ctx, 0)
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	select {
	case ev := <-ch:
		if ev.Round.Status != RoundFailed || ev.Round.Reason != "test failure" {
			t.Errorf("event = %+v", ev.Round)
		}
	case <-time.After(time.Second):
		t.Fatal("terminal watch should deliver immediately")
	}

	// Failing again is a no-op, not an error.
	if err := s.FailRound(ctx, 0, "other"); err != nil {
		t.Errorf("second fail = %v", err)
	}
	state, _ := s.ReadRound(ctx, 0)
	if state.Reason != "test failure" {
		t.Errorf("reason overwritten: %q", state.Reason)
	}
}

func TestMemStore_Leases(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	s.Register(ctx, 0, worker(0))
	s.Register(ctx, 0, worker(1))

	if err := s.Heartbeat(ctx, 0, "w0", 50*time.Millisecond); err != nil {
		t.Fatalf("Heartbeat failed: %v", err)
	}
	if err := s.Heartbeat(ctx, 0, "w1", time.Minute); err != nil {
		t.Fatalf("Heartbeat failed: %v", err)
	}
	if err := s.Heartbeat(ctx, 0, "ghost", time.Minute); !errors.Is(err, pkgerrors.ErrNotRegistered) {
		t.Errorf("ghost heartbeat = %v, want ErrNotRegistered", err)
	}

	time.Sleep(80 * time.Millisecond)

	live, err := s.LiveWorkers(ctx, 0)
	if err != nil {
		t.Fatalf("LiveWorkers failed: %v", err)
	}
	if len(live) != 1 || live[0] != "w1" {
		t.Errorf("live = %v, want [w1]", live)
	}
}

func TestMemStore_Restore(t *testing.T) {
	closed := RoundState{
		ID:       3,
		Status:   RoundClosed,
		Workers:  []topology.Worker{worker(0), worker(1)},
		Revision: 3,
	}
	open := RoundState{ID: 4, Status: RoundOpen, Workers: []topology.Worker{worker(2)}}

	s := NewMemStore()
	s.Restore(4, []RoundState{closed, open})

	ctx := context.Background()
	current, _ := s.CurrentRound(ctx)
	if current != 4 {
		t.Errorf("current = %d, want 4", current)
	}

	state, err := s.ReadRound(ctx, 3)
	if err != nil {
		t.Fatalf("ReadRound failed: %v", err)
	}
	if state.Status != RoundClosed || len(state.Workers) != 2 {
		t.Errorf("restored round 3 = %+v", state)
	}

	// The open round's registrations were discarded; workers re-register.
	if pos, err := s.Register(ctx, 4, worker(2)); err != nil || pos != 0 {
		t.Errorf("re-register after restore = (%d, %v)", pos, err)
	}
}
