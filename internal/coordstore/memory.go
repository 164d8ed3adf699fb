package coordstore

import (
	"context"
	"sync"
	"time"

	"github.com/elastrain/elastrain/internal/topology"
	pkgerrors "github.com/elastrain/elastrain/pkg/errors"
)

// Persister is notified after every round mutation so the store survives a
// server restart. The in-memory store works without one.
type Persister interface {
	SaveRound(state RoundState) error
	SaveCurrent(round uint64) error
}

type roundRecord struct {
	state  RoundState
	leases map[string]time.Time // workerID -> lease expiry
}

// MemStore is the in-process store implementation. A single mutex serializes
// every mutation, which is what makes registration order linearizable: the
// order workers appear in the participant list is the order their writes
// committed, and every reader sees the same list.
//
// MemStore backs both unit tests and the store server (where it is wrapped
// with badger persistence and network transports).
type MemStore struct {
	mu       sync.Mutex
	rounds   map[uint64]*roundRecord
	current  uint64
	watchers map[uint64][]chan RoundEvent
	persist  Persister
}

// NewMemStore returns an empty store with round 0 open.
func NewMemStore() *MemStore {
	return &MemStore{
		rounds:   make(map[uint64]*roundRecord),
		watchers: make(map[uint64][]chan RoundEvent),
	}
}

// SetPersister attaches a persistence hook. Call before serving traffic.
func (s *MemStore) SetPersister(p Persister) {
	s.mu.Lock()
	s.persist = p
	s.mu.Unlock()
}

// Restore loads previously persisted state. The current round and any
// terminal rounds survive a restart; an open round's registrations are
// discarded so its workers re-register (they retry on ErrRoundClosed).
func (s *MemStore) Restore(current uint64, rounds []RoundState) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.current = current
	for _, st := range rounds {
		if st.Status == RoundOpen {
			continue
		}
		s.rounds[st.ID] = &roundRecord{
			state:  st.clone(),
			leases: make(map[string]time.Time),
		}
	}
}

func (s *MemStore) lockedRecord(roundID uint64) *roundRecord {
	rec, ok := s.rounds[roundID]
	if !ok && roundID == s.current {
		rec = &roundRecord{
			state:  RoundState{ID: roundID, Status: RoundOpen},
			leases: make(map[string]time.Time),
		}
		s.rounds[roundID] = rec
	}
	return rec
}

func (s *MemStore) lockedSave(rec *roundRecord) {
	if s.persist != nil {
		// Persistence errors are deliberately not surfaced to clients: the
		// in-memory state already committed and stays authoritative for
		// this process lifetime.
		_ = s.persist.SaveRound(rec.state.clone())
		_ = s.persist.SaveCurrent(s.current)
	}
}

// CurrentRound implements Client.
func (s *MemStore) CurrentRound(ctx context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current, nil
}

// Register implements Client.
func (s *MemStore) Register(ctx context.Context, roundID uint64, w topology.Worker) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if roundID < s.current {
		return 0, pkgerrors.ErrRoundClosed
	}
	rec := s.lockedRecord(roundID)
	if rec == nil {
		return 0, pkgerrors.ErrRoundNotFound
	}
	switch rec.state.Status {
	case RoundClosed:
		return 0, pkgerrors.ErrRoundClosed
	case RoundFailed:
		return 0, pkgerrors.ErrRoundFailed
	}

	for i, existing := range rec.state.Workers {
		if existing.ID == w.ID {
			return i, nil
		}
	}

	rec.state.Workers = append(rec.state.Workers, w)
	rec.state.Revision++
	rec.leases[w.ID] = time.Now().Add(defaultLeaseTTL)
	s.lockedSave(rec)
	return len(rec.state.Workers) - 1, nil
}

// Deregister implements Client.
func (s *MemStore) Deregister(ctx context.Context, roundID uint64, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.rounds[roundID]
	if !ok {
		return pkgerrors.ErrRoundNotFound
	}
	if rec.state.Status != RoundOpen {
		return pkgerrors.ErrRoundClosed
	}

	for i, w := range rec.state.Workers {
		if w.ID == workerID {
			rec.state.Workers = append(rec.state.Workers[:i], rec.state.Workers[i+1:]...)
			rec.state.Revision++
			delete(rec.leases, workerID)
			s.lockedSave(rec)
			return nil
		}
	}
	return pkgerrors.ErrNotRegistered
}

// ReadRound implements Client.
func (s *MemStore) ReadRound(ctx context.Context, roundID uint64) (RoundState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.lockedRecord(roundID)
	if rec == nil {
		return RoundState{}, pkgerrors.ErrRoundNotFound
	}
	return rec.state.clone(), nil
}

// CloseRound implements Client.
func (s *MemStore) CloseRound(ctx context.Context, roundID, revision uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.rounds[roundID]
	if !ok {
		return pkgerrors.ErrRoundNotFound
	}
	switch rec.state.Status {
	case RoundClosed:
		return pkgerrors.ErrRoundClosed
	case RoundFailed:
		return pkgerrors.ErrRoundFailed
	}
	if rec.state.Revision != revision {
		return pkgerrors.ErrRevisionConflict
	}

	rec.state.Status = RoundClosed
	rec.state.Revision++
	if roundID >= s.current {
		s.current = roundID + 1
	}
	s.lockedSave(rec)
	s.lockedNotify(rec)
	return nil
}

// FailRound implements Client.
func (s *MemStore) FailRound(ctx context.Context, roundID uint64, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.lockedRecord(roundID)
	if rec == nil {
		return pkgerrors.ErrRoundNotFound
	}
	if rec.state.Status != RoundOpen {
		// Already terminal; failing twice (or failing a closed round) is a
		// no-op so concurrent reporters don't fight.
		return nil
	}

	rec.state.Status = RoundFailed
	rec.state.Reason = reason
	rec.state.Revision++
	if roundID >= s.current {
		s.current = roundID + 1
	}
	s.lockedSave(rec)
	s.lockedNotify(rec)
	return nil
}

func (s *MemStore) lockedNotify(rec *roundRecord) {
	ev := RoundEvent{Round: rec.state.clone()}
	for _, ch := range s.watchers[rec.state.ID] {
		ch <- ev
		close(ch)
	}
	delete(s.watchers, rec.state.ID)
}

// Watch implements Client.
func (s *MemStore) Watch(ctx context.Context, roundID uint64) (<-chan RoundEvent, error) {
	s.mu.Lock()

	rec := s.lockedRecord(roundID)
	if rec == nil {
		s.mu.Unlock()
		return nil, pkgerrors.ErrRoundNotFound
	}

	ch := make(chan RoundEvent, 1)
	if rec.state.Status != RoundOpen {
		ch <- RoundEvent{Round: rec.state.clone()}
		close(ch)
		s.mu.Unlock()
		return ch, nil
	}

	s.watchers[roundID] = append(s.watchers[roundID], ch)
	s.mu.Unlock()

	out := make(chan RoundEvent, 1)
	go func() {
		defer close(out)
		select {
		case ev, ok := <-ch:
			if ok {
				out <- ev
			}
		case <-ctx.Done():
			s.removeWatcher(roundID, ch)
		}
	}()
	return out, nil
}

func (s *MemStore) removeWatcher(roundID uint64, ch chan RoundEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	watchers := s.watchers[roundID]
	for i, c := range watchers {
		if c == ch {
			s.watchers[roundID] = append(watchers[:i], watchers[i+1:]...)
			return
		}
	}
}

const defaultLeaseTTL = 15 * time.Second

// Heartbeat implements Client.
func (s *MemStore) Heartbeat(ctx context.Context, roundID uint64, workerID string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.rounds[roundID]
	if !ok {
		return pkgerrors.ErrRoundNotFound
	}
	found := false
	for _, w := range rec.state.Workers {
		if w.ID == workerID {
			found = true
			break
		}
	}
	if !found {
		return pkgerrors.ErrNotRegistered
	}
	if ttl <= 0 {
		ttl = defaultLeaseTTL
	}
	rec.leases[workerID] = time.Now().Add(ttl)
	return nil
}

// LiveWorkers implements Client.
func (s *MemStore) LiveWorkers(ctx context.Context, roundID uint64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.rounds[roundID]
	if !ok {
		return nil, pkgerrors.ErrRoundNotFound
	}

	now := time.Now()
	var live []string
	for _, w := range rec.state.Workers {
		if exp, ok := rec.leases[w.ID]; ok && exp.After(now) {
			live = append(live, w.ID)
		}
	}
	return live, nil
}

// Rounds returns snapshots of every recorded round, newest first capped at
// limit. Serves the inspection surfaces (RESP listener, status command).
func (s *MemStore) Rounds(limit int) []RoundState {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []RoundState
	for id := s.current; ; id-- {
		if rec, ok := s.rounds[id]; ok {
			out = append(out, rec.state.clone())
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		if id == 0 {
			break
		}
	}
	return out
}
