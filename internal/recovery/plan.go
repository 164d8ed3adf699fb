package recovery

import (
	"fmt"

	"github.com/elastrain/elastrain/internal/topology"
	pkgerrors "github.com/elastrain/elastrain/pkg/errors"
)

// Promotion records a standby taking over a stage's primary role.
type Promotion struct {
	PipelineRank int
	Failed       topology.Worker
	Survivor     topology.Worker
}

func (p Promotion) String() string {
	return fmt.Sprintf("stage %d: %s -> %s", p.PipelineRank, p.Failed.ID, p.Survivor.ID)
}

// Plan describes how to move from one membership to the next.
//
// Exactly one of three shapes comes out of BuildPlan:
//   - Unrecoverable: some stage's entire redundancy group vanished; the job
//     must fail.
//   - Promotions only: every affected stage has a surviving group member;
//     training resumes from the group's last synchronized state without
//     renegotiating the topology.
//   - NeedsRendezvous: the loss is survivable but the grid must be rebuilt
//     through a fresh round (redundancy level 0, or losses outside the
//     redundancy groups); any in-flight step is discarded.
type Plan struct {
	Round           uint64 // decision round the plan was computed against
	Eager           bool
	Unrecoverable   bool
	LostStages      []int // stages whose whole group vanished
	Promotions      []Promotion
	NeedsRendezvous bool
	Lost            []topology.Worker
}

// Initial is the plan delivered on a fresh decision with no predecessor:
// nothing to recover.
func Initial(round uint64) *Plan {
	return &Plan{Round: round}
}

// Err maps the plan onto the failure taxonomy: ErrUnrecoverableLoss,
// ErrRecoverableLoss, or nil when there was no loss at all.
func (p *Plan) Err() error {
	if p.Unrecoverable {
		return pkgerrors.ErrUnrecoverableLoss
	}
	if len(p.Lost) > 0 {
		return pkgerrors.ErrRecoverableLoss
	}
	return nil
}

// BuildPlan diffs the survivors against the topology the job was running
// with. old carries the assignment of the previous decision; survivors is
// the set of worker IDs still alive (a new closed decision in deferred mode,
// or the last decision minus detected losses in eager mode).
//
// The plan is a pure function of its inputs: no state is mutated, and
// identical inputs produce identical plans on every worker.
func BuildPlan(old *topology.Assignment, round uint64, survivors map[string]bool, level int, eager bool) *Plan {
	plan := &Plan{Round: round, Eager: eager}

	groups := Groups(old, level)
	decision := old.Decision()

	for _, w := range decision.Workers() {
		if !survivors[w.ID] {
			plan.Lost = append(plan.Lost, w)
		}
	}
	if len(plan.Lost) == 0 {
		return plan
	}

	lostSet := make(map[string]bool, len(plan.Lost))
	for _, w := range plan.Lost {
		lostSet[w.ID] = true
	}

	for _, g := range groups {
		var alive []topology.Worker
		for _, m := range g.Members {
			if !lostSet[m.ID] {
				alive = append(alive, m)
			}
		}

		switch {
		case len(alive) == 0:
			if level == 0 {
				// No replica held the stage's perturbed optimizer state.
				// The in-flight step is lost either way; a fresh round can
				// still rebuild an equivalent topology from survivors.
				plan.NeedsRendezvous = true
				continue
			}
			plan.Unrecoverable = true
			plan.LostStages = append(plan.LostStages, g.PipelineRank)

		case len(alive) < g.Size():
			if lostSet[g.Primary().ID] {
				// Lowest surviving slot takes over.
				plan.Promotions = append(plan.Promotions, Promotion{
					PipelineRank: g.PipelineRank,
					Failed:       g.Primary(),
					Survivor:     alive[0],
				})
			}
		}
	}

	if plan.Unrecoverable {
		return plan
	}

	// Losses outside every redundancy group shrink data-parallel width;
	// that needs a rebuilt grid, not a promotion.
	grouped := make(map[string]bool)
	for _, g := range groups {
		for _, m := range g.Members {
			grouped[m.ID] = true
		}
	}
	for _, w := range plan.Lost {
		if !grouped[w.ID] {
			plan.NeedsRendezvous = true
			break
		}
	}

	return plan
}
