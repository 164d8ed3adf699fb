// Package recovery decides how much state redundancy each pipeline stage
// keeps and how the topology is rebuilt when membership changes.
package recovery

import (
	"github.com/elastrain/elastrain/internal/topology"
)

// Group is the set of workers able to serve one pipeline stage's state: the
// primary plus up to redundancy-level standbys. Members share the stage's
// pipeline rank and occupy its first level+1 data-parallel slots, trading
// data-parallel width for fault tolerance.
type Group struct {
	PipelineRank int
	Members      []topology.Worker // slot order; Members[0] is the primary
}

// Primary returns the group's current primary.
func (g Group) Primary() topology.Worker {
	return g.Members[0]
}

// Size returns the number of members.
func (g Group) Size() int {
	return len(g.Members)
}

// Groups derives the redundancy group of every pipeline stage from an
// assignment. With level 0 each group is just the stage's primary. The group
// never exceeds level+1 members, and never exceeds the data-parallel width.
func Groups(a *topology.Assignment, level int) []Group {
	width := level + 1
	if width > a.DataParallelSize() {
		width = a.DataParallelSize()
	}

	groups := make([]Group, a.PipelineSize())
	for p := 0; p < a.PipelineSize(); p++ {
		members := make([]topology.Worker, 0, width)
		for d := 0; d < width; d++ {
			w, ok := a.WorkerAt(p, d)
			if !ok {
				continue
			}
			members = append(members, w)
		}
		groups[p] = Group{PipelineRank: p, Members: members}
	}
	return groups
}
