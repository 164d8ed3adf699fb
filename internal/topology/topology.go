// Package topology maps a closed rendezvous decision onto a two-dimensional
// process grid (pipeline stages x data-parallel replicas).
package topology

import (
	"fmt"

	pkgerrors "github.com/elastrain/elastrain/pkg/errors"
)

// Coordinate is a worker's position in the process grid.
type Coordinate struct {
	PipelineRank     int `json:"pipeline_rank"`
	DataParallelRank int `json:"data_parallel_rank"`
}

func (c Coordinate) String() string {
	return fmt.Sprintf("(pipe=%d,data=%d)", c.PipelineRank, c.DataParallelRank)
}

// Assignment is the bijection between a decision's workers and the grid
// [0,P) x [0,D). It is built once per round and never mutated.
type Assignment struct {
	decision Decision
	pipeSize int
	dataSize int

	byWorker map[string]Coordinate
	grid     [][]Worker // [pipelineRank][dataParallelRank]
}

// Build assigns grid coordinates to every worker of the decision, row-major:
// worker i gets pipeline_rank i/D and data_parallel_rank i%D. Consecutive
// decision entries land in the same pipeline stage, so decision order that
// reflects host locality keeps replicas of a stage close together.
//
// Returns ErrTopologyMismatch unless P*D equals the decision size. The
// mapping is deterministic: every worker recomputes the identical assignment
// from the same decision.
func Build(decision Decision, pipeSize, dataSize int) (*Assignment, error) {
	if pipeSize < 1 || dataSize < 1 {
		return nil, fmt.Errorf("invalid grid %dx%d: %w", pipeSize, dataSize, pkgerrors.ErrTopologyMismatch)
	}
	if pipeSize*dataSize != decision.Size() {
		return nil, fmt.Errorf("grid %dx%d needs %d workers, decision has %d: %w",
			pipeSize, dataSize, pipeSize*dataSize, decision.Size(), pkgerrors.ErrTopologyMismatch)
	}

	a := &Assignment{
		decision: decision,
		pipeSize: pipeSize,
		dataSize: dataSize,
		byWorker: make(map[string]Coordinate, decision.Size()),
		grid:     make([][]Worker, pipeSize),
	}
	for p := 0; p < pipeSize; p++ {
		a.grid[p] = make([]Worker, dataSize)
	}

	for i := 0; i < decision.Size(); i++ {
		w := decision.Worker(i)
		coord := Coordinate{
			PipelineRank:     i / dataSize,
			DataParallelRank: i % dataSize,
		}
		a.byWorker[w.ID] = coord
		a.grid[coord.PipelineRank][coord.DataParallelRank] = w
	}

	return a, nil
}

// Decision returns the decision this assignment was built from.
func (a *Assignment) Decision() Decision {
	return a.decision
}

// PipelineSize returns P.
func (a *Assignment) PipelineSize() int {
	return a.pipeSize
}

// DataParallelSize returns D.
func (a *Assignment) DataParallelSize() int {
	return a.dataSize
}

// Coordinate returns the grid coordinate of a worker.
func (a *Assignment) Coordinate(workerID string) (Coordinate, bool) {
	c, ok := a.byWorker[workerID]
	return c, ok
}

// WorkerAt returns the worker holding the given coordinate.
func (a *Assignment) WorkerAt(pipelineRank, dataParallelRank int) (Worker, bool) {
	if pipelineRank < 0 || pipelineRank >= a.pipeSize ||
		dataParallelRank < 0 || dataParallelRank >= a.dataSize {
		return Worker{}, false
	}
	return a.grid[pipelineRank][dataParallelRank], true
}

// PipelineGroup returns the workers of one pipeline stage in data-parallel
// rank order.
func (a *Assignment) PipelineGroup(pipelineRank int) []Worker {
	if pipelineRank < 0 || pipelineRank >= a.pipeSize {
		return nil
	}
	ws := make([]Worker, a.dataSize)
	copy(ws, a.grid[pipelineRank])
	return ws
}

// DataParallelGroup returns one full pipeline replica: the workers with the
// given data-parallel rank, in pipeline order.
func (a *Assignment) DataParallelGroup(dataParallelRank int) []Worker {
	if dataParallelRank < 0 || dataParallelRank >= a.dataSize {
		return nil
	}
	ws := make([]Worker, a.pipeSize)
	for p := 0; p < a.pipeSize; p++ {
		ws[p] = a.grid[p][dataParallelRank]
	}
	return ws
}

// Coordinates returns a copy of the full worker-to-coordinate mapping.
func (a *Assignment) Coordinates() map[string]Coordinate {
	out := make(map[string]Coordinate, len(a.byWorker))
	for id, c := range a.byWorker {
		out[id] = c
	}
	return out
}
