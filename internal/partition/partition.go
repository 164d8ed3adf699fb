// Package partition divides a model's ordered layer list into contiguous
// pipeline stages.
package partition

import (
	"fmt"

	pkgerrors "github.com/elastrain/elastrain/pkg/errors"
)

// Range is a half-open layer index range [Start, End) assigned to one stage.
type Range struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Size returns the number of computation steps in the range.
func (r Range) Size() int {
	return r.End - r.Start
}

func (r Range) String() string {
	return fmt.Sprintf("[%d,%d)", r.Start, r.End)
}

// Plan is an ordered sequence of stage ranges. Ranges are contiguous,
// non-overlapping, and cover the layer list exactly once. A Plan is computed
// once, centrally, and never mutated; every worker receives the same plan
// rather than recomputing it, so no two workers can disagree on boundaries.
type Plan struct {
	ranges     []Range
	layerCount int
}

// Uniform divides layerCount layers into pipeSize stages as evenly as
// possible: the first layerCount%pipeSize stages take one extra layer, so any
// two stages differ in size by at most one. Deterministic from (N, P) alone.
func Uniform(layerCount, pipeSize int) (*Plan, error) {
	if pipeSize < 1 {
		return nil, fmt.Errorf("pipeline size %d must be at least 1", pipeSize)
	}
	if layerCount < pipeSize {
		return nil, fmt.Errorf("cannot split %d layers across %d stages", layerCount, pipeSize)
	}

	base := layerCount / pipeSize
	extra := layerCount % pipeSize

	ranges := make([]Range, pipeSize)
	start := 0
	for i := 0; i < pipeSize; i++ {
		size := base
		if i < extra {
			size++
		}
		ranges[i] = Range{Start: start, End: start + size}
		start += size
	}

	return &Plan{ranges: ranges, layerCount: layerCount}, nil
}

// Custom builds a plan from explicit per-stage sizes. The sizes must sum to
// layerCount or the call fails with ErrPartitionSizeMismatch before any range
// is produced. Boundaries are the prefix sums of sizes.
//
// trailingSteps widens the final stage to cover computation appended after
// the last counted layer (a final normalization and loss-reduction step, in
// the usual case). The count is model specific, so it is an explicit
// parameter rather than a constant.
func Custom(sizes []int, layerCount, trailingSteps int) (*Plan, error) {
	if len(sizes) == 0 {
		return nil, fmt.Errorf("custom sizes must not be empty")
	}
	if trailingSteps < 0 {
		return nil, fmt.Errorf("trailing steps %d must not be negative", trailingSteps)
	}

	total := 0
	for i, s := range sizes {
		if s < 1 {
			return nil, fmt.Errorf("stage %d size %d must be at least 1", i, s)
		}
		total += s
	}
	if total != layerCount {
		return nil, fmt.Errorf("sizes sum to %d, layer count is %d: %w",
			total, layerCount, pkgerrors.ErrPartitionSizeMismatch)
	}

	ranges := make([]Range, len(sizes))
	start := 0
	for i, s := range sizes {
		ranges[i] = Range{Start: start, End: start + s}
		start += s
	}
	ranges[len(ranges)-1].End += trailingSteps

	return &Plan{ranges: ranges, layerCount: layerCount + trailingSteps}, nil
}

// NumStages returns the number of stage ranges.
func (p *Plan) NumStages() int {
	return len(p.ranges)
}

// LayerCount returns the total number of steps covered, trailing steps
// included.
func (p *Plan) LayerCount() int {
	return p.layerCount
}

// Range returns the layer range of one stage.
func (p *Plan) Range(stage int) (Range, bool) {
	if stage < 0 || stage >= len(p.ranges) {
		return Range{}, false
	}
	return p.ranges[stage], true
}

// Ranges returns a copy of all stage ranges in order.
func (p *Plan) Ranges() []Range {
	rs := make([]Range, len(p.ranges))
	copy(rs, p.ranges)
	return rs
}

// StageOf returns the stage owning the given layer index, or -1.
func (p *Plan) StageOf(layer int) int {
	for i, r := range p.ranges {
		if layer >= r.Start && layer < r.End {
			return i
		}
	}
	return -1
}
