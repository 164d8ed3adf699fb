package topology

import (
	"errors"
	"fmt"
	"reflect"
	"testing"

	pkgerrors "github.com/elastrain/elastrain/pkg/errors"
)

func testDecision(round uint64, n int) Decision {
	workers := make([]Worker, n)
	for i := range workers {
		workers[i] = Worker{
			ID:   fmt.Sprintf("w%d", i),
			Addr: fmt.Sprintf("10.0.0.%d:7400", i),
		}
	}
	return NewDecision(round, workers)
}

func TestBuild_RowMajor(t *testing.T) {
	// 6 workers on a 3x2 grid: worker i -> (i/2, i%2).
	d := testDecision(1, 6)
	a, err := Build(d, 3, 2)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	want := []Coordinate{
		{0, 0}, {0, 1},
		{1, 0}, {1, 1},
		{2, 0}, {2, 1},
	}
	for i, wc := range want {
		c, ok := a.Coordinate(fmt.Sprintf("w%d", i))
		if !ok {
			t.Fatalf("worker w%d has no coordinate", i)
		}
		if c != wc {
			t.Errorf("worker w%d = %v, want %v", i, c, wc)
		}
	}
}

func TestBuild_Bijection(t *testing.T) {
	cases := []struct{ p, d int }{
		{1, 1}, {1, 8}, {8, 1}, {2, 4}, {4, 2}, {3, 5},
	}
	for _, tc := range cases {
		d := testDecision(1, tc.p*tc.d)
		a, err := Build(d, tc.p, tc.d)
		if err != nil {
			t.Fatalf("Build(%dx%d) failed: %v", tc.p, tc.d, err)
		}

		seen := make(map[Coordinate]string)
		for _, w := range d.Workers() {
			c, ok := a.Coordinate(w.ID)
			if !ok {
				t.Fatalf("%dx%d: worker %s unassigned", tc.p, tc.d, w.ID)
			}
			if c.PipelineRank < 0 || c.PipelineRank >= tc.p ||
				c.DataParallelRank < 0 || c.DataParallelRank >= tc.d {
				t.Errorf("%dx%d: coordinate %v out of range", tc.p, tc.d, c)
			}
			if prev, dup := seen[c]; dup {
				t.Errorf("%dx%d: coordinate %v assigned to both %s and %s", tc.p, tc.d, c, prev, w.ID)
			}
			seen[c] = w.ID
		}
		if len(seen) != tc.p*tc.d {
			t.Errorf("%dx%d: %d coordinates assigned, want %d", tc.p, tc.d, len(seen), tc.p*tc.d)
		}
	}
}

func TestBuild_Mismatch(t *testing.T) {
	d := testDecision(1, 6)
	_, err := Build(d, 4, 2)
	if !errors.Is(err, pkgerrors.ErrTopologyMismatch) {
		t.Fatalf("Build(4x2, 6 workers) = %v, want ErrTopologyMismatch", err)
	}

	_, err = Build(d, 0, 6)
	if !errors.Is(err, pkgerrors.ErrTopologyMismatch) {
		t.Fatalf("Build(0x6) = %v, want ErrTopologyMismatch", err)
	}
}

func TestBuild_Deterministic(t *testing.T) {
	d := testDecision(3, 12)
	a1, err := Build(d, 4, 3)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	a2, err := Build(d, 4, 3)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if !reflect.DeepEqual(a1.Coordinates(), a2.Coordinates()) {
		t.Errorf("two builds from the same decision disagree")
	}
}

func TestAssignment_Groups(t *testing.T) {
	d := testDecision(1, 6)
	a, err := Build(d, 3, 2)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	stage1 := a.PipelineGroup(1)
	if len(stage1) != 2 || stage1[0].ID != "w2" || stage1[1].ID != "w3" {
		t.Errorf("PipelineGroup(1) = %v, want [w2 w3]", stage1)
	}

	replica0 := a.DataParallelGroup(0)
	if len(replica0) != 3 || replica0[0].ID != "w0" || replica0[1].ID != "w2" || replica0[2].ID != "w4" {
		t.Errorf("DataParallelGroup(0) = %v, want [w0 w2 w4]", replica0)
	}

	w, ok := a.WorkerAt(2, 1)
	if !ok || w.ID != "w5" {
		t.Errorf("WorkerAt(2,1) = %v, want w5", w)
	}
	if _, ok := a.WorkerAt(3, 0); ok {
		t.Errorf("WorkerAt(3,0) should be out of range")
	}
}

func TestDecision_Immutable(t *testing.T) {
	src := []Worker{{ID: "a"}, {ID: "b"}}
	d := NewDecision(1, src)

	// Mutating the input or a returned copy must not affect the decision.
	src[0].ID = "mutated"
	got := d.Workers()
	got[1].ID = "mutated"

	if d.Worker(0).ID != "a" || d.Worker(1).ID != "b" {
		t.Errorf("decision observed mutation: %v", d.Workers())
	}
	if d.Index("b") != 1 {
		t.Errorf("Index(b) = %d, want 1", d.Index("b"))
	}
	if d.Contains("mutated") {
		t.Errorf("decision should not contain mutated IDs")
	}
}
