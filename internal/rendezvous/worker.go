package rendezvous

import (
	"encoding/binary"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/teris-io/shortid"

	"github.com/elastrain/elastrain/internal/topology"
)

// NewWorker mints the identity this process registers under: a generated
// opaque ID plus the address the training driver advertises. The identity is
// created once at process start and never changes. The generator is seeded
// from fresh entropy, not the clock: every worker mints in its own process,
// and two processes starting in the same second must not collide.
func NewWorker(addr string) (topology.Worker, error) {
	u := uuid.New()
	sid, err := shortid.New(1, shortid.DefaultABC, binary.BigEndian.Uint64(u[:8]))
	if err != nil {
		return topology.Worker{}, errors.Wrap(err, "instantiate id generator")
	}
	id, err := sid.Generate()
	if err != nil {
		return topology.Worker{}, errors.Wrap(err, "generate worker id")
	}
	return topology.Worker{ID: id, Addr: addr}, nil
}
