// Package driver is the boundary to the training runtime. The coordinator
// hands it a finished topology and partition and keeps it informed of every
// recovery plan; the layer math behind it is not this project's concern.
package driver

import (
	"sync"

	"k8s.io/klog/v2"

	"github.com/elastrain/elastrain/internal/partition"
	"github.com/elastrain/elastrain/internal/recovery"
	"github.com/elastrain/elastrain/internal/topology"
)

// Driver consumes coordinator output. Start is called once per closed round
// with the freshly derived structures; OnRecovery is called for every
// recovery plan so the driver can pause, promote, or rebuild its schedule.
type Driver interface {
	Start(a *topology.Assignment, plan *partition.Plan, groups []recovery.Group) error
	OnRecovery(plan *recovery.Plan) error
	Stop() error
}

// LogDriver is the reference Driver: it logs what a real training runtime
// would act on. Useful for bring-up and soak testing of the coordinator
// without a training stack attached.
type LogDriver struct {
	mu      sync.Mutex
	started bool
	rounds  int
}

// NewLogDriver returns an idle LogDriver.
func NewLogDriver() *LogDriver {
	return &LogDriver{}
}

// Start implements Driver.
func (d *LogDriver) Start(a *topology.Assignment, plan *partition.Plan, groups []recovery.Group) error {
	d.mu.Lock()
	d.started = true
	d.rounds++
	rounds := d.rounds
	d.mu.Unlock()

	klog.Infof("driver start #%d: round %d, grid %dx%d, %d stages",
		rounds, a.Decision().Round(), a.PipelineSize(), a.DataParallelSize(), plan.NumStages())
	for p := 0; p < a.PipelineSize(); p++ {
		r, _ := plan.Range(p)
		klog.Infof("  stage %d layers %s replicas %v redundancy %d",
			p, r, workerIDs(a.PipelineGroup(p)), groups[p].Size()-1)
	}
	return nil
}

// OnRecovery implements Driver.
func (d *LogDriver) OnRecovery(plan *recovery.Plan) error {
	switch {
	case plan.Unrecoverable:
		klog.Errorf("driver: unrecoverable loss in round %d, stages %v", plan.Round, plan.LostStages)
	case plan.NeedsRendezvous:
		klog.Warningf("driver: discarding in-flight step, waiting for new round (was %d)", plan.Round)
	case len(plan.Promotions) > 0:
		klog.Warningf("driver: resuming round %d after promotions %v", plan.Round, plan.Promotions)
	default:
		klog.Infof("driver: plan for round %d, nothing to repair", plan.Round)
	}
	return nil
}

// Stop implements Driver.
func (d *LogDriver) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		klog.Infof("driver stopped after %d round(s)", d.rounds)
		d.started = false
	}
	return nil
}

func workerIDs(ws []topology.Worker) []string {
	ids := make([]string, len(ws))
	for i, w := range ws {
		ids[i] = w.ID
	}
	return ids
}
