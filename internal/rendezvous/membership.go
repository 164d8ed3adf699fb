package rendezvous

import (
	"context"
	"time"

	"k8s.io/klog/v2"

	"github.com/elastrain/elastrain/internal/topology"
)

// Loss reports workers of a closed round whose liveness lease expired.
type Loss struct {
	Round uint64
	Lost  []topology.Worker
}

// leaseFactor sizes the lease TTL relative to the heartbeat interval, so a
// single delayed heartbeat does not count as a loss.
const leaseFactor = 3

// WatchMembership heartbeats this worker's lease and reports decision
// members whose leases expire. Each worker is reported once per decision;
// the recovery manager decides what to do about it. The channel closes when
// ctx is cancelled.
func (e *Engine) WatchMembership(ctx context.Context, decision topology.Decision) <-chan Loss {
	out := make(chan Loss, 1)
	interval := e.cfg.HeartbeatInterval
	ttl := time.Duration(leaseFactor) * interval

	go func() {
		defer close(out)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		reported := make(map[string]bool)

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			if err := e.store.Heartbeat(ctx, decision.Round(), e.self.ID, ttl); err != nil {
				if ctx.Err() != nil {
					return
				}
				klog.V(1).Infof("heartbeat failed: %v", err)
			}

			live, err := e.store.LiveWorkers(ctx, decision.Round())
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				klog.V(1).Infof("liveness read failed: %v", err)
				continue
			}

			liveSet := make(map[string]bool, len(live))
			for _, id := range live {
				liveSet[id] = true
			}

			var lost []topology.Worker
			for _, w := range decision.Workers() {
				if w.ID == e.self.ID || liveSet[w.ID] || reported[w.ID] {
					continue
				}
				reported[w.ID] = true
				lost = append(lost, w)
			}
			if len(lost) == 0 {
				continue
			}

			klog.Warningf("round %d lost %d worker(s): %v", decision.Round(), len(lost), lost)
			select {
			case out <- Loss{Round: decision.Round(), Lost: lost}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
