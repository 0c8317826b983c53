package schedule

import (
	"context"
	"log"
	"time"

	"github.com/payshield/threatintel-engine/internal/api"
	"github.com/payshield/threatintel-engine/internal/intel"
)

// Rebuilder forces a periodic cluster rebuild so campaigns keep aging out
// even when report traffic is too slow to hit the pending-event threshold.
// The store-level advisory lock makes a tick harmless when another instance
// is already rebuilding.
type Rebuilder struct {
	service  *intel.Service
	wsHub    *api.Hub
	interval time.Duration
}

func NewRebuilder(service *intel.Service, wsHub *api.Hub, interval time.Duration) *Rebuilder {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	return &Rebuilder{
		service:  service,
		wsHub:    wsHub,
		interval: interval,
	}
}

func (r *Rebuilder) Run(ctx context.Context) {
	log.Printf("[Scheduler] Starting cluster rebuild ticker (every %s)", r.interval)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[Scheduler] Stopping cluster rebuild ticker")
			return
		case <-ticker.C:
			r.service.Rebuild(ctx, true)

			clusters := r.service.Clusters(ctx, false, 10)
			if r.wsHub != nil {
				r.wsHub.BroadcastJSON("clusters_rebuilt", map[string]interface{}{
					"count":    len(clusters),
					"clusters": clusters,
				})
			}
		}
	}
}
