package intel

import (
	"context"

	"github.com/payshield/threatintel-engine/pkg/models"
)

// Store is the persistence contract for the three durable collections:
// events (append-only), snapshots (keyed by payee), and clusters (replaced
// wholesale per rebuild, generation-versioned so readers never observe an
// empty mid-rebuild state).
//
// The pending-rebuild counter is derived from the event log relative to a
// persisted watermark rather than kept in process memory, so multiple service
// instances agree on when to rebuild; TryRebuildLock serializes the rebuild
// itself across instances.
type Store interface {
	// Events.
	AppendEvent(ctx context.Context, event models.ThreatEvent) error
	RecentEvents(ctx context.Context, limit int) ([]models.ThreatEvent, error)
	EventsByReceiver(ctx context.Context, receiver string, limit int) ([]models.ThreatEvent, error)

	// Rebuild coordination.
	PendingEventCount(ctx context.Context) (int64, error)
	MarkRebuilt(ctx context.Context) error
	TryRebuildLock(ctx context.Context) (release func(), acquired bool, err error)

	// Snapshots. UpsertSnapshot sets every field and atomically increments
	// total_reports, returning the refreshed row.
	UpsertSnapshot(ctx context.Context, snapshot models.ThreatSnapshot) (models.ThreatSnapshot, error)
	GetSnapshot(ctx context.Context, receiver string) (*models.ThreatSnapshot, error)
	SnapshotsFor(ctx context.Context, receivers []string) (map[string]models.ThreatSnapshot, error)
	TopSnapshots(ctx context.Context, minReports int64, limit int) ([]models.ThreatSnapshot, error)

	// Clusters. ListClusters sorts by avg_score descending.
	ListClusters(ctx context.Context, includeInactive bool, limit int) ([]models.Cluster, error)
	AllClusters(ctx context.Context) ([]models.Cluster, error)
	ReplaceClusters(ctx context.Context, clusters []models.Cluster) error
}
