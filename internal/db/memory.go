package db

import (
	"context"
	"sort"
	"sync"

	"github.com/payshield/threatintel-engine/pkg/models"
)

// MemoryStore is an in-process implementation of the same store contract the
// Postgres store satisfies. It backs tests and the degraded DB-less mode,
// where the engine keeps scoring live traffic without durability.
type MemoryStore struct {
	mu          sync.RWMutex
	rebuildLock sync.Mutex

	events      []models.ThreatEvent
	nextEventID int64
	lastEventID int64

	snapshots map[string]models.ThreatSnapshot

	clusters   []models.Cluster
	generation int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nextEventID: 1,
		snapshots:   make(map[string]models.ThreatSnapshot),
	}
}

func (s *MemoryStore) AppendEvent(_ context.Context, event models.ThreatEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	event.ID = s.nextEventID
	s.nextEventID++
	s.events = append(s.events, event)
	return nil
}

func (s *MemoryStore) RecentEvents(_ context.Context, limit int) ([]models.ThreatEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	start := 0
	if limit > 0 && len(s.events) > limit {
		start = len(s.events) - limit
	}
	out := make([]models.ThreatEvent, len(s.events)-start)
	copy(out, s.events[start:])
	return out, nil
}

func (s *MemoryStore) EventsByReceiver(_ context.Context, receiver string, limit int) ([]models.ThreatEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.ThreatEvent, 0, limit)
	for i := len(s.events) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if s.events[i].Receiver == receiver {
			out = append(out, s.events[i])
		}
	}
	return out, nil
}

func (s *MemoryStore) PendingEventCount(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int64
	for _, e := range s.events {
		if e.ID > s.lastEventID {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) MarkRebuilt(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.events) > 0 {
		s.lastEventID = s.events[len(s.events)-1].ID
	}
	return nil
}

func (s *MemoryStore) TryRebuildLock(_ context.Context) (func(), bool, error) {
	if !s.rebuildLock.TryLock() {
		return nil, false, nil
	}
	return s.rebuildLock.Unlock, true, nil
}

func (s *MemoryStore) UpsertSnapshot(_ context.Context, snapshot models.ThreatSnapshot) (models.ThreatSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.snapshots[snapshot.Receiver]
	if ok {
		snapshot.TotalReports = existing.TotalReports + 1
	} else {
		snapshot.TotalReports = 1
	}
	s.snapshots[snapshot.Receiver] = snapshot
	return snapshot, nil
}

func (s *MemoryStore) GetSnapshot(_ context.Context, receiver string) (*models.ThreatSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if snapshot, ok := s.snapshots[receiver]; ok {
		return &snapshot, nil
	}
	return nil, nil
}

func (s *MemoryStore) SnapshotsFor(_ context.Context, receivers []string) (map[string]models.ThreatSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]models.ThreatSnapshot, len(receivers))
	for _, r := range receivers {
		if snapshot, ok := s.snapshots[r]; ok {
			result[r] = snapshot
		}
	}
	return result, nil
}

func (s *MemoryStore) TopSnapshots(_ context.Context, minReports int64, limit int) ([]models.ThreatSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.ThreatSnapshot, 0)
	for _, snapshot := range s.snapshots {
		if snapshot.TotalReports >= minReports {
			out = append(out, snapshot)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ThreatScore != out[j].ThreatScore {
			return out[i].ThreatScore > out[j].ThreatScore
		}
		return out[i].Receiver < out[j].Receiver
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ListClusters(_ context.Context, includeInactive bool, limit int) ([]models.Cluster, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Cluster, 0, len(s.clusters))
	for _, c := range s.clusters {
		if c.Active || includeInactive {
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].AvgScore > out[j].AvgScore })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) AllClusters(_ context.Context) ([]models.Cluster, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Cluster, len(s.clusters))
	copy(out, s.clusters)
	return out, nil
}

// ReplaceClusters swaps the whole cluster set in one step, mirroring the
// generation flip the Postgres store performs.
func (s *MemoryStore) ReplaceClusters(_ context.Context, clusters []models.Cluster) error {
	replacement := make([]models.Cluster, len(clusters))
	copy(replacement, clusters)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.clusters = replacement
	s.generation++
	return nil
}

// Generation reports how many times the cluster set has been replaced.
func (s *MemoryStore) Generation() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.generation
}
