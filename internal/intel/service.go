package intel

import (
	"context"
	"log"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/payshield/threatintel-engine/internal/metrics"
	"github.com/payshield/threatintel-engine/pkg/models"
)

// Central Threat Intelligence Hub
//
// Owns the per-payee threat snapshots, the append-only report event log, and
// the dynamic scam-cluster set. Every operation on the transaction-analysis
// path degrades instead of failing: reads return empty results on store
// trouble, writes log and continue, and embedding failures skip
// clustering-dependent work while the snapshot update still lands.

// Agent names as they appear in the uniform agent-output contract.
const (
	PatternAgentName  = "Pattern Agent"
	BehaviorAgentName = "Behavior Agent"
)

const (
	// RefreshThreshold is the pending-report count that triggers a rebuild.
	RefreshThreshold = 10

	// EventWindow bounds how much history a rebuild replays.
	EventWindow = 600

	// DistanceThreshold is the agglomerative partition cut (Ward linkage).
	DistanceThreshold = 4.0

	trendingMinReports = 5
)

// Service is the threat intelligence hub.
type Service struct {
	store   Store
	encoder *Encoder
	policy  MergePolicy
	alerts  *AlertManager
}

// NewService wires the hub. alerts may be nil when no alert sink is attached.
func NewService(store Store, encoder *Encoder, alerts *AlertManager) *Service {
	return &Service{
		store:   store,
		encoder: encoder,
		policy:  DefaultMergePolicy(),
		alerts:  alerts,
	}
}

// UpdateSnapshot recomputes the payee's aggregate record from the latest
// agent outputs and returns the refreshed snapshot. All metric fields are
// replaced wholesale; only total_reports accumulates (atomic increment in the
// store). A missing receiver is a no-op returning the zero snapshot.
func (s *Service) UpdateSnapshot(ctx context.Context, receiver string, agentOutputs []models.AgentOutput, transaction models.Transaction) models.ThreatSnapshot {
	if receiver == "" {
		return models.ThreatSnapshot{}
	}

	snapshot := deriveSnapshot(receiver, agentOutputs, transaction, time.Now().UTC())

	stored, err := s.store.UpsertSnapshot(ctx, snapshot)
	if err != nil {
		log.Printf("[ThreatIntel] Failed to upsert snapshot for %s: %v", receiver, err)
		return snapshot
	}

	if s.alerts != nil {
		s.alerts.EmitFromSnapshot(stored)
	}
	return stored
}

// RecordEvent appends the raw report to the event log. When the pending-event
// count (derived from the log, shared across instances) reaches the refresh
// threshold, a cluster rebuild runs synchronously on this request.
func (s *Service) RecordEvent(ctx context.Context, transaction models.Transaction, agentOutputs []models.AgentOutput) {
	if transaction.Receiver == "" {
		return
	}

	event := models.ThreatEvent{
		Receiver:     transaction.Receiver,
		AgentOutputs: agentOutputs,
		Transaction: models.TransactionContext{
			Amount: transaction.Amount,
			Reason: transaction.Reason,
			UserID: transaction.UserID,
		},
		Timestamp: time.Now().UTC(),
	}
	if err := s.store.AppendEvent(ctx, event); err != nil {
		log.Printf("[ThreatIntel] Failed to append threat event for %s: %v", transaction.Receiver, err)
		return
	}

	pending, err := s.store.PendingEventCount(ctx)
	if err != nil {
		log.Printf("[ThreatIntel] Failed to read pending event count: %v", err)
		return
	}
	if pending >= RefreshThreshold {
		s.Rebuild(ctx, false)
	}
}

// Score returns the cached threat score for a payee, 0 when unknown.
func (s *Service) Score(ctx context.Context, receiver string) float64 {
	if receiver == "" {
		return 0
	}
	snapshot, err := s.store.GetSnapshot(ctx, receiver)
	if err != nil {
		log.Printf("[ThreatIntel] Failed to load snapshot for %s: %v", receiver, err)
		return 0
	}
	if snapshot == nil {
		return 0
	}
	return snapshot.ThreatScore
}

// Snapshot returns the payee's aggregate record, or nil when unknown.
func (s *Service) Snapshot(ctx context.Context, receiver string) *models.ThreatSnapshot {
	if receiver == "" {
		return nil
	}
	snapshot, err := s.store.GetSnapshot(ctx, receiver)
	if err != nil {
		log.Printf("[ThreatIntel] Failed to load snapshot for %s: %v", receiver, err)
		return nil
	}
	return snapshot
}

// History returns the payee's most recent report events, newest first.
func (s *Service) History(ctx context.Context, receiver string, limit int) []models.ThreatEvent {
	if receiver == "" {
		return nil
	}
	if limit <= 0 {
		limit = 25
	}
	events, err := s.store.EventsByReceiver(ctx, receiver, limit)
	if err != nil {
		log.Printf("[ThreatIntel] Failed to load history for %s: %v", receiver, err)
		return nil
	}
	return events
}

// Trending returns the top payees by threat score among those with enough
// reports to be trustworthy (a minimum-evidence floor keeps one noisy report
// off the list).
func (s *Service) Trending(ctx context.Context, limit int) []models.ThreatSnapshot {
	if limit <= 0 {
		limit = 5
	}
	snapshots, err := s.store.TopSnapshots(ctx, trendingMinReports, limit)
	if err != nil {
		log.Printf("[ThreatIntel] Failed to load trending threats: %v", err)
		return nil
	}
	return snapshots
}

// Clusters returns the top clusters by average score. Inactive clusters are
// hidden unless requested. An empty result may mean "mid-rebuild" rather than
// "no clusters": callers should degrade, not error.
func (s *Service) Clusters(ctx context.Context, includeInactive bool, limit int) []models.ClusterSummary {
	if limit <= 0 {
		limit = 5
	}
	clusters, err := s.store.ListClusters(ctx, includeInactive, limit)
	if err != nil {
		log.Printf("[ThreatIntel] Failed to load clusters: %v", err)
		return nil
	}
	summaries := make([]models.ClusterSummary, len(clusters))
	for i, c := range clusters {
		summaries[i] = c.Summary(true)
	}
	return summaries
}

// CheckMember reports whether a payee belongs to any active cluster.
func (s *Service) CheckMember(ctx context.Context, receiver string) *models.ClusterSummary {
	if receiver == "" {
		return nil
	}
	clusters, err := s.store.ListClusters(ctx, false, 20)
	if err != nil {
		log.Printf("[ThreatIntel] Failed to load clusters for membership check: %v", err)
		return nil
	}
	for _, cluster := range clusters {
		for _, member := range cluster.Members {
			if member == receiver {
				summary := cluster.Summary(false)
				return &summary
			}
		}
	}
	return nil
}

// CheckTrending reports whether a payee currently sits in the trending list.
func (s *Service) CheckTrending(ctx context.Context, receiver string) *models.ThreatSnapshot {
	if receiver == "" {
		return nil
	}
	for _, snapshot := range s.Trending(ctx, 10) {
		if snapshot.Receiver == receiver {
			return &snapshot
		}
	}
	return nil
}

// Match checks a just-submitted transaction against known clusters before any
// report is filed. Read-only: nothing is persisted, so it is safe on every
// transaction analysis, including during a concurrent rebuild.
func (s *Service) Match(ctx context.Context, transaction models.Transaction, agentOutputs []models.AgentOutput, threshold float64) *models.ClusterMatch {
	clusters, err := s.store.AllClusters(ctx)
	if err != nil {
		log.Printf("[ThreatIntel] Failed to load clusters for matching: %v", err)
		return nil
	}
	if len(clusters) == 0 {
		return nil
	}

	message := strings.TrimSpace(transaction.Reason)
	patternFlags := extractPatternFlags(agentOutputs)
	agentScores := collectAgentScores(agentOutputs)

	vector, err := s.encoder.Encode(ctx, strings.TrimSpace(message+" "+transaction.Receiver), patternFlags, agentScores)
	if err != nil {
		log.Printf("[ThreatIntel] Skipping cluster match, feature encoding failed: %v", err)
		return nil
	}

	match := MatchClusters(vector, patternFlags, clusters, threshold)
	if match != nil && s.alerts != nil {
		s.alerts.EmitFromMatch(transaction.Receiver, *match)
	}
	return match
}

// Rebuild re-derives the full cluster set from the recent event window. Only
// one instance rebuilds at a time; a failed rebuild leaves the persisted
// clusters untouched (the generation flip only happens after the new set is
// fully computed).
func (s *Service) Rebuild(ctx context.Context, force bool) {
	if !force {
		pending, err := s.store.PendingEventCount(ctx)
		if err != nil || pending < RefreshThreshold {
			return
		}
	}

	release, acquired, err := s.store.TryRebuildLock(ctx)
	if err != nil {
		log.Printf("[Rebuild] Failed to acquire rebuild lock: %v", err)
		return
	}
	if !acquired {
		log.Println("[Rebuild] Another instance is rebuilding, skipping")
		return
	}
	defer release()

	events, err := s.store.RecentEvents(ctx, EventWindow)
	if err != nil {
		log.Printf("[Rebuild] Failed to load recent events: %v", err)
		return
	}
	if len(events) == 0 {
		return
	}

	samples := s.buildSamples(ctx, events)
	if len(samples) == 0 {
		return
	}

	vectors := make([][]float64, len(samples))
	for i, sample := range samples {
		vectors[i] = sample.Vector
	}
	labels, centers := ClusterVectors(vectors, DistanceThreshold, MinClusterSize)

	grouped := make(map[int][]Sample)
	var noise []Sample
	for i, label := range labels {
		if label == NoiseLabel {
			noise = append(noise, samples[i])
			continue
		}
		grouped[label] = append(grouped[label], samples[i])
	}

	now := time.Now().UTC()
	var newClusters []models.Cluster
	clusterIndex := 1
	for label := 0; ; label++ {
		members, ok := grouped[label]
		if !ok {
			break
		}
		centroid := centers[label]
		name, topKeywords := DeriveClusterName(members, clusterIndex)

		memberSet := make(map[string]bool)
		var sum float64
		for _, m := range members {
			memberSet[m.Receiver] = true
			sum += m.ThreatScore
		}
		receivers := make([]string, 0, len(memberSet))
		for r := range memberSet {
			receivers = append(receivers, r)
		}
		sort.Strings(receivers)

		newClusters = append(newClusters, models.Cluster{
			ClusterID:   uuid.NewString(),
			Name:        name,
			Members:     receivers,
			Size:        len(receivers),
			AvgScore:    round1(sum / float64(len(members))),
			TopKeywords: topKeywords,
			Centroid:    centroid,
			Active:      true,
			UpdatedAt:   now,
		})
		clusterIndex++
	}

	newClusters = append(newClusters, DetectEmergingClusters(noise, now)...)

	// Collapse same-batch near-duplicates before touching history.
	newClusters = MergeSimilarClusters(newClusters, s.policy, now)

	existing, err := s.store.AllClusters(ctx)
	if err != nil {
		log.Printf("[Rebuild] Failed to load existing clusters, aborting rebuild: %v", err)
		return
	}
	if len(existing) > 0 {
		existing = MergeSimilarClusters(existing, s.policy, now)
	}

	merged := MergeWithExisting(newClusters, existing, now)
	// Final pass catches cross-batch duplicates the pairwise steps missed.
	merged = MergeSimilarClusters(merged, s.policy, now)
	merged = ApplyLifecycleRules(merged, now)

	logPartitionDrift(existing, merged)

	if err := s.store.ReplaceClusters(ctx, merged); err != nil {
		log.Printf("[Rebuild] Failed to commit cluster set: %v", err)
		return
	}
	if err := s.store.MarkRebuilt(ctx); err != nil {
		log.Printf("[Rebuild] Failed to advance rebuild watermark: %v", err)
	}

	log.Printf("[Rebuild] Cluster set rebuilt: %d samples → %d clusters (%d noise)",
		len(samples), len(merged), len(noise))
}

// buildSamples encodes the event window into clustering samples. Events whose
// embedding call fails are skipped with a log line; the rebuild proceeds on
// whatever encoded cleanly.
func (s *Service) buildSamples(ctx context.Context, events []models.ThreatEvent) []Sample {
	receiverSet := make(map[string]bool)
	for _, ev := range events {
		if ev.Receiver != "" {
			receiverSet[ev.Receiver] = true
		}
	}
	receivers := make([]string, 0, len(receiverSet))
	for r := range receiverSet {
		receivers = append(receivers, r)
	}

	snapshots, err := s.store.SnapshotsFor(ctx, receivers)
	if err != nil {
		log.Printf("[Rebuild] Failed to load snapshots for event window: %v", err)
		snapshots = map[string]models.ThreatSnapshot{}
	}

	var samples []Sample
	for _, ev := range events {
		if ev.Receiver == "" {
			continue
		}
		message := strings.TrimSpace(ev.Transaction.Reason)
		patternFlags := extractPatternFlags(ev.AgentOutputs)
		agentScores := collectAgentScores(ev.AgentOutputs)

		vector, err := s.encoder.Encode(ctx, strings.TrimSpace(message+" "+ev.Receiver), patternFlags, agentScores)
		if err != nil {
			log.Printf("[Rebuild] Skipping event for %s, encoding failed: %v", ev.Receiver, err)
			continue
		}

		samples = append(samples, Sample{
			Receiver:     ev.Receiver,
			Message:      message,
			PatternFlags: patternFlags,
			AgentScores:  agentScores,
			ThreatScore:  snapshots[ev.Receiver].ThreatScore,
			Timestamp:    ev.Timestamp,
			Vector:       vector,
		})
	}
	return samples
}

// deriveSnapshot computes the full metric set from the latest agent outputs.
//
// threat_score = min(100, 0.6·avg_agent_risk + 0.2·behavior_anomalies
//   + 0.15·velocity_score + 0.05·geo_anomalies + min(5·|pattern_flags|, 20))
func deriveSnapshot(receiver string, agentOutputs []models.AgentOutput, transaction models.Transaction, now time.Time) models.ThreatSnapshot {
	avgAgentRisk := averageRisk(agentOutputs)
	behaviorAnomalies := agentScore(agentOutputs, BehaviorAgentName)
	patternFlags := extractPatternFlags(agentOutputs)
	velocityScore := computeVelocityScore(transaction)
	geoAnomalies := transaction.GeoAnomalyScore
	patternBonus := math.Min(float64(len(patternFlags))*5, 20)

	threatScore := round1(math.Min(100,
		avgAgentRisk*0.6+behaviorAnomalies*0.2+velocityScore*0.15+geoAnomalies*0.05+patternBonus))

	return models.ThreatSnapshot{
		Receiver:          receiver,
		ThreatScore:       threatScore,
		AvgAgentRisk:      round1(avgAgentRisk),
		BehaviorAnomalies: round1(behaviorAnomalies),
		PatternFlags:      patternFlags,
		VelocityScore:     round1(velocityScore),
		GeoAnomalies:      round1(geoAnomalies),
		LastSeen:          now,
	}
}

// computeVelocityScore is the amount-tiered heuristic with a late-night
// bonus: large transfers pushed at odd hours are a strong mule-account tell.
func computeVelocityScore(transaction models.Transaction) float64 {
	velocity := 0.0
	switch {
	case transaction.Amount >= 20000:
		velocity += 40
	case transaction.Amount >= 10000:
		velocity += 25
	case transaction.Amount >= 5000:
		velocity += 15
	}

	if hour, ok := parseHour(transaction.Time); ok && (hour >= 22 || hour <= 5) {
		velocity += 15
	}
	return math.Min(100, velocity)
}

func parseHour(clock string) (int, bool) {
	if clock == "" {
		return 0, false
	}
	parts := strings.SplitN(clock, ":", 2)
	hour, err := strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, false
	}
	return hour, true
}

func averageRisk(agentOutputs []models.AgentOutput) float64 {
	if len(agentOutputs) == 0 {
		return 0
	}
	var sum float64
	for _, out := range agentOutputs {
		sum += out.RiskScore
	}
	return sum / float64(len(agentOutputs))
}

func agentScore(agentOutputs []models.AgentOutput, agentName string) float64 {
	for _, out := range agentOutputs {
		if out.AgentName == agentName {
			return out.RiskScore
		}
	}
	return 0
}

// extractPatternFlags pulls up to 5 evidence strings from the pattern agent.
func extractPatternFlags(agentOutputs []models.AgentOutput) []string {
	for _, out := range agentOutputs {
		if out.AgentName == PatternAgentName {
			if len(out.Evidence) > 5 {
				return out.Evidence[:5]
			}
			return out.Evidence
		}
	}
	return nil
}

func collectAgentScores(agentOutputs []models.AgentOutput) []float64 {
	scores := make([]float64, 0, len(agentOutputs))
	for _, out := range agentOutputs {
		scores = append(scores, out.RiskScore)
	}
	return scores
}

// logPartitionDrift compares membership before and after a rebuild over the
// receivers present in both, surfacing cluster collapse or churn that
// centroid matching failed to absorb.
func logPartitionDrift(before, after []models.Cluster) {
	previous := membershipIndex(before)
	current := membershipIndex(after)

	var prevLabels, nextLabels []int
	for receiver, prevLabel := range previous {
		if nextLabel, ok := current[receiver]; ok {
			prevLabels = append(prevLabels, prevLabel)
			nextLabels = append(nextLabels, nextLabel)
		}
	}
	if len(prevLabels) < 2 {
		return
	}

	ari := metrics.AdjustedRandIndex(nextLabels, prevLabels)
	vi := metrics.VariationOfInformation(nextLabels, prevLabels)
	log.Printf("[Rebuild] Partition drift over %d shared payees: ARI=%.3f VI=%.3f", len(prevLabels), ari, vi)
}

func membershipIndex(clusters []models.Cluster) map[string]int {
	index := make(map[string]int)
	for i, cluster := range clusters {
		for _, member := range cluster.Members {
			if _, seen := index[member]; !seen {
				index[member] = i
			}
		}
	}
	return index
}
