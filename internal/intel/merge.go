package intel

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/payshield/threatintel-engine/pkg/models"
)

// Cluster merging & lifecycle
//
// Three passes run on every rebuild:
//   1. MergeSimilarClusters collapses same-batch near-duplicates under the
//      MergePolicy cascade.
//   2. MergeWithExisting reconciles the batch against the persisted cluster
//      set by centroid similarity, preserving stable cluster IDs so downstream
//      consumers see continuity rather than churn.
//   3. ApplyLifecycleRules marks undersized or stale clusters inactive without
//      deleting them, so they can be revived if matched again.

const (
	// MinClusterSize is the survival floor for both partitioning and
	// lifecycle activity.
	MinClusterSize = 3

	// ExistingMatchThreshold is the centroid cosine above which a new
	// cluster inherits an existing cluster's identity.
	ExistingMatchThreshold = 0.85

	// emergingMinMembers / emergingMinScore gate noise-group promotion.
	emergingMinMembers = 15
	emergingMinScore   = 60.0

	// staleAfter ages out clusters that stop receiving reports.
	staleAfter = 30 * 24 * time.Hour
)

// MergeSimilarClusters merges clusters discovered in the same batch. Clusters
// are processed largest-first so the bigger cluster's name and identity win.
// A first pass collapses identical-keyword duplicates; a second pass runs the
// full policy cascade on whatever remains.
func MergeSimilarClusters(clusters []models.Cluster, policy MergePolicy, now time.Time) []models.Cluster {
	if len(clusters) <= 1 {
		return clusters
	}

	sorted := make([]models.Cluster, len(clusters))
	copy(sorted, clusters)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Size > sorted[j].Size })

	used := make([]bool, len(sorted))
	var merged []models.Cluster

	// Pass 1: identical normalized keywords.
	for i := range sorted {
		if used[i] {
			continue
		}
		kwI := normalizeKeywordSet(sorted[i].TopKeywords)
		if len(kwI) == 0 {
			continue
		}
		acc := sorted[i]
		for j := i + 1; j < len(sorted); j++ {
			if used[j] {
				continue
			}
			if policy.IdenticalKeywords(kwI, normalizeKeywordSet(sorted[j].TopKeywords)) {
				acc = mergeClusterPayloads(acc, sorted[j], now)
				used[j] = true
			}
		}
		merged = append(merged, acc)
		used[i] = true
	}

	// Pass 2: full cascade over leftovers (keyword-less clusters included).
	for i := range sorted {
		if used[i] {
			continue
		}
		acc := sorted[i]
		for j := i + 1; j < len(sorted); j++ {
			if used[j] {
				continue
			}
			if ok, _ := policy.ShouldMerge(acc, sorted[j]); ok {
				acc = mergeClusterPayloads(acc, sorted[j], now)
				used[j] = true
			}
		}
		merged = append(merged, acc)
		used[i] = true
	}

	return merged
}

// MergeWithExisting matches each new cluster against the persisted set by
// maximum centroid cosine similarity. At or above the threshold the new
// cluster folds into the existing cluster's identity; below it the new
// cluster stands on its own. Persisted clusters with no match are carried
// forward unchanged.
func MergeWithExisting(newClusters, existing []models.Cluster, now time.Time) []models.Cluster {
	if len(existing) == 0 {
		return newClusters
	}

	matched := make(map[string]bool)
	var result []models.Cluster

	for _, nc := range newClusters {
		bestIdx := -1
		bestScore := -1.0
		for i, ec := range existing {
			if len(ec.Centroid) == 0 {
				continue
			}
			if score := CosineSimilarity(nc.Centroid, ec.Centroid); score > bestScore {
				bestScore = score
				bestIdx = i
			}
		}
		if bestIdx >= 0 && bestScore >= ExistingMatchThreshold {
			matched[existing[bestIdx].ClusterID] = true
			result = append(result, mergeClusterPayloads(existing[bestIdx], nc, now))
		} else {
			result = append(result, nc)
		}
	}

	for _, ec := range existing {
		if !matched[ec.ClusterID] {
			result = append(result, ec)
		}
	}
	return result
}

// mergeClusterPayloads folds `incoming` into `base`, keeping base's identity
// and name. Members union, scores re-average, keywords union and re-rank,
// centroids average.
func mergeClusterPayloads(base, incoming models.Cluster, now time.Time) models.Cluster {
	merged := base
	merged.Members = unionSorted(base.Members, incoming.Members)
	merged.Size = len(merged.Members)
	merged.AvgScore = round1((base.AvgScore + incoming.AvgScore) / 2)
	merged.TopKeywords = mergeKeywords(base.TopKeywords, incoming.TopKeywords)
	merged.Centroid = averageVectors(base.Centroid, incoming.Centroid)
	merged.UpdatedAt = now
	merged.Active = true
	return merged
}

// mergeKeywords unions two ranked keyword lists, preferring keywords present
// in both, capped at 5.
func mergeKeywords(lhs, rhs []string) []string {
	counts := make(map[string]int)
	var order []string
	for _, kw := range lhs {
		if counts[kw] == 0 {
			order = append(order, kw)
		}
		counts[kw]++
	}
	for _, kw := range rhs {
		if counts[kw] == 0 {
			order = append(order, kw)
		}
		counts[kw]++
	}
	sort.SliceStable(order, func(i, j int) bool { return counts[order[i]] > counts[order[j]] })
	if len(order) > 5 {
		order = order[:5]
	}
	return order
}

// ApplyLifecycleRules flags clusters inactive when they fall below the
// minimum size or have not been updated within the staleness window. Inactive
// clusters are retained, not deleted.
func ApplyLifecycleRules(clusters []models.Cluster, now time.Time) []models.Cluster {
	cutoff := now.Add(-staleAfter)
	for i := range clusters {
		clusters[i].Active = clusters[i].Size >= MinClusterSize && !clusters[i].UpdatedAt.Before(cutoff)
	}
	return clusters
}

// DetectEmergingClusters promotes large homogeneous noise groups that the
// distance-threshold partition under-resolved. Samples are grouped by a
// coarse signature (first 3 sorted lowercase flags, or a message prefix);
// groups with enough members and a high enough mean threat score become
// brand-new clusters.
func DetectEmergingClusters(noise []Sample, now time.Time) []models.Cluster {
	groups := make(map[string][]Sample)
	var keys []string
	for _, sample := range noise {
		key := noiseSignature(sample)
		if _, seen := groups[key]; !seen {
			keys = append(keys, key)
		}
		groups[key] = append(groups[key], sample)
	}

	var emerging []models.Cluster
	for _, key := range keys {
		samples := groups[key]
		if len(samples) < emergingMinMembers {
			continue
		}
		var sum float64
		for _, s := range samples {
			sum += s.ThreatScore
		}
		avg := sum / float64(len(samples))
		if avg < emergingMinScore {
			continue
		}

		vectors := make([][]float64, len(samples))
		indices := make([]int, len(samples))
		members := make([]string, len(samples))
		for i, s := range samples {
			vectors[i] = s.Vector
			indices[i] = i
			members[i] = s.Receiver
		}

		emerging = append(emerging, models.Cluster{
			ClusterID:   uuid.NewString(),
			Name:        fmt.Sprintf("Emerging Scam Cluster #%d", len(emerging)+1),
			Members:     members,
			Size:        len(samples),
			AvgScore:    round1(avg),
			TopKeywords: topKeywordsFromSamples(samples),
			Centroid:    meanVector(vectors, indices),
			Active:      true,
			UpdatedAt:   now,
		})
	}
	return emerging
}

// noiseSignature is the coarse grouping key for unclustered samples.
func noiseSignature(sample Sample) string {
	flags := make([]string, 0, len(sample.PatternFlags))
	for _, f := range sample.PatternFlags {
		flags = append(flags, strings.ToLower(f))
	}
	sort.Strings(flags)
	if len(flags) > 3 {
		flags = flags[:3]
	}
	if key := strings.Join(flags, "|"); key != "" {
		return key
	}
	msg := strings.ToLower(sample.Message)
	if len(msg) > 32 {
		msg = msg[:32]
	}
	return msg
}

func unionSorted(a, b []string) []string {
	set := make(map[string]bool, len(a)+len(b))
	for _, m := range a {
		set[m] = true
	}
	for _, m := range b {
		set[m] = true
	}
	out := make([]string, 0, len(set))
	for m := range set {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

func round1(x float64) float64 {
	return math.Round(x*10) / 10
}
