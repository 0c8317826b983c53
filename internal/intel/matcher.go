package intel

import (
	"math"

	"github.com/payshield/threatintel-engine/pkg/models"
)

// Real-Time Cluster Matcher
//
// Answers "does this transaction look like a known scam campaign?" before any
// report is filed, so the caller can warn the sender pre-transfer. The match
// is read-only: it never touches cluster state and is safe to run on every
// transaction analysis, including during a concurrent rebuild (it may then see
// a slightly stale cluster set).

// DefaultMatchThreshold is the vector-similarity bar for a plain match.
const DefaultMatchThreshold = 0.70

// coreMatchVectorFloor is the minimum vector similarity required for a
// core-keyword override, and coreMatchReported is the similarity such a match
// reports: core terms are trusted even when the text embedding diverges.
const (
	coreMatchVectorFloor = 0.30
	coreMatchReported    = 0.70
)

// MatchClusters compares a candidate feature vector and its pattern flags
// against active clusters and returns the best-scoring match, or nil.
//
// A cluster matches under any of, in order of trust:
//   - vector cosine >= threshold
//   - keyword Jaccard >= 0.5 with >= 2 overlapping keywords
//   - >= 1 shared core scam keyword with vector cosine >= 0.30
//     (reported similarity floored at 0.70)
//   - combined score (0.7·vector + 0.3·keyword) >= threshold
//
// Candidates are ranked by the combined score.
func MatchClusters(vector []float64, patternFlags []string, clusters []models.Cluster, threshold float64) *models.ClusterMatch {
	if threshold <= 0 {
		threshold = DefaultMatchThreshold
	}

	candidateKeywords := normalizeKeywordSet(patternFlags)

	var best *models.ClusterMatch
	bestSimilarity := 0.0

	for _, cluster := range clusters {
		if !cluster.Active || len(cluster.Centroid) == 0 {
			continue
		}

		vectorSim := CosineSimilarity(vector, cluster.Centroid)

		clusterKeywords := normalizeKeywordSet(cluster.TopKeywords)
		overlap := intersectionSize(candidateKeywords, clusterKeywords)
		keywordSim := jaccard(candidateKeywords, clusterKeywords)

		sharedCore := 0
		for kw := range candidateKeywords {
			if clusterKeywords[kw] && coreScamKeywords[kw] {
				sharedCore++
			}
		}

		combined := vectorSim*0.7 + keywordSim*0.3

		matched := false
		switch {
		case vectorSim >= threshold:
			matched = true
		case keywordSim >= 0.5 && overlap >= 2:
			matched = true
			if keywordSim > combined {
				combined = keywordSim
			}
		case sharedCore >= 1 && vectorSim >= coreMatchVectorFloor:
			matched = true
			if combined < coreMatchReported {
				combined = coreMatchReported
			}
		case combined >= threshold:
			matched = true
		}

		if matched && combined > bestSimilarity {
			bestSimilarity = combined
			best = &models.ClusterMatch{
				ClusterSummary:    cluster.Summary(false),
				Similarity:        round3(combined),
				VectorSimilarity:  round3(vectorSim),
				KeywordSimilarity: round3(keywordSim),
			}
		}
	}

	return best
}

func round3(x float64) float64 {
	return math.Round(x*1000) / 1000
}
