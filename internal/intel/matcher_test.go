package intel

import (
	"math"
	"testing"

	"github.com/payshield/threatintel-engine/pkg/models"
)

func activeCluster(id string, centroid []float64, keywords ...string) models.Cluster {
	return models.Cluster{
		ClusterID:   id,
		Name:        id,
		Size:        5,
		TopKeywords: keywords,
		Centroid:    centroid,
		Active:      true,
	}
}

func TestMatchClusters_VectorSimilarity(t *testing.T) {
	clusters := []models.Cluster{activeCluster("loans", []float64{1, 0, 0}, "loan")}

	match := MatchClusters([]float64{0.99, 0.05, 0}, nil, clusters, 0)

	if match == nil {
		t.Fatal("Expected a vector-similarity match")
	}
	if match.ClusterID != "loans" {
		t.Errorf("Expected match against loans. Got: %s", match.ClusterID)
	}
	if match.VectorSimilarity < 0.95 {
		t.Errorf("Expected high vector similarity. Got: %f", match.VectorSimilarity)
	}
}

func TestMatchClusters_KeywordOnlyMatch(t *testing.T) {
	// Orthogonal vector, identical keyword set.
	clusters := []models.Cluster{activeCluster("loans", []float64{1, 0}, "loan", "urgent")}

	match := MatchClusters([]float64{0, 1}, []string{"loan", "urgent"}, clusters, 0)

	if match == nil {
		t.Fatal("Expected a keyword-driven match despite vector disagreement")
	}
	if match.KeywordSimilarity != 1 {
		t.Errorf("Expected keyword similarity 1. Got: %f", match.KeywordSimilarity)
	}
	if match.Similarity < match.KeywordSimilarity {
		t.Errorf("Expected reported similarity to honor the keyword score. Got: %f", match.Similarity)
	}
}

func TestMatchClusters_CoreKeywordOverrideFloorsSimilarity(t *testing.T) {
	// Vector similarity 0.35 clears the core floor of 0.30 but not the 0.70
	// threshold; the shared core keyword carries the match and the reported
	// similarity is floored at 0.70.
	centroid := []float64{0.35, math.Sqrt(1 - 0.35*0.35)}
	clusters := []models.Cluster{activeCluster("loans", centroid, "loan", "verification")}

	match := MatchClusters([]float64{1, 0}, []string{"loan"}, clusters, 0)

	if match == nil {
		t.Fatal("Expected a core-keyword match")
	}
	if match.Similarity != 0.70 {
		t.Errorf("Expected similarity floored at 0.70. Got: %f", match.Similarity)
	}
}

func TestMatchClusters_BelowCoreFloorNoMatch(t *testing.T) {
	centroid := []float64{0.2, math.Sqrt(1 - 0.2*0.2)}
	clusters := []models.Cluster{activeCluster("loans", centroid, "loan", "verification")}

	if match := MatchClusters([]float64{1, 0}, []string{"loan"}, clusters, 0); match != nil {
		t.Errorf("Expected no match below the core vector floor. Got: %+v", match)
	}
}

func TestMatchClusters_SkipsInactiveClusters(t *testing.T) {
	inactive := activeCluster("dormant", []float64{1, 0}, "loan")
	inactive.Active = false

	if match := MatchClusters([]float64{1, 0}, []string{"loan"}, []models.Cluster{inactive}, 0); match != nil {
		t.Errorf("Expected inactive clusters to be skipped. Got: %+v", match)
	}
}

func TestMatchClusters_PicksBestCandidate(t *testing.T) {
	clusters := []models.Cluster{
		activeCluster("close", []float64{0.9, math.Sqrt(1 - 0.81)}, "loan"),
		activeCluster("closest", []float64{1, 0}, "loan"),
	}

	match := MatchClusters([]float64{1, 0}, nil, clusters, 0)

	if match == nil {
		t.Fatal("Expected a match")
	}
	if match.ClusterID != "closest" {
		t.Errorf("Expected the best-scoring cluster to win. Got: %s", match.ClusterID)
	}
}
