package intel

import (
	"testing"

	"github.com/payshield/threatintel-engine/pkg/models"
)

func clusterWithKeywords(keywords ...string) models.Cluster {
	return models.Cluster{TopKeywords: keywords}
}

func TestShouldMerge_IdenticalKeywords(t *testing.T) {
	policy := DefaultMergePolicy()

	a := clusterWithKeywords("Loan", "Urgent")
	b := clusterWithKeywords("urgent", "loan")

	ok, reason := policy.ShouldMerge(a, b)
	if !ok || reason != "identical_keywords" {
		t.Errorf("Expected identical_keywords merge. Got: %v, %q", ok, reason)
	}
}

func TestShouldMerge_PaymentSynonymsNormalize(t *testing.T) {
	policy := DefaultMergePolicy()

	// upi and paytm both collapse to the "payment" token.
	a := clusterWithKeywords("upi")
	b := clusterWithKeywords("paytm")

	ok, reason := policy.ShouldMerge(a, b)
	if !ok || reason != "identical_keywords" {
		t.Errorf("Expected payment synonyms to merge as identical keywords. Got: %v, %q", ok, reason)
	}
}

func TestShouldMerge_KeywordJaccard(t *testing.T) {
	policy := DefaultMergePolicy()

	// 2 shared / 4 union = 0.5 >= 0.4
	a := clusterWithKeywords("loan", "urgent", "emi")
	b := clusterWithKeywords("loan", "urgent", "interest")

	ok, reason := policy.ShouldMerge(a, b)
	if !ok || reason != "keyword_jaccard" {
		t.Errorf("Expected keyword_jaccard merge. Got: %v, %q", ok, reason)
	}
}

func TestShouldMerge_CentroidCosine(t *testing.T) {
	policy := DefaultMergePolicy()

	a := models.Cluster{TopKeywords: []string{"alpha"}, Centroid: []float64{1, 0.1}}
	b := models.Cluster{TopKeywords: []string{"beta"}, Centroid: []float64{1, 0}}

	ok, reason := policy.ShouldMerge(a, b)
	if !ok || reason != "centroid_cosine" {
		t.Errorf("Expected centroid_cosine merge. Got: %v, %q", ok, reason)
	}
}

func TestShouldMerge_CoreKeywordOverlap(t *testing.T) {
	policy := DefaultMergePolicy()

	// Jaccard is 2/8 = 0.25 (below 0.4) and raw overlap of normalized sets is
	// 2, which fires keyword_overlap before the core predicate.
	a := models.Cluster{TopKeywords: []string{"loan", "otp", "alpha", "beta", "gamma"}}
	b := models.Cluster{TopKeywords: []string{"loan", "otp", "delta", "epsilon", "zeta"}}

	ok, reason := policy.ShouldMerge(a, b)
	if !ok || reason != "keyword_overlap" {
		t.Errorf("Expected keyword_overlap merge. Got: %v, %q", ok, reason)
	}
}

func TestCoreKeywordsOverlap_PaymentCountsOnce(t *testing.T) {
	policy := DefaultMergePolicy()

	// One shared core term (otp) plus payment terms on both sides = 2.
	if !policy.CoreKeywordsOverlap([]string{"otp", "upi"}, []string{"otp", "paytm"}) {
		t.Error("Expected payment channels on both sides to count as one shared core term")
	}

	// Payment terms alone only contribute one shared term.
	if policy.CoreKeywordsOverlap([]string{"upi"}, []string{"paytm"}) {
		t.Error("Expected payment channels alone to fall short of the core overlap floor")
	}
}

func TestCoreKeywordsOverlap_LoanUrgentPair(t *testing.T) {
	policy := DefaultMergePolicy()

	// urgent is core but loan+urgent on both sides merges even though the
	// shared core count would otherwise decide.
	if !policy.CoreKeywordsOverlap([]string{"loan", "urgent"}, []string{"loan", "urgent"}) {
		t.Error("Expected the loan+urgent signature to merge on its own")
	}
	if policy.CoreKeywordsOverlap([]string{"loan"}, []string{"loan"}) {
		t.Error("Expected a single shared core term to fall short")
	}
}

func TestShouldMerge_NameOverlap(t *testing.T) {
	policy := DefaultMergePolicy()

	// One shared keyword, name-word Jaccard is 2/3.
	a := models.Cluster{
		Name:        "Loan / Urgent / Emi",
		TopKeywords: []string{"loan", "alpha"},
		Centroid:    []float64{1, 0},
	}
	b := models.Cluster{
		Name:        "Loan / Urgent",
		TopKeywords: []string{"loan", "beta"},
		Centroid:    []float64{0, 1},
	}

	ok, reason := policy.ShouldMerge(a, b)
	if !ok || reason != "name_overlap" {
		t.Errorf("Expected name_overlap merge. Got: %v, %q", ok, reason)
	}
}

func TestShouldMerge_UnrelatedClustersStaySeparate(t *testing.T) {
	policy := DefaultMergePolicy()

	a := models.Cluster{
		Name:        "Loan / Emi",
		TopKeywords: []string{"loan", "emi"},
		Centroid:    []float64{1, 0},
	}
	b := models.Cluster{
		Name:        "Lottery / Winner",
		TopKeywords: []string{"lottery", "winner"},
		Centroid:    []float64{0, 1},
	}

	if ok, reason := policy.ShouldMerge(a, b); ok {
		t.Errorf("Expected unrelated clusters to stay separate. Merged via %q", reason)
	}
}
