package intel

import (
	"strings"

	"github.com/payshield/threatintel-engine/pkg/models"
)

// Merge policy
//
// Naive clustering fragments one scam narrative into near-duplicate clusters
// differing only by incidental phrasing. MergePolicy is the explicit cascade
// that decides whether two clusters describe the same campaign: each predicate
// is named and unit-testable, and they are evaluated in a fixed priority
// order. The cascade trades some false-merge risk for much lower
// fragmentation.

// paymentSynonyms are payment-channel terms treated as equivalent in the scam
// context: a loan scam pushed over UPI and the same scam over Paytm are one
// campaign.
var paymentSynonyms = map[string]bool{
	"upi": true, "emi": true, "paytm": true, "pay": true, "payment": true,
}

// coreScamKeywords is the fixed allow-list of high-signal terms that override
// weak vector similarity.
var coreScamKeywords = map[string]bool{
	"loan": true, "otp": true, "job": true, "invest": true, "crypto": true,
	"urgent": true, "verify": true, "kyc": true, "work": true, "hiring": true,
}

// MergePolicy holds the thresholds of the cluster-merge cascade.
type MergePolicy struct {
	KeywordJaccard  float64 // predicate 2: normalized keyword Jaccard
	CentroidCosine  float64 // predicate 2: centroid cosine similarity
	KeywordOverlap  int     // predicate 3: shared normalized keywords
	CoreOverlap     int     // predicate 4: shared core scam keywords
	NameWordOverlap float64 // predicate 5: cluster-name word Jaccard
}

// DefaultMergePolicy mirrors the tuned production thresholds.
func DefaultMergePolicy() MergePolicy {
	return MergePolicy{
		KeywordJaccard:  0.4,
		CentroidCosine:  0.70,
		KeywordOverlap:  2,
		CoreOverlap:     2,
		NameWordOverlap: 2.0 / 3.0,
	}
}

// ShouldMerge evaluates the cascade in priority order and reports the first
// predicate that fires. The reason string names the predicate for logs and
// tests; it is empty when the clusters stay separate.
func (p MergePolicy) ShouldMerge(a, b models.Cluster) (bool, string) {
	kwA := normalizeKeywordSet(a.TopKeywords)
	kwB := normalizeKeywordSet(b.TopKeywords)

	if p.IdenticalKeywords(kwA, kwB) {
		return true, "identical_keywords"
	}
	if jaccard(kwA, kwB) >= p.KeywordJaccard {
		return true, "keyword_jaccard"
	}
	if CosineSimilarity(a.Centroid, b.Centroid) >= p.CentroidCosine {
		return true, "centroid_cosine"
	}
	if intersectionSize(kwA, kwB) >= p.KeywordOverlap {
		return true, "keyword_overlap"
	}
	if p.CoreKeywordsOverlap(a.TopKeywords, b.TopKeywords) {
		return true, "core_keyword_overlap"
	}
	if p.NamesOverlap(a, b, kwA, kwB) {
		return true, "name_overlap"
	}
	return false, ""
}

// IdenticalKeywords reports whether two normalized keyword sets are equal and
// non-empty.
func (p MergePolicy) IdenticalKeywords(kwA, kwB map[string]bool) bool {
	if len(kwA) == 0 || len(kwA) != len(kwB) {
		return false
	}
	for kw := range kwA {
		if !kwB[kw] {
			return false
		}
	}
	return true
}

// CoreKeywordsOverlap fires when the raw keyword intersection carries at least
// CoreOverlap core scam terms. Two refinements from production tuning: if both
// sides carry any payment-channel term, that counts as one shared core term;
// and the loan+urgent pair (the canonical loan-scam signature) merges on its
// own.
func (p MergePolicy) CoreKeywordsOverlap(rawA, rawB []string) bool {
	setA := lowerSet(rawA)
	setB := lowerSet(rawB)

	shared := make(map[string]bool)
	for kw := range setA {
		if setB[kw] && coreScamKeywords[kw] {
			shared[kw] = true
		}
	}
	if hasAny(setA, paymentSynonyms) && hasAny(setB, paymentSynonyms) {
		shared["payment"] = true
	}
	if len(shared) >= p.CoreOverlap {
		return true
	}
	return setA["loan"] && setB["loan"] && setA["urgent"] && setB["urgent"]
}

// NamesOverlap fires when the " / "-delimited name words overlap by at least
// NameWordOverlap and the clusters share at least one normalized keyword.
// Catches near-duplicates whose keyword rankings differ slightly.
func (p MergePolicy) NamesOverlap(a, b models.Cluster, kwA, kwB map[string]bool) bool {
	if intersectionSize(kwA, kwB) < 1 {
		return false
	}
	wordsA := nameWords(a.Name)
	wordsB := nameWords(b.Name)
	return jaccard(wordsA, wordsB) >= p.NameWordOverlap
}

// normalizeKeywordSet lowercases, trims, and collapses payment-channel
// synonyms to the single token "payment".
func normalizeKeywordSet(keywords []string) map[string]bool {
	out := make(map[string]bool, len(keywords))
	for _, kw := range keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw == "" {
			continue
		}
		if paymentSynonyms[kw] {
			out["payment"] = true
		} else {
			out[kw] = true
		}
	}
	return out
}

func lowerSet(keywords []string) map[string]bool {
	out := make(map[string]bool, len(keywords))
	for _, kw := range keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw != "" {
			out[kw] = true
		}
	}
	return out
}

func nameWords(name string) map[string]bool {
	out := make(map[string]bool)
	for _, w := range strings.Split(strings.ToLower(name), " / ") {
		w = strings.TrimSpace(w)
		if w != "" {
			out[w] = true
		}
	}
	return out
}

func intersectionSize(a, b map[string]bool) int {
	n := 0
	for k := range a {
		if b[k] {
			n++
		}
	}
	return n
}

func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	inter := intersectionSize(a, b)
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

func hasAny(set, wanted map[string]bool) bool {
	for k := range set {
		if wanted[k] {
			return true
		}
	}
	return false
}
