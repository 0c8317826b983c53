package intel

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"unicode"
)

// Cluster naming
//
// A cluster name is derived from the most salient keywords across its member
// messages and pattern flags, using document-frequency-weighted term
// importance (TF-IDF with smoothed IDF and L2 row normalization). The top 3
// terms become a "Loan / Otp / Urgent" style name; clusters with no
// informative terms fall back to an enumerated label.

const maxNameFeatures = 12

// englishStopwords is a compact stop list; enough to keep glue words out of
// cluster names without dragging in a full NLP dependency.
var englishStopwords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"be": true, "but": true, "by": true, "for": true, "from": true, "has": true,
	"have": true, "in": true, "is": true, "it": true, "its": true, "my": true,
	"no": true, "not": true, "of": true, "on": true, "or": true, "our": true,
	"please": true, "so": true, "that": true, "the": true, "their": true,
	"this": true, "to": true, "was": true, "we": true, "will": true,
	"with": true, "you": true, "your": true,
}

// DeriveClusterName scores keyword salience over the members' messages and
// pattern flags and returns a readable name plus the ranked keywords. When no
// informative terms exist the fallback index is used instead.
func DeriveClusterName(members []Sample, fallbackIndex int) (string, []string) {
	var docs [][]string
	for _, sample := range members {
		doc := tokenize(sample.Message + " " + strings.Join(sample.PatternFlags, " "))
		if len(doc) > 0 {
			docs = append(docs, doc)
		}
	}
	if len(docs) == 0 {
		return fmt.Sprintf("Emerging Scam Cluster #%d", fallbackIndex), nil
	}

	topKeywords := salientTerms(docs, 3)
	if len(topKeywords) == 0 {
		return fmt.Sprintf("Emerging Scam Cluster #%d", fallbackIndex), nil
	}

	parts := make([]string, len(topKeywords))
	for i, kw := range topKeywords {
		parts[i] = titleCase(kw)
	}
	return strings.Join(parts, " / "), topKeywords
}

// salientTerms ranks vocabulary terms by summed TF-IDF across docs and
// returns the top K. The vocabulary is capped at the maxNameFeatures most
// frequent terms first, mirroring a bounded-feature vectorizer.
func salientTerms(docs [][]string, k int) []string {
	// Corpus term frequency for vocabulary selection.
	corpusFreq := make(map[string]int)
	for _, doc := range docs {
		for _, term := range doc {
			corpusFreq[term]++
		}
	}
	vocab := topTermsByCount(corpusFreq, maxNameFeatures)
	if len(vocab) == 0 {
		return nil
	}
	inVocab := make(map[string]int, len(vocab))
	for i, term := range vocab {
		inVocab[term] = i
	}

	// Document frequency over the selected vocabulary.
	df := make([]int, len(vocab))
	for _, doc := range docs {
		seen := make(map[int]bool)
		for _, term := range doc {
			if idx, ok := inVocab[term]; ok && !seen[idx] {
				df[idx]++
				seen[idx] = true
			}
		}
	}

	n := float64(len(docs))
	idf := make([]float64, len(vocab))
	for i, d := range df {
		idf[i] = math.Log((1+n)/(1+float64(d))) + 1
	}

	// Sum L2-normalized TF-IDF rows.
	scores := make([]float64, len(vocab))
	row := make([]float64, len(vocab))
	for _, doc := range docs {
		for i := range row {
			row[i] = 0
		}
		for _, term := range doc {
			if idx, ok := inVocab[term]; ok {
				row[idx] += idf[idx]
			}
		}
		var norm float64
		for _, x := range row {
			norm += x * x
		}
		if norm == 0 {
			continue
		}
		norm = math.Sqrt(norm)
		for i, x := range row {
			scores[i] += x / norm
		}
	}

	type scored struct {
		term  string
		score float64
	}
	ranked := make([]scored, 0, len(vocab))
	for i, term := range vocab {
		if scores[i] > 0 {
			ranked = append(ranked, scored{term, scores[i]})
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })

	if len(ranked) > k {
		ranked = ranked[:k]
	}
	out := make([]string, len(ranked))
	for i, s := range ranked {
		out[i] = s.term
	}
	return out
}

func topTermsByCount(freq map[string]int, limit int) []string {
	terms := make([]string, 0, len(freq))
	for term := range freq {
		terms = append(terms, term)
	}
	sort.Slice(terms, func(i, j int) bool {
		if freq[terms[i]] != freq[terms[j]] {
			return freq[terms[i]] > freq[terms[j]]
		}
		return terms[i] < terms[j]
	})
	if len(terms) > limit {
		terms = terms[:limit]
	}
	return terms
}

// tokenize lowercases, splits on non-alphanumerics, and drops stopwords and
// single-character tokens.
func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	var out []string
	for _, f := range fields {
		if len(f) < 2 || englishStopwords[f] {
			continue
		}
		out = append(out, f)
	}
	return out
}

func titleCase(word string) string {
	if word == "" {
		return word
	}
	return strings.ToUpper(word[:1]) + word[1:]
}

// topKeywordsFromSamples ranks raw pattern flags by frequency, most common
// first, capped at 5. Used for emergent clusters that bypass TF-IDF naming.
func topKeywordsFromSamples(samples []Sample) []string {
	counts := make(map[string]int)
	var order []string
	for _, sample := range samples {
		for _, flag := range sample.PatternFlags {
			kw := strings.ToLower(flag)
			if counts[kw] == 0 {
				order = append(order, kw)
			}
			counts[kw]++
		}
	}
	sort.SliceStable(order, func(i, j int) bool { return counts[order[i]] > counts[order[j]] })
	if len(order) > 5 {
		order = order[:5]
	}
	return order
}
