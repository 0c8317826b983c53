package intel

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
)

// Feature Encoder
//
// Turns a free-text transaction message plus pattern-agent keyword flags plus
// per-agent risk scores into one fixed-length vector:
//
//   [ embedding (L2-normalized) | 128 keyword hash buckets | 8 agent-score slots ]
//
// The fixed layout keeps old and new vectors comparable as the agent roster
// evolves: agents beyond the slot budget are silently dropped, missing agents
// are zero-filled. Keyword buckets are a lossy bag-of-keywords signature;
// collisions only reduce discriminative power, never crash.

const (
	// KeywordBuckets is the keyword signature width. Tunable trade-off
	// between discriminative power and vector size.
	KeywordBuckets = 128

	// AgentScoreSlots bounds the per-agent score tail of the vector.
	AgentScoreSlots = 8
)

// Embedder produces a dense sentence embedding for a text. Implementations
// call out to a pretrained model and are treated as fallible external calls.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// Encoder builds clustering feature vectors. It is stateless apart from the
// (immutable, versioned) embedding model behind the Embedder.
type Encoder struct {
	embedder Embedder
}

func NewEncoder(embedder Embedder) *Encoder {
	return &Encoder{embedder: embedder}
}

// Encode is a pure function of its inputs plus the embedding model. Two calls
// with identical arguments yield identical vectors: the keyword part uses
// FNV-1a (stable across processes) and the score part is a fixed projection.
func (e *Encoder) Encode(ctx context.Context, message string, patternFlags []string, agentScores []float64) ([]float64, error) {
	embedding, err := e.embedder.Embed(ctx, message)
	if err != nil {
		return nil, fmt.Errorf("embed message: %w", err)
	}
	l2Normalize(embedding)

	vector := make([]float64, 0, len(embedding)+KeywordBuckets+AgentScoreSlots)
	vector = append(vector, embedding...)

	keywordPart := make([]float64, KeywordBuckets)
	for _, flag := range patternFlags {
		if flag == "" {
			continue
		}
		keywordPart[keywordBucket(flag)] = 1.0
	}
	vector = append(vector, keywordPart...)

	scorePart := make([]float64, AgentScoreSlots)
	for i, score := range agentScores {
		if i >= AgentScoreSlots {
			break
		}
		scorePart[i] = score / 100.0
	}
	vector = append(vector, scorePart...)

	return vector, nil
}

// keywordBucket maps a pattern flag to its hash bucket. Case-insensitive and
// order-independent across the flag list.
func keywordBucket(flag string) int {
	h := fnv.New32a()
	h.Write([]byte(strings.ToLower(flag)))
	return int(h.Sum32() % KeywordBuckets)
}

// l2Normalize scales v to unit length in place. Zero vectors are left as-is so
// cosine against them is well defined (treated as zero similarity downstream).
func l2Normalize(v []float64) {
	var sum float64
	for _, x := range v {
		sum += x * x
	}
	if sum == 0 {
		return
	}
	norm := math.Sqrt(sum)
	for i := range v {
		v[i] /= norm
	}
}

// CosineSimilarity returns the cosine of the angle between two vectors, or 0
// when either has zero magnitude or the dimensions disagree.
func CosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
