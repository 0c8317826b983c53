package intel

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"
)

// stubEmbedder maps a small set of topic words onto fixed axes so tests get
// deterministic, well-separated embeddings without a model server.
type stubEmbedder struct {
	fail bool
}

func (s *stubEmbedder) Embed(_ context.Context, text string) ([]float64, error) {
	if s.fail {
		return nil, errors.New("embedding backend down")
	}
	axes := map[string]int{
		"loan":   0,
		"job":    1,
		"crypto": 2,
		"otp":    3,
	}
	vec := make([]float64, 8)
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		if axis, ok := axes[tok]; ok {
			vec[axis] += 1.0
		}
	}
	return vec, nil
}

type fixedEmbedder struct {
	vec []float64
}

func (f *fixedEmbedder) Embed(context.Context, string) ([]float64, error) {
	out := make([]float64, len(f.vec))
	copy(out, f.vec)
	return out, nil
}

func TestEncode_VectorLayout(t *testing.T) {
	enc := NewEncoder(&fixedEmbedder{vec: []float64{3, 4}})

	vec, err := enc.Encode(context.Background(), "urgent loan", []string{"loan"}, []float64{80, 60})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	wantLen := 2 + KeywordBuckets + AgentScoreSlots
	if len(vec) != wantLen {
		t.Fatalf("Expected vector length %d. Got: %d", wantLen, len(vec))
	}

	// Embedding part is L2-normalized: [3,4] -> [0.6,0.8]
	if math.Abs(vec[0]-0.6) > 1e-9 || math.Abs(vec[1]-0.8) > 1e-9 {
		t.Errorf("Expected normalized embedding [0.6 0.8]. Got: [%f %f]", vec[0], vec[1])
	}

	// Agent scores land in the tail, divided by 100.
	scoreStart := 2 + KeywordBuckets
	if vec[scoreStart] != 0.8 || vec[scoreStart+1] != 0.6 {
		t.Errorf("Expected score slots [0.8 0.6]. Got: [%f %f]", vec[scoreStart], vec[scoreStart+1])
	}
}

func TestEncode_Deterministic(t *testing.T) {
	enc := NewEncoder(&stubEmbedder{})

	a, err := enc.Encode(context.Background(), "loan otp", []string{"Loan", "urgent"}, []float64{70})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	b, err := enc.Encode(context.Background(), "loan otp", []string{"Loan", "urgent"}, []float64{70})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("Expected identical vectors for identical inputs. Differ at %d: %f vs %f", i, a[i], b[i])
		}
	}
}

func TestEncode_KeywordBucketsCaseInsensitive(t *testing.T) {
	enc := NewEncoder(&fixedEmbedder{vec: []float64{1}})

	lower, _ := enc.Encode(context.Background(), "x", []string{"loan"}, nil)
	upper, _ := enc.Encode(context.Background(), "x", []string{"LOAN"}, nil)

	for i := 1; i < 1+KeywordBuckets; i++ {
		if lower[i] != upper[i] {
			t.Fatalf("Expected same keyword buckets for LOAN and loan. Differ at bucket %d", i-1)
		}
	}
}

func TestEncode_ExtraAgentScoresDropped(t *testing.T) {
	enc := NewEncoder(&fixedEmbedder{vec: []float64{1}})

	scores := make([]float64, AgentScoreSlots+3)
	for i := range scores {
		scores[i] = 50
	}

	vec, err := enc.Encode(context.Background(), "x", nil, scores)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if len(vec) != 1+KeywordBuckets+AgentScoreSlots {
		t.Errorf("Expected fixed-length vector regardless of agent count. Got length %d", len(vec))
	}
}

func TestEncode_EmbedFailurePropagates(t *testing.T) {
	enc := NewEncoder(&stubEmbedder{fail: true})

	if _, err := enc.Encode(context.Background(), "loan", nil, nil); err == nil {
		t.Error("Expected error when embedding backend fails")
	}
}

func TestCosineSimilarity(t *testing.T) {
	if got := CosineSimilarity([]float64{1, 0}, []float64{1, 0}); math.Abs(got-1) > 1e-9 {
		t.Errorf("Expected cosine 1 for identical vectors. Got: %f", got)
	}
	if got := CosineSimilarity([]float64{1, 0}, []float64{0, 1}); math.Abs(got) > 1e-9 {
		t.Errorf("Expected cosine 0 for orthogonal vectors. Got: %f", got)
	}
	if got := CosineSimilarity([]float64{1, 0}, []float64{0, 0}); got != 0 {
		t.Errorf("Expected cosine 0 against zero vector. Got: %f", got)
	}
	if got := CosineSimilarity([]float64{1, 0}, []float64{1}); got != 0 {
		t.Errorf("Expected cosine 0 for mismatched dimensions. Got: %f", got)
	}
}
