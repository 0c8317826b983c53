package models

import "time"

// AgentOutput is the uniform result contract produced by each per-transaction
// risk agent (pattern classifier, network reputation, behavioral anomaly,
// biometric heuristic). The engine never looks inside an agent; it only
// consumes this shape.
type AgentOutput struct {
	AgentName string   `json:"agent_name"`
	RiskScore float64  `json:"risk_score"` // 0-100
	Message   string   `json:"message"`
	Evidence  []string `json:"evidence"`
}

// Transaction carries the payment context submitted alongside agent outputs.
// Time is the client wall-clock time of the transfer as "HH:MM"; it feeds the
// late-night velocity bonus and nothing else.
type Transaction struct {
	Receiver        string  `json:"receiver"`
	Amount          float64 `json:"amount"`
	Reason          string  `json:"reason"`
	UserID          string  `json:"user_id"`
	Time            string  `json:"time,omitempty"`
	GeoAnomalyScore float64 `json:"geo_anomaly_score,omitempty"`
}

// TransactionContext is the subset of Transaction persisted with each event.
type TransactionContext struct {
	Amount float64 `json:"amount"`
	Reason string  `json:"reason"`
	UserID string  `json:"user_id"`
}

// ThreatEvent is one immutable report record. Events are append-only: they are
// the replay source for cluster rebuilds and are never mutated or deleted.
type ThreatEvent struct {
	ID           int64              `json:"id,omitempty"`
	Receiver     string             `json:"receiver"`
	AgentOutputs []AgentOutput      `json:"agent_outputs"`
	Transaction  TransactionContext `json:"transaction"`
	Timestamp    time.Time          `json:"timestamp"`
}

// ThreatSnapshot is the current aggregate risk record for a payee. Every field
// except TotalReports is recomputed wholesale from the latest event; only
// TotalReports accumulates.
type ThreatSnapshot struct {
	Receiver          string    `json:"receiver"`
	ThreatScore       float64   `json:"threat_score"` // 0-100, 1 decimal
	AvgAgentRisk      float64   `json:"avg_agent_risk"`
	BehaviorAnomalies float64   `json:"behavior_anomalies"`
	PatternFlags      []string  `json:"pattern_flags"` // <=5
	VelocityScore     float64   `json:"velocity_score"`
	GeoAnomalies      float64   `json:"geo_anomalies"`
	TotalReports      int64     `json:"total_reports"`
	LastSeen          time.Time `json:"last_seen"`
}

// Cluster is a discovered scam campaign. ClusterID is assigned once and
// preserved across rebuilds via centroid matching; members, keywords and
// centroid are replaced wholesale by each rebuild's merge step.
type Cluster struct {
	ClusterID   string    `json:"cluster_id"`
	Name        string    `json:"name"`
	Members     []string  `json:"members"`
	Size        int       `json:"size"`
	AvgScore    float64   `json:"avg_score"`
	TopKeywords []string  `json:"top_keywords"` // <=5, ranked by salience
	Centroid    []float64 `json:"centroid"`
	Active      bool      `json:"active"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ClusterSummary is the externally visible cluster shape (no centroid, no
// member-by-member dump beyond the list consumers already rely on).
type ClusterSummary struct {
	ClusterID   string    `json:"clusterId"`
	Name        string    `json:"name"`
	Members     []string  `json:"members,omitempty"`
	AvgScore    float64   `json:"avgScore"`
	Count       int       `json:"count"`
	TopKeywords []string  `json:"topKeywords"`
	Active      bool      `json:"active"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// ClusterMatch is the real-time matcher verdict for a candidate transaction.
type ClusterMatch struct {
	ClusterSummary
	Similarity        float64 `json:"similarity"`        // combined, 3 decimals
	VectorSimilarity  float64 `json:"vectorSimilarity"`  // cosine vs centroid
	KeywordSimilarity float64 `json:"keywordSimilarity"` // normalized Jaccard
}

// Summary converts a Cluster to its external shape.
func (c Cluster) Summary(withMembers bool) ClusterSummary {
	s := ClusterSummary{
		ClusterID:   c.ClusterID,
		Name:        c.Name,
		AvgScore:    c.AvgScore,
		Count:       c.Size,
		TopKeywords: c.TopKeywords,
		Active:      c.Active,
		UpdatedAt:   c.UpdatedAt,
	}
	if withMembers {
		s.Members = c.Members
	}
	return s
}
