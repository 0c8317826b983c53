package intel

import (
	"context"
	"fmt"
	"testing"

	"github.com/payshield/threatintel-engine/internal/db"
	"github.com/payshield/threatintel-engine/pkg/models"
)

func newTestService() (*Service, *db.MemoryStore) {
	store := db.NewMemoryStore()
	return NewService(store, NewEncoder(&stubEmbedder{}), nil), store
}

func loanReport(receiver string) (models.Transaction, []models.AgentOutput) {
	tx := models.Transaction{
		Receiver:        receiver,
		Amount:          15000,
		Reason:          "loan urgent money",
		UserID:          "user-1",
		Time:            "23:30",
		GeoAnomalyScore: 20,
	}
	outputs := []models.AgentOutput{
		{AgentName: PatternAgentName, RiskScore: 85, Message: "loan scam language", Evidence: []string{"loan", "urgent"}},
		{AgentName: BehaviorAgentName, RiskScore: 70, Message: "abnormal receive pattern"},
	}
	return tx, outputs
}

func jobReport(receiver string) (models.Transaction, []models.AgentOutput) {
	tx := models.Transaction{
		Receiver: receiver,
		Amount:   2000,
		Reason:   "job offer money",
		UserID:   "user-2",
	}
	outputs := []models.AgentOutput{
		{AgentName: PatternAgentName, RiskScore: 75, Message: "fake hiring language", Evidence: []string{"job", "hiring"}},
		{AgentName: BehaviorAgentName, RiskScore: 55, Message: "many small senders"},
	}
	return tx, outputs
}

func TestUpdateSnapshot_ThreatScoreFormula(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	tx, outputs := loanReport("scammer@pay")
	snapshot := svc.UpdateSnapshot(ctx, tx.Receiver, outputs, tx)

	// avg risk (85+70)/2 = 77.5, behavior 70, velocity 25+15 = 40, geo 20,
	// 2 pattern flags -> bonus 10:
	// 0.6*77.5 + 0.2*70 + 0.15*40 + 0.05*20 + 10 = 77.5
	if snapshot.ThreatScore != 77.5 {
		t.Errorf("Expected threat score 77.5. Got: %f", snapshot.ThreatScore)
	}
	if snapshot.AvgAgentRisk != 77.5 {
		t.Errorf("Expected avg agent risk 77.5. Got: %f", snapshot.AvgAgentRisk)
	}
	if snapshot.VelocityScore != 40 {
		t.Errorf("Expected velocity score 40. Got: %f", snapshot.VelocityScore)
	}
	if snapshot.TotalReports != 1 {
		t.Errorf("Expected total reports 1. Got: %d", snapshot.TotalReports)
	}
	if len(snapshot.PatternFlags) != 2 {
		t.Errorf("Expected 2 pattern flags. Got: %v", snapshot.PatternFlags)
	}
}

func TestUpdateSnapshot_TotalReportsAccumulates(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	tx, outputs := loanReport("scammer@pay")
	for i := 0; i < 3; i++ {
		svc.UpdateSnapshot(ctx, tx.Receiver, outputs, tx)
	}

	snapshot := svc.Snapshot(ctx, "scammer@pay")
	if snapshot == nil {
		t.Fatal("Expected a snapshot after reports")
	}
	if snapshot.TotalReports != 3 {
		t.Errorf("Expected total reports 3. Got: %d", snapshot.TotalReports)
	}
	// Every other field is recomputed wholesale, not accumulated.
	if snapshot.ThreatScore != 77.5 {
		t.Errorf("Expected stable threat score 77.5. Got: %f", snapshot.ThreatScore)
	}
}

func TestUpdateSnapshot_RepeatedHighRiskReports(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	tx := models.Transaction{
		Receiver: "loan@pay",
		Amount:   900,
		Reason:   "urgent loan verification otp",
		UserID:   "victim-7",
	}
	outputs := []models.AgentOutput{
		{AgentName: PatternAgentName, RiskScore: 85, Evidence: []string{"loan", "otp", "urgent"}},
		{AgentName: BehaviorAgentName, RiskScore: 85},
	}

	var snapshot models.ThreatSnapshot
	for i := 0; i < 3; i++ {
		snapshot = svc.UpdateSnapshot(ctx, tx.Receiver, outputs, tx)
	}

	if snapshot.ThreatScore < 80 {
		t.Errorf("Expected threat score >= 80 for repeated high-risk reports. Got: %f", snapshot.ThreatScore)
	}
	if snapshot.TotalReports != 3 {
		t.Errorf("Expected total reports 3. Got: %d", snapshot.TotalReports)
	}
}

func TestScore_UnknownReceiverIsZero(t *testing.T) {
	svc, _ := newTestService()

	if got := svc.Score(context.Background(), "nobody@pay"); got != 0 {
		t.Errorf("Expected score 0 for unknown receiver. Got: %f", got)
	}
}

func TestTrending_MinimumReportsFloor(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	hotTx, hotOutputs := loanReport("hot@pay")
	for i := 0; i < 5; i++ {
		svc.UpdateSnapshot(ctx, hotTx.Receiver, hotOutputs, hotTx)
	}
	warmTx, warmOutputs := loanReport("warm@pay")
	for i := 0; i < 3; i++ {
		svc.UpdateSnapshot(ctx, warmTx.Receiver, warmOutputs, warmTx)
	}

	trending := svc.Trending(ctx, 10)

	if len(trending) != 1 {
		t.Fatalf("Expected one trending entry. Got: %d", len(trending))
	}
	if trending[0].Receiver != "hot@pay" {
		t.Errorf("Expected hot@pay to trend. Got: %s", trending[0].Receiver)
	}
	if svc.CheckTrending(ctx, "warm@pay") != nil {
		t.Error("Expected warm@pay below the report floor to not trend")
	}
	if svc.CheckTrending(ctx, "hot@pay") == nil {
		t.Error("Expected hot@pay to be flagged as trending")
	}
}

// submitReports pushes full reports (snapshot + event) through the service.
func submitReports(t *testing.T, svc *Service, n int, build func(i int) (models.Transaction, []models.AgentOutput)) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		tx, outputs := build(i)
		svc.UpdateSnapshot(ctx, tx.Receiver, outputs, tx)
		svc.RecordEvent(ctx, tx, outputs)
	}
}

func TestRecordEvent_RebuildsAtPendingThreshold(t *testing.T) {
	svc, store := newTestService()
	ctx := context.Background()

	submitReports(t, svc, 6, func(i int) (models.Transaction, []models.AgentOutput) {
		return loanReport(fmt.Sprintf("loan%d@pay", i))
	})
	if store.Generation() != 0 {
		t.Fatalf("Expected no rebuild below the threshold. Generation: %d", store.Generation())
	}

	submitReports(t, svc, 6, func(i int) (models.Transaction, []models.AgentOutput) {
		return jobReport(fmt.Sprintf("job%d@pay", i))
	})
	if store.Generation() != 1 {
		t.Fatalf("Expected exactly one rebuild at the threshold. Generation: %d", store.Generation())
	}

	clusters := svc.Clusters(ctx, false, 10)
	if len(clusters) != 2 {
		t.Fatalf("Expected two campaign clusters. Got: %d", len(clusters))
	}
	for _, c := range clusters {
		if !c.Active {
			t.Errorf("Expected cluster %s to be active", c.Name)
		}
	}
}

func TestRebuild_PreservesClusterIdentity(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	submitReports(t, svc, 6, func(i int) (models.Transaction, []models.AgentOutput) {
		return loanReport(fmt.Sprintf("loan%d@pay", i))
	})
	submitReports(t, svc, 6, func(i int) (models.Transaction, []models.AgentOutput) {
		return jobReport(fmt.Sprintf("job%d@pay", i))
	})

	before := svc.Clusters(ctx, true, 10)
	if len(before) == 0 {
		t.Fatal("Expected clusters after the first rebuild")
	}
	beforeIDs := make(map[string]bool)
	for _, c := range before {
		beforeIDs[c.ClusterID] = true
	}

	// A forced rebuild over the same window must keep cluster identities.
	svc.Rebuild(ctx, true)

	after := svc.Clusters(ctx, true, 10)
	if len(after) != len(before) {
		t.Fatalf("Expected stable cluster count across rebuilds. Got %d -> %d", len(before), len(after))
	}
	for _, c := range after {
		if !beforeIDs[c.ClusterID] {
			t.Errorf("Expected cluster ID %s to survive the rebuild", c.ClusterID)
		}
	}
}

func TestRebuild_NonForcedRespectsPendingThreshold(t *testing.T) {
	svc, store := newTestService()
	ctx := context.Background()

	submitReports(t, svc, 12, func(i int) (models.Transaction, []models.AgentOutput) {
		return loanReport(fmt.Sprintf("loan%d@pay", i))
	})
	gen := store.Generation()

	// Below the threshold again, a non-forced rebuild is a no-op.
	svc.Rebuild(ctx, false)
	if store.Generation() != gen {
		t.Errorf("Expected no rebuild without pending events. Generation: %d -> %d", gen, store.Generation())
	}

	svc.Rebuild(ctx, true)
	if store.Generation() != gen+1 {
		t.Errorf("Expected forced rebuild to run. Generation: %d -> %d", gen, store.Generation())
	}
}

func TestCheckMember_FindsClusteredReceiver(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	submitReports(t, svc, 12, func(i int) (models.Transaction, []models.AgentOutput) {
		return loanReport(fmt.Sprintf("loan%d@pay", i))
	})

	if member := svc.CheckMember(ctx, "loan0@pay"); member == nil {
		t.Error("Expected loan0@pay to belong to a cluster")
	}
	if member := svc.CheckMember(ctx, "stranger@pay"); member != nil {
		t.Errorf("Expected no membership for an unreported receiver. Got: %+v", member)
	}
}

func TestMatch_FindsRebuiltCampaign(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	submitReports(t, svc, 12, func(i int) (models.Transaction, []models.AgentOutput) {
		return loanReport(fmt.Sprintf("loan%d@pay", i))
	})

	tx, outputs := loanReport("fresh-mule@pay")
	match := svc.Match(ctx, tx, outputs, 0)

	if match == nil {
		t.Fatal("Expected a cluster match for the same campaign shape")
	}
	if match.Similarity < 0.70 {
		t.Errorf("Expected similarity at or above the threshold. Got: %f", match.Similarity)
	}
}

func TestMatch_UnrelatedTransactionNoMatch(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	submitReports(t, svc, 12, func(i int) (models.Transaction, []models.AgentOutput) {
		return loanReport(fmt.Sprintf("loan%d@pay", i))
	})

	tx := models.Transaction{Receiver: "friend@pay", Amount: 20, Reason: "birthday gift"}
	outputs := []models.AgentOutput{
		{AgentName: PatternAgentName, RiskScore: 5},
		{AgentName: BehaviorAgentName, RiskScore: 3},
	}

	if match := svc.Match(ctx, tx, outputs, 0); match != nil {
		t.Errorf("Expected no match for a benign transfer. Got: %+v", match)
	}
}

func TestComputeVelocityScore(t *testing.T) {
	cases := []struct {
		amount float64
		clock  string
		want   float64
	}{
		{25000, "", 40},
		{12000, "", 25},
		{6000, "", 15},
		{4999, "", 0},
		{100, "23:10", 15},
		{100, "02:45", 15},
		{100, "12:00", 0},
		{25000, "23:59", 55},
	}
	for _, tc := range cases {
		got := computeVelocityScore(models.Transaction{Amount: tc.amount, Time: tc.clock})
		if got != tc.want {
			t.Errorf("velocity(amount=%.0f, time=%q): expected %f. Got: %f", tc.amount, tc.clock, tc.want, got)
		}
	}
}
