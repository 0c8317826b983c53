package intel

import (
	"bytes"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/payshield/threatintel-engine/pkg/models"
)

// Alert & Webhook System
//
// Structured alert emission for the fraud-ops side of the house. Alerts are:
//   1. Broadcast via WebSocket to connected dashboards
//   2. Pushed to registered webhook endpoints (Slack, SIEM, case management)
//   3. Stored in memory for recent alert history
//
// Alerting is a sink: nothing in the analysis path ever blocks on it, and a
// failed delivery is logged and dropped.

// Alert is a structured fraud alert.
type Alert struct {
	ID          string                 `json:"id"`
	Timestamp   time.Time              `json:"timestamp"`
	Severity    string                 `json:"severity"`  // info/low/medium/high/critical
	AlertType   string                 `json:"alertType"` // high_threat_receiver/cluster_match/emerging_cluster
	Title       string                 `json:"title"`
	Description string                 `json:"description"`
	Receiver    string                 `json:"receiver,omitempty"`
	Snapshot    *models.ThreatSnapshot `json:"snapshot,omitempty"`
	Match       *models.ClusterMatch   `json:"match,omitempty"`
}

// WebhookEndpoint is a registered webhook receiver.
type WebhookEndpoint struct {
	Name        string            `json:"name"`
	URL         string            `json:"url"`
	Enabled     bool              `json:"enabled"`
	Headers     map[string]string `json:"headers,omitempty"`
	MinSeverity string            `json:"minSeverity"`
}

// AlertManager handles alert emission and webhook delivery.
type AlertManager struct {
	mu            sync.RWMutex
	webhooks      []WebhookEndpoint
	recentAlerts  []Alert
	maxHistory    int
	httpClient    *http.Client
	alertCallback func(Alert) // WebSocket broadcast callback
}

// NewAlertManager creates an alert manager. broadcastFn may be nil.
func NewAlertManager(broadcastFn func(Alert)) *AlertManager {
	return &AlertManager{
		webhooks:      make([]WebhookEndpoint, 0),
		recentAlerts:  make([]Alert, 0),
		maxHistory:    1000,
		httpClient:    &http.Client{Timeout: 5 * time.Second},
		alertCallback: broadcastFn,
	}
}

// RegisterWebhook adds a webhook endpoint.
func (am *AlertManager) RegisterWebhook(name, url, minSeverity string, headers map[string]string) {
	am.mu.Lock()
	defer am.mu.Unlock()

	am.webhooks = append(am.webhooks, WebhookEndpoint{
		Name:        name,
		URL:         url,
		Enabled:     true,
		Headers:     headers,
		MinSeverity: minSeverity,
	})

	log.Printf("[AlertManager] Registered webhook: %s → %s (min: %s)", name, url, minSeverity)
}

// EmitAlert stores, broadcasts, and fans out an alert.
func (am *AlertManager) EmitAlert(alert Alert) {
	if alert.Timestamp.IsZero() {
		alert.Timestamp = time.Now()
	}
	if alert.ID == "" {
		alert.ID = alert.Severity + "-" + alert.AlertType + "-" + alert.Receiver
	}

	am.mu.Lock()
	am.recentAlerts = append(am.recentAlerts, alert)
	if len(am.recentAlerts) > am.maxHistory {
		am.recentAlerts = am.recentAlerts[len(am.recentAlerts)-am.maxHistory:]
	}
	webhooks := make([]WebhookEndpoint, len(am.webhooks))
	copy(webhooks, am.webhooks)
	am.mu.Unlock()

	if am.alertCallback != nil {
		am.alertCallback(alert)
	}

	for _, wh := range webhooks {
		if !wh.Enabled || !severityMeetsThreshold(alert.Severity, wh.MinSeverity) {
			continue
		}
		go am.sendWebhook(wh, alert)
	}

	log.Printf("[Alert] [%s] %s: %s (receiver: %s)", alert.Severity, alert.AlertType, alert.Title, alert.Receiver)
}

// EmitFromSnapshot raises an alert when a freshly updated snapshot crosses
// into high-severity territory.
func (am *AlertManager) EmitFromSnapshot(snapshot models.ThreatSnapshot) {
	severity := SeverityFromScore(snapshot.ThreatScore)
	if severity != "high" && severity != "critical" {
		return
	}
	am.EmitAlert(Alert{
		Severity:    severity,
		AlertType:   "high_threat_receiver",
		Title:       "High threat score for payee " + snapshot.Receiver,
		Description: describeSnapshot(snapshot),
		Receiver:    snapshot.Receiver,
		Snapshot:    &snapshot,
	})
}

// EmitFromMatch raises an alert when a live transaction matches a known scam
// cluster.
func (am *AlertManager) EmitFromMatch(receiver string, match models.ClusterMatch) {
	am.EmitAlert(Alert{
		Severity:    "high",
		AlertType:   "cluster_match",
		Title:       "Transaction matches scam cluster: " + match.Name,
		Description: describeMatch(match),
		Receiver:    receiver,
		Match:       &match,
	})
}

// GetRecentAlerts returns the most recent alerts, newest first.
func (am *AlertManager) GetRecentAlerts(limit int) []Alert {
	am.mu.RLock()
	defer am.mu.RUnlock()

	if limit <= 0 || limit > len(am.recentAlerts) {
		limit = len(am.recentAlerts)
	}
	start := len(am.recentAlerts) - limit
	result := make([]Alert, limit)
	for i := 0; i < limit; i++ {
		result[i] = am.recentAlerts[start+limit-1-i]
	}
	return result
}

func (am *AlertManager) sendWebhook(wh WebhookEndpoint, alert Alert) {
	payload, err := json.Marshal(alert)
	if err != nil {
		log.Printf("[Webhook] Failed to marshal alert: %v", err)
		return
	}

	req, err := http.NewRequest("POST", wh.URL, bytes.NewBuffer(payload))
	if err != nil {
		log.Printf("[Webhook] Failed to create request for %s: %v", wh.Name, err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	for key, val := range wh.Headers {
		req.Header.Set(key, val)
	}

	resp, err := am.httpClient.Do(req)
	if err != nil {
		log.Printf("[Webhook] Failed to send to %s: %v", wh.Name, err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		log.Printf("[Webhook] %s returned status %d", wh.Name, resp.StatusCode)
	}
}

// SeverityFromScore maps a 0-100 threat score onto the severity ladder.
func SeverityFromScore(score float64) string {
	switch {
	case score <= 10:
		return "info"
	case score <= 30:
		return "low"
	case score <= 50:
		return "medium"
	case score <= 75:
		return "high"
	default:
		return "critical"
	}
}

func severityMeetsThreshold(severity, minimum string) bool {
	levels := map[string]int{
		"info": 0, "low": 1, "medium": 2, "high": 3, "critical": 4,
	}
	return levels[severity] >= levels[minimum]
}

func describeSnapshot(s models.ThreatSnapshot) string {
	desc := "Threat score " + formatScore(s.ThreatScore) + " across " + formatInt(s.TotalReports) + " reports."
	if len(s.PatternFlags) > 0 {
		desc += " Flags: " + strings.Join(s.PatternFlags, ", ")
	}
	return desc
}

func describeMatch(m models.ClusterMatch) string {
	desc := "Similarity " + formatScore(m.Similarity*100) + "% against cluster of " + formatInt(int64(m.Count)) + " payees."
	if len(m.TopKeywords) > 0 {
		desc += " Keywords: " + strings.Join(m.TopKeywords, ", ")
	}
	return desc
}

func formatScore(score float64) string {
	return strconv.FormatFloat(score, 'f', 1, 64)
}

func formatInt(n int64) string {
	return strconv.FormatInt(n, 10)
}
