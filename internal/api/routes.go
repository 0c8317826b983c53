package api

import (
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/payshield/threatintel-engine/internal/intel"
	"github.com/payshield/threatintel-engine/pkg/models"
)

type APIHandler struct {
	service     *intel.Service
	alerts      *intel.AlertManager
	wsHub       *Hub
	dbConnected bool
}

// ReportRequest is the submission shape shared by /report and /match: the
// payment context plus the uniform outputs of every agent that analyzed it.
type ReportRequest struct {
	Transaction  models.Transaction   `json:"transaction"`
	AgentOutputs []models.AgentOutput `json:"agent_outputs"`
	Threshold    float64              `json:"threshold,omitempty"`
}

func SetupRouter(service *intel.Service, alerts *intel.AlertManager, wsHub *Hub, dbConnected bool) *gin.Engine {
	r := gin.Default()

	// Enable CORS — configurable via ALLOWED_ORIGINS env var
	// Production: ALLOWED_ORIGINS=https://payshield.app,https://www.payshield.app
	// Development: ALLOWED_ORIGINS=http://localhost:3000 (or leave empty for *)
	allowedOrigins := os.Getenv("ALLOWED_ORIGINS")
	r.Use(func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if allowedOrigins == "" || allowedOrigins == "*" {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		} else {
			for _, allowed := range strings.Split(allowedOrigins, ",") {
				if strings.TrimSpace(allowed) == origin {
					c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
					break
				}
			}
		}
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	})

	handler := &APIHandler{service: service, alerts: alerts, wsHub: wsHub, dbConnected: dbConnected}

	limiter := NewRateLimiter(300, 50)

	api := r.Group("/api/v1")
	api.Use(limiter.Middleware())
	{
		api.POST("/report", handler.handleReport)
		api.POST("/match", handler.handleMatch)

		api.GET("/score/:receiver", handler.handleScore)
		api.GET("/snapshot/:receiver", handler.handleSnapshot)
		api.GET("/history/:receiver", handler.handleHistory)
		api.GET("/trending", handler.handleTrending)
		api.GET("/trending/check/:receiver", handler.handleCheckTrending)

		api.GET("/clusters", handler.handleClusters)
		api.GET("/clusters/member/:receiver", handler.handleCheckMember)

		api.GET("/alerts", handler.handleAlerts)
		api.GET("/health", handler.handleHealth)
		api.GET("/stream", wsHub.Subscribe)

		// Operational endpoints require a bearer token when configured.
		protected := api.Group("")
		protected.Use(AuthMiddleware())
		{
			protected.POST("/rebuild", handler.handleRebuild)
			protected.POST("/webhooks", handler.handleRegisterWebhook)
		}
	}

	return r
}

// handleReport ingests one multi-agent analysis result: the snapshot is
// refreshed synchronously and the raw event is appended for the next cluster
// rebuild. The response carries the updated snapshot so the caller can block
// or warn on the spot.
func (h *APIHandler) handleReport(c *gin.Context) {
	var req ReportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body. Expected: {transaction, agent_outputs}"})
		return
	}
	if req.Transaction.Receiver == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "transaction.receiver is required"})
		return
	}

	snapshot := h.service.UpdateSnapshot(c.Request.Context(), req.Transaction.Receiver, req.AgentOutputs, req.Transaction)
	h.service.RecordEvent(c.Request.Context(), req.Transaction, req.AgentOutputs)

	h.wsHub.BroadcastJSON("snapshot_update", snapshot)

	c.JSON(http.StatusOK, gin.H{
		"status":   "recorded",
		"snapshot": snapshot,
	})
}

// handleMatch checks a transaction against known scam clusters without
// recording anything. Used pre-transfer to warn the sender.
func (h *APIHandler) handleMatch(c *gin.Context) {
	var req ReportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body. Expected: {transaction, agent_outputs}"})
		return
	}

	match := h.service.Match(c.Request.Context(), req.Transaction, req.AgentOutputs, req.Threshold)
	c.JSON(http.StatusOK, gin.H{
		"matched": match != nil,
		"match":   match,
	})
}

func (h *APIHandler) handleScore(c *gin.Context) {
	receiver := c.Param("receiver")
	score := h.service.Score(c.Request.Context(), receiver)
	c.JSON(http.StatusOK, gin.H{
		"receiver":     receiver,
		"threat_score": score,
	})
}

func (h *APIHandler) handleSnapshot(c *gin.Context) {
	receiver := c.Param("receiver")
	snapshot := h.service.Snapshot(c.Request.Context(), receiver)
	if snapshot == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "No threat intelligence for receiver", "receiver": receiver})
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

func (h *APIHandler) handleHistory(c *gin.Context) {
	receiver := c.Param("receiver")
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "25"))

	events := h.service.History(c.Request.Context(), receiver, limit)
	c.JSON(http.StatusOK, gin.H{
		"receiver": receiver,
		"count":    len(events),
		"events":   events,
	})
}

func (h *APIHandler) handleTrending(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "5"))

	threats := h.service.Trending(c.Request.Context(), limit)
	c.JSON(http.StatusOK, gin.H{
		"count":   len(threats),
		"threats": threats,
	})
}

func (h *APIHandler) handleCheckTrending(c *gin.Context) {
	receiver := c.Param("receiver")
	snapshot := h.service.CheckTrending(c.Request.Context(), receiver)
	c.JSON(http.StatusOK, gin.H{
		"receiver": receiver,
		"trending": snapshot != nil,
		"snapshot": snapshot,
	})
}

func (h *APIHandler) handleClusters(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "5"))
	includeInactive := c.DefaultQuery("includeInactive", "false") == "true"

	clusters := h.service.Clusters(c.Request.Context(), includeInactive, limit)
	c.JSON(http.StatusOK, gin.H{
		"count":    len(clusters),
		"clusters": clusters,
	})
}

func (h *APIHandler) handleCheckMember(c *gin.Context) {
	receiver := c.Param("receiver")
	cluster := h.service.CheckMember(c.Request.Context(), receiver)
	c.JSON(http.StatusOK, gin.H{
		"receiver": receiver,
		"member":   cluster != nil,
		"cluster":  cluster,
	})
}

func (h *APIHandler) handleAlerts(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	c.JSON(http.StatusOK, gin.H{
		"alerts": h.alerts.GetRecentAlerts(limit),
	})
}

// handleRebuild forces a cluster rebuild regardless of the pending-event
// count. The rebuild runs synchronously; the advisory lock makes a concurrent
// call a no-op.
func (h *APIHandler) handleRebuild(c *gin.Context) {
	h.service.Rebuild(c.Request.Context(), true)

	clusters := h.service.Clusters(c.Request.Context(), true, 50)
	h.wsHub.BroadcastJSON("clusters_rebuilt", gin.H{"count": len(clusters)})

	c.JSON(http.StatusOK, gin.H{
		"status":   "rebuilt",
		"clusters": len(clusters),
	})
}

func (h *APIHandler) handleRegisterWebhook(c *gin.Context) {
	var req struct {
		Name        string            `json:"name"`
		URL         string            `json:"url"`
		MinSeverity string            `json:"minSeverity"`
		Headers     map[string]string `json:"headers"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Name == "" || req.URL == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body. Expected: {name, url, minSeverity}"})
		return
	}
	if req.MinSeverity == "" {
		req.MinSeverity = "high"
	}

	h.alerts.RegisterWebhook(req.Name, req.URL, req.MinSeverity, req.Headers)
	c.JSON(http.StatusOK, gin.H{"status": "registered", "name": req.Name})
}

// handleHealth returns engine status and capabilities for service discovery
func (h *APIHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "operational",
		"engine": "PayShield Threat Intel Engine v1.0",
		"capabilities": gin.H{
			"dynamic_clustering": true,
			"cluster_matching":   true,
			"trending_threats":   true,
			"emerging_detection": true,
			"drift_metrics":      true,
			"webhooks":           true,
		},
		"dbConnected": h.dbConnected,
	})
}
