package main

import (
	"context"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/payshield/threatintel-engine/internal/api"
	"github.com/payshield/threatintel-engine/internal/db"
	"github.com/payshield/threatintel-engine/internal/embedding"
	"github.com/payshield/threatintel-engine/internal/intel"
	"github.com/payshield/threatintel-engine/internal/schedule"
)

func main() {
	log.Println("Starting PayShield Threat Intel Engine (Microservice: threatintel-clustering)...")

	// ─── Required Environment Variables ─────────────────────────────────
	// All credentials MUST come from environment variables. No fallback
	// defaults for security-sensitive values. Use a .env file for local
	// development: cp .env.example .env && edit .env
	// ────────────────────────────────────────────────────────────────────

	if err := godotenv.Load(); err == nil {
		log.Println("Loaded configuration from .env")
	}

	dbURL := requireEnv("DATABASE_URL")

	var store intel.Store
	dbConnected := false
	if pgStore, err := db.Connect(dbURL); err != nil {
		log.Printf("Warning: Failed to connect to PostgreSQL, running with in-memory store (no durability). Error: %v", err)
		store = db.NewMemoryStore()
	} else {
		defer pgStore.Close()
		if err := pgStore.InitSchema(); err != nil {
			log.Printf("Warning: DB schema init failed: %v", err)
		}
		store = pgStore
		dbConnected = true
	}

	embedder := embedding.NewClient(
		embedding.WithBaseURL(getEnvOrDefault("EMBED_API_URL", "")),
		embedding.WithModel(getEnvOrDefault("EMBED_MODEL", "")),
	)
	encoder := intel.NewEncoder(embedder)

	// Setup WebSocket Hub
	wsHub := api.NewHub()
	go wsHub.Run()

	alerts := intel.NewAlertManager(func(alert intel.Alert) {
		wsHub.BroadcastJSON("alert", alert)
	})
	if webhookURL := os.Getenv("ALERT_WEBHOOK_URL"); webhookURL != "" {
		alerts.RegisterWebhook("default", webhookURL, getEnvOrDefault("ALERT_WEBHOOK_MIN_SEVERITY", "high"), nil)
	}

	service := intel.NewService(store, encoder, alerts)

	// Periodic forced rebuild keeps clusters aging out during quiet hours.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	interval := time.Duration(getEnvIntOrDefault("REBUILD_INTERVAL_MINUTES", 15)) * time.Minute
	rebuilder := schedule.NewRebuilder(service, wsHub, interval)
	go rebuilder.Run(ctx)

	// Setup the Gin Router
	r := api.SetupRouter(service, alerts, wsHub, dbConnected)

	port := getEnvOrDefault("PORT", "5340")

	// Start the server
	log.Printf("Engine running on :%s (API Node: threatintel-clustering)\n", port)
	if err := r.Run(":" + port); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}

// requireEnv reads a required environment variable and exits if it is not set.
// This prevents the binary from starting with missing critical configuration.
func requireEnv(key string) string {
	val := os.Getenv(key)
	if val == "" {
		log.Fatalf("FATAL: Required environment variable %s is not set. "+
			"Copy .env.example to .env and fill in your values: cp .env.example .env", key)
	}
	return val
}

// getEnvOrDefault returns the env var value or a safe default for non-secret settings.
func getEnvOrDefault(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvIntOrDefault(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return fallback
}
