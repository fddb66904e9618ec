package main

import (
	"log"
	"os"

	"github.com/rawblock/synthdata-engine/internal/api"
	"github.com/rawblock/synthdata-engine/internal/db"
	"github.com/rawblock/synthdata-engine/internal/runner"
)

func main() {
	log.Println("Starting RawBlock Synthesis Engine (Microservice: privacy-synthdata-analytics)...")
	log.Println("Initializing Aggregate Protectors and Synthesis Samplers...")

	// ─── Environment Variables ──────────────────────────────────────────
	// Credentials MUST come from environment variables. No fallback
	// defaults for security-sensitive values. Use a .env file for local
	// development: cp .env.example .env && edit .env
	// ────────────────────────────────────────────────────────────────────

	var dbConn *db.PostgresStore
	if dbUrl := os.Getenv("DATABASE_URL"); dbUrl != "" {
		conn, err := db.Connect(dbUrl)
		if err != nil {
			log.Printf("Warning: Failed to connect to PostgreSQL, continuing without persisting run data. Error: %v", err)
		} else {
			dbConn = conn
			defer dbConn.Close()
			if err := dbConn.InitSchema(); err != nil {
				log.Printf("Warning: DB schema init failed: %v", err)
			}
		}
	} else {
		log.Println("DATABASE_URL not set — engine running without run persistence")
	}

	// Setup WebSocket Hub
	wsHub := api.NewHub()
	go wsHub.Run()

	// Pipeline with real-time stage broadcasting
	pipeline := runner.NewPipeline(api.BroadcastStageEvent(wsHub))
	runManager := runner.NewRunManager()

	// Setup the Gin Router
	r := api.SetupRouter(dbConn, wsHub, pipeline, runManager)

	port := getEnvOrDefault("PORT", "5340")

	// Start the server
	log.Printf("Engine running on :%s (API Node: privacy-synthdata-analytics)\n", port)
	if err := r.Run(":" + port); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}

// getEnvOrDefault returns the env var value or a safe default for non-secret settings.
func getEnvOrDefault(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}
