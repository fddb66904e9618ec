package api

import (
	"context"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/rawblock/synthdata-engine/internal/db"
	"github.com/rawblock/synthdata-engine/internal/runner"
	"github.com/rawblock/synthdata-engine/pkg/models"
)

// maxAggregatePageSize caps a single aggregates page to prevent runaway
// response sizes on wide reporting lengths.
const maxAggregatePageSize = 500

type APIHandler struct {
	dbStore    *db.PostgresStore
	wsHub      *Hub
	pipeline   *runner.Pipeline
	runManager *runner.RunManager
}

func SetupRouter(dbStore *db.PostgresStore, wsHub *Hub, pipeline *runner.Pipeline, runManager *runner.RunManager) *gin.Engine {
	r := gin.Default()

	// Enable CORS — configurable via ALLOWED_ORIGINS env var
	// Production: ALLOWED_ORIGINS=https://rawblock.net,https://www.rawblock.net
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

	handler := &APIHandler{
		dbStore:    dbStore,
		wsHub:      wsHub,
		pipeline:   pipeline,
		runManager: runManager,
	}

	// ── Public endpoints (no auth) ─────────────────────────────
	pub := r.Group("/api/v1")
	{
		pub.GET("/health", handler.handleHealth)
		pub.GET("/stream", wsHub.Subscribe)
		pub.GET("/runs/progress", handler.handleProgress)
	}

	// ── Protected endpoints (require bearer token if API_AUTH_TOKEN set) ──
	auth := r.Group("/api/v1")
	auth.Use(AuthMiddleware())
	// Cost-weighted rate limiting: 60 credits/min per IP, burst of 10.
	// Queries cost 1 credit; a run submission costs CostRunSubmit because
	// it fans out CPU-bound aggregation work across every core.
	limiter := NewRateLimiter(60, 10)
	auth.POST("/runs", limiter.CostMiddleware(CostRunSubmit), handler.handleSubmitRun)

	reads := auth.Group("")
	reads.Use(limiter.Middleware())
	{
		reads.GET("/runs", handler.handleListRuns)
		reads.GET("/runs/:id", handler.handleGetRun)
		reads.GET("/runs/:id/aggregates", handler.handleGetAggregates)
		reads.GET("/runs/:id/evaluation", handler.handleGetEvaluation)
	}

	// Serve Static Dashboard
	r.Static("/dashboard", "./public")

	return r
}

// handleSubmitRun validates a job configuration and launches the pipeline
// in the background. POST /api/v1/runs with a JobConfig JSON body.
func (h *APIHandler) handleSubmitRun(c *gin.Context) {
	var cfg models.JobConfig
	if err := c.ShouldBindJSON(&cfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body. Expected a job configuration document"})
		return
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if cfg.SensitiveMicrodataPath == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "sensitive_microdata_path is required"})
		return
	}

	run := h.runManager.Create(&cfg)
	if h.dbStore != nil {
		if err := h.dbStore.SaveRun(c.Request.Context(), run); err != nil {
			log.Printf("Failed to persist run %s: %v", run.ID, err)
		}
	}

	go func() {
		ctx := context.Background()
		outputs, err := h.pipeline.Execute(ctx, run.ID, run.Config)
		if err != nil {
			log.Printf("[API] run %s failed: %v", run.ID, err)
			h.runManager.Fail(run.ID, err)
		} else {
			h.runManager.Complete(run.ID, outputs)
		}
		updated, _ := h.runManager.Get(run.ID)
		if h.dbStore != nil && updated != nil {
			if dbErr := h.dbStore.SaveRun(ctx, updated); dbErr != nil {
				log.Printf("Failed to persist run %s: %v", run.ID, dbErr)
			}
			if err == nil && outputs != nil && outputs.Reportable != nil {
				if dbErr := h.dbStore.SaveReportableAggregates(ctx, run.ID, outputs.Reportable); dbErr != nil {
					log.Printf("Failed to persist reportable aggregates for run %s: %v", run.ID, dbErr)
				}
			}
		}
	}()

	c.JSON(http.StatusAccepted, gin.H{
		"status": "run_started",
		"runId":  run.ID,
		"mode":   cfg.SynthesisMode,
	})
}

// handleProgress returns the pipeline's live counters.
func (h *APIHandler) handleProgress(c *gin.Context) {
	c.JSON(http.StatusOK, h.pipeline.GetProgress())
}

// handleListRuns returns every registered run, newest first.
func (h *APIHandler) handleListRuns(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"data": h.runManager.List()})
}

// handleGetRun returns one run with its outputs.
func (h *APIHandler) handleGetRun(c *gin.Context) {
	run, err := h.runManager.Get(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, run)
}

// handleGetAggregates serves a run's reportable aggregates. Sensitive
// counts are never exposed over the API; only the protected store leaves
// the process.
func (h *APIHandler) handleGetAggregates(c *gin.Context) {
	runID := c.Param("id")
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if limit > maxAggregatePageSize {
		limit = maxAggregatePageSize
	}

	if h.dbStore != nil {
		rows, totalCount, err := h.dbStore.GetReportableAggregates(c.Request.Context(), runID, page, limit)
		if err == nil && totalCount > 0 {
			c.JSON(http.StatusOK, gin.H{
				"data":       rows,
				"totalCount": totalCount,
				"page":       page,
				"limit":      limit,
			})
			return
		}
	}

	// Fall back to the in-memory store for runs not yet persisted.
	run, err := h.runManager.Get(runID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if run.Outputs == nil || run.Outputs.Reportable == nil {
		c.JSON(http.StatusConflict, gin.H{"error": "Run has no reportable aggregates yet", "status": run.Status})
		return
	}
	store := run.Outputs.Reportable
	rows := make([]db.ReportableAggregateRow, 0)
	for k := 1; k <= store.Lengths(); k++ {
		for _, agg := range store.AtLength(k) {
			rows = append(rows, db.ReportableAggregateRow{
				ComboLength:    k,
				Selections:     store.ComboString(agg.Combo),
				ProtectedCount: agg.Count,
				EventCount:     agg.EventCount,
			})
		}
	}
	start := (page - 1) * limit
	if start > len(rows) {
		start = len(rows)
	}
	end := start + limit
	if end > len(rows) {
		end = len(rows)
	}
	c.JSON(http.StatusOK, gin.H{
		"data":       rows[start:end],
		"totalCount": len(rows),
		"page":       page,
		"limit":      limit,
	})
}

// handleGetEvaluation returns the count-preservation report of a run.
func (h *APIHandler) handleGetEvaluation(c *gin.Context) {
	run, err := h.runManager.Get(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if run.Outputs == nil || run.Outputs.EvaluationReport == nil {
		c.JSON(http.StatusConflict, gin.H{"error": "Run has no evaluation report yet", "status": run.Status})
		return
	}
	c.JSON(http.StatusOK, run.Outputs.EvaluationReport)
}

// handleHealth returns engine status and capabilities for service discovery
func (h *APIHandler) handleHealth(c *gin.Context) {
	dbConnected := h.dbStore != nil

	c.JSON(http.StatusOK, gin.H{
		"status": "operational",
		"engine": "RawBlock Synthesis Engine v1.0",
		"capabilities": gin.H{
			"k_anonymity":       true,
			"dp_aggregates":     true,
			"two_level_counts":  true,
			"synthesis_modes":   []models.SynthesisMode{models.ModeUnseeded, models.ModeRowSeeded, models.ModeValueSeeded, models.ModeAggregateSeeded},
			"evaluation_report": true,
		},
		"dbConnected": dbConnected,
	})
}

// BroadcastStageEvent sends a pipeline stage transition via the WebSocket
// hub. This is wired as the eventFunc callback for the Pipeline.
func BroadcastStageEvent(wsHub *Hub) func(runner.StageEvent) {
	return func(event runner.StageEvent) {
		wsHub.BroadcastEvent("stage_event", event)
		log.Printf("[EVENT] run %s entered stage %s %s", event.RunID, event.Stage, event.Detail)
	}
}
