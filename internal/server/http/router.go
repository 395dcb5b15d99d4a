package http

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"leadflow/internal/agent"
	"leadflow/internal/approval"
	"leadflow/internal/orchestrator"
	"leadflow/internal/run"
	"leadflow/internal/stream"
)

// RouterDeps carries everything the router needs.
type RouterDeps struct {
	Orchestrator *orchestrator.Orchestrator
	Gate         *approval.Gate
	Registry     *agent.Registry
	Store        run.Store
	Broadcaster  *stream.Broadcaster
	CORSOrigins  []string
}

// NewRouter builds the gin engine with all endpoints mounted.
func NewRouter(deps RouterDeps) *gin.Engine {
	engine := gin.New()
	engine.Use(gin.Recovery())

	corsConfig := cors.Config{
		AllowMethods:     []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(deps.CORSOrigins) == 0 || contains(deps.CORSOrigins, "*") {
		corsConfig.AllowAllOrigins = true
		corsConfig.AllowCredentials = false
	} else {
		corsConfig.AllowOrigins = deps.CORSOrigins
	}
	engine.Use(cors.New(corsConfig))

	apiHandler := NewAPIHandler(deps.Orchestrator, deps.Gate, deps.Registry, deps.Store)
	sseHandler := NewSSEHandler(deps.Broadcaster, deps.Store)

	engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":      "ok",
			"broadcaster": deps.Broadcaster.GetMetrics(),
		})
	})
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := engine.Group("/api")
	{
		api.POST("/tasks", apiHandler.SubmitTask)

		api.GET("/runs", apiHandler.ListRuns)
		api.GET("/runs/:id", apiHandler.GetRun)
		api.GET("/runs/:id/events", apiHandler.ListRunEvents)
		api.POST("/runs/:id/cancel", apiHandler.CancelRun)

		api.GET("/approvals", apiHandler.ListApprovals)
		api.POST("/approvals/:id/decision", apiHandler.DecideApproval)

		api.GET("/agents", apiHandler.ListAgents)
		api.GET("/agents/:id", apiHandler.GetAgent)
		api.PATCH("/agents/:id", apiHandler.UpdateAgent)

		api.GET("/events/recent", apiHandler.ListRecentEvents)
		api.GET("/sse", sseHandler.HandleStream)
	}

	return engine
}

func contains(values []string, target string) bool {
	for _, v := range values {
		if v == target {
			return true
		}
	}
	return false
}
