package http

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	httpH "github.com/tddforge/tddforge-backend/internal/http/handlers"
	httpMW "github.com/tddforge/tddforge-backend/internal/http/middleware"
	"github.com/tddforge/tddforge-backend/internal/http/response"
	"github.com/tddforge/tddforge-backend/internal/observability"
	"github.com/tddforge/tddforge-backend/internal/platform/logger"
)

type RouterConfig struct {
	HealthHandler  *httpH.HealthHandler
	TaskHandler    *httpH.TaskHandler
	RunHandler     *httpH.RunHandler
	CircuitHandler *httpH.CircuitHandler
	EventsHandler  *httpH.EventsHandler

	Metrics *observability.Metrics
	Log     *logger.Logger
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(httpMW.RequestLogger(cfg.Log))
	r.Use(httpMW.Metrics(cfg.Metrics))
	r.Use(httpMW.CORS())

	r.HandleMethodNotAllowed = true
	r.NoMethod(func(c *gin.Context) {
		response.RespondError(c, http.StatusMethodNotAllowed, "method_not_allowed",
			fmt.Errorf("%s is not allowed on %s", c.Request.Method, c.Request.URL.Path))
	})
	r.NoRoute(func(c *gin.Context) {
		response.RespondError(c, http.StatusNotFound, "not_found",
			fmt.Errorf("no route for %s", c.Request.URL.Path))
	})

	if cfg.HealthHandler != nil {
		r.GET("/health", cfg.HealthHandler.Health)
	}
	if cfg.Metrics != nil {
		r.GET("/metrics", gin.WrapH(cfg.Metrics.Handler()))
	}

	if cfg.TaskHandler != nil {
		r.GET("/tasks", cfg.TaskHandler.ListTasks)
		r.GET("/tasks/stats", cfg.TaskHandler.Stats)
		r.GET("/tasks/progress", cfg.TaskHandler.Progress)
		r.GET("/tasks/:task_key", cfg.TaskHandler.GetTask)
		r.POST("/tasks/:task_key/retry", cfg.TaskHandler.RetryTask)
	}

	if cfg.RunHandler != nil {
		r.GET("/runs", cfg.RunHandler.ListRuns)
		r.GET("/runs/current", cfg.RunHandler.CurrentRun)
		r.GET("/runs/:id", cfg.RunHandler.GetRun)
	}

	if cfg.CircuitHandler != nil {
		r.GET("/circuits", cfg.CircuitHandler.ListCircuits)
		r.GET("/circuits/health", cfg.CircuitHandler.CircuitsHealth)
		r.GET("/circuits/:id", cfg.CircuitHandler.GetCircuit)
		r.POST("/circuits/:id/reset", cfg.CircuitHandler.ResetCircuit)
	}

	if cfg.EventsHandler != nil {
		r.GET("/events", cfg.EventsHandler.Stream)
	}

	return r
}
