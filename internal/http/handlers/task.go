package handlers

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tddforge/tddforge-backend/internal/data/repos/attempts"
	"github.com/tddforge/tddforge-backend/internal/data/repos/tasks"
	types "github.com/tddforge/tddforge-backend/internal/domain"
	"github.com/tddforge/tddforge-backend/internal/http/response"
	"github.com/tddforge/tddforge-backend/internal/observer"
	"github.com/tddforge/tddforge-backend/internal/platform/dbctx"
	"github.com/tddforge/tddforge-backend/internal/platform/logger"
	"github.com/tddforge/tddforge-backend/internal/run"
	"github.com/tddforge/tddforge-backend/internal/sse"
)

type TaskHandler struct {
	tasks       tasks.TaskRepo
	attempts    attempts.AttemptRepo
	broadcaster *sse.Broadcaster
	log         *logger.Logger
}

func NewTaskHandler(taskRepo tasks.TaskRepo, attemptRepo attempts.AttemptRepo, broadcaster *sse.Broadcaster, log *logger.Logger) *TaskHandler {
	return &TaskHandler{
		tasks:       taskRepo,
		attempts:    attemptRepo,
		broadcaster: broadcaster,
		log:         log.With("handler", "TaskHandler"),
	}
}

// nonNegative parses an optional query int that must be >= 0.
func nonNegative(c *gin.Context, name string) (int, bool) {
	raw := c.Query(name)
	if raw == "" {
		return 0, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		response.RespondError(c, http.StatusUnprocessableEntity, "invalid_"+name,
			fmt.Errorf("%s must be a non-negative integer, got %q", name, raw))
		return 0, false
	}
	return v, true
}

// GET /tasks?status=&phase=&complexity=&limit=&offset=
func (h *TaskHandler) ListTasks(c *gin.Context) {
	var filter tasks.ListFilter

	if status := c.Query("status"); status != "" {
		if !types.ValidTaskStatus(status) {
			response.RespondError(c, http.StatusUnprocessableEntity, "invalid_status",
				fmt.Errorf("unknown task status %q", status))
			return
		}
		filter.Status = status
	}
	if complexity := c.Query("complexity"); complexity != "" {
		if !types.ValidComplexity(complexity) {
			response.RespondError(c, http.StatusUnprocessableEntity, "invalid_complexity",
				fmt.Errorf("unknown complexity %q", complexity))
			return
		}
		filter.Complexity = complexity
	}
	if raw := c.Query("phase"); raw != "" {
		phase, err := strconv.Atoi(raw)
		if err != nil {
			response.RespondError(c, http.StatusUnprocessableEntity, "invalid_phase",
				fmt.Errorf("phase must be an integer, got %q", raw))
			return
		}
		filter.Phase = &phase
	}
	var ok bool
	if filter.Limit, ok = nonNegative(c, "limit"); !ok {
		return
	}
	if filter.Offset, ok = nonNegative(c, "offset"); !ok {
		return
	}

	rows, total, err := h.tasks.List(dbctx.New(c.Request.Context()), filter)
	if err != nil {
		response.RespondError(c, http.StatusServiceUnavailable, "store_unavailable", err)
		return
	}
	response.RespondOK(c, gin.H{
		"tasks":  rows,
		"total":  total,
		"limit":  filter.Limit,
		"offset": filter.Offset,
	})
}

// GET /tasks/stats
func (h *TaskHandler) Stats(c *gin.Context) {
	stats, err := h.tasks.Stats(dbctx.New(c.Request.Context()))
	if err != nil {
		response.RespondError(c, http.StatusServiceUnavailable, "store_unavailable", err)
		return
	}
	response.RespondOK(c, stats)
}

// GET /tasks/progress
func (h *TaskHandler) Progress(c *gin.Context) {
	progress, err := h.tasks.Progress(dbctx.New(c.Request.Context()))
	if err != nil {
		response.RespondError(c, http.StatusServiceUnavailable, "store_unavailable", err)
		return
	}
	response.RespondOK(c, progress)
}

// GET /tasks/:task_key
func (h *TaskHandler) GetTask(c *gin.Context) {
	dbc := dbctx.New(c.Request.Context())
	task, err := h.tasks.GetByKey(dbc, c.Param("task_key"))
	if err != nil {
		response.RespondError(c, http.StatusServiceUnavailable, "store_unavailable", err)
		return
	}
	if task == nil {
		response.RespondError(c, http.StatusNotFound, "task_not_found",
			fmt.Errorf("no task with key %q", c.Param("task_key")))
		return
	}
	rows, err := h.attempts.ListByTask(dbc, task.ID)
	if err != nil {
		response.RespondError(c, http.StatusServiceUnavailable, "store_unavailable", err)
		return
	}
	response.RespondOK(c, gin.H{"task": task, "attempts": rows})
}

// POST /tasks/:task_key/retry
//
// Resets a blocked task to pending. The status change commits before the
// SSE publish; a publish failure never rolls it back.
func (h *TaskHandler) RetryTask(c *gin.Context) {
	dbc := dbctx.New(c.Request.Context())
	task, err := h.tasks.GetByKey(dbc, c.Param("task_key"))
	if err != nil {
		response.RespondError(c, http.StatusServiceUnavailable, "store_unavailable", err)
		return
	}
	if task == nil {
		response.RespondError(c, http.StatusNotFound, "task_not_found",
			fmt.Errorf("no task with key %q", c.Param("task_key")))
		return
	}
	if !types.RetryableStatus(task.Status) {
		response.RespondError(c, http.StatusConflict, "task_not_retryable",
			fmt.Errorf("task %s is %s, retry applies to blocked tasks only", task.TaskKey, task.Status))
		return
	}

	ok, err := h.tasks.UpdateStatus(dbc, task.ID, types.TaskStatusPending, map[string]interface{}{
		"error_info": nil,
	})
	if err != nil {
		response.RespondError(c, http.StatusServiceUnavailable, "store_unavailable", err)
		return
	}
	if !ok {
		response.RespondError(c, http.StatusConflict, "task_version_conflict",
			fmt.Errorf("task %s changed concurrently, retry the request", task.TaskKey))
		return
	}

	if h.broadcaster != nil {
		h.broadcaster.Publish(sse.Event{
			Type: run.EventTaskStatusChanged,
			Data: observer.Event{
				TaskKey:   task.TaskKey,
				OldStatus: task.Status,
				NewStatus: types.TaskStatusPending,
				Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
			},
		})
	}
	h.log.Info("task reset to pending", "task_key", task.TaskKey, "previous_status", task.Status)
	response.RespondOK(c, gin.H{"task_key": task.TaskKey, "status": types.TaskStatusPending})
}
