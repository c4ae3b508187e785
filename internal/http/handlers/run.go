package handlers

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/tddforge/tddforge-backend/internal/data/repos/runs"
	"github.com/tddforge/tddforge-backend/internal/http/response"
	"github.com/tddforge/tddforge-backend/internal/platform/dbctx"
)

// ErrCodeRunNotFound is the stable error code clients match on.
const ErrCodeRunNotFound = "ERR-RUN-404"

type RunHandler struct {
	runs runs.RunRepo
}

func NewRunHandler(runRepo runs.RunRepo) *RunHandler {
	return &RunHandler{runs: runRepo}
}

// GET /runs?limit=&offset=
func (h *RunHandler) ListRuns(c *gin.Context) {
	limit, ok := nonNegative(c, "limit")
	if !ok {
		return
	}
	offset, ok := nonNegative(c, "offset")
	if !ok {
		return
	}
	rows, total, err := h.runs.List(dbctx.New(c.Request.Context()), limit, offset)
	if err != nil {
		response.RespondError(c, http.StatusServiceUnavailable, "store_unavailable", err)
		return
	}
	response.RespondOK(c, gin.H{
		"runs":   rows,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

// GET /runs/:id
func (h *RunHandler) GetRun(c *gin.Context) {
	runID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_run_id", err)
		return
	}
	row, err := h.runs.GetByID(dbctx.New(c.Request.Context()), runID)
	if err != nil {
		response.RespondError(c, http.StatusServiceUnavailable, "store_unavailable", err)
		return
	}
	if row == nil {
		response.RespondError(c, http.StatusNotFound, ErrCodeRunNotFound,
			fmt.Errorf("no run with id %s", runID))
		return
	}
	response.RespondOK(c, gin.H{"run": row})
}

// GET /runs/current
func (h *RunHandler) CurrentRun(c *gin.Context) {
	row, err := h.runs.Current(dbctx.New(c.Request.Context()))
	if err != nil {
		response.RespondError(c, http.StatusServiceUnavailable, "store_unavailable", err)
		return
	}
	if row == nil {
		response.RespondError(c, http.StatusNotFound, ErrCodeRunNotFound,
			fmt.Errorf("no run is currently active"))
		return
	}
	response.RespondOK(c, gin.H{"run": row})
}
