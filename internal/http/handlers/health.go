package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tddforge/tddforge-backend/internal/data/repos/circuits"
	types "github.com/tddforge/tddforge-backend/internal/domain"
	"github.com/tddforge/tddforge-backend/internal/http/response"
	"github.com/tddforge/tddforge-backend/internal/platform/dbctx"
)

type HealthHandler struct {
	circuits circuits.CircuitRepo
}

func NewHealthHandler(circuits circuits.CircuitRepo) *HealthHandler {
	return &HealthHandler{circuits: circuits}
}

// GET /health
//
// ok: every circuit closed. degraded: a stage or worker circuit is not
// closed. unhealthy (503): the system circuit is open.
func (h *HealthHandler) Health(c *gin.Context) {
	dbc := dbctx.New(c.Request.Context())
	rows, err := h.circuits.List(dbc, "", "")
	if err != nil {
		response.RespondError(c, http.StatusServiceUnavailable, "store_unavailable", err)
		return
	}

	status := "ok"
	open := make([]*types.CircuitBreaker, 0)
	for _, row := range rows {
		if row.State == types.CircuitStateClosed {
			continue
		}
		open = append(open, row)
		if row.Level == types.CircuitLevelSystem && row.State == types.CircuitStateOpen {
			status = "unhealthy"
		} else if status == "ok" {
			status = "degraded"
		}
	}

	payload := gin.H{
		"status":    status,
		"circuits":  open,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if status == "unhealthy" {
		c.JSON(http.StatusServiceUnavailable, payload)
		return
	}
	response.RespondOK(c, payload)
}
