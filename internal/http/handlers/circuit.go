package handlers

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/tddforge/tddforge-backend/internal/circuit"
	"github.com/tddforge/tddforge-backend/internal/data/repos/circuits"
	types "github.com/tddforge/tddforge-backend/internal/domain"
	"github.com/tddforge/tddforge-backend/internal/http/response"
	"github.com/tddforge/tddforge-backend/internal/observability"
	"github.com/tddforge/tddforge-backend/internal/platform/dbctx"
	"github.com/tddforge/tddforge-backend/internal/platform/logger"
)

type CircuitHandler struct {
	circuits circuits.CircuitRepo
	metrics  *observability.Metrics
	log      *logger.Logger
}

func NewCircuitHandler(circuitRepo circuits.CircuitRepo, metrics *observability.Metrics, log *logger.Logger) *CircuitHandler {
	return &CircuitHandler{
		circuits: circuitRepo,
		metrics:  metrics,
		log:      log.With("handler", "CircuitHandler"),
	}
}

func validLevel(level string) bool {
	switch level {
	case types.CircuitLevelStage, types.CircuitLevelWorker, types.CircuitLevelSystem:
		return true
	}
	return false
}

func validState(state string) bool {
	switch state {
	case types.CircuitStateClosed, types.CircuitStateOpen, types.CircuitStateHalfOpen:
		return true
	}
	return false
}

// GET /circuits?level=&state=
func (h *CircuitHandler) ListCircuits(c *gin.Context) {
	level := c.Query("level")
	if level != "" && !validLevel(level) {
		response.RespondError(c, http.StatusUnprocessableEntity, "invalid_level",
			fmt.Errorf("unknown circuit level %q", level))
		return
	}
	state := c.Query("state")
	if state != "" && !validState(state) {
		response.RespondError(c, http.StatusUnprocessableEntity, "invalid_state",
			fmt.Errorf("unknown circuit state %q", state))
		return
	}

	rows, err := h.circuits.List(dbctx.New(c.Request.Context()), level, state)
	if err != nil {
		response.RespondError(c, http.StatusServiceUnavailable, "store_unavailable", err)
		return
	}
	response.RespondOK(c, gin.H{"circuits": rows, "total": len(rows)})
}

// GET /circuits/:id
func (h *CircuitHandler) GetCircuit(c *gin.Context) {
	circuitID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_circuit_id", err)
		return
	}
	dbc := dbctx.New(c.Request.Context())
	row, err := h.circuits.GetByID(dbc, circuitID)
	if err != nil {
		response.RespondError(c, http.StatusServiceUnavailable, "store_unavailable", err)
		return
	}
	if row == nil {
		response.RespondError(c, http.StatusNotFound, "circuit_not_found",
			fmt.Errorf("no circuit with id %s", circuitID))
		return
	}
	events, err := h.circuits.ListEvents(dbc, row.ID)
	if err != nil {
		response.RespondError(c, http.StatusServiceUnavailable, "store_unavailable", err)
		return
	}
	response.RespondOK(c, gin.H{"circuit": row, "events": events})
}

// POST /circuits/:id/reset
func (h *CircuitHandler) ResetCircuit(c *gin.Context) {
	circuitID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_circuit_id", err)
		return
	}
	row, err := circuit.ResetByID(c.Request.Context(), h.circuits, h.log, h.metrics, circuitID)
	if err != nil {
		response.RespondError(c, http.StatusServiceUnavailable, "store_unavailable", err)
		return
	}
	if row == nil {
		response.RespondError(c, http.StatusNotFound, "circuit_not_found",
			fmt.Errorf("no circuit with id %s", circuitID))
		return
	}
	h.log.Info("circuit manually reset", "level", row.Level, "identifier", row.Identifier)
	response.RespondOK(c, gin.H{"circuit": row})
}

// GET /circuits/health
func (h *CircuitHandler) CircuitsHealth(c *gin.Context) {
	rows, err := h.circuits.List(dbctx.New(c.Request.Context()), "", "")
	if err != nil {
		response.RespondError(c, http.StatusServiceUnavailable, "store_unavailable", err)
		return
	}

	type levelSummary struct {
		Total    int `json:"total"`
		Closed   int `json:"closed"`
		Open     int `json:"open"`
		HalfOpen int `json:"half_open"`
	}
	byLevel := map[string]*levelSummary{}
	healthy := true
	for _, row := range rows {
		s := byLevel[row.Level]
		if s == nil {
			s = &levelSummary{}
			byLevel[row.Level] = s
		}
		s.Total++
		switch row.State {
		case types.CircuitStateClosed:
			s.Closed++
		case types.CircuitStateOpen:
			s.Open++
			healthy = false
		case types.CircuitStateHalfOpen:
			s.HalfOpen++
			healthy = false
		}
	}
	response.RespondOK(c, gin.H{"healthy": healthy, "levels": byLevel})
}
