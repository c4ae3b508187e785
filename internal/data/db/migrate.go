package db

import (
	"fmt"
	"strings"

	"gorm.io/gorm"

	types "github.com/tddforge/tddforge-backend/internal/domain"
)

func AutoMigrateAll(db *gorm.DB) error {
	return db.AutoMigrate(
		// Tasks + execution audit
		&types.Task{},
		&types.Attempt{},
		&types.TaskClaim{},
		&types.Invocation{},

		// Workers
		&types.Worker{},
		&types.WorkerHeartbeat{},

		// Circuit breakers
		&types.CircuitBreaker{},
		&types.CircuitBreakerEvent{},

		// Runs + config
		&types.ExecutionRun{},
		&types.ConfigEntry{},

		// Collaborator audit surfaces
		&types.GitStashLog{},
		&types.StaticReviewMetric{},
	)
}

// CreateViews (re)creates the monitoring views. All views are plain selects
// so they work on both sqlite and postgres.
func CreateViews(db *gorm.DB) error {
	views := []struct {
		name string
		sql  string
	}{
		{"v_ready_tasks", `
			SELECT t.* FROM tasks t
			WHERE t.status = 'pending'
			  AND NOT EXISTS (
			    SELECT 1 FROM json_each(COALESCE(NULLIF(t.depends_on, ''), '[]')) dep
			    JOIN tasks d ON d.task_key = dep.value
			    WHERE d.status NOT IN ('passing', 'complete')
			  )
			ORDER BY t.phase ASC, t.sequence ASC`},
		{"v_claimable_tasks", `
			SELECT t.* FROM tasks t
			WHERE (t.status = 'pending' AND t.claimed_by IS NULL)
			   OR (t.status = 'in_progress' AND t.claim_expires_at < CURRENT_TIMESTAMP)
			ORDER BY t.phase ASC, t.sequence ASC`},
		{"v_stale_tasks", `
			SELECT t.* FROM tasks t
			WHERE t.status = 'in_progress' AND t.claim_expires_at < CURRENT_TIMESTAMP`},
		{"v_stale_workers", `
			SELECT w.* FROM workers w
			WHERE w.last_heartbeat IS NOT NULL
			  AND w.last_heartbeat < DATETIME(CURRENT_TIMESTAMP, '-600 seconds')`},
		{"v_circuit_breaker_status", `
			SELECT cb.id, cb.level, cb.identifier, cb.state, cb.version,
			       cb.failure_count, cb.success_count, cb.extensions_count,
			       cb.opened_at, cb.last_state_change_at, cb.run_id
			FROM circuit_breakers cb`},
		{"v_circuit_health_summary", `
			SELECT cb.level, cb.state, COUNT(*) AS total
			FROM circuit_breakers cb
			GROUP BY cb.level, cb.state`},
		{"v_shadow_mode_summary", `
			SELECT srm.task_id, COUNT(*) AS reviews,
			       SUM(CASE WHEN srm.passed THEN 1 ELSE 0 END) AS passed,
			       AVG(srm.score) AS avg_score
			FROM static_review_metrics srm
			GROUP BY srm.task_id`},
	}

	for _, v := range views {
		if err := db.Exec("DROP VIEW IF EXISTS " + v.name).Error; err != nil {
			return fmt.Errorf("drop view %s: %w", v.name, err)
		}
		if err := db.Exec("CREATE VIEW " + v.name + " AS " + v.sql).Error; err != nil {
			return fmt.Errorf("create view %s: %w", v.name, err)
		}
	}
	return nil
}

// requiredColumns is the boot-time schema contract. A store that migrated
// under an older binary fails fast here with a message naming what is
// missing instead of surfacing as scattered query errors later.
var requiredColumns = map[string][]string{
	"tasks": {
		"task_key", "phase", "sequence", "depends_on", "status",
		"claimed_by", "claimed_at", "claim_expires_at", "version",
	},
	"attempts":         {"task_id", "stage", "attempt_number", "success"},
	"task_claims":      {"task_id", "worker_id", "claimed_at", "outcome"},
	"circuit_breakers": {"level", "identifier", "state", "version", "failure_count", "extensions_count", "config_snapshot"},
	"circuit_breaker_events": {"circuit_id", "event_type", "from_state", "to_state"},
	"execution_runs":   {"status", "max_workers", "total_invocations"},
	"workers":          {"status", "last_heartbeat"},
	"config":           {"key", "value"},
}

// VerifySchema checks the live schema against requiredColumns and returns a
// fatal error naming every missing column and the remediation step.
func VerifySchema(db *gorm.DB) error {
	migrator := db.Migrator()
	var missing []string
	for table, cols := range requiredColumns {
		if !migrator.HasTable(table) {
			missing = append(missing, table+" (entire table)")
			continue
		}
		for _, col := range cols {
			if !migrator.HasColumn(table, col) {
				missing = append(missing, table+"."+col)
			}
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf(
			"store schema mismatch, missing: %s; run with AUTO_MIGRATE=true or migrate the store manually",
			strings.Join(missing, ", "),
		)
	}
	return nil
}
