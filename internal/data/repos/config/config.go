package config

import (
	"errors"
	"strconv"
	"time"

	"gorm.io/gorm"

	types "github.com/tddforge/tddforge-backend/internal/domain"
	"github.com/tddforge/tddforge-backend/internal/platform/dbctx"
	"github.com/tddforge/tddforge-backend/internal/platform/logger"
)

type bounds struct {
	def, min, max int
	unbounded     bool
}

// Known numeric keys with their defaults and clamp bounds. Reads of values
// outside the bounds clamp to the nearest bound and log a warning.
var numericKeys = map[string]bounds{
	types.ConfigMaxGreenAttempts:         {def: 2, min: 1, max: 10},
	types.ConfigGreenRetryDelayMs:        {def: 1000, min: 0, max: 10000},
	types.ConfigMaxGreenRetryTimeSeconds: {def: 1800, min: 60, max: 7200},
	types.ConfigMaxInvocationsPerSession: {def: 100, unbounded: true},
	types.ConfigBudgetWarningThreshold:   {def: 80, unbounded: true},
}

type ConfigRepo interface {
	GetInt(dbc dbctx.Context, key string) int
	Set(dbc dbctx.Context, key, value string) error
	GetString(dbc dbctx.Context, key, def string) string
}

type configRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewConfigRepo(db *gorm.DB, baseLog *logger.Logger) ConfigRepo {
	return &configRepo{
		db:  db,
		log: baseLog.With("repo", "ConfigRepo"),
	}
}

func (r *configRepo) conn(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx
	}
	return r.db
}

// GetInt reads a known numeric key, falling back to its default when unset
// or unparseable, and clamping to the declared bounds.
func (r *configRepo) GetInt(dbc dbctx.Context, key string) int {
	b, known := numericKeys[key]
	if !known {
		r.log.Warn("read of unknown numeric config key", "key", key)
		return 0
	}
	raw := r.GetString(dbc, key, "")
	if raw == "" {
		return b.def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		r.log.Warn("non-numeric config value, using default",
			"key", key, "value", raw, "default", b.def)
		return b.def
	}
	if b.unbounded {
		return v
	}
	if v < b.min {
		r.log.Warn("config value below bound, clamping",
			"key", key, "value", v, "min", b.min)
		return b.min
	}
	if v > b.max {
		r.log.Warn("config value above bound, clamping",
			"key", key, "value", v, "max", b.max)
		return b.max
	}
	return v
}

func (r *configRepo) GetString(dbc dbctx.Context, key, def string) string {
	var entry types.ConfigEntry
	err := r.conn(dbc).WithContext(dbc.Ctx).Where("key = ?", key).First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return def
	}
	if err != nil {
		r.log.Warn("config read failed, using default", "key", key, "error", err)
		return def
	}
	return entry.Value
}

func (r *configRepo) Set(dbc dbctx.Context, key, value string) error {
	entry := &types.ConfigEntry{
		Key:       key,
		Value:     value,
		UpdatedAt: time.Now().UTC(),
	}
	return r.conn(dbc).WithContext(dbc.Ctx).Save(entry).Error
}
