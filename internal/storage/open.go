package storage

import (
	"errors"
	"strings"

	logx "starsagent/pkg/logx"
)

// Open initializes the SQLite store at cfg.Path and applies migrations.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, unavailable("open", errors.New("sqlite path is required"))
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return openSQLite(cfg, log)
}
