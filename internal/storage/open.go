package storage

import (
	"errors"
	"strings"

	"newsletterd/pkg/clock"
	logx "newsletterd/pkg/logx"
)

// Open initializes the configured store.
func Open(cfg Config, clk clock.Clock, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	if clk == nil {
		clk = clock.Real{}
	}

	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "memory", "mem":
		return NewMemory(clk), nil
	case "sqlite", "sqlite3":
		return openSQLite(cfg, clk, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
