package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"buildorch/internal/model"
	"buildorch/pkg/logx"
)

// Store is the persistence API used by the core.
type Store interface {
	// SaveBuild records a terminal build, replacing any earlier record
	// with the same id.
	SaveBuild(ctx context.Context, b *model.Build) error
	// ListBuilds returns stored builds newest first; an empty builder
	// matches all. limit <= 0 means no limit.
	ListBuilds(ctx context.Context, builder string, limit int) ([]*model.Build, error)
	GetBuild(ctx context.Context, id int64) (*model.Build, bool, error)
	// Counters returns the highest build id and the highest build number
	// per builder, so numbering continues across restarts.
	Counters(ctx context.Context) (lastID int64, numbers map[string]int, err error)

	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
