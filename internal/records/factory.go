package records

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ent0n29/lostfound/internal/reliability"
)

// Config selects a backend. DatabaseURL wins over SQLitePath; with neither set the
// repository lives in memory.
type Config struct {
	DatabaseURL    string
	SQLitePath     string
	ConnectRetries int
	RetryBase      time.Duration
}

// Backend names the storage a repository was built on.
func Backend(cfg Config) string {
	switch {
	case strings.TrimSpace(cfg.DatabaseURL) != "":
		return "postgres"
	case strings.TrimSpace(cfg.SQLitePath) != "":
		return "sqlite"
	default:
		return "memory"
	}
}

func NewRepository(ctx context.Context, cfg Config) (Repository, error) {
	switch Backend(cfg) {
	case "postgres":
		repo, err := NewPostgresRepository(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := waitReady(ctx, repo, cfg); err != nil {
			repo.Close()
			return nil, err
		}
		if err := repo.initSchema(ctx); err != nil {
			repo.Close()
			return nil, err
		}
		return repo, nil
	case "sqlite":
		return NewSQLiteRepository(ctx, cfg.SQLitePath)
	default:
		return NewMemoryRepository(), nil
	}
}

// waitReady pings until the database answers, backing off between attempts.
func waitReady(ctx context.Context, repo Repository, cfg Config) error {
	retries := cfg.ConnectRetries
	if retries <= 0 {
		retries = 5
	}
	base := cfg.RetryBase
	if base <= 0 {
		base = 200 * time.Millisecond
	}

	var err error
	for attempt := 0; attempt < retries; attempt++ {
		if err = repo.Ping(ctx); err == nil {
			return nil
		}
		if attempt == retries-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(reliability.ExponentialBackoff(attempt, base, 5*time.Second)):
		}
	}
	return fmt.Errorf("database not ready after %d attempts: %w", retries, err)
}
