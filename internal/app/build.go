package app

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/ent0n29/lostfound/internal/brain"
	"github.com/ent0n29/lostfound/internal/chat"
	"github.com/ent0n29/lostfound/internal/config"
	"github.com/ent0n29/lostfound/internal/dialogue"
	"github.com/ent0n29/lostfound/internal/httpapi"
	"github.com/ent0n29/lostfound/internal/intent"
	"github.com/ent0n29/lostfound/internal/logging"
	"github.com/ent0n29/lostfound/internal/observability"
	"github.com/ent0n29/lostfound/internal/query"
	"github.com/ent0n29/lostfound/internal/records"
	"github.com/ent0n29/lostfound/internal/session"
)

type BuildResult struct {
	Config   config.Config
	API      *httpapi.Server
	Chat     *chat.Service
	Sessions *session.MemoryStore
	Records  records.Repository
	Metrics  *observability.Metrics
	Backend  string

	// Cleanup stops the janitor and closes the records backend.
	Cleanup func() error
}

// Build wires the service graph. reg may be nil to use the default Prometheus registry.
func Build(ctx context.Context, cfg config.Config, log zerolog.Logger, reg prometheus.Registerer) (*BuildResult, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace, reg)

	recordsCfg := records.Config{DatabaseURL: cfg.DatabaseURL, SQLitePath: cfg.SQLitePath}
	repo, err := records.NewRepository(ctx, recordsCfg)
	if err != nil {
		return nil, fmt.Errorf("records init failed: %w", err)
	}
	backend := records.Backend(recordsCfg)

	if cfg.RecordsSeedFile != "" {
		fixtures, err := loadFixtures(cfg.RecordsSeedFile)
		if err != nil {
			_ = repo.Close()
			return nil, err
		}
		if err := repo.Seed(ctx, fixtures); err != nil {
			_ = repo.Close()
			return nil, fmt.Errorf("records seed failed: %w", err)
		}
		log.Info().
			Str("file", cfg.RecordsSeedFile).
			Int("items", len(fixtures.Items)).
			Int("reports", len(fixtures.Reports)).
			Msg("records seeded")
	}

	adapter, err := brain.NewAdapter(brain.Config{
		Mode:        cfg.BrainMode,
		HTTPURL:     cfg.BrainHTTPURL,
		FallbackURL: cfg.BrainFallbackURL,
		APIKey:      cfg.BrainAPIKey,
		Model:       cfg.BrainModel,
		Timeout:     cfg.BrainTimeout,
		Stream:      cfg.BrainStream,
	})
	if err != nil {
		_ = repo.Close()
		return nil, fmt.Errorf("brain adapter init failed: %w", err)
	}

	categories := dialogue.DefaultCategories
	if len(cfg.Categories) > 0 {
		categories = dialogue.NewCategorySet(cfg.Categories...)
	}

	router := intent.NewRouter(adapter, categories,
		intent.WithTimeout(cfg.BrainTimeout),
		intent.WithLogger(logging.Component(log, "intent")),
		intent.WithFailureHook(func(reason string) {
			metrics.UnderstandingErrors.WithLabelValues("classify", reason).Inc()
			metrics.ObserveIndicator("classification_degraded")
		}),
	)

	sessions := session.NewMemoryStore(cfg.SessionTTL)
	service := chat.NewService(
		sessions,
		adapter,
		router,
		query.FromRepository(repo),
		repo,
		metrics,
		logging.Component(log, "chat"),
		chat.Options{
			HistoryWindow: cfg.HistoryWindow,
			CallTimeout:   cfg.BrainTimeout,
			Categories:    categories,
		},
	)
	sessions.SetExpireHook(service.SessionExpired)

	sessions.StartJanitor(context.Background(), cfg.SessionSweepInterval)

	api := httpapi.New(cfg, service, repo, metrics, logging.Component(log, "httpapi"))

	cleanup := func() error {
		sessions.Stop()
		var errs []string
		if err := repo.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if len(errs) > 0 {
			return fmt.Errorf("%s", strings.Join(errs, "; "))
		}
		return nil
	}

	return &BuildResult{
		Config:   cfg,
		API:      api,
		Chat:     service,
		Sessions: sessions,
		Records:  repo,
		Metrics:  metrics,
		Backend:  backend,
		Cleanup:  cleanup,
	}, nil
}

func loadFixtures(path string) (records.Fixtures, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return records.Fixtures{}, fmt.Errorf("read seed file: %w", err)
	}
	var f records.Fixtures
	if err := json.Unmarshal(raw, &f); err != nil {
		return records.Fixtures{}, fmt.Errorf("parse seed file %s: %w", path, err)
	}
	return f, nil
}
