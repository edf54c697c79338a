package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/ent0n29/lostfound/internal/config"
	"github.com/ent0n29/lostfound/internal/records"
)

func testConfig() config.Config {
	return config.Config{
		MetricsNamespace: "app_test",
		SessionTTL:       time.Minute,
		HistoryWindow:    10,
		BrainMode:        "mock",
		BrainTimeout:     time.Second,
	}
}

func TestBuildSeedsRecordsAndServes(t *testing.T) {
	seed := filepath.Join(t.TempDir(), "seed.json")
	fixtures := `{"items":[{"id":"i-1","title":"Black umbrella","category":"ACCESSORIES","location":"Platform 2","found_at":"2026-03-10T09:00:00Z","status":"STORED"}]}`
	if err := os.WriteFile(seed, []byte(fixtures), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	cfg := testConfig()
	cfg.RecordsSeedFile = seed

	res, err := Build(context.Background(), cfg, zerolog.Nop(), prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	defer res.Cleanup()

	if res.Backend != "memory" {
		t.Fatalf("Backend = %q, want memory", res.Backend)
	}
	items, total, err := res.Records.SearchItems(context.Background(), records.ItemQuery{Keyword: "umbrella"})
	if err != nil {
		t.Fatalf("SearchItems() error = %v", err)
	}
	if total != 1 || items[0].ID != "i-1" {
		t.Fatalf("SearchItems() = %+v (total %d)", items, total)
	}

	rec := httptest.NewRecorder()
	res.API.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("readyz status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestBuildRejectsBadSeedFile(t *testing.T) {
	seed := filepath.Join(t.TempDir(), "seed.json")
	if err := os.WriteFile(seed, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	cfg := testConfig()
	cfg.RecordsSeedFile = seed
	if _, err := Build(context.Background(), cfg, zerolog.Nop(), prometheus.NewRegistry()); err == nil {
		t.Fatalf("Build() expected seed parse error")
	}
}

func TestBuildRejectsUnknownBrainMode(t *testing.T) {
	cfg := testConfig()
	cfg.BrainMode = "telepathy"
	if _, err := Build(context.Background(), cfg, zerolog.Nop(), prometheus.NewRegistry()); err == nil {
		t.Fatalf("Build() expected adapter mode error")
	}
}
