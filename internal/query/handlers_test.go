package query

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/ent0n29/lostfound/internal/records"
	"github.com/ent0n29/lostfound/internal/session"
)

func seededHandlers(t *testing.T) (*Handlers, *records.MemoryRepository) {
	t.Helper()
	repo := records.NewMemoryRepository()
	base := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	var items []records.Item
	for i := 0; i < 7; i++ {
		items = append(items, records.Item{
			ID:       fmt.Sprintf("umb-%d", i),
			Title:    fmt.Sprintf("Umbrella #%d", i),
			Category: "ACCESSORIES",
			Location: "Central station",
			FoundAt:  base.Add(time.Duration(i) * time.Hour),
			Status:   records.ItemStatusStored,
		})
	}
	err := repo.Seed(context.Background(), records.Fixtures{
		Items: items,
		Reports: []records.Report{
			{ID: "rep-bob", UserID: "bob", Category: "BAG", Description: "tote", DateLost: base, CreatedAt: base},
		},
		Matches: []records.Match{
			{ID: "m-bob", ReportID: "rep-bob", ItemID: "umb-1", ItemTitle: "Umbrella #1", Score: 0.4, CreatedAt: base},
		},
		Pickups: []records.Pickup{
			{ID: "p-1", UserID: "alice", ItemID: "umb-2", ItemTitle: "Umbrella #2", Location: "Front desk", ScheduledAt: base, Status: "SCHEDULED"},
		},
	})
	if err != nil {
		t.Fatalf("Seed() error = %v", err)
	}
	return FromRepository(repo), repo
}

func TestSearchItemsCapsPayload(t *testing.T) {
	h, _ := seededHandlers(t)
	res, err := h.SearchItems(context.Background(), Params{Keyword: "umbrella"})
	if err != nil {
		t.Fatalf("SearchItems() error = %v", err)
	}
	if res.Total != 7 || len(res.Payload) != MaxPayload {
		t.Fatalf("Total = %d, payload = %d, want 7 and %d", res.Total, len(res.Payload), MaxPayload)
	}
	if res.Payload[0].ID != "umb-6" {
		t.Fatalf("first entry = %s, want newest umb-6", res.Payload[0].ID)
	}
	if !strings.Contains(res.Message, "7 items") || !strings.Contains(res.Message, "and 2 more") {
		t.Fatalf("Message = %q", res.Message)
	}
}

func TestSearchItemsEmptyIsGuidance(t *testing.T) {
	h, _ := seededHandlers(t)
	res, err := h.SearchItems(context.Background(), Params{Keyword: "saxophone"})
	if err != nil {
		t.Fatalf("SearchItems() error = %v", err)
	}
	if res.Total != 0 || len(res.Payload) != 0 || !strings.Contains(res.Message, "No found items") {
		t.Fatalf("SearchItems() = %+v", res)
	}
}

func TestCheckMatchesResolvesLatestReport(t *testing.T) {
	h, repo := seededHandlers(t)
	ctx := context.Background()

	res, err := h.CheckMatches(ctx, Params{UserID: "alice"})
	if err != nil {
		t.Fatalf("CheckMatches() error = %v", err)
	}
	if res.Total != 0 || !strings.Contains(res.Message, "haven't filed") {
		t.Fatalf("CheckMatches(no reports) = %+v", res)
	}

	rep, err := repo.CreateReport(ctx, records.ReportDraft{UserID: "alice", Category: "ACCESSORIES", Description: "umbrella", Location: "station", DateLost: time.Now()})
	if err != nil {
		t.Fatalf("CreateReport() error = %v", err)
	}
	if err := repo.Seed(ctx, records.Fixtures{Matches: []records.Match{
		{ID: "m-1", ReportID: rep.ID, ItemID: "umb-3", ItemTitle: "Umbrella #3", Score: 0.87},
	}}); err != nil {
		t.Fatalf("Seed() error = %v", err)
	}

	res, err = h.CheckMatches(ctx, Params{UserID: "alice"})
	if err != nil {
		t.Fatalf("CheckMatches() error = %v", err)
	}
	if res.Total != 1 || res.Payload[0].Title != "Umbrella #3" || res.Payload[0].Detail != "87% match" {
		t.Fatalf("CheckMatches() = %+v", res)
	}
}

func TestCheckMatchesRejectsForeignReport(t *testing.T) {
	h, _ := seededHandlers(t)
	res, err := h.CheckMatches(context.Background(), Params{UserID: "alice", ReportID: "rep-bob"})
	if err != nil {
		t.Fatalf("CheckMatches() error = %v", err)
	}
	if res.Total != 0 || len(res.Payload) != 0 || !strings.Contains(res.Message, "couldn't find a report rep-bob") {
		t.Fatalf("CheckMatches(foreign) = %+v", res)
	}
}

func TestMyReportsAndPickupsAreOwned(t *testing.T) {
	h, _ := seededHandlers(t)
	ctx := context.Background()

	res, err := h.MyReports(ctx, Params{UserID: "alice"})
	if err != nil {
		t.Fatalf("MyReports() error = %v", err)
	}
	if res.Total != 0 || !strings.Contains(res.Message, "haven't filed") {
		t.Fatalf("MyReports(alice) = %+v", res)
	}

	res, err = h.MyReports(ctx, Params{UserID: "bob"})
	if err != nil {
		t.Fatalf("MyReports() error = %v", err)
	}
	if res.Total != 1 || res.Payload[0].ID != "rep-bob" {
		t.Fatalf("MyReports(bob) = %+v", res)
	}

	res, err = h.MyPickups(ctx, Params{UserID: "alice"})
	if err != nil {
		t.Fatalf("MyPickups() error = %v", err)
	}
	if res.Total != 1 || res.Payload[0].Detail != "Front desk" {
		t.Fatalf("MyPickups(alice) = %+v", res)
	}

	res, err = h.MyPickups(ctx, Params{UserID: "bob"})
	if err != nil || res.Total != 0 {
		t.Fatalf("MyPickups(bob) = %+v, err = %v", res, err)
	}
}

func TestRunRejectsNonQueryIntent(t *testing.T) {
	h, _ := seededHandlers(t)
	for _, in := range []session.Intent{session.IntentFileReport, session.IntentUnknown} {
		if _, err := h.Run(context.Background(), in, Params{}); !errors.Is(err, ErrNotQueryIntent) {
			t.Fatalf("Run(%s) error = %v, want ErrNotQueryIntent", in, err)
		}
	}
	res, err := h.Run(context.Background(), session.IntentMyPickups, Params{UserID: "alice"})
	if err != nil || res.Type != session.IntentMyPickups {
		t.Fatalf("Run(MY_PICKUPS) = %+v, err = %v", res, err)
	}
}

type failingItems struct{}

func (failingItems) SearchItems(context.Context, records.ItemQuery) ([]records.Item, int, error) {
	return nil, 0, errors.New("db down")
}

func TestSearchItemsPropagatesCollaboratorError(t *testing.T) {
	repo := records.NewMemoryRepository()
	h := NewHandlers(failingItems{}, repo, repo, repo)
	if _, err := h.SearchItems(context.Background(), Params{Keyword: "x"}); err == nil {
		t.Fatalf("SearchItems() expected error")
	}
}
