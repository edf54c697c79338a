package records

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepository is a simple in-process repository for local/dev use.
type MemoryRepository struct {
	mu      sync.RWMutex
	items   []Item
	reports map[string]Report
	matches map[string][]Match
	pickups map[string][]Pickup
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		reports: make(map[string]Report),
		matches: make(map[string][]Match),
		pickups: make(map[string][]Pickup),
	}
}

func (r *MemoryRepository) Seed(_ context.Context, f Fixtures) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, it := range f.Items {
		if it.ID == "" {
			it.ID = uuid.NewString()
		}
		r.items = append(r.items, it)
	}
	for _, rep := range f.Reports {
		if rep.ID == "" {
			rep.ID = uuid.NewString()
		}
		r.reports[rep.ID] = rep
	}
	for _, m := range f.Matches {
		if m.ID == "" {
			m.ID = uuid.NewString()
		}
		r.matches[m.ReportID] = append(r.matches[m.ReportID], m)
	}
	for _, p := range f.Pickups {
		if p.ID == "" {
			p.ID = uuid.NewString()
		}
		r.pickups[p.UserID] = append(r.pickups[p.UserID], p)
	}
	return nil
}

func (r *MemoryRepository) SearchItems(_ context.Context, q ItemQuery) ([]Item, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keyword := strings.ToLower(strings.TrimSpace(q.Keyword))
	var hits []Item
	for _, it := range r.items {
		if q.Category != "" && it.Category != q.Category {
			continue
		}
		if keyword != "" {
			hay := strings.ToLower(it.Title + " " + it.Description + " " + it.Location)
			if !strings.Contains(hay, keyword) {
				continue
			}
		}
		hits = append(hits, it)
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].FoundAt.After(hits[j].FoundAt) })
	return pageOf(hits, q.Page), len(hits), nil
}

func (r *MemoryRepository) CreateReport(_ context.Context, d ReportDraft) (Report, error) {
	rep := reportFromDraft(d)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports[rep.ID] = rep
	return rep, nil
}

func (r *MemoryRepository) ListReports(_ context.Context, userID string, page Page) ([]Report, int, error) {
	mine := r.userReports(userID)
	return pageOf(mine, page), len(mine), nil
}

func (r *MemoryRepository) GetReport(_ context.Context, id string) (Report, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rep, ok := r.reports[id]
	if !ok {
		return Report{}, ErrNotFound
	}
	return rep, nil
}

func (r *MemoryRepository) LatestReport(_ context.Context, userID string) (Report, error) {
	mine := r.userReports(userID)
	if len(mine) == 0 {
		return Report{}, ErrNotFound
	}
	return mine[0], nil
}

func (r *MemoryRepository) MatchesForReport(_ context.Context, reportID string, page Page) ([]Match, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	arr := append([]Match(nil), r.matches[reportID]...)
	sort.SliceStable(arr, func(i, j int) bool { return arr[i].Score > arr[j].Score })
	return pageOf(arr, page), len(arr), nil
}

func (r *MemoryRepository) ListPickups(_ context.Context, userID string, page Page) ([]Pickup, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	arr := append([]Pickup(nil), r.pickups[userID]...)
	sort.SliceStable(arr, func(i, j int) bool { return arr[i].ScheduledAt.Before(arr[j].ScheduledAt) })
	return pageOf(arr, page), len(arr), nil
}

func (r *MemoryRepository) Ping(context.Context) error { return nil }

func (r *MemoryRepository) Close() error { return nil }

// userReports returns the user's reports, newest first.
func (r *MemoryRepository) userReports(userID string) []Report {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Report
	for _, rep := range r.reports {
		if rep.UserID == userID {
			out = append(out, rep)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

func reportFromDraft(d ReportDraft) Report {
	return Report{
		ID:                  uuid.NewString(),
		UserID:              d.UserID,
		UserEmail:           d.UserEmail,
		Category:            d.Category,
		Description:         d.Description,
		Location:            d.Location,
		DateLost:            d.DateLost,
		IdentifyingFeatures: append([]string(nil), d.IdentifyingFeatures...),
		ContactPhone:        d.ContactPhone,
		Status:              ReportStatusOpen,
		CreatedAt:           time.Now().UTC(),
	}
}

func pageOf[T any](all []T, p Page) []T {
	p = p.normalize()
	if p.Offset >= len(all) {
		return nil
	}
	end := p.Offset + p.Limit
	if end > len(all) {
		end = len(all)
	}
	return all[p.Offset:end]
}
