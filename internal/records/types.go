// Package records is the data side of the assistant: found items, lost-item reports,
// matches between them and pickups.
package records

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("record not found")

// Item is an object that was handed in to the lost-and-found office.
type Item struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Category    string    `json:"category"`
	Location    string    `json:"location"`
	FoundAt     time.Time `json:"found_at"`
	Status      string    `json:"status"`
}

// Report is a filed lost-item report.
type Report struct {
	ID                  string    `json:"id"`
	UserID              string    `json:"user_id"`
	UserEmail           string    `json:"user_email"`
	Category            string    `json:"category"`
	Description         string    `json:"description"`
	Location            string    `json:"location"`
	DateLost            time.Time `json:"date_lost"`
	IdentifyingFeatures []string  `json:"identifying_features,omitempty"`
	ContactPhone        string    `json:"contact_phone,omitempty"`
	Status              string    `json:"status"`
	CreatedAt           time.Time `json:"created_at"`
}

// ReportDraft is everything needed to file a report.
type ReportDraft struct {
	UserID              string
	UserEmail           string
	Category            string
	Description         string
	Location            string
	DateLost            time.Time
	IdentifyingFeatures []string
	ContactPhone        string
}

// Match links a report to a found item that may be the lost object.
type Match struct {
	ID        string    `json:"id"`
	ReportID  string    `json:"report_id"`
	ItemID    string    `json:"item_id"`
	ItemTitle string    `json:"item_title"`
	Score     float64   `json:"score"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// Pickup is an appointment to collect an item.
type Pickup struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	ItemID      string    `json:"item_id"`
	ItemTitle   string    `json:"item_title"`
	Location    string    `json:"location"`
	ScheduledAt time.Time `json:"scheduled_at"`
	Status      string    `json:"status"`
}

const (
	ReportStatusOpen = "OPEN"
	ItemStatusStored = "STORED"
)

// Page selects a window of a result set.
type Page struct {
	Limit  int
	Offset int
}

func (p Page) normalize() Page {
	if p.Limit <= 0 {
		p.Limit = 20
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// ItemQuery filters found items. Empty fields match everything.
type ItemQuery struct {
	Keyword  string
	Category string
	Page     Page
}

type ItemFinder interface {
	SearchItems(ctx context.Context, q ItemQuery) ([]Item, int, error)
}

// ReportCreator files a complete report and returns it with its identifier.
type ReportCreator interface {
	CreateReport(ctx context.Context, draft ReportDraft) (Report, error)
}

type ReportStore interface {
	ReportCreator
	ListReports(ctx context.Context, userID string, page Page) ([]Report, int, error)
	GetReport(ctx context.Context, id string) (Report, error)
	LatestReport(ctx context.Context, userID string) (Report, error)
}

type MatchFinder interface {
	MatchesForReport(ctx context.Context, reportID string, page Page) ([]Match, int, error)
}

type PickupFinder interface {
	ListPickups(ctx context.Context, userID string, page Page) ([]Pickup, int, error)
}

// Fixtures is data loaded by Seed, for local runs and tests.
type Fixtures struct {
	Items   []Item   `json:"items"`
	Reports []Report `json:"reports"`
	Matches []Match  `json:"matches"`
	Pickups []Pickup `json:"pickups"`
}

// Repository bundles every collaborator behind one backend.
type Repository interface {
	ItemFinder
	ReportStore
	MatchFinder
	PickupFinder
	Seed(ctx context.Context, f Fixtures) error
	Ping(ctx context.Context) error
	Close() error
}
