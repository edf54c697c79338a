// Package query answers the read-only intents: searching found items and listing the
// caller's reports, matches and pickups.
package query

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ent0n29/lostfound/internal/records"
	"github.com/ent0n29/lostfound/internal/session"
)

// MaxPayload bounds the number of entries a Result carries.
const MaxPayload = 5

var ErrNotQueryIntent = errors.New("intent is not answered by a query handler")

// Entry is one display-ready row of a Result.
type Entry struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	Detail string `json:"detail,omitempty"`
	Status string `json:"status,omitempty"`
	When   string `json:"when,omitempty"`
}

type Result struct {
	Type    session.Intent `json:"type"`
	Message string         `json:"message"`
	Total   int            `json:"total"`
	Payload []Entry        `json:"payload"`
}

// Params carries the classification hints and the caller's identity.
type Params struct {
	UserID   string
	Keyword  string
	Category string
	ReportID string
}

type Handlers struct {
	items   records.ItemFinder
	reports records.ReportStore
	matches records.MatchFinder
	pickups records.PickupFinder
}

func NewHandlers(items records.ItemFinder, reports records.ReportStore, matches records.MatchFinder, pickups records.PickupFinder) *Handlers {
	return &Handlers{items: items, reports: reports, matches: matches, pickups: pickups}
}

// FromRepository wires every handler to one backend.
func FromRepository(repo records.Repository) *Handlers {
	return NewHandlers(repo, repo, repo, repo)
}

// Run dispatches to the handler for intent.
func (h *Handlers) Run(ctx context.Context, intent session.Intent, p Params) (Result, error) {
	switch intent {
	case session.IntentSearchItems:
		return h.SearchItems(ctx, p)
	case session.IntentMyReports:
		return h.MyReports(ctx, p)
	case session.IntentCheckMatches:
		return h.CheckMatches(ctx, p)
	case session.IntentMyPickups:
		return h.MyPickups(ctx, p)
	case session.IntentFileReport, session.IntentUnknown:
		return Result{}, fmt.Errorf("%w: %s", ErrNotQueryIntent, intent)
	default:
		return Result{}, fmt.Errorf("%w: %s", ErrNotQueryIntent, intent)
	}
}

var firstPage = records.Page{Limit: MaxPayload}

func (h *Handlers) SearchItems(ctx context.Context, p Params) (Result, error) {
	res := Result{Type: session.IntentSearchItems}
	items, total, err := h.items.SearchItems(ctx, records.ItemQuery{
		Keyword:  strings.TrimSpace(p.Keyword),
		Category: p.Category,
		Page:     firstPage,
	})
	if err != nil {
		return Result{}, fmt.Errorf("search items: %w", err)
	}

	what := describeFilter(p.Keyword, p.Category)
	if total == 0 {
		res.Message = fmt.Sprintf("No found items match %s yet. New items are handed in every day; "+
			"you can also file a lost-item report so we can match it for you.", what)
		return res, nil
	}
	for _, it := range items {
		res.Payload = append(res.Payload, Entry{
			ID:     it.ID,
			Title:  it.Title,
			Detail: joinNonEmpty(" · ", it.Category, it.Location),
			Status: it.Status,
			When:   it.FoundAt.Format("2006-01-02"),
		})
	}
	res.Total = total
	res.Message = fmt.Sprintf("I found %s matching %s.", plural(total, "item"), what)
	return finish(res), nil
}

func (h *Handlers) MyReports(ctx context.Context, p Params) (Result, error) {
	res := Result{Type: session.IntentMyReports}
	if p.UserID == "" {
		res.Message = "I can only show reports for a signed-in user."
		return res, nil
	}
	reports, total, err := h.reports.ListReports(ctx, p.UserID, firstPage)
	if err != nil {
		return Result{}, fmt.Errorf("list reports: %w", err)
	}
	for _, r := range reports {
		if r.UserID != p.UserID {
			total--
			continue
		}
		res.Payload = append(res.Payload, reportEntry(r))
	}
	if total <= 0 {
		res.Message = "You haven't filed any lost-item reports yet. Tell me what you lost and I'll help you file one."
		res.Payload = nil
		return res, nil
	}
	res.Total = total
	res.Message = fmt.Sprintf("You have %s.", plural(total, "lost-item report"))
	return finish(res), nil
}

func (h *Handlers) CheckMatches(ctx context.Context, p Params) (Result, error) {
	res := Result{Type: session.IntentCheckMatches}
	if p.UserID == "" {
		res.Message = "I can only check matches for a signed-in user."
		return res, nil
	}

	report, err := h.resolveReport(ctx, p)
	switch {
	case errors.Is(err, records.ErrNotFound) && p.ReportID == "":
		res.Message = "You haven't filed any lost-item reports yet, so there is nothing to match. " +
			"Tell me what you lost and I'll help you file one."
		return res, nil
	case errors.Is(err, records.ErrNotFound), errors.Is(err, errNotOwner):
		res.Message = fmt.Sprintf("I couldn't find a report %s on your account.", p.ReportID)
		return res, nil
	case err != nil:
		return Result{}, err
	}

	matches, total, err := h.matches.MatchesForReport(ctx, report.ID, firstPage)
	if err != nil {
		return Result{}, fmt.Errorf("list matches: %w", err)
	}
	label := strings.ToLower(strings.ReplaceAll(report.Category, "_", " "))
	if total == 0 {
		res.Message = fmt.Sprintf("No matches for your %s report yet. We'll keep checking new items as they come in.", label)
		return res, nil
	}
	for _, m := range matches {
		res.Payload = append(res.Payload, Entry{
			ID:     m.ID,
			Title:  m.ItemTitle,
			Detail: fmt.Sprintf("%.0f%% match", m.Score*100),
			Status: m.Status,
			When:   m.CreatedAt.Format("2006-01-02"),
		})
	}
	res.Total = total
	res.Message = fmt.Sprintf("Your %s report has %s.", label, plural(total, "possible match"))
	return finish(res), nil
}

var errNotOwner = errors.New("report belongs to another user")

func (h *Handlers) resolveReport(ctx context.Context, p Params) (records.Report, error) {
	if p.ReportID == "" {
		r, err := h.reports.LatestReport(ctx, p.UserID)
		if err != nil && !errors.Is(err, records.ErrNotFound) {
			return records.Report{}, fmt.Errorf("latest report: %w", err)
		}
		return r, err
	}
	r, err := h.reports.GetReport(ctx, p.ReportID)
	if err != nil {
		if errors.Is(err, records.ErrNotFound) {
			return records.Report{}, err
		}
		return records.Report{}, fmt.Errorf("get report: %w", err)
	}
	if r.UserID != p.UserID {
		return records.Report{}, errNotOwner
	}
	return r, nil
}

func (h *Handlers) MyPickups(ctx context.Context, p Params) (Result, error) {
	res := Result{Type: session.IntentMyPickups}
	if p.UserID == "" {
		res.Message = "I can only show pickups for a signed-in user."
		return res, nil
	}
	pickups, total, err := h.pickups.ListPickups(ctx, p.UserID, firstPage)
	if err != nil {
		return Result{}, fmt.Errorf("list pickups: %w", err)
	}
	for _, pk := range pickups {
		if pk.UserID != p.UserID {
			total--
			continue
		}
		res.Payload = append(res.Payload, Entry{
			ID:     pk.ID,
			Title:  pk.ItemTitle,
			Detail: pk.Location,
			Status: pk.Status,
			When:   pk.ScheduledAt.Format("2006-01-02 15:04"),
		})
	}
	if total <= 0 {
		res.Message = "You have no pickups scheduled. Once one of your items is matched we'll help you arrange one."
		res.Payload = nil
		return res, nil
	}
	res.Total = total
	res.Message = fmt.Sprintf("You have %s scheduled.", plural(total, "pickup"))
	return finish(res), nil
}

func reportEntry(r records.Report) Entry {
	return Entry{
		ID:     r.ID,
		Title:  joinNonEmpty(" · ", r.Category, r.Description),
		Detail: r.Location,
		Status: r.Status,
		When:   r.DateLost.Format("2006-01-02"),
	}
}

// finish caps the payload and appends one display line per entry to the message.
func finish(res Result) Result {
	if len(res.Payload) > MaxPayload {
		res.Payload = res.Payload[:MaxPayload]
	}
	var b strings.Builder
	b.WriteString(res.Message)
	for _, e := range res.Payload {
		b.WriteString("\n- ")
		b.WriteString(e.Title)
		if extra := joinNonEmpty(", ", e.Detail, e.When, e.Status); extra != "" {
			b.WriteString(" (" + extra + ")")
		}
	}
	if res.Total > len(res.Payload) {
		fmt.Fprintf(&b, "\n...and %d more.", res.Total-len(res.Payload))
	}
	res.Message = b.String()
	return res
}

func describeFilter(keyword, category string) string {
	keyword = strings.TrimSpace(keyword)
	cat := strings.ToLower(strings.ReplaceAll(category, "_", " "))
	switch {
	case keyword != "" && cat != "":
		return fmt.Sprintf("%q in %s", keyword, cat)
	case keyword != "":
		return fmt.Sprintf("%q", keyword)
	case cat != "":
		return cat
	default:
		return "your search"
	}
}

func plural(n int, noun string) string {
	if n == 1 {
		return "1 " + noun
	}
	if strings.HasSuffix(noun, "ch") {
		return fmt.Sprintf("%d %ses", n, noun)
	}
	return fmt.Sprintf("%d %ss", n, noun)
}

func joinNonEmpty(sep string, parts ...string) string {
	out := parts[:0:0]
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, sep)
}
