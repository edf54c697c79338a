// Package intent classifies the opening message of an exchange and decides whether it
// is answered by a query handler or enters report filing.
package intent

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ent0n29/lostfound/internal/brain"
	"github.com/ent0n29/lostfound/internal/dialogue"
	"github.com/ent0n29/lostfound/internal/session"
)

// Classification is the router's reading of one message. Only Intent is guaranteed.
type Classification struct {
	Intent   session.Intent `json:"intent"`
	Keyword  string         `json:"keyword,omitempty"`
	Category string         `json:"category,omitempty"`
	ReportID string         `json:"report_id,omitempty"`
}

// Route is where a classified message goes next.
type Route int

const (
	RouteSlotFilling Route = iota
	RouteQuery
)

func (r Route) String() string {
	switch r {
	case RouteQuery:
		return "query"
	default:
		return "slot_filling"
	}
}

// RouteFor maps an intent onto its route. Unknown intents go to slot filling: free text
// that fits nothing else is most likely a description of something lost.
func RouteFor(i session.Intent) Route {
	switch i {
	case session.IntentSearchItems, session.IntentMyReports, session.IntentCheckMatches, session.IntentMyPickups:
		return RouteQuery
	case session.IntentFileReport, session.IntentUnknown:
		return RouteSlotFilling
	default:
		return RouteSlotFilling
	}
}

const classifyInstruction = `You route messages for a lost-and-found assistant.
Classify the user's message into exactly one intent:
- FILE_REPORT: the user lost something and wants to report it
- SEARCH_ITEMS: the user wants to browse or search items that were found
- MY_REPORTS: the user wants to see the lost-item reports they filed
- CHECK_MATCHES: the user asks whether a found item matches one of their reports
- MY_PICKUPS: the user asks about scheduled pickups of their items
- UNKNOWN: anything else
Reply with one JSON object and nothing else:
{"intent": "<INTENT>", "keyword": "<search words or empty>", "category": "<item category or empty>", "report_id": "<report id or empty>"}`

// FailureFunc observes a classification that degraded to UNKNOWN.
type FailureFunc func(reason string)

// Router asks the understanding call for a Classification.
type Router struct {
	adapter    brain.Adapter
	categories dialogue.CategorySet
	timeout    time.Duration
	log        zerolog.Logger
	onFailure  FailureFunc
}

type Option func(*Router)

func WithTimeout(d time.Duration) Option {
	return func(r *Router) { r.timeout = d }
}

func WithLogger(l zerolog.Logger) Option {
	return func(r *Router) { r.log = l }
}

func WithFailureHook(fn FailureFunc) Option {
	return func(r *Router) { r.onFailure = fn }
}

func NewRouter(adapter brain.Adapter, categories dialogue.CategorySet, opts ...Option) *Router {
	r := &Router{
		adapter:    adapter,
		categories: categories,
		log:        zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Classify never fails: call errors and unusable answers yield IntentUnknown.
func (r *Router) Classify(ctx context.Context, text string) Classification {
	unknown := Classification{Intent: session.IntentUnknown}
	if r == nil || r.adapter == nil || strings.TrimSpace(text) == "" {
		return unknown
	}

	callCtx := ctx
	if r.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	raw, err := r.adapter.Complete(callCtx, []brain.Message{
		{Role: brain.RoleSystem, Content: classifyInstruction},
		{Role: brain.RoleUser, Content: text},
	})
	if err != nil {
		r.degrade("call_error", err)
		return unknown
	}

	c, ok := parseClassification(raw, r.categories)
	if !ok {
		r.degrade("parse_error", nil)
		return unknown
	}
	return c
}

func (r *Router) degrade(reason string, err error) {
	ev := r.log.Warn().Str("reason", reason)
	if err != nil {
		ev = ev.Err(err)
	}
	ev.Msg("intent classification degraded to UNKNOWN")
	if r.onFailure != nil {
		r.onFailure(reason)
	}
}

func parseClassification(raw string, categories dialogue.CategorySet) (Classification, bool) {
	obj, ok := dialogue.DecodeObject(raw)
	if !ok {
		return Classification{}, false
	}
	label := strings.ToUpper(strings.TrimSpace(dialogue.StringField(obj, "intent")))
	if label == "" {
		return Classification{}, false
	}
	c := Classification{
		Intent:   session.ParseIntent(label),
		Keyword:  dialogue.StringField(obj, "keyword"),
		ReportID: dialogue.StringField(obj, "report_id", "reportId"),
	}
	if cat, ok := dialogue.NormalizeCategory(dialogue.StringField(obj, "category"), categories); ok {
		c.Category = cat
	}
	return c, true
}
