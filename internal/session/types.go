package session

import (
	"time"
)

// Step is a position in the report-filing dialogue.
type Step string

const (
	StepGreeting              Step = "GREETING"
	StepCollectingCategory    Step = "COLLECTING_CATEGORY"
	StepCollectingDescription Step = "COLLECTING_DESCRIPTION"
	StepCollectingLocation    Step = "COLLECTING_LOCATION"
	StepCollectingDate        Step = "COLLECTING_DATE"
	StepCollectingFeatures    Step = "COLLECTING_FEATURES"
	StepCollectingPhone       Step = "COLLECTING_PHONE"
	StepConfirming            Step = "CONFIRMING"
	StepCompleted             Step = "COMPLETED"
	StepCancelled             Step = "CANCELLED"
)

// Terminal reports whether the step is absorbing.
func (s Step) Terminal() bool {
	return s == StepCompleted || s == StepCancelled
}

// Intent is the high-level goal of the current exchange.
type Intent string

const (
	IntentFileReport   Intent = "FILE_REPORT"
	IntentSearchItems  Intent = "SEARCH_ITEMS"
	IntentMyReports    Intent = "MY_REPORTS"
	IntentCheckMatches Intent = "CHECK_MATCHES"
	IntentMyPickups    Intent = "MY_PICKUPS"
	IntentUnknown      Intent = "UNKNOWN"
)

// ParseIntent maps a raw label onto the closed intent set. Anything unrecognized is IntentUnknown.
func ParseIntent(raw string) Intent {
	switch Intent(raw) {
	case IntentFileReport, IntentSearchItems, IntentMyReports, IntentCheckMatches, IntentMyPickups:
		return Intent(raw)
	default:
		return IntentUnknown
	}
}

// AnonymousUser is the identity of callers that did not name themselves. Sessions of
// anonymous callers never supersede each other.
const AnonymousUser = "anonymous"

// IsNamedUser reports whether id identifies a specific caller.
func IsNamedUser(id string) bool {
	return id != "" && id != AnonymousUser
}

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Field names a slot of CollectedData.
type Field string

const (
	FieldCategory    Field = "category"
	FieldDescription Field = "description"
	FieldLocation    Field = "location"
	FieldDateLost    Field = "date_lost"
	FieldFeatures    Field = "identifying_features"
	FieldPhone       Field = "contact_phone"
)

// RequiredFields are the slots a report cannot be filed without, in dialogue order.
var RequiredFields = []Field{FieldCategory, FieldDescription, FieldLocation, FieldDateLost}

// CollectedData is the partially filled lost-item report.
type CollectedData struct {
	Category            string     `json:"category,omitempty"`
	Description         string     `json:"description,omitempty"`
	Location            string     `json:"location,omitempty"`
	DateLost            *time.Time `json:"date_lost,omitempty"`
	IdentifyingFeatures []string   `json:"identifying_features,omitempty"`
	ContactPhone        string     `json:"contact_phone,omitempty"`
}

func (d CollectedData) Has(f Field) bool {
	switch f {
	case FieldCategory:
		return d.Category != ""
	case FieldDescription:
		return d.Description != ""
	case FieldLocation:
		return d.Location != ""
	case FieldDateLost:
		return d.DateLost != nil
	case FieldFeatures:
		return len(d.IdentifyingFeatures) > 0
	case FieldPhone:
		return d.ContactPhone != ""
	default:
		return false
	}
}

// Missing lists the required fields that are still unset.
func (d CollectedData) Missing() []Field {
	var out []Field
	for _, f := range RequiredFields {
		if !d.Has(f) {
			out = append(out, f)
		}
	}
	return out
}

func (d CollectedData) Clone() CollectedData {
	out := d
	if d.DateLost != nil {
		t := *d.DateLost
		out.DateLost = &t
	}
	if d.IdentifyingFeatures != nil {
		out.IdentifyingFeatures = make([]string, len(d.IdentifyingFeatures))
		copy(out.IdentifyingFeatures, d.IdentifyingFeatures)
	}
	return out
}

// Session is one active dialogue between a user and the assistant.
type Session struct {
	ID            string        `json:"session_id"`
	UserID        string        `json:"user_id"`
	UserEmail     string        `json:"user_email"`
	Step          Step          `json:"step"`
	Intent        Intent        `json:"intent"`
	CollectedData CollectedData `json:"collected_data"`
	Messages      []Message     `json:"messages"`
	ReportID      string        `json:"report_id,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
	ExpiresAt     time.Time     `json:"expires_at"`
}

func (s *Session) AppendMessage(role Role, content string, at time.Time) {
	s.Messages = append(s.Messages, Message{Role: role, Content: content, Timestamp: at})
}

// RecentMessages returns up to the last n messages in chronological order.
func (s *Session) RecentMessages(n int) []Message {
	if n <= 0 || n >= len(s.Messages) {
		return s.Messages
	}
	return s.Messages[len(s.Messages)-n:]
}

func (s *Session) Clone() *Session {
	c := *s
	c.CollectedData = s.CollectedData.Clone()
	if s.Messages != nil {
		c.Messages = make([]Message, len(s.Messages))
		copy(c.Messages, s.Messages)
	}
	return &c
}
