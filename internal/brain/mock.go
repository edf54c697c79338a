package brain

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"
)

// MockAdapter answers with deterministic keyword extraction so the service runs
// without a model endpoint. It recognizes the classification instruction by the
// "intent" key it asks for, and reads the "Current step:" hint of the filing
// instruction when present.
type MockAdapter struct{}

func NewMockAdapter() *MockAdapter { return &MockAdapter{} }

func (a *MockAdapter) Complete(ctx context.Context, messages []Message) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}

	system, user := splitMessages(messages)
	var out any
	if strings.Contains(system, `"intent"`) {
		out = mockClassify(user)
	} else {
		out = mockFiling(stepHint(system), user)
	}
	b, err := json.Marshal(out)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func splitMessages(messages []Message) (system, lastUser string) {
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			if system == "" {
				system = m.Content
			}
		case RoleUser:
			lastUser = m.Content
		}
	}
	return system, strings.TrimSpace(lastUser)
}

func stepHint(system string) string {
	const marker = "Current step: "
	i := strings.Index(system, marker)
	if i < 0 {
		return ""
	}
	rest := system[i+len(marker):]
	if j := strings.IndexAny(rest, ".\n"); j >= 0 {
		rest = rest[:j]
	}
	return strings.TrimSpace(rest)
}

var mockCategoryWords = []struct {
	category string
	words    []string
}{
	{"ELECTRONICS", []string{"phone", "laptop", "tablet", "headphones", "earbuds", "charger", "camera", "airpods"}},
	{"WALLET", []string{"wallet", "purse"}},
	{"KEYS", []string{"keys", "key"}},
	{"BAG", []string{"backpack", "bag", "suitcase", "handbag"}},
	{"CLOTHING", []string{"jacket", "coat", "scarf", "hat", "sweater", "hoodie"}},
	{"JEWELRY", []string{"ring", "necklace", "bracelet", "earring", "watch"}},
	{"DOCUMENTS", []string{"passport", "id card", "license", "licence"}},
	{"BOOKS", []string{"book", "notebook"}},
	{"ACCESSORIES", []string{"umbrella", "sunglasses", "glasses"}},
}

var (
	wordBoundary    = regexp.MustCompile(`[a-z]+(?: card)?`)
	isoDatePattern  = regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}\b`)
	daysAgoMock     = regexp.MustCompile(`\b\d{1,3} days? ago\b`)
	phonePattern    = regexp.MustCompile(`\+?\d[\d\s().-]{5,}\d`)
	locationPattern = regexp.MustCompile(`\b(?:at|in|near|on) (the [a-z ]+?|[a-z]+ (?:station|library|cafe|park|office|gym))(?:\s+(?:yesterday|today|last|this|on|around)\b|[,.!?]|$)`)
	afterMyPattern  = regexp.MustCompile(`\bmy ([a-z ]+?)(?:\s+(?:at|in|near|on|yesterday|today|last)\b|[,.!?]|$)`)
	uuidPattern     = regexp.MustCompile(`[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`)
	searchForRegexp = regexp.MustCompile(`\b(?:for|any) (?:a |an |the )?([a-z]+)`)
)

func mockCategory(lower string) string {
	words := map[string]bool{}
	for _, w := range wordBoundary.FindAllString(lower, -1) {
		words[w] = true
	}
	for _, entry := range mockCategoryWords {
		for _, w := range entry.words {
			if words[w] || (strings.Contains(w, " ") && strings.Contains(lower, w)) {
				return entry.category
			}
		}
	}
	return ""
}

func mockDate(lower string) string {
	switch {
	case isoDatePattern.MatchString(lower):
		return isoDatePattern.FindString(lower)
	case daysAgoMock.MatchString(lower):
		return daysAgoMock.FindString(lower)
	case strings.Contains(lower, "day before yesterday"):
		return "day before yesterday"
	case strings.Contains(lower, "yesterday"):
		return "yesterday"
	case strings.Contains(lower, "last night"):
		return "last night"
	case strings.Contains(lower, "today"), strings.Contains(lower, "this morning"):
		return "today"
	default:
		return ""
	}
}

func mockClassify(text string) map[string]string {
	lower := strings.ToLower(text)
	out := map[string]string{"intent": "UNKNOWN"}
	switch {
	case strings.Contains(lower, "pickup"):
		out["intent"] = "MY_PICKUPS"
	case strings.Contains(lower, "match"):
		out["intent"] = "CHECK_MATCHES"
		if id := uuidPattern.FindString(text); id != "" {
			out["report_id"] = id
		}
	case strings.Contains(lower, "my report"):
		out["intent"] = "MY_REPORTS"
	case strings.Contains(lower, "lost"), strings.Contains(lower, "report"), strings.Contains(lower, "can't find"):
		out["intent"] = "FILE_REPORT"
	case strings.Contains(lower, "found"), strings.Contains(lower, "search"), strings.Contains(lower, "looking for"):
		out["intent"] = "SEARCH_ITEMS"
		if m := searchForRegexp.FindStringSubmatch(lower); m != nil {
			out["keyword"] = m[1]
		}
	}
	if c := mockCategory(lower); c != "" {
		out["category"] = c
	}
	return out
}

type mockFilingReply struct {
	Message   string         `json:"message"`
	Extracted map[string]any `json:"extracted"`
	Flow      string         `json:"flow"`
}

func mockFiling(step, text string) mockFilingReply {
	lower := strings.ToLower(strings.TrimSpace(text))
	reply := mockFilingReply{Message: "Thanks.", Extracted: map[string]any{}, Flow: "provide_info"}

	switch {
	case lower == "cancel" || strings.Contains(lower, "never mind") || strings.Contains(lower, "cancel"):
		reply.Flow = "cancel"
		return reply
	case step == "CONFIRMING" && (lower == "yes" || strings.Contains(lower, "confirm")):
		reply.Flow = "confirm"
		return reply
	case lower == "skip" || lower == "no" || lower == "none":
		reply.Flow = "skip"
		return reply
	}

	if c := mockCategory(lower); c != "" {
		reply.Extracted["category"] = c
		if m := afterMyPattern.FindStringSubmatch(lower); m != nil {
			reply.Extracted["description"] = strings.TrimSpace(m[1])
		}
	}
	if m := locationPattern.FindStringSubmatch(lower); m != nil {
		reply.Extracted["location"] = strings.TrimSpace(m[1])
	}
	if d := mockDate(lower); d != "" {
		reply.Extracted["date_lost"] = d
	}

	switch step {
	case "COLLECTING_CATEGORY":
		if _, ok := reply.Extracted["category"]; !ok {
			reply.Extracted["category"] = text
		}
	case "COLLECTING_DESCRIPTION":
		reply.Extracted["description"] = text
	case "COLLECTING_LOCATION":
		if _, ok := reply.Extracted["location"]; !ok {
			reply.Extracted["location"] = text
		}
	case "COLLECTING_DATE":
		if _, ok := reply.Extracted["date_lost"]; !ok {
			reply.Extracted["date_lost"] = text
		}
	case "COLLECTING_FEATURES":
		reply.Extracted["identifying_features"] = []string{text}
	case "COLLECTING_PHONE":
		if p := phonePattern.FindString(text); p != "" {
			reply.Extracted["contact_phone"] = strings.TrimSpace(p)
		}
	case "CONFIRMING":
		reply.Flow = "edit"
	}
	return reply
}
