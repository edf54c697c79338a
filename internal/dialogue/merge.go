package dialogue

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/jinzhu/now"

	"github.com/ent0n29/lostfound/internal/session"
)

// CategorySet is the closed set of item categories a report may carry.
type CategorySet struct {
	values []string
	index  map[string]struct{}
}

func NewCategorySet(values ...string) CategorySet {
	cs := CategorySet{index: make(map[string]struct{}, len(values))}
	for _, v := range values {
		v = canonicalCategory(v)
		if v == "" {
			continue
		}
		if _, dup := cs.index[v]; dup {
			continue
		}
		cs.index[v] = struct{}{}
		cs.values = append(cs.values, v)
	}
	return cs
}

// DefaultCategories is the category set used when none is configured.
var DefaultCategories = NewCategorySet(
	"ELECTRONICS",
	"WALLET",
	"KEYS",
	"BAG",
	"CLOTHING",
	"JEWELRY",
	"DOCUMENTS",
	"ACCESSORIES",
	"BOOKS",
	"SPORTS_EQUIPMENT",
	"OTHER",
)

func (c CategorySet) Contains(v string) bool {
	_, ok := c.index[v]
	return ok
}

func (c CategorySet) Values() []string {
	out := make([]string, len(c.values))
	copy(out, c.values)
	return out
}

func (c CategorySet) Len() int { return len(c.values) }

var whitespaceRun = regexp.MustCompile(`\s+`)

func canonicalCategory(raw string) string {
	return whitespaceRun.ReplaceAllString(strings.ToUpper(strings.TrimSpace(raw)), "_")
}

// NormalizeCategory uppercases raw, joins words with underscores and accepts the
// result only when it is a member of set.
func NormalizeCategory(raw string, set CategorySet) (string, bool) {
	v := canonicalCategory(raw)
	if v == "" || !set.Contains(v) {
		return "", false
	}
	return v, true
}

// Extracted holds the fields the understanding call pulled out of one turn. Every
// field is optional.
type Extracted struct {
	Category            string   `json:"category,omitempty"`
	Description         string   `json:"description,omitempty"`
	Location            string   `json:"location,omitempty"`
	DateLost            string   `json:"date_lost,omitempty"`
	IdentifyingFeatures []string `json:"identifying_features,omitempty"`
	ContactPhone        string   `json:"contact_phone,omitempty"`
}

func (e Extracted) Empty() bool {
	return e.Category == "" && e.Description == "" && e.Location == "" &&
		e.DateLost == "" && len(e.IdentifyingFeatures) == 0 && e.ContactPhone == ""
}

// Normalizer folds extracted fields into collected data.
type Normalizer struct {
	Categories CategorySet
	Now        func() time.Time
}

// Merge applies ext to data with the given category set and the wall clock.
func Merge(data *session.CollectedData, ext Extracted, categories CategorySet) {
	Normalizer{Categories: categories}.Merge(data, ext)
}

// Merge overwrites a field of data only when the extracted value is present and
// valid. It never clears a field and never fails.
func (n Normalizer) Merge(data *session.CollectedData, ext Extracted) {
	if data == nil {
		return
	}
	if cat, ok := NormalizeCategory(ext.Category, n.Categories); ok {
		data.Category = cat
	}
	if v := strings.TrimSpace(ext.Description); v != "" {
		data.Description = v
	}
	if v := strings.TrimSpace(ext.Location); v != "" {
		data.Location = v
	}
	if v := strings.TrimSpace(ext.ContactPhone); v != "" {
		data.ContactPhone = v
	}
	if features := cleanFeatures(ext.IdentifyingFeatures); len(features) > 0 {
		data.IdentifyingFeatures = features
	}
	if strings.TrimSpace(ext.DateLost) != "" {
		if d, ok := ParseDate(ext.DateLost, n.now()); ok {
			data.DateLost = &d
		}
	}
}

func (n Normalizer) now() time.Time {
	if n.Now != nil {
		return n.Now()
	}
	return time.Now()
}

func cleanFeatures(in []string) []string {
	var out []string
	for _, f := range in {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

var (
	daysAgoPattern  = regexp.MustCompile(`^(\d{1,3})\s+days?\s+ago$`)
	fourDigitYear   = regexp.MustCompile(`\b\d{4}\b`)
	dateTimeFormats = []string{
		"2006-01-02",
		"2006-1-2",
		"2006/01/02",
		"2006/1/2",
		"2006.1.2",
		"01/02/2006",
		"1/2/2006",
		"January 2, 2006",
		"January 2 2006",
		"Jan 2, 2006",
		"Jan 2 2006",
		"2 January 2006",
		"2 Jan 2006",
		"Monday, January 2, 2006",
		"January 2",
		"Jan 2",
		"2 January",
		"2 Jan",
		time.RFC3339,
		"2006-01-02T15:04:05",
	}
)

// ParseDate turns free-form text into a calendar date (midnight UTC) relative to ref.
// Dates after ref's day are rejected; a date given without a year that would land in
// the future is moved to the previous year.
func ParseDate(raw string, ref time.Time) (time.Time, bool) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return time.Time{}, false
	}
	ref = ref.UTC()
	today := time.Date(ref.Year(), ref.Month(), ref.Day(), 0, 0, 0, 0, time.UTC)

	lower := strings.ToLower(text)
	switch lower {
	case "today", "this morning", "tonight", "this afternoon", "this evening":
		return today, true
	case "yesterday", "last night":
		return today.AddDate(0, 0, -1), true
	case "day before yesterday", "the day before yesterday":
		return today.AddDate(0, 0, -2), true
	}
	if m := daysAgoPattern.FindStringSubmatch(lower); m != nil {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			return time.Time{}, false
		}
		return today.AddDate(0, 0, -n), true
	}

	cfg := &now.Config{TimeLocation: time.UTC, TimeFormats: dateTimeFormats}
	t, err := cfg.With(ref).Parse(text)
	if err != nil {
		return time.Time{}, false
	}
	d := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	if d.After(today) && !fourDigitYear.MatchString(text) {
		d = d.AddDate(-1, 0, 0)
	}
	if d.After(today) {
		return time.Time{}, false
	}
	return d, true
}
