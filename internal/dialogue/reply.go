package dialogue

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Reply is the structured form of one understanding-call response.
type Reply struct {
	Message    string
	Extracted  Extracted
	Signal     FlowSignal
	Structured bool
}

// ParseReply reads the understanding call's output. The text is untrusted: when it is
// not a JSON object the raw text becomes the message with nothing extracted.
func ParseReply(raw string) Reply {
	fallback := Reply{Message: strings.TrimSpace(raw), Signal: SignalProvideInfo}

	obj, ok := DecodeObject(raw)
	if !ok {
		return fallback
	}

	out := Reply{
		Message:    StringField(obj, "message", "reply", "response"),
		Signal:     ParseSignal(StringField(obj, "flow", "flow_signal", "action")),
		Structured: true,
	}
	fields := obj
	if nested, ok := obj["extracted"]; ok {
		var m map[string]json.RawMessage
		if err := json.Unmarshal(nested, &m); err == nil {
			fields = m
		}
	}
	out.Extracted = Extracted{
		Category:            StringField(fields, "category"),
		Description:         StringField(fields, "description"),
		Location:            StringField(fields, "location"),
		DateLost:            StringField(fields, "date_lost", "dateLost", "date"),
		IdentifyingFeatures: stringList(fields, "identifying_features", "identifyingFeatures", "features"),
		ContactPhone:        StringField(fields, "contact_phone", "contactPhone", "phone"),
	}
	return out
}

// DecodeObject finds a JSON object in raw: the whole text, a fenced block, or the span
// between the first '{' and the last '}'.
func DecodeObject(raw string) (map[string]json.RawMessage, bool) {
	candidates := []string{strings.TrimSpace(raw)}
	if i := strings.Index(raw, "```"); i >= 0 {
		block := raw[i+3:]
		block = strings.TrimPrefix(block, "json")
		if j := strings.Index(block, "```"); j >= 0 {
			candidates = append(candidates, strings.TrimSpace(block[:j]))
		}
	}
	if i, j := strings.Index(raw, "{"), strings.LastIndex(raw, "}"); i >= 0 && j > i {
		candidates = append(candidates, raw[i:j+1])
	}
	for _, c := range candidates {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal([]byte(c), &obj); err == nil && obj != nil {
			return obj, true
		}
	}
	return nil, false
}

// StringField returns the first non-empty scalar among keys, rendered as a string.
func StringField(obj map[string]json.RawMessage, keys ...string) string {
	for _, k := range keys {
		raw, ok := obj[k]
		if !ok {
			continue
		}
		if s := scalarString(raw); s != "" {
			return s
		}
	}
	return ""
}

func scalarString(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return strconv.FormatBool(b)
	}
	return ""
}

func stringList(obj map[string]json.RawMessage, keys ...string) []string {
	for _, k := range keys {
		raw, ok := obj[k]
		if !ok {
			continue
		}
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err == nil {
			var out []string
			for _, item := range items {
				if s := scalarString(item); s != "" {
					out = append(out, s)
				}
			}
			if len(out) > 0 {
				return out
			}
			continue
		}
		if s := scalarString(raw); s != "" {
			return []string{s}
		}
	}
	return nil
}
