package dialogue

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ent0n29/lostfound/internal/session"
)

const GreetingMessage = "Hi! I can help you report a lost item, search items that have been found, " +
	"or check on your reports, matches and pickups. What can I do for you?"

var stepPrompts = map[session.Step]string{
	session.StepGreeting:              "What can I help you with today?",
	session.StepCollectingCategory:    "What kind of item did you lose? For example electronics, wallet, keys, bag, clothing, jewelry or documents.",
	session.StepCollectingDescription: "Could you describe the item? Brand, colour, size and anything distinctive all help.",
	session.StepCollectingLocation:    "Where do you think you lost it?",
	session.StepCollectingDate:        "When did you lose it? A date like 2026-03-14 or \"yesterday\" works.",
	session.StepCollectingFeatures:    "Does it have any identifying features, such as stickers, engravings or scratches? You can say \"skip\".",
	session.StepCollectingPhone:       "What phone number can we reach you on? You can say \"skip\".",
	session.StepConfirming:            "Reply \"confirm\" to file the report, or \"cancel\" to discard it.",
}

// StepPrompt is the question asked while the dialogue sits at step.
func StepPrompt(step session.Step) string {
	return stepPrompts[step]
}

// Summary renders collected data as display lines for the confirmation step.
func Summary(d session.CollectedData) string {
	var b strings.Builder
	b.WriteString("Here is your report:\n")
	line := func(label, value string) {
		if value == "" {
			value = "-"
		}
		fmt.Fprintf(&b, "- %s: %s\n", label, value)
	}
	line("Category", d.Category)
	line("Description", d.Description)
	line("Location", d.Location)
	date := ""
	if d.DateLost != nil {
		date = d.DateLost.Format("2006-01-02")
	}
	line("Date lost", date)
	line("Identifying features", strings.Join(d.IdentifyingFeatures, ", "))
	line("Contact phone", d.ContactPhone)
	return strings.TrimRight(b.String(), "\n")
}

// ComposeReply appends the step prompt to reply unless the reply already contains it.
// At the confirmation step the summary is included as well.
func ComposeReply(reply string, step session.Step, data session.CollectedData) string {
	reply = strings.TrimSpace(reply)
	prompt := StepPrompt(step)
	if step == session.StepConfirming {
		prompt = Summary(data) + "\n" + prompt
	}
	if prompt == "" || strings.Contains(reply, StepPrompt(step)) {
		return reply
	}
	if reply == "" {
		return prompt
	}
	return reply + "\n\n" + prompt
}

// FilingInstruction is the system message for slot-filling turns.
func FilingInstruction(step session.Step, data session.CollectedData, categories CategorySet) string {
	state, _ := json.Marshal(data)
	return strings.Join([]string{
		"You are the assistant of a lost-and-found office helping a user file a lost-item report.",
		"Collect these fields over the conversation: category, description, location, date_lost, " +
			"identifying_features (optional), contact_phone (optional).",
		"Valid categories: " + strings.Join(categories.Values(), ", ") + ".",
		"Dates must be written as YYYY-MM-DD when you can resolve them, otherwise copy the user's words.",
		"Current step: " + string(step) + ".",
		"Collected so far: " + string(state) + ".",
		"Reply with a single JSON object and nothing else:",
		`{"message": "<short friendly reply>", "extracted": {"category": "", "description": "", "location": "", ` +
			`"date_lost": "", "identifying_features": [], "contact_phone": ""}, ` +
			`"flow": "provide_info|confirm|cancel|skip|edit"}`,
		"Only include extracted fields the user actually stated in their latest message.",
		"Use flow \"confirm\" only when the user approves the summary, \"cancel\" when they want to stop, " +
			"\"skip\" when they decline an optional field, \"edit\" when they correct a value during confirmation.",
	}, "\n")
}
