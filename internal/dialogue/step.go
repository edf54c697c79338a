// Package dialogue holds the pure parts of the report-filing conversation: the step
// machine, the merge of extracted fields into collected data, prompts and the parsing
// of structured assistant replies.
package dialogue

import (
	"strings"

	"github.com/ent0n29/lostfound/internal/session"
)

// FlowSignal is the assistant's declaration of what the user's turn meant for the flow.
type FlowSignal string

const (
	SignalProvideInfo FlowSignal = "provide_info"
	SignalConfirm     FlowSignal = "confirm"
	SignalCancel      FlowSignal = "cancel"
	SignalSkip        FlowSignal = "skip"
	SignalEdit        FlowSignal = "edit"
)

// ParseSignal normalizes a raw flow label. Empty input means provide_info.
func ParseSignal(raw string) FlowSignal {
	v := strings.ToLower(strings.TrimSpace(raw))
	if v == "" {
		return SignalProvideInfo
	}
	return FlowSignal(v)
}

var fieldSteps = map[session.Field]session.Step{
	session.FieldCategory:    session.StepCollectingCategory,
	session.FieldDescription: session.StepCollectingDescription,
	session.FieldLocation:    session.StepCollectingLocation,
	session.FieldDateLost:    session.StepCollectingDate,
}

// NextStep computes the successor of current. It is total and deterministic; steps
// outside the machine are returned unchanged.
func NextStep(current session.Step, data session.CollectedData, signal FlowSignal) session.Step {
	if !knownStep(current) {
		return current
	}
	if signal == SignalCancel && !current.Terminal() {
		return session.StepCancelled
	}
	if current == session.StepConfirming && signal == SignalConfirm {
		return session.StepCompleted
	}
	if current.Terminal() {
		return current
	}

	switch current {
	case session.StepGreeting:
		return firstMissingStep(data, session.StepCollectingFeatures)
	case session.StepCollectingCategory:
		return advanceIf(data.Has(session.FieldCategory), current, session.StepCollectingDescription)
	case session.StepCollectingDescription:
		return advanceIf(data.Has(session.FieldDescription), current, session.StepCollectingLocation)
	case session.StepCollectingLocation:
		return advanceIf(data.Has(session.FieldLocation), current, session.StepCollectingDate)
	case session.StepCollectingDate:
		return advanceIf(data.Has(session.FieldDateLost), current, session.StepCollectingFeatures)
	case session.StepCollectingFeatures:
		return session.StepCollectingPhone
	case session.StepCollectingPhone:
		return session.StepConfirming
	case session.StepConfirming:
		if signal == SignalEdit {
			return firstMissingStep(data, session.StepConfirming)
		}
		return current
	default:
		return current
	}
}

// StepForField returns the collecting step that asks for a required field.
func StepForField(f session.Field) (session.Step, bool) {
	s, ok := fieldSteps[f]
	return s, ok
}

func firstMissingStep(data session.CollectedData, whenComplete session.Step) session.Step {
	missing := data.Missing()
	if len(missing) == 0 {
		return whenComplete
	}
	return fieldSteps[missing[0]]
}

func advanceIf(ok bool, current, next session.Step) session.Step {
	if ok {
		return next
	}
	return current
}

func knownStep(s session.Step) bool {
	switch s {
	case session.StepGreeting,
		session.StepCollectingCategory,
		session.StepCollectingDescription,
		session.StepCollectingLocation,
		session.StepCollectingDate,
		session.StepCollectingFeatures,
		session.StepCollectingPhone,
		session.StepConfirming,
		session.StepCompleted,
		session.StepCancelled:
		return true
	default:
		return false
	}
}
