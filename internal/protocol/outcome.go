package protocol

import "fmt"

type OutcomeKind uint8

const (
	OutcomeSuccess OutcomeKind = iota + 1
	OutcomeCooldown
	OutcomeForbidden
	OutcomeChallenge
	OutcomeServerError
	OutcomeTransportError
	OutcomeUnknown
)

var outcomeNames = map[OutcomeKind]string{
	OutcomeSuccess:        "success",
	OutcomeCooldown:       "cooldown",
	OutcomeForbidden:      "forbidden",
	OutcomeChallenge:      "challenge",
	OutcomeServerError:    "server_error",
	OutcomeTransportError: "transport_error",
	OutcomeUnknown:        "unknown",
}

func (k OutcomeKind) String() string {
	if s, ok := outcomeNames[k]; ok {
		return s
	}
	return fmt.Sprintf("outcome(%d)", uint8(k))
}

// Outcome is the classified answer to one placement attempt.
type Outcome struct {
	Kind            OutcomeKind
	WaitSeconds     float64
	CoolDownSeconds float64
	Status          int
	Message         string
	// Malformed marks a 2xx answer whose body did not match the expected shape.
	Malformed bool
}

func (o Outcome) Fatal() bool {
	return o.Kind == OutcomeForbidden || o.Kind == OutcomeChallenge
}

func (o Outcome) Retryable() bool {
	switch o.Kind {
	case OutcomeServerError, OutcomeTransportError, OutcomeUnknown:
		return true
	}
	return false
}

// Err returns the sentinel for fatal outcomes and nil otherwise.
func (o Outcome) Err() error {
	switch o.Kind {
	case OutcomeForbidden:
		return ErrForbidden
	case OutcomeChallenge:
		return ErrChallenge
	}
	return nil
}

func (o Outcome) String() string {
	switch o.Kind {
	case OutcomeSuccess, OutcomeCooldown:
		return fmt.Sprintf("%s wait=%.1fs cd=%.1fs", o.Kind, o.WaitSeconds, o.CoolDownSeconds)
	}
	if o.Message != "" {
		return fmt.Sprintf("%s: %s", o.Kind, o.Message)
	}
	return o.Kind.String()
}
