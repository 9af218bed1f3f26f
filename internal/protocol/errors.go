package protocol

import "errors"

var (
	// ErrForbidden means the canvas operator blocked this identity, or the
	// target pixel is protected.
	ErrForbidden = errors.New("forbidden by canvas")
	// ErrChallenge means the canvas demands an interactive challenge.
	ErrChallenge = errors.New("challenge required")
	ErrMalformed = errors.New("malformed response")
)

// IsFatal reports whether err ends all placement for this identity.
func IsFatal(err error) bool {
	return errors.Is(err, ErrForbidden) || errors.Is(err, ErrChallenge)
}
