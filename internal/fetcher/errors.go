package fetcher

import (
	"errors"
	"strings"
)

// ErrAllStrategiesExhausted is matched by every ExhaustedError.
var ErrAllStrategiesExhausted = errors.New("all strategies failed")

// ExhaustedError is returned when no strategy in the chain succeeded.
type ExhaustedError struct {
	URL      string
	Attempts AttemptLog
}

func (e *ExhaustedError) Error() string {
	fragments := e.Attempts.Fragments()
	if len(fragments) == 0 {
		return ErrAllStrategiesExhausted.Error()
	}
	return ErrAllStrategiesExhausted.Error() + ": " + strings.Join(fragments, "; ")
}

// Is lets errors.Is match ErrAllStrategiesExhausted.
func (e *ExhaustedError) Is(target error) bool {
	return target == ErrAllStrategiesExhausted
}

// HasReason reports whether any attempt failed with reason.
func (e *ExhaustedError) HasReason(reason string) bool {
	return e.Attempts.HasReason(reason)
}

// Describe turns a fetch error into one message suitable for a user. Known
// reason codes get advice; anything else falls back to the raw summary.
func Describe(err error) string {
	if err == nil {
		return ""
	}
	var exhausted *ExhaustedError
	if !errors.As(err, &exhausted) {
		return err.Error()
	}
	switch {
	case exhausted.HasReason(ReasonUnauthorizedRuntime):
		return "The sandboxed runtime rejected the request. Sign in to the runtime and retry."
	case exhausted.HasReason(ReasonPayloadTooLarge):
		return "The response was too large for the free relay. Retrying will rotate transports."
	case exhausted.HasReason(ReasonRateLimited):
		return "The service is rate limiting requests. Wait a moment and retry."
	default:
		return exhausted.Error()
	}
}
