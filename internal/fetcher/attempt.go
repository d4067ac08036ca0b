package fetcher

import (
	"fmt"
	"net/http"
	"time"

	"github.com/xkilldash9x/cardscout/internal/transport"
)

// Reason codes recorded on non-success attempts.
const (
	ReasonTransport           = "transport"
	ReasonRateLimited         = "rate_limited"
	ReasonPayloadTooLarge     = "payload_too_large"
	ReasonForbidden           = "forbidden"
	ReasonUnauthorizedRuntime = "unauthorized_runtime"
	ReasonRuntimeUnavailable  = "runtime unavailable"
	ReasonNoURL               = "no url"
)

// StatusReason returns the reason code for an unclassified non-2xx status.
func StatusReason(status int) string {
	return fmt.Sprintf("http_status_%d", status)
}

// Outcome is the result class of one attempt.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	// OutcomeRetryable means the next strategy in the chain should be tried.
	OutcomeRetryable
	// OutcomeSkipped means the strategy could not be attempted at all.
	OutcomeSkipped
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeRetryable:
		return "retryable"
	case OutcomeSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// Attempt records one strategy's turn in a chain walk.
type Attempt struct {
	Strategy *transport.Strategy
	Outcome  Outcome
	Reason   string
	Message  string
	// Status is the HTTP status, zero when no response was received.
	Status   int
	Duration time.Duration
}

// Fragment renders the attempt as "<strategy>: <reason>".
func (a Attempt) Fragment() string {
	name := "<nil>"
	if a.Strategy != nil {
		name = a.Strategy.Name
	}
	if a.Outcome == OutcomeSuccess {
		return name + ": ok"
	}
	return name + ": " + a.Reason
}

// AttemptLog is the ordered record of a chain walk.
type AttemptLog []Attempt

// Fragments returns the fragments of every non-success attempt, in order.
func (l AttemptLog) Fragments() []string {
	out := make([]string, 0, len(l))
	for _, a := range l {
		if a.Outcome == OutcomeSuccess {
			continue
		}
		out = append(out, a.Fragment())
	}
	return out
}

// HasReason reports whether any attempt failed with reason.
func (l AttemptLog) HasReason(reason string) bool {
	for _, a := range l {
		if a.Outcome != OutcomeSuccess && a.Reason == reason {
			return true
		}
	}
	return false
}

// classifyStatus maps a response status to an outcome. 401 is only special
// for the runtime strategy, where it means the runtime session is not signed in.
func classifyStatus(status int, kind transport.Kind) (Outcome, string) {
	switch {
	case status >= 200 && status < 300:
		return OutcomeSuccess, ""
	case status == http.StatusTooManyRequests:
		return OutcomeRetryable, ReasonRateLimited
	case status == http.StatusRequestEntityTooLarge:
		return OutcomeRetryable, ReasonPayloadTooLarge
	case status == http.StatusForbidden:
		return OutcomeRetryable, ReasonForbidden
	case status == http.StatusUnauthorized && kind == transport.KindRuntime:
		return OutcomeRetryable, ReasonUnauthorizedRuntime
	default:
		return OutcomeRetryable, StatusReason(status)
	}
}
