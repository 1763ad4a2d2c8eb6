// Package rejection models the expected, user-facing refusals of the trust and
// metering core. They are values carried in results, not errors: a rejected
// request is a normal outcome and is never retried by the core.
package rejection

import (
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/wolfeidau/creditgate/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Reason identifies why a request was refused.
type Reason string

const (
	SessionInvalid     Reason = "session_invalid"
	CsrfRejected       Reason = "csrf_rejected"
	RateLimited        Reason = "rate_limited"
	LockedOut          Reason = "locked_out"
	SpendCapExceeded   Reason = "spend_cap_exceeded"
	InsufficientCredit Reason = "insufficient_credit"
)

// Rejection is a refused request.
type Rejection struct {
	Reason     Reason
	RetryAfter time.Duration
	Detail     string
}

// New returns a rejection without a retry hint.
func New(reason Reason, detail string) *Rejection {
	return &Rejection{Reason: reason, Detail: detail}
}

// WithRetry returns a rejection carrying a retry hint.
func WithRetry(reason Reason, retryAfter time.Duration, detail string) *Rejection {
	return &Rejection{Reason: reason, RetryAfter: retryAfter, Detail: detail}
}

func (r *Rejection) Error() string {
	if r.Detail == "" {
		return string(r.Reason)
	}
	return fmt.Sprintf("%s: %s", r.Reason, r.Detail)
}

// Status maps the reason to an HTTP status code.
func (r *Rejection) Status() int {
	switch r.Reason {
	case SessionInvalid:
		return http.StatusUnauthorized
	case CsrfRejected:
		return http.StatusForbidden
	case RateLimited, LockedOut, SpendCapExceeded:
		return http.StatusTooManyRequests
	case InsufficientCredit:
		return http.StatusPaymentRequired
	default:
		return http.StatusBadRequest
	}
}

// RetryAfterSeconds rounds the retry hint up to whole seconds, minimum 1 when
// a hint is present.
func (r *Rejection) RetryAfterSeconds() int64 {
	if r.RetryAfter <= 0 {
		return 0
	}
	return int64(math.Max(1, math.Ceil(r.RetryAfter.Seconds())))
}

type body struct {
	Error      Reason `json:"error"`
	Detail     string `json:"detail,omitempty"`
	RetryAfter int64  `json:"retry_after,omitempty"`
}

// Write sends the rejection as a JSON response with a Retry-After header when
// a retry hint is present.
func Write(w http.ResponseWriter, r *http.Request, rej *Rejection) {
	zerolog.Ctx(r.Context()).Debug().
		Str("reason", string(rej.Reason)).
		Dur("retry_after", rej.RetryAfter).
		Str("detail", rej.Detail).
		Msg("Request rejected")

	telemetry.GetMetrics().RejectionsTotal.Add(r.Context(), 1,
		metric.WithAttributes(attribute.String("reason", string(rej.Reason))))

	secs := rej.RetryAfterSeconds()
	if secs > 0 {
		w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(rej.Status())
	_ = json.NewEncoder(w).Encode(body{Error: rej.Reason, Detail: rej.Detail, RetryAfter: secs})
}
