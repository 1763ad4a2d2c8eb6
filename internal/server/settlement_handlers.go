package server

import (
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/wolfeidau/creditgate/internal/ledger"
	"github.com/wolfeidau/creditgate/internal/pricing"
)

// requireSettlementToken admits only the generation orchestrator, which
// presents the shared settlement token as a bearer credential. Browser
// sessions and CSRF tokens carry no weight here.
func (s *Server) requireSettlementToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.SettlementToken) == 0 {
			http.NotFound(w, r)
			return
		}

		token := bearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized", "bearer token required")
			return
		}

		// compare digests so the check does not leak the token length
		got := sha256.Sum256([]byte(token))
		want := sha256.Sum256(s.SettlementToken)
		if subtle.ConstantTimeCompare(got[:], want[:]) != 1 {
			zerolog.Ctx(r.Context()).Warn().Msg("Invalid settlement token")
			writeError(w, http.StatusUnauthorized, "unauthorized", "")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(authHeader, "Bearer ")
	if !ok {
		return ""
	}
	return strings.TrimSpace(token)
}

// settleRequest is reported by the orchestrator once the provider call
// returns. ActualCostUSD wins over token counts when present.
type settleRequest struct {
	ActualCostUSD *float64 `json:"actual_cost_usd,omitempty"`

	PromptTokens     int64  `json:"prompt_tokens"`
	CompletionTokens int64  `json:"completion_tokens"`
	Images           int    `json:"images"`
	Resolution       string `json:"resolution"`

	DurationMs int64 `json:"duration_ms"`
}

func (req settleRequest) validate() string {
	switch {
	case req.ActualCostUSD != nil && *req.ActualCostUSD < 0:
		return "actual cost must not be negative"
	case req.DurationMs < 0 || req.PromptTokens < 0 || req.CompletionTokens < 0 || req.Images < 0:
		return "usage counts must not be negative"
	}
	return ""
}

type settleResponse struct {
	Reservation reservationResponse `json:"reservation"`
	Balance     int64               `json:"balance"`
	Charged     int64               `json:"charged"`
	Refunded    int64               `json:"refunded"`
}

func newSettleResponse(res ledger.SettleResult) settleResponse {
	return settleResponse{
		Reservation: newReservationResponse(res.Reservation),
		Balance:     res.Balance,
		Charged:     res.Charged,
		Refunded:    res.Refunded,
	}
}

func (s *Server) settle(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req settleRequest
	if !decode(w, r, &req) {
		return
	}
	if msg := req.validate(); msg != "" {
		writeError(w, http.StatusBadRequest, "invalid_request", msg)
		return
	}

	resv, err := s.Ledger.Reservation(ctx, r.PathValue("id"))
	if err != nil {
		writeStoreError(w, r, err, "Failed to load reservation")
		return
	}

	actual := pricing.Actual{
		CostUSD:          req.ActualCostUSD,
		PromptTokens:     req.PromptTokens,
		CompletionTokens: req.CompletionTokens,
		Images:           req.Images,
		Resolution:       req.Resolution,
		ModelID:          resv.ModelID,
	}

	credits := resv.Credits
	if req.ActualCostUSD != nil {
		credits = s.Estimator.ReconcileActual(pricing.Pricing{}, actual)
	} else {
		p, err := s.catalogPricing(ctx, resv.ModelID)
		if err != nil {
			// settle at the reserved amount rather than leave the reservation open
			zerolog.Ctx(ctx).Warn().Err(err).Str("model", resv.ModelID).Msg("Pricing unavailable at settlement")
		} else {
			credits = s.Estimator.ReconcileActual(p, actual)
		}
	}

	res, err := s.Ledger.Settle(ctx, resv.ID, credits)
	if err != nil {
		writeStoreError(w, r, err, "Failed to settle reservation")
		return
	}

	if req.DurationMs > 0 {
		if _, err := s.ETA.RecordGenerationDuration(ctx, resv.ModelID, time.Duration(req.DurationMs)*time.Millisecond); err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Str("model", resv.ModelID).Msg("Failed to record generation duration")
		}
	}

	zerolog.Ctx(ctx).Info().
		Str("session_id", resv.SessionID).
		Str("reservation_id", resv.ID).
		Int64("charged", res.Charged).
		Int64("refunded", res.Refunded).
		Msg("Reservation settled")

	writeJSON(w, http.StatusOK, newSettleResponse(res))
}

type releaseRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) release(w http.ResponseWriter, r *http.Request) {
	var req releaseRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Reason == "" {
		req.Reason = "generation_failed"
	}

	res, err := s.Ledger.Release(r.Context(), r.PathValue("id"), req.Reason)
	if err != nil {
		writeStoreError(w, r, err, "Failed to release reservation")
		return
	}

	zerolog.Ctx(r.Context()).Info().
		Str("reservation_id", res.Reservation.ID).
		Str("reason", req.Reason).
		Msg("Reservation released")

	writeJSON(w, http.StatusOK, newSettleResponse(res))
}
