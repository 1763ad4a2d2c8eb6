package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/wolfeidau/creditgate/internal/ledger"
	"github.com/wolfeidau/creditgate/internal/models"
	"github.com/wolfeidau/creditgate/internal/pricing"
	"github.com/wolfeidau/creditgate/internal/rejection"
	"github.com/wolfeidau/creditgate/internal/session"
)

var errNoPricing = errors.New("no pricing source configured")

type usageRequest struct {
	Model string `json:"model"`

	PromptTokens     int64  `json:"prompt_tokens"`
	CompletionTokens int64  `json:"completion_tokens"`
	Tokens           int64  `json:"tokens"`
	Images           int    `json:"images"`
	Resolution       string `json:"resolution"`
}

func (u usageRequest) hint() pricing.UsageHint {
	return pricing.UsageHint{
		ModelID:          u.Model,
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		Tokens:           u.Tokens,
		Images:           u.Images,
		Resolution:       u.Resolution,
	}
}

func (u usageRequest) validate() string {
	switch {
	case u.Model == "":
		return "model is required"
	case u.PromptTokens < 0 || u.CompletionTokens < 0 || u.Tokens < 0 || u.Images < 0:
		return "usage counts must not be negative"
	}
	return ""
}

// catalogPricing looks up modelID in the live catalog. Callers never supply
// their own pricing.
func (s *Server) catalogPricing(ctx context.Context, modelID string) (pricing.Pricing, error) {
	if s.Catalog == nil {
		return pricing.Pricing{}, errNoPricing
	}
	return s.Catalog.Pricing(ctx, modelID)
}

type estimateResponse struct {
	Model          string `json:"model"`
	Credits        int64  `json:"credits"`
	ReserveCredits int64  `json:"reserve_credits"`
	ETASeconds     int64  `json:"eta_seconds"`
}

func (s *Server) estimate(w http.ResponseWriter, r *http.Request) {
	var req usageRequest
	if !decode(w, r, &req) {
		return
	}

	quote, ok := s.quote(w, r, req)
	if !ok {
		return
	}

	eta, err := s.ETA.Estimate(r.Context(), req.Model)
	if err != nil {
		internalError(w, r, err, "Failed to estimate generation time")
		return
	}

	writeJSON(w, http.StatusOK, estimateResponse{
		Model:          req.Model,
		Credits:        quote.Credits,
		ReserveCredits: quote.ReserveCredits,
		ETASeconds:     eta,
	})
}

// quote validates req and prices it, writing the error response on failure.
func (s *Server) quote(w http.ResponseWriter, r *http.Request, req usageRequest) (pricing.Quote, bool) {
	if msg := req.validate(); msg != "" {
		writeError(w, http.StatusBadRequest, "invalid_request", msg)
		return pricing.Quote{}, false
	}

	p, err := s.catalogPricing(r.Context(), req.Model)
	if err != nil {
		if errors.Is(err, errNoPricing) {
			writeError(w, http.StatusServiceUnavailable, "pricing_unavailable", "")
			return pricing.Quote{}, false
		}
		writeStoreError(w, r, err, "Failed to look up model pricing")
		return pricing.Quote{}, false
	}

	quote, ok := s.Estimator.ReserveQuote(p, req.hint())
	if !ok {
		writeError(w, http.StatusUnprocessableEntity, "unpriceable", "model pricing could not be parsed")
		return pricing.Quote{}, false
	}

	return quote, true
}

type reservationResponse struct {
	ID            string                  `json:"id"`
	Model         string                  `json:"model"`
	State         models.ReservationState `json:"state"`
	Credits       int64                   `json:"credits"`
	SettledCredit int64                   `json:"settled_credits,omitempty"`
	ExpiresAt     time.Time               `json:"expires_at"`
}

func newReservationResponse(res *models.Reservation) reservationResponse {
	return reservationResponse{
		ID:            res.ID,
		Model:         res.ModelID,
		State:         res.State,
		Credits:       res.Credits,
		SettledCredit: res.SettledCredit,
		ExpiresAt:     res.ExpiresAt,
	}
}

type reserveResponse struct {
	Reservation reservationResponse `json:"reservation"`
	Estimate    int64               `json:"estimate_credits"`
	Balance     int64               `json:"balance"`
	ETASeconds  int64               `json:"eta_seconds"`
	Spend       spendResponse       `json:"spend"`
}

func (s *Server) reserve(w http.ResponseWriter, r *http.Request) {
	sess, _ := session.FromContext(r.Context())

	var req usageRequest
	if !decode(w, r, &req) {
		return
	}

	quote, ok := s.quote(w, r, req)
	if !ok {
		return
	}

	res, err := s.Ledger.Reserve(r.Context(), sess.ID, ledger.Charge{ModelID: req.Model, Credits: quote.ReserveCredits})
	if err != nil {
		writeStoreError(w, r, err, "Failed to reserve credits")
		return
	}
	if res.Rejection != nil {
		rejection.Write(w, r, res.Rejection)
		return
	}

	eta, err := s.ETA.Estimate(r.Context(), req.Model)
	if err != nil {
		zerolog.Ctx(r.Context()).Warn().Err(err).Str("model", req.Model).Msg("Failed to estimate generation time")
	}

	writeJSON(w, http.StatusCreated, reserveResponse{
		Reservation: newReservationResponse(res.Reservation),
		Estimate:    quote.Credits,
		Balance:     res.Balance,
		ETASeconds:  eta,
		Spend:       newSpendResponse(res.Spend),
	})
}
