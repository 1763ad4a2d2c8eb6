package server

import (
	"net/http"
	"time"

	"github.com/wolfeidau/creditgate/internal/csrf"
	"github.com/wolfeidau/creditgate/internal/ledger"
	"github.com/wolfeidau/creditgate/internal/models"
	"github.com/wolfeidau/creditgate/internal/rejection"
)

type spendResponse struct {
	DailySpendUSD float64   `json:"daily_spend_usd"`
	LimitUSD      float64   `json:"limit_usd"`
	RemainingUSD  float64   `json:"remaining_usd"`
	ResetAt       time.Time `json:"reset_at"`
	Unlimited     bool      `json:"unlimited,omitempty"`
}

func newSpendResponse(spend ledger.SpendResult) spendResponse {
	return spendResponse{
		DailySpendUSD: spend.DailySpend.USD(),
		LimitUSD:      spend.Limit.USD(),
		RemainingUSD:  spend.Remaining().USD(),
		ResetAt:       spend.ResetAt.Add(24 * time.Hour),
		Unlimited:     spend.Admin,
	}
}

type sessionResponse struct {
	SessionID string        `json:"session_id"`
	Tier      models.Tier   `json:"tier"`
	Balance   int64         `json:"balance"`
	Spend     spendResponse `json:"spend"`
	CSRFToken string        `json:"csrf_token"`
	Created   bool          `json:"created,omitempty"`
}

// getSession ensures the caller has a session and hands out the CSRF token
// that mutating requests must echo.
func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	res, err := s.Sessions.EnsureSession(w, r)
	if err != nil {
		internalError(w, r, err, "Failed to ensure session")
		return
	}
	if res.Rejection != nil {
		rejection.Write(w, r, res.Rejection)
		return
	}

	token := ""
	if c, err := r.Cookie(csrf.CookieName); err == nil && len(c.Value) > 0 {
		token = c.Value
	} else {
		token, err = csrf.IssueToken()
		if err != nil {
			internalError(w, r, err, "Failed to issue csrf token")
			return
		}
		csrf.SetCookie(w, token, s.SecureCookies)
	}

	sess := res.Session

	writeJSON(w, http.StatusOK, sessionResponse{
		SessionID: sess.ID,
		Tier:      sess.Tier,
		Balance:   sess.CreditBalance,
		Spend:     newSpendResponse(s.Ledger.SpendStatus(sess)),
		CSRFToken: token,
		Created:   res.Created,
	})
}

type etaResponse struct {
	Model      string `json:"model"`
	ETASeconds int64  `json:"eta_seconds"`
}

func (s *Server) eta(w http.ResponseWriter, r *http.Request) {
	model := r.PathValue("model")
	if model == "" {
		writeError(w, http.StatusBadRequest, "invalid_model", "model is required")
		return
	}

	secs, err := s.ETA.Estimate(r.Context(), model)
	if err != nil {
		internalError(w, r, err, "Failed to estimate generation time")
		return
	}

	writeJSON(w, http.StatusOK, etaResponse{Model: model, ETASeconds: secs})
}
