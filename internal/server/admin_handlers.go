package server

import (
	"errors"
	"net/http"

	"github.com/rs/zerolog"
	"github.com/wolfeidau/creditgate/internal/models"
	"github.com/wolfeidau/creditgate/internal/rejection"
	"github.com/wolfeidau/creditgate/internal/session"
	"golang.org/x/crypto/bcrypt"
)

// bcrypt only considers the first 72 bytes of a password.
const maxPassphraseBytes = 72

var errWrongPassphrase = errors.New("wrong passphrase")

type adminLoginRequest struct {
	Passphrase string `json:"passphrase"`
}

type adminLoginResponse struct {
	Tier models.Tier `json:"tier"`
}

// adminLogin upgrades the calling session to the admin tier. Failed attempts
// are counted per source address and lock it out with a growing backoff.
func (s *Server) adminLogin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sess, _ := session.FromContext(ctx)

	if len(s.AdminPassphraseHash) == 0 {
		http.NotFound(w, r)
		return
	}

	ipHash := s.Sessions.HashIP(s.Sessions.ClientIP(r))

	status, err := s.Lockout.Status(ctx, ipHash)
	if err != nil {
		internalError(w, r, err, "Failed to check login lockout")
		return
	}
	if rej := status.Rejection(); rej != nil {
		rejection.Write(w, r, rej)
		return
	}

	var req adminLoginRequest
	if !decode(w, r, &req) {
		return
	}

	if err := s.comparePassphrase(req.Passphrase); err != nil {
		if !errors.Is(err, errWrongPassphrase) {
			internalError(w, r, err, "Failed to compare passphrase")
			return
		}

		status, err := s.Lockout.RecordFailure(ctx, ipHash)
		if err != nil {
			internalError(w, r, err, "Failed to record login failure")
			return
		}

		zerolog.Ctx(ctx).Warn().
			Str("session_id", sess.ID).
			Int("attempts", status.AttemptCount).
			Msg("Admin login failed")

		if rej := status.Rejection(); rej != nil {
			rejection.Write(w, r, rej)
			return
		}
		writeError(w, http.StatusUnauthorized, "invalid_passphrase", "")
		return
	}

	if err := s.Lockout.RecordSuccess(ctx, ipHash); err != nil {
		internalError(w, r, err, "Failed to clear login attempts")
		return
	}

	if err := s.Store.SetTier(ctx, sess.ID, models.TierAdmin); err != nil {
		writeStoreError(w, r, err, "Failed to upgrade session tier")
		return
	}

	zerolog.Ctx(ctx).Info().Str("session_id", sess.ID).Msg("Session upgraded to admin")

	writeJSON(w, http.StatusOK, adminLoginResponse{Tier: models.TierAdmin})
}

// comparePassphrase returns errWrongPassphrase for anything the caller got
// wrong, including an over-long passphrase, so every such attempt counts
// toward the lockout.
func (s *Server) comparePassphrase(passphrase string) error {
	if len(passphrase) > maxPassphraseBytes {
		return errWrongPassphrase
	}

	err := bcrypt.CompareHashAndPassword(s.AdminPassphraseHash, []byte(passphrase))
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) || errors.Is(err, bcrypt.ErrPasswordTooLong) {
		return errWrongPassphrase
	}
	return err
}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, ok := session.FromContext(r.Context())
		if !ok || !sess.IsAdmin() {
			writeError(w, http.StatusForbidden, "forbidden", "admin session required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type grantRequest struct {
	SessionID string `json:"session_id"`
	Credits   int64  `json:"credits"`
}

type grantResponse struct {
	SessionID string `json:"session_id"`
	EntryID   int64  `json:"entry_id"`
	Balance   int64  `json:"balance"`
}

// adminCredits grants purchased credits to a session, the caller's own when
// no session id is given.
func (s *Server) adminCredits(w http.ResponseWriter, r *http.Request) {
	sess, _ := session.FromContext(r.Context())

	var req grantRequest
	if !decode(w, r, &req) {
		return
	}
	if req.SessionID == "" {
		req.SessionID = sess.ID
	}

	res, err := s.Ledger.Grant(r.Context(), req.SessionID, req.Credits)
	if err != nil {
		writeStoreError(w, r, err, "Failed to grant credits")
		return
	}

	zerolog.Ctx(r.Context()).Info().
		Str("admin_session_id", sess.ID).
		Str("session_id", req.SessionID).
		Int64("credits", req.Credits).
		Msg("Admin granted credits")

	writeJSON(w, http.StatusOK, grantResponse{SessionID: req.SessionID, EntryID: res.EntryID, Balance: res.Balance})
}
