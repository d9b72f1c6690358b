package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"

	"github.com/dobrevit/site-guard/pkg/appeal"
	"github.com/dobrevit/site-guard/pkg/metrics"
	"github.com/dobrevit/site-guard/pkg/notify"
)

// handleBlockStatus reports the caller's own block state. Reachable while
// blocked so an interstitial or client app can render the state.
func (s *Server) handleBlockStatus(w http.ResponseWriter, r *http.Request) {
	clientID := s.clientIP(r)
	status := s.deps.Registry.Status(clientID)

	resp := map[string]any{
		"address": clientID,
		"blocked": status.Blocked,
	}
	if status.Blocked {
		resp["reason"] = status.Reason
		resp["blockedUntil"] = status.BlockedUntil.Format(time.RFC3339)
		resp["remainingSeconds"] = int(status.Remaining.Seconds()) + 1
	}
	writeJSON(w, http.StatusOK, resp)
}

type appealSubmitRequest struct {
	Message string `json:"message"`
	Contact string `json:"contact"`
}

func (s *Server) handleAppealSubmit(w http.ResponseWriter, r *http.Request) {
	var req appealSubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	clientID := s.clientIP(r)
	rec, err := s.deps.Appeals.Submit(r.Context(), clientID, req.Message, req.Contact, r.UserAgent())
	if err != nil {
		switch {
		case errors.Is(err, appeal.ErrNotBlocked), errors.Is(err, appeal.ErrMessageTooShort):
			writeJSONError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, appeal.ErrTooSoon):
			w.Header().Set("Retry-After", strconv.Itoa(int(s.deps.Appeals.MinInterval().Seconds())))
			writeJSONError(w, http.StatusTooManyRequests, err.Error())
		default:
			s.logger.WithError(err).Error("Appeal submission failed")
			writeJSONError(w, http.StatusInternalServerError, "failed to store appeal")
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"appealId": rec.ID,
		"status":   rec.Status,
	})
}

func (s *Server) handleAppealList(w http.ResponseWriter, r *http.Request) {
	appeals, err := s.deps.Appeals.List()
	if err != nil {
		s.logger.WithError(err).Error("Failed to list appeals")
		writeJSONError(w, http.StatusInternalServerError, "failed to list appeals")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"appeals": appeals})
}

type appealDecisionRequest struct {
	Decision string `json:"decision"`
	Note     string `json:"note"`
}

func (s *Server) handleAppealDecision(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req appealDecisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	operator := "operator"
	if sess, err := s.deps.Sessions.Validate(sessionToken(r)); err == nil && sess != nil {
		operator = sess.Subject
	}

	rec, err := s.deps.Appeals.Decide(id, req.Decision, req.Note, operator)
	if err != nil {
		switch {
		case errors.Is(err, appeal.ErrInvalidDecision):
			writeJSONError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, appeal.ErrNotFound):
			writeJSONError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, appeal.ErrAlreadyResolved):
			writeJSONError(w, http.StatusConflict, err.Error())
		default:
			s.logger.WithError(err).Error("Appeal decision failed")
			writeJSONError(w, http.StatusInternalServerError, "failed to resolve appeal")
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"appeal":  rec,
	})
}

func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"notifications": s.deps.Notifications.Recent(limit),
	})
}

func (s *Server) handleNotificationRead(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !s.deps.Notifications.MarkRead(id) {
		writeJSONError(w, http.StatusNotFound, "notification not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "read"})
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	clientID := s.clientIP(r)

	locked, retryAfter, err := s.deps.Guard.CheckLocked(req.Username, clientID)
	if err != nil {
		s.logger.WithError(err).Error("Login lockout check failed")
		writeJSONError(w, http.StatusInternalServerError, "login unavailable")
		return
	}
	if locked {
		s.rejectLockedLogin(w, req.Username, clientID, retryAfter)
		return
	}

	if !s.cfg.Admin.Verify(req.Username, req.Password) {
		_, nowLocked, lockRetry, gerr := s.deps.Guard.RecordFailure(req.Username, clientID)
		if gerr != nil {
			s.logger.WithError(gerr).Warn("Failed to record login failure")
		}
		if nowLocked {
			s.rejectLockedLogin(w, req.Username, clientID, lockRetry)
			return
		}

		metrics.LoginOutcomes.WithLabelValues("failure").Inc()
		if s.deps.Notifications != nil {
			s.deps.Notifications.Add(notify.CategoryLogin, "Login failed",
				"Invalid credentials for "+req.Username, clientID, nil)
		}
		writeJSONError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	if err := s.deps.Guard.RecordSuccess(req.Username, clientID); err != nil {
		s.logger.WithError(err).Warn("Failed to clear login attempts")
	}

	token, sess, err := s.deps.Sessions.Issue(req.Username, clientID, r.UserAgent())
	if err != nil {
		s.logger.WithError(err).Error("Failed to issue session")
		writeJSONError(w, http.StatusInternalServerError, "failed to create session")
		return
	}

	metrics.LoginOutcomes.WithLabelValues("success").Inc()
	if s.deps.Notifications != nil {
		s.deps.Notifications.Add(notify.CategoryLogin, "Login succeeded",
			"Session issued for "+req.Username, clientID, map[string]string{"outcome": "success"})
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    token,
		Path:     "/",
		Expires:  sess.ExpiresAt,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteStrictMode,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"token":     token,
		"expiresAt": sess.ExpiresAt.Format(time.RFC3339),
	})
}

func (s *Server) rejectLockedLogin(w http.ResponseWriter, username, clientID string, retryAfter time.Duration) {
	metrics.LoginOutcomes.WithLabelValues("lockout").Inc()
	s.logger.WithFields(log.Fields{
		"username": username,
		"client":   clientID,
	}).Warn("Login rejected, account locked")
	if s.deps.Notifications != nil {
		s.deps.Notifications.Add(notify.CategoryLogin, "Login locked out",
			"Too many failed attempts for "+username, clientID, map[string]string{"outcome": "lockout"})
	}

	seconds := int(retryAfter.Seconds()) + 1
	w.Header().Set("Retry-After", strconv.Itoa(seconds))
	writeJSON(w, http.StatusTooManyRequests, map[string]any{
		"error":             "too many failed attempts",
		"retryAfterSeconds": seconds,
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	token := sessionToken(r)
	if err := s.deps.Sessions.Revoke(token); err != nil {
		s.logger.WithError(err).Warn("Failed to revoke session")
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged out"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Backend.Stats()
	backendState := "ok"
	if err != nil {
		backendState = "degraded"
	}

	var durableBytes int64
	if s.deps.Durable != nil {
		durableBytes, _ = s.deps.Durable.SizeBytes()
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"uptimeSeconds": int(time.Since(s.startTime).Seconds()),
		"backend":       backendState,
		"backendType":   stats.BackendType,
		"activeBans":    s.deps.Registry.ActiveCount(),
		"notifications": s.deps.Notifications.Len(),
		"geoCacheSize":  s.deps.Resolver.CacheSize(),
		"durableBytes":  durableBytes,
	})
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	writeJSONError(w, http.StatusNotFound, "not found")
}
