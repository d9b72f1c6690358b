package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dobrevit/site-guard/pkg/metrics"
	"github.com/dobrevit/site-guard/pkg/notify"
	"github.com/dobrevit/site-guard/pkg/threat"
)

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (s *Server) recoveryMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					s.logger.WithFields(log.Fields{
						"error":  err,
						"path":   r.URL.Path,
						"method": r.Method,
					}).Error("Panic in request handler")
					writeJSONError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) loggingMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(wrapped, r)
			s.logger.WithFields(log.Fields{
				"method":   r.Method,
				"path":     r.URL.Path,
				"status":   wrapped.statusCode,
				"duration": time.Since(start),
				"client":   s.clientIP(r),
			}).Debug("Request handled")
		})
	}
}

// canonicalHostMiddleware redirects requests that arrive under a stale alias
// to the configured canonical host, preserving path and query.
func (s *Server) canonicalHostMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			canonical := s.cfg.Server.CanonicalHost
			if canonical != "" && r.Host != canonical {
				target := "https://" + canonical + r.URL.RequestURI()
				http.Redirect(w, r, target, http.StatusMovedPermanently)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) securityHeadersMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")
			h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
			next.ServeHTTP(w, r)
		})
	}
}

// blockGatePassthrough lists path prefixes a blocked client may still reach:
// the block-status and appeal routes, and the health probe.
var blockGatePassthrough = []string{
	"/security/block-status",
	"/security/appeal",
	"/healthz",
}

func blockGateExempt(path string) bool {
	for _, prefix := range blockGatePassthrough {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// blockGate rejects requests from banned clients before any other gate runs.
func (s *Server) blockGate() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if blockGateExempt(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			clientID := s.clientIP(r)
			status := s.deps.Registry.Status(clientID)
			if !status.Blocked {
				next.ServeHTTP(w, r)
				return
			}

			metrics.BlockedRequests.Inc()
			remaining := int(status.Remaining.Seconds()) + 1
			w.Header().Set("Retry-After", strconv.Itoa(remaining))

			if wantsHTML(r) {
				s.writeInterstitial(w, clientID, status)
				return
			}

			writeJSON(w, http.StatusForbidden, map[string]any{
				"blocked":          true,
				"error":            "access blocked",
				"reason":           status.Reason,
				"blockedUntil":     status.BlockedUntil.Format(time.RFC3339),
				"remainingSeconds": remaining,
			})
		})
	}
}

// rateLimitGate enforces the rule table on every request that survives the
// block gate.
func (s *Server) rateLimitGate() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientID := s.clientIP(r)
			decision := s.deps.Limiter.Check(clientID, r)
			if decision.Allowed {
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("Retry-After", strconv.Itoa(int(s.deps.Limiter.Window().Seconds())))
			writeJSON(w, http.StatusTooManyRequests, map[string]any{
				"error": "rate limit exceeded",
				"rule":  decision.Rule,
			})
		})
	}
}

// threatGate scans query parameters and JSON bodies for injection payloads.
// The body is re-buffered so downstream handlers can still read it.
func (s *Server) threatGate() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if s.deps.Scanner.ExemptPath(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			clientID := s.clientIP(r)

			if detection := s.deps.Scanner.ScanValues(r.URL.Query()); detection.Detected {
				s.rejectThreat(w, clientID, r.URL.Path, detection)
				return
			}

			if r.Body != nil && isJSONRequest(r) {
				body, err := io.ReadAll(io.LimitReader(r.Body, s.cfg.Threat.MaxBodySize))
				if err != nil {
					writeJSONError(w, http.StatusBadRequest, "failed to read request body")
					return
				}
				r.Body = io.NopCloser(bytes.NewReader(body))

				var payload any
				if len(body) > 0 && json.Unmarshal(body, &payload) == nil {
					if detection := s.deps.Scanner.Scan(payload); detection.Detected {
						s.rejectThreat(w, clientID, r.URL.Path, detection)
						return
					}
				}
			}

			next.ServeHTTP(w, r)
		})
	}
}

func isJSONRequest(r *http.Request) bool {
	switch r.Method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
	default:
		return false
	}
	return strings.Contains(r.Header.Get("Content-Type"), "application/json")
}

// rejectThreat records the detection, registers a threat violation for
// escalation and answers 400.
func (s *Server) rejectThreat(w http.ResponseWriter, clientID, path string, detection threat.Detection) {
	metrics.ThreatDetections.WithLabelValues(detection.Category).Inc()
	s.logger.WithFields(log.Fields{
		"client":   clientID,
		"category": detection.Category,
		"path":     path,
		"location": detection.Path,
	}).Warn("Threat pattern detected")

	if s.deps.Notifications != nil {
		s.deps.Notifications.Add(notify.CategoryThreat, "Threat pattern detected",
			fmt.Sprintf("%s at %s: %s", detection.Category, detection.Path, detection.Sample),
			clientID, map[string]string{"category": detection.Category})
	}

	if s.deps.ThreatEscalator != nil {
		if _, err := s.deps.ThreatEscalator.RegisterViolation(clientID); err != nil {
			s.logger.WithError(err).Warn("Failed to register threat violation")
		}
	}

	// The detection that crosses the escalation threshold answers with the
	// ban itself rather than another soft reject.
	if s.deps.Registry.Status(clientID).Blocked {
		writeJSON(w, http.StatusForbidden, map[string]any{
			"error":    "access blocked",
			"category": detection.Category,
		})
		return
	}

	writeJSON(w, http.StatusBadRequest, map[string]any{
		"error":    "request rejected",
		"category": detection.Category,
	})
}

// requireOperator guards admin routes behind a valid session.
func (s *Server) requireOperator(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, err := s.deps.Sessions.Validate(sessionToken(r))
		if err != nil {
			s.logger.WithError(err).Error("Session validation failed")
			writeJSONError(w, http.StatusInternalServerError, "session validation failed")
			return
		}
		if sess == nil {
			writeJSONError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
