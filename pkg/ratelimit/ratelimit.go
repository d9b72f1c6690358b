// Package ratelimit provides per-client sliding-window rate limiting for
// site-guard. Rules are evaluated in priority order against the request's
// route and method; the first match wins. All rules share one fixed window.
package ratelimit

import (
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dobrevit/site-guard/pkg/escalate"
	"github.com/dobrevit/site-guard/pkg/metrics"
	"github.com/dobrevit/site-guard/pkg/notify"
	"github.com/dobrevit/site-guard/pkg/storage"
)

// Rule is one rate-limit rule. Empty Methods matches any method; PathPrefix
// "" matches every path (the default rule).
type Rule struct {
	Name       string   `toml:"name"`
	Methods    []string `toml:"methods"`
	PathPrefix string   `toml:"pathPrefix"`
	Max        int      `toml:"max"`
}

// DefaultRules returns the rule table fixed at startup.
func DefaultRules() []Rule {
	return []Rule{
		{Name: "login", Methods: []string{http.MethodPost}, PathPrefix: "/login", Max: 10},
		{Name: "appeal", PathPrefix: "/security/appeal", Max: 30},
		{Name: "settings", PathPrefix: "/api/settings", Max: 20},
		{Name: "admin_write", Methods: []string{http.MethodPost, http.MethodPut, http.MethodDelete}, PathPrefix: "/api/admin", Max: 80},
		{Name: "tracking", PathPrefix: "/api/track", Max: 240},
		{Name: "default", Max: 140},
	}
}

// Decision is the outcome of a rate-limit check.
type Decision struct {
	Allowed bool
	Rule    string
	Count   int
	Max     int
}

// Limiter checks requests against the rule table. Whitelisted addresses
// bypass every rule.
type Limiter struct {
	rules         []Rule
	window        time.Duration
	backend       storage.Backend
	escalator     *escalate.Escalator
	notifications *notify.Log
	logger        *log.Logger

	whitelist map[string]bool
	ipNets    []*net.IPNet
}

// New creates a limiter. Whitelist entries may be single addresses or CIDRs.
func New(rules []Rule, window time.Duration, backend storage.Backend, escalator *escalate.Escalator, notifications *notify.Log, logger *log.Logger, whitelistIPs []string) (*Limiter, error) {
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	if logger == nil {
		logger = log.StandardLogger()
	}

	l := &Limiter{
		rules:         rules,
		window:        window,
		backend:       backend,
		escalator:     escalator,
		notifications: notifications,
		logger:        logger,
		whitelist:     make(map[string]bool),
	}

	for _, ipStr := range whitelistIPs {
		if ip := net.ParseIP(ipStr); ip != nil {
			l.whitelist[ip.String()] = true
		} else if _, ipNet, err := net.ParseCIDR(ipStr); err == nil {
			l.ipNets = append(l.ipNets, ipNet)
		} else {
			return nil, fmt.Errorf("invalid whitelist IP or CIDR: %s", ipStr)
		}
	}

	return l, nil
}

// IsWhitelisted checks if an address bypasses rate limiting.
func (l *Limiter) IsWhitelisted(ip string) bool {
	if l.whitelist[ip] {
		return true
	}
	parsedIP := net.ParseIP(ip)
	if parsedIP == nil {
		return false
	}
	for _, ipNet := range l.ipNets {
		if ipNet.Contains(parsedIP) {
			return true
		}
	}
	return false
}

// MatchRule returns the first rule matching the request.
func (l *Limiter) MatchRule(r *http.Request) Rule {
	for _, rule := range l.rules {
		if rule.PathPrefix != "" && !strings.HasPrefix(r.URL.Path, rule.PathPrefix) {
			continue
		}
		if len(rule.Methods) > 0 && !methodMatches(rule.Methods, r.Method) {
			continue
		}
		return rule
	}
	// The table always carries a catch-all; this is a config error guard.
	return Rule{Name: "default", Max: 140}
}

func methodMatches(methods []string, method string) bool {
	for _, m := range methods {
		if strings.EqualFold(m, method) {
			return true
		}
	}
	return false
}

// Check records the request in the matching rule's window and rejects once
// the count exceeds the rule's max. Rejections register a rate-limit
// violation for escalation and emit an audit notification.
func (l *Limiter) Check(clientID string, r *http.Request) Decision {
	if l.IsWhitelisted(clientID) {
		return Decision{Allowed: true, Rule: "whitelist"}
	}

	rule := l.MatchRule(r)
	key := "rl:" + clientID + ":" + rule.Name

	count, err := l.backend.RecordRequest(key, l.window)
	if err != nil {
		// Degraded store: let the request through rather than failing it.
		l.logger.WithError(err).Warn("Rate limit check degraded, allowing request")
		return Decision{Allowed: true, Rule: rule.Name, Max: rule.Max}
	}

	if count <= rule.Max {
		return Decision{Allowed: true, Rule: rule.Name, Count: count, Max: rule.Max}
	}

	metrics.RateLimitRejections.WithLabelValues(rule.Name).Inc()
	l.logger.WithFields(log.Fields{
		"client": clientID,
		"rule":   rule.Name,
		"count":  count,
		"max":    rule.Max,
	}).Info("Rate limit exceeded")

	if l.notifications != nil {
		l.notifications.Add(notify.CategoryRateLimit, "Rate limit exceeded",
			fmt.Sprintf("Rule %q exceeded: %d requests in window (max %d)", rule.Name, count, rule.Max),
			clientID, map[string]string{"rule": rule.Name})
	}

	if l.escalator != nil {
		if _, err := l.escalator.RegisterViolation(clientID); err != nil {
			l.logger.WithError(err).Warn("Failed to register rate limit violation")
		}
	}

	return Decision{Allowed: false, Rule: rule.Name, Count: count, Max: rule.Max}
}

// Window returns the shared window length.
func (l *Limiter) Window() time.Duration {
	return l.window
}
