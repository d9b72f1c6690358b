// Package metrics defines the Prometheus instrumentation for site-guard.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RateLimitRejections counts requests rejected by a rate-limit rule.
	RateLimitRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "siteguard_rate_limit_rejections_total",
		Help: "Total number of rate limit rejections",
	}, []string{"rule"})

	// ThreatDetections counts payloads flagged by the threat scanner.
	ThreatDetections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "siteguard_threat_detections_total",
		Help: "Total number of malicious payload detections",
	}, []string{"category"})

	// BansTotal counts issued IP bans by source.
	BansTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "siteguard_bans_total",
		Help: "Total number of IP bans issued",
	}, []string{"source"})

	// ActiveBans tracks the number of currently blocked clients.
	ActiveBans = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "siteguard_active_bans",
		Help: "Number of currently blocked clients",
	})

	// BlockedRequests counts requests short-circuited by the block gate.
	BlockedRequests = promauto.NewCounter(prometheus.CounterOpts{
		Name: "siteguard_blocked_requests_total",
		Help: "Total number of requests rejected because the client is blocked",
	})

	// LoginOutcomes counts login attempts by outcome.
	LoginOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "siteguard_login_outcomes_total",
		Help: "Total number of login attempts by outcome",
	}, []string{"outcome"}) // success, failure, lockout

	// AppealEvents counts appeal submissions and decisions.
	AppealEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "siteguard_appeal_events_total",
		Help: "Total number of appeal submissions and decisions",
	}, []string{"event"}) // submitted, unblocked, kept, rejected

	// GeoLookupDuration observes geo provider chain resolution time.
	GeoLookupDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "siteguard_geo_lookup_duration_seconds",
		Help:    "Duration of geo enrichment lookups",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
	})

	// GeoProviderFailures counts failed or ambiguous provider responses.
	GeoProviderFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "siteguard_geo_provider_failures_total",
		Help: "Total number of failed geo provider lookups",
	}, []string{"provider"})
)
