// Package escalate promotes repeated soft rejections into temporary bans.
// A single noisy burst only ever produces soft rejects; a client has to keep
// violating within the tracking window before it gets blocked.
package escalate

import (
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dobrevit/site-guard/pkg/blocklist"
	"github.com/dobrevit/site-guard/pkg/notify"
	"github.com/dobrevit/site-guard/pkg/storage"
)

// Escalator counts violations of one kind per client and blocks repeat
// offenders. The pipeline runs two independent instances: one fed by
// rate-limit rejections, one by threat scanner detections.
type Escalator struct {
	backend       storage.Backend
	registry      *blocklist.Registry
	notifications *notify.Log
	logger        *log.Logger

	keyPrefix   string
	threshold   int
	window      time.Duration
	banDuration time.Duration
	banReason   string
}

// Config holds one escalator's tuning.
type Config struct {
	KeyPrefix   string
	Threshold   int
	Window      time.Duration
	BanDuration time.Duration
	BanReason   string
}

// New creates an escalator.
func New(cfg Config, backend storage.Backend, registry *blocklist.Registry, notifications *notify.Log, logger *log.Logger) *Escalator {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Escalator{
		backend:       backend,
		registry:      registry,
		notifications: notifications,
		logger:        logger,
		keyPrefix:     cfg.KeyPrefix,
		threshold:     cfg.Threshold,
		window:        cfg.Window,
		banDuration:   cfg.BanDuration,
		banReason:     cfg.BanReason,
	}
}

// RegisterViolation bumps the per-client counter and blocks the client once
// the threshold is reached. Returns the violation count inside the window.
func (e *Escalator) RegisterViolation(clientID string) (int, error) {
	count, err := e.backend.IncrementViolation(e.keyPrefix+clientID, e.window)
	if err != nil {
		return 0, err
	}

	if count >= e.threshold {
		e.logger.WithFields(log.Fields{
			"client":     clientID,
			"violations": count,
			"threshold":  e.threshold,
		}).Warn("Violation threshold reached, escalating to block")

		e.registry.Block(clientID, e.banDuration, e.banReason, blocklist.SourceAuto)

		// Start a fresh count once the ban lapses.
		if err := e.backend.ClearViolations(e.keyPrefix + clientID); err != nil {
			e.logger.WithField("client", clientID).WithError(err).Warn("Failed to clear violation record")
		}
	}

	return count, nil
}
