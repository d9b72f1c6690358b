// Package appeal lets a blocked client request reinstatement. Submission is
// anti-abuse controlled on its own (minimum interval, minimum justification
// length) and a decision is restricted to an authenticated operator.
package appeal

import (
	"context"
	"encoding/json"
	"errors"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/dobrevit/site-guard/pkg/blocklist"
	"github.com/dobrevit/site-guard/pkg/geo"
	"github.com/dobrevit/site-guard/pkg/metrics"
	"github.com/dobrevit/site-guard/pkg/notify"
	"github.com/dobrevit/site-guard/pkg/storage"
)

// Appeal states and decisions.
const (
	StatusPending  = "pending"
	StatusResolved = "resolved"

	DecisionUnblock = "unblock"
	DecisionKeep    = "keep"
)

// Submission and decision failures, mapped to response codes by the pipeline.
var (
	ErrNotBlocked      = errors.New("client is not currently blocked")
	ErrMessageTooShort = errors.New("justification message too short")
	ErrTooSoon         = errors.New("an appeal was already submitted recently")
	ErrNotFound        = errors.New("appeal not found")
	ErrAlreadyResolved = errors.New("appeal already resolved")
	ErrInvalidDecision = errors.New("decision must be unblock or keep")
)

// Config tunes the workflow.
type Config struct {
	MinInterval   time.Duration `toml:"minInterval"`
	MinMessageLen int           `toml:"minMessageLen"`
	RebanDuration time.Duration `toml:"rebanDuration"`
}

// DefaultConfig returns standard appeal parameters.
func DefaultConfig() Config {
	return Config{
		MinInterval:   24 * time.Hour,
		MinMessageLen: 10,
		RebanDuration: 24 * time.Hour,
	}
}

// Workflow manages appeal submission and operator decisions.
type Workflow struct {
	config        Config
	durable       *storage.DurableStore
	registry      *blocklist.Registry
	resolver      *geo.Resolver
	notifications *notify.Log
	logger        *log.Logger
}

// New creates an appeal workflow. The resolver may be nil, in which case no
// geo snapshot is captured.
func New(config Config, durable *storage.DurableStore, registry *blocklist.Registry, resolver *geo.Resolver, notifications *notify.Log, logger *log.Logger) *Workflow {
	if config.MinMessageLen <= 0 {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Workflow{
		config:        config,
		durable:       durable,
		registry:      registry,
		resolver:      resolver,
		notifications: notifications,
		logger:        logger,
	}
}

// Submit files an appeal for a blocked client. The block state and reason
// are snapshotted at filing time so the record stays meaningful after the
// ban itself changes.
func (w *Workflow) Submit(ctx context.Context, clientAddr, message, contact, userAgent string) (*storage.AppealRecord, error) {
	status := w.registry.Status(clientAddr)
	if !status.Blocked {
		return nil, ErrNotBlocked
	}
	// Message length is counted in runes, not bytes.
	if utf8.RuneCountInString(message) < w.config.MinMessageLen {
		return nil, ErrMessageTooShort
	}

	latest, err := w.durable.LatestAppealFor(clientAddr)
	if err != nil {
		return nil, err
	}
	if latest != nil && time.Since(latest.CreatedAt) < w.config.MinInterval {
		return nil, ErrTooSoon
	}

	rec := storage.AppealRecord{
		ID:           uuid.NewString(),
		ClientAddr:   clientAddr,
		Reason:       status.Reason,
		BlockedUntil: status.BlockedUntil,
		Message:      message,
		Contact:      contact,
		Status:       StatusPending,
		CreatedAt:    time.Now(),
	}

	if w.resolver != nil {
		snapshot := w.resolver.Resolve(ctx, clientAddr, userAgent)
		if data, err := json.Marshal(snapshot); err == nil {
			rec.GeoSnapshot = string(data)
		}
	}

	if err := w.durable.PutAppeal(rec); err != nil {
		return nil, err
	}

	metrics.AppealEvents.WithLabelValues("submitted").Inc()
	w.logger.WithFields(log.Fields{
		"appeal": rec.ID,
		"client": clientAddr,
	}).Info("Appeal submitted")

	if w.notifications != nil {
		w.notifications.Add(notify.CategoryAppeal, "Unban appeal submitted", message, clientAddr, map[string]string{
			"appealId": rec.ID,
		})
	}

	return &rec, nil
}

// Decide resolves a pending appeal exactly once. An unblock decision lifts
// the ban immediately; keep re-asserts it if it had lapsed while the appeal
// was pending.
func (w *Workflow) Decide(id, decision, adminNote, operator string) (*storage.AppealRecord, error) {
	if decision != DecisionUnblock && decision != DecisionKeep {
		return nil, ErrInvalidDecision
	}

	rec, err := w.durable.GetAppeal(id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, ErrNotFound
	}
	if rec.Status != StatusPending {
		return nil, ErrAlreadyResolved
	}

	switch decision {
	case DecisionUnblock:
		w.registry.Unblock(rec.ClientAddr)
		metrics.AppealEvents.WithLabelValues("unblocked").Inc()
	case DecisionKeep:
		if !w.registry.Status(rec.ClientAddr).Blocked {
			w.registry.Block(rec.ClientAddr, w.config.RebanDuration, rec.Reason, blocklist.SourceAdmin)
		}
		metrics.AppealEvents.WithLabelValues("kept").Inc()
	}

	rec.Status = StatusResolved
	rec.Decision = decision
	rec.AdminNote = adminNote
	rec.ResolvedAt = time.Now()
	if err := w.durable.PutAppeal(*rec); err != nil {
		return nil, err
	}

	w.logger.WithFields(log.Fields{
		"appeal":   id,
		"decision": decision,
		"operator": operator,
		"client":   rec.ClientAddr,
	}).Info("Appeal resolved")

	if w.notifications != nil {
		// Reflect the outcome on the submission notification so the
		// operator UI needs no second data source.
		w.notifications.SetMetadata("appealId", id, "resolved", decision)
		w.notifications.Add(notify.CategoryAdmin, "Appeal decided",
			"Decision: "+decision, rec.ClientAddr, map[string]string{
				"appealId": id,
				"operator": operator,
			})
	}

	return rec, nil
}

// List returns all appeals.
func (w *Workflow) List() ([]storage.AppealRecord, error) {
	return w.durable.ListAppeals()
}

// MinInterval exposes the configured minimum submission interval.
func (w *Workflow) MinInterval() time.Duration {
	return w.config.MinInterval
}
