package server

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	"gopkg.in/tomb.v2"

	"github.com/dobrevit/site-guard/pkg/blocklist"
	"github.com/dobrevit/site-guard/pkg/geo"
	"github.com/dobrevit/site-guard/pkg/storage"
)

// Janitor periodically sweeps expired state: stale backend windows, lapsed
// blocks and expired geo cache entries. Reads already evict lazily; the sweep
// bounds memory for clients that never come back.
type Janitor struct {
	tomb     tomb.Tomb
	interval time.Duration

	backend  storage.Backend
	registry *blocklist.Registry
	resolver *geo.Resolver
	logger   *log.Logger
}

// NewJanitor creates a janitor sweeping at the given interval.
func NewJanitor(interval time.Duration, backend storage.Backend, registry *blocklist.Registry, resolver *geo.Resolver, logger *log.Logger) *Janitor {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Janitor{
		interval: interval,
		backend:  backend,
		registry: registry,
		resolver: resolver,
		logger:   logger,
	}
}

// Start launches the sweep loop.
func (j *Janitor) Start() {
	j.tomb.Go(j.loop)
}

// Stop terminates the loop and waits for it to finish.
func (j *Janitor) Stop() error {
	j.tomb.Kill(nil)
	return j.tomb.Wait()
}

func (j *Janitor) loop() error {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-j.tomb.Dying():
			return nil
		case <-ticker.C:
			j.sweep()
		}
	}
}

func (j *Janitor) sweep() {
	start := time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := j.backend.Cleanup(ctx); err != nil {
		j.logger.WithError(err).Warn("Backend cleanup failed")
	}

	prunedBans := 0
	if j.registry != nil {
		prunedBans = j.registry.PruneExpired()
	}
	prunedGeo := 0
	if j.resolver != nil {
		prunedGeo = j.resolver.PruneExpired()
	}

	j.logger.WithFields(log.Fields{
		"expiredBans": prunedBans,
		"expiredGeo":  prunedGeo,
		"duration":    time.Since(start),
	}).Debug("Sweep completed")
}
