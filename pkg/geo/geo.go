// Package geo resolves client addresses to location/ISP/crawler signals via
// an ordered chain of lookup providers with a bounded TTL cache.
package geo

import (
	"context"
	"net"
	"regexp"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/dobrevit/site-guard/pkg/metrics"
)

// Result is a normalized geo enrichment outcome.
type Result struct {
	IP          string  `json:"ip"`
	Country     string  `json:"country"`
	CountryCode string  `json:"countryCode,omitempty"`
	Region      string  `json:"region,omitempty"`
	City        string  `json:"city,omitempty"`
	Latitude    float64 `json:"latitude,omitempty"`
	Longitude   float64 `json:"longitude,omitempty"`
	ISP         string  `json:"isp,omitempty"`
	Org         string  `json:"org,omitempty"`
	VPN         bool    `json:"vpn"`
	Crawler     bool    `json:"crawler"`
	Source      string  `json:"source"`
}

// Provider is one external lookup service. A provider must return an error
// for empty or ambiguous responses so the chain can move on.
type Provider interface {
	Name() string
	Lookup(ctx context.Context, ip string) (*Result, error)
}

// Config tunes the resolver.
type Config struct {
	CacheTTL          time.Duration `toml:"cacheTTL"`
	CacheMaxEntries   int           `toml:"cacheMaxEntries"`
	ProviderTimeout   time.Duration `toml:"providerTimeout"`
	LookupsPerSecond  float64       `toml:"lookupsPerSecond"`
	GeoIPDatabasePath string        `toml:"geoipDatabasePath"`
}

// DefaultConfig returns resolver defaults.
func DefaultConfig() Config {
	return Config{
		CacheTTL:         time.Hour,
		CacheMaxEntries:  10000,
		ProviderTimeout:  3 * time.Second,
		LookupsPerSecond: 10,
	}
}

var crawlerUA = regexp.MustCompile(`(?i)(bot|crawler|spider|slurp|curl|wget|python-requests|go-http-client|headless)`)

type cacheEntry struct {
	result    Result
	expiresAt time.Time
}

// Resolver runs the provider chain with a bounded cache. Outbound provider
// calls share a token-bucket budget so a scan burst cannot hammer the
// external services.
type Resolver struct {
	providers []Provider
	config    Config
	logger    *log.Logger
	limiter   *rate.Limiter

	cacheMu sync.Mutex
	cache   map[string]cacheEntry
}

// NewResolver creates a resolver over the given providers, tried in order.
func NewResolver(config Config, providers []Provider, logger *log.Logger) *Resolver {
	if config.CacheTTL <= 0 {
		config.CacheTTL = time.Hour
	}
	if config.CacheMaxEntries <= 0 {
		config.CacheMaxEntries = 10000
	}
	if config.ProviderTimeout <= 0 {
		config.ProviderTimeout = 3 * time.Second
	}
	if config.LookupsPerSecond <= 0 {
		config.LookupsPerSecond = 10
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Resolver{
		providers: providers,
		config:    config,
		logger:    logger,
		limiter:   rate.NewLimiter(rate.Limit(config.LookupsPerSecond), int(config.LookupsPerSecond)+1),
		cache:     make(map[string]cacheEntry),
	}
}

// LocalResult is returned for private and loopback addresses without calling
// any provider.
func LocalResult(ip string) Result {
	return Result{IP: ip, Country: "Local", City: "Local Network", Source: "local"}
}

// FallbackResult is returned when every provider fails.
func FallbackResult(ip string) Result {
	return Result{IP: ip, Country: "Unknown", Source: "fallback"}
}

// Resolve enriches an address, consulting the cache first. The crawler flag
// folds in the caller-supplied user agent, which is evaluated per request
// and therefore not part of the cached value.
func (r *Resolver) Resolve(ctx context.Context, ip, userAgent string) Result {
	result := r.resolveAddr(ctx, ip)
	if crawlerUA.MatchString(userAgent) {
		result.Crawler = true
	}
	return result
}

func (r *Resolver) resolveAddr(ctx context.Context, ip string) Result {
	parsed := net.ParseIP(ip)
	if parsed == nil || parsed.IsLoopback() || parsed.IsPrivate() || parsed.IsLinkLocalUnicast() {
		return LocalResult(ip)
	}

	if cached, ok := r.cached(ip); ok {
		return cached
	}

	start := time.Now()
	result := r.lookup(ctx, ip)
	metrics.GeoLookupDuration.Observe(time.Since(start).Seconds())

	r.store(ip, result)
	return result
}

func (r *Resolver) lookup(ctx context.Context, ip string) Result {
	if !r.limiter.Allow() {
		r.logger.WithField("ip", ip).Debug("Geo lookup budget exhausted")
		return FallbackResult(ip)
	}

	for _, provider := range r.providers {
		callCtx, cancel := context.WithTimeout(ctx, r.config.ProviderTimeout)
		result, err := provider.Lookup(callCtx, ip)
		cancel()

		if err != nil || result == nil || result.Country == "" {
			metrics.GeoProviderFailures.WithLabelValues(provider.Name()).Inc()
			r.logger.WithFields(log.Fields{
				"provider": provider.Name(),
				"ip":       ip,
				"error":    err,
			}).Debug("Geo provider failed, trying next")
			continue
		}

		result.IP = ip
		result.Source = provider.Name()
		// Hosting/proxy provider signals feed the crawler classification:
		// datacenter traffic claiming to be a browser is suspect either way.
		if result.VPN {
			result.Crawler = true
		}
		return *result
	}

	return FallbackResult(ip)
}

func (r *Resolver) cached(ip string) (Result, bool) {
	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()

	entry, ok := r.cache[ip]
	if !ok {
		return Result{}, false
	}
	if time.Now().After(entry.expiresAt) {
		delete(r.cache, ip)
		return Result{}, false
	}
	return entry.result, true
}

func (r *Resolver) store(ip string, result Result) {
	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()

	if len(r.cache) >= r.config.CacheMaxEntries {
		r.evictOldestLocked()
	}
	r.cache[ip] = cacheEntry{result: result, expiresAt: time.Now().Add(r.config.CacheTTL)}
}

func (r *Resolver) evictOldestLocked() {
	var oldestKey string
	var oldestAt time.Time
	for key, entry := range r.cache {
		if oldestKey == "" || entry.expiresAt.Before(oldestAt) {
			oldestKey = key
			oldestAt = entry.expiresAt
		}
	}
	if oldestKey != "" {
		delete(r.cache, oldestKey)
	}
}

// PruneExpired drops expired cache entries; called by the janitor.
func (r *Resolver) PruneExpired() int {
	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()

	now := time.Now()
	pruned := 0
	for key, entry := range r.cache {
		if now.After(entry.expiresAt) {
			delete(r.cache, key)
			pruned++
		}
	}
	return pruned
}

// CacheSize returns the number of live cache entries.
func (r *Resolver) CacheSize() int {
	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()
	return len(r.cache)
}
