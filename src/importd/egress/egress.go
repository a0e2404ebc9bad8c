// Package egress implements the outbound proxy/identity pool: the
// platform-id fetcher iterates this pool's list() output to route each
// download attempt through a different egress identity. A header-
// authenticated JSON GET against an admin API, cached for 5 minutes in
// package db.
package egress

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/ingestflow/importd/src/common/logs"
	"github.com/ingestflow/importd/src/importd/db"
)

var log = logs.NewDefault()

// SetLogger sets the logger used by the egress package.
func SetLogger(l *logs.Logger) {
	if l != nil {
		log = l
	}
}

// Config configures the admin API client and cache behavior.
type Config struct {
	AdminBaseURL   string
	InternalSecret string
	CacheTTL       time.Duration
	Timeout        time.Duration
}

// DefaultConfig returns the standard defaults: a 5-minute cache.
func DefaultConfig() Config {
	return Config{CacheTTL: 5 * time.Minute, Timeout: 10 * time.Second}
}

// hardcodedFallbacks mirrors the rows seeded by migration 002. They are
// appended to every successful admin fetch, and are the whole list when the
// admin fetch fails and neither the repository nor the cache holds any rows.
var hardcodedFallbacks = []db.EgressIdentity{
	{ID: "hardcoded-direct", URL: "direct://", Priority: 0, SuccessRate: 1.0, IsHardcodedFallback: true},
	{ID: "hardcoded-secondary", URL: "direct://secondary", Priority: -1, SuccessRate: 1.0, IsHardcodedFallback: true},
}

// adminProxy is the wire shape returned by the admin API's proxies endpoint.
type adminProxy struct {
	ID          string  `json:"id"`
	URL         string  `json:"url"`
	Host        string  `json:"host"`
	Port        int     `json:"port"`
	Username    string  `json:"username"`
	Password    string  `json:"password"`
	Type        string  `json:"type"`
	Status      string  `json:"status"`
	Priority    int     `json:"priority"`
	SuccessRate float64 `json:"successRate"`
}

// Pool is the cached, sorted view over the egress identity list. Safe for
// concurrent use: List and ReportResult may be called from many worker
// goroutines at once.
type Pool struct {
	cfg    Config
	client *http.Client
	repo   *db.EgressRepository

	mu        sync.Mutex
	lastFetch time.Time
	cached    []db.EgressIdentity
}

// NewPool constructs the egress identity pool.
func NewPool(cfg Config, repo *db.EgressRepository) *Pool {
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = DefaultConfig().CacheTTL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	return &Pool{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		repo:   repo,
	}
}

// List returns the identity list sorted by (priority desc, success_rate
// desc), refreshing from the admin API if the cache has expired; a fresh
// admin result is merged with the hardcoded fallbacks. An admin-fetch
// failure returns no error: the list falls back to the identities stored in
// the repository, then to the previous in-memory list, and only then to the
// hardcoded fallbacks alone, so the platform fetcher always has something
// to iterate.
func (p *Pool) List(ctx context.Context) []db.EgressIdentity {
	p.mu.Lock()
	defer p.mu.Unlock()

	if time.Since(p.lastFetch) < p.cfg.CacheTTL && len(p.cached) > 0 {
		return p.cached
	}

	identities, err := p.fetchFromAdmin(ctx)
	if err != nil {
		log.Warn("egress admin fetch failed, falling back to cached/hardcoded identities", "error", err)
		if p.repo != nil {
			if rows, dbErr := p.repo.List(); dbErr == nil && len(rows) > 0 {
				p.cached = sortIdentities(rows)
				p.lastFetch = time.Now()
				return p.cached
			}
		}
		if len(p.cached) > 0 {
			return p.cached
		}
		p.cached = sortIdentities(append([]db.EgressIdentity{}, hardcodedFallbacks...))
		p.lastFetch = time.Now()
		return p.cached
	}

	if p.repo != nil {
		if err := p.repo.ReplaceFetched(identities); err != nil {
			log.Warn("failed to persist fetched egress identities", "error", err)
		}
	}

	merged := append(append([]db.EgressIdentity{}, identities...), hardcodedFallbacks...)
	p.cached = sortIdentities(merged)
	p.lastFetch = time.Now()
	return p.cached
}

func sortIdentities(identities []db.EgressIdentity) []db.EgressIdentity {
	sort.SliceStable(identities, func(i, j int) bool {
		if identities[i].Priority != identities[j].Priority {
			return identities[i].Priority > identities[j].Priority
		}
		return identities[i].SuccessRate > identities[j].SuccessRate
	})
	return identities
}

func (p *Pool) fetchFromAdmin(ctx context.Context) ([]db.EgressIdentity, error) {
	if p.cfg.AdminBaseURL == "" {
		return nil, fmt.Errorf("no admin base URL configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.AdminBaseURL+"/api/internal/proxies", nil)
	if err != nil {
		return nil, fmt.Errorf("build admin proxies request: %w", err)
	}
	req.Header.Set("x-internal-secret", p.cfg.InternalSecret)
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("admin proxies request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("admin proxies returned status %d", resp.StatusCode)
	}

	var proxies []adminProxy
	if err := json.NewDecoder(resp.Body).Decode(&proxies); err != nil {
		return nil, fmt.Errorf("decode admin proxies response: %w", err)
	}

	now := time.Now().UTC()
	identities := make([]db.EgressIdentity, 0, len(proxies))
	for _, px := range proxies {
		if px.Status == "disabled" || px.Status == "inactive" {
			continue
		}
		identities = append(identities, db.EgressIdentity{
			ID: px.ID, URL: px.URL, Priority: px.Priority, SuccessRate: px.SuccessRate,
			CreatedAt: now, UpdatedAt: now,
		})
	}
	return identities, nil
}

// ReportResult records the outcome of one attempt through identityURL.
// hardcoded-* identities are intentionally excluded from this bookkeeping:
// they are a last-resort fallback, not a real measured identity.
func (p *Pool) ReportResult(identityURL string, success bool, responseMs int64) {
	p.mu.Lock()
	var target *db.EgressIdentity
	for i := range p.cached {
		if p.cached[i].URL == identityURL {
			target = &p.cached[i]
			break
		}
	}
	p.mu.Unlock()

	if target == nil || target.IsHardcoded() {
		return
	}

	newRate := ewmaSuccessRate(target.SuccessRate, success)
	if p.repo != nil {
		if err := p.repo.UpdateSuccessRate(target.ID, newRate); err != nil {
			log.Warn("failed to persist egress identity success rate", "identity", target.ID, "error", err)
		}
	}

	p.mu.Lock()
	target.SuccessRate = newRate
	p.mu.Unlock()
}

// ewmaSuccessRate nudges rate toward the observed outcome with a fixed
// smoothing factor, rather than recomputing a running average from raw
// counts the pool does not retain.
func ewmaSuccessRate(rate float64, success bool) float64 {
	const alpha = 0.2
	observed := 0.0
	if success {
		observed = 1.0
	}
	return rate*(1-alpha) + observed*alpha
}
