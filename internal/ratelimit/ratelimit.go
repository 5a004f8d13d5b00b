// Package ratelimit implements the per-identity and per-(identity,tool)
// token-bucket rate limiter described in spec.md §4.3.
package ratelimit

import (
	"context"
	"math"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Config is the static configuration the engine is constructed with.
type Config struct {
	Enabled         bool
	DefaultRPS      int
	DefaultBurst    int
	TTL             time.Duration // last_access TTL before an entry is evicted
	CleanupInterval time.Duration
	ToolRules       []ToolRule
}

// ToolRule is one entry of the tool-rate-limit configuration: a pattern
// ("x_*" prefix-match, or an exact name) and the quota it grants.
type ToolRule struct {
	ToolPattern     string
	RequestsPerSec  int
	BurstSize       int
}

func (r ToolRule) matches(tool string) bool {
	if strings.HasSuffix(r.ToolPattern, "*") {
		return strings.HasPrefix(tool, strings.TrimSuffix(r.ToolPattern, "*"))
	}
	return r.ToolPattern == tool
}

// Result mirrors spec.md §4.3's RateLimitResult.
type Result struct {
	Allowed        bool
	RetryAfterSecs int // set only when !Allowed, rounded up, minimum 1
	Limit          int
	Remaining      int
	ResetAt        time.Time
}

type entry struct {
	mu         sync.Mutex
	limiter    *rate.Limiter
	limit      int
	lastAccess time.Time
}

// Engine is the rate-limit engine. Safe for concurrent use.
type Engine struct {
	cfg Config
	log *zap.Logger

	identityLimiters sync.Map // string -> *entry
	toolLimiters     sync.Map // string -> *entry

	identityCount int64
	toolCount     int64
	countMu       sync.Mutex
}

// New constructs an Engine. TTL defaults to one hour if unset, matching
// spec.md §3's default.
func New(cfg Config, log *zap.Logger) *Engine {
	if cfg.TTL == 0 {
		cfg.TTL = time.Hour
	}
	if cfg.CleanupInterval == 0 {
		cfg.CleanupInterval = 5 * time.Minute
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{cfg: cfg, log: log.Named("ratelimit")}
}

// WithTTL returns a copy of the engine configured with the given TTL; used
// by tests that need TTL=0 to make every entry immediately evictable.
func (e *Engine) WithTTL(ttl time.Duration) *Engine {
	cfg := e.cfg
	cfg.TTL = ttl
	return &Engine{cfg: cfg, log: e.log}
}

func effectiveQuota(customRPS *int, defaultRPS, defaultBurst int) (rps, burst int) {
	if customRPS != nil && *customRPS > 0 {
		rps = *customRPS
		burst = int(math.Max(1, math.Floor(float64(rps)*0.5)))
		return rps, burst
	}
	rps = defaultRPS
	burst = defaultBurst
	if burst < 1 {
		burst = 1
	}
	return rps, burst
}

func newEntry(rps, burst int) *entry {
	if burst < 1 {
		burst = 1
	}
	return &entry{
		limiter:    rate.NewLimiter(rate.Limit(rps), burst),
		limit:      burst,
		lastAccess: time.Now(),
	}
}

func (e *Engine) getOrCreate(m *sync.Map, counter *int64, key string, rps, burst int) *entry {
	if v, ok := m.Load(key); ok {
		return v.(*entry)
	}
	ne := newEntry(rps, burst)
	actual, loaded := m.LoadOrStore(key, ne)
	if !loaded {
		e.countMu.Lock()
		*counter++
		e.countMu.Unlock()
	}
	return actual.(*entry)
}

func toResult(allow bool, ent *entry) Result {
	res := Result{Allowed: allow, Limit: ent.limit, ResetAt: time.Now().Add(time.Second)}
	if allow {
		res.Remaining = ent.limit - 1
		if res.Remaining < 0 {
			res.Remaining = 0
		}
		return res
	}
	res.Remaining = 0
	reservation := ent.limiter.Reserve()
	delay := reservation.Delay()
	reservation.Cancel()
	secs := int(math.Ceil(delay.Seconds()))
	if secs < 1 {
		secs = 1
	}
	res.RetryAfterSecs = secs
	res.ResetAt = time.Now().Add(delay)
	return res
}

// Check is the per-identity rate check. customRPS, when non-nil, overrides
// the configured default for this identity (per Identity.rate_limit).
func (e *Engine) Check(identityID string, customRPS *int) Result {
	if !e.cfg.Enabled {
		return Result{Allowed: true}
	}
	rps, burst := effectiveQuota(customRPS, e.cfg.DefaultRPS, e.cfg.DefaultBurst)
	ent := e.getOrCreate(&e.identityLimiters, &e.identityCount, identityID, rps, burst)

	ent.mu.Lock()
	ent.lastAccess = time.Now()
	allowed := ent.limiter.Allow()
	ent.mu.Unlock()

	return toResult(allowed, ent)
}

// CheckAllowed is the legacy boolean form of Check.
func (e *Engine) CheckAllowed(identityID string, customRPS *int) bool {
	return e.Check(identityID, customRPS).Allowed
}

// CheckTool applies the per-(identity,tool) quota, if any rule matches
// tool. Returns nil when rate limiting is disabled or no tool rule
// matches.
func (e *Engine) CheckTool(identityID, tool string) *Result {
	if !e.cfg.Enabled || len(e.cfg.ToolRules) == 0 {
		return nil
	}
	var rule *ToolRule
	for i := range e.cfg.ToolRules {
		if e.cfg.ToolRules[i].matches(tool) {
			rule = &e.cfg.ToolRules[i]
			break
		}
	}
	if rule == nil {
		return nil
	}

	key := identityID + ":" + tool
	ent := e.getOrCreate(&e.toolLimiters, &e.toolCount, key, rule.RequestsPerSec, rule.BurstSize)

	ent.mu.Lock()
	ent.lastAccess = time.Now()
	allowed := ent.limiter.Allow()
	ent.mu.Unlock()

	res := toResult(allowed, ent)
	return &res
}

// ClearIdentity removes all tracked buckets for an identity (both its own
// bucket and any per-tool buckets keyed under it).
func (e *Engine) ClearIdentity(identityID string) {
	e.identityLimiters.Delete(identityID)
	prefix := identityID + ":"
	e.toolLimiters.Range(func(k, _ any) bool {
		if strings.HasPrefix(k.(string), prefix) {
			e.toolLimiters.Delete(k)
		}
		return true
	})
}

// TrackedIdentities returns the number of identity buckets currently held.
func (e *Engine) TrackedIdentities() int {
	n := 0
	e.identityLimiters.Range(func(_, _ any) bool { n++; return true })
	return n
}

// TrackedTools returns the number of per-(identity,tool) buckets currently
// held.
func (e *Engine) TrackedTools() int {
	n := 0
	e.toolLimiters.Range(func(_, _ any) bool { n++; return true })
	return n
}

// CleanupExpired removes entries whose last_access predates the TTL.
func (e *Engine) CleanupExpired() {
	cutoff := time.Now().Add(-e.cfg.TTL)
	sweep := func(m *sync.Map) {
		m.Range(func(k, v any) bool {
			ent := v.(*entry)
			ent.mu.Lock()
			last := ent.lastAccess
			ent.mu.Unlock()
			if last.Before(cutoff) || e.cfg.TTL == 0 {
				m.Delete(k)
			}
			return true
		})
	}
	sweep(&e.identityLimiters)
	sweep(&e.toolLimiters)
}

// RunCleanup runs CleanupExpired on a fixed period until ctx is done.
func (e *Engine) RunCleanup(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			e.log.Debug("cleanup task stopping")
			return
		case <-ticker.C:
			e.CleanupExpired()
		}
	}
}
