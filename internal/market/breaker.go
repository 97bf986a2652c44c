package market

import (
	"context"
	"sync"
	"time"

	"github.com/cloudwego/hertz/pkg/common/hlog"
)

type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "CLOSED"
	case BreakerOpen:
		return "OPEN"
	case BreakerHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

type BreakerConfig struct {
	FailureThreshold int
	SuccessThreshold int
	Cooldown         time.Duration
}

// GuardedSource wraps a PriceSource with a circuit breaker. While the breaker
// is open every lookup is Unavailable without touching the wrapped source.
// Half-open admits one trial lookup at a time.
type GuardedSource struct {
	src PriceSource
	cfg BreakerConfig
	now func() time.Time

	mu          sync.Mutex
	state       BreakerState
	failures    int
	successes   int
	lastFailure time.Time
	probing     bool
}

func NewGuardedSource(src PriceSource, cfg BreakerConfig) *GuardedSource {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 1
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	return &GuardedSource{src: src, cfg: cfg, now: time.Now}
}

func (g *GuardedSource) FetchPrice(ctx context.Context, key string) FetchResult {
	if ok, reason := g.allow(); !ok {
		return Unavailable(reason)
	}
	res := g.src.FetchPrice(ctx, key)
	if res.OK {
		g.recordSuccess()
	} else {
		g.recordFailure(res.Reason)
	}
	return res
}

// Connected reports whether the breaker lets lookups through.
func (g *GuardedSource) Connected() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state != BreakerOpen
}

func (g *GuardedSource) State() BreakerState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

func (g *GuardedSource) allow() (bool, string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	switch g.state {
	case BreakerOpen:
		if g.now().Sub(g.lastFailure) < g.cfg.Cooldown {
			return false, "circuit open"
		}
		g.state = BreakerHalfOpen
		g.successes = 0
		g.probing = true
		hlog.Infof("quote source breaker HALF_OPEN")
		return true, ""
	case BreakerHalfOpen:
		if g.probing {
			return false, "circuit half-open"
		}
		g.probing = true
		return true, ""
	default:
		return true, ""
	}
}

func (g *GuardedSource) recordSuccess() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.probing = false
	switch g.state {
	case BreakerClosed:
		g.failures = 0
	case BreakerHalfOpen:
		g.successes++
		if g.successes >= g.cfg.SuccessThreshold {
			g.state = BreakerClosed
			g.failures = 0
			g.successes = 0
			hlog.Infof("quote source breaker CLOSED (recovered)")
		}
	}
}

func (g *GuardedSource) recordFailure(reason string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.probing = false
	g.lastFailure = g.now()
	switch g.state {
	case BreakerClosed:
		g.failures++
		if g.failures >= g.cfg.FailureThreshold {
			g.state = BreakerOpen
			hlog.Warnf("quote source breaker OPEN after %d failures, last=%s", g.failures, reason)
		}
	case BreakerHalfOpen:
		g.state = BreakerOpen
		g.successes = 0
		hlog.Warnf("quote source breaker OPEN (half-open probe failed: %s)", reason)
	}
}
