// Package steamguard implements the core of a Steam Mobile Authenticator
// client: time-based login codes, signed mobile confirmations, and the
// authenticated web session the confirmation endpoints require.
package steamguard

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/escrow-tf/steamguard/api"
	"github.com/escrow-tf/steamguard/limiter"
	"github.com/escrow-tf/steamguard/steamtime"
	"github.com/rotisserie/eris"
)

const (
	// DefaultWebLimiterDelay is the minimum start-to-start spacing between
	// requests to the same host.
	DefaultWebLimiterDelay = 300 * time.Millisecond

	// DefaultConfirmationsLimiterDelay is the minimum gap between
	// confirmation listings; Steam throttles this endpoint hard.
	DefaultConfirmationsLimiterDelay = 10 * time.Second

	// DefaultMaxConnections caps in-flight requests per host.
	DefaultMaxConnections = 5

	// DefaultConnectionTimeout bounds how long an operation waits for the
	// session to become initialized, in seconds.
	DefaultConnectionTimeout = 90

	// DefaultMaxTries bounds retries of session-aware operations.
	DefaultMaxTries = 5

	// MaxItemsPerInventoryRequest is the page size cap Steam enforces on
	// inventory fetches. Reserved for inventory-aware callers.
	MaxItemsPerInventoryRequest = 5000
)

// Runtime carries the process-wide shared state: the corrected Steam clock,
// the per-host limiter pairs, and the global confirmations gate. Construct
// one Runtime at program start and share it across handlers.
type Runtime struct {
	limiters  *limiter.Registry
	confGate  *limiter.Gate
	oracle    *steamtime.Oracle
	timeQuery atomic.Pointer[steamtime.QueryTimer]
}

type runtimeConfig struct {
	webLimiterDelay           time.Duration
	confirmationsLimiterDelay time.Duration
	maxConnections            int64
	timeTTL                   time.Duration
}

// RuntimeOption tunes a Runtime at construction.
type RuntimeOption func(*runtimeConfig)

// WithWebLimiterDelay overrides the per-host inter-start delay. Zero
// disables web rate limiting entirely.
func WithWebLimiterDelay(delay time.Duration) RuntimeOption {
	return func(c *runtimeConfig) {
		c.webLimiterDelay = delay
	}
}

// WithConfirmationsLimiterDelay overrides the confirmations gate delay. Zero
// disables the gate.
func WithConfirmationsLimiterDelay(delay time.Duration) RuntimeOption {
	return func(c *runtimeConfig) {
		c.confirmationsLimiterDelay = delay
	}
}

// WithMaxConnections overrides the per-host in-flight connection cap.
func WithMaxConnections(maxConnections int64) RuntimeOption {
	return func(c *runtimeConfig) {
		if maxConnections > 0 {
			c.maxConnections = maxConnections
		}
	}
}

// WithTimeTTL overrides how long a measured server-clock offset stays
// trusted.
func WithTimeTTL(ttl time.Duration) RuntimeOption {
	return func(c *runtimeConfig) {
		c.timeTTL = ttl
	}
}

func NewRuntime(options ...RuntimeOption) *Runtime {
	config := runtimeConfig{
		webLimiterDelay:           DefaultWebLimiterDelay,
		confirmationsLimiterDelay: DefaultConfirmationsLimiterDelay,
		maxConnections:            DefaultMaxConnections,
		timeTTL:                   steamtime.DefaultTTL,
	}
	for _, option := range options {
		option(&config)
	}

	runtime := &Runtime{
		limiters: limiter.NewRegistry(
			config.webLimiterDelay,
			config.maxConnections,
			api.CommunityHost,
			api.StoreHost,
			api.HelpHost,
			api.WebAPIHost,
		),
		confGate: limiter.NewGate(config.confirmationsLimiterDelay),
	}
	runtime.oracle = steamtime.NewOracle(runtime, config.timeTTL)

	return runtime
}

// Limiters exposes the per-host request gates, shared with the transports.
func (r *Runtime) Limiters() *limiter.Registry {
	return r.limiters
}

// SteamTime returns the corrected Steam clock, in unix seconds.
func (r *Runtime) SteamTime(ctx context.Context) uint32 {
	return r.oracle.Now(ctx)
}

// QueryTime delegates to whichever handler bound its time source first; the
// oracle falls back to the local clock until one exists.
func (r *Runtime) QueryTime(ctx context.Context) (int64, error) {
	timer := r.timeQuery.Load()
	if timer == nil {
		return 0, eris.New("no time source bound yet")
	}
	return (*timer).QueryTime(ctx)
}

func (r *Runtime) bindTimeSource(timer steamtime.QueryTimer) {
	r.timeQuery.CompareAndSwap(nil, &timer)
}
