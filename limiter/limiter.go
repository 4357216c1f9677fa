// Package limiter provides the per-service request gates shared by every
// handler in the process: a dual-semaphore pair that spaces out request
// starts while capping in-flight connections, and a binary gate with a timed
// release for endpoints Steam rate limits aggressively.
package limiter

import (
	"context"
	"time"

	"golang.org/x/sync/semaphore"
)

// DefaultService is the bucket used for hosts without a registered pair.
const DefaultService = "*"

type pair struct {
	// rateSem serializes request starts; a detached timer releases it after
	// the configured delay, so the interval is start-to-start.
	rateSem *semaphore.Weighted
	// connSem caps in-flight requests and is held for the whole operation.
	connSem *semaphore.Weighted
}

func newPair(maxConnections int64) *pair {
	return &pair{
		rateSem: semaphore.NewWeighted(1),
		connSem: semaphore.NewWeighted(maxConnections),
	}
}

// Registry holds one semaphore pair per known service plus a default bucket.
type Registry struct {
	delay time.Duration
	pairs map[string]*pair
}

// NewRegistry builds a registry for the given service keys. A delay of zero
// disables limiting entirely. Every registry carries a DefaultService bucket
// for unknown services.
func NewRegistry(delay time.Duration, maxConnections int64, services ...string) *Registry {
	pairs := make(map[string]*pair, len(services)+1)
	pairs[DefaultService] = newPair(maxConnections)
	for _, service := range services {
		pairs[service] = newPair(maxConnections)
	}

	return &Registry{
		delay: delay,
		pairs: pairs,
	}
}

// Limit runs op under the service's semaphore pair. The connection slot is
// held until op returns; the rate slot is released by a background timer
// after the configured delay, so a long-running op does not block the next
// start beyond that delay.
func (r *Registry) Limit(ctx context.Context, service string, op func(ctx context.Context) error) error {
	if r == nil || r.delay == 0 {
		return op(ctx)
	}

	p, ok := r.pairs[service]
	if !ok {
		p, ok = r.pairs[DefaultService]
		if !ok {
			return op(ctx)
		}
	}

	if err := p.connSem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer p.connSem.Release(1)

	if err := p.rateSem.Acquire(ctx, 1); err != nil {
		return err
	}
	time.AfterFunc(r.delay, func() { p.rateSem.Release(1) })

	return op(ctx)
}

// Gate is a binary semaphore whose release is scheduled rather than paired
// with the caller: acquiring it blocks others for the configured delay.
type Gate struct {
	delay time.Duration
	sem   *semaphore.Weighted
}

// NewGate builds a gate enforcing a minimum spacing between acquisitions.
// A delay of zero disables the gate.
func NewGate(delay time.Duration) *Gate {
	return &Gate{
		delay: delay,
		sem:   semaphore.NewWeighted(1),
	}
}

// Acquire blocks until the gate opens, then schedules its own release after
// the gate's delay.
func (g *Gate) Acquire(ctx context.Context) error {
	if g == nil || g.delay == 0 {
		return nil
	}

	if err := g.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	time.AfterFunc(g.delay, func() { g.sem.Release(1) })

	return nil
}
