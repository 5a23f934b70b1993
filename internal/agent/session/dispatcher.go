package session

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// Dispatcher enforces the global command budget: a bound on concurrent
// in-flight commands and a rolling rate limit on new submissions.
type Dispatcher struct {
	inflight *semaphore.Weighted

	mu        sync.Mutex
	perSecond int
	window    []time.Time
}

// NewDispatcher creates a dispatcher allowing maxConcurrent in-flight
// commands and perSecond new commands per rolling second.
func NewDispatcher(maxConcurrent, perSecond int) *Dispatcher {
	if maxConcurrent <= 0 {
		maxConcurrent = 5
	}
	if perSecond <= 0 {
		perSecond = 3
	}
	return &Dispatcher{
		inflight:  semaphore.NewWeighted(int64(maxConcurrent)),
		perSecond: perSecond,
	}
}

// Acquire blocks until a slot is available and the rate window admits a
// new command, or ctx is cancelled. The caller must Release.
func (d *Dispatcher) Acquire(ctx context.Context) error {
	if err := d.inflight.Acquire(ctx, 1); err != nil {
		return err
	}
	if err := d.waitRate(ctx); err != nil {
		d.inflight.Release(1)
		return err
	}
	return nil
}

// Release frees the concurrency slot.
func (d *Dispatcher) Release() {
	d.inflight.Release(1)
}

// waitRate admits at most perSecond submissions per rolling second.
func (d *Dispatcher) waitRate(ctx context.Context) error {
	for {
		d.mu.Lock()
		now := time.Now()
		cutoff := now.Add(-time.Second)
		kept := d.window[:0]
		for _, t := range d.window {
			if t.After(cutoff) {
				kept = append(kept, t)
			}
		}
		d.window = kept

		if len(d.window) < d.perSecond {
			d.window = append(d.window, now)
			d.mu.Unlock()
			return nil
		}
		wait := d.window[0].Add(time.Second).Sub(now)
		d.mu.Unlock()

		if wait <= 0 {
			wait = time.Millisecond
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}
