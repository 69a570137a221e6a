// Package ratelimit provides admission control with a bounded FIFO queue and
// a bounded wait. Capacity is expressed as concurrent in-flight requests and,
// optionally, a token rate; a request that cannot be admitted immediately is
// queued if the queue has room and its wait can stay within MaxDelay, and is
// rejected otherwise.
package ratelimit

import (
	"container/list"
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ErrRejected is returned when the queue is full or the wait would exceed MaxDelay.
var ErrRejected = errors.New("rate limit exceeded")

// Outcome describes how a request was admitted.
type Outcome int

const (
	// Admitted means capacity was available immediately.
	Admitted Outcome = iota
	// Queued means the request waited before admission.
	Queued
	// Rejected means the request was refused.
	Rejected
)

func (o Outcome) String() string {
	switch o {
	case Admitted:
		return "admitted"
	case Queued:
		return "queued"
	default:
		return "rejected"
	}
}

// Config bounds the limiter. Zero MaxConcurrent means unlimited concurrency,
// zero RequestsPerSecond disables the token rate.
type Config struct {
	MaxConcurrent     int
	MaxQueue          int
	MaxDelay          time.Duration
	RequestsPerSecond float64
	Burst             int
}

// Decision is the result of a successful Admit.
type Decision struct {
	Outcome Outcome
	Delay   time.Duration
}

// Stats is a snapshot of the limiter counters.
type Stats struct {
	InFlight int
	Queued   int
	Admitted uint64
	Delayed  uint64
	Rejected uint64
}

type waiter struct {
	ready   chan struct{}
	granted bool
}

// Limiter is an owned admission controller; create one per server and share it.
type Limiter struct {
	cfg   Config
	rate  *rate.Limiter
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	mu       sync.Mutex
	inflight int
	waiters  *list.List
	stats    Stats
}

// New creates a limiter.
func New(cfg Config) *Limiter {
	l := &Limiter{
		cfg:     cfg,
		now:     time.Now,
		sleep:   sleepContext,
		waiters: list.New(),
	}
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = max(cfg.MaxConcurrent, 1)
		}
		l.rate = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return l
}

// Admit blocks until the request is admitted, rejected, or ctx ends. On
// success the caller must call Release exactly once.
func (l *Limiter) Admit(ctx context.Context) (Decision, error) {
	start := l.now()

	var (
		reservation *rate.Reservation
		tokenDelay  time.Duration
	)
	if l.rate != nil {
		reservation = l.rate.ReserveN(start, 1)
		if !reservation.OK() {
			return l.reject()
		}
		tokenDelay = reservation.DelayFrom(start)
		if tokenDelay > l.cfg.MaxDelay {
			reservation.CancelAt(start)
			return l.reject()
		}
	}

	l.mu.Lock()
	if tokenDelay == 0 && l.hasCapacityLocked() && l.waiters.Len() == 0 {
		l.inflight++
		l.stats.Admitted++
		l.mu.Unlock()
		return Decision{Outcome: Admitted}, nil
	}
	if l.waiters.Len() >= l.cfg.MaxQueue {
		l.mu.Unlock()
		if reservation != nil {
			reservation.CancelAt(start)
		}
		return l.reject()
	}
	w := &waiter{ready: make(chan struct{})}
	elem := l.waiters.PushBack(w)
	l.dispatchLocked()
	l.mu.Unlock()

	timer := time.NewTimer(l.cfg.MaxDelay)
	defer timer.Stop()

	select {
	case <-w.ready:
	case <-timer.C:
		if !l.abandon(elem, w) {
			break
		}
		if reservation != nil {
			reservation.CancelAt(l.now())
		}
		return l.reject()
	case <-ctx.Done():
		if !l.abandon(elem, w) {
			l.Release()
		}
		if reservation != nil {
			reservation.CancelAt(l.now())
		}
		return Decision{Outcome: Rejected}, ctx.Err()
	}

	// 已获得并发槽位，仍需等到令牌预约生效；总等待不超过 MaxDelay。
	if remaining := tokenDelay - l.now().Sub(start); remaining > 0 {
		if err := l.sleep(ctx, remaining); err != nil {
			l.Release()
			return Decision{Outcome: Rejected}, err
		}
	}

	l.mu.Lock()
	l.stats.Delayed++
	l.mu.Unlock()
	return Decision{Outcome: Queued, Delay: l.now().Sub(start)}, nil
}

// Release frees the slot held by an admitted request and wakes the next waiter.
func (l *Limiter) Release() {
	l.mu.Lock()
	if l.inflight > 0 {
		l.inflight--
	}
	l.dispatchLocked()
	l.mu.Unlock()
}

// Stats returns the current counters.
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.stats
	s.InFlight = l.inflight
	s.Queued = l.waiters.Len()
	return s
}

func (l *Limiter) hasCapacityLocked() bool {
	return l.cfg.MaxConcurrent <= 0 || l.inflight < l.cfg.MaxConcurrent
}

// dispatchLocked grants free slots to waiters in arrival order.
func (l *Limiter) dispatchLocked() {
	for l.waiters.Len() > 0 && l.hasCapacityLocked() {
		front := l.waiters.Front()
		w := l.waiters.Remove(front).(*waiter)
		w.granted = true
		l.inflight++
		close(w.ready)
	}
}

// abandon removes a waiter that gave up. It returns false when a slot was
// granted concurrently, in which case the caller owns that slot.
func (l *Limiter) abandon(elem *list.Element, w *waiter) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if w.granted {
		return false
	}
	l.waiters.Remove(elem)
	return true
}

func (l *Limiter) reject() (Decision, error) {
	l.mu.Lock()
	l.stats.Rejected++
	l.mu.Unlock()
	return Decision{Outcome: Rejected}, ErrRejected
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
