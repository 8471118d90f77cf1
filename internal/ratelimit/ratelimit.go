// Package ratelimit guards the board's unauthenticated endpoints (login,
// recovery, upload) with per-client token buckets kept in memory. It is
// sized for a single-instance deployment.
package ratelimit

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync"
	"time"
)

// Limiter tracks one token bucket per client key. Keys (typically client
// IPs) are HMAC-hashed with a per-instance random key before use as map
// keys, so raw IPs never sit in process memory.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket

	rate  float64
	burst float64

	hmacKey [32]byte
	now     func() time.Time

	stop    chan struct{} // closed by Stop; nil until StartGC runs
	stopped bool
}

type bucket struct {
	tokens float64
	last   time.Time
}

// refill credits tokens for the time elapsed since the last request,
// capped at burst. Backwards clock jumps credit nothing.
func (b *bucket) refill(now time.Time, rate, burst float64) {
	elapsed := now.Sub(b.last).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens += elapsed * rate
	if b.tokens > burst {
		b.tokens = burst
	}
	b.last = now
}

// New returns a limiter that refills at rate tokens/second up to burst
// capacity per key.
func New(rate float64, burst int) *Limiter {
	l := &Limiter{
		buckets: make(map[string]*bucket),
		rate:    rate,
		burst:   float64(burst),
		now:     time.Now,
	}
	// Panic on rand failure is acceptable at startup.
	if _, err := rand.Read(l.hmacKey[:]); err != nil {
		panic("ratelimit: crypto/rand failed: " + err.Error())
	}
	return l
}

// Allow reports whether a request for key should be admitted right now.
// The empty key (client address unavailable) is never limited.
func (l *Limiter) Allow(key string) bool {
	if key == "" {
		return true
	}

	hk := l.hashKey(key)

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[hk]
	if !ok {
		b = &bucket{tokens: l.burst, last: now}
		l.buckets[hk] = b
	}
	b.refill(now, l.rate, l.burst)

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

func (l *Limiter) hashKey(key string) string {
	mac := hmac.New(sha256.New, l.hmacKey[:])
	mac.Write([]byte(key))
	return hex.EncodeToString(mac.Sum(nil))
}

// StartGC starts a background goroutine that evicts buckets idle for
// longer than maxIdle, checking every interval. Call Stop to end it.
func (l *Limiter) StartGC(interval, maxIdle time.Duration) {
	l.mu.Lock()
	stop := make(chan struct{})
	l.stop = stop
	l.stopped = false
	l.mu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if n := l.sweep(maxIdle); n > 0 {
					slog.Debug("rate limit buckets evicted", "count", n)
				}
			}
		}
	}()
}

// Stop terminates the GC goroutine. Safe to call repeatedly, and safe
// when StartGC was never called.
func (l *Limiter) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stop != nil && !l.stopped {
		close(l.stop)
		l.stopped = true
	}
}

// sweep drops every bucket idle longer than maxIdle and returns how many
// were removed.
func (l *Limiter) sweep(maxIdle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	for k, b := range l.buckets {
		if now.Sub(b.last) > maxIdle {
			delete(l.buckets, k)
			removed++
		}
	}
	return removed
}

// Len reports the number of tracked buckets.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
