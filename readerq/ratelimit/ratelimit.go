// Package ratelimit paces outbound work with a sliding one-second window per
// key. Callers wait before the throttled operation and record after it, so
// the window only ever holds completed work. The ledger is process-local.
package ratelimit

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"k8s.io/apimachinery/pkg/util/wait"
)

const window = time.Second

// Limit is a per-second budget. Zero fields are unlimited.
type Limit struct {
	PerSecond      int
	BytesPerSecond int64
}

type entry struct {
	at   time.Time
	size int64
}

type Limiter struct {
	mu           sync.Mutex
	history      map[string][]entry
	pollInterval time.Duration
	now          func() time.Time
}

type Option func(*Limiter)

// WithPollInterval sets how often a byte-capped wait re-checks the window.
func WithPollInterval(d time.Duration) Option {
	return func(l *Limiter) {
		if d > 0 {
			l.pollInterval = d
		}
	}
}

func New(opts ...Option) *Limiter {
	l := &Limiter{
		history:      make(map[string][]entry),
		pollInterval: 100 * time.Millisecond,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Key returns the origin (scheme://host[:port]) of rawURL, so each remote
// service gets its own budget.
func Key(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("url %q has no origin", rawURL)
	}

	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
		port = ""
	}
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if port != "" {
		host += ":" + port
	}
	return scheme + "://" + host, nil
}

// Record adds a completed operation of size bytes to key's ledger.
func (l *Limiter) Record(key string, size int64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.history[key] = append(l.history[key], entry{at: l.now(), size: size})
}

// WaitUntilAllowed blocks until key's last second of recorded work is under
// every cap in lim. An empty ledger never blocks.
func (l *Limiter) WaitUntilAllowed(ctx context.Context, key string, lim Limit) error {
	for {
		delay, ok := l.check(key, lim)
		if ok {
			return nil
		}

		log.Ctx(ctx).Debug().Str("key", key).Dur("delay", delay).Msg("rate limited")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// check reports whether an operation may start now and, if not, how long
// to sleep before checking again.
func (l *Limiter) check(key string, lim Limit) (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	recent := l.recent(key, now)

	var size int64
	for _, e := range recent {
		size += e.size
	}

	countBlocked := lim.PerSecond > 0 && len(recent) >= lim.PerSecond
	bytesBlocked := lim.BytesPerSecond > 0 && size >= lim.BytesPerSecond
	if !countBlocked && !bytesBlocked {
		return 0, true
	}

	var delay time.Duration
	if countBlocked {
		// Once this entry leaves the window the count drops below the cap.
		leaving := recent[len(recent)-lim.PerSecond]
		delay = leaving.at.Add(window).Sub(now)
	}
	if bytesBlocked && delay < l.pollInterval {
		delay = l.pollInterval
	}
	if delay <= 0 {
		delay = time.Millisecond
	}
	return delay, false
}

// recent returns the entries of key inside the trailing window, oldest
// first. An entry exactly one window old has already left it.
func (l *Limiter) recent(key string, now time.Time) []entry {
	entries := l.history[key]
	cutoff := now.Add(-window)

	i := len(entries)
	for i > 0 && entries[i-1].at.After(cutoff) {
		i--
	}
	return entries[i:]
}

// Purge drops key's entries older than olderThan.
func (l *Limiter) Purge(key string, olderThan time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.purge(key, l.now().Add(-olderThan))
}

func (l *Limiter) PurgeAll(olderThan time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-olderThan)
	for key := range l.history {
		l.purge(key, cutoff)
	}
}

func (l *Limiter) purge(key string, cutoff time.Time) {
	entries := l.history[key]

	i := 0
	for i < len(entries) && entries[i].at.Before(cutoff) {
		i++
	}
	if i == len(entries) {
		delete(l.history, key)
		return
	}
	if i > 0 {
		l.history[key] = append([]entry(nil), entries[i:]...)
	}
}

// Len is the number of entries held for key.
func (l *Limiter) Len(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.history[key])
}

// Run purges entries older than olderThan every interval until ctx ends.
func (l *Limiter) Run(ctx context.Context, every, olderThan time.Duration) {
	wait.UntilWithContext(ctx, func(context.Context) {
		l.PurgeAll(olderThan)
	}, every)
}
