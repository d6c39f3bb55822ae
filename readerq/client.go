package readerq

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/olamilekan000/readerq/readerq/backend"
	"github.com/olamilekan000/readerq/readerq/config"
	"github.com/olamilekan000/readerq/readerq/errors"
)

// JobTyper lets a payload name its own job type.
type JobTyper interface {
	JobType() string
}

type Client struct {
	config      *config.Config
	backend     backend.Backend
	dispatchers map[string]*dispatcher
	mu          sync.RWMutex

	inflight       sync.WaitGroup
	loopsWG        sync.WaitGroup
	shutdownOnce   sync.Once
	isShuttingDown atomic.Bool
	activeWorkers  atomic.Int64
	stop           context.CancelFunc
	now            func() time.Time
}

func NewClient(ctx context.Context, cfg *config.Config) (*Client, error) {
	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	b, err := cfg.CreateBackend(ctx)
	if err != nil {
		return nil, err
	}

	return &Client{
		config:      cfg,
		backend:     b,
		dispatchers: make(map[string]*dispatcher),
		now:         time.Now,
	}, nil
}

// Types lists every job type that has rows in the job table or a
// registered handler, sorted.
func (c *Client) Types(ctx context.Context) ([]string, error) {
	stored, err := c.backend.DiscoverTypes(ctx)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	types := make([]string, 0, len(stored))
	for _, t := range append(stored, c.RegisteredTypes()...) {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		types = append(types, t)
	}
	sort.Strings(types)
	return types, nil
}

// Healthy reports whether the job table is reachable.
func (c *Client) Healthy() bool {
	return c.backend.IsHealthy()
}

// Clear deletes every job of every type.
func (c *Client) Clear(ctx context.Context) error {
	return c.backend.Clear(ctx)
}

func (c *Client) Config() *config.Config {
	return c.config
}

func (c *Client) Close() error {
	return c.backend.Close()
}

// Queue returns the Manager for one job type.
func (c *Client) Queue(jobType string) *Manager {
	m := newManager(jobType, c.backend, c.config.WaitPollInterval)
	m.now = c.now
	return m
}

// Handle registers the handler that executes batches of jobType. It must
// be called before Consume; registering a type twice replaces the handler.
func (c *Client) Handle(jobType string, handler HandlerFunc, opts ...DispatchOption) {
	c.mu.Lock()
	defer c.mu.Unlock()

	d := &dispatcher{
		client:       c,
		manager:      c.Queue(jobType),
		handler:      handler,
		pollInterval: c.config.PollInterval,
	}
	for _, opt := range opts {
		opt(d)
	}
	c.dispatchers[jobType] = d
}

func (c *Client) RegisteredTypes() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	types := make([]string, 0, len(c.dispatchers))
	for name := range c.dispatchers {
		types = append(types, name)
	}
	sort.Strings(types)
	return types
}

// Consume runs one dispatch loop per registered type plus the purge loop,
// and blocks until ctx is cancelled or Shutdown completes. A batch already
// running when that happens is waited for, not interrupted, so a later
// Consume on the same Client never overlaps it.
func (c *Client) Consume(ctx context.Context) error {
	workerID := uuid.New().String()
	logger := log.Ctx(ctx).With().Str("worker", workerID).Logger()
	ctx = logger.WithContext(ctx)

	if c.config.ClearOnStart {
		if err := c.backend.Clear(ctx); err != nil {
			return fmt.Errorf("clear jobs on start: %w", err)
		}
		logger.Info().Msg("cleared job table")
	}

	ctx, stop := context.WithCancel(ctx)
	c.mu.Lock()
	c.stop = stop
	dispatchers := make([]*dispatcher, 0, len(c.dispatchers))
	for _, d := range c.dispatchers {
		dispatchers = append(dispatchers, d)
	}
	c.mu.Unlock()
	defer stop()

	c.loopsWG.Add(len(dispatchers) + 1)
	for _, d := range dispatchers {
		go func(d *dispatcher) {
			defer c.loopsWG.Done()

			l := logger.With().Str("job_type", d.manager.jobType).Logger()
			l.Info().Dur("poll_interval", d.pollInterval).Msg("dispatch loop started")
			if err := d.run(l.WithContext(ctx)); err != nil {
				l.Error().Err(err).Msg("dispatch loop stopped")
				return
			}
			l.Info().Msg("dispatch loop stopped")
		}(d)
	}
	go func() {
		defer c.loopsWG.Done()
		c.runPurger(ctx)
	}()

	c.loopsWG.Wait()
	return nil
}

// Shutdown stops claiming new work and waits for in-flight batches. It
// returns a *errors.TimeoutError when they outlast Config.ShutdownTimeout.
func (c *Client) Shutdown(ctx context.Context) error {
	var shutdownErr error
	c.shutdownOnce.Do(func() {
		c.mu.Lock()
		c.isShuttingDown.Store(true)
		c.mu.Unlock()

		done := make(chan struct{})
		go func() {
			c.inflight.Wait()
			close(done)
		}()

		timeout := c.config.ShutdownTimeout

		select {
		case <-done:
			log.Ctx(ctx).Info().Msg("all workers finished gracefully")
		case <-time.After(timeout):
			active := c.activeWorkers.Load()
			shutdownErr = &errors.TimeoutError{
				Operation: fmt.Sprintf("shutdown with %d workers active", active),
				Timeout:   timeout,
			}
			log.Ctx(ctx).Warn().Int64("active", active).Msg("shutdown timeout")
		case <-ctx.Done():
			shutdownErr = fmt.Errorf("shutdown cancelled: %w", ctx.Err())
		}

		c.mu.RLock()
		stop := c.stop
		c.mu.RUnlock()
		if stop != nil {
			stop()
		}
	})

	return shutdownErr
}

// acquire registers one unit of in-flight work unless shutdown has begun.
// Every successful acquire must be paired with a release.
func (c *Client) acquire() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.isShuttingDown.Load() {
		return false
	}
	c.inflight.Add(1)
	return true
}

func (c *Client) release() {
	c.inflight.Done()
}

// typeName derives a default job type from a payload. Payloads without a
// named type yield "".
func typeName(payload any) string {
	if typer, ok := payload.(JobTyper); ok {
		return typer.JobType()
	}

	t := reflect.TypeOf(payload)
	if t == nil {
		return ""
	}
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return ""
	}

	return t.Name()
}
