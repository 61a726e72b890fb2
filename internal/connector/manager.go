package connector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/nsnw/yahk/internal/config"
	"github.com/nsnw/yahk/internal/entity"
	"github.com/nsnw/yahk/internal/metrics"
)

// Handler applies one event. It always runs on the manager's worker goroutine.
type Handler func(ctx context.Context, ev Event)

// ManagerOptions tunes queueing, restarts and shutdown.
type ManagerOptions struct {
	QueueSize       int
	ShutdownTimeout time.Duration
	// Backoff returns the delay before restart attempt n (starting at 1).
	Backoff func(attempt int) time.Duration
	// StableAfter resets the attempt counter when a connection lasted at least this long.
	StableAfter time.Duration
	// OnDisabled runs on the worker after a service exhausted its retries.
	OnDisabled func(ctx context.Context, identifier string)
}

// Status is a point-in-time view of a managed service.
type Status struct {
	Identifier string
	Kind       entity.Kind
	Running    bool
	Disabled   bool
	Restarts   int
}

type task struct {
	ev   *Event
	fn   func(ctx context.Context)
	done chan struct{}
}

type managed struct {
	cfg      config.ServiceConfig
	adapter  Adapter
	limiter  *rate.Limiter
	cancel   context.CancelFunc
	done     chan struct{}
	up       atomic.Bool
	disabled atomic.Bool
	restarts atomic.Int32
}

// Manager supervises one goroutine per service and funnels every event through a single worker,
// preserving per-service order.
type Manager struct {
	registry *Registry
	handler  Handler
	logger   *slog.Logger
	opts     ManagerOptions

	queue      chan task
	workerOnce sync.Once
	workerDone chan struct{}

	mu       sync.RWMutex
	services map[string]*managed
	stopping atomic.Bool
}

// NewManager creates a manager that builds adapters from registry and applies their events with handler.
func NewManager(registry *Registry, handler Handler, log *slog.Logger, opts ManagerOptions) *Manager {
	if log == nil {
		log = slog.Default()
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = config.DefaultQueueSize
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = config.DefaultShutdownTimeout
	}
	if opts.Backoff == nil {
		opts.Backoff = ExponentialBackoff(time.Second, time.Minute)
	}
	if opts.StableAfter <= 0 {
		opts.StableAfter = time.Minute
	}
	return &Manager{
		registry:   registry,
		handler:    handler,
		logger:     log.With(slog.String("component", "connector")),
		opts:       opts,
		queue:      make(chan task, opts.QueueSize),
		workerDone: make(chan struct{}),
		services:   map[string]*managed{},
	}
}

// ExponentialBackoff doubles base per attempt up to limit.
func ExponentialBackoff(base, limit time.Duration) func(int) time.Duration {
	return func(attempt int) time.Duration {
		d := base
		for i := 1; i < attempt && d < limit; i++ {
			d *= 2
		}
		if d > limit {
			d = limit
		}
		return d
	}
}

// Run is the inbound worker. It applies queued events and closures in order until ctx ends.
func (m *Manager) Run(ctx context.Context) {
	started := false
	m.workerOnce.Do(func() { started = true })
	if !started {
		return
	}
	defer close(m.workerDone)
	m.logger.Info("worker start")
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("worker stop")
			return
		case t := <-m.queue:
			m.apply(ctx, t)
		}
	}
}

func (m *Manager) apply(ctx context.Context, t task) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("worker task panic", slog.Any("panic", r))
		}
		if t.done != nil {
			close(t.done)
		}
	}()
	switch {
	case t.fn != nil:
		t.fn(ctx)
	case t.ev != nil && m.handler != nil:
		metrics.EventsReceived.WithLabelValues(t.ev.Service, t.ev.Type.String()).Inc()
		m.handler(ctx, *t.ev)
	}
}

func (m *Manager) submit(ctx context.Context, t task) error {
	select {
	case m.queue <- t:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-m.workerDone:
		return fmt.Errorf("%w: worker stopped", ErrNotRunning)
	}
}

// Do runs fn on the worker and waits for it to finish. It must not be called from the worker itself.
func (m *Manager) Do(ctx context.Context, fn func(ctx context.Context)) error {
	t := task{fn: fn, done: make(chan struct{})}
	if err := m.submit(ctx, t); err != nil {
		return err
	}
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-m.workerDone:
		return fmt.Errorf("%w: worker stopped", ErrNotRunning)
	}
}

// Inject queues ev as if the service identified by ev.Service had emitted it.
func (m *Manager) Inject(ctx context.Context, ev Event) error {
	return m.submit(ctx, task{ev: &ev})
}

type serviceSink struct {
	m          *Manager
	identifier string
}

func (s serviceSink) Emit(ctx context.Context, ev Event) error {
	ev.Service = s.identifier
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	return s.m.submit(ctx, task{ev: &ev})
}

// Start builds the adapter for cfg and supervises it until ctx ends or retries run out.
func (m *Manager) Start(ctx context.Context, cfg config.ServiceConfig) error {
	if m.stopping.Load() {
		return fmt.Errorf("%w: manager is shutting down", ErrNotRunning)
	}
	factory, ok := m.registry.Get(entity.Kind(cfg.Kind))
	if !ok {
		return fmt.Errorf("%w: no adapter for kind %q", ErrUnsupported, cfg.Kind)
	}
	log := m.logger.With(slog.String("service", cfg.Identifier))
	adapter, err := factory(cfg, log)
	if err != nil {
		return fmt.Errorf("build %s adapter: %w", cfg.Identifier, err)
	}

	limit := rate.Inf
	if cfg.SendRate > 0 {
		limit = rate.Limit(cfg.SendRate)
	}
	burst := cfg.SendBurst
	if burst <= 0 {
		burst = 1
	}

	runCtx, cancel := context.WithCancel(ctx)
	s := &managed{
		cfg:     cfg,
		adapter: adapter,
		limiter: rate.NewLimiter(limit, burst),
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	m.mu.Lock()
	if _, exists := m.services[cfg.Identifier]; exists {
		m.mu.Unlock()
		cancel()
		return fmt.Errorf("service already started: %s", cfg.Identifier)
	}
	m.services[cfg.Identifier] = s
	m.mu.Unlock()

	go m.supervise(runCtx, s, log)
	return nil
}

func (m *Manager) supervise(ctx context.Context, s *managed, log *slog.Logger) {
	defer close(s.done)
	id := s.cfg.Identifier
	sink := serviceSink{m: m, identifier: id}
	attempt := 0
	for {
		log.Info("connector start")
		started := time.Now()
		s.up.Store(true)
		metrics.ConnectorUp.WithLabelValues(id).Set(1)
		err := s.adapter.Start(ctx, sink)
		s.up.Store(false)
		metrics.ConnectorUp.WithLabelValues(id).Set(0)

		if ctx.Err() != nil {
			log.Info("connector stop")
			return
		}
		if err == nil {
			err = errors.New("connection closed")
		}
		if time.Since(started) >= m.opts.StableAfter {
			attempt = 0
		}
		attempt++
		if attempt > s.cfg.MaxRetries {
			s.disabled.Store(true)
			log.Error("connector disabled", slog.Int("attempts", attempt), slog.Any("error", err))
			if m.opts.OnDisabled != nil {
				_ = m.submit(ctx, task{fn: func(ctx context.Context) { m.opts.OnDisabled(ctx, id) }})
			}
			return
		}

		delay := m.opts.Backoff(attempt)
		log.Warn("connector failed", slog.Int("attempt", attempt), slog.Duration("retry_in", delay), slog.Any("error", err))
		s.restarts.Add(1)
		metrics.ConnectorRestarts.WithLabelValues(id).Inc()
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// Send delivers text to chat through its service's adapter, waiting for the service's send budget.
func (m *Manager) Send(ctx context.Context, chat *entity.Chat, text string) error {
	id := chat.Service.Identifier
	m.mu.RLock()
	s := m.services[id]
	m.mu.RUnlock()
	if s == nil || !s.up.Load() {
		return fmt.Errorf("%w: %s", ErrNotRunning, id)
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("send to %s: %w", chat, err)
	}
	return s.adapter.Send(ctx, chat, text)
}

// Adapter returns the adapter of a started service.
func (m *Manager) Adapter(identifier string) (Adapter, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.services[identifier]
	if !ok {
		return nil, false
	}
	return s.adapter, true
}

// Statuses reports every started service ordered by identifier.
func (m *Manager) Statuses() []Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Status, 0, len(m.services))
	for id, s := range m.services {
		out = append(out, Status{
			Identifier: id,
			Kind:       s.adapter.Kind(),
			Running:    s.up.Load(),
			Disabled:   s.disabled.Load(),
			Restarts:   int(s.restarts.Load()),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identifier < out[j].Identifier })
	return out
}

// Shutdown asks every adapter to quit within the shutdown timeout, then cancels them. Adapters that do not
// return in time are abandoned. Calling it again is a no-op.
func (m *Manager) Shutdown(ctx context.Context) error {
	if !m.stopping.CompareAndSwap(false, true) {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, m.opts.ShutdownTimeout)
	defer cancel()

	m.mu.RLock()
	services := make([]*managed, 0, len(m.services))
	for _, s := range m.services {
		services = append(services, s)
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, s := range services {
		wg.Add(1)
		go func(s *managed) {
			defer wg.Done()
			if err := s.adapter.Quit(ctx); err != nil && !errors.Is(err, ErrUnsupported) {
				m.logger.Warn("connector quit failed", slog.String("service", s.cfg.Identifier), slog.Any("error", err))
			}
			s.cancel()
			select {
			case <-s.done:
			case <-ctx.Done():
				m.logger.Warn("connector abandoned", slog.String("service", s.cfg.Identifier))
			}
		}(s)
	}
	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		m.logger.Info("connectors stopped", slog.Int("count", len(services)))
	case <-ctx.Done():
		m.logger.Warn("connector shutdown timed out", slog.Duration("timeout", m.opts.ShutdownTimeout))
	}
	return nil
}
