// Package dispatch delivers prepared notifications through a bounded
// worker pool. It owns retry policy for transient transport failures;
// deciding WHETHER a notification should go out at all happens in the
// firing's Prepare step, before the transport is touched.
package dispatch

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"notifyd/internal/eventbus"
	"notifyd/internal/runtime/supervisor"
	"notifyd/internal/store"
	"notifyd/internal/transport"
	"notifyd/pkg/logx"
)

// Outcome is the terminal result of one firing. Exactly one Outcome is
// produced per firing, whether it was delivered, suppressed by policy,
// or failed.
type Outcome struct {
	Result   store.Outcome
	Reason   string
	Attempts int
	Err      error
}

// Firing is a single unit of work handed to the pool.
//
// Prepare runs the decision pipeline (preferences, gate, render, token
// resolution). A nil returned Outcome means "deliver msg"; a non-nil
// Outcome short-circuits delivery and is recorded as-is.
//
// Complete persists the terminal outcome and re-arms the job. It is
// called exactly once per firing, including on shutdown.
type Firing struct {
	JobID      string
	UserID     string
	TemplateID string

	Prepare  func(ctx context.Context) (transport.Message, *Outcome)
	Complete func(ctx context.Context, out Outcome)
}

// DeliveryEvent is the payload for delivery.* bus events.
type DeliveryEvent struct {
	JobID      string `json:"job_id"`
	UserID     string `json:"user_id"`
	TemplateID string `json:"template_id"`
	Reason     string `json:"reason,omitempty"`
	Attempts   int    `json:"attempts,omitempty"`
}

type Config struct {
	Workers     int
	QueueSize   int
	RatePerSec  float64
	MaxAttempts int

	SendTimeout   time.Duration
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	RetryJitter   float64
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 25
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 15 * time.Second
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 30 * time.Second
	}
	if c.RetryJitter <= 0 || c.RetryJitter > 1 {
		c.RetryJitter = 0.2
	}
	return c
}

var ErrQueueFull = errors.New("dispatch: queue full")
var ErrStopped = errors.New("dispatch: stopped")

type Service struct {
	cfg Config
	tr  transport.Transport
	log logx.Logger
	bus eventbus.Bus

	queue chan Firing
	lim   *rate.Limiter

	mu      sync.Mutex
	sup     *supervisor.Supervisor
	running bool
}

func New(cfg Config, tr transport.Transport, log logx.Logger, bus eventbus.Bus) *Service {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:   cfg,
		tr:    tr,
		log:   log.With(logx.String("component", "dispatch")),
		bus:   bus,
		queue: make(chan Firing, cfg.QueueSize),
		lim:   rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Workers),
	}
}

func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	s.sup = supervisor.New(ctx, s.log)
	for i := 0; i < s.cfg.Workers; i++ {
		s.sup.GoRestart("dispatch-worker", s.workerLoop)
	}
	s.running = true
	s.log.Info("dispatcher started",
		logx.Int("workers", s.cfg.Workers),
		logx.Int("queue", s.cfg.QueueSize),
		logx.Int("max_attempts", s.cfg.MaxAttempts),
	)
	return nil
}

// Stop cancels the workers and waits for in-flight firings to finish
// their Complete step, up to ctx.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	sup := s.sup
	s.running = false
	s.mu.Unlock()
	if sup == nil {
		return nil
	}
	sup.Cancel()
	return sup.Wait(ctx)
}

// SetRate adjusts the send rate without restarting workers. Used by
// config hot reload.
func (s *Service) SetRate(perSec float64) {
	if perSec <= 0 {
		return
	}
	s.lim.SetLimit(rate.Limit(perSec))
}

// Enqueue hands a firing to the pool without blocking. On a full queue
// the caller keeps ownership of the firing and decides what to do with
// the job (typically: leave it claimed and retry next tick).
func (s *Service) Enqueue(f Firing) error {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if !running {
		return ErrStopped
	}
	select {
	case s.queue <- f:
		return nil
	default:
		return ErrQueueFull
	}
}

// QueueLen reports the current backlog.
func (s *Service) QueueLen() int { return len(s.queue) }

func (s *Service) workerLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case f := <-s.queue:
			s.process(ctx, f)
		}
	}
}

func (s *Service) process(ctx context.Context, f Firing) {
	log := s.log.With(
		logx.String("job_id", f.JobID),
		logx.String("user_id", f.UserID),
		logx.String("template_id", f.TemplateID),
	)

	out := s.run(ctx, f, log)

	// Complete must run even when the worker context is gone, otherwise
	// the job stays claimed forever. Give it a short grace window.
	cctx := ctx
	if cctx.Err() != nil {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	if f.Complete != nil {
		f.Complete(cctx, out)
	}
	s.publish(f, out)
}

func (s *Service) run(ctx context.Context, f Firing, log logx.Logger) Outcome {
	if f.Prepare == nil {
		return Outcome{Result: store.OutcomeFailed, Reason: "no prepare step"}
	}
	msg, short := f.Prepare(ctx)
	if short != nil {
		return *short
	}
	return s.deliver(ctx, msg, log)
}

func (s *Service) deliver(ctx context.Context, msg transport.Message, log logx.Logger) Outcome {
	var lastErr error
	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		if err := s.lim.Wait(ctx); err != nil {
			return Outcome{Result: store.OutcomeFailed, Reason: "shutdown", Attempts: attempt - 1, Err: err}
		}

		sctx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
		err := s.tr.Send(sctx, msg)
		cancel()

		if err == nil {
			return Outcome{Result: store.OutcomeSent, Attempts: attempt}
		}
		lastErr = err

		if transport.IsTerminal(err) {
			log.Warn("delivery rejected by transport", logx.Int("attempt", attempt), logx.Err(err))
			return Outcome{Result: store.OutcomeFailed, Reason: "transport rejected", Attempts: attempt, Err: err}
		}
		if attempt == s.cfg.MaxAttempts {
			break
		}

		delay := s.backoffDelay(attempt, err)
		log.Debug("delivery attempt failed, retrying",
			logx.Int("attempt", attempt),
			logx.Duration("delay", delay),
			logx.Err(err),
		)
		select {
		case <-ctx.Done():
			return Outcome{Result: store.OutcomeFailed, Reason: "shutdown", Attempts: attempt, Err: ctx.Err()}
		case <-time.After(delay):
		}
	}
	return Outcome{Result: store.OutcomeFailed, Reason: "attempts exhausted", Attempts: s.cfg.MaxAttempts, Err: lastErr}
}

// backoffDelay grows exponentially from RetryBase, honors an explicit
// retry-after hint from the transport, and spreads retries with jitter.
func (s *Service) backoffDelay(attempt int, err error) time.Duration {
	d := s.cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= s.cfg.RetryMaxDelay {
			d = s.cfg.RetryMaxDelay
			break
		}
	}
	if hint, ok := transport.RetryAfterHint(err); ok && hint > d {
		d = hint
	}
	if d > s.cfg.RetryMaxDelay {
		d = s.cfg.RetryMaxDelay
	}
	jitter := time.Duration(rand.Int63n(int64(float64(d)*s.cfg.RetryJitter) + 1))
	return d + jitter
}

func (s *Service) publish(f Firing, out Outcome) {
	if s.bus == nil {
		return
	}
	typ := eventbus.TypeDeliveryFailed
	switch out.Result {
	case store.OutcomeSent:
		typ = eventbus.TypeDeliverySent
	case store.OutcomeSuppressed:
		typ = eventbus.TypeDeliverySuppressed
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: DeliveryEvent{
		JobID:      f.JobID,
		UserID:     f.UserID,
		TemplateID: f.TemplateID,
		Reason:     out.Reason,
		Attempts:   out.Attempts,
	}})
}
