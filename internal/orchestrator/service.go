// Package orchestrator owns the scheduled-job lifecycle: it keeps the
// pending job table in memory, ticks over it, claims due jobs, hands
// each one to the dispatcher as a self-contained firing, and re-arms
// recurring jobs from their planned slot so long-lived schedules never
// drift.
package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"notifyd/internal/dispatch"
	"notifyd/internal/eventbus"
	"notifyd/internal/gate"
	"notifyd/internal/pref"
	"notifyd/internal/recurrence"
	"notifyd/internal/runtime/supervisor"
	"notifyd/internal/store"
	"notifyd/internal/template"
	"notifyd/internal/transport"
	"notifyd/pkg/logx"
)

var (
	ErrUnknownJob = errors.New("orchestrator: unknown job")
)

type Config struct {
	// TickInterval bounds firing latency: a due job fires at most one
	// interval late.
	TickInterval time.Duration

	// Timezone is the default IANA zone for users without one.
	Timezone string
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = 30 * time.Second
	}
	if c.Timezone == "" {
		c.Timezone = "UTC"
	}
	return c
}

// jobState is the in-memory twin of a pending store.Job. claimed marks
// jobs currently in the dispatch pipeline; cancelWanted defers a cancel
// until the in-flight firing completes.
type jobState struct {
	job          store.Job
	rule         recurrence.Rule
	claimed      bool
	cancelWanted bool
}

// JobEvent is the payload for job.* bus events.
type JobEvent struct {
	JobID      string    `json:"job_id"`
	UserID     string    `json:"user_id"`
	TemplateID string    `json:"template_id"`
	NextFireAt time.Time `json:"next_fire_at,omitempty"`
}

type Service struct {
	cfg  Config
	loc  *time.Location
	st   store.Store
	pr   pref.Store
	reg  *template.Registry
	disp *dispatch.Service
	dir  transport.Directory
	bus  eventbus.Bus
	log  logx.Logger

	now func() time.Time

	mu   sync.Mutex
	jobs map[string]*jobState
	wake chan struct{}

	firingMu sync.Mutex
	firings  map[string]*userFiring

	sup     *supervisor.Supervisor
	running bool

	lastTick atomic.Int64
	fired    atomic.Uint64
	sent     atomic.Uint64
	suppr    atomic.Uint64
	failed   atomic.Uint64
}

func New(cfg Config, st store.Store, pr pref.Store, reg *template.Registry, disp *dispatch.Service, dir transport.Directory, bus eventbus.Bus, log logx.Logger) (*Service, error) {
	cfg = cfg.withDefaults()
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, err
	}
	if dir == nil {
		dir = transport.Identity{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:     cfg,
		loc:     loc,
		st:      st,
		pr:      pr,
		reg:     reg,
		disp:    disp,
		dir:     dir,
		bus:     bus,
		log:     log.With(logx.String("component", "orchestrator")),
		now:     time.Now,
		jobs:    map[string]*jobState{},
		wake:    make(chan struct{}, 1),
		firings: map[string]*userFiring{},
	}, nil
}

// Start rebuilds the pending table from the store and launches the tick
// loop. Jobs whose recurrence spec no longer parses are left untouched
// in the store and skipped with an error log.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	jobs, err := s.st.LoadPendingJobs(ctx)
	if err != nil {
		return err
	}
	for _, j := range jobs {
		// Drivers persist fire times as instants. Restore the anchor zone
		// so the recurrence keeps following the right wall clock across
		// restarts and DST transitions.
		loc := s.loc
		if j.Timezone != "" {
			if l, lerr := time.LoadLocation(j.Timezone); lerr == nil {
				loc = l
			} else {
				s.log.Warn("job has unknown timezone, using default",
					logx.String("job_id", j.ID),
					logx.String("timezone", j.Timezone),
				)
			}
		}
		j.NextFireAt = j.NextFireAt.In(loc)

		js := &jobState{job: j}
		if j.Spec != "" {
			rule, err := recurrence.Parse(j.Spec)
			if err != nil {
				s.log.Error("skipping job with unparseable schedule",
					logx.String("job_id", j.ID),
					logx.String("spec", j.Spec),
					logx.Err(err),
				)
				continue
			}
			js.rule = rule
		}
		s.jobs[j.ID] = js
	}
	s.log.Info("job table rebuilt", logx.Int("pending", len(s.jobs)))

	s.sup = supervisor.New(ctx, s.log)
	s.sup.GoRestart("orchestrator-tick", s.tickLoop)
	if s.bus != nil {
		s.sup.Go("orchestrator-counters", s.counterLoop)
	}
	s.running = true
	return nil
}

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

func (s *Service) tickLoop(ctx context.Context) error {
	t := time.NewTicker(s.cfg.TickInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		case <-s.wake:
		}
		s.Tick(ctx)
	}
}

// poke requests an out-of-band tick (new near-due job, admin kick).
func (s *Service) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Tick claims every due pending job and hands it to the dispatcher.
// Claiming is serialized under the table lock, so concurrent ticks
// cannot double-fire a job.
func (s *Service) Tick(ctx context.Context) {
	now := s.now()
	s.lastTick.Store(now.UnixNano())

	type claimed struct {
		f    dispatch.Firing
		ev   JobEvent
		slot time.Time
	}
	var due []claimed

	s.mu.Lock()
	for _, js := range s.jobs {
		if js.claimed || js.job.NextFireAt.After(now) {
			continue
		}
		js.claimed = true
		due = append(due, claimed{
			f:    s.firing(js.job, js.rule, js.job.NextFireAt),
			ev:   JobEvent{JobID: js.job.ID, UserID: js.job.UserID, TemplateID: js.job.TemplateID},
			slot: js.job.NextFireAt,
		})
	}
	s.mu.Unlock()

	for _, c := range due {
		if err := s.disp.Enqueue(c.f); err != nil {
			// Backpressure: release the claim and let the next tick retry.
			s.release(c.f.JobID)
			s.log.Warn("dispatch queue full, deferring job", logx.String("job_id", c.f.JobID), logx.Err(err))
			continue
		}
		s.fired.Add(1)
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: eventbus.TypeJobFired, Data: c.ev})
		}
		s.log.Debug("job fired",
			logx.String("job_id", c.f.JobID),
			logx.String("user_id", c.f.UserID),
			logx.String("template_id", c.f.TemplateID),
			logx.Time("slot", c.slot),
		)
	}
}

func (s *Service) release(jobID string) {
	s.mu.Lock()
	if js, ok := s.jobs[jobID]; ok {
		js.claimed = false
	}
	s.mu.Unlock()
}

// userFiring is a refcounted per-user lock. Holding it from Prepare
// through Complete means a firing's gate reads (daily cap, frequency
// window) always see the records of every earlier firing for that
// user, so two concurrent firings can never both pass the dedup check.
type userFiring struct {
	mu   sync.Mutex
	refs int
}

// claimUser blocks until no other firing for userID is in flight and
// returns the release func. The dispatcher runs Prepare and Complete
// on the same worker goroutine, so the lock is held by one goroutine
// end to end.
func (s *Service) claimUser(userID string) (release func()) {
	s.firingMu.Lock()
	f := s.firings[userID]
	if f == nil {
		f = &userFiring{}
		s.firings[userID] = f
	}
	f.refs++
	s.firingMu.Unlock()

	f.mu.Lock()
	return func() {
		f.mu.Unlock()
		s.firingMu.Lock()
		f.refs--
		if f.refs == 0 {
			delete(s.firings, userID)
		}
		s.firingMu.Unlock()
	}
}

// firing packages one due job into the dispatcher's work unit. slot is
// the planned fire time the recurrence re-arms from.
func (s *Service) firing(j store.Job, rule recurrence.Rule, slot time.Time) dispatch.Firing {
	var release func()
	return dispatch.Firing{
		JobID:      j.ID,
		UserID:     j.UserID,
		TemplateID: j.TemplateID,
		Prepare: func(ctx context.Context) (transport.Message, *dispatch.Outcome) {
			release = s.claimUser(j.UserID)
			return s.prepare(ctx, j.UserID, j.TemplateID, j.Variables)
		},
		Complete: func(ctx context.Context, out dispatch.Outcome) {
			defer release()
			s.complete(ctx, j.ID, rule, slot, out)
		},
	}
}

// prepare is the decision pipeline shared by scheduled firings and
// immediate triggers: preferences, gate, render, destination lookup.
// Suppressions and hard failures come back as a short-circuit outcome;
// only an allow produces a message.
func (s *Service) prepare(ctx context.Context, userID, templateID string, vars map[string]string) (transport.Message, *dispatch.Outcome) {
	fail := func(reason string, err error) (transport.Message, *dispatch.Outcome) {
		return transport.Message{}, &dispatch.Outcome{Result: store.OutcomeFailed, Reason: reason, Err: err}
	}

	settings, err := s.pr.GlobalSettings(ctx)
	if err != nil {
		return transport.Message{}, &dispatch.Outcome{
			Result: store.OutcomeSuppressed,
			Reason: string(gate.ReasonPreferenceUnavailable),
			Err:    err,
		}
	}
	p, err := s.pr.Preference(ctx, userID, templateID)
	if err != nil {
		// One retry; a flaky preference backend must not fail the job, it
		// suppresses this occurrence and the next slot tries again.
		p, err = s.pr.Preference(ctx, userID, templateID)
		if err != nil {
			return transport.Message{}, &dispatch.Outcome{
				Result: store.OutcomeSuppressed,
				Reason: string(gate.ReasonPreferenceUnavailable),
				Err:    err,
			}
		}
	}

	tpl, err := s.reg.Lookup(templateID)
	if err != nil {
		return fail("unknown_template", err)
	}

	loc := s.loc
	if p.Timezone != "" {
		if l, lerr := time.LoadLocation(p.Timezone); lerr == nil {
			loc = l
		}
	} else if settings.Timezone != "" {
		if l, lerr := time.LoadLocation(settings.Timezone); lerr == nil {
			loc = l
		}
	}

	now := s.now()
	sentToday, err := s.st.CountSent(ctx, userID, "", gate.DayStart(now, loc))
	if err != nil {
		return fail("audit_unavailable", err)
	}
	sentInWindow := 0
	if p.Frequency != template.FrequencyImmediate {
		sentInWindow, err = s.st.CountSent(ctx, userID, templateID, gate.WindowStart(p.Frequency, now, loc))
		if err != nil {
			return fail("audit_unavailable", err)
		}
	}

	d := gate.Decide(gate.Input{
		Now:          now,
		Location:     loc,
		Settings:     settings,
		Pref:         p,
		Category:     tpl.Category,
		SentToday:    sentToday,
		SentInWindow: sentInWindow,
	})
	if !d.Allow {
		return transport.Message{}, &dispatch.Outcome{Result: store.OutcomeSuppressed, Reason: string(d.Reason)}
	}

	rendered, err := s.reg.Resolve(templateID, vars)
	if err != nil {
		return fail("render_failed", err)
	}
	token, err := s.dir.DestinationToken(ctx, userID)
	if err != nil {
		return fail("destination_unavailable", err)
	}
	return transport.Message{
		Token:    token,
		Title:    rendered.Title,
		Body:     rendered.Body,
		Priority: settings.Priority,
	}, nil
}

// complete records the firing outcome and advances the job, atomically
// where the store supports it. Recurring jobs re-arm from the planned
// slot; a persistence failure leaves the job claimed-released at its
// old slot so the next tick retries the whole firing.
func (s *Service) complete(ctx context.Context, jobID string, rule recurrence.Rule, slot time.Time, out dispatch.Outcome) {
	s.mu.Lock()
	js, ok := s.jobs[jobID]
	if !ok {
		s.mu.Unlock()
		return
	}
	j := js.job
	cancelWanted := js.cancelWanted
	s.mu.Unlock()

	switch {
	case cancelWanted:
		j.Status = store.JobCanceled
	case rule.IsZero():
		j.Status = store.JobDone
	default:
		next := rule.Next(slot)
		for !next.After(s.now()) {
			next = rule.Next(next)
		}
		j.NextFireAt = next
		j.Status = store.JobPending
	}

	rec := store.SendRecord{
		UserID:     j.UserID,
		TemplateID: j.TemplateID,
		At:         s.now(),
		Outcome:    out.Result,
		Reason:     out.Reason,
		Attempts:   out.Attempts,
		JobID:      j.ID,
	}
	if err := s.st.CompleteFiring(ctx, rec, j); err != nil {
		s.log.Error("firing completion not persisted, will refire",
			logx.String("job_id", j.ID),
			logx.Err(err),
		)
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: eventbus.TypePersistenceDeferred, Data: JobEvent{JobID: j.ID, UserID: j.UserID, TemplateID: j.TemplateID}})
		}
		s.release(j.ID)
		return
	}

	s.mu.Lock()
	if j.Status == store.JobPending {
		js.job = j
		js.claimed = false
	} else {
		delete(s.jobs, j.ID)
	}
	s.mu.Unlock()

	if s.bus == nil {
		return
	}
	ev := JobEvent{JobID: j.ID, UserID: j.UserID, TemplateID: j.TemplateID, NextFireAt: j.NextFireAt}
	switch j.Status {
	case store.JobPending:
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeJobRearmed, Data: ev})
	default:
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeJobDone, Data: ev})
	}
}

// counterLoop feeds the status counters from delivery events.
func (s *Service) counterLoop(ctx context.Context) error {
	events, unsub := s.bus.Subscribe(64)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-events:
			if !ok {
				return nil
			}
			switch e.Type {
			case eventbus.TypeDeliverySent:
				s.sent.Add(1)
			case eventbus.TypeDeliverySuppressed:
				s.suppr.Add(1)
			case eventbus.TypeDeliveryFailed:
				s.failed.Add(1)
			}
		}
	}
}
