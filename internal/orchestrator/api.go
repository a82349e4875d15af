package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"notifyd/internal/dispatch"
	"notifyd/internal/eventbus"
	"notifyd/internal/recurrence"
	"notifyd/internal/store"
	"notifyd/internal/template"
	"notifyd/internal/transport"
	"notifyd/pkg/logx"
)

// TriggerImmediate pushes a notification through the full decision
// pipeline right now, bypassing scheduling only. Validation errors come
// back synchronously; the delivery itself is asynchronous and lands on
// the audit trail like any firing.
func (s *Service) TriggerImmediate(ctx context.Context, userID, templateID string, vars map[string]string) error {
	if userID == "" {
		return fmt.Errorf("trigger: user id required")
	}
	if _, err := s.reg.Lookup(templateID); err != nil {
		return err
	}

	var release func()
	f := dispatch.Firing{
		UserID:     userID,
		TemplateID: templateID,
		Prepare: func(ctx context.Context) (transport.Message, *dispatch.Outcome) {
			release = s.claimUser(userID)
			return s.prepare(ctx, userID, templateID, vars)
		},
		Complete: func(ctx context.Context, out dispatch.Outcome) {
			defer release()
			rec := store.SendRecord{
				UserID:     userID,
				TemplateID: templateID,
				At:         s.now(),
				Outcome:    out.Result,
				Reason:     out.Reason,
				Attempts:   out.Attempts,
			}
			if err := s.st.AppendSendRecord(ctx, rec); err != nil {
				s.log.Error("immediate send record not persisted", logx.String("user_id", userID), logx.Err(err))
			}
		},
	}
	return s.disp.Enqueue(f)
}

// ScheduleOnce registers a one-shot job for a future point in time.
func (s *Service) ScheduleOnce(ctx context.Context, userID, templateID string, at time.Time, vars map[string]string) (store.Job, error) {
	if userID == "" {
		return store.Job{}, fmt.Errorf("schedule: user id required")
	}
	if !at.After(s.now()) {
		return store.Job{}, fmt.Errorf("schedule: fire time %s is not in the future", at.Format(time.RFC3339))
	}
	if _, err := s.reg.Lookup(templateID); err != nil {
		return store.Job{}, err
	}
	j := store.Job{
		ID:         uuid.NewString(),
		UserID:     userID,
		TemplateID: templateID,
		Variables:  vars,
		NextFireAt: at,
		Status:     store.JobPending,
		CreatedAt:  s.now(),
	}
	return s.admit(ctx, j, recurrence.Rule{})
}

// ScheduleRecurring registers a calendar-anchored recurring job from a
// cron expression. The first fire is the next slot after now.
func (s *Service) ScheduleRecurring(ctx context.Context, userID, templateID, spec string, vars map[string]string) (store.Job, error) {
	if userID == "" {
		return store.Job{}, fmt.Errorf("schedule: user id required")
	}
	if _, err := s.reg.Lookup(templateID); err != nil {
		return store.Job{}, err
	}
	rule, err := recurrence.Parse(spec)
	if err != nil {
		return store.Job{}, err
	}
	now := s.now().In(s.loc)
	j := store.Job{
		ID:         uuid.NewString(),
		UserID:     userID,
		TemplateID: templateID,
		Variables:  vars,
		Spec:       rule.Spec(),
		Timezone:   s.loc.String(),
		NextFireAt: rule.Next(now),
		Status:     store.JobPending,
		CreatedAt:  now,
	}
	return s.admit(ctx, j, rule)
}

// ScheduleFromPreference derives a recurring job from the user's stored
// preference: frequency picks the cadence, preferred time picks the
// slot, timezone anchors the calendar. Immediate-frequency templates
// have nothing to schedule.
func (s *Service) ScheduleFromPreference(ctx context.Context, userID, templateID string, vars map[string]string) (store.Job, error) {
	if userID == "" {
		return store.Job{}, fmt.Errorf("schedule: user id required")
	}
	if _, err := s.reg.Lookup(templateID); err != nil {
		return store.Job{}, err
	}
	p, err := s.pr.Preference(ctx, userID, templateID)
	if err != nil {
		return store.Job{}, err
	}

	at := p.PreferredTime
	if at == "" {
		at = "09:00"
	}
	var rule recurrence.Rule
	switch p.Frequency {
	case template.FrequencyDaily:
		rule, err = recurrence.Daily(at)
	case template.FrequencyWeekly:
		rule, err = recurrence.Weekly(time.Monday, at)
	case template.FrequencyMonthly:
		rule, err = recurrence.MonthlyDay(1, at)
	case template.FrequencyImmediate:
		return store.Job{}, fmt.Errorf("schedule: template %q is immediate, nothing to schedule", templateID)
	default:
		return store.Job{}, fmt.Errorf("schedule: unknown frequency %q", p.Frequency)
	}
	if err != nil {
		return store.Job{}, err
	}

	loc := s.loc
	if p.Timezone != "" {
		if l, lerr := time.LoadLocation(p.Timezone); lerr == nil {
			loc = l
		}
	}
	now := s.now().In(loc)
	j := store.Job{
		ID:         uuid.NewString(),
		UserID:     userID,
		TemplateID: templateID,
		Variables:  vars,
		Spec:       rule.Spec(),
		Timezone:   loc.String(),
		NextFireAt: rule.Next(now),
		Status:     store.JobPending,
		CreatedAt:  now,
	}
	return s.admit(ctx, j, rule)
}

// admit persists a new job and inserts it into the live table.
func (s *Service) admit(ctx context.Context, j store.Job, rule recurrence.Rule) (store.Job, error) {
	if err := s.st.SaveJob(ctx, j); err != nil {
		return store.Job{}, err
	}
	s.mu.Lock()
	s.jobs[j.ID] = &jobState{job: j, rule: rule}
	s.mu.Unlock()

	s.log.Info("job scheduled",
		logx.String("job_id", j.ID),
		logx.String("user_id", j.UserID),
		logx.String("template_id", j.TemplateID),
		logx.String("spec", j.Spec),
		logx.Time("next_fire_at", j.NextFireAt),
	)
	// Wake the loop for jobs due before the next regular tick so fire
	// times are not quantized to the tick interval.
	if delay := j.NextFireAt.Sub(s.now()); delay <= 0 {
		s.poke()
	} else if delay < s.cfg.TickInterval {
		time.AfterFunc(delay, s.poke)
	}
	return j, nil
}

// Cancel takes a pending job out of rotation. A job currently in the
// dispatch pipeline finishes its firing and is then marked canceled
// instead of re-arming.
func (s *Service) Cancel(ctx context.Context, jobID string) error {
	s.mu.Lock()
	js, ok := s.jobs[jobID]
	if !ok {
		s.mu.Unlock()
		return ErrUnknownJob
	}
	if js.claimed {
		js.cancelWanted = true
		s.mu.Unlock()
		s.log.Info("cancel deferred until in-flight firing completes", logx.String("job_id", jobID))
		return nil
	}
	j := js.job
	delete(s.jobs, jobID)
	s.mu.Unlock()

	j.Status = store.JobCanceled
	if err := s.st.SaveJob(ctx, j); err != nil {
		// Put it back; the caller can retry.
		s.mu.Lock()
		s.jobs[jobID] = js
		s.mu.Unlock()
		return err
	}
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeJobDone, Data: JobEvent{JobID: j.ID, UserID: j.UserID, TemplateID: j.TemplateID}})
	}
	s.log.Info("job canceled", logx.String("job_id", jobID))
	return nil
}

// TriggerJobNow pulls a pending job's next slot to now. The decision
// pipeline still runs; this is an admin kick, not a bypass.
func (s *Service) TriggerJobNow(jobID string) error {
	s.mu.Lock()
	js, ok := s.jobs[jobID]
	if !ok {
		s.mu.Unlock()
		return ErrUnknownJob
	}
	if !js.claimed {
		js.job.NextFireAt = s.now()
	}
	s.mu.Unlock()
	s.poke()
	return nil
}

// Job returns the live copy of a pending job.
func (s *Service) Job(jobID string) (store.Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	js, ok := s.jobs[jobID]
	if !ok {
		return store.Job{}, false
	}
	return js.job, true
}

// Status is the admin snapshot.
type Status struct {
	Running     bool      `json:"running"`
	PendingJobs int       `json:"pending_jobs"`
	InFlight    int       `json:"in_flight"`
	QueueDepth  int       `json:"queue_depth"`
	LastTick    time.Time `json:"last_tick"`
	Fired       uint64    `json:"fired"`
	Sent        uint64    `json:"sent"`
	Suppressed  uint64    `json:"suppressed"`
	Failed      uint64    `json:"failed"`
}

func (s *Service) Status() Status {
	s.mu.Lock()
	running := s.running
	pending := len(s.jobs)
	inflight := 0
	for _, js := range s.jobs {
		if js.claimed {
			inflight++
		}
	}
	s.mu.Unlock()

	var last time.Time
	if n := s.lastTick.Load(); n != 0 {
		last = time.Unix(0, n)
	}
	return Status{
		Running:     running,
		PendingJobs: pending,
		InFlight:    inflight,
		QueueDepth:  s.disp.QueueLen(),
		LastTick:    last,
		Fired:       s.fired.Load(),
		Sent:        s.sent.Load(),
		Suppressed:  s.suppr.Load(),
		Failed:      s.failed.Load(),
	}
}
