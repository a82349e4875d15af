package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"notifyd/internal/dispatch"
	"notifyd/internal/eventbus"
	"notifyd/internal/pref"
	"notifyd/internal/store"
	"notifyd/internal/template"
	"notifyd/internal/transport"
	"notifyd/pkg/logx"
)

// Monday, well outside the default quiet hours.
var baseTime = time.Date(2026, time.March, 2, 9, 30, 0, 0, time.UTC)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

type captureTransport struct {
	mu   sync.Mutex
	msgs []transport.Message
	fail func(msg transport.Message) error
}

func (c *captureTransport) Send(_ context.Context, msg transport.Message) error {
	// The fail hook may block to stage concurrency, so it runs outside
	// the lock.
	if c.fail != nil {
		if err := c.fail(msg); err != nil {
			return err
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
	return nil
}

func (c *captureTransport) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

type harness struct {
	clock *fakeClock
	st    *store.Memory
	prefs *pref.Memory
	tr    *captureTransport
	svc   *Service
}

func defaultSettings() pref.Settings {
	return pref.Settings{
		Enabled:         true,
		QuietHoursStart: "22:00",
		QuietHoursEnd:   "08:00",
		MaxPerDay:       10,
		Timezone:        "UTC",
	}
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	reg, err := template.New(nil)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	clock := &fakeClock{t: baseTime}
	st := store.NewMemory()
	prefs := pref.NewMemory(defaultSettings(), reg)
	tr := &captureTransport{}
	bus := eventbus.New()

	disp := dispatch.New(dispatch.Config{
		Workers:       2,
		RatePerSec:    1000,
		RetryBase:     time.Millisecond,
		RetryMaxDelay: 5 * time.Millisecond,
	}, tr, logx.Nop(), bus)

	svc, err := New(Config{TickInterval: time.Hour, Timezone: "UTC"}, st, prefs, reg, disp, nil, bus, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	svc.now = clock.Now

	ctx, cancel := context.WithCancel(context.Background())
	if err := disp.Start(ctx); err != nil {
		t.Fatalf("dispatcher start: %v", err)
	}
	if err := svc.Start(ctx); err != nil {
		t.Fatalf("orchestrator start: %v", err)
	}
	t.Cleanup(func() {
		sctx, scancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer scancel()
		_ = svc.Stop(sctx)
		_ = disp.Stop(sctx)
		cancel()
	})
	return &harness{clock: clock, st: st, prefs: prefs, tr: tr, svc: svc}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestTickFiresDueJobExactlyOnce(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	j, err := h.svc.ScheduleOnce(ctx, "u1", "mood_reminder", h.clock.Now().Add(time.Minute), map[string]string{"userName": "Ana"})
	if err != nil {
		t.Fatalf("ScheduleOnce: %v", err)
	}
	if _, err := h.svc.ScheduleOnce(ctx, "u1", "mood_reminder", h.clock.Now().Add(-time.Minute), nil); err == nil {
		t.Fatal("past-dated one-shot accepted")
	}

	// Two back-to-back ticks must not double-fire a claimed job.
	h.clock.Advance(2 * time.Minute)
	h.svc.Tick(ctx)
	h.svc.Tick(ctx)

	waitFor(t, "delivery", func() bool { return len(h.st.Records()) == 1 })
	time.Sleep(20 * time.Millisecond)

	recs := h.st.Records()
	if len(recs) != 1 {
		t.Fatalf("got %d send records, want 1", len(recs))
	}
	if recs[0].Outcome != store.OutcomeSent || recs[0].JobID != j.ID {
		t.Fatalf("record = %+v, want sent for job %s", recs[0], j.ID)
	}
	if h.tr.Count() != 1 {
		t.Fatalf("transport called %d times, want 1", h.tr.Count())
	}
	if _, ok := h.svc.Job(j.ID); ok {
		t.Fatal("one-shot job still in pending table after firing")
	}
}

func TestRecurringReArmsFromPlannedSlot(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	j, err := h.svc.ScheduleRecurring(ctx, "u1", "mood_reminder", "0 9 * * *", map[string]string{"userName": "Ana"})
	if err != nil {
		t.Fatalf("ScheduleRecurring: %v", err)
	}
	slot := time.Date(2026, time.March, 3, 9, 0, 0, 0, time.UTC)
	if !j.NextFireAt.Equal(slot) {
		t.Fatalf("first slot = %v, want %v", j.NextFireAt, slot)
	}

	// Fire 17 minutes late. Re-arm must come from the planned slot, not
	// from when delivery actually happened.
	h.clock.Set(slot.Add(17 * time.Minute))
	h.svc.Tick(ctx)

	want := slot.AddDate(0, 0, 1)
	waitFor(t, "re-arm", func() bool {
		cur, ok := h.svc.Job(j.ID)
		return ok && cur.NextFireAt.Equal(want)
	})
	if h.tr.Count() != 1 {
		t.Fatalf("transport called %d times, want 1", h.tr.Count())
	}
}

func TestStartRebuildsPendingTable(t *testing.T) {
	t.Parallel()

	reg, _ := template.New(nil)
	st := store.NewMemory()
	ctx := context.Background()
	for _, j := range []store.Job{
		{ID: "a", UserID: "u1", TemplateID: "mood_reminder", Status: store.JobPending, NextFireAt: baseTime.Add(time.Hour)},
		{ID: "b", UserID: "u2", TemplateID: "weekly_summary", Spec: "0 9 * * 1", Status: store.JobPending, NextFireAt: baseTime.Add(time.Hour)},
		{ID: "c", UserID: "u1", TemplateID: "mood_reminder", Status: store.JobDone},
		{ID: "d", UserID: "u1", TemplateID: "mood_reminder", Spec: "not a schedule", Status: store.JobPending},
	} {
		if err := st.SaveJob(ctx, j); err != nil {
			t.Fatalf("SaveJob: %v", err)
		}
	}

	disp := dispatch.New(dispatch.Config{}, &captureTransport{}, logx.Nop(), nil)
	svc, err := New(Config{TickInterval: time.Hour}, st, pref.NewMemory(defaultSettings(), reg), reg, disp, nil, nil, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := svc.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer svc.Stop(ctx)

	// Done job and the unparseable spec stay out of the table.
	if got := svc.Status().PendingJobs; got != 2 {
		t.Fatalf("pending jobs = %d, want 2", got)
	}
}

func TestStartRestoresRecurrenceZone(t *testing.T) {
	t.Parallel()

	berlin, err := time.LoadLocation("Europe/Berlin")
	if err != nil {
		t.Fatalf("LoadLocation: %v", err)
	}
	reg, _ := template.New(nil)
	st := store.NewMemory()
	ctx := context.Background()

	// Saturday before the clocks go forward in Berlin. Persisted as a
	// bare instant, the way drivers hand jobs back after a restart.
	slot := time.Date(2026, time.March, 28, 9, 0, 0, 0, berlin)
	if err := st.SaveJob(ctx, store.Job{
		ID:         "a",
		UserID:     "u1",
		TemplateID: "mood_reminder",
		Spec:       "0 9 * * *",
		Timezone:   "Europe/Berlin",
		Variables:  map[string]string{"userName": "Ana"},
		Status:     store.JobPending,
		NextFireAt: slot.UTC(),
	}); err != nil {
		t.Fatalf("SaveJob: %v", err)
	}

	clock := &fakeClock{t: slot.Add(5 * time.Minute).UTC()}
	tr := &captureTransport{}
	disp := dispatch.New(dispatch.Config{
		Workers:       1,
		RatePerSec:    1000,
		RetryBase:     time.Millisecond,
		RetryMaxDelay: 5 * time.Millisecond,
	}, tr, logx.Nop(), nil)
	svc, err := New(Config{TickInterval: time.Hour, Timezone: "UTC"}, st, pref.NewMemory(defaultSettings(), reg), reg, disp, nil, nil, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	svc.now = clock.Now

	rctx, cancel := context.WithCancel(context.Background())
	if err := disp.Start(rctx); err != nil {
		t.Fatalf("dispatcher start: %v", err)
	}
	if err := svc.Start(rctx); err != nil {
		t.Fatalf("orchestrator start: %v", err)
	}
	t.Cleanup(func() {
		sctx, scancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer scancel()
		_ = svc.Stop(sctx)
		_ = disp.Stop(sctx)
		cancel()
	})

	svc.Tick(ctx)

	// The night after this slot is the CET to CEST switch. Re-arming on
	// the restored zone keeps the job at 09:00 Berlin, which is 07:00
	// UTC from Sunday on; an instant-only reload would drift to 09:00
	// server time instead.
	want := time.Date(2026, time.March, 29, 9, 0, 0, 0, berlin)
	waitFor(t, "re-arm across DST", func() bool {
		cur, ok := svc.Job("a")
		return ok && cur.NextFireAt.Equal(want)
	})
	cur, _ := svc.Job("a")
	if got := cur.NextFireAt.UTC(); !got.Equal(time.Date(2026, time.March, 29, 7, 0, 0, 0, time.UTC)) {
		t.Fatalf("re-armed at %v UTC, want 07:00 UTC", got)
	}
	if tr.Count() != 1 {
		t.Fatalf("transport called %d times, want 1", tr.Count())
	}
}

func TestCancelRemovesPendingJob(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	j, err := h.svc.ScheduleOnce(ctx, "u1", "mood_reminder", h.clock.Now().Add(time.Hour), map[string]string{"userName": "Ana"})
	if err != nil {
		t.Fatalf("ScheduleOnce: %v", err)
	}
	if err := h.svc.Cancel(ctx, j.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if _, ok := h.svc.Job(j.ID); ok {
		t.Fatal("canceled job still in pending table")
	}
	pending, err := h.st.LoadPendingJobs(ctx)
	if err != nil {
		t.Fatalf("LoadPendingJobs: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("store still has %d pending jobs", len(pending))
	}
	if err := h.svc.Cancel(ctx, "nope"); !errors.Is(err, ErrUnknownJob) {
		t.Fatalf("cancel unknown = %v, want ErrUnknownJob", err)
	}
}

func TestQuietHoursSuppressScheduledSend(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	h.clock.Set(time.Date(2026, time.March, 2, 22, 55, 0, 0, time.UTC))
	if _, err := h.svc.ScheduleOnce(ctx, "u1", "mood_reminder", h.clock.Now().Add(time.Minute), map[string]string{"userName": "Ana"}); err != nil {
		t.Fatalf("ScheduleOnce: %v", err)
	}
	h.clock.Set(time.Date(2026, time.March, 2, 23, 0, 0, 0, time.UTC))
	h.svc.Tick(ctx)

	waitFor(t, "suppression record", func() bool { return len(h.st.Records()) == 1 })
	rec := h.st.Records()[0]
	if rec.Outcome != store.OutcomeSuppressed || rec.Reason != "quiet_hours" {
		t.Fatalf("record = %+v, want suppressed/quiet_hours", rec)
	}
	if h.tr.Count() != 0 {
		t.Fatalf("transport called %d times during quiet hours", h.tr.Count())
	}
}

func TestSupportCategoryBypassesQuietHours(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	h.clock.Set(time.Date(2026, time.March, 2, 23, 0, 0, 0, time.UTC))
	vars := map[string]string{"userName": "Ana", "supportLine": "116 123"}
	if err := h.svc.TriggerImmediate(ctx, "u1", "crisis_support", vars); err != nil {
		t.Fatalf("TriggerImmediate: %v", err)
	}
	waitFor(t, "delivery record", func() bool { return len(h.st.Records()) == 1 })

	recs := h.st.Records()
	if len(recs) != 1 || recs[0].Outcome != store.OutcomeSent {
		t.Fatalf("records = %+v, want one sent", recs)
	}
}

func TestFrequencyDedupSuppressesSecondSend(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	vars := map[string]string{"userName": "Ana"}
	if err := h.svc.TriggerImmediate(ctx, "u1", "mood_reminder", vars); err != nil {
		t.Fatalf("first trigger: %v", err)
	}
	waitFor(t, "first delivery", func() bool { return len(h.st.Records()) == 1 })

	// mood_reminder defaults to daily frequency; a second send the same
	// local day trips the dedup rule.
	if err := h.svc.TriggerImmediate(ctx, "u1", "mood_reminder", vars); err != nil {
		t.Fatalf("second trigger: %v", err)
	}
	waitFor(t, "dedup record", func() bool { return len(h.st.Records()) == 2 })

	rec := h.st.Records()[1]
	if rec.Outcome != store.OutcomeSuppressed || rec.Reason != "already_sent_this_period" {
		t.Fatalf("record = %+v, want suppressed/already_sent_this_period", rec)
	}
	if h.tr.Count() != 1 {
		t.Fatalf("transport called %d times, want 1", h.tr.Count())
	}
}

func TestConcurrentImmediateTriggersSendOnce(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	started := make(chan struct{}, 2)
	release := make(chan struct{})
	h.tr.fail = func(transport.Message) error {
		started <- struct{}{}
		<-release
		return nil
	}

	// Two triggers for the same user and template land on separate
	// workers. The second must wait for the first to settle instead of
	// reading the audit trail while the send is still in flight.
	vars := map[string]string{"userName": "Ana"}
	for i := 0; i < 2; i++ {
		if err := h.svc.TriggerImmediate(ctx, "u1", "mood_reminder", vars); err != nil {
			t.Fatalf("trigger %d: %v", i, err)
		}
	}

	<-started
	select {
	case <-started:
		t.Fatal("second firing reached the transport while the first was in flight")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)

	waitFor(t, "both outcomes recorded", func() bool { return len(h.st.Records()) == 2 })

	var sent, suppressed int
	for _, r := range h.st.Records() {
		switch r.Outcome {
		case store.OutcomeSent:
			sent++
		case store.OutcomeSuppressed:
			suppressed++
			if r.Reason != "already_sent_this_period" {
				t.Fatalf("suppression reason = %q, want already_sent_this_period", r.Reason)
			}
		}
	}
	if sent != 1 || suppressed != 1 {
		t.Fatalf("got %d sent and %d suppressed, want exactly one of each", sent, suppressed)
	}
	if h.tr.Count() != 1 {
		t.Fatalf("transport called %d times, want 1", h.tr.Count())
	}
}

func TestTriggerImmediateValidation(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	if err := h.svc.TriggerImmediate(ctx, "u1", "no_such_template", nil); !errors.Is(err, template.ErrUnknownTemplate) {
		t.Fatalf("unknown template err = %v", err)
	}
	if err := h.svc.TriggerImmediate(ctx, "", "mood_reminder", nil); err == nil {
		t.Fatal("empty user id accepted")
	}
	if len(h.st.Records()) != 0 {
		t.Fatal("validation failures must not reach the audit trail")
	}
}

func TestMissingVariableRecordsFailure(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	// mood_reminder needs {userName}; omit it.
	if err := h.svc.TriggerImmediate(ctx, "u1", "mood_reminder", nil); err != nil {
		t.Fatalf("TriggerImmediate: %v", err)
	}
	waitFor(t, "failure record", func() bool { return len(h.st.Records()) == 1 })

	rec := h.st.Records()[0]
	if rec.Outcome != store.OutcomeFailed || rec.Reason != "render_failed" {
		t.Fatalf("record = %+v, want failed/render_failed", rec)
	}
	if h.tr.Count() != 0 {
		t.Fatal("transport must not be called for an unrenderable template")
	}
}

func TestFailedDeliveryStillReArms(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	h.tr.fail = func(msg transport.Message) error {
		if msg.Token == "bad" {
			return transport.Terminal(errors.New("destination gone"))
		}
		return nil
	}

	good, err := h.svc.ScheduleRecurring(ctx, "u1", "mood_reminder", "0 9 * * *", map[string]string{"userName": "Ana"})
	if err != nil {
		t.Fatalf("schedule good: %v", err)
	}
	bad, err := h.svc.ScheduleRecurring(ctx, "bad", "mood_reminder", "0 9 * * *", map[string]string{"userName": "Bo"})
	if err != nil {
		t.Fatalf("schedule bad: %v", err)
	}

	slot := time.Date(2026, time.March, 3, 9, 0, 0, 0, time.UTC)
	h.clock.Set(slot.Add(time.Minute))
	h.svc.Tick(ctx)

	want := slot.AddDate(0, 0, 1)
	waitFor(t, "both re-armed", func() bool {
		g, ok1 := h.svc.Job(good.ID)
		b, ok2 := h.svc.Job(bad.ID)
		return ok1 && ok2 && g.NextFireAt.Equal(want) && b.NextFireAt.Equal(want)
	})

	var outcomes = map[string]store.Outcome{}
	for _, r := range h.st.Records() {
		outcomes[r.UserID] = r.Outcome
	}
	if outcomes["u1"] != store.OutcomeSent || outcomes["bad"] != store.OutcomeFailed {
		t.Fatalf("outcomes = %v, want u1 sent and bad failed", outcomes)
	}
}

func TestScheduleFromPreference(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	err := h.prefs.UpdatePreference(ctx, pref.Preference{
		UserID:        "u1",
		TemplateID:    "weekly_summary",
		Enabled:       true,
		Frequency:     template.FrequencyWeekly,
		PreferredTime: "10:30",
	})
	if err != nil {
		t.Fatalf("UpdatePreference: %v", err)
	}

	j, err := h.svc.ScheduleFromPreference(ctx, "u1", "weekly_summary", map[string]string{"userName": "Ana", "highlight": "3 good days"})
	if err != nil {
		t.Fatalf("ScheduleFromPreference: %v", err)
	}
	// baseTime is a Monday 09:30; weekly cadence lands on Mondays at the
	// preferred time, so the first slot is the same day.
	want := time.Date(2026, time.March, 2, 10, 30, 0, 0, time.UTC)
	if !j.NextFireAt.Equal(want) {
		t.Fatalf("next fire = %v, want %v", j.NextFireAt, want)
	}
	if j.Variables["userName"] != "Ana" {
		t.Fatalf("variables not carried: %+v", j.Variables)
	}

	// Immediate-frequency templates have no cadence to derive.
	if _, err := h.svc.ScheduleFromPreference(ctx, "u1", "streak_achievement", nil); err == nil {
		t.Fatal("immediate-frequency preference accepted for scheduling")
	}
}

func TestTriggerJobNow(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	j, err := h.svc.ScheduleOnce(ctx, "u1", "mood_reminder", h.clock.Now().Add(24*time.Hour), map[string]string{"userName": "Ana"})
	if err != nil {
		t.Fatalf("ScheduleOnce: %v", err)
	}
	if err := h.svc.TriggerJobNow(j.ID); err != nil {
		t.Fatalf("TriggerJobNow: %v", err)
	}
	waitFor(t, "admin-kicked delivery", func() bool { return h.tr.Count() == 1 })

	if err := h.svc.TriggerJobNow("nope"); !errors.Is(err, ErrUnknownJob) {
		t.Fatalf("unknown job err = %v", err)
	}
}
