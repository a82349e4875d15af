package store

import (
	"context"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"notifyd/pkg/logx"
)

func openTestFileStore(t *testing.T, dir string) Store {
	t.Helper()
	st, err := openFile(Config{Driver: "file", Path: filepath.Join(dir, "notifyd_store")}, logx.Nop())
	if err != nil {
		t.Fatalf("openFile: %v", err)
	}
	return st
}

func TestFileStoreJobRoundTripAcrossRestart(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	ctx := context.Background()

	jobs := []Job{
		{
			ID: "j1", UserID: "u1", TemplateID: "mood_reminder",
			Variables:  map[string]string{"userName": "Ann"},
			Spec:       "0 10 * * 1",
			NextFireAt: time.Date(2026, time.March, 9, 10, 0, 0, 0, time.UTC),
			Status:     JobPending,
			CreatedAt:  time.Date(2026, time.March, 2, 9, 0, 0, 0, time.UTC),
		},
		{
			ID: "j2", UserID: "u2", TemplateID: "weekly_summary",
			NextFireAt: time.Date(2026, time.March, 5, 18, 30, 0, 0, time.UTC),
			Status:     JobPending,
			CreatedAt:  time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC),
		},
		{
			ID: "j3", UserID: "u1", TemplateID: "weekly_summary",
			NextFireAt: time.Date(2026, time.March, 4, 8, 0, 0, 0, time.UTC),
			Status:     JobDone,
			CreatedAt:  time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC),
		},
	}

	st := openTestFileStore(t, dir)
	for _, j := range jobs {
		if err := st.SaveJob(ctx, j); err != nil {
			t.Fatalf("SaveJob(%s): %v", j.ID, err)
		}
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Simulated restart: a fresh store over the same files.
	st2 := openTestFileStore(t, dir)
	defer st2.Close()

	got, err := st2.LoadPendingJobs(ctx)
	if err != nil {
		t.Fatalf("LoadPendingJobs: %v", err)
	}
	sort.Slice(got, func(i, k int) bool { return got[i].ID < got[k].ID })
	if len(got) != 2 {
		t.Fatalf("pending jobs = %d, want 2", len(got))
	}
	for i, want := range []Job{jobs[0], jobs[1]} {
		g := got[i]
		if g.ID != want.ID || g.Spec != want.Spec || !g.NextFireAt.Equal(want.NextFireAt) {
			t.Fatalf("job %d = %+v, want %+v", i, g, want)
		}
		if want.Variables != nil && g.Variables["userName"] != want.Variables["userName"] {
			t.Fatalf("job %s variables = %v", g.ID, g.Variables)
		}
	}
}

func TestFileStoreSentCountsSurviveRestart(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	ctx := context.Background()
	now := time.Now()

	st := openTestFileStore(t, dir)
	recs := []SendRecord{
		{UserID: "u1", TemplateID: "mood_reminder", At: now.Add(-2 * time.Hour), Outcome: OutcomeSent},
		{UserID: "u1", TemplateID: "weekly_summary", At: now.Add(-1 * time.Hour), Outcome: OutcomeSent},
		{UserID: "u1", TemplateID: "mood_reminder", At: now.Add(-30 * time.Minute), Outcome: OutcomeSuppressed, Reason: "quiet_hours"},
		{UserID: "u2", TemplateID: "mood_reminder", At: now.Add(-10 * time.Minute), Outcome: OutcomeSent},
	}
	for _, r := range recs {
		if err := st.AppendSendRecord(ctx, r); err != nil {
			t.Fatalf("AppendSendRecord: %v", err)
		}
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	st2 := openTestFileStore(t, dir)
	defer st2.Close()

	since := now.Add(-3 * time.Hour)
	if n, _ := st2.CountSent(ctx, "u1", "", since); n != 2 {
		t.Fatalf("u1 all-template sent count = %d, want 2 (suppressed must not count)", n)
	}
	if n, _ := st2.CountSent(ctx, "u1", "mood_reminder", since); n != 1 {
		t.Fatalf("u1 mood_reminder sent count = %d, want 1", n)
	}
	if n, _ := st2.CountSent(ctx, "u2", "", since); n != 1 {
		t.Fatalf("u2 sent count = %d, want 1", n)
	}
	// Window boundary: since after the only u2 send.
	if n, _ := st2.CountSent(ctx, "u2", "", now.Add(-5*time.Minute)); n != 0 {
		t.Fatalf("u2 narrow-window count = %d, want 0", n)
	}
}

func TestFileStoreCompleteFiringWritesBoth(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	ctx := context.Background()
	now := time.Now()

	st := openTestFileStore(t, dir)
	job := Job{
		ID: "j1", UserID: "u1", TemplateID: "weekly_summary", Spec: "0 10 * * 1",
		NextFireAt: now.Add(7 * 24 * time.Hour), Status: JobPending, CreatedAt: now,
	}
	rec := SendRecord{UserID: "u1", TemplateID: "weekly_summary", At: now, Outcome: OutcomeSent, JobID: "j1"}
	if err := st.CompleteFiring(ctx, rec, job); err != nil {
		t.Fatalf("CompleteFiring: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	st2 := openTestFileStore(t, dir)
	defer st2.Close()
	if n, _ := st2.CountSent(ctx, "u1", "weekly_summary", now.Add(-time.Minute)); n != 1 {
		t.Fatalf("sent count = %d, want 1", n)
	}
	pending, err := st2.LoadPendingJobs(ctx)
	if err != nil {
		t.Fatalf("LoadPendingJobs: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != "j1" || !pending[0].NextFireAt.Equal(job.NextFireAt) {
		t.Fatalf("pending after restart = %+v", pending)
	}
}
