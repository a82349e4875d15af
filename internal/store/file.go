package store

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"notifyd/pkg/logx"
)

// sentRetention bounds the in-memory sent index. The widest gate window
// is one calendar month; anything older can never affect a decision.
const sentRetention = 35 * 24 * time.Hour

// fileStore is the dependency-free persistence backend.
//
// Files:
//   - <prefix>.sends.jsonl         (append-only audit trail)
//   - <prefix>.jobs.snapshot.json  (periodic snapshot of the job table)
//   - <prefix>.jobs.journal.jsonl  (append-only job upsert journal)
//
// The journal is periodically compacted into the snapshot. Sent records
// are replayed at open into an in-memory index for windowed counts.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	sendsFile *os.File

	jobsSnapshotPath string
	jobsJournalFile  *os.File
	jobs             map[string]Job

	jobWrites int

	// sent index: only outcome=sent records within retention.
	sent []SendRecord
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	sendsPath := prefix + ".sends.jsonl"
	snapPath := prefix + ".jobs.snapshot.json"
	journalPath := prefix + ".jobs.journal.jsonl"

	jobs := map[string]Job{}
	_ = loadJobsSnapshot(snapPath, jobs)
	_ = replayJobsJournal(journalPath, jobs)

	sent, err := replaySends(sendsPath)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	sf, err := os.OpenFile(sendsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = sf.Close()
		return nil, err
	}

	return &fileStore{
		log:              log,
		sendsFile:        sf,
		jobsSnapshotPath: snapPath,
		jobsJournalFile:  jf,
		jobs:             jobs,
		sent:             sent,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err1, err2 error
	if s.sendsFile != nil {
		err1 = s.sendsFile.Close()
		s.sendsFile = nil
	}
	if s.jobsJournalFile != nil {
		err2 = s.jobsJournalFile.Close()
		s.jobsJournalFile = nil
	}
	if err1 != nil {
		return err1
	}
	return err2
}

func (s *fileStore) SaveJob(ctx context.Context, j Job) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveJobLocked(j)
}

func (s *fileStore) saveJobLocked(j Job) error {
	if s.jobsJournalFile == nil {
		return ErrClosed
	}
	s.jobs[j.ID] = j
	if err := json.NewEncoder(s.jobsJournalFile).Encode(j); err != nil {
		return err
	}
	s.jobWrites++
	if s.jobWrites%500 == 0 {
		// Best-effort compact.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("job journal compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) LoadPendingJobs(ctx context.Context) ([]Job, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.jobsJournalFile == nil {
		return nil, ErrClosed
	}
	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		if j.Status == JobPending {
			out = append(out, j)
		}
	}
	return out, nil
}

func (s *fileStore) AppendSendRecord(ctx context.Context, r SendRecord) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendSendLocked(r)
}

func (s *fileStore) appendSendLocked(r SendRecord) error {
	if s.sendsFile == nil {
		return ErrClosed
	}
	if r.At.IsZero() {
		r.At = time.Now()
	}
	if err := json.NewEncoder(s.sendsFile).Encode(r); err != nil {
		return err
	}
	if r.Outcome == OutcomeSent {
		s.sent = append(s.sent, r)
		s.pruneSentLocked(r.At)
	}
	return nil
}

func (s *fileStore) CountSent(ctx context.Context, userID, templateID string, since time.Time) (int, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendsFile == nil {
		return 0, ErrClosed
	}
	n := 0
	for _, r := range s.sent {
		if r.UserID != userID {
			continue
		}
		if templateID != "" && r.TemplateID != templateID {
			continue
		}
		if r.At.Before(since) {
			continue
		}
		n++
	}
	return n, nil
}

func (s *fileStore) CompleteFiring(ctx context.Context, r SendRecord, j Job) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	// Record first: if the job write is lost, replay suppresses a
	// capped duplicate via the already-persisted record.
	if err := s.appendSendLocked(r); err != nil {
		return err
	}
	return s.saveJobLocked(j)
}

func (s *fileStore) pruneSentLocked(now time.Time) {
	cutoff := now.Add(-sentRetention)
	n := 0
	for _, r := range s.sent {
		if r.At.After(cutoff) {
			s.sent[n] = r
			n++
		}
	}
	s.sent = s.sent[:n]
}

func (s *fileStore) compactLocked() error {
	// Drop finished jobs from the snapshot; the audit trail already
	// records what happened to them.
	for id, j := range s.jobs {
		if j.Status == JobDone || j.Status == JobCanceled {
			delete(s.jobs, id)
		}
	}

	tmp := s.jobsSnapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.jobs); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.jobsSnapshotPath); err != nil {
		return err
	}
	// Truncate journal.
	if err := s.jobsJournalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.jobsJournalFile.Seek(0, 2)
	return err
}

func loadJobsSnapshot(path string, out map[string]Job) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]Job
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replayJobsJournal(path string, out map[string]Job) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var j Job
		if err := json.Unmarshal(sc.Bytes(), &j); err != nil {
			continue
		}
		if j.ID == "" {
			continue
		}
		out[j.ID] = j
	}
	return sc.Err()
}

func replaySends(path string) ([]SendRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	cutoff := time.Now().Add(-sentRetention)
	var out []SendRecord
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r SendRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		if r.Outcome != OutcomeSent || r.At.Before(cutoff) {
			continue
		}
		out = append(out, r)
	}
	return out, sc.Err()
}
