package store

import (
	"context"
	"sync"
	"time"
)

// Memory is the in-process store. It honors the same contract as the
// durable drivers (including CompleteFiring atomicity under its lock)
// so orchestrator tests exercise the real protocol.
type Memory struct {
	mu      sync.Mutex
	jobs    map[string]Job
	records []SendRecord
	closed  bool
}

func NewMemory() *Memory {
	return &Memory{jobs: map[string]Job{}}
}

func (m *Memory) SaveJob(_ context.Context, j Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.jobs[j.ID] = j
	return nil
}

func (m *Memory) LoadPendingJobs(_ context.Context) ([]Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	out := make([]Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		if j.Status == JobPending {
			out = append(out, j)
		}
	}
	return out, nil
}

func (m *Memory) AppendSendRecord(_ context.Context, r SendRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.records = append(m.records, r)
	return nil
}

func (m *Memory) CountSent(_ context.Context, userID, templateID string, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	n := 0
	for _, r := range m.records {
		if r.Outcome != OutcomeSent || r.UserID != userID {
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

func (m *Memory) CompleteFiring(_ context.Context, r SendRecord, j Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.records = append(m.records, r)
	m.jobs[j.ID] = j
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// Records returns a copy of the audit trail (test helper).
func (m *Memory) Records() []SendRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SendRecord, len(m.records))
	copy(out, m.records)
	return out
}
