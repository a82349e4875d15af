//go:build sqlite
// +build sqlite

package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"notifyd/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) SaveJob(ctx context.Context, j Job) error {
	return s.execSaveJob(ctx, s.db, j)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *sqliteStore) execSaveJob(ctx context.Context, ex execer, j Job) error {
	vars, err := json.Marshal(j.Variables)
	if err != nil {
		return err
	}
	_, err = ex.ExecContext(ctx,
		`INSERT INTO jobs(id, user_id, template_id, variables, spec, timezone, next_fire_at, status, created_at)
		 VALUES(?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   user_id=excluded.user_id, template_id=excluded.template_id,
		   variables=excluded.variables, spec=excluded.spec,
		   timezone=excluded.timezone,
		   next_fire_at=excluded.next_fire_at, status=excluded.status`,
		j.ID, j.UserID, j.TemplateID, string(vars), j.Spec, j.Timezone,
		j.NextFireAt.UnixMilli(), string(j.Status), j.CreatedAt.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) LoadPendingJobs(ctx context.Context) ([]Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, template_id, variables, spec, timezone, next_fire_at, status, created_at
		 FROM jobs WHERE status = ?`, string(JobPending))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		var j Job
		var vars sql.NullString
		var nextMS, createdMS int64
		var status string
		if err := rows.Scan(&j.ID, &j.UserID, &j.TemplateID, &vars, &j.Spec, &j.Timezone, &nextMS, &status, &createdMS); err != nil {
			return nil, err
		}
		if vars.Valid && vars.String != "" {
			if err := json.Unmarshal([]byte(vars.String), &j.Variables); err != nil {
				s.log.Warn("job variables unreadable, skipping field", logx.String("job", j.ID), logx.Err(err))
			}
		}
		j.NextFireAt = time.UnixMilli(nextMS)
		j.CreatedAt = time.UnixMilli(createdMS)
		j.Status = JobStatus(status)
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *sqliteStore) AppendSendRecord(ctx context.Context, r SendRecord) error {
	return s.execAppendSend(ctx, s.db, r)
}

func (s *sqliteStore) execAppendSend(ctx context.Context, ex execer, r SendRecord) error {
	if r.At.IsZero() {
		r.At = time.Now()
	}
	_, err := ex.ExecContext(ctx,
		`INSERT INTO send_records(user_id, template_id, at, outcome, reason, attempts, job_id)
		 VALUES(?,?,?,?,?,?,?)`,
		r.UserID, r.TemplateID, r.At.UnixMilli(), string(r.Outcome),
		nullStr(r.Reason), r.Attempts, nullStr(r.JobID),
	)
	return err
}

func (s *sqliteStore) CountSent(ctx context.Context, userID, templateID string, since time.Time) (int, error) {
	var n int
	var err error
	if templateID == "" {
		err = s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM send_records WHERE user_id = ? AND outcome = ? AND at >= ?`,
			userID, string(OutcomeSent), since.UnixMilli()).Scan(&n)
	} else {
		err = s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM send_records WHERE user_id = ? AND template_id = ? AND outcome = ? AND at >= ?`,
			userID, templateID, string(OutcomeSent), since.UnixMilli()).Scan(&n)
	}
	return n, err
}

func (s *sqliteStore) CompleteFiring(ctx context.Context, r SendRecord, j Job) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := s.execAppendSend(ctx, tx, r); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := s.execSaveJob(ctx, tx, j); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
