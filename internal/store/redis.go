package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"notifyd/pkg/logx"
)

// redisStore keeps jobs as JSON values tracked by a pending id set, and
// the sent history as per-user (and per-user-per-template) sorted sets
// scored by unix-milli send time so windowed counts are a ZCOUNT.
//
// Keys:
//   - job:<id>                   job JSON
//   - jobs:pending               set of pending job ids
//   - sent:<user>                zset, all sent records for the user
//   - sent:<user>:<template>     zset, sent records for one template
//   - audit                      list of all send records (JSON)
type redisStore struct {
	rdb *redis.Client
	log logx.Logger

	seq atomic.Uint64
}

func openRedis(cfg Config, log logx.Logger) (Store, error) {
	addr := strings.TrimSpace(cfg.RedisAddr)
	if addr == "" {
		return nil, errors.New("storage.redis_addr is required for redis driver")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return &redisStore{rdb: rdb, log: log}, nil
}

func (s *redisStore) Close() error { return s.rdb.Close() }

func jobKey(id string) string { return "job:" + id }

const pendingKey = "jobs:pending"

func sentKey(userID string) string { return "sent:" + userID }
func sentTemplateKey(userID, templateID string) string {
	return "sent:" + userID + ":" + templateID
}

func (s *redisStore) SaveJob(ctx context.Context, j Job) error {
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		return s.pipeSaveJob(ctx, p, j)
	})
	return err
}

func (s *redisStore) pipeSaveJob(ctx context.Context, p redis.Pipeliner, j Job) error {
	b, err := json.Marshal(j)
	if err != nil {
		return err
	}
	p.Set(ctx, jobKey(j.ID), b, 0)
	if j.Status == JobPending {
		p.SAdd(ctx, pendingKey, j.ID)
	} else {
		p.SRem(ctx, pendingKey, j.ID)
	}
	return nil
}

func (s *redisStore) LoadPendingJobs(ctx context.Context) ([]Job, error) {
	ids, err := s.rdb.SMembers(ctx, pendingKey).Result()
	if err != nil {
		return nil, err
	}
	var out []Job
	for _, id := range ids {
		raw, err := s.rdb.Get(ctx, jobKey(id)).Result()
		if errors.Is(err, redis.Nil) {
			// Dangling pending entry; drop it.
			_ = s.rdb.SRem(ctx, pendingKey, id).Err()
			continue
		}
		if err != nil {
			return nil, err
		}
		var j Job
		if err := json.Unmarshal([]byte(raw), &j); err != nil {
			s.log.Warn("unreadable job record skipped", logx.String("job", id), logx.Err(err))
			continue
		}
		if j.Status == JobPending {
			out = append(out, j)
		}
	}
	return out, nil
}

func (s *redisStore) AppendSendRecord(ctx context.Context, r SendRecord) error {
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		return s.pipeAppendSend(ctx, p, r)
	})
	return err
}

func (s *redisStore) pipeAppendSend(ctx context.Context, p redis.Pipeliner, r SendRecord) error {
	if r.At.IsZero() {
		r.At = time.Now()
	}
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	p.RPush(ctx, "audit", b)

	if r.Outcome != OutcomeSent {
		return nil
	}
	ms := r.At.UnixMilli()
	// Member must be unique per record; the sequence disambiguates
	// same-millisecond sends.
	member := fmt.Sprintf("%d-%d-%s", ms, s.seq.Add(1), r.TemplateID)
	z := redis.Z{Score: float64(ms), Member: member}
	p.ZAdd(ctx, sentKey(r.UserID), z)
	p.ZAdd(ctx, sentTemplateKey(r.UserID, r.TemplateID), z)

	// Drop history older than any gate window can reach.
	cutoff := fmt.Sprintf("%d", r.At.Add(-sentRetention).UnixMilli())
	p.ZRemRangeByScore(ctx, sentKey(r.UserID), "-inf", cutoff)
	p.ZRemRangeByScore(ctx, sentTemplateKey(r.UserID, r.TemplateID), "-inf", cutoff)
	return nil
}

func (s *redisStore) CountSent(ctx context.Context, userID, templateID string, since time.Time) (int, error) {
	key := sentKey(userID)
	if templateID != "" {
		key = sentTemplateKey(userID, templateID)
	}
	n, err := s.rdb.ZCount(ctx, key, fmt.Sprintf("%d", since.UnixMilli()), "+inf").Result()
	return int(n), err
}

func (s *redisStore) CompleteFiring(ctx context.Context, r SendRecord, j Job) error {
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		if err := s.pipeAppendSend(ctx, p, r); err != nil {
			return err
		}
		return s.pipeSaveJob(ctx, p, j)
	})
	return err
}
