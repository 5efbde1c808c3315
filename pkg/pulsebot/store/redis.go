package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/jholhewres/pulsebot/pkg/pulsebot/schedule"
)

// RedisStore keeps records as JSON documents.
//
// Key layout (prefix defaults to "pulsebot:"):
//
//	{prefix}schedule:{id}          JSON record
//	{prefix}schedules              ZSET of ids scored by insertion sequence
//	{prefix}user:{uid}:schedules   ZSET of the user's ids, same scores
//	{prefix}schedule_seq           insertion counter
//	{prefix}profile:{uid}          JSON profile
type RedisStore struct {
	client *redis.Client
	prefix string
}

// OpenRedis connects to Redis and verifies the connection.
func OpenRedis(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	cfg = Config{Redis: cfg}.Effective().Redis
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	s := NewRedisStore(client, cfg.Prefix)
	if err := s.Ping(ctx); err != nil {
		client.Close()
		return nil, err
	}
	return s, nil
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) scheduleKey(id string) string { return s.prefix + "schedule:" + id }
func (s *RedisStore) indexKey() string             { return s.prefix + "schedules" }
func (s *RedisStore) seqKey() string               { return s.prefix + "schedule_seq" }
func (s *RedisStore) userKey(uid string) string    { return s.prefix + "user:" + uid + ":schedules" }
func (s *RedisStore) profileKey(uid string) string { return s.prefix + "profile:" + uid }

// Backend implements Store.
func (s *RedisStore) Backend() BackendType { return BackendRedis }

// Ping implements Store.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return unavailable("ping redis", err)
	}
	return nil
}

// Close implements Store.
func (s *RedisStore) Close() error { return s.client.Close() }

// ---------- Schedules ----------

// Insert implements Schedules.
func (s *RedisStore) Insert(ctx context.Context, rec schedule.Record) (schedule.Record, error) {
	rec.ID = uuid.NewString()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	doc, err := json.Marshal(rec)
	if err != nil {
		return schedule.Record{}, fmt.Errorf("encode schedule: %w", err)
	}

	seq, err := s.client.Incr(ctx, s.seqKey()).Result()
	if err != nil {
		return schedule.Record{}, unavailable("insert schedule", err)
	}

	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		member := redis.Z{Score: float64(seq), Member: rec.ID}
		p.Set(ctx, s.scheduleKey(rec.ID), doc, 0)
		p.ZAdd(ctx, s.indexKey(), member)
		p.ZAdd(ctx, s.userKey(rec.UserID), member)
		return nil
	})
	if err != nil {
		return schedule.Record{}, unavailable("insert schedule", err)
	}
	return rec, nil
}

// All implements Schedules.
func (s *RedisStore) All(ctx context.Context) ([]schedule.Record, error) {
	return s.load(ctx, s.indexKey())
}

// ByUser implements Schedules.
func (s *RedisStore) ByUser(ctx context.Context, userID string) ([]schedule.Record, error) {
	return s.load(ctx, s.userKey(userID))
}

// Delete implements Schedules.
func (s *RedisStore) Delete(ctx context.Context, id string) error {
	rec, err := s.get(ctx, id)
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, s.scheduleKey(id))
		p.ZRem(ctx, s.indexKey(), id)
		p.ZRem(ctx, s.userKey(rec.UserID), id)
		return nil
	})
	if err != nil {
		return unavailable("delete schedule", err)
	}
	return nil
}

// DeleteAll implements Schedules.
func (s *RedisStore) DeleteAll(ctx context.Context) (int, error) {
	recs, err := s.All(ctx)
	if err != nil {
		return 0, err
	}
	if len(recs) == 0 {
		return 0, nil
	}

	keys := []string{s.indexKey()}
	users := make(map[string]bool)
	for _, r := range recs {
		keys = append(keys, s.scheduleKey(r.ID))
		if !users[r.UserID] {
			users[r.UserID] = true
			keys = append(keys, s.userKey(r.UserID))
		}
	}

	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, keys...)
		return nil
	})
	if err != nil {
		return 0, unavailable("clear schedules", err)
	}
	return len(recs), nil
}

func (s *RedisStore) get(ctx context.Context, id string) (schedule.Record, error) {
	raw, err := s.client.Get(ctx, s.scheduleKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return schedule.Record{}, fmt.Errorf("schedule %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return schedule.Record{}, unavailable("get schedule", err)
	}
	var rec schedule.Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return schedule.Record{}, fmt.Errorf("decode schedule %q: %w", id, err)
	}
	return rec, nil
}

// load resolves the ids in an index ZSET to records, in score order.
// Documents that vanished between the two reads are skipped.
func (s *RedisStore) load(ctx context.Context, index string) ([]schedule.Record, error) {
	ids, err := s.client.ZRange(ctx, index, 0, -1).Result()
	if err != nil {
		return nil, unavailable("list schedules", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.scheduleKey(id)
	}
	docs, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, unavailable("list schedules", err)
	}

	out := make([]schedule.Record, 0, len(docs))
	for i, d := range docs {
		str, ok := d.(string)
		if !ok {
			continue
		}
		var rec schedule.Record
		if err := json.Unmarshal([]byte(str), &rec); err != nil {
			return nil, fmt.Errorf("decode schedule %q: %w", ids[i], err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// ---------- Profiles ----------

// UpsertProfile implements Profiles.
func (s *RedisStore) UpsertProfile(ctx context.Context, p schedule.Profile) error {
	doc, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode profile: %w", err)
	}
	if err := s.client.Set(ctx, s.profileKey(p.UserID), doc, 0).Err(); err != nil {
		return unavailable("upsert profile", err)
	}
	return nil
}

// Profile implements Profiles.
func (s *RedisStore) Profile(ctx context.Context, userID string) (schedule.Profile, error) {
	raw, err := s.client.Get(ctx, s.profileKey(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return schedule.Profile{}, fmt.Errorf("profile %q: %w", userID, ErrNotFound)
	}
	if err != nil {
		return schedule.Profile{}, unavailable("get profile", err)
	}
	var p schedule.Profile
	if err := json.Unmarshal(raw, &p); err != nil {
		return schedule.Profile{}, fmt.Errorf("decode profile %q: %w", userID, err)
	}
	return p, nil
}

var _ Store = (*RedisStore)(nil)
