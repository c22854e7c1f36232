package vault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/user/astro/viewonce"
)

// DefaultRedisPrefix namespaces capture keys.
const DefaultRedisPrefix = "astro:viewonce:"

// keyGrace keeps keys a little past the window so an expired retrieval can
// still be reported as expired rather than not found.
const keyGrace = time.Hour

type redisRecord struct {
	Owner      string `json:"owner"`
	Kind       string `json:"kind"`
	Mimetype   string `json:"mimetype,omitempty"`
	AckID      string `json:"ack_id,omitempty"`
	Data       []byte `json:"data"`
	CapturedAt int64  `json:"captured_at"` // unix milliseconds
}

func (r redisRecord) media(id string) viewonce.CapturedMedia {
	return viewonce.CapturedMedia{
		MessageID:  id,
		OwnerID:    r.Owner,
		Kind:       viewonce.MediaKind(r.Kind),
		Mimetype:   r.Mimetype,
		AckID:      r.AckID,
		Data:       r.Data,
		CapturedAt: time.UnixMilli(r.CapturedAt),
	}
}

// Redis stores one key per capture. Keys carry a TTL slightly longer than the
// expiration window so Redis reclaims anything the sweeper misses.
type Redis struct {
	rdb    *redis.Client
	prefix string
	window time.Duration
}

// NewRedis creates a Redis-backed store.
func NewRedis(rdb *redis.Client, prefix string, window time.Duration) *Redis {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	if window <= 0 {
		window = viewonce.DefaultWindow
	}
	return &Redis{rdb: rdb, prefix: prefix, window: window}
}

func (s *Redis) key(id string) string { return s.prefix + id }

// ackKey maps an acknowledgement ID to a message ID.
func (s *Redis) ackKey(ackID string) string { return s.prefix + ackPrefix + ackID }

const ackPrefix = "ack:"

func (s *Redis) Put(ctx context.Context, m viewonce.CapturedMedia) (bool, error) {
	raw, err := json.Marshal(redisRecord{
		Owner:      m.OwnerID,
		Kind:       string(m.Kind),
		Mimetype:   m.Mimetype,
		Data:       m.Data,
		CapturedAt: m.CapturedAt.UnixMilli(),
	})
	if err != nil {
		return false, fmt.Errorf("encode capture: %w", err)
	}
	ok, err := s.rdb.SetNX(ctx, s.key(m.MessageID), raw, s.window+keyGrace).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx: %w", err)
	}
	return ok, nil
}

func (s *Redis) Get(ctx context.Context, id string) (*viewonce.CapturedMedia, error) {
	rec, err := s.load(ctx, s.key(id))
	if errors.Is(err, viewonce.ErrNotFound) {
		msgID, aerr := s.rdb.Get(ctx, s.ackKey(id)).Result()
		if errors.Is(aerr, redis.Nil) {
			return nil, viewonce.ErrNotFound
		}
		if aerr != nil {
			return nil, fmt.Errorf("redis get: %w", aerr)
		}
		id = msgID
		rec, err = s.load(ctx, s.key(id))
	}
	if err != nil {
		return nil, err
	}
	m := rec.media(id)
	return &m, nil
}

func (s *Redis) Acknowledge(ctx context.Context, id, ackID string) error {
	rec, err := s.load(ctx, s.key(id))
	if err != nil {
		return err
	}
	rec.AckID = ackID
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode capture: %w", err)
	}
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, s.key(id), raw, redis.KeepTTL)
		p.Set(ctx, s.ackKey(ackID), id, s.window+keyGrace)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis acknowledge: %w", err)
	}
	return nil
}

func (s *Redis) load(ctx context.Context, key string) (redisRecord, error) {
	var rec redisRecord
	raw, err := s.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return rec, viewonce.ErrNotFound
	}
	if err != nil {
		return rec, fmt.Errorf("redis get: %w", err)
	}
	if err := json.Unmarshal(raw, &rec); err != nil {
		return rec, fmt.Errorf("decode capture %s: %w", key, err)
	}
	return rec, nil
}

func (s *Redis) Delete(ctx context.Context, id string) error {
	keys := []string{s.key(id)}
	if rec, err := s.load(ctx, s.key(id)); err == nil && rec.AckID != "" {
		keys = append(keys, s.ackKey(rec.AckID))
	}
	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

func (s *Redis) Sweep(ctx context.Context, now time.Time) (int, error) {
	n := 0
	err := s.scan(ctx, func(id string, rec redisRecord) error {
		if !rec.media(id).Expired(now, s.window) {
			return nil
		}
		if err := s.Delete(ctx, id); err != nil {
			return err
		}
		n++
		return nil
	})
	return n, err
}

func (s *Redis) List(ctx context.Context) ([]viewonce.CapturedMedia, error) {
	var out []viewonce.CapturedMedia
	err := s.scan(ctx, func(id string, rec redisRecord) error {
		m := rec.media(id)
		m.Data = nil
		out = append(out, m)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortByAge(out)
	return out, nil
}

func (s *Redis) scan(ctx context.Context, fn func(id string, rec redisRecord) error) error {
	iter := s.rdb.Scan(ctx, 0, s.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		if strings.HasPrefix(key, s.prefix+ackPrefix) {
			continue
		}
		rec, err := s.load(ctx, key)
		if errors.Is(err, viewonce.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if err := fn(strings.TrimPrefix(key, s.prefix), rec); err != nil {
			return err
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("redis scan: %w", err)
	}
	return nil
}
