// Package localcache is the durable local mirror kept by the client.
//
// Every participant record is stored under UserKeyPrefix+code, the full
// participant map under AllParticipantsKey, and the active session under
// SessionKey. Writes publish a Change on ChangeChannel so other open views
// can re-render.
package localcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dalemusser/conspiracypass/internal/domain/models"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	UserKeyPrefix      = "conspiracy_pass_user_"
	AllParticipantsKey = "conspiracy_pass_all_participants"
	SessionKey         = "conspiracy_pass_session"
	ProvisionalKey     = "conspiracy_pass_provisional"
	ChangeChannel      = "conspiracy_pass_storage"

	// SessionTTL bounds how long an idle session entry survives.
	SessionTTL = 24 * time.Hour

	// maxTxRetries bounds optimistic retries on the all-participants map.
	maxTxRetries = 5
)

// Session is the active participant and any referral code captured before
// the participant record existed.
type Session struct {
	ParticipantCode string    `json:"participant_code"`
	PendingReferral string    `json:"pending_referral,omitempty"`
	StartedAt       time.Time `json:"started_at"`
}

// Change describes a write to the cache.
type Change struct {
	Key  string    `json:"key"`
	Code string    `json:"code,omitempty"`
	At   time.Time `json:"at"`
}

// Cache is a Redis-backed local mirror.
type Cache struct {
	rdb *redis.Client
	log *zap.Logger
}

// Open connects to redisURL (redis://host:port/db) and checks it answers.
func Open(ctx context.Context, redisURL string, logger *zap.Logger) (*Cache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewWithClient(rdb, logger), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(rdb *redis.Client, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{rdb: rdb, log: logger}
}

func userKey(code string) string { return UserKeyPrefix + code }

// GetParticipant returns the cached record for code. ok is false on a miss.
func (c *Cache) GetParticipant(ctx context.Context, code string) (p models.Participant, ok bool, err error) {
	raw, err := c.rdb.Get(ctx, userKey(code)).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.Participant{}, false, nil
	}
	if err != nil {
		return models.Participant{}, false, fmt.Errorf("get participant %s: %w", code, err)
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return models.Participant{}, false, fmt.Errorf("decode participant %s: %w", code, err)
	}
	return p, true, nil
}

// PutParticipant stores p under its own key and in the all-participants map.
func (c *Cache) PutParticipant(ctx context.Context, p models.Participant) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode participant %s: %w", p.ParticipantCode, err)
	}
	if err := c.rdb.Set(ctx, userKey(p.ParticipantCode), raw, 0).Err(); err != nil {
		return fmt.Errorf("save participant %s: %w", p.ParticipantCode, err)
	}
	if err := c.updateAll(ctx, func(all map[string]models.Participant) {
		all[p.ParticipantCode] = p
	}); err != nil {
		return err
	}
	c.publish(ctx, Change{Key: userKey(p.ParticipantCode), Code: p.ParticipantCode})
	return nil
}

// DeleteParticipant drops code from both the per-user key and the map.
func (c *Cache) DeleteParticipant(ctx context.Context, code string) error {
	if err := c.rdb.Del(ctx, userKey(code)).Err(); err != nil {
		return fmt.Errorf("delete participant %s: %w", code, err)
	}
	if err := c.updateAll(ctx, func(all map[string]models.Participant) {
		delete(all, code)
	}); err != nil {
		return err
	}
	c.publish(ctx, Change{Key: userKey(code), Code: code})
	return nil
}

// SetProvisional marks or clears code as a record created locally that the
// service has not yet confirmed.
func (c *Cache) SetProvisional(ctx context.Context, code string, on bool) error {
	var err error
	if on {
		err = c.rdb.SAdd(ctx, ProvisionalKey, code).Err()
	} else {
		err = c.rdb.SRem(ctx, ProvisionalKey, code).Err()
	}
	if err != nil {
		return fmt.Errorf("mark provisional %s: %w", code, err)
	}
	return nil
}

// IsProvisional reports whether code is marked provisional.
func (c *Cache) IsProvisional(ctx context.Context, code string) (bool, error) {
	ok, err := c.rdb.SIsMember(ctx, ProvisionalKey, code).Result()
	if err != nil {
		return false, fmt.Errorf("read provisional %s: %w", code, err)
	}
	return ok, nil
}

// GetAll returns the all-participants map; a missing entry is an empty map.
func (c *Cache) GetAll(ctx context.Context) (map[string]models.Participant, error) {
	return getAll(ctx, c.rdb)
}

// ReplaceAll overwrites the all-participants map and every per-user entry in it.
func (c *Cache) ReplaceAll(ctx context.Context, all map[string]models.Participant) error {
	raw, err := json.Marshal(all)
	if err != nil {
		return fmt.Errorf("encode participants: %w", err)
	}
	_, err = c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, AllParticipantsKey, raw, 0)
		for code, p := range all {
			one, err := json.Marshal(p)
			if err != nil {
				return fmt.Errorf("encode participant %s: %w", code, err)
			}
			pipe.Set(ctx, userKey(code), one, 0)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("replace participants: %w", err)
	}
	c.publish(ctx, Change{Key: AllParticipantsKey})
	return nil
}

// updateAll applies fn to the all-participants map under WATCH so concurrent
// writers do not lose each other's entries.
func (c *Cache) updateAll(ctx context.Context, fn func(map[string]models.Participant)) error {
	txf := func(tx *redis.Tx) error {
		all, err := getAll(ctx, tx)
		if err != nil {
			return err
		}
		fn(all)
		raw, err := json.Marshal(all)
		if err != nil {
			return fmt.Errorf("encode participants: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, AllParticipantsKey, raw, 0)
			return nil
		})
		return err
	}
	for i := 0; i < maxTxRetries; i++ {
		err := c.rdb.Watch(ctx, txf, AllParticipantsKey)
		if err == nil {
			return nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return fmt.Errorf("update participants map: %w", err)
		}
	}
	return fmt.Errorf("update participants map: %w", redis.TxFailedErr)
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func getAll(ctx context.Context, r getter) (map[string]models.Participant, error) {
	all := map[string]models.Participant{}
	raw, err := r.Get(ctx, AllParticipantsKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return all, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get participants: %w", err)
	}
	if err := json.Unmarshal(raw, &all); err != nil {
		return nil, fmt.Errorf("decode participants: %w", err)
	}
	return all, nil
}

// GetSession returns the active session. ok is false when none is stored.
func (c *Cache) GetSession(ctx context.Context) (s Session, ok bool, err error) {
	raw, err := c.rdb.Get(ctx, SessionKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return Session{}, false, nil
	}
	if err != nil {
		return Session{}, false, fmt.Errorf("get session: %w", err)
	}
	if err := json.Unmarshal(raw, &s); err != nil {
		return Session{}, false, fmt.Errorf("decode session: %w", err)
	}
	return s, true, nil
}

// PutSession stores s with SessionTTL.
func (c *Cache) PutSession(ctx context.Context, s Session) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	if err := c.rdb.Set(ctx, SessionKey, raw, SessionTTL).Err(); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	c.publish(ctx, Change{Key: SessionKey, Code: s.ParticipantCode})
	return nil
}

// ClearSession removes the session entry.
func (c *Cache) ClearSession(ctx context.Context) error {
	if err := c.rdb.Del(ctx, SessionKey).Err(); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	return nil
}

// Notify publishes a change without writing anything.
func (c *Cache) Notify(ctx context.Context, ch Change) { c.publish(ctx, ch) }

func (c *Cache) publish(ctx context.Context, ch Change) {
	if ch.At.IsZero() {
		ch.At = time.Now().UTC()
	}
	raw, err := json.Marshal(ch)
	if err != nil {
		return
	}
	if err := c.rdb.Publish(ctx, ChangeChannel, raw).Err(); err != nil {
		c.log.Warn("storage change publish failed", zap.String("key", ch.Key), zap.Error(err))
	}
}

// Subscribe delivers changes to fn until ctx is cancelled. It returns once
// the subscription is confirmed.
func (c *Cache) Subscribe(ctx context.Context, fn func(Change)) error {
	if fn == nil {
		return errors.New("localcache: change callback required")
	}
	sub := c.rdb.Subscribe(ctx, ChangeChannel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("redis subscribe: %w", err)
	}

	go func() {
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case m, ok := <-ch:
				if !ok || m == nil {
					_ = sub.Close()
					return
				}
				var change Change
				if err := json.Unmarshal([]byte(m.Payload), &change); err != nil {
					c.log.Warn("bad storage change payload", zap.Error(err))
					continue
				}
				fn(change)
			}
		}
	}()
	return nil
}

// Ping checks Redis is reachable.
func (c *Cache) Ping(ctx context.Context) error { return c.rdb.Ping(ctx).Err() }

// Close closes the Redis connection.
func (c *Cache) Close() error { return c.rdb.Close() }
