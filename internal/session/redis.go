package session

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "caregent:session:"

// redisStore persists sessions as JSON values with a TTL equal to the
// inactivity timeout; Save refreshes the TTL, so expiry tracks
// activity the same way the memory driver does.
type redisStore struct {
	client *redis.Client
	ttl    time.Duration
}

func newRedisStore(client *redis.Client, ttl time.Duration) *redisStore {
	return &redisStore{client: client, ttl: ttl}
}

func (s *redisStore) key(id string) string {
	return redisKeyPrefix + id
}

// GetOrCreate implements Store.
func (s *redisStore) GetOrCreate(ctx context.Context, id string) (*Session, error) {
	if id == "" {
		sess := NewSession()
		if err := s.Save(ctx, sess); err != nil {
			return nil, err
		}
		return sess, nil
	}
	return s.Get(ctx, id)
}

// Get implements Store.
func (s *redisStore) Get(ctx context.Context, id string) (*Session, error) {
	val, err := s.client.Get(ctx, s.key(id)).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var sess Session
	if err := json.Unmarshal([]byte(val), &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

// Save implements Store.
func (s *redisStore) Save(ctx context.Context, sess *Session) error {
	val, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.key(sess.ID), val, s.ttl).Err()
}

// Delete implements Store.
func (s *redisStore) Delete(ctx context.Context, id string) error {
	return s.client.Del(ctx, s.key(id)).Err()
}

// Stats implements Store.
func (s *redisStore) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	iter := s.client.Scan(ctx, 0, redisKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		st.Active++
		val, err := s.client.Get(ctx, iter.Val()).Result()
		if err != nil {
			continue
		}
		var sess Session
		if json.Unmarshal([]byte(val), &sess) == nil && sess.Verified {
			st.Verified++
		}
	}
	if err := iter.Err(); err != nil {
		return Stats{}, err
	}
	return st, nil
}

// Close implements Store.
func (s *redisStore) Close() error {
	return s.client.Close()
}
