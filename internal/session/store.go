package session

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrSessionNotFound indicates the session id is unknown or expired.
	ErrSessionNotFound = errors.New("session: not found")
	// ErrRotationConflict indicates another writer replaced the refresh hash
	// between the caller's read and its compare-and-save.
	ErrRotationConflict = errors.New("session: concurrent rotation")
)

// User is the identity bound to a session.
type User struct {
	ID               string     `json:"id"`
	Email            string     `json:"email"`
	EmailConfirmedAt *time.Time `json:"email_confirmed_at,omitempty"`
}

// Session is the server-side record behind a refresh token.
type Session struct {
	ID          string    `json:"id"`
	User        User      `json:"user"`
	RefreshHash string    `json:"refresh_hash"`
	PrevHash    string    `json:"prev_hash,omitempty"`
	RotatedAt   time.Time `json:"rotated_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Store persists sessions in Redis.
type Store struct {
	client *redis.Client
	prefix string
}

// NewStore constructs a Store using the given client.
func NewStore(client *redis.Client) *Store {
	return &Store{client: client, prefix: "session:"}
}

// Get loads a session by id.
func (s *Store) Get(ctx context.Context, id string) (*Session, error) {
	payload, err := s.client.Get(ctx, s.key(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	var sess Session
	if err := json.Unmarshal(payload, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

// Save writes the session with a TTL matching its remaining lifetime.
func (s *Store) Save(ctx context.Context, sess *Session, now time.Time) error {
	ttl := sess.ExpiresAt.Sub(now)
	if ttl <= 0 {
		return s.Delete(ctx, sess.ID)
	}
	data, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.key(sess.ID), data, ttl).Err()
}

// CompareAndSave writes sess only while the stored refresh hash still equals
// expectHash. The check and the write run under WATCH, so at most one of
// several concurrent rotations of the same secret succeeds.
func (s *Store) CompareAndSave(ctx context.Context, sess *Session, expectHash string, now time.Time) error {
	ttl := sess.ExpiresAt.Sub(now)
	if ttl <= 0 {
		return s.Delete(ctx, sess.ID)
	}
	data, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	key := s.key(sess.ID)
	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		payload, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return ErrSessionNotFound
			}
			return err
		}
		var current Session
		if err := json.Unmarshal(payload, &current); err != nil {
			return err
		}
		if current.RefreshHash != expectHash {
			return ErrRotationConflict
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, ttl)
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return ErrRotationConflict
	}
	return err
}

// Delete removes a session. Deleting a missing session is not an error.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, s.key(id)).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	return nil
}

func (s *Store) key(id string) string {
	return s.prefix + id
}
