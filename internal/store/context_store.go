package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/clipforge/api/internal/model"
	"github.com/clipforge/api/internal/retry"
)

// ErrNotFound is returned when a context has not been written yet.
var ErrNotFound = retry.New(retry.KindPreconditionMissing, "context not found")

const (
	fieldDoc       = "doc"
	fieldVersion   = "version"
	fieldUpdatedAt = "updatedAt"
)

// ContextStore is the durable key-value store stages communicate through.
// Writes are last-writer-wins and atomic per key.
type ContextStore interface {
	Put(ctx context.Context, projectID string, name model.ContextName, doc []byte) (int64, error)
	Get(ctx context.Context, projectID string, name model.ContextName) ([]byte, error)
	Exists(ctx context.Context, projectID string, name model.ContextName) (bool, error)
}

// RedisContextStore keeps one hash per context key
type RedisContextStore struct {
	redis     redis.Cmdable
	validator *Validator
	now       func() time.Time
}

// NewRedisContextStore creates a context store. A nil validator disables
// schema checks.
func NewRedisContextStore(client redis.Cmdable, validator *Validator) *RedisContextStore {
	return &RedisContextStore{
		redis:     client,
		validator: validator,
		now:       time.Now,
	}
}

// Put validates and stores doc, returning the new version of the key.
func (s *RedisContextStore) Put(ctx context.Context, projectID string, name model.ContextName, doc []byte) (int64, error) {
	if projectID == "" {
		return 0, retry.New(retry.KindValidation, "project id is required")
	}
	if s.validator != nil {
		if err := s.validator.Validate(name, doc); err != nil {
			return 0, err
		}
	}

	key := ContextKey(projectID, name)
	var version *redis.IntCmd
	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		version = pipe.HIncrBy(ctx, key, fieldVersion, 1)
		pipe.HSet(ctx, key, fieldDoc, doc, fieldUpdatedAt, s.now().UTC().Format(time.RFC3339Nano))
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to write %s: %w", key, err)
	}
	return version.Val(), nil
}

// Get returns the stored document or ErrNotFound.
func (s *RedisContextStore) Get(ctx context.Context, projectID string, name model.ContextName) ([]byte, error) {
	key := ContextKey(projectID, name)
	data, err := s.redis.HGet(ctx, key, fieldDoc).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return data, nil
}

// Exists reports whether the context has been written.
func (s *RedisContextStore) Exists(ctx context.Context, projectID string, name model.ContextName) (bool, error) {
	key := ContextKey(projectID, name)
	ok, err := s.redis.HExists(ctx, key, fieldDoc).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check %s: %w", key, err)
	}
	return ok, nil
}

// PutDocument marshals v and stores it, returning the bytes written.
func PutDocument(ctx context.Context, s ContextStore, projectID string, name model.ContextName, v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, retry.Wrap(retry.KindInternal, fmt.Errorf("failed to marshal %s context: %w", name, err))
	}
	if _, err := s.Put(ctx, projectID, name, data); err != nil {
		return nil, err
	}
	return data, nil
}

// GetDocument reads a context into out.
func GetDocument(ctx context.Context, s ContextStore, projectID string, name model.ContextName, out interface{}) error {
	data, err := s.Get(ctx, projectID, name)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return retry.Wrap(retry.KindInternal, fmt.Errorf("failed to unmarshal %s context: %w", name, err))
	}
	return nil
}
