package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store on Redis. Metadata and bodies live under
// separate keys and a set indexes the queued ids.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a store on client. Keys are namespaced by prefix.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "relayq"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (rs *RedisStore) metaKey(id string) string { return rs.prefix + ":msg:" + id }
func (rs *RedisStore) bodyKey(id string) string { return rs.prefix + ":body:" + id }
func (rs *RedisStore) idsKey() string           { return rs.prefix + ":ids" }

// Save writes message metadata and indexes its id
func (rs *RedisStore) Save(ctx context.Context, msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	_, err = rs.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, rs.metaKey(msg.ID), data, 0)
		p.SAdd(ctx, rs.idsKey(), msg.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save message %s: %w", msg.ID, err)
	}
	return nil
}

// Load reads message metadata
func (rs *RedisStore) Load(ctx context.Context, id string) (*Message, error) {
	data, err := rs.client.Get(ctx, rs.metaKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrMessageNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load message %s: %w", id, err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message: %w", err)
	}
	return &msg, nil
}

// Delete removes message metadata and its index entry
func (rs *RedisStore) Delete(ctx context.Context, id string) error {
	_, err := rs.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, rs.metaKey(id))
		p.SRem(ctx, rs.idsKey(), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete message %s: %w", id, err)
	}
	return nil
}

// List returns every indexed message ordered by enqueue sequence. Index
// entries whose metadata vanished are skipped.
func (rs *RedisStore) List(ctx context.Context) ([]*Message, error) {
	ids, err := rs.client.SMembers(ctx, rs.idsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list queue: %w", err)
	}
	messages := make([]*Message, 0, len(ids))
	for _, id := range ids {
		msg, err := rs.Load(ctx, id)
		if errors.Is(err, ErrMessageNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	sortBySeq(messages)
	return messages, nil
}

// SaveBody saves message content data
func (rs *RedisStore) SaveBody(ctx context.Context, id string, body []byte) error {
	if err := rs.client.Set(ctx, rs.bodyKey(id), body, 0).Err(); err != nil {
		return fmt.Errorf("failed to save body %s: %w", id, err)
	}
	return nil
}

// LoadBody loads message content data
func (rs *RedisStore) LoadBody(ctx context.Context, id string) ([]byte, error) {
	data, err := rs.client.Get(ctx, rs.bodyKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrMessageNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load body %s: %w", id, err)
	}
	return data, nil
}

// DeleteBody removes message content data
func (rs *RedisStore) DeleteBody(ctx context.Context, id string) error {
	if err := rs.client.Del(ctx, rs.bodyKey(id)).Err(); err != nil {
		return fmt.Errorf("failed to delete body %s: %w", id, err)
	}
	return nil
}
