package history

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const DefaultRedisKey = "hlsdl:history"

// RedisStore keeps history in a capped Redis list so several hlsdl servers can
// share it.
type RedisStore struct {
	client *redis.Client
	key    string
	limit  int
}

func NewRedisStore(client *redis.Client, key string, limit int) *RedisStore {
	if key == "" {
		key = DefaultRedisKey
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &RedisStore{client: client, key: key, limit: limit}
}

// NewRedisStoreFromURL connects and pings before returning the store.
func NewRedisStoreFromURL(ctx context.Context, redisURL, key string, limit int) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis not reachable at %s: %w", opts.Addr, err)
	}
	log.Debug().Str("op", "history/redis").Msgf("Connected to redis at %s", opts.Addr)
	return NewRedisStore(client, key, limit), nil
}

func (s *RedisStore) Append(ctx context.Context, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, s.key, data)
	pipe.LTrim(ctx, s.key, 0, int64(s.limit-1))
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) List(ctx context.Context) ([]Record, error) {
	items, err := s.client.LRange(ctx, s.key, 0, int64(s.limit-1)).Result()
	if err != nil {
		return nil, err
	}
	records := make([]Record, 0, len(items))
	for _, item := range items {
		var rec Record
		if err := json.Unmarshal([]byte(item), &rec); err != nil {
			log.Warn().Str("op", "history/redis").Err(err).Msg("Skipping unreadable history entry")
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

func (s *RedisStore) Clear(ctx context.Context) error {
	return s.client.Del(ctx, s.key).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
