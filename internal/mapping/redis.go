package mapping

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/raaihank/piiswap/internal/config"
	"github.com/raaihank/piiswap/internal/pii"
)

// recordScript checks and sets the index entry, its reverse entry and the
// page entry in one step.
//
// KEYS: index hash, dummies hash, page hash, page order list, pages set
// ARGV: original, dummy, type, assignment json, page id
var recordScript = redis.NewScript(`
local existing = redis.call('HGET', KEYS[1], ARGV[1])
if existing and existing ~= ARGV[2] then
	return redis.error_reply('CONFLICT ' .. existing)
end
local owner = redis.call('HGET', KEYS[2], ARGV[2])
if owner and owner ~= ARGV[1] then
	return redis.error_reply('DUMMY_IN_USE')
end
if not existing then
	redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
	redis.call('HSET', KEYS[2], ARGV[2], ARGV[1])
end
if redis.call('HSET', KEYS[3], ARGV[3], ARGV[4]) == 1 then
	redis.call('RPUSH', KEYS[4], ARGV[3])
end
redis.call('SADD', KEYS[5], ARGV[5])
return 1
`)

// RedisStore keeps the master mapping in Redis so several pipeline processes
// can share one mapping. Dummies are unique across processes: a Record whose
// dummy another process already assigned fails with pii.ErrDummyInUse. Every
// Record is durable once it returns.
type RedisStore struct {
	client *redis.Client
	prefix string
	logger *zap.Logger
}

// NewRedisStore connects to Redis and verifies the connection
func NewRedisStore(cfg *config.RedisConfig, logger *zap.Logger) (*RedisStore, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}

	store := newRedisStore(redis.NewClient(opts), cfg.KeyPrefix, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := store.client.Ping(ctx).Err(); err != nil {
		_ = store.client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("Redis mapping store initialized",
		zap.String("redis_url", maskURL(cfg.URL)),
		zap.String("key_prefix", store.prefix))

	return store, nil
}

func newRedisStore(client *redis.Client, prefix string, logger *zap.Logger) *RedisStore {
	if prefix == "" {
		prefix = "piiswap"
	}
	return &RedisStore{client: client, prefix: prefix, logger: logger}
}

func (s *RedisStore) indexKey() string {
	return s.prefix + ":index"
}

func (s *RedisStore) dummiesKey() string {
	return s.prefix + ":dummies"
}

func (s *RedisStore) pagesKey() string {
	return s.prefix + ":pages"
}

func (s *RedisStore) pageKey(page pii.PageID) string {
	return s.prefix + ":page:" + string(page)
}

func (s *RedisStore) orderKey(page pii.PageID) string {
	return s.prefix + ":page:" + string(page) + ":order"
}

func (s *RedisStore) Lookup(ctx context.Context, original string) (string, bool, error) {
	dummy, err := s.client.HGet(ctx, s.indexKey(), original).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("mapping lookup failed: %w", err)
	}
	return dummy, true, nil
}

func (s *RedisStore) Record(ctx context.Context, page pii.PageID, t pii.PiiType, original, dummy string) error {
	if err := validateRecord(original, dummy); err != nil {
		return err
	}

	entry, err := json.Marshal(pii.Assignment{Original: original, Dummy: dummy})
	if err != nil {
		return fmt.Errorf("failed to marshal assignment: %w", err)
	}

	keys := []string{s.indexKey(), s.dummiesKey(), s.pageKey(page), s.orderKey(page), s.pagesKey()}
	err = recordScript.Run(ctx, s.client, keys, original, dummy, string(t), string(entry), string(page)).Err()
	if err != nil {
		if existing, ok := strings.CutPrefix(err.Error(), "CONFLICT "); ok {
			return conflict(page, t, original, existing, dummy)
		}
		if strings.HasPrefix(err.Error(), "DUMMY_IN_USE") {
			return dummyConflict(page, t, original, dummy)
		}
		return fmt.Errorf("mapping record failed: %w", err)
	}
	return nil
}

// Commit has nothing to flush: the script is applied atomically by Redis
func (s *RedisStore) Commit(context.Context, pii.PageID) error {
	return nil
}

func (s *RedisStore) Snapshot(ctx context.Context) (*pii.MasterMapping, error) {
	pages, err := s.client.SMembers(ctx, s.pagesKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list pages: %w", err)
	}

	master := pii.NewMasterMapping()
	for _, p := range pages {
		page := pii.PageID(p)

		order, err := s.client.LRange(ctx, s.orderKey(page), 0, -1).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read page order for %s: %w", page, err)
		}
		entries, err := s.client.HGetAll(ctx, s.pageKey(page)).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read page %s: %w", page, err)
		}

		plan := pii.NewPlan(page)
		for _, t := range order {
			raw, ok := entries[t]
			if !ok {
				continue
			}
			var a pii.Assignment
			if err := json.Unmarshal([]byte(raw), &a); err != nil {
				return nil, fmt.Errorf("corrupt entry %s/%s: %w", page, t, err)
			}
			plan.Put(pii.PiiType(t), a)
		}
		master.Put(plan)
	}
	return master, nil
}

func (s *RedisStore) Assignments(ctx context.Context) (map[string]string, error) {
	index, err := s.client.HGetAll(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read assignments: %w", err)
	}
	return index, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

// maskURL hides the password part of a connection URL
func maskURL(url string) string {
	if strings.Contains(url, "@") {
		parts := strings.Split(url, "@")
		if len(parts) >= 2 {
			userPart := parts[0]
			if strings.Contains(userPart, ":") {
				userParts := strings.Split(userPart, ":")
				if len(userParts) >= 3 {
					userParts[len(userParts)-1] = "***"
					parts[0] = strings.Join(userParts, ":")
				}
			}
			return strings.Join(parts, "@")
		}
	}
	return url
}
