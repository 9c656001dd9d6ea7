package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pulsewatch/engine/internal/common/urlutil"
	"github.com/pulsewatch/engine/pkg/types"
)

// Redis key layout. Entities live as JSON values; uniqueness runs
// through index hashes keyed by the normalized URL digest and the name.
const (
	keyIDs       = "mon:urls"
	keyIdxURL    = "mon:idx:url"
	keyIdxName   = "mon:idx:name"
	keyEntityFmt = "mon:url:%s"
	keyResults   = "mon:results:%s"
	keyErrors    = "mon:errors:%s"
	keyIframes   = "mon:iframes:%s"
	keyVideos    = "mon:videos:%s"
)

// RedisStore is the production Store on go-redis. Optimistic
// concurrency uses WATCH/MULTI on the entity key.
type RedisStore struct {
	rdb    *redis.Client
	logger *zap.Logger
}

// NewRedisStore connects to the database URL (redis://...) and pings it.
func NewRedisStore(databaseURL string, logger *zap.Logger) (*RedisStore, error) {
	opts, err := redis.ParseURL(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid DATABASE_URL: %w", err)
	}

	rdb := redis.NewClient(opts)
	s := &RedisStore{rdb: rdb, logger: logger}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	logger.Debug("Store connected", zap.String("addr", opts.Addr))
	return s, nil
}

// NewRedisStoreFromClient wraps an existing client; used by tests with
// miniredis.
func NewRedisStoreFromClient(rdb *redis.Client, logger *zap.Logger) *RedisStore {
	return &RedisStore{rdb: rdb, logger: logger}
}

func entityKey(id string) string { return fmt.Sprintf(keyEntityFmt, id) }

func (s *RedisStore) Insert(ctx context.Context, entry *types.MonitoredURL) (*types.MonitoredURL, error) {
	normalized, err := urlutil.Normalize(entry.URL)
	if err != nil {
		return nil, err
	}
	urlKey := urlutil.NormalizedKey(normalized)

	ok, err := s.rdb.HSetNX(ctx, keyIdxURL, urlKey, entry.ID).Result()
	if err != nil {
		return nil, fmt.Errorf("url index write failed: %w", err)
	}
	if !ok {
		return nil, ErrConflict
	}

	ok, err = s.rdb.HSetNX(ctx, keyIdxName, entry.Name, entry.ID).Result()
	if err != nil {
		s.rdb.HDel(ctx, keyIdxURL, urlKey)
		return nil, fmt.Errorf("name index write failed: %w", err)
	}
	if !ok {
		s.rdb.HDel(ctx, keyIdxURL, urlKey)
		return nil, ErrConflict
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("entry marshal failed: %w", err)
	}

	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, entityKey(entry.ID), data, 0)
	pipe.SAdd(ctx, keyIDs, entry.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		s.rdb.HDel(ctx, keyIdxURL, urlKey)
		s.rdb.HDel(ctx, keyIdxName, entry.Name)
		return nil, fmt.Errorf("entry write failed: %w", err)
	}

	return entry, nil
}

func (s *RedisStore) Update(ctx context.Context, id string, patch Patch) (*types.MonitoredURL, error) {
	var updated *types.MonitoredURL
	key := entityKey(id)

	txn := func(tx *redis.Tx) error {
		current, err := s.getEntity(ctx, tx, id)
		if err != nil {
			return err
		}

		oldKey := mustURLKey(current.URL)
		oldName := current.Name

		next := cloneEntry(current)
		applyPatch(next, patch, time.Now().UTC())

		newKey := oldKey
		if patch.URL != nil {
			normalized, err := urlutil.Normalize(next.URL)
			if err != nil {
				return err
			}
			newKey = urlutil.NormalizedKey(normalized)
			if owner, err := tx.HGet(ctx, keyIdxURL, newKey).Result(); err == nil && owner != id {
				return ErrConflict
			}
		}
		if patch.Name != nil {
			if owner, err := tx.HGet(ctx, keyIdxName, next.Name).Result(); err == nil && owner != id {
				return ErrConflict
			}
		}

		data, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("entry marshal failed: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			if newKey != oldKey {
				pipe.HDel(ctx, keyIdxURL, oldKey)
				pipe.HSet(ctx, keyIdxURL, newKey, id)
			}
			if next.Name != oldName {
				pipe.HDel(ctx, keyIdxName, oldName)
				pipe.HSet(ctx, keyIdxName, next.Name, id)
			}
			return nil
		})
		if err != nil {
			return err
		}
		updated = next
		return nil
	}

	if err := s.watchRetry(ctx, txn, key); err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *RedisStore) FindByID(ctx context.Context, id string) (*types.MonitoredURL, error) {
	return s.getEntity(ctx, s.rdb, id)
}

func (s *RedisStore) FindAll(ctx context.Context, filter Filter) ([]*types.MonitoredURL, error) {
	ids, err := s.rdb.SMembers(ctx, keyIDs).Result()
	if err != nil {
		return nil, fmt.Errorf("id scan failed: %w", err)
	}

	out := make([]*types.MonitoredURL, 0, len(ids))
	for _, id := range ids {
		entry, err := s.getEntity(ctx, s.rdb, id)
		if errors.Is(err, ErrNotFound) {
			// Deleted between SMEMBERS and GET.
			continue
		}
		if err != nil {
			return nil, err
		}
		if filter.Matches(entry) {
			out = append(out, entry)
		}
	}
	return out, nil
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	entry, err := s.getEntity(ctx, s.rdb, id)
	if err != nil {
		return err
	}

	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, entityKey(id))
	pipe.SRem(ctx, keyIDs, id)
	pipe.HDel(ctx, keyIdxURL, mustURLKey(entry.URL))
	pipe.HDel(ctx, keyIdxName, entry.Name)
	pipe.Del(ctx,
		fmt.Sprintf(keyResults, id),
		fmt.Sprintf(keyErrors, id),
		fmt.Sprintf(keyIframes, id),
		fmt.Sprintf(keyVideos, id))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("entry delete failed: %w", err)
	}
	return nil
}

func (s *RedisStore) AppendHistory(ctx context.Context, id string, latencyMs int64, fields StatusFields, expectedVersion int64) (*types.MonitoredURL, error) {
	var updated *types.MonitoredURL
	key := entityKey(id)

	txn := func(tx *redis.Tx) error {
		entry, err := s.getEntity(ctx, tx, id)
		if err != nil {
			return err
		}
		if entry.Version != expectedVersion {
			return ErrVersionConflict
		}

		entry.History = appendSample(entry.History, latencyMs)
		entry.Status = fields.Status
		entry.Latency = fields.Latency
		entry.HTTPStatus = fields.HTTPStatus
		entry.StatusMessage = fields.StatusMessage
		entry.LastChecked = fields.LastChecked
		entry.UpdatedAt = time.Now().UTC()
		entry.Version++

		data, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("entry marshal failed: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			return nil
		})
		if err != nil {
			return err
		}
		updated = entry
		return nil
	}

	if err := s.watchRetry(ctx, txn, key); err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *RedisStore) AppendProbeRecord(ctx context.Context, result *types.ProbeResult) error {
	payload, err := encodeRecord(result)
	if err != nil {
		return err
	}

	pipe := s.rdb.TxPipeline()
	push(ctx, pipe, fmt.Sprintf(keyResults, result.URLID), payload, MaxProbeRecords)

	if result.ErrorKind != "" || result.ErrorMessage != "" {
		entry, err := json.Marshal(map[string]interface{}{
			"urlId":     result.URLID,
			"probeId":   result.ProbeID,
			"status":    result.Status,
			"kind":      result.ErrorKind,
			"message":   result.ErrorMessage,
			"checkedAt": result.CheckedAt,
		})
		if err == nil {
			push(ctx, pipe, fmt.Sprintf(keyErrors, result.URLID), entry, MaxErrorLogs)
		}
	}
	if len(result.IframeChecks) > 0 {
		if entry, err := json.Marshal(result.IframeChecks); err == nil {
			push(ctx, pipe, fmt.Sprintf(keyIframes, result.URLID), entry, MaxIframeChecks)
		}
	}
	if len(result.VideoChecks) > 0 {
		if entry, err := json.Marshal(result.VideoChecks); err == nil {
			push(ctx, pipe, fmt.Sprintf(keyVideos, result.URLID), entry, MaxVideoChecks)
		}
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("probe record write failed: %w", err)
	}
	return nil
}

func push(ctx context.Context, pipe redis.Pipeliner, key string, payload []byte, cap int) {
	pipe.LPush(ctx, key, payload)
	pipe.LTrim(ctx, key, 0, int64(cap-1))
}

func (s *RedisStore) ProbeHistory(ctx context.Context, id string, limit int) ([]*types.ProbeResult, error) {
	if limit <= 0 {
		limit = 100
	}
	raw, err := s.rdb.LRange(ctx, fmt.Sprintf(keyResults, id), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("probe history read failed: %w", err)
	}

	out := make([]*types.ProbeResult, 0, len(raw))
	for _, item := range raw {
		result, err := decodeRecord([]byte(item))
		if err != nil {
			s.logger.Warn("Skipping undecodable probe record",
				zap.String("url_id", id),
				zap.Error(err))
			continue
		}
		out = append(out, result)
	}
	return out, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("store ping failed: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

// getEntity reads and unmarshals one entry via any cmdable (client or
// watched transaction).
func (s *RedisStore) getEntity(ctx context.Context, c redis.Cmdable, id string) (*types.MonitoredURL, error) {
	data, err := c.Get(ctx, entityKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("entry read failed: %w", err)
	}

	var entry types.MonitoredURL
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("entry unmarshal failed: %w", err)
	}
	return &entry, nil
}

// watchRetry runs the transaction under WATCH, mapping aborted
// transactions to ErrVersionConflict so callers see one conflict type.
func (s *RedisStore) watchRetry(ctx context.Context, txn func(*redis.Tx) error, keys ...string) error {
	err := s.rdb.Watch(ctx, txn, keys...)
	if errors.Is(err, redis.TxFailedErr) {
		return ErrVersionConflict
	}
	return err
}
