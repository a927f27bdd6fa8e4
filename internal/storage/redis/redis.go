package redis

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"howbehind/internal/config"
	appLog "howbehind/internal/log"
	"howbehind/internal/storage"
)

const (
	profileIndexKey = "howbehind:profiles"

	changePut    = "put:"
	changeDelete = "del"
)

func profileKey(userID string) string {
	return fmt.Sprintf("howbehind:profile:%s", userID)
}

func changeChannel(userID string) string {
	return fmt.Sprintf("howbehind:profile:%s:changes", userID)
}

// Store implements storage.Backend using Redis. Each profile is a hash with
// doc, watermark, revision and updated_at fields; writes are published on a
// per-user channel after they commit.
type Store struct {
	client *redis.Client

	put   *redis.Script
	swap  *redis.Script
	del   *redis.Script
	delIf *redis.Script
}

// Open creates a new Redis-backed storage instance
func Open(cfg config.RedisConfig) (*Store, error) {
	// Parse timeouts
	dialTimeout, err := time.ParseDuration(cfg.DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid dial_timeout: %w", err)
	}

	readTimeout, err := time.ParseDuration(cfg.ReadTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid read_timeout: %w", err)
	}

	writeTimeout, err := time.ParseDuration(cfg.WriteTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid write_timeout: %w", err)
	}

	// Determine address
	addr := cfg.Host
	if cfg.Port > 0 {
		addr = fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	}

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  dialTimeout,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	})

	// Ping to verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	appLog.Info("redis profile store connected", "addr", addr, "db", cfg.DB)
	return &Store{
		client: client,
		put:    redis.NewScript(putProfileScript),
		swap:   redis.NewScript(swapProfileScript),
		del:    redis.NewScript(deleteProfileScript),
		delIf:  redis.NewScript(deleteIfProfileScript),
	}, nil
}

// Get retrieves the profile record of userID.
func (s *Store) Get(ctx context.Context, userID string) (storage.Record, error) {
	data, err := s.client.HGetAll(ctx, profileKey(userID)).Result()
	if err != nil {
		return storage.Record{}, err
	}
	return parseRecord(data)
}

// Put writes the profile of userID unconditionally.
func (s *Store) Put(ctx context.Context, userID string, doc []byte, watermark string) (int64, error) {
	keys := []string{profileKey(userID), profileIndexKey}
	args := []interface{}{userID, doc, watermark, time.Now().UTC().Format(time.RFC3339Nano)}
	rev, err := s.put.Run(ctx, s.client, keys, args...).Int64()
	if err != nil {
		return 0, err
	}
	s.publish(ctx, userID, putPayload(rev, doc))
	return rev, nil
}

// CompareAndPut writes the profile of userID if its revision is expected.
func (s *Store) CompareAndPut(ctx context.Context, userID string, expected int64, doc []byte, watermark string) (int64, error) {
	keys := []string{profileKey(userID), profileIndexKey}
	args := []interface{}{userID, expected, doc, watermark, time.Now().UTC().Format(time.RFC3339Nano)}
	rev, err := s.swap.Run(ctx, s.client, keys, args...).Int64()
	if err != nil {
		return 0, err
	}
	if rev == 0 {
		return 0, storage.ErrConflict
	}
	s.publish(ctx, userID, putPayload(rev, doc))
	return rev, nil
}

// Delete removes the profile of userID.
func (s *Store) Delete(ctx context.Context, userID string) error {
	keys := []string{profileKey(userID), profileIndexKey}
	removed, err := s.del.Run(ctx, s.client, keys, userID).Int()
	if err != nil {
		return err
	}
	if removed > 0 {
		s.publish(ctx, userID, changeDelete)
	}
	return nil
}

// CompareAndDelete removes the profile of userID if its revision is
// expected.
func (s *Store) CompareAndDelete(ctx context.Context, userID string, expected int64) error {
	keys := []string{profileKey(userID), profileIndexKey}
	res, err := s.delIf.Run(ctx, s.client, keys, userID, expected).Int()
	if err != nil {
		return err
	}
	switch {
	case res < 0:
		return storage.ErrConflict
	case res > 0:
		s.publish(ctx, userID, changeDelete)
	}
	return nil
}

// List returns every indexed user id.
func (s *Store) List(ctx context.Context) ([]string, error) {
	ids, err := s.client.SMembers(ctx, profileIndexKey).Result()
	if err != nil {
		return nil, err
	}
	slices.Sort(ids)
	return ids, nil
}

// publish is best effort; the write has already committed and watchers
// reconcile on their next read.
func (s *Store) publish(ctx context.Context, userID, payload string) {
	if err := s.client.Publish(ctx, changeChannel(userID), payload).Err(); err != nil {
		appLog.Error("redis publish profile change failed", err, "user", userID)
	}
}

// Watch subscribes to the change channel of userID.
func (s *Store) Watch(ctx context.Context, userID string) (<-chan storage.Change, error) {
	ps := s.client.Subscribe(ctx, changeChannel(userID))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", userID, err)
	}

	msgs := ps.Channel()
	out := make(chan storage.Change, 1)
	go func() {
		defer close(out)
		defer ps.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-msgs:
				if !ok {
					return
				}
				c, ok := parseChange(m.Payload)
				if !ok {
					appLog.Warn("redis ignoring malformed profile change", "user", userID)
					continue
				}
				offerLatest(out, c)
			}
		}
	}()
	return out, nil
}

// offerLatest sends c, replacing an undelivered change. The caller must be
// the only sender on out.
func offerLatest(out chan storage.Change, c storage.Change) {
	select {
	case out <- c:
	default:
		select {
		case <-out:
		default:
		}
		out <- c
	}
}

// Close closes the Redis connection
func (s *Store) Close() error {
	return s.client.Close()
}

func putPayload(rev int64, doc []byte) string {
	return changePut + strconv.FormatInt(rev, 10) + ":" + string(doc)
}

// parseChange decodes "del" or "put:<revision>:<doc>".
func parseChange(payload string) (storage.Change, bool) {
	switch {
	case payload == changeDelete:
		return storage.Change{Deleted: true}, true
	case strings.HasPrefix(payload, changePut):
		revText, doc, ok := strings.Cut(strings.TrimPrefix(payload, changePut), ":")
		if !ok {
			return storage.Change{}, false
		}
		rev, err := strconv.ParseInt(revText, 10, 64)
		if err != nil {
			return storage.Change{}, false
		}
		return storage.Change{Doc: []byte(doc), Revision: rev}, true
	default:
		return storage.Change{}, false
	}
}
