// Package session persists the raw payloads of a shared timeline in Redis.
//
// Only RawEntry values (identifier plus unmodified payload) are stored.
// Normalized fields are always recomputed by the reader.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lvonguyen/threatlane/internal/telemetry"
)

// Common errors.
var (
	ErrInvalidSessionID = errors.New("invalid session id")
	ErrEmptyEntryID     = errors.New("raw entry has no id")
)

// appendScript adds entries whose id has not been seen in the session yet.
// KEYS[1] = id set, KEYS[2] = entry list, ARGV[1] = ttl ms, then id/json pairs.
var appendScript = redis.NewScript(`
	local ttl = tonumber(ARGV[1])
	local added = 0
	for i = 2, #ARGV, 2 do
		if redis.call('SADD', KEYS[1], ARGV[i]) == 1 then
			redis.call('RPUSH', KEYS[2], ARGV[i + 1])
			added = added + 1
		end
	end
	if ttl > 0 then
		redis.call('PEXPIRE', KEYS[1], ttl)
		redis.call('PEXPIRE', KEYS[2], ttl)
	end
	return added
`)

// Config configures the store
type Config struct {
	KeyPrefix string        `yaml:"key_prefix"`
	TTL       time.Duration `yaml:"ttl" env:"SESSION_TTL"` // 0 keeps sessions forever
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		KeyPrefix: "threatlane:session",
		TTL:       7 * 24 * time.Hour,
	}
}

// RedisStore keeps each session as a list of raw entries plus a set of ids.
type RedisStore struct {
	client *redis.Client
	config Config
	logger *zap.Logger
}

// NewRedisStore creates a new Redis-backed session store.
func NewRedisStore(client *redis.Client, cfg Config, logger *zap.Logger) *RedisStore {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = DefaultConfig().KeyPrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisStore{
		client: client,
		config: cfg,
		logger: logger.With(zap.String("component", "session_store")),
	}
}

// Append stores entries not already present in the session and returns how
// many were new. Duplicate ids are ignored, which gives at-most-once
// semantics for concurrently delivered payloads.
func (s *RedisStore) Append(ctx context.Context, sessionID string, entries []telemetry.RawEntry) (int, error) {
	if err := validateSessionID(sessionID); err != nil {
		return 0, err
	}
	if len(entries) == 0 {
		return 0, nil
	}

	args := make([]any, 0, 1+2*len(entries))
	args = append(args, s.config.TTL.Milliseconds())
	for _, entry := range entries {
		if entry.ID == "" {
			return 0, ErrEmptyEntryID
		}
		data, err := json.Marshal(entry)
		if err != nil {
			return 0, fmt.Errorf("failed to encode raw entry %s: %w", entry.ID, err)
		}
		args = append(args, entry.ID, string(data))
	}

	added, err := appendScript.Run(ctx, s.client, []string{s.idsKey(sessionID), s.entriesKey(sessionID)}, args...).Int()
	if err != nil {
		return 0, fmt.Errorf("failed to append to session %s: %w", sessionID, err)
	}

	s.logger.Debug("Appended raw entries",
		zap.String("session", sessionID),
		zap.Int("offered", len(entries)),
		zap.Int("added", added),
	)
	return added, nil
}

// Load returns every raw entry of the session in arrival order.
func (s *RedisStore) Load(ctx context.Context, sessionID string) ([]telemetry.RawEntry, error) {
	if err := validateSessionID(sessionID); err != nil {
		return nil, err
	}

	values, err := s.client.LRange(ctx, s.entriesKey(sessionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", sessionID, err)
	}

	entries := make([]telemetry.RawEntry, 0, len(values))
	for i, value := range values {
		var entry telemetry.RawEntry
		dec := json.NewDecoder(strings.NewReader(value))
		dec.UseNumber()
		if err := dec.Decode(&entry); err != nil {
			s.logger.Warn("Skipping corrupt raw entry",
				zap.String("session", sessionID),
				zap.Int("index", i),
				zap.Error(err),
			)
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Len returns the number of stored entries.
func (s *RedisStore) Len(ctx context.Context, sessionID string) (int64, error) {
	if err := validateSessionID(sessionID); err != nil {
		return 0, err
	}
	return s.client.LLen(ctx, s.entriesKey(sessionID)).Result()
}

// Delete removes the session.
func (s *RedisStore) Delete(ctx context.Context, sessionID string) error {
	if err := validateSessionID(sessionID); err != nil {
		return err
	}
	if err := s.client.Del(ctx, s.idsKey(sessionID), s.entriesKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("failed to delete session %s: %w", sessionID, err)
	}
	return nil
}

// Ping verifies connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) idsKey(sessionID string) string {
	return s.config.KeyPrefix + ":" + sessionID + ":ids"
}

func (s *RedisStore) entriesKey(sessionID string) string {
	return s.config.KeyPrefix + ":" + sessionID + ":entries"
}

func validateSessionID(id string) error {
	if id == "" || len(id) > 128 {
		return ErrInvalidSessionID
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return fmt.Errorf("%w: %q", ErrInvalidSessionID, id)
		}
	}
	return nil
}
