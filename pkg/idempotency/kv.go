package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// errKeyMissing is returned by kvBackend.get for unknown keys
var errKeyMissing = errors.New("key missing")

// kvBackend is the small subset of a key-value store the inbox needs.
// Expiry replaces the stale-entry recovery the Postgres inbox does by query.
type kvBackend interface {
	setNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	get(ctx context.Context, key string) ([]byte, error)
	del(ctx context.Context, key string) error
}

type kvRecord struct {
	Status Status          `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
}

// KVInbox is an Inbox over a key-value store
type KVInbox struct {
	backend kvBackend
	prefix  string
	config  InboxConfig
	logger  *zap.Logger
}

var _ Inbox = (*KVInbox)(nil)

// NewRedisInbox creates an inbox storing entries in Redis
func NewRedisInbox(client redis.UniversalClient, cfg InboxConfig, logger *zap.Logger) *KVInbox {
	return newKVInbox(redisBackend{client: client}, cfg, logger)
}

// NewMemoryInbox creates an in-process inbox
func NewMemoryInbox(cfg InboxConfig) *KVInbox {
	return newKVInbox(newMemoryBackend(time.Now), cfg, nil)
}

func newKVInbox(backend kvBackend, cfg InboxConfig, logger *zap.Logger) *KVInbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = DefaultInboxConfig().RecoveryTimeout
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = DefaultInboxConfig().DefaultTTL
	}
	return &KVInbox{backend: backend, prefix: "labwatch:inbox:", config: cfg, logger: logger}
}

// Process implements Inbox
func (i *KVInbox) Process(ctx context.Context, key, handlerName string, payload json.RawMessage, fn ProcessFunc) (*ProcessResult, error) {
	k := i.prefix + handlerName + ":" + key

	started, _ := json.Marshal(kvRecord{Status: StatusStarted})
	claimed, err := i.backend.setNX(ctx, k, started, i.config.RecoveryTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to claim inbox key: %w", err)
	}

	if !claimed {
		raw, err := i.backend.get(ctx, k)
		if errors.Is(err, errKeyMissing) {
			// Expired between the two calls; the next delivery will claim it.
			return nil, ErrMessageInProgress
		}
		if err != nil {
			return nil, fmt.Errorf("failed to check inbox: %w", err)
		}

		var rec kvRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("corrupt inbox entry %s: %w", k, err)
		}
		switch rec.Status {
		case StatusFinished:
			return &ProcessResult{IsNew: false, Result: rec.Result}, nil
		case StatusFailed:
			return nil, fmt.Errorf("%w: %s", ErrPreviouslyFailed, key)
		default:
			return nil, ErrMessageInProgress
		}
	}

	result, handlerErr := fn(ctx, payload)
	if handlerErr != nil {
		if IsTerminal(handlerErr) {
			i.store(ctx, k, kvRecord{Status: StatusFailed, Result: errorResult(handlerErr)})
		} else if err := i.backend.del(ctx, k); err != nil {
			i.logger.Error("failed to release inbox key", zap.String("key", k), zap.Error(err))
		}
		return nil, handlerErr
	}

	i.store(ctx, k, kvRecord{Status: StatusFinished, Result: result})
	return &ProcessResult{IsNew: true, Result: result}, nil
}

func (i *KVInbox) store(ctx context.Context, k string, rec kvRecord) {
	raw, err := json.Marshal(rec)
	if err == nil {
		err = i.backend.set(ctx, k, raw, i.config.DefaultTTL)
	}
	if err != nil {
		i.logger.Error("failed to store inbox status",
			zap.String("key", k),
			zap.String("status", string(rec.Status)),
			zap.Error(err))
	}
}

type redisBackend struct{ client redis.UniversalClient }

func (b redisBackend) setNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	return b.client.SetNX(ctx, key, value, ttl).Result()
}

func (b redisBackend) set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return b.client.Set(ctx, key, value, ttl).Err()
}

func (b redisBackend) get(ctx context.Context, key string) ([]byte, error) {
	raw, err := b.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, errKeyMissing
	}
	return raw, err
}

func (b redisBackend) del(ctx context.Context, key string) error {
	return b.client.Del(ctx, key).Err()
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

type memoryBackend struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

func newMemoryBackend(now func() time.Time) *memoryBackend {
	return &memoryBackend{entries: make(map[string]memoryEntry), now: now}
}

func (b *memoryBackend) live(key string) (memoryEntry, bool) {
	e, ok := b.entries[key]
	if ok && !b.now().Before(e.expiresAt) {
		delete(b.entries, key)
		return memoryEntry{}, false
	}
	return e, ok
}

func (b *memoryBackend) setNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.live(key); ok {
		return false, nil
	}
	b.entries[key] = memoryEntry{value: value, expiresAt: b.now().Add(ttl)}
	return true, nil
}

func (b *memoryBackend) set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[key] = memoryEntry{value: value, expiresAt: b.now().Add(ttl)}
	return nil
}

func (b *memoryBackend) get(ctx context.Context, key string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.live(key)
	if !ok {
		return nil, errKeyMissing
	}
	return e.value, nil
}

func (b *memoryBackend) del(ctx context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries, key)
	return nil
}
