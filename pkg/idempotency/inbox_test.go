package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func counting(calls *int, result string, err error) ProcessFunc {
	return func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		*calls++
		if err != nil {
			return nil, err
		}
		return json.RawMessage(result), nil
	}
}

func exerciseInbox(t *testing.T, inbox Inbox) {
	ctx := context.Background()

	t.Run("second delivery is skipped", func(t *testing.T) {
		calls := 0
		fn := counting(&calls, `{"channel":"phone"}`, nil)

		first, err := inbox.Process(ctx, "event-1", "analyze", nil, fn)
		require.NoError(t, err)
		assert.True(t, first.IsNew)

		second, err := inbox.Process(ctx, "event-1", "analyze", nil, fn)
		require.NoError(t, err)
		assert.False(t, second.IsNew)
		assert.JSONEq(t, `{"channel":"phone"}`, string(second.Result))
		assert.Equal(t, 1, calls)
	})

	t.Run("retryable failure allows redelivery", func(t *testing.T) {
		calls := 0
		_, err := inbox.Process(ctx, "event-2", "analyze", nil, counting(&calls, "", errors.New("directory down")))
		require.Error(t, err)

		res, err := inbox.Process(ctx, "event-2", "analyze", nil, counting(&calls, `{}`, nil))
		require.NoError(t, err)
		assert.NotNil(t, res)
		assert.Equal(t, 2, calls)
	})

	t.Run("terminal failure is remembered", func(t *testing.T) {
		calls := 0
		boom := errors.New("patient does not exist")
		_, err := inbox.Process(ctx, "event-3", "analyze", nil, counting(&calls, "", Terminal(boom)))
		assert.ErrorIs(t, err, boom)

		_, err = inbox.Process(ctx, "event-3", "analyze", nil, counting(&calls, `{}`, nil))
		assert.ErrorIs(t, err, ErrPreviouslyFailed)
		assert.Equal(t, 1, calls)
	})

	t.Run("keys are scoped per handler", func(t *testing.T) {
		calls := 0
		_, err := inbox.Process(ctx, "event-4", "analyze", nil, counting(&calls, `{}`, nil))
		require.NoError(t, err)
		_, err = inbox.Process(ctx, "event-4", "audit", nil, counting(&calls, `{}`, nil))
		require.NoError(t, err)
		assert.Equal(t, 2, calls)
	})
}

func TestMemoryInbox(t *testing.T) {
	exerciseInbox(t, NewMemoryInbox(DefaultInboxConfig()))
}

func TestRedisInbox(t *testing.T) {
	url := os.Getenv("LABWATCH_TEST_REDIS_URL")
	if url == "" {
		t.Skip("LABWATCH_TEST_REDIS_URL not set")
	}
	opts, err := redis.ParseURL(url)
	require.NoError(t, err)
	client := redis.NewClient(opts)
	defer client.Close()
	require.NoError(t, client.FlushDB(context.Background()).Err())

	exerciseInbox(t, NewRedisInbox(client, DefaultInboxConfig(), nil))
}

func TestInProgressEntryExpires(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	cfg := DefaultInboxConfig()
	inbox := newKVInbox(newMemoryBackend(clock.now), cfg, nil)
	ctx := context.Background()

	blocked := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = inbox.Process(ctx, "event-5", "analyze", nil, func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
			close(blocked)
			<-release
			return json.RawMessage(`{}`), nil
		})
	}()
	<-blocked

	calls := 0
	_, err := inbox.Process(ctx, "event-5", "analyze", nil, counting(&calls, `{}`, nil))
	assert.ErrorIs(t, err, ErrMessageInProgress)

	clock.t = clock.t.Add(cfg.RecoveryTimeout)
	_, err = inbox.Process(ctx, "event-5", "analyze", nil, counting(&calls, `{}`, nil))
	assert.NoError(t, err)
	assert.Equal(t, 1, calls)

	close(release)
	<-done
}

func TestKeyIsDeterministic(t *testing.T) {
	assert.Equal(t, Key("analyze", "3"), Key("analyze", "3"))
	assert.NotEqual(t, Key("analyze", "3"), Key("analyze", "4"))
	assert.Len(t, Key("x"), 64)
}

func TestTerminal(t *testing.T) {
	assert.Nil(t, Terminal(nil))
	base := errors.New("x")
	assert.True(t, IsTerminal(Terminal(base)))
	assert.False(t, IsTerminal(base))
	assert.ErrorIs(t, Terminal(base), base)
}
