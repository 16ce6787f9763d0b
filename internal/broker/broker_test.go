package broker

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

// newRedisTestBroker spins up a miniredis instance and wraps it with the
// same Redis implementation production uses, following the teacher
// framework's miniredis test pattern (orchestration/hitl_checkpoint_store_test.go).
func newRedisTestBroker(t *testing.T) (*miniredis.Miniredis, *Redis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)

	b, err := NewRedis(RedisOptions{URL: "redis://" + mr.Addr()})
	require.NoError(t, err)

	t.Cleanup(func() {
		b.Close()
		mr.Close()
	})
	return mr, b
}

func newLocalTestBroker(t *testing.T) *Local {
	t.Helper()
	l, err := NewLocal("", nil)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

// brokerFactories lets every test below run against both implementations,
// so a conformance bug in either backend surfaces immediately.
func brokerFactories(t *testing.T) map[string]Broker {
	_, redisBroker := newRedisTestBroker(t)
	localBroker := newLocalTestBroker(t)
	return map[string]Broker{
		"redis": redisBroker,
		"local": localBroker,
	}
}

func TestBroker_ListOps(t *testing.T) {
	for name, b := range brokerFactories(t) {
		b := b
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, b.RPush(ctx, "q", "a", "b"))
			require.NoError(t, b.LPush(ctx, "q", "z"))

			n, err := b.LLen(ctx, "q")
			require.NoError(t, err)
			require.Equal(t, int64(3), n)

			vals, err := b.LRange(ctx, "q", 0, -1)
			require.NoError(t, err)
			require.Equal(t, []string{"z", "a", "b"}, vals)

			require.NoError(t, b.LRem(ctx, "q", 0, "a"))
			vals, err = b.LRange(ctx, "q", 0, -1)
			require.NoError(t, err)
			require.Equal(t, []string{"z", "b"}, vals)
		})
	}
}

func TestBroker_BRPopLPush_MovesAtomically(t *testing.T) {
	for name, b := range brokerFactories(t) {
		b := b
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, b.RPush(ctx, "ready", "task-1"))

			val, err := b.BRPopLPush(ctx, "ready", "inflight", time.Second)
			require.NoError(t, err)
			require.Equal(t, "task-1", val)

			n, err := b.LLen(ctx, "ready")
			require.NoError(t, err)
			require.Equal(t, int64(0), n)

			inflight, err := b.LRange(ctx, "inflight", 0, -1)
			require.NoError(t, err)
			require.Equal(t, []string{"task-1"}, inflight)
		})
	}
}

func TestBroker_BRPopLPush_TimesOutOnEmptySource(t *testing.T) {
	for name, b := range brokerFactories(t) {
		b := b
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			val, err := b.BRPopLPush(ctx, "empty", "dest", 50*time.Millisecond)
			require.NoError(t, err)
			require.Empty(t, val)
		})
	}
}

func TestBroker_SortedSets(t *testing.T) {
	for name, b := range brokerFactories(t) {
		b := b
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, b.ZAdd(ctx, "retry:scheduled",
				ZMember{Score: 100, Member: "task-a"},
				ZMember{Score: 200, Member: "task-b"},
				ZMember{Score: 300, Member: "task-c"},
			))

			due, err := b.ZRangeByScore(ctx, "retry:scheduled", 0, 200)
			require.NoError(t, err)
			require.Equal(t, []string{"task-a", "task-b"}, due)

			card, err := b.ZCard(ctx, "retry:scheduled")
			require.NoError(t, err)
			require.Equal(t, int64(3), card)

			score, ok, err := b.ZScore(ctx, "retry:scheduled", "task-b")
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, float64(200), score)

			require.NoError(t, b.ZRem(ctx, "retry:scheduled", "task-a"))
			card, err = b.ZCard(ctx, "retry:scheduled")
			require.NoError(t, err)
			require.Equal(t, int64(2), card)

			require.NoError(t, b.ZRemRangeByScore(ctx, "retry:scheduled", 0, 250))
			card, err = b.ZCard(ctx, "retry:scheduled")
			require.NoError(t, err)
			require.Equal(t, int64(1), card)
		})
	}
}

func TestBroker_Hashes(t *testing.T) {
	for name, b := range brokerFactories(t) {
		b := b
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, b.HSet(ctx, "metrics:agent:worker-1", map[string]string{
				"completed": "0",
			}))

			n, err := b.HIncrBy(ctx, "metrics:agent:worker-1", "completed", 3)
			require.NoError(t, err)
			require.Equal(t, int64(3), n)

			f, err := b.HIncrByFloat(ctx, "metrics:agent:worker-1", "avg_latency_ms", 12.5)
			require.NoError(t, err)
			require.Equal(t, 12.5, f)

			val, ok, err := b.HGet(ctx, "metrics:agent:worker-1", "completed")
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, "3", val)

			all, err := b.HGetAll(ctx, "metrics:agent:worker-1")
			require.NoError(t, err)
			require.Equal(t, "3", all["completed"])

			require.NoError(t, b.HDel(ctx, "metrics:agent:worker-1", "completed"))
			_, ok, err = b.HGet(ctx, "metrics:agent:worker-1", "completed")
			require.NoError(t, err)
			require.False(t, ok)
		})
	}
}

func TestBroker_Sets(t *testing.T) {
	for name, b := range brokerFactories(t) {
		b := b
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, b.SAdd(ctx, "seen", "a", "b", "a"))
			n, err := b.SCard(ctx, "seen")
			require.NoError(t, err)
			require.Equal(t, int64(2), n)
		})
	}
}

func TestBroker_StringsAndExpiry(t *testing.T) {
	for name, b := range brokerFactories(t) {
		b := b
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, b.Set(ctx, "routing:decision:task-1", `{"model":"gpt-4"}`, 0))

			val, ok, err := b.Get(ctx, "routing:decision:task-1")
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, `{"model":"gpt-4"}`, val)

			require.NoError(t, b.Del(ctx, "routing:decision:task-1"))
			_, ok, err = b.Get(ctx, "routing:decision:task-1")
			require.NoError(t, err)
			require.False(t, ok)

			keys, err := b.Keys(ctx, "routing:*")
			require.NoError(t, err)
			require.Empty(t, keys)
		})
	}
}

func TestBroker_PubSub(t *testing.T) {
	for name, b := range brokerFactories(t) {
		b := b
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			sub, err := b.PSubscribe(ctx, "queue:*:*")
			require.NoError(t, err)
			defer sub.Close()

			time.Sleep(20 * time.Millisecond) // let the subscription register
			require.NoError(t, b.Publish(ctx, "queue:worker-1:enqueued", `{"task_id":"t1"}`))

			select {
			case msg := <-sub.Channel():
				require.Equal(t, "queue:worker-1:enqueued", msg.Channel)
				require.Equal(t, `{"task_id":"t1"}`, msg.Payload)
			case <-time.After(time.Second):
				t.Fatal("timed out waiting for published message")
			}
		})
	}
}
