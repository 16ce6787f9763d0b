package broker

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/taskmesh/orchestrator/internal/errs"
	"github.com/taskmesh/orchestrator/internal/logging"
)

// Redis implements Broker on top of go-redis/v8.
type Redis struct {
	client *redis.Client
	logger logging.Logger
}

// RedisOptions configures the Redis-backed broker.
type RedisOptions struct {
	URL    string
	Logger logging.Logger
}

// NewRedis connects to Redis and verifies the connection with a ping,
// following the teacher framework's redis client construction pattern.
func NewRedis(opts RedisOptions) (*Redis, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("redis url is required: %w", errs.ErrInvalidConfiguration)
	}
	redisOpt, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", errs.ErrInvalidConfiguration)
	}
	client := redis.NewClient(redisOpt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", errs.ErrConnectionFailed)
	}

	logger := opts.Logger
	if logger == nil {
		logger = logging.NoOp{}
	}
	logger.Info("broker connected", map[string]interface{}{"backend": "redis"})

	return &Redis{client: client, logger: logger}, nil
}

func (r *Redis) RPush(ctx context.Context, key string, values ...string) error {
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	return r.client.RPush(ctx, key, args...).Err()
}

func (r *Redis) LPush(ctx context.Context, key string, values ...string) error {
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	return r.client.LPush(ctx, key, args...).Err()
}

func (r *Redis) LRem(ctx context.Context, key string, count int64, value string) error {
	return r.client.LRem(ctx, key, count, value).Err()
}

func (r *Redis) LLen(ctx context.Context, key string) (int64, error) {
	return r.client.LLen(ctx, key).Result()
}

func (r *Redis) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return r.client.LRange(ctx, key, start, stop).Result()
}

func (r *Redis) BRPopLPush(ctx context.Context, source, dest string, timeout time.Duration) (string, error) {
	val, err := r.client.BRPopLPush(ctx, source, dest, timeout).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return val, nil
}

func (r *Redis) ZAdd(ctx context.Context, key string, members ...ZMember) error {
	zs := make([]*redis.Z, len(members))
	for i, m := range members {
		zs[i] = &redis.Z{Score: m.Score, Member: m.Member}
	}
	return r.client.ZAdd(ctx, key, zs...).Err()
}

func (r *Redis) ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error) {
	return r.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: strconv.FormatFloat(min, 'f', -1, 64),
		Max: strconv.FormatFloat(max, 'f', -1, 64),
	}).Result()
}

func (r *Redis) ZRem(ctx context.Context, key string, members ...string) error {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return r.client.ZRem(ctx, key, args...).Err()
}

func (r *Redis) ZRemRangeByScore(ctx context.Context, key string, min, max float64) error {
	return r.client.ZRemRangeByScore(ctx, key,
		strconv.FormatFloat(min, 'f', -1, 64),
		strconv.FormatFloat(max, 'f', -1, 64)).Err()
}

func (r *Redis) ZCard(ctx context.Context, key string) (int64, error) {
	return r.client.ZCard(ctx, key).Result()
}

func (r *Redis) ZScore(ctx context.Context, key, member string) (float64, bool, error) {
	score, err := r.client.ZScore(ctx, key, member).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return score, true, nil
}

func (r *Redis) HSet(ctx context.Context, key string, fields map[string]string) error {
	args := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return r.client.HSet(ctx, key, args...).Err()
}

func (r *Redis) HGet(ctx context.Context, key, field string) (string, bool, error) {
	val, err := r.client.HGet(ctx, key, field).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (r *Redis) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return r.client.HGetAll(ctx, key).Result()
}

func (r *Redis) HIncrBy(ctx context.Context, key, field string, incr int64) (int64, error) {
	return r.client.HIncrBy(ctx, key, field, incr).Result()
}

func (r *Redis) HIncrByFloat(ctx context.Context, key, field string, incr float64) (float64, error) {
	return r.client.HIncrByFloat(ctx, key, field, incr).Result()
}

func (r *Redis) HDel(ctx context.Context, key string, fields ...string) error {
	return r.client.HDel(ctx, key, fields...).Err()
}

func (r *Redis) SAdd(ctx context.Context, key string, members ...string) error {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return r.client.SAdd(ctx, key, args...).Err()
}

func (r *Redis) SCard(ctx context.Context, key string) (int64, error) {
	return r.client.SCard(ctx, key).Result()
}

func (r *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

func (r *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (r *Redis) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return r.client.Expire(ctx, key, ttl).Err()
}

func (r *Redis) Del(ctx context.Context, keys ...string) error {
	return r.client.Del(ctx, keys...).Err()
}

func (r *Redis) Keys(ctx context.Context, pattern string) ([]string, error) {
	return r.client.Keys(ctx, pattern).Result()
}

func (r *Redis) Publish(ctx context.Context, channel, payload string) error {
	return r.client.Publish(ctx, channel, payload).Err()
}

type redisSubscription struct {
	ps  *redis.PubSub
	out chan Message
	done chan struct{}
}

func (s *redisSubscription) Channel() <-chan Message { return s.out }

func (s *redisSubscription) Close() error {
	close(s.done)
	return s.ps.Close()
}

func (r *Redis) PSubscribe(ctx context.Context, pattern string) (Subscription, error) {
	ps := r.client.PSubscribe(ctx, pattern)
	if _, err := ps.Receive(ctx); err != nil {
		return nil, err
	}
	sub := &redisSubscription{ps: ps, out: make(chan Message, 256), done: make(chan struct{})}
	native := ps.Channel()
	go func() {
		defer close(sub.out)
		for {
			select {
			case <-sub.done:
				return
			case msg, ok := <-native:
				if !ok {
					return
				}
				select {
				case sub.out <- Message{Channel: msg.Channel, Payload: msg.Payload}:
				case <-sub.done:
					return
				}
			}
		}
	}()
	return sub, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
