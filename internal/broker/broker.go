// Package broker defines the minimal key-value/streams contract the
// orchestrator core consumes (spec §6), plus two implementations: a
// Redis-backed one for production and a local, single-process one backed
// by bbolt for tests and standalone operation.
package broker

import (
	"context"
	"time"
)

// ZMember is one entry of a sorted-set add, mirroring redis.Z.
type ZMember struct {
	Score  float64
	Member string
}

// Message is one pub/sub delivery.
type Message struct {
	Channel string
	Payload string
}

// Subscription is a live pattern subscription.
type Subscription interface {
	// Channel returns the delivery channel; closed when Close is called.
	Channel() <-chan Message
	Close() error
}

// Broker is the atomic-move, lists/sorted-sets/hashes/pubsub surface every
// core subsystem is built on. No subsystem talks to a concrete Redis
// client directly — they only ever see this interface, so the queue
// fabric, retry engine, hook registry, and transaction logger are each
// trivially testable against the local implementation.
type Broker interface {
	// Lists
	RPush(ctx context.Context, key string, values ...string) error
	LPush(ctx context.Context, key string, values ...string) error
	LRem(ctx context.Context, key string, count int64, value string) error
	LLen(ctx context.Context, key string) (int64, error)
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)

	// BRPopLPush atomically moves the tail of source onto the head of
	// dest, blocking up to timeout. Returns ("", nil) on timeout with no
	// element available — never partially moves an element.
	BRPopLPush(ctx context.Context, source, dest string, timeout time.Duration) (string, error)

	// Sorted sets
	ZAdd(ctx context.Context, key string, members ...ZMember) error
	ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error)
	ZRem(ctx context.Context, key string, members ...string) error
	ZRemRangeByScore(ctx context.Context, key string, min, max float64) error
	ZCard(ctx context.Context, key string) (int64, error)
	ZScore(ctx context.Context, key, member string) (float64, bool, error)

	// Hashes
	HSet(ctx context.Context, key string, fields map[string]string) error
	HGet(ctx context.Context, key, field string) (string, bool, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HIncrBy(ctx context.Context, key, field string, incr int64) (int64, error)
	HIncrByFloat(ctx context.Context, key, field string, incr float64) (float64, error)
	HDel(ctx context.Context, key string, fields ...string) error

	// Sets
	SAdd(ctx context.Context, key string, members ...string) error
	SCard(ctx context.Context, key string) (int64, error)

	// Strings / generic
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, bool, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	Keys(ctx context.Context, pattern string) ([]string, error)

	// Pub/Sub
	Publish(ctx context.Context, channel, payload string) error
	PSubscribe(ctx context.Context, pattern string) (Subscription, error)

	Close() error
}
