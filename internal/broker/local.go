package broker

import (
	"context"
	"encoding/json"
	"path"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/taskmesh/orchestrator/internal/logging"
)

// kvBucket is the single bbolt bucket used to durably mirror the
// in-memory state so a --standalone process (or a test) can restart
// without losing queued work. bbolt gives us a crash-safe write-through
// log without standing up a real Redis, which is exactly the role it
// plays in the teacher ecosystem's orchestrator (boltdb-backed local
// state store).
var kvBucket = []byte("orchestrator_kv")

type stringEntry struct {
	Value     string    `json:"value"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// snapshot is what gets marshaled into bbolt per key; only one of the
// fields is populated depending on the key's Redis "type".
type snapshot struct {
	List   []string           `json:"list,omitempty"`
	ZSet   map[string]float64 `json:"zset,omitempty"`
	Hash   map[string]string  `json:"hash,omitempty"`
	Set    []string           `json:"set,omitempty"`
	String *stringEntry       `json:"string,omitempty"`
}

// Local is a single-process Broker implementation: an in-memory,
// single-writer-mutex-protected store (the per-process cache pattern the
// design notes call for) mirrored into bbolt for durability, with an
// in-memory pub/sub fan-out standing in for Redis PSUBSCRIBE/PUBLISH.
//
// It satisfies the exact same Broker interface as the Redis
// implementation, so the full core (queue fabric, retry engine, hook
// registry, transaction logger) can run — and its invariants be tested —
// without a live Redis.
type Local struct {
	mu sync.Mutex

	db *bolt.DB

	lists  map[string][]string
	zsets  map[string]map[string]float64
	hashes map[string]map[string]string
	sets   map[string]map[string]struct{}
	strs   map[string]stringEntry

	subsMu sync.RWMutex
	subs   []*localSubscription

	logger logging.Logger
}

type localSubscription struct {
	pattern string
	out     chan Message
	closed  bool
}

func (s *localSubscription) Channel() <-chan Message { return s.out }

// NewLocal opens (or creates) the bbolt file at path and rehydrates
// in-memory state from it. Pass "" for path to run purely in-memory
// (used by unit tests that don't care about durability).
func NewLocal(dbPath string, logger logging.Logger) (*Local, error) {
	l := &Local{
		lists:  make(map[string][]string),
		zsets:  make(map[string]map[string]float64),
		hashes: make(map[string]map[string]string),
		sets:   make(map[string]map[string]struct{}),
		strs:   make(map[string]stringEntry),
		logger: logger,
	}
	if l.logger == nil {
		l.logger = logging.NoOp{}
	}

	if dbPath != "" {
		db, err := bolt.Open(dbPath, 0o600, &bolt.Options{Timeout: 2 * time.Second})
		if err != nil {
			return nil, err
		}
		if err := db.Update(func(tx *bolt.Tx) error {
			_, err := tx.CreateBucketIfNotExists(kvBucket)
			return err
		}); err != nil {
			db.Close()
			return nil, err
		}
		l.db = db
		if err := l.rehydrate(); err != nil {
			db.Close()
			return nil, err
		}
	}

	l.logger.Info("broker connected", map[string]interface{}{"backend": "local"})
	return l, nil
}

func (l *Local) rehydrate() error {
	return l.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(kvBucket)
		return b.ForEach(func(k, v []byte) error {
			var snap snapshot
			if err := json.Unmarshal(v, &snap); err != nil {
				return nil // skip corrupt entries rather than fail startup
			}
			key := string(k)
			switch {
			case snap.List != nil:
				l.lists[key] = snap.List
			case snap.ZSet != nil:
				l.zsets[key] = snap.ZSet
			case snap.Hash != nil:
				l.hashes[key] = snap.Hash
			case snap.Set != nil:
				set := make(map[string]struct{}, len(snap.Set))
				for _, m := range snap.Set {
					set[m] = struct{}{}
				}
				l.sets[key] = set
			case snap.String != nil:
				l.strs[key] = *snap.String
			}
			return nil
		})
	})
}

// persist writes the current in-memory value of key to bbolt. Called with
// l.mu held. No-op when running without a db file.
func (l *Local) persist(key string) {
	if l.db == nil {
		return
	}
	var snap snapshot
	if v, ok := l.lists[key]; ok {
		snap.List = v
	}
	if v, ok := l.zsets[key]; ok {
		snap.ZSet = v
	}
	if v, ok := l.hashes[key]; ok {
		snap.Hash = v
	}
	if v, ok := l.sets[key]; ok {
		members := make([]string, 0, len(v))
		for m := range v {
			members = append(members, m)
		}
		snap.Set = members
	}
	if v, ok := l.strs[key]; ok {
		entry := v
		snap.String = &entry
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return
	}
	_ = l.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(kvBucket).Put([]byte(key), data)
	})
}

func (l *Local) deletePersisted(key string) {
	if l.db == nil {
		return
	}
	_ = l.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(kvBucket).Delete([]byte(key))
	})
}

// --- Lists ---

func (l *Local) RPush(ctx context.Context, key string, values ...string) error {
	l.mu.Lock()
	l.lists[key] = append(l.lists[key], values...)
	l.persist(key)
	l.mu.Unlock()
	return nil
}

func (l *Local) LPush(ctx context.Context, key string, values ...string) error {
	l.mu.Lock()
	for _, v := range values {
		l.lists[key] = append([]string{v}, l.lists[key]...)
	}
	l.persist(key)
	l.mu.Unlock()
	return nil
}

func (l *Local) LRem(ctx context.Context, key string, count int64, value string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	lst := l.lists[key]
	out := lst[:0:0]
	removed := int64(0)
	for _, v := range lst {
		if v == value && (count == 0 || removed < count) {
			removed++
			continue
		}
		out = append(out, v)
	}
	l.lists[key] = out
	l.persist(key)
	return nil
}

func (l *Local) LLen(ctx context.Context, key string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return int64(len(l.lists[key])), nil
}

func (l *Local) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lst := l.lists[key]
	n := int64(len(lst))
	if n == 0 {
		return nil, nil
	}
	if start < 0 {
		start = n + start
	}
	if stop < 0 {
		stop = n + stop
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop {
		return nil, nil
	}
	out := make([]string, stop-start+1)
	copy(out, lst[start:stop+1])
	return out, nil
}

// BRPopLPush polls for an element on source every 20ms (well under the
// spec's 5s retry tick) until one appears or timeout/ctx elapses, then
// atomically (under l.mu) pops the tail of source onto the head of dest.
func (l *Local) BRPopLPush(ctx context.Context, source, dest string, timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)
	if timeout <= 0 {
		deadline = time.Now().Add(24 * time.Hour)
	}
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		l.mu.Lock()
		lst := l.lists[source]
		if len(lst) > 0 {
			val := lst[len(lst)-1]
			l.lists[source] = lst[:len(lst)-1]
			l.lists[dest] = append([]string{val}, l.lists[dest]...)
			l.persist(source)
			l.persist(dest)
			l.mu.Unlock()
			return val, nil
		}
		l.mu.Unlock()

		if time.Now().After(deadline) {
			return "", nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

// --- Sorted sets ---

func (l *Local) ZAdd(ctx context.Context, key string, members ...ZMember) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	z := l.zsets[key]
	if z == nil {
		z = make(map[string]float64)
		l.zsets[key] = z
	}
	for _, m := range members {
		z[m.Member] = m.Score
	}
	l.persist(key)
	return nil
}

func (l *Local) ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	type pair struct {
		member string
		score  float64
	}
	var pairs []pair
	for m, s := range l.zsets[key] {
		if s >= min && s <= max {
			pairs = append(pairs, pair{m, s})
		}
	}
	sortPairsByScore(pairs)
	out := make([]string, len(pairs))
	for i, p := range pairs {
		out[i] = p.member
	}
	return out, nil
}

func sortPairsByScore(pairs []struct {
	member string
	score  float64
}) {
	for i := 1; i < len(pairs); i++ {
		j := i
		for j > 0 && pairs[j-1].score > pairs[j].score {
			pairs[j-1], pairs[j] = pairs[j], pairs[j-1]
			j--
		}
	}
}

func (l *Local) ZRem(ctx context.Context, key string, members ...string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	z := l.zsets[key]
	for _, m := range members {
		delete(z, m)
	}
	l.persist(key)
	return nil
}

func (l *Local) ZRemRangeByScore(ctx context.Context, key string, min, max float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	z := l.zsets[key]
	for m, s := range z {
		if s >= min && s <= max {
			delete(z, m)
		}
	}
	l.persist(key)
	return nil
}

func (l *Local) ZCard(ctx context.Context, key string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return int64(len(l.zsets[key])), nil
}

func (l *Local) ZScore(ctx context.Context, key, member string) (float64, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	score, ok := l.zsets[key][member]
	return score, ok, nil
}

// --- Hashes ---

func (l *Local) HSet(ctx context.Context, key string, fields map[string]string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	h := l.hashes[key]
	if h == nil {
		h = make(map[string]string)
		l.hashes[key] = h
	}
	for k, v := range fields {
		h[k] = v
	}
	l.persist(key)
	return nil
}

func (l *Local) HGet(ctx context.Context, key, field string) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	v, ok := l.hashes[key][field]
	return v, ok, nil
}

func (l *Local) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]string, len(l.hashes[key]))
	for k, v := range l.hashes[key] {
		out[k] = v
	}
	return out, nil
}

func (l *Local) HIncrBy(ctx context.Context, key, field string, incr int64) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	h := l.hashes[key]
	if h == nil {
		h = make(map[string]string)
		l.hashes[key] = h
	}
	cur := parseInt(h[field])
	cur += incr
	h[field] = formatInt(cur)
	l.persist(key)
	return cur, nil
}

func (l *Local) HIncrByFloat(ctx context.Context, key, field string, incr float64) (float64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	h := l.hashes[key]
	if h == nil {
		h = make(map[string]string)
		l.hashes[key] = h
	}
	cur := parseFloat(h[field])
	cur += incr
	h[field] = formatFloat(cur)
	l.persist(key)
	return cur, nil
}

func (l *Local) HDel(ctx context.Context, key string, fields ...string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	h := l.hashes[key]
	for _, f := range fields {
		delete(h, f)
	}
	l.persist(key)
	return nil
}

// --- Sets ---

func (l *Local) SAdd(ctx context.Context, key string, members ...string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.sets[key]
	if s == nil {
		s = make(map[string]struct{})
		l.sets[key] = s
	}
	for _, m := range members {
		s[m] = struct{}{}
	}
	l.persist(key)
	return nil
}

func (l *Local) SCard(ctx context.Context, key string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return int64(len(l.sets[key])), nil
}

// --- Strings ---

func (l *Local) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry := stringEntry{Value: value}
	if ttl > 0 {
		entry.ExpiresAt = time.Now().Add(ttl)
	}
	l.strs[key] = entry
	l.persist(key)
	return nil
}

func (l *Local) Get(ctx context.Context, key string) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.strs[key]
	if !ok {
		return "", false, nil
	}
	if !entry.ExpiresAt.IsZero() && time.Now().After(entry.ExpiresAt) {
		delete(l.strs, key)
		l.deletePersisted(key)
		return "", false, nil
	}
	return entry.Value, true, nil
}

func (l *Local) Expire(ctx context.Context, key string, ttl time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.strs[key]
	if !ok {
		return nil
	}
	entry.ExpiresAt = time.Now().Add(ttl)
	l.strs[key] = entry
	l.persist(key)
	return nil
}

func (l *Local) Del(ctx context.Context, keys ...string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, k := range keys {
		delete(l.lists, k)
		delete(l.zsets, k)
		delete(l.hashes, k)
		delete(l.sets, k)
		delete(l.strs, k)
		l.deletePersisted(k)
	}
	return nil
}

func (l *Local) Keys(ctx context.Context, pattern string) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	seen := make(map[string]struct{})
	var out []string
	add := func(k string) {
		if ok, _ := path.Match(pattern, k); ok {
			if _, dup := seen[k]; !dup {
				seen[k] = struct{}{}
				out = append(out, k)
			}
		}
	}
	for k := range l.lists {
		add(k)
	}
	for k := range l.zsets {
		add(k)
	}
	for k := range l.hashes {
		add(k)
	}
	for k := range l.sets {
		add(k)
	}
	for k := range l.strs {
		add(k)
	}
	return out, nil
}

// --- Pub/Sub ---

func (l *Local) Publish(ctx context.Context, channel, payload string) error {
	l.subsMu.RLock()
	defer l.subsMu.RUnlock()
	for _, sub := range l.subs {
		if sub.closed {
			continue
		}
		if ok, _ := path.Match(sub.pattern, channel); ok {
			select {
			case sub.out <- Message{Channel: channel, Payload: payload}:
			default:
			}
		}
	}
	return nil
}

func (l *Local) PSubscribe(ctx context.Context, pattern string) (Subscription, error) {
	sub := &localSubscription{pattern: pattern, out: make(chan Message, 256)}
	l.subsMu.Lock()
	l.subs = append(l.subs, sub)
	l.subsMu.Unlock()
	return sub, nil
}

func (s *localSubscription) Close() error {
	s.closed = true
	close(s.out)
	return nil
}

func (l *Local) Close() error {
	if l.db != nil {
		return l.db.Close()
	}
	return nil
}
