package store

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used by every other package's tests
// in place of a real Redis connection. It implements the same CAS and
// rate-limit semantics as RedisStore so tests exercise real contract
// behavior, not a stub that always succeeds.
type MemoryStore struct {
	mu sync.Mutex

	strings map[string]string
	expiry  map[string]time.Time
	hashes  map[string]map[string]string
	zsets   map[string]map[string]float64
	lists   map[string][]string

	subs map[string][]chan string
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		strings: make(map[string]string),
		expiry:  make(map[string]time.Time),
		hashes:  make(map[string]map[string]string),
		zsets:   make(map[string]map[string]float64),
		lists:   make(map[string][]string),
		subs:    make(map[string][]chan string),
	}
}

func (m *MemoryStore) expired(key string) bool {
	at, ok := m.expiry[key]
	return ok && time.Now().After(at)
}

func (m *MemoryStore) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.expired(key) {
		delete(m.strings, key)
		return "", nil
	}
	return m.strings[key], nil
}

func (m *MemoryStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.strings[key] = value
	if ttl > 0 {
		m.expiry[key] = time.Now().Add(ttl)
	} else {
		delete(m.expiry, key)
	}
	return nil
}

func (m *MemoryStore) Del(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.strings, k)
		delete(m.expiry, k)
		delete(m.hashes, k)
		delete(m.zsets, k)
		delete(m.lists, k)
	}
	return nil
}

func (m *MemoryStore) HGet(_ context.Context, key, field string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hashes[key][field], nil
}

func (m *MemoryStore) HSet(_ context.Context, key, field, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.hashes[key] == nil {
		m.hashes[key] = make(map[string]string)
	}
	m.hashes[key][field] = value
	return nil
}

func (m *MemoryStore) HDel(_ context.Context, key string, fields ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, f := range fields {
		delete(m.hashes[key], f)
	}
	return nil
}

func (m *MemoryStore) HGetAll(_ context.Context, key string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.hashes[key]))
	for k, v := range m.hashes[key] {
		out[k] = v
	}
	return out, nil
}

func (m *MemoryStore) ZAdd(_ context.Context, key string, score float64, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.zsets[key] == nil {
		m.zsets[key] = make(map[string]float64)
	}
	m.zsets[key][member] = score
	return nil
}

func (m *MemoryStore) ZRem(_ context.Context, key string, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.zsets[key], member)
	return nil
}

func (m *MemoryStore) ZRangeByScore(_ context.Context, key string, min, max float64, limit int64) ([]ZMember, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return zRange(m.zsets[key], min, max, limit, false), nil
}

func (m *MemoryStore) ZRevRangeByScore(_ context.Context, key string, max, min float64, limit int64) ([]ZMember, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return zRange(m.zsets[key], min, max, limit, true), nil
}

func zRange(set map[string]float64, min, max float64, limit int64, desc bool) []ZMember {
	members := make([]ZMember, 0, len(set))
	for member, score := range set {
		if score >= min && score <= max {
			members = append(members, ZMember{Member: member, Score: score})
		}
	}
	sort.Slice(members, func(i, j int) bool {
		if desc {
			return members[i].Score > members[j].Score
		}
		return members[i].Score < members[j].Score
	})
	if limit > 0 && int64(len(members)) > limit {
		members = members[:limit]
	}
	return members
}

func (m *MemoryStore) LPush(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lists[key] = append([]string{value}, m.lists[key]...)
	return nil
}

func (m *MemoryStore) LRange(_ context.Context, key string, start, stop int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.lists[key]
	n := int64(len(list))
	if n == 0 {
		return nil, nil
	}
	if stop < 0 || stop >= n {
		stop = n - 1
	}
	if start < 0 {
		start = 0
	}
	if start > stop {
		return nil, nil
	}
	out := make([]string, stop-start+1)
	copy(out, list[start:stop+1])
	return out, nil
}

func (m *MemoryStore) Incr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.expired(key) {
		delete(m.strings, key)
	}
	created := m.strings[key] == ""
	var n int64
	if m.strings[key] != "" {
		n, _ = strconv.ParseInt(m.strings[key], 10, 64)
	}
	n++
	m.strings[key] = strconv.FormatInt(n, 10)
	if created && ttl > 0 {
		m.expiry[key] = time.Now().Add(ttl)
	}
	return n, nil
}

func (m *MemoryStore) Decr(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	if m.strings[key] != "" {
		n, _ = strconv.ParseInt(m.strings[key], 10, 64)
	}
	n--
	if n < 0 {
		n = 0
	}
	m.strings[key] = strconv.FormatInt(n, 10)
	return n, nil
}

func (m *MemoryStore) CAS(_ context.Context, key string, wantOld []string, newValue string, allowMissing bool, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.expired(key) {
		delete(m.strings, key)
	}
	current, exists := m.strings[key]
	matched := false
	if !exists {
		matched = allowMissing
	} else {
		for _, want := range wantOld {
			if want == current {
				matched = true
				break
			}
		}
	}
	if !matched {
		return false, nil
	}
	m.strings[key] = newValue
	if ttl > 0 {
		m.expiry[key] = time.Now().Add(ttl)
	}
	return true, nil
}

func (m *MemoryStore) Publish(_ context.Context, channel, payload string) error {
	m.mu.Lock()
	subs := append([]chan string{}, m.subs[channel]...)
	m.mu.Unlock()
	for _, ch := range subs {
		ch <- payload
	}
	return nil
}

func (m *MemoryStore) Subscribe(_ context.Context, channel string) (<-chan string, func(), error) {
	ch := make(chan string, 16)
	m.mu.Lock()
	m.subs[channel] = append(m.subs[channel], ch)
	m.mu.Unlock()

	cancel := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		subs := m.subs[channel]
		for i, c := range subs {
			if c == ch {
				m.subs[channel] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		close(ch)
	}
	return ch, cancel, nil
}

func (m *MemoryStore) Ping(_ context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }
