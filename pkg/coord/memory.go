package coord

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"
)

type memValue struct {
	value     string
	expiresAt time.Time
}

func (v memValue) expired(now time.Time) bool {
	return !v.expiresAt.IsZero() && !now.Before(v.expiresAt)
}

// MemoryStore is an in-process Store. It is safe for concurrent use and
// serializes every operation behind one mutex.
type MemoryStore struct {
	mu     sync.Mutex
	values map[string]memValue
	lists  map[string][]string
	zsets  map[string]map[string]float64
	sets   map[string]map[string]struct{}
	subs   map[string]map[chan string]struct{}
	now    func() time.Time
	closed bool
}

// NewMemoryStore creates an empty in-process store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		values: make(map[string]memValue),
		lists:  make(map[string][]string),
		zsets:  make(map[string]map[string]float64),
		sets:   make(map[string]map[string]struct{}),
		subs:   make(map[string]map[chan string]struct{}),
		now:    time.Now,
	}
}

// SetClock replaces the clock used for key expiry
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// getLocked returns a live value, evicting it if expired
func (s *MemoryStore) getLocked(key string) (memValue, bool) {
	v, ok := s.values[key]
	if !ok {
		return memValue{}, false
	}
	if v.expired(s.now()) {
		delete(s.values, key)
		return memValue{}, false
	}
	return v, true
}

func (s *MemoryStore) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return s.now().Add(ttl)
}

func (s *MemoryStore) ListPush(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lists[key] = append(s.lists[key], value)
	return nil
}

func (s *MemoryStore) ListRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.lists[key]
	n := int64(len(list))
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if n == 0 || start > stop {
		return []string{}, nil
	}
	out := make([]string, stop-start+1)
	copy(out, list[start:stop+1])
	return out, nil
}

func (s *MemoryStore) ListRemove(ctx context.Context, key, value string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.lists[key]
	for i, v := range list {
		if v == value {
			s.lists[key] = append(list[:i:i], list[i+1:]...)
			if len(s.lists[key]) == 0 {
				delete(s.lists, key)
			}
			return 1, nil
		}
	}
	return 0, nil
}

func (s *MemoryStore) ListLen(ctx context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.lists[key])), nil
}

func (s *MemoryStore) ZAdd(ctx context.Context, key, member string, score float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	z, ok := s.zsets[key]
	if !ok {
		z = make(map[string]float64)
		s.zsets[key] = z
	}
	z[member] = score
	return nil
}

func (s *MemoryStore) ZRangeByScore(ctx context.Context, key string, max float64, limit int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	type entry struct {
		member string
		score  float64
	}
	var entries []entry
	for m, score := range s.zsets[key] {
		if score <= max {
			entries = append(entries, entry{member: m, score: score})
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].score == entries[j].score {
			return entries[i].member < entries[j].member
		}
		return entries[i].score < entries[j].score
	})

	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if limit > 0 && int64(len(out)) >= limit {
			break
		}
		out = append(out, e.member)
	}
	return out, nil
}

func (s *MemoryStore) ZRem(ctx context.Context, key, member string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	z := s.zsets[key]
	if _, ok := z[member]; !ok {
		return 0, nil
	}
	delete(z, member)
	if len(z) == 0 {
		delete(s.zsets, key)
	}
	return 1, nil
}

func (s *MemoryStore) ZCard(ctx context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.zsets[key])), nil
}

func (s *MemoryStore) Get(ctx context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.getLocked(key)
	if !ok {
		return "", ErrNil
	}
	return v.value, nil
}

func (s *MemoryStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = memValue{value: value, expiresAt: s.expiry(ttl)}
	return nil
}

func (s *MemoryStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.getLocked(key); ok {
		return false, nil
	}
	s.values[key] = memValue{value: value, expiresAt: s.expiry(ttl)}
	return true, nil
}

func (s *MemoryStore) CompareAndSwap(ctx context.Context, key, old, value string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.getLocked(key)
	if !ok || v.value != old {
		return false, nil
	}
	v.value = value
	s.values[key] = v
	return true, nil
}

func (s *MemoryStore) Incr(ctx context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	if v, ok := s.getLocked(key); ok {
		parsed, err := strconv.ParseInt(v.value, 10, 64)
		if err != nil {
			return 0, err
		}
		n = parsed
	}
	n++
	s.values[key] = memValue{value: strconv.FormatInt(n, 10)}
	return n, nil
}

func (s *MemoryStore) Exists(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.getLocked(key); ok {
		return true, nil
	}
	_, isList := s.lists[key]
	_, isZSet := s.zsets[key]
	_, isSet := s.sets[key]
	return isList || isZSet || isSet, nil
}

func (s *MemoryStore) Del(ctx context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range keys {
		delete(s.values, key)
		delete(s.lists, key)
		delete(s.zsets, key)
		delete(s.sets, key)
	}
	return nil
}

func (s *MemoryStore) SAdd(ctx context.Context, key, member string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.sets[key]
	if !ok {
		set = make(map[string]struct{})
		s.sets[key] = set
	}
	set[member] = struct{}{}
	return nil
}

func (s *MemoryStore) SRem(ctx context.Context, key, member string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.sets[key]
	delete(set, member)
	if len(set) == 0 {
		delete(s.sets, key)
	}
	return nil
}

func (s *MemoryStore) SMembers(ctx context.Context, key string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.sets[key]))
	for m := range s.sets[key] {
		out = append(out, m)
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryStore) SIsMember(ctx context.Context, key, member string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sets[key][member]
	return ok, nil
}

func (s *MemoryStore) Publish(ctx context.Context, channel, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sub := range s.subs[channel] {
		select {
		case sub <- message:
		default:
			// Subscriber buffer full, skip
		}
	}
	return nil
}

func (s *MemoryStore) Subscribe(ctx context.Context, channel string) (<-chan string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub := make(chan string, 256)
	if s.closed {
		close(sub)
		return sub, nil
	}
	if s.subs[channel] == nil {
		s.subs[channel] = make(map[chan string]struct{})
	}
	s.subs[channel][sub] = struct{}{}

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.subs[channel][sub]; ok {
			delete(s.subs[channel], sub)
			close(sub)
		}
	}()
	return sub, nil
}

// Close drops every subscription
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for channel, subs := range s.subs {
		for sub := range subs {
			close(sub)
		}
		delete(s.subs, channel)
	}
	s.closed = true
	return nil
}
