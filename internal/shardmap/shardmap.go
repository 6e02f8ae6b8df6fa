// Package shardmap is a map keyed by string that spreads keys over a fixed
// number of independently locked shards, so workers touching different files
// do not contend on one mutex.
package shardmap

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

const defaultShards = 32

type shard[V any] struct {
	mu sync.Mutex
	m  map[string]V
}

type Map[V any] struct {
	shards []*shard[V]
}

func New[V any](shards int) *Map[V] {
	if shards <= 0 {
		shards = defaultShards
	}
	m := &Map[V]{shards: make([]*shard[V], shards)}
	for i := range m.shards {
		m.shards[i] = &shard[V]{m: make(map[string]V)}
	}
	return m
}

func (m *Map[V]) shard(key string) *shard[V] {
	return m.shards[xxhash.Sum64String(key)%uint64(len(m.shards))]
}

func (m *Map[V]) Get(key string) (V, bool) {
	s := m.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.m[key]
	return v, ok
}

func (m *Map[V]) Set(key string, v V) {
	s := m.shard(key)
	s.mu.Lock()
	s.m[key] = v
	s.mu.Unlock()
}

func (m *Map[V]) Delete(key string) {
	s := m.shard(key)
	s.mu.Lock()
	delete(s.m, key)
	s.mu.Unlock()
}

// Update runs fn with the shard locked. fn receives the current value and
// whether it existed, and returns the value to store and whether to keep it.
func (m *Map[V]) Update(key string, fn func(v V, ok bool) (V, bool)) {
	s := m.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.m[key]
	next, keep := fn(cur, ok)
	if keep {
		s.m[key] = next
	} else {
		delete(s.m, key)
	}
}

// SetIfAbsent stores v unless key exists and reports whether it stored.
func (m *Map[V]) SetIfAbsent(key string, v V) bool {
	stored := false
	m.Update(key, func(cur V, ok bool) (V, bool) {
		if ok {
			return cur, true
		}
		stored = true
		return v, true
	})
	return stored
}

// Range calls fn for every entry, one shard at a time. fn must not call back
// into the map.
func (m *Map[V]) Range(fn func(key string, v V) bool) {
	for _, s := range m.shards {
		s.mu.Lock()
		for k, v := range s.m {
			if !fn(k, v) {
				s.mu.Unlock()
				return
			}
		}
		s.mu.Unlock()
	}
}

// DeleteFunc removes every entry for which fn returns true.
func (m *Map[V]) DeleteFunc(fn func(key string, v V) bool) int {
	n := 0
	for _, s := range m.shards {
		s.mu.Lock()
		for k, v := range s.m {
			if fn(k, v) {
				delete(s.m, k)
				n++
			}
		}
		s.mu.Unlock()
	}
	return n
}

func (m *Map[V]) Len() int {
	n := 0
	for _, s := range m.shards {
		s.mu.Lock()
		n += len(s.m)
		s.mu.Unlock()
	}
	return n
}
