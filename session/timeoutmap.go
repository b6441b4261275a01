package session

import (
	"time"
)

// TimeoutMap is a map whose entries carry individual deadlines. Every
// insertion arms a timer; removal cancels it; re-insertion resets it.
//
// The map itself holds no lock. All operations must be called with the
// owner's serialization held, and expired entries are delivered through
// the run executor supplied at construction, so expiry callbacks are
// serialized with normal operations exactly like timer events on a
// single-threaded loop.
type TimeoutMap[K comparable, V any] struct {
	run     func(func())
	entries map[K]*timeoutEntry[V]
	expire  func(K, V)
}

type timeoutEntry[V any] struct {
	value V
	timer *time.Timer
}

// NewTimeoutMap creates a TimeoutMap. run serializes timer callbacks
// with the owner's other state access; expire is invoked inside run
// after an expired entry has been removed from the map. expire may
// re-insert the entry to extend its lifetime.
func NewTimeoutMap[K comparable, V any](run func(func()), expire func(K, V)) *TimeoutMap[K, V] {
	return &TimeoutMap[K, V]{
		run:     run,
		entries: make(map[K]*timeoutEntry[V]),
		expire:  expire,
	}
}

// Get returns the value stored under key.
func (tm *TimeoutMap[K, V]) Get(key K) (V, bool) {
	entry, ok := tm.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	return entry.value, true
}

// Set stores value under key with the given lifetime, replacing any
// existing entry and its timer.
func (tm *TimeoutMap[K, V]) Set(key K, value V, ttl time.Duration) {
	if old, ok := tm.entries[key]; ok {
		old.timer.Stop()
	}

	entry := &timeoutEntry[V]{value: value}
	tm.entries[key] = entry

	entry.timer = time.AfterFunc(ttl, func() {
		tm.run(func() {
			current, ok := tm.entries[key]
			if !ok || current != entry {
				// removed or replaced before the timer fired
				return
			}
			delete(tm.entries, key)
			if tm.expire != nil {
				tm.expire(key, entry.value)
			}
		})
	})
}

// Extend re-arms the timer of an existing entry without touching its
// value. Returns false if the key is absent.
func (tm *TimeoutMap[K, V]) Extend(key K, ttl time.Duration) bool {
	entry, ok := tm.entries[key]
	if !ok {
		return false
	}
	tm.Set(key, entry.value, ttl)
	return true
}

// Remove deletes the entry under key and cancels its timer.
func (tm *TimeoutMap[K, V]) Remove(key K) (V, bool) {
	entry, ok := tm.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	entry.timer.Stop()
	delete(tm.entries, key)
	return entry.value, true
}

// Len returns the number of live entries.
func (tm *TimeoutMap[K, V]) Len() int {
	return len(tm.entries)
}

// ForEach calls fn for every entry until fn returns false.
func (tm *TimeoutMap[K, V]) ForEach(fn func(K, V) bool) {
	for key, entry := range tm.entries {
		if !fn(key, entry.value) {
			return
		}
	}
}

// Clear removes all entries and cancels their timers.
func (tm *TimeoutMap[K, V]) Clear() {
	for _, entry := range tm.entries {
		entry.timer.Stop()
	}
	tm.entries = make(map[K]*timeoutEntry[V])
}
