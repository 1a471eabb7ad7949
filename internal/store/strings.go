package store

import (
	"strconv"
	"time"

	"github.com/ryz-labs/glimmerdb/internal/domainerr"
	"github.com/ryz-labs/glimmerdb/pkg/cmap"
)

// stringEntry is the value held for a string key: the payload plus an
// optional absolute expiry. A zero Expires means no TTL.
type stringEntry struct {
	value   []byte
	expires time.Time
	hasTTL  bool
}

// Strings is the string-valued key store. It is backed by a sharded
// concurrent map since string operations never need to jointly coordinate
// with a waiter FIFO the way list and stream operations do.
type Strings struct {
	m *cmap.Map[string, stringEntry]
}

// NewStrings creates an empty string store.
func NewStrings() *Strings {
	return &Strings{m: cmap.New[string, stringEntry]()}
}

func (s *Strings) expired(e stringEntry, now time.Time) bool {
	return e.hasTTL && !now.Before(e.expires)
}

// lazyGet fetches the entry for key, evicting it first if its TTL has
// already elapsed. The bool return reports whether a live entry was found.
func (s *Strings) lazyGet(key string, now time.Time) (stringEntry, bool) {
	e, ok := s.m.Get(key)
	if !ok {
		return stringEntry{}, false
	}
	if s.expired(e, now) {
		s.m.Delete(key)
		return stringEntry{}, false
	}
	return e, true
}

// Set stores value under key. If ttl is non-zero the key expires after ttl
// elapses; a zero ttl means no expiry (and clears any prior TTL).
func (s *Strings) Set(key string, value []byte, ttl time.Duration) {
	e := stringEntry{value: value}
	if ttl > 0 {
		e.expires = time.Now().Add(ttl)
		e.hasTTL = true
	}
	s.m.Set(key, e)
}

// Get returns the value stored at key, or ok=false if absent or expired.
func (s *Strings) Get(key string) (value []byte, ok bool) {
	e, ok := s.lazyGet(key, time.Now())
	if !ok {
		return nil, false
	}
	return e.value, true
}

// Exists reports whether key holds a live string value.
func (s *Strings) Exists(key string) bool {
	_, ok := s.lazyGet(key, time.Now())
	return ok
}

// Remove deletes key unconditionally, returning whether it was present.
func (s *Strings) Remove(key string) bool {
	_, existed := s.m.Pop(key)
	return existed
}

// Size returns the number of live (non-expired) string keys.
func (s *Strings) Size() int {
	now := time.Now()
	n := 0
	s.m.Range(func(_ string, e stringEntry) bool {
		if !s.expired(e, now) {
			n++
		}
		return true
	})
	return n
}

// Keys returns every live string key. Order is unspecified.
func (s *Strings) Keys() []string {
	now := time.Now()
	out := make([]string, 0, s.m.Count())
	s.m.Range(func(k string, e stringEntry) bool {
		if !s.expired(e, now) {
			out = append(out, k)
		}
		return true
	})
	return out
}

// SetExpiry installs an absolute expiry time on an existing key. Returns
// false if the key does not exist. cmap.Update always writes back a value
// even when the key was absent, so a miss is corrected with a Delete.
func (s *Strings) SetExpiry(key string, at time.Time) bool {
	existed := false
	s.m.Update(key, func(e stringEntry, exists bool) stringEntry {
		if exists {
			existed = true
			e.expires = at
			e.hasTTL = true
		}
		return e
	})
	if !existed {
		s.m.Delete(key)
	}
	return existed
}

// RemoveExpiry strips any TTL from key, making it persistent. Returns false
// if the key does not exist.
func (s *Strings) RemoveExpiry(key string) bool {
	existed := false
	s.m.Update(key, func(e stringEntry, exists bool) stringEntry {
		if exists {
			existed = true
			e.hasTTL = false
			e.expires = time.Time{}
		}
		return e
	})
	if !existed {
		s.m.Delete(key)
	}
	return existed
}

// ExpiryOf reports the absolute expiry of key, if any.
func (s *Strings) ExpiryOf(key string) (at time.Time, hasTTL bool, exists bool) {
	e, ok := s.lazyGet(key, time.Now())
	if !ok {
		return time.Time{}, false, false
	}
	return e.expires, e.hasTTL, true
}

// CleanupExpired sweeps every shard and evicts entries whose TTL has
// elapsed, returning the number removed. Intended to run on a periodic
// background tick rather than only on lazy access.
func (s *Strings) CleanupExpired() int {
	now := time.Now()
	var expiredKeys []string
	s.m.Range(func(k string, e stringEntry) bool {
		if s.expired(e, now) {
			expiredKeys = append(expiredKeys, k)
		}
		return true
	})
	for _, k := range expiredKeys {
		s.m.Delete(k)
	}
	return len(expiredKeys)
}

// Incr parses the value at key as a base-10 signed 64-bit integer, adds
// delta, and stores the result back as its decimal string form. A missing
// key is treated as 0. Any existing TTL is preserved.
func (s *Strings) Incr(key string, delta int64) (int64, error) {
	var result int64
	var incrErr error

	s.m.Update(key, func(e stringEntry, exists bool) stringEntry {
		var cur int64
		if exists {
			if s.expired(e, time.Now()) {
				e = stringEntry{}
			} else {
				n, err := strconv.ParseInt(string(e.value), 10, 64)
				if err != nil {
					incrErr = domainerr.ErrNotInteger
					return e
				}
				cur = n
			}
		}
		result = cur + delta
		e.value = []byte(strconv.FormatInt(result, 10))
		return e
	})

	if incrErr != nil {
		return 0, incrErr
	}
	return result, nil
}
