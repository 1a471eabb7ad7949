package store

import (
	"sync"
)

// listWaiter is one blocked BLPOP caller. ch is buffered 1 so the deliverer
// never blocks on the send even if the waiter has since given up (timed
// out) and stopped reading.
type listWaiter struct {
	ch chan Delivery
}

// Delivery is what a blocked waiter receives once an element is popped for it.
type Delivery struct {
	Key   string
	Value []byte
}

// Lists is the list-valued key store. Unlike Strings, list operations and
// the blocked-waiter FIFO must be mutated together under one lock: popping
// an element and waking a waiter for it is a single atomic step, never two
// independently-lockable ones, or a concurrent LPOP could steal the element
// a waiter was about to receive.
type Lists struct {
	mu      sync.Mutex
	data    map[string][][]byte
	waiters map[string][]*listWaiter
}

// NewLists creates an empty list store.
func NewLists() *Lists {
	return &Lists{
		data:    make(map[string][][]byte),
		waiters: make(map[string][]*listWaiter),
	}
}

// RPush appends values to the tail of key's list, creating it if absent.
// Each appended element is offered to the oldest blocked waiter first; any
// values left over after waiters drain remain on the list.
func (l *Lists) RPush(key string, values [][]byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, v := range values {
		if !l.deliverLocked(key, v) {
			l.data[key] = append(l.data[key], v)
		}
	}
	return len(l.data[key]), nil
}

// LPush prepends values to the head of key's list, in the order given (so
// the final list order is the reverse of values), creating it if absent.
func (l *Lists) LPush(key string, values [][]byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rev := make([][]byte, len(values))
	for i, v := range values {
		rev[len(values)-1-i] = v
	}
	l.data[key] = append(rev, l.data[key]...)
	return len(l.data[key]), nil
}

// LRange returns the inclusive [start, end] slice of key's list, applying
// Redis's negative-index and out-of-bounds normalization.
func (l *Lists) LRange(key string, start, end int) ([][]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	list := l.data[key]
	n := len(list)
	if n == 0 {
		return [][]byte{}, nil
	}

	if start < 0 {
		start = n + start
	}
	if end < 0 {
		end = n + end
	}
	if start < 0 {
		start = 0
	}
	if end >= n {
		end = n - 1
	}
	if start > end || start >= n {
		return [][]byte{}, nil
	}
	out := make([][]byte, end-start+1)
	copy(out, list[start:end+1])
	return out, nil
}

// LLen returns the length of key's list, or 0 if it doesn't exist.
func (l *Lists) LLen(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.data[key])
}

// Exists reports whether key holds a list value.
func (l *Lists) Exists(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.data[key]
	return ok
}

// Delete removes key unconditionally, returning whether it was present.
func (l *Lists) Delete(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, existed := l.data[key]
	delete(l.data, key)
	return existed
}

// Size returns the number of list keys currently held. Satisfies
// metric.StatsSource for keyspace-size scraping.
func (l *Lists) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.data)
}

// LPop removes and returns up to count elements from the head of key's
// list. If the pop empties the list, the key is deleted entirely so a
// subsequent LLEN/EXISTS reports it as gone rather than present-but-empty.
func (l *Lists) LPop(key string, count int) [][]byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.popLocked(key, count)
}

func (l *Lists) popLocked(key string, count int) [][]byte {
	list := l.data[key]
	n := len(list)
	if n == 0 {
		return nil
	}
	if count > n {
		count = n
	}
	out := list[:count]
	rest := list[count:]
	if len(rest) == 0 {
		delete(l.data, key)
	} else {
		l.data[key] = rest
	}
	return out
}

// deliverLocked hands val directly to the oldest waiter on key, if any,
// bypassing the list entirely. Must be called with l.mu held. Reports
// whether a waiter consumed the value.
func (l *Lists) deliverLocked(key string, val []byte) bool {
	q := l.waiters[key]
	if len(q) == 0 {
		return false
	}
	w := q[0]
	if len(q) == 1 {
		delete(l.waiters, key)
	} else {
		l.waiters[key] = q[1:]
	}
	w.ch <- Delivery{Key: key, Value: val}
	return true
}

// BLPopToken is returned by TryPopOrRegister when no value was immediately
// available, and consumed by either Channel or CancelWaiter, never both.
type BLPopToken struct {
	key string
	w   *listWaiter
}

// TryPopOrRegister is the joint-atomicity primitive BLPOP needs: under a
// single critical section, pop an element if one exists, or else register
// as a waiter. This closes the race where a push between "check" and
// "register" would otherwise deliver to no one.
func (l *Lists) TryPopOrRegister(key string) (value []byte, ok bool, token BLPopToken) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if popped := l.popLocked(key, 1); len(popped) == 1 {
		return popped[0], true, BLPopToken{}
	}
	w := &listWaiter{ch: make(chan Delivery, 1)}
	l.waiters[key] = append(l.waiters[key], w)
	return nil, false, BLPopToken{key: key, w: w}
}

// Channel returns the token's delivery channel. Callers select against it
// alongside a timer or context for BLPOP's timeout.
func (t BLPopToken) Channel() <-chan Delivery {
	if t.w == nil {
		return nil
	}
	return t.w.ch
}

// CancelWaiter removes token from its key's FIFO, used when a BLPOP call
// times out or its connection disconnects before a delivery arrives. It is
// a no-op if the waiter already received a delivery and was dequeued.
func (l *Lists) CancelWaiter(token BLPopToken) {
	if token.w == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	q := l.waiters[token.key]
	for i := range q {
		if q[i] == token.w {
			q = append(q[:i], q[i+1:]...)
			break
		}
	}
	if len(q) == 0 {
		delete(l.waiters, token.key)
	} else {
		l.waiters[token.key] = q
	}
}
