package store

import (
	"sync"
	"time"

	"github.com/ryz-labs/glimmerdb/internal/streamid"
)

// StreamField is one name/value pair attached to an entry, kept in
// insertion order rather than a map so replies preserve field order.
type StreamField struct {
	Name  string
	Value string
}

// StreamEntry is one appended record in a stream.
type StreamEntry struct {
	ID     streamid.ID
	Fields []StreamField
}

type stream struct {
	entries []StreamEntry
	lastID  streamid.ID
	hasLast bool
}

// streamWaiter is one blocked XREAD caller, fanned across every key in its
// BLOCK argument. A delivery carries the key that produced it so XREAD can
// report which stream unblocked the call.
type streamWaiter struct {
	ch chan StreamDelivery
}

// StreamDelivery is what a blocked XREAD caller receives once any of its
// watched keys gains a new entry at or after its registered cursor.
type StreamDelivery struct {
	Key     string
	Entries []StreamEntry
}

// Streams is the stream-valued key store. As with Lists, appends and the
// blocked-waiter FIFO share one lock so a waiter registered against "new
// entries after my last-seen ID" can never miss an append that happens
// between its check and its registration.
type Streams struct {
	mu      sync.Mutex
	data    map[string]*stream
	waiters map[string][]*streamWaiter
}

// NewStreams creates an empty stream store.
func NewStreams() *Streams {
	return &Streams{
		data:    make(map[string]*stream),
		waiters: make(map[string][]*streamWaiter),
	}
}

// Add assigns an ID to spec (resolving "*" and "<ms>-*" forms against wall
// clock time and the stream's current last ID) and appends the entry,
// returning the assigned ID. It notifies any XREAD waiters blocked on key.
func (s *Streams) Add(key string, spec streamid.Spec, fields []StreamField) (streamid.ID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.data[key]
	if !ok {
		st = &stream{}
	}

	ms := spec.Ms
	if spec.AutoMs {
		ms = uint64(time.Now().UnixMilli())
	}

	var id streamid.ID
	if spec.AutoSeq {
		seq := streamid.NextSeq(ms, func(candidate uint64) (uint64, bool) {
			if st.hasLast && st.lastID.Ms == candidate {
				return st.lastID.Seq, true
			}
			return 0, false
		})
		id = streamid.ID{Ms: ms, Seq: seq}
	} else {
		id = streamid.ID{Ms: ms, Seq: spec.Seq}
	}

	if err := streamid.Validate(id, st.lastID, st.hasLast); err != nil {
		return streamid.ID{}, err
	}

	st.entries = append(st.entries, StreamEntry{ID: id, Fields: fields})
	st.lastID = id
	st.hasLast = true
	s.data[key] = st

	s.notifyLocked(key, id)
	return id, nil
}

// notifyLocked wakes every waiter registered on key with the entry just
// appended. Must be called with s.mu held, after the entry with newID has
// already been appended to s.data[key].
func (s *Streams) notifyLocked(key string, newID streamid.ID) {
	q := s.waiters[key]
	if len(q) == 0 {
		return
	}
	delete(s.waiters, key)

	st := s.data[key]
	entry := st.entries[len(st.entries)-1]
	for _, w := range q {
		w.ch <- StreamDelivery{Key: key, Entries: []StreamEntry{entry}}
	}
}

// Range returns entries with IDs in the inclusive [start, end] bound.
func (s *Streams) Range(key string, start, end streamid.ID) []StreamEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.data[key]
	if !ok {
		return nil
	}
	var out []StreamEntry
	for _, e := range st.entries {
		if streamid.InRange(e.ID, start, end) {
			out = append(out, e)
		}
	}
	return out
}

// EntriesAfter returns every entry with an ID strictly greater than after,
// the form XREAD needs ("give me what's new since my cursor").
func (s *Streams) EntriesAfter(key string, after streamid.ID) []StreamEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entriesAfterLocked(key, after)
}

func (s *Streams) entriesAfterLocked(key string, after streamid.ID) []StreamEntry {
	st, ok := s.data[key]
	if !ok {
		return nil
	}
	var out []StreamEntry
	for _, e := range st.entries {
		if e.ID.Greater(after) {
			out = append(out, e)
		}
	}
	return out
}

// LastID returns the most recently assigned ID for key.
func (s *Streams) LastID(key string) (streamid.ID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.data[key]
	if !ok {
		return streamid.ID{}, false
	}
	return st.lastID, st.hasLast
}

// Length returns the number of entries in key's stream.
func (s *Streams) Length(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.data[key]
	if !ok {
		return 0
	}
	return len(st.entries)
}

// Exists reports whether key holds a stream value (even an empty one, once
// created — unlike lists, XADD-created streams are never auto-deleted).
func (s *Streams) Exists(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.data[key]
	return ok
}

// Delete removes key unconditionally, returning whether it was present.
func (s *Streams) Delete(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, existed := s.data[key]
	delete(s.data, key)
	return existed
}

// Size returns the number of stream keys currently held. Satisfies
// metric.StatsSource for keyspace-size scraping.
func (s *Streams) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data)
}

// StreamReadToken is returned by TryReadOrRegister for a single key when no
// entry was immediately available after the caller's cursor.
type StreamReadToken struct {
	key string
	w   *streamWaiter
}

// TryReadOrRegister is the joint-atomicity primitive XREAD BLOCK needs for
// one key: atomically check for entries after the cursor, or register a
// waiter if none exist yet, closing the race between the check and an XADD
// that lands in the gap.
func (s *Streams) TryReadOrRegister(key string, after streamid.ID) ([]StreamEntry, StreamReadToken) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entries := s.entriesAfterLocked(key, after); len(entries) > 0 {
		return entries, StreamReadToken{}
	}
	w := &streamWaiter{ch: make(chan StreamDelivery, 1)}
	s.waiters[key] = append(s.waiters[key], w)
	return nil, StreamReadToken{key: key, w: w}
}

// Channel returns the token's delivery channel.
func (t StreamReadToken) Channel() <-chan StreamDelivery {
	if t.w == nil {
		return nil
	}
	return t.w.ch
}

// CancelWaiter removes token from its key's waiter list, used when an
// XREAD BLOCK call times out before any watched key produces a delivery.
func (s *Streams) CancelWaiter(token StreamReadToken) {
	if token.w == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.waiters[token.key]
	for i := range q {
		if q[i] == token.w {
			q = append(q[:i], q[i+1:]...)
			break
		}
	}
	if len(q) == 0 {
		delete(s.waiters, token.key)
	} else {
		s.waiters[token.key] = q
	}
}
