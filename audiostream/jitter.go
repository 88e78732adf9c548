package audiostream

import (
	"sort"
	"sync"
)

// JitterCapacity is the most entries the jitter buffer holds. Exceeding it
// clears the buffer rather than evicting the oldest entry.
const JitterCapacity = 30

// Key orders Opus packets by their VITA-49 integer and fractional
// timestamps.
type Key struct {
	Int  uint32
	Frac uint64
}

// Compare returns -1, 0 or +1 as k sorts before, equal to or after o.
func (k Key) Compare(o Key) int {
	switch {
	case k.Int < o.Int:
		return -1
	case k.Int > o.Int:
		return 1
	case k.Frac < o.Frac:
		return -1
	case k.Frac > o.Frac:
		return 1
	}
	return 0
}

// Less reports whether k sorts before o.
func (k Key) Less(o Key) bool { return k.Compare(o) < 0 }

// Entry is one buffered encoded packet.
type Entry struct {
	Key     Key
	Payload []byte
}

// PushResult is the outcome of JitterBuffer.Push.
type PushResult int

const (
	Inserted PushResult = iota
	Stale               // at or behind the last consumed key
	Overflow            // buffer was full and has been cleared
)

func (r PushResult) String() string {
	switch r {
	case Inserted:
		return "inserted"
	case Stale:
		return "stale"
	case Overflow:
		return "overflow"
	}
	return "unknown"
}

// JitterStats are the jitter buffer counters.
type JitterStats struct {
	Depth     int
	Inserted  uint64
	Replaced  uint64 // pushes that replaced an entry with the same key
	Stale     uint64
	Overflows uint64
	Popped    uint64
}

// JitterBuffer is a bounded, key-ordered buffer of Opus packets. The receive
// path pushes and a playback consumer pops; both may run concurrently.
type JitterBuffer struct {
	mu           sync.Mutex
	entries      []Entry // ascending by key
	lastConsumed Key
	consumed     bool
	stats        JitterStats
}

// NewJitterBuffer returns an empty jitter buffer.
func NewJitterBuffer() *JitterBuffer {
	return &JitterBuffer{entries: make([]Entry, 0, JitterCapacity+1)}
}

// Push inserts payload under key. The buffer keeps a reference to payload.
func (j *JitterBuffer) Push(key Key, payload []byte) PushResult {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.consumed && !j.lastConsumed.Less(key) {
		j.stats.Stale++
		return Stale
	}

	i := sort.Search(len(j.entries), func(i int) bool { return !j.entries[i].Key.Less(key) })
	if i < len(j.entries) && j.entries[i].Key == key {
		j.entries[i].Payload = payload
		j.stats.Replaced++
		return Inserted
	}

	if len(j.entries)+1 > JitterCapacity {
		j.entries = j.entries[:0]
		j.stats.Overflows++
		return Overflow
	}

	j.entries = append(j.entries, Entry{})
	copy(j.entries[i+1:], j.entries[i:])
	j.entries[i] = Entry{Key: key, Payload: payload}
	j.stats.Inserted++
	return Inserted
}

// Pop removes and returns the entry with the smallest key.
func (j *JitterBuffer) Pop() (Entry, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if len(j.entries) == 0 {
		return Entry{}, false
	}
	e := j.entries[0]
	copy(j.entries, j.entries[1:])
	j.entries[len(j.entries)-1] = Entry{}
	j.entries = j.entries[:len(j.entries)-1]

	j.lastConsumed = e.Key
	j.consumed = true
	j.stats.Popped++
	return e, true
}

// Peek returns the entry Pop would return without removing it.
func (j *JitterBuffer) Peek() (Entry, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if len(j.entries) == 0 {
		return Entry{}, false
	}
	return j.entries[0], true
}

// Len returns the number of buffered entries.
func (j *JitterBuffer) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.entries)
}

// Stats returns a snapshot of the counters.
func (j *JitterBuffer) Stats() JitterStats {
	j.mu.Lock()
	defer j.mu.Unlock()

	s := j.stats
	s.Depth = len(j.entries)
	return s
}

// Reset empties the buffer and forgets the last consumed key.
func (j *JitterBuffer) Reset() {
	j.mu.Lock()
	defer j.mu.Unlock()

	clear(j.entries)
	j.entries = j.entries[:0]
	j.consumed = false
	j.lastConsumed = Key{}
}
