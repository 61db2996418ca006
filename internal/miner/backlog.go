// internal/miner/backlog.go
// Per-work-unit duplicate suppression and counter wrap tracking
package miner

// Backlog is a fixed-capacity ring of nonces already forwarded for the current
// work unit. Once full, the oldest entry is overwritten.
type Backlog struct {
	vals []uint32
	next int
	size int
}

func NewBacklog(capacity int) *Backlog {
	if capacity < 1 {
		capacity = 1
	}
	return &Backlog{vals: make([]uint32, capacity)}
}

// Contains reports whether v is still held by the ring.
func (b *Backlog) Contains(v uint32) bool {
	for i := 0; i < b.size; i++ {
		if b.vals[i] == v {
			return true
		}
	}
	return false
}

// Insert adds v unless it is already present. It returns false for a duplicate.
func (b *Backlog) Insert(v uint32) bool {
	if b.Contains(v) {
		return false
	}
	b.vals[b.next] = v
	b.next = (b.next + 1) % len(b.vals)
	if b.size < len(b.vals) {
		b.size++
	}
	return true
}

func (b *Backlog) Len() int { return b.size }
func (b *Backlog) Cap() int { return len(b.vals) }

// LastSeen holds the most recent nonce counter of each result slot.
type LastSeen struct {
	vals []uint32
	seen []bool
}

func NewLastSeen(slots int) *LastSeen {
	return &LastSeen{
		vals: make([]uint32, slots),
		seen: make([]bool, slots),
	}
}

// Observe records v for slot and reports whether the counter wrapped or went
// backwards. The first reading of a slot only sets its baseline. A zero
// reading is never an overflow (the counter sits at zero after a lockup).
// On overflow the previous value is kept.
func (l *LastSeen) Observe(slot int, v uint32) bool {
	if !l.seen[slot] {
		l.seen[slot] = true
		l.vals[slot] = v
		return false
	}
	prev := l.vals[slot]
	if v != 0 && (0xffffffff-v < v-prev || v < prev) {
		return true
	}
	l.vals[slot] = v
	return false
}
