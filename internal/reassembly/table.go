package reassembly

import (
	"errors"
	"sync"
	"time"

	"github.com/1ureka/framecast/internal/protocol"
)

// ErrNoFrame is returned by Latest when no complete frame newer than the
// last delivered one is available.
var ErrNoFrame = errors.New("no new frame")

// DefaultTimeout is how long a partial frame may wait for its missing chunks.
const DefaultTimeout = 2 * time.Second

// Result describes what Insert did with a chunk.
type Result int

const (
	Stored    Result = iota // chunk added to a frame still in progress
	Completed               // chunk completed its frame
	Stale                   // chunk belongs to a delivered or evicted frame
	Refused                 // chunk index beyond the frame's LAST chunk
)

// Frame is a reassembled frame handed to the consumer.
type Frame struct {
	Serial uint16
	Data   []byte
}

// Table maps frame serials to their PacketList. A single mutex guards the
// whole mapping so that insertion, eviction and the latest-frame scan never
// observe each other half-done.
type Table struct {
	mu         sync.Mutex
	timeout    time.Duration
	lists      map[uint16]*PacketList
	tombstones map[uint16]time.Time // evicted serial -> eviction time

	last      uint16 // last delivered serial
	delivered bool   // false until the first delivery
}

// NewTable creates an empty table evicting partial frames after timeout.
func NewTable(timeout time.Duration) *Table {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Table{
		timeout:    timeout,
		lists:      make(map[uint16]*PacketList),
		tombstones: make(map[uint16]time.Time),
	}
}

// Insert adds a verified, decrypted chunk.
func (t *Table) Insert(pkt *protocol.Packet, now time.Time) Result {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.delivered && !Newer(pkt.Serial, t.last) {
		return Stale
	}
	if _, dead := t.tombstones[pkt.Serial]; dead {
		return Stale
	}

	l, ok := t.lists[pkt.Serial]
	if !ok {
		l = NewPacketList(pkt, now)
		t.lists[pkt.Serial] = l
	} else {
		wasComplete := l.Complete()
		if !l.Add(pkt) {
			return Refused
		}
		if wasComplete {
			return Stored
		}
	}

	if l.Complete() {
		return Completed
	}
	return Stored
}

// Evict drops every list older than the timeout, complete or not, and
// forgets tombstones that have outlived a further timeout. It returns the
// number of lists dropped.
func (t *Table) Evict(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	for serial, at := range t.tombstones {
		if now.Sub(at) > t.timeout {
			delete(t.tombstones, serial)
		}
	}

	evicted := 0
	for serial, l := range t.lists {
		if l.Expired(now, t.timeout) {
			delete(t.lists, serial)
			t.tombstones[serial] = now
			evicted++
		}
	}
	return evicted
}

// Latest returns the newest complete frame if it is newer than the last one
// delivered. Frames that complete after a newer one was delivered are never
// returned. Once a frame is delivered, every list at or behind it is dropped.
func (t *Table) Latest() (Frame, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var complete []uint16
	for serial, l := range t.lists {
		if l.Complete() {
			complete = append(complete, serial)
		}
	}
	if len(complete) == 0 {
		return Frame{}, ErrNoFrame
	}

	newest := Newest(complete)
	if t.delivered && !Newer(newest, t.last) {
		for _, serial := range complete {
			delete(t.lists, serial)
		}
		return Frame{}, ErrNoFrame
	}

	data, err := t.lists[newest].Assemble()
	delete(t.lists, newest)
	if err != nil {
		return Frame{}, err
	}

	t.last = newest
	t.delivered = true
	for serial := range t.lists {
		if !Newer(serial, newest) {
			delete(t.lists, serial)
		}
	}

	return Frame{Serial: newest, Data: data.Bytes()}, nil
}

// Len is the number of frames currently in flight.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.lists)
}

// Has reports whether a list exists for serial.
func (t *Table) Has(serial uint16) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.lists[serial]
	return ok
}

// LastDelivered returns the last delivered serial and whether any frame has
// been delivered yet.
func (t *Table) LastDelivered() (uint16, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last, t.delivered
}
