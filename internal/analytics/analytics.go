// Package analytics counts what an Agent sends and receives and derives
// loss, error and throughput figures from those counts.
package analytics

import (
	"sync"
	"time"
)

// Counters is a plain set of event counts.
type Counters struct {
	PacketsSent     uint64
	FramesSent      uint64
	BytesSent       uint64
	PacketsReceived uint64
	FramesReceived  uint64 // frames whose chunks all arrived
	BytesReceived   uint64
	CRCErrors       uint64 // chunks failing the cookie or checksum test
	Invalid         uint64 // datagrams that could not be decoded or decrypted
	Stale           uint64 // chunks for frames already delivered or evicted
	Evicted         uint64 // partial frames dropped by timeout
	GoodFrames      uint64 // frames handed to the consumer
	FrameErrors     uint64 // assembled frames failing the whole-frame CRC
}

func (c *Counters) add(o Counters) {
	c.PacketsSent += o.PacketsSent
	c.FramesSent += o.FramesSent
	c.BytesSent += o.BytesSent
	c.PacketsReceived += o.PacketsReceived
	c.FramesReceived += o.FramesReceived
	c.BytesReceived += o.BytesReceived
	c.CRCErrors += o.CRCErrors
	c.Invalid += o.Invalid
	c.Stale += o.Stale
	c.Evicted += o.Evicted
	c.GoodFrames += o.GoodFrames
	c.FrameErrors += o.FrameErrors
}

// Analytics is a mutex-guarded set of counters with a reset origin.
// Window counters are cleared by Reset; lifetime totals never are.
type Analytics struct {
	mu     sync.Mutex
	window Counters
	total  Counters
	since  time.Time
	now    func() time.Time
}

// New returns zeroed analytics whose elapsed time starts now.
func New() *Analytics {
	return newWithClock(time.Now)
}

func newWithClock(now func() time.Time) *Analytics {
	return &Analytics{since: now(), now: now}
}

func (a *Analytics) update(fn func(c *Counters)) {
	a.mu.Lock()
	fn(&a.window)
	fn(&a.total)
	a.mu.Unlock()
}

// PacketSent records one chunk of n bytes put on the wire.
func (a *Analytics) PacketSent(n int) {
	a.update(func(c *Counters) {
		c.PacketsSent++
		c.BytesSent += uint64(n)
	})
}

// FrameSent records one frame fully sent.
func (a *Analytics) FrameSent() { a.update(func(c *Counters) { c.FramesSent++ }) }

// PacketReceived records one datagram of n bytes read from the socket.
func (a *Analytics) PacketReceived(n int) {
	a.update(func(c *Counters) {
		c.PacketsReceived++
		c.BytesReceived += uint64(n)
	})
}

func (a *Analytics) FrameReceived() { a.update(func(c *Counters) { c.FramesReceived++ }) }
func (a *Analytics) CRCError()      { a.update(func(c *Counters) { c.CRCErrors++ }) }
func (a *Analytics) InvalidPacket() { a.update(func(c *Counters) { c.Invalid++ }) }
func (a *Analytics) StalePacket()   { a.update(func(c *Counters) { c.Stale++ }) }
func (a *Analytics) GoodFrame()     { a.update(func(c *Counters) { c.GoodFrames++ }) }
func (a *Analytics) FrameError()    { a.update(func(c *Counters) { c.FrameErrors++ }) }

// Evicted records n partial frames dropped by timeout.
func (a *Analytics) Evicted(n int) {
	if n == 0 {
		return
	}
	a.update(func(c *Counters) { c.Evicted += uint64(n) })
}

// Absorb folds telemetry reported by the remote receiver into the
// receive-side counters, so a sender can compute loss for that peer.
func (a *Analytics) Absorb(packets, frames uint64) {
	a.update(func(c *Counters) {
		c.PacketsReceived += packets
		c.FramesReceived += frames
	})
}

// Snapshot returns the window counters and the time elapsed since the
// last reset.
func (a *Analytics) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Snapshot{Counters: a.window, Elapsed: a.now().Sub(a.since)}
}

// SnapshotAndReset returns the window and starts a new one in one step.
func (a *Analytics) SnapshotAndReset() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	now := a.now()
	s := Snapshot{Counters: a.window, Elapsed: now.Sub(a.since)}
	a.window = Counters{}
	a.since = now
	return s
}

// Reset zeroes the window counters and restarts the elapsed-time origin.
func (a *Analytics) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.window = Counters{}
	a.since = a.now()
}

// Totals returns the lifetime counters.
func (a *Analytics) Totals() Counters {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.total
}
