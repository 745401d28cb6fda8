// Package agent implements the protocol engine bound to one data socket:
// it chunks, paces and optionally encrypts outgoing frames, and validates,
// decrypts and reassembles incoming chunks, delivering only the newest
// complete frame.
package agent

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/1ureka/framecast/internal/analytics"
	"github.com/1ureka/framecast/internal/protocol"
	"github.com/1ureka/framecast/internal/reassembly"
)

// Defaults applied by New for zero Config fields.
const (
	DefaultPacketDelay = 200 * time.Microsecond
	DefaultTimeout     = reassembly.DefaultTimeout
)

var (
	ErrStopped  = errors.New("agent stopped")
	ErrNoRemote = errors.New("agent has no remote address")

	// ErrNoFrame is returned by Latest when nothing newer is available.
	ErrNoFrame = reassembly.ErrNoFrame
)

// Frame is a delivered frame and its serial.
type Frame = reassembly.Frame

// State is the lifecycle state of an Agent. Transitions only move forward.
type State int32

const (
	StateIdle State = iota
	StateActive
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateActive:
		return "active"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Config tunes an Agent.
type Config struct {
	ChunkSize   int           // data bytes per chunk; protocol.DefaultChunkSize when zero
	PacketDelay time.Duration // gap between consecutive chunks; negative disables pacing
	Timeout     time.Duration // age after which a partial frame is evicted
	Key         []byte        // ChaCha20 key; nil sends plaintext and rejects encrypted chunks
	FEC         bool          // set the reserved FEC bit on outgoing chunks
	Logger      *zap.Logger
}

// Option configures an Agent at construction.
type Option func(*Agent)

// WithRemote sets the address SendData writes to.
func WithRemote(addr net.Addr) Option {
	return func(a *Agent) { a.remote = addr }
}

// WithOwnedConn makes Stop close the data socket. Agents sharing a socket
// must not own it.
func WithOwnedConn() Option {
	return func(a *Agent) { a.ownsConn = true }
}

// WithControl attaches the peer's control connection, closed on Stop.
func WithControl(c net.Conn) Option {
	return func(a *Agent) { a.control = c }
}

// withClock replaces the clock used for reassembly timestamps.
func withClock(now func() time.Time) Option {
	return func(a *Agent) { a.now = now }
}

// Agent is the protocol engine for one data socket and, when sending, one
// remote peer. Each Agent owns its own serial counter, reassembly table and
// analytics; Agents never share state beyond a common data socket.
type Agent struct {
	id     uuid.UUID
	cfg    Config
	log    *zap.Logger
	now    func() time.Time
	stats  *analytics.Analytics
	table  *reassembly.Table
	conn   net.PacketConn
	remote net.Addr

	ownsConn bool
	control  net.Conn

	sendMu sync.Mutex // serializes SendData so chunks of two frames never interleave
	serial uint16

	state    atomic.Int32
	alive    atomic.Bool
	done     chan struct{}
	stopOnce sync.Once
}

// New creates an Idle Agent on conn.
func New(conn net.PacketConn, cfg Config, opts ...Option) *Agent {
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = protocol.DefaultChunkSize
	}
	if cfg.PacketDelay == 0 {
		cfg.PacketDelay = DefaultPacketDelay
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	a := &Agent{
		id:    uuid.New(),
		cfg:   cfg,
		now:   time.Now,
		stats: analytics.New(),
		table: reassembly.NewTable(cfg.Timeout),
		conn:  conn,
		done:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.alive.Store(true)

	fields := []zap.Field{zap.Stringer("session", a.id)}
	if a.remote != nil {
		fields = append(fields, zap.Stringer("peer", a.remote))
	}
	a.log = cfg.Logger.With(fields...)
	return a
}

// ID identifies this Agent in logs and reports.
func (a *Agent) ID() uuid.UUID { return a.id }

// Remote is the address SendData writes to, or nil.
func (a *Agent) Remote() net.Addr { return a.remote }

// LocalAddr is the address of the data socket.
func (a *Agent) LocalAddr() net.Addr { return a.conn.LocalAddr() }

// Analytics returns the Agent's private counters.
func (a *Agent) Analytics() *analytics.Analytics { return a.stats }

// State returns the current lifecycle state.
func (a *Agent) State() State { return State(a.state.Load()) }

// Done is closed when the Agent stops.
func (a *Agent) Done() <-chan struct{} { return a.done }

// Alive reports whether the peer is still considered connected.
func (a *Agent) Alive() bool { return a.alive.Load() && a.State() != StateStopped }

// MarkDead flags the peer as gone. The Agent keeps its state until Stop.
func (a *Agent) MarkDead() {
	if a.alive.Swap(false) {
		a.log.Debug("peer marked dead")
	}
}

// activate moves Idle to Active. It fails once the Agent has stopped.
func (a *Agent) activate() error {
	if a.state.CompareAndSwap(int32(StateIdle), int32(StateActive)) {
		return nil
	}
	if a.State() == StateStopped {
		return ErrStopped
	}
	return nil
}

// Stop moves the Agent to Stopped and closes the sockets it owns, which
// unblocks a running receive loop. It is safe to call more than once.
func (a *Agent) Stop() error {
	var err error
	a.stopOnce.Do(func() {
		a.state.Store(int32(StateStopped))
		a.alive.Store(false)
		close(a.done)

		var errs []error
		if a.ownsConn {
			errs = append(errs, a.conn.Close())
		}
		if a.control != nil {
			errs = append(errs, a.control.Close())
		}
		err = errors.Join(errs...)
		a.log.Debug("agent stopped")
	})
	return err
}
