package session

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/1ureka/framecast/internal/agent"
	"github.com/1ureka/framecast/internal/analytics"
	"github.com/1ureka/framecast/internal/media"
	"github.com/1ureka/framecast/internal/protocol"
)

// Defaults for ServerConfig.
const (
	DefaultControlAddr    = ":20001"
	DefaultDataAddr       = ":20000"
	DefaultClientPortBase = 20010
)

var ErrServerClosed = errors.New("server closed")

// ServerConfig configures a fan-out Server.
type ServerConfig struct {
	ControlAddr    string // TCP listen address for the control channel
	DataAddr       string // UDP address all chunks are sent from
	ClientPortBase int    // first UDP port handed to receivers
	FPS            int
	Agent          agent.Config
	Logger         *zap.Logger
}

// peer is one connected receiver.
type peer struct {
	agent     *agent.Agent
	port      int
	streaming atomic.Bool // set by SVCS
}

// Server accepts receivers on the control channel and streams every frame
// of its source to each of them over a shared data socket.
type Server struct {
	cfg ServerConfig
	log *zap.Logger
	src media.Source

	ln   net.Listener
	data net.PacketConn

	mu       sync.Mutex
	peers    []*peer
	nextPort int

	wg        sync.WaitGroup
	closeOnce sync.Once
	closed    chan struct{}
}

// NewServer creates a Server streaming src. Call Start, then Serve.
func NewServer(cfg ServerConfig, src media.Source) *Server {
	if cfg.ControlAddr == "" {
		cfg.ControlAddr = DefaultControlAddr
	}
	if cfg.DataAddr == "" {
		cfg.DataAddr = DefaultDataAddr
	}
	if cfg.ClientPortBase == 0 {
		cfg.ClientPortBase = DefaultClientPortBase
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Agent.Logger == nil {
		cfg.Agent.Logger = cfg.Logger
	}
	return &Server{
		cfg:      cfg,
		log:      cfg.Logger.Named("server"),
		src:      src,
		nextPort: cfg.ClientPortBase,
		closed:   make(chan struct{}),
	}
}

// Start binds the control listener and the data socket.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.ControlAddr)
	if err != nil {
		return fmt.Errorf("listen control %s: %w", s.cfg.ControlAddr, err)
	}
	data, err := net.ListenPacket("udp", s.cfg.DataAddr)
	if err != nil {
		ln.Close()
		return fmt.Errorf("listen data %s: %w", s.cfg.DataAddr, err)
	}
	s.ln, s.data = ln, data
	s.log.Info("server listening",
		zap.Stringer("control", ln.Addr()),
		zap.Stringer("data", data.LocalAddr()))
	return nil
}

// ControlAddr is the bound control address. Valid after Start.
func (s *Server) ControlAddr() net.Addr { return s.ln.Addr() }

// DataAddr is the bound data address. Valid after Start.
func (s *Server) DataAddr() net.Addr { return s.data.LocalAddr() }

// Serve runs the acceptor and the capture loop until ctx is done, then
// closes every socket and stops every Agent.
func (s *Server) Serve(ctx context.Context) error {
	if s.ln == nil {
		return errors.New("server not started")
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop()
	}()

	err := captureLoop(ctx, s.log, s.src, s.cfg.FPS, s.targets)
	s.Close()
	s.wg.Wait()
	return err
}

// Run is Start followed by Serve.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// Close stops accepting, stops every Agent and closes the data socket.
func (s *Server) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)

		s.mu.Lock()
		peers := s.peers
		s.peers = nil
		s.mu.Unlock()

		if s.ln == nil {
			return
		}
		errs := []error{s.ln.Close()}
		for _, p := range peers {
			errs = append(errs, p.agent.Stop())
		}
		errs = append(errs, s.data.Close())
		err = errors.Join(errs...)
	})
	return err
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.closed:
			default:
				s.log.Error("accept failed", zap.Error(err))
			}
			return
		}
		if err := s.admit(conn); err != nil {
			s.log.Warn("handshake failed", zap.Stringer("peer", conn.RemoteAddr()), zap.Error(err))
			conn.Close()
		}
	}
}

// admit assigns the next data port to a new control connection and creates
// its Agent. Chunks go to the peer's control IP at the assigned port.
func (s *Server) admit(conn net.Conn) error {
	tcpAddr, ok := conn.RemoteAddr().(*net.TCPAddr)
	if !ok {
		return fmt.Errorf("unexpected remote address %T", conn.RemoteAddr())
	}

	s.mu.Lock()
	port := s.nextPort
	s.nextPort++
	if s.nextPort > 65535 {
		s.nextPort = s.cfg.ClientPortBase
	}
	s.mu.Unlock()

	if _, err := conn.Write([]byte(strconv.Itoa(port) + "\n")); err != nil {
		return fmt.Errorf("send port: %w", err)
	}

	remote := &net.UDPAddr{IP: tcpAddr.IP, Port: port, Zone: tcpAddr.Zone}
	p := &peer{
		agent: agent.New(s.data, s.cfg.Agent, agent.WithRemote(remote), agent.WithControl(conn)),
		port:  port,
	}

	s.mu.Lock()
	select {
	case <-s.closed:
		s.mu.Unlock()
		return ErrServerClosed
	default:
	}
	s.peers = append(s.peers, p)
	s.mu.Unlock()

	s.log.Info("receiver connected", zap.Stringer("peer", remote), zap.Stringer("session", p.agent.ID()))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.readControl(conn, p)
	}()
	return nil
}

// readControl consumes control lines until the connection ends. The end of
// the stream, graceful or not, marks the peer dead.
func (s *Server) readControl(conn net.Conn, p *peer) {
	log := s.log.With(zap.Stringer("peer", p.agent.Remote()))
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		msg := protocol.ParseMessage(scanner.Text())
		switch msg.Header {
		case protocol.HeaderStart:
			if !p.streaming.Swap(true) {
				log.Info("receiver started streaming")
			}
		case protocol.HeaderTelemetry:
			packets, frames, err := msg.Telemetry()
			if err != nil {
				log.Warn("bad telemetry", zap.Error(err))
				continue
			}
			p.agent.Analytics().Absorb(packets, frames)
		case "":
		default:
			log.Debug("unknown control message", zap.String("header", msg.Header))
		}
	}

	switch err := scanner.Err(); {
	case err == nil || errors.Is(err, io.EOF):
		log.Info("receiver closed the connection")
	case errors.Is(err, net.ErrClosed):
	default:
		log.Info("receiver connection lost", zap.Error(err))
	}
	p.agent.MarkDead()
}

// targets returns the streaming peers and drops dead ones. Dead Agents are
// stopped outside the lock, after they have left the list, so no capture
// tick can be sending through them.
func (s *Server) targets() []*agent.Agent {
	var live, dead []*agent.Agent

	s.mu.Lock()
	kept := s.peers[:0]
	for _, p := range s.peers {
		if !p.agent.Alive() {
			dead = append(dead, p.agent)
			continue
		}
		kept = append(kept, p)
		if p.streaming.Load() {
			live = append(live, p.agent)
		}
	}
	clear(s.peers[len(kept):])
	s.peers = kept
	s.mu.Unlock()

	for _, a := range dead {
		a.Stop()
		s.log.Info("receiver removed", zap.Stringer("peer", a.Remote()))
	}
	return live
}

// Peers is the number of connected receivers.
func (s *Server) Peers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

// Analytics returns each receiver's Agent analytics keyed by its data
// address. It satisfies analytics.Source.
func (s *Server) Analytics() map[string]*analytics.Analytics {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]*analytics.Analytics, len(s.peers))
	for _, p := range s.peers {
		out[p.agent.Remote().String()] = p.agent.Analytics()
	}
	return out
}

// Combined sums the current window of every receiver without resetting it.
func (s *Server) Combined() analytics.Snapshot {
	var snaps []analytics.Snapshot
	for _, a := range s.Analytics() {
		snaps = append(snaps, a.Snapshot())
	}
	return analytics.Combine(snaps...)
}

// Report sums and resets the window of every receiver.
func (s *Server) Report() analytics.Snapshot {
	var snaps []analytics.Snapshot
	for _, a := range s.Analytics() {
		snaps = append(snaps, a.SnapshotAndReset())
	}
	return analytics.Combine(snaps...)
}
