package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/1ureka/framecast/internal/agent"
	"github.com/1ureka/framecast/internal/media"
	"github.com/1ureka/framecast/internal/protocol"
)

// LegacyConfig configures the single-receiver mode in which the receiver
// registers by sending protocol.StreamRequest to the server's data port.
// There is no control channel and no telemetry.
type LegacyConfig struct {
	DataAddr     string // server: listen address; receiver: server address
	BindAddr     string // receiver: local data address
	FPS          int
	PollInterval time.Duration
	Agent        agent.Config
	Logger       *zap.Logger
}

func (c *LegacyConfig) defaults() {
	if c.DataAddr == "" {
		c.DataAddr = DefaultDataAddr
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Agent.Logger == nil {
		c.Agent.Logger = c.Logger
	}
}

// LegacyServer streams to whichever address last sent a stream request.
type LegacyServer struct {
	cfg  LegacyConfig
	log  *zap.Logger
	src  media.Source
	conn net.PacketConn

	mu     sync.Mutex
	target *agent.Agent
}

// NewLegacyServer binds the data socket.
func NewLegacyServer(cfg LegacyConfig, src media.Source) (*LegacyServer, error) {
	cfg.defaults()
	conn, err := net.ListenPacket("udp", cfg.DataAddr)
	if err != nil {
		return nil, fmt.Errorf("listen data %s: %w", cfg.DataAddr, err)
	}
	s := &LegacyServer{cfg: cfg, log: cfg.Logger.Named("legacy"), src: src, conn: conn}
	s.log.Info("waiting for stream request", zap.Stringer("addr", conn.LocalAddr()))
	return s, nil
}

// Addr is the bound data address.
func (s *LegacyServer) Addr() net.Addr { return s.conn.LocalAddr() }

// Serve listens for stream requests and streams until ctx is done.
func (s *LegacyServer) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.conn.Close()
	}()
	go s.listen()

	err := captureLoop(ctx, s.log, s.src, s.cfg.FPS, func() []*agent.Agent {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.target == nil {
			return nil
		}
		return []*agent.Agent{s.target}
	})

	s.mu.Lock()
	if s.target != nil {
		s.target.Stop()
	}
	s.mu.Unlock()
	s.conn.Close()
	return err
}

// Target is the Agent currently streaming, or nil.
func (s *LegacyServer) Target() *agent.Agent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.target
}

func (s *LegacyServer) listen() {
	buf := make([]byte, 1024)
	for {
		n, from, err := s.conn.ReadFrom(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.log.Error("read failed", zap.Error(err))
			}
			return
		}
		if string(buf[:n]) != protocol.StreamRequest {
			continue
		}

		s.mu.Lock()
		if s.target == nil || s.target.Remote().String() != from.String() {
			if s.target != nil {
				s.target.Stop()
			}
			s.target = agent.New(s.conn, s.cfg.Agent, agent.WithRemote(from))
			s.log.Info("streaming", zap.Stringer("peer", from))
		}
		s.mu.Unlock()
	}
}

// WatchLegacy binds cfg.BindAddr, sends a stream request to cfg.DataAddr
// and writes each delivered frame to sink until ctx is done.
func WatchLegacy(ctx context.Context, cfg LegacyConfig, sink media.Sink) error {
	cfg.defaults()
	log := cfg.Logger.Named("legacy")

	server, err := net.ResolveUDPAddr("udp", cfg.DataAddr)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", cfg.DataAddr, err)
	}
	conn, err := net.ListenPacket("udp", cfg.BindAddr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", cfg.BindAddr, err)
	}

	a := agent.New(conn, cfg.Agent, agent.WithOwnedConn())
	defer a.Stop()

	if err := a.StartReceive(); err != nil {
		return err
	}
	if _, err := conn.WriteTo([]byte(protocol.StreamRequest), server); err != nil {
		return fmt.Errorf("send stream request: %w", err)
	}
	log.Info("stream requested", zap.Stringer("server", server))

	ticker := time.NewTicker(cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		f, err := a.Latest()
		if err != nil {
			continue
		}
		if err := sink.Write(f.Serial, f.Data); err != nil {
			log.Warn("sink failed", zap.Uint16("serial", f.Serial), zap.Error(err))
		}
	}
}
