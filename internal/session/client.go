package session

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/1ureka/framecast/internal/agent"
	"github.com/1ureka/framecast/internal/media"
	"github.com/1ureka/framecast/internal/protocol"
)

// Defaults for ClientConfig.
const (
	DefaultReportInterval = time.Second
	DefaultPollInterval   = 5 * time.Millisecond
	DefaultDialTimeout    = 5 * time.Second
)

var (
	ErrBadHandshake = errors.New("bad handshake")
	ErrPeerClosed   = errors.New("server closed the control connection")
)

// ClientConfig configures a receiving Client.
type ClientConfig struct {
	ServerAddr     string // host:port of the server's control listener
	BindHost       string // local host to bind the data socket on; all interfaces when empty
	ReportInterval time.Duration
	PollInterval   time.Duration // how often Run asks for a new frame
	DialTimeout    time.Duration
	Agent          agent.Config
	Logger         *zap.Logger
}

// Client is a receiver: it performs the control handshake, binds the data
// port the server assigned, asks for the stream and reports telemetry.
type Client struct {
	cfg     ClientConfig
	log     *zap.Logger
	control net.Conn
	agent   *agent.Agent
	port    int

	writeMu sync.Mutex
	done    chan struct{}
	once    sync.Once
}

// Dial connects to the server, reads the assigned data port and binds it.
// Handshake failures are returned as is; there is no retry.
func Dial(ctx context.Context, cfg ClientConfig) (*Client, error) {
	if cfg.ReportInterval <= 0 {
		cfg.ReportInterval = DefaultReportInterval
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Agent.Logger == nil {
		cfg.Agent.Logger = cfg.Logger
	}
	log := cfg.Logger.Named("client").With(zap.String("server", cfg.ServerAddr))

	d := net.Dialer{Timeout: cfg.DialTimeout}
	control, err := d.DialContext(ctx, "tcp", cfg.ServerAddr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.ServerAddr, err)
	}

	control.SetReadDeadline(time.Now().Add(cfg.DialTimeout))
	reader := bufio.NewReader(control)
	line, err := reader.ReadString('\n')
	if err != nil {
		control.Close()
		return nil, fmt.Errorf("%w: read port: %v", ErrBadHandshake, err)
	}
	port, err := protocol.ParsePort(line)
	if err != nil {
		control.Close()
		return nil, fmt.Errorf("%w: %v", ErrBadHandshake, err)
	}
	control.SetReadDeadline(time.Time{})

	bind := net.JoinHostPort(cfg.BindHost, strconv.Itoa(port))
	conn, err := net.ListenPacket("udp", bind)
	if err != nil {
		control.Close()
		return nil, fmt.Errorf("bind data port %s: %w", bind, err)
	}

	c := &Client{
		cfg:     cfg,
		log:     log.With(zap.Int("port", port)),
		control: control,
		agent:   agent.New(conn, cfg.Agent, agent.WithOwnedConn(), agent.WithControl(control)),
		port:    port,
		done:    make(chan struct{}),
	}
	c.log.Info("connected")

	go c.watchControl(reader)
	return c, nil
}

// Port is the data port assigned by the server.
func (c *Client) Port() int { return c.port }

// Agent is the receiving protocol engine.
func (c *Client) Agent() *agent.Agent { return c.agent }

// Done is closed when the server goes away or the Client is closed.
func (c *Client) Done() <-chan struct{} { return c.done }

// Start begins receiving, asks the server to stream, and starts telemetry.
func (c *Client) Start() error {
	if err := c.agent.StartReceive(); err != nil {
		return err
	}
	if err := c.send(protocol.NewMessage(protocol.HeaderStart)); err != nil {
		return fmt.Errorf("request stream: %w", err)
	}
	go c.reportLoop()
	return nil
}

// Latest returns the newest frame not yet delivered, or agent.ErrNoFrame.
func (c *Client) Latest() (agent.Frame, error) { return c.agent.Latest() }

// Run starts the client and writes each delivered frame to sink until ctx
// is done or the server goes away.
func (c *Client) Run(ctx context.Context, sink media.Sink) error {
	if err := c.Start(); err != nil {
		return err
	}
	defer c.Close()

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.done:
			return ErrPeerClosed
		case <-ticker.C:
		}

		f, err := c.agent.Latest()
		if err != nil {
			continue
		}
		if err := sink.Write(f.Serial, f.Data); err != nil {
			c.log.Warn("sink failed", zap.Uint16("serial", f.Serial), zap.Error(err))
		}
	}
}

// Close stops the Agent, which closes both sockets.
func (c *Client) Close() error {
	c.once.Do(func() { close(c.done) })
	return c.agent.Stop()
}

func (c *Client) send(m protocol.Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := c.control.Write(m.Line())
	return err
}

// reportLoop sends the packets and frames received since the previous
// report, every ReportInterval.
func (c *Client) reportLoop() {
	ticker := time.NewTicker(c.cfg.ReportInterval)
	defer ticker.Stop()

	var prevPackets, prevFrames uint64
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
		}

		t := c.agent.Analytics().Totals()
		msg := protocol.TelemetryMessage(t.PacketsReceived-prevPackets, t.FramesReceived-prevFrames)
		prevPackets, prevFrames = t.PacketsReceived, t.FramesReceived

		if err := c.send(msg); err != nil {
			c.log.Debug("telemetry failed", zap.Error(err))
			return
		}
	}
}

// watchControl waits for the server to close the control connection.
func (c *Client) watchControl(r *bufio.Reader) {
	for {
		if _, err := r.ReadString('\n'); err != nil {
			select {
			case <-c.done:
			default:
				c.log.Info("server closed the connection", zap.Error(err))
				c.agent.MarkDead()
				c.once.Do(func() { close(c.done) })
			}
			return
		}
	}
}
