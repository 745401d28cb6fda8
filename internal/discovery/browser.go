package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/1ureka/framecast/internal/protocol"
)

// DefaultWait is how long Discover collects responses.
const DefaultWait = time.Second

var (
	ErrNoResponders = errors.New("no server answered")
	ErrNotPicked    = errors.New("server did not confirm the pick")
)

// Browser is the receiver's side of discovery.
type Browser struct {
	conn net.PacketConn
	log  *zap.Logger
}

// NewBrowser binds an ephemeral UDP socket.
func NewBrowser(log *zap.Logger) (*Browser, error) {
	if log == nil {
		log = zap.NewNop()
	}
	conn, err := net.ListenPacket("udp4", ":0")
	if err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}
	return &Browser{conn: conn, log: log.Named("discovery")}, nil
}

// Close releases the socket.
func (b *Browser) Close() error { return b.conn.Close() }

// BroadcastAddr is the limited broadcast address on port.
func BroadcastAddr(port int) string {
	return net.JoinHostPort(net.IPv4bcast.String(), strconv.Itoa(port))
}

// Discover sends DDSH to target (normally BroadcastAddr) and collects the
// distinct servers answering RESH within wait.
func (b *Browser) Discover(ctx context.Context, target string, wait time.Duration) ([]*net.UDPAddr, error) {
	if wait <= 0 {
		wait = DefaultWait
	}
	dst, err := net.ResolveUDPAddr("udp4", target)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", target, err)
	}
	if _, err := b.conn.WriteTo([]byte(protocol.HeaderDiscover), dst); err != nil {
		return nil, fmt.Errorf("broadcast: %w", err)
	}

	deadline := time.Now().Add(wait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	seen := map[string]bool{}
	var found []*net.UDPAddr
	err = b.collect(ctx, deadline, func(msg protocol.Message, from *net.UDPAddr) bool {
		if msg.Header == protocol.HeaderResponse && !seen[from.String()] {
			seen[from.String()] = true
			found = append(found, from)
			b.log.Debug("server found", zap.Stringer("addr", from))
		}
		return false
	})
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, ErrNoResponders
	}
	return found, nil
}

// Pick sends PIKD to server and returns the control address it announces.
func (b *Browser) Pick(ctx context.Context, server *net.UDPAddr, wait time.Duration) (*net.TCPAddr, error) {
	if wait <= 0 {
		wait = DefaultWait
	}
	if _, err := b.conn.WriteTo([]byte(protocol.HeaderPick), server); err != nil {
		return nil, fmt.Errorf("pick: %w", err)
	}

	var control *net.TCPAddr
	var perr error
	err := b.collect(ctx, time.Now().Add(wait), func(msg protocol.Message, from *net.UDPAddr) bool {
		if msg.Header != protocol.HeaderPicked || !from.IP.Equal(server.IP) {
			return false
		}
		port, err := msg.Port()
		if err != nil {
			perr = err
			return true
		}
		control = &net.TCPAddr{IP: from.IP, Port: port}
		return true
	})
	switch {
	case err != nil:
		return nil, err
	case perr != nil:
		return nil, perr
	case control == nil:
		return nil, ErrNotPicked
	}
	return control, nil
}

// collect reads messages until deadline, ctx is done, or fn returns true.
func (b *Browser) collect(ctx context.Context, deadline time.Time, fn func(protocol.Message, *net.UDPAddr) bool) error {
	stop := context.AfterFunc(ctx, func() { b.conn.SetReadDeadline(time.Now()) })
	defer stop()

	if err := b.conn.SetReadDeadline(deadline); err != nil {
		return err
	}
	defer b.conn.SetReadDeadline(time.Time{})

	buf := make([]byte, 512)
	for {
		n, from, err := b.conn.ReadFrom(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return ctx.Err()
			}
			return fmt.Errorf("read discovery: %w", err)
		}
		udp, ok := from.(*net.UDPAddr)
		if !ok {
			continue
		}
		if fn(protocol.ParseMessage(string(buf[:n])), udp) {
			return nil
		}
	}
}
