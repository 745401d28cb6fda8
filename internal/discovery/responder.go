// Package discovery lets a receiver find a server on the local network by
// UDP broadcast, and lets either side learn its public address via STUN.
//
// Exchange:
//
//	receiver --DDSH--> broadcast
//	server   --RESH--> receiver          (twice)
//	receiver --PIKD--> chosen server
//	server   --PRED|<control port>-->    (twice, then stops listening)
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"

	"go.uber.org/zap"
	"golang.org/x/net/ipv4"

	"github.com/1ureka/framecast/internal/protocol"
)

// DefaultPort is the UDP port the responder listens on.
const DefaultPort = 20003

// replies is how many times each answer is sent, for loss tolerance.
const replies = 2

// ResponderConfig configures a Responder.
type ResponderConfig struct {
	Addr        string // listen address; ":20003" when empty
	ControlPort int    // advertised in PRED
	Logger      *zap.Logger
}

// Responder answers discovery broadcasts on behalf of a server.
type Responder struct {
	cfg  ResponderConfig
	log  *zap.Logger
	conn net.PacketConn
	pc   *ipv4.PacketConn
	cm   bool // control messages available
}

// NewResponder binds the discovery socket.
func NewResponder(cfg ResponderConfig) (*Responder, error) {
	if cfg.Addr == "" {
		cfg.Addr = ":" + strconv.Itoa(DefaultPort)
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	conn, err := net.ListenPacket("udp4", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("listen discovery %s: %w", cfg.Addr, err)
	}

	r := &Responder{
		cfg:  cfg,
		log:  cfg.Logger.Named("discovery"),
		conn: conn,
		pc:   ipv4.NewPacketConn(conn),
	}
	// Replies leave through the interface the broadcast arrived on. Without
	// the socket option they follow the default route.
	if err := r.pc.SetControlMessage(ipv4.FlagInterface, true); err != nil {
		r.log.Debug("interface control messages unavailable", zap.Error(err))
	} else {
		r.cm = true
	}
	return r, nil
}

// Addr is the bound discovery address.
func (r *Responder) Addr() net.Addr { return r.conn.LocalAddr() }

// Close releases the socket and unblocks Serve.
func (r *Responder) Close() error { return r.conn.Close() }

// Serve answers DDSH with RESH until a receiver picks this server with
// PIKD, answers PRED with the control port, and returns. It also returns,
// without error, when ctx is done.
func (r *Responder) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { r.conn.Close() })
	defer stop()
	defer r.conn.Close()

	buf := make([]byte, 512)
	for {
		n, cm, src, err := r.pc.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("read discovery: %w", err)
		}

		var out *ipv4.ControlMessage
		if r.cm && cm != nil {
			out = &ipv4.ControlMessage{IfIndex: cm.IfIndex}
		}

		switch msg := protocol.ParseMessage(string(buf[:n])); msg.Header {
		case protocol.HeaderDiscover:
			r.log.Debug("discover", zap.Stringer("from", src))
			r.reply(protocol.NewMessage(protocol.HeaderResponse), out, src)
		case protocol.HeaderPick:
			r.log.Info("picked", zap.Stringer("by", src))
			r.reply(protocol.NewMessage(protocol.HeaderPicked, strconv.Itoa(r.cfg.ControlPort)), out, src)
			return nil
		}
	}
}

func (r *Responder) reply(m protocol.Message, cm *ipv4.ControlMessage, to net.Addr) {
	b := []byte(m.String())
	for range replies {
		if _, err := r.pc.WriteTo(b, cm, to); err != nil {
			r.log.Warn("reply failed", zap.Stringer("to", to), zap.Error(err))
			return
		}
	}
}
