package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/pion/stun/v3"
)

// DefaultSTUNServer is a public STUN server.
const DefaultSTUNServer = "stun.l.google.com:19302"

const stunTimeout = 3 * time.Second

var ErrSTUNResponse = errors.New("unexpected STUN response")

// ReflexiveAddr asks a STUN server which address conn appears as from the
// outside. Pass the data socket so the answer matches the port a remote
// receiver would see. conn must not have a concurrent reader.
func ReflexiveAddr(ctx context.Context, conn net.PacketConn, server string) (*net.UDPAddr, error) {
	if server == "" {
		server = DefaultSTUNServer
	}
	dst, err := net.ResolveUDPAddr("udp4", server)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", server, err)
	}

	req, err := stun.Build(stun.TransactionID, stun.BindingRequest)
	if err != nil {
		return nil, fmt.Errorf("build STUN request: %w", err)
	}

	deadline := time.Now().Add(stunTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	stop := context.AfterFunc(ctx, func() { conn.SetReadDeadline(time.Now()) })
	defer stop()
	if err := conn.SetReadDeadline(deadline); err != nil {
		return nil, err
	}
	defer conn.SetReadDeadline(time.Time{})

	if _, err := conn.WriteTo(req.Raw, dst); err != nil {
		return nil, fmt.Errorf("send STUN request: %w", err)
	}

	buf := make([]byte, 1500)
	for {
		n, from, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("read STUN response: %w", err)
		}
		if from.String() != dst.String() || !stun.IsMessage(buf[:n]) {
			continue
		}

		res := &stun.Message{Raw: append([]byte(nil), buf[:n]...)}
		if err := res.Decode(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSTUNResponse, err)
		}
		if res.TransactionID != req.TransactionID {
			continue
		}
		if res.Type != stun.BindingSuccess {
			return nil, fmt.Errorf("%w: %s", ErrSTUNResponse, res.Type)
		}

		var xor stun.XORMappedAddress
		if err := xor.GetFrom(res); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSTUNResponse, err)
		}
		return &net.UDPAddr{IP: xor.IP, Port: xor.Port}, nil
	}
}
