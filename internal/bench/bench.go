// Package bench measures raw chunk throughput between two hosts. A receiver
// asks a sender to start, counts every valid chunk for a fixed duration and
// reports the count back; the sender blasts chunks until that report
// arrives.
package bench

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/1ureka/framecast/internal/protocol"
)

// StartMessage is the datagram a receiver sends to begin a run.
var StartMessage = []byte("START")

// DefaultDuration is how long a receiver counts when none is given.
const DefaultDuration = 5 * time.Second

var ErrBadStart = errors.New("bench: unexpected start message")

// Config configures both sides of a run.
type Config struct {
	ChunkSize int // data bytes per chunk, defaults to protocol.MaxChunkSize
	Logger    *zap.Logger
}

func (c Config) withDefaults() Config {
	if c.ChunkSize <= 0 || c.ChunkSize > protocol.MaxChunkSize {
		c.ChunkSize = protocol.MaxChunkSize
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// SendResult is the sender's view of a run.
type SendResult struct {
	Peer     net.Addr
	Sent     uint64 // chunks written
	Received uint64 // chunks the receiver reported as valid
	Elapsed  time.Duration
}

// ChunksPerSecond is the send rate.
func (r SendResult) ChunksPerSecond() float64 {
	if r.Elapsed <= 0 {
		return 0
	}
	return float64(r.Sent) / r.Elapsed.Seconds()
}

// DeliveryRate is the percentage of sent chunks the receiver counted.
func (r SendResult) DeliveryRate() float64 {
	if r.Sent == 0 {
		return 0
	}
	return 100 * float64(r.Received) / float64(r.Sent)
}

// ReceiveResult is the receiver's view of a run.
type ReceiveResult struct {
	Received uint64 // valid chunks
	Dropped  uint64 // datagrams that failed decoding or the checksum
	Elapsed  time.Duration
}

// ChunksPerSecond is the valid receive rate.
func (r ReceiveResult) ChunksPerSecond() float64 {
	if r.Elapsed <= 0 {
		return 0
	}
	return float64(r.Received) / r.Elapsed.Seconds()
}

// testChunk builds the single datagram a sender repeats.
func testChunk(size int) ([]byte, error) {
	return protocol.Encode(&protocol.Packet{
		Flags: protocol.NewFlags(protocol.PositionOnly, false, false),
		Data:  bytes.Repeat([]byte("1"), size),
	})
}

// Send waits on conn for a receiver's start message, then writes chunks to
// it until the receiver reports its count or ctx is done.
func Send(ctx context.Context, conn net.PacketConn, cfg Config) (SendResult, error) {
	cfg = cfg.withDefaults()
	log := cfg.Logger.Named("bench")

	chunk, err := testChunk(cfg.ChunkSize)
	if err != nil {
		return SendResult{}, err
	}

	stop := context.AfterFunc(ctx, func() { conn.SetReadDeadline(time.Now()) })
	defer stop()

	buf := make([]byte, protocol.MaxDatagramSize)
	n, peer, err := conn.ReadFrom(buf)
	if err != nil {
		if ctx.Err() != nil {
			return SendResult{}, ctx.Err()
		}
		return SendResult{}, fmt.Errorf("wait for start: %w", err)
	}
	if !bytes.Equal(buf[:n], StartMessage) {
		return SendResult{}, fmt.Errorf("%w from %s", ErrBadStart, peer)
	}
	log.Info("bench started", zap.Stringer("peer", peer), zap.Int("chunk_size", cfg.ChunkSize))

	res := SendResult{Peer: peer}
	var (
		wg    sync.WaitGroup
		done  = make(chan struct{})
		count uint64
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(done)
		rbuf := make([]byte, 64)
		for {
			n, from, err := conn.ReadFrom(rbuf)
			if err != nil {
				return
			}
			if n == 4 && from.String() == peer.String() {
				count = uint64(binary.BigEndian.Uint32(rbuf[:4]))
				return
			}
		}
	}()

	start := time.Now()
	var writeErrs int
loop:
	for {
		select {
		case <-done:
			break loop
		default:
		}
		if _, err := conn.WriteTo(chunk, peer); err != nil {
			if errors.Is(err, net.ErrClosed) {
				break loop
			}
			// Kernel buffer pressure; the chunk counts as lost.
			writeErrs++
		}
		res.Sent++
	}
	res.Elapsed = time.Since(start)
	conn.SetReadDeadline(time.Now())
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return res, err
	}
	res.Received = count
	log.Info("bench finished",
		zap.Uint64("sent", res.Sent),
		zap.Uint64("received", res.Received),
		zap.Int("write_errors", writeErrs),
	)
	return res, nil
}

// Receive asks the sender at server to start, counts valid chunks for d and
// then reports the count to it.
func Receive(ctx context.Context, conn net.PacketConn, server net.Addr, d time.Duration, cfg Config) (ReceiveResult, error) {
	cfg = cfg.withDefaults()
	if d <= 0 {
		d = DefaultDuration
	}

	if _, err := conn.WriteTo(StartMessage, server); err != nil {
		return ReceiveResult{}, fmt.Errorf("send start: %w", err)
	}

	start := time.Now()
	conn.SetReadDeadline(start.Add(d))
	stop := context.AfterFunc(ctx, func() { conn.SetReadDeadline(time.Now()) })
	defer stop()

	var res ReceiveResult
	buf := make([]byte, protocol.MaxDatagramSize)
	for {
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				break
			}
			return res, err
		}
		pkt, err := protocol.Decode(buf[:n])
		if err != nil || pkt.Verify() != nil {
			res.Dropped++
			continue
		}
		res.Received++
	}
	res.Elapsed = time.Since(start)
	conn.SetReadDeadline(time.Time{})

	if err := ctx.Err(); err != nil {
		return res, err
	}

	var report [4]byte
	binary.BigEndian.PutUint32(report[:], uint32(res.Received))
	if _, err := conn.WriteTo(report[:], server); err != nil {
		return res, fmt.Errorf("send report: %w", err)
	}
	cfg.Logger.Named("bench").Info("bench report sent",
		zap.Uint64("received", res.Received),
		zap.Uint64("dropped", res.Dropped),
	)
	return res, nil
}
