package agent

import (
	"bytes"
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/1ureka/framecast/internal/protocol"
)

func listenUDP(t *testing.T) net.PacketConn {
	t.Helper()
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func testFrame(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i) ^ seed
	}
	return b
}

// encodeFrame segments and encodes a frame the way SendData does.
func encodeFrame(t *testing.T, frame []byte, serial uint16, opts protocol.SegmentOptions) [][]byte {
	t.Helper()
	packets, err := protocol.Segment(protocol.NewData(frame), serial, opts)
	if err != nil {
		t.Fatalf("Segment failed: %v", err)
	}
	wire := make([][]byte, len(packets))
	for i, p := range packets {
		if wire[i], err = protocol.Encode(p); err != nil {
			t.Fatalf("Encode failed: %v", err)
		}
	}
	return wire
}

// waitFrame polls Latest until a frame arrives or the deadline passes.
func waitFrame(t *testing.T, a *Agent) Frame {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f, err := a.Latest()
		if err == nil {
			return f
		}
		if !errors.Is(err, ErrNoFrame) {
			t.Fatalf("Latest failed: %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("no frame before deadline")
	return Frame{}
}

func TestLoopbackDelivery(t *testing.T) {
	for _, tc := range []struct {
		name string
		key  []byte
	}{
		{"plaintext", nil},
		{"encrypted", protocol.KeyFromPassword("123456")},
	} {
		t.Run(tc.name, func(t *testing.T) {
			log := zaptest.NewLogger(t)
			rxConn, txConn := listenUDP(t), listenUDP(t)

			rx := New(rxConn, Config{Key: tc.key, Logger: log}, WithOwnedConn())
			tx := New(txConn, Config{Key: tc.key, ChunkSize: 1024, PacketDelay: 50 * time.Microsecond, Logger: log},
				WithRemote(rxConn.LocalAddr()))
			defer rx.Stop()
			defer tx.Stop()

			if err := rx.StartReceive(); err != nil {
				t.Fatalf("StartReceive failed: %v", err)
			}
			if rx.State() != StateActive {
				t.Fatalf("receiver state: %s", rx.State())
			}

			for i := range 3 {
				frame := testFrame(5000, byte(i))
				if err := tx.SendData(context.Background(), frame); err != nil {
					t.Fatalf("SendData failed: %v", err)
				}
				f := waitFrame(t, rx)
				if f.Serial != uint16(i) || !bytes.Equal(f.Data, frame) {
					t.Fatalf("frame %d: got serial %d, %d bytes", i, f.Serial, len(f.Data))
				}
			}

			sent := tx.Analytics().Snapshot()
			if sent.FramesSent != 3 || sent.PacketsSent != 15 {
				t.Errorf("sender counters: %+v", sent.Counters)
			}
			if got := rx.Analytics().Snapshot().GoodFrames; got != 3 {
				t.Errorf("good frames: got %d, want 3", got)
			}
		})
	}
}

func TestReceiveDiscardsNoise(t *testing.T) {
	a := New(listenUDP(t), Config{Logger: zaptest.NewLogger(t)})
	wire := encodeFrame(t, testFrame(100, 1), 1, protocol.SegmentOptions{})[0]

	flipped := bytes.Clone(wire)
	flipped[len(flipped)-1] ^= 0x01

	foreign := bytes.Clone(wire)
	foreign[0] = 0x00

	encrypted := encodeFrame(t, testFrame(100, 2), 2, protocol.SegmentOptions{Key: protocol.KeyFromPassword("x")})[0]

	for _, raw := range [][]byte{[]byte("START STREAM"), flipped, foreign, wire[:len(wire)-1], encrypted} {
		if a.Receive(raw) {
			t.Errorf("accepted %d-byte noise datagram", len(raw))
		}
	}

	s := a.Analytics().Snapshot()
	if s.CRCErrors != 2 || s.Invalid != 3 || s.PacketsReceived != 5 {
		t.Errorf("counters: %+v", s.Counters)
	}
	if a.Pending() != 0 {
		t.Errorf("noise reached reassembly: %d pending", a.Pending())
	}
	if _, err := a.Latest(); !errors.Is(err, ErrNoFrame) {
		t.Errorf("Latest: got %v, want ErrNoFrame", err)
	}
}

// TestFanOutIsolation feeds two receivers the same frames with different
// loss patterns; each counts only what it completed itself.
func TestFanOutIsolation(t *testing.T) {
	log := zaptest.NewLogger(t)
	full := New(listenUDP(t), Config{Logger: log})
	lossy := New(listenUDP(t), Config{Logger: log})

	const frames = 10
	for serial := range uint16(frames) {
		wire := encodeFrame(t, testFrame(2500, byte(serial)), serial, protocol.SegmentOptions{ChunkSize: 1000})
		for i, raw := range wire {
			full.Receive(raw)
			if serial%2 == 0 && i == 1 {
				continue
			}
			lossy.Receive(raw)
		}
		full.Latest()
		lossy.Latest()
	}

	if got := full.Analytics().Snapshot().GoodFrames; got != frames {
		t.Errorf("full receiver: %d good frames, want %d", got, frames)
	}
	if got := lossy.Analytics().Snapshot().GoodFrames; got != frames/2 {
		t.Errorf("lossy receiver: %d good frames, want %d", got, frames/2)
	}
}

func TestReceiveEvictsOnTimeout(t *testing.T) {
	var mu sync.Mutex
	now := time.Unix(100, 0)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}

	a := New(listenUDP(t), Config{Timeout: time.Second}, withClock(clock))
	wire := encodeFrame(t, testFrame(500, 3), 42, protocol.SegmentOptions{ChunkSize: 100})

	a.Receive(wire[0])
	a.Receive(wire[2])

	mu.Lock()
	now = now.Add(2 * time.Second)
	mu.Unlock()

	a.Receive(wire[1])
	if a.Pending() != 0 {
		t.Fatalf("expired frame still pending")
	}
	for _, raw := range wire[3:] {
		a.Receive(raw)
	}
	if _, err := a.Latest(); !errors.Is(err, ErrNoFrame) {
		t.Errorf("evicted frame delivered: %v", err)
	}

	s := a.Analytics().Snapshot()
	if s.Evicted != 1 || s.Stale != 2 {
		t.Errorf("counters: %+v", s.Counters)
	}
}

func TestStop(t *testing.T) {
	conn := listenUDP(t)
	a := New(conn, Config{}, WithOwnedConn(), WithRemote(conn.LocalAddr()))

	if err := a.SendData(context.Background(), []byte("frame")); err != nil {
		t.Fatalf("SendData failed: %v", err)
	}
	if a.State() != StateActive || !a.Alive() {
		t.Fatalf("state after send: %s", a.State())
	}

	if err := a.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := a.Stop(); err != nil {
		t.Fatalf("second Stop failed: %v", err)
	}
	select {
	case <-a.Done():
	default:
		t.Fatal("Done not closed")
	}
	if a.Alive() {
		t.Error("stopped agent reports alive")
	}
	if err := a.SendData(context.Background(), []byte("frame")); !errors.Is(err, ErrStopped) {
		t.Errorf("SendData after Stop: got %v", err)
	}
	if err := a.StartReceive(); !errors.Is(err, ErrStopped) {
		t.Errorf("StartReceive after Stop: got %v", err)
	}
	if _, err := conn.WriteTo([]byte("x"), conn.LocalAddr()); !errors.Is(err, net.ErrClosed) {
		t.Errorf("owned socket still open: %v", err)
	}
}

func TestSendDataCancelled(t *testing.T) {
	conn := listenUDP(t)
	a := New(conn, Config{ChunkSize: 10, PacketDelay: time.Hour}, WithRemote(conn.LocalAddr()))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	if err := a.SendData(ctx, testFrame(100, 0)); !errors.Is(err, context.Canceled) {
		t.Fatalf("SendData: got %v, want context.Canceled", err)
	}
	if a.Serial() != 1 {
		t.Errorf("aborted frame did not consume its serial: next is %d", a.Serial())
	}
	if err := New(conn, Config{}).SendData(ctx, []byte("x")); !errors.Is(err, ErrNoRemote) {
		t.Errorf("SendData without remote: got %v", err)
	}
}
