package bench

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

func listenUDP(t *testing.T) net.PacketConn {
	t.Helper()
	conn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenPacket failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestSendReceive(t *testing.T) {
	sender, receiver := listenUDP(t), listenUDP(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	type sendOut struct {
		res SendResult
		err error
	}
	out := make(chan sendOut, 1)
	go func() {
		res, err := Send(ctx, sender, Config{ChunkSize: 1024, Logger: zaptest.NewLogger(t)})
		out <- sendOut{res, err}
	}()

	got, err := Receive(ctx, receiver, sender.LocalAddr(), 200*time.Millisecond, Config{ChunkSize: 1024})
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	if got.Received == 0 {
		t.Fatal("receiver counted no chunks")
	}
	if got.Dropped != 0 {
		t.Errorf("valid chunks were dropped: %d", got.Dropped)
	}

	sent := <-out
	if sent.err != nil {
		t.Fatalf("Send failed: %v", sent.err)
	}
	if sent.res.Received != got.Received {
		t.Errorf("sender got report %d, receiver counted %d", sent.res.Received, got.Received)
	}
	if sent.res.Sent < sent.res.Received {
		t.Errorf("sent %d < received %d", sent.res.Sent, sent.res.Received)
	}
	if rate := sent.res.DeliveryRate(); rate <= 0 || rate > 100 {
		t.Errorf("delivery rate %v out of range", rate)
	}
	if sent.res.ChunksPerSecond() <= 0 {
		t.Error("chunks per second should be positive")
	}
}

func TestSendRejectsBadStart(t *testing.T) {
	sender, other := listenUDP(t), listenUDP(t)
	if _, err := other.WriteTo([]byte("HELLO"), sender.LocalAddr()); err != nil {
		t.Fatalf("WriteTo failed: %v", err)
	}
	_, err := Send(context.Background(), sender, Config{})
	if !errors.Is(err, ErrBadStart) {
		t.Errorf("got %v, want ErrBadStart", err)
	}
}

func TestSendCancelledWhileWaiting(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := Send(ctx, listenUDP(t), Config{})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("got %v, want context.DeadlineExceeded", err)
	}
}

func TestReceiveCountsNoise(t *testing.T) {
	receiver, noise := listenUDP(t), listenUDP(t)
	for _, b := range [][]byte{[]byte("garbage"), make([]byte, 64)} {
		noise.WriteTo(b, receiver.LocalAddr())
	}
	res, err := Receive(context.Background(), receiver, noise.LocalAddr(), 100*time.Millisecond, Config{})
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	if res.Received != 0 || res.Dropped != 2 {
		t.Errorf("got received=%d dropped=%d, want 0 and 2", res.Received, res.Dropped)
	}
}
