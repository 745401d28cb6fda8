package reassembly

import (
	"bytes"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/1ureka/framecast/internal/protocol"
)

// chunks segments a frame of n bytes into plaintext chunks of size bytes.
func chunks(t *testing.T, serial uint16, n, size int) ([]*protocol.Packet, []byte) {
	t.Helper()
	frame := make([]byte, n)
	for i := range frame {
		frame[i] = byte(i*7 + int(serial))
	}
	packets, err := protocol.Segment(protocol.NewData(frame), serial, protocol.SegmentOptions{ChunkSize: size})
	if err != nil {
		t.Fatalf("Segment failed: %v", err)
	}
	return packets, frame
}

func TestTableDeliversCompleteFrame(t *testing.T) {
	tbl := NewTable(time.Second)
	now := time.Now()
	packets, frame := chunks(t, 3, 1300, 1024)

	if got := tbl.Insert(packets[1], now); got != Stored {
		t.Fatalf("Insert LAST first: got %v, want Stored", got)
	}
	if _, err := tbl.Latest(); !errors.Is(err, ErrNoFrame) {
		t.Fatalf("Latest on incomplete frame: got %v", err)
	}
	if got := tbl.Insert(packets[0], now); got != Completed {
		t.Fatalf("Insert FIRST: got %v, want Completed", got)
	}

	f, err := tbl.Latest()
	if err != nil {
		t.Fatalf("Latest failed: %v", err)
	}
	if f.Serial != 3 || !bytes.Equal(f.Data, frame) {
		t.Errorf("Latest returned serial %d with %d bytes", f.Serial, len(f.Data))
	}
	if tbl.Len() != 0 {
		t.Errorf("delivered list still tracked: Len=%d", tbl.Len())
	}
	if _, err := tbl.Latest(); !errors.Is(err, ErrNoFrame) {
		t.Errorf("second Latest: got %v, want ErrNoFrame", err)
	}
}

func TestTableDuplicatesOverwrite(t *testing.T) {
	tbl := NewTable(time.Second)
	now := time.Now()
	packets, frame := chunks(t, 9, 3000, 1024)

	for _, p := range []*protocol.Packet{packets[0], packets[0], packets[1], packets[1], packets[2]} {
		tbl.Insert(p, now)
	}
	f, err := tbl.Latest()
	if err != nil {
		t.Fatalf("Latest failed: %v", err)
	}
	if !bytes.Equal(f.Data, frame) {
		t.Error("duplicates corrupted the frame")
	}
}

// TestTableLatestWinsMonotonic completes S after S+1 has been delivered.
func TestTableLatestWinsMonotonic(t *testing.T) {
	tbl := NewTable(time.Second)
	now := time.Now()
	older, _ := chunks(t, 10, 2000, 1024)
	newer, _ := chunks(t, 11, 2000, 1024)

	tbl.Insert(older[0], now)
	for _, p := range newer {
		tbl.Insert(p, now)
	}
	f, err := tbl.Latest()
	if err != nil || f.Serial != 11 {
		t.Fatalf("Latest: got serial %d, err %v; want 11", f.Serial, err)
	}

	if got := tbl.Insert(older[1], now); got != Stale {
		t.Errorf("late chunk of serial 10: got %v, want Stale", got)
	}
	for range 3 {
		if _, err := tbl.Latest(); !errors.Is(err, ErrNoFrame) {
			t.Fatalf("Latest after delivery: got %v, want ErrNoFrame", err)
		}
	}
}

func TestTablePicksNewestComplete(t *testing.T) {
	tbl := NewTable(time.Second)
	now := time.Now()
	for _, serial := range []uint16{4, 6, 5} {
		packets, _ := chunks(t, serial, 500, 1024)
		tbl.Insert(packets[0], now)
	}
	f, err := tbl.Latest()
	if err != nil || f.Serial != 6 {
		t.Fatalf("Latest: got serial %d, err %v; want 6", f.Serial, err)
	}
	if tbl.Len() != 0 {
		t.Errorf("frames behind the delivered one remain: Len=%d", tbl.Len())
	}
}

// TestTableEvictsPartialFrame leaves 2 of 5 chunks untouched past the timeout.
func TestTableEvictsPartialFrame(t *testing.T) {
	const timeout = 100 * time.Millisecond
	tbl := NewTable(timeout)
	start := time.Now()
	packets, _ := chunks(t, 20, 5*100, 100)
	if len(packets) != 5 {
		t.Fatalf("got %d chunks, want 5", len(packets))
	}

	tbl.Insert(packets[0], start)
	tbl.Insert(packets[3], start)
	if n := tbl.Evict(start.Add(timeout / 2)); n != 0 {
		t.Fatalf("evicted %d lists before the timeout", n)
	}
	if n := tbl.Evict(start.Add(timeout + time.Millisecond)); n != 1 {
		t.Fatalf("evicted %d lists, want 1", n)
	}
	if tbl.Has(20) {
		t.Fatal("evicted list is still present")
	}

	late := start.Add(timeout + 2*time.Millisecond)
	for _, i := range []int{1, 2, 4} {
		if got := tbl.Insert(packets[i], late); got != Stale {
			t.Errorf("late chunk %d: got %v, want Stale", i, got)
		}
	}
	if _, err := tbl.Latest(); !errors.Is(err, ErrNoFrame) {
		t.Errorf("evicted frame completed: %v", err)
	}

	// Tombstones expire one timeout later, after which the serial is usable again.
	tbl.Evict(late.Add(2 * timeout))
	if got := tbl.Insert(packets[0], late.Add(2*timeout)); got != Stored {
		t.Errorf("insert after tombstone expiry: got %v, want Stored", got)
	}
}

func TestTableRefusesChunkBeyondLast(t *testing.T) {
	tbl := NewTable(time.Second)
	now := time.Now()
	packets, _ := chunks(t, 1, 300, 100)

	tbl.Insert(packets[2], now)
	bogus := *packets[1]
	bogus.Index = 5
	if got := tbl.Insert(&bogus, now); got != Refused {
		t.Errorf("chunk past LAST: got %v, want Refused", got)
	}
}

// TestTableSerialRollover delivers 65535 and then 0.
func TestTableSerialRollover(t *testing.T) {
	tbl := NewTable(time.Second)
	now := time.Now()

	for _, serial := range []uint16{65534, 65535, 0, 1} {
		packets, frame := chunks(t, serial, 1500, 1024)
		for _, p := range packets {
			tbl.Insert(p, now)
		}
		f, err := tbl.Latest()
		if err != nil {
			t.Fatalf("serial %d: Latest failed: %v", serial, err)
		}
		if f.Serial != serial || !bytes.Equal(f.Data, frame) {
			t.Fatalf("got serial %d, want %d", f.Serial, serial)
		}
	}
	if last, ok := tbl.LastDelivered(); !ok || last != 1 {
		t.Errorf("LastDelivered: got %d, %t", last, ok)
	}
}

func TestTableFrameChecksum(t *testing.T) {
	tbl := NewTable(time.Second)
	now := time.Now()
	packets, _ := chunks(t, 2, 2000, 1024)

	packets[1].Data[0] ^= 0xff
	for _, p := range packets {
		tbl.Insert(p, now)
	}
	if _, err := tbl.Latest(); !errors.Is(err, ErrFrameChecksum) {
		t.Fatalf("Latest: got %v, want ErrFrameChecksum", err)
	}
	if tbl.Len() != 0 {
		t.Error("corrupt frame still tracked")
	}
}

func TestNewer(t *testing.T) {
	cases := []struct {
		a, b uint16
		want bool
	}{
		{1, 0, true},
		{0, 1, false},
		{5, 5, false},
		{0, 65535, true},
		{65535, 0, false},
		{100, 65500, true},
		{32767, 0, true},
		{32768, 0, false},
	}
	for _, c := range cases {
		t.Run(fmt.Sprintf("%d vs %d", c.a, c.b), func(t *testing.T) {
			if got := Newer(c.a, c.b); got != c.want {
				t.Errorf("Newer(%d, %d) = %t, want %t", c.a, c.b, got, c.want)
			}
		})
	}

	if got := Newest([]uint16{65534, 2, 65535, 0}); got != 2 {
		t.Errorf("Newest across rollover: got %d, want 2", got)
	}
}
