package analytics

import "time"

// Snapshot is a consistent copy of a counter window. Rates are derived
// from it on read.
type Snapshot struct {
	Counters
	Elapsed time.Duration
}

// PacketLoss is the percentage of sent packets that were not received,
// clamped to [0, 100]. It is meaningful only when both sides are counted,
// i.e. on a sender that absorbed its peer's telemetry.
func (s Snapshot) PacketLoss() float64 {
	if s.PacketsSent == 0 || s.PacketsReceived >= s.PacketsSent {
		return 0
	}
	return 100 * float64(s.PacketsSent-s.PacketsReceived) / float64(s.PacketsSent)
}

// CRCErrorRate is the percentage of received datagrams that failed the
// integrity check.
func (s Snapshot) CRCErrorRate() float64 {
	if s.PacketsReceived == 0 {
		return 0
	}
	return 100 * float64(s.CRCErrors) / float64(s.PacketsReceived)
}

// SendBitrate is the outgoing throughput in bits per second.
func (s Snapshot) SendBitrate() float64 { return s.perSecond(s.BytesSent * 8) }

// ReceiveBitrate is the incoming throughput in bits per second.
func (s Snapshot) ReceiveBitrate() float64 { return s.perSecond(s.BytesReceived * 8) }

// SendFPS is the rate of frames sent.
func (s Snapshot) SendFPS() float64 { return s.perSecond(s.FramesSent) }

// ReceiveFPS is the rate of frames whose chunks all arrived.
func (s Snapshot) ReceiveFPS() float64 { return s.perSecond(s.FramesReceived) }

// GoodFPS is the rate of frames delivered to the consumer.
func (s Snapshot) GoodFPS() float64 { return s.perSecond(s.GoodFrames) }

func (s Snapshot) perSecond(n uint64) float64 {
	sec := s.Elapsed.Seconds()
	if sec <= 0 {
		return 0
	}
	return float64(n) / sec
}

// Combine sums several snapshots into one view. The elapsed time of the
// result is the longest of the inputs.
func Combine(snaps ...Snapshot) Snapshot {
	var out Snapshot
	for _, s := range snaps {
		out.Counters.add(s.Counters)
		out.Elapsed = max(out.Elapsed, s.Elapsed)
	}
	return out
}
