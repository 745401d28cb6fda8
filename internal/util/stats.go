package util

import (
	"context"
	"fmt"
	"time"

	"github.com/pterm/pterm"

	"github.com/1ureka/framecast/internal/analytics"
)

// DefaultReportInterval is the statistics period used by the CLI.
const DefaultReportInterval = 10 * time.Second

// StartReporter launches a goroutine that logs the window returned by fn
// every interval under label. Windows with no traffic are skipped. It stops
// when ctx is cancelled.
func StartReporter(ctx context.Context, interval time.Duration, label string, fn func() analytics.Snapshot) {
	if interval <= 0 {
		interval = DefaultReportInterval
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				s := fn()
				if s.PacketsSent == 0 && s.PacketsReceived == 0 {
					continue
				}
				pterm.DefaultLogger.Info(label + " " + formatStats(s))

			case <-ctx.Done():
				return
			}
		}
	}()
}

// byteUnits defines the units for formatting byte counts in a human-readable way.
var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// formatBytes formats a byte count into a human-readable string with fixed width (exactly 8 chars)
// for example: "99.0   B", " 1.5 KiB", " 0.1 MiB", "98.9 GiB", etc.
func formatBytes(b float64) string {
	unitIdx := 0

	// to prevent "100.0 KiB", which is 9 chars
	for b > 99 && unitIdx < 5 {
		b /= 1024
		unitIdx++
	}

	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

// bitUnits mirrors byteUnits for link rates, which are quoted in decimal bits.
var bitUnits = []string{"bps", "Kbps", "Mbps", "Gbps"}

// formatBitrate formats bits per second with 3 significant-ish digits,
// e.g. "950.0 bps", "12.3 Mbps".
func formatBitrate(bps float64) string {
	unitIdx := 0
	for bps >= 1000 && unitIdx < len(bitUnits)-1 {
		bps /= 1000
		unitIdx++
	}
	return fmt.Sprintf("%.1f %s", bps, bitUnits[unitIdx])
}

// formatStats returns a formatted line for one analytics window.
func formatStats(s analytics.Snapshot) string {
	line := fmt.Sprintf("Out: %s/s (%s) | In: %s/s (%s) | FPS: %4.1f↑ %4.1f↓ | Loss: %5.1f%%",
		formatBytes(s.SendBitrate()/8),
		formatBitrate(s.SendBitrate()),
		formatBytes(s.ReceiveBitrate()/8),
		formatBitrate(s.ReceiveBitrate()),
		s.SendFPS(),
		s.GoodFPS(),
		s.PacketLoss(),
	)
	if s.CRCErrors > 0 || s.Invalid > 0 {
		line += fmt.Sprintf(" | CRC: %d (%.2f%%) | Invalid: %d", s.CRCErrors, s.CRCErrorRate(), s.Invalid)
	}
	return line
}
