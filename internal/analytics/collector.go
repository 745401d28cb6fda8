package analytics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Source lists the Analytics to export, keyed by peer label.
type Source interface {
	Analytics() map[string]*Analytics
}

// SourceFunc adapts a function to Source.
type SourceFunc func() map[string]*Analytics

func (f SourceFunc) Analytics() map[string]*Analytics { return f() }

type counterDesc struct {
	desc  *prometheus.Desc
	value func(c Counters) uint64
}

type gaugeDesc struct {
	desc  *prometheus.Desc
	value func(s Snapshot) float64
}

// Collector exports a Source as Prometheus metrics. Lifetime totals become
// counters; rates over the current window become gauges.
type Collector struct {
	src      Source
	counters []counterDesc
	gauges   []gaugeDesc
}

// NewCollector creates a collector for src under namespace.
func NewCollector(namespace string, src Source) *Collector {
	labels := []string{"peer"}
	counter := func(name, help string, value func(c Counters) uint64) counterDesc {
		return counterDesc{
			desc:  prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, labels, nil),
			value: value,
		}
	}
	gauge := func(name, help string, value func(s Snapshot) float64) gaugeDesc {
		return gaugeDesc{
			desc:  prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, labels, nil),
			value: value,
		}
	}

	return &Collector{
		src: src,
		counters: []counterDesc{
			counter("packets_sent_total", "Chunks put on the wire.", func(c Counters) uint64 { return c.PacketsSent }),
			counter("frames_sent_total", "Frames fully sent.", func(c Counters) uint64 { return c.FramesSent }),
			counter("bytes_sent_total", "Datagram bytes sent.", func(c Counters) uint64 { return c.BytesSent }),
			counter("packets_received_total", "Chunks received or reported by the peer.", func(c Counters) uint64 { return c.PacketsReceived }),
			counter("frames_received_total", "Frames whose chunks all arrived.", func(c Counters) uint64 { return c.FramesReceived }),
			counter("crc_errors_total", "Chunks failing the cookie or checksum test.", func(c Counters) uint64 { return c.CRCErrors }),
			counter("invalid_packets_total", "Datagrams that could not be decoded.", func(c Counters) uint64 { return c.Invalid }),
			counter("stale_packets_total", "Chunks for delivered or evicted frames.", func(c Counters) uint64 { return c.Stale }),
			counter("evicted_frames_total", "Partial frames dropped by timeout.", func(c Counters) uint64 { return c.Evicted }),
			counter("good_frames_total", "Frames delivered to the consumer.", func(c Counters) uint64 { return c.GoodFrames }),
		},
		gauges: []gaugeDesc{
			gauge("packet_loss_percent", "Packet loss over the current window.", Snapshot.PacketLoss),
			gauge("crc_error_percent", "CRC error rate over the current window.", Snapshot.CRCErrorRate),
			gauge("send_fps", "Frames sent per second over the current window.", Snapshot.SendFPS),
			gauge("receive_fps", "Frames received per second over the current window.", Snapshot.ReceiveFPS),
		},
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range c.counters {
		ch <- d.desc
	}
	for _, d := range c.gauges {
		ch <- d.desc
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for peer, a := range c.src.Analytics() {
		totals := a.Totals()
		for _, d := range c.counters {
			ch <- prometheus.MustNewConstMetric(d.desc, prometheus.CounterValue, float64(d.value(totals)), peer)
		}
		snap := a.Snapshot()
		for _, d := range c.gauges {
			ch <- prometheus.MustNewConstMetric(d.desc, prometheus.GaugeValue, d.value(snap), peer)
		}
	}
}
