// Package monitor serves live analytics over HTTP: Prometheus metrics at
// /metrics and a msgpack-encoded report stream over WebSocket at /ws.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"github.com/1ureka/framecast/internal/analytics"
)

// Defaults for Config.
const (
	DefaultInterval  = time.Second
	DefaultNamespace = "framecast"
)

// Config configures the monitor.
type Config struct {
	Addr      string        // listen address, e.g. ":9100"
	Interval  time.Duration // WebSocket report period
	Namespace string        // Prometheus metric prefix
	Logger    *zap.Logger
}

// PeerReport is one peer's window in a Report.
type PeerReport struct {
	Peer            string  `msgpack:"peer"`
	PacketsSent     uint64  `msgpack:"packets_sent"`
	PacketsReceived uint64  `msgpack:"packets_received"`
	FramesSent      uint64  `msgpack:"frames_sent"`
	GoodFrames      uint64  `msgpack:"good_frames"`
	PacketLoss      float64 `msgpack:"packet_loss"`
	CRCErrorRate    float64 `msgpack:"crc_error_rate"`
	SendBitrate     float64 `msgpack:"send_bitrate"`
	ReceiveBitrate  float64 `msgpack:"receive_bitrate"`
	SendFPS         float64 `msgpack:"send_fps"`
	ReceiveFPS      float64 `msgpack:"receive_fps"`
}

// Report is one message on the /ws stream.
type Report struct {
	Time     time.Time    `msgpack:"time"`
	Combined PeerReport   `msgpack:"combined"`
	Peers    []PeerReport `msgpack:"peers"`
}

func peerReport(peer string, s analytics.Snapshot) PeerReport {
	return PeerReport{
		Peer:            peer,
		PacketsSent:     s.PacketsSent,
		PacketsReceived: s.PacketsReceived,
		FramesSent:      s.FramesSent,
		GoodFrames:      s.GoodFrames,
		PacketLoss:      s.PacketLoss(),
		CRCErrorRate:    s.CRCErrorRate(),
		SendBitrate:     s.SendBitrate(),
		ReceiveBitrate:  s.ReceiveBitrate(),
		SendFPS:         s.SendFPS(),
		ReceiveFPS:      s.ReceiveFPS(),
	}
}

// BuildReport snapshots every peer in src without resetting them.
func BuildReport(src analytics.Source, now time.Time) Report {
	all := src.Analytics()
	peers := make([]string, 0, len(all))
	for p := range all {
		peers = append(peers, p)
	}
	sort.Strings(peers)

	r := Report{Time: now, Peers: make([]PeerReport, 0, len(peers))}
	snaps := make([]analytics.Snapshot, 0, len(peers))
	for _, p := range peers {
		s := all[p].Snapshot()
		snaps = append(snaps, s)
		r.Peers = append(r.Peers, peerReport(p, s))
	}
	r.Combined = peerReport("", analytics.Combine(snaps...))
	return r
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server is the monitor HTTP server.
type Server struct {
	cfg    Config
	log    *zap.Logger
	src    analytics.Source
	router chi.Router
}

// New creates a monitor for src with its own Prometheus registry.
func New(cfg Config, src analytics.Source) *Server {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Namespace == "" {
		cfg.Namespace = DefaultNamespace
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(analytics.NewCollector(cfg.Namespace, src))

	s := &Server{cfg: cfg, log: cfg.Logger.Named("monitor"), src: src}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	r.Get("/ws", s.handleWS)
	s.router = r
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe serves on cfg.Addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen monitor %s: %w", s.cfg.Addr, err)
	}
	s.log.Info("monitor listening", zap.Stringer("addr", ln.Addr()))

	srv := &http.Server{Handler: s.router, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdown)
	}()

	if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// handleWS pushes a Report every interval until the client goes away.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	s.log.Debug("report stream opened", zap.String("remote", r.RemoteAddr))

	// The read side only watches for the close frame.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		b, err := msgpack.Marshal(BuildReport(s.src, time.Now()))
		if err != nil {
			s.log.Error("encode report", zap.Error(err))
			return
		}
		conn.SetWriteDeadline(time.Now().Add(s.cfg.Interval))
		if err := conn.WriteMessage(websocket.BinaryMessage, b); err != nil {
			return
		}

		select {
		case <-gone:
			return
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}
