package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"

	"github.com/pterm/pterm"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/1ureka/framecast/internal/analytics"
	"github.com/1ureka/framecast/internal/bench"
	"github.com/1ureka/framecast/internal/config"
	"github.com/1ureka/framecast/internal/discovery"
	"github.com/1ureka/framecast/internal/media"
	"github.com/1ureka/framecast/internal/monitor"
	"github.com/1ureka/framecast/internal/session"
	"github.com/1ureka/framecast/internal/util"
)

// action wraps a run function with settings loading and logger cleanup.
func action(run func(ctx context.Context, c *cli.Context, cfg *config.Config, log *zap.Logger) error) cli.ActionFunc {
	return func(c *cli.Context) error {
		cfg, log, err := loadSettings(c)
		if err != nil {
			return err
		}
		defer log.Sync()
		return run(c.Context, c, cfg, log)
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Stream the test pattern to every receiver that connects",
		Flags: append(senderFlags(),
			monitorFlag,
			&cli.BoolFlag{Name: "no-discovery", Usage: "Do not answer LAN discovery broadcasts"},
		),
		Action: action(func(ctx context.Context, c *cli.Context, cfg *config.Config, log *zap.Logger) error {
			return runServe(ctx, cfg, log, !c.Bool("no-discovery"))
		}),
	}
}

func watchCommand() *cli.Command {
	return &cli.Command{
		Name:  "watch",
		Usage: "Receive a stream and write the latest frame to disk",
		Flags: append(receiverFlags(),
			&cli.BoolFlag{Name: "discover", Aliases: []string{"d"}, Usage: "Find the server on the LAN instead of using --address"},
		),
		Action: action(func(ctx context.Context, c *cli.Context, cfg *config.Config, log *zap.Logger) error {
			return runWatch(ctx, cfg, log, c.Bool("discover"))
		}),
	}
}

func discoverCommand() *cli.Command {
	return &cli.Command{
		Name:  "discover",
		Usage: "List servers answering discovery broadcasts on the LAN",
		Flags: []cli.Flag{
			discoveryPortFlag,
			&cli.DurationFlag{Name: "wait", Value: discovery.DefaultWait, Usage: "How long to collect answers"},
		},
		Action: action(func(ctx context.Context, c *cli.Context, cfg *config.Config, log *zap.Logger) error {
			b, err := discovery.NewBrowser(log)
			if err != nil {
				return err
			}
			defer b.Close()

			servers, err := b.Discover(ctx, discovery.BroadcastAddr(cfg.DiscoveryPort), c.Duration("wait"))
			if errors.Is(err, discovery.ErrNoResponders) {
				util.LogWarning("no servers found on port %d", cfg.DiscoveryPort)
				return nil
			}
			if err != nil {
				return err
			}

			data := pterm.TableData{{"#", "Server"}}
			for i, s := range servers {
				data = append(data, []string{fmt.Sprint(i + 1), s.IP.String()})
			}
			return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
		}),
	}
}

func stunCommand() *cli.Command {
	return &cli.Command{
		Name:  "stun",
		Usage: "Show the public address of the data port as seen by a STUN server",
		Flags: []cli.Flag{dataPortFlag, stunFlag},
		Action: action(func(ctx context.Context, c *cli.Context, cfg *config.Config, log *zap.Logger) error {
			conn, err := net.ListenPacket("udp4", hostPort("", cfg.DataPort))
			if err != nil {
				return err
			}
			defer conn.Close()

			addr, err := discovery.ReflexiveAddr(ctx, conn, cfg.STUNServer)
			if err != nil {
				return err
			}
			util.LogSuccess("data port %s is reachable as %s", conn.LocalAddr(), addr)
			return nil
		}),
	}
}

func benchCommand() *cli.Command {
	return &cli.Command{
		Name:  "bench",
		Usage: "Measure raw chunk throughput between two hosts",
		Subcommands: []*cli.Command{
			{
				Name:  "send",
				Usage: "Wait for a receiver on the data port and blast chunks at it",
				Flags: []cli.Flag{dataPortFlag, chunkSizeFlag},
				Action: action(func(ctx context.Context, c *cli.Context, cfg *config.Config, log *zap.Logger) error {
					conn, err := net.ListenPacket("udp4", hostPort("", cfg.DataPort))
					if err != nil {
						return err
					}
					defer conn.Close()

					util.LogInfo("waiting for a receiver on %s", conn.LocalAddr())
					res, err := bench.Send(ctx, conn, bench.Config{ChunkSize: cfg.ChunkSize, Logger: log})
					if err != nil {
						return err
					}
					return pterm.DefaultTable.WithHasHeader().WithData(pterm.TableData{
						{"Chunks sent", "Chunks received", "Chunks/s", "Delivered"},
						{
							fmt.Sprint(res.Sent),
							fmt.Sprint(res.Received),
							fmt.Sprintf("%.0f", res.ChunksPerSecond()),
							fmt.Sprintf("%.2f%%", res.DeliveryRate()),
						},
					}).Render()
				}),
			},
			{
				Name:  "recv",
				Usage: "Ask a sender to start and count valid chunks",
				Flags: []cli.Flag{
					addressFlag, dataPortFlag,
					&cli.DurationFlag{Name: "duration", Value: bench.DefaultDuration, Usage: "How long to count"},
				},
				Action: action(func(ctx context.Context, c *cli.Context, cfg *config.Config, log *zap.Logger) error {
					server, err := net.ResolveUDPAddr("udp4", hostPort(cfg.Address, cfg.DataPort))
					if err != nil {
						return err
					}
					conn, err := net.ListenPacket("udp4", ":0")
					if err != nil {
						return err
					}
					defer conn.Close()

					res, err := bench.Receive(ctx, conn, server, c.Duration("duration"), bench.Config{Logger: log})
					if err != nil {
						return err
					}
					util.LogSuccess("received %d chunks (%.0f/s), dropped %d", res.Received, res.ChunksPerSecond(), res.Dropped)
					return nil
				}),
			},
		},
	}
}

func legacyServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "legacy-serve",
		Usage: "Stream to the last receiver that sent a stream request to the data port",
		Flags: senderFlags(),
		Action: action(func(ctx context.Context, c *cli.Context, cfg *config.Config, log *zap.Logger) error {
			src, err := media.NewPatternSource(cfg.Width, cfg.Height, cfg.Quality)
			if err != nil {
				return err
			}
			defer src.Close()

			srv, err := session.NewLegacyServer(session.LegacyConfig{
				DataAddr: hostPort("", cfg.DataPort),
				FPS:      cfg.FPS,
				Agent:    agentConfig(cfg, log),
				Logger:   log,
			}, src)
			if err != nil {
				return err
			}
			util.LogInfo("waiting for a stream request on %s", srv.Addr())
			util.StartReporter(ctx, util.DefaultReportInterval, "stream", func() analytics.Snapshot {
				if a := srv.Target(); a != nil {
					return a.Analytics().SnapshotAndReset()
				}
				return analytics.Snapshot{}
			})
			return ignoreCancel(ctx, srv.Serve(ctx))
		}),
	}
}

func legacyWatchCommand() *cli.Command {
	return &cli.Command{
		Name:  "legacy-watch",
		Usage: "Request a stream from a legacy server and write the latest frame to disk",
		Flags: receiverFlags(),
		Action: action(func(ctx context.Context, c *cli.Context, cfg *config.Config, log *zap.Logger) error {
			sink, err := media.NewDirSink(cfg.OutputDir, cfg.KeepFrames)
			if err != nil {
				return err
			}
			util.LogInfo("writing frames to %s", cfg.OutputDir)
			return ignoreCancel(ctx, session.WatchLegacy(ctx, session.LegacyConfig{
				DataAddr: hostPort(cfg.Address, cfg.DataPort),
				BindAddr: hostPort("", cfg.ClientPortBase),
				Agent:    agentConfig(cfg, log),
				Logger:   log,
			}, sink))
		}),
	}
}

func configCommand() *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "Print the effective configuration as YAML",
		Flags: append(senderFlags(), addressFlag, timeoutFlag, monitorFlag, stunFlag, outputFlag, keepFlag),
		Action: action(func(ctx context.Context, c *cli.Context, cfg *config.Config, log *zap.Logger) error {
			b, err := config.Marshal(cfg)
			if err != nil {
				return err
			}
			_, err = os.Stdout.Write(b)
			return err
		}),
	}
}

// ---------------------------------------------------------------------------
// Run modes
// ---------------------------------------------------------------------------

// runServe executes the server side: fan-out streaming, discovery answers,
// the optional monitor and the periodic statistics line.
func runServe(ctx context.Context, cfg *config.Config, log *zap.Logger, answerDiscovery bool) error {
	src, err := media.NewPatternSource(cfg.Width, cfg.Height, cfg.Quality)
	if err != nil {
		return err
	}
	defer src.Close()

	srv := session.NewServer(session.ServerConfig{
		ControlAddr:    hostPort("", cfg.ControlPort),
		DataAddr:       hostPort("", cfg.DataPort),
		ClientPortBase: cfg.ClientPortBase,
		FPS:            cfg.FPS,
		Agent:          agentConfig(cfg, log),
		Logger:         log,
	}, src)
	if err := srv.Start(); err != nil {
		return err
	}

	if answerDiscovery {
		go respondLoop(ctx, cfg, log)
	}
	if cfg.MonitorAddr != "" {
		mon := monitor.New(monitor.Config{
			Addr:     cfg.MonitorAddr,
			Interval: cfg.ReportInterval.Duration,
			Logger:   log,
		}, srv)
		go func() {
			if err := mon.ListenAndServe(ctx); err != nil {
				util.LogWarning("monitor stopped: %v", err)
			}
		}()
	}

	util.StartReporter(ctx, util.DefaultReportInterval, "stream", srv.Report)
	util.LogSuccess("streaming %dx%d at %d fps, control %s, data %s",
		cfg.Width, cfg.Height, cfg.FPS, srv.ControlAddr(), srv.DataAddr())
	if cfg.Encrypt {
		util.LogInfo("chunks are encrypted")
	}

	return ignoreCancel(ctx, srv.Serve(ctx))
}

// respondLoop answers discovery until ctx is done. A responder returns after
// each pick, so a fresh one is bound for the next receiver.
func respondLoop(ctx context.Context, cfg *config.Config, log *zap.Logger) {
	for ctx.Err() == nil {
		r, err := discovery.NewResponder(discovery.ResponderConfig{
			Addr:        hostPort("", cfg.DiscoveryPort),
			ControlPort: cfg.ControlPort,
			Logger:      log,
		})
		if err != nil {
			util.LogWarning("discovery disabled: %v", err)
			return
		}
		if err := r.Serve(ctx); err != nil {
			util.LogWarning("discovery stopped: %v", err)
			return
		}
	}
}

// runWatch executes the receiver side until ctx is done or the server leaves.
func runWatch(ctx context.Context, cfg *config.Config, log *zap.Logger, discover bool) error {
	addr := hostPort(cfg.Address, cfg.ControlPort)
	if discover {
		control, err := discoverServer(ctx, cfg, log)
		if err != nil {
			return err
		}
		addr = control.String()
	}

	sink, err := media.NewDirSink(cfg.OutputDir, cfg.KeepFrames)
	if err != nil {
		return err
	}

	client, err := session.Dial(ctx, session.ClientConfig{
		ServerAddr:     addr,
		ReportInterval: cfg.ReportInterval.Duration,
		Agent:          agentConfig(cfg, log),
		Logger:         log,
	})
	if err != nil {
		return err
	}
	defer client.Close()

	util.LogSuccess("connected to %s, receiving on port %d, writing to %s", addr, client.Port(), cfg.OutputDir)
	stats := client.Agent().Analytics()
	util.StartReporter(ctx, util.DefaultReportInterval, "watch", stats.SnapshotAndReset)

	err = client.Run(ctx, sink)
	printTotals("Session totals", stats.Totals())
	if errors.Is(err, session.ErrPeerClosed) {
		util.LogWarning("server closed the stream")
		return nil
	}
	return err
}

// discoverServer broadcasts for servers, lets the user choose when more
// than one answers, and picks it.
func discoverServer(ctx context.Context, cfg *config.Config, log *zap.Logger) (*net.TCPAddr, error) {
	b, err := discovery.NewBrowser(log)
	if err != nil {
		return nil, err
	}
	defer b.Close()

	util.LogInfo("looking for servers on the LAN...")
	servers, err := b.Discover(ctx, discovery.BroadcastAddr(cfg.DiscoveryPort), discovery.DefaultWait)
	if err != nil {
		return nil, err
	}

	server := servers[0]
	if len(servers) > 1 {
		options := make([]string, len(servers))
		for i, s := range servers {
			options[i] = s.IP.String()
		}
		choice, _ := pterm.DefaultInteractiveSelect.
			WithOptions(options).
			WithDefaultText("Select a server").
			Show()
		for _, s := range servers {
			if s.IP.String() == choice {
				server = s
			}
		}
	}

	control, err := b.Pick(ctx, server, discovery.DefaultWait)
	if err != nil {
		return nil, fmt.Errorf("pick %s: %w", server.IP, err)
	}
	util.LogInfo("server %s accepts receivers on %s", server.IP, control)
	return control, nil
}

// ---------------------------------------------------------------------------
// Helper Functions
// ---------------------------------------------------------------------------

// ignoreCancel drops the error of a run that ended because ctx was done.
func ignoreCancel(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// printTotals renders the lifetime counters of a session.
func printTotals(title string, c analytics.Counters) {
	if c.PacketsSent == 0 && c.PacketsReceived == 0 {
		return
	}
	pterm.Println()
	pterm.DefaultSection.Println(title)
	pterm.DefaultTable.WithHasHeader().WithData(pterm.TableData{
		{"Packets sent", "Packets received", "Frames sent", "Good frames", "CRC errors", "Invalid", "Stale", "Evicted"},
		{
			fmt.Sprint(c.PacketsSent),
			fmt.Sprint(c.PacketsReceived),
			fmt.Sprint(c.FramesSent),
			fmt.Sprint(c.GoodFrames),
			fmt.Sprint(c.CRCErrors),
			fmt.Sprint(c.Invalid),
			fmt.Sprint(c.Stale),
			fmt.Sprint(c.Evicted),
		},
	}).Render()
}
