package main

import (
	"net"
	"strconv"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/1ureka/framecast/internal/agent"
	"github.com/1ureka/framecast/internal/config"
	"github.com/1ureka/framecast/internal/util"
)

// Flags shared between commands. Every flag overrides the matching field
// of the config file when set.
var (
	configFlag = &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "YAML config file",
		EnvVars: []string{"FRAMECAST_CONFIG"},
	}
	debugFlag = &cli.BoolFlag{
		Name:  "debug",
		Usage: "Enable debug logging",
	}

	addressFlag       = &cli.StringFlag{Name: "address", Aliases: []string{"a"}, Usage: "Server host"}
	controlPortFlag   = &cli.IntFlag{Name: "control-port", Usage: "TCP control port"}
	dataPortFlag      = &cli.IntFlag{Name: "data-port", Usage: "UDP data port"}
	clientPortFlag    = &cli.IntFlag{Name: "client-port-base", Usage: "First UDP port assigned to receivers"}
	discoveryPortFlag = &cli.IntFlag{Name: "discovery-port", Usage: "UDP discovery port"}

	fpsFlag     = &cli.IntFlag{Name: "fps", Usage: "Frames per second"}
	widthFlag   = &cli.IntFlag{Name: "width", Usage: "Frame width in pixels"}
	heightFlag  = &cli.IntFlag{Name: "height", Usage: "Frame height in pixels"}
	qualityFlag = &cli.IntFlag{Name: "quality", Usage: "JPEG quality (1~100)"}

	chunkSizeFlag   = &cli.IntFlag{Name: "chunk-size", Usage: "Data bytes per chunk"}
	packetDelayFlag = &cli.DurationFlag{Name: "packet-delay", Usage: "Gap between chunks of a frame (0 disables pacing)"}
	timeoutFlag     = &cli.DurationFlag{Name: "timeout", Usage: "Age after which a partial frame is dropped"}
	fecFlag         = &cli.BoolFlag{Name: "fec", Usage: "Set the FEC bit on outgoing chunks"}
	encryptFlag     = &cli.BoolFlag{Name: "encrypt", Usage: "Encrypt chunks (requires --password)"}
	passwordFlag    = &cli.StringFlag{
		Name:    "password",
		Usage:   "Shared password; implies --encrypt",
		EnvVars: []string{"FRAMECAST_PASSWORD"},
	}

	monitorFlag = &cli.StringFlag{Name: "monitor", Usage: "Serve /metrics and /ws on this address (e.g. :9100)"}
	stunFlag    = &cli.StringFlag{Name: "stun-server", Usage: "STUN server host:port"}
	outputFlag  = &cli.StringFlag{Name: "output", Aliases: []string{"o"}, Usage: "Directory frames are written to"}
	keepFlag    = &cli.BoolFlag{Name: "keep", Usage: "Keep every frame instead of only the latest"}
)

func globalFlags() []cli.Flag {
	return []cli.Flag{configFlag, debugFlag}
}

// senderFlags are accepted by commands that produce a stream.
func senderFlags() []cli.Flag {
	return []cli.Flag{
		controlPortFlag, dataPortFlag, clientPortFlag, discoveryPortFlag,
		fpsFlag, widthFlag, heightFlag, qualityFlag,
		chunkSizeFlag, packetDelayFlag, fecFlag, encryptFlag, passwordFlag,
	}
}

// receiverFlags are accepted by commands that consume a stream.
func receiverFlags() []cli.Flag {
	return []cli.Flag{
		addressFlag, controlPortFlag, dataPortFlag, clientPortFlag, discoveryPortFlag,
		timeoutFlag, encryptFlag, passwordFlag, outputFlag, keepFlag,
	}
}

// applyFlags copies every flag the user set onto cfg.
func applyFlags(c *cli.Context, cfg *config.Config) {
	str := func(name string, dst *string) {
		if c.IsSet(name) {
			*dst = c.String(name)
		}
	}
	num := func(name string, dst *int) {
		if c.IsSet(name) {
			*dst = c.Int(name)
		}
	}
	dur := func(name string, dst *config.Duration) {
		if c.IsSet(name) {
			dst.Duration = c.Duration(name)
		}
	}
	flag := func(name string, dst *bool) {
		if c.IsSet(name) {
			*dst = c.Bool(name)
		}
	}

	str(addressFlag.Name, &cfg.Address)
	num(controlPortFlag.Name, &cfg.ControlPort)
	num(dataPortFlag.Name, &cfg.DataPort)
	num(clientPortFlag.Name, &cfg.ClientPortBase)
	num(discoveryPortFlag.Name, &cfg.DiscoveryPort)
	num(fpsFlag.Name, &cfg.FPS)
	num(widthFlag.Name, &cfg.Width)
	num(heightFlag.Name, &cfg.Height)
	num(qualityFlag.Name, &cfg.Quality)
	num(chunkSizeFlag.Name, &cfg.ChunkSize)
	dur(packetDelayFlag.Name, &cfg.PacketDelay)
	dur(timeoutFlag.Name, &cfg.Timeout)
	flag(fecFlag.Name, &cfg.FEC)
	flag(encryptFlag.Name, &cfg.Encrypt)
	str(monitorFlag.Name, &cfg.MonitorAddr)
	str(stunFlag.Name, &cfg.STUNServer)
	str(outputFlag.Name, &cfg.OutputDir)
	flag(keepFlag.Name, &cfg.KeepFrames)
	flag(debugFlag.Name, &cfg.Debug)

	if c.IsSet(passwordFlag.Name) {
		cfg.Password = c.String(passwordFlag.Name)
		cfg.Encrypt = cfg.Password != ""
	}
}

// loadSettings resolves the effective configuration for a command (file,
// then flags), validates it and builds the engine logger.
func loadSettings(c *cli.Context) (*config.Config, *zap.Logger, error) {
	cfg := config.Default()
	if path := c.String(configFlag.Name); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, nil, cli.Exit(err.Error(), 2)
		}
		cfg = loaded
	}
	applyFlags(c, cfg)
	if err := cfg.Validate(); err != nil {
		return nil, nil, cli.Exit(err.Error(), 2)
	}

	if cfg.Debug {
		util.EnableDebug()
	}
	log, err := util.NewLogger(cfg.Debug)
	if err != nil {
		return nil, nil, err
	}
	return cfg, log, nil
}

// agentConfig maps the configuration onto the protocol engine's settings.
func agentConfig(cfg *config.Config, log *zap.Logger) agent.Config {
	delay := cfg.PacketDelay.Duration
	if delay == 0 {
		delay = -1
	}
	return agent.Config{
		ChunkSize:   cfg.ChunkSize,
		PacketDelay: delay,
		Timeout:     cfg.Timeout.Duration,
		Key:         cfg.Key(),
		FEC:         cfg.FEC,
		Logger:      log,
	}
}

func hostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}
