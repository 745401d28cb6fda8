// Package config holds the framecast configuration: defaults, the YAML file
// format, and validation.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/1ureka/framecast/internal/protocol"
)

// Role represents the user's chosen role (server or client).
type Role string

const (
	RoleServer Role = "server"
	RoleClient Role = "client"
)

// Config stores every parameter of a framecast run. Zero values in a file
// keep the defaults.
type Config struct {
	Role    Role   `yaml:"role,omitempty"`
	Address string `yaml:"address"` // server host for watch, legacy-watch and bench

	ControlPort    int `yaml:"control_port"`
	DataPort       int `yaml:"data_port"`
	ClientPortBase int `yaml:"client_port_base"`
	DiscoveryPort  int `yaml:"discovery_port"`

	FPS     int `yaml:"fps"`
	Width   int `yaml:"width"`
	Height  int `yaml:"height"`
	Quality int `yaml:"quality"` // JPEG quality, 1-100

	FEC      bool   `yaml:"fec"`
	Encrypt  bool   `yaml:"encrypt"`
	Password string `yaml:"password,omitempty"`

	ChunkSize      int      `yaml:"chunk_size"`
	PacketDelay    Duration `yaml:"packet_delay"`
	Timeout        Duration `yaml:"timeout"`
	ReportInterval Duration `yaml:"report_interval"`

	MonitorAddr string `yaml:"monitor_addr,omitempty"` // empty disables the monitor
	STUNServer  string `yaml:"stun_server,omitempty"`
	OutputDir   string `yaml:"output_dir"`
	KeepFrames  bool   `yaml:"keep_frames"`
	Debug       bool   `yaml:"debug"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Address:        "127.0.0.1",
		ControlPort:    20001,
		DataPort:       20000,
		ClientPortBase: 20010,
		DiscoveryPort:  20003,
		FPS:            30,
		Width:          1280,
		Height:         720,
		Quality:        50,
		ChunkSize:      protocol.DefaultChunkSize,
		PacketDelay:    Duration{200 * time.Microsecond},
		Timeout:        Duration{2 * time.Second},
		ReportInterval: Duration{time.Second},
		OutputDir:      "frames",
	}
}

var ErrInvalid = errors.New("invalid configuration")

// Validate checks ranges and cross-field requirements.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Role == "" || c.Role == RoleServer || c.Role == RoleClient, "role %q must be server or client", c.Role)
	for name, port := range map[string]int{
		"control_port":   c.ControlPort,
		"data_port":      c.DataPort,
		"discovery_port": c.DiscoveryPort,
	} {
		check(port >= 1 && port <= 65535, "%s %d out of range 1-65535", name, port)
	}
	check(c.ClientPortBase >= 1 && c.ClientPortBase <= 65535, "client_port_base %d out of range 1-65535", c.ClientPortBase)
	check(c.FPS >= 1 && c.FPS <= 240, "fps %d out of range 1-240", c.FPS)
	check(c.Width >= 16 && c.Height >= 16, "resolution %dx%d too small", c.Width, c.Height)
	check(c.Quality >= 1 && c.Quality <= 100, "quality %d out of range 1-100", c.Quality)
	check(c.ChunkSize >= 1 && c.ChunkSize <= protocol.MaxChunkSize, "chunk_size %d out of range 1-%d", c.ChunkSize, protocol.MaxChunkSize)
	check(c.PacketDelay.Duration >= 0, "packet_delay must not be negative")
	check(c.Timeout.Duration > 0, "timeout must be positive")
	check(c.ReportInterval.Duration > 0, "report_interval must be positive")
	check(!c.Encrypt || c.Password != "", "encrypt requires a password")

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
}

// Key returns the stream cipher key, or nil when encryption is off.
func (c *Config) Key() []byte {
	if !c.Encrypt {
		return nil
	}
	return protocol.KeyFromPassword(c.Password)
}

// Duration wraps time.Duration for YAML string parsing (e.g. "200us", "2s").
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a duration string like "10s" or "5m30s".
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalYAML writes the duration in time.Duration notation.
func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}
