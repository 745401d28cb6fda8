package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/1ureka/framecast/internal/config"
)

// settingsFor runs a throwaway app with the given arguments and returns the
// settings its command resolved.
func settingsFor(t *testing.T, args ...string) (*config.Config, error) {
	t.Helper()
	var (
		got    *config.Config
		gotErr error
	)
	app := &cli.App{
		Name:  "framecast",
		Flags: globalFlags(),
		Commands: []*cli.Command{{
			Name:  "probe",
			Flags: append(senderFlags(), addressFlag, timeoutFlag, monitorFlag, outputFlag),
			Action: func(c *cli.Context) error {
				got, _, gotErr = loadSettings(c)
				return nil
			},
		}},
		ExitErrHandler: func(*cli.Context, error) {},
	}
	if err := app.Run(append([]string{"framecast"}, args...)); err != nil {
		t.Fatalf("app.Run failed: %v", err)
	}
	return got, gotErr
}

func TestFlagsOverrideConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "framecast.yaml")
	if err := os.WriteFile(path, []byte("fps: 10\nquality: 80\naddress: 10.0.0.5\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := settingsFor(t, "--config", path, "probe", "--fps", "24", "--timeout", "5s", "--password", "secret")
	if err != nil {
		t.Fatalf("loadSettings failed: %v", err)
	}

	if cfg.FPS != 24 {
		t.Errorf("fps: got %d, want flag value 24", cfg.FPS)
	}
	if cfg.Quality != 80 || cfg.Address != "10.0.0.5" {
		t.Errorf("file values lost: quality=%d address=%q", cfg.Quality, cfg.Address)
	}
	if cfg.Timeout.Duration != 5*time.Second {
		t.Errorf("timeout: got %s", cfg.Timeout)
	}
	if !cfg.Encrypt || cfg.Password != "secret" {
		t.Errorf("password should enable encryption: %+v", cfg)
	}
}

func TestInvalidSettingsExitWithUsageCode(t *testing.T) {
	_, err := settingsFor(t, "probe", "--quality", "0")
	exit, ok := err.(cli.ExitCoder)
	if !ok || exit.ExitCode() != 2 {
		t.Fatalf("got %v, want exit code 2", err)
	}
}

func TestAgentConfig(t *testing.T) {
	cfg := config.Default()
	cfg.PacketDelay.Duration = 0
	cfg.Encrypt, cfg.Password = true, "pw"

	ac := agentConfig(cfg, nil)
	if ac.PacketDelay >= 0 {
		t.Errorf("zero packet delay should disable pacing, got %s", ac.PacketDelay)
	}
	if len(ac.Key) == 0 {
		t.Error("encryption key not set")
	}
	if ac.ChunkSize != cfg.ChunkSize || ac.Timeout != cfg.Timeout.Duration {
		t.Errorf("agent config does not mirror the settings: %+v", ac)
	}

	if got := hostPort("", 20001); got != ":20001" {
		t.Errorf("hostPort: got %q", got)
	}
}
