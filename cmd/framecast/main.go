// Framecast CLI entry point.
//
// This tool streams a live JPEG source from one server to any number of
// receivers over UDP, always delivering the newest complete frame. Frames
// are split into checksummed chunks, optionally encrypted, and reassembled
// on the receiving side.
//
// It can be launched interactively (no arguments) or through commands:
// serve, watch, discover, stun, bench, legacy-serve, legacy-watch and config.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"

	"github.com/pterm/pterm"
	"github.com/urfave/cli/v2"

	"github.com/1ureka/framecast/internal/util"
)

var version = "dev"

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	pterm.Info.Println(fmt.Sprintf("Framecast v%s", version))
	pterm.Println()

	if len(os.Args) == 1 {
		if err := runInteractive(ctx); err != nil {
			util.LogError("%v", err)
			os.Exit(1)
		}
		return
	}

	app := &cli.App{
		Name:           "framecast",
		Usage:          "Low-latency frame streaming over UDP",
		Version:        version,
		Flags:          globalFlags(),
		ExitErrHandler: exitErrHandler,
		Commands: []*cli.Command{
			serveCommand(),
			watchCommand(),
			discoverCommand(),
			stunCommand(),
			benchCommand(),
			legacyServeCommand(),
			legacyWatchCommand(),
			configCommand(),
		},
	}

	if err := app.RunContext(ctx, os.Args); err != nil && !errors.Is(err, context.Canceled) {
		os.Exit(1)
	}
}

// exitErrHandler logs command errors through the CLI logger, preserving exit
// codes from cli.Exit.
func exitErrHandler(_ *cli.Context, err error) {
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}

	var exitCoder cli.ExitCoder
	if errors.As(err, &exitCoder) {
		if msg := exitCoder.Error(); msg != "" {
			util.LogError("%s", msg)
		}
		os.Exit(exitCoder.ExitCode())
	}

	util.LogError("%v", err)
	os.Exit(1)
}
