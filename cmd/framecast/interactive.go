package main

import (
	"context"
	"net"
	"strconv"
	"strings"

	"github.com/pterm/pterm"

	"github.com/1ureka/framecast/internal/config"
	"github.com/1ureka/framecast/internal/util"
)

// runInteractive prompts for a role and its parameters when no command is
// given. Everything not asked for keeps its default.
func runInteractive(ctx context.Context) error {
	cfg := config.Default()
	log, err := util.NewLogger(false)
	if err != nil {
		return err
	}
	defer log.Sync()

	role, _ := pterm.DefaultInteractiveSelect.
		WithOptions([]string{"Server — Stream the test pattern", "Client — Watch a stream"}).
		WithDefaultText("Select your role").
		Show()

	pterm.Println()

	if strings.HasPrefix(role, "Server") {
		cfg.Role = config.RoleServer
		cfg.ControlPort = askPort("Control port (1 ~ 65535)", cfg.ControlPort)
		askEncryption(cfg)
		return runServe(ctx, cfg, log, true)
	}

	cfg.Role = config.RoleClient
	discover, _ := pterm.DefaultInteractiveConfirm.
		WithDefaultText("Search for servers on the LAN?").
		WithDefaultValue(true).
		Show()
	pterm.Println()
	if !discover {
		cfg.Address = askHost()
		cfg.ControlPort = askPort("Control port (1 ~ 65535)", cfg.ControlPort)
	}
	askEncryption(cfg)
	return runWatch(ctx, cfg, log, discover)
}

// askEncryption asks for an optional password; an empty answer keeps the
// stream in plaintext.
func askEncryption(cfg *config.Config) {
	password, _ := pterm.DefaultInteractiveTextInput.
		WithDefaultText("Password (empty for none)").
		WithMask("*").
		Show()
	pterm.Println()

	if password = strings.TrimSpace(password); password != "" {
		cfg.Encrypt = true
		cfg.Password = password
	}
}

// askPort prompts the user for a port number until a valid one is entered.
// An empty answer keeps def.
func askPort(prompt string, def int) int {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText(prompt).
			WithDefaultValue(strconv.Itoa(def)).
			Show()

		port, err := strconv.Atoi(strings.TrimSpace(raw))
		if err == nil && port >= 1 && port <= 65535 {
			pterm.Println()
			return port
		}

		util.LogWarning("invalid port number: must be 1 ~ 65535")
		pterm.Println()
	}
}

// askHost prompts for the server host until a resolvable one is entered.
func askHost() string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("Server address (e.g. 192.168.1.20)").
			Show()

		host := strings.TrimSpace(raw)
		if host != "" {
			if _, err := net.ResolveIPAddr("ip", host); err == nil {
				pterm.Println()
				return host
			}
		}

		pterm.Println()
		util.LogWarning("invalid input: please enter a reachable host name or IP")
	}
}
