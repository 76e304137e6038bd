// Command cconnectd runs one device's protocol core as a standalone
// process: discovery, pairing, connection management, plugin dispatch,
// payload transfer, and the control surface, all wired by
// lib/core and driven by kong-parsed flags.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	_ "github.com/cconnectd/cconnectd/lib/automaxprocs"
	"github.com/cconnectd/cconnectd/lib/config"
	"github.com/cconnectd/cconnectd/lib/core"
	"github.com/cconnectd/cconnectd/lib/transport"
)

// drainTimeout is the shutdown budget: tasks get this long to wind
// down in-flight work after the process is asked to stop before the
// process exits regardless.
const drainTimeout = 30 * time.Second

type cli struct {
	DeviceName string `help:"Name this device advertises to peers." default:"" env:"CCONNECTD_DEVICE_NAME"`
	DataDir    string `help:"Directory for identity, trust, and transfer-recovery state." default:"" env:"CCONNECTD_DATA_DIR"`

	DiscoveryPort int    `help:"UDP port for LAN discovery announce/listen." default:"1816" env:"CCONNECTD_DISCOVERY_PORT"`
	TCPPort       int    `help:"TCP port this core listens for inbound connections on." default:"1816" env:"CCONNECTD_TCP_PORT"`
	Transport     string `help:"Transport preference: tcp_only, tcp_preferred, bluetooth_preferred, bluetooth_only, auto_fallback." default:"tcp_only" env:"CCONNECTD_TRANSPORT"`

	PayloadPortMin int  `help:"Low end of the ephemeral port range used for sideband payload transfers." default:"1739" env:"CCONNECTD_PAYLOAD_PORT_MIN"`
	PayloadPortMax int  `help:"High end of the ephemeral port range used for sideband payload transfers." default:"1764" env:"CCONNECTD_PAYLOAD_PORT_MAX"`
	PayloadTLS     bool `help:"Require TLS on sideband payload connections." default:"true" env:"CCONNECTD_PAYLOAD_TLS"`

	LogLevel string `help:"debug, info, warn, or error." default:"info" env:"CCONNECTD_LOG_LEVEL"`
}

func main() {
	var params cli
	kong.Parse(&params,
		kong.Description("cconnectd is a device-to-device protocol core in the KDE Connect family."),
	)

	log := newLogger(params.LogLevel)

	cfg := config.Default()
	applyFlags(&cfg, params)

	registry := prometheus.NewRegistry()

	c, err := core.New(cfg, registry, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to construct core")
	}
	defer func() {
		if err := c.Close(); err != nil {
			log.Warn().Err(err).Msg("error flushing state on shutdown")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- c.Run(ctx) }()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-runErr:
		if err != nil && err != context.Canceled {
			log.Error().Err(err).Msg("core stopped unexpectedly")
		}
		return
	}

	cancel()
	select {
	case <-runErr:
	case <-time.After(drainTimeout):
		log.Warn().Dur("timeout", drainTimeout).Msg("shutdown drain timed out, exiting anyway")
	}
}

func applyFlags(cfg *config.Config, params cli) {
	if params.DeviceName != "" {
		cfg.DeviceName = params.DeviceName
	}
	if params.DataDir != "" {
		cfg.DataDir = params.DataDir
	}
	cfg.DiscoveryPort = params.DiscoveryPort
	cfg.TCPPort = params.TCPPort
	cfg.TransportPreference = transport.Preference(params.Transport)
	cfg.PayloadPortMin = params.PayloadPortMin
	cfg.PayloadPortMax = params.PayloadPortMax
	cfg.PayloadTLS = params.PayloadTLS
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(lvl).
		With().
		Timestamp().
		Logger()
}
