// Package main is the CLI entry point for the EphemeralRooms relay:
// the blind router that admits hosts and clients, forwards sealed
// frames between them, and never holds key material (spec.md §4.9).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/ephemeralrooms/ephemeralrooms/internal/certutil"
	"github.com/ephemeralrooms/ephemeralrooms/internal/config"
	"github.com/ephemeralrooms/ephemeralrooms/internal/identity"
	"github.com/ephemeralrooms/ephemeralrooms/internal/logging"
	"github.com/ephemeralrooms/ephemeralrooms/internal/metrics"
	"github.com/ephemeralrooms/ephemeralrooms/internal/relay"
	"github.com/ephemeralrooms/ephemeralrooms/internal/session"
)

// version is set at build time via ldflags.
var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "roomrelay",
		Short:   "EphemeralRooms relay — the blind router between hosts and clients",
		Version: version,
	}

	rootCmd.AddCommand(runCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	var (
		configPath             string
		addr                   string
		certFile               string
		keyFile                string
		plaintext              bool
		maxRooms               int
		maxParticipantsPerRoom int
		logLevel               string
		logFormat              string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the relay server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultRelayConfig()
			if configPath != "" {
				loaded, err := config.LoadRelayConfig(configPath)
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
				cfg = loaded
			}
			if cmd.Flags().Changed("addr") {
				cfg.Addr = addr
			}
			if cmd.Flags().Changed("cert") {
				cfg.TLS.Cert = certFile
			}
			if cmd.Flags().Changed("key") {
				cfg.TLS.Key = keyFile
			}
			if cmd.Flags().Changed("insecure") {
				cfg.PlainText = plaintext
			}
			if cmd.Flags().Changed("max-rooms") {
				cfg.MaxRooms = maxRooms
			}
			if cmd.Flags().Changed("max-participants-per-room") {
				cfg.MaxParticipantsPerRoom = maxParticipantsPerRoom
			}
			if cmd.Flags().Changed("log-level") {
				cfg.LogLevel = logLevel
			}
			if cmd.Flags().Changed("log-format") {
				cfg.LogFormat = logFormat
			}

			if err := cfg.Validate(); err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(2)
			}

			log := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)
			log.Info("starting relay", "addr", cfg.Addr, "max_rooms", cfg.MaxRooms)

			serverCfg := relay.DefaultServerConfig()
			serverCfg.Addr = cfg.Addr
			serverCfg.PlainText = cfg.PlainText
			if cfg.TLS.HasCert() {
				tc, err := certutil.LoadServerTLSConfig(cfg.TLS.Cert, cfg.TLS.Key)
				if err != nil {
					return fmt.Errorf("failed to start relay: %w", err)
				}
				serverCfg.TLSConfig = tc
			}

			m := metrics.NewMetrics()
			reg := relay.NewRegistry(cfg.MaxRooms)
			router := relay.NewRouter(reg, m, log)

			monitor := relay.NewHeartbeatMonitor(reg, m, log, func(roomID identity.RoomID, reason session.DestroyReason) {
				log.Info("room reaped", "room_id", roomID.String(), "reason", string(reason))
			})
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			go monitor.Run(ctx)

			server := relay.NewServer(serverCfg, router, prometheus.DefaultGatherer, log)
			if err := server.Start(); err != nil {
				return fmt.Errorf("failed to start relay: %w", err)
			}
			log.Info("relay listening", "addr", server.Addr().String())

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			sig := <-sigCh
			log.Info("shutting down", "signal", sig.String())
			cancel()

			if err := server.Stop(); err != nil {
				return fmt.Errorf("shutdown error: %w", err)
			}
			log.Info("relay stopped")
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to relay configuration file")
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default :8843)")
	cmd.Flags().StringVar(&certFile, "cert", "", "TLS certificate file")
	cmd.Flags().StringVar(&keyFile, "key", "", "TLS key file")
	cmd.Flags().BoolVar(&plaintext, "insecure", false, "allow unencrypted WebSocket, for local development only")
	cmd.Flags().IntVar(&maxRooms, "max-rooms", 0, "maximum concurrently open rooms")
	cmd.Flags().IntVar(&maxParticipantsPerRoom, "max-participants-per-room", 0, "maximum participants per room")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	cmd.Flags().StringVar(&logFormat, "log-format", "", "log format: text, json")

	return cmd
}
