// Package main is the CLI entry point for an EphemeralRooms endpoint: a
// terminal client that either hosts a new room or joins one with an
// invite token, then exchanges plaintext messages over the relay
// (spec.md §4.4-§4.7).
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/ephemeralrooms/ephemeralrooms/internal/config"
	"github.com/ephemeralrooms/ephemeralrooms/internal/endpoint"
	"github.com/ephemeralrooms/ephemeralrooms/internal/frame"
	"github.com/ephemeralrooms/ephemeralrooms/internal/identity"
	"github.com/ephemeralrooms/ephemeralrooms/internal/logging"
	"github.com/ephemeralrooms/ephemeralrooms/internal/primitives"
	"github.com/ephemeralrooms/ephemeralrooms/internal/securestore"
	"github.com/ephemeralrooms/ephemeralrooms/internal/session"
	"github.com/ephemeralrooms/ephemeralrooms/internal/wizard"
)

// version is set at build time via ldflags.
var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "roomendpoint",
		Short:   "EphemeralRooms endpoint — host or join an ephemeral encrypted room",
		Version: version,
	}

	rootCmd.AddCommand(hostCmd())
	rootCmd.AddCommand(joinCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func endpointFlags(cmd *cobra.Command) (configPath, relayAddr, displayName, dataDir *string, insecureSkipVerify, highSecurity *bool) {
	configPath = cmd.Flags().String("config", "", "path to endpoint configuration file")
	relayAddr = cmd.Flags().String("relay-addr", "", "wss:// address of the relay")
	displayName = cmd.Flags().String("display-name", "", "name shown to other participants")
	dataDir = cmd.Flags().String("data-dir", "", "local data directory for stored preferences")
	insecureSkipVerify = cmd.Flags().Bool("insecure-skip-verify", false, "trust any relay TLS certificate, for local development only")
	highSecurity = cmd.Flags().Bool("high-security", false, "wider padding, wider heartbeat jitter, shorter buffer expiry")
	return
}

func loadEndpointConfig(cmd *cobra.Command, configPath, relayAddr, displayName, dataDir string, insecureSkipVerify, highSecurity bool) (*config.EndpointConfig, error) {
	cfg := config.DefaultEndpointConfig()
	if configPath != "" {
		loaded, err := config.LoadEndpointConfig(configPath)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	} else if wizard.IsInteractive() && !cmd.Flags().Changed("relay-addr") {
		w := wizard.New(cfg)
		res, err := w.Run()
		if err != nil {
			return nil, fmt.Errorf("setup wizard: %w", err)
		}
		cfg = wizard.BuildEndpointConfig(res)
	}

	if cmd.Flags().Changed("relay-addr") {
		cfg.RelayAddr = relayAddr
	}
	if cmd.Flags().Changed("display-name") {
		cfg.DisplayName = displayName
	}
	if cmd.Flags().Changed("data-dir") {
		cfg.DataDir = dataDir
	}
	if cmd.Flags().Changed("insecure-skip-verify") {
		cfg.InsecureSkipVerify = insecureSkipVerify
	}
	if cmd.Flags().Changed("high-security") {
		cfg.HighSecurity = highSecurity
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadOverlayPreference reads the device-bound "is the anonymizing
// overlay transport enabled" preference (spec §6), which is the one
// piece of state an endpoint is allowed to persist across runs.
func loadOverlayPreference(cfg *config.EndpointConfig, log interface{ Info(string, ...any) }) bool {
	store, err := securestore.NewFileStore(cfg.DataDir)
	if err != nil {
		log.Info("overlay preference unavailable", "error", err.Error())
		return false
	}
	enabled, err := securestore.GetBool(store, securestore.TransportEnabledKey, false)
	if err != nil {
		log.Info("overlay preference unavailable", "error", err.Error())
		return false
	}
	return enabled
}

func hostCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "host",
		Short: "Host a new room",
	}
	configPath, relayAddr, displayName, dataDir, insecureSkipVerify, highSecurity := endpointFlags(cmd)

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		cfg, err := loadEndpointConfig(cmd, *configPath, *relayAddr, *displayName, *dataDir, *insecureSkipVerify, *highSecurity)
		if err != nil {
			return err
		}
		log := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)
		overlay := loadOverlayPreference(cfg, log)
		log.Info("overlay transport preference", "enabled", overlay)

		ep := endpoint.New(cfg, log)
		ctx, cancel := signalContext()
		defer cancel()

		room, masterBuf, err := ep.HostRoom(ctx)
		if err != nil {
			return fmt.Errorf("host room: %w", err)
		}
		defer masterBuf.Wipe()

		fmt.Printf("Room hosted: %s\n", room.RoomID.String())

		hostKeys, err := primitives.GenerateKeyPair()
		if err != nil {
			return fmt.Errorf("generate host key pair: %w", err)
		}

		token, expiresIn, err := createInvite(ctx, cfg, room.RoomID)
		if err != nil {
			log.Info("invite creation failed, share the room id manually", "error", err.Error())
		} else {
			fmt.Printf("Invite token: %s (expires in %s)\n", token, humanize.Time(time.Now().Add(expiresIn)))
		}

		go func() {
			if err := ep.ServeHandshakes(ctx, room, hostKeys); err != nil {
				log.Info("handshake loop ended", "error", err.Error())
			}
		}()

		runREPL(ctx, room, log)
		return nil
	}

	return cmd
}

func joinCmd() *cobra.Command {
	var roomIDInput, inviteToken string

	cmd := &cobra.Command{
		Use:   "join",
		Short: "Join an existing room with an invite token",
	}
	configPath, relayAddr, displayName, dataDir, insecureSkipVerify, highSecurity := endpointFlags(cmd)
	cmd.Flags().StringVar(&roomIDInput, "room-id", "", "room id to join, URL-safe base64 (43 characters)")
	cmd.Flags().StringVar(&inviteToken, "invite-token", "", "single-use invite token")

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		var roomID identity.RoomID
		var token string

		if roomIDInput != "" && inviteToken != "" {
			parsed, err := identity.ParseRoomID(roomIDInput)
			if err != nil {
				return fmt.Errorf("parse room id: %w", err)
			}
			roomID = parsed
			token = inviteToken
		} else if wizard.IsInteractive() {
			w := wizard.New(config.DefaultEndpointConfig())
			res, err := w.Run()
			if err != nil {
				return fmt.Errorf("setup wizard: %w", err)
			}
			if res.Mode != wizard.ModeJoin {
				return fmt.Errorf("join: wizard selected host mode, use `roomendpoint host` instead")
			}
			roomID = res.RoomID
			token = res.InviteToken
			_ = cmd.Flags().Set("relay-addr", res.RelayAddr)
			_ = cmd.Flags().Set("display-name", res.DisplayName)
			if res.HighSecurity {
				_ = cmd.Flags().Set("high-security", "true")
			}
		} else {
			return fmt.Errorf("join requires --room-id and --invite-token")
		}

		cfg, err := loadEndpointConfig(cmd, *configPath, *relayAddr, *displayName, *dataDir, *insecureSkipVerify, *highSecurity)
		if err != nil {
			return err
		}
		log := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)
		overlay := loadOverlayPreference(cfg, log)
		log.Info("overlay transport preference", "enabled", overlay)

		ep := endpoint.New(cfg, log)
		ctx, cancel := signalContext()
		defer cancel()

		room, err := ep.JoinRoom(ctx, roomID, token)
		if err != nil {
			return fmt.Errorf("join room: %w", err)
		}
		fmt.Printf("Joined room %s as %s\n", room.RoomID.String(), room.Self.ShortString())

		go func() {
			if err := ep.ServeClient(ctx, room); err != nil {
				log.Info("client loop ended", "error", err.Error())
			}
		}()

		runREPL(ctx, room, log)
		return nil
	}

	return cmd
}

// runREPL prints delivered messages and room-destroyed notifications on
// one goroutine while reading outbound lines from stdin on the caller's,
// until ctx is canceled or the room ends.
func runREPL(ctx context.Context, room *endpoint.Room, log interface{ Info(string, ...any) }) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-room.Messages():
				if !ok {
					return
				}
				fmt.Printf("[%s] %s\n", msg.SenderID.ShortString(), msg.Payload)
			case reason, ok := <-room.Destroyed():
				if !ok {
					return
				}
				fmt.Printf("Room closed: %s\n", reason)
				return
			}
		}
	}()

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := room.SendMessage(ctx, frame.EncodeText(frame.TextContent{Text: line})); err != nil {
			log.Info("send failed", "error", err.Error())
		}
		if ctx.Err() != nil {
			break
		}
	}
	room.Close(session.ReasonBackgrounded)
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()
	return ctx, cancel
}

// createInvite mints a single-use invite token for roomID by calling the
// relay's HTTP invite surface directly (spec.md §4.9 "POST
// /invite/create/{roomId}"), deriving the HTTP(S) base URL from the
// endpoint's wss:// relay address.
func createInvite(ctx context.Context, cfg *config.EndpointConfig, roomID identity.RoomID) (string, time.Duration, error) {
	base := strings.NewReplacer("wss://", "https://", "ws://", "http://").Replace(cfg.RelayAddr)
	url := base + "/invite/create/" + roomID.String()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return "", 0, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return "", 0, fmt.Errorf("invite create returned %s", resp.Status)
	}

	var body struct {
		Token     string `json:"token"`
		ExpiresIn int64  `json:"expiresIn"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", 0, err
	}
	return body.Token, time.Duration(body.ExpiresIn) * time.Second, nil
}
