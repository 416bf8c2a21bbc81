// Package wizard provides an interactive setup flow for cmd/roomendpoint.
//
// It is a terminal prompt sequence, not a GUI: it asks for the handful of
// values a host or client needs before the endpoint can dial a relay, using
// charmbracelet/huh for the prompts and golang.org/x/term to detect whether
// a terminal is actually available to prompt on.
package wizard

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/ephemeralrooms/ephemeralrooms/internal/config"
	"github.com/ephemeralrooms/ephemeralrooms/internal/identity"
)

// Mode selects whether the endpoint hosts a new room or joins an existing one.
type Mode string

const (
	ModeHost Mode = "host"
	ModeJoin Mode = "join"
)

// Result carries the answers gathered from the wizard, sufficient to build
// an EndpointConfig and dial the relay.
type Result struct {
	Mode         Mode
	DisplayName  string
	RelayAddr    string
	RoomID       identity.RoomID // only set when Mode == ModeJoin
	InviteToken  string          // only set when Mode == ModeJoin
	HighSecurity bool
	DataDir      string
}

var banner = lipgloss.NewStyle().
	Bold(true).
	Foreground(lipgloss.Color("63")).
	Render("EphemeralRooms")

// IsInteractive reports whether stdin is an actual terminal. Callers should
// fall back to flag-only configuration when this is false, since huh forms
// need a real TTY to render.
func IsInteractive() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

// Wizard drives the interactive prompt sequence. Existing is an optional
// endpoint config loaded from disk, whose values become the prompt defaults.
type Wizard struct {
	existing *config.EndpointConfig
}

// New creates a setup wizard, optionally seeded with defaults from an
// already-loaded endpoint configuration.
func New(existing *config.EndpointConfig) *Wizard {
	return &Wizard{existing: existing}
}

// Run executes the interactive prompt sequence and returns the gathered
// answers. It returns an error if stdin is not a terminal, the user aborts,
// or a typed value fails validation.
func (w *Wizard) Run() (*Result, error) {
	if !IsInteractive() {
		return nil, fmt.Errorf("wizard: stdin is not a terminal, use flags or a config file instead")
	}

	fmt.Println(banner)
	fmt.Println("Set up a room to host, or join one with an invite token.")
	fmt.Println()

	res := &Result{
		RelayAddr: "wss://localhost:8843",
		DataDir:   "./data",
	}
	if w.existing != nil {
		res.RelayAddr = w.existing.RelayAddr
		res.DataDir = w.existing.DataDir
		res.DisplayName = w.existing.DisplayName
		res.HighSecurity = w.existing.HighSecurity
	}

	var modeChoice string
	var roomIDInput, inviteTokenInput string

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("What would you like to do?").
				Options(
					huh.NewOption("Host a new room", string(ModeHost)),
					huh.NewOption("Join an existing room", string(ModeJoin)),
				).
				Value(&modeChoice),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Display name").
				Description("Shown to other participants in the room.").
				Value(&res.DisplayName).
				Validate(validateDisplayName),
			huh.NewInput().
				Title("Relay address").
				Description("wss:// address of the relay to connect through.").
				Value(&res.RelayAddr).
				Validate(validateRelayAddr),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Room ID").
				Description("32-byte room identifier, URL-safe base64 (43 characters).").
				Value(&roomIDInput).
				Validate(validateRoomIDInput),
			huh.NewInput().
				Title("Invite token").
				Description("Single-use token from the host's invite link.").
				Value(&inviteTokenInput).
				Validate(validateInviteTokenInput),
		).WithHideFunc(func() bool { return modeChoice != string(ModeJoin) }),
		huh.NewGroup(
			huh.NewConfirm().
				Title("Enable high-security mode?").
				Description("Wider padding buckets, wider heartbeat jitter, shorter buffer expiry.").
				Value(&res.HighSecurity),
		),
	)

	if err := form.Run(); err != nil {
		return nil, fmt.Errorf("wizard: %w", err)
	}

	res.Mode = Mode(modeChoice)
	res.DisplayName = strings.TrimSpace(res.DisplayName)
	res.RelayAddr = strings.TrimSpace(res.RelayAddr)

	if res.Mode == ModeJoin {
		roomID, err := identity.ParseRoomID(strings.TrimSpace(roomIDInput))
		if err != nil {
			return nil, fmt.Errorf("wizard: parse room id: %w", err)
		}
		res.RoomID = roomID
		res.InviteToken = strings.TrimSpace(inviteTokenInput)
	}

	return res, nil
}

func validateDisplayName(s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return fmt.Errorf("display name is required")
	}
	if len(s) > 64 {
		return fmt.Errorf("display name must be 64 characters or fewer")
	}
	return nil
}

func validateRelayAddr(s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return fmt.Errorf("relay address is required")
	}
	if !strings.HasPrefix(s, "ws://") && !strings.HasPrefix(s, "wss://") {
		return fmt.Errorf("relay address must start with ws:// or wss://")
	}
	return nil
}

func validateRoomIDInput(s string) error {
	if _, err := identity.ParseRoomID(strings.TrimSpace(s)); err != nil {
		return fmt.Errorf("invalid room id: %w", err)
	}
	return nil
}

func validateInviteTokenInput(s string) error {
	if strings.TrimSpace(s) == "" {
		return fmt.Errorf("invite token is required to join a room")
	}
	return nil
}

// BuildEndpointConfig translates a wizard result into a persistable
// EndpointConfig, applying the same defaults config.DefaultEndpointConfig
// does for any field the wizard left untouched.
func BuildEndpointConfig(res *Result) *config.EndpointConfig {
	cfg := config.DefaultEndpointConfig()
	cfg.RelayAddr = res.RelayAddr
	cfg.DisplayName = res.DisplayName
	cfg.DataDir = res.DataDir
	cfg.HighSecurity = res.HighSecurity
	return cfg
}
