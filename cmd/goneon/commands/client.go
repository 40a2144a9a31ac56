package commands

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kohanmathers/goneon/internal/client"
	"github.com/kohanmathers/goneon/internal/config"
	"github.com/kohanmathers/goneon/internal/neon"
	"github.com/kohanmathers/goneon/internal/netio"
)

func clientCmd() *cobra.Command {
	var (
		relayAddr string
		name      string
		sessionID uint32
	)

	cmd := &cobra.Command{
		Use:   "client",
		Short: "Run a session client",
		Long: "Runs a client: joins a session through the relay, keeps the\n" +
			"connection alive with periodic pings, and prints received\n" +
			"events. Missing parameters are prompted for on stdin.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if relayAddr != "" {
				cfg.Client.Relay = relayAddr
			}
			return runClient(cmd.Context(), name, sessionID, cmd.Flags().Changed("session"))
		},
	}

	cmd.Flags().StringVar(&relayAddr, "relay", "", "relay address (overrides config)")
	cmd.Flags().StringVar(&name, "name", "", "display name (prompted when absent)")
	cmd.Flags().Uint32Var(&sessionID, "session", 0, "session id to join (prompted when absent)")
	return cmd
}

func runClient(parent context.Context, name string, sessionID uint32, haveSession bool) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	prompter := bufio.NewScanner(os.Stdin)

	if name == "" {
		name = promptString(prompter, "Enter your name: ")
	}
	if !haveSession {
		id, err := promptSessionID(prompter)
		if err != nil {
			return err
		}
		sessionID = id
	}
	if cfg.Client.Relay == "" {
		cfg.Client.Relay = config.DefaultRelayAddr
	}

	relayAddrPort, err := resolveAddrPort(cfg.Client.Relay)
	if err != nil {
		return err
	}

	ep, err := netio.Listen("0.0.0.0:0", logger)
	if err != nil {
		return err
	}
	defer ep.Close()

	c := client.New(ep, name,
		client.WithLogger(logger),
		client.WithAutoPing(cfg.Client.AutoPing),
		client.WithPingInterval(cfg.Client.PingInterval),
		client.WithCallbacks(client.Callbacks{
			Pong: func(rttMillis, _ uint64) {
				fmt.Printf("pong: rtt %d ms\n", rttMillis)
			},
			SessionConfig: func(version uint8, tickRate, maxPacketSize uint16) {
				fmt.Printf("session config: version %d, tick rate %d Hz, max packet %d bytes\n",
					version, tickRate, maxPacketSize)
			},
			PacketTypeRegistry: func(entries []neon.RegistryEntry) {
				for _, e := range entries {
					fmt.Printf("packet type 0x%02X: %s - %s\n", e.ID, e.Name, e.Description)
				}
			},
			Unhandled: func(packetType neon.PacketType, sourceID uint8) {
				fmt.Printf("unhandled %s from peer %d\n", packetType, sourceID)
			},
			WrongDestination: func(myID, destID uint8) {
				fmt.Printf("discarded packet for peer %d (we are %d)\n", destID, myID)
			},
		}),
	)

	if err := c.Connect(ctx, sessionID, relayAddrPort); err != nil {
		return err
	}

	fmt.Printf("Connected to session %d as client %d\n", c.SessionID(), c.ClientID())
	return c.Run(ctx)
}

// promptString reads one trimmed line from stdin.
func promptString(scanner *bufio.Scanner, prompt string) string {
	fmt.Print(prompt)
	if !scanner.Scan() {
		return ""
	}
	return strings.TrimSpace(scanner.Text())
}

// promptSessionID reads and parses a session id from stdin.
func promptSessionID(scanner *bufio.Scanner) (uint32, error) {
	raw := promptString(scanner, "Enter session ID: ")
	parsed, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid session id %q: %w", raw, err)
	}
	return uint32(parsed), nil
}
