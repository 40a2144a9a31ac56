package commands

import (
	"context"
	"log/slog"
	"net/netip"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kohanmathers/goneon/internal/host"
	"github.com/kohanmathers/goneon/internal/neon"
	"github.com/kohanmathers/goneon/internal/netio"
)

func hostCmd() *cobra.Command {
	var relayAddr string

	cmd := &cobra.Command{
		Use:   "host [session-id]",
		Short: "Run a session host",
		Long: "Runs a host: registers a session at the relay, admits clients\n" +
			"by name, pushes session configuration, and answers pings. The\n" +
			"optional argument is the session id to own; if absent or\n" +
			"unparseable a random id is generated.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if relayAddr != "" {
				cfg.Host.Relay = relayAddr
			}
			return runHost(cmd.Context(), args)
		},
	}

	cmd.Flags().StringVar(&relayAddr, "relay", "", "relay address (overrides config)")
	return cmd
}

func runHost(parent context.Context, args []string) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sessionID := sessionIDFromArgs(args)

	relayAddrPort, err := resolveAddrPort(cfg.Host.Relay)
	if err != nil {
		return err
	}

	ep, err := netio.Listen("0.0.0.0:0", logger)
	if err != nil {
		return err
	}
	defer ep.Close()

	hostLogger := logger.With(slog.String("component", "host"))

	h := host.New(ep, relayAddrPort, sessionID,
		host.WithLogger(hostLogger),
		host.WithSettleDelay(cfg.Host.SettleDelay),
		host.WithSessionConfig(neon.SessionConfig{
			Version:       neon.Version,
			TickRate:      cfg.Host.TickRate,
			MaxPacketSize: cfg.Host.MaxPacketSize,
		}),
		host.WithCallbacks(host.Callbacks{
			ClientConnected: func(clientID uint8, name string, sessionID uint32) {
				hostLogger.Info("client connected",
					slog.Int("client_id", int(clientID)),
					slog.String("name", name),
					slog.Uint64("session_id", uint64(sessionID)),
				)
			},
			ClientDenied: func(name, reason string) {
				hostLogger.Info("client denied",
					slog.String("name", name),
					slog.String("reason", reason),
				)
			},
			Unhandled: func(packetType neon.PacketType, sourceID uint8, from netip.AddrPort) {
				hostLogger.Debug("unhandled packet",
					slog.String("type", packetType.String()),
					slog.Int("source_id", int(sourceID)),
					slog.String("from", from.String()),
				)
			},
		}),
	)

	return h.Run(ctx)
}

// sessionIDFromArgs parses the optional session id argument; a missing
// or unparseable argument yields a random id.
func sessionIDFromArgs(args []string) uint32 {
	if len(args) == 0 {
		return host.NewSessionID()
	}

	parsed, err := strconv.ParseUint(args[0], 10, 32)
	if err != nil {
		logger.Warn("invalid session id argument, using a random id",
			slog.String("arg", args[0]),
		)
		return host.NewSessionID()
	}
	return uint32(parsed)
}
