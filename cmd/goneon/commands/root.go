// Package commands implements the goneon command tree: one binary
// running the relay, host, or client role.
package commands

import (
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"os"

	"github.com/spf13/cobra"

	"github.com/kohanmathers/goneon/internal/config"
)

var (
	// cfg is the loaded configuration, initialized in PersistentPreRunE.
	cfg *config.Config

	// logger is the process logger, initialized in PersistentPreRunE.
	logger *slog.Logger

	// configPath is the --config flag value.
	configPath string

	// logLevel is the --log-level flag value; overrides the config
	// when set.
	logLevel string
)

// rootCmd is the top-level cobra command for goneon.
var rootCmd = &cobra.Command{
	Use:   "goneon",
	Short: "Neon session networking stack",
	Long: "goneon runs the three roles of the Neon session protocol: a relay\n" +
		"that routes datagrams between session peers, a host that owns a\n" +
		"session and admits clients, and a client that joins a session\n" +
		"through the relay.",
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded

		if logLevel != "" {
			cfg.Log.Level = logLevel
		}
		logger = newLogger(cfg.Log)
		slog.SetDefault(logger)

		return nil
	},
	// Silence cobra's built-in usage/error printing so we control it.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"path to configuration file (YAML)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"log level: debug, info, warn, error")

	rootCmd.AddCommand(relayCmd())
	rootCmd.AddCommand(hostCmd())
	rootCmd.AddCommand(clientCmd())
	rootCmd.AddCommand(versionCmd())
}

// Execute runs the root command and exits with code 1 on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// newLogger builds the process logger from the log configuration.
func newLogger(lc config.LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: config.ParseLogLevel(lc.Level)}

	var handler slog.Handler
	if lc.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

// resolveAddrPort resolves a "host:port" string (names allowed) to a
// netip.AddrPort.
func resolveAddrPort(addr string) (netip.AddrPort, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("resolve %q: %w", addr, err)
	}
	return udpAddr.AddrPort(), nil
}
