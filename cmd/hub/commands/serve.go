package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/hub/am"
	"github.com/teranos/hub/errors"
	"github.com/teranos/hub/logger"
	"github.com/teranos/hub/message"
	"github.com/teranos/hub/server"
)

// ServeCmd runs the hub until interrupted
var ServeCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"server"},
	Short:   "Run the hub",
	Long: `Open the stores and trie, serve the HTTP API and the gRPC sync service,
and sync with the configured peers on sync.interval_seconds.

Peers and the sync interval are reloaded when the config file changes.`,
	RunE: runServe,
}

var (
	serveConfigPath string
	serveNetwork    string
)

func init() {
	ServeCmd.Flags().StringVar(&serveConfigPath, "config", "", "Config file (default: the am.toml cascade)")
	ServeCmd.Flags().StringVar(&serveNetwork, "network", "mainnet", "Accepted message network: mainnet, testnet, devnet, any")
}

func parseNetwork(s string) (message.Network, error) {
	switch s {
	case "mainnet":
		return message.NetworkMainnet, nil
	case "testnet":
		return message.NetworkTestnet, nil
	case "devnet":
		return message.NetworkDevnet, nil
	case "any", "":
		return message.NetworkNone, nil
	default:
		return 0, errors.Newf("unknown network %q (mainnet, testnet, devnet, any)", s)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	verbosity, _ := cmd.Flags().GetCount("verbose")
	if verbosity == 0 {
		verbosity = logger.VerbosityInfo
	}
	logger.SetVerbosity(verbosity)
	defer logger.Cleanup()

	network, err := parseNetwork(serveNetwork)
	if err != nil {
		return err
	}
	cfg, watchPath, loader, err := loadConfig(serveConfigPath)
	if err != nil {
		return err
	}

	h, err := server.New(server.Options{
		Config:       cfg,
		ConfigPath:   watchPath,
		ConfigLoader: loader,
		Network:      network,
		Log:          logger.ComponentLogger("hub"),
	})
	if err != nil {
		return errors.Wrap(err, "failed to start hub")
	}
	printStartupBanner(cfg, verbosity)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runErr := h.Run(ctx)
	pterm.Info.Println("Shutting down, flushing trie and stores...")
	if err := h.Close(); err != nil {
		return errors.CombineErrors(runErr, errors.Wrap(err, "shutdown"))
	}
	if runErr != nil {
		return runErr
	}
	pterm.Success.Println("Hub stopped cleanly")
	return nil
}

// loadConfig reads an explicit file or the am.toml cascade. The returned
// path is the file to watch for reloads, empty when none was found, and
// the loader re-reads the same sources.
func loadConfig(path string) (*am.Config, string, am.Loader, error) {
	if path != "" {
		cfg, err := am.LoadFromFile(path)
		if err != nil {
			return nil, "", nil, err
		}
		return cfg, path, nil, nil
	}
	cfg, err := am.Load()
	if err != nil {
		return nil, "", nil, errors.Wrap(err, "failed to load config")
	}
	files := am.LoadedFiles()
	if len(files) == 0 {
		return cfg, "", nil, nil
	}
	return cfg, files[len(files)-1], am.Load, nil
}
