package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap/zapgrpc"
	"google.golang.org/grpc/grpclog"

	"github.com/teranos/hub/cmd/hub/commands"
	"github.com/teranos/hub/logger"
)

var rootCmd = &cobra.Command{
	Use:   "hub",
	Short: "hub - Merkle-trie synced message hub",
	Long: `hub stores signed messages in CRDT sets and keeps a Merkle radix trie
over their sync ids so peers can find and fetch what they are missing.

Available commands:
  serve  - Run the hub (HTTP API, gRPC sync service, periodic sync)
  sync   - Trigger a sync with a peer and inspect sync history
  trie   - Inspect and maintain the sync trie
  am     - Manage hub configuration ("I am")
  db     - Show sync log statistics
  version

Examples:
  hub serve                       # Start the hub
  hub sync west                   # Sync now with the configured peer "west"
  hub trie status                 # Items, root hash and rebuild progress
  hub am peer add west 10.0.0.2:2283`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		jsonLogs, _ := cmd.Flags().GetBool("json-logs")
		if err := logger.Initialize(jsonLogs); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		verbosity, _ := cmd.Flags().GetCount("verbose")
		logger.SetVerbosity(verbosity)
		if logger.ShouldLogTrace(verbosity) {
			grpclog.SetLoggerV2(zapgrpc.NewLogger(logger.Logger.Desugar().Named("grpc")))
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (repeat for more detail: -v, -vv, -vvv)")
	rootCmd.PersistentFlags().Bool("json-logs", false, "Emit logs as JSON")
	rootCmd.PersistentFlags().String("addr", "", "HTTP address of a running hub (default http://localhost:<server.http_port>)")

	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.SyncCmd)
	rootCmd.AddCommand(commands.TrieCmd)
	rootCmd.AddCommand(commands.AmCmd)
	rootCmd.AddCommand(commands.DbCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
