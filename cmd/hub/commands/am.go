package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/teranos/hub/am"
	"github.com/teranos/hub/errors"
)

// AmCmd represents the am (configuration) command
var AmCmd = &cobra.Command{
	Use:   "am",
	Short: "Manage hub configuration",
	Long: `am - Manage hub configuration ("I am")

Configuration sources (in order of precedence):
1. Environment variables (HUB_* prefix, e.g. HUB_SYNC_INTERVAL_SECONDS)
2. Project config (./am.toml, searched up the directory tree)
3. User config (~/.hub/am.toml)
4. System config (/etc/hub/config.toml)
5. Default values

Examples:
  hub am show                     # Show current configuration
  hub am show --format json       # Show configuration in JSON format
  hub am get sync.interval_seconds
  hub am validate                 # Validate and report unknown keys
  hub am peer add west 10.0.0.2:2283`,
}

var amShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE:  runAmShow,
}

var amGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Get a specific configuration value",
	Long:  "Get a specific configuration value using dot notation (e.g., database.path, sync.peers)",
	Args:  cobra.ExactArgs(1),
	RunE:  runAmGet,
}

var amValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate current configuration",
	RunE:  runAmValidate,
}

var amWhereCmd = &cobra.Command{
	Use:   "where",
	Short: "Show which config files were loaded",
	RunE:  runAmWhere,
}

var amPeerCmd = &cobra.Command{
	Use:   "peer",
	Short: "Add or remove sync peers",
}

var amPeerAddCmd = &cobra.Command{
	Use:   "add <name> <host:port>",
	Short: "Add or update a sync peer",
	Args:  cobra.ExactArgs(2),
	RunE:  runAmPeerAdd,
}

var amPeerRemoveCmd = &cobra.Command{
	Use:     "remove <name>",
	Aliases: []string{"rm"},
	Short:   "Remove a sync peer",
	Args:    cobra.ExactArgs(1),
	RunE:    runAmPeerRemove,
}

var (
	configFormat string
	peerFile     string
)

func init() {
	amShowCmd.Flags().StringVar(&configFormat, "format", "toml", "Output format: toml, json, yaml")
	amPeerCmd.PersistentFlags().StringVar(&peerFile, "file", "", "Config file to edit (default ~/.hub/am.toml)")

	amPeerCmd.AddCommand(amPeerAddCmd)
	amPeerCmd.AddCommand(amPeerRemoveCmd)

	AmCmd.AddCommand(amShowCmd)
	AmCmd.AddCommand(amGetCmd)
	AmCmd.AddCommand(amValidateCmd)
	AmCmd.AddCommand(amWhereCmd)
	AmCmd.AddCommand(amPeerCmd)
}

func runAmShow(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}

	switch configFormat {
	case "json":
		data, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			return errors.Wrap(err, "failed to marshal config to JSON")
		}
		fmt.Println(string(data))

	case "yaml":
		data, err := yaml.Marshal(cfg)
		if err != nil {
			return errors.Wrap(err, "failed to marshal config to YAML")
		}
		fmt.Printf("# hub configuration\n%s", string(data))

	case "toml":
		data, err := toml.Marshal(cfg)
		if err != nil {
			return errors.Wrap(err, "failed to marshal config to TOML")
		}
		fmt.Printf("# hub configuration\n%s", string(data))

	default:
		return errors.Newf("unsupported format: %s (supported: toml, json, yaml)", configFormat)
	}
	return nil
}

func runAmGet(cmd *cobra.Command, args []string) error {
	key := args[0]
	if !am.IsSet(key) {
		return errors.Newf("configuration key %q not found", key)
	}
	fmt.Println(am.Get(key))
	return nil
}

func runAmValidate(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}

	for _, path := range am.LoadedFiles() {
		unknown, err := am.UnknownKeys(path)
		if err != nil {
			return err
		}
		for _, key := range unknown {
			pterm.Warning.Printf("%s: unknown key %q is ignored\n", path, key)
		}
	}

	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "configuration validation failed")
	}
	pterm.Success.Println("Configuration is valid")
	return nil
}

func runAmWhere(cmd *cobra.Command, args []string) error {
	loaded := make(map[string]bool)
	for _, path := range am.LoadedFiles() {
		loaded[path] = true
	}
	rows := [][]string{{"Precedence", "File", "Status"}}
	for i, path := range am.ConfigPaths() {
		status := "missing"
		if loaded[path] {
			status = "loaded"
		} else if _, err := os.Stat(path); err == nil {
			status = "unreadable"
		}
		rows = append(rows, []string{fmt.Sprintf("%d", i+1), path, status})
	}
	pterm.Info.Println("Later files override earlier ones; HUB_* environment variables override all")
	return pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
}

func peerConfigFile() (string, error) {
	if peerFile != "" {
		return peerFile, nil
	}
	path := am.UserConfigPath()
	if path == "" {
		return "", errors.New("cannot determine home directory, pass --file")
	}
	return path, nil
}

func runAmPeerAdd(cmd *cobra.Command, args []string) error {
	path, err := peerConfigFile()
	if err != nil {
		return err
	}
	if err := am.AddPeer(path, args[0], args[1]); err != nil {
		return err
	}
	pterm.Success.Printf("Peer %s -> %s saved to %s\n", args[0], args[1], path)
	return nil
}

func runAmPeerRemove(cmd *cobra.Command, args []string) error {
	path, err := peerConfigFile()
	if err != nil {
		return err
	}
	if err := am.RemovePeer(path, args[0]); err != nil {
		return err
	}
	pterm.Success.Printf("Peer %s removed from %s\n", args[0], path)
	return nil
}
