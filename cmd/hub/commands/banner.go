package commands

import (
	"fmt"

	"github.com/pterm/pterm"

	"github.com/teranos/hub/am"
	"github.com/teranos/hub/version"
)

// printStartupBanner prints the user-friendly startup summary
func printStartupBanner(cfg *am.Config, verbosity int) {
	info := version.Get()

	pterm.DefaultHeader.WithFullWidth(false).Printf("hub %s", info.Version)
	rows := [][]string{
		{"Name", cfg.Sync.Name},
		{"Commit", info.Short()},
		{"Protocol", fmt.Sprintf("%d", info.ProtocolVersion)},
		{"HTTP", fmt.Sprintf(":%d", cfg.Server.HTTPPort)},
		{"gRPC", fmt.Sprintf(":%d", cfg.Server.GRPCPort)},
		{"Store", cfg.Database.Path},
		{"Sync log", cfg.Database.SyncLogPath},
		{"Peers", fmt.Sprintf("%d", len(cfg.Sync.Peers))},
		{"Sync every", syncIntervalLabel(cfg)},
		{"Verbosity", fmt.Sprintf("%d", verbosity)},
	}
	pterm.DefaultTable.WithData(rows).Render()
	pterm.Info.Println("Press Ctrl+C to stop")
}

func syncIntervalLabel(cfg *am.Config) string {
	if cfg.Sync.IntervalSeconds == 0 {
		return "manual only"
	}
	return cfg.Sync.Interval().String()
}
