package commands

import (
	"sort"
	"strconv"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/hub/am"
	"github.com/teranos/hub/db"
	"github.com/teranos/hub/errors"
	"github.com/teranos/hub/logger"
	"github.com/teranos/hub/synclog"
)

// DbCmd represents the db (sync log database) command
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: "Inspect the sync log database",
	Long: `db - Inspect the sqlite sync log

Every sync attempt is recorded with its outcome and counters. The log can
be read while the hub is running.

Examples:
  hub db stats                    # Totals by outcome and per peer
  hub db prune --older-than 720h  # Drop attempts older than 30 days`,
}

var dbStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show sync log statistics",
	RunE:  runDbStats,
}

var dbPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete old sync attempts",
	RunE:  runDbPrune,
}

var pruneOlderThan time.Duration

func init() {
	dbPruneCmd.Flags().DurationVar(&pruneOlderThan, "older-than", 30*24*time.Hour, "Delete attempts that started before now minus this")

	DbCmd.AddCommand(dbStatsCmd)
	DbCmd.AddCommand(dbPruneCmd)
}

func openSyncLog() (*synclog.Store, func() error, string, error) {
	cfg, err := am.Load()
	if err != nil {
		return nil, nil, "", errors.Wrap(err, "failed to load configuration")
	}
	database, err := db.OpenWithMigrations(cfg.Database.SyncLogPath, logger.ComponentLogger("db"))
	if err != nil {
		return nil, nil, "", errors.Wrap(err, "failed to open sync log")
	}
	return synclog.NewStore(database), database.Close, cfg.Database.SyncLogPath, nil
}

func runDbStats(cmd *cobra.Command, args []string) error {
	store, closeFn, path, err := openSyncLog()
	if err != nil {
		return err
	}
	defer closeFn()

	st, err := store.Stats(cmd.Context())
	if err != nil {
		return err
	}

	pterm.DefaultSection.Println("Sync log")
	rows := [][]string{
		{"Path", path},
		{"Attempts", strconv.Itoa(st.Attempts)},
		{"Merged", strconv.Itoa(st.Merged)},
	}
	outcomes := make([]string, 0, len(st.ByOutcome))
	for o := range st.ByOutcome {
		outcomes = append(outcomes, o)
	}
	sort.Strings(outcomes)
	for _, o := range outcomes {
		rows = append(rows, []string{"  " + o, strconv.Itoa(st.ByOutcome[o])})
	}
	pterm.DefaultTable.WithData(rows).Render()

	if len(st.Peers) == 0 {
		return nil
	}
	pterm.DefaultSection.Println("Peers")
	peerRows := [][]string{{"Peer", "Attempts", "Synced", "Failed", "Merged", "Last", "At"}}
	for _, p := range st.Peers {
		last := "-"
		if p.LastAttemptAt != nil {
			last = p.LastAttemptAt.Local().Format("2006-01-02 15:04:05")
		}
		peerRows = append(peerRows, []string{
			p.Peer,
			strconv.Itoa(p.Attempts),
			strconv.Itoa(p.Synced),
			strconv.Itoa(p.Failed),
			strconv.Itoa(p.Merged),
			p.LastOutcome,
			last,
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(peerRows).Render()
}

func runDbPrune(cmd *cobra.Command, args []string) error {
	store, closeFn, _, err := openSyncLog()
	if err != nil {
		return err
	}
	defer closeFn()

	n, err := store.Prune(cmd.Context(), time.Now().Add(-pruneOlderThan))
	if err != nil {
		return err
	}
	pterm.Success.Printf("Deleted %d sync attempts older than %s\n", n, pruneOlderThan)
	return nil
}
