package commands

import (
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	hubsync "github.com/teranos/hub/sync"
)

// SyncCmd triggers and inspects sync attempts on a running hub
var SyncCmd = &cobra.Command{
	Use:   "sync <peer>",
	Short: "Sync with a peer now",
	Long: `Ask the running hub to sync with a peer. The peer is a name from
sync.peers or a host:port of another hub's gRPC service.

Examples:
  hub sync west                   # Sync with the configured peer "west"
  hub sync 10.0.0.7:2283          # Sync with an unconfigured hub
  hub sync status                 # Engine state and peer reachability
  hub sync history --peer west    # Recent attempts with one peer`,
	Args: cobra.ExactArgs(1),
	RunE: runSync,
}

var syncStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show sync engine state and peer reachability",
	Args:  cobra.NoArgs,
	RunE:  runSyncStatus,
}

var syncHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "List recent sync attempts",
	Args:  cobra.NoArgs,
	RunE:  runSyncHistory,
}

var (
	historyPeer  string
	historyLimit int
)

func init() {
	syncHistoryCmd.Flags().StringVar(&historyPeer, "peer", "", "Only attempts with this peer")
	syncHistoryCmd.Flags().IntVar(&historyLimit, "limit", 20, "Number of attempts to show")

	SyncCmd.AddCommand(syncStatusCmd)
	SyncCmd.AddCommand(syncHistoryCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	c, err := newAPIClient(cmd)
	if err != nil {
		return err
	}
	var res hubsync.Result
	spinner, _ := pterm.DefaultSpinner.Start("Syncing with " + args[0])
	_, err = c.do(cmd.Context(), http.MethodPost, "/api/sync", map[string]string{"peer": args[0]}, &res)
	spinner.Stop()
	if res.Outcome == "" {
		return err
	}
	printResult(&res)
	return err
}

func printResult(r *hubsync.Result) {
	switch r.Outcome {
	case hubsync.OutcomeSynced:
		pterm.Success.Printf("Synced with %s: %d merged of %d fetched\n", r.Peer, r.Merged, r.Fetched)
	case hubsync.OutcomeNotNeeded:
		pterm.Success.Printf("Already in sync with %s\n", r.Peer)
	case hubsync.OutcomeAlreadySyncing:
		pterm.Warning.Println("Another sync is running, try again shortly")
	default:
		pterm.Error.Printf("Sync with %s %s\n", r.Peer, r.Outcome)
	}
	rows := [][]string{
		{"Attempt", r.AttemptID},
		{"Duration", r.Duration().Round(time.Millisecond).String()},
	}
	if len(r.DivergencePrefix) > 0 {
		rows = append(rows, []string{"Divergence", hex.EncodeToString(r.DivergencePrefix)})
	}
	if r.Duplicates+r.Conflicts+r.Failed+r.Deferred > 0 {
		rows = append(rows,
			[]string{"Duplicates", strconv.Itoa(r.Duplicates)},
			[]string{"Conflicts", strconv.Itoa(r.Conflicts)},
			[]string{"Failed", strconv.Itoa(r.Failed)},
			[]string{"Deferred", strconv.Itoa(r.Deferred)})
	}
	if r.Error != "" {
		rows = append(rows, []string{"Error", r.Error})
	}
	pterm.DefaultTable.WithData(rows).Render()
}

type syncStatus struct {
	Engine   hubsync.Status    `json:"engine"`
	Peers    map[string]string `json:"peers"`
	RootHash []byte            `json:"root_hash"`
	Items    int               `json:"items"`
}

func runSyncStatus(cmd *cobra.Command, args []string) error {
	c, err := newAPIClient(cmd)
	if err != nil {
		return err
	}
	var st syncStatus
	if _, err := c.do(cmd.Context(), http.MethodGet, "/api/sync/status", nil, &st); err != nil {
		return err
	}

	pterm.DefaultSection.Println("Sync engine")
	pterm.DefaultTable.WithData([][]string{
		{"State", string(st.Engine.State)},
		{"Items", strconv.Itoa(st.Items)},
		{"Root", hex.EncodeToString(st.RootHash)},
	}).Render()
	if st.Engine.Last != nil {
		pterm.Info.Printf("Last attempt: %s with %s at %s\n",
			st.Engine.Last.Outcome, st.Engine.Last.Peer, st.Engine.Last.FinishedAt.Format(time.RFC3339))
	}

	if len(st.Peers) == 0 {
		pterm.Info.Println("No peers configured (hub am peer add <name> <host:port>)")
		return nil
	}
	names := make([]string, 0, len(st.Peers))
	for name := range st.Peers {
		names = append(names, name)
	}
	sort.Strings(names)
	rows := [][]string{{"Peer", "Status"}}
	for _, name := range names {
		rows = append(rows, []string{name, st.Peers[name]})
	}
	pterm.DefaultSection.Println("Peers")
	return pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
}

func runSyncHistory(cmd *cobra.Command, args []string) error {
	c, err := newAPIClient(cmd)
	if err != nil {
		return err
	}
	q := url.Values{}
	if historyPeer != "" {
		q.Set("peer", historyPeer)
	}
	q.Set("limit", strconv.Itoa(historyLimit))

	var attempts []hubsync.Result
	if _, err := c.do(cmd.Context(), http.MethodGet, "/api/sync/history?"+q.Encode(), nil, &attempts); err != nil {
		return err
	}
	if len(attempts) == 0 {
		pterm.Info.Println("No sync attempts recorded")
		return nil
	}
	rows := [][]string{{"Started", "Peer", "Outcome", "Merged", "Duration", "Error"}}
	for _, a := range attempts {
		rows = append(rows, []string{
			a.StartedAt.Local().Format("2006-01-02 15:04:05"),
			a.Peer,
			string(a.Outcome),
			fmt.Sprintf("%d/%d", a.Merged, a.Fetched),
			a.Duration().Round(time.Millisecond).String(),
			a.Error,
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
}
