package commands

import (
	"encoding/hex"
	"net/http"
	"strconv"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/hub/server"
)

// TrieCmd inspects and maintains the sync trie of a running hub
var TrieCmd = &cobra.Command{
	Use:   "trie",
	Short: "Inspect and maintain the sync trie",
	Long: `Inspect and maintain the Merkle trie of a running hub.

Examples:
  hub trie status                 # Items, root hash, cache size, rebuild progress
  hub trie rebuild                # Regenerate the trie from the message stores
  hub trie unload                 # Checkpoint and drop the node cache`,
}

var trieStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show trie size, root hash and rebuild progress",
	RunE:  runTrieStatus,
}

var trieRebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Rebuild the trie from the stores in the background",
	RunE:  runTrieRebuild,
}

var trieUnloadCmd = &cobra.Command{
	Use:   "unload",
	Short: "Checkpoint the trie and drop its node cache",
	RunE:  runTrieUnload,
}

func init() {
	TrieCmd.AddCommand(trieStatusCmd)
	TrieCmd.AddCommand(trieRebuildCmd)
	TrieCmd.AddCommand(trieUnloadCmd)
}

func runTrieStatus(cmd *cobra.Command, args []string) error {
	c, err := newAPIClient(cmd)
	if err != nil {
		return err
	}
	var st server.Stats
	if _, err := c.do(cmd.Context(), http.MethodGet, "/api/stats", nil, &st); err != nil {
		return err
	}

	rows := [][]string{
		{"State", st.State},
		{"Items", strconv.Itoa(st.Items)},
		{"Root", hex.EncodeToString(st.RootHash)},
		{"Cached nodes", strconv.Itoa(st.LoadedNodes)},
	}
	switch {
	case st.Rebuild.Running:
		rows = append(rows, []string{"Rebuild", "running, " + strconv.Itoa(st.Rebuild.Processed) + " processed"})
	case st.Rebuild.LastError != "":
		rows = append(rows, []string{"Rebuild", "failed: " + st.Rebuild.LastError})
	}
	pterm.DefaultTable.WithData(rows).Render()

	m := st.Merge
	pterm.DefaultSection.Println("Merges")
	return pterm.DefaultTable.WithHasHeader().WithData([][]string{
		{"Merged", "Duplicates", "Conflicts", "Rejected", "Revoked", "Pruned"},
		{
			strconv.FormatUint(m.Merged, 10), strconv.FormatUint(m.Duplicates, 10),
			strconv.FormatUint(m.Conflicts, 10), strconv.FormatUint(m.Rejected, 10),
			strconv.FormatUint(m.Revoked, 10), strconv.FormatUint(m.Pruned, 10),
		},
	}).Render()
}

func runTrieRebuild(cmd *cobra.Command, args []string) error {
	c, err := newAPIClient(cmd)
	if err != nil {
		return err
	}
	if _, err := c.do(cmd.Context(), http.MethodPost, "/api/trie/rebuild", nil, nil); err != nil {
		return err
	}
	pterm.Success.Println("Trie rebuild started; follow it with: hub trie status")
	return nil
}

func runTrieUnload(cmd *cobra.Command, args []string) error {
	c, err := newAPIClient(cmd)
	if err != nil {
		return err
	}
	var out struct {
		Unloaded int `json:"unloaded"`
	}
	if _, err := c.do(cmd.Context(), http.MethodPost, "/api/trie/unload", nil, &out); err != nil {
		return err
	}
	pterm.Success.Printf("Unloaded %d trie nodes\n", out.Unloaded)
	return nil
}
