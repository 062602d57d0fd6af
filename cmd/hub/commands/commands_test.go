package commands

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/hub/am"
	"github.com/teranos/hub/message"
)

func TestParseNetwork(t *testing.T) {
	n, err := parseNetwork("devnet")
	require.NoError(t, err)
	assert.Equal(t, message.NetworkDevnet, n)

	n, err = parseNetwork("any")
	require.NoError(t, err)
	assert.Equal(t, message.NetworkNone, n)

	_, err = parseNetwork("moon")
	assert.Error(t, err)
}

func TestLoadConfigFromExplicitFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "am.toml")
	require.NoError(t, os.WriteFile(path, []byte("[sync]\ninterval_seconds = 0\n"), 0644))

	cfg, watch, loader, err := loadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, path, watch)
	assert.Nil(t, loader)
	assert.Equal(t, "manual only", syncIntervalLabel(cfg))

	cfg.Sync.IntervalSeconds = 30
	assert.Equal(t, "30s", syncIntervalLabel(cfg))
}

func newTestClient(t *testing.T, h http.HandlerFunc) *apiClient {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	cmd := &cobra.Command{}
	cmd.Flags().String("addr", srv.URL, "")
	c, err := newAPIClient(cmd)
	require.NoError(t, err)
	return c
}

func TestAPIClientDecodesErrorBodies(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"outcome":"already_syncing","error":"sync already running"}`))
	})

	var out struct {
		Outcome string `json:"outcome"`
	}
	status, err := c.do(context.Background(), http.MethodPost, "/api/sync", map[string]string{"peer": "b"}, &out)
	require.Error(t, err)
	assert.Equal(t, http.StatusConflict, status)
	assert.Contains(t, err.Error(), "sync already running")
	assert.Equal(t, "already_syncing", out.Outcome)
}

func TestAPIClientSuccess(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/trie/unload", r.URL.Path)
		w.Write([]byte(`{"unloaded":12}`))
	})

	var out struct {
		Unloaded int `json:"unloaded"`
	}
	status, err := c.do(context.Background(), http.MethodPost, "/api/trie/unload", nil, &out)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, 12, out.Unloaded)
}

func TestPeerCommandsEditFile(t *testing.T) {
	peerFile = filepath.Join(t.TempDir(), "am.toml")
	defer func() { peerFile = "" }()

	require.NoError(t, runAmPeerAdd(amPeerAddCmd, []string{"west", "10.0.0.2:2283"}))
	cfg, err := am.LoadFromFile(peerFile)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.2:2283", cfg.Sync.Peers["west"])

	require.NoError(t, runAmPeerRemove(amPeerRemoveCmd, []string{"west"}))
	assert.Error(t, runAmPeerRemove(amPeerRemoveCmd, []string{"west"}))
}
