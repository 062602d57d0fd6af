package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/teranos/hub/am"
	"github.com/teranos/hub/errors"
)

const apiTimeout = 2 * time.Minute

// apiClient talks to a running hub's HTTP API
type apiClient struct {
	base string
	http *http.Client
}

func newAPIClient(cmd *cobra.Command) (*apiClient, error) {
	base, _ := cmd.Flags().GetString("addr")
	if base == "" {
		cfg, err := am.Load()
		if err != nil {
			return nil, errors.Wrap(err, "failed to load config")
		}
		base = fmt.Sprintf("http://localhost:%d", cfg.Server.HTTPPort)
	}
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &apiClient{
		base: strings.TrimSuffix(base, "/"),
		http: &http.Client{Timeout: apiTimeout},
	}, nil
}

// do sends body as JSON and decodes the response into out. A non-2xx
// status is returned as an error carrying the hub's message.
func (c *apiClient) do(ctx context.Context, method, path string, body, out interface{}) (int, error) {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, errors.Wrap(err, "encode request")
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, r)
	if err != nil {
		return 0, errors.Wrap(err, "build request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, errors.Wrapf(err, "hub at %s not reachable", c.base)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, errors.Wrap(err, "read response")
	}
	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			// sync results carry their own error field; let the caller render them
			if out != nil && resp.StatusCode != http.StatusMethodNotAllowed {
				json.Unmarshal(data, out)
			}
			return resp.StatusCode, errors.Newf("%s (HTTP %d)", e.Error, resp.StatusCode)
		}
		return resp.StatusCode, errors.Newf("HTTP %d from %s", resp.StatusCode, path)
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return resp.StatusCode, errors.Wrap(err, "decode response")
		}
	}
	return resp.StatusCode, nil
}
