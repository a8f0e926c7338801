// Package commands implements agentcompanyctl, a small cobra CLI giving
// operators a terminal front end to the §6.5 HTTP control surface. Each
// subcommand is a thin HTTP client plus markdown-formatted terminal output,
// grounded on the teacher's commands/approve.go and commands/status.go
// idiom, re-targeted from slash-command dispatch to cobra subcommands since
// AgentCompany has no chat surface of its own (§4).
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
)

// envelope mirrors api.envelope: every control-surface response is
// `{data?, error?}`.
type envelope struct {
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

// Client is a thin wrapper over net/http against the control surface's base
// URL (e.g. http://localhost:8080).
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient returns a Client targeting baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// do issues method against path with an optional JSON-encoded body,
// decoding the envelope's data field into out (when non-nil) and returning
// the server's error field as a Go error otherwise.
func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", method, path, err)
	}
	if env.Error != "" {
		return fmt.Errorf("%s %s: %s", method, path, env.Error)
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("%s %s: decode data: %w", method, path, err)
		}
	}
	return nil
}
