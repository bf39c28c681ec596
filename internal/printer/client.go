// Package printer talks to the Moonraker API of a Klipper host: it answers
// whether a print is running, pauses prints and runs G-code scripts.
package printer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Print states reported by Klipper's print_stats object.
const (
	StatePrinting = "printing"
	StatePaused   = "paused"
	StateStandby  = "standby"
	StateComplete = "complete"
	StateError    = "error"
)

// API is the subset of Moonraker the daemon uses.
type API interface {
	QueryState(ctx context.Context) (string, error)
	Pause(ctx context.Context) error
	RunGCode(ctx context.Context, script string) error
}

// Client is a Moonraker HTTP client.
type Client struct {
	base   *url.URL
	apiKey string
	http   *http.Client
}

// NewClient creates a client for the Moonraker instance at baseURL
// (e.g. "http://localhost:7125"). apiKey may be empty.
func NewClient(baseURL, apiKey string) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse moonraker url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("moonraker url %q: scheme must be http or https", baseURL)
	}
	return &Client{
		base:   u,
		apiKey: apiKey,
		http:   &http.Client{Timeout: 10 * time.Second},
	}, nil
}

type queryResponse struct {
	Result struct {
		Status struct {
			PrintStats struct {
				State string `json:"state"`
			} `json:"print_stats"`
		} `json:"status"`
	} `json:"result"`
}

type errorResponse struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// QueryState returns print_stats.state.
func (c *Client) QueryState(ctx context.Context) (string, error) {
	var resp queryResponse
	if err := c.do(ctx, http.MethodGet, "/printer/objects/query", url.Values{"print_stats": {"state"}}, &resp); err != nil {
		return "", fmt.Errorf("query print state: %w", err)
	}
	state := resp.Result.Status.PrintStats.State
	if state == "" {
		return "", errors.New("query print state: response has no print_stats.state")
	}
	return state, nil
}

// Pause pauses the current print.
func (c *Client) Pause(ctx context.Context) error {
	if err := c.do(ctx, http.MethodPost, "/printer/print/pause", nil, nil); err != nil {
		return fmt.Errorf("pause print: %w", err)
	}
	return nil
}

// RunGCode runs a G-code script on the printer.
func (c *Client) RunGCode(ctx context.Context, script string) error {
	if err := c.do(ctx, http.MethodPost, "/printer/gcode/script", url.Values{"script": {script}}, nil); err != nil {
		return fmt.Errorf("run gcode: %w", err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, out interface{}) error {
	u := *c.base
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	u.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, method, u.String(), nil)
	if err != nil {
		return err
	}
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var er errorResponse
		if json.Unmarshal(body, &er) == nil && er.Error.Message != "" {
			return fmt.Errorf("moonraker %d: %s", resp.StatusCode, er.Error.Message)
		}
		return fmt.Errorf("moonraker: unexpected status %d", resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
