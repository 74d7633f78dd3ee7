// Package sessions is the node-side REST client for the hub's call session
// API. It implements call.SessionAPI over plain HTTP against the same host
// that serves the signaling WebSocket.
package sessions

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/clinicport/callcore/internal/call"
)

// Client talks to the hub's /api/sessions endpoints.
type Client struct {
	baseURL string
	http    *http.Client
}

func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Client) Create(ctx context.Context, caller, receiver, appointmentID string) (*call.Record, error) {
	body := map[string]string{
		"caller":   caller,
		"receiver": receiver,
	}
	if appointmentID != "" {
		body["appointmentId"] = appointmentID
	}
	return c.do(ctx, http.MethodPost, "/api/sessions", body)
}

func (c *Client) Get(ctx context.Context, id string) (*call.Record, error) {
	return c.do(ctx, http.MethodGet, "/api/sessions/"+id, nil)
}

func (c *Client) UpdateStatus(ctx context.Context, id, status string, duration int) (*call.Record, error) {
	body := map[string]any{"status": status}
	if duration >= 0 {
		body["duration"] = duration
	}
	return c.do(ctx, http.MethodPatch, "/api/sessions/"+id, body)
}

func (c *Client) End(ctx context.Context, id string, duration int) (*call.Record, error) {
	body := map[string]any{}
	if duration >= 0 {
		body["duration"] = duration
	}
	return c.do(ctx, http.MethodPost, "/api/sessions/"+id+"/end", body)
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*call.Record, error) {
	var buf io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		buf = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, buf)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sessions api: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("sessions api: %s %s: %s (%s)",
			method, path, resp.Status, bytes.TrimSpace(msg))
	}

	var rec call.Record
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		return nil, fmt.Errorf("sessions api: decode response: %w", err)
	}
	return &rec, nil
}
