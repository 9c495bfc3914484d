// Package agentclient is the coordinator's HTTP client for agent data
// planes. Browse and search requests are proxied through it with short,
// pooled connections.
package agentclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ErrUpstream marks agent-side failures; callers surface them as 502.
var ErrUpstream = errors.New("agent request failed")

const (
	requestTimeout = 12 * time.Second

	maxIdleConns        = 120
	maxIdleConnsPerHost = 60
	idleConnTimeout     = 25 * time.Second
)

// Item is one listing or search hit as reported by an agent. The
// annotation fields are filled in by the coordinator before the item
// reaches a client.
type Item struct {
	Name       string  `json:"name"`
	IsDir      bool    `json:"is_dir"`
	Path       string  `json:"path"`
	ParentPath *string `json:"parent_path,omitempty"`
	Type       string  `json:"type"`

	DeviceID    string `json:"device_id,omitempty"`
	ShareID     string `json:"share_id,omitempty"`
	ShareName   string `json:"share_name,omitempty"`
	DeviceName  string `json:"device_name,omitempty"`
	StreamURL   string `json:"stream_url,omitempty"`
	DownloadURL string `json:"download_url,omitempty"`
}

// ListPayload is the agent's directory listing response.
type ListPayload struct {
	CurrentPath string  `json:"current_path"`
	ParentPath  *string `json:"parent_path"`
	Items       []Item  `json:"items"`
	Truncated   bool    `json:"truncated"`
	Limit       int     `json:"limit"`
}

// SearchPayload is the agent's search response.
type SearchPayload struct {
	Query     string `json:"query"`
	BasePath  string `json:"base_path"`
	Recursive bool   `json:"recursive"`
	Items     []Item `json:"items"`
	Truncated bool   `json:"truncated"`
}

// Client talks to agent data planes over a shared keep-alive pool.
type Client struct {
	http *http.Client
}

// New creates an agent client with pooled connections.
func New() *Client {
	return &Client{
		http: &http.Client{
			Timeout: requestTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        maxIdleConns,
				MaxIdleConnsPerHost: maxIdleConnsPerHost,
				IdleConnTimeout:     idleConnTimeout,
			},
		},
	}
}

// Close releases pooled connections.
func (c *Client) Close() {
	if transport, ok := c.http.Transport.(*http.Transport); ok {
		transport.CloseIdleConnections()
	}
}

// ListShare fetches one directory level of a share from its agent.
func (c *Client) ListShare(ctx context.Context, baseURL, shareID, path, ticket string, maxResults int) (*ListPayload, error) {
	params := url.Values{}
	params.Set("path", path)
	params.Set("ticket", ticket)
	params.Set("max_results", strconv.Itoa(maxResults))

	var payload ListPayload
	if err := c.get(ctx, baseURL, shareID, "list", params, &payload); err != nil {
		return nil, err
	}
	return &payload, nil
}

// SearchShare runs a substring search on a share's agent.
func (c *Client) SearchShare(ctx context.Context, baseURL, shareID, path, query string, recursive bool, ticket string, maxResults int) (*SearchPayload, error) {
	params := url.Values{}
	params.Set("path", path)
	params.Set("q", query)
	if recursive {
		params.Set("recursive", "1")
	} else {
		params.Set("recursive", "0")
	}
	params.Set("max_results", strconv.Itoa(maxResults))
	params.Set("ticket", ticket)

	var payload SearchPayload
	if err := c.get(ctx, baseURL, shareID, "search", params, &payload); err != nil {
		return nil, err
	}
	return &payload, nil
}

func (c *Client) get(ctx context.Context, baseURL, shareID, op string, params url.Values, out any) error {
	endpoint := fmt.Sprintf("%s/agent/v1/shares/%s/%s?%s",
		strings.TrimRight(baseURL, "/"), url.PathEscape(shareID), op, params.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return upstreamError(baseURL, resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: invalid response from %s: %v", ErrUpstream, baseURL, err)
	}
	return nil
}

// upstreamError prefers the agent's own problem detail when the body
// carries one.
func upstreamError(baseURL string, resp *http.Response) error {
	detail := fmt.Sprintf("agent %s request failed (%d)", baseURL, resp.StatusCode)
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err == nil {
		var payload struct {
			Detail string `json:"detail"`
		}
		if json.Unmarshal(body, &payload) == nil && payload.Detail != "" {
			detail = payload.Detail
		}
	}
	return fmt.Errorf("%w: %s", ErrUpstream, detail)
}

// FileURLs builds the ticketed stream and download URLs for one file on
// an agent.
func FileURLs(agentBaseURL, shareID, path, ticket string) (streamURL, downloadURL string) {
	base := fmt.Sprintf("%s/agent/v1/shares/%s", strings.TrimRight(agentBaseURL, "/"), url.PathEscape(shareID))
	suffix := "?path=" + url.QueryEscape(path) + "&ticket=" + url.QueryEscape(ticket)
	return base + "/stream" + suffix, base + "/download" + suffix
}
