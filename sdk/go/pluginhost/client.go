package pluginhost

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. It is intentionally short to avoid hanging network calls.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the plugin host management API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// HostInfo mirrors the aggregate status payload returned by the host.
type HostInfo struct {
	Total       int               `json:"total"`
	Loaded      int               `json:"loaded"`
	Failed      int               `json:"failed"`
	Loading     int               `json:"loading"`
	Statuses    map[string]string `json:"statuses"`
	Isolation   IsolationCounts   `json:"isolation"`
	LoadTimesMS map[string]int64  `json:"load_times_ms"`
}

// IsolationCounts tallies loaded plugins per isolation level.
type IsolationCounts struct {
	None    int `json:"none"`
	Service int `json:"service"`
	Full    int `json:"full"`
}

// PluginStatus describes one plugin as reported by the host.
type PluginStatus struct {
	Name        string   `json:"name"`
	Status      string   `json:"status"`
	Version     string   `json:"version,omitempty"`
	Description string   `json:"description,omitempty"`
	Priority    int      `json:"priority,omitempty"`
	Isolation   string   `json:"isolation,omitempty"`
	Services    []string `json:"services,omitempty"`
}

// ActionResult is returned by load, unload, and reload requests.
type ActionResult struct {
	Name   string `json:"name"`
	Action string `json:"action"`
	Status string `json:"status"`
}

// AuditRecord is one lifecycle audit entry.
type AuditRecord struct {
	ID         string `json:"id"`
	Plugin     string `json:"plugin"`
	Version    string `json:"version,omitempty"`
	Action     string `json:"action"`
	Outcome    string `json:"outcome"`
	Error      string `json:"error,omitempty"`
	DurationMS int64  `json:"duration_ms"`
	CreatedAt  int64  `json:"created_at"`
}

// AuditStats aggregates lifecycle audit entries.
type AuditStats struct {
	Total    int64 `json:"total"`
	Loads    int64 `json:"loads"`
	Unloads  int64 `json:"unloads"`
	Reloads  int64 `json:"reloads"`
	Failures int64 `json:"failures"`
}

// AuditPage bundles records with their aggregate stats.
type AuditPage struct {
	Records []AuditRecord `json:"records"`
	Stats   AuditStats    `json:"stats"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("pluginhost api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the plugin host management API. When
// httpClient is nil, a default client with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) *Client {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		panic(fmt.Sprintf("invalid base url: %v", err))
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}
}

// Info fetches the aggregate plugin status overview.
func (c *Client) Info(ctx context.Context) (HostInfo, error) {
	var info HostInfo
	if err := c.get(ctx, "/api/v1/plugins", &info); err != nil {
		return HostInfo{}, err
	}
	return info, nil
}

// GetPlugin fetches the status of a single plugin by name.
func (c *Client) GetPlugin(ctx context.Context, name string) (PluginStatus, error) {
	var status PluginStatus
	if err := c.get(ctx, "/api/v1/plugins/"+url.PathEscape(name), &status); err != nil {
		return PluginStatus{}, err
	}
	return status, nil
}

// LoadPlugin asks the host to load the named plugin.
func (c *Client) LoadPlugin(ctx context.Context, name string) (ActionResult, error) {
	return c.action(ctx, name, "load")
}

// UnloadPlugin asks the host to unload the named plugin.
func (c *Client) UnloadPlugin(ctx context.Context, name string) (ActionResult, error) {
	return c.action(ctx, name, "unload")
}

// ReloadPlugin asks the host to unload and load the named plugin again.
func (c *Client) ReloadPlugin(ctx context.Context, name string) (ActionResult, error) {
	return c.action(ctx, name, "reload")
}

// Audit fetches the most recent lifecycle audit records.
func (c *Client) Audit(ctx context.Context, limit int) (AuditPage, error) {
	endpoint := "/api/v1/audit"
	if limit > 0 {
		endpoint += "?limit=" + strconv.Itoa(limit)
	}
	var page AuditPage
	if err := c.get(ctx, endpoint, &page); err != nil {
		return AuditPage{}, err
	}
	return page, nil
}

func (c *Client) action(ctx context.Context, name, action string) (ActionResult, error) {
	var result ActionResult
	endpoint := "/api/v1/plugins/" + url.PathEscape(name) + "/" + action
	if err := c.post(ctx, endpoint, nil, &result); err != nil {
		return ActionResult{}, err
	}
	return result, nil
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	rel := &url.URL{Path: path.Join(c.baseURL.Path, parsed.Path), RawQuery: parsed.RawQuery}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		return &APIError{
			StatusCode: resp.StatusCode,
			Message:    string(bytes.TrimSpace(data)),
		}
	}

	if out == nil {
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
