// Package client provides a shared Go client for the katanad HTTP
// API. The CLI is a pure HTTP consumer — it never touches the state
// database or the hypervisor directly.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// Client talks to katanad over HTTP.
type Client struct {
	httpClient *http.Client
	baseURL    string
}

// New creates a client for a daemon at addr (host:port).
func New(addr string) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: 0, // no timeout for streaming
		},
		baseURL: "http://" + addr,
	}
}

// Addr returns the daemon address this client talks to.
func (c *Client) Addr() string {
	return strings.TrimPrefix(c.baseURL, "http://")
}

// APIError is a non-2xx response decoded from the error envelope.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	return e.Message
}

// CreateInstance creates a new instance.
func (c *Client) CreateInstance(ctx context.Context, req CreateInstanceRequest) (*Instance, error) {
	var out Instance
	if err := c.doJSON(ctx, "POST", "/instances", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListInstances returns all instances.
func (c *Client) ListInstances(ctx context.Context) (*InstanceList, error) {
	var out InstanceList
	if err := c.doJSON(ctx, "GET", "/instances", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetInstance returns a single instance by name.
func (c *Client) GetInstance(ctx context.Context, name string) (*Instance, error) {
	var out Instance
	if err := c.doJSON(ctx, "GET", "/instances/"+url.PathEscape(name), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// StartInstance starts an instance.
func (c *Client) StartInstance(ctx context.Context, name string) error {
	return c.doJSON(ctx, "POST", "/instances/"+url.PathEscape(name)+"/start", nil, nil)
}

// StopInstance stops an instance. timeoutSecs <= 0 uses the daemon
// default.
func (c *Client) StopInstance(ctx context.Context, name string, timeoutSecs int) error {
	path := "/instances/" + url.PathEscape(name) + "/stop"
	if timeoutSecs > 0 {
		path += "?timeout=" + strconv.Itoa(timeoutSecs)
	}
	return c.doJSON(ctx, "POST", path, nil, nil)
}

// DeleteInstance removes an instance. force kills a running VM first.
func (c *Client) DeleteInstance(ctx context.Context, name string, force bool) error {
	path := "/instances/" + url.PathEscape(name)
	if force {
		path += "?force=true"
	}
	return c.doJSON(ctx, "DELETE", path, nil, nil)
}

// GetLogs returns the last tail lines of an instance's serial log.
func (c *Client) GetLogs(ctx context.Context, name string, tail int) (*LogsResponse, error) {
	path := "/instances/" + url.PathEscape(name) + "/logs"
	if tail > 0 {
		path += "?tail=" + strconv.Itoa(tail)
	}
	var out LogsResponse
	if err := c.doJSON(ctx, "GET", path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetStats returns host-side resource stats for an instance.
func (c *Client) GetStats(ctx context.Context, name string) (*Stats, error) {
	var out Stats
	if err := c.doJSON(ctx, "GET", "/instances/"+url.PathEscape(name)+"/stats", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Attest verifies a running TEE instance's live quote.
func (c *Client) Attest(ctx context.Context, name string) (*AttestationResult, error) {
	var out AttestationResult
	if err := c.doJSON(ctx, "POST", "/instances/"+url.PathEscape(name)+"/attest", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// MonitorOp runs one of the monitor passthrough actions:
// pause, resume, suspend, wake, reset.
func (c *Client) MonitorOp(ctx context.Context, name, op string) error {
	return c.doJSON(ctx, "POST", "/instances/"+url.PathEscape(name)+"/"+op, nil, nil)
}

// StreamEvent is one server-sent event from the log stream.
type StreamEvent struct {
	Kind string
	Data json.RawMessage
}

// StreamLogs follows an instance's serial log, invoking handle for
// each event until the stream ends or ctx is canceled.
func (c *Client) StreamLogs(ctx context.Context, name string, tail int, handle func(StreamEvent) error) error {
	path := "/instances/" + url.PathEscape(name) + "/logs/stream"
	if tail > 0 {
		path += "?tail=" + strconv.Itoa(tail)
	}
	resp, err := c.doRaw(ctx, "GET", path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	// Minimal SSE reader: "event: <kind>" then "data: <json>", events
	// separated by a blank line.
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	var ev StreamEvent
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			ev.Kind = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			ev.Data = json.RawMessage(strings.TrimPrefix(line, "data: "))
		case line == "":
			if ev.Kind != "" {
				if err := handle(ev); err != nil {
					return err
				}
			}
			ev = StreamEvent{}
		}
	}
	return sc.Err()
}

// doJSON makes a JSON request and decodes the JSON response into
// result. If result is nil, the response body is discarded.
func (c *Client) doJSON(ctx context.Context, method, path string, body, result any) error {
	resp, err := c.doRaw(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if result == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(result)
}

// doRaw makes an HTTP request and returns the raw response. Caller is
// responsible for closing resp.Body.
func (c *Client) doRaw(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s %s: %w", method, path, err)
	}

	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, parseError(resp)
	}
	return resp, nil
}

// parseError reads an error envelope and returns an APIError.
func parseError(resp *http.Response) error {
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	data, _ := io.ReadAll(resp.Body)
	if json.Unmarshal(data, &envelope) == nil && envelope.Error.Message != "" {
		return &APIError{
			StatusCode: resp.StatusCode,
			Code:       envelope.Error.Code,
			Message:    envelope.Error.Message,
		}
	}
	return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(data))}
}
