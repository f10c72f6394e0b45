package safeai

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Client is the SafeAI SDK client. It talks to the /v1 enforcement API of
// a running sidecar or gateway.
type Client struct {
	serverAddr string
	apiKey     string
	agentID    string
	sessionID  string
	failMode   string
	timeout    time.Duration
	httpClient *http.Client

	// Cache fields.
	cache        sync.Map
	cacheTTL     time.Duration
	cacheMaxSize int
	cacheCount   int64
	cacheMu      sync.Mutex

	logger *slog.Logger
}

// cacheEntry is a cached scan result with expiry.
type cacheEntry struct {
	result    *ScanResult
	expiresAt time.Time
	createdAt time.Time
}

// NewClient creates a new SafeAI SDK client. It reads configuration from
// SAFEAI_* environment variables by default; options override.
func NewClient(opts ...Option) *Client {
	c := &Client{
		serverAddr:   os.Getenv("SAFEAI_SERVER_ADDR"),
		apiKey:       os.Getenv("SAFEAI_API_KEY"),
		agentID:      os.Getenv("SAFEAI_AGENT_ID"),
		failMode:     envOrDefault("SAFEAI_FAIL_MODE", "closed"),
		timeout:      parseDurationEnv("SAFEAI_TIMEOUT", 5*time.Second),
		cacheTTL:     parseDurationEnv("SAFEAI_CACHE_TTL", 0),
		cacheMaxSize: parseIntEnv("SAFEAI_CACHE_MAX_SIZE", 1000),
		logger:       slog.Default(),
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.httpClient == nil {
		c.httpClient = &http.Client{
			Timeout: c.timeout,
		}
	}

	return c
}

// ScanInput scans text at the input boundary. Identical texts with allow
// decisions are served from the local cache within the cache TTL.
func (c *Client) ScanInput(ctx context.Context, req ScanRequest) (*ScanResult, error) {
	c.fillScanDefaults(&req)

	cacheKey := c.buildCacheKey("input", req.AgentID, req.Text)
	if res, ok := c.getFromCache(cacheKey); ok {
		return res, nil
	}

	var res ScanResult
	if err := c.doRequest(ctx, http.MethodPost, "/v1/scan/input", req, &res); err != nil {
		if open, ferr := c.handleUnreachable(err); open {
			return &ScanResult{
				Decision: Decision{Action: ActionAllow, Reason: "server unreachable, fail-open"},
				Filtered: req.Text,
			}, nil
		} else if ferr != nil {
			return nil, ferr
		}
		return nil, err
	}
	if res.Decision.Action == ActionAllow {
		c.putInCache(cacheKey, &res)
	}
	return &res, nil
}

// ScanStructured scans a JSON-like payload at the input boundary.
func (c *Client) ScanStructured(ctx context.Context, req StructuredScanRequest) (*StructuredScanResult, error) {
	if req.AgentID == "" {
		req.AgentID = c.agentID
	}
	if req.SessionID == "" {
		req.SessionID = c.sessionID
	}
	var res StructuredScanResult
	if err := c.doRequest(ctx, http.MethodPost, "/v1/scan/structured", req, &res); err != nil {
		if open, ferr := c.handleUnreachable(err); open {
			return &StructuredScanResult{
				Decision: Decision{Action: ActionAllow, Reason: "server unreachable, fail-open"},
				Filtered: req.Payload,
			}, nil
		} else if ferr != nil {
			return nil, ferr
		}
		return nil, err
	}
	return &res, nil
}

// GuardOutput guards outbound text at the output boundary. Guard results
// are never cached or failed open: a missed redaction leaks data.
func (c *Client) GuardOutput(ctx context.Context, req ScanRequest) (*GuardResult, error) {
	c.fillScanDefaults(&req)
	var res GuardResult
	if err := c.doRequest(ctx, http.MethodPost, "/v1/guard/output", req, &res); err != nil {
		if isConnectionError(err) {
			return nil, &ServerUnreachableError{Cause: err}
		}
		return nil, err
	}
	return &res, nil
}

// InterceptTool submits a tool call to the action boundary (request phase).
func (c *Client) InterceptTool(ctx context.Context, call ToolCall) (*InterceptResult, error) {
	if call.AgentID == "" {
		call.AgentID = c.agentID
	}
	body := struct {
		Phase string `json:"phase"`
		ToolCall
	}{Phase: "request", ToolCall: call}

	var res InterceptResult
	if err := c.doRequest(ctx, http.MethodPost, "/v1/intercept/tool", body, &res); err != nil {
		if isConnectionError(err) {
			return nil, &ServerUnreachableError{Cause: err}
		}
		return nil, err
	}
	return &res, nil
}

// InterceptToolResponse submits a tool result to the action boundary
// (response phase).
func (c *Client) InterceptToolResponse(ctx context.Context, call ToolCall, response map[string]any) (*ResponseInterceptResult, error) {
	if call.AgentID == "" {
		call.AgentID = c.agentID
	}
	body := struct {
		Phase    string         `json:"phase"`
		Response map[string]any `json:"response"`
		ToolCall
	}{Phase: "response", Response: response, ToolCall: call}

	var res ResponseInterceptResult
	if err := c.doRequest(ctx, http.MethodPost, "/v1/intercept/tool", body, &res); err != nil {
		if isConnectionError(err) {
			return nil, &ServerUnreachableError{Cause: err}
		}
		return nil, err
	}
	return &res, nil
}

// SendAgentMessage submits an inter-agent message to the action boundary.
func (c *Client) SendAgentMessage(ctx context.Context, msg AgentMessage) (*AgentMessageResult, error) {
	var res AgentMessageResult
	if err := c.doRequest(ctx, http.MethodPost, "/v1/intercept/agent-message", msg, &res); err != nil {
		if isConnectionError(err) {
			return nil, &ServerUnreachableError{Cause: err}
		}
		return nil, err
	}
	return &res, nil
}

// WaitForApproval resubmits a tool call held for approval until the
// decision changes from require_approval, or gives up after maxWait.
// The call must carry the ApprovalRequestID from the original decision.
func (c *Client) WaitForApproval(ctx context.Context, call ToolCall, maxWait time.Duration) (*InterceptResult, error) {
	const pollInterval = 2 * time.Second

	if call.ApprovalRequestID == "" {
		return nil, errors.New("approval_request_id is required")
	}
	deadline := time.Now().Add(maxWait)

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}

		res, err := c.InterceptTool(ctx, call)
		if err != nil {
			c.logger.Warn("approval poll failed",
				"approval_request_id", call.ApprovalRequestID,
				"error", err,
			)
			continue
		}
		if res.Decision.Action != ActionRequireApproval {
			return res, nil
		}
	}

	return nil, &ApprovalTimeoutError{ApprovalRequestID: call.ApprovalRequestID}
}

// CheckTool is a convenience wrapper that reports whether a tool call may
// proceed (allow or redact). Blocked and pending calls return false.
func (c *Client) CheckTool(ctx context.Context, call ToolCall) (bool, error) {
	res, err := c.InterceptTool(ctx, call)
	if err != nil {
		return false, err
	}
	return res.Decision.Action == ActionAllow || res.Decision.Action == ActionRedact, nil
}

// MemoryWrite writes a value through the memory boundary. It reports
// whether the write was admitted.
func (c *Client) MemoryWrite(ctx context.Context, req MemoryWriteRequest) (bool, error) {
	var res struct {
		Written bool `json:"written"`
	}
	if err := c.doRequest(ctx, http.MethodPost, "/v1/memory/write", req, &res); err != nil {
		return false, err
	}
	return res.Written, nil
}

// MemoryRead reads a key through the memory boundary.
func (c *Client) MemoryRead(ctx context.Context, store, key, agentID string) (*MemoryReadResult, error) {
	if agentID == "" {
		agentID = c.agentID
	}
	body := map[string]string{"store": store, "key": key, "agent_id": agentID}
	var res MemoryReadResult
	if err := c.doRequest(ctx, http.MethodPost, "/v1/memory/read", body, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// ResolveMemoryHandle exchanges an opaque handle for its plaintext value.
// Only the owning agent can resolve a handle.
func (c *Client) ResolveMemoryHandle(ctx context.Context, handleID, agentID string) (any, bool, error) {
	if agentID == "" {
		agentID = c.agentID
	}
	body := map[string]string{"handle_id": handleID, "agent_id": agentID}
	var res struct {
		Found bool `json:"found"`
		Value any  `json:"value"`
	}
	if err := c.doRequest(ctx, http.MethodPost, "/v1/memory/resolve-handle", body, &res); err != nil {
		return nil, false, err
	}
	return res.Value, res.Found, nil
}

// Health reports whether the server is up.
func (c *Client) Health(ctx context.Context) error {
	return c.doRequest(ctx, http.MethodGet, "/v1/health", nil, nil)
}

// fillScanDefaults applies client-level identity defaults.
func (c *Client) fillScanDefaults(req *ScanRequest) {
	if req.AgentID == "" {
		req.AgentID = c.agentID
	}
	if req.SessionID == "" {
		req.SessionID = c.sessionID
	}
}

// handleUnreachable classifies a request error under the fail mode. It
// returns open=true when the caller should synthesize an allow.
func (c *Client) handleUnreachable(err error) (open bool, out error) {
	if !isConnectionError(err) {
		return false, nil
	}
	if c.failMode == "open" {
		c.logger.Warn("SafeAI server unreachable, failing open",
			"server_addr", c.serverAddr,
			"error", err,
		)
		return true, nil
	}
	return false, &ServerUnreachableError{Cause: err}
}

// doRequest performs an HTTP request against the SafeAI server.
func (c *Client) doRequest(ctx context.Context, method, path string, body any, result any) error {
	url := strings.TrimRight(c.serverAddr, "/") + path

	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return err
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		var serverErr struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(respBody, &serverErr)
		return &APIError{
			StatusCode: httpResp.StatusCode,
			Message:    serverErr.Error,
		}
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("failed to unmarshal response: %w", err)
		}
	}

	return nil
}

// buildCacheKey creates a cache key from the boundary, agent, and a hash
// of the text.
func (c *Client) buildCacheKey(boundary, agentID, text string) string {
	h := sha256.Sum256([]byte(text))
	return fmt.Sprintf("%s:%s:%s", boundary, agentID, hex.EncodeToString(h[:])[:16])
}

// getFromCache retrieves a cached result if it exists and hasn't expired.
func (c *Client) getFromCache(key string) (*ScanResult, bool) {
	if c.cacheTTL <= 0 {
		return nil, false
	}
	val, ok := c.cache.Load(key)
	if !ok {
		return nil, false
	}
	entry := val.(*cacheEntry)
	if time.Now().After(entry.expiresAt) {
		c.cache.Delete(key)
		c.cacheMu.Lock()
		c.cacheCount--
		c.cacheMu.Unlock()
		return nil, false
	}
	return entry.result, true
}

// putInCache stores a result in the cache.
func (c *Client) putInCache(key string, res *ScanResult) {
	if c.cacheTTL <= 0 {
		return
	}
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()

	// Best-effort eviction: if over max size, delete some expired entries.
	if c.cacheCount >= int64(c.cacheMaxSize) {
		now := time.Now()
		evicted := 0
		c.cache.Range(func(k, v any) bool {
			entry := v.(*cacheEntry)
			if now.After(entry.expiresAt) {
				c.cache.Delete(k)
				evicted++
			}
			return evicted < 100
		})
		c.cacheCount -= int64(evicted)

		// If still over limit, evict the oldest entry.
		if c.cacheCount >= int64(c.cacheMaxSize) {
			var oldest time.Time
			var oldestKey any
			c.cache.Range(func(k, v any) bool {
				entry := v.(*cacheEntry)
				if oldest.IsZero() || entry.createdAt.Before(oldest) {
					oldest = entry.createdAt
					oldestKey = k
				}
				return true
			})
			if oldestKey != nil {
				c.cache.Delete(oldestKey)
				c.cacheCount--
			}
		}
	}

	c.cache.Store(key, &cacheEntry{
		result:    res,
		expiresAt: time.Now().Add(c.cacheTTL),
		createdAt: time.Now(),
	})
	c.cacheCount++
}

// isConnectionError determines if an error is a connection-level error
// (server unreachable, connection refused, timeout, etc.).
func isConnectionError(err error) bool {
	if err == nil {
		return false
	}

	// HTTP-level errors are not connection errors.
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return false
	}

	// All other errors from http.Client.Do are connection errors
	// (DNS resolution, connection refused, TLS handshake, timeouts).
	return true
}

// Helper functions for env var parsing.

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func parseDurationEnv(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	// Try parsing as seconds (integer).
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	// Try parsing as duration string.
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	return defaultVal
}

func parseIntEnv(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	if n, err := strconv.Atoi(v); err == nil {
		return n
	}
	return defaultVal
}
