package safeai

import (
	"net/http"
	"time"
)

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithServerAddr sets the SafeAI server address, e.g. "http://127.0.0.1:8787".
// If not set, defaults to the SAFEAI_SERVER_ADDR environment variable.
func WithServerAddr(addr string) Option {
	return func(c *Client) {
		c.serverAddr = addr
	}
}

// WithAPIKey sets the API key sent as a Bearer token. Only needed when the
// server requires auth. If not set, defaults to SAFEAI_API_KEY.
func WithAPIKey(key string) Option {
	return func(c *Client) {
		c.apiKey = key
	}
}

// WithAgentID sets the default agent identity attached to requests that do
// not carry one. If not set, defaults to SAFEAI_AGENT_ID.
func WithAgentID(id string) Option {
	return func(c *Client) {
		c.agentID = id
	}
}

// WithSessionID sets the default session identifier for scan and guard
// requests.
func WithSessionID(id string) Option {
	return func(c *Client) {
		c.sessionID = id
	}
}

// WithFailMode sets the behavior when the server is unreachable. Valid
// values are "open" (treat as allow) and "closed" (return an error).
// If not set, defaults to SAFEAI_FAIL_MODE or "closed".
func WithFailMode(mode string) Option {
	return func(c *Client) {
		c.failMode = mode
	}
}

// WithTimeout sets the HTTP request timeout. Defaults to 5 seconds.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

// WithCacheTTL sets how long allow decisions for identical scan inputs are
// reused without a round trip. Zero disables caching.
func WithCacheTTL(d time.Duration) Option {
	return func(c *Client) {
		c.cacheTTL = d
	}
}

// WithCacheMaxSize sets the maximum number of cached scan decisions.
// Defaults to 1000.
func WithCacheMaxSize(n int) Option {
	return func(c *Client) {
		c.cacheMaxSize = n
	}
}

// WithHTTPClient sets a custom http.Client, useful for testing, proxying,
// or custom transports.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}
