package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/safeai-dev/safeai/internal/config"
	"github.com/safeai-dev/safeai/internal/domain/approval"
	"github.com/safeai-dev/safeai/internal/domain/auth"
	"github.com/safeai-dev/safeai/internal/domain/policy"
	"github.com/safeai-dev/safeai/internal/service"
)

const serverPolicyDoc = `version: 1
rules:
  - name: block-credentials
    boundary: [input, output, action]
    action: block
    reason: credentials are blocked
    priority: 10
    condition:
      data_tags: [secret.credential]
  - name: redact-pii
    boundary: [input, output]
    action: redact
    reason: pii is masked
    priority: 20
    condition:
      data_tags: [personal.pii]
  - name: allow-rest
    boundary: [input, output, action, memory]
    action: allow
    priority: 1000
`

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// newTestServer builds a real engine over temp files and serves the full
// route tree via httptest.
func newTestServer(t *testing.T, mutate func(*config.Config)) (*httptest.Server, *service.Enforcer) {
	t.Helper()
	dir := t.TempDir()
	write := func(name, content string) string {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
			t.Fatal(err)
		}
		return path
	}

	cfg := &config.Config{}
	cfg.SetDefaults()
	cfg.Policies.Paths = []string{write("policies.yaml", serverPolicyDoc)}
	cfg.Approvals.Path = filepath.Join(dir, "approvals.json")
	cfg.Audit.Output = "file://" + filepath.Join(dir, "audit.jsonl")
	cfg.Memory.SchemasPath = write("memory.yaml", `schemas:
  - name: notes
    scope: session
    max_entries: 10
    default_retention: 1h
    fields:
      - name: summary
        type: string
        tag: business.internal
      - name: card
        type: string
        tag: personal.financial
        encrypted: true
`)
	if mutate != nil {
		mutate(cfg)
	}

	enforcer, err := service.New(cfg, testLogger())
	if err != nil {
		t.Fatalf("service.New() error: %v", err)
	}
	t.Cleanup(func() { _ = enforcer.Close() })

	srv := NewServer(enforcer, cfg, WithLogger(testLogger()))
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, enforcer
}

// call sends a request and decodes the JSON response into out (when non-nil).
func call(t *testing.T, method, url string, body, out any) int {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s response: %v", method, url, err)
		}
	}
	return resp.StatusCode
}

type decisionResponse struct {
	Decision policy.Decision `json:"decision"`
	Filtered string          `json:"filtered"`
}

func TestServerHealthAndMetrics(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	var health map[string]string
	if status := call(t, http.MethodGet, ts.URL+"/v1/health", nil, &health); status != http.StatusOK {
		t.Fatalf("health status = %d", status)
	}
	if health["status"] != "ok" {
		t.Errorf("health body = %v", health)
	}

	if status := call(t, http.MethodGet, ts.URL+"/v1/metrics", nil, nil); status != http.StatusOK {
		t.Errorf("metrics status = %d", status)
	}
}

func TestServerScanInput(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	var res decisionResponse
	status := call(t, http.MethodPost, ts.URL+"/v1/scan/input",
		map[string]string{"text": "mail alice@example.com", "agent_id": "agent-1"}, &res)
	if status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	if res.Decision.Action != policy.ActionRedact {
		t.Errorf("action = %s", res.Decision.Action)
	}
	if strings.Contains(res.Filtered, "alice@example.com") {
		t.Errorf("filtered text leaks pii: %q", res.Filtered)
	}
}

func TestServerRejectsMalformedBody(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	resp, err := http.Post(ts.URL+"/v1/scan/input", "application/json", strings.NewReader("not json"))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["error"] == "" {
		t.Error("error message missing from response")
	}
}

func TestServerGuardOutputBlocks(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	var res decisionResponse
	call(t, http.MethodPost, ts.URL+"/v1/guard/output",
		map[string]string{"text": "key sk-ABCDEF1234567890ABCDEF", "agent_id": "agent-1"}, &res)
	if res.Decision.Action != policy.ActionBlock {
		t.Errorf("action = %s", res.Decision.Action)
	}
	if res.Filtered != "" {
		t.Errorf("blocked output leaked: %q", res.Filtered)
	}
}

func TestServerInterceptToolPhases(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	// No contracts are configured, so the action boundary fails closed.
	var res decisionResponse
	status := call(t, http.MethodPost, ts.URL+"/v1/intercept/tool",
		map[string]any{"tool_name": "shell", "agent_id": "agent-1"}, &res)
	if status != http.StatusOK || res.Decision.PolicyName != "tool-contract" {
		t.Errorf("request phase = %d %+v", status, res.Decision)
	}

	status = call(t, http.MethodPost, ts.URL+"/v1/intercept/tool",
		map[string]any{"phase": "response", "tool_name": "shell", "agent_id": "agent-1",
			"response": map[string]any{"stdout": "done"}}, &res)
	if status != http.StatusOK || res.Decision.Action != policy.ActionBlock {
		t.Errorf("response phase = %d %+v", status, res.Decision)
	}

	var errBody map[string]string
	status = call(t, http.MethodPost, ts.URL+"/v1/intercept/tool",
		map[string]any{"phase": "mid-flight", "tool_name": "shell", "agent_id": "agent-1"}, &errBody)
	if status != http.StatusBadRequest || !strings.Contains(errBody["error"], "phase") {
		t.Errorf("unknown phase = %d %v", status, errBody)
	}
}

func TestServerGatewayModeRequiresRouting(t *testing.T) {
	ts, _ := newTestServer(t, func(cfg *config.Config) {
		cfg.ProxyMode = config.ProxyModeGateway
	})

	var errBody map[string]string
	status := call(t, http.MethodPost, ts.URL+"/v1/intercept/tool",
		map[string]any{"tool_name": "shell", "agent_id": "agent-1"}, &errBody)
	if status != http.StatusBadRequest {
		t.Fatalf("status = %d", status)
	}
	if !strings.Contains(errBody["error"], "source_agent_id") {
		t.Errorf("error = %q", errBody["error"])
	}
}

func TestServerAgentMessageRequiresRoute(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	status := call(t, http.MethodPost, ts.URL+"/v1/intercept/agent-message",
		map[string]any{"message": "hi", "source_agent_id": "agent-1"}, nil)
	if status != http.StatusBadRequest {
		t.Errorf("status = %d", status)
	}
}

func TestServerMemoryEndpoints(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	var written map[string]bool
	status := call(t, http.MethodPost, ts.URL+"/v1/memory/write",
		map[string]any{"store": "notes", "key": "summary", "value": "remember", "agent_id": "agent-1"}, &written)
	if status != http.StatusOK || !written["written"] {
		t.Fatalf("write = %d %v", status, written)
	}

	var read struct {
		Found     bool   `json:"found"`
		Value     any    `json:"value"`
		HandleID  string `json:"handle_id"`
		Encrypted bool   `json:"encrypted"`
	}
	call(t, http.MethodPost, ts.URL+"/v1/memory/read",
		map[string]any{"store": "notes", "key": "summary", "agent_id": "agent-1"}, &read)
	if !read.Found || read.Value != "remember" {
		t.Errorf("read = %+v", read)
	}

	call(t, http.MethodPost, ts.URL+"/v1/memory/write",
		map[string]any{"store": "notes", "key": "card", "value": "4111-1111-1111-1111", "agent_id": "agent-1"}, nil)
	call(t, http.MethodPost, ts.URL+"/v1/memory/read",
		map[string]any{"store": "notes", "key": "card", "agent_id": "agent-1"}, &read)
	if !read.Encrypted || read.HandleID == "" || read.Value != nil {
		t.Fatalf("encrypted read = %+v", read)
	}

	var resolved map[string]any
	call(t, http.MethodPost, ts.URL+"/v1/memory/resolve-handle",
		map[string]any{"handle_id": read.HandleID, "agent_id": "agent-1"}, &resolved)
	if resolved["found"] != true || resolved["value"] != "4111-1111-1111-1111" {
		t.Errorf("resolve = %v", resolved)
	}

	var purged map[string]int
	call(t, http.MethodPost, ts.URL+"/v1/memory/purge-expired", map[string]any{}, &purged)
	if purged["purged"] != 0 {
		t.Errorf("purged = %d", purged["purged"])
	}

	status = call(t, http.MethodPost, ts.URL+"/v1/memory/read",
		map[string]any{"store": "ghost", "key": "summary", "agent_id": "agent-1"}, nil)
	if status != http.StatusNotFound {
		t.Errorf("unknown store status = %d", status)
	}
}

func TestServerAuditEndpoints(t *testing.T) {
	ts, e := newTestServer(t, nil)

	e.ScanInput(context.Background(), "one", "agent-1", "")
	e.ScanInput(context.Background(), "two", "agent-2", "")

	var queried struct {
		Count  int              `json:"count"`
		Events []map[string]any `json:"events"`
	}
	status := call(t, http.MethodPost, ts.URL+"/v1/audit/query",
		map[string]string{"agent_id": "agent-2"}, &queried)
	if status != http.StatusOK || queried.Count != 1 {
		t.Errorf("query = %d %+v", status, queried)
	}

	var recent struct {
		Count int `json:"count"`
	}
	if status := call(t, http.MethodGet, ts.URL+"/v1/audit/recent?limit=5", nil, &recent); status != http.StatusOK {
		t.Fatalf("recent status = %d", status)
	}
	if recent.Count != 2 {
		t.Errorf("recent count = %d", recent.Count)
	}

	if status := call(t, http.MethodGet, ts.URL+"/v1/audit/recent?limit=zero", nil, nil); status != http.StatusBadRequest {
		t.Errorf("bad limit status = %d", status)
	}
}

func TestServerAdminAuth(t *testing.T) {
	ts, _ := newTestServer(t, func(cfg *config.Config) {
		cfg.Server.AdminKeyHashes = []string{auth.HashKey("admin-key")}
	})

	// Admin routes demand the key; the data plane stays open.
	if status := call(t, http.MethodGet, ts.URL+"/v1/audit/recent", nil, nil); status != http.StatusUnauthorized {
		t.Errorf("unauthenticated status = %d", status)
	}

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/v1/audit/recent", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Authorization", "Bearer admin-key")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("authenticated status = %d", resp.StatusCode)
	}

	status := call(t, http.MethodPost, ts.URL+"/v1/scan/input",
		map[string]string{"text": "hello", "agent_id": "agent-1"}, nil)
	if status != http.StatusOK {
		t.Errorf("data plane status = %d", status)
	}
}

func TestServerApprovalEndpoints(t *testing.T) {
	ts, e := newTestServer(t, nil)

	pending, err := e.Approvals().Create(approval.CreateRequest{
		Reason:     "needs sign-off",
		AgentID:    "agent-1",
		ToolName:   "deploy",
		ActionType: "invoke",
		TTL:        "1h",
	})
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	var listed struct {
		Count     int                `json:"count"`
		Approvals []approval.Request `json:"approvals"`
	}
	if status := call(t, http.MethodGet, ts.URL+"/v1/approvals", nil, &listed); status != http.StatusOK {
		t.Fatalf("list status = %d", status)
	}
	if listed.Count != 1 || listed.Approvals[0].RequestID != pending.RequestID {
		t.Errorf("list = %+v", listed)
	}

	var decided map[string]string
	status := call(t, http.MethodPost,
		fmt.Sprintf("%s/v1/approvals/%s/approve", ts.URL, pending.RequestID),
		map[string]string{"approver_id": "ops", "note": "ok"}, &decided)
	if status != http.StatusOK || decided["status"] != "approved" {
		t.Errorf("approve = %d %v", status, decided)
	}

	// A decided request is no longer pending.
	status = call(t, http.MethodPost,
		fmt.Sprintf("%s/v1/approvals/%s/deny", ts.URL, pending.RequestID), nil, nil)
	if status != http.StatusNotFound {
		t.Errorf("re-decide status = %d", status)
	}

	call(t, http.MethodGet, ts.URL+"/v1/approvals?status=approved", nil, &listed)
	if listed.Count != 1 {
		t.Errorf("approved list count = %d", listed.Count)
	}

	if status := call(t, http.MethodGet, ts.URL+"/v1/approvals?status=maybe", nil, nil); status != http.StatusBadRequest {
		t.Errorf("bad status filter = %d", status)
	}
}

func TestServerPoliciesReload(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	var res map[string]bool
	status := call(t, http.MethodPost, ts.URL+"/v1/policies/reload",
		map[string]bool{"force": true}, &res)
	if status != http.StatusOK || !res["reloaded"] {
		t.Errorf("reload = %d %v", status, res)
	}
}

func TestServerTemplates(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	if status := call(t, http.MethodGet, ts.URL+"/v1/policies/templates", nil, nil); status != http.StatusOK {
		t.Errorf("templates status = %d", status)
	}
	if status := call(t, http.MethodGet, ts.URL+"/v1/policies/templates/no-such-template", nil, nil); status != http.StatusNotFound {
		t.Errorf("unknown template status = %d", status)
	}
}

func TestServerProxyForward(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		fmt.Fprintf(w, "upstream saw %q from alice@example.com", body)
	}))
	defer upstream.Close()

	ts, _ := newTestServer(t, nil)

	var res struct {
		Decision   policy.Decision `json:"decision"`
		Body       string          `json:"body"`
		StatusCode int             `json:"status_code"`
	}
	status := call(t, http.MethodPost, ts.URL+"/v1/proxy/forward",
		map[string]string{"method": "POST", "upstream_url": upstream.URL, "text_body": "hello", "agent_id": "agent-1"}, &res)
	if status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	if res.StatusCode != http.StatusOK {
		t.Errorf("upstream status = %d", res.StatusCode)
	}
	// The upstream response contains pii and comes back redacted.
	if res.Decision.Action != policy.ActionRedact || strings.Contains(res.Body, "alice@example.com") {
		t.Errorf("guarded response = %+v", res)
	}

	// A blocked outbound body never reaches the upstream.
	call(t, http.MethodPost, ts.URL+"/v1/proxy/forward",
		map[string]string{"method": "POST", "upstream_url": upstream.URL,
			"text_body": "key sk-ABCDEF1234567890ABCDEF", "agent_id": "agent-1"}, &res)
	if res.Decision.Action != policy.ActionBlock || res.StatusCode != 0 || res.Body != "" {
		t.Errorf("blocked forward = %+v", res)
	}

	// Relative targets need a configured upstream base.
	status = call(t, http.MethodPost, ts.URL+"/v1/proxy/forward",
		map[string]string{"upstream_url": "/v2/thing", "agent_id": "agent-1"}, nil)
	if status != http.StatusBadRequest {
		t.Errorf("relative url status = %d", status)
	}
}
