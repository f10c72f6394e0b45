package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/safeai-dev/safeai/internal/domain/approval"
	"github.com/safeai-dev/safeai/internal/domain/audit"
	"github.com/safeai-dev/safeai/internal/domain/boundary"
	"github.com/safeai-dev/safeai/internal/domain/policy"
	"github.com/safeai-dev/safeai/internal/service"
)

// maxBodyBytes bounds request and proxied response bodies.
const maxBodyBytes = 10 << 20

func (s *Server) respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("response encoding failed", "error", err)
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, msg string) {
	s.respondJSON(w, status, map[string]string{"error": msg})
}

// decode reads a bounded JSON body into v, rejecting unknown garbage early.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(v); err != nil {
		s.respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	return true
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type scanInputRequest struct {
	Text      string `json:"text"`
	AgentID   string `json:"agent_id"`
	SessionID string `json:"session_id,omitempty"`
}

func (s *Server) handleScanInput(w http.ResponseWriter, r *http.Request) {
	var req scanInputRequest
	if !s.decode(w, r, &req) {
		return
	}
	res := s.enforcer.ScanInput(r.Context(), req.Text, req.AgentID, req.SessionID)
	s.metrics.recordDecision(string(policy.BoundaryInput), string(res.Decision.Action))
	s.respondJSON(w, http.StatusOK, res)
}

type scanStructuredRequest struct {
	Payload   any    `json:"payload"`
	AgentID   string `json:"agent_id"`
	SessionID string `json:"session_id,omitempty"`
}

func (s *Server) handleScanStructured(w http.ResponseWriter, r *http.Request) {
	var req scanStructuredRequest
	if !s.decode(w, r, &req) {
		return
	}
	res := s.enforcer.ScanStructured(r.Context(), req.Payload, req.AgentID, req.SessionID)
	s.metrics.recordDecision(string(policy.BoundaryInput), string(res.Decision.Action))
	s.respondJSON(w, http.StatusOK, res)
}

type scanFileRequest struct {
	Path    string `json:"path"`
	AgentID string `json:"agent_id"`
}

func (s *Server) handleScanFile(w http.ResponseWriter, r *http.Request) {
	var req scanFileRequest
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.enforcer.ScanFile(r.Context(), req.Path, req.AgentID)
	if err != nil {
		var notFound *service.FileNotFoundError
		if errors.As(err, &notFound) {
			s.respondError(w, http.StatusNotFound, notFound.Error())
			return
		}
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	switch res.Mode {
	case "structured":
		s.metrics.recordDecision(string(policy.BoundaryInput), string(res.Structured.Decision.Action))
	default:
		s.metrics.recordDecision(string(policy.BoundaryInput), string(res.Scan.Decision.Action))
	}
	s.respondJSON(w, http.StatusOK, res)
}

type guardOutputRequest struct {
	Text      string `json:"text"`
	AgentID   string `json:"agent_id"`
	SessionID string `json:"session_id,omitempty"`
}

func (s *Server) handleGuardOutput(w http.ResponseWriter, r *http.Request) {
	var req guardOutputRequest
	if !s.decode(w, r, &req) {
		return
	}
	res := s.enforcer.GuardOutput(r.Context(), req.Text, req.AgentID, req.SessionID)
	s.metrics.recordDecision(string(policy.BoundaryOutput), string(res.Decision.Action))
	s.respondJSON(w, http.StatusOK, res)
}

type interceptToolRequest struct {
	Phase              string         `json:"phase"`
	ToolName           string         `json:"tool_name"`
	AgentID            string         `json:"agent_id"`
	Parameters         map[string]any `json:"parameters,omitempty"`
	Response           map[string]any `json:"response,omitempty"`
	DataTags           []string       `json:"data_tags,omitempty"`
	SessionID          string         `json:"session_id,omitempty"`
	SourceAgentID      string         `json:"source_agent_id,omitempty"`
	DestinationAgentID string         `json:"destination_agent_id,omitempty"`
	ActionType         string         `json:"action_type,omitempty"`
	CapabilityTokenID  string         `json:"capability_token_id,omitempty"`
	CapabilityAction   string         `json:"capability_action,omitempty"`
	ApprovalRequestID  string         `json:"approval_request_id,omitempty"`
}

func (s *Server) handleInterceptTool(w http.ResponseWriter, r *http.Request) {
	var req interceptToolRequest
	if !s.decode(w, r, &req) {
		return
	}
	if s.cfg.GatewayMode() && (req.SourceAgentID == "" || req.DestinationAgentID == "") {
		s.respondError(w, http.StatusBadRequest, "gateway mode requires source_agent_id and destination_agent_id")
		return
	}
	call := boundary.ToolCall{
		ToolName:           req.ToolName,
		AgentID:            req.AgentID,
		Parameters:         req.Parameters,
		DataTags:           req.DataTags,
		SessionID:          req.SessionID,
		SourceAgentID:      req.SourceAgentID,
		DestinationAgentID: req.DestinationAgentID,
		ActionType:         req.ActionType,
		CapabilityTokenID:  req.CapabilityTokenID,
		CapabilityAction:   req.CapabilityAction,
		ApprovalRequestID:  req.ApprovalRequestID,
	}
	switch req.Phase {
	case "", "request":
		res := s.enforcer.InterceptToolRequest(r.Context(), call)
		s.metrics.recordDecision(string(policy.BoundaryAction), string(res.Decision.Action))
		s.respondJSON(w, http.StatusOK, res)
	case "response":
		res := s.enforcer.InterceptToolResponse(r.Context(), call, req.Response)
		s.metrics.recordDecision(string(policy.BoundaryAction), string(res.Decision.Action))
		s.respondJSON(w, http.StatusOK, res)
	default:
		s.respondError(w, http.StatusBadRequest, fmt.Sprintf("unknown phase %q", req.Phase))
	}
}

func (s *Server) handleAgentMessage(w http.ResponseWriter, r *http.Request) {
	var msg boundary.AgentMessage
	if !s.decode(w, r, &msg) {
		return
	}
	if msg.SourceAgentID == "" || msg.DestinationAgentID == "" {
		s.respondError(w, http.StatusBadRequest, "source_agent_id and destination_agent_id are required")
		return
	}
	res := s.enforcer.SendAgentMessage(r.Context(), msg)
	s.metrics.recordDecision(string(policy.BoundaryAction), string(res.Decision.Action))
	s.respondJSON(w, http.StatusOK, res)
}

type memoryWriteRequest struct {
	Store   string `json:"store,omitempty"`
	Key     string `json:"key"`
	Value   any    `json:"value"`
	AgentID string `json:"agent_id"`
}

func (s *Server) handleMemoryWrite(w http.ResponseWriter, r *http.Request) {
	var req memoryWriteRequest
	if !s.decode(w, r, &req) {
		return
	}
	written, err := s.enforcer.MemoryWrite(req.Store, req.Key, req.Value, req.AgentID)
	if err != nil {
		s.respondError(w, http.StatusNotFound, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]bool{"written": written})
}

type memoryReadRequest struct {
	Store   string `json:"store,omitempty"`
	Key     string `json:"key"`
	AgentID string `json:"agent_id"`
}

func (s *Server) handleMemoryRead(w http.ResponseWriter, r *http.Request) {
	var req memoryReadRequest
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.enforcer.MemoryRead(req.Store, req.Key, req.AgentID)
	if err != nil {
		s.respondError(w, http.StatusNotFound, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, res)
}

type resolveHandleRequest struct {
	HandleID string `json:"handle_id"`
	AgentID  string `json:"agent_id"`
}

func (s *Server) handleMemoryResolveHandle(w http.ResponseWriter, r *http.Request) {
	var req resolveHandleRequest
	if !s.decode(w, r, &req) {
		return
	}
	value, ok := s.enforcer.ResolveMemoryHandle(req.HandleID, req.AgentID)
	s.respondJSON(w, http.StatusOK, map[string]any{"found": ok, "value": value})
}

func (s *Server) handleMemoryPurgeExpired(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]int{"purged": s.enforcer.PurgeExpiredMemory()})
}

func (s *Server) handleAuditQuery(w http.ResponseWriter, r *http.Request) {
	var filter audit.Filter
	if !s.decode(w, r, &filter) {
		return
	}
	events, err := s.enforcer.QueryAudit(r.Context(), filter)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"count": len(events), "events": events})
}

func (s *Server) handleAuditRecent(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			s.respondError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	events := s.enforcer.RecentAudit(limit)
	s.respondJSON(w, http.StatusOK, map[string]any{"count": len(events), "events": events})
}

type reloadRequest struct {
	Force bool `json:"force,omitempty"`
}

func (s *Server) handlePoliciesReload(w http.ResponseWriter, r *http.Request) {
	var req reloadRequest
	if r.ContentLength > 0 && !s.decode(w, r, &req) {
		return
	}
	reloaded, err := s.enforcer.ReloadPolicies(req.Force)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if reloaded {
		s.metrics.PolicyReloads.Inc()
	}
	s.respondJSON(w, http.StatusOK, map[string]bool{"reloaded": reloaded})
}

func (s *Server) handlePlugins(w http.ResponseWriter, _ *http.Request) {
	s.respondJSON(w, http.StatusOK, s.enforcer.Plugins().List())
}

func (s *Server) handleTemplates(w http.ResponseWriter, _ *http.Request) {
	templates, err := policy.Templates()
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, templates)
}

func (s *Server) handleTemplateByName(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	t, ok, err := policy.TemplateByName(name)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !ok {
		s.respondError(w, http.StatusNotFound, fmt.Sprintf("unknown template %q", name))
		return
	}
	s.respondJSON(w, http.StatusOK, t)
}

func (s *Server) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	status := approval.Status(r.URL.Query().Get("status"))
	if status == "" {
		status = approval.StatusPending
	}
	if !status.Valid() {
		s.respondError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", status))
		return
	}
	requests := s.enforcer.Approvals().List(status)
	s.respondJSON(w, http.StatusOK, map[string]any{"count": len(requests), "approvals": requests})
}

type approvalDecisionRequest struct {
	ApproverID string `json:"approver_id,omitempty"`
	Note       string `json:"note,omitempty"`
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	s.decideApproval(w, r, true)
}

func (s *Server) handleDeny(w http.ResponseWriter, r *http.Request) {
	s.decideApproval(w, r, false)
}

func (s *Server) decideApproval(w http.ResponseWriter, r *http.Request, approve bool) {
	id := r.PathValue("id")
	var req approvalDecisionRequest
	if r.ContentLength > 0 && !s.decode(w, r, &req) {
		return
	}
	var ok bool
	if approve {
		ok = s.enforcer.Approvals().Approve(id, req.ApproverID, req.Note)
	} else {
		ok = s.enforcer.Approvals().Deny(id, req.ApproverID, req.Note)
	}
	if !ok {
		s.respondError(w, http.StatusNotFound, fmt.Sprintf("approval request %q is not pending", id))
		return
	}
	status := "denied"
	if approve {
		status = "approved"
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"id": id, "status": status})
}

type proxyForwardRequest struct {
	Method      string `json:"method"`
	UpstreamURL string `json:"upstream_url"`
	JSONBody    any    `json:"json_body,omitempty"`
	TextBody    string `json:"text_body,omitempty"`
	AgentID     string `json:"agent_id"`
}

type proxyForwardResponse struct {
	Decision   policy.Decision `json:"decision"`
	Body       string          `json:"body"`
	StatusCode int             `json:"status_code"`
}

// handleProxyForward scans the outbound body at the input boundary, forwards
// only on allow/redact (forwarding the filtered body), and guards the
// upstream response at the output boundary before returning it.
func (s *Server) handleProxyForward(w http.ResponseWriter, r *http.Request) {
	var req proxyForwardRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Method == "" {
		req.Method = http.MethodGet
	}

	target := req.UpstreamURL
	if !strings.Contains(target, "://") {
		base := strings.TrimSuffix(s.cfg.UpstreamBaseURL, "/")
		if base == "" {
			s.respondError(w, http.StatusBadRequest, "relative upstream_url requires upstream_base_url")
			return
		}
		target = base + "/" + strings.TrimPrefix(target, "/")
	}

	body := req.TextBody
	if req.JSONBody != nil {
		data, err := json.Marshal(req.JSONBody)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid json_body: %v", err))
			return
		}
		body = string(data)
	}

	scan := s.enforcer.ScanInput(r.Context(), body, req.AgentID, "")
	s.metrics.recordDecision(string(policy.BoundaryInput), string(scan.Decision.Action))
	if !scan.Decision.Allowed() && scan.Decision.Action != policy.ActionRedact {
		s.respondJSON(w, http.StatusOK, proxyForwardResponse{Decision: scan.Decision})
		return
	}

	upstream, err := http.NewRequestWithContext(r.Context(), req.Method, target, strings.NewReader(scan.Filtered))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid upstream request: %v", err))
		return
	}
	if req.JSONBody != nil {
		upstream.Header.Set("Content-Type", "application/json")
	}
	resp, err := s.client.Do(upstream)
	if err != nil {
		s.respondError(w, http.StatusBadGateway, fmt.Sprintf("upstream request failed: %v", err))
		return
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		s.respondError(w, http.StatusBadGateway, fmt.Sprintf("upstream response read failed: %v", err))
		return
	}

	guard := s.enforcer.GuardOutput(r.Context(), string(respBody), req.AgentID, "")
	s.metrics.recordDecision(string(policy.BoundaryOutput), string(guard.Decision.Action))
	s.respondJSON(w, http.StatusOK, proxyForwardResponse{
		Decision:   guard.Decision,
		Body:       guard.Filtered,
		StatusCode: resp.StatusCode,
	})
}
