package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/agentworkforce/relaydesk/internal/clock"
	"github.com/agentworkforce/relaydesk/internal/protocol"
	"github.com/agentworkforce/relaydesk/internal/realtime"
	"github.com/agentworkforce/relaydesk/internal/relaydesk"
)

type ServerConfig struct {
	JWTSecret         string
	InboundHMACSecret string
	InboundMaxSkew    time.Duration
	RateLimitMax      int
	RateLimitWindow   time.Duration
	MaxBodyBytes      int64
}

// Services are the components the HTTP surface fronts. A nil Hub disables
// the push channel route and delivery status fan-out.
type Services struct {
	Sessions *relaydesk.SessionManager
	Pipeline *relaydesk.Pipeline
	Inbox    *relaydesk.Inbox
	Hub      *realtime.Hub
	Clock    clock.Clock
	Logger   zerolog.Logger
}

type Server struct {
	sessions          *relaydesk.SessionManager
	pipeline          *relaydesk.Pipeline
	inbox             *relaydesk.Inbox
	hub               *realtime.Hub
	clock             clock.Clock
	logger            zerolog.Logger
	cfg               ServerConfig
	rateLimiter       *rateLimiter
	inboundReplayMu   sync.Mutex
	inboundReplaySeen map[string]time.Time
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(svc Services) (*Server, error) {
	return NewServerWithConfig(svc, ServerConfig{})
}

func NewServerWithConfig(svc Services, cfg ServerConfig) (*Server, error) {
	if svc.Sessions == nil || svc.Pipeline == nil || svc.Inbox == nil {
		return nil, fmt.Errorf("%w: server needs sessions, pipeline and inbox", relaydesk.ErrInvalidInput)
	}
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.InboundHMACSecret == "" {
		cfg.InboundHMACSecret = "dev-inbound-secret"
	}
	if cfg.InboundMaxSkew == 0 {
		cfg.InboundMaxSkew = 5 * time.Minute
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		sessions:          svc.Sessions,
		pipeline:          svc.Pipeline,
		inbox:             svc.Inbox,
		hub:               svc.Hub,
		clock:             clock.OrReal(svc.Clock),
		logger:            svc.Logger,
		cfg:               cfg,
		rateLimiter:       limiter,
		inboundReplaySeen: map[string]time.Time{},
	}, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/v1/admin/stats" && r.Method == http.MethodGet {
		s.handleAdminStats(w, r)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) < 4 || parts[0] != "v1" || parts[1] != "tenants" || parts[2] == "" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}
	tenantID := parts[2]

	// Provider deliveries are HMAC signed; the push channel carries its own
	// token. Neither goes through bearer auth below.
	if len(parts) == 4 {
		switch {
		case parts[3] == "inbound" && r.Method == http.MethodPost:
			s.handleInbound(w, r, tenantID)
			return
		case parts[3] == "status" && r.Method == http.MethodPost:
			s.handleDeliveryStatus(w, r, tenantID)
			return
		case parts[3] == "ws" && r.Method == http.MethodGet:
			s.handlePushChannel(w, r, tenantID)
			return
		}
	}

	var requiredScope string
	var route string
	switch {
	case len(parts) == 5 && parts[3] == "sessions" && r.Method == http.MethodGet:
		requiredScope = ScopeSessionsRead
		route = "session_get"
	case len(parts) == 6 && parts[3] == "sessions" && parts[5] == "transition" && r.Method == http.MethodPost:
		requiredScope = ScopeSessionsWrite
		route = "session_transition"
	case len(parts) == 6 && parts[3] == "sessions" && parts[5] == "reset" && r.Method == http.MethodPost:
		requiredScope = ScopeSessionsWrite
		route = "session_reset"
	case len(parts) == 4 && parts[3] == "conversations" && r.Method == http.MethodGet:
		requiredScope = ScopeInboxRead
		route = "conversations"
	case len(parts) == 6 && parts[3] == "conversations" && parts[5] == "messages" && r.Method == http.MethodGet:
		requiredScope = ScopeInboxRead
		route = "messages"
	case len(parts) == 6 && parts[3] == "conversations" && parts[5] == "archive" && r.Method == http.MethodPost:
		requiredScope = ScopeInboxWrite
		route = "archive"
	case len(parts) == 6 && parts[3] == "conversations" && parts[5] == "pin" && r.Method == http.MethodPost:
		requiredScope = ScopeInboxWrite
		route = "pin"
	case len(parts) == 6 && parts[3] == "conversations" && parts[5] == "labels" && r.Method == http.MethodPut:
		requiredScope = ScopeInboxWrite
		route = "conversation_labels"
	case len(parts) == 4 && parts[3] == "quick-messages" && r.Method == http.MethodGet:
		requiredScope = ScopeInboxRead
		route = "quick_messages"
	case len(parts) == 4 && parts[3] == "quick-messages" && r.Method == http.MethodPut:
		requiredScope = ScopeInboxWrite
		route = "quick_messages_put"
	case len(parts) == 4 && parts[3] == "labels" && r.Method == http.MethodGet:
		requiredScope = ScopeInboxRead
		route = "labels"
	case len(parts) == 4 && parts[3] == "labels" && r.Method == http.MethodPost:
		requiredScope = ScopeInboxWrite
		route = "label_put"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, tenantID, requiredScope, s.clock.Now())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	correlationID := getCorrelationID(r)
	if correlationID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing X-Correlation-Id header", "")
		return
	}
	if !s.allowRequest(w, tenantID+"|"+claims.AgentName, correlationID) {
		return
	}

	switch route {
	case "session_get":
		s.handleGetSession(w, r, tenantID, parts[4], correlationID)
	case "session_transition":
		s.handleTransition(w, r, tenantID, parts[4], correlationID)
	case "session_reset":
		s.handleResetSession(w, r, tenantID, parts[4], correlationID)
	case "conversations":
		writeJSON(w, http.StatusOK, map[string]any{"conversations": s.inbox.Conversations(tenantID)})
	case "messages":
		s.handleMessages(w, tenantID, parts[4], correlationID)
	case "archive":
		s.handleArchive(w, r, tenantID, parts[4], correlationID)
	case "pin":
		s.handlePin(w, r, tenantID, parts[4], correlationID)
	case "conversation_labels":
		s.handleConversationLabels(w, r, tenantID, parts[4], correlationID)
	case "quick_messages":
		writeJSON(w, http.StatusOK, map[string]any{"quickMessages": s.inbox.QuickMessages(tenantID)})
	case "quick_messages_put":
		s.handlePutQuickMessages(w, r, tenantID, correlationID)
	case "labels":
		writeJSON(w, http.StatusOK, map[string]any{"labels": s.inbox.Labels(tenantID)})
	case "label_put":
		s.handlePutLabel(w, r, tenantID, correlationID)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

type inboundAccepted struct {
	ID            string `json:"id"`
	Queued        bool   `json:"queued"`
	CorrelationID string `json:"correlationId"`
}

func (s *Server) handleInbound(w http.ResponseWriter, r *http.Request, tenantID string) {
	body, correlationID, ok := s.readSignedBody(w, r)
	if !ok {
		return
	}
	var msg relaydesk.InboundMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return
	}
	if msg.TenantID != "" && msg.TenantID != tenantID {
		writeError(w, http.StatusBadRequest, "bad_request", "tenant mismatch", correlationID)
		return
	}
	msg.TenantID = tenantID
	queued, err := s.pipeline.Submit(msg)
	if err != nil {
		s.writeServiceError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusAccepted, inboundAccepted{ID: queued.ID, Queued: true, CorrelationID: correlationID})
}

type deliveryStatusRequest struct {
	MessageID string                 `json:"messageId"`
	Status    protocol.MessageStatus `json:"status"`
}

// handleDeliveryStatus applies a provider receipt and fans the new status
// out to the tenant's agents. Stale receipts are accepted and ignored.
func (s *Server) handleDeliveryStatus(w http.ResponseWriter, r *http.Request, tenantID string) {
	body, correlationID, ok := s.readSignedBody(w, r)
	if !ok {
		return
	}
	var req deliveryStatusRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return
	}
	if strings.TrimSpace(req.MessageID) == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "messageId is required", correlationID)
		return
	}
	msg, changed, err := s.inbox.UpdateStatus(tenantID, req.MessageID, req.Status)
	if err != nil {
		s.writeServiceError(w, err, correlationID)
		return
	}
	if changed && s.hub != nil {
		payload := protocol.MessageStatusPayload{MessageID: msg.ID, Status: msg.Status}
		if err := s.hub.Publish(tenantID, protocol.EventMessageStatus, payload); err != nil {
			s.logger.Warn().Err(err).Str("tenant", tenantID).Str("event", protocol.EventMessageStatus).Msg("status fan-out failed")
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": msg, "changed": changed})
}

// handlePushChannel upgrades to the websocket push channel. Browsers cannot
// set headers on the upgrade, so the token may also come as a query param.
func (s *Server) handlePushChannel(w http.ResponseWriter, r *http.Request, tenantID string) {
	correlationID := getCorrelationID(r)
	if s.hub == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "push channel disabled", correlationID)
		return
	}
	var (
		claims  tokenClaims
		authErr *authError
		now     = s.clock.Now()
	)
	if header := r.Header.Get("Authorization"); header != "" {
		claims, authErr = authorizeBearer(header, s.cfg.JWTSecret, tenantID, ScopeInboxWrite, now)
	} else {
		claims, authErr = authorizeToken(r.URL.Query().Get("token"), s.cfg.JWTSecret, tenantID, ScopeInboxWrite, now)
	}
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if !s.allowRequest(w, tenantID+"|"+claims.AgentName, correlationID) {
		return
	}
	agent := realtime.Agent{TenantID: tenantID, Name: claims.AgentName}
	if err := s.hub.ServeWebSocket(w, r, agent); err != nil {
		s.logger.Debug().Err(err).Str("tenant", tenantID).Str("agent", claims.AgentName).Msg("push channel ended")
	}
}

func (s *Server) handleAdminStats(w http.ResponseWriter, r *http.Request) {
	if _, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, "", ScopeAdminRead, s.clock.Now()); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	correlationID := getCorrelationID(r)
	if correlationID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing X-Correlation-Id header", "")
		return
	}
	resp := map[string]any{"pipeline": s.pipeline.Stats()}
	if s.hub != nil {
		resp["hub"] = s.hub.Stats()
	}
	writeJSON(w, http.StatusOK, resp)
}

type sessionResponse struct {
	Phone    string                  `json:"phone"`
	Session  relaydesk.DialogueState `json:"session"`
	TimedOut bool                    `json:"timedOut"`
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request, tenantID, phone, correlationID string) {
	state, err := s.sessions.GetState(r.Context(), relaydesk.ByPhone(phone), tenantID)
	if err != nil {
		s.writeServiceError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{
		Phone:    phone,
		Session:  state,
		TimedOut: s.clock.Now().Sub(state.LastActivity) > s.sessions.Timeout(),
	})
}

type transitionRequest struct {
	State   string         `json:"state"`
	Context map[string]any `json:"context"`
}

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request, tenantID, phone, correlationID string) {
	var req transitionRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	if strings.TrimSpace(req.State) == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "state is required", correlationID)
		return
	}
	state, err := s.sessions.Transition(r.Context(), relaydesk.ByPhone(phone), relaydesk.State(req.State), req.Context, tenantID)
	if err != nil {
		s.writeServiceError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{Phone: phone, Session: state})
}

func (s *Server) handleResetSession(w http.ResponseWriter, r *http.Request, tenantID, phone, correlationID string) {
	key := relaydesk.ByPhone(phone)
	if err := s.sessions.ResetState(r.Context(), key, tenantID); err != nil {
		s.writeServiceError(w, err, correlationID)
		return
	}
	state, err := s.sessions.GetState(r.Context(), key, tenantID)
	if err != nil {
		s.writeServiceError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{Phone: phone, Session: state})
}

func (s *Server) handleMessages(w http.ResponseWriter, tenantID, conversationID, correlationID string) {
	messages, err := s.inbox.Messages(tenantID, conversationID)
	if err != nil {
		s.writeServiceError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request, tenantID, conversationID, correlationID string) {
	var req struct {
		Archived bool `json:"archived"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	conv, err := s.inbox.SetArchived(tenantID, conversationID, req.Archived)
	if err != nil {
		s.writeServiceError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversation": conv})
}

func (s *Server) handlePin(w http.ResponseWriter, r *http.Request, tenantID, conversationID, correlationID string) {
	var req struct {
		Pinned bool `json:"pinned"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	conv, err := s.inbox.SetPinned(tenantID, conversationID, req.Pinned)
	if err != nil {
		s.writeServiceError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversation": conv})
}

func (s *Server) handleConversationLabels(w http.ResponseWriter, r *http.Request, tenantID, conversationID, correlationID string) {
	var req struct {
		LabelIDs []string `json:"labelIds"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	conv, err := s.inbox.SetLabels(tenantID, conversationID, req.LabelIDs)
	if err != nil {
		s.writeServiceError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversation": conv})
}

func (s *Server) handlePutQuickMessages(w http.ResponseWriter, r *http.Request, tenantID, correlationID string) {
	var req struct {
		QuickMessages []protocol.QuickMessage `json:"quickMessages"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	for i := range req.QuickMessages {
		if strings.TrimSpace(req.QuickMessages[i].Shortcut) == "" {
			writeError(w, http.StatusBadRequest, "bad_request", "every quick message needs a shortcut", correlationID)
			return
		}
		if req.QuickMessages[i].ID == "" {
			req.QuickMessages[i].ID = uuid.NewString()
		}
	}
	s.inbox.SetQuickMessages(tenantID, req.QuickMessages)
	writeJSON(w, http.StatusOK, map[string]any{"quickMessages": s.inbox.QuickMessages(tenantID)})
}

func (s *Server) handlePutLabel(w http.ResponseWriter, r *http.Request, tenantID, correlationID string) {
	var label protocol.Label
	if !s.decodeJSONBody(w, r, correlationID, &label) {
		return
	}
	if strings.TrimSpace(label.Name) == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "label name is required", correlationID)
		return
	}
	if label.ID == "" {
		label.ID = uuid.NewString()
	}
	s.inbox.PutLabel(tenantID, label)
	writeJSON(w, http.StatusOK, map[string]any{"label": label})
}

// readSignedBody enforces the provider delivery contract: correlation id,
// body limit, HMAC over timestamp and body, and one-time use of each
// signature inside the skew window.
func (s *Server) readSignedBody(w http.ResponseWriter, r *http.Request) ([]byte, string, bool) {
	correlationID := getCorrelationID(r)
	if correlationID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing X-Correlation-Id header", "")
		return nil, "", false
	}
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return nil, "", false
	}
	now := s.clock.Now()
	if authErr := verifyInboundHMAC(
		s.cfg.InboundHMACSecret,
		r.Header.Get("X-Relay-Timestamp"),
		r.Header.Get("X-Relay-Signature"),
		body,
		now,
		s.cfg.InboundMaxSkew,
	); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return nil, "", false
	}
	if !s.markInboundReplaySeen(r.Header.Get("X-Relay-Timestamp"), r.Header.Get("X-Relay-Signature"), now) {
		writeError(w, http.StatusUnauthorized, "unauthorized", "inbound request replay detected", correlationID)
		return nil, "", false
	}
	return body, correlationID, true
}

func (s *Server) writeServiceError(w http.ResponseWriter, err error, correlationID string) {
	switch {
	case errors.Is(err, relaydesk.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	case errors.Is(err, relaydesk.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	case errors.Is(err, relaydesk.ErrIllegalTransition):
		writeError(w, http.StatusConflict, "illegal_transition", err.Error(), correlationID)
	case errors.Is(err, relaydesk.ErrVersionConflict):
		writeError(w, http.StatusConflict, "version_conflict", err.Error(), correlationID)
	case errors.Is(err, relaydesk.ErrDuplicate):
		writeError(w, http.StatusConflict, "duplicate", err.Error(), correlationID)
	case errors.Is(err, relaydesk.ErrQueueFull):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, "queue_full", err.Error(), correlationID)
	default:
		s.logger.Error().Err(err).Str("correlation_id", correlationID).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
	}
}

func (s *Server) allowRequest(w http.ResponseWriter, key, correlationID string) bool {
	if s.rateLimiter == nil {
		return true
	}
	if s.rateLimiter.allow(key, s.clock.Now()) {
		return true
	}
	retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
	if retryAfter < 1 {
		retryAfter = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
	return false
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}

func (s *Server) markInboundReplaySeen(timestamp, signature string, now time.Time) bool {
	key := strings.TrimSpace(strings.ToLower(timestamp)) + "|" + strings.TrimSpace(strings.ToLower(signature))
	if key == "|" {
		return false
	}
	window := s.cfg.InboundMaxSkew
	if window <= 0 {
		window = 5 * time.Minute
	}
	s.inboundReplayMu.Lock()
	defer s.inboundReplayMu.Unlock()
	for replayKey, expiresAt := range s.inboundReplaySeen {
		if !now.Before(expiresAt) {
			delete(s.inboundReplaySeen, replayKey)
		}
	}
	if expiresAt, exists := s.inboundReplaySeen[key]; exists && now.Before(expiresAt) {
		return false
	}
	s.inboundReplaySeen[key] = now.Add(window)
	return true
}
