package livesync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/relaydesk/internal/protocol"
)

// RemoteAPI is the REST side of the live mirror: initial loads and the
// acknowledged conversation mutations.
type RemoteAPI interface {
	ListConversations(ctx context.Context) ([]protocol.Conversation, error)
	ListMessages(ctx context.Context, conversationID string) ([]protocol.Message, error)
	ListQuickMessages(ctx context.Context) ([]protocol.QuickMessage, error)
	ListLabels(ctx context.Context) ([]protocol.Label, error)
	Archive(ctx context.Context, conversationID string, archived bool) error
	Pin(ctx context.Context, conversationID string, pinned bool) error
	UpdateLabels(ctx context.Context, conversationID string, labelIDs []string) error
}

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

type HTTPClient struct {
	baseURL    string
	tenantID   string
	token      string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewHTTPClient(baseURL, tenantID, token string, httpClient *http.Client) *HTTPClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPClient{
		baseURL:    baseURL,
		tenantID:   strings.TrimSpace(tenantID),
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

func (c *HTTPClient) ListConversations(ctx context.Context) ([]protocol.Conversation, error) {
	var out struct {
		Conversations []protocol.Conversation `json:"conversations"`
	}
	err := c.doJSON(ctx, http.MethodGet, c.tenantPath("/conversations"), nil, &out)
	return out.Conversations, err
}

func (c *HTTPClient) ListMessages(ctx context.Context, conversationID string) ([]protocol.Message, error) {
	var out struct {
		Messages []protocol.Message `json:"messages"`
	}
	err := c.doJSON(ctx, http.MethodGet, c.conversationPath(conversationID, "/messages"), nil, &out)
	return out.Messages, err
}

func (c *HTTPClient) ListQuickMessages(ctx context.Context) ([]protocol.QuickMessage, error) {
	var out struct {
		QuickMessages []protocol.QuickMessage `json:"quickMessages"`
	}
	err := c.doJSON(ctx, http.MethodGet, c.tenantPath("/quick-messages"), nil, &out)
	return out.QuickMessages, err
}

func (c *HTTPClient) ListLabels(ctx context.Context) ([]protocol.Label, error) {
	var out struct {
		Labels []protocol.Label `json:"labels"`
	}
	err := c.doJSON(ctx, http.MethodGet, c.tenantPath("/labels"), nil, &out)
	return out.Labels, err
}

func (c *HTTPClient) Archive(ctx context.Context, conversationID string, archived bool) error {
	body := map[string]any{"archived": archived}
	return c.doJSON(ctx, http.MethodPost, c.conversationPath(conversationID, "/archive"), body, nil)
}

func (c *HTTPClient) Pin(ctx context.Context, conversationID string, pinned bool) error {
	body := map[string]any{"pinned": pinned}
	return c.doJSON(ctx, http.MethodPost, c.conversationPath(conversationID, "/pin"), body, nil)
}

func (c *HTTPClient) UpdateLabels(ctx context.Context, conversationID string, labelIDs []string) error {
	if labelIDs == nil {
		labelIDs = []string{}
	}
	body := map[string]any{"labelIds": labelIDs}
	return c.doJSON(ctx, http.MethodPut, c.conversationPath(conversationID, "/labels"), body, nil)
}

func (c *HTTPClient) tenantPath(suffix string) string {
	return fmt.Sprintf("/v1/tenants/%s%s", url.PathEscape(c.tenantID), suffix)
}

func (c *HTTPClient) conversationPath(conversationID, suffix string) string {
	return c.tenantPath("/conversations/" + url.PathEscape(conversationID) + suffix)
}

func (c *HTTPClient) doJSON(ctx context.Context, method, requestPath string, body any, out any) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("X-Correlation-Id", "agent_"+uuid.NewString())
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payload, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payload) == 0 {
				return nil
			}
			return json.Unmarshal(payload, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500) && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payload, &errPayload)
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
		}
	}
}

func (c *HTTPClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		return min(retryAfter, maxDelay)
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	return min(delay, maxDelay)
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
