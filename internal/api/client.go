// Package api is the client for the marketplace request/response API.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/capitalize-ai/marketplace-sync/internal/model"
	"github.com/capitalize-ai/marketplace-sync/pkg/logger"
	"github.com/capitalize-ai/marketplace-sync/pkg/metrics"
)

// DefaultTimeout bounds every request that has no earlier deadline.
const DefaultTimeout = 8 * time.Second

// StatusError is a non-2xx response.
type StatusError struct {
	Op      string
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: status %d", e.Op, e.Code)
	}
	return fmt.Sprintf("%s: status %d: %s", e.Op, e.Code, e.Message)
}

// HTTPStatus returns the response status code.
func (e *StatusError) HTTPStatus() int { return e.Code }

// IsNetworkError reports whether err means the server was not reached.
func IsNetworkError(err error) bool {
	if err == nil {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code == http.StatusBadGateway || se.Code == http.StatusServiceUnavailable || se.Code == http.StatusGatewayTimeout
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// Config configures the client.
type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// Client talks to the marketplace API with a bearer session token.
type Client struct {
	baseURL string
	token   string
	timeout time.Duration
	http    *http.Client
	logger  *logger.Logger
	tracer  trace.Tracer
}

// NewClient creates a client.
func NewClient(cfg Config, log *logger.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		timeout: timeout,
		http:    &http.Client{},
		logger:  log.With(zap.String("component", "api")),
		tracer:  otel.Tracer("marketplace-sync/api"),
	}
}

// ListMessages fetches a page of messages.
func (c *Client) ListMessages(ctx context.Context, conversationID string, page model.MessagePage) ([]model.Message, error) {
	q := url.Values{}
	if page.Limit > 0 {
		q.Set("limit", strconv.Itoa(page.Limit))
	}
	if page.Before != nil {
		q.Set("before", page.Before.UTC().Format(time.RFC3339Nano))
	}
	if page.After != nil {
		q.Set("after", page.After.UTC().Format(time.RFC3339Nano))
	}

	var resp model.ListMessagesResponse
	path := "/conversations/" + url.PathEscape(conversationID) + "/messages"
	if err := c.do(ctx, "list_messages", http.MethodGet, path, q, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

// SendMessage creates a message. ClientID is echoed back on the push
// channel.
func (c *Client) SendMessage(ctx context.Context, conversationID string, req model.SendMessageRequest) (model.Message, error) {
	var msg model.Message
	path := "/conversations/" + url.PathEscape(conversationID) + "/messages"
	if err := c.do(ctx, "send_message", http.MethodPost, path, nil, req, &msg); err != nil {
		return model.Message{}, err
	}
	return msg, nil
}

// SetTyping posts the typing flag.
func (c *Client) SetTyping(ctx context.Context, conversationID string, typing bool) error {
	path := "/conversations/" + url.PathEscape(conversationID) + "/typing"
	return c.do(ctx, "typing", http.MethodPost, path, nil, model.TypingRequest{Typing: typing}, nil)
}

// MarkRead records that the user read the conversation.
func (c *Client) MarkRead(ctx context.Context, conversationID string) error {
	path := "/conversations/" + url.PathEscape(conversationID) + "/read"
	return c.do(ctx, "mark_read", http.MethodPost, path, nil, nil, nil)
}

// Heartbeat marks the user online.
func (c *Client) Heartbeat(ctx context.Context) error {
	return c.do(ctx, "heartbeat", http.MethodPost, "/presence/heartbeat", nil, nil, nil)
}

// MarkOffline sends the offline beacon in the background and returns
// immediately. Errors are logged.
func (c *Client) MarkOffline() {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		defer cancel()
		if err := c.do(ctx, "offline", http.MethodPost, "/presence/offline", nil, nil, nil); err != nil {
			c.logger.Debug("offline beacon failed", zap.Error(err))
		}
	}()
}

// InboxSnapshot fetches the authoritative unread state.
func (c *Client) InboxSnapshot(ctx context.Context) (model.InboxSnapshot, error) {
	var snap model.InboxSnapshot
	if err := c.do(ctx, "inbox_snapshot", http.MethodGet, "/inbox-snapshot", nil, nil, &snap); err != nil {
		return model.InboxSnapshot{}, err
	}
	return snap, nil
}

// ListConversations lists the user's conversations.
func (c *Client) ListConversations(ctx context.Context, includeHidden bool) ([]model.Conversation, error) {
	q := url.Values{}
	if includeHidden {
		q.Set("includeHidden", "1")
	}
	var resp model.ListConversationsResponse
	if err := c.do(ctx, "list_conversations", http.MethodGet, "/conversations", q, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Conversations, nil
}

// GetSeller fetches a seller profile.
func (c *Client) GetSeller(ctx context.Context, id string) (model.SellerProfile, error) {
	var p model.SellerProfile
	if err := c.do(ctx, "get_seller", http.MethodGet, "/sellers/"+url.PathEscape(id), nil, nil, &p); err != nil {
		return model.SellerProfile{}, err
	}
	return p, nil
}

// GetSellerName resolves a user id to a display name.
func (c *Client) GetSellerName(ctx context.Context, id string) (string, error) {
	p, err := c.GetSeller(ctx, id)
	if err != nil {
		return "", err
	}
	return p.DisplayName(), nil
}

type channelAuthRequest struct {
	ChannelName string `json:"channel_name"`
	SocketID    string `json:"socket_id"`
}

// AuthorizeChannel asks the server whether the session may join channel.
// Denials come back as *StatusError with 403 or 410.
func (c *Client) AuthorizeChannel(ctx context.Context, channel, socketID string) error {
	req := channelAuthRequest{ChannelName: channel, SocketID: socketID}
	return c.do(ctx, "channel_auth", http.MethodPost, "/broadcasting/auth", nil, req, nil)
}

func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, body, out any) (err error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	ctx, span := c.tracer.Start(ctx, "api."+op, trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(
		attribute.String("http.method", method),
		attribute.String("http.route", path),
	)
	start := time.Now()
	defer func() {
		metrics.RecordBackendCall(op, err, time.Since(start).Seconds())
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode %s request: %w", op, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call %s: %w", op, err)
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{Op: op, Code: resp.StatusCode, Message: readErrorMessage(resp.Body)}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", op, err)
	}
	return nil
}

func readErrorMessage(r io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil || len(data) == 0 {
		return ""
	}
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(data, &body) == nil {
		if body.Message != "" {
			return body.Message
		}
		if body.Error != "" {
			return body.Error
		}
	}
	return strings.TrimSpace(string(data))
}
