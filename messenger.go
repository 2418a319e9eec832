// Package messenger is the Go client SDK for the FolioLink messaging
// backend.
//
// It covers the REST messaging API (conversations, messages, presence,
// profile lookups), the realtime push channel, client-side message
// encryption, and a cache-first conversation session.
//
// Example:
//
//	client := messenger.NewClient("https://messages.foliolink.dev", token)
//
//	convs, _ := client.ListConversations(ctx, userID)
//
//	session := messenger.NewSession(messenger.SessionConfig{
//		Client: client,
//		UserID: userID,
//	})
//	session.Start(ctx)
//	defer session.Close()
package messenger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultTimeout = 30 * time.Second

	defaultPageSize = 50
)

// ============================================================================
// Client
// ============================================================================

// Client is an authenticated HTTP client for the messaging backend.
type Client struct {
	baseURL     string
	userBaseURL string
	token       string
	httpClient  *http.Client
	logger      *slog.Logger
}

type ClientOption func(*Client)

// WithUserBaseURL points profile and online-status lookups at a separate
// user service. Defaults to the messaging base URL.
func WithUserBaseURL(u string) ClientOption {
	return func(c *Client) { c.userBaseURL = strings.TrimRight(u, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// NewClient creates a messaging API client.
// token is optional; pass "" for endpoints that allow anonymous access.
func NewClient(baseURL, token string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.userBaseURL == "" {
		c.userBaseURL = c.baseURL
	}
	return c
}

// SetToken sets or updates the bearer token, e.g. after a refresh.
func (c *Client) SetToken(token string) {
	c.token = token
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, base, path string, body interface{}, query map[string]string) ([]byte, error) {
	u := base + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		var wire struct {
			Message string `json:"message"`
			Error   string `json:"error"`
		}
		if json.Unmarshal(data, &wire) == nil {
			apiErr.Message = wire.Message
			if apiErr.Message == "" {
				apiErr.Message = wire.Error
			}
		}
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return nil, apiErr
	}

	return data, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// ============================================================================
// Conversations
// ============================================================================

// ListConversations returns the user's conversation summaries, most recently
// updated first.
func (c *Client) ListConversations(ctx context.Context, userID string) ([]APIConversation, error) {
	data, err := c.doRequest(ctx, "GET", c.baseURL, "/api/conversations/user/"+userID, nil, nil)
	if err != nil {
		return nil, err
	}
	var convs []APIConversation
	if err := json.Unmarshal(data, &convs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return convs, nil
}

// CreateConversation creates a direct conversation between two users, or
// returns the existing one (APIConversation.IsExisting reports which).
func (c *Client) CreateConversation(ctx context.Context, initiatorID, receiverID string) (*APIConversation, error) {
	body := map[string]string{"initiatorId": initiatorID, "receiverId": receiverID}
	data, err := c.doRequest(ctx, "POST", c.baseURL, "/api/conversations/create", body, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[APIConversation](data)
}

// GetConversation fetches a single conversation summary.
func (c *Client) GetConversation(ctx context.Context, conversationID string) (*APIConversation, error) {
	data, err := c.doRequest(ctx, "GET", c.baseURL, "/api/conversations/"+conversationID, nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[APIConversation](data)
}

// DeleteConversation removes a conversation and its messages on behalf of
// the requesting user.
func (c *Client) DeleteConversation(ctx context.Context, conversationID, userID string) error {
	_, err := c.doRequest(ctx, "DELETE", c.baseURL, "/api/conversations/"+conversationID, nil,
		map[string]string{"userId": userID})
	return err
}

// ============================================================================
// Messages
// ============================================================================

// SendMessage posts a message. Content is expected to already be ciphertext
// (see Encrypt); the server stores it opaquely.
func (c *Client) SendMessage(ctx context.Context, req *SendMessageRequest) (*APIMessage, error) {
	data, err := c.doRequest(ctx, "POST", c.baseURL, "/api/messages/send", req, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[APIMessage](data)
}

// GetConversationMessages fetches one page of a conversation's history.
// page is 1-based; pageSize defaults to 50 when <= 0.
func (c *Client) GetConversationMessages(ctx context.Context, conversationID string, page, pageSize int) (*MessagesPage, error) {
	if page <= 0 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	data, err := c.doRequest(ctx, "GET", c.baseURL, "/api/messages/conversation/"+conversationID, nil,
		map[string]string{"page": strconv.Itoa(page), "pageSize": strconv.Itoa(pageSize)})
	if err != nil {
		return nil, err
	}
	return decodeJSON[MessagesPage](data)
}

// MarkMessagesRead marks every unread message addressed to userID in the
// conversation as read and returns how many were marked.
func (c *Client) MarkMessagesRead(ctx context.Context, conversationID, userID string) (int, error) {
	body := map[string]string{"conversationId": conversationID, "userId": userID}
	data, err := c.doRequest(ctx, "PUT", c.baseURL, "/api/messages/mark-read", body, nil)
	if err != nil {
		return 0, err
	}
	var resp struct {
		MarkedCount int `json:"markedCount"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return 0, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return resp.MarkedCount, nil
}

// MarkMessageRead marks a single message as read.
func (c *Client) MarkMessageRead(ctx context.Context, messageID, userID string) error {
	body := map[string]string{"userId": userID}
	_, err := c.doRequest(ctx, "PUT", c.baseURL, "/api/messages/"+messageID+"/mark-read", body, nil)
	return err
}

// DeleteMessage removes a message on behalf of the requesting user.
func (c *Client) DeleteMessage(ctx context.Context, messageID, userID string) error {
	_, err := c.doRequest(ctx, "DELETE", c.baseURL, "/api/messages/"+messageID, nil,
		map[string]string{"userId": userID})
	return err
}

// ReportMessage files an abuse report for a message.
func (c *Client) ReportMessage(ctx context.Context, messageID, reportedByUserID, reason string) error {
	body := map[string]string{"reportedByUserId": reportedByUserID, "reason": reason}
	_, err := c.doRequest(ctx, "POST", c.baseURL, "/api/messages/"+messageID+"/report", body, nil)
	return err
}

// ============================================================================
// Users
// ============================================================================

// GetUser fetches a user's display fields from the user service.
func (c *Client) GetUser(ctx context.Context, userID string) (*APIUser, error) {
	data, err := c.doRequest(ctx, "GET", c.userBaseURL, "/api/users/"+userID, nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[APIUser](data)
}

// GetOnlineStatus reports whether a user currently has a live presence.
func (c *Client) GetOnlineStatus(ctx context.Context, userID string) (bool, error) {
	data, err := c.doRequest(ctx, "GET", c.baseURL, "/api/users/"+userID+"/online-status", nil, nil)
	if err != nil {
		return false, err
	}
	var resp struct {
		UserID   string `json:"userId"`
		IsOnline bool   `json:"isOnline"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return false, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return resp.IsOnline, nil
}

// ============================================================================
// Realtime
// ============================================================================

// WSUrl returns the push-channel websocket URL for the client's base URL.
func (c *Client) WSUrl() string {
	base := strings.Replace(c.baseURL, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	return base + "/ws"
}

// Channel creates a push-channel client bound to this API client's endpoint
// and credentials. Call Connect to establish the connection.
func (c *Client) Channel(userID string) *ChannelClient {
	return newChannelClient(c.WSUrl(), c.token, userID, c.logger)
}
