package dchat

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
)

// MessageStore is the message persistence collaborator.
type MessageStore interface {
	// FetchMessages returns one page of a room's history, newest first.
	FetchMessages(ctx context.Context, roomID string, pageNo, pageSize int) ([]ChatMessage, error)
}

// RoomDirectory is the conversation directory collaborator.
type RoomDirectory interface {
	FetchRooms(ctx context.Context, pageNo, pageSize int) ([]ChatRoom, error)
}

const (
	DefaultAPITimeout = 30 * time.Second

	messagesPath     = "/api/messages/"
	chatRoomsPath    = "/api/chat-rooms"
	validateTokenPth = "/api/auth/validate-token"
)

// ============================================================================
// APIClient
// ============================================================================

// APIClient talks to the HTTP persistence and session API.
type APIClient struct {
	baseURL    string
	httpClient *http.Client
	token      func() string
}

type APIOption func(*APIClient)

func WithBaseURL(u string) APIOption {
	return func(c *APIClient) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithTimeout(timeout time.Duration) APIOption {
	return func(c *APIClient) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) APIOption {
	return func(c *APIClient) { c.httpClient = client }
}

// WithToken sets a static bearer token.
func WithToken(token string) APIOption {
	return func(c *APIClient) { c.token = func() string { return token } }
}

// WithSession reads the bearer token from a SessionProvider on every call.
func WithSession(s SessionProvider) APIOption {
	return func(c *APIClient) { c.token = s.AccessToken }
}

// NewAPIClient creates a client for the API at baseURL.
func NewAPIClient(baseURL string, opts ...APIOption) *APIClient {
	c := &APIClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: DefaultAPITimeout},
		token:      func() string { return "" },
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FetchMessages implements MessageStore.
func (c *APIClient) FetchMessages(ctx context.Context, roomID string, pageNo, pageSize int) ([]ChatMessage, error) {
	data, err := c.doRequest(ctx, http.MethodGet, messagesPath+url.PathEscape(roomID), nil, pageQuery(pageNo, pageSize))
	if err != nil {
		return nil, err
	}
	res, err := decodePage[ChatMessage](data)
	if err != nil {
		return nil, err
	}
	for i := range res {
		if res[i].RoomID == "" {
			res[i].RoomID = roomID
		}
	}
	return res, nil
}

// FetchRooms implements RoomDirectory.
func (c *APIClient) FetchRooms(ctx context.Context, pageNo, pageSize int) ([]ChatRoom, error) {
	data, err := c.doRequest(ctx, http.MethodGet, chatRoomsPath, nil, pageQuery(pageNo, pageSize))
	if err != nil {
		return nil, err
	}
	return decodePage[ChatRoom](data)
}

// RefreshToken validates the current token with the session service and
// returns the token it hands back. It matches RefreshFunc.
func (c *APIClient) RefreshToken(ctx context.Context, current string) (string, error) {
	data, err := c.doRequest(ctx, http.MethodPost, validateTokenPth, map[string]string{"token": current}, nil)
	if err != nil {
		return "", err
	}
	var res struct {
		Status  string `json:"status"`
		Message string `json:"message"`
		Data    struct {
			AccessToken string `json:"accessToken"`
		} `json:"data"`
	}
	if err := json.Unmarshal(data, &res); err != nil {
		return "", fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if res.Status == "error" || res.Data.AccessToken == "" {
		return "", &APIError{Status: http.StatusUnauthorized, Message: valueOr(res.Message, "token not refreshed")}
	}
	return res.Data.AccessToken, nil
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *APIClient) doRequest(ctx context.Context, method, path string, body any, query url.Values) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
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
	if token := c.token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		var e struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal(data, &e)
		return nil, &APIError{Status: resp.StatusCode, Message: valueOr(e.Message, http.StatusText(resp.StatusCode))}
	}
	return data, nil
}

func decodePage[T any](data []byte) ([]T, error) {
	var res pageResult[T]
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if res.Status == "error" {
		return nil, &APIError{Status: http.StatusBadRequest, Message: valueOr(res.Message, "request rejected")}
	}
	return res.Data, nil
}

func pageQuery(pageNo, pageSize int) url.Values {
	q := url.Values{}
	q.Set("pageNo", strconv.Itoa(pageNo))
	q.Set("pageSize", strconv.Itoa(pageSize))
	return q
}

func valueOr(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
