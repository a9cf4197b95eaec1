// Package line is a focused client for the LINE Messaging API: reply, push
// and profile lookup. Reply tokens are single-use and expire within ~24h;
// push is addressed by durable user id and has no such limit.
package line

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"line-relay/internal/domain"
)

// tokenPayload is the expected JSON shape stored in SSM for the channel token.
type tokenPayload struct {
	Token string `json:"token"`
}

type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// Message is one outbound message object. Only text messages are sent here.
type Message struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type replyRequest struct {
	ReplyToken string    `json:"replyToken"`
	Messages   []Message `json:"messages"`
}

type pushRequest struct {
	To       string    `json:"to"`
	Messages []Message `json:"messages"`
}

// apiErrorBody is the error shape the platform returns on rejected calls.
type apiErrorBody struct {
	Message string `json:"message"`
}

// APIError captures a non-2xx platform response.
type APIError struct {
	StatusCode int
	URL        string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("line: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Message)
}

func (e *APIError) HTTPStatusCode() int {
	return e.StatusCode
}

// IsInvalidReplyToken reports whether err is the platform rejecting a
// reused or expired reply token. That failure is permanent; callers switch
// to the push channel instead of retrying.
func IsInvalidReplyToken(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.StatusCode == http.StatusBadRequest &&
		strings.Contains(strings.ToLower(apiErr.Message), "invalid reply token")
}

// Client calls the LINE Messaging API with a channel token held in SSM.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	getter      Getter
	paramPrefix string

	tokenOnce    sync.Once
	channelToken string
	tokenErr     error
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSpace(baseURL)
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// NewClient creates a Client. The channel token is fetched from SSM on the
// first API call and reused for the lifetime of the process.
func NewClient(ps Getter, paramPrefix string, opts ...Option) (*Client, error) {
	if ps == nil {
		return nil, errors.New("line: paramstore getter must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("line: parameter prefix must not be empty")
	}
	c := &Client{
		baseURL:     "https://api.line.me",
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		getter:      ps,
		paramPrefix: paramPrefix,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) resolveChannelToken(ctx context.Context) (string, error) {
	c.tokenOnce.Do(func() {
		c.channelToken, c.tokenErr = fetchTokenFromParamStore(ctx, c.getter, c.paramPrefix+"/line-channel-token")
	})
	return c.channelToken, c.tokenErr
}

func (c *Client) resolvedHTTPClient() *http.Client {
	if c.httpClient != nil {
		return c.httpClient
	}
	return &http.Client{Timeout: 10 * time.Second}
}

func (c *Client) endpoint(path string) string {
	base := strings.TrimRight(c.baseURL, "/")
	if base == "" {
		base = "https://api.line.me"
	}
	return base + path
}

// Reply sends text via the single-use reply token.
func (c *Client) Reply(ctx context.Context, replyToken, text string) error {
	if replyToken == "" {
		return errors.New("line: reply token must not be empty")
	}
	body := replyRequest{
		ReplyToken: replyToken,
		Messages:   []Message{{Type: "text", Text: text}},
	}
	return c.post(ctx, "/v2/bot/message/reply", body)
}

// Push sends text to a durable user id via the push endpoint.
func (c *Client) Push(ctx context.Context, userID, text string) error {
	if userID == "" {
		return errors.New("line: user id must not be empty")
	}
	body := pushRequest{
		To:       userID,
		Messages: []Message{{Type: "text", Text: text}},
	}
	return c.post(ctx, "/v2/bot/message/push", body)
}

// GetProfile fetches the display name and avatar for a user id.
func (c *Client) GetProfile(ctx context.Context, userID string) (domain.Profile, error) {
	if userID == "" {
		return domain.Profile{}, errors.New("line: user id must not be empty")
	}
	token, err := c.resolveChannelToken(ctx)
	if err != nil {
		return domain.Profile{}, err
	}

	url := c.endpoint("/v2/bot/profile/" + userID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return domain.Profile{}, fmt.Errorf("line: create profile request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	raw, err := c.do(req, url)
	if err != nil {
		return domain.Profile{}, fmt.Errorf("line: profile request failed: %w", err)
	}

	var p domain.Profile
	if err := json.Unmarshal(raw, &p); err != nil {
		return domain.Profile{}, fmt.Errorf("line: decode profile: %w", err)
	}
	return p, nil
}

func (c *Client) post(ctx context.Context, path string, payload any) error {
	token, err := c.resolveChannelToken(ctx)
	if err != nil {
		return err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("line: marshal request: %w", err)
	}

	url := c.endpoint(path)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("line: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	if _, err := c.do(req, url); err != nil {
		return fmt.Errorf("line: request failed: %w", err)
	}
	return nil
}

func (c *Client) do(req *http.Request, url string) ([]byte, error) {
	res, doErr := c.resolvedHTTPClient().Do(req)
	if doErr != nil {
		return nil, doErr
	}
	defer func() { _ = res.Body.Close() }()

	buf, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		var apiBody apiErrorBody
		_ = json.Unmarshal(buf, &apiBody)
		msg := apiBody.Message
		if msg == "" {
			msg = string(buf)
		}
		return nil, &APIError{
			StatusCode: res.StatusCode,
			URL:        url,
			Message:    msg,
		}
	}
	return buf, nil
}

func fetchTokenFromParamStore(ctx context.Context, getter Getter, name string) (string, error) {
	if getter == nil {
		return "", errors.New("line: paramstore getter is nil")
	}

	raw, err := getter.GetParameter(ctx, name)
	if err != nil {
		return "", fmt.Errorf("line: fetch channel token from paramstore: %w", err)
	}
	var tp tokenPayload
	if err := json.Unmarshal([]byte(raw), &tp); err != nil {
		return "", fmt.Errorf("line: unmarshal paramstore token value as JSON: %w", err)
	}
	if tp.Token == "" {
		return "", errors.New("line: channel token is empty")
	}
	return tp.Token, nil
}
