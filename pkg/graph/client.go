package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Client Graph API HTTP 客户端
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *logrus.Logger
	config     *Config
}

// NewClient 创建新的 Graph API 客户端
func NewClient(config *Config, logger *logrus.Logger) *Client {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = logrus.New()
	}

	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		httpClient: &http.Client{
			Timeout:   config.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: logger,
		config: config,
	}
}

func (c *Client) versioned(path string) string {
	if c.config.APIVersion == "" {
		return path
	}
	return "/" + c.config.APIVersion + path
}

func (c *Client) createRequest(ctx context.Context, method, endpoint, token string, body interface{}) (*http.Request, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("User-Agent", "autodm-graph-client/1.0")
	return req, nil
}

func (c *Client) doRequest(req *http.Request, result interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}

	c.logger.Debugf("Graph API %s %s -> %d", req.Method, req.URL.Path, resp.StatusCode)

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: string(body)}
		var errResp ErrorResponse
		if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
			apiErr.Message = errResp.Error.Message
			apiErr.Code = errResp.Error.Code
			apiErr.Subcode = errResp.Error.ErrorSubcode
			apiErr.Type = errResp.Error.Type
		}
		return apiErr
	}

	if result != nil {
		if err := json.Unmarshal(body, result); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func (c *Client) doRequestWithRetry(ctx context.Context, method, endpoint, token string, body, result interface{}) error {
	var lastErr error

	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.config.RetryDelay * time.Duration(attempt)):
			}
			c.logger.Warnf("Graph API retry attempt %d/%d", attempt, c.config.MaxRetries)
		}

		req, err := c.createRequest(ctx, method, endpoint, token, body)
		if err != nil {
			return err
		}

		if err := c.doRequest(req, result); err != nil {
			lastErr = err
			if attempt < c.config.MaxRetries && shouldRetry(err) {
				continue
			}
			break
		}
		return nil
	}

	return lastErr
}

// 网络错误、5xx 与 429 可以重试；其余 4xx 直接返回
func shouldRetry(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Temporary()
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// SendDirectMessage 发送私信：先发文本，再逐个发送附件。
// dm.SkipParts 个已送达的部分不会重发；部分送达后失败返回 *PartialSendError。
func (c *Client) SendDirectMessage(ctx context.Context, pageID, token string, dm DirectMessage) (*SendMessageResponse, error) {
	if pageID == "" {
		return nil, fmt.Errorf("page ID is required")
	}
	if token == "" {
		return nil, fmt.Errorf("access token is required")
	}
	if dm.RecipientID == "" && dm.CommentID == "" {
		return nil, fmt.Errorf("recipient is required")
	}
	total := dm.Parts()
	if total == 0 {
		return nil, fmt.Errorf("message is required")
	}
	if dm.SkipParts >= total {
		return &SendMessageResponse{RecipientID: dm.ThreadRecipientID}, nil
	}

	var parts []Message
	if strings.TrimSpace(dm.Text) != "" {
		parts = append(parts, Message{Text: dm.Text})
	}
	for _, link := range dm.Attachments {
		parts = append(parts, Message{Attachment: &Attachment{Type: attachmentType(link), Payload: AttachmentPayload{URL: link}}})
	}

	recipient := Recipient{ID: dm.RecipientID}
	switch {
	case dm.ThreadRecipientID != "":
		recipient = Recipient{ID: dm.ThreadRecipientID}
	case dm.CommentID != "" && dm.SkipParts == 0:
		recipient = Recipient{CommentID: dm.CommentID}
	}
	endpoint := c.versioned("/" + url.PathEscape(pageID) + "/messages")

	var first *SendMessageResponse
	for i := dm.SkipParts; i < total; i++ {
		var resp SendMessageResponse
		req := SendMessageRequest{Recipient: recipient, Message: parts[i], MessagingType: "RESPONSE"}
		if err := c.doRequestWithRetry(ctx, http.MethodPost, endpoint, token, req, &resp); err != nil {
			err = fmt.Errorf("send part %d: %w", i, err)
			if i == 0 {
				return nil, err
			}
			return first, &PartialSendError{Delivered: i, Total: total, RecipientID: recipient.ID, Err: err}
		}
		if first == nil {
			first = &resp
		}
		// private replies only open the thread; follow-ups go to the user id
		if resp.RecipientID != "" {
			recipient = Recipient{ID: resp.RecipientID}
		}
	}
	return first, nil
}

func attachmentType(link string) string {
	lower := strings.ToLower(link)
	if i := strings.IndexAny(lower, "?#"); i >= 0 {
		lower = lower[:i]
	}
	switch {
	case strings.HasSuffix(lower, ".mp4"), strings.HasSuffix(lower, ".mov"):
		return "video"
	case strings.HasSuffix(lower, ".mp3"), strings.HasSuffix(lower, ".m4a"), strings.HasSuffix(lower, ".wav"):
		return "audio"
	case strings.HasSuffix(lower, ".pdf"):
		return "file"
	default:
		return "image"
	}
}

// RefreshLongLivedToken 刷新长期访问令牌（60 天有效期）
func (c *Client) RefreshLongLivedToken(ctx context.Context, token string) (*TokenResponse, error) {
	if token == "" {
		return nil, fmt.Errorf("access token is required")
	}
	q := url.Values{}
	q.Set("grant_type", "ig_refresh_token")

	var resp TokenResponse
	if err := c.doRequestWithRetry(ctx, http.MethodGet, "/refresh_access_token?"+q.Encode(), token, nil, &resp); err != nil {
		return nil, fmt.Errorf("refresh token: %w", err)
	}
	if resp.AccessToken == "" {
		return nil, fmt.Errorf("refresh token: empty access_token in response")
	}
	return &resp, nil
}

// IsUserFollowing reports whether the Instagram-scoped user follows the
// business account that owns token.
func (c *Client) IsUserFollowing(ctx context.Context, token, userID string) (bool, error) {
	if token == "" {
		return false, fmt.Errorf("access token is required")
	}
	if userID == "" {
		return false, fmt.Errorf("user ID is required")
	}
	q := url.Values{}
	q.Set("fields", "is_user_follow_business")

	var resp UserProfile
	endpoint := c.versioned("/"+url.PathEscape(userID)) + "?" + q.Encode()
	if err := c.doRequestWithRetry(ctx, http.MethodGet, endpoint, token, nil, &resp); err != nil {
		return false, fmt.Errorf("user profile: %w", err)
	}
	return resp.IsUserFollowBusiness, nil
}
