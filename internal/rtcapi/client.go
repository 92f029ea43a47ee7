// Package rtcapi is the REST client for the portal's video room endpoints.
package rtcapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/BetaCatPro/medlink-rt/internal/auth"
	"github.com/BetaCatPro/medlink-rt/pkg/types"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("rtcapi")

// DefaultTimeout 请求超时
const DefaultTimeout = 30 * time.Second

// Result 后端统一响应结构，code 为 0 表示成功
type Result struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	TraceID string          `json:"traceId,omitempty"`
}

// APIError 非 2xx 响应或业务错误码
type APIError struct {
	Status  int
	Code    int
	Message string
	TraceID string
}

func (e *APIError) Error() string {
	if e.TraceID != "" {
		return fmt.Sprintf("rtc api: status=%d code=%d: %s (trace %s)", e.Status, e.Code, e.Message, e.TraceID)
	}
	return fmt.Sprintf("rtc api: status=%d code=%d: %s", e.Status, e.Code, e.Message)
}

// Client 房间接口客户端
type Client struct {
	baseURL string
	tokens  auth.TokenSource
	http    *http.Client
}

// Option 客户端选项
type Option func(*Client)

// WithHTTPClient 替换 HTTP 客户端
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// New 创建客户端，baseURL 形如 http://host/api
func New(baseURL string, tokens auth.TokenSource, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		tokens:  tokens,
		http:    &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetToken 获取视频房间令牌
func (c *Client) GetToken(ctx context.Context, consultationID int64) (types.RTCToken, error) {
	var token types.RTCToken
	err := c.do(ctx, http.MethodGet, "/rtc/token/"+strconv.FormatInt(consultationID, 10), nil, &token)
	return token, err
}

// JoinRoom 通知后端加入房间
func (c *Client) JoinRoom(ctx context.Context, consultationID int64) error {
	return c.do(ctx, http.MethodPost, "/rtc/join/"+strconv.FormatInt(consultationID, 10), nil, nil)
}

// LeaveRoom 通知后端离开房间
func (c *Client) LeaveRoom(ctx context.Context, consultationID int64) error {
	return c.do(ctx, http.MethodPost, "/rtc/leave/"+strconv.FormatInt(consultationID, 10), nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.tokens != nil {
		token, err := c.tokens.Token()
		if err != nil {
			return fmt.Errorf("token: %w", err)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		log.Warnw("request failed", "method", method, "path", path, "error", err)
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	var result Result
	decodeErr := json.Unmarshal(raw, &result)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode, Code: result.Code, Message: result.Message, TraceID: result.TraceID}
		if decodeErr != nil || apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}
	if decodeErr != nil {
		return fmt.Errorf("decode response: %w", decodeErr)
	}
	if result.Code != 0 {
		return &APIError{Status: resp.StatusCode, Code: result.Code, Message: result.Message, TraceID: result.TraceID}
	}

	if out != nil && len(result.Data) > 0 && string(result.Data) != "null" {
		if err := json.Unmarshal(result.Data, out); err != nil {
			return fmt.Errorf("decode data: %w", err)
		}
	}
	log.Debugw("request ok", "method", method, "path", path, "trace", result.TraceID)
	return nil
}
