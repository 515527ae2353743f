// Package callapi 通话服务的 Go 客户端，供命令行工具与端到端测试使用
package callapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"gamermatch_backend/internal/model"
	"gamermatch_backend/internal/negotiator"
	"gamermatch_backend/internal/util"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const defaultTimeout = 10 * time.Second

type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
	Logger  *zap.Logger

	mu    sync.Mutex
	feeds map[string]*negotiator.WSChannel
}

func New(baseURL, token string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		HTTP:    &http.Client{Timeout: defaultTimeout},
		Logger:  zap.NewNop(),
		feeds:   make(map[string]*negotiator.WSChannel),
	}
}

// APIError 服务端返回的错误；Unwrap 还原为 util 中的哨兵错误
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("call api: %d %s", e.Status, e.Message)
}

func (e *APIError) Unwrap() error {
	switch e.Status {
	case http.StatusUnauthorized:
		return util.ErrUnauthorized
	case http.StatusForbidden:
		if strings.HasPrefix(e.Message, util.ErrBlocked.Error()) {
			return util.ErrBlocked
		}
		return util.ErrForbidden
	case http.StatusNotFound:
		return util.ErrNotFound
	case http.StatusBadRequest:
		return util.ErrInvalidArgument
	case http.StatusConflict:
		return util.ErrConflict
	}
	return nil
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return &APIError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	}
	if resp.StatusCode != http.StatusOK {
		return &APIError{Status: resp.StatusCode, Message: env.Message}
	}
	if out != nil && len(env.Data) > 0 {
		return json.Unmarshal(env.Data, out)
	}
	return nil
}

type callAction struct {
	MatchID   string `json:"matchId,omitempty"`
	Type      string `json:"type,omitempty"`
	Action    string `json:"action"`
	RequestID string `json:"requestId,omitempty"`
	Status    string `json:"status,omitempty"`
}

type callResult struct {
	Success bool               `json:"success"`
	Request *model.CallRequest `json:"request"`
}

func (c *Client) ListCalls(ctx context.Context, matchID string) ([]model.CallRequest, error) {
	var out struct {
		Calls []model.CallRequest `json:"calls"`
	}
	err := c.do(ctx, http.MethodPost, "/api/matches/call-request", callAction{MatchID: matchID, Action: "list"}, &out)
	return out.Calls, err
}

func (c *Client) CreateCall(ctx context.Context, matchID string, callType model.CallType) (*model.CallRequest, error) {
	var out callResult
	err := c.do(ctx, http.MethodPost, "/api/matches/call-request", callAction{
		MatchID: matchID,
		Type:    string(callType),
		Action:  "create",
	}, &out)
	return out.Request, err
}

// Respond requestID 为空时由服务端按 matchId 查找对方最新的 pending 请求
func (c *Client) Respond(ctx context.Context, matchID, requestID string, status model.CallStatus) (*model.CallRequest, error) {
	var out callResult
	err := c.do(ctx, http.MethodPost, "/api/matches/call-request", callAction{
		MatchID:   matchID,
		RequestID: requestID,
		Status:    string(status),
		Action:    "respond",
	}, &out)
	return out.Request, err
}

func (c *Client) Unblock(ctx context.Context, matchID string) error {
	var out callResult
	if err := c.do(ctx, http.MethodPost, "/api/matches/call-request", callAction{MatchID: matchID, Action: "unblock"}, &out); err != nil {
		return err
	}
	if !out.Success {
		return fmt.Errorf("unblock was not acknowledged")
	}
	return nil
}

func (c *Client) ListBlocks(ctx context.Context, matchID string) ([]model.CallBlock, error) {
	var out struct {
		Blocks []model.CallBlock `json:"blocks"`
	}
	err := c.do(ctx, http.MethodGet, "/api/matches/"+matchID+"/call-blocks", nil, &out)
	return out.Blocks, err
}

func (c *Client) UpdatePermission(ctx context.Context, matchID string, allowVoice, allowVideo bool) (*model.MatchPermission, error) {
	var out struct {
		Permission *model.MatchPermission `json:"permission"`
	}
	err := c.do(ctx, http.MethodPost, "/api/matches/permissions", map[string]interface{}{
		"matchId":    matchID,
		"allowVoice": allowVoice,
		"allowVideo": allowVideo,
	}, &out)
	return out.Permission, err
}

// PeerOnline 对方是否连接着该配对的信令频道
func (c *Client) PeerOnline(ctx context.Context, matchID string) (bool, error) {
	var out struct {
		UserID string `json:"userId"`
		Online bool   `json:"online"`
	}
	err := c.do(ctx, http.MethodGet, "/api/matches/"+matchID+"/presence", nil, &out)
	return out.Online, err
}

type CallConfig struct {
	ICEServers        []string `json:"iceServers"`
	RequestTTLSeconds int      `json:"requestTtlSeconds"`
}

func (c *Client) CallConfig(ctx context.Context) (*CallConfig, error) {
	var out CallConfig
	if err := c.do(ctx, http.MethodGet, "/api/calls/config", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Dialer 信令频道拨号器，与本客户端共用地址和令牌
func (c *Client) Dialer() *negotiator.WSDialer {
	return &negotiator.WSDialer{
		BaseURL: c.BaseURL,
		Token:   c.Token,
		Logger:  c.Logger,
	}
}

// Notifications 返回该配对的变更通知。每个配对只建立一条长连接，首次调用时创建并复用
func (c *Client) Notifications(ctx context.Context, matchID string) (<-chan model.WSMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if feed, ok := c.feeds[matchID]; ok {
		return feed.Events(), nil
	}
	feed, err := c.Dialer().DialWS(ctx, matchID, "")
	if err != nil {
		return nil, err
	}
	if c.feeds == nil {
		c.feeds = make(map[string]*negotiator.WSChannel)
	}
	c.feeds[matchID] = feed

	// 同一频道上的信令帧与通知无关，持续丢弃以免缓冲区写满
	go func() {
		for range feed.Messages() {
		}
	}()
	return feed.Events(), nil
}

// Close 关闭通知长连接
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, feed := range c.feeds {
		_ = feed.Close()
		delete(c.feeds, id)
	}
}

// DecodeCallRequestEvent 解析 CALL_REQUEST_CHANGED 帧
func DecodeCallRequestEvent(msg model.WSMessage) (*model.ChangeEvent[model.CallRequest], error) {
	if msg.Type != model.WSTypeCallRequestChanged {
		return nil, fmt.Errorf("unexpected frame type %q", msg.Type)
	}
	var evt model.ChangeEvent[model.CallRequest]
	if err := json.Unmarshal(msg.Data, &evt); err != nil {
		return nil, err
	}
	return &evt, nil
}
