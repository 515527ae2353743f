package negotiator

import (
	"context"
	"encoding/json"
	"fmt"
	"gamermatch_backend/internal/model"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	wsWriteWait  = 10 * time.Second
	wsBufferSize = 128
)

// WSDialer 连接服务端 /api/signal/ws
type WSDialer struct {
	// 服务端地址，如 http://localhost:8080
	BaseURL string
	Token   string
	Dialer  *websocket.Dialer
	Logger  *zap.Logger
}

// SignalURL 由 http(s) 地址推出信令 websocket 地址
func SignalURL(baseURL, matchID, token string) (string, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = u.Path + "/api/signal/ws"
	q := url.Values{}
	q.Set("matchId", matchID)
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (d *WSDialer) Dial(ctx context.Context, matchID, selfID string) (SignalChannel, error) {
	return d.DialWS(ctx, matchID, selfID)
}

// DialWS 与 Dial 相同，但返回具体类型以便读取非信令帧
func (d *WSDialer) DialWS(ctx context.Context, matchID, selfID string) (*WSChannel, error) {
	target, err := SignalURL(d.BaseURL, matchID, d.Token)
	if err != nil {
		return nil, err
	}

	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, target, nil)
	if err != nil {
		if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
			return nil, fmt.Errorf("signal handshake rejected with status %d: %w", resp.StatusCode, err)
		}
		return nil, err
	}

	log := d.Logger
	if log == nil {
		log = zap.NewNop()
	}
	ch := &WSChannel{
		conn:    conn,
		selfID:  selfID,
		matchID: matchID,
		log:     log.With(zap.String("matchId", matchID)),
		msgs:    make(chan model.SignalMessage, wsBufferSize),
		events:  make(chan model.WSMessage, wsBufferSize),
		done:    make(chan struct{}),
	}
	go ch.readLoop()
	return ch, nil
}

// WSChannel 一条信令 websocket。SIGNAL 帧进入 Messages，其余帧（含 ERROR）进入 Events
type WSChannel struct {
	conn    *websocket.Conn
	selfID  string
	matchID string
	log     *zap.Logger

	writeMu sync.Mutex
	msgs    chan model.SignalMessage
	events  chan model.WSMessage

	closeOnce sync.Once
	done      chan struct{}
}

func (c *WSChannel) readLoop() {
	defer func() {
		close(c.msgs)
		close(c.events)
		c.conn.Close()
	}()
	for {
		var frame model.WSMessage
		if err := c.conn.ReadJSON(&frame); err != nil {
			select {
			case <-c.done:
			default:
				c.log.Warn("Signal channel read failed", zap.Error(err))
			}
			return
		}

		switch frame.Type {
		case model.WSTypeSignal:
			var msg model.SignalMessage
			if err := json.Unmarshal(frame.Data, &msg); err != nil {
				c.log.Warn("Malformed signal frame", zap.Error(err))
				continue
			}
			select {
			case c.msgs <- msg:
			default:
				c.log.Warn("Signal buffer full, dropping message", zap.String("type", string(msg.Type)))
			}
		default:
			if frame.Type == model.WSTypeError {
				var e model.ErrorFrame
				_ = json.Unmarshal(frame.Data, &e)
				c.log.Warn("Signal server reported error", zap.String("message", e.Message))
			}
			select {
			case c.events <- frame:
			default:
			}
		}
	}
}

func (c *WSChannel) Send(ctx context.Context, msg model.SignalMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	deadline := time.Now().Add(wsWriteWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	select {
	case <-c.done:
		return errChannelClosed
	default:
	}
	c.conn.SetWriteDeadline(deadline)
	return c.conn.WriteJSON(model.WSMessage{Type: model.WSTypeSignal, Data: data})
}

func (c *WSChannel) Messages() <-chan model.SignalMessage {
	return c.msgs
}

// Events 通话请求变更、在线状态等非信令帧
func (c *WSChannel) Events() <-chan model.WSMessage {
	return c.events
}

func (c *WSChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		close(c.done)
		c.conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}
