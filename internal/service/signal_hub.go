package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"gamermatch_backend/internal/config"
	"gamermatch_backend/internal/model"
	"gamermatch_backend/pkg/logger"
	"gamermatch_backend/pkg/monitoring"
	"hash/fnv"
	"net/http"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024 // SDP 可能较大
	shardCount     = 32
	onlineTTL      = 2 * time.Minute
	sendBuffer     = 256

	SignalChannel = "signal_channel"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// SignalClient 一条信令连接，属于某个配对中的某个用户
type SignalClient struct {
	Hub     *SignalHub
	Conn    *websocket.Conn
	Send    chan []byte
	ID      string
	MatchID string
	UserID  string
	PeerID  string
	Limiter *rate.Limiter
}

func (c *SignalClient) readPump() {
	defer func() {
		select {
		case c.Hub.unregister <- c:
		case <-c.Hub.ctx.Done():
		}
		c.Conn.Close()
	}()
	c.Conn.SetReadLimit(maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error { c.Conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logger.Log.Warn("Signal websocket unexpected close", zap.Error(err), zap.String("userId", c.UserID))
			}
			break
		}

		sig, err := decodeSignal(message)
		if err != nil {
			if !c.Limiter.Allow() {
				monitoring.SignalMessageCounter.WithLabelValues("throttled", "in").Inc()
				continue
			}
			c.sendError(err.Error())
			continue
		}

		// call-end 不限流，挂断不能丢
		if sig.Type != model.SignalCallEnd && !c.Limiter.Allow() {
			monitoring.SignalMessageCounter.WithLabelValues("throttled", "in").Inc()
			c.sendError("rate limited")
			continue
		}
		if err := c.Hub.RelaySignal(c, sig); err != nil {
			c.sendError(err.Error())
		}
	}
}

func decodeSignal(message []byte) (model.SignalMessage, error) {
	var sig model.SignalMessage
	var frame model.WSMessage
	if err := json.Unmarshal(message, &frame); err != nil {
		return sig, errors.New("malformed frame")
	}
	if frame.Type != model.WSTypeSignal {
		return sig, fmt.Errorf("unsupported frame type %q", frame.Type)
	}
	if err := json.Unmarshal(frame.Data, &sig); err != nil {
		return sig, errors.New("malformed signal")
	}
	return sig, nil
}

func (c *SignalClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			// 每帧一条 JSON，客户端按帧解析
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *SignalClient) sendError(message string) {
	data, _ := json.Marshal(model.ErrorFrame{Message: message})
	payload, _ := json.Marshal(model.WSMessage{Type: model.WSTypeError, Data: data})

	// 只在连接仍注册时写入，Stop 之后 Send 已关闭
	s := c.Hub.getShard(c.MatchID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.matches[c.MatchID][c.ID]; !ok {
		return
	}
	select {
	case c.Send <- payload:
	default:
	}
}

type shard struct {
	// matchID -> connID -> client
	matches map[string]map[string]*SignalClient
	mu      sync.RWMutex
}

// SignalHub 按配对划分的广播频道；多实例之间通过 Redis 发布订阅转发
type SignalHub struct {
	shards     [shardCount]*shard
	register   chan *SignalClient
	unregister chan *SignalClient
	Redis      *redis.Client

	limitMu sync.RWMutex
	limit   rate.Limit
	burst   int

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func NewSignalHub(rdb *redis.Client, cfg config.CallConfig) *SignalHub {
	cfg.Normalize()
	ctx, cancel := context.WithCancel(context.Background())
	h := &SignalHub{
		register:   make(chan *SignalClient),
		unregister: make(chan *SignalClient),
		Redis:      rdb,
		limit:      rate.Limit(cfg.SignalRateLimit),
		burst:      cfg.SignalBurst,
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	for i := 0; i < shardCount; i++ {
		h.shards[i] = &shard{
			matches: make(map[string]map[string]*SignalClient),
		}
	}
	return h
}

func (h *SignalHub) getShard(matchID string) *shard {
	f := fnv.New32a()
	f.Write([]byte(matchID))
	return h.shards[f.Sum32()%shardCount]
}

// UpdateLimits 配置热更新，只影响新连接
func (h *SignalHub) UpdateLimits(cfg config.CallConfig) {
	cfg.Normalize()
	h.limitMu.Lock()
	h.limit = rate.Limit(cfg.SignalRateLimit)
	h.burst = cfg.SignalBurst
	h.limitMu.Unlock()
}

func (h *SignalHub) newLimiter() *rate.Limiter {
	h.limitMu.RLock()
	defer h.limitMu.RUnlock()
	return rate.NewLimiter(h.limit, h.burst)
}

type PubSubMessage struct {
	MatchID     string          `json:"matchId"`
	ExcludeConn string          `json:"excludeConn,omitempty"`
	Payload     json.RawMessage `json:"payload"`
}

func presenceKey(matchID, userID string) string {
	return fmt.Sprintf("signal:online:%s:%s", matchID, userID)
}

func (h *SignalHub) Run() {
	defer close(h.done)

	pubsub := h.Redis.Subscribe(h.ctx, SignalChannel)
	defer pubsub.Close()
	// 等待订阅确认，避免 Run 返回前发布的消息丢失
	if _, err := pubsub.Receive(h.ctx); err != nil {
		logger.Log.Error("Signal hub subscribe failed", zap.Error(err))
	}

	go func() {
		for msg := range pubsub.Channel() {
			var psMsg PubSubMessage
			if err := json.Unmarshal([]byte(msg.Payload), &psMsg); err != nil {
				logger.Log.Error("PubSub unmarshal error", zap.Error(err))
				continue
			}
			h.pushToLocal(psMsg.MatchID, psMsg.ExcludeConn, psMsg.Payload)
		}
	}()

	ticker := time.NewTicker(500 * time.Millisecond)
	heartbeatTicker := time.NewTicker(1 * time.Minute)
	defer func() {
		ticker.Stop()
		heartbeatTicker.Stop()
	}()

	var pendingUpdates []model.PeerStatus

	for {
		select {
		case <-h.ctx.Done():
			return

		case client := <-h.register:
			s := h.getShard(client.MatchID)
			s.mu.Lock()
			conns, ok := s.matches[client.MatchID]
			if !ok {
				conns = make(map[string]*SignalClient)
				s.matches[client.MatchID] = conns
			}
			conns[client.ID] = client
			s.mu.Unlock()
			pendingUpdates = append(pendingUpdates, model.PeerStatus{MatchID: client.MatchID, UserID: client.UserID, Status: "online"})
			monitoring.SignalConnections.Inc()

		case client := <-h.unregister:
			s := h.getShard(client.MatchID)
			s.mu.Lock()
			if conns, ok := s.matches[client.MatchID]; ok {
				if _, ok := conns[client.ID]; ok {
					delete(conns, client.ID)
					close(client.Send)
					monitoring.SignalConnections.Dec()
					pendingUpdates = append(pendingUpdates, model.PeerStatus{MatchID: client.MatchID, UserID: client.UserID, Status: "offline"})
				}
				if len(conns) == 0 {
					delete(s.matches, client.MatchID)
				}
			}
			s.mu.Unlock()

		case <-heartbeatTicker.C:
			h.refreshOnlineStatus()

		case <-ticker.C:
			if len(pendingUpdates) == 0 {
				continue
			}

			pipe := h.Redis.Pipeline()
			// 同一用户在该配对仍有其它连接时，不算下线
			var notify []model.PeerStatus
			for _, update := range pendingUpdates {
				key := presenceKey(update.MatchID, update.UserID)
				if update.Status == "online" {
					pipe.Set(h.ctx, key, "true", onlineTTL)
				} else if h.hasLocalConn(update.MatchID, update.UserID) {
					continue
				} else {
					pipe.Del(h.ctx, key)
				}
				notify = append(notify, update)
			}
			if len(notify) > 0 {
				if _, err := pipe.Exec(h.ctx); err != nil && err != redis.Nil {
					logger.Log.Error("Redis pipeline error", zap.Error(err))
				}
			}

			for _, update := range notify {
				h.notifyStatus(update)
			}
			pendingUpdates = pendingUpdates[:0]
		}
	}
}

// refreshOnlineStatus 续期本实例上所有连接的在线标记
func (h *SignalHub) refreshOnlineStatus() {
	pipe := h.Redis.Pipeline()
	count := 0
	for i := 0; i < shardCount; i++ {
		s := h.shards[i]
		s.mu.RLock()
		for matchID, conns := range s.matches {
			for _, client := range conns {
				pipe.Expire(h.ctx, presenceKey(matchID, client.UserID), onlineTTL)
				count++
			}
		}
		s.mu.RUnlock()
	}
	if count > 0 {
		pipe.Exec(h.ctx)
		logger.Log.Debug("Refreshed signal presence", zap.Int("count", count))
	}
}

func (h *SignalHub) notifyStatus(status model.PeerStatus) {
	data, _ := json.Marshal(status)
	h.publish(status.MatchID, "", model.WSMessage{Type: model.WSTypePeerStatus, Data: data})
}

func (h *SignalHub) hasLocalConn(matchID, userID string) bool {
	s := h.getShard(matchID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, client := range s.matches[matchID] {
		if client.UserID == userID {
			return true
		}
	}
	return false
}

// LocalConnections 本实例上该配对的连接数
func (h *SignalHub) LocalConnections(matchID string) int {
	s := h.getShard(matchID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.matches[matchID])
}

// IsPeerOnline 先查本地分片，再查 Redis（多实例部署）
func (h *SignalHub) IsPeerOnline(ctx context.Context, matchID, userID string) bool {
	if h.hasLocalConn(matchID, userID) {
		return true
	}
	val, err := h.Redis.Get(ctx, presenceKey(matchID, userID)).Result()
	return err == nil && val == "true"
}

// RelaySignal 校验并转发一条信令：from 由服务端填写，to 必须是配对中的另一方
func (h *SignalHub) RelaySignal(from *SignalClient, sig model.SignalMessage) error {
	if !sig.Type.Valid() {
		return fmt.Errorf("unknown signal type %q", sig.Type)
	}
	if sig.To != from.PeerID {
		return fmt.Errorf("signal target is not the other participant")
	}
	sig.From = from.UserID

	monitoring.SignalMessageCounter.WithLabelValues(string(sig.Type), "in").Inc()

	data, err := json.Marshal(sig)
	if err != nil {
		return err
	}
	h.publish(from.MatchID, from.ID, model.WSMessage{Type: model.WSTypeSignal, Data: data})
	return nil
}

// PublishCallRequest 通话请求行变更通知
func (h *SignalHub) PublishCallRequest(matchID string, evt model.ChangeEvent[model.CallRequest]) {
	data, err := json.Marshal(evt)
	if err != nil {
		logger.Log.Error("Marshal call request event failed", zap.Error(err))
		return
	}
	h.publish(matchID, "", model.WSMessage{Type: model.WSTypeCallRequestChanged, Data: data})
}

// PublishCallBlock 屏蔽记录变更通知
func (h *SignalHub) PublishCallBlock(matchID string, evt model.ChangeEvent[model.CallBlock]) {
	data, err := json.Marshal(evt)
	if err != nil {
		logger.Log.Error("Marshal call block event failed", zap.Error(err))
		return
	}
	h.publish(matchID, "", model.WSMessage{Type: model.WSTypeCallBlockChanged, Data: data})
}

func (h *SignalHub) publish(matchID, excludeConn string, msg model.WSMessage) {
	msgBytes, _ := json.Marshal(msg)
	psMsg := PubSubMessage{
		MatchID:     matchID,
		ExcludeConn: excludeConn,
		Payload:     msgBytes,
	}
	payload, _ := json.Marshal(psMsg)
	if err := h.Redis.Publish(h.ctx, SignalChannel, payload).Err(); err != nil {
		logger.Log.Error("Signal publish failed", zap.Error(err), zap.String("matchId", matchID))
		return
	}
	monitoring.SignalMessageCounter.WithLabelValues(msg.Type, "out").Inc()
}

// pushToLocal 投递给本实例上该配对的所有连接；缓冲区满时丢弃
func (h *SignalHub) pushToLocal(matchID, excludeConn string, payload []byte) {
	s := h.getShard(matchID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	for id, client := range s.matches[matchID] {
		if id == excludeConn {
			continue
		}
		select {
		case client.Send <- payload:
		default:
			logger.Log.Warn("Signal client send buffer full, dropping frame",
				zap.String("matchId", matchID), zap.String("userId", client.UserID))
		}
	}
}

// Stop 关闭所有连接并清理在线标记
func (h *SignalHub) Stop() {
	logger.Log.Info("SignalHub stopping: clearing presence and closing connections...")

	var keys []string
	for i := 0; i < shardCount; i++ {
		s := h.shards[i]
		s.mu.Lock()
		for matchID, conns := range s.matches {
			for _, client := range conns {
				keys = append(keys, presenceKey(matchID, client.UserID))
				close(client.Send)
			}
			delete(s.matches, matchID)
		}
		s.mu.Unlock()
	}

	if len(keys) > 0 {
		h.Redis.Del(context.Background(), keys...)
	}

	h.cancel()
	monitoring.SignalConnections.Set(0)
	logger.Log.Info("SignalHub stopped", zap.Int("closedConnections", len(keys)))
}

// Done Run 退出后关闭
func (h *SignalHub) Done() <-chan struct{} {
	return h.done
}

func ServeWs(hub *SignalHub, w http.ResponseWriter, r *http.Request, matchID, userID, peerID string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Log.Error("WebSocket upgrade failed", zap.Error(err), zap.String("userId", userID))
		return
	}
	client := &SignalClient{
		Hub:     hub,
		Conn:    conn,
		Send:    make(chan []byte, sendBuffer),
		ID:      uuid.New().String(),
		MatchID: matchID,
		UserID:  userID,
		PeerID:  peerID,
		Limiter: hub.newLimiter(),
	}

	select {
	case hub.register <- client:
	case <-hub.ctx.Done():
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}
