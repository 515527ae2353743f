package model

import "encoding/json"

type SignalType string

const (
	SignalOffer        SignalType = "offer"
	SignalAnswer       SignalType = "answer"
	SignalICECandidate SignalType = "ice-candidate"
	SignalCallEnd      SignalType = "call-end"
)

func (t SignalType) Valid() bool {
	switch t {
	case SignalOffer, SignalAnswer, SignalICECandidate, SignalCallEnd:
		return true
	}
	return false
}

// SignalMessage 点对点协商消息，from/to 用于在同一频道内多路复用
type SignalMessage struct {
	Type SignalType      `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
	From string          `json:"from"`
	To   string          `json:"to"`
}

// WebSocket 帧类型
const (
	WSTypeSignal             = "SIGNAL"
	WSTypeCallRequestChanged = "CALL_REQUEST_CHANGED"
	WSTypeCallBlockChanged   = "CALL_BLOCK_CHANGED"
	WSTypePeerStatus         = "PEER_STATUS"
	WSTypeError              = "ERROR"
)

type WSMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type ChangeEventType string

const (
	ChangeInsert ChangeEventType = "INSERT"
	ChangeUpdate ChangeEventType = "UPDATE"
	ChangeDelete ChangeEventType = "DELETE"
)

// ChangeEvent 行变更通知，delete 时 New 为空、Old 为被删除的行
type ChangeEvent[T any] struct {
	EventType ChangeEventType `json:"eventType"`
	New       *T              `json:"new,omitempty"`
	Old       *T              `json:"old,omitempty"`
}

// PeerStatus 同一配对内对方的在线状态
type PeerStatus struct {
	MatchID string `json:"matchId"`
	UserID  string `json:"userId"`
	Status  string `json:"status"`
}

// ErrorFrame 通过 websocket 回给发送方的错误
type ErrorFrame struct {
	Message string `json:"message"`
}
