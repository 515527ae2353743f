package negotiator

import (
	"context"
	"gamermatch_backend/internal/model"
)

// SignalChannel 某个配对上的广播频道。同一频道上所有订阅者都会收到消息，
// 接收方按 To 过滤。频道关闭后 Messages 被关闭
type SignalChannel interface {
	Send(ctx context.Context, msg model.SignalMessage) error
	Messages() <-chan model.SignalMessage
	Close() error
}

type SignalDialer interface {
	Dial(ctx context.Context, matchID, selfID string) (SignalChannel, error)
}
