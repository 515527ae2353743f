package negotiator

import (
	"context"
	"errors"
	"gamermatch_backend/internal/model"
	"sync"
)

const memoryBufferSize = 128

var errChannelClosed = errors.New("signal channel closed")

// MemoryBus 进程内广播频道，语义与服务端信令频道一致：
// 消息投递给同一配对上除发送方以外的所有订阅者
type MemoryBus struct {
	mu       sync.Mutex
	channels map[string]map[*memoryChannel]struct{}
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		channels: make(map[string]map[*memoryChannel]struct{}),
	}
}

func (b *MemoryBus) Dial(ctx context.Context, matchID, selfID string) (SignalChannel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch := &memoryChannel{
		bus:     b,
		matchID: matchID,
		selfID:  selfID,
		msgs:    make(chan model.SignalMessage, memoryBufferSize),
	}

	b.mu.Lock()
	subs, ok := b.channels[matchID]
	if !ok {
		subs = make(map[*memoryChannel]struct{})
		b.channels[matchID] = subs
	}
	subs[ch] = struct{}{}
	b.mu.Unlock()

	return ch, nil
}

// Subscribers 当前订阅某配对的频道数
func (b *MemoryBus) Subscribers(matchID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.channels[matchID])
}

func (b *MemoryBus) publish(from *memoryChannel, msg model.SignalMessage) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if from.closed {
		return errChannelClosed
	}
	for ch := range b.channels[from.matchID] {
		if ch == from {
			continue
		}
		select {
		case ch.msgs <- msg:
		default:
			// 缓冲区满时丢弃，与服务端行为一致
		}
	}
	return nil
}

func (b *MemoryBus) remove(ch *memoryChannel) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return
	}
	ch.closed = true
	if subs, ok := b.channels[ch.matchID]; ok {
		delete(subs, ch)
		if len(subs) == 0 {
			delete(b.channels, ch.matchID)
		}
	}
	close(ch.msgs)
}

type memoryChannel struct {
	bus     *MemoryBus
	matchID string
	selfID  string
	msgs    chan model.SignalMessage
	// 由 bus.mu 保护
	closed bool
}

func (c *memoryChannel) Send(ctx context.Context, msg model.SignalMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.bus.publish(c, msg)
}

func (c *memoryChannel) Messages() <-chan model.SignalMessage {
	return c.msgs
}

func (c *memoryChannel) Close() error {
	c.bus.remove(c)
	return nil
}
