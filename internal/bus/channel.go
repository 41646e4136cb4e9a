package bus

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// ErrBusClosed is returned by operations on a closed bus.
var ErrBusClosed = errors.New("bus is closed")

// ChannelBus implements EventBus in-process with buffered Go channels.
// Subscribers in the same group share one channel, so each message is
// handled by exactly one of them.
type ChannelBus struct {
	mu         sync.RWMutex
	bufferSize int
	groups     map[string][]*channelGroup // topic -> groups
	closed     bool
	dropped    atomic.Int64
}

type channelGroup struct {
	name  string
	msgCh chan *domain.Message
	subs  int
}

type channelSubscription struct {
	bus    *ChannelBus
	topic  string
	group  *channelGroup
	cancel context.CancelFunc
	once   sync.Once
}

// NewChannelBus creates a new channel-based event bus.
func NewChannelBus(bufferSize int) *ChannelBus {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	return &ChannelBus{
		bufferSize: bufferSize,
		groups:     make(map[string][]*channelGroup),
	}
}

// Publish delivers a message to every group subscribed to the topic.
// Delivery is non-blocking; a full group buffer drops the message.
func (b *ChannelBus) Publish(ctx context.Context, topic string, payload []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBusClosed
	}

	msg := &domain.Message{
		ID:        uuid.New().String(),
		Topic:     topic,
		Payload:   payload,
		Timestamp: time.Now().UnixNano(),
	}

	for _, g := range b.groups[topic] {
		select {
		case g.msgCh <- msg:
		default:
			b.dropped.Add(1)
			slog.Warn("bus buffer full, message dropped", "topic", topic, "group", g.name)
		}
	}
	return nil
}

// Subscribe registers a handler. An empty group gets a private channel.
func (b *ChannelBus) Subscribe(ctx context.Context, topic, group string, handler domain.MessageHandler) (domain.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBusClosed
	}

	var g *channelGroup
	if group != "" {
		for _, existing := range b.groups[topic] {
			if existing.name == group {
				g = existing
				break
			}
		}
	}
	if g == nil {
		g = &channelGroup{name: group, msgCh: make(chan *domain.Message, b.bufferSize)}
		b.groups[topic] = append(b.groups[topic], g)
	}
	g.subs++

	subCtx, cancel := context.WithCancel(ctx)
	sub := &channelSubscription{bus: b, topic: topic, group: g, cancel: cancel}

	go b.handleMessages(subCtx, g.msgCh, handler)

	return sub, nil
}

func (b *ChannelBus) handleMessages(ctx context.Context, msgCh <-chan *domain.Message, handler domain.MessageHandler) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgCh:
			if !ok {
				return
			}
			if err := handler(ctx, msg); err != nil {
				slog.Error("bus handler error",
					"topic", msg.Topic,
					"message_id", msg.ID,
					"error", err,
				)
			}
		}
	}
}

// Dropped returns how many messages were discarded because a buffer was full.
func (b *ChannelBus) Dropped() int64 {
	return b.dropped.Load()
}

// Ping checks bus health.
func (b *ChannelBus) Ping(ctx context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBusClosed
	}
	return nil
}

// Close stops all subscriptions.
func (b *ChannelBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	for _, groups := range b.groups {
		for _, g := range groups {
			close(g.msgCh)
		}
	}
	b.groups = make(map[string][]*channelGroup)
	return nil
}

// removeGroupSub drops one subscriber from a group, discarding the group
// when it becomes empty.
func (b *ChannelBus) removeGroupSub(topic string, g *channelGroup) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	g.subs--
	if g.subs > 0 {
		return
	}
	groups := b.groups[topic]
	for i, existing := range groups {
		if existing == g {
			b.groups[topic] = append(groups[:i], groups[i+1:]...)
			close(g.msgCh)
			break
		}
	}
}

// Unsubscribe stops receiving messages.
func (s *channelSubscription) Unsubscribe() error {
	s.once.Do(func() {
		s.cancel()
		s.bus.removeGroupSub(s.topic, s.group)
	})
	return nil
}

// Topic returns the subscribed topic.
func (s *channelSubscription) Topic() string {
	return s.topic
}
