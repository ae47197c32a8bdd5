package events

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Type 标识事件类别。
type Type string

const (
	TypeExecutionState Type = "execution_state"
	TypeExecutionStep  Type = "execution_step"
	TypeRiskDenied     Type = "risk_denied"
	TypeWarningRaised  Type = "warning_raised"
	TypeWarningCleared Type = "warning_cleared"
	TypeLoanChanged    Type = "loan_changed"
)

// Event 为状态变更通知。
type Event struct {
	Type      Type
	AccountID string
	SubjectID string
	Payload   map[string]any
	Timestamp time.Time
}

// Handler 处理事件，不应阻塞。
type Handler func(Event)

// Bus 是进程内的发布订阅总线。
// 每个订阅者拥有独立缓冲队列，队列满时丢弃事件而不阻塞发布方。
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*subscriber
	nextID int
	buffer int
	logger *zap.Logger
	closed bool
}

type subscriber struct {
	ch   chan Event
	done chan struct{}
}

// NewBus 创建事件总线。
func NewBus(buffer int, logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	if buffer <= 0 {
		buffer = 64
	}
	return &Bus{
		subs:   make(map[int]*subscriber),
		buffer: buffer,
		logger: logger,
	}
}

// Subscribe 注册处理函数，返回取消订阅函数。
func (b *Bus) Subscribe(h Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return func() {}
	}

	id := b.nextID
	b.nextID++
	sub := &subscriber{ch: make(chan Event, b.buffer), done: make(chan struct{})}
	b.subs[id] = sub

	go func() {
		defer close(sub.done)
		for evt := range sub.ch {
			h(evt)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			s, ok := b.subs[id]
			if ok {
				delete(b.subs, id)
				close(s.ch)
			}
			b.mu.Unlock()
			if ok {
				<-s.done
			}
		})
	}
}

// Publish 投递事件，不会阻塞。
func (b *Bus) Publish(evt Event) {
	if b == nil {
		return
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		select {
		case sub.ch <- evt:
		default:
			b.logger.Warn("事件队列已满，丢弃事件",
				zap.String("type", string(evt.Type)),
				zap.String("subject", evt.SubjectID),
			)
		}
	}
}

// Close 关闭所有订阅并等待处理完成。
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[int]*subscriber)
	b.mu.Unlock()

	for _, sub := range subs {
		close(sub.ch)
		<-sub.done
	}
}
