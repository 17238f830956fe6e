package logbus

import (
	"sync"
	"time"
)

type Event struct {
	Type string `json:"type"`
	Time int64  `json:"time"`
	Data any    `json:"data"`
}

type LogData struct {
	Level  string         `json:"level"`
	Msg    string         `json:"msg"`
	Fields map[string]any `json:"fields,omitempty"`
}

// Bus 环形缓冲 + 订阅推送。订阅方消费慢时事件直接丢弃，绝不阻塞发布者。
type Bus struct {
	mu     sync.RWMutex
	buf    []Event
	cap    int
	subs   map[chan Event]struct{}
	closed bool
}

func New(capacity int) *Bus {
	if capacity <= 0 {
		capacity = 200
	}
	return &Bus{
		cap:  capacity,
		buf:  make([]Event, 0, capacity),
		subs: make(map[chan Event]struct{}),
	}
}

func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for ch := range b.subs {
		close(ch)
	}
	b.subs = nil
	b.buf = nil
}

// Subscribe 返回历史快照和后续事件通道；快照和订阅在同一把锁下完成，
// 避免两步之间漏掉事件。
func (b *Bus) Subscribe(buffer int) (replay []Event, ch <-chan Event, cancel func()) {
	if buffer <= 0 {
		buffer = 64
	}
	c := make(chan Event, buffer)

	b.mu.Lock()
	if b.closed {
		close(c)
		b.mu.Unlock()
		return nil, c, func() {}
	}
	replay = make([]Event, len(b.buf))
	copy(replay, b.buf)
	b.subs[c] = struct{}{}
	b.mu.Unlock()

	cancel = func() {
		b.mu.Lock()
		if b.subs != nil {
			if _, ok := b.subs[c]; ok {
				delete(b.subs, c)
				close(c)
			}
		}
		b.mu.Unlock()
	}
	return replay, c, cancel
}

func (b *Bus) Publish(typ string, data any) {
	evt := Event{
		Type: typ,
		Time: time.Now().UnixMilli(),
		Data: data,
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	if len(b.buf) < b.cap {
		b.buf = append(b.buf, evt)
	} else if b.cap > 0 {
		copy(b.buf, b.buf[1:])
		b.buf[b.cap-1] = evt
	}
	for ch := range b.subs {
		select {
		case ch <- evt:
		default:
		}
	}
	b.mu.Unlock()
}

func (b *Bus) Log(level, message string, fields map[string]any) {
	b.Publish("log", LogData{Level: level, Msg: message, Fields: fields})
}
