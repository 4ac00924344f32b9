// Package bus 提供进程内事件总线。
//
// session.Controller 将 timeline/流式/状态变化发布到总线,
// dashboard 的 SSE 出口与审计落库通过订阅或全局回调桥接。
package bus

import (
	"encoding/json"
	"sync"
	"time"
)

// Event 总线事件。
type Event struct {
	Topic      string          `json:"topic"` // session.{run_id}.timeline 等
	WorkflowID string          `json:"workflow_id"`
	RunID      string          `json:"run_id"`
	Type       string          `json:"type"`    // 事件类型常量
	Payload    json.RawMessage `json:"payload"` // 具体数据
	Timestamp  time.Time       `json:"timestamp"`
	Seq        int64           `json:"seq"` // 全局序列号
}

// 事件类型常量。
const (
	// EvtTimelineInsert timeline 新增条目。
	EvtTimelineInsert = "timeline.insert"
	// EvtTimelineReplace 乐观占位被真实消息替换。
	EvtTimelineReplace = "timeline.replace"
	// EvtStreamingFlush 流式缓冲发布了一批内容。
	EvtStreamingFlush = "streaming.flush"
	// EvtFilesUpdate 文件处理状态变化。
	EvtFilesUpdate = "files.update"
	// EvtStateChange 会话状态机迁移。
	EvtStateChange = "state.change"
	// EvtSessionSwitch 活跃 run 切换。
	EvtSessionSwitch = "session.switch"
)

// Topic 模式常量。
const (
	// TopicSessionPrefix 会话事件前缀: session.{run_id}.{subtopic}。
	TopicSessionPrefix = "session."
	// TopicSystem 系统事件。
	TopicSystem = "system"
	// TopicAll 广播 (所有订阅者收到)。
	TopicAll = "*"
)

// SessionTopic 拼装会话子主题, 如 SessionTopic("run-1", "timeline")。
func SessionTopic(runID, sub string) string {
	return TopicSessionPrefix + runID + "." + sub
}

// Subscriber 订阅者。
type Subscriber struct {
	ID     string     // 唯一标识
	Filter string     // topic 前缀过滤 ("session.run-1" / "*" / "system")
	Ch     chan Event // 事件通道
}

// EventBus 进程内事件总线。
//
// 支持 topic 前缀匹配和广播:
//   - 订阅 "session.run-1" → 收到 session.run-1.timeline 等
//   - 订阅 "*" → 收到所有事件
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[string]*Subscriber // key = subscriber ID
	seq         int64
	onPublish   func(Event) // 可选: 每条事件的全局回调 (用于桥接 SSE/落库)
}

// NewEventBus 创建事件总线。
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[string]*Subscriber),
	}
}

// SetOnPublish 设置全局发布回调。
func (b *EventBus) SetOnPublish(fn func(Event)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onPublish = fn
}

// Publish 发布事件到匹配的订阅者。
//
// seq 递增和 fan-out 在同一把锁下执行, 保证事件到达顺序与 seq 一致。
func (b *EventBus) Publish(evt Event) {
	b.mu.Lock()
	b.seq++
	evt.Seq = b.seq
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	onPub := b.onPublish

	for _, sub := range b.subscribers {
		if matchTopic(sub.Filter, evt.Topic) {
			select {
			case sub.Ch <- evt:
			default:
				// 通道满, 丢弃 (避免阻塞发布者)
			}
		}
	}
	b.mu.Unlock()

	// 全局回调在锁外执行
	if onPub != nil {
		onPub(evt)
	}
}

// Subscribe 订阅事件。filter 为 topic 前缀。
func (b *EventBus) Subscribe(id, filter string) *Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscriber{
		ID:     id,
		Filter: filter,
		Ch:     make(chan Event, 64),
	}
	b.subscribers[id] = sub
	return sub
}

// Unsubscribe 取消订阅。
func (b *EventBus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub, ok := b.subscribers[id]; ok {
		close(sub.Ch)
		delete(b.subscribers, id)
	}
}

// SubscriberCount 返回当前订阅者数量。
func (b *EventBus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Seq 返回当前序列号。
func (b *EventBus) Seq() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.seq
}

// matchTopic 检查 topic 是否匹配 filter。
//
// 规则:
//   - filter "*" 匹配所有 topic
//   - filter "session.run-1" 匹配 "session.run-1", "session.run-1.timeline"
func matchTopic(filter, topic string) bool {
	if filter == TopicAll {
		return true
	}
	if topic == filter {
		return true
	}
	if len(topic) > len(filter) && topic[:len(filter)] == filter && topic[len(filter)] == '.' {
		return true
	}
	return false
}
