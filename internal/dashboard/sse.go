// sse.go — SSE 事件总线 + handler。
package dashboard

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/multi-agent/agent-timeline/internal/bus"
	"github.com/multi-agent/agent-timeline/pkg/logger"
)

// EventBus SSE 推送出口, 承载会话事件 bus.Event 的逐客户端扇出。
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[string]chan bus.Event
}

// NewEventBus 创建事件总线。
func NewEventBus() *EventBus {
	return &EventBus{subscribers: make(map[string]chan bus.Event)}
}

// Publish 广播事件。慢客户端丢事件, 不阻塞发布方。
func (b *EventBus) Publish(event bus.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
}

// Subscribe 订阅。
func (b *EventBus) Subscribe(id string) chan bus.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan bus.Event, 32)
	b.subscribers[id] = ch
	return ch
}

// Unsubscribe 取消订阅。
//
// 不关闭 ch — sseHandler 通过 ctx.Done() 退出, GC 回收未引用的 channel。
func (b *EventBus) Unsubscribe(id string) {
	b.mu.Lock()
	delete(b.subscribers, id)
	b.mu.Unlock()
}

// sseHandler Gin SSE handler。
func (s *Server) sseHandler(c *gin.Context) {
	clientID := fmt.Sprintf("sse-%d", time.Now().UnixNano())
	ch := s.sse.Subscribe(clientID)
	defer func() {
		s.sse.Unsubscribe(clientID)
		logger.Info("dashboard: SSE client disconnected", logger.FieldSubscriber, clientID)
	}()

	logger.Info("dashboard: SSE client connected", logger.FieldSubscriber, clientID)

	c.Stream(func(w io.Writer) bool {
		// 复用 timer 避免每次循环创建新定时器 (GC 压力)
		keepalive := time.NewTimer(s.keepalive)
		defer keepalive.Stop()

		for {
			select {
			case evt, ok := <-ch:
				if !ok {
					return false
				}
				c.SSEvent(evt.Type, evt)
				if !keepalive.Stop() {
					select {
					case <-keepalive.C:
					default:
					}
				}
				keepalive.Reset(s.keepalive)
				return true
			case <-keepalive.C:
				c.SSEvent("ping", "keepalive")
				keepalive.Reset(s.keepalive)
				return true
			case <-c.Request.Context().Done():
				return false
			}
		}
	})
}
