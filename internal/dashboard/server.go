// Package dashboard 提供 timeline 只读视图与会话控制的 HTTP 服务。
package dashboard

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/multi-agent/agent-timeline/internal/bus"
	"github.com/multi-agent/agent-timeline/internal/session"
	"github.com/multi-agent/agent-timeline/internal/store"
)

// Server Dashboard HTTP 服务。
type Server struct {
	router    *gin.Engine
	manager   *session.Manager
	messages  *store.RunMessageStore // nil 时历史/搜索接口降级
	sse       *EventBus
	keepalive time.Duration
}

// NewServer 创建 Dashboard 服务。evtBus 非 nil 时其全部事件桥接到 SSE 出口。
// keepalive <= 0 时采用 30 秒。
func NewServer(manager *session.Manager, messages *store.RunMessageStore, evtBus *bus.EventBus, keepalive time.Duration) *Server {
	if keepalive <= 0 {
		keepalive = 30 * time.Second
	}
	r := gin.Default()
	s := &Server{router: r, manager: manager, messages: messages, sse: NewEventBus(), keepalive: keepalive}
	if evtBus != nil {
		evtBus.SetOnPublish(s.sse.Publish)
	}
	s.registerRoutes()
	return s
}

// Engine 返回 Gin 引擎。
func (s *Server) Engine() *gin.Engine { return s.router }

// Bus 返回 SSE 事件总线。
func (s *Server) Bus() *EventBus { return s.sse }
