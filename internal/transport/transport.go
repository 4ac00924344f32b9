// Package transport 实现 agent 事件流的订阅端: SSE 与 WebSocket 两种传输。
//
// 两种客户端共享同一订阅契约: Subscribe 返回消息通道, 内部读循环负责
// 解析、重连与游标续传, ctx 取消即终止并关闭通道。
package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/multi-agent/agent-timeline/internal/message"
)

const (
	handshakeTimeout   = 5 * time.Second
	readIdleTimeout    = 60 * time.Second
	pingInterval       = 20 * time.Second
	reconnectBaseDelay = 500 * time.Millisecond
	reconnectMaxDelay  = 10 * time.Second
	streamMaxRetries   = 5
)

// Subscriber 事件流订阅端。SSEClient 与 WSClient 均实现此接口。
type Subscriber interface {
	// Subscribe 开始订阅指定 run 的事件流。since 为时间戳游标,
	// 只接收其后的消息 (0 表示从头)。返回的通道在 ctx 取消或
	// 重连耗尽后关闭。
	Subscribe(ctx context.Context, workflowID, runID string, since int64) (<-chan message.Message, error)
}

// runEventsPath 单次 run 事件流的资源路径。
func runEventsPath(workflowID, runID string) string {
	return fmt.Sprintf("/workflows/%s/runs/%s/events", workflowID, runID)
}

// reconnectDelay 指数退避, 首次重试不等待。
func reconnectDelay(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	delay := reconnectBaseDelay
	for i := 2; i < attempt; i++ {
		delay *= 2
		if delay >= reconnectMaxDelay {
			return reconnectMaxDelay
		}
	}
	if delay > reconnectMaxDelay {
		return reconnectMaxDelay
	}
	return delay
}
