// ws.go — WebSocket 订阅客户端: 连接、心跳、重连。
package transport

import (
	"context"
	"encoding/json"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/multi-agent/agent-timeline/internal/message"
	apperrors "github.com/multi-agent/agent-timeline/pkg/errors"
	"github.com/multi-agent/agent-timeline/pkg/logger"
	"github.com/multi-agent/agent-timeline/pkg/util"
)

// WSClient 基于 WebSocket 的事件流订阅端。
type WSClient struct {
	baseURL string

	wsMu   sync.Mutex
	conn   *websocket.Conn
	lastTS atomic.Int64
}

// NewWSClient 创建 WebSocket 客户端。baseURL 接受 http(s) 或 ws(s) 形态。
func NewWSClient(baseURL string) *WSClient {
	return &WSClient{baseURL: strings.TrimRight(baseURL, "/")}
}

// Subscribe 订阅事件流。读循环断线后按指数退避重连并续传游标,
// 重连耗尽或 ctx 取消后关闭通道。
func (c *WSClient) Subscribe(ctx context.Context, workflowID, runID string, since int64) (<-chan message.Message, error) {
	if workflowID == "" || runID == "" {
		return nil, apperrors.New("WSClient.Subscribe", "workflow and run id required")
	}
	c.lastTS.Store(since)
	out := make(chan message.Message, 64)

	util.SafeGo(func() {
		defer close(out)
		defer c.closeConn()
		for attempt := 1; attempt <= streamMaxRetries; attempt++ {
			if !sleepWithContext(ctx, reconnectDelay(attempt)) {
				return
			}
			conn, err := c.dial(ctx, workflowID, runID)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				logger.Warn("transport: ws dial failed",
					logger.FieldWorkflowID, workflowID,
					logger.FieldRunID, runID,
					"attempt", attempt,
					logger.FieldError, err,
				)
				continue
			}
			c.replaceConn(conn)
			stopPing := make(chan struct{})
			util.SafeGo(func() { c.pingLoop(ctx, conn, stopPing) })
			// ctx 取消时关掉连接, 把阻塞中的 ReadMessage 立即唤醒
			util.SafeGo(func() {
				select {
				case <-ctx.Done():
					_ = conn.Close()
				case <-stopPing:
				}
			})

			readErr := c.readLoop(ctx, conn, out)
			close(stopPing)
			if ctx.Err() != nil {
				return
			}
			if readErr == nil {
				// 对端正常关闭
				return
			}
			// 有进展则重置退避
			if since < c.lastTS.Load() {
				since = c.lastTS.Load()
				attempt = 0
			}
			logger.Warn("transport: ws stream interrupted",
				logger.FieldWorkflowID, workflowID,
				logger.FieldRunID, runID,
				"attempt", attempt,
				logger.FieldError, readErr,
			)
		}
		logger.Error("transport: ws reconnect exhausted",
			logger.FieldWorkflowID, workflowID,
			logger.FieldRunID, runID,
		)
	})
	return out, nil
}

func (c *WSClient) dial(ctx context.Context, workflowID, runID string) (*websocket.Conn, error) {
	wsURL, err := c.endpoint(workflowID, runID)
	if err != nil {
		return nil, err
	}
	dialer := websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
		NetDialContext:   (&net.Dialer{Timeout: handshakeTimeout}).DialContext,
	}
	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, err
	}
	if conn == nil {
		return nil, apperrors.New("WSClient.dial", "dial returned nil websocket connection")
	}
	_ = conn.SetReadDeadline(time.Now().Add(readIdleTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(readIdleTimeout))
		return nil
	})
	return conn, nil
}

// endpoint 拼装 ws 端点并换算 scheme。
func (c *WSClient) endpoint(workflowID, runID string) (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", apperrors.Wrap(err, "WSClient.endpoint", "parse base url")
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", apperrors.Newf("WSClient.endpoint", "unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + runEventsPath(workflowID, runID) + "/ws"
	q := u.Query()
	q.Set("since", strconv.FormatInt(c.lastTS.Load(), 10))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *WSClient) readLoop(ctx context.Context, conn *websocket.Conn, out chan<- message.Message) error {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return apperrors.Wrap(err, "WSClient.readLoop", "read")
		}
		if msgType != websocket.TextMessage {
			continue
		}
		var m message.Message
		if err := json.Unmarshal(data, &m); err != nil {
			logger.Warn("transport: drop unparsable ws frame", logger.FieldError, err)
			continue
		}
		if m.TS > c.lastTS.Load() {
			c.lastTS.Store(m.TS)
		}
		select {
		case out <- m:
		case <-ctx.Done():
			return nil
		}
	}
}

func (c *WSClient) pingLoop(ctx context.Context, conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			deadline := time.Now().Add(handshakeTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		case <-stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (c *WSClient) replaceConn(conn *websocket.Conn) {
	c.wsMu.Lock()
	prev := c.conn
	c.conn = conn
	c.wsMu.Unlock()
	if prev != nil && prev != conn {
		_ = prev.Close()
	}
}

func (c *WSClient) closeConn() {
	c.wsMu.Lock()
	defer c.wsMu.Unlock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}
