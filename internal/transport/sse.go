// sse.go — SSE 订阅客户端: 帧解析、重连、游标续传。
package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/multi-agent/agent-timeline/internal/message"
	apperrors "github.com/multi-agent/agent-timeline/pkg/errors"
	"github.com/multi-agent/agent-timeline/pkg/logger"
	"github.com/multi-agent/agent-timeline/pkg/util"
)

// SSEClient 基于 Server-Sent Events 的事件流订阅端。
type SSEClient struct {
	baseURL string
	httpCli *http.Client
	lastTS  atomic.Int64 // 重连续传游标
}

// NewSSEClient 创建 SSE 客户端。流式请求不设整体超时, 生命周期由 ctx 控制。
func NewSSEClient(baseURL string) *SSEClient {
	return &SSEClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpCli: &http.Client{},
	}
}

// Subscribe 订阅事件流。内部读循环断线后按指数退避重连,
// 以最后一条消息的时间戳续传; 重连耗尽或 ctx 取消后关闭通道。
func (c *SSEClient) Subscribe(ctx context.Context, workflowID, runID string, since int64) (<-chan message.Message, error) {
	if workflowID == "" || runID == "" {
		return nil, apperrors.New("SSEClient.Subscribe", "workflow and run id required")
	}
	c.lastTS.Store(since)
	out := make(chan message.Message, 64)

	util.SafeGo(func() {
		defer close(out)
		for attempt := 1; attempt <= streamMaxRetries; attempt++ {
			if !sleepWithContext(ctx, reconnectDelay(attempt)) {
				return
			}
			err := c.streamOnce(ctx, workflowID, runID, out)
			if ctx.Err() != nil {
				return
			}
			if err == nil {
				// 上游正常结束事件流
				return
			}
			// 读到过数据就重置重试计数
			if c.lastTS.Load() > since {
				since = c.lastTS.Load()
				attempt = 0
			}
			logger.Warn("transport: sse stream interrupted",
				logger.FieldWorkflowID, workflowID,
				logger.FieldRunID, runID,
				"attempt", attempt,
				logger.FieldError, err,
			)
		}
		logger.Error("transport: sse reconnect exhausted",
			logger.FieldWorkflowID, workflowID,
			logger.FieldRunID, runID,
		)
	})
	return out, nil
}

// streamOnce 建立一次 SSE 连接并读取到断开为止。
func (c *SSEClient) streamOnce(ctx context.Context, workflowID, runID string, out chan<- message.Message) error {
	url := c.baseURL + runEventsPath(workflowID, runID)
	url += "?since=" + strconv.FormatInt(c.lastTS.Load(), 10)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.httpCli.Do(req)
	if err != nil {
		return apperrors.Wrap(err, "SSEClient.streamOnce", "connect")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return apperrors.Newf("SSEClient.streamOnce", "status %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			// 空行 = 帧结束, 分发
			if data.Len() > 0 {
				c.dispatch(ctx, data.String(), out)
				data.Reset()
			}
		case strings.HasPrefix(line, ":"):
			// keepalive 注释, 忽略
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		default:
			// event:/id:/retry: 字段当前不参与路由
		}
	}
	if err := scanner.Err(); err != nil {
		return apperrors.Wrap(err, "SSEClient.streamOnce", "read")
	}
	return nil
}

func (c *SSEClient) dispatch(ctx context.Context, payload string, out chan<- message.Message) {
	var m message.Message
	if err := json.Unmarshal([]byte(payload), &m); err != nil {
		logger.Warn("transport: drop unparsable sse frame", logger.FieldError, err)
		return
	}
	if m.TS > c.lastTS.Load() {
		c.lastTS.Store(m.TS)
	}
	select {
	case out <- m:
	case <-ctx.Done():
	}
}

func sleepWithContext(ctx context.Context, delay time.Duration) bool {
	if delay <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
