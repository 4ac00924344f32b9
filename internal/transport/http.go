// http.go — 上游 HTTP API: run 状态查询与历史拉取。
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/multi-agent/agent-timeline/internal/message"
	apperrors "github.com/multi-agent/agent-timeline/pkg/errors"
)

// RunStatus 上游报告的 run 状态。
type RunStatus struct {
	WorkflowID string `json:"workflow_id"`
	RunID      string `json:"run_id"`
	Status     string `json:"status"`
	Streaming  bool   `json:"streaming"`
	LastTS     int64  `json:"last_ts"`
}

// APIClient 上游 REST 客户端。历史拉取与状态查询走这里, 事件流走
// SSEClient/WSClient。
type APIClient struct {
	baseURL string
	httpCli *http.Client
}

// NewAPIClient 创建 REST 客户端。
func NewAPIClient(baseURL string, timeout time.Duration) *APIClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &APIClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpCli: &http.Client{Timeout: timeout},
	}
}

// GetRunStatus 查询 run 当前状态。
func (c *APIClient) GetRunStatus(ctx context.Context, workflowID, runID string) (*RunStatus, error) {
	var status RunStatus
	path := fmt.Sprintf("/workflows/%s/runs/%s", workflowID, runID)
	if err := c.getJSON(ctx, path, &status); err != nil {
		return nil, apperrors.Wrapf(err, "APIClient.GetRunStatus", "run %s/%s", workflowID, runID)
	}
	return &status, nil
}

// FetchHistory 拉取 run 的历史消息, since 之后 (不含) 升序返回。
// limit <= 0 表示上游默认值。
func (c *APIClient) FetchHistory(ctx context.Context, workflowID, runID string, since int64, limit int) ([]message.Message, error) {
	path := fmt.Sprintf("/workflows/%s/runs/%s/messages?since=%d", workflowID, runID, since)
	if limit > 0 {
		path += fmt.Sprintf("&limit=%d", limit)
	}
	var out []message.Message
	if err := c.getJSON(ctx, path, &out); err != nil {
		return nil, apperrors.Wrapf(err, "APIClient.FetchHistory", "run %s/%s", workflowID, runID)
	}
	return out, nil
}

// PostMessage 向 run 提交一条用户消息, 返回上游回执。
func (c *APIClient) PostMessage(ctx context.Context, workflowID, runID string, text string) error {
	path := fmt.Sprintf("/workflows/%s/runs/%s/messages", workflowID, runID)
	body := map[string]string{"message": text}
	return c.postJSON(ctx, path, body, nil, http.StatusOK, http.StatusCreated, http.StatusAccepted)
}

// ========================================
// HTTP 辅助
// ========================================

// postJSON POST JSON 请求。out 为 nil 时不解析响应体。
func (c *APIClient) postJSON(ctx context.Context, path string, reqBody any, out any, okStatus ...int) error {
	data, err := json.Marshal(reqBody)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpCli.Do(req)
	if err != nil {
		return apperrors.Wrapf(err, "APIClient.postJSON", "POST %s", path)
	}
	defer resp.Body.Close()
	if !statusOK(resp.StatusCode, okStatus) {
		body, _ := io.ReadAll(resp.Body)
		return apperrors.Newf("APIClient.postJSON", "POST %s status %d: %s", path, resp.StatusCode, body)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// getJSON GET 请求并解析 JSON。
func (c *APIClient) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpCli.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return apperrors.Newf("APIClient.getJSON", "GET %s status %d: %s", path, resp.StatusCode, body)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func statusOK(code int, allowed []int) bool {
	if len(allowed) == 0 {
		return code >= 200 && code < 300
	}
	for _, status := range allowed {
		if code == status {
			return true
		}
	}
	return false
}
