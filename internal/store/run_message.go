// run_message.go — run_messages 表 CRUD (timeline 持久化)。
//
// 每条进入 timeline 的消息落一行, 重启后可按 run 回灌。
package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/multi-agent/agent-timeline/internal/message"
	apperrors "github.com/multi-agent/agent-timeline/pkg/errors"
)

// RunMessage run 消息记录。
type RunMessage struct {
	ID           int64           `db:"id" json:"id"`
	WorkflowID   string          `db:"workflow_id" json:"workflowId"`
	RunID        string          `db:"run_id" json:"runId"`
	Kind         string          `db:"kind" json:"kind"`
	WorkstreamID string          `db:"workstream_id" json:"workstreamId"`
	Content      string          `db:"content" json:"content"`
	Details      json.RawMessage `db:"details" json:"details,omitempty"`
	TsMs         int64           `db:"ts_ms" json:"tsMs"`
	CreatedAt    time.Time       `db:"created_at" json:"createdAt"`
}

// RunMessageStore run_messages 存储。
type RunMessageStore struct{ BaseStore }

// NewRunMessageStore 创建。
func NewRunMessageStore(pool *pgxpool.Pool) *RunMessageStore {
	return &RunMessageStore{NewBaseStore(pool)}
}

const rmCols = "id, workflow_id, run_id, kind, workstream_id, content, details, ts_ms, created_at"

// Insert 写入单条消息。同一 run 内 ts_ms 唯一, 冲突行直接跳过
// (时间戳即身份, 重复到达不算错误)。
func (s *RunMessageStore) Insert(ctx context.Context, msg *RunMessage) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO run_messages (workflow_id, run_id, kind, workstream_id, content, details, ts_ms, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (run_id, ts_ms) DO NOTHING`,
		msg.WorkflowID, msg.RunID, msg.Kind, msg.WorkstreamID, msg.Content, msg.Details, msg.TsMs, msg.CreatedAt)
	if err != nil {
		return apperrors.Wrapf(err, "RunMessageStore.Insert", "run %s ts %d", msg.RunID, msg.TsMs)
	}
	return nil
}

// SaveMessage 将领域消息落库。实现 session.MessageSink。
func (s *RunMessageStore) SaveMessage(ctx context.Context, workflowID, runID string, m message.Message) error {
	details, err := json.Marshal(m.Details)
	if err != nil {
		return apperrors.Wrap(err, "RunMessageStore.SaveMessage", "marshal details")
	}
	return s.Insert(ctx, &RunMessage{
		WorkflowID:   workflowID,
		RunID:        runID,
		Kind:         string(m.Kind),
		WorkstreamID: m.WorkstreamID,
		Content:      m.Text,
		Details:      details,
		TsMs:         m.TS,
	})
}

// ListByRun 按 run 查询消息, ts 升序 (timeline 顺序)。
//
//	since=0 → 从头; since>0 → ts_ms > since
func (s *RunMessageStore) ListByRun(ctx context.Context, runID string, since int64, limit int) ([]RunMessage, error) {
	qb := NewQueryBuilder().Eq("run_id", runID).GtInt64("ts_ms", since)
	sql, params := qb.Build("SELECT "+rmCols+" FROM run_messages", "ts_ms ASC, id ASC", limit)
	rows, err := s.pool.Query(ctx, sql, params...)
	if err != nil {
		return nil, err
	}
	return collectRows[RunMessage](rows)
}

// Search 按关键词搜索某 workflow 的消息内容, 最新在前。
func (s *RunMessageStore) Search(ctx context.Context, workflowID, keyword string, limit int) ([]RunMessage, error) {
	qb := NewQueryBuilder().Eq("workflow_id", workflowID).KeywordLike(keyword, "content", "kind")
	sql, params := qb.Build("SELECT "+rmCols+" FROM run_messages", "ts_ms DESC", limit)
	rows, err := s.pool.Query(ctx, sql, params...)
	if err != nil {
		return nil, err
	}
	return collectRows[RunMessage](rows)
}

// CountByRun 统计某 run 的消息总数。
func (s *RunMessageStore) CountByRun(ctx context.Context, runID string) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM run_messages WHERE run_id=$1", runID).Scan(&count)
	return count, err
}

// LastTS 返回某 run 的最大时间戳, 无记录返回 0。回灌游标用。
func (s *RunMessageStore) LastTS(ctx context.Context, runID string) (int64, error) {
	var ts int64
	err := s.pool.QueryRow(ctx,
		"SELECT COALESCE(MAX(ts_ms), 0) FROM run_messages WHERE run_id=$1", runID).Scan(&ts)
	return ts, err
}

// DeleteByRun 删除某 run 的所有消息。
func (s *RunMessageStore) DeleteByRun(ctx context.Context, runID string) error {
	_, err := s.pool.Exec(ctx, "DELETE FROM run_messages WHERE run_id=$1", runID)
	return err
}

// ListWorkstreams 返回某 run 出现过的 workstream 去重列表。
func (s *RunMessageStore) ListWorkstreams(ctx context.Context, runID string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT DISTINCT workstream_id FROM run_messages WHERE run_id=$1 ORDER BY workstream_id", runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var values []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		values = append(values, v)
	}
	return values, rows.Err()
}
