// Package message 定义 agent 事件流的消息模型与分类器。
//
// 时间戳双态 (数值 epoch / ISO 字符串) 在反序列化边界统一归一化为
// epoch 毫秒, 不向系统深处传递。details 属性包按 tagged-union 策略建模:
// 已识别键提升为类型化字段, 其余进入 Extra 透传。
package message

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Kind 消息类型。
type Kind string

const (
	KindThought       Kind = "thought"
	KindAnswer        Kind = "answer"
	KindQuestion      Kind = "question"
	KindComplete      Kind = "complete"
	KindIdle          Kind = "idle"
	KindTerminated    Kind = "terminated"
	KindRequestInput  Kind = "request_input"
	KindUpdate        Kind = "update"
	KindPlan          Kind = "plan"
	KindError         Kind = "error"
	KindWarning       Kind = "warning"
	KindSystem        Kind = "system"
	KindStreamChunk   Kind = "streaming_chunk"
	KindBatchProgress Kind = "batch_progress"
)

// DefaultWorkstream 未标注 workstream 的消息归入的默认泳道。
const DefaultWorkstream = "main"

// SystemTypeFileProcessing system 消息中文件处理状态的标记值。
const SystemTypeFileProcessing = "file_processing"

// FileStatus 单个文件的处理状态。
type FileStatus struct {
	ID     string `json:"id"`
	Name   string `json:"name,omitempty"`
	Status string `json:"status,omitempty"`
}

// Details 消息属性包。已识别键提升为字段, 未识别键保留在 Extra。
type Details struct {
	ActivityGroupID string         `json:"activity_group_id,omitempty"`
	ActivityID      string         `json:"activity_id,omitempty"`
	StreamingID     string         `json:"streaming_id,omitempty"`
	ToolName        string         `json:"tool_name,omitempty"`
	ToolStatus      string         `json:"tool_status,omitempty"`
	SystemType      string         `json:"system_type,omitempty"`
	IsFinal         bool           `json:"is_final,omitempty"`
	Optimistic      bool           `json:"optimistic,omitempty"`
	ToolPreamble    bool           `json:"tool_preamble,omitempty"`
	Files           []FileStatus   `json:"files,omitempty"`
	Extra           map[string]any `json:"-"`
}

// Message 一条 agent 活动记录。TS 为归一化后的 epoch 毫秒。
type Message struct {
	Kind         Kind    `json:"type"`
	TS           int64   `json:"ts"`
	Text         string  `json:"message,omitempty"`
	Details      Details `json:"details"`
	WorkstreamID string  `json:"workstream_id"`
}

// CorrelationKey 返回流式分块的关联键: activity_id 优先, streaming_id 兜底。
// 两者皆空时返回空串 (该分块不可归位, 按约定丢弃)。
func (m Message) CorrelationKey() string {
	if m.Details.ActivityID != "" {
		return m.Details.ActivityID
	}
	return m.Details.StreamingID
}

// IsOptimistic 返回消息是否为客户端乐观占位。
func (m Message) IsOptimistic() bool { return m.Details.Optimistic }

// wireMessage 反序列化中间形态: timestamp/message 保留原始 JSON 以便归一化。
type wireMessage struct {
	Type         string          `json:"type"`
	Timestamp    json.RawMessage `json:"timestamp"`
	Message      json.RawMessage `json:"message"`
	Details      map[string]any  `json:"details"`
	WorkstreamID string          `json:"workstream_id"`
}

// UnmarshalJSON 实现边界归一化: 时间戳 → epoch 毫秒, payload → 字符串,
// details → tagged union, workstream 缺省 → "main"。
func (m *Message) UnmarshalJSON(data []byte) error {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	m.Kind = Kind(w.Type)
	m.TS = NormalizeTimestamp(w.Timestamp)
	m.Text = normalizeText(w.Message)
	m.Details = DecodeDetails(w.Details)
	m.WorkstreamID = strings.TrimSpace(w.WorkstreamID)
	if m.WorkstreamID == "" {
		m.WorkstreamID = DefaultWorkstream
	}
	return nil
}

// NormalizeTimestamp 将数值或 ISO 字符串时间戳归一化为 epoch 毫秒。
// 无法解析时返回 0 (排在 timeline 最前, 而非丢失消息)。
func NormalizeTimestamp(raw json.RawMessage) int64 {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return 0
	}

	// 数值形态: 直接透传 (毫秒)
	if trimmed[0] != '"' {
		if v, err := strconv.ParseFloat(trimmed, 64); err == nil {
			return int64(v)
		}
		return 0
	}

	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0
	}
	return parseTimeString(s)
}

// parseTimeString 依次尝试常见 ISO 形态。
func parseTimeString(s string) int64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	for _, layout := range []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02T15:04:05.999999999", // 无时区 ISO
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
	} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UnixMilli()
		}
	}
	// 字符串形态的纯数字时间戳也出现过
	if v, err := strconv.ParseFloat(s, 64); err == nil {
		return int64(v)
	}
	return 0
}

// normalizeText 将 payload 归一化为字符串: 字符串直取, 结构化序列化为紧凑 JSON。
func normalizeText(raw json.RawMessage) string {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return ""
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s
		}
	}
	return trimmed
}

// DecodeDetails 将原始属性包解码为 tagged union。
// 未识别的键全部进入 Extra, 保持向前兼容。
func DecodeDetails(raw map[string]any) Details {
	if len(raw) == 0 {
		return Details{}
	}
	d := Details{}
	for key, value := range raw {
		switch key {
		case "activity_group_id":
			d.ActivityGroupID = asString(value)
		case "activity_id":
			d.ActivityID = asString(value)
		case "streaming_id":
			d.StreamingID = asString(value)
		case "tool_name":
			d.ToolName = asString(value)
		case "tool_status":
			d.ToolStatus = asString(value)
		case "system_type":
			d.SystemType = asString(value)
		case "is_final":
			d.IsFinal = asBool(value)
		case "optimistic":
			d.Optimistic = asBool(value)
		case "tool_preamble":
			d.ToolPreamble = asBool(value)
		case "files":
			d.Files = decodeFiles(value)
		default:
			if d.Extra == nil {
				d.Extra = map[string]any{}
			}
			d.Extra[key] = value
		}
	}
	return d
}

func decodeFiles(value any) []FileStatus {
	items, ok := value.([]any)
	if !ok || len(items) == 0 {
		return nil
	}
	out := make([]FileStatus, 0, len(items))
	for _, item := range items {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		id := strings.TrimSpace(asString(entry["id"]))
		if id == "" {
			continue
		}
		out = append(out, FileStatus{
			ID:     id,
			Name:   asString(entry["name"]),
			Status: asString(entry["status"]),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func asString(value any) string {
	s, _ := value.(string)
	return s
}

func asBool(value any) bool {
	switch v := value.(type) {
	case bool:
		return v
	case string:
		return v == "true" || v == "1"
	default:
		return false
	}
}
