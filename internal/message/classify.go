package message

import "strings"

// Category 消息的路由归类, 决定下游如何处理。
type Category string

const (
	// CategoryStreamChunk 流式分块, 进聚合缓冲而非 timeline。
	CategoryStreamChunk Category = "stream_chunk"
	// CategoryFileStatus 文件处理状态 system 消息。
	CategoryFileStatus Category = "file_status"
	// CategoryTerminal 状态终结消息 (complete/idle/terminated/request_input)。
	CategoryTerminal Category = "terminal"
	// CategoryToolActivity 携带工具调用标记的内容消息。
	CategoryToolActivity Category = "tool_activity"
	// CategoryContent 普通内容消息, 进 timeline。
	CategoryContent Category = "content"
	// CategoryIgnore 空载消息, 丢弃。
	CategoryIgnore Category = "ignore"
)

// Classify 将消息归入互斥类别。判定顺序即优先级:
// 流式分块与文件状态基于结构判定, 先于终结态检查;
// 工具活动基于 details 标记, 先于普通内容。
func Classify(m Message) Category {
	if m.Kind == KindStreamChunk {
		return CategoryStreamChunk
	}
	if m.Kind == KindSystem && m.Details.SystemType == SystemTypeFileProcessing && len(m.Details.Files) > 0 {
		return CategoryFileStatus
	}

	switch m.Kind {
	case KindComplete, KindIdle, KindTerminated, KindRequestInput:
		return CategoryTerminal
	}

	if m.Details.ToolName != "" || m.Details.ToolPreamble {
		return CategoryToolActivity
	}
	if strings.TrimSpace(m.Text) != "" {
		return CategoryContent
	}
	return CategoryIgnore
}

// IsTerminal 返回消息是否终结一次 run 的活跃态。
func IsTerminal(m Message) bool {
	return Classify(m) == CategoryTerminal
}

// InsertsIntoTimeline 返回该类别的消息是否应插入 timeline。
// 终结态消息本身也作为 timeline 条目呈现。
func InsertsIntoTimeline(c Category) bool {
	switch c {
	case CategoryContent, CategoryToolActivity, CategoryTerminal:
		return true
	default:
		return false
	}
}
