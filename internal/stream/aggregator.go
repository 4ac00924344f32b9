// Package stream 聚合流式分块。
//
// 每个关联键维护两段缓冲: pending (已到达未发布) 与 published (已发布)。
// 分块先进 pending, 由外部节拍调用 Flush 批量搬运到 published,
// 读侧只看 published, 写放大被节拍约束而非逐块放大。
package stream

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// Entry 单个关联键的已发布视图。
type Entry struct {
	Key          string `json:"key"`
	WorkstreamID string `json:"workstream_id"`
	StartTS      int64  `json:"start_ts"` // 首个分块的时间戳, 毫秒
	Text         string `json:"text"`
	Active       bool   `json:"active"`
	Final        bool   `json:"final"`
	Pending      int    `json:"pending"` // 未发布字节数
}

type buffer struct {
	pending    strings.Builder
	published  string
	workstream string
	startTS    int64
	active     bool
	final      bool
	flashTimer *time.Timer
}

// Aggregator 流式分块聚合器。并发安全。
type Aggregator struct {
	mu      sync.Mutex
	buffers map[string]*buffer
	order   []string // 键首现顺序, 快照输出稳定
	flash   time.Duration
}

// NewAggregator 创建聚合器。flash 为活动脉冲的自熄时长。
func NewAggregator(flash time.Duration) *Aggregator {
	if flash <= 0 {
		flash = 60 * time.Millisecond
	}
	return &Aggregator{
		buffers: make(map[string]*buffer),
		flash:   flash,
	}
}

// Accumulate 追加一个分块到 pending 缓冲。
// 工作流道与起始时间戳取首个分块的, 后续分块不覆盖。
// final 标记该键的流已完整, 后续分块仍接受但语义上不再期待。
// 空键分块无处归位, 丢弃并返回 false。
func (a *Aggregator) Accumulate(key, workstream, chunk string, ts int64, final bool) bool {
	if key == "" {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	buf := a.buffers[key]
	if buf == nil {
		buf = &buffer{workstream: workstream, startTS: ts}
		a.buffers[key] = buf
		a.order = append(a.order, key)
	}
	buf.pending.WriteString(chunk)
	if final {
		buf.final = true
	}
	return true
}

// pulseLocked 点亮活动标记并重置自熄定时器。须持锁调用。
func (a *Aggregator) pulseLocked(key string, buf *buffer) {
	buf.active = true
	if buf.flashTimer != nil {
		buf.flashTimer.Stop()
	}
	buf.flashTimer = time.AfterFunc(a.flash, func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		if b, ok := a.buffers[key]; ok {
			b.active = false
		}
	})
}

// Flush 将所有 pending 内容搬运到 published, 并为发布了新内容的键
// 点亮活动脉冲。返回是否有内容被搬运, 调用方据此决定是否触发下游通知。
func (a *Aggregator) Flush() bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	moved := false
	for key, buf := range a.buffers {
		if buf.pending.Len() == 0 {
			continue
		}
		buf.published += buf.pending.String()
		buf.pending.Reset()
		a.pulseLocked(key, buf)
		moved = true
	}
	return moved
}

// HasPending 返回是否存在未发布内容。
func (a *Aggregator) HasPending() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, buf := range a.buffers {
		if buf.pending.Len() > 0 {
			return true
		}
	}
	return false
}

// Published 返回指定键的已发布文本。
func (a *Aggregator) Published(key string) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	buf, ok := a.buffers[key]
	if !ok {
		return "", false
	}
	return buf.published, true
}

// Take 取走指定键的全部文本 (pending + published) 并移除该键。
// 流转为 timeline 条目时调用。
func (a *Aggregator) Take(key string) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	buf, ok := a.buffers[key]
	if !ok {
		return "", false
	}
	text := buf.published + buf.pending.String()
	a.dropLocked(key, buf)
	return text, true
}

// ClearKey 丢弃指定键的全部缓冲。
func (a *Aggregator) ClearKey(key string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if buf, ok := a.buffers[key]; ok {
		a.dropLocked(key, buf)
	}
}

func (a *Aggregator) dropLocked(key string, buf *buffer) {
	if buf.flashTimer != nil {
		buf.flashTimer.Stop()
	}
	delete(a.buffers, key)
	for i, k := range a.order {
		if k == key {
			a.order = append(a.order[:i], a.order[i+1:]...)
			break
		}
	}
}

// Reset 丢弃全部缓冲并停掉所有定时器。终结态与会话切换时调用。
func (a *Aggregator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, buf := range a.buffers {
		if buf.flashTimer != nil {
			buf.flashTimer.Stop()
		}
	}
	a.buffers = make(map[string]*buffer)
	a.order = nil
}

// Snapshot 返回全部键的已发布视图, 按键首现顺序排列。
func (a *Aggregator) Snapshot() []Entry {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]Entry, 0, len(a.order))
	for _, key := range a.order {
		buf := a.buffers[key]
		if buf == nil {
			continue
		}
		out = append(out, Entry{
			Key:          key,
			WorkstreamID: buf.workstream,
			StartTS:      buf.startTS,
			Text:         buf.published,
			Active:       buf.active,
			Final:        buf.final,
			Pending:      buf.pending.Len(),
		})
	}
	return out
}

// ActiveKeys 返回当前活动脉冲点亮的键, 字典序。
func (a *Aggregator) ActiveKeys() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var keys []string
	for key, buf := range a.buffers {
		if buf.active {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}
