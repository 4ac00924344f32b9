// Package timeline 维护单次 run 的有序消息轴。
//
// 轴按归一化时间戳升序排列, 去重以时间戳同一性为准 (同一毫秒视为同一条)。
// 本包只做纯数据结构操作, 并发保护由持有者 (session.Controller) 负责。
package timeline

import (
	"sort"
	"strings"

	"github.com/multi-agent/agent-timeline/internal/message"
)

// Timeline 有序消息轴。零值不可用, 通过 New 创建。
type Timeline struct {
	items []message.Message
	seen  map[int64]struct{} // 时间戳同一性索引
}

// New 创建空 timeline。capacity 为底层切片预分配量。
func New(capacity int) *Timeline {
	if capacity < 0 {
		capacity = 0
	}
	return &Timeline{
		items: make([]message.Message, 0, capacity),
		seen:  make(map[int64]struct{}),
	}
}

// Len 返回当前条目数。
func (t *Timeline) Len() int { return len(t.items) }

// HasTimestamp 返回指定时间戳是否已存在。调用方在插入前自查去重。
func (t *Timeline) HasTimestamp(ts int64) bool {
	_, ok := t.seen[ts]
	return ok
}

// Insert 按时间戳有序插入。相同时间戳的新条目排在已有条目之后,
// 保持到达顺序稳定。重复时间戳由调用方通过 HasTimestamp 预先拦截,
// Insert 本身不拒绝。
func (t *Timeline) Insert(m message.Message) {
	// 快路径: 追加到尾部 (流式到达的常态)
	if n := len(t.items); n == 0 || t.items[n-1].TS <= m.TS {
		t.items = append(t.items, m)
		t.seen[m.TS] = struct{}{}
		return
	}

	idx := sort.Search(len(t.items), func(i int) bool {
		return t.items[i].TS > m.TS
	})
	t.items = append(t.items, message.Message{})
	copy(t.items[idx+1:], t.items[idx:])
	t.items[idx] = m
	t.seen[m.TS] = struct{}{}
}

// InsertUnique 去重后插入。时间戳已存在时不插入并返回 false。
func (t *Timeline) InsertUnique(m message.Message) bool {
	if t.HasTimestamp(m.TS) {
		return false
	}
	t.Insert(m)
	return true
}

// RemoveOptimisticIf 移除所有满足谓词的乐观占位消息, 返回移除数量。
// 服务端回显真实消息时调用, 实现占位替换。
func (t *Timeline) RemoveOptimisticIf(pred func(message.Message) bool) int {
	removed := 0
	kept := t.items[:0]
	for _, item := range t.items {
		if item.IsOptimistic() && pred(item) {
			delete(t.seen, item.TS)
			removed++
			continue
		}
		kept = append(kept, item)
	}
	t.items = kept
	return removed
}

// RemoveOptimistic 移除 payload 匹配的乐观占位消息, 返回是否命中。
func (t *Timeline) RemoveOptimistic(text string) bool {
	target := strings.TrimSpace(text)
	return t.RemoveOptimisticIf(func(m message.Message) bool {
		return strings.TrimSpace(m.Text) == target
	}) > 0
}

// Last 返回最后一条消息。空轴时 ok 为 false。
func (t *Timeline) Last() (message.Message, bool) {
	if len(t.items) == 0 {
		return message.Message{}, false
	}
	return t.items[len(t.items)-1], true
}

// LastTS 返回最后一条消息的时间戳, 空轴返回 0。增量拉取的 since 游标。
func (t *Timeline) LastTS() int64 {
	if len(t.items) == 0 {
		return 0
	}
	return t.items[len(t.items)-1].TS
}

// Completed 返回轴上是否出现过终结态消息。派生值, 不单独存储。
func (t *Timeline) Completed() bool {
	for i := len(t.items) - 1; i >= 0; i-- {
		if message.IsTerminal(t.items[i]) {
			return true
		}
	}
	return false
}

// Items 返回条目快照副本, 调用方可安全持有。
func (t *Timeline) Items() []message.Message {
	out := make([]message.Message, len(t.items))
	copy(out, t.items)
	return out
}

// Reset 清空轴, 复用底层存储。
func (t *Timeline) Reset() {
	t.items = t.items[:0]
	t.seen = make(map[int64]struct{})
}
