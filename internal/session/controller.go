// controller.go — 单次 run 的会话控制器。
//
// Controller 独占一次 run 的全部可变状态: timeline、流式缓冲、
// 文件状态与可见性。消息经分类后走固定的处理流水线, 流式内容的
// 对外发布由可见性驱动的节拍约束。
package session

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/multi-agent/agent-timeline/internal/bus"
	"github.com/multi-agent/agent-timeline/internal/message"
	"github.com/multi-agent/agent-timeline/internal/stream"
	"github.com/multi-agent/agent-timeline/internal/timeline"
	"github.com/multi-agent/agent-timeline/internal/transport"
	apperrors "github.com/multi-agent/agent-timeline/pkg/errors"
	"github.com/multi-agent/agent-timeline/pkg/logger"
	"github.com/multi-agent/agent-timeline/pkg/util"
)

// HistorySource 历史回灌与用户消息提交的上游。
type HistorySource interface {
	FetchHistory(ctx context.Context, workflowID, runID string, since int64, limit int) ([]message.Message, error)
	PostMessage(ctx context.Context, workflowID, runID, text string) error
}

// StatusSource run 状态的点查上游, 会话启动时消费一次。
type StatusSource interface {
	GetRunStatus(ctx context.Context, workflowID, runID string) (*transport.RunStatus, error)
}

// MessageSink timeline 条目的持久化出口。
type MessageSink interface {
	SaveMessage(ctx context.Context, workflowID, runID string, m message.Message) error
}

// Options 控制器装配参数。Subscriber 必填, 其余可选。
type Options struct {
	WorkflowID string
	RunID      string

	Subscriber transport.Subscriber
	History    HistorySource // nil 则跳过历史回灌
	Status     StatusSource  // nil 则跳过启动时的 run 状态点查
	Sink       MessageSink   // nil 则不落库
	Bus        *bus.EventBus // nil 则不发布事件

	FrameInterval  time.Duration // 可见态刷新节拍
	HiddenInterval time.Duration // 隐藏态刷新节拍
	ActivityFlash  time.Duration // 活动脉冲自熄时长
	HydrateRows    int           // 历史回灌上限
	TimelineCap    int
}

func (o *Options) applyDefaults() {
	if o.FrameInterval <= 0 {
		o.FrameInterval = 16 * time.Millisecond
	}
	if o.HiddenInterval <= 0 {
		o.HiddenInterval = 48 * time.Millisecond
	}
	if o.ActivityFlash <= 0 {
		o.ActivityFlash = 60 * time.Millisecond
	}
	if o.HydrateRows <= 0 {
		o.HydrateRows = 500
	}
	if o.TimelineCap <= 0 {
		o.TimelineCap = 256
	}
}

// Controller 单次 run 的会话控制器。并发安全。
type Controller struct {
	opts Options

	mu        sync.Mutex
	state     State
	visible   bool
	tl        *timeline.Timeline
	files     map[string]message.FileStatus
	runStatus string

	agg *stream.Aggregator

	ctx       context.Context
	cancel    context.CancelFunc
	flushWake chan struct{}
	tornDown  atomic.Bool
}

// NewController 创建控制器。调用 Start 前为 idle 态。
func NewController(opts Options) (*Controller, error) {
	if opts.Subscriber == nil {
		return nil, apperrors.New("session.NewController", "subscriber required")
	}
	if opts.WorkflowID == "" || opts.RunID == "" {
		return nil, apperrors.New("session.NewController", "workflow and run id required")
	}
	opts.applyDefaults()
	return &Controller{
		opts:      opts,
		state:     StateIdle,
		visible:   true,
		tl:        timeline.New(opts.TimelineCap),
		files:     make(map[string]message.FileStatus),
		agg:       stream.NewAggregator(opts.ActivityFlash),
		flushWake: make(chan struct{}, 1),
	}, nil
}

// WorkflowID 返回所属 workflow。
func (c *Controller) WorkflowID() string { return c.opts.WorkflowID }

// RunID 返回所属 run。
func (c *Controller) RunID() string { return c.opts.RunID }

// Start 回灌历史、建立订阅并启动消费与刷新循环。
// 只能从 idle 态调用一次。
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return apperrors.Newf("Controller.Start", "start from state %s", c.state)
	}
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.setStateLocked(StateSubscribing)
	c.mu.Unlock()

	// run 状态点查与订阅并行, 失败只记日志不阻断
	util.SafeGo(func() { c.fetchRunStatus() })

	if err := c.hydrate(); err != nil {
		// 历史回灌失败不阻断订阅, 留给增量事件补齐
		logger.Warn("session: hydrate failed",
			logger.FieldWorkflowID, c.opts.WorkflowID,
			logger.FieldRunID, c.opts.RunID,
			logger.FieldError, err,
		)
	}

	c.mu.Lock()
	since := c.tl.LastTS()
	c.mu.Unlock()

	events, err := c.opts.Subscriber.Subscribe(c.ctx, c.opts.WorkflowID, c.opts.RunID, since)
	if err != nil {
		c.mu.Lock()
		c.setStateLocked(StateIdle)
		c.mu.Unlock()
		return apperrors.Wrap(err, "Controller.Start", "subscribe")
	}

	c.mu.Lock()
	c.setStateLocked(StateStreaming)
	c.mu.Unlock()

	util.SafeGo(func() { c.consumeLoop(events) })
	util.SafeGo(func() { c.flushLoop() })
	return nil
}

// fetchRunStatus 启动时点查一次 run 状态, 供状态接口透出。
func (c *Controller) fetchRunStatus() {
	if c.opts.Status == nil {
		return
	}
	status, err := c.opts.Status.GetRunStatus(c.ctx, c.opts.WorkflowID, c.opts.RunID)
	if err != nil {
		logger.Warn("session: fetch run status failed",
			logger.FieldWorkflowID, c.opts.WorkflowID,
			logger.FieldRunID, c.opts.RunID,
			logger.FieldError, err,
		)
		return
	}
	c.mu.Lock()
	c.runStatus = status.Status
	c.mu.Unlock()
	c.publishState()
}

// hydrate 回灌历史消息。流式分块在历史里没有意义, 跳过。
func (c *Controller) hydrate() error {
	if c.opts.History == nil {
		return nil
	}
	history, err := c.opts.History.FetchHistory(c.ctx, c.opts.WorkflowID, c.opts.RunID, 0, c.opts.HydrateRows)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	inserted := 0
	for _, m := range history {
		cat := message.Classify(m)
		if !message.InsertsIntoTimeline(cat) {
			continue
		}
		if c.tl.InsertUnique(m) {
			inserted++
		}
	}
	if inserted > 0 {
		logger.Info("session: history hydrated",
			logger.FieldWorkflowID, c.opts.WorkflowID,
			logger.FieldRunID, c.opts.RunID,
			logger.FieldCount, inserted,
		)
	}
	return nil
}

func (c *Controller) consumeLoop(events <-chan message.Message) {
	for m := range events {
		c.Handle(m)
	}
	// 订阅结束: 非拆除场景回到 idle
	c.mu.Lock()
	if c.state == StateStreaming {
		c.setStateLocked(StateIdle)
	}
	c.mu.Unlock()
}

// Handle 处理一条到达的消息。流水线:
// 分类 → 分块进聚合 / 文件状态更新 / 终结态立即刷新 →
// 乐观占位替换 → 去重插入 → 事件发布。
func (c *Controller) Handle(m message.Message) {
	if c.tornDown.Load() {
		return
	}

	switch message.Classify(m) {
	case message.CategoryStreamChunk:
		key := m.CorrelationKey()
		if !c.agg.Accumulate(key, m.WorkstreamID, m.Text, m.TS, m.Details.IsFinal) {
			logger.Warn("session: drop chunk without correlation key",
				logger.FieldRunID, c.opts.RunID, logger.FieldTS, m.TS)
			return
		}
		c.wakeFlush()

	case message.CategoryFileStatus:
		c.updateFiles(m.Details.Files)

	case message.CategoryTerminal:
		// 终结态先把积压的流式内容全部发布, 已发布视图保留到拆除;
		// 带关联 ID 的完整消息各自收尾, 不在这里整体清空
		c.flushNow()
		c.insert(m)
		c.publishState()

	case message.CategoryContent, message.CategoryToolActivity:
		c.insert(m)

	case message.CategoryIgnore:
	}
}

// insert 去重插入 timeline。服务端回显的提问消息会替换掉所有
// 乐观占位; 带关联 ID 的完整消息会收掉对应的流式缓冲条目。
func (c *Controller) insert(m message.Message) {
	// 完整消息落地, 同一活动的部分流不再需要
	if id := m.Details.ActivityID; id != "" {
		c.agg.ClearKey(id)
	}
	if id := m.Details.StreamingID; id != "" {
		c.agg.ClearKey(id)
	}

	c.mu.Lock()
	replaced := 0
	if m.Kind == message.KindQuestion && !m.IsOptimistic() {
		replaced = c.tl.RemoveOptimisticIf(func(x message.Message) bool {
			return x.Kind == message.KindQuestion
		})
	}
	inserted := c.tl.InsertUnique(m)
	c.mu.Unlock()

	if !inserted {
		return
	}
	c.persist(m)
	evtType := bus.EvtTimelineInsert
	if replaced > 0 {
		evtType = bus.EvtTimelineReplace
	}
	c.publish("timeline", evtType, map[string]any{
		"kind":       m.Kind,
		"ts":         m.TS,
		"workstream": m.WorkstreamID,
	})
}

func (c *Controller) updateFiles(files []message.FileStatus) {
	c.mu.Lock()
	for _, f := range files {
		c.files[f.ID] = f
	}
	c.mu.Unlock()
	c.publish("files", bus.EvtFilesUpdate, map[string]any{"count": len(files)})
}

func (c *Controller) persist(m message.Message) {
	if c.opts.Sink == nil {
		return
	}
	util.SafeGo(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.opts.Sink.SaveMessage(ctx, c.opts.WorkflowID, c.opts.RunID, m); err != nil {
			logger.Warn("session: persist message failed",
				logger.FieldRunID, c.opts.RunID,
				logger.FieldTS, m.TS,
				logger.FieldError, err,
			)
		}
	})
}

// ========================================
// 刷新节拍
// ========================================

// flushLoop 把流式缓冲从 pending 搬到 published, 频率受节拍约束。
// 节拍随可见性切换: 可见走帧间隔, 隐藏走粗粒度间隔。
//
// 唤醒只在定时器未挂起时布防, 绝不推迟已挂起的刷新:
// 持续到达的分块共享同一次排定, 到点照常发布。
func (c *Controller) flushLoop() {
	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}
	armed := false
	for {
		select {
		case <-c.ctx.Done():
			timer.Stop()
			return
		case <-c.flushWake:
			if !armed {
				timer.Reset(c.interval())
				armed = true
			}
		case <-timer.C:
			armed = false
			c.flushNow()
			// 刷新期间又到了分块, 立即排下一轮
			if c.agg.HasPending() {
				timer.Reset(c.interval())
				armed = true
			}
		}
	}
}

func (c *Controller) interval() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.visible {
		return c.opts.FrameInterval
	}
	return c.opts.HiddenInterval
}

func (c *Controller) wakeFlush() {
	select {
	case c.flushWake <- struct{}{}:
	default:
	}
}

// flushNow 立即执行一次搬运, 有内容发布则通知订阅者。
func (c *Controller) flushNow() {
	if c.agg.Flush() {
		c.publish("streaming", bus.EvtStreamingFlush, nil)
	}
}

// SetVisible 切换可见性。hidden → visible 迁移立即刷新一次,
// 避免积压内容等到下一个节拍。
func (c *Controller) SetVisible(visible bool) {
	c.mu.Lock()
	wasVisible := c.visible
	c.visible = visible
	c.mu.Unlock()

	if visible && !wasVisible {
		c.flushNow()
	}
	c.wakeFlush()
}

// ========================================
// 乐观消息
// ========================================

// AddOptimistic 插入用户消息的乐观占位并提交上游。
// 返回占位消息, 服务端回显到达时由 insert 自动替换。
func (c *Controller) AddOptimistic(ctx context.Context, text string) (message.Message, error) {
	if c.tornDown.Load() {
		return message.Message{}, apperrors.Wrap(apperrors.ErrSessionClosed, "Controller.AddOptimistic", "session torn down")
	}

	c.mu.Lock()
	ts := time.Now().UnixMilli()
	// 时间戳即身份, 冲突时逐毫秒后移
	for c.tl.HasTimestamp(ts) {
		ts++
	}
	m := message.Message{
		Kind:         message.KindQuestion,
		TS:           ts,
		Text:         text,
		WorkstreamID: message.DefaultWorkstream,
		Details:      message.Details{Optimistic: true},
	}
	c.tl.Insert(m)
	c.mu.Unlock()

	c.publish("timeline", bus.EvtTimelineInsert, map[string]any{
		"kind": m.Kind, "ts": m.TS, "optimistic": true,
	})

	if c.opts.History != nil {
		if err := c.opts.History.PostMessage(ctx, c.opts.WorkflowID, c.opts.RunID, text); err != nil {
			// 提交失败撤掉占位, 不留幽灵消息
			c.mu.Lock()
			c.tl.RemoveOptimistic(text)
			c.mu.Unlock()
			return message.Message{}, apperrors.Wrap(err, "Controller.AddOptimistic", "post upstream")
		}
	}
	return m, nil
}

// RemoveOptimistic 按谓词撤掉乐观占位, 返回移除数量。
func (c *Controller) RemoveOptimistic(pred func(message.Message) bool) int {
	c.mu.Lock()
	removed := c.tl.RemoveOptimisticIf(pred)
	c.mu.Unlock()
	if removed > 0 {
		c.publish("timeline", bus.EvtTimelineReplace, map[string]any{"removed": removed})
	}
	return removed
}

// ========================================
// 快照读
// ========================================

// Timeline 返回 timeline 快照。
func (c *Controller) Timeline() []message.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tl.Items()
}

// Streaming 返回流式缓冲的已发布视图。
func (c *Controller) Streaming() []stream.Entry {
	return c.agg.Snapshot()
}

// Files 返回文件状态快照, 按 ID 排序。
func (c *Controller) Files() []message.FileStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]message.FileStatus, 0, len(c.files))
	for _, f := range c.files {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// State 返回当前状态。
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// RunStatus 返回启动时点查到的 run 状态, 点查未完成或失败时为空。
func (c *Controller) RunStatus() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runStatus
}

// Visible 返回当前可见性。
func (c *Controller) Visible() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.visible
}

// Completed 返回 run 是否已出现终结态消息。派生自 timeline。
func (c *Controller) Completed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tl.Completed()
}

// ========================================
// 拆除
// ========================================

// Teardown 拆除会话: 取消订阅与刷新循环, 清空流式缓冲。幂等。
func (c *Controller) Teardown() {
	if !c.tornDown.CompareAndSwap(false, true) {
		return
	}
	c.mu.Lock()
	c.setStateLocked(StateTornDown)
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.agg.Reset()
	logger.Info("session: torn down",
		logger.FieldWorkflowID, c.opts.WorkflowID,
		logger.FieldRunID, c.opts.RunID,
	)
}

// setStateLocked 迁移状态并发布变化。须持锁调用。
func (c *Controller) setStateLocked(to State) {
	if c.state == to {
		return
	}
	if !validTransition(c.state, to) {
		logger.Warn("session: invalid state transition",
			logger.FieldRunID, c.opts.RunID,
			"from", string(c.state), "to", string(to),
		)
		return
	}
	c.state = to
	if c.opts.Bus != nil {
		// 锁内发布: EventBus.Publish 自身非阻塞
		util.SafeGo(func() { c.publishState() })
	}
}

func (c *Controller) publishState() {
	c.publish("state", bus.EvtStateChange, map[string]any{
		"state":      string(c.State()),
		"completed":  c.Completed(),
		"run_status": c.RunStatus(),
	})
}

func (c *Controller) publish(sub, evtType string, payload map[string]any) {
	if c.opts.Bus == nil {
		return
	}
	c.opts.Bus.Publish(bus.Event{
		Topic:      bus.SessionTopic(c.opts.RunID, sub),
		WorkflowID: c.opts.WorkflowID,
		RunID:      c.opts.RunID,
		Type:       evtType,
		Payload:    util.MustJSON(payload),
	})
}
