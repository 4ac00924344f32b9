package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/multi-agent/agent-timeline/internal/bus"
	"github.com/multi-agent/agent-timeline/internal/message"
	"github.com/multi-agent/agent-timeline/internal/transport"
)

// fakeSubscriber 测试桩: 手动注入消息的订阅端。
type fakeSubscriber struct {
	mu        sync.Mutex
	ch        chan message.Message
	lastSince int64
	subCount  int
}

func (f *fakeSubscriber) Subscribe(ctx context.Context, workflowID, runID string, since int64) (<-chan message.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastSince = since
	f.subCount++
	f.ch = make(chan message.Message, 64)
	ch := f.ch
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

type fakeHistory struct {
	messages []message.Message
	posted   []string
	mu       sync.Mutex
}

func (f *fakeHistory) FetchHistory(ctx context.Context, workflowID, runID string, since int64, limit int) ([]message.Message, error) {
	return f.messages, nil
}

func (f *fakeHistory) PostMessage(ctx context.Context, workflowID, runID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.posted = append(f.posted, text)
	return nil
}

func newTestController(t *testing.T, opts Options) *Controller {
	t.Helper()
	if opts.WorkflowID == "" {
		opts.WorkflowID = "wf-1"
	}
	if opts.RunID == "" {
		opts.RunID = "run-1"
	}
	if opts.Subscriber == nil {
		opts.Subscriber = &fakeSubscriber{}
	}
	// 测试默认用超长节拍, 刷新只由显式调用触发
	if opts.FrameInterval == 0 {
		opts.FrameInterval = time.Hour
	}
	if opts.HiddenInterval == 0 {
		opts.HiddenInterval = time.Hour
	}
	ctrl, err := NewController(opts)
	if err != nil {
		t.Fatalf("new controller failed: %v", err)
	}
	return ctrl
}

func contentMsg(ts int64, text string) message.Message {
	return message.Message{Kind: message.KindThought, TS: ts, Text: text, WorkstreamID: message.DefaultWorkstream}
}

func chunkMsg(ts int64, key, text string, final bool) message.Message {
	return message.Message{
		Kind: message.KindStreamChunk, TS: ts, Text: text,
		WorkstreamID: message.DefaultWorkstream,
		Details:      message.Details{ActivityID: key, IsFinal: final},
	}
}

func TestOrderingAndUniqueness(t *testing.T) {
	c := newTestController(t, Options{})

	// 乱序 + 重复时间戳
	c.Handle(contentMsg(300, "c"))
	c.Handle(contentMsg(100, "a"))
	c.Handle(contentMsg(200, "b"))
	c.Handle(contentMsg(200, "b-duplicate"))

	items := c.Timeline()
	if len(items) != 3 {
		t.Fatalf("expected 3 items, got %d", len(items))
	}
	for i, want := range []int64{100, 200, 300} {
		if items[i].TS != want {
			t.Errorf("position %d: expected ts %d, got %d", i, want, items[i].TS)
		}
	}
	if items[1].Text != "b" {
		t.Errorf("duplicate timestamp must keep the first arrival, got %q", items[1].Text)
	}
}

func TestChunkAggregationConcat(t *testing.T) {
	c := newTestController(t, Options{})

	c.Handle(chunkMsg(1, "act-1", "Hel", false))
	c.Handle(chunkMsg(2, "act-1", "lo ", false))
	c.Handle(chunkMsg(3, "act-1", "world", true))

	// 节拍未到, 读侧不可见
	for _, e := range c.Streaming() {
		if e.Text != "" {
			t.Errorf("published text should be empty before flush, got %q", e.Text)
		}
	}

	c.flushNow()
	snap := c.Streaming()
	if len(snap) != 1 || snap[0].Text != "Hello world" {
		t.Fatalf("expected aggregated %q, got %+v", "Hello world", snap)
	}
	if !snap[0].Final {
		t.Error("final marker should survive aggregation")
	}
	// 分块不进 timeline
	if len(c.Timeline()) != 0 {
		t.Errorf("chunks must not land in the timeline, got %d items", len(c.Timeline()))
	}
}

func TestChunkWithoutKeyDropped(t *testing.T) {
	c := newTestController(t, Options{})
	c.Handle(message.Message{Kind: message.KindStreamChunk, TS: 1, Text: "orphan"})
	c.flushNow()
	if len(c.Streaming()) != 0 {
		t.Error("keyless chunk must be dropped")
	}
}

func TestTerminalFlushKeepsSnapshot(t *testing.T) {
	c := newTestController(t, Options{})

	c.Handle(chunkMsg(1, "act-1", "partial text", false))
	c.Handle(contentMsg(5, "working"))

	done := contentMsg(10, "all done")
	done.Kind = message.KindComplete
	c.Handle(done)

	if !c.Completed() {
		t.Error("terminal message must mark the run completed")
	}
	// 终结态把积压内容发布出去, 快照在 completed 时刻可读
	snap := c.Streaming()
	if len(snap) != 1 || snap[0].Text != "partial text" {
		t.Fatalf("flushed text must survive the terminal transition, got %+v", snap)
	}
	items := c.Timeline()
	if len(items) != 2 || items[1].Kind != message.KindComplete {
		t.Errorf("terminal message must itself land in the timeline, got %+v", items)
	}
}

func TestTerminalFlushesBeforeClear(t *testing.T) {
	b := bus.NewEventBus()
	sub := b.Subscribe("watch", "*")
	c := newTestController(t, Options{Bus: b})

	c.Handle(chunkMsg(1, "act-1", "pending text", false))
	done := contentMsg(10, "fin")
	done.Kind = message.KindComplete
	c.Handle(done)

	// 终结路径: 先 streaming.flush 再 timeline.insert
	var types []string
	deadline := time.After(time.Second)
	for len(types) < 2 {
		select {
		case evt := <-sub.Ch:
			if evt.Type == bus.EvtStreamingFlush || evt.Type == bus.EvtTimelineInsert {
				types = append(types, evt.Type)
			}
		case <-deadline:
			t.Fatalf("timed out, saw %v", types)
		}
	}
	if types[0] != bus.EvtStreamingFlush || types[1] != bus.EvtTimelineInsert {
		t.Errorf("expected flush before insert, got %v", types)
	}
}

func TestOptimisticReplacement(t *testing.T) {
	c := newTestController(t, Options{})

	opt, err := c.AddOptimistic(context.Background(), "deploy it")
	if err != nil {
		t.Fatalf("add optimistic failed: %v", err)
	}
	if len(c.Timeline()) != 1 {
		t.Fatal("optimistic placeholder should be visible immediately")
	}

	// 服务端回显: 非乐观提问消息, 文本允许被服务端改写
	echo := message.Message{Kind: message.KindQuestion, TS: opt.TS + 500, Text: "deploy it (queued)", WorkstreamID: message.DefaultWorkstream}
	c.Handle(echo)

	items := c.Timeline()
	if len(items) != 1 {
		t.Fatalf("echo must replace the placeholder, got %d items", len(items))
	}
	if items[0].IsOptimistic() {
		t.Error("surviving entry must be the real message")
	}
	if items[0].TS != echo.TS {
		t.Errorf("surviving entry should carry the server timestamp %d, got %d", echo.TS, items[0].TS)
	}
}

func TestContentRetiresActivityBuffer(t *testing.T) {
	c := newTestController(t, Options{})

	c.Handle(chunkMsg(1, "act-1", "thinking about ", false))
	c.Handle(chunkMsg(2, "act-2", "other stream", false))
	c.flushNow()

	// 完整消息到达, 同一 activity 的流式条目退场
	full := contentMsg(10, "thinking about deployment")
	full.Details.ActivityID = "act-1"
	c.Handle(full)

	snap := c.Streaming()
	if len(snap) != 1 || snap[0].Key != "act-2" {
		t.Fatalf("act-1 buffer should be retired, got %+v", snap)
	}
	if len(c.Timeline()) != 1 {
		t.Error("the full message must still land in the timeline")
	}
}

func TestRunStatusFetchedOnStart(t *testing.T) {
	c := newTestController(t, Options{Status: &fakeStatus{status: "running"}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := c.Start(ctx); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer c.Teardown()

	// 点查是并行的, 轮询等结果
	deadline := time.Now().Add(time.Second)
	for c.RunStatus() == "" {
		if time.Now().After(deadline) {
			t.Fatal("run status never populated")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := c.RunStatus(); got != "running" {
		t.Errorf("expected run status %q, got %q", "running", got)
	}
}

type fakeStatus struct{ status string }

func (f *fakeStatus) GetRunStatus(ctx context.Context, workflowID, runID string) (*transport.RunStatus, error) {
	return &transport.RunStatus{WorkflowID: workflowID, RunID: runID, Status: f.status}, nil
}

func TestOptimisticPostFailureRollsBack(t *testing.T) {
	hist := &failingHistory{}
	c := newTestController(t, Options{History: hist})

	if _, err := c.AddOptimistic(context.Background(), "will fail"); err == nil {
		t.Fatal("expected upstream post error")
	}
	if len(c.Timeline()) != 0 {
		t.Error("failed post must remove the placeholder")
	}
}

type failingHistory struct{}

func (f *failingHistory) FetchHistory(ctx context.Context, workflowID, runID string, since int64, limit int) ([]message.Message, error) {
	return nil, nil
}

func (f *failingHistory) PostMessage(ctx context.Context, workflowID, runID, text string) error {
	return context.DeadlineExceeded
}

func TestFileStatusUpdates(t *testing.T) {
	c := newTestController(t, Options{})
	c.Handle(message.Message{
		Kind: message.KindSystem, TS: 1,
		Details: message.Details{
			SystemType: message.SystemTypeFileProcessing,
			Files: []message.FileStatus{
				{ID: "f-1", Name: "a.txt", Status: "processing"},
			},
		},
	})
	c.Handle(message.Message{
		Kind: message.KindSystem, TS: 2,
		Details: message.Details{
			SystemType: message.SystemTypeFileProcessing,
			Files: []message.FileStatus{
				{ID: "f-1", Name: "a.txt", Status: "done"},
				{ID: "f-2", Name: "b.txt", Status: "processing"},
			},
		},
	})

	files := c.Files()
	if len(files) != 2 {
		t.Fatalf("expected 2 files, got %d", len(files))
	}
	if files[0].ID != "f-1" || files[0].Status != "done" {
		t.Errorf("latest status must win, got %+v", files[0])
	}
	// 文件状态消息不进 timeline
	if len(c.Timeline()) != 0 {
		t.Error("file status messages must not land in the timeline")
	}
}

func TestVisibilityImmediateFlush(t *testing.T) {
	c := newTestController(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := c.Start(ctx); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer c.Teardown()

	c.SetVisible(false)
	c.Handle(chunkMsg(1, "act-1", "backlog", false))

	// 隐藏态节拍是一小时, 内容不会自己出来
	if snap := c.Streaming(); len(snap) > 0 && snap[0].Text != "" {
		t.Fatal("hidden session must not publish eagerly")
	}

	// hidden → visible 必须立即放行
	c.SetVisible(true)
	snap := c.Streaming()
	if len(snap) != 1 || snap[0].Text != "backlog" {
		t.Errorf("visibility transition must flush immediately, got %+v", snap)
	}
}

func TestSustainedChunksStillPublish(t *testing.T) {
	c := newTestController(t, Options{
		FrameInterval:  10 * time.Millisecond,
		HiddenInterval: 20 * time.Millisecond,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := c.Start(ctx); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer c.Teardown()

	// 分块到得比节拍还密: 排定的刷新必须照常到点发布, 不被顺延
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ts := int64(1)
		for {
			select {
			case <-stop:
				return
			default:
				c.Handle(chunkMsg(ts, "act-1", "x", false))
				ts++
				time.Sleep(2 * time.Millisecond)
			}
		}
	}()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if snap := c.Streaming(); len(snap) > 0 && snap[0].Text != "" {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("published snapshot never updated under sustained chunk arrival")
}

func TestFlushBatchedPerTick(t *testing.T) {
	b := bus.NewEventBus()
	sub := b.Subscribe("cadence", "*")
	c := newTestController(t, Options{
		Bus:            b,
		FrameInterval:  20 * time.Millisecond,
		HiddenInterval: 40 * time.Millisecond,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := c.Start(ctx); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer c.Teardown()

	// 120ms 内注入 60 个分块, 发布次数由节拍约束而不是逐块放大
	for ts := int64(1); ts <= 60; ts++ {
		c.Handle(chunkMsg(ts, "act-1", "x", false))
		time.Sleep(2 * time.Millisecond)
	}
	time.Sleep(60 * time.Millisecond)

	flushes := 0
	for {
		select {
		case evt := <-sub.Ch:
			if evt.Type == bus.EvtStreamingFlush {
				flushes++
			}
			continue
		default:
		}
		break
	}
	if flushes < 1 {
		t.Fatal("at least one flush must land within the feed window")
	}
	if flushes > 15 {
		t.Errorf("flush count %d suggests per-chunk publication instead of batching", flushes)
	}
}

func TestStateMachine(t *testing.T) {
	c := newTestController(t, Options{})
	if c.State() != StateIdle {
		t.Errorf("fresh controller should be idle, got %s", c.State())
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := c.Start(ctx); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if c.State() != StateStreaming {
		t.Errorf("expected streaming after start, got %s", c.State())
	}
	if err := c.Start(ctx); err == nil {
		t.Error("second start must fail")
	}

	c.Teardown()
	if c.State() != StateTornDown {
		t.Errorf("expected torn_down, got %s", c.State())
	}
	c.Teardown() // 幂等

	// 拆除后消息全部丢弃
	c.Handle(contentMsg(1, "late"))
	if len(c.Timeline()) != 0 {
		t.Error("torn down controller must ignore messages")
	}
}

func TestHydrateSkipsChunksAndSetsCursor(t *testing.T) {
	sub := &fakeSubscriber{}
	hist := &fakeHistory{messages: []message.Message{
		contentMsg(100, "old answer"),
		chunkMsg(150, "act-1", "stale chunk", false),
		contentMsg(200, "newer"),
	}}
	c := newTestController(t, Options{Subscriber: sub, History: hist})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := c.Start(ctx); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer c.Teardown()

	items := c.Timeline()
	if len(items) != 2 {
		t.Fatalf("expected 2 hydrated items (chunk skipped), got %d", len(items))
	}
	sub.mu.Lock()
	since := sub.lastSince
	sub.mu.Unlock()
	if since != 200 {
		t.Errorf("subscription cursor should resume from last hydrated ts, got %d", since)
	}
}

func TestValidTransition(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateIdle, StateSubscribing, true},
		{StateSubscribing, StateStreaming, true},
		{StateStreaming, StateIdle, true},
		{StateStreaming, StateTornDown, true},
		{StateIdle, StateStreaming, false},
		{StateTornDown, StateIdle, false},
		{StateTornDown, StateSubscribing, false},
	}
	for _, tt := range tests {
		if got := validTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("validTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}
