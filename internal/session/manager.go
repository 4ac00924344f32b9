// manager.go — 活跃会话管理: 同一时刻只有一个 run 的控制器存活。
package session

import (
	"context"
	"sync"
	"time"

	"github.com/multi-agent/agent-timeline/internal/bus"
	"github.com/multi-agent/agent-timeline/internal/transport"
	apperrors "github.com/multi-agent/agent-timeline/pkg/errors"
	"github.com/multi-agent/agent-timeline/pkg/logger"
	"github.com/multi-agent/agent-timeline/pkg/util"
)

// Deps 会话装配依赖。Manager 为每个新会话克隆一份 Options。
type Deps struct {
	Subscriber transport.Subscriber
	History    HistorySource
	Status     StatusSource
	Sink       MessageSink
	Bus        *bus.EventBus

	FrameInterval  time.Duration
	HiddenInterval time.Duration
	ActivityFlash  time.Duration
	HydrateRows    int
	TimelineCap    int
}

// Manager 会话管理器。切换 run 时先拆旧再建新,
// 保证每次 run 的状态独占, 不跨会话泄漏。
type Manager struct {
	deps Deps

	mu     sync.Mutex
	active *Controller
}

// NewManager 创建会话管理器。
func NewManager(deps Deps) *Manager {
	return &Manager{deps: deps}
}

// Switch 切换到指定 run。已是活跃 run 则原样返回;
// 否则拆除旧会话后启动新控制器。
func (m *Manager) Switch(ctx context.Context, workflowID, runID string) (*Controller, error) {
	if workflowID == "" || runID == "" {
		return nil, apperrors.New("Manager.Switch", "workflow and run id required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active != nil && m.active.RunID() == runID && m.active.WorkflowID() == workflowID &&
		m.active.State() != StateTornDown {
		return m.active, nil
	}

	if m.active != nil {
		prev := m.active
		m.active = nil
		prev.Teardown()
		logger.Info("session: switched away",
			logger.FieldWorkflowID, prev.WorkflowID(),
			logger.FieldRunID, prev.RunID(),
		)
	}

	ctrl, err := NewController(Options{
		WorkflowID:     workflowID,
		RunID:          runID,
		Subscriber:     m.deps.Subscriber,
		History:        m.deps.History,
		Status:         m.deps.Status,
		Sink:           m.deps.Sink,
		Bus:            m.deps.Bus,
		FrameInterval:  m.deps.FrameInterval,
		HiddenInterval: m.deps.HiddenInterval,
		ActivityFlash:  m.deps.ActivityFlash,
		HydrateRows:    m.deps.HydrateRows,
		TimelineCap:    m.deps.TimelineCap,
	})
	if err != nil {
		return nil, apperrors.Wrap(err, "Manager.Switch", "build controller")
	}
	if err := ctrl.Start(ctx); err != nil {
		return nil, apperrors.Wrap(err, "Manager.Switch", "start controller")
	}
	m.active = ctrl

	if m.deps.Bus != nil {
		m.deps.Bus.Publish(bus.Event{
			Topic:      bus.SessionTopic(runID, "state"),
			WorkflowID: workflowID,
			RunID:      runID,
			Type:       bus.EvtSessionSwitch,
			Payload:    util.MustJSON(map[string]any{"workflow_id": workflowID, "run_id": runID}),
		})
	}
	return ctrl, nil
}

// Active 返回当前活跃控制器。
func (m *Manager) Active() (*Controller, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return nil, false
	}
	return m.active, true
}

// Get 按 run ID 取控制器, 仅活跃 run 可取。
func (m *Manager) Get(runID string) (*Controller, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil || m.active.RunID() != runID {
		return nil, false
	}
	return m.active, true
}

// Shutdown 拆除活跃会话。
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != nil {
		m.active.Teardown()
		m.active = nil
	}
}
