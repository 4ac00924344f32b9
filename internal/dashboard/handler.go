// handler.go — Dashboard REST API handlers。
package dashboard

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/multi-agent/agent-timeline/internal/message"
	"github.com/multi-agent/agent-timeline/internal/session"
)

// registerRoutes 注册 API 路由。
func (s *Server) registerRoutes() {
	api := s.router.Group("/api")

	api.GET("/runs/active", s.activeRun)
	api.POST("/runs/switch", s.switchRun)

	api.GET("/runs/:rid/timeline", s.runTimeline)
	api.GET("/runs/:rid/streaming", s.runStreaming)
	api.GET("/runs/:rid/state", s.runState)
	api.GET("/runs/:rid/files", s.runFiles)
	api.GET("/runs/:rid/history", s.runHistory)
	api.POST("/runs/:rid/messages", s.postMessage)
	api.DELETE("/runs/:rid/messages/optimistic", s.deleteOptimistic)
	api.POST("/runs/:rid/visibility", s.setVisibility)

	api.GET("/search", s.searchMessages)

	api.GET("/events", s.sseHandler)
}

// controllerFor 取指定 run 的活跃控制器, 非活跃 run 返回 404。
func (s *Server) controllerFor(c *gin.Context) (*session.Controller, bool) {
	ctrl, ok := s.manager.Get(c.Param("rid"))
	if !ok {
		notFound(c, "run not active")
		return nil, false
	}
	return ctrl, true
}

func queryLimit(c *gin.Context, def int) int {
	v, _ := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(def)))
	if v < 1 {
		return def
	}
	if v > 2000 {
		return 2000
	}
	return v
}

// ========================================
// 会话控制
// ========================================

func (s *Server) activeRun(c *gin.Context) {
	ctrl, ok := s.manager.Active()
	if !ok {
		success(c, nil)
		return
	}
	success(c, gin.H{
		"workflow_id": ctrl.WorkflowID(),
		"run_id":      ctrl.RunID(),
		"state":       ctrl.State(),
		"completed":   ctrl.Completed(),
	})
}

func (s *Server) switchRun(c *gin.Context) {
	var req struct {
		WorkflowID string `json:"workflow_id" binding:"required"`
		RunID      string `json:"run_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid_request", err.Error())
		return
	}
	ctrl, err := s.manager.Switch(c.Request.Context(), req.WorkflowID, req.RunID)
	if err != nil {
		serverError(c, err)
		return
	}
	success(c, gin.H{"workflow_id": ctrl.WorkflowID(), "run_id": ctrl.RunID(), "state": ctrl.State()})
}

// ========================================
// 快照读
// ========================================

func (s *Server) runTimeline(c *gin.Context) {
	ctrl, ok := s.controllerFor(c)
	if !ok {
		return
	}
	success(c, ctrl.Timeline())
}

func (s *Server) runStreaming(c *gin.Context) {
	ctrl, ok := s.controllerFor(c)
	if !ok {
		return
	}
	success(c, ctrl.Streaming())
}

func (s *Server) runState(c *gin.Context) {
	ctrl, ok := s.controllerFor(c)
	if !ok {
		return
	}
	success(c, gin.H{
		"state":      ctrl.State(),
		"visible":    ctrl.Visible(),
		"completed":  ctrl.Completed(),
		"run_status": ctrl.RunStatus(),
	})
}

func (s *Server) runFiles(c *gin.Context) {
	ctrl, ok := s.controllerFor(c)
	if !ok {
		return
	}
	success(c, ctrl.Files())
}

// runHistory 直接读库, 不要求 run 处于活跃态。
func (s *Server) runHistory(c *gin.Context) {
	if s.messages == nil {
		notFound(c, "persistence disabled")
		return
	}
	since, _ := strconv.ParseInt(c.DefaultQuery("since", "0"), 10, 64)
	items, err := s.messages.ListByRun(c.Request.Context(), c.Param("rid"), since, queryLimit(c, 500))
	if err != nil {
		serverError(c, err)
		return
	}
	success(c, items)
}

// ========================================
// 写操作
// ========================================

func (s *Server) postMessage(c *gin.Context) {
	ctrl, ok := s.controllerFor(c)
	if !ok {
		return
	}
	var req struct {
		Message string `json:"message" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid_request", err.Error())
		return
	}
	m, err := ctrl.AddOptimistic(c.Request.Context(), req.Message)
	if err != nil {
		serverError(c, err)
		return
	}
	created(c, m)
}

// deleteOptimistic 撤掉尚未被服务端回显确认的乐观占位。
func (s *Server) deleteOptimistic(c *gin.Context) {
	ctrl, ok := s.controllerFor(c)
	if !ok {
		return
	}
	removed := ctrl.RemoveOptimistic(func(message.Message) bool { return true })
	success(c, gin.H{"removed": removed})
}

func (s *Server) setVisibility(c *gin.Context) {
	ctrl, ok := s.controllerFor(c)
	if !ok {
		return
	}
	var req struct {
		Visible *bool `json:"visible" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid_request", err.Error())
		return
	}
	ctrl.SetVisible(*req.Visible)
	success(c, gin.H{"visible": *req.Visible})
}

func (s *Server) searchMessages(c *gin.Context) {
	if s.messages == nil {
		notFound(c, "persistence disabled")
		return
	}
	keyword := c.Query("keyword")
	if keyword == "" {
		badRequest(c, "invalid_request", "keyword is required")
		return
	}
	items, err := s.messages.Search(c.Request.Context(), c.Query("workflow_id"), keyword, queryLimit(c, 100))
	if err != nil {
		serverError(c, err)
		return
	}
	success(c, items)
}
