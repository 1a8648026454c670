package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/makex/orchestrator/internal/auth"
	"github.com/makex/orchestrator/internal/lifecycle"
	"github.com/makex/orchestrator/internal/middleware"
	"github.com/makex/orchestrator/internal/queue"
	"github.com/makex/orchestrator/internal/sandbox"
	"github.com/makex/orchestrator/internal/store"
)

// Sandbox actions and the task each one triggers
var actionTasks = map[string]string{
	"create": lifecycle.TaskCreate,
	"start":  lifecycle.TaskStart,
	"pause":  lifecycle.TaskPause,
	"delete": lifecycle.TaskDelete,
}

// TriggerRequest is the body of POST /api/sandbox
type TriggerRequest struct {
	AppID    string               `json:"app_id" binding:"required"`
	Action   string               `json:"action" binding:"required"`
	Provider sandbox.ProviderName `json:"provider"`
}

// TriggerResponse acknowledges a queued task
type TriggerResponse struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}

// ownedApp loads an app the caller owns
func (s *Server) ownedApp(c *gin.Context, appID string) (*store.UserApp, bool) {
	userID := auth.UserIDFromContext(c.Request.Context())
	app, err := s.store.GetAppForUser(c.Request.Context(), userID, appID)
	if err != nil {
		s.writeError(c, err)
		return nil, false
	}
	return app, true
}

// GET /api/sandbox?app_id=
func (s *Server) getSandbox(c *gin.Context) {
	appID := c.Query("app_id")
	if appID == "" {
		badRequest(c, "app_id is required")
		return
	}

	app, ok := s.ownedApp(c, appID)
	if !ok {
		return
	}

	sb, err := s.store.GetLiveSandbox(c.Request.Context(), app.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			middleware.AbortWithError(c, http.StatusNotFound, "not_found", "No live sandbox")
			return
		}
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sb)
}

// POST /api/sandbox
func (s *Server) triggerSandbox(c *gin.Context) {
	var req TriggerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "app_id and action are required")
		return
	}

	taskID, ok := actionTasks[req.Action]
	if !ok {
		badRequest(c, "action must be one of create, start, pause, delete")
		return
	}
	if req.Provider != "" {
		if _, err := s.providers.Get(req.Provider); err != nil {
			badRequest(c, err.Error())
			return
		}
	}

	app, ok := s.ownedApp(c, req.AppID)
	if !ok {
		return
	}

	runID, err := s.dispatcher.Trigger(c.Request.Context(), taskID, queue.Payload{
		UserID:   app.UserID,
		AppID:    app.ID,
		Provider: req.Provider,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}

	s.logger.Info("task queued",
		zap.String("task", taskID),
		zap.String("run_id", runID),
		zap.String("app_id", app.ID),
	)
	c.JSON(http.StatusAccepted, TriggerResponse{TaskID: runID, Status: "queued"})
}

// GET /api/build-status/:appId
func (s *Server) buildStatus(c *gin.Context) {
	app, ok := s.ownedApp(c, c.Param("appId"))
	if !ok {
		return
	}

	sb, err := s.store.GetLatestSandbox(c.Request.Context(), app.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, SummarizeBuild(app, sb))
}

// PUT /api/sandbox/:appId/status, called by the agent inside the sandbox
func (s *Server) reportStatus(c *gin.Context) {
	claims, _ := auth.ClaimsFromContext(c.Request.Context())
	if claims == nil || !claims.IsService() {
		middleware.AbortWithError(c, http.StatusForbidden, "forbidden", "Only sandbox agents may report status")
		return
	}

	var report lifecycle.StatusReport
	if err := c.ShouldBindJSON(&report); err != nil {
		badRequest(c, "invalid status report")
		return
	}
	if err := report.Validate(); err != nil {
		badRequest(c, err.Error())
		return
	}

	sb, err := s.lifecycle.ReportStatus(c.Request.Context(), c.Param("appId"), report)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if sb == nil {
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusOK, sb)
}
