package commands

import (
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"fleetd/api/v1/middleware"
	"fleetd/internal/httpx"
	"fleetd/internal/hub"
	"fleetd/internal/model"
	"fleetd/internal/tasks"
)

// Handler serves ad hoc command execution: operator fan-out plus the
// agent pull feed. Each execution is one independently stateful row.
type Handler struct {
	db     *gorm.DB
	tasks  *tasks.Service
	logger *logrus.Entry
}

// NewHandler creates a commands handler
func NewHandler(db *gorm.DB, taskService *tasks.Service, logger *logrus.Entry) *Handler {
	return &Handler{
		db:     db,
		tasks:  taskService,
		logger: logger.WithField("component", "commands"),
	}
}

// ExecuteRequest asks the named agents to run one command
type ExecuteRequest struct {
	Command        string   `json:"command" binding:"required"`
	Arguments      string   `json:"arguments"`
	RunAsAdmin     bool     `json:"runAsAdmin"`
	TimeoutMinutes int      `json:"timeoutMinutes"`
	TargetAgentIDs []string `json:"targetAgentIds" binding:"required,min=1"`
}

// Execute fans a command out to the target agents, one pending execution
// row each. Unknown target ids are skipped.
func (h *Handler) Execute(c *gin.Context) {
	var req ExecuteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.FailErr(c, httpx.ErrParamInvalid("invalid command payload"))
		return
	}

	timeoutMinutes := req.TimeoutMinutes
	if timeoutMinutes <= 0 {
		timeoutMinutes = 5
	}
	requestedBy := c.GetString("username")

	var knownAgents []model.Agent
	if err := h.db.Select("id").Where("id IN ?", req.TargetAgentIDs).Find(&knownAgents).Error; err != nil {
		httpx.FailErr(c, httpx.ErrDatabaseError("failed to resolve target agents", err))
		return
	}
	if len(knownAgents) == 0 {
		httpx.FailErr(c, httpx.ErrParamInvalid("no known target agents"))
		return
	}

	executions := make([]model.CommandExecution, 0, len(knownAgents))
	for _, agent := range knownAgents {
		executions = append(executions, model.CommandExecution{
			ID:             uuid.New().String(),
			AgentID:        agent.ID,
			Command:        req.Command,
			Arguments:      req.Arguments,
			RunAsAdmin:     req.RunAsAdmin,
			TimeoutMinutes: timeoutMinutes,
			Status:         model.TaskStatusPending,
			RequestedBy:    requestedBy,
		})
	}
	if err := h.db.Create(&executions).Error; err != nil {
		httpx.FailErr(c, httpx.ErrDatabaseError("failed to create command executions", err))
		return
	}

	h.logger.WithFields(logrus.Fields{
		"command": req.Command,
		"targets": len(executions),
	}).Info("Command fanned out")

	httpx.OK(c, executions)
}

// ListRequest is the operator command history query
type ListRequest struct {
	Page     int    `json:"page" form:"page"`
	PageSize int    `json:"pageSize" form:"pageSize"`
	AgentID  string `json:"agentId" form:"agentId"`
	Status   string `json:"status" form:"status"`
}

// List returns command executions with pagination
func (h *Handler) List(c *gin.Context) {
	var req ListRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		httpx.FailErr(c, httpx.ErrParamInvalid("invalid query parameters"))
		return
	}
	if req.Page <= 0 {
		req.Page = 1
	}
	if req.PageSize <= 0 {
		req.PageSize = 15
	}

	query := h.db.Model(&model.CommandExecution{})
	if req.AgentID != "" {
		query = query.Where("agent_id = ?", req.AgentID)
	}
	if req.Status != "" {
		query = query.Where("status = ?", req.Status)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		httpx.FailErr(c, httpx.ErrDatabaseError("failed to count command executions", err))
		return
	}

	var list []model.CommandExecution
	offset := (req.Page - 1) * req.PageSize
	if err := query.
		Offset(offset).
		Limit(req.PageSize).
		Order("requested_at DESC").
		Find(&list).Error; err != nil {
		httpx.FailErr(c, httpx.ErrDatabaseError("failed to query command executions", err))
		return
	}

	httpx.OKItems(c, list, total, req.Page, req.PageSize)
}

// Get returns one command execution by id
func (h *Handler) Get(c *gin.Context) {
	id := c.Param("id")

	var execution model.CommandExecution
	if err := h.db.Where("id = ?", id).First(&execution).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			httpx.FailErr(c, httpx.ErrNotFound("command execution not found"))
			return
		}
		httpx.FailErr(c, httpx.ErrDatabaseError("failed to query command execution", err))
		return
	}

	httpx.OK(c, execution)
}

// PendingCommandDTO is one claimed command in the agent's pull feed
type PendingCommandDTO struct {
	CommandID      string `json:"commandId"`
	Command        string `json:"command"`
	Arguments      string `json:"arguments,omitempty"`
	RunAsAdmin     bool   `json:"runAsAdmin"`
	TimeoutMinutes int    `json:"timeoutMinutes"`
}

// GetPending returns the calling agent's pending commands. Polling claims
// the rows: they transition to running and disappear from later polls.
func (h *Handler) GetPending(c *gin.Context) {
	agentID, ok := middleware.AgentID(c)
	if !ok {
		httpx.FailErr(c, httpx.ErrUnauthenticated(""))
		return
	}

	claimed, err := h.tasks.PollCommands(c.Request.Context(), agentID)
	if err != nil {
		httpx.FailErr(c, httpx.ErrDatabaseError("failed to poll commands", err))
		return
	}

	items := make([]PendingCommandDTO, 0, len(claimed))
	for i := range claimed {
		items = append(items, PendingCommandDTO{
			CommandID:      claimed[i].ID,
			Command:        claimed[i].Command,
			Arguments:      claimed[i].Arguments,
			RunAsAdmin:     claimed[i].RunAsAdmin,
			TimeoutMinutes: claimed[i].TimeoutMinutes,
		})
	}

	httpx.OK(c, items)
}

// ResultRequest is the agent's report for one command execution
type ResultRequest struct {
	AgentID     string           `json:"agentId"`
	Status      model.TaskStatus `json:"status" binding:"required"`
	ExitCode    *int             `json:"exitCode"`
	Output      string           `json:"output"`
	ErrorOutput string           `json:"errorOutput"`
	CompletedAt *time.Time       `json:"completedAt"`
}

// UpdateResult applies the calling agent's result for one command. Success
// is exit code 0; anything else is recorded as failed regardless of the
// reported status. Terminal rows reject conflicting rewrites with 409.
func (h *Handler) UpdateResult(c *gin.Context) {
	agentID, ok := middleware.AgentID(c)
	if !ok {
		httpx.FailErr(c, httpx.ErrUnauthenticated(""))
		return
	}
	commandID := c.Param("id")

	var req ResultRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.FailErr(c, httpx.ErrParamInvalid("invalid result payload"))
		return
	}
	if req.AgentID != "" && req.AgentID != agentID {
		httpx.FailErr(c, httpx.ErrForbidden("agent identity mismatch"))
		return
	}
	if !tasks.ReportableStatus(req.Status) {
		httpx.FailErr(c, httpx.ErrParamInvalid("unknown result status"))
		return
	}

	recorded, err := h.tasks.ReportCommand(c.Request.Context(), agentID, commandID, tasks.Report{
		Status:      req.Status,
		ExitCode:    req.ExitCode,
		Output:      req.Output,
		ErrorOutput: req.ErrorOutput,
		CompletedAt: req.CompletedAt,
	})
	switch {
	case errors.Is(err, tasks.ErrTaskNotFound):
		httpx.FailErr(c, httpx.ErrNotFound("command execution not found"))
	case errors.Is(err, tasks.ErrStatusInvalid):
		httpx.FailErr(c, httpx.ErrParamInvalid("unknown result status"))
	case errors.Is(err, tasks.ErrTerminalState):
		httpx.FailErr(c, httpx.ErrStateConflict("command execution already finalized"))
	case err != nil:
		httpx.FailErr(c, httpx.ErrDatabaseError("failed to update command result", err))
	default:
		hub.BroadcastToAll(hub.EventCommandResult, map[string]interface{}{
			"commandId": commandID,
			"agentId":   agentID,
			"status":    recorded,
		})
		httpx.OK(c, gin.H{"status": recorded})
	}
}
