package deployments

import (
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"fleetd/api/v1/middleware"
	"fleetd/internal/httpx"
	"fleetd/internal/hub"
	"fleetd/internal/model"
	"fleetd/internal/tasks"
)

// Handler serves deployment management for operators and the pull-based
// task feed for agents.
type Handler struct {
	db      *gorm.DB
	tasks   *tasks.Service
	baseDir string
	logger  *logrus.Entry
}

// NewHandler creates a deployments handler. baseDir is the root directory
// holding one package folder per deployment.
func NewHandler(db *gorm.DB, taskService *tasks.Service, baseDir string, logger *logrus.Entry) *Handler {
	return &Handler{
		db:      db,
		tasks:   taskService,
		baseDir: baseDir,
		logger:  logger.WithField("component", "deployments"),
	}
}

// CreateRequest describes a new deployment and its targets
type CreateRequest struct {
	Name              string               `json:"name" binding:"required"`
	Description       string               `json:"description"`
	Type              model.DeploymentType `json:"type" binding:"required"`
	PackageFolderName string               `json:"packageFolderName" binding:"required"`
	ExecutablePath    string               `json:"executablePath"`
	Arguments         string               `json:"arguments"`
	RunAsAdmin        *bool                `json:"runAsAdmin"`
	TimeoutMinutes    int                  `json:"timeoutMinutes"`
	SuccessExitCodes  []int                `json:"successExitCodes"`
	TargetAgentIDs    []string             `json:"targetAgentIds" binding:"required,min=1"`
}

// Create registers a deployment and fans it out: one pending result row per
// target agent. Unknown target ids are skipped rather than failing the call.
func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.FailErr(c, httpx.ErrParamInvalid("invalid deployment payload"))
		return
	}

	switch req.Type {
	case model.DeploymentTypeExecutable, model.DeploymentTypeMsi,
		model.DeploymentTypePowerShell, model.DeploymentTypeBatch,
		model.DeploymentTypeFilesCopy:
	default:
		httpx.FailErr(c, httpx.ErrParamInvalid("unknown deployment type"))
		return
	}

	if req.PackageFolderName != filepath.Base(req.PackageFolderName) || req.PackageFolderName == ".." {
		httpx.FailErr(c, httpx.ErrParamInvalid("invalid package folder name"))
		return
	}
	if info, err := os.Stat(filepath.Join(h.baseDir, req.PackageFolderName)); err != nil || !info.IsDir() {
		httpx.FailErr(c, httpx.ErrParamInvalid("package folder does not exist"))
		return
	}

	runAsAdmin := true
	if req.RunAsAdmin != nil {
		runAsAdmin = *req.RunAsAdmin
	}
	timeoutMinutes := req.TimeoutMinutes
	if timeoutMinutes <= 0 {
		timeoutMinutes = 30
	}
	successExitCodes := req.SuccessExitCodes
	if len(successExitCodes) == 0 {
		successExitCodes = []int{0}
	}

	createdBy := c.GetString("username")

	var knownAgents []model.Agent
	if err := h.db.Select("id").Where("id IN ?", req.TargetAgentIDs).Find(&knownAgents).Error; err != nil {
		httpx.FailErr(c, httpx.ErrDatabaseError("failed to resolve target agents", err))
		return
	}
	if len(knownAgents) == 0 {
		httpx.FailErr(c, httpx.ErrParamInvalid("no known target agents"))
		return
	}

	deployment := model.Deployment{
		ID:                uuid.New().String(),
		Name:              req.Name,
		Description:       req.Description,
		Type:              req.Type,
		PackageFolderName: req.PackageFolderName,
		ExecutablePath:    req.ExecutablePath,
		Arguments:         req.Arguments,
		RunAsAdmin:        runAsAdmin,
		TimeoutMinutes:    timeoutMinutes,
		SuccessExitCodes:  datatypes.JSONSlice[int](successExitCodes),
		Status:            model.TaskStatusPending,
		CreatedBy:         createdBy,
	}

	err := h.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&deployment).Error; err != nil {
			return err
		}
		for _, agent := range knownAgents {
			target := model.DeploymentTarget{
				ID:           uuid.New().String(),
				DeploymentID: deployment.ID,
				AgentID:      agent.ID,
			}
			if err := tx.Create(&target).Error; err != nil {
				return err
			}
			result := model.DeploymentResult{
				ID:           uuid.New().String(),
				DeploymentID: deployment.ID,
				AgentID:      agent.ID,
				Status:       model.TaskStatusPending,
			}
			if err := tx.Create(&result).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		httpx.FailErr(c, httpx.ErrDatabaseError("failed to create deployment", err))
		return
	}

	h.logger.WithFields(logrus.Fields{
		"deploymentId": deployment.ID,
		"name":         deployment.Name,
		"targets":      len(knownAgents),
	}).Info("Deployment created")

	httpx.OK(c, deployment)
}

// DeploymentDTO is the operator view of a deployment with its fan-out
// progress aggregated from the per-agent result rows.
type DeploymentDTO struct {
	model.Deployment
	TargetAgentCount int `json:"targetAgentCount"`
	SuccessCount     int `json:"successCount"`
	FailedCount      int `json:"failedCount"`
}

type resultTally struct {
	targets   int
	succeeded int
	failed    int
}

// tallyResults aggregates result rows per deployment id. Timeout and
// cancelled are counted as targets only; failed means failed.
func tallyResults(results []model.DeploymentResult) map[string]resultTally {
	tallies := make(map[string]resultTally)
	for i := range results {
		tally := tallies[results[i].DeploymentID]
		tally.targets++
		switch results[i].Status {
		case model.TaskStatusCompleted:
			tally.succeeded++
		case model.TaskStatusFailed:
			tally.failed++
		}
		tallies[results[i].DeploymentID] = tally
	}
	return tallies
}

func toDTO(deployment model.Deployment, tally resultTally) DeploymentDTO {
	return DeploymentDTO{
		Deployment:       deployment,
		TargetAgentCount: tally.targets,
		SuccessCount:     tally.succeeded,
		FailedCount:      tally.failed,
	}
}

// ListRequest is the operator deployment query
type ListRequest struct {
	Page     int    `json:"page" form:"page"`
	PageSize int    `json:"pageSize" form:"pageSize"`
	Status   string `json:"status" form:"status"`
}

// List returns deployments with pagination
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

	query := h.db.Model(&model.Deployment{})
	if req.Status != "" {
		query = query.Where("status = ?", req.Status)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		httpx.FailErr(c, httpx.ErrDatabaseError("failed to count deployments", err))
		return
	}

	var list []model.Deployment
	offset := (req.Page - 1) * req.PageSize
	if err := query.
		Offset(offset).
		Limit(req.PageSize).
		Order("created_at DESC").
		Find(&list).Error; err != nil {
		httpx.FailErr(c, httpx.ErrDatabaseError("failed to query deployments", err))
		return
	}

	ids := make([]string, 0, len(list))
	for i := range list {
		ids = append(ids, list[i].ID)
	}
	var results []model.DeploymentResult
	if len(ids) > 0 {
		if err := h.db.
			Select("deployment_id", "status").
			Where("deployment_id IN ?", ids).
			Find(&results).Error; err != nil {
			httpx.FailErr(c, httpx.ErrDatabaseError("failed to query deployment results", err))
			return
		}
	}
	tallies := tallyResults(results)

	items := make([]DeploymentDTO, 0, len(list))
	for i := range list {
		items = append(items, toDTO(list[i], tallies[list[i].ID]))
	}

	httpx.OKItems(c, items, total, req.Page, req.PageSize)
}

// Get returns one deployment by id
func (h *Handler) Get(c *gin.Context) {
	id := c.Param("id")

	var deployment model.Deployment
	if err := h.db.Where("id = ?", id).First(&deployment).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			httpx.FailErr(c, httpx.ErrNotFound("deployment not found"))
			return
		}
		httpx.FailErr(c, httpx.ErrDatabaseError("failed to query deployment", err))
		return
	}

	var results []model.DeploymentResult
	if err := h.db.
		Select("deployment_id", "status").
		Where("deployment_id = ?", id).
		Find(&results).Error; err != nil {
		httpx.FailErr(c, httpx.ErrDatabaseError("failed to query deployment results", err))
		return
	}

	httpx.OK(c, toDTO(deployment, tallyResults(results)[id]))
}

// Results returns the per-agent result rows of a deployment
func (h *Handler) Results(c *gin.Context) {
	id := c.Param("id")

	var deployment model.Deployment
	if err := h.db.Where("id = ?", id).First(&deployment).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			httpx.FailErr(c, httpx.ErrNotFound("deployment not found"))
			return
		}
		httpx.FailErr(c, httpx.ErrDatabaseError("failed to query deployment", err))
		return
	}

	var results []model.DeploymentResult
	if err := h.db.Where("deployment_id = ?", id).Find(&results).Error; err != nil {
		httpx.FailErr(c, httpx.ErrDatabaseError("failed to query deployment results", err))
		return
	}

	httpx.OK(c, results)
}

// PendingDeploymentDTO is one claimed task in the agent's pull feed. Files
// lists the package manifest; each file is fetched via the files endpoint.
type PendingDeploymentDTO struct {
	DeploymentID     string               `json:"deploymentId"`
	Name             string               `json:"name"`
	Type             model.DeploymentType `json:"type"`
	Files            []string             `json:"files"`
	ExecutablePath   string               `json:"executablePath,omitempty"`
	Arguments        string               `json:"arguments,omitempty"`
	RunAsAdmin       bool                 `json:"runAsAdmin"`
	TimeoutMinutes   int                  `json:"timeoutMinutes"`
	SuccessExitCodes []int                `json:"successExitCodes"`
}

// GetPending returns the calling agent's pending deployments. Returned
// rows are already claimed: polling moved them to in_progress, so a second
// poll will not see them again.
func (h *Handler) GetPending(c *gin.Context) {
	agentID, ok := middleware.AgentID(c)
	if !ok {
		httpx.FailErr(c, httpx.ErrUnauthenticated(""))
		return
	}

	claimed, err := h.tasks.PollDeployments(c.Request.Context(), agentID)
	if err != nil {
		httpx.FailErr(c, httpx.ErrDatabaseError("failed to poll deployments", err))
		return
	}

	items := make([]PendingDeploymentDTO, 0, len(claimed))
	for i := range claimed {
		deployment := claimed[i].Deployment
		if deployment == nil {
			continue
		}
		items = append(items, PendingDeploymentDTO{
			DeploymentID:     deployment.ID,
			Name:             deployment.Name,
			Type:             deployment.Type,
			Files:            tasks.PackageFiles(h.baseDir, deployment.PackageFolderName),
			ExecutablePath:   deployment.ExecutablePath,
			Arguments:        deployment.Arguments,
			RunAsAdmin:       deployment.RunAsAdmin,
			TimeoutMinutes:   deployment.TimeoutMinutes,
			SuccessExitCodes: deployment.SuccessExitCodes,
		})
	}

	httpx.OK(c, items)
}

// ResultRequest is the agent's report for one deployment
type ResultRequest struct {
	AgentID      string           `json:"agentId"`
	Status       model.TaskStatus `json:"status" binding:"required"`
	ExitCode     *int             `json:"exitCode"`
	Output       string           `json:"output"`
	ErrorMessage string           `json:"errorMessage"`
	CompletedAt  *time.Time       `json:"completedAt"`
}

// UpdateResult applies the calling agent's result for one deployment. The
// final success/failure outcome is recomputed server-side from the exit
// code and the deployment's allow-list; terminal rows reject conflicting
// rewrites with 409.
func (h *Handler) UpdateResult(c *gin.Context) {
	agentID, ok := middleware.AgentID(c)
	if !ok {
		httpx.FailErr(c, httpx.ErrUnauthenticated(""))
		return
	}
	deploymentID := c.Param("id")

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

	recorded, err := h.tasks.ReportDeployment(c.Request.Context(), agentID, deploymentID, tasks.Report{
		Status:      req.Status,
		ExitCode:    req.ExitCode,
		Output:      req.Output,
		ErrorOutput: req.ErrorMessage,
		CompletedAt: req.CompletedAt,
	})
	switch {
	case errors.Is(err, tasks.ErrTaskNotFound):
		httpx.FailErr(c, httpx.ErrNotFound("deployment result not found"))
	case errors.Is(err, tasks.ErrStatusInvalid):
		httpx.FailErr(c, httpx.ErrParamInvalid("unknown result status"))
	case errors.Is(err, tasks.ErrTerminalState):
		httpx.FailErr(c, httpx.ErrStateConflict("deployment result already finalized"))
	case err != nil:
		httpx.FailErr(c, httpx.ErrDatabaseError("failed to update deployment result", err))
	default:
		hub.BroadcastToAll(hub.EventDeploymentResult, map[string]interface{}{
			"deploymentId": deploymentID,
			"agentId":      agentID,
			"status":       recorded,
		})
		httpx.OK(c, gin.H{"status": recorded})
	}
}

// DownloadFile streams one file from a deployment's package folder. The
// path is taken relative to the package folder and must stay inside it.
func (h *Handler) DownloadFile(c *gin.Context) {
	deploymentID := c.Param("id")
	relPath := c.Query("filePath")
	if relPath == "" {
		httpx.FailErr(c, httpx.ErrParamMissing("filePath is required"))
		return
	}

	var deployment model.Deployment
	if err := h.db.Where("id = ?", deploymentID).First(&deployment).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			httpx.FailErr(c, httpx.ErrNotFound("deployment not found"))
			return
		}
		httpx.FailErr(c, httpx.ErrDatabaseError("failed to query deployment", err))
		return
	}

	full, err := tasks.ResolvePackageFile(h.baseDir, deployment.PackageFolderName, relPath)
	if err != nil {
		httpx.FailErr(c, httpx.ErrParamInvalid("file path escapes package folder"))
		return
	}
	if info, err := os.Stat(full); err != nil || info.IsDir() {
		httpx.FailErr(c, httpx.ErrNotFound("file not found"))
		return
	}

	c.FileAttachment(full, relPath)
}
