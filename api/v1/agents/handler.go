package agents

import (
	"errors"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"fleetd/api/v1/middleware"
	"fleetd/internal/ca"
	"fleetd/internal/config"
	"fleetd/internal/httpx"
	"fleetd/internal/hub"
	"fleetd/internal/liveness"
	"fleetd/internal/model"
)

// Handler serves agent registration, heartbeat and certificate refresh,
// plus the operator-facing agent inventory.
type Handler struct {
	db     *gorm.DB
	ca     *ca.Service
	cfg    *config.Config
	logger *logrus.Entry

	regMu    sync.Mutex
	regLocks map[string]*sync.Mutex
}

// NewHandler creates an agents handler
func NewHandler(db *gorm.DB, caService *ca.Service, cfg *config.Config, logger *logrus.Entry) *Handler {
	return &Handler{
		db:       db,
		ca:       caService,
		cfg:      cfg,
		logger:   logger.WithField("component", "agents"),
		regLocks: map[string]*sync.Mutex{},
	}
}

// machineLock serializes registrations of the same machine id so that
// two concurrent first contacts yield one agent row, not two.
func (h *Handler) machineLock(machineID string) *sync.Mutex {
	h.regMu.Lock()
	defer h.regMu.Unlock()
	mu, ok := h.regLocks[machineID]
	if !ok {
		mu = &sync.Mutex{}
		h.regLocks[machineID] = mu
	}
	return mu
}

// RegisterRequest is the anonymous first-contact payload
type RegisterRequest struct {
	MachineID       string         `json:"machineId" binding:"required"`
	MachineName     string         `json:"machineName" binding:"required"`
	OperatingSystem string         `json:"operatingSystem" binding:"required"`
	IPAddress       string         `json:"ipAddress"`
	Metadata        map[string]any `json:"metadata"`
}

// RegisterResponse carries the agent's identity and fresh credential.
// The private key exists only in this response; it is never stored.
type RegisterResponse struct {
	AgentID     string    `json:"agentId"`
	Certificate string    `json:"certificate"`
	PrivateKey  string    `json:"privateKey"`
	Thumbprint  string    `json:"thumbprint"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// Register enrolls a machine and mints its client certificate. The call is
// anonymous: it is how an agent obtains its credential in the first place.
// Registering an already-known machine id updates the existing row and
// issues a fresh certificate; earlier certificates stay valid until they
// expire or are revoked.
func (h *Handler) Register(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.FailErr(c, httpx.ErrParamInvalid("invalid registration payload"))
		return
	}

	mu := h.machineLock(req.MachineID)
	mu.Lock()
	defer mu.Unlock()

	now := time.Now()

	var agent model.Agent
	err := h.db.Where("machine_id = ?", req.MachineID).First(&agent).Error
	switch {
	case err == nil:
		updates := map[string]interface{}{
			"machine_name":     req.MachineName,
			"operating_system": req.OperatingSystem,
			"last_heartbeat":   now,
			"status":           model.AgentStatusOnline,
		}
		if req.IPAddress != "" {
			updates["ip_address"] = req.IPAddress
		}
		if req.Metadata != nil {
			updates["metadata"] = datatypes.JSONMap(req.Metadata)
		}
		if err := h.db.Model(&agent).Updates(updates).Error; err != nil {
			httpx.FailErr(c, httpx.ErrDatabaseError("failed to update agent", err))
			return
		}
		h.logger.WithFields(logrus.Fields{
			"agentId":   agent.ID,
			"machineId": req.MachineID,
		}).Info("Agent re-registered")

	case errors.Is(err, gorm.ErrRecordNotFound):
		agent = model.Agent{
			ID:              uuid.New().String(),
			MachineID:       req.MachineID,
			MachineName:     req.MachineName,
			OperatingSystem: req.OperatingSystem,
			IPAddress:       req.IPAddress,
			Status:          model.AgentStatusOnline,
			LastHeartbeat:   now,
			RegisteredAt:    now,
			Metadata:        datatypes.JSONMap(req.Metadata),
		}
		if err := h.db.Create(&agent).Error; err != nil {
			httpx.FailErr(c, httpx.ErrDatabaseError("failed to create agent", err))
			return
		}
		h.logger.WithFields(logrus.Fields{
			"agentId":   agent.ID,
			"machineId": req.MachineID,
		}).Info("Agent registered")

	default:
		httpx.FailErr(c, httpx.ErrDatabaseError("failed to query agent", err))
		return
	}

	cert, leaf, err := h.ca.IssueCertificate(c.Request.Context(), agent.ID, req.MachineName, h.cfg.CA.ValidityDays)
	if err != nil {
		httpx.FailErr(c, httpx.ErrInternalError("failed to issue certificate", err))
		return
	}

	if err := h.db.Model(&agent).Updates(map[string]interface{}{
		"current_thumbprint":     cert.Thumbprint,
		"certificate_expires_at": &cert.ExpiresAt,
	}).Error; err != nil {
		httpx.FailErr(c, httpx.ErrDatabaseError("failed to record certificate on agent", err))
		return
	}

	hub.BroadcastToAll(hub.EventAgentRegistered, map[string]interface{}{
		"agentId":     agent.ID,
		"machineName": req.MachineName,
	})

	httpx.OK(c, RegisterResponse{
		AgentID:     agent.ID,
		Certificate: leaf.CertPEM,
		PrivateKey:  leaf.KeyPEM,
		Thumbprint:  leaf.Thumbprint,
		ExpiresAt:   leaf.ExpiresAt,
	})
}

// HeartbeatRequest is the agent's periodic liveness report. SystemInfo is
// accepted for wire compatibility but not persisted.
type HeartbeatRequest struct {
	Status     model.AgentStatus `json:"status" binding:"required"`
	IPAddress  string            `json:"ipAddress"`
	SystemInfo map[string]any    `json:"systemInfo"`
}

// Heartbeat records that the authenticated agent is alive. The reported
// status is stored verbatim; staleness is projected at read time.
func (h *Handler) Heartbeat(c *gin.Context) {
	agentID, ok := middleware.AgentID(c)
	if !ok {
		httpx.FailErr(c, httpx.ErrUnauthenticated(""))
		return
	}

	var req HeartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.FailErr(c, httpx.ErrParamInvalid("invalid heartbeat payload"))
		return
	}
	switch req.Status {
	case model.AgentStatusOnline, model.AgentStatusOffline, model.AgentStatusMaintenance:
	default:
		httpx.FailErr(c, httpx.ErrParamInvalid("unknown agent status"))
		return
	}

	updates := map[string]interface{}{
		"status":         req.Status,
		"last_heartbeat": time.Now(),
	}
	if req.IPAddress != "" {
		updates["ip_address"] = req.IPAddress
	}

	result := h.db.Model(&model.Agent{}).Where("id = ?", agentID).Updates(updates)
	if result.Error != nil {
		httpx.FailErr(c, httpx.ErrDatabaseError("failed to record heartbeat", result.Error))
		return
	}
	if result.RowsAffected == 0 {
		httpx.FailErr(c, httpx.ErrNotFound("agent not found"))
		return
	}

	hub.BroadcastToAll(hub.EventAgentHeartbeat, map[string]interface{}{
		"agentId": agentID,
		"status":  req.Status,
	})

	httpx.OK(c, nil)
}

// RefreshRequest asks for a replacement certificate before expiry. Both
// fields are optional echoes of the authenticated identity; when present
// they must match it.
type RefreshRequest struct {
	AgentID           string `json:"agentId"`
	CurrentThumbprint string `json:"currentThumbprint"`
}

// RefreshResponse carries the replacement credential
type RefreshResponse struct {
	Certificate string    `json:"certificate"`
	PrivateKey  string    `json:"privateKey"`
	Thumbprint  string    `json:"thumbprint"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// RefreshCertificate mints a replacement certificate for the calling agent.
// The identity bound by the middleware is authoritative: the credential it
// validated is the one being replaced, and a body agentId or thumbprint
// that names anything else is rejected outright.
func (h *Handler) RefreshCertificate(c *gin.Context) {
	agentID, ok := middleware.AgentID(c)
	if !ok {
		httpx.FailErr(c, httpx.ErrUnauthenticated(""))
		return
	}
	thumbprint, ok := middleware.Thumbprint(c)
	if !ok {
		httpx.FailErr(c, httpx.ErrUnauthenticated(""))
		return
	}

	var req RefreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.FailErr(c, httpx.ErrParamInvalid("invalid refresh payload"))
		return
	}
	if req.AgentID != "" && req.AgentID != agentID {
		httpx.FailErr(c, httpx.ErrForbidden("agent identity mismatch"))
		return
	}
	if req.CurrentThumbprint != "" && req.CurrentThumbprint != thumbprint {
		httpx.FailErr(c, httpx.ErrForbidden("certificate thumbprint mismatch"))
		return
	}

	var agent model.Agent
	if err := h.db.Where("id = ?", agentID).First(&agent).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			httpx.FailErr(c, httpx.ErrNotFound("agent not found"))
			return
		}
		httpx.FailErr(c, httpx.ErrDatabaseError("failed to query agent", err))
		return
	}

	cert, leaf, err := h.ca.IssueCertificate(c.Request.Context(), agent.ID, agent.MachineName, h.cfg.CA.ValidityDays)
	if err != nil {
		httpx.FailErr(c, httpx.ErrInternalError("failed to issue certificate", err))
		return
	}

	if err := h.db.Model(&agent).Updates(map[string]interface{}{
		"current_thumbprint":     cert.Thumbprint,
		"certificate_expires_at": &cert.ExpiresAt,
	}).Error; err != nil {
		httpx.FailErr(c, httpx.ErrDatabaseError("failed to record certificate on agent", err))
		return
	}

	h.logger.WithFields(logrus.Fields{
		"agentId":    agent.ID,
		"thumbprint": leaf.Thumbprint,
	}).Info("Agent certificate refreshed")

	httpx.OK(c, RefreshResponse{
		Certificate: leaf.CertPEM,
		PrivateKey:  leaf.KeyPEM,
		Thumbprint:  leaf.Thumbprint,
		ExpiresAt:   leaf.ExpiresAt,
	})
}

// ListRequest is the operator inventory query
type ListRequest struct {
	Page     int    `json:"page" form:"page"`
	PageSize int    `json:"pageSize" form:"pageSize"`
	Status   string `json:"status" form:"status"`
	Search   string `json:"search" form:"search"`
}

// AgentDTO is the operator view of an agent. Status is the effective
// status after the heartbeat staleness projection.
type AgentDTO struct {
	ID                   string            `json:"id"`
	MachineID            string            `json:"machineId"`
	MachineName          string            `json:"machineName"`
	OperatingSystem      string            `json:"operatingSystem"`
	IPAddress            string            `json:"ipAddress,omitempty"`
	Status               model.AgentStatus `json:"status"`
	LastHeartbeat        time.Time         `json:"lastHeartbeat"`
	RegisteredAt         time.Time         `json:"registeredAt"`
	CurrentThumbprint    string            `json:"currentThumbprint,omitempty"`
	CertificateExpiresAt *time.Time        `json:"certificateExpiresAt,omitempty"`
	Metadata             map[string]any    `json:"metadata,omitempty"`
}

func (h *Handler) toDTO(agent *model.Agent, now time.Time) AgentDTO {
	threshold := time.Duration(h.cfg.Liveness.OfflineThresholdSec) * time.Second
	return AgentDTO{
		ID:                   agent.ID,
		MachineID:            agent.MachineID,
		MachineName:          agent.MachineName,
		OperatingSystem:      agent.OperatingSystem,
		IPAddress:            agent.IPAddress,
		Status:               liveness.EffectiveStatus(agent, threshold, now),
		LastHeartbeat:        agent.LastHeartbeat,
		RegisteredAt:         agent.RegisteredAt,
		CurrentThumbprint:    agent.CurrentThumbprint,
		CertificateExpiresAt: agent.CertificateExpiresAt,
		Metadata:             agent.Metadata,
	}
}

// List returns the agent inventory with pagination
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

	query := h.db.Model(&model.Agent{})
	if req.Status != "" {
		query = query.Where("status = ?", req.Status)
	}
	if req.Search != "" {
		query = query.Where("machine_name LIKE ? OR machine_id LIKE ?",
			"%"+req.Search+"%", "%"+req.Search+"%")
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		httpx.FailErr(c, httpx.ErrDatabaseError("failed to count agents", err))
		return
	}

	var list []model.Agent
	offset := (req.Page - 1) * req.PageSize
	if err := query.
		Offset(offset).
		Limit(req.PageSize).
		Order("registered_at DESC").
		Find(&list).Error; err != nil {
		httpx.FailErr(c, httpx.ErrDatabaseError("failed to query agents", err))
		return
	}

	now := time.Now()
	items := make([]AgentDTO, 0, len(list))
	for i := range list {
		items = append(items, h.toDTO(&list[i], now))
	}

	httpx.OKItems(c, items, total, req.Page, req.PageSize)
}

// Get returns one agent by id
func (h *Handler) Get(c *gin.Context) {
	id := c.Param("id")

	var agent model.Agent
	if err := h.db.Where("id = ?", id).First(&agent).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			httpx.FailErr(c, httpx.ErrNotFound("agent not found"))
			return
		}
		httpx.FailErr(c, httpx.ErrDatabaseError("failed to query agent", err))
		return
	}

	httpx.OK(c, h.toDTO(&agent, time.Now()))
}

// Delete removes an agent. Certificates, deployment results and command
// executions cascade with the row.
func (h *Handler) Delete(c *gin.Context) {
	id := c.Param("id")

	result := h.db.Delete(&model.Agent{}, "id = ?", id)
	if result.Error != nil {
		httpx.FailErr(c, httpx.ErrDatabaseError("failed to delete agent", result.Error))
		return
	}
	if result.RowsAffected == 0 {
		httpx.FailErr(c, httpx.ErrNotFound("agent not found"))
		return
	}

	h.logger.WithField("agentId", id).Info("Agent deleted")
	httpx.OKMsg(c, "agent deleted", nil)
}
