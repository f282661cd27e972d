package certificates

import (
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"fleetd/internal/ca"
	"fleetd/internal/httpx"
	"fleetd/internal/model"
)

// Handler serves operator certificate administration
type Handler struct {
	db     *gorm.DB
	ca     *ca.Service
	logger *logrus.Entry
}

// NewHandler creates a certificates handler
func NewHandler(db *gorm.DB, caService *ca.Service, logger *logrus.Entry) *Handler {
	return &Handler{
		db:     db,
		ca:     caService,
		logger: logger.WithField("component", "certificates"),
	}
}

// RevokeRequest names the certificate to revoke
type RevokeRequest struct {
	Thumbprint string `json:"thumbprint" binding:"required"`
	Reason     string `json:"reason"`
}

// Revoke marks a certificate revoked. Revoking an already-revoked
// certificate succeeds and records the new reason; revocation is never
// undone.
func (h *Handler) Revoke(c *gin.Context) {
	var req RevokeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.FailErr(c, httpx.ErrParamInvalid("invalid revoke payload"))
		return
	}

	err := h.ca.Revoke(c.Request.Context(), req.Thumbprint, req.Reason)
	switch {
	case errors.Is(err, ca.ErrCertificateNotFound):
		httpx.FailErr(c, httpx.ErrNotFound("certificate not found"))
	case err != nil:
		httpx.FailErr(c, httpx.ErrDatabaseError("failed to revoke certificate", err))
	default:
		httpx.OKMsg(c, "certificate revoked", nil)
	}
}

// ListByAgent returns an agent's certificate history, newest first.
// The PEM body is not included in the listing.
func (h *Handler) ListByAgent(c *gin.Context) {
	agentID := c.Param("id")

	var certs []model.Certificate
	if err := h.db.
		Where("agent_id = ?", agentID).
		Order("issued_at DESC").
		Find(&certs).Error; err != nil {
		httpx.FailErr(c, httpx.ErrDatabaseError("failed to query certificates", err))
		return
	}

	httpx.OK(c, certs)
}
