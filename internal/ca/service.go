package ca

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"fleetd/internal/model"
	"fleetd/internal/pki"
)

// ErrCertificateNotFound is returned when a thumbprint is unknown
var ErrCertificateNotFound = errors.New("certificate not found")

const cacheKeyPrefix = "ca:cert:"

// Service is the internal certificate authority. It mints per-agent leaf
// certificates via the issuer and owns all mutation of certificate rows.
type Service struct {
	db       *gorm.DB
	rdb      *redis.Client
	issuer   *pki.Issuer
	logger   *logrus.Entry
	cacheTTL time.Duration
}

// NewService creates a CA service. rdb may be nil, in which case the
// thumbprint lookup cache is disabled.
func NewService(db *gorm.DB, rdb *redis.Client, issuer *pki.Issuer, logger *logrus.Entry) *Service {
	return &Service{
		db:       db,
		rdb:      rdb,
		issuer:   issuer,
		logger:   logger.WithField("component", "ca"),
		cacheTTL: 30 * time.Second,
	}
}

// IssueCertificate mints a new leaf certificate for the agent and durably
// records it. Key generation or persistence failure is fatal to the call.
func (s *Service) IssueCertificate(ctx context.Context, agentID, commonName string, validityDays int) (*model.Certificate, *pki.LeafCertificate, error) {
	leaf, err := s.issuer.Issue(agentID, commonName, validityDays)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to issue certificate: %w", err)
	}

	cert := &model.Certificate{
		ID:             uuid.New().String(),
		AgentID:        agentID,
		Thumbprint:     leaf.Thumbprint,
		CertificatePEM: leaf.CertPEM,
		IssuedAt:       leaf.IssuedAt,
		ExpiresAt:      leaf.ExpiresAt,
		Revoked:        false,
	}

	if err := s.db.WithContext(ctx).Create(cert).Error; err != nil {
		return nil, nil, fmt.Errorf("failed to store certificate: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"agentId":    agentID,
		"thumbprint": leaf.Thumbprint,
		"expiresAt":  leaf.ExpiresAt,
	}).Info("Issued agent certificate")

	return cert, leaf, nil
}

// Validate reports whether the thumbprint identifies a usable certificate.
// Unknown, revoked and expired all yield false; the reason is not exposed.
func (s *Service) Validate(ctx context.Context, thumbprint string) bool {
	cert, err := s.LookupByThumbprint(ctx, thumbprint)
	if err != nil {
		if !errors.Is(err, ErrCertificateNotFound) {
			s.logger.WithField("thumbprint", thumbprint).Warnf("Certificate lookup failed: %v", err)
		}
		return false
	}
	return Usable(cert, time.Now())
}

// Usable reports whether a certificate can authenticate a request at the
// given instant: not revoked and not past its expiry.
func Usable(cert *model.Certificate, now time.Time) bool {
	if cert == nil {
		return false
	}
	if cert.Revoked {
		return false
	}
	return now.Before(cert.ExpiresAt)
}

// Revoke marks a certificate revoked. Unknown thumbprints fail with
// ErrCertificateNotFound. Repeated revokes are idempotent; the last
// reason wins. A revoked certificate is never un-revoked.
func (s *Service) Revoke(ctx context.Context, thumbprint, reason string) error {
	now := time.Now()
	result := s.db.WithContext(ctx).Model(&model.Certificate{}).
		Where("thumbprint = ?", thumbprint).
		Updates(map[string]interface{}{
			"revoked":           true,
			"revoked_at":        &now,
			"revocation_reason": reason,
		})

	if result.Error != nil {
		return fmt.Errorf("failed to revoke certificate: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrCertificateNotFound
	}

	s.invalidate(ctx, thumbprint)

	s.logger.WithFields(logrus.Fields{
		"thumbprint": thumbprint,
		"reason":     reason,
	}).Info("Revoked agent certificate")

	return nil
}

// LookupByThumbprint resolves a thumbprint to its certificate row. Results
// are cached briefly in Redis; revocation invalidates the cache entry.
func (s *Service) LookupByThumbprint(ctx context.Context, thumbprint string) (*model.Certificate, error) {
	if cert := s.fromCache(ctx, thumbprint); cert != nil {
		return cert, nil
	}

	var cert model.Certificate
	if err := s.db.WithContext(ctx).Where("thumbprint = ?", thumbprint).First(&cert).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCertificateNotFound
		}
		return nil, fmt.Errorf("failed to query certificate: %w", err)
	}

	s.toCache(ctx, &cert)
	return &cert, nil
}

func (s *Service) fromCache(ctx context.Context, thumbprint string) *model.Certificate {
	if s.rdb == nil {
		return nil
	}
	data, err := s.rdb.Get(ctx, cacheKeyPrefix+thumbprint).Result()
	if err != nil {
		if err != redis.Nil {
			s.logger.Warnf("Certificate cache read failed: %v", err)
		}
		return nil
	}
	var cert model.Certificate
	if err := json.Unmarshal([]byte(data), &cert); err != nil {
		return nil
	}
	cert.CertificatePEM = "" // not cached; reload from DB when needed
	return &cert
}

func (s *Service) toCache(ctx context.Context, cert *model.Certificate) {
	if s.rdb == nil {
		return
	}
	slim := *cert
	slim.CertificatePEM = ""
	data, err := json.Marshal(&slim)
	if err != nil {
		return
	}
	if err := s.rdb.Set(ctx, cacheKeyPrefix+cert.Thumbprint, data, s.cacheTTL).Err(); err != nil {
		s.logger.Warnf("Certificate cache write failed: %v", err)
	}
}

func (s *Service) invalidate(ctx context.Context, thumbprint string) {
	if s.rdb == nil {
		return
	}
	if err := s.rdb.Del(ctx, cacheKeyPrefix+thumbprint).Err(); err != nil {
		s.logger.Warnf("Certificate cache invalidation failed: %v", err)
	}
}
