package middleware

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"fleetd/internal/config"
	"fleetd/internal/httpx"
	"fleetd/internal/model"
	"fleetd/internal/pki"
)

// RoleAgent is the role bound to requests authenticated by certificate
const RoleAgent = "agent"

const (
	ctxAgentID    = "agentId"
	ctxThumbprint = "certThumbprint"
	ctxAgentRole  = "agentRole"
)

// CertResolver is the slice of the CA service the middleware needs.
type CertResolver interface {
	Validate(ctx context.Context, thumbprint string) bool
	LookupByThumbprint(ctx context.Context, thumbprint string) (*model.Certificate, error)
}

// ThumbprintExtractor resolves the certificate thumbprint a request
// presents. Implementations are selected once at startup.
type ThumbprintExtractor interface {
	Extract(c *gin.Context) (string, bool)
}

// TransportCertExtractor derives the thumbprint from a genuine
// transport-level client certificate.
type TransportCertExtractor struct{}

// Extract returns the thumbprint of the TLS peer certificate, if any
func (TransportCertExtractor) Extract(c *gin.Context) (string, bool) {
	tls := c.Request.TLS
	if tls == nil || len(tls.PeerCertificates) == 0 {
		return "", false
	}
	return pki.Thumbprint(tls.PeerCertificates[0].Raw), true
}

// HeaderExtractor reads the thumbprint from a configured request header.
// This is a same-host development convenience: any deployment exposed
// beyond localhost must disable it, since the header is client-controlled.
type HeaderExtractor struct {
	Header string
}

// Extract returns the header value, if present
func (e HeaderExtractor) Extract(c *gin.Context) (string, bool) {
	value := c.GetHeader(e.Header)
	return value, value != ""
}

// NewThumbprintExtractors builds the extractor chain from configuration.
// The transport certificate always wins; the header fallback is only
// present when enabled.
func NewThumbprintExtractors(cfg config.AgentAuthConfig) []ThumbprintExtractor {
	extractors := []ThumbprintExtractor{TransportCertExtractor{}}
	if cfg.HeaderEnabled {
		extractors = append(extractors, HeaderExtractor{Header: cfg.HeaderName})
	}
	return extractors
}

// AgentAuthRequired authenticates an agent request by certificate
// thumbprint and binds its identity to the request context. Every failure
// is a generic 401; the caller never learns which check rejected it.
func AgentAuthRequired(resolver CertResolver, extractors []ThumbprintExtractor, logger *logrus.Entry) gin.HandlerFunc {
	log := logger.WithField("component", "agent-auth")

	return func(c *gin.Context) {
		var thumbprint string
		for _, extractor := range extractors {
			if value, ok := extractor.Extract(c); ok {
				thumbprint = value
				break
			}
		}

		if thumbprint == "" {
			httpx.FailErr(c, httpx.ErrUnauthenticated(""))
			c.Abort()
			return
		}

		ctx := c.Request.Context()
		if !resolver.Validate(ctx, thumbprint) {
			httpx.FailErr(c, httpx.ErrUnauthenticated(""))
			c.Abort()
			return
		}

		cert, err := resolver.LookupByThumbprint(ctx, thumbprint)
		if err != nil || cert.AgentID == "" {
			// A valid thumbprint with no owning agent should not happen;
			// the log line is the only observable difference from an
			// ordinary invalid certificate.
			log.WithField("thumbprint", thumbprint).Errorf("Certificate has no owning agent: %v", err)
			httpx.FailErr(c, httpx.ErrUnauthenticated(""))
			c.Abort()
			return
		}

		c.Set(ctxAgentID, cert.AgentID)
		c.Set(ctxThumbprint, thumbprint)
		c.Set(ctxAgentRole, RoleAgent)

		c.Next()
	}
}

// AgentID returns the agent identity bound by AgentAuthRequired.
// Handlers must treat this as ground truth over anything in the body.
func AgentID(c *gin.Context) (string, bool) {
	value, ok := c.Get(ctxAgentID)
	if !ok {
		return "", false
	}
	id, ok := value.(string)
	return id, ok && id != ""
}

// Thumbprint returns the certificate thumbprint bound to the request
func Thumbprint(c *gin.Context) (string, bool) {
	value, ok := c.Get(ctxThumbprint)
	if !ok {
		return "", false
	}
	tp, ok := value.(string)
	return tp, ok && tp != ""
}
