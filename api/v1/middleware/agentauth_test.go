package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"fleetd/internal/config"
	"fleetd/internal/model"
)

type stubResolver struct {
	certs map[string]*model.Certificate
}

func (s *stubResolver) Validate(_ context.Context, thumbprint string) bool {
	cert, ok := s.certs[thumbprint]
	if !ok || cert.Revoked {
		return false
	}
	return time.Now().Before(cert.ExpiresAt)
}

func (s *stubResolver) LookupByThumbprint(_ context.Context, thumbprint string) (*model.Certificate, error) {
	cert, ok := s.certs[thumbprint]
	if !ok {
		return nil, http.ErrNoCookie
	}
	return cert, nil
}

func newTestRouter(resolver CertResolver, cfg config.AgentAuthConfig) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	logger := logrus.NewEntry(logrus.New())

	r.GET("/protected", AgentAuthRequired(resolver, NewThumbprintExtractors(cfg), logger), func(c *gin.Context) {
		agentID, _ := AgentID(c)
		c.String(http.StatusOK, agentID)
	})
	return r
}

func validResolver() *stubResolver {
	return &stubResolver{certs: map[string]*model.Certificate{
		"good-thumbprint": {
			AgentID:    "agent-1",
			Thumbprint: "good-thumbprint",
			ExpiresAt:  time.Now().Add(time.Hour),
		},
		"revoked-thumbprint": {
			AgentID:    "agent-2",
			Thumbprint: "revoked-thumbprint",
			ExpiresAt:  time.Now().Add(time.Hour),
			Revoked:    true,
		},
		"expired-thumbprint": {
			AgentID:    "agent-3",
			Thumbprint: "expired-thumbprint",
			ExpiresAt:  time.Now().Add(-time.Hour),
		},
		"orphan-thumbprint": {
			Thumbprint: "orphan-thumbprint",
			ExpiresAt:  time.Now().Add(time.Hour),
		},
	}}
}

func headerCfg() config.AgentAuthConfig {
	return config.AgentAuthConfig{
		HeaderName:    "X-Client-Certificate-Thumbprint",
		HeaderEnabled: true,
	}
}

func TestAgentAuth_ValidThumbprint(t *testing.T) {
	r := newTestRouter(validResolver(), headerCfg())

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("X-Client-Certificate-Thumbprint", "good-thumbprint")
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if w.Body.String() != "agent-1" {
		t.Errorf("Expected bound agent id 'agent-1', got %q", w.Body.String())
	}
}

func TestAgentAuth_MissingThumbprint(t *testing.T) {
	r := newTestRouter(validResolver(), headerCfg())

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/protected", nil))

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %d", w.Code)
	}
}

func TestAgentAuth_RejectionsAreIndistinguishable(t *testing.T) {
	r := newTestRouter(validResolver(), headerCfg())

	bodies := map[string]string{}
	for _, thumbprint := range []string{"unknown-thumbprint", "revoked-thumbprint", "expired-thumbprint", "orphan-thumbprint"} {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/protected", nil)
		req.Header.Set("X-Client-Certificate-Thumbprint", thumbprint)
		r.ServeHTTP(w, req)

		if w.Code != http.StatusUnauthorized {
			t.Errorf("Expected 401 for %s, got %d", thumbprint, w.Code)
		}
		bodies[thumbprint] = w.Body.String()
	}

	// Every rejection must carry the same generic message.
	first := bodies["unknown-thumbprint"]
	for thumbprint, body := range bodies {
		if body != first {
			t.Errorf("Rejection body for %s differs: %q vs %q", thumbprint, body, first)
		}
	}
}

func TestAgentAuth_HeaderDisabled(t *testing.T) {
	cfg := config.AgentAuthConfig{
		HeaderName:    "X-Client-Certificate-Thumbprint",
		HeaderEnabled: false,
	}
	r := newTestRouter(validResolver(), cfg)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("X-Client-Certificate-Thumbprint", "good-thumbprint")
	r.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 when header auth is disabled, got %d", w.Code)
	}
}

func TestNewThumbprintExtractors(t *testing.T) {
	enabled := NewThumbprintExtractors(headerCfg())
	if len(enabled) != 2 {
		t.Errorf("Expected transport + header extractors, got %d", len(enabled))
	}

	hardened := NewThumbprintExtractors(config.AgentAuthConfig{HeaderEnabled: false})
	if len(hardened) != 1 {
		t.Errorf("Expected transport extractor only, got %d", len(hardened))
	}
	if _, ok := hardened[0].(TransportCertExtractor); !ok {
		t.Error("First extractor must be the transport certificate extractor")
	}
}
