package commands

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

func newTestHandler() *Handler {
	gin.SetMode(gin.TestMode)
	logger := logrus.NewEntry(logrus.New())
	return NewHandler(nil, nil, logger)
}

func postJSON(h gin.HandlerFunc, path string, body any, bind func(c *gin.Context)) *httptest.ResponseRecorder {
	data, _ := json.Marshal(body)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	c.Request.Header.Set("Content-Type", "application/json")
	if bind != nil {
		bind(c)
	}
	h(c)
	return w
}

func TestExecute_InvalidPayload(t *testing.T) {
	h := newTestHandler()

	w := postJSON(h.Execute, "/api/v1/commands/execute", map[string]any{
		"command": "ipconfig",
		// targetAgentIds missing
	}, nil)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for missing targets, got %d", w.Code)
	}
}

func TestUpdateResult_IdentityMismatch(t *testing.T) {
	h := newTestHandler()

	w := postJSON(h.UpdateResult, "/api/v1/commands/c-1/result", map[string]any{
		"agentId": "someone-else",
		"status":  "completed",
	}, func(c *gin.Context) {
		c.Set("agentId", "agent-1")
		c.Params = gin.Params{{Key: "id", Value: "c-1"}}
	})

	if w.Code != http.StatusForbidden {
		t.Errorf("Expected 403 for identity mismatch, got %d", w.Code)
	}
}

func TestUpdateResult_PendingStatusRejected(t *testing.T) {
	h := newTestHandler()

	w := postJSON(h.UpdateResult, "/api/v1/commands/c-1/result", map[string]any{
		"status": "pending",
	}, func(c *gin.Context) {
		c.Set("agentId", "agent-1")
		c.Params = gin.Params{{Key: "id", Value: "c-1"}}
	})

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for a pending report, got %d", w.Code)
	}
}

func TestUpdateResult_UnknownStatusRejected(t *testing.T) {
	h := newTestHandler()

	w := postJSON(h.UpdateResult, "/api/v1/commands/c-1/result", map[string]any{
		"status": "exploded",
	}, func(c *gin.Context) {
		c.Set("agentId", "agent-1")
		c.Params = gin.Params{{Key: "id", Value: "c-1"}}
	})

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for an unknown status, got %d", w.Code)
	}
}

func TestUpdateResult_Unauthenticated(t *testing.T) {
	h := newTestHandler()

	w := postJSON(h.UpdateResult, "/api/v1/commands/c-1/result", map[string]any{
		"status": "completed",
	}, nil)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 without bound identity, got %d", w.Code)
	}
}
