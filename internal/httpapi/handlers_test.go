package httpapi

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

// handlerUnderTest builds a Handler with every collaborator left nil; this
// is only safe for paths that reject the request before touching them.
func handlerUnderTest(t *testing.T) *Handler {
	t.Helper()
	return NewHandler(nil, nil, nil, testLogger(t))
}

func TestPostWorkspaceReady_RejectsMissingToken(t *testing.T) {
	h := handlerUnderTest(t)
	router := gin.New()
	router.Use(ErrorHandler(testLogger(t)))
	router.POST("/workspaces/:id/ready", h.PostWorkspaceReady)

	body := `{"status":"ready"}`
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/workspaces/ws-1/ready", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestPostWorkspaceReady_RejectsMalformedBody(t *testing.T) {
	h := handlerUnderTest(t)
	router := gin.New()
	router.Use(ErrorHandler(testLogger(t)))
	router.POST("/workspaces/:id/ready", h.PostWorkspaceReady)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/workspaces/ws-1/ready", strings.NewReader("not json"))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Callback-Token", "tok-1")
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPostNodeErrors_RejectsBatchOverLimit(t *testing.T) {
	h := handlerUnderTest(t)
	router := gin.New()
	router.Use(ErrorHandler(testLogger(t)))
	router.POST("/nodes/:id/errors", h.PostNodeErrors)

	var entries []string
	for i := 0; i < maxNodeErrorEntries+1; i++ {
		entries = append(entries, `{"level":"error","message":"x","timestamp":"2026-07-30T00:00:00Z"}`)
	}
	body := `{"entries":[` + strings.Join(entries, ",") + `]}`

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/nodes/node-1/errors", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPostNodeErrors_RejectsOversizedEntry(t *testing.T) {
	h := handlerUnderTest(t)
	router := gin.New()
	router.Use(ErrorHandler(testLogger(t)))
	router.POST("/nodes/:id/errors", h.PostNodeErrors)

	huge := strings.Repeat("a", maxNodeErrorEntryBytes+1)
	var buf bytes.Buffer
	buf.WriteString(`{"entries":[{"level":"error","message":"`)
	buf.WriteString(huge)
	buf.WriteString(`","timestamp":"2026-07-30T00:00:00Z"}]}`)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/nodes/node-1/errors", &buf)
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPostNodeErrors_RejectsMalformedBody(t *testing.T) {
	h := handlerUnderTest(t)
	router := gin.New()
	router.Use(ErrorHandler(testLogger(t)))
	router.POST("/nodes/:id/errors", h.PostNodeErrors)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/nodes/node-1/errors", strings.NewReader("not json"))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMaxBodyBytes_RejectsOversizedRequest(t *testing.T) {
	router := gin.New()
	router.Use(maxBodyBytes(16))
	router.POST("/big", func(c *gin.Context) {
		if _, err := c.GetRawData(); err != nil {
			c.AbortWithStatus(http.StatusRequestEntityTooLarge)
			return
		}
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/big", strings.NewReader(strings.Repeat("x", 64)))
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}
