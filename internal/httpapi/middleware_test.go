package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flywheel-dev/taskengine/internal/common/apperrors"
	"github.com/flywheel-dev/taskengine/internal/common/logger"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

func TestRequestLogger_SetsRequestIDHeader(t *testing.T) {
	router := gin.New()
	router.Use(RequestLogger(testLogger(t)))
	router.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestErrorHandler_TranslatesAppErrorKindToStatus(t *testing.T) {
	router := gin.New()
	router.Use(ErrorHandler(testLogger(t)))
	router.GET("/fail", func(c *gin.Context) {
		c.Error(apperrors.Forbidden("nope"))
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/fail", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), "nope")
}

func TestErrorHandler_NoErrorsLeavesResponseUntouched(t *testing.T) {
	router := gin.New()
	router.Use(ErrorHandler(testLogger(t)))
	router.GET("/ok", func(c *gin.Context) { c.Status(http.StatusCreated) })

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ok", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusCreated, w.Code)
}

func TestRecovery_ConvertsPanicToInternalServerError(t *testing.T) {
	router := gin.New()
	router.Use(Recovery(testLogger(t)))
	router.GET("/boom", func(c *gin.Context) {
		panic("kaboom")
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/boom", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestCORS_HandlesPreflightAndSetsHeaders(t *testing.T) {
	router := gin.New()
	router.Use(CORS())
	router.POST("/nodes/n1/errors", func(c *gin.Context) { c.Status(http.StatusAccepted) })

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodOptions, "/nodes/n1/errors", nil)
	req.Header.Set("Origin", "https://viewer.test")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))

	w2 := httptest.NewRecorder()
	req2 := httptest.NewRequest(http.MethodPost, "/nodes/n1/errors", nil)
	router.ServeHTTP(w2, req2)
	assert.Equal(t, http.StatusAccepted, w2.Code)
}
