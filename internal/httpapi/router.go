package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/flywheel-dev/taskengine/internal/common/config"
	"github.com/flywheel-dev/taskengine/internal/common/logger"
	"github.com/flywheel-dev/taskengine/internal/common/obsstore"
	"github.com/flywheel-dev/taskengine/internal/orchestrator"
	"github.com/flywheel-dev/taskengine/internal/pss"
)

// NewRouter wires the node-agent callback routes and the PSS viewer
// websocket route behind the shared middleware chain, mirroring the
// teacher's orchestrator/api router layout.
func NewRouter(registry *orchestrator.Registry, obs *obsstore.Store, pssMgr *pss.Manager, cfg config.ServerConfig, log *logger.Logger) *gin.Engine {
	h := NewHandler(registry, obs, pssMgr, log)

	if cfg.MaxNodeErrorBodyBytes <= 0 {
		cfg.MaxNodeErrorBodyBytes = 1 << 20
	}

	router := gin.New()
	router.Use(Recovery(log), RequestLogger(log), CORS(), ErrorHandler(log))

	workspaces := router.Group("/workspaces")
	{
		workspaces.POST("/:id/ready", h.PostWorkspaceReady)
	}

	nodes := router.Group("/nodes")
	{
		nodes.POST("/:id/errors", maxBodyBytes(cfg.MaxNodeErrorBodyBytes), h.PostNodeErrors)
		nodes.POST("/:id/heartbeat", h.PostNodeHeartbeat)
	}

	router.GET("/ws/projects/:projectId", h.GetViewerSocket)

	return router
}

// maxBodyBytes caps the request body the way the teacher's upload routes do,
// so one oversized node-agent batch can't exhaust server memory.
func maxBodyBytes(limit int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
		c.Next()
	}
}
