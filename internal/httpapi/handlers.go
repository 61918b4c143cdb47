package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/flywheel-dev/taskengine/internal/common/apperrors"
	"github.com/flywheel-dev/taskengine/internal/common/logger"
	"github.com/flywheel-dev/taskengine/internal/common/obsstore"
	"github.com/flywheel-dev/taskengine/internal/orchestrator"
	"github.com/flywheel-dev/taskengine/internal/pss"
	v1 "github.com/flywheel-dev/taskengine/pkg/api/v1"
)

const maxNodeErrorEntries = 10
const maxNodeErrorEntryBytes = 32 * 1024

// Handler holds the collaborators every route needs. Registry and PSSMgr
// may be used independently: callbacks never touch PSS, the viewer socket
// never touches the orchestrator.
type Handler struct {
	Registry *orchestrator.Registry
	Obs      *obsstore.Store
	PSSMgr   *pss.Manager
	logger   *logger.Logger

	upgrader websocket.Upgrader
}

func NewHandler(registry *orchestrator.Registry, obs *obsstore.Store, pssMgr *pss.Manager, log *logger.Logger) *Handler {
	return &Handler{
		Registry: registry,
		Obs:      obs,
		PSSMgr:   pssMgr,
		logger:   log.WithFields(zap.String("component", "httpapi")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

type workspaceReadyRequest struct {
	Status       string  `json:"status" binding:"required"`
	ErrorMessage *string `json:"errorMessage"`
}

// PostWorkspaceReady implements spec.md §6.1's POST /workspaces/{id}/ready,
// routing straight to the registry once the callback token checks out.
func (h *Handler) PostWorkspaceReady(c *gin.Context) {
	workspaceID := c.Param("id")
	token := c.GetHeader("X-Callback-Token")
	if token == "" {
		c.Error(apperrors.Forbidden("missing callback token"))
		return
	}

	var req workspaceReadyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(apperrors.Invalid("invalid workspace-ready body: " + err.Error()))
		return
	}

	if err := h.Registry.AdvanceWorkspaceReadyByWorkspace(c.Request.Context(), workspaceID, token, req.Status, req.ErrorMessage); err != nil {
		h.logger.Warn("workspace-ready callback rejected", zap.String("workspace_id", workspaceID), zap.Error(err))
		c.Error(apperrors.Forbidden("workspace-ready callback rejected"))
		return
	}
	c.Status(http.StatusNoContent)
}

type nodeErrorEntry struct {
	Level     string          `json:"level" binding:"required"`
	Message   string          `json:"message" binding:"required"`
	Context   json.RawMessage `json:"context"`
	Timestamp time.Time       `json:"timestamp" binding:"required"`
}

type nodeErrorsRequest struct {
	Entries []nodeErrorEntry `json:"entries" binding:"required"`
}

// PostNodeErrors implements spec.md §6.1's POST /nodes/{id}/errors: a batch
// of up to 10 entries, each capped at 32KB, stored to the observability DB.
func (h *Handler) PostNodeErrors(c *gin.Context) {
	nodeID := c.Param("id")

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.Error(apperrors.Invalid("failed to read request body"))
		return
	}

	var req nodeErrorsRequest
	if err := json.Unmarshal(body, &req); err != nil {
		c.Error(apperrors.Invalid("invalid node-errors body: " + err.Error()))
		return
	}
	if len(req.Entries) > maxNodeErrorEntries {
		c.Error(apperrors.Invalid("too many error entries in one batch"))
		return
	}

	entries := make([]obsstore.NodeErrorEntry, 0, len(req.Entries))
	for _, e := range req.Entries {
		if len(e.Message)+len(e.Context) > maxNodeErrorEntryBytes {
			c.Error(apperrors.Invalid("error entry exceeds the per-entry size limit"))
			return
		}
		entries = append(entries, obsstore.NodeErrorEntry{
			Level: e.Level, Message: e.Message, Context: e.Context, Timestamp: e.Timestamp,
		})
	}

	if err := h.Obs.RecordNodeErrors(c.Request.Context(), nodeID, entries); err != nil {
		h.logger.Error("failed to record node errors", zap.String("node_id", nodeID), zap.Error(err))
		c.Error(apperrors.Internal("failed to record node errors", err))
		return
	}
	c.Status(http.StatusAccepted)
}

type nodeHeartbeatRequest struct {
	CPULoadAvg1   float64 `json:"cpuLoadAvg1"`
	MemoryPercent float64 `json:"memoryPercent"`
	DiskPercent   float64 `json:"diskPercent"`
}

// PostNodeHeartbeat implements spec.md §6.1's POST /nodes/{id}/heartbeat.
func (h *Handler) PostNodeHeartbeat(c *gin.Context) {
	nodeID := c.Param("id")

	var req nodeHeartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(apperrors.Invalid("invalid heartbeat body: " + err.Error()))
		return
	}

	metrics := v1.NodeMetrics{
		CPULoadAvg1:   req.CPULoadAvg1,
		MemoryPercent: req.MemoryPercent,
		DiskPercent:   req.DiskPercent,
	}
	if err := h.Registry.CMS().UpdateNodeHeartbeat(c.Request.Context(), nodeID, metrics); err != nil {
		h.logger.Error("failed to update node heartbeat", zap.String("node_id", nodeID), zap.Error(err))
		c.Error(apperrors.Internal("failed to update node heartbeat", err))
		return
	}
	c.Status(http.StatusNoContent)
}

// GetViewerSocket upgrades the connection and attaches it to the named
// project's PSS broadcast hub (spec.md §6.2).
func (h *Handler) GetViewerSocket(c *gin.Context) {
	projectID := c.Param("projectId")

	inst, err := h.PSSMgr.GetOrCreate(c.Request.Context(), projectID)
	if err != nil {
		h.logger.Error("failed to open PSS instance for viewer", zap.String("project_id", projectID), zap.Error(err))
		c.Error(apperrors.Internal("failed to open session store", err))
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("viewer websocket upgrade failed", zap.String("project_id", projectID), zap.Error(err))
		return
	}
	inst.AttachViewer(conn)
}
