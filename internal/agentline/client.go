package agentline

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/sony/gobreaker"

	"github.com/flywheel-dev/taskengine/internal/common/config"
	"github.com/flywheel-dev/taskengine/internal/common/logger"
)

// Client speaks one-request-one-response line-delimited JSON-RPC to a
// node's agent process. Each Call dials a fresh connection, writes one
// request line, reads one response line, and closes — the node agent has
// no need of the teacher's persistent pending-request map since the
// orchestrator never has more than one in-flight call per node per step.
// Calls are wrapped in a circuit breaker so a node whose agent has wedged
// doesn't eat a 5-second dial/call timeout on every retrying step. The
// client holds a single breaker, shared by every node it talks to.
type Client struct {
	cfg     config.AgentLineConfig
	breaker *gobreaker.CircuitBreaker
	logger  *logger.Logger

	requestID atomic.Int64
}

func NewClient(cfg config.AgentLineConfig, log *logger.Logger) *Client {
	st := gobreaker.Settings{
		Name:        "agentline",
		MaxRequests: 1,
		Interval:    30 * time.Second,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("agentline circuit breaker state change",
				zap.String("breaker", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	}
	return &Client{
		cfg:     cfg,
		breaker: gobreaker.NewCircuitBreaker(st),
		logger:  log.WithFields(zap.String("component", "agentline-client")),
	}
}

// Health performs the node agent's 5-second-timeout health check (spec.md
// §4.1.4 node_agent_ready). Unlike the other methods, this doesn't go
// through the breaker: node_agent_ready already has its own timeout/poll loop and a
// breaker trip here would just turn "not ready yet" into a worse error.
func (c *Client) Health(ctx context.Context, ipAddress string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := c.call(ctx, ipAddress, MethodHealth, nil)
	return err
}

// CreateWorkspace asks the node agent to materialize a workspace (spec.md
// §4.1.4 workspace_creation). The agent's own readiness signal arrives
// later via the orchestrator's AdvanceWorkspaceReady callback; this call
// only confirms the request was accepted.
func (c *Client) CreateWorkspace(ctx context.Context, ipAddress string, params WorkspaceCreateParams) error {
	_, err := c.breakerCall(ctx, ipAddress, MethodWorkspaceCreate, params)
	return err
}

// StopWorkspace asks the node agent to tear down a workspace, used by the
// best-effort cleanup path (spec.md §4.1.6).
func (c *Client) StopWorkspace(ctx context.Context, ipAddress, workspaceID string) error {
	_, err := c.breakerCall(ctx, ipAddress, MethodWorkspaceStop, map[string]string{"workspaceId": workspaceID})
	return err
}

// SpawnSession asks the node agent to attach an agent process to a ready
// workspace (spec.md §4.1.4 agent_session).
func (c *Client) SpawnSession(ctx context.Context, ipAddress string, params SessionSpawnParams) (*SessionSpawnResult, error) {
	raw, err := c.breakerCall(ctx, ipAddress, MethodSessionSpawn, params)
	if err != nil {
		return nil, err
	}
	var result SessionSpawnResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode session/spawn result: %w", err)
	}
	return &result, nil
}

func (c *Client) breakerCall(ctx context.Context, ipAddress, method string, params interface{}) (json.RawMessage, error) {
	v, err := c.breaker.Execute(func() (interface{}, error) {
		return c.call(ctx, ipAddress, method, params)
	})
	if err != nil {
		return nil, err
	}
	raw, _ := v.(json.RawMessage)
	return raw, nil
}

func (c *Client) call(ctx context.Context, ipAddress, method string, params interface{}) (json.RawMessage, error) {
	addr := fmt.Sprintf("%s:%d", ipAddress, c.cfg.Port)

	dialer := net.Dialer{Timeout: c.cfg.DialTimeout()}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial node agent at %s: %w", addr, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Now().Add(c.cfg.CallTimeout()))
	}

	var paramsJSON json.RawMessage
	if params != nil {
		paramsJSON, err = json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
	}

	req := Request{
		JSONRPC: "2.0",
		ID:      c.requestID.Add(1),
		Method:  method,
		Params:  paramsJSON,
	}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	data = append(data, '\n')

	if _, err := conn.Write(data); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	reader := bufio.NewReaderSize(conn, 64*1024)
	line, err := reader.ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("agent error %d: %s", resp.Error.Code, resp.Error.Message)
	}
	return resp.Result, nil
}
