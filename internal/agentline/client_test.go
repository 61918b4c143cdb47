package agentline

import (
	"bufio"
	"encoding/json"
	"net"
	"strconv"
	"testing"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flywheel-dev/taskengine/internal/common/config"
	"github.com/flywheel-dev/taskengine/internal/common/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

// fakeAgent starts a one-shot TCP listener that answers every connection
// with the given handler, returning the address to dial.
func fakeAgent(t *testing.T, handle func(req Request) Response) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				reader := bufio.NewReader(conn)
				line, err := reader.ReadBytes('\n')
				if err != nil {
					return
				}
				var req Request
				if err := json.Unmarshal(line, &req); err != nil {
					return
				}
				resp := handle(req)
				data, _ := json.Marshal(resp)
				data = append(data, '\n')
				conn.Write(data)
			}()
		}
	}()

	return ln.Addr().String()
}

func testAgentLineConfig() config.AgentLineConfig {
	return config.AgentLineConfig{Port: 0, DialTimeoutMs: 1000, CallTimeoutMs: 1000}
}

func hostAndPort(t *testing.T, addr string) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return host, port
}

func TestHealth_SucceedsOnOKResponse(t *testing.T) {
	addr := fakeAgent(t, func(req Request) Response {
		assert.Equal(t, MethodHealth, req.Method)
		return Response{JSONRPC: "2.0", ID: req.ID, Result: json.RawMessage(`{}`)}
	})
	host, port := hostAndPort(t, addr)

	cfg := testAgentLineConfig()
	cfg.Port = port
	c := NewClient(cfg, testLogger(t))

	err := c.Health(t.Context(), host)
	require.NoError(t, err)
}

func TestHealth_ReturnsAgentError(t *testing.T) {
	addr := fakeAgent(t, func(req Request) Response {
		return Response{JSONRPC: "2.0", ID: req.ID, Error: &Error{Code: InternalError, Message: "boom"}}
	})
	host, port := hostAndPort(t, addr)

	cfg := testAgentLineConfig()
	cfg.Port = port
	c := NewClient(cfg, testLogger(t))

	err := c.Health(t.Context(), host)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestSpawnSession_DecodesResult(t *testing.T) {
	addr := fakeAgent(t, func(req Request) Response {
		assert.Equal(t, MethodSessionSpawn, req.Method)
		var params SessionSpawnParams
		require.NoError(t, json.Unmarshal(req.Params, &params))
		assert.Equal(t, "ws-1", params.WorkspaceID)
		result, _ := json.Marshal(SessionSpawnResult{AgentSessionID: "agent-session-1"})
		return Response{JSONRPC: "2.0", ID: req.ID, Result: result}
	})
	host, port := hostAndPort(t, addr)

	cfg := testAgentLineConfig()
	cfg.Port = port
	c := NewClient(cfg, testLogger(t))

	result, err := c.SpawnSession(t.Context(), host, SessionSpawnParams{WorkspaceID: "ws-1", TaskID: "task-1", TaskTitle: "title"})
	require.NoError(t, err)
	assert.Equal(t, "agent-session-1", result.AgentSessionID)
}

func TestCreateWorkspace_FailsFastOnDialError(t *testing.T) {
	cfg := testAgentLineConfig()
	cfg.Port = 1 // nothing listens here
	cfg.DialTimeoutMs = 200
	c := NewClient(cfg, testLogger(t))

	err := c.CreateWorkspace(t.Context(), "127.0.0.1", WorkspaceCreateParams{WorkspaceID: "ws-1"})
	require.Error(t, err)
}

func TestBreaker_TripsAfterConsecutiveFailures(t *testing.T) {
	cfg := testAgentLineConfig()
	cfg.Port = 1
	cfg.DialTimeoutMs = 100
	c := NewClient(cfg, testLogger(t))

	var lastErr error
	for i := 0; i < 6; i++ {
		lastErr = c.CreateWorkspace(t.Context(), "127.0.0.1", WorkspaceCreateParams{WorkspaceID: "ws-1"})
		require.Error(t, lastErr)
	}
	// the breaker trips after 5 consecutive failures, so the sixth call is
	// rejected by the open breaker rather than by another dial attempt.
	assert.ErrorIs(t, lastErr, gobreaker.ErrOpenState)
}
