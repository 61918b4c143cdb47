// Package provider wraps the cloud provider that hosts nodes (VMs). The
// provider is treated as an opaque REST collaborator (spec.md §1); this
// package only shapes the calls the orchestrator's node_provisioning step
// needs and wraps them in a circuit breaker so a degraded provider doesn't
// get hammered by every concurrently-provisioning task.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/flywheel-dev/taskengine/internal/common/config"
	"github.com/flywheel-dev/taskengine/internal/common/logger"
	"github.com/sony/gobreaker"
)

// CreateNodeRequest describes the VM to provision.
type CreateNodeRequest struct {
	UserID     string `json:"userId"`
	VMSize     string `json:"vmSize"`
	VMLocation string `json:"vmLocation"`
}

// NodeInstance is the provider's view of a VM.
type NodeInstance struct {
	ProviderInstanceID string `json:"providerInstanceId"`
	Status             string `json:"status"` // pending, running, error, stopped
	IPAddress          string `json:"ipAddress"`
}

// Client talks to the cloud provider's REST API for node provisioning.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiToken   string
	breaker    *gobreaker.CircuitBreaker
	logger     *logger.Logger
}

// NewClient builds a provider client wrapped in a circuit breaker: after a
// run of consecutive failures the breaker opens and fails fast instead of
// letting every node_provisioning step in flight retry against a dead
// provider.
func NewClient(cfg config.ProviderConfig, log *logger.Logger) *Client {
	st := gobreaker.Settings{
		Name:        "cloud-provider",
		MaxRequests: 1,
		Interval:    30 * time.Second,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("provider circuit breaker state change",
				zap.String("breaker", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	}

	return &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout()},
		baseURL:    cfg.BaseURL,
		apiToken:   cfg.APIToken,
		breaker:    gobreaker.NewCircuitBreaker(st),
		logger:     log.WithFields(zap.String("component", "provider-client")),
	}
}

// CreateNode provisions a new VM. Returns the provider's instance id and
// initial status; the orchestrator polls GetNodeStatus afterward.
func (c *Client) CreateNode(ctx context.Context, req CreateNodeRequest) (*NodeInstance, error) {
	var out NodeInstance
	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.doJSON(ctx, http.MethodPost, "/v1/nodes", req, &out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// GetNodeStatus polls the current provider-side status of a VM.
func (c *Client) GetNodeStatus(ctx context.Context, providerInstanceID string) (*NodeInstance, error) {
	var out NodeInstance
	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.doJSON(ctx, http.MethodGet, fmt.Sprintf("/v1/nodes/%s", providerInstanceID), nil, &out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteNode tears down a VM. It is part of the orchestrator's ProviderClient
// interface, but neither the cleanup path nor the node reaper calls it.
func (c *Client) DeleteNode(ctx context.Context, providerInstanceID string) error {
	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.doJSON(ctx, http.MethodDelete, fmt.Sprintf("/v1/nodes/%s", providerInstanceID), nil, nil)
	})
	return err
}

func (c *Client) doJSON(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("provider request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("provider 5xx: %s", resp.Status)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("provider rate limit: 429")
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("provider error: %s", resp.Status)
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
