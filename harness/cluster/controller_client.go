package cluster

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/golang/glog"

	"github.com/pagestream/harness/harness/util"
)

// APIError is a non-2xx response from a managed node's HTTP API. Expected
// failures (e.g. polling for a status that is not there yet) are matched by
// status code instead of being treated as exceptional.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.StatusCode, e.Message)
}

// IsStatus reports whether err is an APIError with the given status code.
func IsStatus(err error, code int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == code
}

// ControllerClient talks to the storage controller's placement and debug
// APIs. Placement answers are authoritative but instantly stale: background
// reconciliation can move shards at any time, so nothing here is cached.
type ControllerClient struct {
	BaseURL string
	Token   string // empty in trust mode
	HTTP    *http.Client
}

func NewControllerClient(baseURL, token string) *ControllerClient {
	return &ControllerClient{
		BaseURL: baseURL,
		Token:   token,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *ControllerClient) request(method, path string, body interface{}, out interface{}) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.BaseURL+path, reqBody)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, readErr := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		msg := string(data)
		var parsed struct {
			Msg string `json:"msg"`
		}
		if json.Unmarshal(data, &parsed) == nil && parsed.Msg != "" {
			msg = parsed.Msg
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}
	if readErr != nil {
		return readErr
	}
	if out != nil && len(data) > 0 {
		return json.Unmarshal(data, out)
	}
	return nil
}

// Ready probes the controller's readiness endpoint.
func (c *ControllerClient) Ready() error {
	return c.request(http.MethodGet, "/ready", nil, nil)
}

// WaitUntilReady blocks until the controller answers its readiness probe,
// bounded at 30 attempts of 1s.
func (c *ControllerClient) WaitUntilReady() error {
	return util.WaitUntil("storage controller readiness", 30, time.Second, c.Ready)
}

// ShardLocation is one (shard, node) placement from the controller's routing
// table.
type ShardLocation struct {
	ShardID      string `json:"shard_id"`
	NodeID       int    `json:"node_id"`
	ListenPGAddr string `json:"listen_pg_addr"`
	ListenPGPort int    `json:"listen_pg_port"`
	ListenHTTP   string `json:"listen_http_addr"`
	ListenPort   int    `json:"listen_http_port"`
}

// Locate returns the current placement of every shard of a tenant.
func (c *ControllerClient) Locate(tenantID string) ([]ShardLocation, error) {
	var out struct {
		Shards []ShardLocation `json:"shards"`
	}
	if err := c.request(http.MethodGet, "/debug/v1/tenant/"+tenantID+"/locate", nil, &out); err != nil {
		return nil, err
	}
	return out.Shards, nil
}

// Inspect returns the (generation, nodeID) of a tenant shard's current
// attachment, or ok=false if it is not attached anywhere.
func (c *ControllerClient) Inspect(tenantShardID string) (generation, nodeID int, ok bool, err error) {
	var out struct {
		Attachment []int `json:"attachment"`
	}
	err = c.request(http.MethodPost, "/debug/v1/inspect", map[string]string{"tenant_shard_id": tenantShardID}, &out)
	if err != nil {
		return 0, 0, false, err
	}
	if len(out.Attachment) < 2 {
		return 0, 0, false, nil
	}
	return out.Attachment[0], out.Attachment[1], true, nil
}

// NodeRegisterRequest announces a pageserver to the controller.
type NodeRegisterRequest struct {
	NodeID       int    `json:"node_id"`
	ListenPGAddr string `json:"listen_pg_addr"`
	ListenPGPort int    `json:"listen_pg_port"`
	ListenHTTP   string `json:"listen_http_addr"`
	ListenPort   int    `json:"listen_http_port"`
}

func (c *ControllerClient) NodeRegister(req NodeRegisterRequest) error {
	return c.request(http.MethodPost, "/control/v1/node", req, nil)
}

// NodeDescription is the controller's view of one pageserver.
type NodeDescription struct {
	ID             int    `json:"id"`
	Availability   string `json:"availability"`
	Scheduling     string `json:"scheduling"`
	ListenHTTPAddr string `json:"listen_http_addr"`
	ListenHTTPPort int    `json:"listen_http_port"`
}

func (c *ControllerClient) NodeList() ([]NodeDescription, error) {
	var out []NodeDescription
	err := c.request(http.MethodGet, "/control/v1/node", nil, &out)
	return out, err
}

func (c *ControllerClient) NodeStatus(nodeID int) (*NodeDescription, error) {
	var out NodeDescription
	if err := c.request(http.MethodGet, fmt.Sprintf("/control/v1/node/%d", nodeID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// NodeConfigure updates a node's scheduling or availability policy.
func (c *ControllerClient) NodeConfigure(nodeID int, body map[string]interface{}) error {
	body["node_id"] = nodeID
	return c.request(http.MethodPut, fmt.Sprintf("/control/v1/node/%d/config", nodeID), body, nil)
}

func (c *ControllerClient) NodeDrain(nodeID int) error {
	return c.request(http.MethodPut, fmt.Sprintf("/control/v1/node/%d/drain", nodeID), nil, nil)
}

func (c *ControllerClient) CancelNodeDrain(nodeID int) error {
	return c.request(http.MethodDelete, fmt.Sprintf("/control/v1/node/%d/drain", nodeID), nil, nil)
}

func (c *ControllerClient) NodeFill(nodeID int) error {
	return c.request(http.MethodPut, fmt.Sprintf("/control/v1/node/%d/fill", nodeID), nil, nil)
}

func (c *ControllerClient) CancelNodeFill(nodeID int) error {
	return c.request(http.MethodDelete, fmt.Sprintf("/control/v1/node/%d/fill", nodeID), nil, nil)
}

// PollNodeStatus waits for a node to reach the desired scheduling policy.
func (c *ControllerClient) PollNodeStatus(nodeID int, desiredScheduling string, maxAttempts int, interval time.Duration) error {
	return util.WaitUntil(fmt.Sprintf("node %d scheduling=%s", nodeID, desiredScheduling), maxAttempts, interval, func() error {
		status, err := c.NodeStatus(nodeID)
		if err != nil {
			return err
		}
		if status.Scheduling != desiredScheduling {
			return fmt.Errorf("node %d scheduling is %s", nodeID, status.Scheduling)
		}
		return nil
	})
}

// TenantCreateRequest creates a tenant, optionally sharded.
type TenantCreateRequest struct {
	NewTenantID     string                 `json:"new_tenant_id"`
	ShardCount      int                    `json:"shard_count,omitempty"`
	ShardStripeSize int                    `json:"shard_stripe_size,omitempty"`
	Config          map[string]interface{} `json:"config,omitempty"`
}

func (c *ControllerClient) TenantCreate(req TenantCreateRequest) error {
	return c.request(http.MethodPost, "/v1/tenant", req, nil)
}

func (c *ControllerClient) TenantPolicyUpdate(tenantID string, body map[string]interface{}) error {
	return c.request(http.MethodPut, "/control/v1/tenant/"+tenantID+"/policy", body, nil)
}

// TenantShardSplit splits a tenant into shardCount shards and returns the new
// shard IDs.
func (c *ControllerClient) TenantShardSplit(tenantID string, shardCount int) ([]string, error) {
	var out struct {
		NewShards []string `json:"new_shards"`
	}
	err := c.request(http.MethodPut, "/control/v1/tenant/"+tenantID+"/shard_split",
		map[string]int{"new_shard_count": shardCount}, &out)
	return out.NewShards, err
}

func (c *ControllerClient) TenantShardMigrate(tenantShardID string, destNodeID int) error {
	return c.request(http.MethodPut, "/control/v1/tenant/"+tenantShardID+"/migrate",
		map[string]interface{}{"tenant_shard_id": tenantShardID, "node_id": destNodeID}, nil)
}

// ReconcileAll kicks every pending reconciliation and returns how many were
// spawned.
func (c *ControllerClient) ReconcileAll() (int, error) {
	var count int
	err := c.request(http.MethodPost, "/debug/v1/reconcile_all", nil, &count)
	return count, err
}

// ReconcileUntilIdle loops ReconcileAll until the controller reports nothing
// left to do.
func (c *ControllerClient) ReconcileUntilIdle(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		n, err := c.ReconcileAll()
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: %d reconciles still pending", util.ErrTimedOut, n)
		}
		glog.V(1).Infof("reconcile_all spawned %d reconciles, waiting for idle", n)
		time.Sleep(100 * time.Millisecond)
	}
}

// ConsistencyCheck asserts the controller's in-memory state matches its
// database; a failure is a harness-visible bug in the cluster under test.
func (c *ControllerClient) ConsistencyCheck() error {
	return c.request(http.MethodPost, "/debug/v1/consistency_check", nil, nil)
}

// Failpoint pairs a server-side failpoint name with its action ("pause",
// "return", "off", ...).
type Failpoint struct {
	Name   string `json:"name"`
	Action string `json:"actions"`
}

func (c *ControllerClient) ConfigureFailpoints(points ...Failpoint) error {
	return c.request(http.MethodPut, "/debug/v1/failpoints", points, nil)
}

// RetryableNodeOperation retries op while the controller reports a conflict
// or temporary unavailability; any other error is returned immediately, not
// retried blindly.
func RetryableNodeOperation(name string, maxAttempts int, interval time.Duration, op func() error) error {
	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(interval)
		}
		err = op()
		if err == nil {
			return nil
		}
		if !IsStatus(err, http.StatusServiceUnavailable) && !IsStatus(err, http.StatusConflict) {
			return err
		}
		glog.V(1).Infof("retrying %s: %v", name, err)
	}
	return fmt.Errorf("%w retrying %s: %v", util.ErrTimedOut, name, err)
}
