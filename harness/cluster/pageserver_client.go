package cluster

import (
	"net/http"
	"time"
)

// PageserverClient covers the slice of the pageserver management API the
// harness itself needs; tests with richer needs extend it.
type PageserverClient struct {
	BaseURL string
	Token   string
	HTTP    *http.Client

	// reuse the controller client's request plumbing
	inner *ControllerClient
}

func NewPageserverClient(baseURL, token string) *PageserverClient {
	inner := &ControllerClient{
		BaseURL: baseURL,
		Token:   token,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}
	return &PageserverClient{BaseURL: baseURL, Token: token, HTTP: inner.HTTP, inner: inner}
}

// Status probes liveness.
func (c *PageserverClient) Status() error {
	return c.inner.request(http.MethodGet, "/v1/status", nil, nil)
}

// ConfigureFailpoints toggles error-injection points inside the pageserver.
func (c *PageserverClient) ConfigureFailpoints(points ...Failpoint) error {
	return c.inner.request(http.MethodPut, "/v1/failpoints", points, nil)
}

// TenantStatus fetches the pageserver-local view of one tenant.
func (c *PageserverClient) TenantStatus(tenantID string, out interface{}) error {
	return c.inner.request(http.MethodGet, "/v1/tenant/"+tenantID, nil, out)
}

// Metrics scrapes and parses the node's prometheus endpoint.
func (c *PageserverClient) Metrics() (Metrics, error) {
	req, err := http.NewRequest(http.MethodGet, c.BaseURL+"/metrics", nil)
	if err != nil {
		return nil, err
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return ParseMetrics(resp.Body)
}
