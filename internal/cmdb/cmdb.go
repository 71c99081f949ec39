// Package cmdb provides the read-only topology lookups the pipeline
// enriches and filters with: host records, topo membership, service
// instances and dynamic groups.
package cmdb

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Host is one CMDB host record.
type Host struct {
	IP          string   `json:"bk_host_innerip"`
	BkCloudID   int64    `json:"bk_cloud_id"`
	BkHostID    int64    `json:"bk_host_id"`
	BkBizID     int64    `json:"bk_biz_id"`
	HostName    string   `json:"bk_host_name"`
	TopoNodes   []string `json:"topo_nodes,omitempty"` // "obj|inst_id" strings
	BCSCluster  string   `json:"bcs_cluster_id,omitempty"`
	DeviceClass string   `json:"bk_device_class,omitempty"`
}

// ServiceInstance is one CMDB service instance record.
type ServiceInstance struct {
	ID       int64  `json:"service_instance_id"`
	Name     string `json:"name"`
	BkHostID int64  `json:"bk_host_id"`
}

// Provider is the lookup surface the pipeline consumes. All methods are
// read-only; implementations cache aggressively.
type Provider interface {
	HostByIP(ctx context.Context, ip string, cloudID int64) (*Host, error)
	HostsByDynamicGroup(ctx context.Context, bizID int64, groupID string) ([]Host, error)
	ServiceInstance(ctx context.Context, id int64) (*ServiceInstance, error)
	BizNames(ctx context.Context) (map[int64]string, error)
}

// ErrNotFound marks a lookup miss rather than an upstream failure.
var ErrNotFound = fmt.Errorf("cmdb: not found")

// Client is the HTTP CMDB provider.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a CMDB client with a bounded timeout.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to build cmdb request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("cmdb request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return fmt.Errorf("failed to read cmdb response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("cmdb returned status %d", resp.StatusCode)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to unmarshal cmdb response: %w", err)
	}
	return nil
}

// HostByIP looks up a host by inner IP and cloud area.
func (c *Client) HostByIP(ctx context.Context, ip string, cloudID int64) (*Host, error) {
	var host Host
	path := fmt.Sprintf("/api/v1/hosts?ip=%s&bk_cloud_id=%d", ip, cloudID)
	if err := c.get(ctx, path, &host); err != nil {
		return nil, err
	}
	return &host, nil
}

// HostsByDynamicGroup resolves a dynamic group to its current host list.
func (c *Client) HostsByDynamicGroup(ctx context.Context, bizID int64, groupID string) ([]Host, error) {
	var hosts []Host
	path := fmt.Sprintf("/api/v1/dynamic_groups/%s/hosts?bk_biz_id=%d", groupID, bizID)
	if err := c.get(ctx, path, &hosts); err != nil {
		return nil, err
	}
	return hosts, nil
}

// ServiceInstance looks up a service instance by ID.
func (c *Client) ServiceInstance(ctx context.Context, id int64) (*ServiceInstance, error) {
	var si ServiceInstance
	if err := c.get(ctx, fmt.Sprintf("/api/v1/service_instances/%d", id), &si); err != nil {
		return nil, err
	}
	return &si, nil
}

// BizNames returns the business ID to name mapping.
func (c *Client) BizNames(ctx context.Context) (map[int64]string, error) {
	out := make(map[int64]string)
	if err := c.get(ctx, "/api/v1/bizs", &out); err != nil {
		return nil, err
	}
	return out, nil
}

var _ Provider = (*Client)(nil)
