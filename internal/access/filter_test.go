package access

import (
	"testing"

	"github.com/TencentBlueKing/bk-monitor-sub031/internal/models"
)

func hostItem(targets []models.Target, where []models.Condition) *models.Item {
	return &models.Item{
		ID: 1,
		QueryConfigs: []models.QueryConfig{
			{Metric: "usage", Interval: 60, Where: where},
		},
		Targets: targets,
	}
}

func TestPointFilterTargets(t *testing.T) {
	tests := []struct {
		name       string
		targets    []models.Target
		dimensions map[string]string
		want       bool
	}{
		{
			name:       "no targets keeps everything",
			dimensions: map[string]string{"bk_target_ip": "10.0.0.1"},
			want:       true,
		},
		{
			name: "host target matches canonical ip and cloud",
			targets: []models.Target{
				{Field: "bk_target_ip", Method: "eq", Values: []string{"10.0.0.1|0"}},
			},
			dimensions: map[string]string{"bk_target_ip": "10.0.0.1", "bk_target_cloud_id": "0"},
			want:       true,
		},
		{
			name: "cloud id defaults to zero",
			targets: []models.Target{
				{Field: "bk_target_ip", Method: "eq", Values: []string{"10.0.0.2|0"}},
			},
			dimensions: map[string]string{"bk_target_ip": "10.0.0.2"},
			want:       true,
		},
		{
			name: "legacy ip dimension is accepted",
			targets: []models.Target{
				{Field: "ip", Method: "eq", Values: []string{"10.0.0.3|2"}},
			},
			dimensions: map[string]string{"ip": "10.0.0.3", "bk_cloud_id": "2"},
			want:       true,
		},
		{
			name: "host target rejects other hosts",
			targets: []models.Target{
				{Field: "bk_target_ip", Method: "eq", Values: []string{"10.0.0.1|0"}},
			},
			dimensions: map[string]string{"bk_target_ip": "10.0.0.9", "bk_target_cloud_id": "0"},
			want:       false,
		},
		{
			name: "neq target inverts the match",
			targets: []models.Target{
				{Field: "bk_target_ip", Method: "neq", Values: []string{"10.0.0.1|0"}},
			},
			dimensions: map[string]string{"bk_target_ip": "10.0.0.9", "bk_target_cloud_id": "0"},
			want:       true,
		},
		{
			name: "topo target matches object and instance",
			targets: []models.Target{
				{Field: "host_topo_node", Method: "eq", Values: []string{"module|33"}},
			},
			dimensions: map[string]string{"bk_obj_id": "module", "bk_inst_id": "33"},
			want:       true,
		},
		{
			name: "point without target dimension is dropped",
			targets: []models.Target{
				{Field: "bk_target_ip", Method: "eq", Values: []string{"10.0.0.1|0"}},
			},
			dimensions: map[string]string{"service": "nginx"},
			want:       false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := NewPointFilter(hostItem(tt.targets, nil), nil)
			if got := f.Keep(tt.dimensions); got != tt.want {
				t.Fatalf("Keep(%v) = %v, want %v", tt.dimensions, got, tt.want)
			}
		})
	}
}

func TestPointFilterConditions(t *testing.T) {
	where := []models.Condition{
		{Field: "device_type", Method: "eq", Values: []string{"disk"}},
		{Field: "mount", Method: "neq", Values: []string{"/tmp"}, Condition: "and"},
	}
	internal := []models.Condition{
		{Field: "bk_biz_id", Method: "eq", Values: []string{"2"}},
	}
	f := NewPointFilter(hostItem(nil, where), internal)

	tests := []struct {
		name       string
		dimensions map[string]string
		want       bool
	}{
		{
			name:       "passes all conditions",
			dimensions: map[string]string{"device_type": "disk", "mount": "/data", "bk_biz_id": "2"},
			want:       true,
		},
		{
			name:       "user condition rejects",
			dimensions: map[string]string{"device_type": "net", "mount": "/data", "bk_biz_id": "2"},
			want:       false,
		},
		{
			name:       "neq condition rejects excluded value",
			dimensions: map[string]string{"device_type": "disk", "mount": "/tmp", "bk_biz_id": "2"},
			want:       false,
		},
		{
			name:       "internal condition rejects foreign business",
			dimensions: map[string]string{"device_type": "disk", "mount": "/data", "bk_biz_id": "3"},
			want:       false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := f.Keep(tt.dimensions); got != tt.want {
				t.Fatalf("Keep(%v) = %v, want %v", tt.dimensions, got, tt.want)
			}
		})
	}
}
