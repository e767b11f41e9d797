package dispatch

import (
	"fmt"

	"github.com/xapi-storage/storage-scriptd/internal/switchrpc"
)

// switchMetricRegistrar is the default MetricRegistrar: it publishes
// datasource registrations onto the message switch instead of reaching
// for an unrelated metrics dependency, per SPEC_FULL.md §11.
type switchMetricRegistrar struct {
	sw switchrpc.Switch
}

// NewSwitchMetricRegistrar builds a MetricRegistrar that publishes onto
// sw under the "metrics.datasource.register" subject.
func NewSwitchMetricRegistrar(sw switchrpc.Switch) MetricRegistrar {
	return &switchMetricRegistrar{sw: sw}
}

type datasourceRegistration struct {
	Handle string   `json:"handle"`
	UIDs   []string `json:"uids"`
}

// RegisterDatasources implements MetricRegistrar.
func (m *switchMetricRegistrar) RegisterDatasources(handle string, uids []string) error {
	if err := m.sw.Publish("metrics.datasource.register", datasourceRegistration{Handle: handle, UIDs: uids}); err != nil {
		return fmt.Errorf("publish datasource registration for %s: %w", handle, err)
	}
	return nil
}
