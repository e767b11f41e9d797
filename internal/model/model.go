// Package model defines the wire and data types shared across the
// dispatch engine: the backend-facing Volume record, the manager-facing
// VDI projection, attached-SR bookkeeping, and datapath capabilities.
package model

// Volume is the backend-supplied record describing a VDI. Only the fields
// the core dispatch engine reads or writes are modeled; backends may
// return additional fields which are ignored.
type Volume struct {
	Key                 string            `json:"key"`
	UUID                string            `json:"uuid"`
	Name                string            `json:"name"`
	Description         string            `json:"description"`
	ReadWrite           bool              `json:"read_write"`
	VirtualSize         int64             `json:"virtual_size"`
	PhysicalUtilisation int64             `json:"physical_utilisation"`
	URI                 []string          `json:"uri"`
	Keys                map[string]string `json:"keys"`
}

// CloneOnBootKey is the distinguished Volume.Keys entry naming the
// non-persistent shadow volume for this one, if any.
const CloneOnBootKey = "clone-on-boot"

// CloneOnBoot returns the shadow volume key and whether it is set.
func (v Volume) CloneOnBoot() (string, bool) {
	if v.Keys == nil {
		return "", false
	}
	shadow, ok := v.Keys[CloneOnBootKey]
	return shadow, ok
}

// VDI is the manager-facing projection of a Volume, per spec.md §6.
type VDI struct {
	VDI                 string `json:"vdi"`
	UUID                 string `json:"uuid"`
	ContentID            string `json:"content_id"`
	NameLabel            string `json:"name_label"`
	NameDescription      string `json:"name_description"`
	Ty                   string `json:"ty"`
	MetadataOfPool       string `json:"metadata_of_pool"`
	IsASnapshot          bool   `json:"is_a_snapshot"`
	SnapshotTime         string `json:"snapshot_time"`
	SnapshotOf           string `json:"snapshot_of"`
	ReadOnly             bool   `json:"read_only"`
	VirtualSize          int64  `json:"virtual_size"`
	PhysicalUtilisation  int64  `json:"physical_utilisation"`
	SMConfig             []any  `json:"sm_config"`
	Persistent           bool   `json:"persistent"`
}

// epochZero is the literal snapshot_time used for non-snapshot VDIs.
const epochZero = "19700101T00:00:00Z"

// ProjectVDI builds the manager-facing VDI from a backend Volume, per
// spec.md §6's VDI projection rule.
func ProjectVDI(v Volume) VDI {
	return VDI{
		VDI:                 v.Key,
		UUID:                v.UUID,
		ContentID:           "",
		NameLabel:           v.Name,
		NameDescription:     v.Description,
		Ty:                  "",
		MetadataOfPool:      "",
		IsASnapshot:         false,
		SnapshotTime:        epochZero,
		SnapshotOf:          "",
		ReadOnly:            !v.ReadWrite,
		VirtualSize:         v.VirtualSize,
		PhysicalUtilisation: v.PhysicalUtilisation,
		SMConfig:            []any{},
		Persistent:          true,
	}
}

// AttachedSR records the mapping from a manager SR handle to the
// backend-supplied identifier and the data sources discovered at attach
// time. Unique by SMAPIv2Handle.
type AttachedSR struct {
	SMAPIv2Handle  string   `json:"smapiv2_handle"`
	Plugin         string   `json:"plugin"`
	BackendSRID    string   `json:"backend_sr_id"`
	DatasourceUIDs []string `json:"datasource_uids"`
}

// PluginCapabilities describes a datapath plugin's advertised feature set.
type PluginCapabilities struct {
	Name     string   `json:"name"`
	Features []string `json:"features"`
}

// FeatureNonpersistent is the only feature the dispatch engine interprets;
// all others are opaque and simply passed through.
const FeatureNonpersistent = "NONPERSISTENT"

// Has reports whether the capability set advertises the given feature.
func (c PluginCapabilities) Has(feature string) bool {
	for _, f := range c.Features {
		if f == feature {
			return true
		}
	}
	return false
}

// HealthState is the backend's SR health enum. SR.probe and SR.stat
// return the backend's reply unchanged; no code translates these values.
type HealthState string

const (
	HealthHealthy    HealthState = "Healthy"
	HealthRecovering HealthState = "Recovering"
)

// DatapathImplementation is the tagged-union wire value a datapath plugin
// returns from Datapath.attach, translated to an attach_info structure by
// the VDI.attach choreography (spec.md §4.6).
type DatapathImplementation struct {
	Kind   string `json:"kind"` // "Blkback", "Qdisk", or "Tapdisk3"
	Params string `json:"params"`
}

// AttachInfo is the manager-facing attach_info structure produced by
// VDI.attach's choreography.
type AttachInfo struct {
	BackendKind    string `json:"backend-kind"`
	Params         string `json:"params"`
	ODirect        bool   `json:"o_direct"`
	ODirectReason  string `json:"o_direct_reason"`
}

// ToAttachInfo translates a datapath implementation tag to the manager's
// attach_info shape, per spec.md §4.6.
func ToAttachInfo(impl DatapathImplementation) (AttachInfo, bool) {
	var kind string
	switch impl.Kind {
	case "Blkback":
		kind = "vbd"
	case "Qdisk":
		kind = "qdisk"
	case "Tapdisk3":
		kind = "vbd3"
	default:
		return AttachInfo{}, false
	}
	return AttachInfo{
		BackendKind:   kind,
		Params:        impl.Params,
		ODirect:       true,
		ODirectReason: "",
	}, true
}
