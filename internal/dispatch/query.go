package dispatch

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/xapi-storage/storage-scriptd/internal/rpcscript"
)

// QueryRequest is the manager's Query.query call, naming the volume
// plugin whose capabilities are being probed.
type QueryRequest struct {
	Dbg    string `json:"dbg"`
	Plugin string `json:"plugin"`
}

// ConfigOption is one entry of a plugin's advertised configuration, as a
// (key, description) pair, per spec.md §4.6.
type ConfigOption struct {
	Key         string `json:"key"`
	Description string `json:"description"`
}

// QueryResult is the capability/version payload Query.query returns.
type QueryResult struct {
	Name          string         `json:"name"`
	Vendor        string         `json:"vendor"`
	Version       string         `json:"version"`
	Features      []string       `json:"features"`
	Configuration []ConfigOption `json:"configuration"`
}

// pluginQueryResponse is what the backend's own Plugin.Query script
// returns: its self-reported identity, feature set and configuration.
// The feature set is not trusted on its own — it is reconciled against
// which scripts actually exist on disk below.
type pluginQueryResponse struct {
	Name          string         `json:"name"`
	Vendor        string         `json:"vendor"`
	Version       string         `json:"version"`
	Features      []string       `json:"features"`
	Configuration []ConfigOption `json:"configuration"`
}

// scriptFeatures maps each probed backend script to the feature tag it
// implies, so that Query.query's feature list reflects what scripts
// actually exist and are executable rather than only what the plugin
// self-reports.
var scriptFeatures = []struct {
	script  string
	feature string
}{
	{"SR.attach", "SR_ATTACH"},
	{"SR.create", "SR_CREATE"},
	{"SR.destroy", "SR_DESTROY"},
	{"SR.detach", "SR_DETACH"},
	{"SR.ls", "SR_SCAN"},
	{"SR.stat", "SR_STAT"},
	{"Volume.create", "VDI_CREATE"},
	{"Volume.clone", "VDI_CLONE"},
	{"Volume.snapshot", "VDI_SNAPSHOT"},
	{"Volume.resize", "VDI_RESIZE"},
	{"Volume.destroy", "VDI_DESTROY"},
	{"Volume.stat", "VDI_STAT"},
}

// unconditionalFeatures are always advertised for a volume plugin,
// because the dispatch engine itself implements them via the datapath
// choreography rather than delegating to a Volume.* script.
var unconditionalFeatures = []string{
	"VDI_ATTACH", "VDI_DETACH", "VDI_ACTIVATE", "VDI_DEACTIVATE", "VDI_INTRODUCE",
}

func handleQueryQuery(ctx context.Context, e *Engine, correlation uuid.UUID, raw json.RawMessage) (any, *Error) {
	req, dispErr := decodeParams[QueryRequest](raw, correlation)
	if dispErr != nil {
		return nil, dispErr
	}

	var base pluginQueryResponse
	if dispErr := e.callVolume(ctx, correlation, req.Plugin, "Plugin.Query", req, &base); dispErr != nil {
		return nil, dispErr
	}

	seen := make(map[string]bool)
	features := make([]string, 0, len(scriptFeatures)+len(unconditionalFeatures))
	addFeature := func(f string) {
		if f == "" || seen[f] {
			return
		}
		seen[f] = true
		features = append(features, f)
	}

	hasVolumeDestroy := false
	hasVolumeClone := false
	for _, f := range base.Features {
		switch f {
		case "VDI_DESTROY":
			hasVolumeDestroy = true
		case "VDI_CLONE":
			hasVolumeClone = true
			addFeature(f)
		default:
			addFeature(f)
		}
	}
	for _, sf := range scriptFeatures {
		if !rpcscript.Exists(e.resolver.VolumeScript(req.Plugin, sf.script)) {
			continue
		}
		switch sf.feature {
		case "VDI_DESTROY":
			// The backend implements destroy, but the manager-facing name
			// for it is VDI_DELETE, never VDI_DESTROY.
			hasVolumeDestroy = true
		case "VDI_CLONE":
			hasVolumeClone = true
			addFeature(sf.feature)
		default:
			addFeature(sf.feature)
		}
	}
	if hasVolumeDestroy {
		addFeature("VDI_DELETE")
	}

	for _, f := range unconditionalFeatures {
		addFeature(f)
	}

	if hasVolumeClone {
		addFeature("VDI_RESET_ON_BOOT")
		addFeature("VDI_RESET_ON_BOOT/2")
	}

	configuration := append([]ConfigOption{{Key: "uri", Description: "backend-specific location to attach"}}, base.Configuration...)

	return QueryResult{
		Name:          base.Name,
		Vendor:        base.Vendor,
		Version:       base.Version,
		Features:      features,
		Configuration: configuration,
	}, nil
}

// DiagnosticsResult reports live registrations, for operator visibility;
// it also backs the diagnostics HTTP surface of SPEC_FULL.md §12.
type DiagnosticsResult struct {
	DatapathPlugins []string `json:"datapath_plugins"`
	AttachedSRCount int      `json:"attached_sr_count"`
}

func handleQueryDiagnostics(_ context.Context, e *Engine, _ uuid.UUID, _ json.RawMessage) (any, *Error) {
	return DiagnosticsResult{
		DatapathPlugins: e.datapaths.Names(),
		AttachedSRCount: len(e.srIndex.All()),
	}, nil
}
