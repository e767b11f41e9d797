package dispatch

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"github.com/xapi-storage/storage-scriptd/internal/model"
)

// SRAttachRequest is the manager's SR.attach call. SR is the handle the
// manager has already assigned this repository (its smapiv2_handle);
// the backend script returns its own, separate identifier, which is what
// every subsequent backend script invocation actually addresses.
type SRAttachRequest struct {
	Dbg           string            `json:"dbg"`
	SR            string            `json:"sr"`
	Plugin        string            `json:"plugin"`
	URI           string            `json:"uri"`
	Configuration map[string]string `json:"configuration"`
}

type srAttachResponse struct {
	SR string `json:"sr"`
}

// srStatResponse is the subset of SR.stat's reply the attach
// choreography reads: health is ignored here (see handleSRStat),
// datasources is mined for xeno+shm metric endpoints.
type srStatResponse struct {
	Datasources []string `json:"datasources"`
}

// xenoShmScheme is the URI scheme SR.stat's datasources use to advertise
// a local xeno+shm metrics endpoint, per spec.md §4.6.
const xenoShmScheme = "xeno+shm"

// xenoShmDatasourceUIDs extracts the leading-slash-stripped path of every
// xeno+shm-scheme datasource URI, for 5-second-cadence metric
// registration.
func xenoShmDatasourceUIDs(datasources []string) []string {
	uids := make([]string, 0, len(datasources))
	for _, ds := range datasources {
		parsed, err := url.Parse(ds)
		if err != nil || parsed.Scheme != xenoShmScheme {
			continue
		}
		uids = append(uids, strings.TrimPrefix(parsed.Path, "/"))
	}
	return uids
}

func handleSRAttach(ctx context.Context, e *Engine, correlation uuid.UUID, raw json.RawMessage) (any, *Error) {
	req, dispErr := decodeParams[SRAttachRequest](raw, correlation)
	if dispErr != nil {
		return nil, dispErr
	}
	if req.URI == "" {
		return nil, newError(CodeMissingURI, correlation, req.SR)
	}

	var attachResp srAttachResponse
	if dispErr := e.callVolume(ctx, correlation, req.Plugin, "SR.attach", req, &attachResp); dispErr != nil {
		return nil, dispErr
	}

	var statResp srStatResponse
	statReq := SRHandleRequest{Dbg: req.Dbg, SR: attachResp.SR}
	if dispErr := e.callVolume(ctx, correlation, req.Plugin, "SR.stat", statReq, &statResp); dispErr != nil {
		return nil, dispErr
	}
	uids := xenoShmDatasourceUIDs(statResp.Datasources)

	if err := e.srIndex.Add(model.AttachedSR{
		SMAPIv2Handle:  req.SR,
		Plugin:         req.Plugin,
		BackendSRID:    attachResp.SR,
		DatasourceUIDs: uids,
	}); err != nil {
		return nil, newError(CodeScriptFailed, correlation, err.Error())
	}
	if len(uids) > 0 {
		if err := e.metrics.RegisterDatasources(req.SR, uids); err != nil {
			e.log.Warn("metric datasource registration failed", "sr", req.SR, "error", err)
		}
	}
	return struct {
		SR string `json:"sr"`
	}{SR: req.SR}, nil
}

// SRHandleRequest covers every SR operation that only needs the
// already-attached handle.
type SRHandleRequest struct {
	Dbg string `json:"dbg"`
	SR  string `json:"sr"`
}

func handleSRDetach(ctx context.Context, e *Engine, correlation uuid.UUID, raw json.RawMessage) (any, *Error) {
	req, dispErr := decodeParams[SRHandleRequest](raw, correlation)
	if dispErr != nil {
		return nil, dispErr
	}

	sr, ok := e.srIndex.Find(req.SR)
	if !ok {
		// SR.detach is idempotent: detaching an already-detached (or never
		// attached) handle is a successful no-op.
		return struct{}{}, nil
	}

	backendReq := req
	backendReq.SR = sr.BackendSRID
	if dispErr := e.callVolume(ctx, correlation, sr.Plugin, "SR.detach", backendReq, nil); dispErr != nil {
		return nil, dispErr
	}
	if err := e.srIndex.Remove(req.SR); err != nil {
		return nil, newError(CodeScriptFailed, correlation, err.Error())
	}
	return struct{}{}, nil
}

// SRProbeRequest is the manager's SR.probe call, used to discover
// attachable SRs on a backend before SR.attach.
type SRProbeRequest struct {
	Dbg           string            `json:"dbg"`
	Plugin        string            `json:"plugin"`
	URI           string            `json:"uri"`
	Configuration map[string]string `json:"configuration"`
}

func handleSRProbe(ctx context.Context, e *Engine, correlation uuid.UUID, raw json.RawMessage) (any, *Error) {
	req, dispErr := decodeParams[SRProbeRequest](raw, correlation)
	if dispErr != nil {
		return nil, dispErr
	}
	var resp json.RawMessage
	if dispErr := e.callVolume(ctx, correlation, req.Plugin, "SR.probe", req, &resp); dispErr != nil {
		return nil, dispErr
	}
	return resp, nil
}

// SRCreateRequest is the manager's SR.create call.
type SRCreateRequest struct {
	Dbg             string            `json:"dbg"`
	Plugin          string            `json:"plugin"`
	URI             string            `json:"uri"`
	NameLabel       string            `json:"name_label"`
	NameDescription string            `json:"name_description"`
	Configuration   map[string]string `json:"configuration"`
}

func handleSRCreate(ctx context.Context, e *Engine, correlation uuid.UUID, raw json.RawMessage) (any, *Error) {
	req, dispErr := decodeParams[SRCreateRequest](raw, correlation)
	if dispErr != nil {
		return nil, dispErr
	}
	var resp json.RawMessage
	if dispErr := e.callVolume(ctx, correlation, req.Plugin, "SR.create", req, &resp); dispErr != nil {
		return nil, dispErr
	}
	return resp, nil
}

// SRNameRequest covers SR.set_name_label / SR.set_name_description.
type SRNameRequest struct {
	Dbg   string `json:"dbg"`
	SR    string `json:"sr"`
	Value string `json:"value"`
}

func handleSRSetNameLabel(ctx context.Context, e *Engine, correlation uuid.UUID, raw json.RawMessage) (any, *Error) {
	return srSetAttribute(ctx, e, correlation, raw, "SR.set_name")
}

func handleSRSetNameDescription(ctx context.Context, e *Engine, correlation uuid.UUID, raw json.RawMessage) (any, *Error) {
	return srSetAttribute(ctx, e, correlation, raw, "SR.set_description")
}

func srSetAttribute(ctx context.Context, e *Engine, correlation uuid.UUID, raw json.RawMessage, operation string) (any, *Error) {
	req, dispErr := decodeParams[SRNameRequest](raw, correlation)
	if dispErr != nil {
		return nil, dispErr
	}
	sr, ok := e.srIndex.Find(req.SR)
	if !ok {
		return nil, errSRNotAttached(correlation, req.SR)
	}
	req.SR = sr.BackendSRID
	if dispErr := e.callVolume(ctx, correlation, sr.Plugin, operation, req, nil); dispErr != nil {
		return nil, dispErr
	}
	return struct{}{}, nil
}

func handleSRDestroy(ctx context.Context, e *Engine, correlation uuid.UUID, raw json.RawMessage) (any, *Error) {
	req, dispErr := decodeParams[SRHandleRequest](raw, correlation)
	if dispErr != nil {
		return nil, dispErr
	}
	handle := req.SR
	sr, ok := e.srIndex.Find(handle)
	if !ok {
		return nil, errSRNotAttached(correlation, handle)
	}
	req.SR = sr.BackendSRID
	if dispErr := e.callVolume(ctx, correlation, sr.Plugin, "SR.destroy", req, nil); dispErr != nil {
		return nil, dispErr
	}
	_ = e.srIndex.Remove(handle)
	return struct{}{}, nil
}

func handleSRStat(ctx context.Context, e *Engine, correlation uuid.UUID, raw json.RawMessage) (any, *Error) {
	req, dispErr := decodeParams[SRHandleRequest](raw, correlation)
	if dispErr != nil {
		return nil, dispErr
	}
	sr, ok := e.srIndex.Find(req.SR)
	if !ok {
		return nil, errSRNotAttached(correlation, req.SR)
	}
	req.SR = sr.BackendSRID
	var resp json.RawMessage
	if dispErr := e.callVolume(ctx, correlation, sr.Plugin, "SR.stat", req, &resp); dispErr != nil {
		return nil, dispErr
	}
	return resp, nil
}

// SRScanResponse is the list of VDIs a scan discovers, with clone-on-boot
// shadow volumes filtered out per spec.md §8's SR.scan testable property.
type SRScanResponse struct {
	VDIs []model.VDI `json:"vdis"`
}

func handleSRScan(ctx context.Context, e *Engine, correlation uuid.UUID, raw json.RawMessage) (any, *Error) {
	req, dispErr := decodeParams[SRHandleRequest](raw, correlation)
	if dispErr != nil {
		return nil, dispErr
	}
	sr, ok := e.srIndex.Find(req.SR)
	if !ok {
		return nil, errSRNotAttached(correlation, req.SR)
	}
	req.SR = sr.BackendSRID

	var volumes []model.Volume
	if dispErr := e.callVolume(ctx, correlation, sr.Plugin, "SR.ls", req, &volumes); dispErr != nil {
		return nil, dispErr
	}

	shadows := make(map[string]bool)
	for _, v := range volumes {
		if shadow, ok := v.CloneOnBoot(); ok {
			shadows[shadow] = true
		}
	}

	vdis := make([]model.VDI, 0, len(volumes))
	for _, v := range volumes {
		if shadows[v.Key] {
			continue
		}
		vdis = append(vdis, model.ProjectVDI(v))
	}
	return SRScanResponse{VDIs: vdis}, nil
}
