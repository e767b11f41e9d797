package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/xapi-storage/storage-scriptd/internal/datapath"
	"github.com/xapi-storage/storage-scriptd/internal/model"
)

// VDIHandleRequest covers operations addressed by SR + volume key alone.
type VDIHandleRequest struct {
	Dbg string `json:"dbg"`
	SR  string `json:"sr"`
	VDI string `json:"vdi"`
}

func (e *Engine) lookupSR(correlation uuid.UUID, handle string) (model.AttachedSR, *Error) {
	sr, ok := e.srIndex.Find(handle)
	if !ok {
		return model.AttachedSR{}, errSRNotAttached(correlation, handle)
	}
	return sr, nil
}

// VDICreateRequest is the manager's VDI.create call.
type VDICreateRequest struct {
	Dbg             string `json:"dbg"`
	SR              string `json:"sr"`
	NameLabel       string `json:"name_label"`
	NameDescription string `json:"name_description"`
	VirtualSize     int64  `json:"virtual_size"`
	ReadWrite       bool   `json:"read_write"`
}

func handleVDICreate(ctx context.Context, e *Engine, correlation uuid.UUID, raw json.RawMessage) (any, *Error) {
	req, dispErr := decodeParams[VDICreateRequest](raw, correlation)
	if dispErr != nil {
		return nil, dispErr
	}
	sr, dispErr := e.lookupSR(correlation, req.SR)
	if dispErr != nil {
		return nil, dispErr
	}
	req.SR = sr.BackendSRID
	var volume model.Volume
	if dispErr := e.callVolume(ctx, correlation, sr.Plugin, "Volume.create", req, &volume); dispErr != nil {
		return nil, dispErr
	}
	return model.ProjectVDI(volume), nil
}

// statVolume calls Volume.stat on a single key under sr's backend
// identifier.
func (e *Engine) statVolume(ctx context.Context, correlation uuid.UUID, sr model.AttachedSR, dbg, key string) (model.Volume, *Error) {
	var volume model.Volume
	req := VDIHandleRequest{Dbg: dbg, SR: sr.BackendSRID, VDI: key}
	if dispErr := e.callVolume(ctx, correlation, sr.Plugin, "Volume.stat", req, &volume); dispErr != nil {
		return model.Volume{}, dispErr
	}
	return volume, nil
}

// destroyVolume calls Volume.destroy on a single key under sr's backend
// identifier.
func (e *Engine) destroyVolume(ctx context.Context, correlation uuid.UUID, sr model.AttachedSR, dbg, key string) *Error {
	req := VDIHandleRequest{Dbg: dbg, SR: sr.BackendSRID, VDI: key}
	return e.callVolume(ctx, correlation, sr.Plugin, "Volume.destroy", req, nil)
}

func handleVDIDestroy(ctx context.Context, e *Engine, correlation uuid.UUID, raw json.RawMessage) (any, *Error) {
	req, dispErr := decodeParams[VDIHandleRequest](raw, correlation)
	if dispErr != nil {
		return nil, dispErr
	}
	sr, dispErr := e.lookupSR(correlation, req.SR)
	if dispErr != nil {
		return nil, dispErr
	}

	volume, dispErr := e.statVolume(ctx, correlation, sr, req.Dbg, req.VDI)
	if dispErr != nil {
		return nil, dispErr
	}
	if shadow, ok := volume.CloneOnBoot(); ok {
		if dispErr := e.destroyVolume(ctx, correlation, sr, req.Dbg, shadow); dispErr != nil {
			return nil, dispErr
		}
	}
	if dispErr := e.destroyVolume(ctx, correlation, sr, req.Dbg, req.VDI); dispErr != nil {
		return nil, dispErr
	}
	return struct{}{}, nil
}

func handleVDISnapshot(ctx context.Context, e *Engine, correlation uuid.UUID, raw json.RawMessage) (any, *Error) {
	return vdiDerive(ctx, e, correlation, raw, "Volume.snapshot")
}

func handleVDIClone(ctx context.Context, e *Engine, correlation uuid.UUID, raw json.RawMessage) (any, *Error) {
	return vdiDerive(ctx, e, correlation, raw, "Volume.clone")
}

func vdiDerive(ctx context.Context, e *Engine, correlation uuid.UUID, raw json.RawMessage, operation string) (any, *Error) {
	req, dispErr := decodeParams[VDIHandleRequest](raw, correlation)
	if dispErr != nil {
		return nil, dispErr
	}
	sr, dispErr := e.lookupSR(correlation, req.SR)
	if dispErr != nil {
		return nil, dispErr
	}
	req.SR = sr.BackendSRID
	var volume model.Volume
	if dispErr := e.callVolume(ctx, correlation, sr.Plugin, operation, req, &volume); dispErr != nil {
		return nil, dispErr
	}
	return model.ProjectVDI(volume), nil
}

// VDINameRequest covers VDI.set_name_label / VDI.set_name_description.
type VDINameRequest struct {
	Dbg   string `json:"dbg"`
	SR    string `json:"sr"`
	VDI   string `json:"vdi"`
	Value string `json:"value"`
}

func handleVDISetNameLabel(ctx context.Context, e *Engine, correlation uuid.UUID, raw json.RawMessage) (any, *Error) {
	return vdiSetAttribute(ctx, e, correlation, raw, "Volume.set_name")
}

func handleVDISetNameDescription(ctx context.Context, e *Engine, correlation uuid.UUID, raw json.RawMessage) (any, *Error) {
	return vdiSetAttribute(ctx, e, correlation, raw, "Volume.set_description")
}

func vdiSetAttribute(ctx context.Context, e *Engine, correlation uuid.UUID, raw json.RawMessage, operation string) (any, *Error) {
	req, dispErr := decodeParams[VDINameRequest](raw, correlation)
	if dispErr != nil {
		return nil, dispErr
	}
	sr, dispErr := e.lookupSR(correlation, req.SR)
	if dispErr != nil {
		return nil, dispErr
	}
	req.SR = sr.BackendSRID
	if dispErr := e.callVolume(ctx, correlation, sr.Plugin, operation, req, nil); dispErr != nil {
		return nil, dispErr
	}
	return struct{}{}, nil
}

// VDIResizeRequest is the manager's VDI.resize call.
type VDIResizeRequest struct {
	Dbg     string `json:"dbg"`
	SR      string `json:"sr"`
	VDI     string `json:"vdi"`
	NewSize int64  `json:"new_size"`
}

func handleVDIResize(ctx context.Context, e *Engine, correlation uuid.UUID, raw json.RawMessage) (any, *Error) {
	req, dispErr := decodeParams[VDIResizeRequest](raw, correlation)
	if dispErr != nil {
		return nil, dispErr
	}
	sr, dispErr := e.lookupSR(correlation, req.SR)
	if dispErr != nil {
		return nil, dispErr
	}
	backendReq := req
	backendReq.SR = sr.BackendSRID
	if dispErr := e.callVolume(ctx, correlation, sr.Plugin, "Volume.resize", backendReq, nil); dispErr != nil {
		return nil, dispErr
	}
	volume, dispErr := e.statVolume(ctx, correlation, sr, req.Dbg, req.VDI)
	if dispErr != nil {
		return nil, dispErr
	}
	return model.ProjectVDI(volume), nil
}

func handleVDIStat(ctx context.Context, e *Engine, correlation uuid.UUID, raw json.RawMessage) (any, *Error) {
	req, dispErr := decodeParams[VDIHandleRequest](raw, correlation)
	if dispErr != nil {
		return nil, dispErr
	}
	sr, dispErr := e.lookupSR(correlation, req.SR)
	if dispErr != nil {
		return nil, dispErr
	}
	volume, dispErr := e.statVolume(ctx, correlation, sr, req.Dbg, req.VDI)
	if dispErr != nil {
		return nil, dispErr
	}
	return model.ProjectVDI(volume), nil
}

// VDIIntroduceRequest is the manager's VDI.introduce call, used to make
// the daemon aware of a VDI it did not create (e.g. after import).
type VDIIntroduceRequest struct {
	Dbg             string `json:"dbg"`
	SR              string `json:"sr"`
	UUID            string `json:"uuid"`
	NameLabel       string `json:"name_label"`
	NameDescription string `json:"name_description"`
	VirtualSize     int64  `json:"virtual_size"`
	ReadWrite       bool   `json:"read_write"`
}

func handleVDIIntroduce(ctx context.Context, e *Engine, correlation uuid.UUID, raw json.RawMessage) (any, *Error) {
	req, dispErr := decodeParams[VDIIntroduceRequest](raw, correlation)
	if dispErr != nil {
		return nil, dispErr
	}
	sr, dispErr := e.lookupSR(correlation, req.SR)
	if dispErr != nil {
		return nil, dispErr
	}
	// VDI.introduce shares VDI.stat's script per spec.md §4.6: the
	// backend is expected to already know this volume by its uuid.
	volume, dispErr := e.statVolume(ctx, correlation, sr, req.Dbg, req.UUID)
	if dispErr != nil {
		return nil, dispErr
	}
	return model.ProjectVDI(volume), nil
}

// VDIAttachRequest is the manager's VDI.attach call. Dp is the
// datapath identifier the manager wants to use; Persistent mirrors the
// domain's expectation of whether writes should survive a reboot.
type VDIAttachRequest struct {
	Dbg        string `json:"dbg"`
	Dp         string `json:"dp"`
	SR         string `json:"sr"`
	VDI        string `json:"vdi"`
	Persistent bool   `json:"persistent"`
}

// attachDatapathRequest is what the chosen datapath script actually
// receives: the resolved volume's full URI and the literal dom0 domain,
// per spec.md §4.5/§4.6.
type attachDatapathRequest struct {
	Dbg    string `json:"dbg"`
	URI    string `json:"uri"`
	Domain string `json:"domain"`
}

// resolveAttachVolume looks up the volume a VDI attach/activate/
// deactivate/detach call refers to, following the clone-on-boot
// redirection so that a non-persistent VDI attaches to its shadow
// instead of the original.
func (e *Engine) resolveAttachVolume(ctx context.Context, correlation uuid.UUID, sr model.AttachedSR, dbg, vdiKey string) (model.Volume, *Error) {
	volume, dispErr := e.statVolume(ctx, correlation, sr, dbg, vdiKey)
	if dispErr != nil {
		return model.Volume{}, dispErr
	}
	if shadow, ok := volume.CloneOnBoot(); ok {
		return e.statVolume(ctx, correlation, sr, dbg, shadow)
	}
	return volume, nil
}

func handleVDIAttach(ctx context.Context, e *Engine, correlation uuid.UUID, raw json.RawMessage) (any, *Error) {
	req, dispErr := decodeParams[VDIAttachRequest](raw, correlation)
	if dispErr != nil {
		return nil, dispErr
	}
	sr, dispErr := e.lookupSR(correlation, req.SR)
	if dispErr != nil {
		return nil, dispErr
	}
	volume, dispErr := e.resolveAttachVolume(ctx, correlation, sr, req.Dbg, req.VDI)
	if dispErr != nil {
		return nil, dispErr
	}

	// The shared attach/activate/deactivate/detach choreography always
	// asks the chooser for a persistent datapath, per spec.md §4.6; only
	// epoch_begin and epoch_end pass the VDI's actual requested persistence.
	candidate, _, err := datapath.Choose(e.datapaths, volume.URI, true)
	if err != nil {
		return nil, errMissingURI(correlation, volume.Key)
	}

	var impl model.DatapathImplementation
	dpReq := attachDatapathRequest{Dbg: req.Dbg, URI: candidate.URI, Domain: datapath.Domain0}
	if dispErr := e.callDatapath(ctx, correlation, candidate.Datapath, "Datapath.attach", dpReq, &impl); dispErr != nil {
		return nil, dispErr
	}

	info, ok := model.ToAttachInfo(impl)
	if !ok {
		return nil, newError(CodeScriptFailed, correlation, fmt.Sprintf("unknown datapath implementation %q", impl.Kind))
	}
	return info, nil
}

func handleVDIActivate(ctx context.Context, e *Engine, correlation uuid.UUID, raw json.RawMessage) (any, *Error) {
	return vdiDatapathOp(ctx, e, correlation, raw, "Datapath.activate")
}

func handleVDIDeactivate(ctx context.Context, e *Engine, correlation uuid.UUID, raw json.RawMessage) (any, *Error) {
	return vdiDatapathOp(ctx, e, correlation, raw, "Datapath.deactivate")
}

func handleVDIDetach(ctx context.Context, e *Engine, correlation uuid.UUID, raw json.RawMessage) (any, *Error) {
	return vdiDatapathOp(ctx, e, correlation, raw, "Datapath.detach")
}

func vdiDatapathOp(ctx context.Context, e *Engine, correlation uuid.UUID, raw json.RawMessage, operation string) (any, *Error) {
	req, dispErr := decodeParams[VDIAttachRequest](raw, correlation)
	if dispErr != nil {
		return nil, dispErr
	}
	sr, dispErr := e.lookupSR(correlation, req.SR)
	if dispErr != nil {
		return nil, dispErr
	}
	volume, dispErr := e.resolveAttachVolume(ctx, correlation, sr, req.Dbg, req.VDI)
	if dispErr != nil {
		return nil, dispErr
	}
	candidate, _, err := datapath.Choose(e.datapaths, volume.URI, true)
	if err != nil {
		return nil, errMissingURI(correlation, volume.Key)
	}
	dpReq := attachDatapathRequest{Dbg: req.Dbg, URI: candidate.URI, Domain: datapath.Domain0}
	if dispErr := e.callDatapath(ctx, correlation, candidate.Datapath, operation, dpReq, nil); dispErr != nil {
		return nil, dispErr
	}
	return struct{}{}, nil
}

// VDIEpochRequest is shared by VDI.epoch_begin and VDI.epoch_end, the
// clone-on-boot choreography of spec.md §4.6.
type VDIEpochRequest struct {
	Dbg        string `json:"dbg"`
	SR         string `json:"sr"`
	VDI        string `json:"vdi"`
	Persistent bool   `json:"persistent"`
}

// datapathOpenRequest is Datapath.open's request, used when the chosen
// datapath plugin natively supports non-persistent disks.
type datapathOpenRequest struct {
	Dbg        string `json:"dbg"`
	URI        string `json:"uri"`
	Persistent bool   `json:"persistent"`
}

// datapathCloseRequest is Datapath.close's request, the counterpart to
// datapathOpenRequest for epoch_end.
type datapathCloseRequest struct {
	Dbg string `json:"dbg"`
	URI string `json:"uri"`
}

func handleVDIEpochBegin(ctx context.Context, e *Engine, correlation uuid.UUID, raw json.RawMessage) (any, *Error) {
	req, dispErr := decodeParams[VDIEpochRequest](raw, correlation)
	if dispErr != nil {
		return nil, dispErr
	}
	sr, dispErr := e.lookupSR(correlation, req.SR)
	if dispErr != nil {
		return nil, dispErr
	}

	volume, dispErr := e.statVolume(ctx, correlation, sr, req.Dbg, req.VDI)
	if dispErr != nil {
		return nil, dispErr
	}

	candidate, caps, err := datapath.Choose(e.datapaths, volume.URI, req.Persistent)
	if err != nil {
		return nil, errMissingURI(correlation, volume.Key)
	}

	if caps.Has(model.FeatureNonpersistent) {
		openReq := datapathOpenRequest{Dbg: req.Dbg, URI: candidate.URI, Persistent: req.Persistent}
		if dispErr := e.callDatapath(ctx, correlation, candidate.Datapath, "Datapath.open", openReq, nil); dispErr != nil {
			return nil, dispErr
		}
		return struct{}{}, nil
	}

	if req.Persistent {
		// The baseline volume is already persistent and the datapath has
		// no native non-persistent mode: nothing to do.
		return struct{}{}, nil
	}

	if shadow, ok := volume.CloneOnBoot(); ok {
		if dispErr := e.destroyVolume(ctx, correlation, sr, req.Dbg, shadow); dispErr != nil {
			return nil, dispErr
		}
	}

	var clone model.Volume
	cloneReq := VDIHandleRequest{Dbg: req.Dbg, SR: sr.BackendSRID, VDI: req.VDI}
	if dispErr := e.callVolume(ctx, correlation, sr.Plugin, "Volume.clone", cloneReq, &clone); dispErr != nil {
		return nil, dispErr
	}

	setReq := struct {
		Dbg  string            `json:"dbg"`
		SR   string            `json:"sr"`
		VDI  string            `json:"vdi"`
		Keys map[string]string `json:"keys"`
	}{Dbg: req.Dbg, SR: sr.BackendSRID, VDI: req.VDI, Keys: cloneShadowKeys(clone.Key)}
	if dispErr := e.callVolume(ctx, correlation, sr.Plugin, "Volume.set", setReq, nil); dispErr != nil {
		return nil, dispErr
	}
	return struct{}{}, nil
}

// cloneShadowKeys is the Volume.Keys patch used to mark the clone created
// for a non-persistent VDI's boot epoch.
func cloneShadowKeys(shadowKey string) map[string]string {
	return map[string]string{model.CloneOnBootKey: shadowKey}
}

func handleVDIEpochEnd(ctx context.Context, e *Engine, correlation uuid.UUID, raw json.RawMessage) (any, *Error) {
	req, dispErr := decodeParams[VDIEpochRequest](raw, correlation)
	if dispErr != nil {
		return nil, dispErr
	}
	sr, dispErr := e.lookupSR(correlation, req.SR)
	if dispErr != nil {
		return nil, dispErr
	}

	volume, dispErr := e.statVolume(ctx, correlation, sr, req.Dbg, req.VDI)
	if dispErr != nil {
		return nil, dispErr
	}

	candidate, caps, err := datapath.Choose(e.datapaths, volume.URI, req.Persistent)
	if err == nil && caps.Has(model.FeatureNonpersistent) {
		closeReq := datapathCloseRequest{Dbg: req.Dbg, URI: candidate.URI}
		if dispErr := e.callDatapath(ctx, correlation, candidate.Datapath, "Datapath.close", closeReq, nil); dispErr != nil {
			return nil, dispErr
		}
		return struct{}{}, nil
	}

	shadow, ok := volume.CloneOnBoot()
	if !ok {
		return struct{}{}, nil
	}

	if dispErr := e.destroyVolume(ctx, correlation, sr, req.Dbg, shadow); dispErr != nil {
		return nil, dispErr
	}

	unsetReq := struct {
		Dbg  string   `json:"dbg"`
		SR   string   `json:"sr"`
		VDI  string   `json:"vdi"`
		Keys []string `json:"unset_keys"`
	}{Dbg: req.Dbg, SR: sr.BackendSRID, VDI: req.VDI, Keys: []string{model.CloneOnBootKey}}
	if dispErr := e.callVolume(ctx, correlation, sr.Plugin, "Volume.unset", unsetReq, nil); dispErr != nil {
		return nil, dispErr
	}
	return struct{}{}, nil
}

// VDISetPersistentRequest is the manager's VDI.set_persistent call.
type VDISetPersistentRequest struct {
	Dbg        string `json:"dbg"`
	SR         string `json:"sr"`
	VDI        string `json:"vdi"`
	Persistent bool   `json:"persistent"`
}

func handleVDISetPersistent(_ context.Context, _ *Engine, _ uuid.UUID, _ json.RawMessage) (any, *Error) {
	// Per spec.md §4.6: no script is invoked; the real work happens in
	// epoch_begin.
	return struct{}{}, nil
}
