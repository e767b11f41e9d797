package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/xapi-storage/storage-scriptd/internal/datapath"
	"github.com/xapi-storage/storage-scriptd/internal/pathresolver"
	"github.com/xapi-storage/storage-scriptd/internal/srindex"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, nil))
}

func writeScript(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", dir, err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatalf("write script %s: %v", path, err)
	}
}

type harness struct {
	engine   *Engine
	resolver pathresolver.Resolver
	registry *datapath.Registry
}

func newHarness(t *testing.T) harness {
	t.Helper()
	root := t.TempDir()
	resolver := pathresolver.New(root)
	idx, err := srindex.Open(filepath.Join(t.TempDir(), "state.db"), testLogger())
	if err != nil {
		t.Fatalf("srindex.Open: %v", err)
	}
	t.Cleanup(func() { idx.Close() })

	registry := datapath.NewRegistry(testLogger())
	engine := New(testLogger(), resolver, idx, registry, NoopMetricRegistrar{})
	return harness{engine: engine, resolver: resolver, registry: registry}
}

func (h harness) dispatch(t *testing.T, method string, params any) (json.RawMessage, *Error) {
	t.Helper()
	raw, err := json.Marshal(params)
	if err != nil {
		t.Fatalf("marshal params: %v", err)
	}
	return h.engine.Dispatch(context.Background(), method, raw)
}

// attachBackend wires up a minimal SR.attach/SR.stat fixture and attaches
// "mybackend" under manager handle "sr-1", backend id "backend-sr-1".
func attachBackend(t *testing.T, h harness) {
	t.Helper()
	dir := h.resolver.VolumeDir("mybackend")
	writeScript(t, dir, "SR.attach", `echo '{"sr":"backend-sr-1"}'`)
	writeScript(t, dir, "SR.stat", `echo '{"datasources":[]}'`)
	_, dispErr := h.dispatch(t, "SR.attach", SRAttachRequest{SR: "sr-1", Plugin: "mybackend", URI: "file:///data"})
	if dispErr != nil {
		t.Fatalf("SR.attach: %+v", dispErr)
	}
}

func TestUnknownMethodIsUnimplemented(t *testing.T) {
	h := newHarness(t)
	_, dispErr := h.dispatch(t, "VDI.teleport", map[string]any{})
	if dispErr == nil || dispErr.Code != CodeUnimplemented {
		t.Fatalf("expected UNIMPLEMENTED, got %+v", dispErr)
	}
}

func TestSRAttachThenDetach(t *testing.T) {
	h := newHarness(t)
	attachBackend(t, h)
	writeScript(t, h.resolver.VolumeDir("mybackend"), "SR.detach", `echo '{}'`)

	_, dispErr := h.dispatch(t, "SR.detach", SRHandleRequest{SR: "sr-1"})
	if dispErr != nil {
		t.Fatalf("SR.detach: %+v", dispErr)
	}

	// Detaching an already-detached SR is a no-op, not an error.
	_, dispErr = h.dispatch(t, "SR.detach", SRHandleRequest{SR: "sr-1"})
	if dispErr != nil {
		t.Fatalf("idempotent SR.detach should not error: %+v", dispErr)
	}
}

func TestSRDestroyUnattachedIsSRNotAttached(t *testing.T) {
	h := newHarness(t)
	_, dispErr := h.dispatch(t, "SR.destroy", SRHandleRequest{SR: "never-attached"})
	if dispErr == nil || dispErr.Code != CodeSRNotAttached {
		t.Fatalf("expected SR_NOT_ATTACHED, got %+v", dispErr)
	}
}

func TestScriptFailureWithBacktrace(t *testing.T) {
	h := newHarness(t)
	writeScript(t, h.resolver.VolumeDir("mybackend"), "SR.attach",
		`echo '{"code":"SR_BACKEND_FAILURE","params":["boom"],"backtrace":["frame-1","frame-2"]}'; exit 1`)

	_, dispErr := h.dispatch(t, "SR.attach", SRAttachRequest{SR: "sr-1", Plugin: "mybackend", URI: "file:///data"})
	if dispErr == nil || dispErr.Code != "SR_BACKEND_FAILURE" {
		t.Fatalf("expected the backend's own code to surface unconflated, got %+v", dispErr)
	}
	if len(dispErr.Params) != 1 || dispErr.Params[0] != "boom" {
		t.Fatalf("expected backend params preserved without the code prepended, got %v", dispErr.Params)
	}
	if len(dispErr.Backtrace) != 2 {
		t.Fatalf("expected backtrace to propagate unmodified, got %v", dispErr.Backtrace)
	}
}

func TestScriptMissing(t *testing.T) {
	h := newHarness(t)
	_, dispErr := h.dispatch(t, "SR.attach", SRAttachRequest{SR: "sr-1", Plugin: "no-such-backend", URI: "file:///data"})
	if dispErr == nil || dispErr.Code != CodeScriptMissing {
		t.Fatalf("expected SCRIPT_MISSING, got %+v", dispErr)
	}
}

func TestVDIAttachMissingURI(t *testing.T) {
	h := newHarness(t)
	attachBackend(t, h)
	writeScript(t, h.resolver.VolumeDir("mybackend"), "Volume.stat",
		`echo '{"key":"vdi-1","uuid":"u-1","uri":["blkback://dev/sdb"]}'`)

	// No datapath plugin has been registered, so every uri candidate is
	// unusable: the attach must fail with MISSING_URI.
	_, dispErr := h.dispatch(t, "VDI.attach", VDIAttachRequest{SR: "sr-1", VDI: "vdi-1", Persistent: true})
	if dispErr == nil || dispErr.Code != CodeMissingURI {
		t.Fatalf("expected MISSING_URI, got %+v", dispErr)
	}
}

func TestVDIAttachChoosesRegisteredDatapath(t *testing.T) {
	h := newHarness(t)
	attachBackend(t, h)
	writeScript(t, h.resolver.VolumeDir("mybackend"), "Volume.stat",
		`echo '{"key":"vdi-1","uuid":"u-1","uri":["blkback://dev/sdb"]}'`)
	writeScript(t, h.resolver.DatapathDir("blkback"), "Plugin.query", `echo '{"name":"blkback","features":[]}'`)
	writeScript(t, h.resolver.DatapathDir("blkback"), "Datapath.attach", `echo '{"kind":"Blkback","params":"/dev/sdb"}'`)

	if err := h.registry.Register(context.Background(), h.resolver, "blkback"); err != nil {
		t.Fatalf("register blkback: %v", err)
	}

	raw, dispErr := h.dispatch(t, "VDI.attach", VDIAttachRequest{SR: "sr-1", VDI: "vdi-1", Persistent: true})
	if dispErr != nil {
		t.Fatalf("VDI.attach: %+v", dispErr)
	}
	var info struct {
		BackendKind string `json:"backend-kind"`
		Params      string `json:"params"`
	}
	if err := json.Unmarshal(raw, &info); err != nil {
		t.Fatalf("unmarshal attach_info: %v", err)
	}
	if info.BackendKind != "vbd" || info.Params != "/dev/sdb" {
		t.Fatalf("unexpected attach_info: %+v", info)
	}
}

func TestSRScanHidesCloneOnBootShadows(t *testing.T) {
	h := newHarness(t)
	attachBackend(t, h)
	writeScript(t, h.resolver.VolumeDir("mybackend"), "SR.ls", `cat <<'EOF'
[
  {"key":"vdi-1","uuid":"u-1","name":"disk","keys":{"clone-on-boot":"vdi-1-shadow"}},
  {"key":"vdi-1-shadow","uuid":"u-1-shadow","name":"disk-shadow"}
]
EOF`)

	raw, dispErr := h.dispatch(t, "SR.scan", SRHandleRequest{SR: "sr-1"})
	if dispErr != nil {
		t.Fatalf("SR.scan: %+v", dispErr)
	}
	var resp SRScanResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		t.Fatalf("unmarshal scan response: %v", err)
	}
	if len(resp.VDIs) != 1 || resp.VDIs[0].VDI != "vdi-1" {
		t.Fatalf("expected the shadow volume hidden from scan results, got %+v", resp.VDIs)
	}
}

func TestEpochBeginClonesShadowWhenDatapathLacksNonpersistent(t *testing.T) {
	h := newHarness(t)
	attachBackend(t, h)
	dir := h.resolver.VolumeDir("mybackend")
	writeScript(t, dir, "Volume.stat", `echo '{"key":"vdi-1","uuid":"u-1","uri":["blkback://dev/sdb"]}'`)
	writeScript(t, dir, "Volume.clone", `echo '{"key":"vdi-1-shadow","uuid":"u-1-shadow"}'`)
	writeScript(t, dir, "Volume.set", `echo '{}'`)
	writeScript(t, h.resolver.DatapathDir("blkback"), "Plugin.query", `echo '{"name":"blkback","features":[]}'`)
	if err := h.registry.Register(context.Background(), h.resolver, "blkback"); err != nil {
		t.Fatalf("register blkback: %v", err)
	}

	_, dispErr := h.dispatch(t, "VDI.epoch_begin", VDIEpochRequest{SR: "sr-1", VDI: "vdi-1", Persistent: false})
	if dispErr != nil {
		t.Fatalf("VDI.epoch_begin: %+v", dispErr)
	}
}

func TestEpochBeginDelegatesToNonpersistentDatapath(t *testing.T) {
	h := newHarness(t)
	attachBackend(t, h)
	dir := h.resolver.VolumeDir("mybackend")
	writeScript(t, dir, "Volume.stat", `echo '{"key":"vdi-1","uuid":"u-1","uri":["qdisk://host/vol"]}'`)
	// If the choreography mistakenly cloned instead of delegating, these
	// would be invoked and fail the test via unexpected output.
	writeScript(t, dir, "Volume.clone", `echo 'unexpected clone call'; exit 1`)
	writeScript(t, h.resolver.DatapathDir("qdisk"), "Plugin.query", `echo '{"name":"qdisk","features":["NONPERSISTENT"]}'`)
	writeScript(t, h.resolver.DatapathDir("qdisk"), "Datapath.open", `echo '{}'`)
	if err := h.registry.Register(context.Background(), h.resolver, "qdisk"); err != nil {
		t.Fatalf("register qdisk: %v", err)
	}

	_, dispErr := h.dispatch(t, "VDI.epoch_begin", VDIEpochRequest{SR: "sr-1", VDI: "vdi-1", Persistent: false})
	if dispErr != nil {
		t.Fatalf("VDI.epoch_begin: %+v", dispErr)
	}
}

func TestEpochEndCleansUpShadow(t *testing.T) {
	h := newHarness(t)
	attachBackend(t, h)
	dir := h.resolver.VolumeDir("mybackend")
	writeScript(t, dir, "Volume.stat", `echo '{"key":"vdi-1","uuid":"u-1","keys":{"clone-on-boot":"vdi-1-shadow"}}'`)
	writeScript(t, dir, "Volume.destroy", `echo '{}'`)
	writeScript(t, dir, "Volume.unset", `echo '{}'`)

	_, dispErr := h.dispatch(t, "VDI.epoch_end", VDIEpochRequest{SR: "sr-1", VDI: "vdi-1"})
	if dispErr != nil {
		t.Fatalf("VDI.epoch_end: %+v", dispErr)
	}
}
