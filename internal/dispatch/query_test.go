package dispatch

import (
	"encoding/json"
	"testing"
)

func hasFeature(features []string, want string) bool {
	for _, f := range features {
		if f == want {
			return true
		}
	}
	return false
}

func TestQueryQueryTranslatesDestroyToDelete(t *testing.T) {
	h := newHarness(t)
	dir := h.resolver.VolumeDir("mybackend")
	writeScript(t, dir, "Plugin.Query", `echo '{"name":"mybackend","vendor":"acme","version":"1.0","configuration":[]}'`)
	writeScript(t, dir, "Volume.destroy", `echo ''`)
	writeScript(t, dir, "Volume.stat", `echo ''`)

	raw, dispErr := h.dispatch(t, "Query.query", QueryRequest{Plugin: "mybackend"})
	if dispErr != nil {
		t.Fatalf("Query.query: %+v", dispErr)
	}
	var resp QueryResult
	if err := json.Unmarshal(raw, &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if hasFeature(resp.Features, "VDI_DESTROY") {
		t.Fatalf("expected VDI_DESTROY translated away, got %v", resp.Features)
	}
	if !hasFeature(resp.Features, "VDI_DELETE") {
		t.Fatalf("expected VDI_DELETE present, got %v", resp.Features)
	}
	for _, want := range []string{"VDI_ATTACH", "VDI_DETACH", "VDI_ACTIVATE", "VDI_DEACTIVATE", "VDI_INTRODUCE"} {
		if !hasFeature(resp.Features, want) {
			t.Fatalf("expected unconditional feature %s, got %v", want, resp.Features)
		}
	}
	if resp.Configuration[0].Key != "uri" {
		t.Fatalf("expected uri configuration option prepended, got %+v", resp.Configuration)
	}
}

func TestQueryQueryAddsResetOnBootWhenCloneable(t *testing.T) {
	h := newHarness(t)
	dir := h.resolver.VolumeDir("clonebackend")
	writeScript(t, dir, "Plugin.Query", `echo '{"name":"clonebackend","vendor":"acme","version":"1.0","configuration":[]}'`)
	writeScript(t, dir, "Volume.clone", `echo ''`)

	raw, dispErr := h.dispatch(t, "Query.query", QueryRequest{Plugin: "clonebackend"})
	if dispErr != nil {
		t.Fatalf("Query.query: %+v", dispErr)
	}
	var resp QueryResult
	if err := json.Unmarshal(raw, &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !hasFeature(resp.Features, "VDI_RESET_ON_BOOT") || !hasFeature(resp.Features, "VDI_RESET_ON_BOOT/2") {
		t.Fatalf("expected reset-on-boot features alongside VDI_CLONE, got %v", resp.Features)
	}
}
