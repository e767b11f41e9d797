package datapath

import (
	"log/slog"
	"os"
	"testing"

	"github.com/xapi-storage/storage-scriptd/internal/model"
)

func newTestRegistry() *Registry {
	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	return NewRegistry(log)
}

func TestParseCandidates(t *testing.T) {
	uris := []string{"blkback://dev/sdb", "qdisk+nbd://host/vol", "malformed"}
	got := ParseCandidates(uris)
	if len(got) != 2 {
		t.Fatalf("expected 2 well-formed candidates, got %d", len(got))
	}
	if got[0].Datapath != "blkback" || got[0].URI != "blkback://dev/sdb" {
		t.Fatalf("unexpected first candidate: %+v", got[0])
	}
	if got[1].Datapath != "qdisk+nbd" || got[1].URI != "qdisk+nbd://host/vol" {
		t.Fatalf("unexpected second candidate: %+v", got[1])
	}
}

func TestChoosePrefersFirstRegisteredWhenPersistent(t *testing.T) {
	r := newTestRegistry()
	r.plugins["blkback"] = model.PluginCapabilities{Name: "blkback", Features: nil}
	r.plugins["qdisk"] = model.PluginCapabilities{Name: "qdisk", Features: []string{model.FeatureNonpersistent}}

	uris := []string{"blkback://host/vol", "qdisk://host/vol"}
	candidate, _, err := Choose(r, uris, true)
	if err != nil {
		t.Fatalf("Choose: %v", err)
	}
	if candidate.Datapath != "blkback" {
		t.Fatalf("expected blkback chosen first for a persistent request, got %s", candidate.Datapath)
	}
}

func TestChoosePartitionsNonpersistentFirst(t *testing.T) {
	r := newTestRegistry()
	r.plugins["blkback"] = model.PluginCapabilities{Name: "blkback", Features: nil}
	r.plugins["qdisk"] = model.PluginCapabilities{Name: "qdisk", Features: []string{model.FeatureNonpersistent}}

	uris := []string{"blkback://host/vol", "qdisk://host/vol"}
	candidate, _, err := Choose(r, uris, false)
	if err != nil {
		t.Fatalf("Choose: %v", err)
	}
	if candidate.Datapath != "qdisk" {
		t.Fatalf("expected qdisk chosen first for a non-persistent request, got %s", candidate.Datapath)
	}
}

func TestChooseFallsBackWhenNoneAdvertiseNonpersistent(t *testing.T) {
	r := newTestRegistry()
	r.plugins["blkback"] = model.PluginCapabilities{Name: "blkback", Features: nil}

	uris := []string{"blkback://host/vol"}
	candidate, _, err := Choose(r, uris, false)
	if err != nil {
		t.Fatalf("Choose: %v", err)
	}
	if candidate.Datapath != "blkback" {
		t.Fatalf("a non-NONPERSISTENT candidate must still be eligible, got %s", candidate.Datapath)
	}
}

func TestChooseMissingURI(t *testing.T) {
	r := newTestRegistry()
	_, _, err := Choose(r, []string{"unregistered://host/vol"}, false)
	if err != ErrMissingURI {
		t.Fatalf("expected ErrMissingURI, got %v", err)
	}
}
