package srindex

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/xapi-storage/storage-scriptd/internal/model"
)

func openTestIndex(t *testing.T) *Index {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state.db")
	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	idx, err := Open(path, log)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { idx.Close() })
	return idx
}

func TestAddFindRemove(t *testing.T) {
	idx := openTestIndex(t)

	sr := model.AttachedSR{SMAPIv2Handle: "sr-1", Plugin: "mybackend", BackendSRID: "sr-1", DatasourceUIDs: []string{"ds-1"}}
	if err := idx.Add(sr); err != nil {
		t.Fatalf("Add: %v", err)
	}

	found, ok := idx.Find("sr-1")
	if !ok {
		t.Fatalf("expected sr-1 to be found")
	}
	if found.Plugin != "mybackend" {
		t.Fatalf("unexpected plugin: %s", found.Plugin)
	}

	if err := idx.Remove("sr-1"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, ok := idx.Find("sr-1"); ok {
		t.Fatalf("expected sr-1 to be gone after Remove")
	}
}

func TestRemoveIsIdempotent(t *testing.T) {
	idx := openTestIndex(t)
	if err := idx.Remove("never-attached"); err != nil {
		t.Fatalf("Remove of an unknown handle should not error: %v", err)
	}
}

func TestPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	idx, err := Open(path, log)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := idx.Add(model.AttachedSR{SMAPIv2Handle: "sr-1", Plugin: "p", BackendSRID: "sr-1"}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	idx.Close()

	reopened, err := Open(path, log)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	if _, ok := reopened.Find("sr-1"); !ok {
		t.Fatalf("expected sr-1 to survive reopen")
	}
}
