// Package srindex persists the Attached-SR Index: the map from a manager
// SMAPIv2 handle to the backend SR identifier and discovered datasource
// UIDs, per spec.md §4.3. Backed by SQLite for crash-safe restart
// recovery, following the teacher's database.go pragma and open pattern.
package srindex

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/xapi-storage/storage-scriptd/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS attached_sr (
	smapiv2_handle   TEXT PRIMARY KEY,
	plugin           TEXT NOT NULL,
	backend_sr_id    TEXT NOT NULL,
	datasource_uids  TEXT NOT NULL
);
`

// Index is the in-memory, SQLite-persisted Attached-SR table. Mutations
// take idxMu; every add and remove is followed by a synchronous write to
// the backing database, per the Design Note in spec.md §9 recommending
// persistence on both add and remove.
type Index struct {
	log *slog.Logger
	db  *sql.DB

	idxMu sync.RWMutex
	byHandle map[string]model.AttachedSR
}

// Open opens (creating if absent) the SQLite file at path and loads its
// contents into memory, mirroring the teacher's Open/pragma sequence.
func Open(path string, log *slog.Logger) (*Index, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate %s: %w", path, err)
	}

	idx := &Index{
		log:      log,
		db:       db,
		byHandle: make(map[string]model.AttachedSR),
	}
	if err := idx.reload(); err != nil {
		db.Close()
		return nil, err
	}
	return idx, nil
}

// Close closes the backing database.
func (idx *Index) Close() error {
	return idx.db.Close()
}

func (idx *Index) reload() error {
	rows, err := idx.db.Query(`SELECT smapiv2_handle, plugin, backend_sr_id, datasource_uids FROM attached_sr`)
	if err != nil {
		return fmt.Errorf("reload attached_sr: %w", err)
	}
	defer rows.Close()

	loaded := make(map[string]model.AttachedSR)
	for rows.Next() {
		var handle, plugin, backendID, uidsJSON string
		if err := rows.Scan(&handle, &plugin, &backendID, &uidsJSON); err != nil {
			return fmt.Errorf("scan attached_sr row: %w", err)
		}
		var uids []string
		if err := json.Unmarshal([]byte(uidsJSON), &uids); err != nil {
			return fmt.Errorf("decode datasource_uids for %s: %w", handle, err)
		}
		loaded[handle] = model.AttachedSR{
			SMAPIv2Handle:  handle,
			Plugin:         plugin,
			BackendSRID:    backendID,
			DatasourceUIDs: uids,
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	idx.idxMu.Lock()
	idx.byHandle = loaded
	idx.idxMu.Unlock()
	idx.log.Debug("reloaded attached-sr index", "count", len(loaded))
	return nil
}

// Reload discards the in-memory state and re-reads it from disk, per
// spec.md §4.3's reload operation (used after an external process could
// plausibly have touched the state file).
func (idx *Index) Reload() error {
	return idx.reload()
}

// Add records a new attachment and persists it immediately.
func (idx *Index) Add(sr model.AttachedSR) error {
	uidsJSON, err := json.Marshal(sr.DatasourceUIDs)
	if err != nil {
		return fmt.Errorf("encode datasource_uids: %w", err)
	}
	_, err = idx.db.Exec(
		`INSERT INTO attached_sr(smapiv2_handle, plugin, backend_sr_id, datasource_uids) VALUES (?, ?, ?, ?)
		 ON CONFLICT(smapiv2_handle) DO UPDATE SET plugin=excluded.plugin, backend_sr_id=excluded.backend_sr_id, datasource_uids=excluded.datasource_uids`,
		sr.SMAPIv2Handle, sr.Plugin, sr.BackendSRID, string(uidsJSON),
	)
	if err != nil {
		return fmt.Errorf("persist attached_sr %s: %w", sr.SMAPIv2Handle, err)
	}

	idx.idxMu.Lock()
	idx.byHandle[sr.SMAPIv2Handle] = sr
	idx.idxMu.Unlock()
	return nil
}

// Find returns the attached-SR record for handle, if any.
func (idx *Index) Find(handle string) (model.AttachedSR, bool) {
	idx.idxMu.RLock()
	defer idx.idxMu.RUnlock()
	sr, ok := idx.byHandle[handle]
	return sr, ok
}

// GetUIDs returns the datasource UIDs registered against handle.
func (idx *Index) GetUIDs(handle string) ([]string, bool) {
	sr, ok := idx.Find(handle)
	if !ok {
		return nil, false
	}
	return sr.DatasourceUIDs, true
}

// Remove deletes handle from the index and persists the removal, making
// a repeated Remove of the same handle a no-op (SR.detach is idempotent
// per spec.md §8).
func (idx *Index) Remove(handle string) error {
	_, err := idx.db.Exec(`DELETE FROM attached_sr WHERE smapiv2_handle = ?`, handle)
	if err != nil {
		return fmt.Errorf("delete attached_sr %s: %w", handle, err)
	}

	idx.idxMu.Lock()
	delete(idx.byHandle, handle)
	idx.idxMu.Unlock()
	return nil
}

// All returns a snapshot of every attached SR, for the diagnostics HTTP
// surface and Query.diagnostics.
func (idx *Index) All() []model.AttachedSR {
	idx.idxMu.RLock()
	defer idx.idxMu.RUnlock()
	out := make([]model.AttachedSR, 0, len(idx.byHandle))
	for _, sr := range idx.byHandle {
		out = append(out, sr)
	}
	return out
}
