package persistence

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"mergedb/pkg/dberrors"
	"mergedb/pkg/types"

	"github.com/google/uuid"
)

const (
	manifestName    = "MANIFEST"
	manifestVersion = 1
)

// Manifest manages metadata about segments and levels
type Manifest struct {
	mu       sync.RWMutex
	filePath string
	metadata ManifestData
}

// ManifestData is the persisted form of the manifest
type ManifestData struct {
	DBID         string         `json:"db_id"`
	Operator     string         `json:"operator"`
	NextTableID  uint64         `json:"next_table_id"`
	Levels       map[int][]Meta `json:"levels"`
	Version      int            `json:"version"`
	PersistentID types.SeqN     `json:"persistent_id"`
}

// VersionEdit is an atomic change to the segment set.
type VersionEdit struct {
	Added   []Meta
	Deleted []uint64
	// PersistentID, when non-zero, advances the highest flushed sequence number.
	PersistentID types.SeqN
}

func NewManifest(dataDir string) *Manifest {
	return &Manifest{
		filePath: filepath.Join(dataDir, manifestName),
		metadata: ManifestData{
			NextTableID: 1,
			Levels:      make(map[int][]Meta),
			Version:     manifestVersion,
		},
	}
}

// Load reads the manifest from disk. It reports false when there is none yet.
func (m *Manifest) Load() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := os.ReadFile(m.filePath)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: failed to read manifest: %w", dberrors.ErrIO, err)
	}

	var md ManifestData
	if err := json.Unmarshal(data, &md); err != nil {
		return false, fmt.Errorf("%w: failed to parse manifest: %w", dberrors.ErrCorruption, err)
	}
	if md.Version != manifestVersion {
		return false, fmt.Errorf("%w: unsupported manifest version %d", dberrors.ErrCorruption, md.Version)
	}
	if md.Levels == nil {
		md.Levels = make(map[int][]Meta)
	}
	m.metadata = md

	return true, nil
}

// Create initializes and saves a fresh manifest bound to the operator name.
func (m *Manifest) Create(operator string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.metadata.DBID = uuid.NewString()
	m.metadata.Operator = operator
	return m.save()
}

// Apply applies edit and persists the result. The in-memory state is left
// untouched when the save fails.
func (m *Manifest) Apply(edit VersionEdit) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := m.metadata
	next.Levels = make(map[int][]Meta, len(m.metadata.Levels))
	for level, tables := range m.metadata.Levels {
		next.Levels[level] = slices.DeleteFunc(slices.Clone(tables), func(t Meta) bool {
			return slices.Contains(edit.Deleted, t.ID)
		})
	}
	for _, t := range edit.Added {
		next.Levels[t.Level] = append(next.Levels[t.Level], t)
		if t.ID >= next.NextTableID {
			next.NextTableID = t.ID + 1
		}
	}
	for level, tables := range next.Levels {
		if len(tables) == 0 {
			delete(next.Levels, level)
		}
	}
	if edit.PersistentID > next.PersistentID {
		next.PersistentID = edit.PersistentID
	}

	prev := m.metadata
	m.metadata = next
	if err := m.save(); err != nil {
		m.metadata = prev
		return err
	}

	return nil
}

// save writes the manifest to a temporary file and renames it into place
func (m *Manifest) save() error {
	dir := filepath.Dir(m.filePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("%w: failed to create manifest directory: %w", dberrors.ErrIO, err)
	}

	data, err := json.MarshalIndent(m.metadata, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}

	tmp := m.filePath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("%w: failed to write manifest: %w", dberrors.ErrIO, err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("%w: failed to write manifest: %w", dberrors.ErrIO, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("%w: failed to sync manifest: %w", dberrors.ErrIO, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("%w: failed to close manifest: %w", dberrors.ErrIO, err)
	}
	if err := os.Rename(tmp, m.filePath); err != nil {
		return fmt.Errorf("%w: failed to install manifest: %w", dberrors.ErrIO, err)
	}

	return SyncDir(dir)
}

// SyncDir fsyncs a directory so that renames and removals inside it are durable.
func SyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("%w: %w", dberrors.ErrIO, err)
	}
	defer d.Close()

	if err := d.Sync(); err != nil {
		return fmt.Errorf("%w: failed to sync directory: %w", dberrors.ErrIO, err)
	}
	return nil
}

// GetAllTables returns a copy of all tables by level
func (m *Manifest) GetAllTables() map[int][]Meta {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[int][]Meta, len(m.metadata.Levels))
	for level, tables := range m.metadata.Levels {
		result[level] = slices.Clone(tables)
	}

	return result
}

// GetNextTableID allocates a table id. Allocation is persisted with the next
// Apply that adds the table.
func (m *Manifest) GetNextTableID() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.metadata.NextTableID
	m.metadata.NextTableID++
	return id
}

func (m *Manifest) PersistentID() types.SeqN {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.metadata.PersistentID
}

func (m *Manifest) Operator() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.metadata.Operator
}

func (m *Manifest) DBID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.metadata.DBID
}
