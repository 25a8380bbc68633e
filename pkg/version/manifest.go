package version

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"xpdb/pkg/dberrors"
	"xpdb/pkg/types"
)

const (
	ManifestName = "MANIFEST"
	tmpSuffix    = ".tmp"

	manifestFormat = 1
)

// ManifestData is the persisted description of the table set.
type ManifestData struct {
	Version        int           `json:"version"`
	DBID           string        `json:"db_id"`
	NextFileNumber uint64        `json:"next_file_number"`
	LastSequence   types.SeqN    `json:"last_sequence"`
	LogNumber      uint64        `json:"log_number"`
	Levels         [][]TableInfo `json:"levels"`
}

// TableInfo represents information about an SSTable
type TableInfo struct {
	ID      uint64     `json:"id"`
	Level   int        `json:"level"`
	Size    int64      `json:"size"`
	Entries uint64     `json:"entries"`
	MinKey  []byte     `json:"min_key"`
	MaxKey  []byte     `json:"max_key"`
	MinSeqN types.SeqN `json:"min_seq"`
	MaxSeqN types.SeqN `json:"max_seq"`
}

// loadManifest reads the manifest in dir. found is false when none exists.
func loadManifest(dir string) (data ManifestData, found bool, err error) {
	raw, err := os.ReadFile(filepath.Join(dir, ManifestName))
	if errors.Is(err, os.ErrNotExist) {
		return ManifestData{}, false, nil
	}
	if err != nil {
		return ManifestData{}, false, dberrors.IO(fmt.Errorf("failed to read manifest: %w", err))
	}

	if err := json.Unmarshal(raw, &data); err != nil {
		return ManifestData{}, false, dberrors.Corruptf("failed to parse manifest: %v", err)
	}
	if data.Version != manifestFormat {
		return ManifestData{}, false, dberrors.Corruptf("unsupported manifest version %d", data.Version)
	}
	return data, true, nil
}

// saveManifest replaces the manifest atomically: the new content is written
// to a temp file, synced, renamed over the old one and the directory synced.
func saveManifest(dir string, data ManifestData) error {
	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}

	path := filepath.Join(dir, ManifestName)
	tmp := path + tmpSuffix
	if err := writeSynced(tmp, raw); err != nil {
		_ = os.Remove(tmp)
		return dberrors.IO(err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return dberrors.IO(fmt.Errorf("failed to install manifest: %w", err))
	}
	if err := syncDir(dir); err != nil {
		return fmt.Errorf("%w: %w", ErrManifestNotSynced, dberrors.IO(err))
	}
	return nil
}

func writeSynced(path string, raw []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to create manifest: %w", err)
	}
	if _, err := f.Write(raw); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to sync manifest: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close manifest: %w", err)
	}
	return nil
}

var syncDir = func(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("failed to open dir for sync: %w", err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("failed to sync dir: %w", err)
	}
	return nil
}
