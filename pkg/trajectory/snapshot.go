package trajectory

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/droidlab/droidlab/pkg/util"
)

// SnapshotMeta is persisted as JSON at <snapshot_dir>/<trajectory_id>.json.
// Its presence implies the emulator has been asked to save SnapshotName at
// least once.
type SnapshotMeta struct {
	TrajectoryID string  `json:"trajectory_id"`
	DeviceID     string  `json:"device_id"`
	Port         int     `json:"port"`
	SnapshotName string  `json:"snapshot_name"`
	Timestamp    float64 `json:"timestamp"`
}

// SnapshotStore persists SnapshotMeta files under a directory, one per
// trajectory, each owned exclusively by that trajectory_id.
type SnapshotStore struct {
	dir string
}

// NewSnapshotStore roots a SnapshotStore at dir, creating it if absent.
func NewSnapshotStore(dir string) (*SnapshotStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, util.NewInternal("snapshot_store_init", err)
	}
	return &SnapshotStore{dir: dir}, nil
}

func (s *SnapshotStore) path(trajectoryID string) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s.json", trajectoryID))
}

// Save writes meta to disk, using write-then-rename for atomicity (§9).
func (s *SnapshotStore) Save(meta *SnapshotMeta) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return util.NewInternal("save_snapshot_meta", err)
	}

	finalPath := s.path(meta.TrajectoryID)
	tmpPath := finalPath + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return util.NewInternal("save_snapshot_meta", err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return util.NewInternal("save_snapshot_meta", err)
	}
	return nil
}

// Load reads SnapshotMeta for trajectoryID, returning SnapshotMissing if the
// file does not exist.
func (s *SnapshotStore) Load(trajectoryID string) (*SnapshotMeta, error) {
	data, err := os.ReadFile(s.path(trajectoryID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, util.NewSnapshotMissing(trajectoryID)
		}
		return nil, util.NewInternal("load_snapshot_meta", err)
	}

	var meta SnapshotMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, util.NewInternal("load_snapshot_meta", err)
	}
	return &meta, nil
}

// Exists reports whether a SnapshotMeta file is present for trajectoryID.
func (s *SnapshotStore) Exists(trajectoryID string) bool {
	_, err := os.Stat(s.path(trajectoryID))
	return err == nil
}

// Remove deletes the SnapshotMeta file for trajectoryID, if any.
func (s *SnapshotStore) Remove(trajectoryID string) error {
	if err := os.Remove(s.path(trajectoryID)); err != nil && !os.IsNotExist(err) {
		return util.NewInternal("remove_snapshot_meta", err)
	}
	return nil
}

// SnapshotName derives the per-trajectory emulator snapshot name
// (sandbox_<first 8 chars of trajectory_id>), following the original
// implementation's truncation convention.
func SnapshotName(trajectoryID string) string {
	prefix := trajectoryID
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	return "sandbox_" + prefix
}
