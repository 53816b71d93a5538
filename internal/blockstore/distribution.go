package blockstore

import (
	"context"
	"os"
	"path/filepath"

	"github.com/c2h5oh/datasize"
	"github.com/goccy/go-json"

	"github.com/dreamware/soradyne/internal/erasure"
	"github.com/dreamware/soradyne/internal/fingerprint"
)

// ShardInfo describes one available shard of a block.
type ShardInfo struct {
	Index      int    `json:"index"`
	VolumePath string `json:"volume_path"`
	FilePath   string `json:"file_path"`
	Size       int64  `json:"size"`
}

// Distribution reports where a block's shards are and whether the
// block is currently recoverable.
type Distribution struct {
	BlockID        BlockID     `json:"block_id"`
	TotalShards    int         `json:"total_shards"`
	Available      []ShardInfo `json:"available_shards"`
	Missing        []int       `json:"missing_shards"`
	CanReconstruct bool        `json:"can_reconstruct"`
	OriginalSize   int         `json:"original_size"`
}

// SimulationResult reports the outcome of a loss simulation.
type SimulationResult struct {
	OriginalShards     int   `json:"original_shards"`
	SimulatedMissing   []int `json:"simulated_missing"`
	AvailableShards    int   `json:"available_shards"`
	ThresholdRequired  int   `json:"threshold_required"`
	RecoverySuccessful bool  `json:"recovery_successful"`
	RecoveredSize      int   `json:"recovered_size"`
}

// VolumeStatus describes one volume for operator-facing status output.
type VolumeStatus struct {
	Path          string `json:"path"`
	SoradyneID    string `json:"soradyne_id,omitempty"`
	Accessible    bool   `json:"accessible"`
	CapacityBytes uint64 `json:"capacity_bytes,omitempty"`
	CapacityHuman string `json:"capacity_human,omitempty"`
}

// StorageInfo summarizes the store for status output.
type StorageInfo struct {
	TotalVolumes int            `json:"total_volumes"`
	Threshold    int            `json:"threshold"`
	TotalShards  int            `json:"total_shards"`
	BlockCount   int            `json:"block_count"`
	Volumes      []VolumeStatus `json:"volumes"`
}

// Distribution probes the filesystem for each recorded shard location
// and reports availability. A shard counts as missing when either its
// shard file or its key-share file is absent.
func (s *Store) Distribution(id BlockID) (Distribution, error) {
	meta, err := s.meta.Get(id)
	if err != nil {
		return Distribution{}, err
	}

	dist := Distribution{
		BlockID:      id,
		TotalShards:  len(meta.ShardLocations),
		OriginalSize: meta.Size,
	}
	for _, loc := range meta.ShardLocations {
		shardPath := filepath.Join(loc.RimsdPath, loc.RelativePath)
		info, err := os.Stat(shardPath)
		missing := err != nil
		if !missing && meta.EncryptionVersion > 0 {
			if loc.KeySharePath == nil {
				missing = true
			} else if _, err := os.Stat(filepath.Join(loc.RimsdPath, *loc.KeySharePath)); err != nil {
				missing = true
			}
		}
		if missing {
			dist.Missing = append(dist.Missing, int(loc.ShardIndex))
			continue
		}
		dist.Available = append(dist.Available, ShardInfo{
			Index:      int(loc.ShardIndex),
			VolumePath: loc.RimsdPath,
			FilePath:   shardPath,
			Size:       info.Size(),
		})
	}
	dist.CanReconstruct = len(dist.Available) >= s.codec.Threshold()
	return dist, nil
}

// SimulateLoss exercises reconstruction with the given shard indices
// treated as missing, without touching any file. It answers "would
// this block survive losing these volumes" ahead of time.
func (s *Store) SimulateLoss(ctx context.Context, id BlockID, missing []int) (SimulationResult, error) {
	meta, err := s.meta.Get(id)
	if err != nil {
		return SimulationResult{}, err
	}

	excluded := make(map[int]bool, len(missing))
	for _, i := range missing {
		excluded[i] = true
	}

	available := make(map[int]erasure.Shard)
	for _, loc := range meta.ShardLocations {
		if excluded[int(loc.ShardIndex)] || loc.KeySharePath == nil {
			continue
		}
		shardData, err := os.ReadFile(filepath.Join(loc.RimsdPath, loc.RelativePath))
		if err != nil {
			continue
		}
		keyData, err := os.ReadFile(filepath.Join(loc.RimsdPath, *loc.KeySharePath))
		if err != nil {
			continue
		}
		var share erasure.KeyShare
		if err := json.Unmarshal(keyData, &share); err != nil {
			continue
		}
		available[int(loc.ShardIndex)] = erasure.Shard{Data: shardData, KeyShare: share}
	}

	result := SimulationResult{
		OriginalShards:    len(meta.ShardLocations),
		SimulatedMissing:  append([]int(nil), missing...),
		AvailableShards:   len(available),
		ThresholdRequired: s.codec.Threshold(),
	}

	data, err := s.codec.Decode(available, meta.ID, meta.Size)
	if err == nil {
		result.RecoverySuccessful = true
		result.RecoveredSize = len(data)
	}
	return result, nil
}

// StorageInfo reports the store's shape and per-volume status.
func (s *Store) StorageInfo(ctx context.Context) StorageInfo {
	info := StorageInfo{
		TotalVolumes: len(s.volumes),
		Threshold:    s.codec.Threshold(),
		TotalShards:  s.codec.TotalShards(),
		BlockCount:   s.meta.Len(),
	}
	for _, root := range s.volumes {
		status := VolumeStatus{Path: root}
		if _, err := os.Stat(root); err == nil {
			status.Accessible = true
			if id, err := fingerprint.ReadDeviceID(root); err == nil {
				status.SoradyneID = id
			}
			if fp, err := s.prober.Probe(ctx, root); err == nil && fp.CapacityBytes > 0 {
				status.CapacityBytes = fp.CapacityBytes
				status.CapacityHuman = datasize.ByteSize(fp.CapacityBytes).HumanReadable()
			}
		}
		info.Volumes = append(info.Volumes, status)
	}
	return info
}
