// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package configreader reads the cluster-wide configuration files kept
// on the config volume (spec §6's "Cluster configuration files") and
// watches both that volume's local mirror and the local configuration
// file for changes, so zfsd can reconverge without a restart (spec §4.9,
// scenario S6).
package configreader

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/zlomekfs/zfsd/cfg"
)

// ConfigVolumeID is the reserved volume ID that carries the cluster
// configuration files (node_list, volume_list, volume_layout, user_list,
// group_list, user_mapping, group_mapping).
const ConfigVolumeID = 1

// VolumeListEntry is one row of the config volume's volume_list file.
type VolumeListEntry struct {
	ID         uint32 `json:"id"`
	Name       string `json:"name"`
	Mountpoint string `json:"mountpoint"`
}

// NodeListEntry is one row of the config volume's node_list file.
type NodeListEntry struct {
	ID      uint32 `json:"id"`
	Name    string `json:"name"`
	Address string `json:"address"`
	Port    uint16 `json:"port,omitempty"`
}

// configVolumeLocalPath finds the local_path of the volume configured
// with ConfigVolumeID; every node mirrors the config volume locally so
// it can read these files without a round trip once it has joined.
func configVolumeLocalPath(c *cfg.Config) (string, error) {
	for i := range c.Volumes {
		if c.Volumes[i].ID == ConfigVolumeID {
			return c.Volumes[i].LocalPath, nil
		}
	}
	return "", fmt.Errorf("configreader: no local volume %d (the config volume) in local configuration", ConfigVolumeID)
}

func readJSON(dir, name string, v any) error {
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return fmt.Errorf("configreader: reading %s: %w", name, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("configreader: parsing %s: %w", name, err)
	}
	return nil
}

// ReadVolumeList reads the config volume's volume_list and returns each
// listed volume's mountpoint, keyed by volume ID. This is the mapping
// internal/daemon.New needs but the local config file cannot supply,
// since spec §6 only gives (id, cache_size, local_path) there.
func ReadVolumeList(c *cfg.Config) (map[uint32]string, error) {
	dir, err := configVolumeLocalPath(c)
	if err != nil {
		return nil, err
	}

	var entries []VolumeListEntry
	if err := readJSON(dir, "volume_list", &entries); err != nil {
		return nil, err
	}

	out := make(map[uint32]string, len(entries))
	for _, e := range entries {
		out[e.ID] = e.Mountpoint
	}
	return out, nil
}

// ReadNodeList reads the config volume's node_list.
func ReadNodeList(c *cfg.Config) ([]NodeListEntry, error) {
	dir, err := configVolumeLocalPath(c)
	if err != nil {
		return nil, err
	}
	var entries []NodeListEntry
	if err := readJSON(dir, "node_list", &entries); err != nil {
		return nil, err
	}
	return entries, nil
}
