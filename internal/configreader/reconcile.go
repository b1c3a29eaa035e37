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

package configreader

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/zlomekfs/zfsd/cfg"
	"github.com/zlomekfs/zfsd/internal/node"
	"github.com/zlomekfs/zfsd/internal/volume"
)

// Category is the kind of cluster configuration file a reread request
// names (spec §4.9 step 1).
type Category int

const (
	CategoryUnknown Category = iota
	CategoryNodeList
	CategoryVolumeList
	CategoryUserList
	CategoryGroupList
	CategoryUserMapping
	CategoryGroupMapping
	// CategorySentinel is the "reread local volume file" request: unlike
	// the others it names no cluster file and only re-applies this
	// node's own cache paths/size limits.
	CategorySentinel
)

// ParseCategory dispatches a relative path received from the config
// volume to the category it names, plus the node-name suffix of a
// per-node mapping file (user/<node>, group/<node>). The empty string is
// the sentinel meaning "reread local volume file".
func ParseCategory(relPath string) (cat Category, nodeName string) {
	switch {
	case relPath == "":
		return CategorySentinel, ""
	case relPath == "node_list":
		return CategoryNodeList, ""
	case relPath == "volume_list":
		return CategoryVolumeList, ""
	case relPath == "user_list":
		return CategoryUserList, ""
	case relPath == "group_list":
		return CategoryGroupList, ""
	case strings.HasPrefix(relPath, "user/"):
		return CategoryUserMapping, strings.TrimPrefix(relPath, "user/")
	case strings.HasPrefix(relPath, "group/"):
		return CategoryGroupMapping, strings.TrimPrefix(relPath, "group/")
	default:
		return CategoryUnknown, ""
	}
}

// UserListEntry is one row of the config volume's user_list file.
type UserListEntry struct {
	ID   uint32 `json:"id"`
	Name string `json:"name"`
}

// GroupListEntry is one row of the config volume's group_list file.
type GroupListEntry struct {
	ID   uint32 `json:"id"`
	Name string `json:"name"`
}

// MappingEntry is one row of a per-node user_mapping/group_mapping file:
// local is this node's numbering, remote is the named node's.
type MappingEntry struct {
	Local  uint32 `json:"local"`
	Remote uint32 `json:"remote"`
}

type identityEntry struct {
	name   string
	marked bool
}

// IdentityTable is a mark-and-sweep id->name table, the shape shared by
// user_list and group_list reconciliation: each file is a flat list of
// (id, name) rows, unlike node_list/volume_list whose entries carry live
// connections and caches of their own.
type IdentityTable struct {
	mu      sync.Mutex
	entries map[uint32]*identityEntry
}

// NewIdentityTable returns an empty identity table.
func NewIdentityTable() *IdentityTable {
	return &IdentityTable{entries: make(map[uint32]*identityEntry)}
}

// MarkAll flags every entry currently in the table.
func (t *IdentityTable) MarkAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range t.entries {
		e.marked = true
	}
}

// Reassert creates or re-asserts id->name and clears its mark.
func (t *IdentityTable) Reassert(id uint32, name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		e = &identityEntry{}
		t.entries[id] = e
	}
	e.name = name
	e.marked = false
}

// Sweep drops every entry still marked and returns the ids removed.
func (t *IdentityTable) Sweep() []uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	var removed []uint32
	for id, e := range t.entries {
		if e.marked {
			delete(t.entries, id)
			removed = append(removed, id)
		}
	}
	return removed
}

// Name looks up the name an id currently resolves to.
func (t *IdentityTable) Name(id uint32) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		return "", false
	}
	return e.name, true
}

// Len reports how many entries the table currently holds.
func (t *IdentityTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// VolumeMounter brings a newly-listed cluster volume online, matching
// internal/daemon.Daemon.MountVolume's signature.
type VolumeMounter interface {
	MountVolume(id uint32, mountpoint, localPath string, cacheSize int64, metadataTreeDepth int) error
}

// Broadcaster issues the reread_config RPC to the config volume's slave
// nodes once a reread has been reconciled locally (spec §4.9 step 5). A
// nil Broadcaster is valid: a node with no established peer connections
// yet still reconciles its own tables correctly, it just has nobody to
// tell.
type Broadcaster interface {
	BroadcastRereadConfig(ctx context.Context, relPath string) error
}

// Reconciler implements spec §4.9's mark-and-sweep reconciliation of the
// cluster configuration files against the live node and volume tables.
type Reconciler struct {
	Nodes   *node.Table
	Volumes *volume.Table
	Users   *IdentityTable
	Groups  *IdentityTable

	Mounter     VolumeMounter
	Broadcaster Broadcaster
}

// NewReconciler wires a reconciler to the daemon's live tables.
func NewReconciler(nodes *node.Table, volumes *volume.Table, mounter VolumeMounter) *Reconciler {
	return &Reconciler{
		Nodes:   nodes,
		Volumes: volumes,
		Users:   NewIdentityTable(),
		Groups:  NewIdentityTable(),
		Mounter: mounter,
	}
}

// Reconcile runs the five-step mark-and-sweep protocol for relPath (or,
// if relPath is the sentinel, re-applies this node's own local volume
// config) against c's freshly reread cluster configuration files, then
// broadcasts to slave nodes of the config volume.
func (r *Reconciler) Reconcile(ctx context.Context, c *cfg.Config, relPath string) error {
	cat, nodeName := ParseCategory(relPath)

	var err error
	switch cat {
	case CategorySentinel:
		err = r.reconcileLocalVolumes(c)
	case CategoryNodeList:
		err = r.reconcileNodeList(c)
	case CategoryVolumeList:
		err = r.reconcileVolumeList(c)
	case CategoryUserList:
		err = r.reconcileUserList(c)
	case CategoryGroupList:
		err = r.reconcileGroupList(c)
	case CategoryUserMapping:
		err = r.reconcileMapping(c, nodeName, true)
	case CategoryGroupMapping:
		err = r.reconcileMapping(c, nodeName, false)
	default:
		return fmt.Errorf("configreader: unrecognized reread path %q", relPath)
	}
	if err != nil {
		return err
	}

	// The sentinel never leaves this node: it names no cluster file, so
	// there is nothing for a slave to reconverge on.
	if cat == CategorySentinel || r.Broadcaster == nil {
		return nil
	}
	return r.Broadcaster.BroadcastRereadConfig(ctx, relPath)
}

func (r *Reconciler) reconcileNodeList(c *cfg.Config) error {
	dir, err := configVolumeLocalPath(c)
	if err != nil {
		return err
	}
	var entries []NodeListEntry
	if err := readJSON(dir, "node_list", &entries); err != nil {
		return err
	}

	r.Nodes.MarkAll()
	for _, e := range entries {
		if n, ok := r.Nodes.ByID(e.ID); ok {
			n.Unmark()
			continue
		}
		r.Nodes.Insert(node.NewNode(e.ID, e.Name, e.Address, e.Port))
	}
	r.Nodes.RemoveMarked()
	return nil
}

func (r *Reconciler) reconcileVolumeList(c *cfg.Config) error {
	dir, err := configVolumeLocalPath(c)
	if err != nil {
		return err
	}
	var entries []VolumeListEntry
	if err := readJSON(dir, "volume_list", &entries); err != nil {
		return err
	}

	r.Volumes.MarkAll()
	for _, e := range entries {
		if vol, ok := r.Volumes.ByID(e.ID); ok {
			vol.UnmarkForDeletion()
			continue
		}

		// A volume new to the cluster is only brought online here if
		// this node subscribes to it locally (spec §6: the local config
		// file's volumes=(...) list is this node's subset of the
		// cluster's volumes); otherwise it is just a name this node
		// knows about but does not cache.
		vc, ok := localVolumeConfig(c, e.ID)
		if !ok || r.Mounter == nil {
			continue
		}
		if err := r.Mounter.MountVolume(e.ID, e.Mountpoint, vc.LocalPath, vc.CacheSize, c.System.MetadataTreeDepth); err != nil {
			return fmt.Errorf("configreader: mounting newly listed volume %d: %w", e.ID, err)
		}
	}

	for _, vol := range r.Volumes.MarkedForDeletion() {
		vol.Close()
		r.Volumes.Remove(vol.ID)
	}
	return nil
}

func (r *Reconciler) reconcileUserList(c *cfg.Config) error {
	dir, err := configVolumeLocalPath(c)
	if err != nil {
		return err
	}
	var entries []UserListEntry
	if err := readJSON(dir, "user_list", &entries); err != nil {
		return err
	}

	r.Users.MarkAll()
	for _, e := range entries {
		r.Users.Reassert(e.ID, e.Name)
	}
	r.Users.Sweep()
	return nil
}

func (r *Reconciler) reconcileGroupList(c *cfg.Config) error {
	dir, err := configVolumeLocalPath(c)
	if err != nil {
		return err
	}
	var entries []GroupListEntry
	if err := readJSON(dir, "group_list", &entries); err != nil {
		return err
	}

	r.Groups.MarkAll()
	for _, e := range entries {
		r.Groups.Reassert(e.ID, e.Name)
	}
	r.Groups.Sweep()
	return nil
}

// reconcileMapping reconciles nodeName's per-node user_mapping (isUID)
// or group_mapping file against its IDMap. Destroying a node_list entry
// destroys its mappings transitively: they live inside the *node.Node
// struct Table.RemoveMarked drops, nothing further to do here for that
// case.
func (r *Reconciler) reconcileMapping(c *cfg.Config, nodeName string, isUID bool) error {
	dir, err := configVolumeLocalPath(c)
	if err != nil {
		return err
	}

	n, ok := r.Nodes.ByName(nodeName)
	if !ok {
		return fmt.Errorf("configreader: mapping file for unknown node %q", nodeName)
	}

	file := "user/" + nodeName
	m := n.UIDMap
	if !isUID {
		file = "group/" + nodeName
		m = n.GIDMap
	}

	var entries []MappingEntry
	if err := readJSON(dir, file, &entries); err != nil {
		return err
	}

	m.MarkAll()
	for _, e := range entries {
		m.Reassert(e.Local, e.Remote)
	}
	m.Sweep()
	return nil
}

// reconcileLocalVolumes re-applies this node's own cache_size/local_path
// for every already-mounted volume, the sentinel's "Local volume-info
// changes ... re-applied without invalidating open file handles when
// the path is unchanged" (spec §4.9).
func (r *Reconciler) reconcileLocalVolumes(c *cfg.Config) error {
	for _, vc := range c.Volumes {
		vol, ok := r.Volumes.ByID(vc.ID)
		if !ok {
			continue
		}
		vol.ApplyLocalConfig(vc.CacheSize, vc.LocalPath)
	}
	return nil
}

func localVolumeConfig(c *cfg.Config, id uint32) (cfg.VolumeConfig, bool) {
	for _, vc := range c.Volumes {
		if vc.ID == id {
			return vc, true
		}
	}
	return cfg.VolumeConfig{}, false
}
