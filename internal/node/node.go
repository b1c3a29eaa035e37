// Copyright 2015 Google Inc. All Rights Reserved.
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

// Package node models the Node record of spec §3 (the cluster's
// membership table: every node this daemon may connect to, its
// connection state, and its uid/gid mapping tables).
package node

import (
	"sync"
	"time"
)

// IDMap is a bidirectional id-mapping table, used for both uid and gid
// translation between a remote node's numbering and this node's (spec
// §3: "Uid/gid mappings are bidirectional tables per node plus a global
// default table").
type IDMap struct {
	mu            sync.Mutex
	localToRemote map[uint32]uint32
	remoteToLocal map[uint32]uint32

	// marked tracks local ids flagged by MarkAll and not yet cleared by
	// Reassert, the mark-and-sweep state config-reader's user_mapping/
	// group_mapping reconciliation (spec §4.9) drives this table through.
	marked map[uint32]bool
}

// NewIDMap returns an empty mapping table.
func NewIDMap() *IDMap {
	return &IDMap{
		localToRemote: make(map[uint32]uint32),
		remoteToLocal: make(map[uint32]uint32),
	}
}

// Set records that local id l corresponds to remote id r on this node.
func (m *IDMap) Set(l, r uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.localToRemote[l] = r
	m.remoteToLocal[r] = l
}

// ToRemote translates a local id to this node's remote numbering,
// returning ok=false if unmapped (callers fall back to the global
// default table).
func (m *IDMap) ToRemote(l uint32) (uint32, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.localToRemote[l]
	return r, ok
}

// ToLocal translates a remote id to the local numbering.
func (m *IDMap) ToLocal(r uint32) (uint32, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.remoteToLocal[r]
	return l, ok
}

// MarkAll flags every entry currently in the table, the first step of
// config-reader's mark-and-sweep reconciliation of a user_mapping or
// group_mapping file (spec §4.9).
func (m *IDMap) MarkAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.marked = make(map[uint32]bool, len(m.localToRemote))
	for l := range m.localToRemote {
		m.marked[l] = true
	}
}

// Reassert records local<->remote, as Set does, and clears any mark
// MarkAll left on local: step 3 of the reconciliation, run once per line
// still present in the reread file.
func (m *IDMap) Reassert(local, remote uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.localToRemote[local] = remote
	m.remoteToLocal[remote] = local
	delete(m.marked, local)
}

// Sweep drops every entry still marked and returns the local ids
// removed: step 4 of the reconciliation.
func (m *IDMap) Sweep() []uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var removed []uint32
	for l := range m.marked {
		if r, ok := m.localToRemote[l]; ok {
			delete(m.localToRemote, l)
			delete(m.remoteToLocal, r)
		}
		removed = append(removed, l)
	}
	m.marked = nil
	return removed
}

// Node is the in-memory record of spec §3: `(id, name, host, port,
// last_connect, fd, fd_generation, marked, uid_maps, gid_maps)`.
type Node struct {
	mu sync.Mutex

	ID   uint32
	Name string
	Host string
	Port uint16

	LastConnect time.Time

	// FD and FDGeneration describe the current connection, if any; see
	// package rpc for the connection state machine. Generation is bumped
	// on every close so in-flight replies tagged with a stale generation
	// are discarded (spec §4.6).
	FD           int
	HasFD        bool
	FDGeneration uint32

	// Marked mirrors the volume-level delete_mark: set when this node
	// should be dropped from service (e.g. removed from cluster config).
	Marked bool

	UIDMap *IDMap
	GIDMap *IDMap
}

// NewNode returns a Node with empty id maps.
func NewNode(id uint32, name, host string, port uint16) *Node {
	return &Node{
		ID:     id,
		Name:   name,
		Host:   host,
		Port:   port,
		UIDMap: NewIDMap(),
		GIDMap: NewIDMap(),
	}
}

// SetConnection records a new connection's fd and bumps the generation
// counter, invalidating any reply still in flight for the old one.
func (n *Node) SetConnection(fd int) uint32 {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.FD = fd
	n.HasFD = true
	n.FDGeneration++
	n.LastConnect = time.Now()
	return n.FDGeneration
}

// ClearConnection marks the node as disconnected without discarding the
// generation counter (the next SetConnection bumps it again).
func (n *Node) ClearConnection() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.HasFD = false
}

// Connected reports whether the node currently has a live connection.
func (n *Node) Connected() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.HasFD
}

// Generation returns the current connection generation, used to fence
// stale in-flight replies and reintegration leases (spec §4.4, §4.6).
func (n *Node) Generation() uint32 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.FDGeneration
}

// MarkForRemoval flags the node for removal from service.
func (n *Node) MarkForRemoval() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.Marked = true
}

// IsMarked reports whether the node has been flagged for removal.
func (n *Node) IsMarked() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.Marked
}

// Unmark clears a removal flag set by MarkForRemoval: config-reader's
// node_list reconciliation (spec §4.9) calls this for every node still
// present in a freshly reread file, after having called Table.MarkAll.
func (n *Node) Unmark() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.Marked = false
}

// Table indexes every node known to the cluster by id and by name, the
// node-table half of spec §4.9's config store, plus the global default
// id-mapping table shared by nodes with no per-node override.
type Table struct {
	mu            sync.Mutex
	byID          map[uint32]*Node
	byName        map[string]*Node
	defaultUIDMap *IDMap
	defaultGIDMap *IDMap
}

// NewTable returns an empty node table with empty default id maps.
func NewTable() *Table {
	return &Table{
		byID:          make(map[uint32]*Node),
		byName:        make(map[string]*Node),
		defaultUIDMap: NewIDMap(),
		defaultGIDMap: NewIDMap(),
	}
}

// Insert adds or replaces n in the table.
func (t *Table) Insert(n *Node) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byID[n.ID] = n
	t.byName[n.Name] = n
}

// Remove drops the node with the given id.
func (t *Table) Remove(id uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n, ok := t.byID[id]; ok {
		delete(t.byName, n.Name)
		delete(t.byID, id)
	}
}

// ByID looks up a node by id.
func (t *Table) ByID(id uint32) (*Node, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.byID[id]
	return n, ok
}

// ByName looks up a node by name.
func (t *Table) ByName(name string) (*Node, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.byName[name]
	return n, ok
}

// All returns a snapshot of every node in the table.
func (t *Table) All() []*Node {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Node, 0, len(t.byID))
	for _, n := range t.byID {
		out = append(out, n)
	}
	return out
}

// MarkAll flags every node currently in the table, the first step of
// config-reader's node_list reconciliation (spec §4.9).
func (t *Table) MarkAll() {
	t.mu.Lock()
	snapshot := make([]*Node, 0, len(t.byID))
	for _, n := range t.byID {
		snapshot = append(snapshot, n)
	}
	t.mu.Unlock()

	for _, n := range snapshot {
		n.MarkForRemoval()
	}
}

// RemoveMarked drops every node still marked after a reread and returns
// the ids removed: the destroy step of node_list reconciliation.
func (t *Table) RemoveMarked() []uint32 {
	t.mu.Lock()
	snapshot := make([]*Node, 0, len(t.byID))
	for _, n := range t.byID {
		snapshot = append(snapshot, n)
	}
	t.mu.Unlock()

	var removed []uint32
	for _, n := range snapshot {
		if n.IsMarked() {
			t.Remove(n.ID)
			removed = append(removed, n.ID)
		}
	}
	return removed
}

// DefaultUIDMap and DefaultGIDMap expose the global default tables used
// when a node has no override entry for a given id.
func (t *Table) DefaultUIDMap() *IDMap { return t.defaultUIDMap }
func (t *Table) DefaultGIDMap() *IDMap { return t.defaultGIDMap }

// ResolveUID translates a local uid to n's remote numbering, falling
// back to the table's global default map per spec §3.
func (t *Table) ResolveUID(n *Node, local uint32) uint32 {
	if r, ok := n.UIDMap.ToRemote(local); ok {
		return r
	}
	if r, ok := t.defaultUIDMap.ToRemote(local); ok {
		return r
	}
	return local
}

// ResolveGID translates a local gid to n's remote numbering, falling
// back to the table's global default map per spec §3.
func (t *Table) ResolveGID(n *Node, local uint32) uint32 {
	if r, ok := n.GIDMap.ToRemote(local); ok {
		return r
	}
	if r, ok := t.defaultGIDMap.ToRemote(local); ok {
		return r
	}
	return local
}

// ResolveLocalUID is ResolveUID's inverse: it translates a uid n sent us
// in n's own numbering back to this node's local numbering, falling
// back to the table's global default map.
func (t *Table) ResolveLocalUID(n *Node, remote uint32) uint32 {
	if l, ok := n.UIDMap.ToLocal(remote); ok {
		return l
	}
	if l, ok := t.defaultUIDMap.ToLocal(remote); ok {
		return l
	}
	return remote
}

// ResolveLocalGID is ResolveGID's inverse.
func (t *Table) ResolveLocalGID(n *Node, remote uint32) uint32 {
	if l, ok := n.GIDMap.ToLocal(remote); ok {
		return l
	}
	if l, ok := t.defaultGIDMap.ToLocal(remote); ok {
		return l
	}
	return remote
}
