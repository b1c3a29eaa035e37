// Copyright 2023 Google Inc. All Rights Reserved.
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

package config

import (
	"time"

	"github.com/zlomekfs/zfsd/internal/node"
	"github.com/zlomekfs/zfsd/ttlcache"
)

// Direction selects which side of a wire crossing MapUID/MapGID
// translate towards. Grounded on user-group.c's map_uid_zfs2node (the
// ToLocal direction here) and map_uid_node2zfs (ToRemote): the same two
// directions, generalized from "zfs id" to "the numbering of whichever
// node sent or will receive the value" now that every node, not just a
// distinguished ZFS server, can be on either side of the call.
type Direction int

const (
	// ToLocal translates an id a remote node sent us, in that node's own
	// numbering, into this node's local numbering.
	ToLocal Direction = iota
	// ToRemote translates a local id into the numbering a remote node
	// expects, before we send it out.
	ToRemote
)

// noMapID is the "no owner" sentinel (spec §3's getattr uid/gid of -1
// for e.g. a dangling symlink target); it always passes through
// unmapped, matching user-group.c's `uid == (uint32_t) -1` early return
// in all four map_*2* functions.
const noMapID = ^uint32(0)

// mappingCacheTTL bounds how long MapUID/MapGID may keep returning a
// resolution that config-reader's mark-and-sweep reconciliation (spec
// §4.9) has since replaced in the underlying node/default tables. Kept
// short: this is a memoization layer over cheap map lookups, not a
// source of truth, so staleness should be bounded in seconds, not
// minutes.
const mappingCacheTTL = 30 * time.Second

type mapCacheKey struct {
	sid uint32
	id  uint32
	dir Direction
}

// Mapper resolves uid/gid across the wire boundary to a specific node,
// memoizing lookups against internal/node.Table's per-node and
// global-default IDMaps in a ttlcache.Cache so a busy binding/update
// path doesn't re-walk those maps for every getattr/setattr that
// crosses a connection to the same peer.
type Mapper struct {
	nodes *node.Table
	uids  *ttlcache.Cache[mapCacheKey, uint32]
	gids  *ttlcache.Cache[mapCacheKey, uint32]
}

// NewMapper returns a Mapper backed by nodes.
func NewMapper(nodes *node.Table) *Mapper {
	return &Mapper{
		nodes: nodes,
		uids:  ttlcache.New[mapCacheKey, uint32](mappingCacheTTL, mappingCacheTTL),
		gids:  ttlcache.New[mapCacheKey, uint32](mappingCacheTTL, mappingCacheTTL),
	}
}

// Stop halts the Mapper's background cache-eviction goroutines.
func (m *Mapper) Stop() {
	m.uids.Stop()
	m.gids.Stop()
}

// MapUID translates uid across the wire boundary with the node sid:
// with dir ToLocal it resolves a uid node sid sent us into this node's
// own numbering (map_uid_zfs2node); with dir ToRemote it resolves a
// local uid into sid's numbering before we send it out
// (map_uid_node2zfs). sid identifying an unknown node is treated as "no
// mapping configured" and uid passes through unchanged.
func (m *Mapper) MapUID(sid, uid uint32, dir Direction) uint32 {
	if uid == noMapID {
		return uid
	}
	key := mapCacheKey{sid: sid, id: uid, dir: dir}
	if v, ok := m.uids.Get(key); ok {
		return v
	}
	v := m.resolveUID(sid, uid, dir)
	m.uids.Set(key, v)
	return v
}

// MapGID is MapUID's gid counterpart (map_gid_zfs2node/map_gid_node2zfs).
func (m *Mapper) MapGID(sid, gid uint32, dir Direction) uint32 {
	if gid == noMapID {
		return gid
	}
	key := mapCacheKey{sid: sid, id: gid, dir: dir}
	if v, ok := m.gids.Get(key); ok {
		return v
	}
	v := m.resolveGID(sid, gid, dir)
	m.gids.Set(key, v)
	return v
}

func (m *Mapper) resolveUID(sid, uid uint32, dir Direction) uint32 {
	n, ok := m.nodes.ByID(sid)
	if !ok {
		return uid
	}
	if dir == ToRemote {
		return m.nodes.ResolveUID(n, uid)
	}
	return m.nodes.ResolveLocalUID(n, uid)
}

func (m *Mapper) resolveGID(sid, gid uint32, dir Direction) uint32 {
	n, ok := m.nodes.ByID(sid)
	if !ok {
		return gid
	}
	if dir == ToRemote {
		return m.nodes.ResolveGID(n, gid)
	}
	return m.nodes.ResolveLocalGID(n, gid)
}
