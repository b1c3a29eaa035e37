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

// Package vdir implements the static, read-only mount-point skeleton of
// spec §4.5: a tree of virtual directories above the roots of mounted
// volumes, built once at startup from each volume's configured
// mountpoint path.
package vdir

import (
	"path"
	"strings"
	"sync"

	"github.com/zlomekfs/zfsd/internal/fh"
	"github.com/zlomekfs/zfsd/internal/zfserr"
)

// Node is one virtual directory: a path component of the mount-point
// skeleton, carrying its attributes and, if it is a volume's mountpoint,
// the volume id it shadows (spec §3: "Virtual directory").
type Node struct {
	FH       fh.FH
	Name     string
	Attrs    fh.Attrs
	VolumeID uint32 // 0 if this node is not a volume root
	HasVol   bool

	parent   *Node
	children map[string]*Node
}

// Tree is the full virtual directory skeleton, indexed by FH for O(1)
// lookup from an operation's incoming file handle.
type Tree struct {
	mu      sync.Mutex
	root    *Node
	byFH    map[fh.FH]*Node
	nextIno uint64
}

// NewTree returns a tree with a single root node at fh.FH{SID: 0, Ino: 1}.
func NewTree() *Tree {
	t := &Tree{byFH: make(map[fh.FH]*Node), nextIno: 2}
	root := &Node{
		FH:       fh.FH{SID: 0, Ino: 1},
		Name:     "/",
		Attrs:    fh.Attrs{Type: fh.TypeDirectory, Mode: 0o755},
		children: make(map[string]*Node),
	}
	t.root = root
	t.byFH[root.FH] = root
	return t
}

// Root returns the skeleton's root node.
func (t *Tree) Root() *Node {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.root
}

// Mount splits mountpoint into path components below the root, creating
// intermediate virtual directories as needed, and marks the final
// component as the root of volumeID (spec §4.5: "Created at startup by
// splitting each volume's configured mountpoint into components;
// intermediate components become virtual directories").
func (t *Tree) Mount(mountpoint string, volumeID uint32) (*Node, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	clean := path.Clean("/" + mountpoint)
	parts := strings.Split(strings.Trim(clean, "/"), "/")

	cur := t.root
	for _, part := range parts {
		if part == "" {
			continue
		}
		child, ok := cur.children[part]
		if !ok {
			child = &Node{
				FH:       fh.FH{SID: 0, Ino: t.nextIno},
				Name:     part,
				Attrs:    fh.Attrs{Type: fh.TypeDirectory, Mode: 0o755},
				parent:   cur,
				children: make(map[string]*Node),
			}
			t.nextIno++
			cur.children[part] = child
			t.byFH[child.FH] = child
		}
		cur = child
	}
	cur.VolumeID = volumeID
	cur.HasVol = true
	return cur, nil
}

// Lookup resolves name under parent (a virtual FH), returning the child
// node. Supports "." and "..".
func (t *Tree) Lookup(parent fh.FH, name string) (*Node, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.byFH[parent]
	if !ok {
		return nil, false
	}
	switch name {
	case ".":
		return p, true
	case "..":
		if p.parent == nil {
			return p, true
		}
		return p.parent, true
	default:
		c, ok := p.children[name]
		return c, ok
	}
}

// ByFH returns the node for fh, if it is part of the virtual tree.
func (t *Tree) ByFH(f fh.FH) (*Node, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.byFH[f]
	return n, ok
}

// Readdir lists the children of parent, in no particular order.
func (t *Tree) Readdir(parent fh.FH) ([]*Node, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.byFH[parent]
	if !ok {
		return nil, false
	}
	out := make([]*Node, 0, len(p.children))
	for _, c := range p.children {
		out = append(out, c)
	}
	return out, true
}

// AllowedOp is the set of operations permitted on a virtual node: only
// lookup, getattr and readdir are not EROFS (spec §4.5).
type AllowedOp int

const (
	OpLookup AllowedOp = iota
	OpGetattr
	OpReaddir
	OpOther
)

// CheckOp returns EROFS for any operation other than lookup/getattr/
// readdir against a virtual node (spec §4.5: "File operations on a
// virtual node other than lookup, getattr, readdir return EROFS").
func CheckOp(op AllowedOp) error {
	if op == OpOther {
		return zfserr.New("vdir", zfserr.EROFS)
	}
	return nil
}
