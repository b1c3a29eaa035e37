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

// Package daemon assembles one running zfsd process: the FH/dentry
// graph, lock manager, virtual directory skeleton, volume and node
// tables, the per-volume metadata stores, the host-OS binding layer and
// the three configured worker pools (spec §6 threads{} block). It is
// the thing cmd/zfsd starts, reloads on SIGHUP and tears down on
// SIGINT/SIGQUIT/SIGTERM.
package daemon

import (
	"fmt"
	"sync"

	"github.com/zlomekfs/zfsd/cfg"
	"github.com/zlomekfs/zfsd/internal/binding"
	"github.com/zlomekfs/zfsd/internal/fh"
	"github.com/zlomekfs/zfsd/internal/lock"
	"github.com/zlomekfs/zfsd/internal/logger"
	"github.com/zlomekfs/zfsd/internal/metadata"
	"github.com/zlomekfs/zfsd/internal/node"
	"github.com/zlomekfs/zfsd/internal/vdir"
	"github.com/zlomekfs/zfsd/internal/volume"
	"github.com/zlomekfs/zfsd/internal/workerpool"
)

// Daemon is one assembled, running node (spec §4's "this node" actor).
type Daemon struct {
	SID uint32

	Graph   *fh.Graph
	Locks   *lock.Manager
	VTree   *vdir.Tree
	Volumes *volume.Table
	Nodes   *node.Table
	Binding *binding.Binding

	KernelPool  *workerpool.StaticWorkerPool
	NetworkPool *workerpool.StaticWorkerPool
	UpdatePool  *workerpool.StaticWorkerPool

	mu     sync.Mutex
	stores map[uint32]*metadata.Store
}

// New assembles a Daemon from a decoded local configuration file,
// opening every configured volume's metadata store and mounting it into
// the virtual directory skeleton at the mountpoint recorded in the
// config_node's view of the cluster configuration. mountpoints supplies
// each configured volume's mountpoint, since spec §6's local config
// file carries only (id, cache_size, local_path) — the mountpoint comes
// from the cluster-wide config volume (spec §4.9), resolved by the
// caller before New is invoked.
func New(c *cfg.Config, mountpoints map[uint32]string) (*Daemon, error) {
	if c.Debug.ExitOnInvariantViolation {
		lock.EnableInvariantChecking()
	}

	d := &Daemon{
		SID:     c.LocalNode.ID,
		Graph:   fh.NewGraph(),
		Locks:   lock.NewManager(),
		VTree:   vdir.NewTree(),
		Volumes: volume.NewTable(),
		Nodes:   node.NewTable(),
		stores:  make(map[uint32]*metadata.Store),
	}

	for _, vc := range c.Volumes {
		mountpoint, ok := mountpoints[vc.ID]
		if !ok {
			return nil, fmt.Errorf("daemon: no mountpoint configured for volume %d", vc.ID)
		}

		vol := &volume.Volume{
			ID:        vc.ID,
			LocalPath: string(vc.LocalPath),
			SizeLimit: vc.CacheSize,
		}

		onErr := func(v *volume.Volume) metadata.ErrorPolicy {
			return func(err error) {
				logger.Errorf("volume %d: metadata I/O error, marking for deletion: %v", v.ID, err)
				v.MarkForDeletion()
			}
		}(vol)

		store, err := metadata.Open(vol.LocalPath, c.System.MetadataTreeDepth, onErr)
		if err != nil {
			d.closeStores()
			return nil, fmt.Errorf("daemon: opening volume %d metadata store: %w", vc.ID, err)
		}
		d.stores[vc.ID] = store

		vnode, err := d.VTree.Mount(mountpoint, vc.ID)
		if err != nil {
			d.closeStores()
			return nil, fmt.Errorf("daemon: mounting volume %d at %q: %w", vc.ID, mountpoint, err)
		}

		rootFH := fh.FH{SID: d.SID, VID: vc.ID, Dev: 0, Ino: 1, Gen: 1}
		vol.RootDentry = rootFH
		vol.RootVD = vnode.FH

		rootIFH := fh.NewIFH(rootFH)
		rootIFH.Attrs = fh.Attrs{Type: fh.TypeDirectory, Mode: 0o755, Nlink: 2}
		d.Graph.Insert(rootIFH, vc.ID, "")

		d.Volumes.Insert(vol)
	}

	if c.ConfigNode.ID != 0 {
		d.Nodes.Insert(node.NewNode(c.ConfigNode.ID, c.ConfigNode.Name, c.ConfigNode.Host, uint16(c.ConfigNode.Port)))
	}

	d.Binding = binding.New(d.SID, d.Graph, d.Locks, d.VTree, d.Volumes, d.stores)

	var err error
	if d.KernelPool, err = workerpool.NewPool(c.Threads.KernelThread.MinSpare, c.Threads.KernelThread.MaxSpare, c.Threads.KernelThread.MaxTotal); err != nil {
		d.closeStores()
		return nil, fmt.Errorf("daemon: kernel_thread pool: %w", err)
	}
	if d.NetworkPool, err = workerpool.NewPool(c.Threads.NetworkThread.MinSpare, c.Threads.NetworkThread.MaxSpare, c.Threads.NetworkThread.MaxTotal); err != nil {
		d.KernelPool.Stop()
		d.closeStores()
		return nil, fmt.Errorf("daemon: network_thread pool: %w", err)
	}
	if d.UpdatePool, err = workerpool.NewPool(c.Threads.UpdateThread.MinSpare, c.Threads.UpdateThread.MaxSpare, c.Threads.UpdateThread.MaxTotal); err != nil {
		d.KernelPool.Stop()
		d.NetworkPool.Stop()
		d.closeStores()
		return nil, fmt.Errorf("daemon: update_thread pool: %w", err)
	}

	return d, nil
}

// Reload applies c.Logging.Format to the process logger after the local
// configuration file is re-read, in response to SIGHUP or a local config
// file change picked up by internal/configreader; no other logging or
// debug setting is re-applied. It never touches the
// volume set: adding or removing a volume is driven by the cluster
// config volume's volume_list, via MountVolume.
func (d *Daemon) Reload(c *cfg.Config) {
	logger.SetLogFormat(c.Logging.Format)
	logger.Infof("reloaded local configuration")
}

// MountVolume brings a newly-listed cluster volume online without
// restarting the daemon (spec scenario S6: editing the config volume's
// volume_list and having the change observed within one config-reader
// cycle). It mirrors the per-volume setup New performs at startup.
func (d *Daemon) MountVolume(id uint32, mountpoint, localPath string, cacheSize int64, metadataTreeDepth int) error {
	d.mu.Lock()
	if _, exists := d.stores[id]; exists {
		d.mu.Unlock()
		return fmt.Errorf("daemon: volume %d already mounted", id)
	}
	d.mu.Unlock()

	vol := &volume.Volume{ID: id, LocalPath: localPath, SizeLimit: cacheSize}

	onErr := func(v *volume.Volume) metadata.ErrorPolicy {
		return func(err error) {
			logger.Errorf("volume %d: metadata I/O error, marking for deletion: %v", v.ID, err)
			v.MarkForDeletion()
		}
	}(vol)

	store, err := metadata.Open(localPath, metadataTreeDepth, onErr)
	if err != nil {
		return fmt.Errorf("daemon: opening volume %d metadata store: %w", id, err)
	}

	vnode, err := d.VTree.Mount(mountpoint, id)
	if err != nil {
		store.Close()
		return fmt.Errorf("daemon: mounting volume %d at %q: %w", id, mountpoint, err)
	}

	rootFH := fh.FH{SID: d.SID, VID: id, Dev: 0, Ino: 1, Gen: 1}
	vol.RootDentry = rootFH
	vol.RootVD = vnode.FH

	rootIFH := fh.NewIFH(rootFH)
	rootIFH.Attrs = fh.Attrs{Type: fh.TypeDirectory, Mode: 0o755, Nlink: 2}
	d.Graph.Insert(rootIFH, id, "")

	d.Volumes.Insert(vol)

	d.mu.Lock()
	d.stores[id] = store
	d.mu.Unlock()

	logger.Infof("mounted volume %d at %q", id, mountpoint)
	return nil
}

func (d *Daemon) closeStores() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, s := range d.stores {
		s.Close()
	}
}

// Shutdown stops every worker pool and closes every open metadata store,
// in the order a orderly INT/QUIT/TERM shutdown requires: no new work is
// accepted before in-flight requests drain, and stores are only closed
// once every pool has stopped touching them.
func (d *Daemon) Shutdown() {
	d.KernelPool.Stop()
	d.NetworkPool.Stop()
	d.UpdatePool.Stop()
	d.closeStores()
}
