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

package binding

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/zlomekfs/zfsd/internal/fh"
	"github.com/zlomekfs/zfsd/internal/lock"
	"github.com/zlomekfs/zfsd/internal/vdir"
	"github.com/zlomekfs/zfsd/internal/zfserr"
)

// Lookup implements zfs_lookup: resolve name under parent, crossing from
// the virtual mount-point skeleton into a volume's root transparently
// (spec §4.5).
func (b *Binding) Lookup(parent fh.FH, name string) (child fh.FH, attrs fh.Attrs, err error) {
	if parent.IsVirtual() {
		node, ok := b.VTree.Lookup(parent, name)
		if !ok {
			return fh.FH{}, fh.Attrs{}, opErr("zfs_lookup", zfserr.ENOENT)
		}
		if !node.HasVol {
			return node.FH, node.Attrs, nil
		}
		vol, ok := b.Volumes.ByID(node.VolumeID)
		if !ok || vol.Marked() {
			return fh.FH{}, fh.Attrs{}, opErr("zfs_lookup", zfserr.ENOENT)
		}
		root, ok := b.Graph.Lookup(vol.RootDentry)
		if !ok {
			return fh.FH{}, fh.Attrs{}, opErr("zfs_lookup", zfserr.Stale)
		}
		return root.FH(), root.Attrs, nil
	}

	d, ok := b.Graph.Dentry(parent, name)
	if !ok {
		return fh.FH{}, fh.Attrs{}, opErr("zfs_lookup", zfserr.ENOENT)
	}
	ifh, ok := b.Graph.Lookup(d.Child)
	if !ok {
		return fh.FH{}, fh.Attrs{}, opErr("zfs_lookup", zfserr.Stale)
	}
	b.Graph.Resurrect(d.Child)
	return d.Child, ifh.Attrs, nil
}

// Getattr implements zfs_getattr.
func (b *Binding) Getattr(f fh.FH) (fh.Attrs, error) {
	if f.IsVirtual() {
		node, ok := b.VTree.ByFH(f)
		if !ok {
			return fh.Attrs{}, opErr("zfs_getattr", zfserr.ENOENT)
		}
		return node.Attrs, nil
	}
	ifh, ok := b.Graph.Lookup(f)
	if !ok {
		return fh.Attrs{}, opErr("zfs_getattr", zfserr.Stale)
	}
	return ifh.Attrs, nil
}

// SetattrMask selects which fields of a SetattrRequest are meaningful,
// mirroring the sparse-update convention of a real setattr call.
type SetattrMask uint32

const (
	SetMode SetattrMask = 1 << iota
	SetUID
	SetGID
	SetSize
	SetAtime
	SetMtime
)

// Setattr implements zfs_setattr.
func (b *Binding) Setattr(ctx context.Context, f fh.FH, attrs fh.Attrs, mask SetattrMask) (fh.Attrs, error) {
	if f.IsVirtual() {
		return fh.Attrs{}, opErr("zfs_setattr", zfserr.EROFS)
	}

	if err := b.Locks.Acquire(ctx, f, lock.Exclusive); err != nil {
		return fh.Attrs{}, opErr("zfs_setattr", zfserr.Busy)
	}
	defer b.Locks.Release(f, lock.Exclusive)

	ifh, ok := b.Graph.Lookup(f)
	if !ok {
		return fh.Attrs{}, opErr("zfs_setattr", zfserr.Stale)
	}

	if mask&SetMode != 0 {
		ifh.Attrs.Mode = attrs.Mode
	}
	if mask&SetUID != 0 {
		ifh.Attrs.UID = attrs.UID
	}
	if mask&SetGID != 0 {
		ifh.Attrs.GID = attrs.GID
	}
	if mask&SetAtime != 0 {
		ifh.Attrs.Atime = attrs.Atime
	}
	if mask&SetMtime != 0 {
		ifh.Attrs.Mtime = attrs.Mtime
	}
	if mask&SetSize != 0 {
		ifh.Attrs.Size = attrs.Size
		if vol, ok := b.resolveVolume(f); ok {
			if path, ok := b.localFile(vol, f); ok {
				if err := os.Truncate(path, attrs.Size); err != nil {
					return fh.Attrs{}, opErr("zfs_setattr", zfserr.EIO)
				}
			}
		}
	}
	ifh.Metadata.LocalVersion++
	b.flush(f, ifh)

	return ifh.Attrs, nil
}

func (b *Binding) flush(f fh.FH, ifh *fh.IFH) {
	store, ok := b.metaOf[f.VID]
	if !ok {
		return
	}
	store.Flush(toRecord(f, ifh))
}

// Create implements zfs_create: a new regular file under parent.
func (b *Binding) Create(ctx context.Context, parent fh.FH, name string, mode uint32) (fh.FH, fh.Attrs, error) {
	return b.createEntry(ctx, "zfs_create", parent, name, fh.TypeRegular, mode, true)
}

// Mkdir implements zfs_mkdir.
func (b *Binding) Mkdir(ctx context.Context, parent fh.FH, name string, mode uint32) (fh.FH, fh.Attrs, error) {
	return b.createEntry(ctx, "zfs_mkdir", parent, name, fh.TypeDirectory, mode, true)
}

func (b *Binding) createEntry(ctx context.Context, op string, parent fh.FH, name string, kind fh.FileType, mode uint32, makeLocal bool) (fh.FH, fh.Attrs, error) {
	if parent.IsVirtual() {
		return fh.FH{}, fh.Attrs{}, opErr(op, zfserr.EROFS)
	}
	if err := b.Locks.Acquire(ctx, parent, lock.Exclusive); err != nil {
		return fh.FH{}, fh.Attrs{}, opErr(op, zfserr.Busy)
	}
	defer b.Locks.Release(parent, lock.Exclusive)

	if _, ok := b.Graph.Dentry(parent, name); ok {
		return fh.FH{}, fh.Attrs{}, opErr(op, zfserr.EEXIST)
	}

	child := fh.FH{SID: b.SID, VID: parent.VID, Dev: parent.Dev, Ino: b.nextIno(), Gen: 1}
	newIFH := fh.NewIFH(child)
	newIFH.Attrs = fh.Attrs{Type: kind, Mode: mode, Nlink: 1}

	rel := name
	if parentRel, ok := b.relPath(parent); ok && parentRel != "" {
		rel = filepath.Join(parentRel, name)
	}

	vol, haveVol := b.resolveVolume(parent)
	var localPath string
	if haveVol && vol.LocalPath != "" {
		localPath = filepath.Join(vol.LocalPath, rel)
		var err error
		switch kind {
		case fh.TypeDirectory:
			err = os.Mkdir(localPath, os.FileMode(mode&0o777))
		default:
			var f *os.File
			f, err = os.OpenFile(localPath, os.O_CREATE|os.O_EXCL|os.O_RDWR, os.FileMode(mode&0o777))
			if err == nil {
				b.mu.Lock()
				b.open[child] = f
				b.mu.Unlock()
				newIFH.HasFD = true
				newIFH.FD = int(f.Fd())
			}
		}
		if err != nil {
			return fh.FH{}, fh.Attrs{}, opErr(op, zfserr.EIO)
		}
	}

	b.Graph.Insert(newIFH, parent.VID, rel)
	b.setRelPath(child, rel)
	b.Graph.Link(parent, name, child, false)

	if store, ok := b.metaOf[parent.VID]; ok {
		store.Flush(toRecord(child, newIFH))
	}

	return child, newIFH.Attrs, nil
}

// Open implements zfs_open: attach a live local file descriptor to f.
func (b *Binding) Open(f fh.FH) error {
	if f.IsVirtual() {
		return opErr("zfs_open", zfserr.EISDIR)
	}
	b.mu.Lock()
	_, already := b.open[f]
	b.mu.Unlock()
	if already {
		return nil
	}

	vol, ok := b.resolveVolume(f)
	if !ok {
		return opErr("zfs_open", zfserr.Stale)
	}
	path, ok := b.localFile(vol, f)
	if !ok {
		// No local copy on this node; fetching the content across the
		// wire is internal/update's job and happens before open is
		// retried.
		return opErr("zfs_open", zfserr.Stale)
	}
	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return opErr("zfs_open", zfserr.EIO)
	}

	b.mu.Lock()
	b.open[f] = file
	b.mu.Unlock()

	if ifh, ok := b.Graph.Lookup(f); ok {
		ifh.HasFD = true
		ifh.FD = int(file.Fd())
	}
	return nil
}

// Close implements zfs_close.
func (b *Binding) Close(f fh.FH) error {
	b.mu.Lock()
	file, ok := b.open[f]
	if ok {
		delete(b.open, f)
	}
	b.mu.Unlock()
	if !ok {
		return opErr("zfs_close", zfserr.EBADF)
	}
	if ifh, ok := b.Graph.Lookup(f); ok {
		ifh.HasFD = false
	}
	if err := file.Close(); err != nil {
		return opErr("zfs_close", zfserr.EIO)
	}
	return nil
}

// Read implements zfs_read.
func (b *Binding) Read(f fh.FH, offset int64, size int) ([]byte, error) {
	b.mu.Lock()
	file, ok := b.open[f]
	b.mu.Unlock()
	if !ok {
		return nil, opErr("zfs_read", zfserr.EBADF)
	}

	buf := make([]byte, size)
	n, err := file.ReadAt(buf, offset)
	if err != nil && err != io.EOF {
		return nil, opErr("zfs_read", zfserr.EIO)
	}
	return buf[:n], nil
}

// Write implements zfs_write.
func (b *Binding) Write(f fh.FH, offset int64, data []byte) (int, error) {
	b.mu.Lock()
	file, ok := b.open[f]
	b.mu.Unlock()
	if !ok {
		return 0, opErr("zfs_write", zfserr.EBADF)
	}

	n, err := file.WriteAt(data, offset)
	if err != nil {
		return n, opErr("zfs_write", zfserr.EIO)
	}

	if ifh, ok := b.Graph.Lookup(f); ok {
		ifh.Updated.Append(offset, offset+int64(n))
		ifh.Modified.Append(offset, offset+int64(n))
		if end := offset + int64(n); end > ifh.Attrs.Size {
			ifh.Attrs.Size = end
		}
		ifh.Metadata.LocalVersion++
		b.flush(f, ifh)
	}
	return n, nil
}

// Readdir implements zfs_readdir.
func (b *Binding) Readdir(f fh.FH) ([]DirEntry, error) {
	if f.IsVirtual() {
		nodes, ok := b.VTree.Readdir(f)
		if !ok {
			return nil, opErr("zfs_readdir", zfserr.ENOENT)
		}
		out := make([]DirEntry, 0, len(nodes))
		for _, n := range nodes {
			out = append(out, DirEntry{Name: n.Name, FH: n.FH, Type: fh.TypeDirectory})
		}
		return out, nil
	}

	dentries := b.Graph.ChildDentries(f)
	out := make([]DirEntry, 0, len(dentries))
	for _, d := range dentries {
		typ := fh.TypeRegular
		if ifh, ok := b.Graph.Lookup(d.Child); ok {
			typ = ifh.Attrs.Type
		}
		out = append(out, DirEntry{Name: d.Name, FH: d.Child, Type: typ})
	}
	return out, nil
}

// Rmdir implements zfs_rmdir.
func (b *Binding) Rmdir(ctx context.Context, parent fh.FH, name string) error {
	if parent.IsVirtual() {
		return opErr("zfs_rmdir", zfserr.EROFS)
	}
	if err := b.Locks.Acquire(ctx, parent, lock.Exclusive); err != nil {
		return opErr("zfs_rmdir", zfserr.Busy)
	}
	defer b.Locks.Release(parent, lock.Exclusive)

	d, ok := b.Graph.Dentry(parent, name)
	if !ok {
		return opErr("zfs_rmdir", zfserr.ENOENT)
	}
	ifh, ok := b.Graph.Lookup(d.Child)
	if !ok {
		return opErr("zfs_rmdir", zfserr.Stale)
	}
	if ifh.Attrs.Type != fh.TypeDirectory {
		return opErr("zfs_rmdir", zfserr.ENOTDIR)
	}
	if len(b.Graph.ChildDentries(d.Child)) > 0 {
		return opErr("zfs_rmdir", zfserr.ENOTEMPTY)
	}

	shadowed := false
	if vol, ok := b.resolveVolume(d.Child); ok {
		if path, ok := b.localFile(vol, d.Child); ok {
			if b.hasPendingJournalEntry(parent, name) {
				if err := b.moveToShadow(vol, d.Child, path); err == nil {
					shadowed = true
				}
			}
			if !shadowed {
				os.Remove(path)
			}
		}
	}

	b.Graph.Unlink(parent, name)
	if !shadowed {
		b.dropRelPath(d.Child)
	}
	b.Graph.QueueDestroy(d.Child)
	return nil
}

// Unlink implements zfs_unlink.
func (b *Binding) Unlink(ctx context.Context, parent fh.FH, name string) error {
	if parent.IsVirtual() {
		return opErr("zfs_unlink", zfserr.EROFS)
	}
	if err := b.Locks.Acquire(ctx, parent, lock.Exclusive); err != nil {
		return opErr("zfs_unlink", zfserr.Busy)
	}
	defer b.Locks.Release(parent, lock.Exclusive)

	d, ok := b.Graph.Dentry(parent, name)
	if !ok {
		return opErr("zfs_unlink", zfserr.ENOENT)
	}
	if ifh, ok := b.Graph.Lookup(d.Child); ok && ifh.Attrs.Type == fh.TypeDirectory {
		return opErr("zfs_unlink", zfserr.EISDIR)
	}

	child, _ := b.Graph.Unlink(parent, name)

	if meta, ok := b.metaOf[parent.VID]; ok {
		meta.HardlinkRemove(child, name)
	}

	if len(b.Graph.DentriesByIFH(child)) == 0 {
		shadowed := false
		if vol, ok := b.resolveVolume(child); ok {
			if path, ok := b.localFile(vol, child); ok {
				if b.hasPendingJournalEntry(parent, name) {
					if err := b.moveToShadow(vol, child, path); err == nil {
						shadowed = true
					}
				}
				if !shadowed {
					os.Remove(path)
				}
			}
		}
		if !shadowed {
			b.dropRelPath(child)
		}
		b.Graph.QueueDestroy(child)
	}
	return nil
}

// Rename implements zfs_rename, preserving the moved iFH's identity
// (spec invariant 2).
func (b *Binding) Rename(ctx context.Context, oldParent fh.FH, oldName string, newParent fh.FH, newName string) error {
	if oldParent.IsVirtual() || newParent.IsVirtual() {
		return opErr("zfs_rename", zfserr.EROFS)
	}
	if oldParent.VID != newParent.VID {
		return opErr("zfs_rename", zfserr.EXDEV)
	}

	release, err := b.Locks.AcquireTwo(ctx, oldParent, newParent, lock.Exclusive)
	if err != nil {
		return opErr("zfs_rename", zfserr.Busy)
	}
	defer release()

	replaced, hadReplaced, rerr := b.Graph.Rename(oldParent, oldName, newParent, newName)
	if rerr != nil {
		return opErr("zfs_rename", zfserr.ENOENT)
	}

	d, ok := b.Graph.Dentry(newParent, newName)
	if ok {
		if oldRel, ok := b.relPath(d.Child); ok {
			newRel := newName
			if parentRel, ok := b.relPath(newParent); ok && parentRel != "" {
				newRel = filepath.Join(parentRel, newName)
			}
			if vol, ok := b.resolveVolume(d.Child); ok && vol.LocalPath != "" {
				os.Rename(filepath.Join(vol.LocalPath, oldRel), filepath.Join(vol.LocalPath, newRel))
			}
			b.setRelPath(d.Child, newRel)
		}
	}

	if hadReplaced && len(b.Graph.DentriesByIFH(replaced)) == 0 {
		b.dropRelPath(replaced)
		b.Graph.QueueDestroy(replaced)
	}
	return nil
}

// Link implements zfs_link: a new name for an existing regular file.
func (b *Binding) Link(ctx context.Context, parent fh.FH, name string, target fh.FH) error {
	if parent.IsVirtual() {
		return opErr("zfs_link", zfserr.EROFS)
	}
	if err := b.Locks.Acquire(ctx, parent, lock.Exclusive); err != nil {
		return opErr("zfs_link", zfserr.Busy)
	}
	defer b.Locks.Release(parent, lock.Exclusive)

	if _, ok := b.Graph.Dentry(parent, name); ok {
		return opErr("zfs_link", zfserr.EEXIST)
	}
	targetIFH, ok := b.Graph.Lookup(target)
	if !ok {
		return opErr("zfs_link", zfserr.ENOENT)
	}
	if targetIFH.Attrs.Type == fh.TypeDirectory {
		return opErr("zfs_link", zfserr.EPERM)
	}

	b.Graph.Link(parent, name, target, false)

	if vol, ok := b.resolveVolume(target); ok && vol.LocalPath != "" {
		if targetRel, ok := b.relPath(target); ok {
			rel := name
			if parentRel, ok := b.relPath(parent); ok && parentRel != "" {
				rel = filepath.Join(parentRel, name)
			}
			os.Link(filepath.Join(vol.LocalPath, targetRel), filepath.Join(vol.LocalPath, rel))
		}
	}

	if meta, ok := b.metaOf[parent.VID]; ok {
		meta.HardlinkInsert(target, target.Dev, target.Ino, name)
	}
	return nil
}

// Readlink implements zfs_readlink.
func (b *Binding) Readlink(f fh.FH) (string, error) {
	vol, ok := b.resolveVolume(f)
	if !ok {
		return "", opErr("zfs_readlink", zfserr.ENOENT)
	}
	path, ok := b.localFile(vol, f)
	if !ok {
		return "", opErr("zfs_readlink", zfserr.Stale)
	}
	target, err := os.Readlink(path)
	if err != nil {
		return "", opErr("zfs_readlink", zfserr.EINVAL)
	}
	return target, nil
}

// Symlink implements zfs_symlink.
func (b *Binding) Symlink(ctx context.Context, parent fh.FH, name string, target string) (fh.FH, error) {
	if parent.IsVirtual() {
		return fh.FH{}, opErr("zfs_symlink", zfserr.EROFS)
	}
	if err := b.Locks.Acquire(ctx, parent, lock.Exclusive); err != nil {
		return fh.FH{}, opErr("zfs_symlink", zfserr.Busy)
	}
	defer b.Locks.Release(parent, lock.Exclusive)

	if _, ok := b.Graph.Dentry(parent, name); ok {
		return fh.FH{}, opErr("zfs_symlink", zfserr.EEXIST)
	}

	child := fh.FH{SID: b.SID, VID: parent.VID, Dev: parent.Dev, Ino: b.nextIno(), Gen: 1}
	newIFH := fh.NewIFH(child)
	newIFH.Attrs = fh.Attrs{Type: fh.TypeSymlink, Mode: 0o777, Nlink: 1, Size: int64(len(target))}

	rel := name
	if parentRel, ok := b.relPath(parent); ok && parentRel != "" {
		rel = filepath.Join(parentRel, name)
	}

	if vol, ok := b.resolveVolume(parent); ok && vol.LocalPath != "" {
		if err := os.Symlink(target, filepath.Join(vol.LocalPath, rel)); err != nil {
			return fh.FH{}, opErr("zfs_symlink", zfserr.EIO)
		}
	}

	b.Graph.Insert(newIFH, parent.VID, rel)
	b.setRelPath(child, rel)
	b.Graph.Link(parent, name, child, false)
	return child, nil
}

// Mknod implements zfs_mknod: a device, fifo or socket node.
func (b *Binding) Mknod(ctx context.Context, parent fh.FH, name string, mode uint32, dev uint64) (fh.FH, error) {
	if parent.IsVirtual() {
		return fh.FH{}, opErr("zfs_mknod", zfserr.EROFS)
	}
	if err := b.Locks.Acquire(ctx, parent, lock.Exclusive); err != nil {
		return fh.FH{}, opErr("zfs_mknod", zfserr.Busy)
	}
	defer b.Locks.Release(parent, lock.Exclusive)

	if _, ok := b.Graph.Dentry(parent, name); ok {
		return fh.FH{}, opErr("zfs_mknod", zfserr.EEXIST)
	}

	child := fh.FH{SID: b.SID, VID: parent.VID, Dev: parent.Dev, Ino: b.nextIno(), Gen: 1}
	newIFH := fh.NewIFH(child)
	newIFH.Attrs = fh.Attrs{Type: nodeFileType(mode), Mode: mode, Nlink: 1}

	rel := name
	if parentRel, ok := b.relPath(parent); ok && parentRel != "" {
		rel = filepath.Join(parentRel, name)
	}

	if vol, ok := b.resolveVolume(parent); ok && vol.LocalPath != "" {
		if err := unix.Mknod(filepath.Join(vol.LocalPath, rel), mode, int(dev)); err != nil {
			return fh.FH{}, opErr("zfs_mknod", zfserr.EIO)
		}
	}

	b.Graph.Insert(newIFH, parent.VID, rel)
	b.setRelPath(child, rel)
	b.Graph.Link(parent, name, child, false)
	return child, nil
}

func nodeFileType(mode uint32) fh.FileType {
	switch mode & unix.S_IFMT {
	case unix.S_IFBLK:
		return fh.TypeBlock
	case unix.S_IFCHR:
		return fh.TypeChar
	case unix.S_IFIFO:
		return fh.TypeFIFO
	case unix.S_IFSOCK:
		return fh.TypeSocket
	default:
		return fh.TypeRegular
	}
}

// VirtualOpCheck maps an operation onto vdir's allowed-op set, used by
// binding callers that need to reject a mutation against a virtual
// parent before this package's own EROFS checks run.
func VirtualOpCheck(op vdir.AllowedOp) error { return vdir.CheckOp(op) }
