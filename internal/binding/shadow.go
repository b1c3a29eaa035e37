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
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/zlomekfs/zfsd/common"
	"github.com/zlomekfs/zfsd/internal/fh"
	"github.com/zlomekfs/zfsd/internal/volume"
)

// shadowDir is the volume-relative directory unlinked-but-still-
// journaled files are parked under, instead of being deleted outright
// (grounded on dir.c's move_to_shadow_base, which moves the file under
// a volume-specific shadow tree and leaves a mapping so it can still be
// reached by local path until the journal entry referencing it is
// reintegrated).
const shadowDir = ".shadow"

// hasPendingJournalEntry reports whether parent's journal still has an
// entry naming name — the signal that deleting the file right now would
// discard content the journal replayer (internal/reintegrate) hasn't
// pushed to the master yet.
func (b *Binding) hasPendingJournalEntry(parent fh.FH, name string) bool {
	store, ok := b.metaOf[parent.VID]
	if !ok {
		return false
	}
	entries, err := store.ReadJournal(parent)
	if err != nil {
		return false
	}
	for _, e := range entries {
		if e.Name == name {
			return true
		}
	}
	return false
}

// moveToShadow relocates child's backing file at srcPath into vol's
// shadow tree rather than deleting it, and repoints relPaths so the
// file stays reachable by local path (e.g. from a later reintegration
// pass) even though it is no longer linked into the directory tree.
func (b *Binding) moveToShadow(vol *volume.Volume, child fh.FH, srcPath string) error {
	dir := filepath.Join(vol.LocalPath, shadowDir)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("binding: moveToShadow: create shadow dir: %w", err)
	}

	shadowName := fmt.Sprintf("%d-%d-%d", child.Dev, child.Ino, child.Gen)
	dst := filepath.Join(dir, shadowName)
	if err := os.Rename(srcPath, dst); err != nil {
		if !errors.Is(err, unix.EXDEV) {
			return fmt.Errorf("binding: moveToShadow: %w", err)
		}
		// shadowDir landed on a different filesystem than srcPath (e.g. a
		// volume whose LocalPath spans a bind mount); rename can't cross
		// devices, so fall back to a bounded copy-then-remove.
		if err := copyThenRemove(srcPath, dst); err != nil {
			return fmt.Errorf("binding: moveToShadow: %w", err)
		}
	}

	b.setRelPath(child, filepath.Join(shadowDir, shadowName))
	return nil
}

func copyThenRemove(srcPath, dst string) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer src.Close()

	st, err := src.Stat()
	if err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, st.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := common.CopyWhole(out, src, st.Size()); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(dst)
		return err
	}
	return os.Remove(srcPath)
}
