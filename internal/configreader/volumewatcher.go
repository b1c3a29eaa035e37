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
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/zlomekfs/zfsd/cfg"
)

// VolumeWatcher watches every cluster configuration file on the config
// volume's local mirror (node_list, volume_list, user_list, group_list,
// and the user/ and group/ per-node mapping subdirectories) and invokes
// onChange with the path relative to the config volume's root whenever
// one is written or replaced, driving Reconciler.Reconcile.
type VolumeWatcher struct {
	w    *fsnotify.Watcher
	done chan struct{}
	dir  string
}

// WatchConfigVolume starts watching c's config volume.
func WatchConfigVolume(c *cfg.Config, onChange func(relPath string)) (*VolumeWatcher, error) {
	dir, err := configVolumeLocalPath(c)
	if err != nil {
		return nil, err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	for _, d := range []string{dir, filepath.Join(dir, "user"), filepath.Join(dir, "group")} {
		if err := w.Add(d); err != nil {
			if os.IsNotExist(err) {
				// user/ and group/ only appear once a mapping has ever
				// been published; that's not an error.
				continue
			}
			w.Close()
			return nil, err
		}
	}

	vw := &VolumeWatcher{w: w, done: make(chan struct{}), dir: dir}
	go vw.loop(onChange)
	return vw, nil
}

func (vw *VolumeWatcher) loop(onChange func(relPath string)) {
	const relevant = fsnotify.Write | fsnotify.Create
	for {
		select {
		case ev, ok := <-vw.w.Events:
			if !ok {
				return
			}
			if ev.Op&relevant == 0 {
				continue
			}
			rel, err := filepath.Rel(vw.dir, ev.Name)
			if err != nil {
				continue
			}
			onChange(rel)
		case _, ok := <-vw.w.Errors:
			if !ok {
				return
			}
		case <-vw.done:
			return
		}
	}
}

// Close stops the watcher goroutine and releases its inotify handles.
func (vw *VolumeWatcher) Close() error {
	close(vw.done)
	return vw.w.Close()
}
