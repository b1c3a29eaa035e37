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
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watcher fires onChange whenever the watched file is written or
// replaced (editors typically rename-then-create rather than write in
// place), giving zfsd HUP-less local config reload.
type Watcher struct {
	w    *fsnotify.Watcher
	done chan struct{}
}

// NewWatcher watches the directory containing path and calls onChange
// whenever path itself is created or written.
func NewWatcher(path string, onChange func()) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(filepath.Dir(path)); err != nil {
		w.Close()
		return nil, err
	}

	watcher := &Watcher{w: w, done: make(chan struct{})}
	go watcher.loop(filepath.Base(path), onChange)
	return watcher, nil
}

func (w *Watcher) loop(base string, onChange func()) {
	const relevant = fsnotify.Write | fsnotify.Create
	for {
		select {
		case ev, ok := <-w.w.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) == base && ev.Op&relevant != 0 {
				onChange()
			}
		case _, ok := <-w.w.Errors:
			if !ok {
				return
			}
		case <-w.done:
			return
		}
	}
}

// Close stops the watcher goroutine and releases its inotify handle.
func (w *Watcher) Close() error {
	close(w.done)
	return w.w.Close()
}
