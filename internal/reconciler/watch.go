// Copyright 2026 The tasktime Authors
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

package reconciler

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/tasktime/tasktime/internal/log"
)

// debounceWindow coalesces the event bursts editors produce on save.
const debounceWindow = 500 * time.Millisecond

// Watcher re-syncs the engine when the seed file changes on disk. The file's
// parent directory is watched so atomic rename-into-place saves are seen.
type Watcher struct {
	rec    *Reconciler
	path   string
	fsw    *fsnotify.Watcher
	logger *slog.Logger
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewWatcher creates a watcher for the given seed file path.
func NewWatcher(rec *Reconciler, path string) (*Watcher, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve seed path: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(absPath)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("failed to watch seed directory: %w", err)
	}

	return &Watcher{
		rec:    rec,
		path:   absPath,
		fsw:    fsw,
		logger: slog.Default().With(slog.String("component", "seedwatcher"), slog.String("path", absPath)),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}, nil
}

// Start launches the watch loop.
func (w *Watcher) Start(ctx context.Context) {
	go w.loop(ctx)
	w.logger.Info("seed file watcher started")
}

// Stop stops the watcher and releases resources.
func (w *Watcher) Stop() error {
	close(w.stopCh)
	<-w.doneCh
	return w.fsw.Close()
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.doneCh)

	var debounce *time.Timer
	var debounceCh <-chan time.Time

	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounce == nil {
				debounce = time.NewTimer(debounceWindow)
				debounceCh = debounce.C
			} else {
				debounce.Reset(debounceWindow)
			}

		case <-debounceCh:
			debounce = nil
			debounceCh = nil
			w.logger.Info("seed file changed, syncing schedule")
			if err := w.rec.SyncFromStore(ctx); err != nil {
				w.logger.Error("sync after seed change failed", log.Error(err))
			}

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("file watcher error", log.Error(err))

		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}
