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

// Package tasks registers the built-in task functions available to function
// jobs out of the box.
package tasks

import (
	"context"
	"fmt"
	"syscall"
	"time"

	"github.com/tasktime/tasktime/internal/executor"
)

// RegisterBuiltins adds the built-in task functions to the executor registry.
func RegisterBuiltins() {
	executor.Register("tasks:heartbeat", heartbeat)
	executor.Register("tasks:disk_usage", diskUsage)
}

// heartbeat returns a timestamped message, optionally echoing a "message"
// kwarg. Useful for verifying that function scheduling works end to end.
func heartbeat(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
	msg := "alive"
	if m, ok := kwargs["message"].(string); ok && m != "" {
		msg = m
	}
	return map[string]any{
		"message": msg,
		"time":    time.Now().UTC().Format(time.RFC3339),
	}, nil
}

// diskUsage reports usage for a filesystem path (kwarg "path", default "/")
// and fails when usage exceeds an optional "threshold_percent" kwarg.
func diskUsage(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
	path := "/"
	if p, ok := kwargs["path"].(string); ok && p != "" {
		path = p
	}

	var fs syscall.Statfs_t
	if err := syscall.Statfs(path, &fs); err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}

	total := fs.Blocks * uint64(fs.Bsize)
	free := fs.Bavail * uint64(fs.Bsize)
	used := total - free
	var percent float64
	if total > 0 {
		percent = float64(used) / float64(total) * 100
	}

	report := map[string]any{
		"path":         path,
		"total_bytes":  total,
		"used_bytes":   used,
		"free_bytes":   free,
		"used_percent": percent,
	}

	if threshold, ok := kwargs["threshold_percent"].(float64); ok && percent > threshold {
		return report, fmt.Errorf("disk usage %.1f%% exceeds threshold %.1f%%", percent, threshold)
	}
	return report, nil
}
