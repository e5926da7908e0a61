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

package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/kballard/go-shellquote"

	"github.com/tasktime/tasktime/internal/log"
)

// exitCommandNotFound mirrors the shell convention for a missing binary.
const exitCommandNotFound = 127

// ResolveCwd validates a task cwd and joins it under workDir. An empty cwd
// resolves to workDir itself. Absolute paths and paths escaping the sandbox
// are rejected.
func ResolveCwd(workDir, cwd string) (string, error) {
	if cwd == "" {
		return workDir, nil
	}
	if filepath.IsAbs(cwd) {
		return "", fmt.Errorf("cwd must be relative, got %q", cwd)
	}
	clean := filepath.Clean(cwd)
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("cwd escapes the working directory: %q", cwd)
	}
	return filepath.Join(workDir, clean), nil
}

// runShell tokenizes and executes a command without shell interpolation.
// Foreground runs wait for completion; background runs report success as soon
// as the process has launched. Timeouts kill the whole process group.
func (d *Dispatcher) runShell(ctx context.Context, p ShellParams, timeout time.Duration, background bool) result {
	words, err := shellquote.Split(p.Command)
	if err != nil {
		return result{exitCode: -1, err: fmt.Errorf("failed to parse command: %w", err)}
	}
	if len(words) == 0 {
		return result{exitCode: -1, err: errors.New("empty command")}
	}

	dir, err := ResolveCwd(d.workDir, p.Cwd)
	if err != nil {
		return result{exitCode: -1, err: err}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return result{exitCode: -1, err: fmt.Errorf("failed to create working directory: %w", err)}
	}

	cmd := exec.Command(words[0], words[1:]...)
	cmd.Dir = dir
	cmd.Env = os.Environ()
	for k, v := range p.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	// Own process group so a timeout can take down children too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		code := -1
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
			code = exitCommandNotFound
		}
		return result{exitCode: code, err: fmt.Errorf("failed to start command: %w", err)}
	}

	if background {
		go func() {
			cmd.Wait()
		}()
		return result{stdout: "Process launched in background."}
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timeoutCh = t.C
	}

	select {
	case err := <-done:
		return finishShell(stdout.String(), stderr.String(), err)
	case <-timeoutCh:
		d.killGroup(cmd)
		<-done
		return result{stdout: stdout.String(), stderr: stderr.String(),
			exitCode: -1, err: fmt.Errorf("command timed out after %s", timeout)}
	case <-ctx.Done():
		d.killGroup(cmd)
		<-done
		return result{stdout: stdout.String(), stderr: stderr.String(),
			exitCode: -1, err: ctx.Err()}
	}
}

// killGroup signals the command's whole process group.
func (d *Dispatcher) killGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil {
		d.logger.Warn("failed to kill process group",
			slog.Int("pid", cmd.Process.Pid), log.Error(err))
		cmd.Process.Kill()
	}
}

func finishShell(stdout, stderr string, err error) result {
	if err == nil {
		return result{stdout: stdout, stderr: stderr}
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return result{stdout: stdout, stderr: stderr, exitCode: exitErr.ExitCode()}
	}
	return result{stdout: stdout, stderr: stderr, exitCode: -1, err: err}
}
