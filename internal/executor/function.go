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
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"sync"
)

// TaskFunc is a registered task function. Args and kwargs arrive as decoded
// JSON values.
type TaskFunc func(ctx context.Context, args []any, kwargs map[string]any) (any, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]TaskFunc)
)

// Register adds a named task function to the process-wide registry. Names
// follow the "module:function" form. Later registrations replace earlier ones.
func Register(name string, fn TaskFunc) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = fn
}

// Lookup returns the registered function for name.
func Lookup(name string) (TaskFunc, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	fn, ok := registry[name]
	return fn, ok
}

// RegisteredNames returns the registry's keys, sorted.
func RegisteredNames() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// functionPayload crosses the re-exec boundary as base64 JSON.
type functionPayload struct {
	Name   string         `json:"name"`
	Args   []any          `json:"args,omitempty"`
	Kwargs map[string]any `json:"kwargs,omitempty"`
}

// EncodeFunctionPayload serializes a function invocation for --run-function.
func EncodeFunctionPayload(p FunctionParams) (string, error) {
	data, err := json.Marshal(functionPayload{Name: p.Name(), Args: p.Args, Kwargs: p.Kwargs})
	if err != nil {
		return "", fmt.Errorf("failed to serialize function payload: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// RunFunctionPayload decodes a --run-function payload, invokes the registered
// function, and prints its return value. Invoked from the child process.
func RunFunctionPayload(ctx context.Context, encoded string, out, errOut *os.File) int {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		fmt.Fprintf(errOut, "invalid payload: %v\n", err)
		return 1
	}
	var p functionPayload
	if err := json.Unmarshal(data, &p); err != nil {
		fmt.Fprintf(errOut, "invalid payload: %v\n", err)
		return 1
	}

	fn, ok := Lookup(p.Name)
	if !ok {
		fmt.Fprintf(errOut, "unknown task function %q\n", p.Name)
		return 1
	}

	ret, err := fn(ctx, p.Args, p.Kwargs)
	if err != nil {
		fmt.Fprintf(errOut, "%v\n", err)
		return 1
	}
	if ret != nil {
		if data, err := json.Marshal(ret); err == nil {
			fmt.Fprintln(out, string(data))
		}
	}
	return 0
}

// runInternal invokes a registered function inside the daemon process. Only
// internal housekeeping tasks use this path; they need access to live daemon
// state, which a re-exec'd child does not have.
func (d *Dispatcher) runInternal(ctx context.Context, p FunctionParams) result {
	fn, ok := Lookup(p.Name())
	if !ok {
		return result{exitCode: -1, err: fmt.Errorf("unknown task function %q", p.Name())}
	}

	ret, err := fn(ctx, p.Args, p.Kwargs)
	if err != nil {
		return result{exitCode: 1, err: err}
	}
	if ret == nil {
		return result{}
	}
	data, err := json.Marshal(ret)
	if err != nil {
		return result{}
	}
	return result{stdout: string(data) + "\n"}
}

// runFunction executes a registered function in a child process so that a
// crashing or runaway function cannot take down the daemon. A payload that
// fails to serialize is a permanent failure.
func (d *Dispatcher) runFunction(ctx context.Context, p FunctionParams) result {
	if p.Module == "" || p.Function == "" {
		return result{exitCode: -1, err: errors.New("function tasks require module and function")}
	}

	payload, err := EncodeFunctionPayload(p)
	if err != nil {
		return result{exitCode: -1, err: err}
	}

	self := d.selfPath
	if self == "" {
		self, err = os.Executable()
		if err != nil {
			return result{exitCode: -1, err: fmt.Errorf("failed to locate daemon binary: %w", err)}
		}
	}

	cmd := exec.CommandContext(ctx, self, "--run-function", payload)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err = cmd.Run()
	if err == nil {
		return result{stdout: stdout.String(), stderr: stderr.String()}
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return result{stdout: stdout.String(), stderr: stderr.String(), exitCode: exitErr.ExitCode()}
	}
	return result{stdout: stdout.String(), stderr: stderr.String(), exitCode: -1, err: err}
}
