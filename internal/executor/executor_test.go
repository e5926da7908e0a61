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
	"context"
	"encoding/json"
	"errors"
	"net/smtp"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tasktime/tasktime/internal/config"
	"github.com/tasktime/tasktime/internal/log"
	"github.com/tasktime/tasktime/internal/store"
)

func newTestDispatcher(t *testing.T) (*Dispatcher, *store.Store) {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := store.Open(context.Background(), store.Config{Path: dbPath, WAL: true})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	logger := log.New(&log.Config{Level: "error", Format: log.FormatText})
	d := New(st, logger, Config{WorkDir: t.TempDir()})
	return d, st
}

func shellRef(jobID, command string) TaskRef {
	params, _ := json.Marshal(ShellParams{Command: command})
	return TaskRef{JobID: jobID, Kind: KindShell, Params: params}
}

func TestShellSuccess(t *testing.T) {
	d, st := newTestDispatcher(t)
	ctx := context.Background()

	out := d.Execute(ctx, shellRef("hello", "echo hello world"))
	assert.Equal(t, store.StatusCompleted, out.Status)
	assert.Equal(t, 0, out.ExitCode)

	logRow, err := st.GetLog(ctx, out.LogID)
	require.NoError(t, err)
	assert.Equal(t, "hello", logRow.JobID)
	assert.Equal(t, "echo hello world", logRow.Command)
	assert.Equal(t, "hello world\n", logRow.Stdout)
	require.NotNil(t, logRow.EndTime)
	require.NotNil(t, logRow.ExitCode)
	assert.Equal(t, 0, *logRow.ExitCode)
}

func TestShellNonzeroExit(t *testing.T) {
	d, st := newTestDispatcher(t)
	ctx := context.Background()

	out := d.Execute(ctx, shellRef("fails", "sh -c 'echo oops >&2; exit 3'"))
	assert.Equal(t, store.StatusFailed, out.Status)
	assert.Equal(t, 3, out.ExitCode)

	logRow, err := st.GetLog(ctx, out.LogID)
	require.NoError(t, err)
	assert.Contains(t, logRow.Stderr, "oops")
	assert.Equal(t, store.StatusFailed, logRow.Status)
}

func TestShellCommandNotFound(t *testing.T) {
	d, _ := newTestDispatcher(t)

	out := d.Execute(context.Background(), shellRef("missing", "definitely-not-a-real-binary-xyz"))
	assert.Equal(t, store.StatusFailed, out.Status)
	assert.Equal(t, 127, out.ExitCode)
}

func TestShellUnparsableCommand(t *testing.T) {
	d, _ := newTestDispatcher(t)

	out := d.Execute(context.Background(), shellRef("bad", `echo "unterminated`))
	assert.Equal(t, store.StatusFailed, out.Status)
}

func TestShellCwdSandbox(t *testing.T) {
	d, _ := newTestDispatcher(t)
	ctx := context.Background()

	for _, cwd := range []string{"..", "../outside", "/etc"} {
		params, _ := json.Marshal(ShellParams{Command: "pwd", Cwd: cwd})
		out := d.Execute(ctx, TaskRef{JobID: "escape", Kind: KindShell, Params: params})
		assert.Equal(t, store.StatusFailed, out.Status, "cwd %q must be rejected", cwd)
	}

	// A relative cwd is created under the work dir.
	params, _ := json.Marshal(ShellParams{Command: "pwd", Cwd: "sub/dir"})
	out := d.Execute(ctx, TaskRef{JobID: "rel", Kind: KindShell, Params: params})
	assert.Equal(t, store.StatusCompleted, out.Status)
}

func TestResolveCwd(t *testing.T) {
	got, err := ResolveCwd("/work", "")
	require.NoError(t, err)
	assert.Equal(t, "/work", got)

	got, err = ResolveCwd("/work", "a/b")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/work", "a", "b"), got)

	_, err = ResolveCwd("/work", "/abs")
	assert.Error(t, err)

	_, err = ResolveCwd("/work", "a/../../b")
	assert.Error(t, err)
}

func TestShellEnvMerge(t *testing.T) {
	d, st := newTestDispatcher(t)
	t.Setenv("TASKTIME_TEST_VAR", "from-parent")

	params, _ := json.Marshal(ShellParams{
		Command: "sh -c 'echo $TASKTIME_TEST_VAR'",
		Env:     map[string]string{"TASKTIME_TEST_VAR": "from-task"},
	})
	out := d.Execute(context.Background(), TaskRef{JobID: "env", Kind: KindShell, Params: params})
	require.Equal(t, store.StatusCompleted, out.Status)

	logRow, err := st.GetLog(context.Background(), out.LogID)
	require.NoError(t, err)
	assert.Equal(t, "from-task\n", logRow.Stdout)
}

func TestShellTimeout(t *testing.T) {
	d, _ := newTestDispatcher(t)

	params, _ := json.Marshal(ShellParams{Command: "sleep 5"})
	start := time.Now()
	out := d.Execute(context.Background(), TaskRef{
		JobID: "slow", Kind: KindShell, Params: params,
		Timeout: 100 * time.Millisecond,
	})
	assert.Equal(t, store.StatusFailed, out.Status)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestShellBackground(t *testing.T) {
	d, st := newTestDispatcher(t)

	params, _ := json.Marshal(ShellParams{Command: "sleep 5"})
	start := time.Now()
	out := d.Execute(context.Background(), TaskRef{
		JobID: "bg", Kind: KindShell, Params: params, RunInBackground: true,
	})
	assert.Equal(t, store.StatusCompleted, out.Status)
	assert.Less(t, time.Since(start), 2*time.Second)

	logRow, err := st.GetLog(context.Background(), out.LogID)
	require.NoError(t, err)
	assert.Equal(t, "Process launched in background.", logRow.Stdout)
}

func TestUnknownKindFails(t *testing.T) {
	d, _ := newTestDispatcher(t)

	out := d.Execute(context.Background(), TaskRef{
		JobID: "x", Kind: "carrier-pigeon", Params: json.RawMessage(`{}`),
	})
	assert.Equal(t, store.StatusFailed, out.Status)
}

func TestFunctionRegistry(t *testing.T) {
	Register("demo:add", func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		sum := 0.0
		for _, a := range args {
			sum += a.(float64)
		}
		return sum, nil
	})
	Register("demo:boom", func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		return nil, errors.New("boom")
	})

	fn, ok := Lookup("demo:add")
	require.True(t, ok)
	got, err := fn(context.Background(), []any{1.0, 2.0}, nil)
	require.NoError(t, err)
	assert.Equal(t, 3.0, got)

	assert.Contains(t, RegisteredNames(), "demo:boom")
	_, ok = Lookup("demo:nope")
	assert.False(t, ok)
}

func TestRunFunctionPayload(t *testing.T) {
	Register("demo:echo", func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		return kwargs["msg"], nil
	})

	payload, err := EncodeFunctionPayload(FunctionParams{
		Module: "demo", Function: "echo",
		Kwargs: map[string]any{"msg": "hi"},
	})
	require.NoError(t, err)

	out, err := os.CreateTemp(t.TempDir(), "out")
	require.NoError(t, err)
	defer out.Close()

	code := RunFunctionPayload(context.Background(), payload, out, out)
	assert.Equal(t, 0, code)

	data, err := os.ReadFile(out.Name())
	require.NoError(t, err)
	assert.Equal(t, "\"hi\"\n", string(data))

	// Unknown names and bad payloads exit nonzero.
	badName, err := EncodeFunctionPayload(FunctionParams{Module: "demo", Function: "nope"})
	require.NoError(t, err)
	assert.Equal(t, 1, RunFunctionPayload(context.Background(), badName, out, out))
	assert.Equal(t, 1, RunFunctionPayload(context.Background(), "%%%not-base64", out, out))
}

func TestInternalTaskRunsInProcess(t *testing.T) {
	d, st := newTestDispatcher(t)
	ctx := context.Background()

	// The function mutates state in this process, which a re-exec'd child
	// could never do.
	calls := 0
	Register("daemon:bump", func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		calls++
		return map[string]any{"calls": calls}, nil
	})

	params, _ := json.Marshal(FunctionParams{Module: "daemon", Function: "bump"})
	out := d.Execute(ctx, TaskRef{JobID: "bump", Kind: KindInternal, Params: params})
	assert.Equal(t, store.StatusCompleted, out.Status)
	assert.Equal(t, 1, calls)

	logRow, err := st.GetLog(ctx, out.LogID)
	require.NoError(t, err)
	assert.Equal(t, "daemon:bump", logRow.Command)
	assert.Contains(t, logRow.Stdout, `"calls":1`)
}

func TestInternalTaskFailures(t *testing.T) {
	d, _ := newTestDispatcher(t)
	ctx := context.Background()

	params, _ := json.Marshal(FunctionParams{Module: "daemon", Function: "absent"})
	out := d.Execute(ctx, TaskRef{JobID: "absent", Kind: KindInternal, Params: params})
	assert.Equal(t, store.StatusFailed, out.Status)

	Register("daemon:fail", func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		return nil, errors.New("sync blew up")
	})
	params, _ = json.Marshal(FunctionParams{Module: "daemon", Function: "fail"})
	out = d.Execute(ctx, TaskRef{JobID: "failing", Kind: KindInternal, Params: params})
	assert.Equal(t, store.StatusFailed, out.Status)
	assert.Equal(t, 1, out.ExitCode)
}

func TestEmailRequiresPassword(t *testing.T) {
	d, _ := newTestDispatcher(t)
	d.mailer.host = "smtp.example.com"
	d.mailer.sender = "tasktime@example.com"
	t.Setenv(config.EmailPasswordEnv, "")

	params, _ := json.Marshal(EmailParams{To: []string{"ops@example.com"}, Subject: "hi", Body: "x"})
	out := d.Execute(context.Background(), TaskRef{JobID: "mail", Kind: KindEmail, Params: params})
	assert.Equal(t, store.StatusFailed, out.Status)
}

func TestEmailMessageBuild(t *testing.T) {
	d, _ := newTestDispatcher(t)
	d.mailer.host = "smtp.example.com"
	d.mailer.sender = "tasktime@example.com"
	t.Setenv(config.EmailPasswordEnv, "secret")

	var sent []byte
	var sentTo []string
	d.mailer.sendFunc = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		sent = msg
		sentTo = to
		return nil
	}

	params, _ := json.Marshal(EmailParams{
		To:          []string{"ops@example.com"},
		Subject:     "Nightly report",
		Body:        "<b>done</b>",
		BodyType:    "html",
		Attachments: []string{"/nonexistent/chart.png"},
	})
	out := d.Execute(context.Background(), TaskRef{JobID: "mail", Kind: KindEmail, Params: params})
	require.Equal(t, store.StatusCompleted, out.Status)

	assert.Equal(t, []string{"ops@example.com"}, sentTo)
	body := string(sent)
	assert.Contains(t, body, "Subject: ")
	assert.Contains(t, body, "multipart/related")
	assert.Contains(t, body, "text/html")
	assert.Contains(t, body, "<b>done</b>")
	// The missing attachment is skipped, not fatal.
	assert.NotContains(t, body, "Content-ID: <image_0>")
}

func TestEmailInlineAttachmentIDs(t *testing.T) {
	d, _ := newTestDispatcher(t)
	d.mailer.host = "smtp.example.com"
	d.mailer.sender = "tasktime@example.com"
	t.Setenv(config.EmailPasswordEnv, "secret")

	dir := t.TempDir()
	png := filepath.Join(dir, "chart.png")
	require.NoError(t, os.WriteFile(png, []byte("not-really-a-png"), 0o644))

	var sent []byte
	d.mailer.sendFunc = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		sent = msg
		return nil
	}

	params, _ := json.Marshal(EmailParams{
		To:          []string{"ops@example.com"},
		Subject:     "charts",
		Body:        `<img src="cid:image_0">`,
		BodyType:    "html",
		Attachments: []string{png},
	})
	out := d.Execute(context.Background(), TaskRef{JobID: "mail", Kind: KindEmail, Params: params})
	require.Equal(t, store.StatusCompleted, out.Status)
	assert.Contains(t, string(sent), "Content-ID: <image_0>")
}

func TestTruncateCapsOutput(t *testing.T) {
	long := strings.Repeat("x", maxCaptureBytes+100)
	got := truncate(long)
	assert.Contains(t, got, "[output truncated]")
	assert.Less(t, len(got), len(long))

	assert.Equal(t, "short", truncate("short"))
}
