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
	"os"
	"path/filepath"
	"testing"

	smtpmock "github.com/mocktools/go-smtp-mock/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tasktime/tasktime/internal/config"
	"github.com/tasktime/tasktime/internal/store"
)

func TestEmailSendThroughSMTP(t *testing.T) {
	server := smtpmock.New(smtpmock.ConfigurationAttr{
		LogToStdout:       false,
		LogServerActivity: false,
	})
	require.NoError(t, server.Start())
	defer server.Stop()

	d, _ := newTestDispatcher(t)
	d.mailer.host = "127.0.0.1"
	d.mailer.port = server.PortNumber()
	d.mailer.sender = "tasktime@example.com"
	t.Setenv(config.EmailPasswordEnv, "secret")

	params, _ := json.Marshal(EmailParams{
		To:      []string{"ops@example.com"},
		Subject: "Backup finished",
		Body:    "All good.",
	})
	out := d.Execute(context.Background(), TaskRef{JobID: "notify", Kind: KindEmail, Params: params})
	require.Equal(t, store.StatusCompleted, out.Status)

	messages := server.Messages()
	require.Len(t, messages, 1)
	assert.Contains(t, messages[0].MsgRequest(), "Backup finished")
	assert.Contains(t, messages[0].MsgRequest(), "All good.")
}

func TestEmailTemplateForcesHTML(t *testing.T) {
	dir := t.TempDir()
	tmplPath := filepath.Join(dir, "report.html")
	require.NoError(t, os.WriteFile(tmplPath,
		[]byte("<h1>{{.title}}</h1><p>{{.count}} runs</p>"), 0o644))

	m := &mailer{templateDir: dir}
	body, bodyType, err := m.renderBody(EmailParams{
		Template:        "report.html",
		BodyType:        "plain",
		TemplateContext: map[string]any{"title": "Nightly", "count": 4},
	})
	require.NoError(t, err)
	assert.Equal(t, "html", bodyType)
	assert.Equal(t, "<h1>Nightly</h1><p>4 runs</p>", body)

	_, _, err = m.renderBody(EmailParams{Template: "missing.html"})
	assert.Error(t, err)

	_, _, err = m.renderBody(EmailParams{Body: "x", BodyType: "markdown"})
	assert.Error(t, err)
}
