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
	"errors"
	"fmt"
	"html/template"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/smtp"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"

	"github.com/tasktime/tasktime/internal/config"
	"github.com/tasktime/tasktime/internal/log"
)

// mailer sends email tasks over SMTP with STARTTLS.
type mailer struct {
	host        string
	port        int
	sender      string
	templateDir string
	logger      *slog.Logger

	// sendFunc is swapped in tests.
	sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func (m *mailer) send(ctx context.Context, p EmailParams) result {
	if len(p.To) == 0 {
		return result{exitCode: -1, err: errors.New("email tasks require at least one recipient")}
	}
	if m.host == "" || m.sender == "" {
		return result{exitCode: -1, err: errors.New("SMTP is not configured")}
	}

	password := os.Getenv(config.EmailPasswordEnv)
	if password == "" {
		return result{exitCode: -1,
			err: fmt.Errorf("%s is not set", config.EmailPasswordEnv)}
	}

	body, bodyType, err := m.renderBody(p)
	if err != nil {
		return result{exitCode: -1, err: err}
	}

	msg, err := m.buildMessage(p, body, bodyType)
	if err != nil {
		return result{exitCode: -1, err: err}
	}

	addr := fmt.Sprintf("%s:%d", m.host, m.port)
	auth := smtp.PlainAuth("", m.sender, password, m.host)

	sendFunc := m.sendFunc
	if sendFunc == nil {
		sendFunc = smtp.SendMail
	}
	if err := sendFunc(addr, auth, m.sender, p.To, msg); err != nil {
		return result{exitCode: 1, err: fmt.Errorf("failed to send email: %w", err)}
	}

	return result{stdout: fmt.Sprintf("Email sent to %s", strings.Join(p.To, ", "))}
}

// renderBody produces the body and its content subtype. A named template
// forces html regardless of body_type.
func (m *mailer) renderBody(p EmailParams) (string, string, error) {
	if p.Template != "" {
		tmpl, err := template.ParseFiles(filepath.Join(m.templateDir, p.Template))
		if err != nil {
			return "", "", fmt.Errorf("failed to load email template: %w", err)
		}
		var buf bytes.Buffer
		if err := tmpl.Execute(&buf, p.TemplateContext); err != nil {
			return "", "", fmt.Errorf("failed to render email template: %w", err)
		}
		return buf.String(), "html", nil
	}

	bodyType := p.BodyType
	if bodyType == "" {
		bodyType = "plain"
	}
	if bodyType != "plain" && bodyType != "html" {
		return "", "", fmt.Errorf("unsupported body type %q", bodyType)
	}
	return p.Body, bodyType, nil
}

// buildMessage assembles a multipart/related MIME message with the body part
// first and inline image attachments after it, each addressable from html as
// cid:image_N in attachment order. Missing attachment files are skipped with
// a warning.
func (m *mailer) buildMessage(p EmailParams, body, bodyType string) ([]byte, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	fmt.Fprintf(&buf, "From: %s\r\n", m.sender)
	fmt.Fprintf(&buf, "To: %s\r\n", strings.Join(p.To, ", "))
	fmt.Fprintf(&buf, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", p.Subject))
	fmt.Fprintf(&buf, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&buf, "Content-Type: multipart/related; boundary=%q\r\n\r\n", writer.Boundary())

	bodyHeader := textproto.MIMEHeader{}
	bodyHeader.Set("Content-Type", fmt.Sprintf("text/%s; charset=utf-8", bodyType))
	part, err := writer.CreatePart(bodyHeader)
	if err != nil {
		return nil, fmt.Errorf("failed to build message body: %w", err)
	}
	if _, err := part.Write([]byte(body)); err != nil {
		return nil, fmt.Errorf("failed to write message body: %w", err)
	}

	for i, path := range p.Attachments {
		data, err := os.ReadFile(path)
		if err != nil {
			m.logger.Warn("skipping missing email attachment",
				slog.String("path", path), log.Error(err))
			continue
		}

		contentType := mime.TypeByExtension(filepath.Ext(path))
		if contentType == "" {
			contentType = "application/octet-stream"
		}

		header := textproto.MIMEHeader{}
		header.Set("Content-Type", contentType)
		header.Set("Content-Transfer-Encoding", "base64")
		// Set directly: textproto canonicalization would rewrite the key
		// to "Content-Id", not the RFC 2045 "Content-ID" form.
		header["Content-ID"] = []string{fmt.Sprintf("<image_%d>", i)}
		header.Set("Content-Disposition",
			fmt.Sprintf("inline; filename=%q", filepath.Base(path)))

		part, err := writer.CreatePart(header)
		if err != nil {
			return nil, fmt.Errorf("failed to attach %s: %w", path, err)
		}
		if err := writeBase64(part, data); err != nil {
			return nil, fmt.Errorf("failed to attach %s: %w", path, err)
		}
	}

	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish message: %w", err)
	}
	return buf.Bytes(), nil
}

// writeBase64 writes data base64-encoded in RFC 2045 76-column lines.
func writeBase64(w io.Writer, data []byte) error {
	encoded := base64.StdEncoding.EncodeToString(data)
	for len(encoded) > 0 {
		n := 76
		if n > len(encoded) {
			n = len(encoded)
		}
		if _, err := fmt.Fprintf(w, "%s\r\n", encoded[:n]); err != nil {
			return err
		}
		encoded = encoded[n:]
	}
	return nil
}
