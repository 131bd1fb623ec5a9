package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/shineum/mailer-lite/internal/smtptest"
)

const mailRequest = `
subject: Restore password request
from: Example <noreply@example.com>
to: User <user@example.com>
text: Follow the link below to restore your password.
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{"SMTP_HOST", "SMTP_PORT", "SMTP_USERNAME", "SMTP_PASSWORD", "TRANSPORT", "MAIL_TYPE", "SES_REGION", "GRAPH_TENANT_ID", "LOG_LEVEL"} {
		t.Setenv(name, "")
	}
}

func TestRun_Stdout(t *testing.T) {
	clearEnv(t)

	var out, errOut bytes.Buffer
	code := run(context.Background(), []string{"--transport", "stdout"}, strings.NewReader(mailRequest), &out, &errOut)
	if code != 0 {
		t.Fatalf("exit code: got %d, want 0 (log: %s)", code, errOut.String())
	}
	if !strings.Contains(out.String(), "Subject: Restore password request") {
		t.Errorf("stdout transport output missing subject:\n%s", out.String())
	}
}

func TestRun_SMTP(t *testing.T) {
	clearEnv(t)

	srv, err := smtptest.NewServer(smtptest.Config{})
	if err != nil {
		t.Fatalf("failed to start test server: %v", err)
	}
	defer srv.Close()

	cfgPath := writeConfig(t, "smtp:\n  host: "+srv.Host()+"\n  port: "+strconv.Itoa(srv.Port())+"\n")
	mailPath := filepath.Join(t.TempDir(), "mail.yaml")
	if err := os.WriteFile(mailPath, []byte(mailRequest), 0o600); err != nil {
		t.Fatalf("failed to write mail request: %v", err)
	}

	var out, errOut bytes.Buffer
	code := run(context.Background(), []string{"-c", cfgPath, "-m", mailPath}, nil, &out, &errOut)
	if code != 0 {
		t.Fatalf("exit code: got %d, want 0 (log: %s)", code, errOut.String())
	}
	if len(srv.Messages()) != 1 {
		t.Errorf("messages: got %d, want 1", len(srv.Messages()))
	}
}

func TestRun_Failures(t *testing.T) {
	tests := []struct {
		name  string
		args  []string
		stdin string
	}{
		{name: "unknown flag", args: []string{"--bogus"}, stdin: mailRequest},
		{name: "unknown transport", args: []string{"-t", "pigeon"}, stdin: mailRequest},
		{name: "invalid mail", args: []string{"-t", "stdout"}, stdin: "subject: Hi\nfrom: a@example.com\nto: b@example.com\n"},
		{name: "malformed request", args: []string{"-t", "stdout"}, stdin: "subject: [unterminated\n"},
		{name: "missing mail file", args: []string{"-t", "stdout", "-m", "/nonexistent/mail.yaml"}},
		{name: "missing config file", args: []string{"-c", "/nonexistent/config.yaml"}, stdin: mailRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)

			var out, errOut bytes.Buffer
			if code := run(context.Background(), tt.args, strings.NewReader(tt.stdin), &out, &errOut); code != 1 {
				t.Errorf("exit code: got %d, want 1", code)
			}
		})
	}
}

func TestNewLogger_Level(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, "warn")

	logger.Info("hidden")
	logger.Warn("shown")

	if strings.Contains(buf.String(), "hidden") {
		t.Error("info record should be filtered at warn level")
	}
	if !strings.Contains(buf.String(), `"msg":"shown"`) {
		t.Errorf("warn record missing: %s", buf.String())
	}
}
