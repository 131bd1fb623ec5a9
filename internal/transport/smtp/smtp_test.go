package smtp

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shineum/mailer-lite/internal/email"
	"github.com/shineum/mailer-lite/internal/parser"
	smtpclient "github.com/shineum/mailer-lite/internal/smtp"
	"github.com/shineum/mailer-lite/internal/smtptest"
	"github.com/shineum/mailer-lite/internal/transport"
	"github.com/shineum/mailer-lite/internal/validator"
)

func startServer(t *testing.T, cfg smtptest.Config) *smtptest.Server {
	t.Helper()
	srv, err := smtptest.NewServer(cfg)
	if err != nil {
		t.Fatalf("failed to start test server: %v", err)
	}
	t.Cleanup(func() { srv.Close() })
	return srv
}

func newDispatcher(srv *smtptest.Server, cfg smtpclient.Config) *transport.Dispatcher {
	cfg.Host = srv.Host()
	cfg.Port = srv.Port()

	d := transport.NewDispatcher(nil)
	d.Register(New(smtpclient.New(cfg, nil), transport.NewPipeline(validator.DefaultPolicy()), nil))
	return d
}

func passwordReset() *transport.Data {
	return &transport.Data{
		Subject: "Restore password request",
		From:    "Example <noreply@example.com>",
		To:      transport.One("User <user@example.com>"),
		Text:    "Follow the link below to restore your password.\n.signature",
	}
}

func TestSend_EndToEnd(t *testing.T) {
	t.Parallel()

	srv := startServer(t, smtptest.Config{})
	d := newDispatcher(srv, smtpclient.Config{})

	if !d.Send(context.Background(), passwordReset()) {
		t.Fatal("Send should succeed")
	}

	for verb, want := range map[string]int{"MAIL": 1, "RCPT": 1, "DATA": 1, ".": 1, "QUIT": 1} {
		if got := srv.Count(verb); got != want {
			t.Errorf("%s count: got %d, want %d", verb, got, want)
		}
	}

	msgs := srv.Messages()
	if len(msgs) != 1 {
		t.Fatalf("messages: got %d, want 1", len(msgs))
	}
	if msgs[0].From != "noreply@example.com" {
		t.Errorf("envelope from: got %q", msgs[0].From)
	}

	msg, err := parser.Parse([]byte(msgs[0].Data))
	if err != nil {
		t.Fatalf("delivered message does not parse: %v", err)
	}
	if msg.Subject != "Restore password request" {
		t.Errorf("Subject: got %q", msg.Subject)
	}
	if !strings.Contains(msg.Text, "\n.signature") {
		t.Errorf("dot-stuffed line should arrive unstuffed, got %q", msg.Text)
	}
}

func TestSend_ReceiverRejected(t *testing.T) {
	t.Parallel()

	srv := startServer(t, smtptest.Config{
		Replies: map[string]string{"RCPT": "550 5.1.1 mailbox unavailable"},
	})
	d := newDispatcher(srv, smtpclient.Config{})

	if d.Send(context.Background(), passwordReset()) {
		t.Fatal("Send should fail when RCPT TO is rejected")
	}
	if srv.Count("DATA") != 0 {
		t.Error("DATA must not be issued after a rejected receiver")
	}
}

func TestSend_SilentServer(t *testing.T) {
	t.Parallel()

	srv := startServer(t, smtptest.Config{Silent: true})
	d := newDispatcher(srv, smtpclient.Config{
		Timeout:   100 * time.Millisecond,
		TimeLimit: 300 * time.Millisecond,
	})

	start := time.Now()
	if d.Send(context.Background(), passwordReset()) {
		t.Fatal("Send should fail against a silent server")
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("Send hung for %v", elapsed)
	}
}

func TestSend_InvalidMailNeverConnects(t *testing.T) {
	t.Parallel()

	srv := startServer(t, smtptest.Config{})
	tr := New(smtpclient.New(smtpclient.Config{Host: srv.Host(), Port: srv.Port()}, nil),
		transport.NewPipeline(validator.DefaultPolicy()), nil)

	mail, _ := transport.CreateMail(passwordReset())
	mail.Subject = "Hi"

	if err := tr.Send(context.Background(), mail); !errors.Is(err, email.ErrValidation) {
		t.Errorf("Send: got %v, want ErrValidation", err)
	}
	if len(srv.Commands()) != 0 {
		t.Errorf("no command should reach the server, got %v", srv.Commands())
	}
}

func TestSend_CcAndBccAreReceivers(t *testing.T) {
	t.Parallel()

	srv := startServer(t, smtptest.Config{})
	d := newDispatcher(srv, smtpclient.Config{})

	data := passwordReset()
	data.To = transport.Many("user@example.com", "not-an-address")
	data.Cc = []string{"cc@example.com"}
	data.Bcc = []string{"bcc@example.com"}

	if !d.Send(context.Background(), data) {
		t.Fatal("Send should succeed in lenient mode")
	}
	msgs := srv.Messages()
	if len(msgs) != 1 {
		t.Fatalf("messages: got %d, want 1", len(msgs))
	}
	if got := strings.Join(msgs[0].To, ","); got != "user@example.com,cc@example.com,bcc@example.com" {
		t.Errorf("envelope receivers: got %q", got)
	}
}

func TestIsAvailable(t *testing.T) {
	t.Parallel()

	srv := startServer(t, smtptest.Config{})
	tr := New(smtpclient.New(smtpclient.Config{Host: srv.Host(), Port: srv.Port()}, nil),
		transport.NewPipeline(validator.DefaultPolicy()), nil)

	if tr.Name() != Name {
		t.Errorf("Name(): got %q, want %q", tr.Name(), Name)
	}
	if !tr.IsAvailable(context.Background()) {
		t.Error("IsAvailable should be true for a running server")
	}
}
