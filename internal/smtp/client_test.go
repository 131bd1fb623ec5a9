package smtp

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shineum/mailer-lite/internal/email"
	"github.com/shineum/mailer-lite/internal/stream"
)

// fakeBackend implements Backend with a scripted server.
type fakeBackend struct {
	mu sync.Mutex

	// replies overrides the reply for a command verb, "." or USERNAME/PASSWORD.
	replies map[string]string
	// silent never answers; reads block until their deadline.
	silent  bool
	openErr error

	pending  []string
	written  []string
	verbs    []string
	inData   bool
	authStep int

	opens    int
	closes   int
	startTLS int
}

func (f *fakeBackend) Open(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens++
	if f.openErr != nil {
		return f.openErr
	}
	f.pending = nil
	f.inData = false
	f.authStep = 0
	f.queue(f.reply("GREETING", "220 fake.test ESMTP"))
	return nil
}

func (f *fakeBackend) ReadLine(deadline time.Time) (string, error) {
	f.mu.Lock()
	if f.silent || len(f.pending) == 0 {
		f.mu.Unlock()
		if deadline.IsZero() {
			return "", io.EOF
		}
		time.Sleep(time.Until(deadline))
		return "", os.ErrDeadlineExceeded
	}
	defer f.mu.Unlock()
	line := f.pending[0]
	f.pending = f.pending[1:]
	return line, nil
}

func (f *fakeBackend) Write(p []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	line := strings.TrimSuffix(string(p), "\r\n")
	f.written = append(f.written, line)

	if f.inData {
		if line == "." {
			f.inData = false
			f.verbs = append(f.verbs, ".")
			f.queue(f.reply(".", "250 2.0.0 queued"))
		}
		return nil
	}

	switch f.authStep {
	case 1:
		f.authStep = 2
		f.verbs = append(f.verbs, "USERNAME")
		f.queue(f.reply("USERNAME", "334 UGFzc3dvcmQ6"))
		return nil
	case 2:
		f.authStep = 0
		f.verbs = append(f.verbs, "PASSWORD")
		f.queue(f.reply("PASSWORD", "235 2.7.0 Authentication successful"))
		return nil
	}

	verb := strings.ToUpper(strings.SplitN(line, " ", 2)[0])
	f.verbs = append(f.verbs, verb)

	defaults := map[string]string{
		"EHLO":     "250-fake.test\r\n250-AUTH LOGIN\r\n250 HELP",
		"HELO":     "250 fake.test",
		"STARTTLS": "220 Ready to start TLS",
		"AUTH":     "334 VXNlcm5hbWU6",
		"MAIL":     "250 2.1.0 OK",
		"RCPT":     "250 2.1.5 OK",
		"DATA":     "354 Go ahead",
		"QUIT":     "221 Bye",
	}
	r := f.reply(verb, defaults[verb])
	if r == "" {
		r = "500 Unrecognized command"
	}
	f.queue(r)

	switch {
	case verb == "DATA" && strings.HasPrefix(r, "354"):
		f.inData = true
	case verb == "AUTH" && strings.HasPrefix(r, "334"):
		f.authStep = 1
	}
	return nil
}

func (f *fakeBackend) StartTLS(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startTLS++
	return nil
}

func (f *fakeBackend) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

func (f *fakeBackend) reply(key, fallback string) string {
	if r, ok := f.replies[key]; ok {
		return r
	}
	return fallback
}

// queue splits a reply into lines as they would arrive on the wire.
func (f *fakeBackend) queue(reply string) {
	for _, line := range strings.Split(reply, "\r\n") {
		f.pending = append(f.pending, line+"\r\n")
	}
}

func (f *fakeBackend) count(verb string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, v := range f.verbs {
		if v == verb {
			n++
		}
	}
	return n
}

func (f *fakeBackend) sequence() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return strings.Join(f.verbs, " ")
}

const testMessage = "Hello,\r\n\r\nplease follow the link to restore your password.\r\n.signature\r\n"

func TestClient_Send(t *testing.T) {
	t.Parallel()

	fake := &fakeBackend{}
	c := NewWithBackend(Config{Host: "mx.test"}, fake, nil)

	err := c.Send(context.Background(), "sender@example.com", []string{"user@example.com"}, testMessage, "Subject: Restore password request\r\n")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got, want := fake.sequence(), "HELO MAIL RCPT DATA . QUIT"; got != want {
		t.Errorf("command sequence: got %q, want %q", got, want)
	}
	for _, verb := range []string{"MAIL", "RCPT", "DATA", "."} {
		if n := fake.count(verb); n != 1 {
			t.Errorf("%s count: got %d, want 1", verb, n)
		}
	}
	if fake.closes != 1 {
		t.Errorf("connection should be closed once, got %d", fake.closes)
	}
	if c.Status() != stream.StatusClosed {
		t.Errorf("status: got %s, want closed", c.Status())
	}

	written := strings.Join(fake.written, "\n")
	for _, want := range []string{
		"MAIL FROM:<sender@example.com>",
		"RCPT TO:<user@example.com>",
		"Subject: Restore password request\n\nHello,",
		"..signature",
	} {
		if !strings.Contains(written, want) {
			t.Errorf("written data should contain %q", want)
		}
	}
}

func TestClient_Send_RcptRejected(t *testing.T) {
	t.Parallel()

	fake := &fakeBackend{replies: map[string]string{
		"RCPT": "550 5.1.1 mailbox unavailable",
	}}
	c := NewWithBackend(Config{Host: "mx.test"}, fake, nil)

	err := c.Send(context.Background(), "sender@example.com", []string{"nobody@example.com"}, testMessage, "")
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if !errors.Is(err, email.ErrProtocol) {
		t.Errorf("error should wrap ErrProtocol: %v", err)
	}

	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) {
		t.Fatalf("error should be a *CommandError: %T", err)
	}
	if cmdErr.Command != "RCPT TO" || cmdErr.Code != 550 || cmdErr.Extended != "5.1.1" {
		t.Errorf("command error: got %s %d %s", cmdErr.Command, cmdErr.Code, cmdErr.Extended)
	}
	if fake.count("DATA") != 0 {
		t.Error("DATA must not be sent after a rejected RCPT TO")
	}
	if fake.closes != 1 {
		t.Errorf("connection should be force closed, got %d closes", fake.closes)
	}
	if c.Status() != stream.StatusClosed {
		t.Errorf("status: got %s, want closed", c.Status())
	}
}

func TestClient_Send_Timeout(t *testing.T) {
	t.Parallel()

	fake := &fakeBackend{silent: true}
	c := NewWithBackend(Config{Host: "mx.test", TimeLimit: 200 * time.Millisecond}, fake, nil)

	start := time.Now()
	err := c.Send(context.Background(), "sender@example.com", []string{"user@example.com"}, testMessage, "")
	elapsed := time.Since(start)

	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if !errors.Is(err, email.ErrTimeout) {
		t.Errorf("error should wrap ErrTimeout: %v", err)
	}
	if elapsed < 200*time.Millisecond {
		t.Errorf("send returned before the time limit: %v", elapsed)
	}
	if elapsed > 3*time.Second {
		t.Errorf("send took too long: %v", elapsed)
	}
	if fake.closes != 1 {
		t.Errorf("connection should be released, got %d closes", fake.closes)
	}
}

func TestClient_GetResponse_TimeLimit(t *testing.T) {
	t.Parallel()

	fake := &fakeBackend{}
	c := NewWithBackend(Config{Host: "mx.test", Timeout: 50 * time.Millisecond}, fake, nil)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Close(true)

	// Nothing pending: the per-read timeout fires.
	raw, err := c.GetResponse(context.Background(), time.Second)
	if raw != "" {
		t.Errorf("raw: got %q, want empty", raw)
	}
	if !isTimeout(err) {
		t.Errorf("error should be a timeout: %v", err)
	}
	if c.Status() != stream.StatusReadingError {
		t.Errorf("status: got %s, want %s", c.Status(), stream.StatusReadingError)
	}
}

func TestClient_Send_Authenticated(t *testing.T) {
	t.Parallel()

	fake := &fakeBackend{}
	c := NewWithBackend(Config{
		Host:     "mx.test",
		Username: "user",
		Password: "secret",
	}, fake, nil)

	err := c.Send(context.Background(), "sender@example.com", []string{"user@example.com"}, testMessage, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got, want := fake.sequence(), "EHLO AUTH USERNAME PASSWORD MAIL RCPT DATA . QUIT"; got != want {
		t.Errorf("command sequence: got %q, want %q", got, want)
	}

	written := strings.Join(fake.written, "\n")
	if !strings.Contains(written, base64.StdEncoding.EncodeToString([]byte("user"))) {
		t.Error("username should be sent base64 encoded")
	}
	if !strings.Contains(written, base64.StdEncoding.EncodeToString([]byte("secret"))) {
		t.Error("password should be sent base64 encoded")
	}
}

func TestClient_Send_AuthRejected(t *testing.T) {
	t.Parallel()

	fake := &fakeBackend{replies: map[string]string{
		"PASSWORD": "535 5.7.8 Authentication credentials invalid",
	}}
	c := NewWithBackend(Config{Host: "mx.test", Username: "user", Password: "wrong"}, fake, nil)

	err := c.Send(context.Background(), "sender@example.com", []string{"user@example.com"}, testMessage, "")
	if !errors.Is(err, email.ErrAuthentication) {
		t.Fatalf("error should wrap ErrAuthentication: %v", err)
	}
	if fake.count("MAIL") != 0 {
		t.Error("MAIL FROM must not be sent after failed authentication")
	}
	if c.Status() != stream.StatusClosed {
		t.Errorf("status: got %s, want closed", c.Status())
	}
}

func TestClient_Send_StartTLS(t *testing.T) {
	t.Parallel()

	fake := &fakeBackend{}
	c := NewWithBackend(Config{Host: "tls://mx.test"}, fake, nil)

	err := c.Send(context.Background(), "sender@example.com", []string{"user@example.com"}, testMessage, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got, want := fake.sequence(), "EHLO STARTTLS EHLO MAIL RCPT DATA . QUIT"; got != want {
		t.Errorf("command sequence: got %q, want %q", got, want)
	}
	if fake.startTLS != 1 {
		t.Errorf("StartTLS calls: got %d, want 1", fake.startTLS)
	}
}

func TestClient_Send_MultipleReceiversAndVERP(t *testing.T) {
	t.Parallel()

	fake := &fakeBackend{replies: map[string]string{
		"RCPT": "251 User not local; will forward",
	}}
	c := NewWithBackend(Config{Host: "mx.test", VERP: true}, fake, nil)

	receivers := []string{"a@example.com", "b@example.com", "c@example.com"}
	if err := c.Send(context.Background(), "sender@example.com", receivers, testMessage, ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n := fake.count("RCPT"); n != 3 {
		t.Errorf("RCPT count: got %d, want 3", n)
	}
	if fake.written[1] != "MAIL FROM:<sender@example.com> XVERP" {
		t.Errorf("MAIL FROM line: got %q", fake.written[1])
	}
}

func TestClient_Send_GreetingRejected(t *testing.T) {
	t.Parallel()

	fake := &fakeBackend{replies: map[string]string{
		"GREETING": "554 5.3.2 no service",
	}}
	c := NewWithBackend(Config{Host: "mx.test"}, fake, nil)

	err := c.Send(context.Background(), "sender@example.com", []string{"user@example.com"}, testMessage, "")
	if !errors.Is(err, email.ErrProtocol) {
		t.Fatalf("error should wrap ErrProtocol: %v", err)
	}
	if len(fake.written) != 0 {
		t.Errorf("nothing should be written, got %q", fake.written)
	}
	if fake.closes != 1 {
		t.Errorf("closes: got %d, want 1", fake.closes)
	}
}

func TestClient_Connect_Refused(t *testing.T) {
	t.Parallel()

	fake := &fakeBackend{openErr: errors.New("connection refused")}
	c := NewWithBackend(Config{Host: "mx.test"}, fake, nil)

	err := c.Connect(context.Background())
	if !errors.Is(err, email.ErrConnection) {
		t.Fatalf("error should wrap ErrConnection: %v", err)
	}
	if c.Status() != stream.StatusClosed {
		t.Errorf("status: got %s, want closed", c.Status())
	}
	if c.IsAvailable(context.Background()) {
		t.Error("IsAvailable should report false")
	}
}

func TestClient_SendCommand_RejectsLineBreaks(t *testing.T) {
	t.Parallel()

	fake := &fakeBackend{}
	c := NewWithBackend(Config{Host: "mx.test"}, fake, nil)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Close(true)

	before := len(fake.written)
	err := c.SendCommand(context.Background(), "RCPT TO", "RCPT TO:<a@example.com>\r\nDATA", 250)
	if !errors.Is(err, ErrLineBreak) {
		t.Fatalf("error should wrap ErrLineBreak: %v", err)
	}
	if len(fake.written) != before {
		t.Error("nothing should be written for an injected command")
	}
}

func TestClient_SendMail_WrapsLongLines(t *testing.T) {
	t.Parallel()

	fake := &fakeBackend{}
	c := NewWithBackend(Config{Host: "mx.test"}, fake, nil)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Close(true)

	body := strings.Repeat("z", 1500)
	if err := c.SendMail(context.Background(), "a@example.com", []string{"b@example.com"}, body, ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, line := range fake.written {
		if len(line) > maxLineLength {
			t.Errorf("line of %d bytes exceeds limit", len(line))
		}
	}
}
