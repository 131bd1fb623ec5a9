// Package message renders a Mail into MIME headers and a multipart body.
package message

import (
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"log/slog"
	"mime"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/shineum/mailer-lite/internal/email"
	"github.com/shineum/mailer-lite/internal/validator"
)

const (
	// DefaultMailer is the X-Mailer value used when none is configured.
	DefaultMailer = "mailer-lite"

	boundaryPrefix = "----=_NextPart_"
	crlf           = "\r\n"

	// base64 line length from RFC 2045.
	base64LineLength = 76

	incompatibleNotice = "This message contains HTML content that your mail client cannot display. " +
		"Please open it with an HTML compatible mail client."
)

// Builder creates message headers and bodies. Output depends only on the
// Mail, the boundary, the clock and the attachment files.
type Builder struct {
	mailType email.MailType
	mailer   string
	now      func() time.Time
	fs       afero.Fs
	logger   *slog.Logger
}

// Option configures a Builder.
type Option func(*Builder)

// WithMailType sets the content policy. Unknown types fall back to
// text-or-html.
func WithMailType(t email.MailType) Option {
	return func(b *Builder) {
		if t.Valid() {
			b.mailType = t
		}
	}
}

// WithMailer sets the X-Mailer header value.
func WithMailer(name string) Option {
	return func(b *Builder) {
		if name != "" {
			b.mailer = name
		}
	}
}

// WithClock replaces time.Now for the Date header.
func WithClock(now func() time.Time) Option {
	return func(b *Builder) { b.now = now }
}

// WithFs sets the filesystem attachments are read from.
func WithFs(fs afero.Fs) Option {
	return func(b *Builder) { b.fs = fs }
}

// WithLogger sets the logger. A nil logger discards output.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Builder) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// New creates a Builder reading attachments from the OS filesystem.
func New(opts ...Option) *Builder {
	b := &Builder{
		mailType: email.MailTypeTextOrHTML,
		mailer:   DefaultMailer,
		now:      time.Now,
		fs:       afero.NewOsFs(),
		logger:   slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// NewBoundary returns a fresh multipart boundary token.
func NewBoundary() string {
	sum := md5.Sum([]byte(time.Now().Format(time.RFC3339Nano) + uuid.NewString()))
	return boundaryPrefix + hex.EncodeToString(sum[:])
}

// Compose builds the headers and body of mail under a new boundary.
func (b *Builder) Compose(mail *email.Mail) (headers, body, boundary string) {
	boundary = NewBoundary()
	return b.CreateHeaders(mail, boundary), b.CreateMessage(mail, boundary), boundary
}

// CreateHeaders renders the header block of mail, each field terminated by
// CRLF.
func (b *Builder) CreateHeaders(mail *email.Mail, boundary string) string {
	var sb strings.Builder

	header(&sb, "MIME-Version", "1.0")
	header(&sb, "To", formatReceivers(mail))
	header(&sb, "Subject", encodeWord(mail.Subject))
	header(&sb, "Date", b.now().Format(time.RFC1123Z))
	header(&sb, "Message-ID", messageID(boundary, mail.From.Email))
	header(&sb, "From", mail.From.String())

	if mail.ReplyTo != nil {
		header(&sb, "Reply-To", mail.ReplyTo.String())
	}
	if mail.Sender != nil {
		header(&sb, "Sender", mail.Sender.String())
		header(&sb, "X-Sender", mail.Sender.String())
	}
	if len(mail.Cc) > 0 {
		header(&sb, "Cc", email.JoinAddresses(mail.Cc))
	}
	if len(mail.Bcc) > 0 {
		header(&sb, "Bcc", email.JoinAddresses(mail.Bcc))
	}

	header(&sb, "X-Mailer", b.mailer)
	header(&sb, "Content-Type", `multipart/related; boundary="`+boundary+`"`)

	return sb.String()
}

// CreateMessage renders the multipart body of mail. The mail type decides
// between a single text part and an HTML alternative with a text fallback.
// Attachments whose files are missing are skipped.
func (b *Builder) CreateMessage(mail *email.Mail, boundary string) string {
	var sb strings.Builder

	if b.usesHTML(mail) {
		b.writeAlternative(&sb, mail, boundary)
	} else {
		openPart(&sb, boundary)
		writeTextPart(&sb, "text/plain", mail.Text)
	}

	for _, att := range mail.Attachments {
		b.writeAttachment(&sb, att, boundary)
	}

	sb.WriteString("--" + boundary + "--" + crlf)
	return sb.String()
}

// usesHTML reports whether mail is rendered with its HTML body. Under
// text-or-html that is the case only for a well-formed HTML body, the same
// rule the validator accepts the mail by.
func (b *Builder) usesHTML(mail *email.Mail) bool {
	switch b.mailType {
	case email.MailTypeHTML:
		return true
	case email.MailTypeText:
		return false
	default:
		return validator.ValidHTML(mail.HTML)
	}
}

func (b *Builder) writeAlternative(sb *strings.Builder, mail *email.Mail, boundary string) {
	alt := "alt" + boundary

	openPart(sb, boundary)
	header(sb, "Content-Type", `multipart/alternative; boundary="`+alt+`"`)
	sb.WriteString(crlf)

	text := mail.Text
	if text == "" {
		text = incompatibleNotice
	}

	openPart(sb, alt)
	writeTextPart(sb, "text/plain", text)
	openPart(sb, alt)
	writeTextPart(sb, "text/html", mail.HTML)
	sb.WriteString("--" + alt + "--" + crlf)
}

func (b *Builder) writeAttachment(sb *strings.Builder, att email.Attachment, boundary string) {
	content, err := att.Content(b.fs)
	if err != nil {
		b.logger.Warn("skipping attachment",
			"path", att.Path,
			"error", err,
		)
		return
	}

	name := att.Name()
	id := url.QueryEscape(name)

	openPart(sb, boundary)
	header(sb, "Content-Type", mime.FormatMediaType("application/octet-stream", map[string]string{"name": name}))
	header(sb, "Content-Transfer-Encoding", "base64")
	header(sb, "Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name}))
	header(sb, "Content-ID", "<"+id+">")
	header(sb, "X-Attachment-Id", id)
	sb.WriteString(crlf)

	encoded := base64.StdEncoding.EncodeToString(content)
	for len(encoded) > base64LineLength {
		sb.WriteString(encoded[:base64LineLength] + crlf)
		encoded = encoded[base64LineLength:]
	}
	if encoded != "" {
		sb.WriteString(encoded + crlf)
	}
}

func header(sb *strings.Builder, name, value string) {
	sb.WriteString(name + ": " + value + crlf)
}

func openPart(sb *strings.Builder, boundary string) {
	sb.WriteString("--" + boundary + crlf)
}

func writeTextPart(sb *strings.Builder, contentType, content string) {
	header(sb, "Content-Type", contentType+"; charset=utf-8")
	header(sb, "Content-Transfer-Encoding", "8bit")
	sb.WriteString(crlf)
	sb.WriteString(content + crlf)
}

func formatReceivers(mail *email.Mail) string {
	if len(mail.Receivers) == 0 {
		return ""
	}
	if !mail.Multi {
		return mail.Receivers[0].String()
	}
	return email.JoinAddresses(mail.Receivers)
}

// encodeWord returns s as an RFC 2047 base64 encoded word.
func encodeWord(s string) string {
	return "=?UTF-8?B?" + base64.StdEncoding.EncodeToString([]byte(s)) + "?="
}

func messageID(boundary, from string) string {
	domain := "localhost"
	if i := strings.LastIndex(from, "@"); i >= 0 && i < len(from)-1 {
		domain = from[i+1:]
	}
	return "<" + strings.TrimPrefix(boundary, boundaryPrefix) + "@" + domain + ">"
}
