// Package email defines the mail value types consumed by the delivery pipeline.
package email

import (
	"net/mail"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

// Address is a mailbox with an optional display name.
type Address struct {
	Email string
	Name  string
}

// String formats the address as "Name <email>", or the bare email when no
// name is set. Names made of plain words are written as is; any other name
// is quoted or RFC 2047 encoded.
func (a Address) String() string {
	if a.Name == "" {
		return a.Email
	}
	if isPhrase(a.Name) {
		return a.Name + " <" + a.Email + ">"
	}
	return (&mail.Address{Name: a.Name, Address: a.Email}).String()
}

// isPhrase reports whether name is a sequence of RFC 5322 atoms separated by
// single spaces.
func isPhrase(name string) bool {
	if name == "" || strings.HasPrefix(name, " ") || strings.HasSuffix(name, " ") || strings.Contains(name, "  ") {
		return false
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c == ' ':
		case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		case strings.IndexByte("!#$%&'*+-/=?^_`{|}~", c) >= 0:
		default:
			return false
		}
	}
	return true
}

// JoinAddresses formats a list of addresses separated by ", ".
func JoinAddresses(list []Address) string {
	parts := make([]string, 0, len(list))
	for _, a := range list {
		parts = append(parts, a.String())
	}
	return strings.Join(parts, ", ")
}

// Mail represents a mail ready to be validated, built and sent.
// Optional fields are nil when absent. A Mail is never modified by the
// delivery pipeline.
type Mail struct {
	Subject string
	From    Address
	ReplyTo *Address
	Sender  *Address

	// Receivers holds one or many receivers. Multi marks a mail that was
	// addressed to a list, which changes how the To header is rendered.
	Receivers []Address
	Multi     bool

	Cc  []Address
	Bcc []Address

	Text        string
	HTML        string
	Attachments []Attachment
}

// UniqueAddresses collapses addresses sharing the same (case-insensitive)
// email, keeping the first occurrence. A nil input stays nil.
func UniqueAddresses(list []Address) []Address {
	if list == nil {
		return nil
	}

	seen := make(map[string]struct{}, len(list))
	result := make([]Address, 0, len(list))
	for _, a := range list {
		key := strings.ToLower(strings.TrimSpace(a.Email))
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		result = append(result, a)
	}
	return result
}

// Attachment references a local file. The content is read on demand and
// never kept in the value.
type Attachment struct {
	Path string
}

// Name returns the base name of the attachment file.
func (a Attachment) Name() string {
	return filepath.Base(a.Path)
}

// Exists reports whether the attachment file is present on fs.
func (a Attachment) Exists(fs afero.Fs) bool {
	info, err := fs.Stat(a.Path)
	return err == nil && !info.IsDir()
}

// Content reads the attachment file from fs. It returns ErrAttachmentMissing
// if the file does not exist.
func (a Attachment) Content(fs afero.Fs) ([]byte, error) {
	if !a.Exists(fs) {
		return nil, ErrAttachmentMissing
	}
	return afero.ReadFile(fs, a.Path)
}

// MailType is the content policy deciding which bodies of a Mail are
// validated and rendered.
type MailType string

const (
	MailTypeTextOrHTML MailType = "text-or-html"
	MailTypeText       MailType = "text-only"
	MailTypeHTML       MailType = "html-only"
)

// Valid reports whether t is a known mail type.
func (t MailType) Valid() bool {
	switch t {
	case MailTypeTextOrHTML, MailTypeText, MailTypeHTML:
		return true
	}
	return false
}
