// Package validator checks a Mail against the configured content policy
// before any network I/O is attempted.
package validator

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/shineum/mailer-lite/internal/email"
)

// Policy holds the tunable bounds of validation. A zero TextMax means no
// upper limit on the text body.
type Policy struct {
	MailType   email.MailType
	Strict     bool
	SubjectMin int
	SubjectMax int
	NameMin    int
	NameMax    int
	TextMin    int
	TextMax    int
}

// DefaultPolicy returns the stock bounds.
func DefaultPolicy() Policy {
	return Policy{
		MailType:   email.MailTypeTextOrHTML,
		SubjectMin: 5,
		SubjectMax: 60,
		NameMin:    2,
		NameMax:    25,
		TextMin:    15,
	}
}

// Validator validates mail under a fixed Policy.
type Validator struct {
	policy Policy
}

// New creates a Validator. An unknown mail type falls back to text-or-html.
func New(policy Policy) *Validator {
	if !policy.MailType.Valid() {
		policy.MailType = email.MailTypeTextOrHTML
	}
	return &Validator{policy: policy}
}

// Policy returns the policy in use.
func (v *Validator) Policy() Policy {
	return v.policy
}

// Validate checks mail rule by rule and returns the first failure wrapped
// around email.ErrValidation.
func (v *Validator) Validate(mail *email.Mail) error {
	if mail == nil {
		return fmt.Errorf("%w: mail is nil", email.ErrValidation)
	}

	if n := utf8.RuneCountInString(mail.Subject); n < v.policy.SubjectMin || n > v.policy.SubjectMax {
		return fmt.Errorf("%w: subject length %d outside [%d, %d]",
			email.ErrValidation, n, v.policy.SubjectMin, v.policy.SubjectMax)
	}

	if err := v.checkParty("from", mail.From); err != nil {
		return err
	}
	if mail.ReplyTo != nil {
		if err := v.checkParty("reply-to", *mail.ReplyTo); err != nil {
			return err
		}
	}
	if mail.Sender != nil {
		if err := v.checkParty("sender", *mail.Sender); err != nil {
			return err
		}
	}

	if err := v.checkContent(mail); err != nil {
		return err
	}

	valid := v.ValidReceivers(mail)
	if len(valid) == 0 {
		return fmt.Errorf("%w: no valid receiver", email.ErrValidation)
	}
	if v.policy.Strict && len(valid) != len(mail.Receivers) {
		return fmt.Errorf("%w: %d of %d receivers are invalid",
			email.ErrValidation, len(mail.Receivers)-len(valid), len(mail.Receivers))
	}

	for _, list := range []struct {
		name  string
		addrs []email.Address
	}{{"to", mail.Receivers}, {"cc", mail.Cc}, {"bcc", mail.Bcc}} {
		for _, a := range list.addrs {
			if list.name != "to" && !ValidAddress(a.Email) {
				return fmt.Errorf("%w: invalid %s address %q", email.ErrValidation, list.name, a.Email)
			}
			if !ValidName(a.Name) {
				return fmt.Errorf("%w: %s name %q contains control characters", email.ErrValidation, list.name, a.Name)
			}
		}
	}

	return nil
}

// ValidReceivers returns the receivers of mail with a valid address, in
// order. In lenient mode these are the only receivers transmitted.
func (v *Validator) ValidReceivers(mail *email.Mail) []email.Address {
	var valid []email.Address
	for _, r := range mail.Receivers {
		if ValidAddress(r.Email) {
			valid = append(valid, r)
		}
	}
	return valid
}

// ValidName reports whether a display name is free of control characters,
// line breaks included.
func ValidName(name string) bool {
	return !strings.ContainsFunc(name, unicode.IsControl)
}

func (v *Validator) checkParty(field string, a email.Address) error {
	if !ValidAddress(a.Email) {
		return fmt.Errorf("%w: invalid %s address %q", email.ErrValidation, field, a.Email)
	}
	if a.Name == "" {
		return nil
	}
	if !ValidName(a.Name) {
		return fmt.Errorf("%w: %s name %q contains control characters", email.ErrValidation, field, a.Name)
	}
	if n := utf8.RuneCountInString(a.Name); n < v.policy.NameMin || n > v.policy.NameMax {
		return fmt.Errorf("%w: %s name length %d outside [%d, %d]",
			email.ErrValidation, field, n, v.policy.NameMin, v.policy.NameMax)
	}
	return nil
}

func (v *Validator) checkContent(mail *email.Mail) error {
	switch v.policy.MailType {
	case email.MailTypeHTML:
		if !ValidHTML(mail.HTML) {
			return fmt.Errorf("%w: html body is empty or malformed", email.ErrValidation)
		}
	case email.MailTypeText:
		return v.checkText(mail.Text)
	default:
		if mail.HTML != "" && ValidHTML(mail.HTML) {
			return nil
		}
		if err := v.checkText(mail.Text); err != nil {
			return fmt.Errorf("%w (no valid html body either)", err)
		}
	}
	return nil
}

func (v *Validator) checkText(text string) error {
	n := utf8.RuneCountInString(text)
	if n < v.policy.TextMin {
		return fmt.Errorf("%w: text length %d below %d", email.ErrValidation, n, v.policy.TextMin)
	}
	if v.policy.TextMax > 0 && n > v.policy.TextMax {
		return fmt.Errorf("%w: text length %d above %d", email.ErrValidation, n, v.policy.TextMax)
	}
	return nil
}
