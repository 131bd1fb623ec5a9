package transport

import (
	"errors"
	"fmt"
	"io"
	"net/mail"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/shineum/mailer-lite/internal/email"
)

// Receivers is a receiver field given either as one address or as a list.
type Receivers struct {
	Addresses []string
	Multi     bool
}

// One returns a single receiver.
func One(addr string) Receivers {
	return Receivers{Addresses: []string{addr}}
}

// Many returns a receiver list.
func Many(addrs ...string) Receivers {
	return Receivers{Addresses: addrs, Multi: true}
}

// UnmarshalYAML accepts a scalar address or a sequence of addresses.
func (r *Receivers) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		*r = One(node.Value)
		return nil
	case yaml.SequenceNode:
		var list []string
		if err := node.Decode(&list); err != nil {
			return err
		}
		*r = Many(list...)
		return nil
	default:
		return fmt.Errorf("line %d: receivers must be an address or a list of addresses", node.Line)
	}
}

// Data is a mail request as supplied by callers. Addresses use RFC 5322
// form, "Name <user@example.com>" or "user@example.com".
type Data struct {
	Subject     string    `yaml:"subject"`
	From        string    `yaml:"from"`
	ReplyTo     string    `yaml:"reply_to"`
	Sender      string    `yaml:"sender"`
	To          Receivers `yaml:"to"`
	Cc          []string  `yaml:"cc"`
	Bcc         []string  `yaml:"bcc"`
	Text        string    `yaml:"text"`
	HTML        string    `yaml:"html"`
	Attachments []string  `yaml:"attachments"`
}

// LoadData decodes a YAML mail request. Unknown fields are rejected.
func LoadData(r io.Reader) (*Data, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var data Data
	if err := dec.Decode(&data); err != nil {
		return nil, fmt.Errorf("failed to parse mail request: %w", err)
	}
	return &data, nil
}

// CreateMail normalises data into a Mail. Addresses that do not parse are
// kept verbatim so the validator can reject or drop them.
func CreateMail(data *Data) (*email.Mail, error) {
	if data == nil {
		return nil, errors.New("mail request is nil")
	}

	m := &email.Mail{
		Subject:   strings.TrimSpace(data.Subject),
		From:      parseAddress(data.From),
		ReplyTo:   optionalAddress(data.ReplyTo),
		Sender:    optionalAddress(data.Sender),
		Receivers: parseAddresses(data.To.Addresses),
		Multi:     data.To.Multi,
		Cc:        email.UniqueAddresses(parseAddresses(data.Cc)),
		Bcc:       email.UniqueAddresses(parseAddresses(data.Bcc)),
		Text:      data.Text,
		HTML:      data.HTML,
	}
	for _, path := range data.Attachments {
		m.Attachments = append(m.Attachments, email.Attachment{Path: path})
	}
	return m, nil
}

func parseAddress(raw string) email.Address {
	raw = strings.TrimSpace(raw)
	addr, err := mail.ParseAddress(raw)
	if err != nil {
		return email.Address{Email: raw}
	}
	return email.Address{Email: addr.Address, Name: addr.Name}
}

func optionalAddress(raw string) *email.Address {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	a := parseAddress(raw)
	return &a
}

func parseAddresses(list []string) []email.Address {
	if len(list) == 0 {
		return nil
	}
	result := make([]email.Address, 0, len(list))
	for _, raw := range list {
		result = append(result, parseAddress(raw))
	}
	return result
}
