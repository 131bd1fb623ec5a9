// Package parser reads RFC 5322 messages with MIME multipart bodies. It is
// used to summarise rendered mail and to inspect builder output.
package parser

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/mail"
	"strings"
	"time"
)

// Message is the decoded view of a raw mail message.
type Message struct {
	Header mail.Header

	From      string
	To        []string
	Cc        []string
	Bcc       []string
	Subject   string
	MessageID string
	Date      time.Time

	// MediaType is the top-level media type, e.g. "multipart/related".
	MediaType string

	Text  string
	HTML  string
	Parts []Part

	// Skipped lists the media types of parts that were not understood.
	Skipped []string
}

// Part is a decoded attachment.
type Part struct {
	Filename    string
	ContentType string
	ContentID   string
	Content     []byte
}

var wordDecoder = new(mime.WordDecoder)

// Parse decodes raw into a Message. The first text/plain and text/html parts
// become the bodies; parts with a filename or an attachment disposition
// become Parts.
func Parse(raw []byte) (*Message, error) {
	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}

	result := &Message{
		Header:    msg.Header,
		From:      parseAddress(msg.Header.Get("From")),
		To:        parseAddressList(msg.Header.Get("To")),
		Cc:        parseAddressList(msg.Header.Get("Cc")),
		Bcc:       parseAddressList(msg.Header.Get("Bcc")),
		Subject:   decodeHeader(msg.Header.Get("Subject")),
		MessageID: msg.Header.Get("Message-Id"),
	}
	if date, err := msg.Header.Date(); err == nil {
		result.Date = date
	}

	contentType := msg.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "text/plain"
	}

	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		// unparseable content type is read as plain text
		mediaType = "text/plain"
		result.Skipped = append(result.Skipped, contentType)
	}
	result.MediaType = mediaType

	if strings.HasPrefix(mediaType, "multipart/") {
		boundary := params["boundary"]
		if boundary == "" {
			return nil, fmt.Errorf("multipart message missing boundary")
		}
		if err := result.readMultipart(msg.Body, boundary); err != nil {
			return nil, fmt.Errorf("failed to parse multipart message: %w", err)
		}
		return result, nil
	}

	body, err := decodeBody(msg.Body, msg.Header.Get("Content-Transfer-Encoding"))
	if err != nil {
		return nil, fmt.Errorf("failed to read message body: %w", err)
	}
	if mediaType == "text/html" {
		result.HTML = string(body)
	} else {
		result.Text = string(body)
	}
	return result, nil
}

func (m *Message) readMultipart(body io.Reader, boundary string) error {
	reader := multipart.NewReader(body, boundary)

	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read next part: %w", err)
		}

		contentType := part.Header.Get("Content-Type")
		if contentType == "" {
			contentType = "text/plain"
		}
		mediaType, params, err := mime.ParseMediaType(contentType)
		if err != nil {
			m.Skipped = append(m.Skipped, contentType)
			continue
		}

		if strings.HasPrefix(mediaType, "multipart/") {
			if params["boundary"] == "" {
				m.Skipped = append(m.Skipped, mediaType)
				continue
			}
			if err := m.readMultipart(part, params["boundary"]); err != nil {
				return err
			}
			continue
		}

		content, err := decodeBody(part, part.Header.Get("Content-Transfer-Encoding"))
		if err != nil {
			m.Skipped = append(m.Skipped, mediaType)
			continue
		}

		filename := part.FileName()
		if filename == "" {
			filename = params["name"]
		}
		attachment := strings.HasPrefix(part.Header.Get("Content-Disposition"), "attachment")

		switch {
		case attachment || filename != "":
			m.Parts = append(m.Parts, Part{
				Filename:    filename,
				ContentType: mediaType,
				ContentID:   strings.Trim(part.Header.Get("Content-Id"), "<>"),
				Content:     content,
			})
		case mediaType == "text/plain" && m.Text == "":
			m.Text = string(content)
		case mediaType == "text/html" && m.HTML == "":
			m.HTML = string(content)
		default:
			m.Skipped = append(m.Skipped, mediaType)
		}
	}
}

// decodeBody reads r and undoes a base64 transfer encoding. Quoted-printable
// parts are decoded by multipart.Reader already.
func decodeBody(r io.Reader, encoding string) ([]byte, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(strings.TrimSpace(encoding), "base64") {
		return raw, nil
	}

	cleaned := strings.NewReplacer("\r", "", "\n", "").Replace(string(raw))
	decoded, err := base64.StdEncoding.DecodeString(cleaned)
	if err != nil {
		decoded, err = base64.RawStdEncoding.DecodeString(cleaned)
		if err != nil {
			return nil, fmt.Errorf("failed to decode base64 content: %w", err)
		}
	}
	return decoded, nil
}

func decodeHeader(value string) string {
	decoded, err := wordDecoder.DecodeHeader(value)
	if err != nil {
		return value
	}
	return decoded
}

func parseAddress(raw string) string {
	if raw == "" {
		return ""
	}
	addr, err := mail.ParseAddress(raw)
	if err != nil {
		return strings.TrimSpace(raw)
	}
	return addr.Address
}

// parseAddressList returns the bare addresses of a header list, falling back
// to a comma split when the list is not RFC 5322 conformant.
func parseAddressList(raw string) []string {
	if raw == "" {
		return nil
	}

	addresses, err := mail.ParseAddressList(raw)
	if err != nil {
		var result []string
		for _, p := range strings.Split(raw, ",") {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		return result
	}

	result := make([]string, 0, len(addresses))
	for _, addr := range addresses {
		result = append(result, addr.Address)
	}
	return result
}
