package smtp

import (
	"regexp"
	"strconv"
	"strings"
)

// maxReplyLength is the maximum length of a reply line, CRLF included
// (RFC 5321 4.5.3.1.5).
const maxReplyLength = 512

// replyPattern matches the reply code and an optional enhanced status code
// such as "5.1.1".
var replyPattern = regexp.MustCompile(`^(\d{3})[ -](?:(\d\.\d\.\d{1,2}) )?`)

// Reply is a parsed SMTP server response.
type Reply struct {
	// Code is the three-digit reply code, 0 when none could be read.
	Code int
	// Extended is the enhanced status code, if the server sent one.
	Extended string
	// Detail is the human-readable text of all reply lines.
	Detail string
	// Lines holds the raw reply lines without line endings.
	Lines []string
}

// ParseReply parses a raw, possibly multi-line, SMTP reply.
// Partial or empty input yields a Reply with Code 0.
func ParseReply(raw string) Reply {
	var reply Reply

	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimRight(line, "\r")
		if line != "" {
			reply.Lines = append(reply.Lines, line)
		}
	}
	if len(reply.Lines) == 0 {
		return reply
	}

	details := make([]string, 0, len(reply.Lines))
	if m := replyPattern.FindStringSubmatch(reply.Lines[0]); m != nil {
		reply.Code, _ = strconv.Atoi(m[1])
		reply.Extended = m[2]
		for _, line := range reply.Lines {
			prefix := replyPattern.FindString(line)
			details = append(details, strings.TrimSpace(line[len(prefix):]))
		}
	} else {
		first := reply.Lines[0]
		if len(first) >= 3 {
			reply.Code, _ = strconv.Atoi(first[:3])
		}
		for _, line := range reply.Lines {
			if len(line) > 4 {
				details = append(details, strings.TrimSpace(line[4:]))
			}
		}
	}
	reply.Detail = strings.Join(details, " ")

	return reply
}

// isFinalLine reports whether line ends a reply, i.e. its fourth byte is not
// the continuation marker.
func isFinalLine(line string) bool {
	return len(line) < 4 || line[3] != '-'
}
