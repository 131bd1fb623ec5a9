package smtp

import "strings"

// maxLineLength is the maximum length of a data line, CRLF excluded
// (RFC 5321 4.5.3.1.6).
const maxLineLength = 998

// dataLines normalizes line endings in text and returns the lines to be sent
// after DATA. Long lines are wrapped, header continuations are folded with a
// leading tab and every line starting with "." is dot-stuffed. No returned
// line exceeds maxLineLength, fold and stuffing included.
func dataLines(text string, header bool) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")

	var out []string
	for _, line := range strings.Split(text, "\n") {
		prefix := ""
		for {
			limit := maxLineLength - len(prefix)
			if prefix == "" && strings.HasPrefix(line, ".") {
				limit--
			}
			chunk, rest, more := cutLine(line, limit)
			out = append(out, dotStuff(prefix+chunk))
			if !more {
				break
			}
			line = rest
			if header {
				prefix = "\t"
			}
		}
	}
	return out
}

// cutLine returns the first chunk of line no longer than limit and the
// remainder. It breaks at the last space within the limit, dropping that
// space, or hard splits at limit-1 when there is none. more is false when
// line already fits.
func cutLine(line string, limit int) (chunk, rest string, more bool) {
	if len(line) <= limit {
		return line, "", false
	}
	pos := strings.LastIndexByte(line[:limit], ' ')
	if pos <= 0 {
		pos = limit - 1
		return line[:pos], line[pos:], true
	}
	return line[:pos], line[pos+1:], true
}

// dotStuff doubles a leading "." so the line is not read as end of data.
func dotStuff(line string) string {
	if strings.HasPrefix(line, ".") {
		return "." + line
	}
	return line
}
