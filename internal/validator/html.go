package validator

import (
	"io"
	"strings"

	"golang.org/x/net/html"
)

var voidElements = map[string]bool{
	"area": true, "base": true, "br": true, "col": true, "embed": true,
	"hr": true, "img": true, "input": true, "link": true, "meta": true,
	"source": true, "track": true, "wbr": true,
}

// Elements whose end tag may be omitted.
var optionalEnd = map[string]bool{
	"html": true, "head": true, "body": true, "p": true, "li": true,
	"dt": true, "dd": true, "option": true, "optgroup": true, "tr": true,
	"td": true, "th": true, "thead": true, "tbody": true, "tfoot": true,
	"colgroup": true, "rt": true, "rp": true,
}

// ValidHTML reports whether s is a non-empty HTML fragment whose tags are
// balanced. Void elements and elements with optional end tags may be left
// open.
func ValidHTML(s string) bool {
	if strings.TrimSpace(s) == "" {
		return false
	}

	z := html.NewTokenizer(strings.NewReader(s))
	var open []string

	for {
		switch z.Next() {
		case html.ErrorToken:
			if z.Err() != io.EOF {
				return false
			}
			for _, tag := range open {
				if !optionalEnd[tag] {
					return false
				}
			}
			return true

		case html.StartTagToken:
			name, _ := z.TagName()
			if tag := string(name); !voidElements[tag] {
				open = append(open, tag)
			}

		case html.EndTagToken:
			name, _ := z.TagName()
			tag := string(name)
			if voidElements[tag] {
				continue
			}
			for len(open) > 0 && open[len(open)-1] != tag && optionalEnd[open[len(open)-1]] {
				open = open[:len(open)-1]
			}
			if len(open) == 0 || open[len(open)-1] != tag {
				return false
			}
			open = open[:len(open)-1]
		}
	}
}
