package validator

import (
	"regexp"
	"strings"

	"golang.org/x/net/idna"
	"golang.org/x/text/unicode/norm"
)

const (
	maxLocalLength   = 64
	maxAddressLength = 254
)

var (
	localPattern  = regexp.MustCompile("^[A-Za-z0-9!#$%&'*+/=?^_`{|}~-]+(\\.[A-Za-z0-9!#$%&'*+/=?^_`{|}~-]+)*$")
	domainPattern = regexp.MustCompile(`^([A-Za-z0-9]([A-Za-z0-9-]{0,61}[A-Za-z0-9])?\.)+([A-Za-z]{2,63}|xn--[A-Za-z0-9-]{1,59})$`)
)

// ValidAddress reports whether addr is a plain local@domain mailbox. The
// domain may be internationalised; it is NFC normalised and converted to
// its ASCII form before matching.
func ValidAddress(addr string) bool {
	addr = strings.TrimSpace(addr)
	at := strings.LastIndex(addr, "@")
	if at <= 0 || at == len(addr)-1 {
		return false
	}

	local, domain := addr[:at], addr[at+1:]
	if len(local) > maxLocalLength || !localPattern.MatchString(local) {
		return false
	}

	ascii, err := idna.Lookup.ToASCII(norm.NFC.String(domain))
	if err != nil || !domainPattern.MatchString(ascii) {
		return false
	}

	return len(local)+1+len(ascii) <= maxAddressLength
}
