package smtptest

import (
	"encoding/base64"
	"fmt"
)

// authenticator checks AUTH LOGIN credentials against the configured pair.
type authenticator struct {
	username string
	password string
}

// enabled returns true if authentication credentials are configured.
func (a authenticator) enabled() bool {
	return a.username != "" && a.password != ""
}

// verifyLogin verifies base64-encoded AUTH LOGIN credentials.
func (a authenticator) verifyLogin(encodedUser, encodedPass string) error {
	user, err := base64.StdEncoding.DecodeString(encodedUser)
	if err != nil {
		return fmt.Errorf("invalid base64 username")
	}

	pass, err := base64.StdEncoding.DecodeString(encodedPass)
	if err != nil {
		return fmt.Errorf("invalid base64 password")
	}

	if string(user) != a.username || string(pass) != a.password {
		return fmt.Errorf("authentication failed")
	}

	return nil
}
