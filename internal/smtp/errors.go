package smtp

import (
	"errors"
	"fmt"

	"github.com/shineum/mailer-lite/internal/email"
)

// ErrLineBreak is returned when a command line contains CR or LF.
var ErrLineBreak = errors.New("command contains a line break")

// CommandError describes a failed SMTP command. It wraps one of the email
// taxonomy errors (ErrProtocol, ErrTimeout, ErrConnection, ErrAuthentication).
type CommandError struct {
	Command  string
	Expected []int
	Code     int
	Extended string
	Detail   string
	Err      error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("smtp: %s failed: expected %v, got %d", e.Command, e.Expected, e.Code)
	if e.Extended != "" {
		msg += " (" + e.Extended + ")"
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// asAuthError reclassifies a protocol failure during the AUTH exchange as an
// authentication failure.
func asAuthError(err error) error {
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) && errors.Is(cmdErr.Err, email.ErrProtocol) {
		cmdErr.Err = email.ErrAuthentication
	}
	return err
}
