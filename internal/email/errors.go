package email

import "errors"

// Error taxonomy of the delivery pipeline. Failures are wrapped around one of
// these so callers can classify them with errors.Is.
var (
	ErrValidation     = errors.New("mail validation failed")
	ErrConnection     = errors.New("connection failed")
	ErrAuthentication = errors.New("authentication failed")
	ErrProtocol       = errors.New("unexpected smtp reply")
	ErrTimeout        = errors.New("smtp reply timed out")
	ErrClose          = errors.New("failed to close stream")

	ErrAttachmentMissing = errors.New("attachment file not found")
)
