// Package stream implements the open/close/busy lifecycle shared by every
// I/O handle of the delivery pipeline.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrNotOpen is returned by Do when the stream is not in the Open state.
var ErrNotOpen = errors.New("stream is not open")

// Status is the lifecycle state of a Stream.
type Status int

// Stream states. The error variants are terminal until a forced Open or Close.
const (
	StatusClosed Status = iota
	StatusOpen
	StatusBusy
	StatusCloseError
	StatusReadingError
	StatusWritingError
	StatusSendingError
)

var statusNames = map[Status]string{
	StatusClosed:       "closed",
	StatusOpen:         "open",
	StatusBusy:         "busy",
	StatusCloseError:   "close_error",
	StatusReadingError: "reading_error",
	StatusWritingError: "writing_error",
	StatusSendingError: "sending_error",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// IsError reports whether s is one of the terminal error states.
func (s Status) IsError() bool {
	return s >= StatusCloseError
}

// Op names the kind of I/O performed inside Do. It decides which error
// state the stream enters when the operation fails.
type Op int

// I/O operations.
const (
	OpRead Op = iota
	OpWrite
	OpSend
)

func (o Op) failure() Status {
	switch o {
	case OpRead:
		return StatusReadingError
	case OpWrite:
		return StatusWritingError
	default:
		return StatusSendingError
	}
}

// Resource is the raw handle managed by a Stream, e.g. a socket or a file.
type Resource interface {
	Open(ctx context.Context) error
	Close() error
}

// Option configures a Stream.
type Option func(*Stream)

// WithLogger sets the log sink. A nil logger drops all diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Stream) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithName sets the name used in log lines.
func WithName(name string) Option {
	return func(s *Stream) {
		s.name = name
	}
}

// WithAfterOpen registers a hook that runs right after the resource is
// opened. A failing hook releases the resource and leaves the stream in
// StatusSendingError.
func WithAfterOpen(fn func(ctx context.Context) error) Option {
	return func(s *Stream) {
		s.afterOpen = fn
	}
}

// Stream owns exactly one Resource and tracks its lifecycle.
// A Stream is not safe for concurrent use.
type Stream struct {
	name      string
	res       Resource
	held      bool
	status    Status
	logger    *slog.Logger
	afterOpen func(ctx context.Context) error
}

// New creates a closed Stream around res.
func New(res Resource, opts ...Option) *Stream {
	s := &Stream{
		name:   "stream",
		res:    res,
		status: StatusClosed,
		logger: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Status returns the current lifecycle state.
func (s *Stream) Status() Status {
	return s.status
}

// IsOpen reports whether the stream is open and idle.
func (s *Stream) IsOpen() bool {
	return s.status == StatusOpen
}

// IsClosed reports whether the stream is closed.
func (s *Stream) IsClosed() bool {
	return s.status == StatusClosed
}

// Open opens the underlying resource. Without force it is only allowed from
// StatusClosed; with force the stream is closed first, whatever its state.
func (s *Stream) Open(ctx context.Context, force bool) bool {
	if force {
		s.Close(true)
	} else if s.status != StatusClosed {
		s.logger.Warn("stream open refused",
			"stream", s.name,
			"status", s.status.String(),
		)
		return false
	}

	if err := s.res.Open(ctx); err != nil {
		s.logger.Error("failed to open stream",
			"stream", s.name,
			"error", err,
		)
		s.setStatus(StatusClosed)
		return false
	}
	s.held = true
	s.setStatus(StatusOpen)

	if s.afterOpen != nil {
		if err := s.afterOpen(ctx); err != nil {
			s.logger.Error("stream after-open hook failed",
				"stream", s.name,
				"error", err,
			)
			if rerr := s.release(); rerr != nil {
				s.logger.Warn("failed to release stream after hook failure",
					"stream", s.name,
					"error", rerr,
				)
			}
			s.setStatus(StatusSendingError)
			return false
		}
	}

	return true
}

// Close releases the underlying resource. Without force it is refused while
// the stream is busy or in StatusCloseError. A failed non-forced release
// moves the stream to StatusCloseError and returns false.
func (s *Stream) Close(force bool) bool {
	if !force && (s.status == StatusBusy || s.status == StatusCloseError) {
		s.logger.Warn("stream close refused",
			"stream", s.name,
			"status", s.status.String(),
		)
		return false
	}

	if err := s.release(); err != nil {
		if !force {
			s.logger.Error("failed to close stream",
				"stream", s.name,
				"error", err,
			)
			s.setStatus(StatusCloseError)
			return false
		}
		s.logger.Debug("error while force closing stream",
			"stream", s.name,
			"error", err,
		)
	}

	s.setStatus(StatusClosed)
	return true
}

// Do runs fn as a single read or write on the open stream. The stream is
// busy while fn runs and returns to open on success. On failure it enters
// the error state matching op.
func (s *Stream) Do(op Op, fn func() error) error {
	if s.status != StatusOpen {
		return fmt.Errorf("%s is %s: %w", s.name, s.status, ErrNotOpen)
	}

	s.setStatus(StatusBusy)
	if err := fn(); err != nil {
		s.setStatus(op.failure())
		s.logger.Error("stream operation failed",
			"stream", s.name,
			"status", s.status.String(),
			"error", err,
		)
		return err
	}
	s.setStatus(StatusOpen)
	return nil
}

// release closes the resource at most once per opened session.
func (s *Stream) release() error {
	if !s.held {
		return nil
	}
	s.held = false
	return s.res.Close()
}

func (s *Stream) setStatus(status Status) {
	if s.status == status {
		return
	}
	s.logger.Debug("stream status changed",
		"stream", s.name,
		"from", s.status.String(),
		"to", status.String(),
	)
	s.status = status
}
