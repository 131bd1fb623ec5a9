package smtp

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"os"
	"time"
)

// Backend is the I/O primitive set the protocol engine runs on.
type Backend interface {
	// Open establishes the connection.
	Open(ctx context.Context) error
	// ReadLine reads one reply line of at most 512 bytes, including the line
	// ending. A zero deadline disables the read timeout. On error the data
	// read so far is returned.
	ReadLine(deadline time.Time) (string, error)
	// Write sends p as is.
	Write(p []byte) error
	// StartTLS upgrades the open connection to TLS.
	StartTLS(ctx context.Context) error
	// Close releases the connection.
	Close() error
}

// socketBackend is a Backend over a TCP connection, optionally wrapped in TLS.
type socketBackend struct {
	addr        string
	implicitTLS bool
	timeout     time.Duration
	tlsConfig   *tls.Config

	conn   net.Conn
	reader *bufio.Reader
}

func newSocketBackend(addr string, implicitTLS bool, timeout time.Duration, tlsConfig *tls.Config) *socketBackend {
	return &socketBackend{
		addr:        addr,
		implicitTLS: implicitTLS,
		timeout:     timeout,
		tlsConfig:   tlsConfig,
	}
}

func (b *socketBackend) Open(ctx context.Context) error {
	dialer := net.Dialer{Timeout: b.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", b.addr)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", b.addr, err)
	}

	if b.implicitTLS {
		tlsConn := tls.Client(conn, b.tlsConfig)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return fmt.Errorf("TLS handshake with %s failed: %w", b.addr, err)
		}
		conn = tlsConn
	}

	b.conn = conn
	b.reader = bufio.NewReaderSize(conn, maxReplyLength)
	return nil
}

func (b *socketBackend) ReadLine(deadline time.Time) (string, error) {
	if b.conn == nil {
		return "", net.ErrClosed
	}
	if err := b.conn.SetReadDeadline(deadline); err != nil {
		return "", err
	}

	line, err := b.reader.ReadSlice('\n')
	if !errors.Is(err, bufio.ErrBufferFull) {
		return string(line), err
	}

	// Overlong reply line: keep the bounded prefix and drop the rest of the
	// line so the next read starts on a line boundary.
	prefix := string(line)
	for errors.Is(err, bufio.ErrBufferFull) {
		_, err = b.reader.ReadSlice('\n')
	}
	return prefix, err
}

func (b *socketBackend) Write(p []byte) error {
	if b.conn == nil {
		return net.ErrClosed
	}
	if b.timeout > 0 {
		if err := b.conn.SetWriteDeadline(time.Now().Add(b.timeout)); err != nil {
			return err
		}
	}
	_, err := b.conn.Write(p)
	return err
}

func (b *socketBackend) StartTLS(ctx context.Context) error {
	if b.conn == nil {
		return net.ErrClosed
	}

	tlsConn := tls.Client(b.conn, b.tlsConfig)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return fmt.Errorf("TLS handshake failed: %w", err)
	}

	b.conn = tlsConn
	b.reader = bufio.NewReaderSize(tlsConn, maxReplyLength)
	return nil
}

func (b *socketBackend) Close() error {
	if b.conn == nil {
		return nil
	}
	err := b.conn.Close()
	b.conn = nil
	b.reader = nil
	return err
}

// isTimeout reports whether err is a read or write deadline expiry.
func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
