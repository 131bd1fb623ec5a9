package smtptest

import (
	"bufio"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"
)

// Session states for the SMTP state machine.
const (
	stateConnected = iota
	stateGreeted
	stateAuthOK
	stateMailFrom
	stateRcptTo
)

// idleTimeout is the maximum time a session can remain idle before being closed.
const idleTimeout = 30 * time.Second

// session handles one client connection.
type session struct {
	server *Server
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
	state  int

	tlsActive bool

	// Current transaction
	mailFrom string
	rcptTo   []string
}

func newSession(server *Server, conn net.Conn) *session {
	return &session{
		server: server,
		conn:   conn,
		reader: bufio.NewReader(conn),
		writer: bufio.NewWriter(conn),
		state:  stateConnected,
	}
}

// handle runs the session until the client disconnects or sends QUIT.
func (s *session) handle() {
	defer s.conn.Close()

	if s.server.config.Silent {
		// Swallow input until the client gives up.
		_, _ = io.Copy(io.Discard, s.conn)
		return
	}

	s.writeLine(s.server.reply(ReplyGreeting, "220 "+s.server.config.Hostname+" ESMTP smtptest"))

	for {
		if err := s.conn.SetDeadline(time.Now().Add(idleTimeout)); err != nil {
			return
		}

		line, err := s.readLine()
		if err != nil {
			return
		}
		if line == "" {
			continue
		}

		cmd, arg := parseCommand(line)
		s.server.record(cmd, line)
		if done := s.handleCommand(cmd, arg); done {
			return
		}
	}
}

// handleCommand processes a single command and returns true if the session should end.
func (s *session) handleCommand(cmd, arg string) bool {
	if r, ok := s.server.config.Replies[cmd]; ok && cmd != "QUIT" {
		s.writeLine(r)
		return false
	}

	switch cmd {
	case "EHLO", "HELO":
		s.handleEHLO(cmd, arg)
	case "STARTTLS":
		s.handleSTARTTLS()
	case "AUTH":
		s.handleAUTH(arg)
	case "MAIL":
		s.handleMAIL(arg)
	case "RCPT":
		s.handleRCPT(arg)
	case "DATA":
		s.handleDATA()
	case "RSET":
		s.resetTransaction()
		s.writeLine("250 OK")
	case "NOOP":
		s.writeLine("250 OK")
	case "QUIT":
		s.writeLine(s.server.reply("QUIT", "221 Bye"))
		return true
	default:
		s.writeLine("500 Unrecognized command")
	}
	return false
}

func (s *session) handleEHLO(cmd, arg string) {
	if arg == "" {
		s.writeLine(fmt.Sprintf("501 Syntax: %s hostname", cmd))
		return
	}

	s.state = stateGreeted
	if cmd == "HELO" {
		s.writeLine(fmt.Sprintf("250 %s Hello %s", s.server.config.Hostname, arg))
		return
	}

	s.writeLine(fmt.Sprintf("250-%s Hello %s", s.server.config.Hostname, arg))
	if s.server.config.TLSConfig != nil && !s.tlsActive {
		s.writeLine("250-STARTTLS")
	}
	if s.server.auth.enabled() {
		s.writeLine("250-AUTH LOGIN")
	}
	s.writeLine("250-PIPELINING")
	s.writeLine("250 HELP")
}

func (s *session) handleSTARTTLS() {
	if s.server.config.TLSConfig == nil {
		s.writeLine("454 TLS not available")
		return
	}
	if s.tlsActive {
		s.writeLine("454 TLS already active")
		return
	}

	s.writeLine("220 Ready to start TLS")

	tlsConn := tls.Server(s.conn, s.server.config.TLSConfig)
	if err := tlsConn.Handshake(); err != nil {
		slog.Debug("smtptest TLS handshake failed", "error", err)
		return
	}

	s.conn = tlsConn
	s.reader = bufio.NewReader(tlsConn)
	s.writer = bufio.NewWriter(tlsConn)
	s.tlsActive = true
	s.state = stateConnected
}

func (s *session) handleAUTH(arg string) {
	if s.state < stateGreeted {
		s.writeLine("503 Send EHLO first")
		return
	}
	if !s.server.auth.enabled() {
		s.writeLine("503 AUTH not available")
		return
	}
	if !strings.EqualFold(strings.TrimSpace(arg), "LOGIN") {
		s.writeLine("504 Unrecognized authentication type")
		return
	}

	s.writeLine("334 VXNlcm5hbWU6")
	user, err := s.readLine()
	if err != nil {
		return
	}
	s.server.record(ReplyUsername, user)
	if r, ok := s.server.config.Replies[ReplyUsername]; ok {
		s.writeLine(r)
		return
	}

	s.writeLine("334 UGFzc3dvcmQ6")
	pass, err := s.readLine()
	if err != nil {
		return
	}
	s.server.record(ReplyPassword, pass)
	if r, ok := s.server.config.Replies[ReplyPassword]; ok {
		s.writeLine(r)
		return
	}

	if err := s.server.auth.verifyLogin(user, pass); err != nil {
		s.writeLine("535 5.7.8 Authentication credentials invalid")
		return
	}

	s.state = stateAuthOK
	s.writeLine("235 2.7.0 Authentication successful")
}

func (s *session) handleMAIL(arg string) {
	if s.server.auth.enabled() && s.state < stateAuthOK {
		s.writeLine("530 5.7.0 Authentication required")
		return
	}
	if s.state < stateGreeted {
		s.writeLine("503 Send EHLO/HELO first")
		return
	}
	if !strings.HasPrefix(strings.ToUpper(arg), "FROM:") {
		s.writeLine("501 Syntax: MAIL FROM:<address>")
		return
	}

	s.mailFrom = extractAddress(arg[5:])
	s.rcptTo = nil
	s.state = stateMailFrom
	s.writeLine("250 2.1.0 OK")
}

func (s *session) handleRCPT(arg string) {
	if s.state < stateMailFrom {
		s.writeLine("503 Send MAIL FROM first")
		return
	}
	if !strings.HasPrefix(strings.ToUpper(arg), "TO:") {
		s.writeLine("501 Syntax: RCPT TO:<address>")
		return
	}

	addr := extractAddress(arg[3:])
	if addr == "" {
		s.writeLine("501 Syntax: RCPT TO:<address>")
		return
	}

	s.rcptTo = append(s.rcptTo, addr)
	s.state = stateRcptTo
	s.writeLine("250 2.1.5 OK")
}

func (s *session) handleDATA() {
	if s.state < stateRcptTo {
		s.writeLine("503 Send RCPT TO first")
		return
	}

	s.writeLine("354 Start mail input; end with <CRLF>.<CRLF>")

	var data strings.Builder
	for {
		line, err := s.readLine()
		if err != nil {
			return
		}
		if line == "." {
			break
		}
		// Dot-stuffing: lines starting with ".." have the leading dot removed
		if strings.HasPrefix(line, "..") {
			line = line[1:]
		}
		data.WriteString(line)
		data.WriteString("\r\n")
	}
	s.server.record(ReplyDataEnd, "")

	if r, ok := s.server.config.Replies[ReplyDataEnd]; ok {
		s.writeLine(r)
		s.resetTransaction()
		return
	}

	s.server.deliver(Message{
		From: s.mailFrom,
		To:   s.rcptTo,
		Data: data.String(),
	})
	s.writeLine("250 2.0.0 OK message queued")
	s.resetTransaction()
}

func (s *session) resetTransaction() {
	s.mailFrom = ""
	s.rcptTo = nil
	if s.server.auth.enabled() && s.state >= stateAuthOK {
		s.state = stateAuthOK
	} else if s.state >= stateGreeted {
		s.state = stateGreeted
	}
}

func (s *session) readLine() (string, error) {
	line, err := s.reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// writeLine writes line to the client, followed by CRLF.
func (s *session) writeLine(line string) {
	if _, err := s.writer.WriteString(line + "\r\n"); err != nil {
		return
	}
	_ = s.writer.Flush()
}

// parseCommand splits a command line into the upper-cased verb and its argument.
func parseCommand(line string) (string, string) {
	parts := strings.SplitN(line, " ", 2)
	cmd := strings.ToUpper(parts[0])
	arg := ""
	if len(parts) > 1 {
		arg = parts[1]
	}
	return cmd, arg
}

// extractAddress extracts an address from a MAIL/RCPT parameter, handling
// both angle-bracket and bare formats. Trailing parameters are ignored.
func extractAddress(s string) string {
	s = strings.TrimSpace(s)

	if strings.HasPrefix(s, "<") {
		end := strings.Index(s, ">")
		if end < 0 {
			return ""
		}
		return s[1:end]
	}

	if i := strings.IndexByte(s, ' '); i >= 0 {
		s = s[:i]
	}
	return s
}
