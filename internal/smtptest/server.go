// Package smtptest provides an in-process SMTP server for tests. It records
// every command and message it receives and can be scripted to reject a
// command or to stay silent.
package smtptest

import (
	"crypto/tls"
	"log/slog"
	"net"
	"strconv"
	"sync"
)

// Reply keys accepted by Config.Replies, besides the command verbs
// (EHLO, HELO, STARTTLS, AUTH, MAIL, RCPT, DATA, QUIT).
const (
	ReplyGreeting = "GREETING"
	ReplyDataEnd  = "."
	ReplyUsername = "USERNAME"
	ReplyPassword = "PASSWORD"
)

// Config holds the configuration for a test server.
type Config struct {
	// Hostname is used in the greeting and EHLO replies.
	Hostname string

	// TLSConfig enables STARTTLS. If nil, STARTTLS is rejected.
	TLSConfig *tls.Config

	// Username and Password require AUTH LOGIN before MAIL FROM.
	Username string
	Password string

	// Replies overrides the reply sent for a command verb or one of the
	// Reply* keys. Values are sent as is followed by CRLF.
	Replies map[string]string

	// Silent makes the server accept connections and never answer.
	Silent bool
}

// Message is a mail transaction received by the server.
type Message struct {
	From string
	To   []string
	Data string
}

// Server is an SMTP server listening on a random local port.
type Server struct {
	config   Config
	auth     authenticator
	listener net.Listener

	mu         sync.Mutex
	commands   []string
	transcript []string
	messages   []Message
	conns      map[net.Conn]struct{}

	// wg tracks in-flight session goroutines.
	wg sync.WaitGroup
}

// NewServer starts a server listening on 127.0.0.1.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Hostname == "" {
		cfg.Hostname = "mx.test.local"
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}

	s := &Server{
		config:   cfg,
		auth:     authenticator{username: cfg.Username, password: cfg.Password},
		listener: ln,
		conns:    make(map[net.Conn]struct{}),
	}

	s.wg.Add(1)
	go s.serve()

	return s, nil
}

func (s *Server) serve() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			// Listener closed.
			return
		}

		s.track(conn, true)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.track(conn, false)
			newSession(s, conn).handle()
		}()
	}
}

// Close stops the listener, drops open connections and waits for sessions
// to finish.
func (s *Server) Close() error {
	err := s.listener.Close()

	s.mu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	return err
}

func (s *Server) track(conn net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[conn] = struct{}{}
	} else {
		delete(s.conns, conn)
	}
}

// Host returns the listening IP address.
func (s *Server) Host() string {
	host, _, _ := net.SplitHostPort(s.listener.Addr().String())
	return host
}

// Port returns the listening port.
func (s *Server) Port() int {
	_, port, _ := net.SplitHostPort(s.listener.Addr().String())
	p, _ := strconv.Atoi(port)
	return p
}

// Commands returns the command verbs received so far, in order. The end of
// message data is recorded as ".".
func (s *Server) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

// Transcript returns every line received from clients outside of DATA.
func (s *Server) Transcript() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.transcript...)
}

// Messages returns the messages accepted so far.
func (s *Server) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.messages...)
}

// Count returns how many times verb was received.
func (s *Server) Count(verb string) int {
	n := 0
	for _, cmd := range s.Commands() {
		if cmd == verb {
			n++
		}
	}
	return n
}

func (s *Server) record(verb, line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if verb != "" {
		s.commands = append(s.commands, verb)
	}
	if line != "" {
		s.transcript = append(s.transcript, line)
	}
}

func (s *Server) deliver(msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msg)
	slog.Debug("smtptest message accepted", "from", msg.From, "rcpt", len(msg.To))
}

func (s *Server) reply(key, fallback string) string {
	if r, ok := s.config.Replies[key]; ok {
		return r
	}
	return fallback
}
