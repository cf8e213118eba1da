// Package smtptest provides an in-process SMTP receiver for tests.
package smtptest

import (
	"bufio"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/busybox42/relayq/internal/wire"
)

// Transaction is one message accepted by the Server.
type Transaction struct {
	From       string
	Recipients []string
	// Raw holds the DATA stream exactly as received, without the final
	// ".\r\n" line.
	Raw []byte
	// Body is Raw with dot-stuffing removed.
	Body []byte
}

// Server is a minimal SMTP receiver that ends DATA only on a strict
// CRLF "." CRLF sequence.
type Server struct {
	Addr string
	Host string
	Port int

	ln        net.Listener
	wg        sync.WaitGroup
	mu        sync.Mutex
	txns      []Transaction
	sessions  int
	greeting  string
	mailReply func(from string) string
	rcptReply func(rcpt string) string
	dataReply string
	closeOnce sync.Once
}

// Option configures a Server.
type Option func(*Server)

// WithGreeting sets the banner line, e.g. "554 go away".
func WithGreeting(line string) Option {
	return func(s *Server) { s.greeting = line }
}

// WithMailReply sets the reply to MAIL FROM.
func WithMailReply(fn func(from string) string) Option {
	return func(s *Server) { s.mailReply = fn }
}

// WithRcptReply sets the reply to RCPT TO.
func WithRcptReply(fn func(rcpt string) string) Option {
	return func(s *Server) { s.rcptReply = fn }
}

// WithDataReply sets the reply sent after the end of DATA.
func WithDataReply(line string) Option {
	return func(s *Server) { s.dataReply = line }
}

// ByLocalPart answers RCPT by local part: "delay" gets a 451, "fail" a 550
// and anything else is accepted.
func ByLocalPart(rcpt string) string {
	local, _, _ := strings.Cut(rcpt, "@")
	switch local {
	case "delay":
		return "451 4.2.1 Mailbox temporarily unavailable"
	case "fail":
		return "550 5.1.1 User unknown"
	}
	return "250 2.1.5 Recipient OK"
}

// NewServer starts a Server on 127.0.0.1 and stops it when the test ends.
func NewServer(t testing.TB, opts ...Option) *Server {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	host, port, _ := net.SplitHostPort(ln.Addr().String())
	p, _ := strconv.Atoi(port)

	s := &Server{
		Addr:      ln.Addr().String(),
		Host:      host,
		Port:      p,
		ln:        ln,
		greeting:  "220 fake.test ESMTP ready",
		mailReply: func(string) string { return "250 2.1.0 Sender OK" },
		rcptReply: ByLocalPart,
		dataReply: "250 2.0.0 Message accepted",
	}
	for _, opt := range opts {
		opt(s)
	}

	s.wg.Add(1)
	go s.serve()
	t.Cleanup(s.Close)
	return s
}

// Close stops accepting connections and waits for open sessions.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		s.ln.Close()
		s.wg.Wait()
	})
}

// Transactions returns the messages accepted so far.
func (s *Server) Transactions() []Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Transaction(nil), s.txns...)
}

// Sessions returns the number of connections accepted so far.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions
}

func (s *Server) serve() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.sessions++
		s.mu.Unlock()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer conn.Close()
			s.handle(conn)
		}()
	}
}

func (s *Server) handle(conn net.Conn) {
	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)
	reply := func(lines ...string) bool {
		for _, l := range lines {
			w.WriteString(l + "\r\n")
		}
		return w.Flush() == nil
	}

	if !reply(s.greeting) || !strings.HasPrefix(s.greeting, "2") {
		return
	}

	var txn Transaction
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")
		verb, arg, _ := strings.Cut(line, " ")
		verb = strings.ToUpper(verb)

		switch {
		case verb == "EHLO" || verb == "HELO":
			reply("250-fake.test", "250 HELP")
		case verb == "MAIL" && strings.HasPrefix(strings.ToUpper(arg), "FROM:"):
			txn = Transaction{From: address(arg[5:])}
			reply(s.mailReply(txn.From))
		case verb == "RCPT" && strings.HasPrefix(strings.ToUpper(arg), "TO:"):
			rcpt := address(arg[3:])
			answer := s.rcptReply(rcpt)
			if strings.HasPrefix(answer, "2") {
				txn.Recipients = append(txn.Recipients, rcpt)
			}
			reply(answer)
		case verb == "DATA":
			if len(txn.Recipients) == 0 {
				reply("503 5.5.1 No valid recipients")
				continue
			}
			reply("354 End data with <CR><LF>.<CR><LF>")
			raw, ok := readData(r)
			if !ok {
				return
			}
			txn.Raw = raw
			txn.Body = wire.Decode(raw)
			if strings.HasPrefix(s.dataReply, "2") {
				s.mu.Lock()
				s.txns = append(s.txns, txn)
				s.mu.Unlock()
			}
			txn = Transaction{}
			reply(s.dataReply)
		case verb == "RSET":
			txn = Transaction{}
			reply("250 2.0.0 OK")
		case verb == "NOOP":
			reply("250 2.0.0 OK")
		case verb == "QUIT":
			reply("221 2.0.0 Bye")
			return
		default:
			reply("500 5.5.2 Command not recognized")
		}
	}
}

// readData reads until a line that is exactly ".\r\n".
func readData(r *bufio.Reader) ([]byte, bool) {
	var raw []byte
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, false
		}
		if line == ".\r\n" && (len(raw) == 0 || strings.HasSuffix(string(raw), "\r\n")) {
			return raw, true
		}
		raw = append(raw, line...)
	}
}

func address(arg string) string {
	arg = strings.TrimSpace(arg)
	if i := strings.IndexByte(arg, ' '); i >= 0 {
		arg = arg[:i]
	}
	return strings.TrimSuffix(strings.TrimPrefix(arg, "<"), ">")
}
