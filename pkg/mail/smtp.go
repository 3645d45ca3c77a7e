package mail

import (
	"context"
	"fmt"
	"mime"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"
)

// SMTP delivers messages through an SMTP relay. STARTTLS is negotiated
// automatically when the relay advertises it.
type SMTP struct {
	addr string
	auth smtp.Auth
	from string
	now  func() time.Time
}

// NewSMTP creates a sender for the relay at host:port. Username may be
// empty for relays that accept unauthenticated submission.
func NewSMTP(host string, port int, username, password, from string) *SMTP {
	var auth smtp.Auth
	if username != "" {
		auth = smtp.PlainAuth("", username, password, host)
	}
	return &SMTP{
		addr: net.JoinHostPort(host, strconv.Itoa(port)),
		auth: auth,
		from: from,
		now:  time.Now,
	}
}

// Send submits the message to the relay. net/smtp has no context
// support, so the submission runs in a goroutine and a cancelled
// context abandons the wait.
func (s *SMTP) Send(ctx context.Context, msg *Message) error {
	done := make(chan error, 1)
	go func() {
		done <- smtp.SendMail(s.addr, s.auth, s.from, []string{msg.To}, s.encode(msg))
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		if err != nil {
			return fmt.Errorf("smtp send to %s: %w", msg.To, err)
		}
		return nil
	}
}

// encode renders the message as an RFC 5322 document with CRLF line
// endings. The subject is Q-encoded so non-ASCII survives transport.
func (s *SMTP) encode(msg *Message) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", s.from)
	fmt.Fprintf(&b, "To: %s\r\n", msg.To)
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", msg.Subject))
	fmt.Fprintf(&b, "Date: %s\r\n", s.now().UTC().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(msg.Body, "\n", "\r\n"))
	return []byte(b.String())
}
