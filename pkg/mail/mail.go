// Package mail delivers account mail.
//
// The hub only ever sends short transactional messages (email
// verification, invitations). Delivery is pluggable behind Sender; the
// stdout sender is the default so deployments without an SMTP host still
// surface verification links on the operator's console.
package mail

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"
	"time"
)

// Message is one outbound mail.
type Message struct {
	To      string
	Subject string
	Body    string
}

// Sender delivers messages.
type Sender interface {
	Send(ctx context.Context, msg *Message) error
}

// Stdout writes messages to a stream instead of delivering them.
type Stdout struct {
	mu  sync.Mutex
	w   io.Writer
	now func() time.Time
}

// NewStdout creates a sender that prints to w.
func NewStdout(w io.Writer) *Stdout {
	return &Stdout{w: w, now: time.Now}
}

// Send prints the message as one block so concurrent sends do not
// interleave.
func (s *Stdout) Send(_ context.Context, msg *Message) error {
	var b strings.Builder
	fmt.Fprintf(&b, "--- mail (%s) ---\n", s.now().UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "To: %s\n", msg.To)
	fmt.Fprintf(&b, "Subject: %s\n\n", msg.Subject)
	b.WriteString(strings.TrimRight(msg.Body, "\n"))
	b.WriteString("\n--- end mail ---\n")

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := io.WriteString(s.w, b.String())
	return err
}

// VerificationLink builds the address-confirmation URL for a token.
func VerificationLink(baseURL, token string) string {
	return strings.TrimSuffix(baseURL, "/") + "/api/auth/verify-email?token=" + url.QueryEscape(token)
}

// VerificationMessage builds the address-confirmation mail.
func VerificationMessage(to, username, link, siteName string) *Message {
	return &Message{
		To:      to,
		Subject: fmt.Sprintf("[%s] Verify your email address", siteName),
		Body: fmt.Sprintf(
			"Hi %s,\n\nConfirm this address for your %s account by opening:\n\n  %s\n\nIf you did not register, ignore this message.\n",
			username, siteName, link),
	}
}
