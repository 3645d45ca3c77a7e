package mail

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestStdoutSendPrintsOneBlock(t *testing.T) {
	var out strings.Builder
	s := NewStdout(&out)
	s.now = func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }

	msg := VerificationMessage("user@example.com", "alice",
		"https://hub.example/api/auth/verify-email?token=abc", "KohakuHub")
	if err := s.Send(context.Background(), msg); err != nil {
		t.Fatalf("Send: %v", err)
	}

	got := out.String()
	for _, want := range []string{
		"To: user@example.com",
		"Subject: [KohakuHub] Verify your email address",
		"https://hub.example/api/auth/verify-email?token=abc",
		"--- end mail ---",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q:\n%s", want, got)
		}
	}
}

func TestVerificationLink(t *testing.T) {
	got := VerificationLink("https://hub.example/", "a b+c")
	want := "https://hub.example/api/auth/verify-email?token=a+b%2Bc"
	if got != want {
		t.Errorf("VerificationLink = %q, want %q", got, want)
	}
}

func TestSMTPEncode(t *testing.T) {
	s := NewSMTP("smtp.example", 587, "hub", "secret", "hub@example.com")
	s.now = func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }

	raw := string(s.encode(&Message{
		To:      "user@example.com",
		Subject: "Verify your email address",
		Body:    "line one\nline two\n",
	}))

	headers, body, ok := strings.Cut(raw, "\r\n\r\n")
	if !ok {
		t.Fatalf("no header/body separator in:\n%q", raw)
	}
	for _, want := range []string{
		"From: hub@example.com",
		"To: user@example.com",
		"Subject: Verify your email address",
		"Date: Sun, 01 Jun 2025 12:00:00 +0000",
		"Content-Type: text/plain; charset=utf-8",
	} {
		if !strings.Contains(headers, want) {
			t.Errorf("headers missing %q:\n%s", want, headers)
		}
	}
	if want := "line one\r\nline two\r\n"; body != want {
		t.Errorf("body = %q, want %q", body, want)
	}
	if strings.Contains(body, "\n") && !strings.Contains(body, "\r\n") {
		t.Error("body uses bare LF line endings")
	}
}
