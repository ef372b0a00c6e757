package email

import (
	"net/smtp"
	"strings"
	"testing"

	"go.uber.org/zap/zaptest"
)

func TestSendWelcomeWithoutHostOnlyLogs(t *testing.T) {
	s := NewSender("", "", "", "", "noreply@chatty.test", zaptest.NewLogger(t))
	s.sendMail = func(string, smtp.Auth, string, []string, []byte) error {
		t.Fatal("sendMail must not be called without a host")
		return nil
	}
	if err := s.SendWelcome("alice@example.com", "alice", "General"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestSendWelcome(t *testing.T) {
	s := NewSender("smtp.chatty.test", "587", "user", "pass", "noreply@chatty.test", zaptest.NewLogger(t))

	var gotAddr string
	var gotTo []string
	var gotMsg string
	s.sendMail = func(addr string, _ smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotTo, gotMsg = addr, to, string(msg)
		return nil
	}

	if err := s.SendWelcome("alice@example.com", "alice", "General"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotAddr != "smtp.chatty.test:587" {
		t.Errorf("unexpected addr %s", gotAddr)
	}
	if len(gotTo) != 1 || gotTo[0] != "alice@example.com" {
		t.Errorf("unexpected recipients %v", gotTo)
	}
	if !strings.Contains(gotMsg, "Subject: Welcome to Chatty\r\n") {
		t.Error("expected subject header")
	}
	if !strings.Contains(gotMsg, "Hi alice,") {
		t.Error("expected username in body")
	}
}
