package notifier

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/google/go-cmp/cmp"
	"github.com/jordan-wright/email"

	"buildorch/internal/project"
)

func TestEmailSinkBuildsMessage(t *testing.T) {
	t.Parallel()
	sink, err := NewEmailSink(EmailConfig{Addr: "smtp.example.com:587", From: "buildorch@example.com", Username: "bot", Password: "secret"})
	if err != nil {
		t.Fatal(err)
	}
	var (
		got     *email.Email
		gotAddr string
	)
	sink.send = func(e *email.Email, addr string, a smtp.Auth) error {
		if a == nil {
			t.Error("auth not configured")
		}
		got, gotAddr = e, addr
		return nil
	}

	m := Message{Channel: project.ChannelEmail, Recipients: []string{"a@example.com", "b@example.com"}, Subject: "buildorch: X #1 failure", Body: "Status: failure\n"}
	if err := sink.Send(context.Background(), m); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if gotAddr != "smtp.example.com:587" || got.From != "buildorch@example.com" || got.Subject != m.Subject {
		t.Fatalf("email = %+v to %s", got, gotAddr)
	}
	if diff := cmp.Diff(m.Recipients, got.To); diff != "" {
		t.Fatalf("To mismatch (-want +got):\n%s", diff)
	}
	raw, err := got.Bytes()
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(raw), "Status: failure") {
		t.Fatalf("rendered mail lacks body:\n%s", raw)
	}

	if err := sink.Send(context.Background(), Message{}); err == nil {
		t.Fatal("Send without recipients succeeded")
	}
	if _, err := NewEmailSink(EmailConfig{Addr: "no-port", From: "x@example.com"}); err == nil {
		t.Fatal("bad addr accepted")
	}
}

func TestTelegramSinkPostsToChat(t *testing.T) {
	t.Parallel()
	var (
		gotPath string
		gotBody map[string]any
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"ok":true,"result":{"message_id":7,"date":0,"chat":{"id":42,"type":"group"},"text":"ok"}}`)
	}))
	defer srv.Close()

	sink, err := NewTelegramSink(TelegramConfig{Token: "123:abc", ChatID: 42, URL: srv.URL})
	if err != nil {
		t.Fatalf("NewTelegramSink: %v", err)
	}
	if err := sink.Send(context.Background(), Message{Subject: "buildorch: X #1 failure", Body: "Status: failure"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if gotPath != "/bot123:abc/sendMessage" {
		t.Fatalf("path = %q", gotPath)
	}
	if text, _ := gotBody["text"].(string); !strings.HasPrefix(text, "<b>buildorch: X #1 failure</b>") {
		t.Fatalf("text = %q", text)
	}

	if mode, _ := gotBody["parse_mode"].(string); mode != "HTML" {
		t.Fatalf("parse_mode = %q, want HTML", mode)
	}

	if _, err := NewTelegramSink(TelegramConfig{Token: "x"}); err == nil {
		t.Fatal("missing chat id accepted")
	}
}

func TestRenderTelegramSplitsLongBodies(t *testing.T) {
	t.Parallel()
	line := strings.Repeat("x", 99) + "\n"
	parts := renderTelegram(Message{Subject: "a<b", Body: strings.Repeat(line, 80)})
	if len(parts) != 3 {
		t.Fatalf("parts = %d, want 3", len(parts))
	}
	if !strings.HasPrefix(parts[0], "<b>a&lt;b</b>\n<pre>") {
		t.Fatalf("first part = %.40q", parts[0])
	}
	for i, p := range parts {
		if utf8.RuneCountInString(p) > 4096 {
			t.Fatalf("part %d has %d runes", i, utf8.RuneCountInString(p))
		}
		if !strings.HasSuffix(p, "</pre>") || strings.Contains(p, "\n</pre>") {
			t.Fatalf("part %d not closed on a line boundary", i)
		}
	}
	if got := renderTelegram(Message{Subject: "alert", Body: ""}); got != nil {
		t.Fatalf("empty alert rendered %q", got)
	}
}
