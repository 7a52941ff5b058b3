package notifier

import (
	"context"
	"errors"
	"html"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	tele "gopkg.in/telebot.v4"
)

// Telegram rejects messages over 4096 characters; keep headroom for tags.
const telegramChunkRunes = 3500

// TelegramConfig configures the send-only bot.
type TelegramConfig struct {
	Token  string
	ChatID int64
	URL    string // API base; empty means the public API
}

// TelegramSink posts messages to one chat. It never polls for updates.
type TelegramSink struct {
	bot  *tele.Bot
	chat *tele.Chat
}

func NewTelegramSink(cfg TelegramConfig) (*TelegramSink, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat_id is required")
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		URL:     cfg.URL,
		Offline: true,
		Client:  &http.Client{Timeout: 8 * time.Second},
	})
	if err != nil {
		return nil, err
	}
	return &TelegramSink{bot: b, chat: &tele.Chat{ID: cfg.ChatID}}, nil
}

// Send posts the rendered parts in order. A failure midway is returned as
// is; the pipeline retries the whole message.
func (s *TelegramSink) Send(ctx context.Context, m Message) error {
	opts := &tele.SendOptions{ParseMode: tele.ModeHTML, DisableWebPagePreview: true}
	for _, part := range renderTelegram(m) {
		done := make(chan error, 1)
		go func() {
			_, err := s.bot.Send(s.chat, part, opts)
			done <- err
		}()
		select {
		case err := <-done:
			if err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// renderTelegram turns m into HTML messages: a bold subject followed by the
// body in <pre> blocks, one block per chunk so every message has balanced
// tags.
func renderTelegram(m Message) []string {
	var head string
	if m.Subject != "" && m.Subject != "alert" {
		head = "<b>" + html.EscapeString(m.Subject) + "</b>"
	}
	body := strings.TrimRight(m.Body, "\n")
	if body == "" {
		if head == "" {
			return nil
		}
		return []string{head}
	}
	chunks := chunkRunes(body, telegramChunkRunes)
	out := make([]string, 0, len(chunks))
	for i, c := range chunks {
		part := "<pre>" + html.EscapeString(c) + "</pre>"
		if i == 0 && head != "" {
			part = head + "\n" + part
		}
		out = append(out, part)
	}
	return out
}

// chunkRunes splits s into pieces of at most limit runes, preferring a
// newline boundary in the last two thirds of each window.
func chunkRunes(s string, limit int) []string {
	if limit < 128 {
		limit = 128
	}
	var out []string
	start := 0
	for start < len(s) {
		runes, end := 0, start
		lastNL, lastNLRunes := -1, 0
		for end < len(s) && runes < limit {
			r, size := utf8.DecodeRuneInString(s[end:])
			if r == '\n' {
				lastNL = end + size
				lastNLRunes = runes + 1
			}
			runes++
			end += size
		}
		if end < len(s) && lastNL != -1 && lastNLRunes >= limit/3 {
			end = lastNL
		}
		if c := strings.TrimRight(s[start:end], "\n"); c != "" {
			out = append(out, c)
		}
		start = end
		for start < len(s) && s[start] == '\n' {
			start++
		}
	}
	return out
}
