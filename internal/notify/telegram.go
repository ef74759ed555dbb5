package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultTelegramTimeout = 5 * time.Second

// Telegram posts messages through the Bot API. BaseURL is overridable
// for tests; the zero value of Client gets a default timeout.
type Telegram struct {
	Token   string
	ChatID  int64
	BaseURL string
	Client  *http.Client
}

func NewTelegram(token string, chatID int64) *Telegram {
	return &Telegram{
		Token:   token,
		ChatID:  chatID,
		BaseURL: "https://api.telegram.org",
		Client:  &http.Client{Timeout: defaultTelegramTimeout},
	}
}

// Enabled reports whether the notifier is configured.
func (t *Telegram) Enabled() bool {
	return t != nil && t.Token != "" && t.ChatID != 0
}

type sendMessageRequest struct {
	ChatID    int64  `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

// SendMessage posts one HTML-formatted message to the configured chat.
func (t *Telegram) SendMessage(ctx context.Context, text string) error {
	if !t.Enabled() {
		return nil
	}
	body, err := json.Marshal(sendMessageRequest{ChatID: t.ChatID, Text: text, ParseMode: "HTML"})
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/bot%s/sendMessage", strings.TrimRight(t.BaseURL, "/"), t.Token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	client := t.Client
	if client == nil {
		client = &http.Client{Timeout: defaultTelegramTimeout}
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("telegram status %d: %s", res.StatusCode, strings.TrimSpace(string(data)))
	}
	return nil
}

// MentionLink renders a clickable user mention for HTML parse mode.
func MentionLink(tgUID int64, alias string) string {
	return fmt.Sprintf(`<a href="tg://user?id=%d">%s</a>`, tgUID, EscapeHTML(alias))
}

// EscapeHTML escapes user-supplied text for HTML parse mode.
func EscapeHTML(s string) string {
	r := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")
	return r.Replace(s)
}
