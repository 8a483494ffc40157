package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	telegramMaxMessageLen   = 4096
	telegramMaxCallbackData = 64
)

// botCommands are published to Telegram so clients can offer completion.
var botCommands = []tgBotCommand{
	{Command: "start", Description: "Show the lessons"},
	{Command: "quiz", Description: "Open a lesson's levels: /quiz <lesson id>"},
	{Command: "levels", Description: "Back to the levels of the current lesson"},
	{Command: "back", Description: "Back to the lesson list"},
	{Command: "quit", Description: "Leave the current level"},
	{Command: "retry", Description: "Retry loading the level result"},
	{Command: "progress", Description: "Overall progress and pass prediction"},
	{Command: "courses", Description: "Browse the course catalog"},
	{Command: "course", Description: "Show a course: /course <id>"},
	{Command: "enroll", Description: "Start a course: /enroll <id>"},
	{Command: "profile", Description: "Change your profile: /profile <field> <value>"},
	{Command: "login", Description: "Sign in: /login <username> <password>"},
	{Command: "logout", Description: "Sign out"},
	{Command: "me", Description: "Show your account"},
}

// TelegramChannel implements the Channel interface for Telegram Bot API.
type TelegramChannel struct {
	token    string
	baseURL  string
	client   *http.Client
	offset   int
	stop     chan struct{}
	stopOnce sync.Once
}

// NewTelegramChannel creates a Telegram channel adapter.
func NewTelegramChannel(token string) (*TelegramChannel, error) {
	if token == "" {
		return nil, fmt.Errorf("telegram bot token is required (LEARN_TELEGRAM_BOT_TOKEN)")
	}
	return &TelegramChannel{
		token:   token,
		baseURL: "https://api.telegram.org/bot" + token,
		client: &http.Client{
			Timeout: 60 * time.Second,
		},
		stop: make(chan struct{}),
	}, nil
}

func (t *TelegramChannel) SendTyping(_ context.Context, userID string) error {
	params := url.Values{
		"chat_id": {userID},
		"action":  {"typing"},
	}
	resp, err := t.client.PostForm(t.baseURL+"/sendChatAction", params)
	if err != nil {
		return fmt.Errorf("sending typing indicator: %w", err)
	}
	_ = resp.Body.Close()
	return nil
}

func (t *TelegramChannel) SendMessage(ctx context.Context, userID string, msg OutboundMessage) error {
	parts := SplitMessage(msg.Text, telegramMaxMessageLen)

	var markup string
	if len(msg.Buttons) > 0 {
		m, err := inlineKeyboard(msg.Buttons)
		if err != nil {
			return err
		}
		markup = m
	}

	for i, part := range parts {
		params := url.Values{
			"chat_id": {userID},
			"text":    {part},
		}
		if msg.ParseMode != "" {
			params.Set("parse_mode", msg.ParseMode)
		}
		// Buttons belong under the last chunk.
		if markup != "" && i == len(parts)-1 {
			params.Set("reply_markup", markup)
		}

		resp, err := t.client.PostForm(t.baseURL+"/sendMessage", params)
		if err != nil {
			return fmt.Errorf("sending Telegram message: %w", err)
		}
		_ = resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			// If Markdown parsing fails, retry without parse mode
			if msg.ParseMode != "" && resp.StatusCode == http.StatusBadRequest {
				slog.Warn("Telegram markdown parse failed, retrying plain")
				params.Del("parse_mode")
				retryResp, retryErr := t.client.PostForm(t.baseURL+"/sendMessage", params)
				if retryErr != nil {
					return fmt.Errorf("sending Telegram message (retry): %w", retryErr)
				}
				_ = retryResp.Body.Close()
				if retryResp.StatusCode != http.StatusOK {
					return fmt.Errorf("telegram API error %d on retry", retryResp.StatusCode)
				}
				continue
			}
			return fmt.Errorf("telegram API error %d", resp.StatusCode)
		}
	}

	return nil
}

func (t *TelegramChannel) Start(ctx context.Context, handler func(InboundMessage)) error {
	if err := t.syncCommands(); err != nil {
		slog.Warn("failed to publish Telegram commands", "error", err)
	}
	go t.pollLoop(ctx, handler)
	return nil
}

func (t *TelegramChannel) Stop() error {
	t.stopOnce.Do(func() { close(t.stop) })
	return nil
}

func (t *TelegramChannel) pollLoop(ctx context.Context, handler func(InboundMessage)) {
	slog.Info("Telegram long-polling started")
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		default:
			updates, err := t.getUpdates(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				slog.Error("Telegram getUpdates error", "error", err)
				time.Sleep(5 * time.Second)
				continue
			}

			for _, u := range updates {
				t.offset = u.UpdateID + 1
				msg, ok := mapTelegramInbound(u)
				if !ok {
					continue
				}
				if msg.CallbackID != "" {
					if err := t.answerCallback(msg.CallbackID); err != nil {
						slog.Warn("failed to answer Telegram callback", "error", err)
					}
				}

				go handler(msg)
			}
		}
	}
}

func (t *TelegramChannel) getUpdates(ctx context.Context) ([]tgUpdate, error) {
	params := url.Values{
		"offset":          {strconv.Itoa(t.offset)},
		"timeout":         {"30"},
		"allowed_updates": {`["message","callback_query"]`},
	}

	req, err := http.NewRequestWithContext(ctx, "GET", t.baseURL+"/getUpdates?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var result struct {
		OK     bool       `json:"ok"`
		Result []tgUpdate `json:"result"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, err
	}

	if !result.OK {
		return nil, fmt.Errorf("telegram API returned ok=false")
	}

	return result.Result, nil
}

// answerCallback stops the client-side spinner on a pressed inline button.
func (t *TelegramChannel) answerCallback(id string) error {
	resp, err := t.client.PostForm(t.baseURL+"/answerCallbackQuery", url.Values{"callback_query_id": {id}})
	if err != nil {
		return fmt.Errorf("answering callback query: %w", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram API error %d", resp.StatusCode)
	}
	return nil
}

func (t *TelegramChannel) syncCommands() error {
	payload, err := json.Marshal(botCommands)
	if err != nil {
		return fmt.Errorf("marshal commands: %w", err)
	}
	resp, err := t.client.PostForm(t.baseURL+"/setMyCommands", url.Values{"commands": {string(payload)}})
	if err != nil {
		return fmt.Errorf("setting Telegram commands: %w", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram API error %d", resp.StatusCode)
	}
	return nil
}

// Telegram API types (minimal)
type tgUpdate struct {
	UpdateID      int              `json:"update_id"`
	Message       *tgMessage       `json:"message"`
	CallbackQuery *tgCallbackQuery `json:"callback_query"`
}

type tgMessage struct {
	Text string `json:"text"`
	Chat tgChat `json:"chat"`
	From tgUser `json:"from"`
}

type tgCallbackQuery struct {
	ID      string     `json:"id"`
	From    tgUser     `json:"from"`
	Message *tgMessage `json:"message"`
	Data    string     `json:"data"`
}

type tgChat struct {
	ID int64 `json:"id"`
}

type tgUser struct {
	ID           int64  `json:"id"`
	Username     string `json:"username"`
	FirstName    string `json:"first_name"`
	LastName     string `json:"last_name"`
	LanguageCode string `json:"language_code"`
}

type tgBotCommand struct {
	Command     string `json:"command"`
	Description string `json:"description"`
}

type tgInlineButton struct {
	Text         string `json:"text"`
	CallbackData string `json:"callback_data"`
}

func inlineKeyboard(rows [][]Button) (string, error) {
	keyboard := make([][]tgInlineButton, 0, len(rows))
	for _, row := range rows {
		out := make([]tgInlineButton, 0, len(row))
		for _, b := range row {
			if len(b.Data) > telegramMaxCallbackData {
				return "", fmt.Errorf("button %q data exceeds %d bytes", b.Label, telegramMaxCallbackData)
			}
			out = append(out, tgInlineButton{Text: b.Label, CallbackData: b.Data})
		}
		keyboard = append(keyboard, out)
	}
	data, err := json.Marshal(map[string]any{"inline_keyboard": keyboard})
	if err != nil {
		return "", fmt.Errorf("marshal inline keyboard: %w", err)
	}
	return string(data), nil
}

// SplitMessage splits text into chunks that fit Telegram's max message length.
func SplitMessage(text string, maxLen int) []string {
	if text == "" {
		return nil
	}
	if len(text) <= maxLen {
		return []string{text}
	}

	var parts []string
	for len(text) > 0 {
		if len(text) <= maxLen {
			parts = append(parts, text)
			break
		}
		// Find last newline or space within limit
		cutAt := maxLen
		if idx := strings.LastIndex(text[:maxLen], "\n"); idx > 0 {
			cutAt = idx + 1
		} else if idx := strings.LastIndex(text[:maxLen], " "); idx > 0 {
			cutAt = idx + 1
		}
		parts = append(parts, text[:cutAt])
		text = text[cutAt:]
	}
	return parts
}

func mapTelegramInbound(u tgUpdate) (InboundMessage, bool) {
	if cb := u.CallbackQuery; cb != nil {
		if cb.Message == nil || strings.TrimSpace(cb.Data) == "" {
			return InboundMessage{}, false
		}
		return InboundMessage{
			Channel:    "telegram",
			UserID:     strconv.FormatInt(cb.Message.Chat.ID, 10),
			ExternalID: strconv.FormatInt(cb.From.ID, 10),
			Text:       strings.TrimSpace(cb.Data),
			CallbackID: cb.ID,
			Username:   cb.From.Username,
			FirstName:  cb.From.FirstName,
			LastName:   cb.From.LastName,
			Language:   cb.From.LanguageCode,
		}, true
	}

	if u.Message == nil {
		return InboundMessage{}, false
	}

	text := strings.TrimSpace(u.Message.Text)
	if text == "" {
		return InboundMessage{}, false
	}

	return InboundMessage{
		Channel:    "telegram",
		UserID:     strconv.FormatInt(u.Message.Chat.ID, 10),
		ExternalID: strconv.FormatInt(u.Message.From.ID, 10),
		Text:       text,
		Username:   u.Message.From.Username,
		FirstName:  u.Message.From.FirstName,
		LastName:   u.Message.From.LastName,
		Language:   u.Message.From.LanguageCode,
	}, true
}
