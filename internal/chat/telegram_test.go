package chat

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newTestTelegram(t *testing.T, handler http.HandlerFunc) *TelegramChannel {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return &TelegramChannel{
		token:   "test-token",
		baseURL: server.URL,
		client:  server.Client(),
		stop:    make(chan struct{}),
	}
}

func TestTelegramChannelSyncCommands(t *testing.T) {
	var gotPath string
	var gotCommands string

	ch := newTestTelegram(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if err := r.ParseForm(); err != nil {
			t.Errorf("ParseForm() error = %v", err)
		}
		gotCommands = r.Form.Get("commands")
		_, _ = w.Write([]byte(`{"ok":true,"result":true}`))
	})

	if err := ch.syncCommands(); err != nil {
		t.Fatalf("syncCommands() error = %v", err)
	}
	if gotPath != "/setMyCommands" {
		t.Fatalf("path = %q, want /setMyCommands", gotPath)
	}
	for _, cmd := range []string{"start", "quiz", "courses", "enroll", "profile"} {
		if !strings.Contains(gotCommands, `"`+cmd+`"`) {
			t.Errorf("commands payload = %q, missing %s", gotCommands, cmd)
		}
	}
}

func TestTelegramChannelSendMessage_InlineKeyboard(t *testing.T) {
	var markups []string
	ch := newTestTelegram(t, func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("ParseForm() error = %v", err)
		}
		markups = append(markups, r.Form.Get("reply_markup"))
		_, _ = w.Write([]byte(`{"ok":true}`))
	})

	err := ch.SendMessage(t.Context(), "123", OutboundMessage{
		Text:    strings.Repeat("a ", telegramMaxMessageLen*3/2), // three chunks
		Buttons: [][]Button{{{Label: "2", Data: "/answer 100"}}},
	})
	if err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	if len(markups) != 3 {
		t.Fatalf("requests = %d, want 3", len(markups))
	}
	for i, m := range markups[:2] {
		if m != "" {
			t.Errorf("chunk %d should not carry buttons, got %q", i, m)
		}
	}

	var kb struct {
		InlineKeyboard [][]tgInlineButton `json:"inline_keyboard"`
	}
	if err := json.Unmarshal([]byte(markups[2]), &kb); err != nil {
		t.Fatalf("reply_markup is not JSON: %v", err)
	}
	if kb.InlineKeyboard[0][0].CallbackData != "/answer 100" {
		t.Errorf("callback_data = %q, want /answer 100", kb.InlineKeyboard[0][0].CallbackData)
	}
}

func TestTelegramChannelSendMessage_PlainText(t *testing.T) {
	var forms []map[string][]string
	ch := newTestTelegram(t, func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("ParseForm() error = %v", err)
		}
		forms = append(forms, r.Form)
		_, _ = w.Write([]byte(`{"ok":true}`))
	})

	if err := ch.SendMessage(t.Context(), "123", OutboundMessage{Text: "Correct!"}); err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	if len(forms) != 1 {
		t.Fatalf("requests = %d, want 1", len(forms))
	}
	if _, ok := forms[0]["reply_markup"]; ok {
		t.Errorf("reply_markup sent without buttons: %v", forms[0]["reply_markup"])
	}
	if got := forms[0]["chat_id"]; len(got) != 1 || got[0] != "123" {
		t.Errorf("chat_id = %v, want 123", got)
	}
}

func TestTelegramChannelSendMessage_CallbackDataLimit(t *testing.T) {
	requests := 0
	ch := newTestTelegram(t, func(w http.ResponseWriter, r *http.Request) {
		requests++
		_, _ = w.Write([]byte(`{"ok":true}`))
	})

	tests := []struct {
		name    string
		data    string
		wantErr bool
	}{
		{"at limit", strings.Repeat("d", telegramMaxCallbackData), false},
		{"over limit", strings.Repeat("d", telegramMaxCallbackData+1), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := requests
			err := ch.SendMessage(t.Context(), "123", OutboundMessage{
				Text:    "Pick one",
				Buttons: [][]Button{{{Label: "x", Data: tt.data}}},
			})
			if (err != nil) != tt.wantErr {
				t.Fatalf("SendMessage() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr && requests != before {
				t.Errorf("message sent despite invalid buttons")
			}
		})
	}
}

func TestTelegramChannelSendMessage_MarkdownRetry(t *testing.T) {
	var parseModes []string
	ch := newTestTelegram(t, func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		mode := r.Form.Get("parse_mode")
		parseModes = append(parseModes, mode)
		if mode != "" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"ok":false,"description":"can't parse entities"}`))
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	})

	if err := ch.SendMessage(t.Context(), "123", OutboundMessage{Text: "*bold", ParseMode: "Markdown"}); err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	if len(parseModes) != 2 || parseModes[0] != "Markdown" || parseModes[1] != "" {
		t.Errorf("parse modes sent = %q, want Markdown then plain", parseModes)
	}
}

func TestSplitMessage(t *testing.T) {
	tests := []struct {
		name   string
		text   string
		maxLen int
		want   []string
	}{
		{"empty", "", 10, nil},
		{"fits", "Hello", 5, []string{"Hello"}},
		{"breaks at space", "one two three", 8, []string{"one two ", "three"}},
		{"prefers newline", "ab cd\nef gh", 9, []string{"ab cd\n", "ef gh"}},
		{"hard cut without spaces", "abcdefghij", 4, []string{"abcd", "efgh", "ij"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SplitMessage(tt.text, tt.maxLen)
			if len(got) != len(tt.want) {
				t.Fatalf("SplitMessage() = %q, want %q", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("part %d = %q, want %q", i, got[i], tt.want[i])
				}
				if len(got[i]) > tt.maxLen {
					t.Errorf("part %d exceeds %d bytes", i, tt.maxLen)
				}
			}
			if strings.Join(got, "") != tt.text {
				t.Error("parts do not reassemble the original text")
			}
		})
	}
}

func TestNewTelegramChannel(t *testing.T) {
	if _, err := NewTelegramChannel(""); err == nil {
		t.Error("NewTelegramChannel() should require a token")
	}
	ch, err := NewTelegramChannel("test-token")
	if err != nil {
		t.Fatalf("NewTelegramChannel() error = %v", err)
	}
	if !strings.HasSuffix(ch.baseURL, "/bottest-token") {
		t.Errorf("baseURL = %q", ch.baseURL)
	}
}

func TestTelegramChannelAnswerCallback(t *testing.T) {
	var gotID string
	ch := newTestTelegram(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/answerCallbackQuery" {
			t.Errorf("path = %q", r.URL.Path)
		}
		_ = r.ParseForm()
		gotID = r.Form.Get("callback_query_id")
		_, _ = w.Write([]byte(`{"ok":true}`))
	})

	if err := ch.answerCallback("cb-1"); err != nil {
		t.Fatalf("answerCallback() error = %v", err)
	}
	if gotID != "cb-1" {
		t.Errorf("callback_query_id = %q, want cb-1", gotID)
	}
}

func TestTelegramChannelStop_Idempotent(t *testing.T) {
	ch, err := NewTelegramChannel("tok")
	if err != nil {
		t.Fatalf("NewTelegramChannel() error = %v", err)
	}
	_ = ch.Stop()
	if err := ch.Stop(); err != nil {
		t.Fatalf("second Stop() error = %v", err)
	}
}
