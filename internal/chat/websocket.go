package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsAuthTimeout  = 10 * time.Second
)

// TokenVerifier resolves a bearer token presented on the WebSocket handshake to the user it
// belongs to. It returns an error when the token is not valid.
type TokenVerifier func(ctx context.Context, token string) (userID string, err error)

// WebSocketChannel serves browser clients over WebSocket. Each user holds at most one connection;
// a new connection for the same user replaces the old one.
type WebSocketChannel struct {
	verify         TokenVerifier
	originPatterns []string

	mu      sync.RWMutex
	conns   map[string]*websocket.Conn
	handler func(InboundMessage)
	ctx     context.Context
}

// wsInbound is a frame sent by the client.
type wsInbound struct {
	Text      string `json:"text"`
	Language  string `json:"language,omitempty"`
	Username  string `json:"username,omitempty"`
	FirstName string `json:"first_name,omitempty"`
}

// wsOutbound is a frame sent to the client.
type wsOutbound struct {
	Type    string     `json:"type"` // "message" or "typing"
	Text    string     `json:"text,omitempty"`
	Buttons [][]Button `json:"buttons,omitempty"`
}

// NewWebSocketChannel creates a WebSocket channel that accepts only handshakes whose token verify
// accepts. originPatterns is passed to the handshake origin check; empty means same-origin only.
func NewWebSocketChannel(verify TokenVerifier, originPatterns ...string) *WebSocketChannel {
	return &WebSocketChannel{
		verify:         verify,
		originPatterns: originPatterns,
		conns:          make(map[string]*websocket.Conn),
	}
}

func (c *WebSocketChannel) Start(ctx context.Context, handler func(InboundMessage)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = handler
	c.ctx = ctx
	return nil
}

func (c *WebSocketChannel) Stop() error {
	c.mu.Lock()
	conns := c.conns
	c.conns = make(map[string]*websocket.Conn)
	c.handler = nil
	c.mu.Unlock()

	for _, conn := range conns {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
	}
	return nil
}

func (c *WebSocketChannel) SendMessage(ctx context.Context, userID string, msg OutboundMessage) error {
	return c.write(ctx, userID, wsOutbound{Type: "message", Text: msg.Text, Buttons: msg.Buttons})
}

func (c *WebSocketChannel) SendTyping(ctx context.Context, userID string) error {
	return c.write(ctx, userID, wsOutbound{Type: "typing"})
}

func (c *WebSocketChannel) write(ctx context.Context, userID string, frame wsOutbound) error {
	c.mu.RLock()
	conn, ok := c.conns[userID]
	c.mu.RUnlock()
	if !ok {
		return fmt.Errorf("websocket user not connected: %s", userID)
	}

	ctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	if err := wsjson.Write(ctx, conn, frame); err != nil {
		return fmt.Errorf("writing websocket frame: %w", err)
	}
	return nil
}

// ServeHTTP authenticates and upgrades a handshake, then reads client frames until the connection
// closes. The token comes from an Authorization bearer header or, for browsers that cannot set
// headers, the access_token query parameter.
func (c *WebSocketChannel) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c.mu.RLock()
	handler, baseCtx := c.handler, c.ctx
	c.mu.RUnlock()
	if handler == nil {
		http.Error(w, `{"error":"channel not started"}`, http.StatusServiceUnavailable)
		return
	}

	token := bearerToken(r)
	if token == "" || c.verify == nil {
		http.Error(w, `{"error":"missing access token"}`, http.StatusUnauthorized)
		return
	}
	authCtx, cancel := context.WithTimeout(r.Context(), wsAuthTimeout)
	userID, err := c.verify(authCtx, token)
	cancel()
	if err != nil || userID == "" {
		slog.Warn("websocket authentication failed", "remote_addr", r.RemoteAddr, "error", err)
		http.Error(w, `{"error":"invalid access token"}`, http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: c.originPatterns})
	if err != nil {
		slog.Warn("websocket upgrade failed", "user_id", userID, "error", err)
		return
	}

	c.attach(userID, conn)
	defer c.detach(userID, conn)
	slog.Info("websocket connected", "user_id", userID)

	for {
		var in wsInbound
		if err := wsjson.Read(baseCtx, conn, &in); err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && !errors.Is(err, context.Canceled) {
				slog.Debug("websocket read ended", "user_id", userID, "error", err)
			}
			return
		}
		text := strings.TrimSpace(in.Text)
		if text == "" {
			continue
		}
		go handler(InboundMessage{
			Channel:    "websocket",
			UserID:     userID,
			ExternalID: userID,
			Text:       text,
			Username:   in.Username,
			FirstName:  in.FirstName,
			Language:   in.Language,
		})
	}
}

func (c *WebSocketChannel) attach(userID string, conn *websocket.Conn) {
	c.mu.Lock()
	old := c.conns[userID]
	c.conns[userID] = conn
	c.mu.Unlock()

	if old != nil {
		_ = old.Close(websocket.StatusPolicyViolation, "replaced by a newer connection")
	}
}

func (c *WebSocketChannel) detach(userID string, conn *websocket.Conn) {
	c.mu.Lock()
	if c.conns[userID] == conn {
		delete(c.conns, userID)
	}
	c.mu.Unlock()
	_ = conn.CloseNow()
}

func bearerToken(r *http.Request) string {
	if token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return strings.TrimSpace(r.URL.Query().Get("access_token"))
}
