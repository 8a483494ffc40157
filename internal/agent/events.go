package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const dbTimeout = 5 * time.Second

// Analytics event types.
const (
	EventLessonSelected  = "lesson_selected"
	EventLevelStarted    = "level_started"
	EventAnswerSubmitted = "answer_submitted"
	EventLevelFinished   = "level_finished"
)

// Event represents an analytics event persisted to the quiz_events table.
type Event struct {
	SessionID string
	UserID    string
	Channel   string
	EventType string
	LessonID  int
	Level     string
	Data      map[string]any
	CreatedAt time.Time
}

// EventLogger defines event logging behavior.
type EventLogger interface {
	LogEvent(event Event) error
}

// EventCounter is implemented by loggers that can report how often a user logged an event.
type EventCounter interface {
	CountEvents(ctx context.Context, userID, eventType string) (int, error)
}

// NopEventLogger ignores all events.
type NopEventLogger struct{}

func (NopEventLogger) LogEvent(Event) error {
	return nil
}

// MemoryEventLogger stores events in memory for tests.
type MemoryEventLogger struct {
	mu     sync.Mutex
	events []Event
}

func NewMemoryEventLogger() *MemoryEventLogger {
	return &MemoryEventLogger{
		events: []Event{},
	}
}

func (l *MemoryEventLogger) LogEvent(event Event) error {
	if event.EventType == "" {
		return fmt.Errorf("event_type is required")
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	l.mu.Lock()
	l.events = append(l.events, event)
	l.mu.Unlock()

	return nil
}

func (l *MemoryEventLogger) Events() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event{}, l.events...)
}

func (l *MemoryEventLogger) CountEvents(_ context.Context, userID, eventType string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.events {
		if e.UserID == userID && e.EventType == eventType {
			n++
		}
	}
	return n, nil
}

// Types returns the logged event types in order.
func (l *MemoryEventLogger) Types() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.events))
	for _, e := range l.events {
		out = append(out, e.EventType)
	}
	return out
}

// PostgresEventLogger inserts events into the quiz_events table.
type PostgresEventLogger struct {
	pool *pgxpool.Pool
}

func NewPostgresEventLogger(pool *pgxpool.Pool) *PostgresEventLogger {
	return &PostgresEventLogger{pool: pool}
}

func (l *PostgresEventLogger) LogEvent(event Event) error {
	if l == nil || l.pool == nil {
		return fmt.Errorf("event logger pool is nil")
	}
	if event.EventType == "" {
		return fmt.Errorf("event_type is required")
	}
	if event.SessionID == "" {
		return fmt.Errorf("session_id is required")
	}

	payload := event.Data
	if payload == nil {
		payload = map[string]any{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event data: %w", err)
	}

	createdAt := event.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	ctx, cancel := context.WithTimeout(context.Background(), dbTimeout)
	defer cancel()

	_, err = l.pool.Exec(ctx,
		`INSERT INTO quiz_events (session_id, user_id, channel, event_type, lesson_id, level, data, created_at)
		 VALUES ($1::uuid, $2, $3, $4, $5, $6, $7::jsonb, $8)`,
		event.SessionID,
		event.UserID,
		event.Channel,
		event.EventType,
		nullIfZero(event.LessonID),
		nullIfEmpty(event.Level),
		string(data),
		createdAt,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	slog.Debug("event logged",
		"type", event.EventType,
		"session_id", event.SessionID,
		"user_id", event.UserID,
	)
	return nil
}

// CountEvents returns how many events of eventType a user has logged.
func (l *PostgresEventLogger) CountEvents(ctx context.Context, userID, eventType string) (int, error) {
	if l == nil || l.pool == nil {
		return 0, fmt.Errorf("event logger pool is nil")
	}
	var n int
	if err := l.pool.QueryRow(ctx,
		`SELECT count(*) FROM quiz_events WHERE user_id = $1 AND event_type = $2`,
		userID, eventType,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullIfZero(n int) *int {
	if n == 0 {
		return nil
	}
	return &n
}
