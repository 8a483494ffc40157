package agent_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/p-n-ai/pai-quiz/internal/agent"
	"github.com/p-n-ai/pai-quiz/internal/platform/database"
)

func TestPostgresEventLogger_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping postgres container test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	ctr, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("pai"),
		postgres.WithUsername("pai"),
		postgres.WithPassword("pai"),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		t.Skipf("postgres container unavailable: %v", err)
	}
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(ctr); err != nil {
			t.Logf("terminate container: %v", err)
		}
	})

	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("ConnectionString() error = %v", err)
	}

	db, err := database.New(ctx, dsn, 4, 1)
	if err != nil {
		t.Fatalf("database.New() error = %v", err)
	}
	defer db.Close()

	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	// A second run must be a no-op.
	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("second Migrate() error = %v", err)
	}

	logger := agent.NewPostgresEventLogger(db.Pool)
	sessionID := uuid.NewString()
	for _, typ := range []string{agent.EventLessonSelected, agent.EventLevelStarted, agent.EventAnswerSubmitted, agent.EventAnswerSubmitted} {
		err := logger.LogEvent(agent.Event{
			SessionID: sessionID,
			UserID:    "telegram:42",
			Channel:   "telegram",
			EventType: typ,
			LessonID:  1,
			Level:     "EASY",
			Data:      map[string]any{"question_id": 10},
		})
		if err != nil {
			t.Fatalf("LogEvent(%s) error = %v", typ, err)
		}
	}

	n, err := logger.CountEvents(ctx, "telegram:42", agent.EventAnswerSubmitted)
	if err != nil {
		t.Fatalf("CountEvents() error = %v", err)
	}
	if n != 2 {
		t.Errorf("answer_submitted count = %d, want 2", n)
	}

	if err := logger.LogEvent(agent.Event{SessionID: "not-a-uuid", EventType: agent.EventLevelFinished}); err == nil {
		t.Error("expected insert error for malformed session id")
	}
}
