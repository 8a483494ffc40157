package agent_test

import (
	"testing"

	"github.com/google/uuid"

	"github.com/p-n-ai/pai-quiz/internal/agent"
)

func TestSessionStore_Lifecycle(t *testing.T) {
	store := agent.NewMemoryStore()

	id, err := store.CreateSession(agent.Session{UserKey: "telegram:123", Channel: "telegram"})
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if _, err := uuid.Parse(id); err != nil {
		t.Errorf("session id %q is not a UUID: %v", id, err)
	}

	if err := store.SetLesson(id, 7); err != nil {
		t.Fatalf("SetLesson() error = %v", err)
	}
	if err := store.Touch(id, "ms"); err != nil {
		t.Fatalf("Touch() error = %v", err)
	}

	got, err := store.GetSession(id)
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if got.LessonID != 7 || got.Language != "ms" {
		t.Errorf("session = %+v, want lesson 7 language ms", got)
	}
	if got.StartedAt.IsZero() || got.LastActiveAt.Before(got.StartedAt) {
		t.Errorf("timestamps not maintained: %+v", got)
	}
}

func TestSessionStore_GetActiveForUser(t *testing.T) {
	store := agent.NewMemoryStore()

	id, _ := store.CreateSession(agent.Session{UserKey: "telegram:123"})

	active, found := store.GetActiveSession("telegram:123")
	if !found {
		t.Fatal("GetActiveSession() should find the session")
	}
	if active.ID != id {
		t.Errorf("active ID = %q, want %q", active.ID, id)
	}

	if _, found := store.GetActiveSession("telegram:999"); found {
		t.Error("GetActiveSession() should not find another user's session")
	}

	if err := store.EndSession(id); err != nil {
		t.Fatalf("EndSession() error = %v", err)
	}
	if _, found := store.GetActiveSession("telegram:123"); found {
		t.Error("ended session should not be active")
	}
}

func TestSessionStore_ReturnsCopies(t *testing.T) {
	store := agent.NewMemoryStore()
	id, _ := store.CreateSession(agent.Session{UserKey: "websocket:u1"})

	got, _ := store.GetSession(id)
	got.LessonID = 99

	again, _ := store.GetSession(id)
	if again.LessonID != 0 {
		t.Error("mutating a returned session must not change the store")
	}
}

func TestSessionStore_Errors(t *testing.T) {
	store := agent.NewMemoryStore()

	if _, err := store.CreateSession(agent.Session{}); err == nil {
		t.Error("CreateSession() should require a user key")
	}
	if _, err := store.GetSession("missing"); err == nil {
		t.Error("GetSession() should fail for unknown id")
	}
	if err := store.SetLesson("missing", 1); err == nil {
		t.Error("SetLesson() should fail for unknown id")
	}
	if err := store.EndSession("missing"); err == nil {
		t.Error("EndSession() should fail for unknown id")
	}
}
