package storage

import (
	"context"
	"testing"
	"time"

	"github.com/wangrenren611/coding-agent-sub003/internal/jobs"
	"github.com/wangrenren611/coding-agent-sub003/internal/sessions"
	"github.com/wangrenren611/coding-agent-sub003/pkg/models"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteStore_SessionLifecycle(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLiteStore(t).Sessions()

	session := &models.Session{
		ID:        "sess-1",
		AgentID:   "agent-1",
		Channel:   models.ChannelType("slack"),
		ChannelID: "C1",
		Key:       sessions.SessionKey("agent-1", models.ChannelType("slack"), "C1"),
		Title:     "first contact",
		Metadata:  map[string]any{"locale": "en"},
	}
	if err := store.Create(ctx, session); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := store.Get(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Title != "first contact" || got.Metadata["locale"] != "en" {
		t.Errorf("Get returned %+v", got)
	}

	got.Title = "renamed"
	if err := store.Update(ctx, got); err != nil {
		t.Fatalf("Update: %v", err)
	}
	reGot, err := store.GetByKey(ctx, session.Key)
	if err != nil {
		t.Fatalf("GetByKey: %v", err)
	}
	if reGot.Title != "renamed" {
		t.Errorf("Title = %q after update, want renamed", reGot.Title)
	}

	if err := store.Delete(ctx, "sess-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := store.Get(ctx, "sess-1"); err == nil {
		t.Fatal("expected error after delete")
	}
}

func TestSQLiteStore_GetOrCreate(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLiteStore(t).Sessions()
	key := sessions.SessionKey("agent-1", models.ChannelType("cli"), "")

	first, err := store.GetOrCreate(ctx, key, "agent-1", models.ChannelType("cli"), "")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	second, err := store.GetOrCreate(ctx, key, "agent-1", models.ChannelType("cli"), "")
	if err != nil {
		t.Fatalf("GetOrCreate (second): %v", err)
	}
	if first.ID != second.ID {
		t.Errorf("GetOrCreate created a second session: %s != %s", first.ID, second.ID)
	}
}

func TestSQLiteStore_MessageHistory(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLiteStore(t).Sessions()

	session := &models.Session{ID: "sess-1", AgentID: "agent-1"}
	if err := store.Create(ctx, session); err != nil {
		t.Fatalf("Create: %v", err)
	}

	for i, content := range []string{"first", "second", "third"} {
		msg := &models.Message{
			Role:      models.Role("user"),
			Content:   content,
			CreatedAt: time.Now().Add(time.Duration(i) * time.Millisecond),
		}
		if err := store.AppendMessage(ctx, "sess-1", msg); err != nil {
			t.Fatalf("AppendMessage(%d): %v", i, err)
		}
	}

	history, err := store.GetHistory(ctx, "sess-1", 2)
	if err != nil {
		t.Fatalf("GetHistory: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("len(history) = %d, want 2", len(history))
	}
	if history[0].Content != "second" || history[1].Content != "third" {
		t.Errorf("expected oldest-of-the-limit first, got %q then %q", history[0].Content, history[1].Content)
	}
}

func TestSQLiteStore_List(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLiteStore(t).Sessions()

	for _, id := range []string{"a", "b", "c"} {
		if err := store.Create(ctx, &models.Session{ID: id, AgentID: "agent-1"}); err != nil {
			t.Fatalf("Create(%s): %v", id, err)
		}
	}
	if err := store.Create(ctx, &models.Session{ID: "d", AgentID: "agent-2"}); err != nil {
		t.Fatalf("Create(d): %v", err)
	}

	got, err := store.List(ctx, "agent-1", sessions.ListOptions{Limit: 2})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len(got) = %d, want 2", len(got))
	}
	for _, s := range got {
		if s.AgentID != "agent-1" {
			t.Errorf("List leaked session from another agent: %+v", s)
		}
	}
}

func TestSQLiteStore_JobLifecycle(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLiteStore(t).Jobs()

	job := &jobs.Job{
		ID:        "job-1",
		ToolName:  "search",
		Status:    jobs.StatusQueued,
		CreatedAt: time.Now(),
	}
	if err := store.Create(ctx, job); err != nil {
		t.Fatalf("Create: %v", err)
	}

	job.Status = jobs.StatusRunning
	job.StartedAt = time.Now()
	if err := store.Update(ctx, job); err != nil {
		t.Fatalf("Update: %v", err)
	}

	got, err := store.Get(ctx, "job-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != jobs.StatusRunning {
		t.Errorf("Status = %q, want running", got.Status)
	}

	if err := store.Cancel(ctx, "job-1"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	got, err = store.Get(ctx, "job-1")
	if err != nil {
		t.Fatalf("Get after cancel: %v", err)
	}
	if got.Status != jobs.StatusFailed {
		t.Errorf("Status = %q after cancel, want failed", got.Status)
	}
}

func TestSQLiteStore_JobPrune(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLiteStore(t).Jobs()

	old := &jobs.Job{ID: "old", ToolName: "t", Status: jobs.StatusSucceeded, CreatedAt: time.Now().Add(-48 * time.Hour)}
	fresh := &jobs.Job{ID: "fresh", ToolName: "t", Status: jobs.StatusSucceeded, CreatedAt: time.Now()}
	if err := store.Create(ctx, old); err != nil {
		t.Fatalf("Create(old): %v", err)
	}
	if err := store.Create(ctx, fresh); err != nil {
		t.Fatalf("Create(fresh): %v", err)
	}

	n, err := store.Prune(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if n != 1 {
		t.Errorf("pruned = %d, want 1", n)
	}
	if _, err := store.Get(ctx, "fresh"); err != nil {
		t.Errorf("fresh job should survive prune: %v", err)
	}
}

func TestSQLiteStore_ImplementsInterfaces(t *testing.T) {
	store := newTestSQLiteStore(t)
	var _ sessions.Store = store.Sessions()
	var _ jobs.Store = store.Jobs()
}
