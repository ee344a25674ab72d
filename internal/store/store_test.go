package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"llm-relay/internal/models"
)

type clock struct {
	t time.Time
}

func (c *clock) now() time.Time {
	return c.t
}

type storeCase struct {
	store Store
	clock *clock
}

func newStores(t *testing.T) map[string]storeCase {
	t.Helper()
	out := make(map[string]storeCase)

	memClock := &clock{t: time.UnixMilli(1_700_000_000_000)}
	mem := NewMemory()
	mem.now = memClock.now
	out["memory"] = storeCase{mem, memClock}

	sqlClock := &clock{t: time.UnixMilli(1_700_000_000_000)}
	db, err := NewSQLite(filepath.Join(t.TempDir(), "relay.db"))
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	db.now = sqlClock.now
	out["sqlite"] = storeCase{db, sqlClock}

	return out
}

func TestStores(t *testing.T) {
	ctx := context.Background()

	for name, tc := range newStores(t) {
		s, clk := tc.store, tc.clock
		t.Run(name, func(t *testing.T) {
			t.Run("Conversations", func(t *testing.T) {
				if _, err := s.GetConversation(ctx, "c1"); !errors.Is(err, ErrNotFound) {
					t.Fatalf("expected ErrNotFound, got %v", err)
				}
				if err := s.CreateConversation(ctx, Conversation{ID: "c1", Model: "gpt-4o"}); err != nil {
					t.Fatalf("CreateConversation: %v", err)
				}
				conv, err := s.GetConversation(ctx, "c1")
				if err != nil || conv.Model != "gpt-4o" || !conv.CreatedAt.Equal(clk.t) {
					t.Fatalf("unexpected conversation %+v (%v)", conv, err)
				}
				conv.Title = "Greetings"
				if err := s.UpdateConversation(ctx, conv); err != nil {
					t.Fatalf("UpdateConversation: %v", err)
				}
				if conv, _ := s.GetConversation(ctx, "c1"); conv.Title != "Greetings" {
					t.Fatalf("title not updated: %+v", conv)
				}
				if err := s.UpdateConversation(ctx, Conversation{ID: "missing"}); !errors.Is(err, ErrNotFound) {
					t.Fatalf("expected ErrNotFound, got %v", err)
				}
			})

			t.Run("Messages", func(t *testing.T) {
				user := Message{ID: "m1", ConversationID: "c1", Role: models.RoleUser,
					Content: models.Parts(models.TextPart("look"), models.Base64ImagePart("image/png", "QUJD")), TokenCount: 12}
				if err := s.CreateMessage(ctx, user); err != nil {
					t.Fatalf("CreateMessage: %v", err)
				}
				clk.t = clk.t.Add(time.Second)
				assistant := Message{ID: "m2", ConversationID: "c1", ParentMessageID: "m1", Role: models.RoleAssistant,
					Content: models.Text("partial"), Model: "gpt-4o", Provider: "openai",
					ToolCalls: []models.ToolCall{{ID: "call_1", FunctionName: "f", Arguments: "{}"}}}
				if err := s.CreateMessage(ctx, assistant); err != nil {
					t.Fatalf("CreateMessage: %v", err)
				}

				assistant.Content = models.Text("partial answer")
				assistant.FinishReason = models.Reason(models.FinishCancelled)
				assistant.TokenCount = 3
				if err := s.UpdateMessage(ctx, assistant); err != nil {
					t.Fatalf("UpdateMessage: %v", err)
				}

				msgs, err := s.FindByConversation(ctx, "c1")
				if err != nil {
					t.Fatalf("FindByConversation: %v", err)
				}
				if len(msgs) != 2 || msgs[0].ID != "m1" || msgs[1].ID != "m2" {
					t.Fatalf("unexpected messages %+v", msgs)
				}
				if !msgs[0].Content.IsMulti() || len(msgs[0].Content.Images()) != 1 || msgs[0].TokenCount != 12 {
					t.Fatalf("user content not preserved: %+v", msgs[0])
				}
				got := msgs[1]
				if got.Content.String() != "partial answer" || got.FinishReason == nil || *got.FinishReason != models.FinishCancelled {
					t.Fatalf("update not persisted: %+v", got)
				}
				if len(got.ToolCalls) != 1 || got.ToolCalls[0].ID != "call_1" || got.ParentMessageID != "m1" {
					t.Fatalf("unexpected assistant message %+v", got)
				}
				if err := s.UpdateMessage(ctx, Message{ID: "nope"}); !errors.Is(err, ErrNotFound) {
					t.Fatalf("expected ErrNotFound, got %v", err)
				}
				if other, _ := s.FindByConversation(ctx, "c2"); len(other) != 0 {
					t.Fatalf("expected no messages for c2")
				}
			})

			t.Run("Summaries", func(t *testing.T) {
				if _, err := s.GetSummary(ctx, "c1"); !errors.Is(err, ErrNotFound) {
					t.Fatalf("expected ErrNotFound, got %v", err)
				}
				if err := s.SaveSummary(ctx, Summary{ConversationID: "c1", Content: "v1", UpToMessageID: "m1"}); err != nil {
					t.Fatalf("SaveSummary: %v", err)
				}
				if err := s.SaveSummary(ctx, Summary{ConversationID: "c1", Content: "v2", UpToMessageID: "m2", TokenCount: 4}); err != nil {
					t.Fatalf("SaveSummary: %v", err)
				}
				sum, err := s.GetSummary(ctx, "c1")
				if err != nil || sum.Content != "v2" || sum.UpToMessageID != "m2" || sum.TokenCount != 4 {
					t.Fatalf("unexpected summary %+v (%v)", sum, err)
				}
			})

			t.Run("Aborts", func(t *testing.T) {
				if ok, err := s.Get(ctx, "m9"); ok || err != nil {
					t.Fatalf("expected no flag, got %v %v", ok, err)
				}
				if err := s.Put(ctx, "m9", time.Minute); err != nil {
					t.Fatalf("Put: %v", err)
				}
				if ok, _ := s.Get(ctx, "m9"); !ok {
					t.Fatalf("expected live flag")
				}
				clk.t = clk.t.Add(2 * time.Minute)
				if ok, _ := s.Get(ctx, "m9"); ok {
					t.Fatalf("expired flag must read as absent")
				}
				_ = s.Put(ctx, "m9", time.Minute)
				if err := s.Delete(ctx, "m9"); err != nil {
					t.Fatalf("Delete: %v", err)
				}
				if ok, _ := s.Get(ctx, "m9"); ok {
					t.Fatalf("deleted flag must read as absent")
				}
			})
		})
	}
}
