package repository

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/portaldesk/internal/livequery"
	"github.com/hitoshi/portaldesk/internal/model"
)

// recordingPublisher は発行されたトピックを記録する。
type recordingPublisher struct {
	mu     sync.Mutex
	topics []string
}

func (p *recordingPublisher) Publish(topic string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
}

func (p *recordingPublisher) has(topic string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range p.topics {
		if t == topic {
			return true
		}
	}
	return false
}

// steppingClock は呼び出しごとに1秒進む時計。
func steppingClock(start time.Time) func() time.Time {
	var mu sync.Mutex
	cur := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		cur = cur.Add(time.Second)
		return cur
	}
}

func TestMemoryStore_ProfileUpsert_PreservesRole(t *testing.T) {
	s := NewMemoryStore(nil)
	ctx := context.Background()

	first, err := s.Profiles().Upsert(ctx, model.Identity{UID: "u1", Email: "a@example.com"}, model.RoleAdmin)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := s.Profiles().Upsert(ctx, model.Identity{UID: "u1", Email: "b@example.com", DisplayName: "B"}, model.RoleClient)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if second.Role != model.RoleAdmin {
		t.Errorf("Role = %q, want %q", second.Role, model.RoleAdmin)
	}
	if second.Email != "b@example.com" || second.DisplayName != "B" {
		t.Errorf("profile fields not merged: %+v", second)
	}
	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Errorf("CreatedAt changed: %v -> %v", first.CreatedAt, second.CreatedAt)
	}
}

func TestMemoryStore_CreateIfAbsent_OnlyFirstWins(t *testing.T) {
	pub := &recordingPublisher{}
	s := NewMemoryStore(pub)
	ctx := context.Background()

	var wg sync.WaitGroup
	created := make(chan bool, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.Conversations().CreateIfAbsent(ctx, &model.Conversation{ID: "c1", ClientUID: "c1", ClientEmail: "c@example.com"})
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			created <- ok
		}()
	}
	wg.Wait()
	close(created)

	count := 0
	for ok := range created {
		if ok {
			count++
		}
	}
	if count != 1 {
		t.Errorf("created count = %d, want 1", count)
	}
	if !pub.has(livequery.TopicConversations) {
		t.Error("expected conversations topic to be published")
	}
}

func TestMemoryStore_Touch_UpdatesTimestamps(t *testing.T) {
	s := NewMemoryStore(nil)
	s.SetClock(steppingClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)))
	ctx := context.Background()

	if _, err := s.Conversations().CreateIfAbsent(ctx, &model.Conversation{ID: "c1", ClientUID: "c1"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.Conversations().Touch(ctx, "c1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	conv, _ := s.Conversations().FindByID(ctx, "c1")
	if conv.LastMessageAt == nil {
		t.Fatal("expected LastMessageAt to be set")
	}
	if !conv.UpdatedAt.After(conv.CreatedAt) {
		t.Errorf("UpdatedAt %v should be after CreatedAt %v", conv.UpdatedAt, conv.CreatedAt)
	}
}

func TestMemoryStore_ListRecent_OrdersByUpdatedDesc(t *testing.T) {
	s := NewMemoryStore(nil)
	s.SetClock(steppingClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)))
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		if _, err := s.Conversations().CreateIfAbsent(ctx, &model.Conversation{ID: id, ClientUID: id}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if err := s.Conversations().Touch(ctx, "a"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := s.Conversations().ListRecent(ctx, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].ID != "a" || got[1].ID != "c" {
		t.Errorf("order = [%s %s], want [a c]", got[0].ID, got[1].ID)
	}
}

func TestMemoryStore_Messages_LatestAscending(t *testing.T) {
	pub := &recordingPublisher{}
	s := NewMemoryStore(pub)
	fixed := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return fixed })
	ctx := context.Background()

	if _, err := s.Conversations().CreateIfAbsent(ctx, &model.Conversation{ID: "c1", ClientUID: "c1"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, text := range []string{"1", "2", "3", "4"} {
		if _, err := s.Messages().Append(ctx, "c1", model.MessageDraft{Text: text, Side: model.SideClient}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	got, err := s.Messages().ListLatest(ctx, "c1", 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"2", "3", "4"}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i, m := range got {
		if m.Text != want[i] {
			t.Errorf("got[%d].Text = %q, want %q", i, m.Text, want[i])
		}
	}
	if !pub.has(livequery.MessagesTopic("c1")) {
		t.Error("expected messages topic to be published")
	}
}

func TestMemoryStore_Messages_RequiresConversation(t *testing.T) {
	s := NewMemoryStore(nil)
	_, err := s.Messages().Append(context.Background(), "missing", model.MessageDraft{Text: "hi"})
	if err == nil {
		t.Fatal("expected error for missing conversation")
	}
}

func TestMemoryStore_Subscription_PatchMerge(t *testing.T) {
	s := NewMemoryStore(nil)
	ctx := context.Background()

	got, err := s.Subscriptions().FindByClientUID(ctx, "c1")
	if err != nil || got != nil {
		t.Fatalf("FindByClientUID = %v, %v, want nil, nil", got, err)
	}

	plan := "MENSUAL_2"
	if _, err := s.Subscriptions().Upsert(ctx, "c1", model.SubscriptionPatch{PlanKey: &plan}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	status := "active"
	sub, err := s.Subscriptions().Upsert(ctx, "c1", model.SubscriptionPatch{Status: &status})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sub.PlanKey != "MENSUAL_2" || sub.Status != "active" || sub.ClientUID != "c1" {
		t.Errorf("subscription = %+v", sub)
	}
}

func TestMemoryStore_PlanRequests_AppendOnly(t *testing.T) {
	s := NewMemoryStore(nil)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		err := s.PlanRequests().Append(ctx, &model.PlanChangeRequest{ClientUID: "c1", PlanKey: "ANUAL", Status: model.PlanRequestStatusPending})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	reqs := s.PlanRequestsFor("c1")
	if len(reqs) != 2 {
		t.Fatalf("len = %d, want 2", len(reqs))
	}
	if reqs[0].ID == "" || reqs[0].ID == reqs[1].ID {
		t.Errorf("expected distinct generated IDs, got %q and %q", reqs[0].ID, reqs[1].ID)
	}
}

func TestMemoryStore_Sessions_ExpiryAndDeletion(t *testing.T) {
	pub := &recordingPublisher{}
	s := NewMemoryStore(pub)
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return now })
	ctx := context.Background()
	repo := s.Sessions()

	_ = repo.Create(ctx, &model.Session{ID: "live", ExpiresAt: now.Add(time.Hour)})
	_ = repo.Create(ctx, &model.Session{ID: "old", ExpiresAt: now.Add(-time.Hour)})

	if got, _ := repo.FindByID(ctx, "old"); got != nil {
		t.Error("expected expired session to be hidden")
	}
	n, err := repo.DeleteExpired(ctx)
	if err != nil || n != 1 {
		t.Errorf("DeleteExpired = %d, %v, want 1, nil", n, err)
	}
	if err := repo.DeleteByID(ctx, "live"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !pub.has(livequery.SessionTopic("live")) || !pub.has(livequery.SessionTopic("old")) {
		t.Errorf("session topics not published: %v", pub.topics)
	}
}
