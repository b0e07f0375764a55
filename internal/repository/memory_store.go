package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/portaldesk/internal/livequery"
	"github.com/hitoshi/portaldesk/internal/model"
)

// ChangePublisher は書き込み後の変更通知先。livequery.Hubが実装する。
type ChangePublisher interface {
	Publish(topic string)
}

// MemoryStore はプロセス内メモリ上のStore実装。
// STORE_DRIVER=memoryでの起動とテストで使用する。
// PostgreSQLのトリガーと同じトピックへ書き込みのたびに通知する。
type MemoryStore struct {
	mu        sync.Mutex
	now       func() time.Time
	publisher ChangePublisher

	profiles      map[string]model.UserProfile
	conversations map[string]model.Conversation
	messages      map[string][]storedMessage
	seq           int64
	subscriptions map[string]model.Subscription
	planRequests  []model.PlanChangeRequest
	sessions      map[string]model.Session
}

type storedMessage struct {
	seq int64
	msg model.Message
}

// NewMemoryStore はMemoryStoreを生成する。publisherがnilの場合は通知しない。
func NewMemoryStore(publisher ChangePublisher) *MemoryStore {
	return &MemoryStore{
		now:           time.Now,
		publisher:     publisher,
		profiles:      make(map[string]model.UserProfile),
		conversations: make(map[string]model.Conversation),
		messages:      make(map[string][]storedMessage),
		subscriptions: make(map[string]model.Subscription),
		sessions:      make(map[string]model.Session),
	}
}

// SetClock はサーバー時刻の取得関数を差し替える。
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// PlanRequestsFor は顧客のプラン変更リクエストを追記順で返す。
func (s *MemoryStore) PlanRequestsFor(clientUID string) []model.PlanChangeRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.PlanChangeRequest
	for _, r := range s.planRequests {
		if r.ClientUID == clientUID {
			out = append(out, r)
		}
	}
	return out
}

func (s *MemoryStore) publish(topics ...string) {
	if s.publisher == nil {
		return
	}
	for _, t := range topics {
		s.publisher.Publish(t)
	}
}

func (s *MemoryStore) Profiles() ProfileRepository           { return memoryProfiles{s} }
func (s *MemoryStore) Conversations() ConversationRepository { return memoryConversations{s} }
func (s *MemoryStore) Messages() MessageRepository           { return memoryMessages{s} }
func (s *MemoryStore) Subscriptions() SubscriptionRepository { return memorySubscriptions{s} }
func (s *MemoryStore) PlanRequests() PlanRequestRepository   { return memoryPlanRequests{s} }

// Sessions はセッションリポジトリを返す。
func (s *MemoryStore) Sessions() SessionRepository { return memorySessions{s} }

type memoryProfiles struct{ s *MemoryStore }

func (r memoryProfiles) FindByUID(_ context.Context, uid string) (*model.UserProfile, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	p, ok := r.s.profiles[uid]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (r memoryProfiles) Upsert(_ context.Context, identity model.Identity, defaultRole model.Role) (*model.UserProfile, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	now := r.s.now()
	p, ok := r.s.profiles[identity.UID]
	if !ok {
		p = model.UserProfile{UID: identity.UID, Role: defaultRole, CreatedAt: now}
	}
	p.Email = identity.Email
	p.DisplayName = identity.DisplayName
	p.PhotoURL = identity.PhotoURL
	p.UpdatedAt = now
	r.s.profiles[identity.UID] = p
	return &p, nil
}

type memoryConversations struct{ s *MemoryStore }

func (r memoryConversations) FindByID(_ context.Context, id string) (*model.Conversation, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.conversations[id]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (r memoryConversations) CreateIfAbsent(_ context.Context, conv *model.Conversation) (bool, error) {
	r.s.mu.Lock()
	if _, ok := r.s.conversations[conv.ID]; ok {
		r.s.mu.Unlock()
		return false, nil
	}
	now := r.s.now()
	c := *conv
	c.CreatedAt = now
	c.UpdatedAt = now
	c.LastMessageAt = nil
	r.s.conversations[c.ID] = c
	r.s.mu.Unlock()

	r.s.publish(livequery.TopicConversations)
	return true, nil
}

func (r memoryConversations) Touch(_ context.Context, id string) error {
	r.s.mu.Lock()
	c, ok := r.s.conversations[id]
	if !ok {
		r.s.mu.Unlock()
		return nil
	}
	now := r.s.now()
	c.UpdatedAt = now
	c.LastMessageAt = &now
	r.s.conversations[id] = c
	r.s.mu.Unlock()

	r.s.publish(livequery.TopicConversations)
	return nil
}

func (r memoryConversations) ListRecent(_ context.Context, limit int) ([]model.Conversation, error) {
	r.s.mu.Lock()
	out := make([]model.Conversation, 0, len(r.s.conversations))
	for _, c := range r.s.conversations {
		out = append(out, c)
	}
	r.s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type memoryMessages struct{ s *MemoryStore }

func (r memoryMessages) Append(_ context.Context, conversationID string, draft model.MessageDraft) (*model.Message, error) {
	r.s.mu.Lock()
	if _, ok := r.s.conversations[conversationID]; !ok {
		r.s.mu.Unlock()
		return nil, fmt.Errorf("メッセージの追加に失敗しました: conversation %s does not exist", conversationID)
	}
	r.s.seq++
	msg := model.Message{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		AuthorUID:      draft.AuthorUID,
		AuthorName:     draft.AuthorName,
		AuthorEmail:    draft.AuthorEmail,
		Text:           draft.Text,
		Side:           draft.Side,
		CreatedAt:      r.s.now(),
	}
	if draft.File != nil {
		f := *draft.File
		msg.File = &f
	}
	r.s.messages[conversationID] = append(r.s.messages[conversationID], storedMessage{seq: r.s.seq, msg: msg})
	r.s.mu.Unlock()

	r.s.publish(livequery.MessagesTopic(conversationID))
	return &msg, nil
}

func (r memoryMessages) ListLatest(_ context.Context, conversationID string, limit int) ([]model.Message, error) {
	r.s.mu.Lock()
	stored := append([]storedMessage(nil), r.s.messages[conversationID]...)
	r.s.mu.Unlock()

	sort.Slice(stored, func(i, j int) bool {
		if !stored[i].msg.CreatedAt.Equal(stored[j].msg.CreatedAt) {
			return stored[i].msg.CreatedAt.Before(stored[j].msg.CreatedAt)
		}
		return stored[i].seq < stored[j].seq
	})
	if limit > 0 && len(stored) > limit {
		stored = stored[len(stored)-limit:]
	}

	out := make([]model.Message, 0, len(stored))
	for _, sm := range stored {
		out = append(out, sm.msg)
	}
	return out, nil
}

type memorySubscriptions struct{ s *MemoryStore }

func (r memorySubscriptions) FindByClientUID(_ context.Context, clientUID string) (*model.Subscription, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	sub, ok := r.s.subscriptions[clientUID]
	if !ok {
		return nil, nil
	}
	return &sub, nil
}

func (r memorySubscriptions) Upsert(_ context.Context, clientUID string, patch model.SubscriptionPatch) (*model.Subscription, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	now := r.s.now()
	sub, ok := r.s.subscriptions[clientUID]
	if !ok {
		sub = model.Subscription{ClientUID: clientUID, CreatedAt: now}
	}
	if patch.PlanKey != nil {
		sub.PlanKey = *patch.PlanKey
	}
	if patch.Status != nil {
		sub.Status = *patch.Status
	}
	sub.UpdatedAt = now
	r.s.subscriptions[clientUID] = sub
	return &sub, nil
}

type memoryPlanRequests struct{ s *MemoryStore }

func (r memoryPlanRequests) Append(_ context.Context, req *model.PlanChangeRequest) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	stored := *req
	if stored.ID == "" {
		stored.ID = uuid.New().String()
	}
	stored.CreatedAt = r.s.now()
	r.s.planRequests = append(r.s.planRequests, stored)
	return nil
}

type memorySessions struct{ s *MemoryStore }

func (r memorySessions) Create(_ context.Context, session *model.Session) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.sessions[session.ID] = *session
	return nil
}

func (r memorySessions) FindByID(_ context.Context, id string) (*model.Session, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	sess, ok := r.s.sessions[id]
	if !ok || sess.Expired(r.s.now()) {
		return nil, nil
	}
	return &sess, nil
}

func (r memorySessions) DeleteByID(_ context.Context, id string) error {
	r.s.mu.Lock()
	_, ok := r.s.sessions[id]
	delete(r.s.sessions, id)
	r.s.mu.Unlock()

	if ok {
		r.s.publish(livequery.SessionTopic(id))
	}
	return nil
}

func (r memorySessions) DeleteExpired(_ context.Context) (int64, error) {
	r.s.mu.Lock()
	now := r.s.now()
	var deleted []string
	for id, sess := range r.s.sessions {
		if sess.Expired(now) {
			delete(r.s.sessions, id)
			deleted = append(deleted, id)
		}
	}
	r.s.mu.Unlock()

	for _, id := range deleted {
		r.s.publish(livequery.SessionTopic(id))
	}
	return int64(len(deleted)), nil
}

// compile-time interface check
var (
	_ Store             = (*MemoryStore)(nil)
	_ SessionRepository = memorySessions{}
)
