package realtime

import (
	"encoding/json"
	"time"

	"github.com/hitoshi/portaldesk/internal/model"
)

// サーバーからクライアントへのイベント種別。
const (
	EventState         = "state"
	EventConversations = "conversations"
	EventMessages      = "messages"
	EventSelection     = "selection"
	EventSubscription  = "subscription"
	EventError         = "error"
	EventAck           = "ack"
)

// クライアントからサーバーへのコマンド種別。
const (
	CommandSelect = "select"
	CommandSend   = "send"
)

// 認証状態。
const (
	StateSignedOut = "signedout"
	StateSignedIn  = "signedin"
	StateForbidden = "forbidden"
	StateMissing   = "missing"
)

// Envelope はサーバーが送るイベントのワイヤ形式。
type Envelope struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// Command はクライアントが送るコマンドのワイヤ形式。
type Command struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// SelectPayload はselectコマンドの内容。
type SelectPayload struct {
	ConversationID string `json:"conversationId"`
}

// SendPayload はsendコマンドの内容。
type SendPayload struct {
	Text string   `json:"text"`
	File *FileDTO `json:"file,omitempty"`
}

// StatePayload は認証状態の通知。
type StatePayload struct {
	State string   `json:"state"`
	User  *UserDTO `json:"user,omitempty"`
}

// UserDTO はサインイン中のユーザー。
type UserDTO struct {
	UID         string `json:"uid"`
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
	PhotoURL    string `json:"photoUrl,omitempty"`
	Label       string `json:"label"`
}

// FileDTO は添付ファイル。
type FileDTO struct {
	URL  string `json:"url"`
	Name string `json:"name,omitempty"`
}

// MessageDTO はメッセージ1件。
type MessageDTO struct {
	ID          string    `json:"id"`
	AuthorUID   string    `json:"authorUid"`
	AuthorName  string    `json:"authorName"`
	AuthorEmail string    `json:"authorEmail"`
	Text        string    `json:"text"`
	File        *FileDTO  `json:"file,omitempty"`
	FileLabel   string    `json:"fileLabel,omitempty"`
	Side        string    `json:"side"`
	Mine        bool      `json:"mine"`
	CreatedAt   time.Time `json:"createdAt"`
}

// MessagesPayload は会話のメッセージ一覧。一覧全体を置き換える。
type MessagesPayload struct {
	ConversationID string       `json:"conversationId"`
	Messages       []MessageDTO `json:"messages"`
}

// ConversationDTO は会話一覧の1行。
type ConversationDTO struct {
	ID            string     `json:"id"`
	Title         string     `json:"title"`
	ClientEmail   string     `json:"clientEmail"`
	UpdatedAt     time.Time  `json:"updatedAt"`
	LastMessageAt *time.Time `json:"lastMessageAt,omitempty"`
	Active        bool       `json:"active"`
}

// ConversationsPayload は会話一覧。一覧全体を置き換える。
type ConversationsPayload struct {
	Conversations []ConversationDTO `json:"conversations"`
	SelectedID    string            `json:"selectedId"`
}

// SelectionPayload は選択中の会話。
type SelectionPayload struct {
	ConversationID string `json:"conversationId"`
}

// SubscriptionPayload は契約表示。ポータルと管理コンソールで使うフィールドが異なる。
type SubscriptionPayload struct {
	ClientUID string `json:"clientUid,omitempty"`
	Summary   string `json:"summary"`
	PlanKey   string `json:"planKey,omitempty"`
	Status    string `json:"status,omitempty"`
	Exists    bool   `json:"exists"`
}

// ErrorPayload はエラー通知。requestIdがある場合は対応するコマンドの失敗。
type ErrorPayload struct {
	RequestID string `json:"requestId,omitempty"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	Category  string `json:"category"`
	Action    string `json:"action"`
}

// AckPayload はコマンドの成功通知。
type AckPayload struct {
	RequestID string `json:"requestId"`
}

func toUserDTO(id model.Identity) *UserDTO {
	return &UserDTO{
		UID:         id.UID,
		Email:       id.Email,
		DisplayName: id.DisplayName,
		PhotoURL:    id.PhotoURL,
		Label:       id.Label(),
	}
}

func toMessageDTOs(msgs []model.Message, viewerUID string) []MessageDTO {
	out := make([]MessageDTO, len(msgs))
	for i, m := range msgs {
		dto := MessageDTO{
			ID:          m.ID,
			AuthorUID:   m.AuthorUID,
			AuthorName:  m.AuthorName,
			AuthorEmail: m.AuthorEmail,
			Text:        m.Text,
			Side:        string(m.Side),
			Mine:        viewerUID != "" && m.AuthorUID == viewerUID,
			CreatedAt:   m.CreatedAt,
		}
		if m.File != nil {
			dto.File = &FileDTO{URL: m.File.URL, Name: m.File.Name}
			dto.FileLabel = m.File.DisplayName()
		}
		out[i] = dto
	}
	return out
}

func toConversationDTOs(convs []model.Conversation, selectedID string) []ConversationDTO {
	out := make([]ConversationDTO, len(convs))
	for i, c := range convs {
		out[i] = ConversationDTO{
			ID:            c.ID,
			Title:         c.Title(),
			ClientEmail:   c.ClientEmail,
			UpdatedAt:     c.UpdatedAt,
			LastMessageAt: c.LastMessageAt,
			Active:        c.ID == selectedID,
		}
	}
	return out
}

func toErrorPayload(requestID string, apiErr *model.APIError) ErrorPayload {
	return ErrorPayload{
		RequestID: requestID,
		Code:      apiErr.Code,
		Message:   apiErr.Message,
		Category:  apiErr.Category,
		Action:    apiErr.Action,
	}
}
