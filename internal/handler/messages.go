package handler

import (
	"context"
	"strings"
	"time"

	"github.com/hitoshi/portaldesk/internal/model"
)

// MessageGateway はRESTからのメッセージ送信に必要なゲートウェイ操作。
type MessageGateway interface {
	EnsureConversation(ctx context.Context, client model.Identity) (bool, error)
	GetConversation(ctx context.Context, conversationID string) (*model.Conversation, error)
	SendMessage(ctx context.Context, conversationID string, draft model.MessageDraft) (*model.Message, error)
}

// sendMessageRequest はメッセージ送信リクエストのボディ。
type sendMessageRequest struct {
	Text string       `json:"text"`
	File *fileRequest `json:"file,omitempty"`
}

type fileRequest struct {
	URL  string `json:"url"`
	Name string `json:"name,omitempty"`
}

// messageResponse は送信済みメッセージのAPIレスポンス。
type messageResponse struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversationId"`
	AuthorUID      string        `json:"authorUid"`
	AuthorName     string        `json:"authorName"`
	Text           string        `json:"text"`
	File           *fileResponse `json:"file,omitempty"`
	Side           model.Side    `json:"side"`
	CreatedAt      time.Time     `json:"createdAt"`
}

type fileResponse struct {
	URL   string `json:"url"`
	Name  string `json:"name"`
	Label string `json:"label"`
}

// draft は送信リクエストから下書きを作る。空白のみの本文は空として扱う。
func (req sendMessageRequest) draft(author model.Identity, side model.Side) model.MessageDraft {
	var file *model.FileRef
	if req.File != nil && strings.TrimSpace(req.File.URL) != "" {
		file = &model.FileRef{URL: req.File.URL, Name: req.File.Name}
	}
	return model.DraftFrom(author, side, strings.TrimSpace(req.Text), file)
}

// empty は本文も添付もない場合にtrueを返す。
func (req sendMessageRequest) empty() bool {
	return strings.TrimSpace(req.Text) == "" && (req.File == nil || strings.TrimSpace(req.File.URL) == "")
}

func toMessageResponse(m *model.Message) messageResponse {
	resp := messageResponse{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		AuthorUID:      m.AuthorUID,
		AuthorName:     m.AuthorName,
		Text:           m.Text,
		Side:           m.Side,
		CreatedAt:      m.CreatedAt,
	}
	if m.File != nil {
		resp.File = &fileResponse{URL: m.File.URL, Name: m.File.Name, Label: m.File.DisplayName()}
	}
	return resp
}
