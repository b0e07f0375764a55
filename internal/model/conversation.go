package model

import "time"

// Side はメッセージの送信側を表す。
type Side string

const (
	// SideAdmin はサポート側から送信されたメッセージ。
	SideAdmin Side = "admin"
	// SideClient は顧客から送信されたメッセージ。
	SideClient Side = "client"
)

// DefaultFileName は添付ファイル名が空の場合の表示名。
const DefaultFileName = "archivo"

// Conversation は顧客1人につき1件存在するサポートとのスレッドを表す。
// IDは顧客のUIDと同一。
type Conversation struct {
	ID            string
	ClientUID     string
	ClientEmail   string
	ClientName    string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	LastMessageAt *time.Time
}

// Title は一覧や見出しに表示するタイトルを返す。
func (c Conversation) Title() string {
	if c.ClientName != "" {
		return c.ClientName
	}
	if c.ClientEmail != "" {
		return c.ClientEmail
	}
	return c.ClientUID
}

// FileRef はメッセージに添付されたファイルへの参照。
type FileRef struct {
	URL  string
	Name string
}

// DisplayName は表示用のファイル名を返す。
func (f FileRef) DisplayName() string {
	if f.Name != "" {
		return f.Name
	}
	return DefaultFileName
}

// Message は会話に属する1件のメッセージ。作成後は不変。
type Message struct {
	ID             string
	ConversationID string
	AuthorUID      string
	AuthorName     string
	AuthorEmail    string
	Text           string
	File           *FileRef
	Side           Side
	CreatedAt      time.Time
}

// MessageDraft は送信前のメッセージ。IDと作成時刻はストア側で付与する。
type MessageDraft struct {
	AuthorUID   string
	AuthorName  string
	AuthorEmail string
	Text        string
	File        *FileRef
	Side        Side
}

// DraftFrom は認証済みユーザーと送信側からMessageDraftを組み立てる。
func DraftFrom(author Identity, side Side, text string, file *FileRef) MessageDraft {
	return MessageDraft{
		AuthorUID:   author.UID,
		AuthorName:  author.DisplayName,
		AuthorEmail: author.Email,
		Text:        text,
		File:        file,
		Side:        side,
	}
}
