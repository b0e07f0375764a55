// Package repository はドキュメントストアへの永続化インターフェースを定義する。
//
// 各コレクション（users, conversations, messages, subscriptions, plan_requests, sessions）
// への読み書きと、ライブクエリ用のスナップショット取得を提供する。
// 変更通知はlivequeryパッケージのトピックとして配信される。
package repository

import (
	"context"

	"github.com/hitoshi/portaldesk/internal/model"
)

// ライブクエリの取得上限。
const (
	// MessageSnapshotLimit はメッセージスナップショットの最大件数（新しい順）。
	MessageSnapshotLimit = 60
	// ConversationSnapshotLimit は会話一覧スナップショットの最大件数（更新の新しい順）。
	ConversationSnapshotLimit = 200
)

// ProfileRepository はusersコレクションの永続化インターフェース。
type ProfileRepository interface {
	// FindByUID は指定UIDのプロフィールを取得する。見つからない場合はnilを返す。
	FindByUID(ctx context.Context, uid string) (*model.UserProfile, error)
	// Upsert はプロフィールを作成またはマージ更新する。
	// 新規作成時のみroleとcreated_atを書き込み、既存レコードではemail, display_name, photo_url, updated_atのみ更新する。
	Upsert(ctx context.Context, identity model.Identity, defaultRole model.Role) (*model.UserProfile, error)
}

// ConversationRepository はconversationsコレクションの永続化インターフェース。
type ConversationRepository interface {
	// FindByID は指定IDの会話を取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Conversation, error)
	// CreateIfAbsent は会話が存在しない場合のみ作成する。
	// 作成した場合はtrueを返す。同時呼び出しでも1件のみ作成される。
	CreateIfAbsent(ctx context.Context, conv *model.Conversation) (bool, error)
	// Touch はupdated_atとlast_message_atをサーバー時刻で更新する。
	Touch(ctx context.Context, id string) error
	// ListRecent はupdated_at降順で最大limit件の会話を返す。
	ListRecent(ctx context.Context, limit int) ([]model.Conversation, error)
}

// MessageRepository は会話ごとのmessagesサブコレクションの永続化インターフェース。
type MessageRepository interface {
	// Append はメッセージを追加する。IDとcreated_atはストアが付与する。
	Append(ctx context.Context, conversationID string, draft model.MessageDraft) (*model.Message, error)
	// ListLatest はcreated_at降順で最大limit件を取得し、昇順に並べ替えて返す。
	ListLatest(ctx context.Context, conversationID string, limit int) ([]model.Message, error)
}

// SubscriptionRepository はsubscriptionsコレクションの永続化インターフェース。
type SubscriptionRepository interface {
	// FindByClientUID は顧客の契約を取得する。見つからない場合はnilを返す。
	FindByClientUID(ctx context.Context, clientUID string) (*model.Subscription, error)
	// Upsert は契約が存在しなければ作成し、存在すればパッチのフィールドのみ更新する。
	Upsert(ctx context.Context, clientUID string, patch model.SubscriptionPatch) (*model.Subscription, error)
}

// PlanRequestRepository はplan_requestsコレクションの永続化インターフェース。
type PlanRequestRepository interface {
	// Append はプラン変更リクエストを追記する。
	Append(ctx context.Context, req *model.PlanChangeRequest) error
}

// SessionRepository はセッションデータの永続化インターフェース。
type SessionRepository interface {
	// Create はセッションを作成する。
	Create(ctx context.Context, session *model.Session) error
	// FindByID は指定IDのセッションを取得する。期限切れの場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Session, error)
	// DeleteByID は指定IDのセッションを削除する。
	DeleteByID(ctx context.Context, id string) error
	// DeleteExpired は期限切れセッションを削除し、削除件数を返す。
	DeleteExpired(ctx context.Context) (int64, error)
}

// Store はゲートウェイが必要とする全コレクションをまとめたインターフェース。
type Store interface {
	Profiles() ProfileRepository
	Conversations() ConversationRepository
	Messages() MessageRepository
	Subscriptions() SubscriptionRepository
	PlanRequests() PlanRequestRepository
}
