// Package gateway はドキュメントストアへの型付きアクセスとライブクエリ購読を提供する。
//
// 全操作はストア未設定時にmodel.ErrRemoteUnavailableを返し、
// I/O失敗時はmodel.ErrRemoteOperationFailedでラップしたエラーを返す。
// 呼び出し側はerrors.Isで判定する。
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/hitoshi/portaldesk/internal/livequery"
	"github.com/hitoshi/portaldesk/internal/metrics"
	"github.com/hitoshi/portaldesk/internal/model"
	"github.com/hitoshi/portaldesk/internal/repository"
	"github.com/hitoshi/portaldesk/internal/security"
)

// MaxMessageLength はメッセージ本文の最大文字数。
const MaxMessageLength = 4000

// Gateway はリモートデータゲートウェイ。
type Gateway struct {
	store     repository.Store
	feed      livequery.Feed
	sanitizer security.MessageSanitizer
	guard     security.AttachmentGuard
	metrics   metrics.MetricsCollector
	logger    *slog.Logger

	baseCtx context.Context
	cancel  context.CancelFunc

	openMessages      atomic.Int64
	openConversations atomic.Int64
}

// New はストアに接続されたGatewayを生成する。
func New(
	store repository.Store,
	feed livequery.Feed,
	sanitizer security.MessageSanitizer,
	guard security.AttachmentGuard,
	m metrics.MetricsCollector,
	logger *slog.Logger,
) *Gateway {
	if m == nil {
		m = metrics.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Gateway{
		store:     store,
		feed:      feed,
		sanitizer: sanitizer,
		guard:     guard,
		metrics:   m,
		logger:    logger,
		baseCtx:   ctx,
		cancel:    cancel,
	}
}

// Unconfigured はストアが設定されていないGatewayを生成する。
// 全操作がmodel.ErrRemoteUnavailableを返す。
func Unconfigured(logger *slog.Logger) *Gateway {
	return New(nil, nil, nil, nil, nil, logger)
}

// Configured はストアが設定されているかを返す。
func (g *Gateway) Configured() bool {
	return g.store != nil
}

// Close は全リスナーのゴルーチンを停止する。シャットダウン時に使用する。
func (g *Gateway) Close() {
	g.cancel()
}

// OpenListeners は指定種別の購読中リスナー数を返す。
func (g *Gateway) OpenListeners(kind string) int {
	switch kind {
	case metrics.KindMessages:
		return int(g.openMessages.Load())
	case metrics.KindConversations:
		return int(g.openConversations.Load())
	}
	return 0
}

// UpsertProfile はプロフィールを作成またはマージ更新する。
// 既存プロフィールのroleとcreated_atは変更しない。冪等。
func (g *Gateway) UpsertProfile(ctx context.Context, identity model.Identity, defaultRole model.Role) (*model.UserProfile, error) {
	if !g.Configured() {
		return nil, model.ErrRemoteUnavailable
	}
	if identity.UID == "" {
		return nil, fmt.Errorf("identity uid is required")
	}

	profile, err := g.store.Profiles().Upsert(ctx, identity, defaultRole)
	if err != nil {
		return nil, g.fail("upsert_profile", err)
	}
	return profile, nil
}

// EnsureConversation は顧客の会話が存在しなければ作成する。作成した場合はtrueを返す。
// 同時に呼ばれても会話は1件だけ作成され、既存の会話は上書きされない。
func (g *Gateway) EnsureConversation(ctx context.Context, client model.Identity) (bool, error) {
	if !g.Configured() {
		return false, model.ErrRemoteUnavailable
	}
	if client.UID == "" {
		return false, fmt.Errorf("client uid is required")
	}

	created, err := g.store.Conversations().CreateIfAbsent(ctx, &model.Conversation{
		ID:          client.UID,
		ClientUID:   client.UID,
		ClientEmail: client.Email,
		ClientName:  client.DisplayName,
	})
	if err != nil {
		return false, g.fail("ensure_conversation", err)
	}
	if created {
		g.logger.Info("conversation created", slog.String("conversation_id", client.UID))
	}
	return created, nil
}

// GetConversation は会話を取得する。存在しない場合はnil, nilを返す。
func (g *Gateway) GetConversation(ctx context.Context, conversationID string) (*model.Conversation, error) {
	if !g.Configured() {
		return nil, model.ErrRemoteUnavailable
	}

	conv, err := g.store.Conversations().FindByID(ctx, conversationID)
	if err != nil {
		return nil, g.fail("get_conversation", err)
	}
	return conv, nil
}

// SendMessage はメッセージを追加し、会話のupdated_atとlast_message_atを更新する。
//
// 追加と会話の更新は別々の書き込みで、原子的ではない。
// 2つ目の書き込みが失敗してもメッセージは保存済みのため成功として返す。
// その場合、会話のメタデータは次の送信まで1件分遅れ、失敗はログとメトリクスにのみ残る。
func (g *Gateway) SendMessage(ctx context.Context, conversationID string, draft model.MessageDraft) (*model.Message, error) {
	if !g.Configured() {
		return nil, model.ErrRemoteUnavailable
	}

	clean, err := g.validateDraft(ctx, draft)
	if err != nil {
		return nil, err
	}

	msg, err := g.store.Messages().Append(ctx, conversationID, clean)
	if err != nil {
		return nil, g.fail("append_message", err)
	}
	if err := g.store.Conversations().Touch(ctx, conversationID); err != nil {
		// 再送すると重複するため呼び出し側には返さない
		g.metrics.RecordRemoteFailure("touch_conversation")
		g.logger.Warn("conversation metadata not updated",
			slog.String("conversation_id", conversationID),
			slog.String("message_id", msg.ID),
			slog.String("error", err.Error()),
		)
	}

	g.metrics.RecordMessageSent(string(clean.Side))
	g.logger.Info("message sent",
		slog.String("conversation_id", conversationID),
		slog.String("message_id", msg.ID),
		slog.String("side", string(clean.Side)),
		slog.Bool("has_file", clean.File != nil),
	)
	return msg, nil
}

// validateDraft は本文と添付ファイルを検証した下書きを返す。
func (g *Gateway) validateDraft(ctx context.Context, draft model.MessageDraft) (model.MessageDraft, error) {
	if draft.Side != model.SideAdmin && draft.Side != model.SideClient {
		return draft, fmt.Errorf("invalid message side: %q", draft.Side)
	}

	text, err := g.sanitize(draft.Text)
	if err != nil {
		return draft, err
	}
	draft.Text = text
	if utf8.RuneCountInString(draft.Text) > MaxMessageLength {
		return draft, model.NewMessageTooLongError(MaxMessageLength)
	}

	if draft.File != nil {
		file := model.FileRef{
			URL:  strings.TrimSpace(draft.File.URL),
			Name: strings.TrimSpace(draft.File.Name),
		}
		if g.guard != nil {
			if err := g.guard.Check(ctx, file); err != nil {
				return draft, err
			}
		}
		draft.File = &file
	}

	if draft.Text == "" && draft.File == nil {
		return draft, model.NewEmptyMessageError()
	}
	return draft, nil
}

func (g *Gateway) sanitize(text string) (string, error) {
	if g.sanitizer == nil {
		return strings.TrimSpace(text), nil
	}
	return g.sanitizer.Sanitize(text)
}

// GetSubscription は顧客の契約を取得する。存在しない場合はnil, nilを返す。
func (g *Gateway) GetSubscription(ctx context.Context, clientUID string) (*model.Subscription, error) {
	if !g.Configured() {
		return nil, model.ErrRemoteUnavailable
	}

	sub, err := g.store.Subscriptions().FindByClientUID(ctx, clientUID)
	if err != nil {
		return nil, g.fail("get_subscription", err)
	}
	return sub, nil
}

// SetSubscription は契約が存在しなければ作成し、存在すればパッチのフィールドのみ更新する。
func (g *Gateway) SetSubscription(ctx context.Context, clientUID string, patch model.SubscriptionPatch) (*model.Subscription, error) {
	if !g.Configured() {
		return nil, model.ErrRemoteUnavailable
	}
	if clientUID == "" {
		return nil, fmt.Errorf("client uid is required")
	}

	sub, err := g.store.Subscriptions().Upsert(ctx, clientUID, patch)
	if err != nil {
		return nil, g.fail("set_subscription", err)
	}
	g.logger.Info("subscription updated",
		slog.String("client_uid", clientUID),
		slog.String("plan_key", sub.PlanKey),
		slog.String("status", sub.Status),
	)
	return sub, nil
}

// RequestPlanChange は保留中のプラン変更リクエストを追記する。
func (g *Gateway) RequestPlanChange(ctx context.Context, client model.Identity, planKey string) error {
	if !g.Configured() {
		return model.ErrRemoteUnavailable
	}

	req := &model.PlanChangeRequest{
		ID:          uuid.New().String(),
		ClientUID:   client.UID,
		ClientEmail: client.Email,
		ClientName:  client.DisplayName,
		PlanKey:     planKey,
		Status:      model.PlanRequestStatusPending,
	}
	if err := g.store.PlanRequests().Append(ctx, req); err != nil {
		return g.fail("request_plan_change", err)
	}
	g.logger.Info("plan change requested",
		slog.String("client_uid", client.UID),
		slog.String("plan_key", planKey),
	)
	return nil
}

// fail はI/O失敗を記録し、ErrRemoteOperationFailedでラップして返す。
func (g *Gateway) fail(operation string, err error) error {
	g.metrics.RecordRemoteFailure(operation)
	g.logger.Warn("remote operation failed",
		slog.String("operation", operation),
		slog.String("error", err.Error()),
	)
	return fmt.Errorf("%w: %s: %w", model.ErrRemoteOperationFailed, operation, err)
}
