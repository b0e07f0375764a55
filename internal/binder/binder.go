// Package binder は認証状態の変化を会話同期コントローラーに結びつける。
// ビューごとに1つ生成され、サインイン時のプロフィール作成と会話の準備を行う。
package binder

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/hitoshi/portaldesk/internal/auth"
	"github.com/hitoshi/portaldesk/internal/chatsync"
	"github.com/hitoshi/portaldesk/internal/gateway"
	"github.com/hitoshi/portaldesk/internal/model"
	"github.com/hitoshi/portaldesk/internal/policy"
)

// AuthStateSource は認証状態のストリーム。
type AuthStateSource interface {
	// CompleteRedirect はリダイレクトによるサインインの結果を1回だけ解決する。
	CompleteRedirect(ctx context.Context) error
	// Watch は現在の状態と以降の変化をfnに通知する。nilはサインアウトを表す。
	Watch(ctx context.Context, fn func(*model.Identity)) (stop func())
}

// StatusView は認証状態の表示先。
type StatusView interface {
	ShowSignedOut()
	ShowSignedIn(identity model.Identity)
	ShowForbidden(identity model.Identity)
	ShowMissingConfig()
	ShowError(err error)
}

// Remote はサインイン時に使うゲートウェイ操作。
type Remote interface {
	Configured() bool
	UpsertProfile(ctx context.Context, identity model.Identity, defaultRole model.Role) (*model.UserProfile, error)
	EnsureConversation(ctx context.Context, client model.Identity) (bool, error)
}

// Controller は会話同期コントローラーのうちバインダーが使う操作。
type Controller interface {
	Mode() chatsync.Mode
	Bind(identity model.Identity) error
	Unbind()
}

// AdminPolicy は管理者許可リスト。
type AdminPolicy interface {
	IsAdmin(email string) bool
}

// Binder はビュー1つ分の認証状態を管理する。
type Binder struct {
	remote     Remote
	controller Controller
	source     AuthStateSource
	policy     AdminPolicy
	view       StatusView
	logger     *slog.Logger

	mu      sync.Mutex
	ctx     context.Context
	current *model.Identity
}

// New はBinderを生成する。
func New(remote Remote, controller Controller, source AuthStateSource, policy AdminPolicy, view StatusView, logger *slog.Logger) *Binder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Binder{
		remote:     remote,
		controller: controller,
		source:     source,
		policy:     policy,
		view:       view,
		logger:     logger.With(slog.String("mode", string(controller.Mode()))),
	}
}

// Run はctxがキャンセルされるまで認証状態を監視する。
// 終了時にはコントローラーの全リスナーを閉じる。
func (b *Binder) Run(ctx context.Context) error {
	if !b.remote.Configured() {
		b.view.ShowMissingConfig()
		<-ctx.Done()
		return nil
	}

	b.mu.Lock()
	b.ctx = ctx
	b.mu.Unlock()

	if err := b.source.CompleteRedirect(ctx); err != nil {
		// 状態はWatchが解決するまで表示しない。失敗は1回限りのエラーとして伝える
		b.logger.Warn("failed to complete sign-in redirect", slog.Any("error", err))
		b.view.ShowError(err)
	}

	stop := b.source.Watch(ctx, b.handle)
	<-ctx.Done()
	stop()

	b.mu.Lock()
	b.current = nil
	b.mu.Unlock()
	b.controller.Unbind()
	return nil
}

// Current は現在サインイン中のユーザーを返す。
func (b *Binder) Current() *model.Identity {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.current == nil {
		return nil
	}
	id := *b.current
	return &id
}

func (b *Binder) handle(identity *model.Identity) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("auth state handler panicked", slog.Any("panic", r))
		}
	}()

	b.mu.Lock()
	ctx := b.ctx
	prev := b.current
	b.mu.Unlock()

	if identity == nil {
		if prev != nil {
			b.controller.Unbind()
			b.setCurrent(nil)
			b.logger.Info("signed out", slog.String("uid", prev.UID))
		}
		b.view.ShowSignedOut()
		return
	}

	if prev != nil && prev.UID == identity.UID {
		return
	}
	if prev != nil {
		b.controller.Unbind()
		b.setCurrent(nil)
	}

	if err := b.signIn(ctx, *identity); err != nil {
		b.showError(err)
	}
}

// signIn はサインインしたユーザーのプロフィールと会話を準備し、コントローラーをバインドする。
func (b *Binder) signIn(ctx context.Context, identity model.Identity) error {
	mode := b.controller.Mode()

	if mode == chatsync.ModeAdmin && (b.policy == nil || !b.policy.IsAdmin(identity.Email)) {
		b.setCurrent(&identity)
		b.logger.Warn("admin access denied", slog.String("uid", identity.UID), slog.String("email", identity.Email))
		b.view.ShowForbidden(identity)
		return nil
	}

	if _, err := b.remote.UpsertProfile(ctx, identity, mode.DefaultRole()); err != nil {
		return err
	}
	if mode == chatsync.ModePortal {
		if _, err := b.remote.EnsureConversation(ctx, identity); err != nil {
			return err
		}
	}

	b.setCurrent(&identity)
	b.view.ShowSignedIn(identity)
	if err := b.controller.Bind(identity); err != nil {
		b.setCurrent(nil)
		return err
	}
	b.logger.Info("signed in", slog.String("uid", identity.UID))
	return nil
}

func (b *Binder) setCurrent(identity *model.Identity) {
	b.mu.Lock()
	b.current = identity
	b.mu.Unlock()
}

func (b *Binder) showError(err error) {
	switch {
	case errors.Is(err, model.ErrRemoteUnavailable):
		b.view.ShowMissingConfig()
	default:
		b.logger.Warn("sign-in preparation failed", slog.Any("error", err))
		b.view.ShowError(err)
	}
}

// compile-time interface check
var (
	_ AuthStateSource = (*auth.SessionSource)(nil)
	_ Remote          = (*gateway.Gateway)(nil)
	_ Controller      = (*chatsync.Controller)(nil)
	_ AdminPolicy     = (*policy.Store)(nil)
)
