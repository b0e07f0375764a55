package auth

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/portaldesk/internal/livequery"
	"github.com/hitoshi/portaldesk/internal/model"
	"github.com/hitoshi/portaldesk/internal/repository"
)

// DefaultSessionRetryInterval は初回のセッション解決に失敗したときの再試行間隔。
const DefaultSessionRetryInterval = 5 * time.Second

// SessionSource は1つのビューに紐づく認証状態のストリーム。
// 現在のIdentityを通知した後、ログアウト、他所でのセッション削除、期限切れのいずれかでnilを通知する。
// セッションの読み込み失敗はサインアウトとして扱わない。
type SessionSource struct {
	sessions      repository.SessionRepository
	feed          livequery.Feed
	sessionID     string
	logger        *slog.Logger
	now           func() time.Time
	retryInterval time.Duration

	once     sync.Once
	resolved *model.Session
	err      error
}

// NewSessionSource はセッションIDに対するSessionSourceを生成する。
// sessionIDが空の場合は常にサインアウト状態を通知する。
func NewSessionSource(sessions repository.SessionRepository, feed livequery.Feed, sessionID string, logger *slog.Logger) *SessionSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionSource{
		sessions:      sessions,
		feed:          feed,
		sessionID:     sessionID,
		logger:        logger,
		now:           time.Now,
		retryInterval: DefaultSessionRetryInterval,
	}
}

// CompleteRedirect はリダイレクト完了後のセッションを1回だけ解決する。
// 2回目以降の呼び出しは最初の結果を返す。
// 読み込みに失敗した場合はmodel.ErrRemoteOperationFailedでラップしたエラーを返し、
// Watchは状態を通知せずに再試行する。
func (s *SessionSource) CompleteRedirect(ctx context.Context) error {
	s.once.Do(func() {
		s.resolved, s.err = s.load(ctx)
	})
	return s.err
}

// Watch は認証状態の変化をfnに通知する。fnは1つのgoroutineから順に呼ばれる。
// 返り値のstopはゴルーチンの終了を待つ。fnの中からstopを呼んではならない。
func (s *SessionSource) Watch(ctx context.Context, fn func(*model.Identity)) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	var signal <-chan struct{}
	unsubscribe := func() {}
	if s.sessionID != "" && s.feed != nil {
		signal, unsubscribe = s.feed.Subscribe(livequery.SessionTopic(s.sessionID))
	}

	go func() {
		defer close(done)
		defer unsubscribe()
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("auth state watcher panicked", slog.Any("panic", r))
			}
		}()
		s.watch(ctx, signal, fn)
	}()

	var stopOnce sync.Once
	return func() {
		stopOnce.Do(func() {
			cancel()
			<-done
		})
	}
}

func (s *SessionSource) watch(ctx context.Context, signal <-chan struct{}, fn func(*model.Identity)) {
	err := s.CompleteRedirect(ctx)
	session := s.resolved
	if err != nil {
		// 一時的な読み込み失敗ではサインアウト状態を通知しない
		s.logger.Warn("failed to resolve session", slog.Any("error", err))
		var ok bool
		if session, ok = s.retryResolve(ctx, signal); !ok {
			return
		}
	}
	if session == nil {
		fn(nil)
		return
	}

	identity := session.Identity
	fn(&identity)

	expiry := time.NewTimer(session.ExpiresAt.Sub(s.now()))
	defer expiry.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-expiry.C:
			s.logger.Info("session expired", slog.String("uid", identity.UID))
			fn(nil)
			return
		case <-signal:
			current, err := s.load(ctx)
			if err != nil {
				// 一時的な読み込み失敗ではサインアウトさせない
				s.logger.Warn("failed to reload session", slog.Any("error", err))
				continue
			}
			if current == nil {
				fn(nil)
				return
			}
		}
	}
}

// retryResolve はセッションを読み込めるまで、変更通知か再試行間隔ごとに読み込み直す。
// ctxが終了した場合はfalseを返す。
func (s *SessionSource) retryResolve(ctx context.Context, signal <-chan struct{}) (*model.Session, bool) {
	retry := time.NewTicker(s.retryInterval)
	defer retry.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, false
		case <-signal:
		case <-retry.C:
		}
		session, err := s.load(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, false
			}
			s.logger.Warn("failed to resolve session", slog.Any("error", err))
			continue
		}
		return session, true
	}
}

// load は有効なセッションを取得する。存在しないか期限切れならnilを返す。
func (s *SessionSource) load(ctx context.Context) (*model.Session, error) {
	if s.sessionID == "" || s.sessions == nil {
		return nil, nil
	}
	session, err := s.sessions.FindByID(ctx, s.sessionID)
	if err != nil {
		return nil, fmt.Errorf("%w: find session: %w", model.ErrRemoteOperationFailed, err)
	}
	if session == nil || session.Expired(s.now()) {
		return nil, nil
	}
	return session, nil
}
