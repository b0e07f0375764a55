// Package realtime はブラウザのタブごとのビューセッションをWebSocketで提供する。
// 各セッションはバインダーと会話同期コントローラーを1つずつ持ち、描画をイベントとして送る。
package realtime

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/hitoshi/portaldesk/internal/auth"
	"github.com/hitoshi/portaldesk/internal/binder"
	"github.com/hitoshi/portaldesk/internal/chatsync"
	"github.com/hitoshi/portaldesk/internal/gateway"
	"github.com/hitoshi/portaldesk/internal/livequery"
	"github.com/hitoshi/portaldesk/internal/metrics"
	"github.com/hitoshi/portaldesk/internal/model"
	"github.com/hitoshi/portaldesk/internal/repository"
	"github.com/hitoshi/portaldesk/internal/subscription"
)

// SubscriptionLoader はビューに表示する契約情報の取得元。
type SubscriptionLoader interface {
	PortalSummary(ctx context.Context, client model.Identity) (*subscription.PortalView, error)
	AdminForm(ctx context.Context, clientUID string) (*subscription.AdminView, error)
}

// SendLimiter はユーザーごとのメッセージ送信頻度を制限する。
type SendLimiter interface {
	AllowMessage(uid string) bool
}

// ServerConfig はServerの依存関係。
type ServerConfig struct {
	Gateway        *gateway.Gateway
	Sessions       repository.SessionRepository
	Feed           livequery.Feed
	Policy         binder.AdminPolicy
	Subscriptions  SubscriptionLoader
	Limiter        SendLimiter
	Metrics        metrics.MetricsCollector
	Logger         *slog.Logger
	OriginPatterns []string
}

// Server はビューセッションを受け付ける。
type Server struct {
	config ServerConfig
	logger *slog.Logger

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	active  atomic.Int64
}

// NewServer はServerを生成する。
func NewServer(config ServerConfig) *Server {
	if config.Metrics == nil {
		config.Metrics = metrics.Nop{}
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		config:  config,
		logger:  config.Logger,
		baseCtx: ctx,
		cancel:  cancel,
	}
}

// Active は接続中のビューセッション数を返す。
func (s *Server) Active() int {
	return int(s.active.Load())
}

// Shutdown は全ビューセッションを閉じ、終了を待つ。
// ハイジャックされた接続はhttp.Server.Shutdownの対象外のため、ここで閉じる。
func (s *Server) Shutdown() {
	s.cancel()
	s.wg.Wait()
}

// Serve はWebSocketをアップグレードし、接続が閉じるまでビューセッションを実行する。
// sessionIDは認証Cookieの値で、空の場合はサインアウト状態として扱う。
func (s *Server) Serve(w http.ResponseWriter, r *http.Request, mode chatsync.Mode, sessionID string) {
	if s.baseCtx.Err() != nil {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}

	// http.ServerのRead/WriteTimeoutはハイジャック後の接続にも残るため解除する
	rc := http.NewResponseController(w)
	rc.SetReadDeadline(time.Time{})
	rc.SetWriteDeadline(time.Time{})

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.config.OriginPatterns,
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", slog.Any("error", err))
		return
	}
	conn.SetReadLimit(maxCommandBytes)

	s.wg.Add(1)
	defer s.wg.Done()
	s.active.Add(1)
	defer s.active.Add(-1)
	s.config.Metrics.ViewSessionOpened(string(mode))
	defer s.config.Metrics.ViewSessionClosed(string(mode))

	sess := newSession(s.baseCtx, mode, conn, s.config.Subscriptions, s.config.Limiter, s.logger)
	stopOnRequestEnd := context.AfterFunc(r.Context(), sess.shutdown)
	defer stopOnRequestEnd()

	sess.controller = chatsync.New(mode, s.config.Gateway, sess, sess.logger)
	source := auth.NewSessionSource(s.config.Sessions, s.config.Feed, sessionID, sess.logger)
	b := binder.New(s.config.Gateway, sess.controller, source, s.config.Policy, sess, sess.logger)

	sess.logger.Info("view session opened")

	binderDone := make(chan struct{})
	go func() {
		defer close(binderDone)
		if err := b.Run(sess.ctx); err != nil {
			sess.logger.Warn("binder stopped", slog.Any("error", err))
		}
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		sess.writeLoop()
	}()

	err = sess.readLoop()
	sess.shutdown()
	<-binderDone
	<-writerDone
	sess.pending.Wait()

	status := websocket.CloseStatus(err)
	switch {
	case status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway:
		conn.Close(websocket.StatusNormalClosure, "")
	case errors.Is(err, context.Canceled):
		conn.Close(websocket.StatusGoingAway, "view session closed")
	default:
		sess.logger.Debug("view session read ended", slog.Any("error", err))
		conn.CloseNow()
	}
	sess.logger.Info("view session closed")
}
