// Package app はportaldeskの依存関係の組み立てと起動モードを提供する。
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/portaldesk/internal/auth"
	"github.com/hitoshi/portaldesk/internal/config"
	"github.com/hitoshi/portaldesk/internal/database"
	"github.com/hitoshi/portaldesk/internal/gateway"
	"github.com/hitoshi/portaldesk/internal/handler"
	"github.com/hitoshi/portaldesk/internal/livequery"
	"github.com/hitoshi/portaldesk/internal/logger"
	"github.com/hitoshi/portaldesk/internal/metrics"
	"github.com/hitoshi/portaldesk/internal/middleware"
	"github.com/hitoshi/portaldesk/internal/policy"
	"github.com/hitoshi/portaldesk/internal/realtime"
	"github.com/hitoshi/portaldesk/internal/repository"
	"github.com/hitoshi/portaldesk/internal/security"
	"github.com/hitoshi/portaldesk/internal/subscription"
	"github.com/hitoshi/portaldesk/internal/worker/cleanup"
)

const (
	dbConnectTimeout = 10 * time.Second
	shutdownTimeout  = 30 * time.Second
)

// Init はアプリケーションの初期化を行う。
// カレントディレクトリの.envを読み込み（存在しなければ無視）、JSON構造化ログをセットアップしてから
// 環境変数からConfigを読み込む。.envは既に設定済みの環境変数を上書きしない。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. .envの読み込み
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	// 2. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, logger.ParseLevel(os.Getenv("LOG_LEVEL")))

	// 3. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// runWithConfig は設定を読み込んでからモードごとの処理を実行する。
func runWithConfig(ctx context.Context, w io.Writer, cmd Command, run func(context.Context, *config.Config) error) error {
	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
		slog.String("store_driver", cfg.StoreDriver),
	)

	return run(ctx, cfg)
}

// storeBundle はストアドライバーごとに組み立てた永続化層。
// storeがnilの場合はストア未設定として扱う。
type storeBundle struct {
	db       *sql.DB
	store    repository.Store
	sessions repository.SessionRepository
}

func (b *storeBundle) Close() {
	if b.db != nil {
		b.db.Close()
	}
}

// openStore は設定に応じた永続化層を開く。
// postgresドライバーでDATABASE_URLが未設定の場合、セッションのみメモリに保持し、
// ゲートウェイはストア未設定として動作させる。
func openStore(ctx context.Context, cfg *config.Config, hub *livequery.Hub) (*storeBundle, error) {
	switch {
	case cfg.StoreDriver == config.StoreDriverMemory:
		mem := repository.NewMemoryStore(hub)
		slog.Warn("using in-memory store; data is lost on restart")
		return &storeBundle{store: mem, sessions: mem.Sessions()}, nil

	case cfg.DatabaseURL == "":
		slog.Warn("DATABASE_URL is not set; remote store is unconfigured")
		return &storeBundle{sessions: repository.NewMemoryStore(hub).Sessions()}, nil
	}

	db, err := database.Connect(ctx, cfg.DatabaseURL, dbConnectTimeout)
	if err != nil {
		return nil, err
	}
	slog.Info("database connection established")

	return &storeBundle{
		db:       db,
		store:    repository.NewPostgresStore(db),
		sessions: repository.NewPostgresSessionRepo(db),
	}, nil
}

// server はserveモードで組み立てた全コンポーネント。
type server struct {
	handler  http.Handler
	stores   *storeBundle
	gateway  *gateway.Gateway
	views    *realtime.Server
	limiter  *middleware.RateLimiter
	cancel   context.CancelFunc
	policies *policy.Store
}

// newServer は設定から全依存関係をワイヤリングし、バックグラウンド処理を開始する。
// 返されたserverは使用後にcloseすること。
func newServer(ctx context.Context, cfg *config.Config) (*server, error) {
	log := slog.Default()

	// 1. ライブクエリと永続化層
	hub := livequery.NewHub()
	stores, err := openStore(ctx, cfg, hub)
	if err != nil {
		return nil, err
	}

	// 2. メトリクス
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(reg)

	// 3. ゲートウェイ
	var gw *gateway.Gateway
	if stores.store != nil {
		gw = gateway.New(
			stores.store, hub,
			security.NewMessageSanitizer(),
			security.NewAttachmentGuard(cfg.AttachmentProbe, cfg.AttachmentTimeout),
			collector, log,
		)
	} else {
		gw = gateway.Unconfigured(log)
	}

	// 4. 管理者許可リストとプランカタログ
	envAdmins := policy.ParseAdminEmails(cfg.AdminEmails)
	initial, err := policy.Load(cfg.PolicyFile, envAdmins)
	if err != nil {
		stores.Close()
		return nil, fmt.Errorf("failed to load policy: %w", err)
	}
	policies := policy.NewStore(initial)
	if initial.AdminCount() == 0 {
		log.Warn("no admin emails configured; the admin console is unreachable")
	}

	bgCtx, cancel := context.WithCancel(context.Background())

	if cfg.PolicyFile != "" {
		watcher := policy.NewWatcher(cfg.PolicyFile, envAdmins, policies, log)
		go func() {
			if err := watcher.Run(bgCtx); err != nil {
				log.Error("policy watcher stopped", slog.String("error", err.Error()))
			}
		}()
	}

	if stores.db != nil {
		listener := livequery.NewPGListener(cfg.DatabaseURL, cfg.ListenerMinReconnect, cfg.ListenerMaxReconnect, hub, log)
		go func() {
			if err := listener.Run(bgCtx); err != nil {
				log.Error("live query listener stopped", slog.String("error", err.Error()))
			}
		}()
	}

	// 5. ドメインサービス
	subs := subscription.NewService(gw, policies)
	limiter := middleware.NewRateLimiter(middleware.PerMinute(cfg.RateLimitGeneral, cfg.RateLimitMessages))

	oauthProvider := auth.NewGoogleOAuthProvider(auth.GoogleOAuthConfig{
		ClientID:     cfg.GoogleClientID,
		ClientSecret: cfg.GoogleClientSecret,
		RedirectURL:  cfg.GoogleRedirectURL,
		HTTPClient:   &http.Client{Timeout: 10 * time.Second},
	})
	authService := auth.NewService(oauthProvider, stores.sessions, auth.ServiceConfig{SessionMaxAge: cfg.SessionMaxAge})

	views := realtime.NewServer(realtime.ServerConfig{
		Gateway:        gw,
		Sessions:       stores.sessions,
		Feed:           hub,
		Policy:         policies,
		Subscriptions:  subs,
		Limiter:        limiter,
		Metrics:        collector,
		Logger:         log,
		OriginPatterns: originPatterns(cfg.BaseURL, cfg.CORSAllowedOrigin),
	})

	// 6. ルーター
	deps := &handler.RouterDeps{
		SessionFinder:     stores.sessions,
		AdminPolicy:       policies,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		CSRFConfig: middleware.CSRFConfig{
			CookieSecure: cfg.CookieSecure,
			CookieDomain: cfg.CookieDomain,
		},
		SecurityHeaders: middleware.SecurityHeadersConfig{HSTS: cfg.CookieSecure},
		RateLimiter:     limiter,
		Logger:          log,
		Metrics:         collector,

		StoreConfigured: gw.Configured(),
		MetricsHandler:  metrics.Handler(reg),

		AuthService: authService,
		AuthConfig: handler.AuthHandlerConfig{
			BaseURL:       cfg.BaseURL,
			CookieDomain:  cfg.CookieDomain,
			CookieSecure:  cfg.CookieSecure,
			SessionMaxAge: cfg.SessionMaxAge,
		},

		PortalSubscriptions: subs,
		AdminSubscriptions:  subs,
		Messages:            gw,
		Views:               views,
	}
	if stores.db != nil {
		deps.Health = stores.db
	}

	return &server{
		handler:  handler.NewRouter(deps),
		stores:   stores,
		gateway:  gw,
		views:    views,
		limiter:  limiter,
		cancel:   cancel,
		policies: policies,
	}, nil
}

// close はビューセッションを終了させ、バックグラウンド処理と接続を解放する。
func (s *server) close() {
	s.views.Shutdown()
	s.cancel()
	s.limiter.Stop()
	s.gateway.Close()
	s.stores.Close()
}

// originPatterns はWebSocketのOriginチェックで許可するホストを返す。
func originPatterns(origins ...string) []string {
	var hosts []string
	seen := make(map[string]bool)
	for _, o := range origins {
		u, err := url.Parse(o)
		if err != nil || u.Host == "" || seen[u.Host] {
			continue
		}
		seen[u.Host] = true
		hosts = append(hosts, u.Host)
	}
	return hosts
}

// runServe はAPIサーバーモードで起動する。
// ctxがキャンセルされるとグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config) error {
	srv, err := newServer(ctx, cfg)
	if err != nil {
		return err
	}
	defer srv.close()

	httpServer := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      srv.handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("API server starting", slog.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server listen error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("shutting down API server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// ハイジャック済みのWebSocket接続はShutdownの対象外のため、先にビューセッションを閉じる
	srv.views.Shutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// 期限切れセッションの削除をSESSION_CLEANUP_INTERVAL間隔で実行する。
func runWorker(ctx context.Context, cfg *config.Config) error {
	if cfg.StoreDriver != config.StoreDriverPostgres || cfg.DatabaseURL == "" {
		return errors.New("worker requires the postgres store driver and DATABASE_URL")
	}

	db, err := database.Connect(ctx, cfg.DatabaseURL, dbConnectTimeout)
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("database connection established (worker)")

	job := cleanup.NewCleanupJob(repository.NewPostgresSessionRepo(db), slog.Default())
	job.Start(ctx, cfg.SessionCleanupInterval)

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(_ context.Context, cfg *config.Config) error {
	if cfg.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required for migrate")
	}

	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	version, err := database.RunMigrations(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully", slog.Uint64("version", uint64(version)))
	return nil
}

// runHealthcheck は/healthにHTTPリクエストを送り、200以外ならエラーを返す。
// ストア未設定でもプロセスは正常とみなす。
func runHealthcheck(ctx context.Context, baseURL string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	if u.User != nil {
		u.User = url.User("***")
	}
	u.RawQuery = ""
	return u.String()
}
