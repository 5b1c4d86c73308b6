package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hitoshi/livefeed/internal/auth"
	"github.com/hitoshi/livefeed/internal/config"
	"github.com/hitoshi/livefeed/internal/database"
	"github.com/hitoshi/livefeed/internal/feed"
	"github.com/hitoshi/livefeed/internal/handler"
	"github.com/hitoshi/livefeed/internal/hub"
	"github.com/hitoshi/livefeed/internal/image"
	"github.com/hitoshi/livefeed/internal/logger"
	"github.com/hitoshi/livefeed/internal/metrics"
	"github.com/hitoshi/livefeed/internal/middleware"
	"github.com/hitoshi/livefeed/internal/post"
	"github.com/hitoshi/livefeed/internal/repository"
	"github.com/hitoshi/livefeed/internal/security"
	"github.com/hitoshi/livefeed/internal/user"
	"github.com/hitoshi/livefeed/internal/worker/cleanup"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// ErrMemoryStoreWorker はインメモリストアでworkerを起動しようとした場合に返される。
// インメモリストアはプロセス間で共有できないため、掃除はserveプロセス内で行う。
var ErrMemoryStoreWorker = errors.New("worker requires a PostgreSQL DATABASE_URL; the in-memory store runs cleanup inside serve")

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. 設定されたレベルでロガーを再設定する
	logger.SetupDefaultWithLevel(w, logger.ParseLevel(cfg.LogLevel))

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.Bool("memory_store", cfg.UsesMemoryStore()),
	)

	switch cmd {
	case CommandServe:
		return runServe(cfg)
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// stores はリポジトリ群と、その背後の接続をまとめたもの。
type stores struct {
	users  repository.UserRepository
	posts  repository.PostRepository
	owners repository.OwnerSetRepository
	db     *sql.DB // インメモリストアの場合はnil
}

func (s *stores) Close() {
	if s.db != nil {
		s.db.Close()
	}
}

// openStores はDATABASE_URLに応じてPostgreSQLまたはインメモリのリポジトリを開く。
func openStores(cfg *config.Config) (*stores, error) {
	if cfg.UsesMemoryStore() {
		slog.Warn("using in-memory store; data is lost on restart")
		mem := repository.NewMemoryStore()
		return &stores{users: mem.Users(), posts: mem.Posts(), owners: mem.OwnerSets()}, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	db, err := database.Connect(ctx, cfg.DatabaseURL, database.DefaultPoolConfig())
	if err != nil {
		return nil, err
	}

	slog.Info("database connection established")

	return &stores{
		users:  repository.NewPostgresUserRepo(db),
		posts:  repository.NewPostgresPostRepo(db),
		owners: repository.NewPostgresOwnerSetRepo(db),
		db:     db,
	}, nil
}

// newPostStore は画像ストアと投稿ストアを構築する。
func newPostStore(cfg *config.Config, st *stores, collector *metrics.Collector) (*image.LocalStore, *post.Store, error) {
	var imageOpts []image.Option
	if collector != nil {
		imageOpts = append(imageOpts, image.WithCleanupRecorder(collector))
	}
	images, err := image.NewLocalStore(cfg.ImageDir, imageOpts...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open image store: %w", err)
	}

	var postOpts []post.Option
	if collector != nil {
		postOpts = append(postOpts, post.WithDeletionRecorder(collector))
	}
	posts := post.NewStore(st.posts, st.owners, images, security.NewContentSanitizer(), post.Config{
		TitleMinLength:   cfg.TitleMinLength,
		ContentMinLength: cfg.ContentMinLength,
		DefaultPageSize:  cfg.DefaultPageSize,
		MaxPageSize:      cfg.MaxPageSize,
	}, postOpts...)

	return images, posts, nil
}

// newCleanupJob はクリーンアップジョブを構築する。
func newCleanupJob(cfg *config.Config, st *stores, images *image.LocalStore, posts *post.Store, collector *metrics.Collector) *cleanup.CleanupJob {
	job := cleanup.NewCleanupJob(st.owners, images, posts, slog.Default())
	job.GracePeriod = cfg.OrphanGracePeriod
	if collector != nil {
		job.SetRecorder(collector)
	}
	return job
}

// runServe はAPIサーバーモードで起動する。
// 永続化層を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	// 1. 永続化層
	st, err := openStores(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	// 2. メトリクス
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(registry)

	// 3. 投稿・画像
	images, posts, err := newPostStore(cfg, st, collector)
	if err != nil {
		return err
	}

	// 4. 通知ハブ
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := hub.New(hub.Config{
		QueueSize:    cfg.HubQueueSize,
		ClientBuffer: cfg.HubClientBuffer,
	}, hub.WithRecorder(collector))
	go events.Run(ctx)

	// 5. ドメインサービス
	tokens := auth.NewTokenService(cfg.JWTSecretKey)
	authService := auth.NewService(st.users, tokens, auth.ServiceConfig{
		TokenTTL:   cfg.TokenTTL,
		BcryptCost: cfg.BcryptCost,
	})
	feedService := feed.NewService(posts, images, events,
		feed.WithMutationRecorder(collector),
		feed.WithPendingUploadTTL(cfg.OrphanGracePeriod),
	)
	userService := user.NewService(st.users, posts)

	// 6. インメモリストアは別プロセスのworkerから見えないため、掃除をここで行う
	if cfg.UsesMemoryStore() {
		job := newCleanupJob(cfg, st, images, posts, collector)
		go job.Start(ctx, cfg.CleanupInterval)
	}

	// 7. ルーターの構築
	// configのRateLimitGeneralはreq/min単位なのでreq/secに変換する
	rateLimiter := middleware.NewRateLimiter(middleware.NewRateLimiterConfig(cfg.RateLimitGeneral, cfg.RateLimitUpload))
	defer rateLimiter.Stop()

	deps := &handler.RouterDeps{
		TokenVerifier:       tokens,
		AuthFailureRecorder: collector,
		StatusRecorder:      collector,
		CORSAllowedOrigin:   cfg.CORSAllowedOrigin,
		RateLimiter:         rateLimiter,
		Logger:              slog.Default(),

		AuthService: authService,
		UserService: userService,

		FeedService:   feedService,
		MaxUploadSize: cfg.MaxUploadSize,
		ImageDir:      images.Dir(),

		Events:       events,
		SSEHeartbeat: cfg.SSEHeartbeat,

		MetricsGatherer: registry,
	}
	if st.db != nil {
		deps.HealthChecker = st.db
	}

	router := handler.NewRouter(deps)

	// 8. HTTPサーバーの起動
	// WriteTimeoutはSSEハンドラーが接続ごとに解除する
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-stop:
	case err := <-serverErr:
		return fmt.Errorf("server listen error: %w", err)
	}
	slog.Info("shutting down API server...")

	// SSE接続を先に終了させ、Shutdownが長時間接続を待たないようにする
	events.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// DB接続を開き、オーナーセットと未参照画像のクリーンアップジョブを定期実行する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	if cfg.UsesMemoryStore() {
		return ErrMemoryStoreWorker
	}

	// 1. DB接続
	st, err := openStores(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	// 2. 画像と投稿の参照確認
	images, posts, err := newPostStore(cfg, st, nil)
	if err != nil {
		return err
	}

	// 3. クリーンアップジョブの初期化
	job := newCleanupJob(cfg, st, images, posts, nil)

	// グレースフルシャットダウンのためのシグナルハンドリング
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-stop
		slog.Info("shutting down worker...")
		cancel()
	}()

	slog.Info("worker starting",
		slog.Duration("cleanup_interval", cfg.CleanupInterval),
		slog.Duration("orphan_grace_period", cfg.OrphanGracePeriod),
	)

	// クリーンアップジョブをメインgoroutineで実行（ブロッキング）
	job.Start(ctx, cfg.CleanupInterval)

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	if cfg.UsesMemoryStore() {
		slog.Info("in-memory store selected; no migrations to run")
		return nil
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

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
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
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
