// Точка входа Share Module — сервиса временных ссылок на файлы.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"

	"github.com/bigkaa/goartstore/share-module/internal/api/handlers"
	"github.com/bigkaa/goartstore/share-module/internal/api/middleware"
	"github.com/bigkaa/goartstore/share-module/internal/api/openapi"
	"github.com/bigkaa/goartstore/share-module/internal/config"
	"github.com/bigkaa/goartstore/share-module/internal/database"
	"github.com/bigkaa/goartstore/share-module/internal/repository"
	"github.com/bigkaa/goartstore/share-module/internal/server"
	"github.com/bigkaa/goartstore/share-module/internal/service"
	"github.com/bigkaa/goartstore/share-module/internal/storage/blob"
	"github.com/bigkaa/goartstore/share-module/internal/storage/filestore"
	"github.com/bigkaa/goartstore/share-module/internal/storage/index"
	"github.com/bigkaa/goartstore/share-module/internal/storage/s3store"
	"github.com/bigkaa/goartstore/share-module/internal/storage/sweeplock"
	"github.com/bigkaa/goartstore/share-module/internal/storage/wal"
)

// startupTimeout — таймаут подключений к внешним системам при старте.
const startupTimeout = 30 * time.Second

func main() {
	// Загрузка конфигурации из переменных окружения
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Ошибка конфигурации: %v\n", err)
		os.Exit(1)
	}

	// Настройка логгера
	logger := config.SetupLogger(cfg)
	logger.Info("Share Module запускается",
		slog.String("version", config.Version),
		slog.Int("port", cfg.Port),
		slog.String("store", cfg.Store),
		slog.String("blob_backend", cfg.BlobBackend),
	)

	ctx := context.Background()
	startCtx, cancelStart := context.WithTimeout(ctx, startupTimeout)
	defer cancelStart()

	// --- Инициализация компонентов ---

	// 1. Хранилище записей
	var (
		store     repository.Store
		dephealth service.DephealthTargets
	)
	switch cfg.Store {
	case config.StorePostgres:
		if err := database.Migrate(cfg, logger); err != nil {
			logger.Error("Ошибка применения миграций", slog.String("error", err.Error()))
			os.Exit(1)
		}
		pool, err := database.Connect(startCtx, cfg, logger)
		if err != nil {
			logger.Error("Ошибка подключения к PostgreSQL", slog.String("error", err.Error()))
			os.Exit(1)
		}
		defer pool.Close()

		store = repository.NewPgStore(pool)
		dephealth.DB = stdlib.OpenDBFromPool(pool)
		dephealth.PgURL = pgLabelURL(cfg)
	default:
		store = index.New(logger)
		logger.Warn("Записи хранятся в памяти и будут потеряны при перезапуске")
	}

	// 2. Хранилище блобов
	blobs, localDir, err := openBlobStore(startCtx, cfg)
	if err != nil {
		logger.Error("Ошибка инициализации хранилища блобов", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if cfg.BlobBackend == config.BlobS3 {
		dephealth.S3URL = cfg.S3Endpoint
	}
	logger.Info("Хранилище блобов готово", slog.String("kind", blobs.Kind()))

	// 3. Журнал загрузок и восстановление прерванных пакетов
	journal, err := wal.New(cfg.WALDir, logger)
	if err != nil {
		logger.Error("Ошибка инициализации WAL", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 4. Сервисы
	links := service.NewLinks(cfg.PublicBaseURL)
	cache := service.NewTokenCache(cfg.CacheSize, cfg.CacheTTL)
	quota := service.NewQuotaTracker(store.Files(), cfg.OwnerQuota)

	uploadSvc := service.NewUploadService(store, blobs, journal, quota, links, service.UploadConfig{
		MaxFileSize: cfg.MaxFileSize,
		Parallelism: cfg.UploadParallelism,
	}, logger)
	downloadSvc := service.NewDownloadService(store, blobs, cache, logger)
	filesSvc := service.NewFileService(store, blobs, quota, cache, links, logger)

	recovered, err := uploadSvc.RecoverPending(startCtx)
	if err != nil {
		logger.Error("Ошибка восстановления журнала загрузок", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if recovered > 0 {
		logger.Warn("Незавершённые пакеты загрузки восстановлены", slog.Int("count", recovered))
	}

	var lock *sweeplock.Lock
	if cfg.SweepLock {
		lock = sweeplock.New(cfg.DataDir, logger)
	}
	sweeper := service.NewSweeper(store, blobs, cache, lock, logger)
	reconciler := service.NewReconcileService(store, blobs, cache, lock, cfg.OrphanGrace, logger)

	issuer := service.NewTokenIssuer(cfg.JWTSecret, cfg.JWTKeyID, cfg.JWTTTL)
	authSvc := service.NewAuthService(store.Users(), issuer, logger)

	// 5. Фоновые процессы
	// 5.1 Очистка истёкших файлов: сразу и каждые SM_SWEEP_INTERVAL
	sweepScheduler := service.NewScheduler("sweep", cfg.SweepInterval, func(ctx context.Context) {
		sweeper.Run(ctx)
		if _, err := journal.CleanCommitted(); err != nil {
			logger.Warn("Ошибка очистки журнала загрузок", slog.String("error", err.Error()))
		}
	}, logger)
	sweepScheduler.Start(ctx)

	// 5.2 Сверка блобов и записей (0 — выключена)
	var reconcileScheduler *service.Scheduler
	if cfg.ReconcileInterval > 0 {
		reconcileScheduler = service.NewScheduler("reconcile", cfg.ReconcileInterval, reconciler.Run, logger)
		reconcileScheduler.Start(ctx)
	}

	// 5.3 topologymetrics — мониторинг зависимостей
	dephealth.JWKSURL = cfg.JWKSURL
	dephealthSvc, dephealthErr := service.NewDephealthService(
		dephealthName(cfg),
		cfg.DephealthGroup,
		dephealth,
		cfg.DephealthCheckInterval,
		logger,
	)
	if errors.Is(dephealthErr, service.ErrNoDependencies) {
		logger.Info("Внешних зависимостей нет, topologymetrics не запускается")
		dephealthSvc = nil
	} else if dephealthErr != nil {
		logger.Warn("topologymetrics недоступен, запуск без мониторинга зависимостей",
			slog.String("error", dephealthErr.Error()),
		)
		dephealthSvc = nil
	} else if startErr := dephealthSvc.Start(ctx); startErr != nil {
		logger.Warn("Ошибка запуска topologymetrics", slog.String("error", startErr.Error()))
		dephealthSvc = nil
	}

	// 6. Redis и ограничение частоты запросов (опционально)
	var limiter *middleware.Limiter
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer func() { _ = rdb.Close() }()

		if err := rdb.Ping(startCtx).Err(); err != nil {
			// Ограничитель пропускает запросы при недоступном Redis
			logger.Warn("Redis недоступен, ограничение частоты не действует до восстановления",
				slog.String("addr", cfg.RedisAddr),
				slog.String("error", err.Error()),
			)
		}
		limiter = middleware.NewLimiter(rdb, "sm:ratelimit:", logger)
		logger.Info("Ограничение частоты запросов настроено",
			slog.Int("downloads", cfg.RateLimitDownloads),
			slog.Int("auth", cfg.RateLimitAuth),
			slog.Duration("window", cfg.RateLimitWindow),
		)
	}

	// 7. JWT
	secrets := map[string]string{cfg.JWTKeyID: cfg.JWTSecret}
	for kid, secret := range cfg.JWTPreviousKeys {
		secrets[kid] = secret
	}
	jwtAuth, err := middleware.NewJWTAuth(middleware.JWTAuthConfig{
		Secrets:   secrets,
		JWKSURL:   cfg.JWKSURL,
		JWTLeeway: cfg.JWTLeeway,
	}, logger)
	if err != nil {
		logger.Error("Ошибка инициализации JWT", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 8. Контракт API
	doc, err := openapi.Load(startCtx)
	if err != nil {
		logger.Error("Ошибка загрузки OpenAPI", slog.String("error", err.Error()))
		os.Exit(1)
	}
	docHandler, err := openapi.Handler(doc)
	if err != nil {
		logger.Error("Ошибка подготовки OpenAPI", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 9. Handlers и маршруты
	var diskUsage handlers.DiskUsageFunc
	if localDir != "" {
		diskUsage = diskUsageFn(localDir)
	}
	router := server.NewRouter(server.Routes{
		Files:       handlers.NewFilesHandler(uploadSvc, downloadSvc, filesSvc, cfg.OwnerQuota, logger),
		Auth:        handlers.NewAuthHandler(authSvc, logger),
		Health:      handlers.NewHealthHandler(localDir, blobs, journal, store),
		System:      handlers.NewSystemHandler(cfg, store.Kind(), blobs.Kind(), sweeper, diskUsage),
		Maintenance: handlers.NewMaintenanceHandler(sweeper, reconciler, logger),
		OpenAPI:     docHandler,

		JWT:                jwtAuth,
		Limiter:            limiter,
		RateLimitDownloads: cfg.RateLimitDownloads,
		RateLimitAuth:      cfg.RateLimitAuth,
		RateLimitWindow:    cfg.RateLimitWindow,
	},
		middleware.RequestLogger(logger),
		middleware.MetricsMiddleware(),
	)

	// 10. Создание и запуск HTTP-сервера
	srv := server.New(cfg, logger, router)
	runErr := srv.Run()

	// --- Graceful shutdown фоновых процессов ---
	logger.Info("Остановка фоновых процессов...")

	sweepScheduler.Stop()
	if reconcileScheduler != nil {
		reconcileScheduler.Stop()
	}
	if dephealthSvc != nil {
		dephealthSvc.Stop()
	}

	if runErr != nil {
		logger.Error("Ошибка сервера", slog.String("error", runErr.Error()))
		os.Exit(1)
	}
	logger.Info("Share Module остановлен")
}

// openBlobStore создаёт хранилище блобов. Для локального хранилища
// возвращает его директорию (проверки записи и ёмкости диска).
func openBlobStore(ctx context.Context, cfg *config.Config) (blob.Store, string, error) {
	// Директория данных нужна и для файла блокировки очистки
	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return nil, "", fmt.Errorf("создание директории данных %s: %w", cfg.DataDir, err)
	}

	if cfg.BlobBackend == config.BlobS3 {
		s3, err := s3store.New(ctx, s3store.Options{
			Endpoint:     cfg.S3Endpoint,
			Region:       cfg.S3Region,
			Bucket:       cfg.S3Bucket,
			AccessKey:    cfg.S3AccessKey,
			SecretKey:    cfg.S3SecretKey,
			Prefix:       cfg.S3Prefix,
			UsePathStyle: cfg.S3UsePathStyle,
		})
		if err != nil {
			return nil, "", err
		}
		return s3, "", nil
	}

	fs, err := filestore.New(cfg.DataDir)
	if err != nil {
		return nil, "", err
	}
	return fs, fs.DataDir(), nil
}

// pgLabelURL — URL PostgreSQL для меток topologymetrics (без учётных данных).
func pgLabelURL(cfg *config.Config) string {
	u := url.URL{
		Scheme: "postgres",
		Host:   cfg.DBHost + ":" + strconv.Itoa(cfg.DBPort),
		Path:   "/" + cfg.DBName,
	}
	return u.String()
}

// dephealthName — имя сервиса в метриках topologymetrics:
// DEPHEALTH_NAME или имя владельца пода из hostname.
func dephealthName(cfg *config.Config) string {
	if cfg.DephealthName != "" {
		return cfg.DephealthName
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "share-module"
	}
	return parseOwnerName(host)
}
