// Пакет config — загрузка и валидация конфигурации Share Module
// из переменных окружения с префиксом SM_.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Версия приложения, задаётся при сборке через -ldflags.
var Version = "dev"

// Хранилища записей.
const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// Хранилища блобов.
const (
	BlobLocal = "local"
	BlobS3    = "s3"
)

// mib — мебибайт для значений по умолчанию.
const mib = 1024 * 1024

// Config содержит все параметры конфигурации Share Module.
type Config struct {
	// Порт HTTP-сервера
	Port int
	// Базовый URL ссылок скачивания: ссылка = PublicBaseURL + "/download/" + token
	PublicBaseURL string

	// Директория блобов (для BlobBackend = local) и файла блокировки очистки
	DataDir string
	// Директория журнала загрузок
	WALDir string

	// Максимальный размер одного файла в байтах
	MaxFileSize int64
	// Квота владельца: сумма размеров всех его файлов
	OwnerQuota int64
	// Параллельность записи блобов в одной загрузке
	UploadParallelism int

	// Интервал очистки истёкших файлов
	SweepInterval time.Duration
	// Межпроцессная блокировка очистки через flock (общий том)
	SweepLock bool
	// Интервал сверки блобов и записей
	ReconcileInterval time.Duration
	// Минимальный возраст блоба без записи, после которого он удаляется сверкой
	OrphanGrace time.Duration

	// Хранилище записей: postgres или memory
	Store string
	// Параметры PostgreSQL (только для Store = postgres)
	DBHost     string
	DBPort     int
	DBName     string
	DBUser     string
	DBPassword string
	DBSSLMode  string
	DBMaxConns int

	// Хранилище блобов: local или s3
	BlobBackend    string
	S3Endpoint     string
	S3Region       string
	S3Bucket       string
	S3AccessKey    string
	S3SecretKey    string
	S3Prefix       string
	S3UsePathStyle bool

	// Секрет HS256 для выпуска и проверки токенов доступа
	JWTSecret string
	// Идентификатор текущего ключа (заголовок kid)
	JWTKeyID string
	// Предыдущие ключи для проверки токенов после ротации: kid → secret
	JWTPreviousKeys map[string]string
	// Время жизни токена доступа
	JWTTTL time.Duration
	// Допустимое отклонение часов при проверке exp/nbf
	JWTLeeway time.Duration
	// Внешний JWKS (RS256) — дополнительный источник ключей (опционально)
	JWKSURL string

	// Redis для ограничения частоты запросов (пусто — ограничение выключено)
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	// Лимиты запросов на окно: скачивание по токену и auth-маршруты
	RateLimitDownloads int
	RateLimitAuth      int
	RateLimitWindow    time.Duration

	// LRU-кэш токенов скачивания
	CacheSize int
	CacheTTL  time.Duration

	// TLS (оба пути или ни одного)
	TLSCert string
	TLSKey  string

	// Уровень логирования (debug, info, warn, error)
	LogLevel slog.Level
	// Формат логов (json, text)
	LogFormat string

	// Интервал проверки зависимостей topologymetrics
	DephealthCheckInterval time.Duration
	// Имя группы в метриках topologymetrics
	DephealthGroup string
	// Имя владельца пода для метки name в topologymetrics (DEPHEALTH_NAME)
	DephealthName string

	// Таймаут graceful shutdown HTTP-сервера
	ShutdownTimeout time.Duration
}

// Load загружает конфигурацию из переменных окружения, валидирует
// обязательные поля и возвращает Config или ошибку.
func Load() (*Config, error) {
	cfg := &Config{}
	var err error

	// SM_PORT — порт HTTP-сервера (по умолчанию 8080)
	cfg.Port, err = getEnvInt("SM_PORT", 8080)
	if err != nil {
		return nil, fmt.Errorf("SM_PORT: %w", err)
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, fmt.Errorf("SM_PORT: значение %d вне допустимого диапазона 1-65535", cfg.Port)
	}

	// SM_PUBLIC_BASE_URL — база ссылок скачивания
	cfg.PublicBaseURL = strings.TrimRight(
		getEnvDefault("SM_PUBLIC_BASE_URL", fmt.Sprintf("http://localhost:%d/api/files", cfg.Port)), "/")
	if u, perr := url.Parse(cfg.PublicBaseURL); perr != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("SM_PUBLIC_BASE_URL: некорректный URL %q", cfg.PublicBaseURL)
	}

	// SM_DATA_DIR, SM_WAL_DIR — обязательные
	if cfg.DataDir, err = getEnvRequired("SM_DATA_DIR"); err != nil {
		return nil, err
	}
	if cfg.WALDir, err = getEnvRequired("SM_WAL_DIR"); err != nil {
		return nil, err
	}

	// SM_MAX_FILE_SIZE — лимит файла (по умолчанию 50 MiB)
	if cfg.MaxFileSize, err = getEnvPositiveInt64("SM_MAX_FILE_SIZE", 50*mib); err != nil {
		return nil, err
	}
	// SM_OWNER_QUOTA — квота владельца (по умолчанию 50 MiB)
	if cfg.OwnerQuota, err = getEnvPositiveInt64("SM_OWNER_QUOTA", 50*mib); err != nil {
		return nil, err
	}

	cfg.UploadParallelism, err = getEnvInt("SM_UPLOAD_PARALLELISM", 4)
	if err != nil {
		return nil, fmt.Errorf("SM_UPLOAD_PARALLELISM: %w", err)
	}
	if cfg.UploadParallelism < 1 {
		return nil, fmt.Errorf("SM_UPLOAD_PARALLELISM: значение должно быть >= 1")
	}

	// SM_SWEEP_INTERVAL — интервал очистки (по умолчанию 1h)
	if cfg.SweepInterval, err = getEnvPositiveDuration("SM_SWEEP_INTERVAL", time.Hour); err != nil {
		return nil, err
	}
	if cfg.SweepLock, err = getEnvBool("SM_SWEEP_LOCK", true); err != nil {
		return nil, fmt.Errorf("SM_SWEEP_LOCK: %w", err)
	}
	// SM_RECONCILE_INTERVAL — интервал сверки (по умолчанию 6h)
	if cfg.ReconcileInterval, err = getEnvPositiveDuration("SM_RECONCILE_INTERVAL", 6*time.Hour); err != nil {
		return nil, err
	}
	// SM_ORPHAN_GRACE — возраст блоба-сироты до удаления (по умолчанию 1h)
	if cfg.OrphanGrace, err = getEnvPositiveDuration("SM_ORPHAN_GRACE", time.Hour); err != nil {
		return nil, err
	}

	// SM_STORE — postgres (по умолчанию) или memory
	cfg.Store = getEnvDefault("SM_STORE", StorePostgres)
	switch cfg.Store {
	case StorePostgres:
		if err := loadDatabase(cfg); err != nil {
			return nil, err
		}
	case StoreMemory:
	default:
		return nil, fmt.Errorf("SM_STORE: недопустимое значение %q, допустимые: postgres, memory", cfg.Store)
	}

	// SM_BLOB_BACKEND — local (по умолчанию) или s3
	cfg.BlobBackend = getEnvDefault("SM_BLOB_BACKEND", BlobLocal)
	switch cfg.BlobBackend {
	case BlobLocal:
	case BlobS3:
		if err := loadS3(cfg); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("SM_BLOB_BACKEND: недопустимое значение %q, допустимые: local, s3", cfg.BlobBackend)
	}

	if err := loadAuth(cfg); err != nil {
		return nil, err
	}

	// Redis и лимиты запросов
	cfg.RedisAddr = getEnvDefault("SM_REDIS_ADDR", "")
	cfg.RedisPassword = getEnvDefault("SM_REDIS_PASSWORD", "")
	if cfg.RedisDB, err = getEnvInt("SM_REDIS_DB", 0); err != nil {
		return nil, fmt.Errorf("SM_REDIS_DB: %w", err)
	}
	if cfg.RateLimitDownloads, err = getEnvInt("SM_RATE_LIMIT_DOWNLOADS", 60); err != nil {
		return nil, fmt.Errorf("SM_RATE_LIMIT_DOWNLOADS: %w", err)
	}
	if cfg.RateLimitAuth, err = getEnvInt("SM_RATE_LIMIT_AUTH", 10); err != nil {
		return nil, fmt.Errorf("SM_RATE_LIMIT_AUTH: %w", err)
	}
	if cfg.RateLimitWindow, err = getEnvPositiveDuration("SM_RATE_LIMIT_WINDOW", time.Minute); err != nil {
		return nil, err
	}

	// Кэш токенов
	if cfg.CacheSize, err = getEnvInt("SM_CACHE_SIZE", 1024); err != nil {
		return nil, fmt.Errorf("SM_CACHE_SIZE: %w", err)
	}
	if cfg.CacheSize < 1 {
		return nil, fmt.Errorf("SM_CACHE_SIZE: значение должно быть >= 1")
	}
	if cfg.CacheTTL, err = getEnvPositiveDuration("SM_CACHE_TTL", 30*time.Second); err != nil {
		return nil, err
	}

	// TLS — оба параметра или ни одного
	cfg.TLSCert = getEnvDefault("SM_TLS_CERT", "")
	cfg.TLSKey = getEnvDefault("SM_TLS_KEY", "")
	if (cfg.TLSCert == "") != (cfg.TLSKey == "") {
		return nil, fmt.Errorf("SM_TLS_CERT и SM_TLS_KEY задаются только вместе")
	}

	// SM_LOG_LEVEL — уровень логирования (по умолчанию info)
	cfg.LogLevel, err = parseLogLevel(getEnvDefault("SM_LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("SM_LOG_LEVEL: %w", err)
	}

	// SM_LOG_FORMAT — формат логов (по умолчанию json)
	cfg.LogFormat = getEnvDefault("SM_LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("SM_LOG_FORMAT: недопустимое значение %q, допустимые: json, text", cfg.LogFormat)
	}

	// SM_DEPHEALTH_CHECK_INTERVAL — интервал проверки зависимостей (по умолчанию 15s)
	if cfg.DephealthCheckInterval, err = getEnvPositiveDuration("SM_DEPHEALTH_CHECK_INTERVAL", 15*time.Second); err != nil {
		return nil, err
	}
	cfg.DephealthGroup = getEnvDefault("SM_DEPHEALTH_GROUP", "share-module")
	cfg.DephealthName = getEnvDefault("DEPHEALTH_NAME", "")

	// SM_SHUTDOWN_TIMEOUT — таймаут graceful shutdown (по умолчанию 10s)
	if cfg.ShutdownTimeout, err = getEnvPositiveDuration("SM_SHUTDOWN_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadDatabase читает параметры PostgreSQL.
func loadDatabase(cfg *Config) error {
	var err error

	if cfg.DBHost, err = getEnvRequired("SM_DB_HOST"); err != nil {
		return err
	}
	if cfg.DBPort, err = getEnvInt("SM_DB_PORT", 5432); err != nil {
		return fmt.Errorf("SM_DB_PORT: %w", err)
	}
	if cfg.DBName, err = getEnvRequired("SM_DB_NAME"); err != nil {
		return err
	}
	if cfg.DBUser, err = getEnvRequired("SM_DB_USER"); err != nil {
		return err
	}
	if cfg.DBPassword, err = getEnvRequired("SM_DB_PASSWORD"); err != nil {
		return err
	}

	cfg.DBSSLMode = getEnvDefault("SM_DB_SSL_MODE", "disable")
	validSSLModes := map[string]bool{"disable": true, "require": true, "verify-ca": true, "verify-full": true}
	if !validSSLModes[cfg.DBSSLMode] {
		return fmt.Errorf("SM_DB_SSL_MODE: недопустимое значение %q, допустимые: disable, require, verify-ca, verify-full", cfg.DBSSLMode)
	}

	if cfg.DBMaxConns, err = getEnvInt("SM_DB_MAX_CONNS", 10); err != nil {
		return fmt.Errorf("SM_DB_MAX_CONNS: %w", err)
	}
	if cfg.DBMaxConns < 1 {
		return fmt.Errorf("SM_DB_MAX_CONNS: значение должно быть >= 1")
	}
	return nil
}

// loadS3 читает параметры S3-хранилища.
func loadS3(cfg *Config) error {
	var err error

	cfg.S3Endpoint = getEnvDefault("SM_S3_ENDPOINT", "")
	cfg.S3Region = getEnvDefault("SM_S3_REGION", "us-east-1")
	if cfg.S3Bucket, err = getEnvRequired("SM_S3_BUCKET"); err != nil {
		return err
	}
	if cfg.S3AccessKey, err = getEnvRequired("SM_S3_ACCESS_KEY"); err != nil {
		return err
	}
	if cfg.S3SecretKey, err = getEnvRequired("SM_S3_SECRET_KEY"); err != nil {
		return err
	}
	cfg.S3Prefix = getEnvDefault("SM_S3_PREFIX", "")
	if cfg.S3Prefix != "" && !strings.HasSuffix(cfg.S3Prefix, "/") {
		cfg.S3Prefix += "/"
	}
	if cfg.S3UsePathStyle, err = getEnvBool("SM_S3_USE_PATH_STYLE", true); err != nil {
		return fmt.Errorf("SM_S3_USE_PATH_STYLE: %w", err)
	}
	return nil
}

// minJWTSecretLen — минимальная длина секрета HS256 (256 бит).
const minJWTSecretLen = 32

// loadAuth читает параметры выпуска и проверки токенов доступа.
func loadAuth(cfg *Config) error {
	var err error

	if cfg.JWTSecret, err = getEnvRequired("SM_JWT_SECRET"); err != nil {
		return err
	}
	if len(cfg.JWTSecret) < minJWTSecretLen {
		return fmt.Errorf("SM_JWT_SECRET: длина должна быть не меньше %d символов", minJWTSecretLen)
	}
	cfg.JWTKeyID = getEnvDefault("SM_JWT_KEY_ID", "sm-1")

	cfg.JWTPreviousKeys, err = parseKeyList(getEnvDefault("SM_JWT_PREVIOUS_KEYS", ""))
	if err != nil {
		return fmt.Errorf("SM_JWT_PREVIOUS_KEYS: %w", err)
	}
	if _, dup := cfg.JWTPreviousKeys[cfg.JWTKeyID]; dup {
		return fmt.Errorf("SM_JWT_PREVIOUS_KEYS: kid %q совпадает с SM_JWT_KEY_ID", cfg.JWTKeyID)
	}

	if cfg.JWTTTL, err = getEnvPositiveDuration("SM_JWT_TTL", 24*time.Hour); err != nil {
		return err
	}
	if cfg.JWTLeeway, err = getEnvDuration("SM_JWT_LEEWAY", 5*time.Second); err != nil {
		return fmt.Errorf("SM_JWT_LEEWAY: %w", err)
	}
	cfg.JWKSURL = getEnvDefault("SM_JWKS_URL", "")
	return nil
}

// parseKeyList разбирает список "kid:secret,kid2:secret2".
func parseKeyList(raw string) (map[string]string, error) {
	keys := make(map[string]string)
	if strings.TrimSpace(raw) == "" {
		return keys, nil
	}
	for _, item := range strings.Split(raw, ",") {
		kid, secret, ok := strings.Cut(strings.TrimSpace(item), ":")
		if !ok || kid == "" || secret == "" {
			return nil, fmt.Errorf("некорректный элемент %q, ожидается kid:secret", item)
		}
		if len(secret) < minJWTSecretLen {
			return nil, fmt.Errorf("секрет ключа %q короче %d символов", kid, minJWTSecretLen)
		}
		keys[kid] = secret
	}
	return keys, nil
}

// DatabaseDSN возвращает строку подключения к PostgreSQL для pgxpool.
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s pool_max_conns=%d",
		c.DBHost, c.DBPort, c.DBName, c.DBUser, c.DBPassword, c.DBSSLMode, c.DBMaxConns,
	)
}

// MigrateURL возвращает URL для golang-migrate (драйвер pgx5).
func (c *Config) MigrateURL() string {
	u := url.URL{
		Scheme:   "pgx5",
		User:     url.UserPassword(c.DBUser, c.DBPassword),
		Host:     fmt.Sprintf("%s:%d", c.DBHost, c.DBPort),
		Path:     "/" + c.DBName,
		RawQuery: "sslmode=" + url.QueryEscape(c.DBSSLMode),
	}
	return u.String()
}

// SetupLogger настраивает глобальный slog-логгер на основе конфигурации.
func SetupLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// --- Вспомогательные функции ---

// getEnvRequired возвращает значение переменной окружения или ошибку, если она не задана.
func getEnvRequired(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("%s: обязательная переменная окружения не задана", key)
	}
	return val, nil
}

// getEnvDefault возвращает значение переменной окружения или значение по умолчанию.
func getEnvDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

// getEnvInt возвращает целочисленное значение переменной окружения или значение по умолчанию.
func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

// getEnvInt64 возвращает int64 значение переменной окружения или значение по умолчанию.
func getEnvInt64(key string, defaultVal int64) (int64, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

// getEnvPositiveInt64 — getEnvInt64 с проверкой значения > 0.
func getEnvPositiveInt64(key string, defaultVal int64) (int64, error) {
	n, err := getEnvInt64(key, defaultVal)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("%s: значение должно быть положительным, получено %d", key, n)
	}
	return n, nil
}

// getEnvBool возвращает булево значение переменной окружения или значение по умолчанию.
func getEnvBool(key string, defaultVal bool) (bool, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return false, fmt.Errorf("некорректное булево значение: %q", val)
	}
	return b, nil
}

// getEnvDuration возвращает time.Duration из переменной окружения или значение по умолчанию.
func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("некорректная длительность: %q (используйте формат Go: 30s, 1h, 6h)", val)
	}
	return d, nil
}

// getEnvPositiveDuration — getEnvDuration с проверкой значения > 0.
func getEnvPositiveDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	d, err := getEnvDuration(key, defaultVal)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s: значение должно быть положительным", key)
	}
	return d, nil
}

// parseLogLevel преобразует строку уровня логирования в slog.Level.
func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("недопустимый уровень %q, допустимые: debug, info, warn, error", level)
	}
}
