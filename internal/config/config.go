// Пакет config — загрузка и валидация конфигурации сервиса загрузки
// из переменных окружения.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Версия приложения, задаётся при сборке через -ldflags.
var Version = "dev"

// Config содержит все параметры конфигурации сервиса загрузки.
type Config struct {
	// Порт HTTP-сервера
	Port int
	// Корневая директория хранилища (files/ и meta/ создаются внутри)
	BaseDir string
	// Максимальный размер одного файла в байтах
	MaxFileSize int64
	// Максимальный суммарный объём файлов пользователя в байтах
	MaxTotalSizePerUser int64
	// Допустимые расширения файлов (пусто = любые)
	AllowedExtensions []string
	// Префикс HTTP API (например, "/api")
	Prefix string
	// Интервал фоновой сверки blob-ов и метаданных
	ReconcileInterval time.Duration
	// URL JWKS endpoint (пусто = standalone-режим без JWT)
	JWKSUrl string
	// Интервал обновления JWKS-ключей
	JWKSRefreshInterval time.Duration
	// Допустимое отклонение времени при проверке JWT
	JWTLeeway time.Duration
	// Пользователь по умолчанию в standalone-режиме
	DefaultUser string
	// Путь к TLS сертификату (опционально)
	TLSCert string
	// Путь к TLS приватному ключу (опционально)
	TLSKey string
	// Уровень логирования (debug, info, warn, error)
	LogLevel slog.Level
	// Формат логов (json, text)
	LogFormat string
	// Таймаут graceful shutdown HTTP-сервера
	ShutdownTimeout time.Duration
	// Уникальный идентификатор экземпляра сервиса (для topologymetrics)
	ServiceID string
	// Имя группы в метриках topologymetrics
	DephealthGroup string
	// Имя зависимости (JWKS endpoint) в метриках topologymetrics
	DephealthDepName string
	// Интервал проверки зависимостей topologymetrics
	DephealthCheckInterval time.Duration
}

// Load загружает конфигурацию из переменных окружения, валидирует
// обязательные поля и возвращает Config или ошибку.
func Load() (*Config, error) {
	cfg := &Config{}

	// UP_PORT — порт HTTP-сервера (по умолчанию 8000)
	port, err := getEnvInt("UP_PORT", 8000)
	if err != nil {
		return nil, fmt.Errorf("UP_PORT: %w", err)
	}
	if port < 1 || port > 65535 {
		return nil, fmt.Errorf("UP_PORT: значение %d вне допустимого диапазона 1-65535", port)
	}
	cfg.Port = port

	// UP_BASE_DIR — обязательный
	cfg.BaseDir, err = getEnvRequired("UP_BASE_DIR")
	if err != nil {
		return nil, err
	}

	// UP_MAX_FILE_SIZE — максимальный размер файла (по умолчанию 10 MB)
	maxFileSize, err := getEnvInt64("UP_MAX_FILE_SIZE", 10*1024*1024)
	if err != nil {
		return nil, fmt.Errorf("UP_MAX_FILE_SIZE: %w", err)
	}
	if maxFileSize <= 0 {
		return nil, fmt.Errorf("UP_MAX_FILE_SIZE: значение должно быть положительным")
	}
	cfg.MaxFileSize = maxFileSize

	// UP_MAX_TOTAL_SIZE_PER_USER — квота пользователя (по умолчанию 100 MB)
	maxTotal, err := getEnvInt64("UP_MAX_TOTAL_SIZE_PER_USER", 100*1024*1024)
	if err != nil {
		return nil, fmt.Errorf("UP_MAX_TOTAL_SIZE_PER_USER: %w", err)
	}
	if maxTotal < cfg.MaxFileSize {
		return nil, fmt.Errorf("UP_MAX_TOTAL_SIZE_PER_USER: значение %d должно быть >= UP_MAX_FILE_SIZE (%d)",
			maxTotal, cfg.MaxFileSize)
	}
	cfg.MaxTotalSizePerUser = maxTotal

	// UP_ALLOWED_EXTENSIONS — список расширений через запятую (пусто = любые)
	cfg.AllowedExtensions = parseExtensions(getEnvDefault("UP_ALLOWED_EXTENSIONS", ""))

	// UP_API_PREFIX — префикс HTTP API (по умолчанию "/api")
	cfg.Prefix = getEnvDefault("UP_API_PREFIX", "/api")
	if !strings.HasPrefix(cfg.Prefix, "/") {
		cfg.Prefix = "/" + cfg.Prefix
	}
	cfg.Prefix = strings.TrimRight(cfg.Prefix, "/")

	// UP_RECONCILE_INTERVAL — интервал сверки (по умолчанию 10m)
	cfg.ReconcileInterval, err = getEnvDuration("UP_RECONCILE_INTERVAL", 10*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("UP_RECONCILE_INTERVAL: %w", err)
	}

	// UP_JWKS_URL — URL JWKS endpoint (опционально)
	cfg.JWKSUrl = getEnvDefault("UP_JWKS_URL", "")

	// UP_JWKS_REFRESH_INTERVAL — интервал обновления ключей (по умолчанию 1h)
	cfg.JWKSRefreshInterval, err = getEnvDuration("UP_JWKS_REFRESH_INTERVAL", time.Hour)
	if err != nil {
		return nil, fmt.Errorf("UP_JWKS_REFRESH_INTERVAL: %w", err)
	}

	// UP_JWT_LEEWAY — отклонение времени при проверке JWT (по умолчанию 30s)
	cfg.JWTLeeway, err = getEnvDuration("UP_JWT_LEEWAY", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("UP_JWT_LEEWAY: %w", err)
	}

	// UP_DEFAULT_USER — пользователь standalone-режима (по умолчанию "default")
	cfg.DefaultUser = getEnvDefault("UP_DEFAULT_USER", "default")

	// UP_TLS_CERT / UP_TLS_KEY — TLS (опционально, но только парой)
	cfg.TLSCert = getEnvDefault("UP_TLS_CERT", "")
	cfg.TLSKey = getEnvDefault("UP_TLS_KEY", "")
	if (cfg.TLSCert == "") != (cfg.TLSKey == "") {
		return nil, fmt.Errorf("UP_TLS_CERT и UP_TLS_KEY должны задаваться вместе")
	}

	// UP_LOG_LEVEL — уровень логирования (по умолчанию info)
	cfg.LogLevel, err = parseLogLevel(getEnvDefault("UP_LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("UP_LOG_LEVEL: %w", err)
	}

	// UP_LOG_FORMAT — формат логов (по умолчанию json)
	cfg.LogFormat = getEnvDefault("UP_LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("UP_LOG_FORMAT: недопустимое значение %q, допустимые: json, text", cfg.LogFormat)
	}

	// UP_SHUTDOWN_TIMEOUT — таймаут graceful shutdown (по умолчанию 5s)
	cfg.ShutdownTimeout, err = getEnvDuration("UP_SHUTDOWN_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("UP_SHUTDOWN_TIMEOUT: %w", err)
	}

	// UP_SERVICE_ID — идентификатор экземпляра (по умолчанию hostname)
	cfg.ServiceID = getEnvDefault("UP_SERVICE_ID", "")
	if cfg.ServiceID == "" {
		hostname, hostErr := os.Hostname()
		if hostErr != nil {
			hostname = "upload-service"
		}
		cfg.ServiceID = hostname
	}

	// UP_DEPHEALTH_GROUP — имя группы в метриках topologymetrics
	cfg.DephealthGroup = getEnvDefault("UP_DEPHEALTH_GROUP", "upload-service")

	// UP_DEPHEALTH_DEP_NAME — имя зависимости в метриках topologymetrics
	cfg.DephealthDepName = getEnvDefault("UP_DEPHEALTH_DEP_NAME", "auth-jwks")

	// UP_DEPHEALTH_CHECK_INTERVAL — интервал проверки зависимостей (по умолчанию 15s)
	cfg.DephealthCheckInterval, err = getEnvDuration("UP_DEPHEALTH_CHECK_INTERVAL", 15*time.Second)
	if err != nil {
		return nil, fmt.Errorf("UP_DEPHEALTH_CHECK_INTERVAL: %w", err)
	}

	return cfg, nil
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

// parseExtensions разбирает список расширений из строки "pdf, .PNG,jpg"
// в нормализованный вид: нижний регистр, ведущая точка.
func parseExtensions(raw string) []string {
	if raw == "" {
		return nil
	}

	var exts []string
	for _, part := range strings.Split(raw, ",") {
		ext := strings.ToLower(strings.TrimSpace(part))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		exts = append(exts, ext)
	}
	return exts
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

// getEnvDuration возвращает time.Duration из переменной окружения или значение по умолчанию.
func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("некорректная длительность: %q (используйте формат Go: 30s, 10m, 1h)", val)
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
