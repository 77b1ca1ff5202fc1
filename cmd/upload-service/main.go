// Точка входа сервиса загрузки — пер-пользовательского хранилища файлов.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"

	"github.com/arcstep/illufly-upload/internal/api/handlers"
	"github.com/arcstep/illufly-upload/internal/api/middleware"
	"github.com/arcstep/illufly-upload/internal/config"
	"github.com/arcstep/illufly-upload/internal/server"
	"github.com/arcstep/illufly-upload/internal/service"
	"github.com/arcstep/illufly-upload/internal/storage/blob"
	"github.com/arcstep/illufly-upload/internal/storage/meta"
	"github.com/arcstep/illufly-upload/internal/storage/quota"
)

func main() {
	// .env для локальной разработки; в контейнере переменные приходят
	// из окружения, отсутствие файла не ошибка
	_ = godotenv.Load()

	// Загрузка конфигурации из переменных окружения
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Ошибка конфигурации: %v\n", err)
		os.Exit(1)
	}

	// Настройка логгера
	logger := config.SetupLogger(cfg)
	logger.Info("Сервис загрузки запускается",
		slog.String("service_id", cfg.ServiceID),
		slog.String("version", config.Version),
		slog.String("base_dir", cfg.BaseDir),
		slog.Int("port", cfg.Port),
	)

	// --- Инициализация компонентов ---

	// 1. Хранилища: blob-ы и метаданные в соседних деревьях
	blobs, err := blob.New(filepath.Join(cfg.BaseDir, "files"))
	if err != nil {
		logger.Error("Ошибка инициализации хранилища файлов", slog.String("error", err.Error()))
		os.Exit(1)
	}
	records, err := meta.New(filepath.Join(cfg.BaseDir, "meta"))
	if err != nil {
		logger.Error("Ошибка инициализации хранилища метаданных", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 2. Трекер квот: счётчики восстанавливаются из метаданных
	tracker := quota.New(cfg.MaxTotalSizePerUser)
	usage, err := records.UsageByUser()
	if err != nil {
		logger.Error("Ошибка восстановления счётчиков квот", slog.String("error", err.Error()))
		os.Exit(1)
	}
	tracker.Rebuild(usage)
	middleware.StorageBytes.Set(float64(tracker.TotalBytes()))
	logger.Info("Счётчики квот восстановлены",
		slog.Int("users", len(usage)),
		slog.Int64("total_bytes", tracker.TotalBytes()),
	)

	// 3. Оркестратор файловых операций
	policy := service.Policy{
		MaxFileSize:       cfg.MaxFileSize,
		AllowedExtensions: cfg.AllowedExtensions,
	}
	mgr := service.NewManager(policy, blobs, records, tracker, logger)

	// 4. Фоновые процессы
	ctx := context.Background()

	// 4.1 Сверка: стартовый проход убирает следы некорректного завершения
	reconciler := service.NewReconciler(blobs, records, tracker, cfg.ReconcileInterval, logger)
	reconciler.RunOnce()
	reconciler.Start(ctx)

	// 4.2 topologymetrics — мониторинг JWKS endpoint (только в JWT-режиме)
	var dephealthSvc *service.DephealthService
	if cfg.JWKSUrl != "" {
		dephealthSvc, err = service.NewDephealthService(
			cfg.ServiceID,
			cfg.DephealthGroup,
			cfg.DephealthDepName,
			cfg.JWKSUrl,
			cfg.DephealthCheckInterval,
			logger,
		)
		if err != nil {
			logger.Warn("topologymetrics недоступен, запуск без мониторинга зависимостей",
				slog.String("error", err.Error()),
			)
			dephealthSvc = nil
		} else if startErr := dephealthSvc.Start(ctx); startErr != nil {
			logger.Warn("Ошибка запуска topologymetrics",
				slog.String("error", startErr.Error()),
			)
			dephealthSvc = nil
		} else {
			logger.Info("topologymetrics запущен",
				slog.String("jwks_url", cfg.JWKSUrl),
				slog.String("check_interval", cfg.DephealthCheckInterval.String()),
			)
		}
	}

	// 5. Identity middleware: JWT через JWKS или standalone-режим
	identity, err := middleware.NewIdentity(middleware.IdentityConfig{
		JWKSURL:         cfg.JWKSUrl,
		RefreshInterval: cfg.JWKSRefreshInterval,
		JWTLeeway:       cfg.JWTLeeway,
		DefaultUser:     cfg.DefaultUser,
	}, logger)
	if err != nil {
		logger.Error("Ошибка инициализации identity middleware", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if cfg.JWKSUrl != "" {
		logger.Info("JWT аутентификация настроена", slog.String("jwks_url", cfg.JWKSUrl))
	} else {
		logger.Info("Standalone-режим: идентичность из заголовка X-User-Id",
			slog.String("default_user", cfg.DefaultUser),
		)
	}

	// 6. Handlers и HTTP-сервер
	uploadsHandler := handlers.NewUploadsHandler(mgr, cfg.MaxFileSize)
	healthHandler := handlers.NewHealthHandler(cfg.BaseDir, policy, cfg.MaxTotalSizePerUser)

	srv := server.New(cfg, logger, uploadsHandler, healthHandler, identity)

	if err := srv.Run(); err != nil {
		logger.Error("Ошибка сервера", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// --- Graceful shutdown фоновых процессов ---
	logger.Info("Остановка фоновых процессов...")

	reconciler.Stop()
	if dephealthSvc != nil {
		dephealthSvc.Stop()
	}

	logger.Info("Сервис загрузки остановлен")
}
