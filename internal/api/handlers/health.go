// health.go — обработчики health endpoints для Kubernetes probes
// и информационный endpoint сервиса.
package handlers

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/arcstep/illufly-upload/internal/config"
	"github.com/arcstep/illufly-upload/internal/service"
)

// statusFail — строковая константа для статуса "fail" в health checks.
const statusFail = "fail"

// HealthHandler реализует health endpoints: /health/live, /health/ready
// и информационный GET /.
type HealthHandler struct {
	version string
	// baseDir — корневая директория хранилища (для проверки ФС)
	baseDir string
	// policy — действующие лимиты сервиса
	policy service.Policy
	// maxPerUser — лимит суммарного объёма на пользователя в байтах
	maxPerUser int64
}

// NewHealthHandler создаёт обработчик health endpoints.
func NewHealthHandler(baseDir string, policy service.Policy, maxPerUser int64) *HealthHandler {
	return &HealthHandler{
		version:    config.Version,
		baseDir:    baseDir,
		policy:     policy,
		maxPerUser: maxPerUser,
	}
}

// HealthLive обрабатывает GET /health/live.
// Возвращает 200, если процесс жив. Не проверяет зависимости.
func (h *HealthHandler) HealthLive(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"version":   h.version,
		"service":   "upload-service",
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}

// HealthReady обрабатывает GET /health/ready.
// Проверяет доступность директории хранилища на запись.
func (h *HealthHandler) HealthReady(w http.ResponseWriter, _ *http.Request) {
	overallStatus := "ok"
	httpStatus := http.StatusOK

	fsCheck := h.checkFilesystem()
	if fsCheck["status"] != "ok" {
		overallStatus = statusFail
		httpStatus = http.StatusServiceUnavailable
	}

	resp := map[string]any{
		"status":    overallStatus,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"version":   h.version,
		"service":   "upload-service",
		"checks": map[string]any{
			"filesystem": fsCheck,
		},
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	_ = json.NewEncoder(w).Encode(resp)
}

// Info обрабатывает GET / — сведения о сервисе и его лимитах.
func (h *HealthHandler) Info(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]any{
		"service": "upload-service",
		"version": h.version,
		"limits": map[string]any{
			"max_file_size":           h.policy.MaxFileSize,
			"max_total_size_per_user": h.maxPerUser,
			"allowed_extensions":      h.policy.AllowedExtensions,
		},
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}

// checkFilesystem проверяет доступность директории хранилища на запись.
func (h *HealthHandler) checkFilesystem() map[string]any {
	if h.baseDir == "" {
		return map[string]any{
			"status":  "ok",
			"message": "Проверка не настроена",
		}
	}

	testFile := filepath.Join(h.baseDir, ".health_check")
	if err := os.WriteFile(testFile, []byte("ok"), 0o600); err != nil {
		return map[string]any{
			"status":  statusFail,
			"message": "Директория хранилища недоступна для записи: " + err.Error(),
		}
	}
	_ = os.Remove(testFile)

	return map[string]any{
		"status": "ok",
	}
}
