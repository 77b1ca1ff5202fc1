// metrics.go — Prometheus метрики сервиса загрузки.
// HTTP-метрики: up_http_requests_total, up_http_request_duration_seconds.
// Бизнес-метрики (up_operations_total, up_storage_bytes) экспортируются
// для обновления из сервисного слоя.
package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP метрики
var (
	// httpRequestsTotal — общее количество HTTP-запросов.
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "up_http_requests_total",
			Help: "Общее количество HTTP-запросов к сервису загрузки",
		},
		[]string{"method", "path", "status"},
	)

	// httpRequestDuration — гистограмма длительности HTTP-запросов.
	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "up_http_request_duration_seconds",
			Help:    "Длительность HTTP-запросов к сервису загрузки в секундах",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// Бизнес-метрики (обновляются из сервисного слоя)
var (
	// OperationsTotal — общее количество файловых операций.
	OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "up_operations_total",
			Help: "Общее количество файловых операций",
		},
		[]string{"operation", "result"},
	)

	// StorageBytes — суммарный объём хранимых данных (gauge).
	StorageBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "up_storage_bytes",
			Help: "Суммарный объём хранимых данных в байтах",
		},
	)
)

// Metrics возвращает HTTP middleware для сбора Prometheus метрик.
// Записывает количество запросов и длительность для каждого endpoint.
func Metrics() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// Нормализуем путь для лейблов: file_id заменяем на {id},
			// иначе кардинальность метрик растёт с каждым файлом
			normalizedPath := normalizePath(r.URL.Path)

			wrapped := newResponseWriter(w)
			next.ServeHTTP(wrapped, r)

			duration := time.Since(start).Seconds()
			status := strconv.Itoa(wrapped.statusCode)

			httpRequestsTotal.WithLabelValues(r.Method, normalizedPath, status).Inc()
			httpRequestDuration.WithLabelValues(r.Method, normalizedPath).Observe(duration)
		})
	}
}

// normalizePath заменяет сегмент идентификатора файла на {id}.
// /api/uploads/a1b2.../download → /api/uploads/{id}/download
func normalizePath(path string) string {
	const marker = "/uploads/"
	idx := strings.Index(path, marker)
	if idx == -1 {
		return path
	}

	rest := path[idx+len(marker):]
	if rest == "" {
		return path
	}

	prefix := path[:idx+len(marker)]
	if slash := strings.IndexByte(rest, '/'); slash != -1 {
		return prefix + "{id}" + rest[slash:]
	}
	return prefix + "{id}"
}
