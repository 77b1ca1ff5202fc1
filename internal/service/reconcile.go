// reconcile.go — фоновая сверка деревьев files/ и meta/.
//
// Сверка устраняет рассогласования, оставшиеся после сбоя между
// записью blob-а и фиксацией метаданных (или между шагами удаления):
//   - orphan_blob: blob без записи метаданных — удаляется
//   - orphan_record: запись без blob-а — удаляется
//
// После прохода счётчики квот пересобираются из хранилища метаданных.
// Запускается при старте и далее по тикеру.
package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/arcstep/illufly-upload/internal/api/middleware"
	"github.com/arcstep/illufly-upload/internal/storage/blob"
	"github.com/arcstep/illufly-upload/internal/storage/meta"
	"github.com/arcstep/illufly-upload/internal/storage/quota"
)

// orphanGrace — минимальный возраст blob-а без записи, при котором он
// считается сиротой. Защищает загрузку, находящуюся между записью
// blob-а и фиксацией метаданных, от удаления конкурентной сверкой.
const orphanGrace = time.Minute

// Prometheus метрики сверки
var (
	// reconcileRunsTotal — количество запусков сверки.
	reconcileRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "up_reconcile_runs_total",
		Help: "Общее количество запусков сверки хранилища",
	})

	// reconcileOrphansTotal — количество устранённых сирот по типу.
	reconcileOrphansTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "up_reconcile_orphans_total",
		Help: "Общее количество сирот, устранённых сверкой",
	}, []string{"type"})

	// reconcileDurationSeconds — длительность выполнения сверки.
	reconcileDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "up_reconcile_duration_seconds",
		Help:    "Длительность выполнения сверки в секундах",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
	})
)

// ReconcileResult — результат одного прохода сверки.
type ReconcileResult struct {
	// OrphanBlobs — удалено blob-ов без записи
	OrphanBlobs int
	// OrphanRecords — удалено записей без blob-а
	OrphanRecords int
	// Errors — количество ошибок при обработке
	Errors int
	// Duration — длительность прохода
	Duration time.Duration
}

// Reconciler — сервис фоновой сверки хранилища.
type Reconciler struct {
	blobs    *blob.Store
	records  *meta.Store
	quota    *quota.Tracker
	interval time.Duration
	logger   *slog.Logger

	mu        sync.Mutex // защита от параллельного запуска
	inProcess bool
	cancel    context.CancelFunc
}

// NewReconciler создаёт сервис сверки.
func NewReconciler(
	blobs *blob.Store,
	records *meta.Store,
	tracker *quota.Tracker,
	interval time.Duration,
	logger *slog.Logger,
) *Reconciler {
	return &Reconciler{
		blobs:    blobs,
		records:  records,
		quota:    tracker,
		interval: interval,
		logger:   logger.With(slog.String("component", "reconcile")),
	}
}

// Start запускает фоновую горутину сверки с периодическим тикером.
func (r *Reconciler) Start(ctx context.Context) {
	rCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	go r.run(rCtx)

	r.logger.Info("Сверка хранилища запущена",
		slog.String("interval", r.interval.String()),
	)
}

// Stop останавливает фоновой процесс сверки.
func (r *Reconciler) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.logger.Info("Сверка хранилища остановлена")
}

// run — основной цикл фоновой горутины.
func (r *Reconciler) run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.RunOnce()
		}
	}
}

// RunOnce выполняет один проход сверки. Потокобезопасен: если сверка
// уже выполняется, возвращает nil без работы.
func (r *Reconciler) RunOnce() *ReconcileResult {
	r.mu.Lock()
	if r.inProcess {
		r.mu.Unlock()
		r.logger.Warn("Сверка уже выполняется, пропуск")
		return nil
	}
	r.inProcess = true
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.inProcess = false
		r.mu.Unlock()
	}()

	start := time.Now()
	result := &ReconcileResult{}

	for _, userID := range r.allUsers(result) {
		r.reconcileUser(userID, result)
	}

	// Пересобираем счётчики квот из метаданных. Поколение снимается до
	// сканирования: коммит или освобождение, успевшие между сканом и
	// заменой, делают снимок устаревшим, и пересборка отклоняется —
	// иначе их байты терялись бы из счётчика. Следующий проход
	// пересоберёт по свежему снимку.
	gen := r.quota.Generation()
	usage, err := r.records.UsageByUser()
	if err != nil {
		r.logger.Error("Ошибка пересчёта квот",
			slog.String("error", err.Error()),
		)
		result.Errors++
	} else if !r.quota.RebuildIfUnchanged(usage, gen) {
		r.logger.Warn("Пересборка квот пропущена: счётчики изменились во время сканирования")
	} else {
		middleware.StorageBytes.Set(float64(r.quota.TotalBytes()))
	}

	result.Duration = time.Since(start)

	reconcileRunsTotal.Inc()
	reconcileOrphansTotal.WithLabelValues("orphan_blob").Add(float64(result.OrphanBlobs))
	reconcileOrphansTotal.WithLabelValues("orphan_record").Add(float64(result.OrphanRecords))
	reconcileDurationSeconds.Observe(result.Duration.Seconds())

	r.logger.Info("Сверка завершена",
		slog.Int("orphan_blobs", result.OrphanBlobs),
		slog.Int("orphan_records", result.OrphanRecords),
		slog.Int("errors", result.Errors),
		slog.Duration("duration", result.Duration),
	)

	return result
}

// allUsers возвращает объединение пользователей из обоих деревьев.
func (r *Reconciler) allUsers(result *ReconcileResult) []string {
	seen := make(map[string]bool)

	blobUsers, err := r.blobs.Users()
	if err != nil {
		r.logger.Error("Ошибка чтения дерева файлов", slog.String("error", err.Error()))
		result.Errors++
	}
	recordUsers, err := r.records.Users()
	if err != nil {
		r.logger.Error("Ошибка чтения дерева метаданных", slog.String("error", err.Error()))
		result.Errors++
	}

	var users []string
	for _, u := range append(blobUsers, recordUsers...) {
		if !seen[u] {
			seen[u] = true
			users = append(users, u)
		}
	}
	return users
}

// reconcileUser сверяет деревья одного пользователя.
func (r *Reconciler) reconcileUser(userID string, result *ReconcileResult) {
	blobIDs, err := r.blobs.ListIDs(userID)
	if err != nil {
		r.logger.Error("Ошибка чтения blob-ов пользователя",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		result.Errors++
		return
	}
	recordIDs, err := r.records.ListIDs(userID)
	if err != nil {
		r.logger.Error("Ошибка чтения записей пользователя",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		result.Errors++
		return
	}

	hasRecord := make(map[string]bool, len(recordIDs))
	for _, id := range recordIDs {
		hasRecord[id] = true
	}
	hasBlob := make(map[string]bool, len(blobIDs))
	for _, id := range blobIDs {
		hasBlob[id] = true
	}

	// 1. Blob без записи: сирота, удаляем после grace-периода
	for _, id := range blobIDs {
		if hasRecord[id] {
			continue
		}
		if age, ageErr := r.blobAge(userID, id); ageErr == nil && age < orphanGrace {
			// Возможно, загрузка ещё не зафиксировала метаданные
			continue
		}
		if err := r.blobs.Delete(userID, id); err != nil {
			r.logger.Error("Сверка: не удалось удалить blob-сироту",
				slog.String("user_id", userID),
				slog.String("file_id", id),
				slog.String("error", err.Error()),
			)
			result.Errors++
			continue
		}
		result.OrphanBlobs++
		r.logger.Warn("Сверка: удалён blob без записи метаданных",
			slog.String("user_id", userID),
			slog.String("file_id", id),
		)
	}

	// 2. Запись без blob-а: файл недоступен, запись удаляем
	for _, id := range recordIDs {
		if hasBlob[id] {
			continue
		}
		if err := r.records.Delete(userID, id); err != nil {
			r.logger.Error("Сверка: не удалось удалить запись-сироту",
				slog.String("user_id", userID),
				slog.String("file_id", id),
				slog.String("error", err.Error()),
			)
			result.Errors++
			continue
		}
		result.OrphanRecords++
		r.logger.Warn("Сверка: удалена запись без blob-а",
			slog.String("user_id", userID),
			slog.String("file_id", id),
		)
	}
}

// blobAge возвращает возраст blob-а по mtime.
func (r *Reconciler) blobAge(userID, fileID string) (time.Duration, error) {
	f, err := r.blobs.Open(userID, fileID)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	return time.Since(info.ModTime()), nil
}
