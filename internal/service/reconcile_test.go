package service

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/arcstep/illufly-upload/internal/domain/model"
)

func newTestReconciler(t *testing.T) (*Reconciler, *testEnv) {
	t.Helper()
	env := newTestEnv(t, Policy{MaxFileSize: 1024}, 10240)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r := NewReconciler(env.blobs, env.records, env.tracker, time.Hour, logger)
	return r, env
}

// ageBlob сдвигает mtime blob-а в прошлое, за пределы grace-периода.
func ageBlob(t *testing.T, env *testEnv, userID, fileID string) {
	t.Helper()
	path := filepath.Join(env.baseDir, "files", userID, fileID)
	old := time.Now().Add(-2 * orphanGrace)
	if err := os.Chtimes(path, old, old); err != nil {
		t.Fatalf("ошибка изменения mtime: %v", err)
	}
}

// TestReconcile_RemovesOrphanBlob проверяет удаление blob-а без записи.
func TestReconcile_RemovesOrphanBlob(t *testing.T) {
	r, env := newTestReconciler(t)

	// Blob без записи метаданных — имитация сбоя между шагами загрузки
	if _, err := env.blobs.Write("user1", "orphan", bytes.NewReader([]byte("lost")), 0); err != nil {
		t.Fatalf("ошибка записи blob: %v", err)
	}
	ageBlob(t, env, "user1", "orphan")

	result := r.RunOnce()
	if result == nil {
		t.Fatal("RunOnce вернул nil")
	}
	if result.OrphanBlobs != 1 {
		t.Errorf("ожидался 1 blob-сирота, получено %d", result.OrphanBlobs)
	}
	if env.blobs.Exists("user1", "orphan") {
		t.Error("blob-сирота не удалён")
	}
}

// TestReconcile_GraceProtectsFreshBlob проверяет, что свежий blob
// (возможно, загрузка в процессе) не трогается.
func TestReconcile_GraceProtectsFreshBlob(t *testing.T) {
	r, env := newTestReconciler(t)

	if _, err := env.blobs.Write("user1", "in-flight", bytes.NewReader([]byte("new")), 0); err != nil {
		t.Fatalf("ошибка записи blob: %v", err)
	}

	result := r.RunOnce()
	if result.OrphanBlobs != 0 {
		t.Errorf("свежий blob не должен считаться сиротой, удалено %d", result.OrphanBlobs)
	}
	if !env.blobs.Exists("user1", "in-flight") {
		t.Error("свежий blob удалён до истечения grace-периода")
	}
}

// TestReconcile_RemovesOrphanRecord проверяет удаление записи без blob-а.
func TestReconcile_RemovesOrphanRecord(t *testing.T) {
	r, env := newTestReconciler(t)

	rec := &model.FileRecord{
		ID:           "ghost",
		UserID:       "user1",
		OriginalName: "ghost.txt",
		Size:         10,
		CreatedAt:    time.Now().UTC(),
		UpdatedAt:    time.Now().UTC(),
	}
	if err := env.records.Put(rec); err != nil {
		t.Fatalf("ошибка записи метаданных: %v", err)
	}

	result := r.RunOnce()
	if result.OrphanRecords != 1 {
		t.Errorf("ожидалась 1 запись-сирота, получено %d", result.OrphanRecords)
	}
	if _, err := env.records.Get("user1", "ghost"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("запись-сирота не удалена: %v", err)
	}
}

// TestReconcile_RebuildsQuota проверяет пересборку счётчиков квот
// после устранения рассогласований.
func TestReconcile_RebuildsQuota(t *testing.T) {
	r, env := newTestReconciler(t)

	// Нормальная загрузка
	if _, err := env.mgr.Upload("user1", strings.NewReader(strings.Repeat("a", 40)), UploadParams{
		OriginalName: "keep.bin",
		DeclaredSize: 40,
	}); err != nil {
		t.Fatalf("ошибка загрузки: %v", err)
	}

	// Запись-сирота завышает usage при пересчёте без сверки
	ghost := &model.FileRecord{
		ID:           "ghost",
		UserID:       "user1",
		OriginalName: "ghost.bin",
		Size:         60,
		CreatedAt:    time.Now().UTC(),
		UpdatedAt:    time.Now().UTC(),
	}
	if err := env.records.Put(ghost); err != nil {
		t.Fatalf("ошибка записи метаданных: %v", err)
	}

	r.RunOnce()

	// Сирота удалена, счётчик соответствует живым записям
	if got := env.tracker.Usage("user1"); got != 40 {
		t.Errorf("usage после сверки: ожидалось 40, получено %d", got)
	}
}

// TestReconcile_CommitDuringSweepNotLost проверяет, что загрузка,
// зафиксированная между сканированием метаданных и заменой счётчиков,
// не теряется: пересборка по устаревшему снимку отклоняется, и
// последующие загрузки проверяются по актуальному использованию.
func TestReconcile_CommitDuringSweepNotLost(t *testing.T) {
	env := newTestEnv(t, Policy{MaxFileSize: 100}, 100)

	// Воспроизводим чередование внутри прохода сверки: снимок
	// метаданных снят, затем конкурентная загрузка успевает
	// закоммититься до замены счётчиков.
	gen := env.tracker.Generation()
	usage, err := env.records.UsageByUser()
	if err != nil {
		t.Fatalf("ошибка сканирования метаданных: %v", err)
	}

	if _, err := env.mgr.Upload("user1", strings.NewReader(strings.Repeat("a", 60)), UploadParams{
		OriginalName: "race.bin",
		DeclaredSize: 60,
	}); err != nil {
		t.Fatalf("ошибка загрузки: %v", err)
	}

	if env.tracker.RebuildIfUnchanged(usage, gen) {
		t.Fatal("пересборка по снимку без коммита должна отклоняться")
	}

	// Счётчик не потерял 60 байт: две загрузки по 50 совместно не проходят
	if _, err := env.mgr.Upload("user1", strings.NewReader(strings.Repeat("b", 50)), UploadParams{
		OriginalName: "b.bin",
		DeclaredSize: 50,
	}); !errors.Is(err, model.ErrQuotaExceeded) {
		t.Fatalf("загрузка сверх лимита должна отклоняться, получено: %v", err)
	}

	// Метаданные подтверждают: лимит не превышен
	usage, err = env.records.UsageByUser()
	if err != nil {
		t.Fatalf("ошибка подсчёта: %v", err)
	}
	if usage["user1"] > 100 {
		t.Errorf("суммарный размер файлов %d превысил лимит 100", usage["user1"])
	}
}

// TestReconcile_ConsistentStateUntouched проверяет, что согласованная
// пара blob + запись сверкой не затрагивается.
func TestReconcile_ConsistentStateUntouched(t *testing.T) {
	r, env := newTestReconciler(t)

	rec, err := env.mgr.Upload("user1", strings.NewReader("data"), UploadParams{
		OriginalName: "ok.txt",
		DeclaredSize: 4,
	})
	if err != nil {
		t.Fatalf("ошибка загрузки: %v", err)
	}
	ageBlob(t, env, "user1", rec.ID)

	result := r.RunOnce()
	if result.OrphanBlobs != 0 || result.OrphanRecords != 0 {
		t.Errorf("согласованное состояние затронуто: %+v", result)
	}
	if _, err := env.mgr.Get("user1", rec.ID); err != nil {
		t.Errorf("запись пропала после сверки: %v", err)
	}
	if !env.blobs.Exists("user1", rec.ID) {
		t.Error("blob пропал после сверки")
	}
}
