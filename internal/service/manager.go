// Пакет service — бизнес-логика сервиса загрузки файлов.
// manager.go — оркестратор файловых операций: композиция blob-хранилища,
// хранилища метаданных и трекера квот.
package service

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/arcstep/illufly-upload/internal/api/middleware"
	"github.com/arcstep/illufly-upload/internal/domain/model"
	"github.com/arcstep/illufly-upload/internal/storage/blob"
	"github.com/arcstep/illufly-upload/internal/storage/meta"
	"github.com/arcstep/illufly-upload/internal/storage/quota"
)

// Policy — политика валидации загрузок.
type Policy struct {
	// MaxFileSize — максимальный размер одного файла в байтах (0 = без лимита)
	MaxFileSize int64
	// AllowedExtensions — допустимые расширения файлов в нижнем регистре
	// с ведущей точкой (".pdf"). nil или пустой список — любые расширения.
	AllowedExtensions []string
}

// extAllowed проверяет расширение оригинального имени файла.
func (p Policy) extAllowed(originalName string) bool {
	if len(p.AllowedExtensions) == 0 {
		return true
	}
	ext := strings.ToLower(filepath.Ext(originalName))
	for _, allowed := range p.AllowedExtensions {
		if ext == allowed {
			return true
		}
	}
	return false
}

// UploadParams — параметры загрузки файла.
type UploadParams struct {
	// OriginalName — имя файла, переданное клиентом (обязательно).
	// Используется только как метаданные, не участвует в путях.
	OriginalName string
	// ContentType — MIME-тип (опционально, по умолчанию octet-stream)
	ContentType string
	// DeclaredSize — заявленный размер в байтах (из Content-Length
	// multipart-части или stat локального файла). 0 = неизвестен,
	// тогда резервируется максимальный размер файла.
	DeclaredSize int64
	// Extra — пользовательские метаданные (опционально)
	Extra map[string]any
}

// UpdateParams — изменяемые поля записи. Поля id, user_id и size
// неизменяемы и в параметрах отсутствуют.
type UpdateParams struct {
	// OriginalName — новое отображаемое имя (nil = не менять)
	OriginalName *string
	// Extra — ключи для слияния с extra_metadata (nil = не менять)
	Extra map[string]any
}

// Manager — оркестратор файловых операций.
// Загрузка выполняется как сага: резерв квоты → запись blob →
// запись метаданных → коммит квоты, с компенсирующим действием
// на каждом шаге. Blob никогда не остаётся без записи метаданных.
type Manager struct {
	policy  Policy
	blobs   *blob.Store
	records *meta.Store
	quota   *quota.Tracker
	keys    *keyMutex
	logger  *slog.Logger
}

// NewManager создаёт оркестратор файловых операций.
func NewManager(
	policy Policy,
	blobs *blob.Store,
	records *meta.Store,
	tracker *quota.Tracker,
	logger *slog.Logger,
) *Manager {
	return &Manager{
		policy:  policy,
		blobs:   blobs,
		records: records,
		quota:   tracker,
		keys:    newKeyMutex(),
		logger:  logger.With(slog.String("component", "file_manager")),
	}
}

// Upload загружает файл пользователя.
//
// Поток:
//  1. Валидация имени, расширения и заявленного размера — до обращения к диску
//  2. Резерв квоты (атомарно относительно конкурентных загрузок пользователя)
//  3. Генерация file_id, запись blob (temp → fsync → rename, SHA-256)
//  4. Запись метаданных (долговечно)
//  5. Коммит квоты по фактическому размеру
//
// Любая ошибка после записи blob запускает компенсацию: blob и запись
// удаляются, резерв снимается, исходная ошибка возвращается вызывающему.
func (m *Manager) Upload(userID string, r io.Reader, params UploadParams) (*model.FileRecord, error) {
	if err := model.ValidateKey("user_id", userID); err != nil {
		return nil, err
	}
	if params.OriginalName == "" {
		return nil, fmt.Errorf("%w: имя файла не задано", model.ErrValidation)
	}
	if !m.policy.extAllowed(params.OriginalName) {
		return nil, fmt.Errorf("%w: расширение файла %q не входит в список допустимых",
			model.ErrValidation, filepath.Ext(params.OriginalName))
	}
	if m.policy.MaxFileSize > 0 && params.DeclaredSize > m.policy.MaxFileSize {
		return nil, fmt.Errorf("%w: заявленный размер %d байт превышает максимум %d байт",
			model.ErrFileTooLarge, params.DeclaredSize, m.policy.MaxFileSize)
	}

	// Неизвестный размер резервируем по максимуму: фактический размер
	// скорректирует счётчик при коммите.
	reserve := params.DeclaredSize
	if reserve <= 0 {
		reserve = m.policy.MaxFileSize
	}

	ticket, err := m.quota.Reserve(userID, reserve)
	if err != nil {
		return nil, err
	}

	fileID := uuid.New().String()
	key := lockKey(userID, fileID)
	m.keys.Lock(key)
	defer m.keys.Unlock(key)

	res, err := m.blobs.Write(userID, fileID, r, m.policy.MaxFileSize)
	if err != nil {
		m.quota.Release(ticket)
		m.logger.Error("Ошибка записи blob",
			slog.String("user_id", userID),
			slog.String("file_id", fileID),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	contentType := params.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	now := time.Now().UTC()
	rec := &model.FileRecord{
		ID:           fileID,
		UserID:       userID,
		OriginalName: params.OriginalName,
		Size:         res.Size,
		ContentType:  contentType,
		Checksum:     res.Checksum,
		Extra:        params.Extra,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := m.records.Put(rec); err != nil {
		m.compensate(userID, fileID, false)
		m.quota.Release(ticket)
		m.logger.Error("Ошибка записи метаданных",
			slog.String("user_id", userID),
			slog.String("file_id", fileID),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	if err := m.quota.Commit(ticket, res.Size); err != nil {
		m.compensate(userID, fileID, true)
		return nil, err
	}

	middleware.OperationsTotal.WithLabelValues("upload", "success").Inc()
	middleware.StorageBytes.Set(float64(m.quota.TotalBytes()))

	m.logger.Info("Файл загружен",
		slog.String("user_id", userID),
		slog.String("file_id", fileID),
		slog.String("original_name", params.OriginalName),
		slog.Int64("size", res.Size),
		slog.String("checksum", res.Checksum),
	)

	return rec, nil
}

// compensate убирает следы незавершённой загрузки: blob и, при
// необходимости, запись метаданных. Ошибки компенсации логируются,
// но не маскируют исходную причину отката.
func (m *Manager) compensate(userID, fileID string, withRecord bool) {
	if withRecord {
		if err := m.records.Delete(userID, fileID); err != nil {
			m.logger.Error("Компенсация: не удалось удалить запись метаданных",
				slog.String("user_id", userID),
				slog.String("file_id", fileID),
				slog.String("error", err.Error()),
			)
		}
	}
	if err := m.blobs.Delete(userID, fileID); err != nil {
		m.logger.Error("Компенсация: не удалось удалить blob",
			slog.String("user_id", userID),
			slog.String("file_id", fileID),
			slog.String("error", err.Error()),
		)
	}
}

// List возвращает все файлы пользователя, отсортированные по времени загрузки.
func (m *Manager) List(userID string) ([]*model.FileRecord, error) {
	return m.records.List(userID)
}

// Get возвращает запись файла по составному ключу (user_id, file_id).
func (m *Manager) Get(userID, fileID string) (*model.FileRecord, error) {
	return m.records.Get(userID, fileID)
}

// UpdateMetadata сливает изменяемые поля в запись и поднимает updated_at.
// Поля id, user_id и size изменению не подлежат.
func (m *Manager) UpdateMetadata(userID, fileID string, params UpdateParams) (*model.FileRecord, error) {
	if params.OriginalName == nil && len(params.Extra) == 0 {
		return nil, fmt.Errorf("%w: не указано ни одного поля для обновления", model.ErrValidation)
	}
	if params.OriginalName != nil && *params.OriginalName == "" {
		return nil, fmt.Errorf("%w: имя файла не может быть пустым", model.ErrValidation)
	}

	key := lockKey(userID, fileID)
	m.keys.Lock(key)
	defer m.keys.Unlock(key)

	rec, err := m.records.Get(userID, fileID)
	if err != nil {
		return nil, err
	}

	if params.OriginalName != nil {
		rec.OriginalName = *params.OriginalName
	}
	if len(params.Extra) > 0 {
		if rec.Extra == nil {
			rec.Extra = make(map[string]any, len(params.Extra))
		}
		for k, v := range params.Extra {
			rec.Extra[k] = v
		}
	}
	rec.UpdatedAt = time.Now().UTC()

	if err := m.records.Put(rec); err != nil {
		return nil, err
	}

	middleware.OperationsTotal.WithLabelValues("update", "success").Inc()
	return rec, nil
}

// Delete удаляет запись и blob файла и освобождает квоту.
// Идемпотентна: повторное удаление того же file_id не ошибка.
//
// Порядок: сначала запись, потом blob. Сбой между шагами оставляет
// blob-сироту, которого уберёт фоновая сверка; запись-сирота без
// blob-а возникнуть не может.
func (m *Manager) Delete(userID, fileID string) error {
	key := lockKey(userID, fileID)
	m.keys.Lock(key)
	defer m.keys.Unlock(key)

	rec, err := m.records.Get(userID, fileID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil
		}
		return err
	}

	if err := m.records.Delete(userID, fileID); err != nil {
		return err
	}
	m.quota.Free(userID, rec.Size)
	middleware.StorageBytes.Set(float64(m.quota.TotalBytes()))

	if err := m.blobs.Delete(userID, fileID); err != nil {
		// Запись уже удалена: blob-сирота останется до сверки
		m.logger.Error("Blob не удалён, будет убран сверкой",
			slog.String("user_id", userID),
			slog.String("file_id", fileID),
			slog.String("error", err.Error()),
		)
		return err
	}

	middleware.OperationsTotal.WithLabelValues("delete", "success").Inc()

	m.logger.Info("Файл удалён",
		slog.String("user_id", userID),
		slog.String("file_id", fileID),
		slog.Int64("size", rec.Size),
	)
	return nil
}

// Download возвращает запись и открытый для чтения blob.
// Вызывающий код обязан закрыть файл.
func (m *Manager) Download(userID, fileID string) (*model.FileRecord, *os.File, error) {
	rec, err := m.records.Get(userID, fileID)
	if err != nil {
		return nil, nil, err
	}

	f, err := m.blobs.Open(userID, fileID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			// Запись есть, blob-а нет — рассогласование до сверки
			m.logger.Error("Запись без blob-а",
				slog.String("user_id", userID),
				slog.String("file_id", fileID),
			)
		}
		return nil, nil, err
	}

	middleware.OperationsTotal.WithLabelValues("download", "success").Inc()
	return rec, f, nil
}

// Usage возвращает текущее использование хранилища пользователем в байтах.
func (m *Manager) Usage(userID string) int64 {
	return m.quota.Usage(userID)
}

// lockKey — ключ сериализации операций над одной парой (user_id, file_id).
func lockKey(userID, fileID string) string {
	return userID + "/" + fileID
}
