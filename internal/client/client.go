// Пакет client — встраиваемый фасад сервиса загрузки.
//
// Позволяет использовать хранилище файлов как библиотеку, без HTTP:
// клиент собирает те же blob-, meta- и quota-слои поверх указанной
// директории и привязывает операции к одному пользователю.
package client

import (
	"fmt"
	"io"
	"log/slog"
	"mime"
	"os"
	"path/filepath"

	"github.com/arcstep/illufly-upload/internal/domain/model"
	"github.com/arcstep/illufly-upload/internal/service"
	"github.com/arcstep/illufly-upload/internal/storage/blob"
	"github.com/arcstep/illufly-upload/internal/storage/meta"
	"github.com/arcstep/illufly-upload/internal/storage/quota"
)

// Options — необязательные параметры клиента.
type Options struct {
	// MaxFileSize — максимальный размер одного файла (по умолчанию 10 MB)
	MaxFileSize int64
	// MaxTotalSizePerUser — квота пользователя (по умолчанию 100 MB)
	MaxTotalSizePerUser int64
	// AllowedExtensions — допустимые расширения (пусто = любые)
	AllowedExtensions []string
	// Logger — логгер (по умолчанию slog.Default)
	Logger *slog.Logger
}

// Client — фасад файловых операций одного пользователя.
type Client struct {
	userID string
	mgr    *service.Manager
}

// New создаёт клиента поверх директории baseDir для пользователя userID.
// Деревья files/ и meta/ создаются внутри baseDir, счётчики квот
// восстанавливаются из сохранённых метаданных.
func New(baseDir, userID string, opts *Options) (*Client, error) {
	if err := model.ValidateKey("user_id", userID); err != nil {
		return nil, err
	}

	if opts == nil {
		opts = &Options{}
	}
	maxFileSize := opts.MaxFileSize
	if maxFileSize <= 0 {
		maxFileSize = 10 * 1024 * 1024
	}
	maxTotal := opts.MaxTotalSizePerUser
	if maxTotal <= 0 {
		maxTotal = 100 * 1024 * 1024
	}
	if maxTotal < maxFileSize {
		return nil, fmt.Errorf("%w: квота пользователя %d меньше максимального размера файла %d",
			model.ErrValidation, maxTotal, maxFileSize)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	blobs, err := blob.New(filepath.Join(baseDir, "files"))
	if err != nil {
		return nil, err
	}
	records, err := meta.New(filepath.Join(baseDir, "meta"))
	if err != nil {
		return nil, err
	}

	tracker := quota.New(maxTotal)
	usage, err := records.UsageByUser()
	if err != nil {
		return nil, fmt.Errorf("восстановление счётчиков квот: %w", err)
	}
	tracker.Rebuild(usage)

	policy := service.Policy{
		MaxFileSize:       maxFileSize,
		AllowedExtensions: opts.AllowedExtensions,
	}

	return &Client{
		userID: userID,
		mgr:    service.NewManager(policy, blobs, records, tracker, logger),
	}, nil
}

// Upload загружает локальный файл и возвращает созданную запись.
// MIME-тип определяется по расширению, extra — пользовательские
// метаданные (может быть nil).
func (c *Client) Upload(path string, extra map[string]any) (*model.FileRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("ошибка открытия файла %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("ошибка stat файла %s: %w", path, err)
	}

	name := filepath.Base(path)
	return c.mgr.Upload(c.userID, f, service.UploadParams{
		OriginalName: name,
		ContentType:  mime.TypeByExtension(filepath.Ext(name)),
		DeclaredSize: info.Size(),
		Extra:        extra,
	})
}

// UploadReader загружает содержимое из потока под заданным именем.
// declaredSize = 0, если размер заранее неизвестен.
func (c *Client) UploadReader(r io.Reader, originalName string, declaredSize int64, extra map[string]any) (*model.FileRecord, error) {
	return c.mgr.Upload(c.userID, r, service.UploadParams{
		OriginalName: originalName,
		ContentType:  mime.TypeByExtension(filepath.Ext(originalName)),
		DeclaredSize: declaredSize,
		Extra:        extra,
	})
}

// List возвращает все файлы пользователя.
func (c *Client) List() ([]*model.FileRecord, error) {
	return c.mgr.List(c.userID)
}

// Get возвращает запись файла по идентификатору.
func (c *Client) Get(fileID string) (*model.FileRecord, error) {
	return c.mgr.Get(c.userID, fileID)
}

// UpdateMetadata изменяет отображаемое имя и/или extra_metadata.
// nil-аргументы означают "не менять".
func (c *Client) UpdateMetadata(fileID string, originalName *string, extra map[string]any) (*model.FileRecord, error) {
	return c.mgr.UpdateMetadata(c.userID, fileID, service.UpdateParams{
		OriginalName: originalName,
		Extra:        extra,
	})
}

// Delete удаляет файл. Идемпотентна.
func (c *Client) Delete(fileID string) error {
	return c.mgr.Delete(c.userID, fileID)
}

// Open возвращает запись и открытое для чтения содержимое файла.
// Вызывающий код обязан закрыть файл.
func (c *Client) Open(fileID string) (*model.FileRecord, *os.File, error) {
	return c.mgr.Download(c.userID, fileID)
}

// SaveToLocal копирует содержимое файла в указанный локальный путь.
func (c *Client) SaveToLocal(fileID, destPath string) error {
	_, src, err := c.mgr.Download(c.userID, fileID)
	if err != nil {
		return err
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(destPath), 0o750); err != nil {
		return fmt.Errorf("не удалось создать директорию назначения: %w", err)
	}

	dst, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("ошибка создания файла %s: %w", destPath, err)
	}

	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(destPath)
		return fmt.Errorf("ошибка копирования: %w", err)
	}
	if err := dst.Close(); err != nil {
		return fmt.Errorf("ошибка закрытия файла %s: %w", destPath, err)
	}
	return nil
}

// Usage возвращает текущее использование хранилища пользователем в байтах.
func (c *Client) Usage() int64 {
	return c.mgr.Usage(c.userID)
}
