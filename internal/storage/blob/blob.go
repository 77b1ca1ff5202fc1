// Пакет blob — операции с содержимым файлов на диске.
// Содержимое хранится в {dir}/{user_id}/{file_id}; имя blob-а
// строится только из системных идентификаторов, никогда из
// пользовательского ввода. Запись атомарна: temp → fsync → rename,
// читатель никогда не видит частично записанный файл.
package blob

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/arcstep/illufly-upload/internal/domain/model"
)

// tmpSuffix — суффикс временных файлов незавершённой записи.
const tmpSuffix = ".tmp"

// Store — файловое хранилище содержимого, партиционированное по пользователям.
type Store struct {
	// dir — корневая директория blob-ов (files/)
	dir string
}

// WriteResult — результат записи blob-а.
type WriteResult struct {
	// Size — фактический размер записанных данных в байтах
	Size int64
	// Checksum — SHA-256 хэш содержимого
	Checksum string
}

// New создаёт хранилище blob-ов. Создаёт корневую директорию,
// если она не существует.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("не удалось создать директорию файлов %s: %w", dir, err)
	}
	return &Store{dir: dir}, nil
}

// Write записывает поток данных в blob (user_id, file_id) с подсчётом
// SHA-256 на лету. maxSize > 0 ограничивает размер: при превышении
// запись прерывается с ErrFileTooLarge, временный файл удаляется.
//
// Паттерн: temp файл → запись + SHA-256 → fsync → atomic rename.
func (s *Store) Write(userID, fileID string, r io.Reader, maxSize int64) (*WriteResult, error) {
	path, err := s.path(userID, fileID)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("не удалось создать директорию пользователя: %w", err)
	}

	tmpPath := path + tmpSuffix
	f, err := os.Create(tmpPath)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания временного файла: %w", err)
	}

	// Streaming запись с одновременным подсчётом SHA-256.
	// Лимит +1 байт: если прочитали больше maxSize, файл слишком большой.
	src := r
	if maxSize > 0 {
		src = io.LimitReader(r, maxSize+1)
	}
	hasher := sha256.New()
	size, err := io.Copy(f, io.TeeReader(src, hasher))
	if err != nil {
		f.Close()
		os.Remove(tmpPath)
		return nil, fmt.Errorf("ошибка записи данных: %w", err)
	}

	if maxSize > 0 && size > maxSize {
		f.Close()
		os.Remove(tmpPath)
		return nil, fmt.Errorf("%w: получено более %d байт", model.ErrFileTooLarge, maxSize)
	}

	// fsync для гарантии записи на диск
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return nil, fmt.Errorf("ошибка fsync: %w", err)
	}

	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("ошибка закрытия файла: %w", err)
	}

	// Атомарный rename
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("ошибка атомарного переименования: %w", err)
	}

	return &WriteResult{
		Size:     size,
		Checksum: hex.EncodeToString(hasher.Sum(nil)),
	}, nil
}

// Open открывает закоммиченный blob для чтения и возвращает *os.File.
// Файл поддерживает Seek, чтение можно перезапускать с начала.
// Вызывающий код обязан закрыть файл.
func (s *Store) Open(userID, fileID string) (*os.File, error) {
	path, err := s.path(userID, fileID)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: blob %s/%s", model.ErrNotFound, userID, fileID)
		}
		return nil, fmt.Errorf("ошибка открытия blob %s/%s: %w", userID, fileID, err)
	}
	return f, nil
}

// Delete удаляет blob. Идемпотентна: удаление несуществующего blob-а
// не является ошибкой (используется при компенсации незавершённой загрузки).
func (s *Store) Delete(userID, fileID string) error {
	path, err := s.path(userID, fileID)
	if err != nil {
		return err
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("ошибка удаления blob %s/%s: %w", userID, fileID, err)
	}
	return nil
}

// Size возвращает размер blob-а в байтах.
func (s *Store) Size(userID, fileID string) (int64, error) {
	path, err := s.path(userID, fileID)
	if err != nil {
		return 0, err
	}

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, fmt.Errorf("%w: blob %s/%s", model.ErrNotFound, userID, fileID)
		}
		return 0, fmt.Errorf("ошибка stat blob %s/%s: %w", userID, fileID, err)
	}
	return info.Size(), nil
}

// Exists проверяет существование закоммиченного blob-а.
func (s *Store) Exists(userID, fileID string) bool {
	path, err := s.path(userID, fileID)
	if err != nil {
		return false
	}
	_, statErr := os.Stat(path)
	return statErr == nil
}

// Users возвращает идентификаторы пользователей, у которых есть
// директория blob-ов. Используется при сверке.
func (s *Store) Users() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения директории файлов: %w", err)
	}

	var users []string
	for _, e := range entries {
		if e.IsDir() {
			users = append(users, e.Name())
		}
	}
	return users, nil
}

// ListIDs возвращает идентификаторы закоммиченных blob-ов пользователя.
// Временные файлы (*.tmp) и скрытые файлы пропускаются.
func (s *Store) ListIDs(userID string) ([]string, error) {
	if err := model.ValidateKey("user_id", userID); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(filepath.Join(s.dir, userID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("ошибка чтения директории пользователя %s: %w", userID, err)
	}

	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || strings.HasSuffix(name, tmpSuffix) {
			continue
		}
		ids = append(ids, name)
	}
	return ids, nil
}

// Dir возвращает корневую директорию хранилища blob-ов.
func (s *Store) Dir() string {
	return s.dir
}

// path строит канонический путь blob-а, предварительно проверяя
// идентификаторы на пригодность для использования в пути.
func (s *Store) path(userID, fileID string) (string, error) {
	if err := model.ValidateKey("user_id", userID); err != nil {
		return "", err
	}
	if err := model.ValidateKey("file_id", fileID); err != nil {
		return "", err
	}
	return filepath.Join(s.dir, userID, fileID), nil
}
