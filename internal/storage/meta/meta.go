// Пакет meta — персистентное хранилище метаданных файлов.
// Каждая запись — отдельный JSON-файл {dir}/{user_id}/{file_id}.json,
// единственный источник истины для метаданных. Все операции записи
// выполняются атомарно и долговечно: temp → fsync → rename.
//
// Хранилище знает только о своей директории meta/ и ничего не знает
// о путях blob-ов.
package meta

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/arcstep/illufly-upload/internal/domain/model"
)

// recordSuffix — суффикс файла записи метаданных.
const recordSuffix = ".json"

// maxRecordSize — максимальный допустимый размер записи (16 КБ).
// Ограничение держит extra_metadata в разумных пределах и
// гарантирует атомарность записи.
const maxRecordSize = 16384

// Store — файловое хранилище метаданных, партиционированное по пользователям.
type Store struct {
	// dir — корневая директория метаданных (meta/)
	dir string
}

// New создаёт хранилище метаданных. Создаёт корневую директорию,
// если она не существует.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("не удалось создать директорию метаданных %s: %w", dir, err)
	}
	return &Store{dir: dir}, nil
}

// Put атомарно создаёт или полностью заменяет запись метаданных.
// Запись долговечна (fsync) до возврата: оркестратор подтверждает
// загрузку только после надёжной фиксации метаданных.
func (s *Store) Put(rec *model.FileRecord) error {
	path, err := s.path(rec.UserID, rec.ID)
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("ошибка сериализации записи: %w", err)
	}
	if len(data) > maxRecordSize {
		return fmt.Errorf("%w: запись метаданных (%d байт) превышает максимум (%d байт)",
			model.ErrValidation, len(data), maxRecordSize)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("не удалось создать директорию пользователя: %w", err)
	}

	// Атомарная запись: temp → fsync → rename
	tmpPath := path + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("ошибка создания временного файла: %w", err)
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка записи: %w", err)
	}

	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка fsync: %w", err)
	}

	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка закрытия файла: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка атомарного переименования: %w", err)
	}

	return nil
}

// Get возвращает запись по составному ключу (user_id, file_id).
// Возвращает ErrNotFound, если записи нет или она принадлежит другому
// пользователю: file_id сам по себе никогда не разрешается в чужую запись.
func (s *Store) Get(userID, fileID string) (*model.FileRecord, error) {
	path, err := s.path(userID, fileID)
	if err != nil {
		return nil, err
	}

	rec, err := readRecord(path)
	if err != nil {
		return nil, err
	}

	// Защита от подложенных записей: владелец в записи обязан
	// совпадать с директорией, в которой она лежит.
	if rec.UserID != userID || rec.ID != fileID {
		return nil, fmt.Errorf("%w: запись %s/%s", model.ErrNotFound, userID, fileID)
	}
	return rec, nil
}

// List возвращает все живые записи пользователя, отсортированные по
// времени создания (старые первые), при равенстве — по id.
func (s *Store) List(userID string) ([]*model.FileRecord, error) {
	if err := model.ValidateKey("user_id", userID); err != nil {
		return nil, err
	}

	matches, err := filepath.Glob(filepath.Join(s.dir, userID, "*"+recordSuffix))
	if err != nil {
		return nil, fmt.Errorf("ошибка сканирования директории пользователя %s: %w", userID, err)
	}

	records := make([]*model.FileRecord, 0, len(matches))
	for _, path := range matches {
		rec, readErr := readRecord(path)
		if readErr != nil {
			// Невалидные записи пропускаем, их уберёт сверка
			continue
		}
		if rec.UserID != userID {
			continue
		}
		records = append(records, rec)
	}

	sort.Slice(records, func(i, j int) bool {
		if records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].ID < records[j].ID
		}
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})

	return records, nil
}

// Delete удаляет запись. Идемпотентна: удаление несуществующей записи
// не является ошибкой.
func (s *Store) Delete(userID, fileID string) error {
	path, err := s.path(userID, fileID)
	if err != nil {
		return err
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("ошибка удаления записи %s/%s: %w", userID, fileID, err)
	}
	return nil
}

// Users возвращает идентификаторы пользователей, у которых есть
// директория метаданных.
func (s *Store) Users() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения директории метаданных: %w", err)
	}

	var users []string
	for _, e := range entries {
		if e.IsDir() {
			users = append(users, e.Name())
		}
	}
	return users, nil
}

// ListIDs возвращает идентификаторы всех записей пользователя.
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
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, recordSuffix) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, recordSuffix))
	}
	return ids, nil
}

// UsageByUser подсчитывает суммарный размер живых записей каждого
// пользователя. Используется для восстановления счётчиков квот при
// старте и после сверки.
func (s *Store) UsageByUser() (map[string]int64, error) {
	users, err := s.Users()
	if err != nil {
		return nil, err
	}

	usage := make(map[string]int64, len(users))
	for _, userID := range users {
		records, listErr := s.List(userID)
		if listErr != nil {
			return nil, listErr
		}
		var total int64
		for _, rec := range records {
			total += rec.Size
		}
		usage[userID] = total
	}
	return usage, nil
}

// Dir возвращает корневую директорию хранилища метаданных.
func (s *Store) Dir() string {
	return s.dir
}

// path строит канонический путь записи с проверкой идентификаторов.
func (s *Store) path(userID, fileID string) (string, error) {
	if err := model.ValidateKey("user_id", userID); err != nil {
		return "", err
	}
	if err := model.ValidateKey("file_id", fileID); err != nil {
		return "", err
	}
	return filepath.Join(s.dir, userID, fileID+recordSuffix), nil
}

// readRecord читает и десериализует запись метаданных.
func readRecord(path string) (*model.FileRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", model.ErrNotFound, filepath.Base(path))
		}
		return nil, fmt.Errorf("ошибка чтения записи %s: %w", path, err)
	}

	var rec model.FileRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("ошибка десериализации записи %s: %w", path, err)
	}
	return &rec, nil
}
