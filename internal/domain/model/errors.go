// errors.go — базовые ошибки доменного слоя.
// Хранилища и оркестратор оборачивают их через fmt.Errorf("...: %w"),
// вызывающий код сопоставляет через errors.Is.
package model

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound — файл не найден или принадлежит другому пользователю.
	ErrNotFound = errors.New("файл не найден")

	// ErrQuotaExceeded — превышена суммарная квота хранилища пользователя.
	ErrQuotaExceeded = errors.New("превышена квота хранилища пользователя")

	// ErrFileTooLarge — файл превышает максимально допустимый размер.
	ErrFileTooLarge = errors.New("файл превышает максимальный размер")

	// ErrValidation — некорректные входные данные (имя, расширение, ключи).
	ErrValidation = errors.New("некорректные входные данные")

	// ErrConflict — обнаружено конкурентное изменение.
	ErrConflict = errors.New("конфликт одновременного изменения")
)

// maxKeyLen — предельная длина user_id и file_id в байтах.
// Идентификаторы участвуют в путях ФС, длинные значения ломают
// ограничения файловых систем на длину имени.
const maxKeyLen = 128

// ValidateKey проверяет, что идентификатор (user_id или file_id)
// безопасен для использования в пути файловой системы: не пустой,
// без разделителей пути и ссылок на родительскую директорию.
func ValidateKey(kind, key string) error {
	if key == "" {
		return fmt.Errorf("%w: %s не задан", ErrValidation, kind)
	}
	if len(key) > maxKeyLen {
		return fmt.Errorf("%w: %s длиннее %d байт", ErrValidation, kind, maxKeyLen)
	}
	if key == "." || key == ".." {
		return fmt.Errorf("%w: недопустимый %s %q", ErrValidation, kind, key)
	}
	if strings.ContainsAny(key, `/\`) || strings.ContainsRune(key, 0) {
		return fmt.Errorf("%w: %s %q содержит недопустимые символы", ErrValidation, kind, key)
	}
	return nil
}
