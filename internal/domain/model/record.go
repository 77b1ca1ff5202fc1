// Пакет model — доменные модели сервиса загрузки файлов.
// FileRecord — единая структура метаданных файла, используется
// как in-memory представление и как формат JSON-файла в meta/.
package model

import (
	"time"
)

// FileRecord — метаданные загруженного файла. Хранится отдельно от
// содержимого: байты лежат в files/{user_id}/{id}, запись — в
// meta/{user_id}/{id}.json. Запись и blob создаются и удаляются
// строго вместе.
type FileRecord struct {
	// ID — уникальный идентификатор файла (UUID v4).
	// Генерируется сервисом, неизменяемый, никогда не переиспользуется.
	ID string `json:"id"`

	// UserID — идентификатор владельца. Неизменяемый.
	UserID string `json:"user_id"`

	// OriginalName — имя файла, переданное клиентом при загрузке.
	// Хранится как есть и никогда не участвует в построении путей.
	OriginalName string `json:"original_name"`

	// Size — размер содержимого в байтах. Фиксируется при коммите
	// загрузки и всегда равен фактическому размеру blob.
	Size int64 `json:"size"`

	// ContentType — MIME-тип файла (best effort, справочный)
	ContentType string `json:"content_type"`

	// Checksum — SHA-256 хэш содержимого файла
	Checksum string `json:"checksum"`

	// Extra — пользовательские метаданные (строковые ключи,
	// скалярные значения). Изменяемые через update.
	Extra map[string]any `json:"extra_metadata,omitempty"`

	// CreatedAt — время загрузки (UTC)
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt — время последнего изменения метаданных (UTC)
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone возвращает копию записи с независимой картой Extra.
func (r *FileRecord) Clone() *FileRecord {
	copied := *r
	if r.Extra != nil {
		copied.Extra = make(map[string]any, len(r.Extra))
		for k, v := range r.Extra {
			copied.Extra[k] = v
		}
	}
	return &copied
}
