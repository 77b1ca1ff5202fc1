// Пакет quota — учёт и контроль пер-пользовательских квот хранилища.
//
// Используется живой счётчик занятых байт на пользователя под общим
// мьютексом: проверка и изменение выполняются атомарно, поэтому два
// конкурентных резервирования одного пользователя не могут совместно
// превысить лимит (нет окна check-then-act). Зафиксированные байты и
// активные резервы учитываются раздельно: Rebuild из хранилища
// метаданных заменяет только зафиксированную часть, резервы
// незавершённых загрузок переживают сверку.
package quota

import (
	"fmt"
	"sync"

	"github.com/arcstep/illufly-upload/internal/domain/model"
)

// Tracker — потокобезопасный учёт занятого места по пользователям.
type Tracker struct {
	mu sync.Mutex
	// maxPerUser — лимит суммарного размера на пользователя (0 = без лимита)
	maxPerUser int64
	// committed — байты зафиксированных файлов по пользователям
	committed map[string]int64
	// reserved — байты активных резервов по пользователям
	reserved map[string]int64
	// gen — счётчик поколений зафиксированной части. Растёт при каждом
	// изменении committed; пересборка по снимку другого поколения
	// отклоняется, иначе конкурентный коммит терялся бы.
	gen uint64
}

// Ticket — провизорный резерв места под одну загрузку.
// Завершается ровно одним вызовом Commit или Release.
type Ticket struct {
	userID string
	bytes  int64
	done   bool
}

// New создаёт трекер квот с указанным лимитом на пользователя.
func New(maxPerUser int64) *Tracker {
	return &Tracker{
		maxPerUser: maxPerUser,
		committed:  make(map[string]int64),
		reserved:   make(map[string]int64),
	}
}

// Reserve резервирует n байт под загрузку пользователя.
// Возвращает ErrQuotaExceeded, если зафиксированное использование
// вместе с активными резервами и n превысило бы лимит.
// Проверка и резерв атомарны.
func (t *Tracker) Reserve(userID string, n int64) (*Ticket, error) {
	if n < 0 {
		return nil, fmt.Errorf("%w: отрицательный размер резерва %d", model.ErrValidation, n)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	current := t.committed[userID] + t.reserved[userID]
	if t.maxPerUser > 0 && current+n > t.maxPerUser {
		return nil, fmt.Errorf("%w: занято %d байт, запрошено %d, лимит %d",
			model.ErrQuotaExceeded, current, n, t.maxPerUser)
	}

	t.reserved[userID] += n
	return &Ticket{userID: userID, bytes: n}, nil
}

// Commit фиксирует резерв по фактическому размеру записанных данных.
// Если фактический размер отличается от резерва, проверка лимита
// повторяется под тем же мьютексом: при превышении резерв полностью
// снимается и возвращается ErrQuotaExceeded — вызывающий код обязан
// компенсировать уже выполненную запись.
func (t *Tracker) Commit(tk *Ticket, actual int64) error {
	if actual < 0 {
		return fmt.Errorf("%w: отрицательный фактический размер %d", model.ErrValidation, actual)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if tk.done {
		return fmt.Errorf("%w: резерв уже завершён", model.ErrConflict)
	}
	tk.done = true
	t.sub(t.reserved, tk.userID, tk.bytes)

	adjusted := t.committed[tk.userID] + t.reserved[tk.userID] + actual
	if t.maxPerUser > 0 && adjusted > t.maxPerUser {
		return fmt.Errorf("%w: фактический размер %d байт не умещается в лимит %d",
			model.ErrQuotaExceeded, actual, t.maxPerUser)
	}

	t.committed[tk.userID] += actual
	t.gen++
	return nil
}

// Release снимает резерв после неудачной загрузки.
// Повторный вызов и вызов после Commit безопасны (no-op).
func (t *Tracker) Release(tk *Ticket) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if tk.done {
		return
	}
	tk.done = true
	t.sub(t.reserved, tk.userID, tk.bytes)
}

// Free уменьшает зафиксированный счётчик пользователя на n байт
// после удаления файла.
func (t *Tracker) Free(userID string, n int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sub(t.committed, userID, n)
	t.gen++
}

// Usage возвращает текущее использование пользователя в байтах,
// включая активные резервы.
func (t *Tracker) Usage(userID string) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.committed[userID] + t.reserved[userID]
}

// Limit возвращает лимит суммарного размера на пользователя.
func (t *Tracker) Limit() int64 {
	return t.maxPerUser
}

// Generation возвращает текущее поколение зафиксированных счётчиков.
// Снимается перед сканированием метаданных для последующего
// RebuildIfUnchanged.
func (t *Tracker) Generation() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.gen
}

// Rebuild заменяет зафиксированные счётчики данными из хранилища
// метаданных. Используется при старте, до приёма загрузок. Активные
// резервы незавершённых загрузок не затрагиваются.
func (t *Tracker) Rebuild(usage map[string]int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.replace(usage)
}

// RebuildIfUnchanged заменяет зафиксированные счётчики, только если с
// момента снятия gen не было ни одного коммита или освобождения:
// снимок usage, сделанный до такого изменения, его бы потерял.
// Возвращает false, если пересборка отклонена.
func (t *Tracker) RebuildIfUnchanged(usage map[string]int64, gen uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.gen != gen {
		return false
	}
	t.replace(usage)
	return true
}

// replace заменяет committed содержимым usage. Вызывается только под t.mu.
func (t *Tracker) replace(usage map[string]int64) {
	t.committed = make(map[string]int64, len(usage))
	for userID, n := range usage {
		if n > 0 {
			t.committed[userID] = n
		}
	}
	t.gen++
}

// TotalBytes возвращает суммарное зафиксированное использование
// всех пользователей.
func (t *Tracker) TotalBytes() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	var total int64
	for _, n := range t.committed {
		total += n
	}
	return total
}

// sub уменьшает счётчик в карте, не опуская его ниже нуля и
// удаляя нулевые записи. Вызывается только под t.mu.
func (t *Tracker) sub(m map[string]int64, userID string, n int64) {
	v := m[userID] - n
	if v <= 0 {
		delete(m, userID)
		return
	}
	m[userID] = v
}
