package quota

import (
	"errors"
	"sync"
	"testing"

	"github.com/arcstep/illufly-upload/internal/domain/model"
)

// TestReserveCommit проверяет базовый цикл резерв → коммит.
func TestReserveCommit(t *testing.T) {
	tr := New(100)

	tk, err := tr.Reserve("user1", 60)
	if err != nil {
		t.Fatalf("ошибка резерва: %v", err)
	}
	if got := tr.Usage("user1"); got != 60 {
		t.Errorf("usage после резерва: ожидалось 60, получено %d", got)
	}

	if err := tr.Commit(tk, 60); err != nil {
		t.Fatalf("ошибка коммита: %v", err)
	}
	if got := tr.Usage("user1"); got != 60 {
		t.Errorf("usage после коммита: ожидалось 60, получено %d", got)
	}
}

// TestQuotaScenario проверяет последовательность загрузок у границы лимита:
// при лимите 100 байт загрузка 60 проходит, 50 отклоняется,
// 40 проходит (ровно в лимит), 1 отклоняется.
func TestQuotaScenario(t *testing.T) {
	tr := New(100)

	commit := func(n int64) error {
		tk, err := tr.Reserve("user1", n)
		if err != nil {
			return err
		}
		return tr.Commit(tk, n)
	}

	if err := commit(60); err != nil {
		t.Fatalf("загрузка 60 должна пройти: %v", err)
	}
	if err := commit(50); !errors.Is(err, model.ErrQuotaExceeded) {
		t.Fatalf("загрузка 50 должна быть отклонена, получено: %v", err)
	}
	if err := commit(40); err != nil {
		t.Fatalf("загрузка 40 (ровно в лимит) должна пройти: %v", err)
	}
	if err := commit(1); !errors.Is(err, model.ErrQuotaExceeded) {
		t.Fatalf("загрузка 1 должна быть отклонена, получено: %v", err)
	}
	if got := tr.Usage("user1"); got != 100 {
		t.Errorf("итоговое usage: ожидалось 100, получено %d", got)
	}
}

// TestRelease проверяет снятие резерва и его идемпотентность.
func TestRelease(t *testing.T) {
	tr := New(100)

	tk, err := tr.Reserve("user1", 80)
	if err != nil {
		t.Fatalf("ошибка резерва: %v", err)
	}

	tr.Release(tk)
	if got := tr.Usage("user1"); got != 0 {
		t.Errorf("usage после release: ожидалось 0, получено %d", got)
	}

	// Повторный release — no-op
	tr.Release(tk)
	if got := tr.Usage("user1"); got != 0 {
		t.Errorf("usage после повторного release: ожидалось 0, получено %d", got)
	}
}

// TestCommitAfterRelease проверяет, что завершённый резерв нельзя закоммитить.
func TestCommitAfterRelease(t *testing.T) {
	tr := New(100)

	tk, err := tr.Reserve("user1", 10)
	if err != nil {
		t.Fatalf("ошибка резерва: %v", err)
	}
	tr.Release(tk)

	if err := tr.Commit(tk, 10); !errors.Is(err, model.ErrConflict) {
		t.Fatalf("коммит после release должен давать ErrConflict, получено: %v", err)
	}
	if got := tr.Usage("user1"); got != 0 {
		t.Errorf("usage: ожидалось 0, получено %d", got)
	}
}

// TestCommit_ActualLargerThanReserve проверяет повторную проверку лимита
// при коммите с фактическим размером больше резерва.
func TestCommit_ActualLargerThanReserve(t *testing.T) {
	tr := New(100)

	// Занимаем 90 байт
	tk, err := tr.Reserve("user1", 90)
	if err != nil {
		t.Fatalf("ошибка резерва: %v", err)
	}
	if err := tr.Commit(tk, 90); err != nil {
		t.Fatalf("ошибка коммита: %v", err)
	}

	// Резерв 5, фактически 20 — не умещается
	tk2, err := tr.Reserve("user1", 5)
	if err != nil {
		t.Fatalf("ошибка резерва: %v", err)
	}
	if err := tr.Commit(tk2, 20); !errors.Is(err, model.ErrQuotaExceeded) {
		t.Fatalf("ожидалась ErrQuotaExceeded, получено: %v", err)
	}

	// Неудачный коммит полностью снимает резерв
	if got := tr.Usage("user1"); got != 90 {
		t.Errorf("usage: ожидалось 90, получено %d", got)
	}
}

// TestFree проверяет освобождение квоты после удаления файла.
func TestFree(t *testing.T) {
	tr := New(100)

	tk, _ := tr.Reserve("user1", 70)
	if err := tr.Commit(tk, 70); err != nil {
		t.Fatalf("ошибка коммита: %v", err)
	}

	tr.Free("user1", 70)
	if got := tr.Usage("user1"); got != 0 {
		t.Errorf("usage после free: ожидалось 0, получено %d", got)
	}

	// Free ниже нуля не уводит
	tr.Free("user1", 999)
	if got := tr.Usage("user1"); got != 0 {
		t.Errorf("usage не должен быть отрицательным, получено %d", got)
	}
}

// TestRebuild_PreservesReserves проверяет, что пересборка счётчиков
// из метаданных не затирает активные резервы.
func TestRebuild_PreservesReserves(t *testing.T) {
	tr := New(100)

	tk, err := tr.Reserve("user1", 30)
	if err != nil {
		t.Fatalf("ошибка резерва: %v", err)
	}

	// Сверка пересобирает зафиксированную часть
	tr.Rebuild(map[string]int64{"user1": 50})

	if got := tr.Usage("user1"); got != 80 {
		t.Errorf("usage после rebuild: ожидалось 80 (50 + резерв 30), получено %d", got)
	}

	if err := tr.Commit(tk, 30); err != nil {
		t.Fatalf("коммит после rebuild должен пройти: %v", err)
	}
	if got := tr.Usage("user1"); got != 80 {
		t.Errorf("usage после коммита: ожидалось 80, получено %d", got)
	}
}

// TestRebuildIfUnchanged_StaleSnapshot проверяет отклонение пересборки
// по снимку, устаревшему из-за конкурентного коммита: иначе байты
// коммита терялись бы из счётчика.
func TestRebuildIfUnchanged_StaleSnapshot(t *testing.T) {
	tr := New(100)

	// Снимок до коммита: пользователь пуст
	gen := tr.Generation()
	snapshot := map[string]int64{}

	// Конкурентная загрузка фиксирует 60 байт
	tk, err := tr.Reserve("user1", 60)
	if err != nil {
		t.Fatalf("ошибка резерва: %v", err)
	}
	if err := tr.Commit(tk, 60); err != nil {
		t.Fatalf("ошибка коммита: %v", err)
	}

	if tr.RebuildIfUnchanged(snapshot, gen) {
		t.Fatal("пересборка по устаревшему снимку должна отклоняться")
	}
	if got := tr.Usage("user1"); got != 60 {
		t.Errorf("коммит потерян: ожидалось 60, получено %d", got)
	}

	// Лимит продолжает действовать по актуальному счётчику
	if _, err := tr.Reserve("user1", 50); !errors.Is(err, model.ErrQuotaExceeded) {
		t.Fatalf("резерв сверх лимита должен отклоняться, получено: %v", err)
	}
}

// TestRebuildIfUnchanged_FreshSnapshot проверяет пересборку по
// актуальному снимку.
func TestRebuildIfUnchanged_FreshSnapshot(t *testing.T) {
	tr := New(100)

	tk, _ := tr.Reserve("user1", 60)
	if err := tr.Commit(tk, 60); err != nil {
		t.Fatalf("ошибка коммита: %v", err)
	}

	gen := tr.Generation()
	if !tr.RebuildIfUnchanged(map[string]int64{"user1": 40}, gen) {
		t.Fatal("пересборка по актуальному снимку должна проходить")
	}
	if got := tr.Usage("user1"); got != 40 {
		t.Errorf("usage после пересборки: ожидалось 40, получено %d", got)
	}

	// Сама пересборка двигает поколение: повторное применение того же
	// снимка отклоняется
	if tr.RebuildIfUnchanged(map[string]int64{"user1": 40}, gen) {
		t.Fatal("повторная пересборка по тому же поколению должна отклоняться")
	}
}

// TestUnlimited проверяет работу без лимита (maxPerUser = 0).
func TestUnlimited(t *testing.T) {
	tr := New(0)

	tk, err := tr.Reserve("user1", 1<<40)
	if err != nil {
		t.Fatalf("без лимита резерв должен проходить: %v", err)
	}
	if err := tr.Commit(tk, 1<<40); err != nil {
		t.Fatalf("без лимита коммит должен проходить: %v", err)
	}
}

// TestConcurrentReserve проверяет, что конкурентные загрузки не могут
// совместно превысить лимит.
func TestConcurrentReserve(t *testing.T) {
	const limit = 1000
	tr := New(limit)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tk, err := tr.Reserve("user1", 50)
			if err != nil {
				return
			}
			_ = tr.Commit(tk, 50)
		}()
	}
	wg.Wait()

	if got := tr.Usage("user1"); got > limit {
		t.Errorf("конкурентные загрузки превысили лимит: %d > %d", got, limit)
	}
	if got := tr.Usage("user1"); got != limit {
		t.Errorf("ожидалось ровно %d занятых байт, получено %d", limit, got)
	}
}

// TestTotalBytes проверяет суммарный счётчик по всем пользователям.
func TestTotalBytes(t *testing.T) {
	tr := New(100)

	for _, u := range []string{"alice", "bob"} {
		tk, err := tr.Reserve(u, 40)
		if err != nil {
			t.Fatalf("ошибка резерва %s: %v", u, err)
		}
		if err := tr.Commit(tk, 40); err != nil {
			t.Fatalf("ошибка коммита %s: %v", u, err)
		}
	}

	if got := tr.TotalBytes(); got != 80 {
		t.Errorf("total: ожидалось 80, получено %d", got)
	}
}
