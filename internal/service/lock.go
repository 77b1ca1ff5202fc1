// lock.go — мьютекс по строковому ключу для сериализации операций
// над одной парой (user_id, file_id). Операции над разными парами
// выполняются полностью параллельно.
package service

import (
	"sync"
)

// keyMutex — набор мьютексов по ключу со счётчиком ссылок:
// запись освобождается, когда её никто не держит и не ждёт.
type keyMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyMutex() *keyMutex {
	return &keyMutex{locks: make(map[string]*keyLock)}
}

// Lock захватывает мьютекс ключа, блокируясь до его освобождения.
func (km *keyMutex) Lock(key string) {
	km.mu.Lock()
	l, ok := km.locks[key]
	if !ok {
		l = &keyLock{}
		km.locks[key] = l
	}
	l.refs++
	km.mu.Unlock()

	l.mu.Lock()
}

// Unlock освобождает мьютекс ключа.
func (km *keyMutex) Unlock(key string) {
	km.mu.Lock()
	l := km.locks[key]
	l.refs--
	if l.refs == 0 {
		delete(km.locks, key)
	}
	km.mu.Unlock()

	l.mu.Unlock()
}
