package lock

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// LocalLock 进程内的按名加锁实现，单实例部署和测试使用
type LocalLock struct {
	mu    sync.Mutex
	locks map[string]localEntry
	now   func() time.Time
}

type localEntry struct {
	token     string
	expiresAt time.Time // 零值表示不过期
}

func NewLocalLock() *LocalLock {
	return &LocalLock{
		locks: make(map[string]localEntry),
		now:   time.Now,
	}
}

// TryLock 获取锁并返回持有令牌
func (l *LocalLock) TryLock(lockName string, timeout time.Duration) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if e, ok := l.locks[lockName]; ok && (e.expiresAt.IsZero() || now.Before(e.expiresAt)) {
		return "", false, nil
	}

	e := localEntry{token: uuid.NewString()}
	if timeout > 0 {
		e.expiresAt = now.Add(timeout)
	}
	l.locks[lockName] = e
	return e.token, true, nil
}

// Unlock 令牌不匹配（锁已过期并被他人获取）时什么也不做
func (l *LocalLock) Unlock(lockName, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if e, ok := l.locks[lockName]; ok && e.token == token {
		delete(l.locks, lockName)
	}
	return nil
}

func (l *LocalLock) AcquireLock(lockName string, timeout time.Duration) (bool, error) {
	_, ok, err := l.TryLock(lockName, timeout)
	return ok, err
}

func (l *LocalLock) RefreshLock(lockName string, timeout time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.locks[lockName]
	if !ok {
		return false, nil
	}
	e.expiresAt = time.Time{}
	if timeout > 0 {
		e.expiresAt = l.now().Add(timeout)
	}
	l.locks[lockName] = e
	return true, nil
}

// ReleaseLock 按名释放，不校验持有者
func (l *LocalLock) ReleaseLock(lockName string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.locks, lockName)
	return nil
}

func (l *LocalLock) ReleaseAllLocks() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.locks = make(map[string]localEntry)
}

func (l *LocalLock) Close() error {
	l.ReleaseAllLocks()
	return nil
}
