package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"

	"github.com/lvdashuaibi/bookround/internal/model"
)

func TestLocalLockAcquireRelease(t *testing.T) {
	l := NewLocalLock()

	ok, err := l.AcquireLock("a", time.Minute)
	if err != nil || !ok {
		t.Fatalf("Expected first acquire to succeed, got ok=%v err=%v", ok, err)
	}
	if ok, _ := l.AcquireLock("a", time.Minute); ok {
		t.Fatal("Expected second acquire of same name to fail")
	}
	// 不同的锁名互不影响
	if ok, _ := l.AcquireLock("b", time.Minute); !ok {
		t.Fatal("Expected acquire of a different name to succeed")
	}

	if err := l.ReleaseLock("a"); err != nil {
		t.Fatalf("ReleaseLock failed: %v", err)
	}
	if ok, _ := l.AcquireLock("a", time.Minute); !ok {
		t.Fatal("Expected acquire after release to succeed")
	}
}

func TestLocalLockExpires(t *testing.T) {
	l := NewLocalLock()
	now := time.Now()
	l.now = func() time.Time { return now }

	if ok, _ := l.AcquireLock("a", time.Second); !ok {
		t.Fatal("Expected acquire to succeed")
	}
	now = now.Add(2 * time.Second)
	if ok, _ := l.AcquireLock("a", time.Second); !ok {
		t.Fatal("Expected expired lock to be acquirable")
	}
}

func TestWithLockSerializesSameName(t *testing.T) {
	l := NewLocalLock()
	opts := Options{TTL: time.Minute, RetryDelay: time.Millisecond}

	var inside, maxInside, total atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := WithLock(context.Background(), l, PollLockName(1), opts, func() error {
				n := inside.Add(1)
				for {
					m := maxInside.Load()
					if n <= m || maxInside.CompareAndSwap(m, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				inside.Add(-1)
				total.Add(1)
				return nil
			})
			if err != nil {
				t.Errorf("WithLock failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if maxInside.Load() != 1 {
		t.Errorf("Expected at most 1 goroutine inside critical section, got %d", maxInside.Load())
	}
	if total.Load() != 20 {
		t.Errorf("Expected 20 executions, got %d", total.Load())
	}
}

func TestWithLockTimesOutWithConflict(t *testing.T) {
	l := NewLocalLock()
	if ok, _ := l.AcquireLock(PollLockName(7), time.Minute); !ok {
		t.Fatal("Expected acquire to succeed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	called := false
	err := WithLock(ctx, l, PollLockName(7), Options{TTL: time.Minute, RetryDelay: time.Millisecond}, func() error {
		called = true
		return nil
	})
	if !errors.Is(err, model.ErrConflict) {
		t.Fatalf("Expected ErrConflict, got %v", err)
	}
	if called {
		t.Error("fn must not run without the lock")
	}
}

func TestWithLockPropagatesError(t *testing.T) {
	l := NewLocalLock()
	want := errors.New("boom")
	err := WithLock(context.Background(), l, "x", Options{TTL: time.Minute}, func() error { return want })
	if !errors.Is(err, want) {
		t.Fatalf("Expected %v, got %v", want, err)
	}
	// 出错后锁也被释放
	if ok, _ := l.AcquireLock("x", time.Minute); !ok {
		t.Error("Expected lock to be released after fn error")
	}
}

func TestRedLockWithMiniredis(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	rl := NewRedLockWithClients([]*redis.Client{client}, 1, 0)
	defer rl.Close()

	ok, err := rl.AcquireLock("poll:1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("Expected acquire to succeed, got ok=%v err=%v", ok, err)
	}
	if !mr.Exists("poll:1") {
		t.Fatal("Expected lock key in redis")
	}

	other := NewRedLockWithClients([]*redis.Client{client}, 1, 0)
	if ok, _ := other.AcquireLock("poll:1", time.Minute); ok {
		t.Fatal("Expected second instance to fail acquiring held lock")
	}
	// 其他实例不能释放不属于自己的锁
	if err := other.ReleaseLock("poll:1"); err == nil {
		t.Error("Expected error releasing a lock not held")
	}

	if ok, err := rl.RefreshLock("poll:1", 2*time.Minute); err != nil || !ok {
		t.Fatalf("Expected refresh to succeed, got ok=%v err=%v", ok, err)
	}

	if err := rl.ReleaseLock("poll:1"); err != nil {
		t.Fatalf("ReleaseLock failed: %v", err)
	}
	if mr.Exists("poll:1") {
		t.Error("Expected lock key to be deleted")
	}
	if ok, _ := other.AcquireLock("poll:1", time.Minute); !ok {
		t.Error("Expected acquire after release to succeed")
	}
}

func TestLocalLockStaleHolderCannotReleaseNewHolder(t *testing.T) {
	l := NewLocalLock()
	now := time.Now()
	l.now = func() time.Time { return now }

	oldToken, ok, _ := l.TryLock("a", time.Second)
	if !ok {
		t.Fatal("Expected first TryLock to succeed")
	}
	now = now.Add(2 * time.Second)
	newToken, ok, _ := l.TryLock("a", time.Second)
	if !ok {
		t.Fatal("Expected expired lock to be acquirable")
	}

	// 过期的持有者释放时不能影响新的持有者
	if err := l.Unlock("a", oldToken); err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}
	if _, ok, _ := l.TryLock("a", time.Second); ok {
		t.Fatal("Expected lock to stay held by the new holder")
	}

	if err := l.Unlock("a", newToken); err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}
	if _, ok, _ := l.TryLock("a", time.Second); !ok {
		t.Error("Expected lock to be free after the holder released it")
	}
}

func TestWithLockReleasesOnlyOwnToken(t *testing.T) {
	l := NewLocalLock()
	now := time.Now()
	var mu sync.Mutex
	l.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}

	var otherToken string
	err := WithLock(context.Background(), l, "a", Options{TTL: time.Second}, func() error {
		// 临界区执行超过TTL，锁被他人获取
		mu.Lock()
		now = now.Add(2 * time.Second)
		mu.Unlock()
		var ok bool
		otherToken, ok, _ = l.TryLock("a", time.Minute)
		if !ok {
			t.Fatal("Expected expired lock to be taken over")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithLock failed: %v", err)
	}

	if _, ok, _ := l.TryLock("a", time.Minute); ok {
		t.Fatal("WithLock must not release a lock taken over by another holder")
	}
	l.Unlock("a", otherToken)
}

func TestRedLockUnlockIgnoresForeignToken(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	rl := NewRedLockWithClients([]*redis.Client{client}, 1, 0)
	defer rl.Close()

	token, ok, err := rl.TryLock("poll:2", time.Minute)
	if err != nil || !ok {
		t.Fatalf("Expected TryLock to succeed, got ok=%v err=%v", ok, err)
	}
	if err := rl.Unlock("poll:2", "someone-else"); err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}
	if !mr.Exists("poll:2") {
		t.Fatal("Expected lock to survive a foreign token")
	}
	if err := rl.Unlock("poll:2", token); err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}
	if mr.Exists("poll:2") {
		t.Error("Expected lock key to be deleted by its owner")
	}
}

func TestEtcdLockPendingEntryNeedsNoNetwork(t *testing.T) {
	// 客户端为nil：以下调用只要碰到etcd就会panic
	el := NewETCDLockWithClient(nil, time.Second)
	el.locks["poll:3"] = &lockEntry{key: etcdLockPrefix + "poll:3"}

	if ok, err := el.AcquireLock("poll:3", time.Minute); ok || err != nil {
		t.Fatalf("Expected in-process contender to back off, got ok=%v err=%v", ok, err)
	}
	if err := el.ReleaseLock("poll:3"); err != nil {
		t.Fatalf("ReleaseLock of a pending lock failed: %v", err)
	}
	if _, ok := el.locks["poll:3"]; !ok {
		t.Error("Release must not drop another request's pending acquisition")
	}
	if _, err := el.RefreshLock("poll:3", time.Minute); err == nil {
		t.Error("Expected refresh of a pending lock to fail")
	}
}

func TestEtcdLeaseSecondsDefaultsToSessionTTL(t *testing.T) {
	el := NewETCDLockWithClient(nil, time.Second)
	el.sessionTTL = 30 * time.Second

	if got := el.leaseSeconds(0); got != 30 {
		t.Errorf("Expected session ttl 30s, got %d", got)
	}
	if got := el.leaseSeconds(500 * time.Millisecond); got != minLeaseTTL {
		t.Errorf("Expected minimum lease %d, got %d", minLeaseTTL, got)
	}
	if got := el.leaseSeconds(15 * time.Second); got != 15 {
		t.Errorf("Expected 15, got %d", got)
	}
}
