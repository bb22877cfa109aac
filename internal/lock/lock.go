package lock

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/lvdashuaibi/bookround/internal/model"
)

// Lock 分布式锁接口
type Lock interface {
	// AcquireLock 获取分布式锁，不阻塞
	// 返回值：bool表示是否成功获取锁，error表示获取过程中的错误
	AcquireLock(lockName string, timeout time.Duration) (bool, error)

	// RefreshLock 刷新锁的过期时间
	// 返回值：bool表示是否成功刷新锁，error表示刷新过程中的错误
	RefreshLock(lockName string, timeout time.Duration) (bool, error)

	// ReleaseLock 释放分布式锁
	// 返回值：error表示释放过程中的错误
	ReleaseLock(lockName string) error

	// ReleaseAllLocks 释放所有持有的锁
	ReleaseAllLocks()

	// Close 关闭分布式锁客户端
	// 返回值：error表示关闭过程中的错误
	Close() error
}

// TokenLock 每次获取返回持有令牌，只有令牌匹配时才释放
// 锁过期后被他人重新获取时，原持有者的释放不会影响新持有者
type TokenLock interface {
	TryLock(lockName string, timeout time.Duration) (token string, acquired bool, err error)
	Unlock(lockName, token string) error
}

// PollLockName 每个投票一把锁，不同投票之间互不阻塞
func PollLockName(pollID int64) string {
	return fmt.Sprintf("bookround:poll:%d", pollID)
}

// DiscussionLockName 讨论的增删改和开票互斥
func DiscussionLockName(discussionID int64) string {
	return fmt.Sprintf("bookround:discussion:%d", discussionID)
}

// Options WithLock的等待参数
type Options struct {
	TTL        time.Duration
	RetryDelay time.Duration
}

// WithLock 阻塞直到拿到锁，执行fn后释放
// ctx结束前仍未拿到锁时返回model.ErrConflict
func WithLock(ctx context.Context, l Lock, lockName string, opts Options, fn func() error) error {
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 10 * time.Millisecond
	}

	acquire := func() (bool, error) { return l.AcquireLock(lockName, opts.TTL) }
	release := func() error { return l.ReleaseLock(lockName) }
	if tl, ok := l.(TokenLock); ok {
		var token string
		acquire = func() (bool, error) {
			var acquired bool
			var err error
			token, acquired, err = tl.TryLock(lockName, opts.TTL)
			return acquired, err
		}
		release = func() error { return tl.Unlock(lockName, token) }
	}

	var lastErr error
	for {
		acquired, err := acquire()
		if err != nil {
			lastErr = err
			slog.Warn("获取锁失败，稍后重试", "lock", lockName, "error", err)
		}
		if acquired {
			break
		}

		timer := time.NewTimer(opts.RetryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			if lastErr != nil {
				return fmt.Errorf("等待锁 %s 超时(%v): %w", lockName, lastErr, model.ErrConflict)
			}
			return fmt.Errorf("等待锁 %s 超时: %w", lockName, model.ErrConflict)
		case <-timer.C:
		}
	}

	defer func() {
		if err := release(); err != nil {
			slog.Error("释放锁失败", "lock", lockName, "error", err)
		}
	}()

	return fn()
}
