package service

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/lvdashuaibi/bookround/config"
	"github.com/lvdashuaibi/bookround/internal/lock"
	"github.com/lvdashuaibi/bookround/internal/model"
)

// ResolveLogger 保证logger非nil
func ResolveLogger(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.Default()
	}
	return logger
}

// MemberCounter 有投票资格的成员数，每次判断法定人数时重新读取
type MemberCounter interface {
	ActiveVoterCount(ctx context.Context) (int, error)
}

// StaticMembers 固定成员数，测试和单机开发使用
type StaticMembers struct {
	n atomic.Int64
}

func NewStaticMembers(n int) *StaticMembers {
	m := &StaticMembers{}
	m.n.Store(int64(n))
	return m
}

// Set 修改成员数
func (m *StaticMembers) Set(n int) {
	m.n.Store(int64(n))
}

func (m *StaticMembers) ActiveVoterCount(context.Context) (int, error) {
	return int(m.n.Load()), nil
}

// PollCache 投票读视图缓存
type PollCache interface {
	GetPoll(ctx context.Context, pollID int64) (*model.Poll, bool, error)
	SetPoll(ctx context.Context, poll *model.Poll) error
	DeletePoll(ctx context.Context, pollID int64) error
}

// locker 在一把命名锁下执行fn，等待时间受lock.wait_limit限制
type locker struct {
	l   lock.Lock
	cfg config.LockConfig
}

func (k locker) run(ctx context.Context, name string, fn func() error) error {
	waitCtx := ctx
	if k.cfg.WaitLimit > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, k.cfg.WaitLimit)
		defer cancel()
	}
	return lock.WithLock(waitCtx, k.l, name, lock.Options{TTL: k.cfg.TTL, RetryDelay: k.cfg.RetryDelay}, fn)
}

func timePtr(t time.Time) *time.Time {
	return &t
}
