package lock

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/lvdashuaibi/bookround/config"
)

const (
	// 只删除/续期自己持有的锁
	unlockScript = `
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("DEL", KEYS[1])
		else
			return 0
		end
	`
	refreshScript = `
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("PEXPIRE", KEYS[1], ARGV[2])
		else
			return 0
		end
	`
)

// RedLock 多个独立Redis节点上的Redlock实现
type RedLock struct {
	clients    []*redis.Client
	ctx        context.Context
	mu         sync.Mutex
	locks      map[string]string // 锁名 -> token
	retries    int
	retryDelay time.Duration
}

// NewRedLock 按配置连接所有锁节点
func NewRedLock() (*RedLock, error) {
	ctx := context.Background()

	var clients []*redis.Client
	for _, addr := range config.AppConfig.Redis.LockAddresses {
		client := redis.NewClient(&redis.Options{
			Addr:         addr,
			Password:     config.AppConfig.Redis.Password,
			DB:           config.AppConfig.Redis.DB,
			PoolSize:     config.AppConfig.Redis.PoolSize,
			MaxRetries:   config.AppConfig.Redis.MaxRetries,
			DialTimeout:  config.AppConfig.Redis.Timeout,
			ReadTimeout:  config.AppConfig.Redis.Timeout,
			WriteTimeout: config.AppConfig.Redis.Timeout,
		})

		if err := client.Ping(ctx).Err(); err != nil {
			for _, c := range clients {
				c.Close()
			}
			client.Close()
			return nil, fmt.Errorf("Redis锁节点 %s 连接测试失败: %w", addr, err)
		}

		clients = append(clients, client)
	}

	if len(clients) == 0 {
		return nil, fmt.Errorf("未配置Redis锁节点")
	}

	return NewRedLockWithClients(clients, config.AppConfig.Lock.RetryCount, config.AppConfig.Lock.RetryDelay), nil
}

func NewRedLockWithClients(clients []*redis.Client, retries int, retryDelay time.Duration) *RedLock {
	if retries <= 0 {
		retries = 1
	}
	return &RedLock{
		clients:    clients,
		ctx:        context.Background(),
		locks:      make(map[string]string),
		retries:    retries,
		retryDelay: retryDelay,
	}
}

func (r *RedLock) quorum() int {
	return len(r.clients)/2 + 1
}

// TryLock Redlock算法: 多数节点SetNX成功且仍在有效期内才算持有，返回本次持有的token
func (r *RedLock) TryLock(lockName string, timeout time.Duration) (string, bool, error) {
	token := uuid.NewString()

	for attempt := 0; attempt < r.retries; attempt++ {
		success := 0
		start := time.Now()

		for i, client := range r.clients {
			ok, err := client.SetNX(r.ctx, lockName, token, timeout).Result()
			if err != nil {
				slog.Warn("Redis节点获取锁失败", "node", i, "lock", lockName, "error", err)
				continue
			}
			if ok {
				success++
			}
		}

		validity := timeout - time.Since(start)
		if success >= r.quorum() && validity > 0 {
			r.mu.Lock()
			r.locks[lockName] = token
			r.mu.Unlock()
			return token, true, nil
		}

		r.unlockAll(lockName, token)

		if attempt < r.retries-1 && r.retryDelay > 0 {
			time.Sleep(r.retryDelay)
		}
	}

	return "", false, nil
}

// Unlock 只删除token对应的锁
func (r *RedLock) Unlock(lockName, token string) error {
	r.mu.Lock()
	if r.locks[lockName] == token {
		delete(r.locks, lockName)
	}
	r.mu.Unlock()

	r.unlockAll(lockName, token)
	return nil
}

func (r *RedLock) AcquireLock(lockName string, timeout time.Duration) (bool, error) {
	_, ok, err := r.TryLock(lockName, timeout)
	return ok, err
}

// RefreshLock 刷新锁的过期时间
func (r *RedLock) RefreshLock(lockName string, timeout time.Duration) (bool, error) {
	r.mu.Lock()
	token, exists := r.locks[lockName]
	r.mu.Unlock()
	if !exists {
		return false, fmt.Errorf("锁 %s 不存在或未持有", lockName)
	}

	success := 0
	for i, client := range r.clients {
		result, err := client.Eval(r.ctx, refreshScript, []string{lockName}, token, int64(timeout/time.Millisecond)).Int64()
		if err != nil {
			slog.Warn("Redis节点刷新锁失败", "node", i, "lock", lockName, "error", err)
			continue
		}
		if result == 1 {
			success++
		}
	}

	if success >= r.quorum() {
		return true, nil
	}

	r.mu.Lock()
	delete(r.locks, lockName)
	r.mu.Unlock()
	return false, nil
}

// ReleaseLock 释放分布式锁
func (r *RedLock) ReleaseLock(lockName string) error {
	r.mu.Lock()
	token, exists := r.locks[lockName]
	delete(r.locks, lockName)
	r.mu.Unlock()
	if !exists {
		return fmt.Errorf("锁 %s 不存在或未持有", lockName)
	}

	r.unlockAll(lockName, token)
	return nil
}

func (r *RedLock) unlockAll(lockName string, token string) {
	for i, client := range r.clients {
		if err := client.Eval(r.ctx, unlockScript, []string{lockName}, token).Err(); err != nil {
			slog.Warn("Redis节点释放锁失败", "node", i, "lock", lockName, "error", err)
		}
	}
}

// ReleaseAllLocks 释放所有持有的锁
func (r *RedLock) ReleaseAllLocks() {
	r.mu.Lock()
	held := r.locks
	r.locks = make(map[string]string)
	r.mu.Unlock()

	for name, token := range held {
		r.unlockAll(name, token)
	}
}

// Close 关闭分布式锁客户端
func (r *RedLock) Close() error {
	r.ReleaseAllLocks()

	for _, client := range r.clients {
		if err := client.Close(); err != nil {
			slog.Warn("关闭Redis客户端失败", "error", err)
		}
	}

	return nil
}
