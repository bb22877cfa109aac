package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lvdashuaibi/bookround/config"
	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"
)

const (
	etcdLockPrefix = "/bookround/locks/"
	minLeaseTTL    = 2 // 租约最短时间（秒）
)

// EtcdLock 基于租约+事务的分布式锁
type EtcdLock struct {
	client         *clientv3.Client
	requestTimeout time.Duration
	sessionTTL     time.Duration         // 调用方未指定超时时的租约时长
	mu             sync.Mutex            // 只保护locks，不跨网络调用持有
	locks          map[string]*lockEntry // 当前实例持有或正在获取的锁
}

type lockEntry struct {
	leaseID clientv3.LeaseID
	key     string
	cancel  context.CancelFunc // 停止自动续约，为nil表示仍在获取中
}

func NewETCDLock() (*EtcdLock, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   config.AppConfig.ETCD.Endpoints,
		DialTimeout: config.AppConfig.ETCD.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("创建etcd客户端失败: %w", err)
	}

	el := NewETCDLockWithClient(cli, config.AppConfig.ETCD.RequestTimeout)
	if config.AppConfig.ETCD.SessionTTL > 0 {
		el.sessionTTL = config.AppConfig.ETCD.SessionTTL
	}
	return el, nil
}

func NewETCDLockWithClient(cli *clientv3.Client, requestTimeout time.Duration) *EtcdLock {
	if requestTimeout <= 0 {
		requestTimeout = 3 * time.Second
	}
	return &EtcdLock{
		client:         cli,
		requestTimeout: requestTimeout,
		sessionTTL:     10 * time.Second,
		locks:          make(map[string]*lockEntry),
	}
}

func (el *EtcdLock) leaseSeconds(timeout time.Duration) int64 {
	if timeout <= 0 {
		timeout = el.sessionTTL
	}
	secs := int64(timeout / time.Second)
	if secs < minLeaseTTL {
		return minLeaseTTL
	}
	return secs
}

func (el *EtcdLock) AcquireLock(lockName string, timeout time.Duration) (bool, error) {
	key := etcdLockPrefix + lockName

	// 先占位，同一实例内的其他请求看到占位后稍后重试
	el.mu.Lock()
	if _, ok := el.locks[lockName]; ok {
		el.mu.Unlock()
		return false, nil
	}
	pending := &lockEntry{key: key}
	el.locks[lockName] = pending
	el.mu.Unlock()

	leaseID, err := el.grantAndPut(key, timeout)
	if err != nil || leaseID == 0 {
		el.mu.Lock()
		delete(el.locks, lockName)
		el.mu.Unlock()
		return false, err
	}

	keepAliveCtx, keepAliveCancel := context.WithCancel(context.Background())
	go el.keepAlive(keepAliveCtx, leaseID, el.leaseSeconds(timeout))

	el.mu.Lock()
	pending.leaseID = leaseID
	pending.cancel = keepAliveCancel
	el.mu.Unlock()
	return true, nil
}

// grantAndPut 创建租约并在键不存在时写入，键已存在返回0
func (el *EtcdLock) grantAndPut(key string, timeout time.Duration) (clientv3.LeaseID, error) {
	ctx, cancel := context.WithTimeout(context.Background(), el.requestTimeout)
	defer cancel()

	grantResp, err := el.client.Grant(ctx, el.leaseSeconds(timeout))
	if err != nil {
		return 0, fmt.Errorf("创建租约失败: %w", err)
	}

	txnResp, err := el.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, "", clientv3.WithLease(grantResp.ID))).
		Commit()
	if err != nil {
		el.revoke(grantResp.ID)
		return 0, fmt.Errorf("事务执行失败: %w", err)
	}

	if !txnResp.Succeeded {
		el.revoke(grantResp.ID)
		return 0, nil
	}
	return grantResp.ID, nil
}

func (el *EtcdLock) RefreshLock(lockName string, timeout time.Duration) (bool, error) {
	el.mu.Lock()
	entry, ok := el.locks[lockName]
	held := ok && entry.cancel != nil
	var leaseID clientv3.LeaseID
	if held {
		leaseID = entry.leaseID
	}
	el.mu.Unlock()
	if !held {
		return false, fmt.Errorf("未持有锁 %s", lockName)
	}

	ctx, cancel := context.WithTimeout(context.Background(), el.requestTimeout)
	defer cancel()

	if _, err := el.client.KeepAliveOnce(ctx, leaseID); err != nil {
		if errors.Is(err, rpctypes.ErrLeaseNotFound) {
			el.forget(lockName, entry)
			return false, nil
		}
		return false, fmt.Errorf("续约失败: %w", err)
	}

	return true, nil
}

func (el *EtcdLock) ReleaseLock(lockName string) error {
	el.mu.Lock()
	entry, ok := el.locks[lockName]
	if !ok || entry.cancel == nil {
		el.mu.Unlock()
		return nil
	}
	delete(el.locks, lockName)
	el.mu.Unlock()

	return el.releaseEntry(entry)
}

func (el *EtcdLock) ReleaseAllLocks() {
	el.mu.Lock()
	held := make(map[string]*lockEntry, len(el.locks))
	for name, entry := range el.locks {
		if entry.cancel != nil {
			held[name] = entry
			delete(el.locks, name)
		}
	}
	el.mu.Unlock()

	for lockName, entry := range held {
		if err := el.releaseEntry(entry); err != nil {
			slog.Error("释放etcd锁失败", "lock", lockName, "error", err)
		}
	}
}

func (el *EtcdLock) Close() error {
	el.ReleaseAllLocks()
	return el.client.Close()
}

// forget 租约已失效，只在条目未被替换时移除
func (el *EtcdLock) forget(lockName string, entry *lockEntry) {
	entry.cancel()
	el.mu.Lock()
	if el.locks[lockName] == entry {
		delete(el.locks, lockName)
	}
	el.mu.Unlock()
}

func (el *EtcdLock) keepAlive(ctx context.Context, leaseID clientv3.LeaseID, ttl int64) {
	interval := time.Duration(ttl) * time.Second / 3
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := el.client.KeepAliveOnce(ctx, leaseID); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (el *EtcdLock) revoke(leaseID clientv3.LeaseID) {
	ctx, cancel := context.WithTimeout(context.Background(), el.requestTimeout)
	defer cancel()
	if _, err := el.client.Revoke(ctx, leaseID); err != nil {
		slog.Warn("撤销租约失败", "lease_id", int64(leaseID), "error", err)
	}
}

// releaseEntry 只删除仍绑定在自己租约上的键，租约过期后被他人获取的锁不受影响
func (el *EtcdLock) releaseEntry(entry *lockEntry) error {
	entry.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), el.requestTimeout)
	defer cancel()

	_, err := el.client.Txn(ctx).
		If(clientv3.Compare(clientv3.LeaseValue(entry.key), "=", entry.leaseID)).
		Then(clientv3.OpDelete(entry.key)).
		Commit()
	if err != nil {
		return fmt.Errorf("删除键失败: %w", err)
	}

	// 撤销租约会连带删除键，上面的删除保证立即可见
	if _, err := el.client.Revoke(ctx, entry.leaseID); err != nil && !errors.Is(err, rpctypes.ErrLeaseNotFound) {
		return fmt.Errorf("释放租约失败: %w", err)
	}

	return nil
}
