package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/lvdashuaibi/bookround/config"
	"github.com/lvdashuaibi/bookround/internal/model"
)

// Dispatcher 在事务提交后异步发送通知
// 发送失败只记录日志，不影响已提交的状态
type Dispatcher struct {
	notifier   Notifier
	logger     *slog.Logger
	enabled    bool
	timeout    time.Duration
	maxRetries int
	retryDelay time.Duration
	wg         sync.WaitGroup
}

func NewDispatcher(notifier Notifier, cfg config.NotifyConfig, logger *slog.Logger) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 1
	}
	return &Dispatcher{
		notifier:   notifier,
		logger:     resolveLogger(logger),
		enabled:    cfg.Enabled && notifier != nil,
		timeout:    cfg.Timeout,
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
	}
}

// Dispatch 立即返回，后台goroutine在超时内按次数重试
func (d *Dispatcher) Dispatch(kind model.NotificationKind, subject, body string) {
	if d == nil || !d.enabled {
		return
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()

		var err error
		for attempt := 1; attempt <= d.maxRetries; attempt++ {
			if err = d.notifier.Notify(ctx, kind, subject, body); err == nil {
				return
			}
			if attempt == d.maxRetries {
				break
			}
			select {
			case <-ctx.Done():
				d.logger.Error("发送通知超时", "kind", kind, "subject", subject, "attempts", attempt, "error", err)
				return
			case <-time.After(d.retryDelay):
			}
		}
		d.logger.Error("发送通知失败", "kind", kind, "subject", subject, "attempts", d.maxRetries, "error", err)
	}()
}

// Wait 等待所有在途通知结束
func (d *Dispatcher) Wait() {
	if d == nil {
		return
	}
	d.wg.Wait()
}
