package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/lvdashuaibi/bookround/config"
	"github.com/lvdashuaibi/bookround/internal/model"
)

const (
	// Redis键前缀
	PollViewKey = "poll:view:"
)

// setPollScript 只接受比缓存中更新的版本，避免读路径把旧快照写回
var setPollScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'version')
if cur and tonumber(cur) >= tonumber(ARGV[1]) then
  return 0
end
redis.call('HSET', KEYS[1], 'version', ARGV[1], 'data', ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return 1
`)

// RedisRepository 投票读视图缓存
type RedisRepository struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisRepository() (*RedisRepository, error) {
	ctx := context.Background()

	client := redis.NewClient(&redis.Options{
		Addr:         config.AppConfig.Redis.DataAddress,
		Password:     config.AppConfig.Redis.Password,
		DB:           config.AppConfig.Redis.DB,
		PoolSize:     config.AppConfig.Redis.PoolSize,
		MaxRetries:   config.AppConfig.Redis.MaxRetries,
		DialTimeout:  config.AppConfig.Redis.Timeout,
		ReadTimeout:  config.AppConfig.Redis.Timeout,
		WriteTimeout: config.AppConfig.Redis.Timeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("Redis数据节点连接测试失败: %w", err)
	}

	return NewRedisRepositoryWithClient(client, config.AppConfig.Redis.PollViewTTL), nil
}

func NewRedisRepositoryWithClient(client *redis.Client, ttl time.Duration) *RedisRepository {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RedisRepository{client: client, ttl: ttl}
}

func pollViewKey(pollID int64) string {
	return PollViewKey + strconv.FormatInt(pollID, 10)
}

// GetPoll 从缓存读取投票，未命中返回(nil, false, nil)
func (r *RedisRepository) GetPoll(ctx context.Context, pollID int64) (*model.Poll, bool, error) {
	data, err := r.client.HGet(ctx, pollViewKey(pollID), "data").Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("获取投票缓存失败: %w", err)
	}

	var poll model.Poll
	if err := json.Unmarshal(data, &poll); err != nil {
		return nil, false, fmt.Errorf("解析投票缓存失败: %w", err)
	}
	return &poll, true, nil
}

// SetPoll 写入投票缓存，缓存中已有相同或更新的版本时不覆盖
func (r *RedisRepository) SetPoll(ctx context.Context, poll *model.Poll) error {
	data, err := json.Marshal(poll)
	if err != nil {
		return fmt.Errorf("序列化投票失败: %w", err)
	}
	err = setPollScript.Run(ctx, r.client, []string{pollViewKey(poll.ID)},
		poll.Version, data, r.ttl.Milliseconds()).Err()
	if err != nil {
		return fmt.Errorf("设置投票缓存失败: %w", err)
	}
	return nil
}

// DeletePoll 删除投票缓存
func (r *RedisRepository) DeletePoll(ctx context.Context, pollID int64) error {
	if err := r.client.Del(ctx, pollViewKey(pollID)).Err(); err != nil {
		return fmt.Errorf("删除投票缓存失败: %w", err)
	}
	return nil
}

// Close 关闭Redis连接
func (r *RedisRepository) Close() error {
	return r.client.Close()
}
