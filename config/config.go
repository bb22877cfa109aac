package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	MySQL   MySQLConfig   `mapstructure:"mysql"`
	Redis   RedisConfig   `mapstructure:"redis"`
	Kafka   KafkaConfig   `mapstructure:"kafka"`
	ETCD    ETCDConfig    `mapstructure:"etcd"`
	GraphQL GraphQLConfig `mapstructure:"graphql"`
	Lock    LockConfig    `mapstructure:"lock"`
	Round   RoundConfig   `mapstructure:"round"`
	Notify  NotifyConfig  `mapstructure:"notify"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type MySQLConfig struct {
	Master       string `mapstructure:"master"`
	Slave        string `mapstructure:"slave"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

type RedisConfig struct {
	// 数据缓存Redis
	DataAddress string        `mapstructure:"data_address"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	PoolSize    int           `mapstructure:"pool_size"`
	MaxRetries  int           `mapstructure:"max_retries"`
	Timeout     time.Duration `mapstructure:"timeout"`
	PollViewTTL time.Duration `mapstructure:"poll_view_ttl"`

	// Redlock使用的Redis节点
	LockAddresses []string `mapstructure:"lock_addresses"`
}

type KafkaConfig struct {
	Brokers   []string `mapstructure:"brokers"`
	Topic     string   `mapstructure:"topic"`
	Partition int      `mapstructure:"partition"`
	GroupID   string   `mapstructure:"group_id"`
}

type ETCDConfig struct {
	Endpoints      []string      `mapstructure:"endpoints"`
	DialTimeout    time.Duration `mapstructure:"dial_timeout"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	SessionTTL     time.Duration `mapstructure:"session_ttl"`
}

type GraphQLConfig struct {
	Path string `mapstructure:"path"`
}

// LockConfig 投票级互斥锁配置
type LockConfig struct {
	// local | etcd | redis
	Backend    string        `mapstructure:"backend"`
	TTL        time.Duration `mapstructure:"ttl"`
	RetryCount int           `mapstructure:"retry_count"`
	RetryDelay time.Duration `mapstructure:"retry_delay"`
	WaitLimit  time.Duration `mapstructure:"wait_limit"`
}

type RoundConfig struct {
	// 乐观锁冲突时的内部重试次数
	MaxRetries int `mapstructure:"max_retries"`
}

type NotifyConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	BaseURL    string        `mapstructure:"base_url"`
	Timeout    time.Duration `mapstructure:"timeout"`
	MaxRetries int           `mapstructure:"max_retries"`
	RetryDelay time.Duration `mapstructure:"retry_delay"`
}

var AppConfig = Default()

// Default 返回开发和测试使用的默认配置
func Default() Config {
	return Config{
		Server:  ServerConfig{Port: 8080},
		GraphQL: GraphQLConfig{Path: "/graphql"},
		Redis: RedisConfig{
			PoolSize:    10,
			MaxRetries:  3,
			Timeout:     3 * time.Second,
			PollViewTTL: time.Hour,
		},
		Lock: LockConfig{
			Backend:    "local",
			TTL:        10 * time.Second,
			RetryCount: 3,
			RetryDelay: 50 * time.Millisecond,
			WaitLimit:  15 * time.Second,
		},
		Round: RoundConfig{MaxRetries: 5},
		Notify: NotifyConfig{
			Enabled:    true,
			BaseURL:    "http://localhost:8080",
			Timeout:    5 * time.Second,
			MaxRetries: 3,
			RetryDelay: 200 * time.Millisecond,
		},
	}
}

// LoadConfig 加载配置文件
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetEnvPrefix("BOOKROUND")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	cfg := Default()
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	AppConfig = cfg
	return &AppConfig, nil
}
