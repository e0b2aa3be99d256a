package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 全局配置结构
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	MySQL     MySQLConfig     `mapstructure:"mysql"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Ledger    LedgerConfig    `mapstructure:"ledger"`
	Referral  ReferralConfig  `mapstructure:"referral"`
	Business  BusinessConfig  `mapstructure:"business"`
}

type ServerConfig struct {
	Port       int    `mapstructure:"port"`
	AdminToken string `mapstructure:"admin_token"` // 为空时不开放运营接口
	WorkerID   int64  `mapstructure:"worker_id"`   // 雪花算法机器ID
}

type MySQLConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type KafkaConfig struct {
	Brokers []string         `mapstructure:"brokers"`
	Topic   KafkaTopicConfig `mapstructure:"topic"`
}

type KafkaTopicConfig struct {
	LedgerEvents string `mapstructure:"ledger_events"`
}

// TierConfig 限流档位配置
type TierConfig struct {
	MaxRequests int           `mapstructure:"max_requests"`
	Window      time.Duration `mapstructure:"window"`
	KeyPrefix   string        `mapstructure:"key_prefix"`
	Message     string        `mapstructure:"message"`
	// memory（默认，进程内）或 redis（多实例共享）
	Backend string `mapstructure:"backend"`
}

type RateLimitConfig struct {
	SweepInterval time.Duration         `mapstructure:"sweep_interval"`
	Tiers         map[string]TierConfig `mapstructure:"tiers"`
	// 命令 -> 额外档位（按群聊计数），如 summary
	CommandTiers map[string]string `mapstructure:"command_tiers"`
}

type LedgerConfig struct {
	Timeout     time.Duration   `mapstructure:"timeout"`      // 单次账本操作超时，超时按失败处理
	SignupGrant int64           `mapstructure:"signup_grant"` // 注册赠送的免费额度
	ReadRetry   ReadRetryConfig `mapstructure:"read_retry"`   // 只读查询的重试策略
}

type ReadRetryConfig struct {
	MaxRetries      uint64        `mapstructure:"max_retries"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
}

type MilestoneConfig struct {
	ID        string `mapstructure:"id"`
	Threshold int64  `mapstructure:"threshold"`
	Bonus     int64  `mapstructure:"bonus"`
}

type ReferralConfig struct {
	ReferrerBonus int64 `mapstructure:"referrer_bonus"`
	ReferredBonus int64 `mapstructure:"referred_bonus"`
	CacheSize     int   `mapstructure:"cache_size"`
	// 注册超过这个时长的账户不再算新账户，不能使用邀请码；0 表示不限制
	NewAccountWindow time.Duration     `mapstructure:"new_account_window"`
	Milestones       []MilestoneConfig `mapstructure:"milestones"`
}

type BusinessConfig struct {
	MaxRetryCount             int           `mapstructure:"max_retry_count"`
	SubscriptionCheckInterval time.Duration `mapstructure:"subscription_check_interval"`
}

// 默认档位名称
const (
	TierUser    = "user"
	TierChat    = "chat"
	TierCommand = "command"
	TierSummary = "summary"
	TierGlobal  = "global"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.worker_id", 1)
	v.SetDefault("mysql.max_open_conns", 20)
	v.SetDefault("mysql.max_idle_conns", 5)
	v.SetDefault("kafka.topic.ledger_events", "credit.ledger.events")

	v.SetDefault("ratelimit.sweep_interval", time.Minute)
	v.SetDefault("ratelimit.tiers", map[string]any{
		TierUser: map[string]any{"max_requests": 30, "window": "60s", "key_prefix": "user",
			"message": "You're sending requests too quickly. Please wait a moment."},
		TierChat: map[string]any{"max_requests": 50, "window": "60s", "key_prefix": "chat",
			"message": "This chat is busy. Please try again shortly."},
		TierCommand: map[string]any{"max_requests": 5, "window": "60s", "key_prefix": "cmd",
			"message": "Slow down with that command."},
		TierSummary: map[string]any{"max_requests": 3, "window": "300s", "key_prefix": "summary",
			"message": "Summaries are limited in this chat. Try again later."},
		TierGlobal: map[string]any{"max_requests": 1000, "window": "60s", "key_prefix": "global",
			"message": "The bot is under heavy load. Please try again shortly."},
	})
	v.SetDefault("ratelimit.command_tiers", map[string]any{"summary": TierSummary})

	v.SetDefault("ledger.timeout", 3*time.Second)
	v.SetDefault("ledger.signup_grant", 5)
	v.SetDefault("ledger.read_retry.max_retries", 2)
	v.SetDefault("ledger.read_retry.initial_interval", 50*time.Millisecond)

	v.SetDefault("referral.referrer_bonus", 5)
	v.SetDefault("referral.referred_bonus", 3)
	v.SetDefault("referral.cache_size", 4096)
	v.SetDefault("referral.new_account_window", "168h")

	v.SetDefault("business.max_retry_count", 5)
	v.SetDefault("business.subscription_check_interval", time.Minute)
}

// LoadConfig 加载配置文件
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("CREDITGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default 仅使用默认值构造配置（测试与本地运行使用）
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		panic(err)
	}
	return cfg
}

// Validate 启动时校验配置，档位错误属于编程错误，不应拖到请求时才暴露
func (c *Config) Validate() error {
	var errs []error
	for name, tier := range c.RateLimit.Tiers {
		if tier.MaxRequests <= 0 {
			errs = append(errs, fmt.Errorf("tier %q: max_requests must be > 0", name))
		}
		if tier.Window <= 0 {
			errs = append(errs, fmt.Errorf("tier %q: window must be > 0", name))
		}
		switch tier.Backend {
		case "", "memory", "redis":
		default:
			errs = append(errs, fmt.Errorf("tier %q: unknown backend %q", name, tier.Backend))
		}
	}
	for command, tier := range c.RateLimit.CommandTiers {
		if _, ok := c.RateLimit.Tiers[tier]; !ok {
			errs = append(errs, fmt.Errorf("command %q references unknown tier %q", command, tier))
		}
	}
	if c.Ledger.SignupGrant < 0 {
		errs = append(errs, errors.New("ledger.signup_grant must be >= 0"))
	}
	if c.Ledger.Timeout <= 0 {
		errs = append(errs, errors.New("ledger.timeout must be > 0"))
	}
	if c.Referral.NewAccountWindow < 0 {
		errs = append(errs, errors.New("referral.new_account_window must be >= 0"))
	}
	seen := make(map[string]bool)
	for _, m := range c.Referral.Milestones {
		if m.ID == "" || m.Threshold <= 0 || m.Bonus <= 0 {
			errs = append(errs, fmt.Errorf("milestone %q: id, threshold and bonus are required", m.ID))
		}
		if seen[m.ID] {
			errs = append(errs, fmt.Errorf("milestone %q declared twice", m.ID))
		}
		seen[m.ID] = true
	}
	return errors.Join(errs...)
}
