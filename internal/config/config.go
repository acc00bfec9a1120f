package config

import (
	"fmt"
	"log"
	"math"
	"strings"

	"github.com/spf13/viper"
)

// Config 全局配置结构
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Store    StoreConfig    `mapstructure:"store"`
	MySQL    MySQLConfig    `mapstructure:"mysql"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Bank     BankConfig     `mapstructure:"bank"`
	Lock     LockConfig     `mapstructure:"lock"`
	Business BusinessConfig `mapstructure:"business"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// StoreConfig 选择持久化后端：memory 或 mysql
type StoreConfig struct {
	Driver string `mapstructure:"driver"`
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
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type KafkaConfig struct {
	Enabled bool             `mapstructure:"enabled"`
	Brokers []string         `mapstructure:"brokers"`
	Topic   KafkaTopicConfig `mapstructure:"topic"`
}

type KafkaTopicConfig struct {
	LedgerEvents string `mapstructure:"ledger_events"`
	Alerts       string `mapstructure:"alerts"`
}

// BankConfig 银行设置的出厂默认值，未写入存储的作用域使用这些值
type BankConfig struct {
	Name           string `mapstructure:"name"`
	Currency       string `mapstructure:"currency"`
	DefaultBalance int64  `mapstructure:"default_balance"`
	MaxBalance     int64  `mapstructure:"max_balance"`
}

// LockConfig 账户锁参数（仅 Redis 分布式锁使用）
type LockConfig struct {
	TTLSeconds      int `mapstructure:"ttl_seconds"`
	RetryIntervalMs int `mapstructure:"retry_interval_ms"`
	MaxRetries      int `mapstructure:"max_retries"`
}

type BusinessConfig struct {
	StatementCost        int64 `mapstructure:"statement_cost"`
	PruneIntervalMinutes int   `mapstructure:"prune_interval_minutes"`
	PruneConcurrency     int   `mapstructure:"prune_concurrency"`

	// 多进程共用存储时刷新模式与设置缓存的间隔，0 表示不刷新
	RefreshIntervalSeconds int `mapstructure:"refresh_interval_seconds"`
}

var GlobalConfig *Config

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("store.driver", "memory")

	v.SetDefault("mysql.host", "127.0.0.1")
	v.SetDefault("mysql.port", 3306)
	v.SetDefault("mysql.max_open_conns", 20)
	v.SetDefault("mysql.max_idle_conns", 5)

	v.SetDefault("redis.host", "127.0.0.1")
	v.SetDefault("redis.port", 6379)

	v.SetDefault("kafka.topic.ledger_events", "bank.ledger.events")
	v.SetDefault("kafka.topic.alerts", "bank.ledger.alerts")

	v.SetDefault("bank.name", "Twentysix bank")
	v.SetDefault("bank.currency", "credits")
	v.SetDefault("bank.default_balance", 100)
	v.SetDefault("bank.max_balance", int64(math.MaxInt64))

	v.SetDefault("lock.ttl_seconds", 30)
	v.SetDefault("lock.retry_interval_ms", 50)
	v.SetDefault("lock.max_retries", 100)

	v.SetDefault("business.statement_cost", 10)
	v.SetDefault("business.prune_interval_minutes", 0)
	v.SetDefault("business.prune_concurrency", 4)
	v.SetDefault("business.refresh_interval_seconds", 0)
}

// Default 返回只包含默认值的配置，测试和内存模式使用
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		// 默认值是静态的，解析失败说明代码有误
		panic(err)
	}
	return cfg
}

// Load 读取配置文件并叠加 BANK_ 前缀的环境变量
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("bank")
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

// Validate 检查银行默认值是否满足 0 <= default <= max, max >= 1
func (c *Config) Validate() error {
	if c.Bank.MaxBalance < 1 {
		return fmt.Errorf("bank.max_balance 必须大于 0，当前: %d", c.Bank.MaxBalance)
	}
	if c.Bank.DefaultBalance < 0 || c.Bank.DefaultBalance > c.Bank.MaxBalance {
		return fmt.Errorf("bank.default_balance 必须在 0 到 %d 之间，当前: %d", c.Bank.MaxBalance, c.Bank.DefaultBalance)
	}
	switch c.Store.Driver {
	case "memory", "mysql":
	default:
		return fmt.Errorf("未知的 store.driver: %q", c.Store.Driver)
	}
	return nil
}

// LoadConfig 加载配置文件，失败直接退出
func LoadConfig(configPath string) *Config {
	cfg, err := Load(configPath)
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}
	GlobalConfig = cfg
	return cfg
}
