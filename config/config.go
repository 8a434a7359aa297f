package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server         ServerConfig         `mapstructure:"server"`
	MySQL          MySQLConfig          `mapstructure:"mysql"`
	Redis          RedisConfig          `mapstructure:"redis"`
	Kafka          KafkaConfig          `mapstructure:"kafka"`
	ETCD           ETCDConfig           `mapstructure:"etcd"`
	Lock           LockConfig           `mapstructure:"lock"`
	GraphQL        GraphQLConfig        `mapstructure:"graphql"`
	Log            LogConfig            `mapstructure:"log"`
	Resolver       ResolverConfig       `mapstructure:"resolver"`
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`
	LiveReporting  LiveReportingConfig  `mapstructure:"live_reporting"`
	Realtime       RealtimeConfig       `mapstructure:"realtime"`
	Discord        DiscordConfig        `mapstructure:"discord"`
	WebSocket      WebSocketConfig      `mapstructure:"websocket"`
}

type ServerConfig struct {
	Port    int    `mapstructure:"port"`
	GinMode string `mapstructure:"gin_mode"`
}

type MySQLConfig struct {
	Master       string `mapstructure:"master"`
	Slave        string `mapstructure:"slave"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

type RedisConfig struct {
	// 数据存储Redis
	DataAddress string        `mapstructure:"data_address"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	PoolSize    int           `mapstructure:"pool_size"`
	MaxRetries  int           `mapstructure:"max_retries"`
	Timeout     time.Duration `mapstructure:"timeout"`

	// Redlock使用的Redis节点
	LockAddresses []string `mapstructure:"lock_addresses"`
}

type KafkaConfig struct {
	Brokers   []string `mapstructure:"brokers"`
	Topic     string   `mapstructure:"topic"`
	Partition int      `mapstructure:"partition"`
	GroupID   string   `mapstructure:"group_id"`
	Workers   int      `mapstructure:"workers"`
}

type ETCDConfig struct {
	Endpoints      []string      `mapstructure:"endpoints"`
	DialTimeout    time.Duration `mapstructure:"dial_timeout"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	SessionTTL     time.Duration `mapstructure:"session_ttl"`
}

// LockConfig 调度器选主使用的分布式锁
type LockConfig struct {
	Backend    string        `mapstructure:"backend"` // etcd | redis
	Timeout    time.Duration `mapstructure:"timeout"`
	RetryCount int           `mapstructure:"retry_count"`
}

type GraphQLConfig struct {
	Path string `mapstructure:"path"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type ResolverConfig struct {
	DowntimeWindow time.Duration `mapstructure:"downtime_window"`
	SourceStateTTL time.Duration `mapstructure:"source_state_ttl"`
}

type CircuitBreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	RecoveryTimeout  time.Duration `mapstructure:"recovery_timeout"`
	SuccessThreshold int           `mapstructure:"success_threshold"`
	MaxQueueSize     int64         `mapstructure:"max_queue_size"`
	StateTTL         time.Duration `mapstructure:"state_ttl"`
	KeyPrefix        string        `mapstructure:"key_prefix"`
}

type RetryPolicyConfig struct {
	MaxRetries    int           `mapstructure:"max_retries"`
	IntervalStart time.Duration `mapstructure:"interval_start"`
	IntervalStep  time.Duration `mapstructure:"interval_step"`
	IntervalMax   time.Duration `mapstructure:"interval_max"`
}

type LiveReportingConfig struct {
	Queue            string            `mapstructure:"queue"`
	StaleAfter       time.Duration     `mapstructure:"stale_after"`
	ScheduleInterval time.Duration     `mapstructure:"schedule_interval"`
	Workers          int               `mapstructure:"workers"`
	PopTimeout       time.Duration     `mapstructure:"pop_timeout"`
	Retry            RetryPolicyConfig `mapstructure:"retry"`
}

type RealtimeConfig struct {
	NotificationChannel string        `mapstructure:"notification_channel"`
	CommandChannel      string        `mapstructure:"command_channel"`
	HealthyAge          time.Duration `mapstructure:"healthy_age"`
	DegradedAge         time.Duration `mapstructure:"degraded_age"`
	HeartbeatInterval   time.Duration `mapstructure:"heartbeat_interval"`
}

type DiscordConfig struct {
	BotAPIURL      string          `mapstructure:"bot_api_url"`
	AttemptTimeout []time.Duration `mapstructure:"attempt_timeouts"`
	RateLimit      float64         `mapstructure:"rate_limit"`
	RateBurst      int             `mapstructure:"rate_burst"`
}

type WebSocketConfig struct {
	Path           string        `mapstructure:"path"`
	ReadBufferSize int           `mapstructure:"read_buffer_size"`
	WriteBuffer    int           `mapstructure:"write_buffer_size"`
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
}

var AppConfig Config

// SetDefaults 注册默认配置，空配置文件也能得到文档中约定的行为
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.gin_mode", "release")

	v.SetDefault("mysql.max_open_conns", 20)
	v.SetDefault("mysql.max_idle_conns", 10)

	v.SetDefault("redis.data_address", "localhost:6379")
	v.SetDefault("redis.pool_size", 20)
	v.SetDefault("redis.max_retries", 2)
	v.SetDefault("redis.timeout", 5*time.Second)

	v.SetDefault("kafka.topic", "rsvp-events")
	v.SetDefault("kafka.group_id", "rsvp-fanout")
	v.SetDefault("kafka.workers", 4)

	v.SetDefault("etcd.dial_timeout", 5*time.Second)
	v.SetDefault("etcd.request_timeout", 3*time.Second)
	v.SetDefault("etcd.session_ttl", 10*time.Second)

	v.SetDefault("lock.backend", "etcd")
	v.SetDefault("lock.timeout", 30*time.Second)
	v.SetDefault("lock.retry_count", 3)

	v.SetDefault("graphql.path", "/graphql")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("resolver.downtime_window", time.Hour)
	v.SetDefault("resolver.source_state_ttl", 7*24*time.Hour)

	v.SetDefault("circuit_breaker.failure_threshold", 5)
	v.SetDefault("circuit_breaker.recovery_timeout", 60*time.Second)
	v.SetDefault("circuit_breaker.success_threshold", 2)
	v.SetDefault("circuit_breaker.max_queue_size", 100)
	v.SetDefault("circuit_breaker.state_ttl", time.Hour)
	v.SetDefault("circuit_breaker.key_prefix", "live_reporting_circuit_breaker")

	v.SetDefault("live_reporting.queue", "live_reporting")
	v.SetDefault("live_reporting.stale_after", 2*time.Hour)
	v.SetDefault("live_reporting.schedule_interval", 30*time.Second)
	v.SetDefault("live_reporting.workers", 4)
	v.SetDefault("live_reporting.pop_timeout", 5*time.Second)
	v.SetDefault("live_reporting.retry.max_retries", 3)
	v.SetDefault("live_reporting.retry.interval_start", 2*time.Second)
	v.SetDefault("live_reporting.retry.interval_step", 2*time.Second)
	v.SetDefault("live_reporting.retry.interval_max", 30*time.Second)

	v.SetDefault("realtime.notification_channel", "realtime_service:notifications")
	v.SetDefault("realtime.command_channel", "realtime_service:commands")
	v.SetDefault("realtime.healthy_age", 120*time.Second)
	v.SetDefault("realtime.degraded_age", 300*time.Second)
	v.SetDefault("realtime.heartbeat_interval", 30*time.Second)

	v.SetDefault("discord.bot_api_url", "http://discord-bot:5001")
	v.SetDefault("discord.attempt_timeouts", []string{"5s", "15s", "30s"})
	v.SetDefault("discord.rate_limit", 5.0)
	v.SetDefault("discord.rate_burst", 10)

	v.SetDefault("websocket.path", "/ws")
	v.SetDefault("websocket.read_buffer_size", 1024)
	v.SetDefault("websocket.write_buffer_size", 1024)
	v.SetDefault("websocket.ping_interval", 30*time.Second)
}

// LoadConfig 加载配置文件
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)
	v.SetConfigFile(configPath)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	AppConfig = cfg
	return &AppConfig, nil
}

// Default 返回只包含默认值的配置，测试与工具脚本使用
func Default() Config {
	v := viper.New()
	SetDefaults(v)
	var cfg Config
	// 默认值全部是合法类型，这里不会失败
	_ = v.Unmarshal(&cfg)
	return cfg
}

// Validate 校验配置
func (c *Config) Validate() error {
	if c.CircuitBreaker.FailureThreshold <= 0 {
		return fmt.Errorf("circuit_breaker.failure_threshold 必须大于0")
	}
	if c.CircuitBreaker.SuccessThreshold <= 0 {
		return fmt.Errorf("circuit_breaker.success_threshold 必须大于0")
	}
	if c.CircuitBreaker.MaxQueueSize <= 0 {
		return fmt.Errorf("circuit_breaker.max_queue_size 必须大于0")
	}
	if c.Resolver.DowntimeWindow <= 0 {
		return fmt.Errorf("resolver.downtime_window 必须大于0")
	}
	switch c.Lock.Backend {
	case "etcd", "redis":
	default:
		return fmt.Errorf("不支持的锁后端: %s", c.Lock.Backend)
	}
	return nil
}
