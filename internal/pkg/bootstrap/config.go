package bootstrap

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const (
	StoreMemory = "memory"
	StoreMySQL  = "mysql"
)

// Config 是 order-service 的全部配置
type Config struct {
	App       AppConfig      `yaml:"app"`
	Infra     InfraConfig    `yaml:"infra"`
	Orders    OrdersConfig   `yaml:"orders"`
	Inventory map[string]int `yaml:"inventory"` // 启动时写入的绝对库存
}

type AppConfig struct {
	Name            string        `yaml:"name"`
	Port            int           `yaml:"port"`
	LogLevel        string        `yaml:"logLevel"`
	LogPretty       bool          `yaml:"logPretty"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

type InfraConfig struct {
	Store  StoreConfig  `yaml:"store"`
	MySQL  MySQLConfig  `yaml:"mysql"`
	Redis  RedisConfig  `yaml:"redis"`
	Kafka  KafkaConfig  `yaml:"kafka"`
	Jaeger JaegerConfig `yaml:"jaeger"`
}

type StoreConfig struct {
	Driver string `yaml:"driver"` // memory | mysql
}

type MySQLConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
	AutoMigrate     bool          `yaml:"autoMigrate"`
}

type RedisConfig struct {
	Addrs    []string `yaml:"addrs"`
	Password string   `yaml:"password"`
	DB       int      `yaml:"db"`
}

type KafkaConfig struct {
	Brokers          []string `yaml:"brokers"`
	PaymentTopic     string   `yaml:"paymentTopic"`
	PaymentGroupID   string   `yaml:"paymentGroupId"`
	ConflictTopic    string   `yaml:"conflictTopic"`
	OrderEventsTopic string   `yaml:"orderEventsTopic"`
}

type JaegerConfig struct {
	Endpoint    string  `yaml:"endpoint"`
	SampleRatio float64 `yaml:"sampleRatio"`
}

type OrdersConfig struct {
	ReservationWindow time.Duration `yaml:"reservationWindow"`
	SweepInterval     time.Duration `yaml:"sweepInterval"`
	SweepBatchSize    int           `yaml:"sweepBatchSize"`
	CheckoutRetries   uint64        `yaml:"checkoutRetries"`
	RetryInitial      time.Duration `yaml:"retryInitial"`
	RetryMax          time.Duration `yaml:"retryMax"`
	OutboxInterval    time.Duration `yaml:"outboxInterval"`
	OutboxBatchSize   int           `yaml:"outboxBatchSize"`
}

// Default 返回内存存储的本地开发配置
func Default() *Config {
	return &Config{
		App: AppConfig{
			Name:            "order-service",
			Port:            8080,
			LogLevel:        "info",
			ShutdownTimeout: 10 * time.Second,
		},
		Infra: InfraConfig{
			Store: StoreConfig{Driver: StoreMemory},
			MySQL: MySQLConfig{MaxOpenConns: 20, MaxIdleConns: 10, ConnMaxLifetime: time.Hour},
			Kafka: KafkaConfig{
				PaymentTopic:     "payment-confirmed",
				PaymentGroupID:   "order-service-payments",
				ConflictTopic:    "payment-conflicts",
				OrderEventsTopic: "order-events",
			},
			Jaeger: JaegerConfig{SampleRatio: 1},
		},
		Orders: OrdersConfig{
			ReservationWindow: 15 * time.Minute,
			SweepInterval:     time.Minute,
			SweepBatchSize:    500,
			CheckoutRetries:   3,
			RetryInitial:      20 * time.Millisecond,
			RetryMax:          time.Second,
			OutboxInterval:    500 * time.Millisecond,
			OutboxBatchSize:   100,
		},
	}
}

// Load 读取 YAML（path 为空时只用默认值），再应用环境变量覆盖并校验
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "read config %s", path)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, errors.Wrapf(err, "parse config %s", path)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v, ok := os.LookupEnv("STORE_DRIVER"); ok {
		c.Infra.Store.Driver = v
	}
	if v, ok := os.LookupEnv("MYSQL_DSN"); ok {
		c.Infra.MySQL.DSN = v
	}
	if v, ok := os.LookupEnv("REDIS_ADDRS"); ok {
		c.Infra.Redis.Addrs = splitList(v)
	}
	if v, ok := os.LookupEnv("KAFKA_BROKERS"); ok {
		c.Infra.Kafka.Brokers = splitList(v)
	}
	if v, ok := os.LookupEnv("JAEGER_ENDPOINT"); ok {
		c.Infra.Jaeger.Endpoint = v
	}
	if v, ok := os.LookupEnv("LOG_LEVEL"); ok {
		c.App.LogLevel = v
	}
	if v, ok := os.LookupEnv("HTTP_PORT"); ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrapf(err, "invalid HTTP_PORT %q", v)
		}
		c.App.Port = port
	}
	return nil
}

func (c *Config) Validate() error {
	var problems []string
	if c.App.Port <= 0 || c.App.Port > 65535 {
		problems = append(problems, fmt.Sprintf("app.port %d out of range", c.App.Port))
	}
	switch c.Infra.Store.Driver {
	case StoreMemory:
	case StoreMySQL:
		if c.Infra.MySQL.DSN == "" {
			problems = append(problems, "infra.mysql.dsn is required for the mysql store")
		}
	default:
		problems = append(problems, fmt.Sprintf("infra.store.driver %q must be memory or mysql", c.Infra.Store.Driver))
	}
	if c.Orders.ReservationWindow <= 0 {
		problems = append(problems, "orders.reservationWindow must be positive")
	}
	if c.Orders.SweepInterval <= 0 {
		problems = append(problems, "orders.sweepInterval must be positive")
	}
	if c.Orders.SweepBatchSize <= 0 {
		problems = append(problems, "orders.sweepBatchSize must be positive")
	}
	for item, qty := range c.Inventory {
		if qty < 0 {
			problems = append(problems, fmt.Sprintf("inventory.%s must not be negative", item))
		}
	}
	if len(problems) > 0 {
		return errors.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

var current atomic.Pointer[Config]

// Init 从 CONFIG_PATH 加载配置并设置为当前配置
func Init() (*Config, error) {
	cfg, err := Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		return nil, err
	}
	current.Store(cfg)
	return cfg, nil
}

// GetCurrentConfig 未调用 Init 时返回默认配置
func GetCurrentConfig() *Config {
	if cfg := current.Load(); cfg != nil {
		return cfg
	}
	return Default()
}
