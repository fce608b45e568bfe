package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	AppPort  string `env:"APP_PORT" envDefault:"8080"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`
	RedisPoolSize int    `env:"REDIS_POOL_SIZE" envDefault:"50"`

	// StoreTimeout bounds a single ledger round-trip.
	StoreTimeout time.Duration `env:"STORE_TIMEOUT" envDefault:"250ms"`
	PoolTTL      time.Duration `env:"POOL_TTL" envDefault:"0s"`
	// CouponPools seeds pools at startup, e.g. "P1=100,P2=5:sku-9".
	CouponPools string `env:"COUPON_POOLS"`

	Sink string `env:"SINK" envDefault:"postgres"`

	DBHost     string `env:"DB_HOST" envDefault:"localhost"`
	DBPort     string `env:"DB_PORT" envDefault:"5432"`
	DBUser     string `env:"DB_USER" envDefault:"postgres"`
	DBPassword string `env:"DB_PASSWORD" envDefault:"postgres"`
	DBName     string `env:"DB_NAME" envDefault:"coupondb"`
	DBSSLMode  string `env:"DB_SSLMODE" envDefault:"disable"`

	MongoURI string `env:"MONGO_URI" envDefault:"mongodb://localhost:27017"`
	MongoDB  string `env:"MONGO_DB" envDefault:"coupon_system"`

	RecorderQueueSize    int           `env:"RECORDER_QUEUE_SIZE" envDefault:"4096"`
	RecorderWorkers      int           `env:"RECORDER_WORKERS" envDefault:"4"`
	RecorderEnqueueWait  time.Duration `env:"RECORDER_ENQUEUE_WAIT" envDefault:"5ms"`
	RecorderMaxAttempts  int           `env:"RECORDER_MAX_ATTEMPTS" envDefault:"5"`
	RecorderBackoffStart time.Duration `env:"RECORDER_BACKOFF_START" envDefault:"50ms"`
	RecorderBackoffMax   time.Duration `env:"RECORDER_BACKOFF_MAX" envDefault:"2s"`
	ReconcileInterval    time.Duration `env:"RECONCILE_INTERVAL" envDefault:"0s"`

	KafkaBrokers           string `env:"KAFKA_BROKERS" envDefault:"kafka:9092"`
	KafkaClientID          string `env:"KAFKA_CLIENT_ID" envDefault:"coupon-issuance"`
	KafkaGroupID           string `env:"KAFKA_GROUP_ID" envDefault:"coupon-overflow"`
	KafkaTopicPartitions   int32  `env:"KAFKA_TOPIC_PARTITIONS" envDefault:"3"`
	KafkaReplicationFactor int16  `env:"KAFKA_REPLICATION_FACTOR" envDefault:"1"`
	OverflowEnabled        bool   `env:"OVERFLOW_ENABLED" envDefault:"true"`
}

// Load reads an optional .env file and then the process environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if cfg.KafkaTopicPartitions <= 0 || cfg.KafkaReplicationFactor <= 0 {
		return nil, fmt.Errorf("parse env: kafka partitions and replication factor must be positive")
	}
	return &cfg, nil
}

func (c *Config) DatabaseURL() string {
	return fmt.Sprintf(
		"postgresql://%s:%s@%s:%s/%s?sslmode=%s",
		c.DBUser,
		c.DBPassword,
		c.DBHost,
		c.DBPort,
		c.DBName,
		c.DBSSLMode,
	)
}

func (c *Config) Brokers() []string {
	var brokers []string
	for _, b := range strings.Split(c.KafkaBrokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}

// PoolSeed is one entry of COUPON_POOLS.
type PoolSeed struct {
	ID        string
	ProductID string
	Supply    int64
}

// Seeds parses COUPON_POOLS entries of the form id=supply[:product].
func (c *Config) Seeds() ([]PoolSeed, error) {
	var seeds []PoolSeed
	for _, entry := range strings.Split(c.CouponPools, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		id, rest, ok := strings.Cut(entry, "=")
		if !ok || id == "" {
			return nil, fmt.Errorf("invalid pool seed %q", entry)
		}
		supply, product, _ := strings.Cut(rest, ":")
		n, err := strconv.ParseInt(supply, 10, 64)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid supply in pool seed %q", entry)
		}
		seeds = append(seeds, PoolSeed{ID: id, ProductID: product, Supply: n})
	}
	return seeds, nil
}
