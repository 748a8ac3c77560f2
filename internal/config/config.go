package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port          string  `mapstructure:"port"`
	DatabaseURL   string  `mapstructure:"database_url"`
	AuthToken     string  `mapstructure:"auth_token"`
	MigrationsDir string  `mapstructure:"migrations_dir"`
	Log           Log     `mapstructure:"log"`
	Delta         Delta   `mapstructure:"delta"`
	Pull          Pull    `mapstructure:"pull"`
	Storage       Storage `mapstructure:"storage"`
	Redis         Redis   `mapstructure:"redis"`
	Kafka         Kafka   `mapstructure:"kafka"`
	Websocket     bool    `mapstructure:"websocket"`
}

type Log struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type Delta struct {
	BlockSize        int `mapstructure:"block_size"`
	MaxBlockSize     int `mapstructure:"max_block_size"`
	SignatureWorkers int `mapstructure:"signature_workers"`
}

type Pull struct {
	DefaultLimit  int `mapstructure:"default_limit"`
	MaxLimit      int `mapstructure:"max_limit"`
	ConflictLimit int `mapstructure:"conflict_limit"`
}

type Storage struct {
	Driver string `mapstructure:"driver"`
	Minio  Minio  `mapstructure:"minio"`
}

type Minio struct {
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Bucket    string `mapstructure:"bucket"`
	UseSSL    bool   `mapstructure:"use_ssl"`
}

type Redis struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
}

type Kafka struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", "8090")
	v.SetDefault("database_url", "file:syncd.db")
	v.SetDefault("auth_token", "")
	v.SetDefault("migrations_dir", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("delta.block_size", 32*1024)
	v.SetDefault("delta.max_block_size", 4*1024*1024)
	v.SetDefault("delta.signature_workers", 4)
	v.SetDefault("pull.default_limit", 1000)
	v.SetDefault("pull.max_limit", 5000)
	v.SetDefault("pull.conflict_limit", 100)
	v.SetDefault("storage.driver", "memory")
	v.SetDefault("storage.minio.endpoint", "localhost:9000")
	v.SetDefault("storage.minio.access_key", "")
	v.SetDefault("storage.minio.secret_key", "")
	v.SetDefault("storage.minio.bucket", "syncd")
	v.SetDefault("storage.minio.use_ssl", false)
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.ttl", 24*time.Hour)
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "sync-changes")
	v.SetDefault("websocket", true)
}

// Load reads defaults, then the YAML file named by SYNCD_CONFIG if set,
// then SYNCD_* environment variables. PORT overrides the port last.
func Load() (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("SYNCD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path := strings.TrimSpace(os.Getenv("SYNCD_CONFIG")); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if p := strings.TrimSpace(os.Getenv("PORT")); p != "" {
		cfg.Port = p
	}
	if brokers := strings.TrimSpace(os.Getenv("SYNCD_KAFKA_BROKERS")); brokers != "" {
		cfg.Kafka.Brokers = splitList(brokers)
	}
	cfg.AuthToken = strings.TrimSpace(cfg.AuthToken)
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	var errs []error
	if c.Delta.BlockSize <= 0 {
		errs = append(errs, errors.New("delta.block_size must be positive"))
	}
	if c.Delta.MaxBlockSize < c.Delta.BlockSize {
		errs = append(errs, errors.New("delta.max_block_size must not be below delta.block_size"))
	}
	if c.Pull.DefaultLimit <= 0 || c.Pull.MaxLimit < c.Pull.DefaultLimit {
		errs = append(errs, errors.New("pull limits must satisfy 0 < default_limit <= max_limit"))
	}
	if c.Pull.ConflictLimit < 0 {
		errs = append(errs, errors.New("pull.conflict_limit must not be negative"))
	}
	switch c.Storage.Driver {
	case "memory":
	case "minio":
		if c.Storage.Minio.Endpoint == "" || c.Storage.Minio.Bucket == "" {
			errs = append(errs, errors.New("storage.minio needs endpoint and bucket"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage.driver %q", c.Storage.Driver))
	}
	return errors.Join(errs...)
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
