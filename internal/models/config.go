package models

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

const (
	BlobDriverGridFS = "gridfs"
	BlobDriverMinio  = "minio"
	BlobDriverDisk   = "disk"

	QueueDriverKafka  = "kafka"
	QueueDriverMemory = "memory"
)

type Config struct {
	ServerAddr string `yaml:"server_addr"`
	LogLevel   string `yaml:"log_level"`
	LogFormat  string `yaml:"log_format"` // text or json

	// MaxUploadMemory is the multipart size held in memory; larger parts are staged on disk.
	MaxUploadMemory int64 `yaml:"max_upload_memory"`

	BlobDriver  string `yaml:"blob_driver"`
	StoragePath string `yaml:"storage_path"`
	Mongo       Mongo  `yaml:"mongo"`
	Minio       Minio  `yaml:"minio"`

	QueueDriver string `yaml:"queue_driver"`
	KafkaBroker string `yaml:"kafka_broker"`
	KafkaTopic  string `yaml:"kafka_topic"`
	KafkaGroup  string `yaml:"kafka_group"`

	DatabaseURL string `yaml:"database_url"`

	RedisAddr string        `yaml:"redis_addr"`
	CacheTTL  time.Duration `yaml:"cache_ttl"`

	StoreTimeout      time.Duration `yaml:"store_timeout"`
	QueueTimeout      time.Duration `yaml:"queue_timeout"`
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`

	Thumbnailer Thumbnailer `yaml:"thumbnailer"`
}

type Mongo struct {
	URI      string `yaml:"uri"`
	Database string `yaml:"database"`
}

type Minio struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`
}

type Thumbnailer struct {
	Enabled bool `yaml:"enabled"`
	Workers int  `yaml:"workers"`
	Width   int  `yaml:"width"`
	Height  int  `yaml:"height"`
}

func LoadConfig(path string) (*Config, error) {
	const op = "models.LoadConfig"

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return ParseConfig(data)
}

func ParseConfig(data []byte) (*Config, error) {
	const op = "models.ParseConfig"

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.ServerAddr == "" {
		c.ServerAddr = ":8000"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
	if c.MaxUploadMemory <= 0 {
		c.MaxUploadMemory = 8 << 20
	}
	if c.BlobDriver == "" {
		c.BlobDriver = BlobDriverGridFS
	}
	if c.StoragePath == "" {
		c.StoragePath = "./data"
	}
	if c.Mongo.Database == "" {
		c.Mongo.Database = "photostore"
	}
	if c.QueueDriver == "" {
		c.QueueDriver = QueueDriverKafka
	}
	if c.KafkaTopic == "" {
		c.KafkaTopic = "photos"
	}
	if c.KafkaGroup == "" {
		c.KafkaGroup = "thumbnailer-group"
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = 10 * time.Minute
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = 2 * time.Minute
	}
	if c.QueueTimeout <= 0 {
		c.QueueTimeout = 5 * time.Second
	}
	if c.ReconcileInterval <= 0 {
		c.ReconcileInterval = time.Minute
	}
	if c.Thumbnailer.Workers <= 0 {
		c.Thumbnailer.Workers = 1
	}
	if c.Thumbnailer.Width <= 0 {
		c.Thumbnailer.Width = 100
	}
	if c.Thumbnailer.Height <= 0 {
		c.Thumbnailer.Height = 100
	}
}

func (c *Config) Validate() error {
	switch c.BlobDriver {
	case BlobDriverGridFS:
		if c.Mongo.URI == "" {
			return errors.New("mongo.uri is required for the gridfs blob driver")
		}
	case BlobDriverMinio:
		if c.Minio.Endpoint == "" || c.Minio.Bucket == "" {
			return errors.New("minio.endpoint and minio.bucket are required for the minio blob driver")
		}
	case BlobDriverDisk:
	default:
		return fmt.Errorf("unknown blob_driver %q", c.BlobDriver)
	}

	switch c.QueueDriver {
	case QueueDriverKafka:
		if c.KafkaBroker == "" {
			return errors.New("kafka_broker is required for the kafka queue driver")
		}
	case QueueDriverMemory:
	default:
		return fmt.Errorf("unknown queue_driver %q", c.QueueDriver)
	}
	return nil
}
