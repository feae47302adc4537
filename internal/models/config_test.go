package models

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseConfig_Defaults(t *testing.T) {
	cfg, err := ParseConfig([]byte("mongo:\n  uri: mongodb://localhost:27017\nkafka_broker: localhost:9092\n"))
	require.NoError(t, err)

	require.Equal(t, ":8000", cfg.ServerAddr)
	require.Equal(t, "info", cfg.LogLevel)
	require.Equal(t, "text", cfg.LogFormat)
	require.Equal(t, int64(8<<20), cfg.MaxUploadMemory)
	require.Equal(t, BlobDriverGridFS, cfg.BlobDriver)
	require.Equal(t, "photostore", cfg.Mongo.Database)
	require.Equal(t, QueueDriverKafka, cfg.QueueDriver)
	require.Equal(t, "photos", cfg.KafkaTopic)
	require.Equal(t, "thumbnailer-group", cfg.KafkaGroup)
	require.Equal(t, 2*time.Minute, cfg.StoreTimeout)
	require.Equal(t, 5*time.Second, cfg.QueueTimeout)
	require.Equal(t, 100, cfg.Thumbnailer.Width)
	require.Equal(t, 100, cfg.Thumbnailer.Height)
	require.Equal(t, 1, cfg.Thumbnailer.Workers)
}

func TestParseConfig_Overrides(t *testing.T) {
	raw := `
server_addr: ":9090"
blob_driver: disk
storage_path: /var/lib/photostore
queue_driver: memory
store_timeout: 30s
queue_timeout: 1500ms
cache_ttl: 1h
thumbnailer:
  enabled: true
  workers: 4
  width: 256
  height: 128
`
	cfg, err := ParseConfig([]byte(raw))
	require.NoError(t, err)
	require.Equal(t, ":9090", cfg.ServerAddr)
	require.Equal(t, BlobDriverDisk, cfg.BlobDriver)
	require.Equal(t, "/var/lib/photostore", cfg.StoragePath)
	require.Equal(t, QueueDriverMemory, cfg.QueueDriver)
	require.Equal(t, 30*time.Second, cfg.StoreTimeout)
	require.Equal(t, 1500*time.Millisecond, cfg.QueueTimeout)
	require.Equal(t, time.Hour, cfg.CacheTTL)
	require.True(t, cfg.Thumbnailer.Enabled)
	require.Equal(t, 4, cfg.Thumbnailer.Workers)
	require.Equal(t, 256, cfg.Thumbnailer.Width)
}

func TestParseConfig_Invalid(t *testing.T) {
	tests := map[string]string{
		"gridfs without uri":   "kafka_broker: k:9092\n",
		"minio without bucket": "blob_driver: minio\nminio:\n  endpoint: localhost:9000\nqueue_driver: memory\n",
		"unknown blob driver":  "blob_driver: ftp\nqueue_driver: memory\n",
		"kafka without broker": "blob_driver: disk\n",
		"unknown queue driver": "blob_driver: disk\nqueue_driver: sqs\n",
		"not yaml":             "blob_driver: [disk\n",
	}
	for name, raw := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseConfig([]byte(raw))
			require.Error(t, err)
		})
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("blob_driver: disk\nqueue_driver: memory\n"), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, BlobDriverDisk, cfg.BlobDriver)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
