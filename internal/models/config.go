package models

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	ServerAddr  string `yaml:"server_addr"`
	DatabaseURL string `yaml:"database_url"`
	LogMode     string `yaml:"log_mode"`

	RedisAddr   string `yaml:"redis_addr"`
	KafkaBroker string `yaml:"kafka_broker"`
	KafkaTopic  string `yaml:"kafka_topic"`

	S3 S3Config `yaml:"s3"`

	DetectAPIURL string `yaml:"detect_api_url"`
	SearchAPIURL string `yaml:"search_api_url"`
	SearchIndex  string `yaml:"search_index"`

	PresignTTLSeconds int `yaml:"presign_ttl_seconds"`

	WebDir string `yaml:"web_dir"`
}

type S3Config struct {
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	Region          string `yaml:"region"`
	Bucket          string `yaml:"bucket"`
	// Endpoint overrides the AWS endpoint, e.g. for a MinIO deployment.
	Endpoint string `yaml:"endpoint"`
}

// LoadConfig reads a YAML config file. Values may reference environment
// variables with ${NAME} so credentials and endpoints stay out of the file.
func LoadConfig(path string) (*Config, error) {
	const op = "models.LoadConfig"

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	var cfg Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if cfg.ServerAddr == "" {
		cfg.ServerAddr = ":8080"
	}
	if cfg.SearchIndex == "" {
		cfg.SearchIndex = "mall_search_image_250604"
	}
	if cfg.PresignTTLSeconds <= 0 {
		cfg.PresignTTLSeconds = 3600
	}
	if cfg.WebDir == "" {
		cfg.WebDir = "./web"
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("%s: database_url is required", op)
	}
	if cfg.S3.Bucket == "" {
		return nil, fmt.Errorf("%s: s3.bucket is required", op)
	}
	if cfg.DetectAPIURL == "" || cfg.SearchAPIURL == "" {
		return nil, fmt.Errorf("%s: detect_api_url and search_api_url are required", op)
	}

	return &cfg, nil
}

func (c *Config) PresignTTL() time.Duration {
	return time.Duration(c.PresignTTLSeconds) * time.Second
}
