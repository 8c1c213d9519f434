package silo

import (
	"putsum/internal/auth"
)

type Config struct {
	DataDir         string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Engine          StorageEngine
	Authenticator   auth.AuthEngine
}

type ConfigOption func(*Config)

func WithStorageEngine(engine StorageEngine) ConfigOption {
	return func(cfg *Config) {
		cfg.Engine = engine
	}
}

func WithAuthEngine(authenticator auth.AuthEngine) ConfigOption {
	return func(cfg *Config) {
		cfg.Authenticator = authenticator
	}
}

func WithRegion(region string) ConfigOption {
	return func(cfg *Config) {
		cfg.Region = region
	}
}

func WithDataDir(dataDir string) ConfigOption {
	return func(cfg *Config) {
		cfg.DataDir = dataDir
	}
}

// WithCredentials sets the single access key pair accepted by the default
// SigV4 authenticator.
func WithCredentials(accessKeyID, secretAccessKey string) ConfigOption {
	return func(cfg *Config) {
		cfg.AccessKeyID = accessKeyID
		cfg.SecretAccessKey = secretAccessKey
	}
}

func NewConfig(opts ...ConfigOption) Config {
	cfg := Config{}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}
