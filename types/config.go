package types

import (
	"time"
)

type ConfigManager interface {
	Load() error
	GetConfig() *ServiceConfig
	GetValue(path string, defaultValue interface{}) interface{}
	GetAs(path string, target interface{}) error
}

type ServiceConfig struct {
	Name        string             `yaml:"name" json:"name" validate:"required"`
	Version     string             `yaml:"version" json:"version" validate:"required"`
	Server      *ServerConfig      `yaml:"server" json:"server" validate:"required"`
	Logger      *LoggerConfig      `yaml:"logger" json:"logger" validate:"required"`
	Storage     *StorageConfig     `yaml:"storage" json:"storage" validate:"required"`
	Auth        *AuthConfig        `yaml:"auth" json:"auth" validate:"required"`
	Cron        *CronConfig        `yaml:"cron" json:"cron" validate:"required"`
	Middlewares *MiddlewaresConfig `yaml:"middlewares" json:"middlewares" validate:"required"`
	Metrics     *MetricsConfig     `yaml:"metrics" json:"metrics" validate:"required"`
	Health      *HealthConfig      `yaml:"health" json:"health" validate:"required"`
}

type ServerConfig struct {
	HTTP *HTTPConfig `yaml:"http" json:"http" validate:"required"`
	TLS  *TLSConfig  `yaml:"tls" json:"tls" validate:"required"`
}

type HTTPConfig struct {
	Host            string `yaml:"host" json:"host"`
	Port            int    `yaml:"port" json:"port" validate:"min=0,max=65535"`
	ReadTimeout     int    `yaml:"read_timeout" json:"read_timeout" validate:"min=0"`
	WriteTimeout    int    `yaml:"write_timeout" json:"write_timeout" validate:"min=0"`
	IdleTimeout     int    `yaml:"idle_timeout" json:"idle_timeout" validate:"min=0"`
	ShutdownTimeout int    `yaml:"shutdown_timeout" json:"shutdown_timeout" validate:"min=0"`
	Concurrency     int    `yaml:"concurrency" json:"concurrency" validate:"min=0"`
}

type TLSConfig struct {
	Enabled       bool     `yaml:"enabled" json:"enabled"`
	CertFile      string   `yaml:"cert_file,omitempty" json:"cert_file,omitempty"`
	KeyFile       string   `yaml:"key_file,omitempty" json:"key_file,omitempty"`
	AutoCert      bool     `yaml:"auto_cert" json:"auto_cert"`
	Domains       []string `yaml:"domains,omitempty" json:"domains,omitempty"`
	Email         string   `yaml:"email,omitempty" json:"email,omitempty"`
	CacheDir      string   `yaml:"cache_dir,omitempty" json:"cache_dir,omitempty"`
	ACMEDirectory string   `yaml:"acme_directory,omitempty" json:"acme_directory,omitempty"`
}

type LoggerConfig struct {
	Type   string      `yaml:"type" json:"type"`
	Level  string      `yaml:"level" json:"level" validate:"required"`
	Config interface{} `yaml:"config" json:"config"`
}

// StorageConfig describes the blob store and the capacity bound enforced by eviction.
type StorageConfig struct {
	Type          string        `yaml:"type" json:"type" validate:"required,oneof=disk memory"`
	Root          string        `yaml:"root" json:"root" validate:"required_if=Type disk"`
	MaxSize       ByteSize      `yaml:"max_size" json:"max_size" validate:"gt=0"`
	Headroom      ByteSize      `yaml:"headroom" json:"headroom" validate:"min=0"`
	MaxEntrySize  ByteSize      `yaml:"max_entry_size" json:"max_entry_size" validate:"gt=0"`
	KeyPattern    string        `yaml:"key_pattern" json:"key_pattern" validate:"required"`
	OpTimeout     time.Duration `yaml:"op_timeout" json:"op_timeout" validate:"gt=0"`
	SweepSchedule string        `yaml:"sweep_schedule" json:"sweep_schedule" validate:"required"`
	FlushSchedule string        `yaml:"flush_schedule" json:"flush_schedule" validate:"required"`
	Fsync         bool          `yaml:"fsync" json:"fsync"`
}

type AuthConfig struct {
	Enabled      bool         `yaml:"enabled" json:"enabled"`
	ReadAccess   string       `yaml:"read_access" json:"read_access" validate:"oneof=open gated"`
	Realm        string       `yaml:"realm" json:"realm"`
	Username     string       `yaml:"username" json:"username"`
	Password     string       `yaml:"password" json:"password"`
	PasswordHash string       `yaml:"password_hash" json:"password_hash"`
	Users        []UserConfig `yaml:"users" json:"users" validate:"dive"`
	Tokens       []string     `yaml:"tokens" json:"tokens" validate:"dive,min=1"`
}

type UserConfig struct {
	Username     string `yaml:"username" json:"username" validate:"required"`
	Password     string `yaml:"password" json:"password" validate:"required_without=PasswordHash"`
	PasswordHash string `yaml:"password_hash" json:"password_hash"`
}

type CronConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Timezone string `yaml:"timezone" json:"timezone" validate:"required_if=Enabled true"`
}

type MiddlewaresConfig struct {
	Enabled   bool                  `yaml:"enabled" json:"enabled"`
	Recovery  *MiddlewareItemConfig `yaml:"recovery" json:"recovery" validate:"required"`
	RequestID *MiddlewareItemConfig `yaml:"request_id" json:"request_id" validate:"required"`
	Logging   *MiddlewareItemConfig `yaml:"logging" json:"logging" validate:"required"`
	Metrics   *MiddlewareItemConfig `yaml:"metrics" json:"metrics" validate:"required"`
	RateLimit *MiddlewareItemConfig `yaml:"rate_limit" json:"rate_limit" validate:"required"`
	BodyLimit *MiddlewareItemConfig `yaml:"body_limit" json:"body_limit" validate:"required"`
	Auth      *MiddlewareItemConfig `yaml:"auth" json:"auth" validate:"required"`
	Throttle  *MiddlewareItemConfig `yaml:"throttle" json:"throttle" validate:"required"`
}

type MiddlewareItemConfig struct {
	Enabled bool                   `yaml:"enabled" json:"enabled"`
	Weight  int                    `yaml:"weight" json:"weight" validate:"min=0"`
	Params  map[string]interface{} `yaml:"params" json:"params"`
}

type MetricsConfig struct {
	Enabled bool        `yaml:"enabled" json:"enabled"`
	Type    string      `yaml:"type" json:"type" validate:"required_if=Enabled true"`
	Path    string      `yaml:"path" json:"path"`
	Config  interface{} `yaml:"config" json:"config"`
}

type HealthConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
}
