package config

import (
	"context"
	"net"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/saiset-co/build-cache-node/types"
)

const EnvPrefix = "BUILD_CACHE_"

// Override mutates a loaded configuration before validation. Command line
// flags are applied this way.
type Override func(config *types.ServiceConfig) error

type Loader struct {
	validator *validator.Validate
	lookupEnv func(string) (string, bool)
}

func NewLoader() *Loader {
	return &Loader{
		validator: validator.New(validator.WithRequiredStructEnabled()),
		lookupEnv: os.LookupEnv,
	}
}

// Load builds the effective configuration: defaults, then the YAML file (when
// configPath is set), then BUILD_CACHE_* environment variables, then overrides.
func (l *Loader) Load(ctx context.Context, configPath string, overrides ...Override) (*types.ServiceConfig, error) {
	config := l.Defaults()

	if configPath != "" {
		if _, err := os.Stat(configPath); err != nil {
			return nil, types.WrapError(err, "config file not found: "+configPath)
		}

		data, err := l.ReadFileWithTimeout(ctx, configPath)
		if err != nil {
			return nil, types.WrapError(err, "failed to read config file")
		}

		if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), config); err != nil {
			return nil, types.Errorf(types.ErrConfigParseFailed, "%v", err)
		}
	}

	if err := l.applyEnv(config); err != nil {
		return nil, err
	}

	for _, override := range overrides {
		if err := override(config); err != nil {
			return nil, err
		}
	}

	if err := l.Validate(config); err != nil {
		return nil, err
	}

	return config, nil
}

func (l *Loader) ReadFileWithTimeout(ctx context.Context, filepath string) ([]byte, error) {
	type result struct {
		data []byte
		err  error
	}

	resultChan := make(chan result, 1)

	go func() {
		data, err := os.ReadFile(filepath)
		resultChan <- result{data: data, err: err}
	}()

	select {
	case res := <-resultChan:
		return res.data, res.err
	case <-ctx.Done():
		return nil, types.WrapError(ctx.Err(), "file read timeout")
	}
}

func (l *Loader) Validate(config *types.ServiceConfig) error {
	if err := l.validator.Struct(config); err != nil {
		return types.Errorf(types.ErrConfigValidateFailed, "%v", err)
	}

	storage := config.Storage
	if storage.Headroom >= storage.MaxSize {
		return types.Errorf(types.ErrConfigValidateFailed,
			"storage.headroom (%s) must be below storage.max_size (%s)", storage.Headroom, storage.MaxSize)
	}
	if storage.MaxEntrySize > storage.MaxSize {
		return types.Errorf(types.ErrConfigValidateFailed,
			"storage.max_entry_size (%s) exceeds storage.max_size (%s)", storage.MaxEntrySize, storage.MaxSize)
	}
	if _, err := regexp.Compile(storage.KeyPattern); err != nil {
		return types.Errorf(types.ErrConfigValidateFailed, "storage.key_pattern: %v", err)
	}

	auth := config.Auth
	if auth.Enabled && auth.Username == "" && len(auth.Users) == 0 && len(auth.Tokens) == 0 {
		return types.Errorf(types.ErrConfigValidateFailed, "%v: set auth.username and auth.password", types.ErrAuthNoCredentials)
	}
	if auth.Username != "" && auth.Password == "" && auth.PasswordHash == "" {
		return types.Errorf(types.ErrConfigValidateFailed, "auth.password or auth.password_hash is required for %q", auth.Username)
	}

	tls := config.Server.TLS
	if tls.Enabled {
		if tls.AutoCert && len(tls.Domains) == 0 {
			return types.Errorf(types.ErrConfigValidateFailed, "%v", types.ErrTLSNoDomains)
		}
		if !tls.AutoCert && (tls.CertFile == "" || tls.KeyFile == "") {
			return types.Errorf(types.ErrConfigValidateFailed, "%v", types.ErrTLSCertMissing)
		}
	}

	return nil
}

func (l *Loader) applyEnv(config *types.ServiceConfig) error {
	str := func(name string, target *string) {
		if value, ok := l.lookupEnv(EnvPrefix + name); ok {
			*target = value
		}
	}

	size := func(name string, target *types.ByteSize) error {
		value, ok := l.lookupEnv(EnvPrefix + name)
		if !ok {
			return nil
		}
		parsed, err := types.ParseByteSize(value)
		if err != nil {
			return types.WrapError(err, EnvPrefix+name)
		}
		*target = parsed
		return nil
	}

	if value, ok := l.lookupEnv(EnvPrefix + "LISTEN_ADDR"); ok {
		if err := SetListenAddr(config.Server.HTTP, value); err != nil {
			return types.WrapError(err, EnvPrefix+"LISTEN_ADDR")
		}
	}

	str("STORAGE_ROOT", &config.Storage.Root)
	str("USERNAME", &config.Auth.Username)
	str("PASSWORD", &config.Auth.Password)
	str("PASSWORD_HASH", &config.Auth.PasswordHash)
	str("READ_ACCESS", &config.Auth.ReadAccess)
	str("LOG_LEVEL", &config.Logger.Level)

	if err := size("SIZE_CEILING", &config.Storage.MaxSize); err != nil {
		return err
	}
	if err := size("EVICTION_HEADROOM", &config.Storage.Headroom); err != nil {
		return err
	}
	if err := size("MAX_ENTRY_SIZE", &config.Storage.MaxEntrySize); err != nil {
		return err
	}

	if value, ok := l.lookupEnv(EnvPrefix + "TLS_CERT"); ok {
		config.Server.TLS.CertFile = value
		config.Server.TLS.Enabled = value != ""
	}
	str("TLS_KEY", &config.Server.TLS.KeyFile)

	if value, ok := l.lookupEnv(EnvPrefix + "AUTH_ENABLED"); ok {
		enabled, err := strconv.ParseBool(value)
		if err != nil {
			return types.WrapError(err, EnvPrefix+"AUTH_ENABLED")
		}
		config.Auth.Enabled = enabled
	}

	return nil
}

// SetListenAddr accepts "host:port", ":port" or a bare port.
func SetListenAddr(httpConfig *types.HTTPConfig, addr string) error {
	addr = strings.TrimSpace(addr)
	if !strings.Contains(addr, ":") {
		addr = ":" + addr
	}

	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return types.Errorf(types.ErrInvalidParameter, "listen address %q: %v", addr, err)
	}

	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return types.Errorf(types.ErrInvalidParameter, "listen port %q", portStr)
	}

	httpConfig.Host = host
	httpConfig.Port = port
	return nil
}

func (l *Loader) Defaults() *types.ServiceConfig {
	return &types.ServiceConfig{
		Name:    "build-cache-node",
		Version: "1.0.0",
		Server: &types.ServerConfig{
			HTTP: &types.HTTPConfig{
				Host:            "0.0.0.0",
				Port:            5071,
				ReadTimeout:     120,
				WriteTimeout:    120,
				IdleTimeout:     120,
				ShutdownTimeout: 15,
			},
			TLS: &types.TLSConfig{
				Enabled:  false,
				CacheDir: "./certs",
			},
		},
		Logger: &types.LoggerConfig{
			Level: "info",
		},
		Storage: &types.StorageConfig{
			Type:          "disk",
			Root:          "./data",
			MaxSize:       10 << 30,
			Headroom:      512 << 20,
			MaxEntrySize:  256 << 20,
			KeyPattern:    `^[A-Za-z0-9_-]{1,128}$`,
			OpTimeout:     2 * time.Minute,
			SweepSchedule: "@every 30s",
			FlushSchedule: "@every 10s",
		},
		Auth: &types.AuthConfig{
			Enabled:    true,
			ReadAccess: types.ReadAccessOpen,
			Realm:      "build-cache-node",
		},
		Cron: &types.CronConfig{
			Enabled:  true,
			Timezone: "UTC",
		},
		Metrics: &types.MetricsConfig{
			Enabled: true,
			Type:    "prometheus",
			Path:    "/metrics",
		},
		Health: &types.HealthConfig{
			Enabled: true,
		},
		Middlewares: &types.MiddlewaresConfig{
			Enabled: true,
			Recovery: &types.MiddlewareItemConfig{
				Enabled: true,
				Weight:  10,
				Params: map[string]interface{}{
					"stack_trace": true,
				},
			},
			RequestID: &types.MiddlewareItemConfig{
				Enabled: true,
				Weight:  20,
			},
			Logging: &types.MiddlewareItemConfig{
				Enabled: true,
				Weight:  30,
				Params: map[string]interface{}{
					"log_level":   "debug",
					"log_headers": false,
				},
			},
			Metrics: &types.MiddlewareItemConfig{
				Enabled: true,
				Weight:  40,
			},
			RateLimit: &types.MiddlewareItemConfig{
				Enabled: false,
				Weight:  50,
				Params: map[string]interface{}{
					"requests_per_second": 200,
					"burst":               400,
					"max_clients":         10000,
				},
			},
			BodyLimit: &types.MiddlewareItemConfig{
				Enabled: true,
				Weight:  60,
			},
			Auth: &types.MiddlewareItemConfig{
				Enabled: true,
				Weight:  70,
			},
			Throttle: &types.MiddlewareItemConfig{
				Enabled: true,
				Weight:  80,
				Params: map[string]interface{}{
					"max_concurrent_writes": 64,
					"retry_after":           2,
				},
			},
		},
	}
}
