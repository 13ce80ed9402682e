package config

import (
	"os"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/iancoleman/strcase"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/pezware/mirubato-sub008/pkg/syncqueue"
	"github.com/pkg/errors"
)

type Config struct {
	DatabaseBusyTimeout       time.Duration `koanf:"database_busy_timeout" default:"5s"`
	DatabaseConnectRetryCount int           `koanf:"database_connect_retry_count" default:"5"`
	DatabaseConnectRetryDelay time.Duration `koanf:"database_connect_retry_delay" default:"2s"`
	DatabaseDebug             bool          `koanf:"database_debug"`
	DatabaseFilePath          string        `koanf:"database_file_path" validate:"required"`
	DatabaseMaxRetries        int           `koanf:"database_max_retries" default:"5"`

	ServerHost string `koanf:"server_host" default:"0.0.0.0"`
	ServerPort int    `koanf:"server_port" default:"3689" validate:"min=1,max=65535"`

	// RemoteURL is the sync API the client daemon talks to.
	RemoteURL string `koanf:"remote_url" default:"http://127.0.0.1:3689" validate:"url"`
	DeviceID  string `koanf:"device_id"`
	UserID    string `koanf:"user_id"`

	ConflictStrategy    string        `koanf:"conflict_strategy" default:"lastWriteWins"`
	SyncBatchSize       int           `koanf:"sync_batch_size" default:"10" validate:"min=1"`
	SyncIntervalMinutes int           `koanf:"sync_interval_minutes" default:"60" validate:"min=1"`
	FinalSyncTimeout    time.Duration `koanf:"final_sync_timeout" default:"5s"`
	RequestTimeout      time.Duration `koanf:"request_timeout" default:"30s"`

	QueueMaxRetries        int           `koanf:"queue_max_retries" default:"3" validate:"min=1"`
	QueueBaseDelay         time.Duration `koanf:"queue_base_delay" default:"1s"`
	QueueBackoffMultiplier float64       `koanf:"queue_backoff_multiplier" default:"2" validate:"min=1"`
	QueueMaxBackoff        time.Duration `koanf:"queue_max_backoff" default:"30s"`

	// QueueBacking picks where the sync queue is persisted: the local
	// database or a badger directory at QueueBadgerDir.
	QueueBacking   string `koanf:"queue_backing" default:"database" validate:"oneof=database badger"`
	QueueBadgerDir string `koanf:"queue_badger_dir" default:"/data/queue"`
}

const configFileENV = "CONFIG_FILE"

const defaultConfigFile = "/config/mirubato.yaml"

// New builds the config from struct defaults, then the YAML file named by
// CONFIG_FILE, then environment variables. Later sources win.
func New() (*Config, error) {
	cfg := &Config{}
	if err := defaults.Set(cfg); err != nil {
		return nil, errors.WithStack(err)
	}

	k := koanf.New(".")

	path := os.Getenv(configFileENV)
	if path == "" {
		path = defaultConfigFile
	}
	if _, err := os.Stat(path); err == nil {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, errors.Wrapf(err, "failed to load config file %s", path)
		}
	}

	err := k.Load(env.Provider("", ".", strings.ToLower), nil)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, errors.WithStack(err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	if cfg.DeviceID == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return nil, errors.WithStack(err)
		}
		cfg.DeviceID = hostname
	}

	return cfg, nil
}

// NewForTest returns the defaults with an in-memory database.
func NewForTest() *Config {
	cfg := &Config{}
	_ = defaults.Set(cfg)
	cfg.DatabaseFilePath = ":memory:"
	cfg.DatabaseConnectRetryCount = 1
	cfg.DatabaseConnectRetryDelay = 0
	cfg.ServerHost = "127.0.0.1"
	cfg.DeviceID = "test-device"
	return cfg
}

// SyncInterval is the period of the background sync trigger.
func (cfg *Config) SyncInterval() time.Duration {
	return time.Duration(cfg.SyncIntervalMinutes) * time.Minute
}

func (cfg *Config) QueueConfig() syncqueue.Config {
	return syncqueue.Config{
		MaxRetries:        cfg.QueueMaxRetries,
		BaseDelay:         cfg.QueueBaseDelay,
		BackoffMultiplier: cfg.QueueBackoffMultiplier,
		MaxBackoff:        cfg.QueueMaxBackoff,
	}
}

func (cfg *Config) validate() error {
	err := validator.New().Struct(cfg)
	if err == nil {
		return nil
	}
	var errs validator.ValidationErrors
	if !errors.As(err, &errs) {
		return errors.WithStack(err)
	}

	fe := errs[0]
	key := toSnakeCase(fe.StructField())
	if fe.Tag() == "required" {
		return errors.Errorf("missing required config: set %s env var or %s in config file", strings.ToUpper(key), key)
	}
	return errors.Errorf("invalid config %s (%s): failed %q check", strings.ToUpper(key), key, fe.Tag())
}

func toSnakeCase(s string) string {
	return strcase.ToSnake(s)
}
