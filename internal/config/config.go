package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"ecrecv/internal/coordinator"
	"ecrecv/internal/dispatch"
	"ecrecv/internal/gcs"
	"ecrecv/internal/router"
	"ecrecv/internal/sink"
	"ecrecv/internal/spool"
	"ecrecv/internal/store"
	"ecrecv/internal/tracker"
	"ecrecv/internal/validate"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v2"
)

const (
	EnvPrefix = "ECRECV_"

	LogLevelDebug = "debug"
	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"

	LogFormatText = "text"
	LogFormatJSON = "json"
)

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type StoreConfig struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
}

type SinkConfig struct {
	OutputDir string            `yaml:"output_dir"`
	GCS       gcs.Config        `yaml:"gcs"`
	Events    sink.EventsConfig `yaml:"events"`
}

type Config struct {
	Log         LogConfig          `yaml:"log"`
	Store       StoreConfig        `yaml:"store"`
	Spool       spool.Config       `yaml:"spool"`
	Router      router.Config      `yaml:"router"`
	Tracker     tracker.Config     `yaml:"tracker"`
	Validator   validate.Config    `yaml:"validator"`
	Coordinator coordinator.Config `yaml:"coordinator"`
	Dispatcher  dispatch.Config    `yaml:"dispatcher"`
	Sink        SinkConfig         `yaml:"sink"`
}

func Default() Config {
	return Config{
		Log:         LogConfig{Level: LogLevelInfo, Format: LogFormatText},
		Store:       StoreConfig{Backend: store.BackendSQLite, Path: "./ecrecv.db"},
		Spool:       spool.Config{Dir: "./spool", Mode: spool.ModeWatch, Listen: ":8080"},
		Router:      router.DefaultConfig(),
		Tracker:     tracker.DefaultConfig(),
		Validator:   validate.DefaultConfig(),
		Coordinator: coordinator.DefaultConfig(),
		Dispatcher:  dispatch.DefaultConfig(),
		Sink:        SinkConfig{OutputDir: "./out", GCS: gcs.Config{Prefix: "ecrecv"}},
	}
}

// Load builds the configuration from, in increasing precedence: defaults,
// the YAML file at path (optional when empty), a .env file in the working
// directory and ECRECV_* environment variables. Command line flags are
// applied on top by the caller through BindFlags.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("cannot read config: %w", err)
		}
		if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("cannot parse config %s: %w", path, err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("cannot load .env: %w", err)
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func MustLoad(path string) Config {
	cfg, err := Load(path)
	if err != nil {
		panic(err)
	}
	if err := cfg.Validate(); err != nil {
		panic(err)
	}
	return cfg
}

type lookupFunc func(key string) (string, bool)

func (c *Config) applyEnv(lookup lookupFunc) error {
	strs := map[string]*string{
		"LOG_LEVEL":       &c.Log.Level,
		"LOG_FORMAT":      &c.Log.Format,
		"STORE_BACKEND":   &c.Store.Backend,
		"STORE_PATH":      &c.Store.Path,
		"SPOOL_DIR":       &c.Spool.Dir,
		"SPOOL_MODE":      &c.Spool.Mode,
		"LISTEN":          &c.Spool.Listen,
		"OUTPUT_DIR":      &c.Sink.OutputDir,
		"GCS_BUCKET":      &c.Sink.GCS.Bucket,
		"GCS_PREFIX":      &c.Sink.GCS.Prefix,
		"GCS_CREDENTIALS": &c.Sink.GCS.CredsJSON,
		"GCS_ENDPOINT":    &c.Sink.GCS.Endpoint,
		"REDIS_URL":       &c.Sink.Events.URL,
		"REDIS_STREAM":    &c.Sink.Events.Stream,
	}
	for key, dst := range strs {
		if v, ok := lookup(EnvPrefix + key); ok {
			*dst = v
		}
	}

	ints := map[string]*int{
		"MAX_ATTEMPTS":       &c.Coordinator.Retry.MaxAttempts,
		"VALIDATOR_WORKERS":  &c.Validator.Workers,
		"DISPATCHER_WORKERS": &c.Dispatcher.Workers,
	}
	for key, dst := range ints {
		v, ok := lookup(EnvPrefix + key)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
		}
		*dst = n
	}

	durations := map[string]*time.Duration{
		"RETRY_BASE_DELAY": &c.Coordinator.Retry.BaseDelay,
		"RETRY_MAX_DELAY":  &c.Coordinator.Retry.MaxDelay,
		"STALL_TIMEOUT":    &c.Coordinator.StallTimeout,
		"RETENTION":        &c.Coordinator.Retention,
		"REDELIVER":        &c.Coordinator.Redeliver,
	}
	for key, dst := range durations {
		v, ok := lookup(EnvPrefix + key)
		if !ok {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
		}
		*dst = d
	}

	if v, ok := lookup(EnvPrefix + "REQUIRE_CHECKSUM"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sREQUIRE_CHECKSUM: %w", EnvPrefix, err)
		}
		c.Validator.RequireChecksum = b
	}
	return nil
}

// BindFlags registers the flags that override the loaded configuration.
func BindFlags(fs *pflag.FlagSet, c *Config) {
	fs.StringVar(&c.Log.Level, "log-level", c.Log.Level, "log level (debug, info, warn, error)")
	fs.StringVar(&c.Log.Format, "log-format", c.Log.Format, "log format (text, json)")
	fs.StringVar(&c.Store.Backend, "store", c.Store.Backend, "state backend (sqlite, bolt)")
	fs.StringVar(&c.Store.Path, "db", c.Store.Path, "path to the state database")
	fs.StringVar(&c.Spool.Dir, "spool", c.Spool.Dir, "directory files are received into")
	fs.StringVar(&c.Spool.Mode, "mode", c.Spool.Mode, "transport (watch, http)")
	fs.StringVar(&c.Spool.Listen, "listen", c.Spool.Listen, "ingest listen address in http mode")
	fs.StringVar(&c.Sink.OutputDir, "output", c.Sink.OutputDir, "directory validated files are moved to")
	fs.StringVar(&c.Sink.GCS.Bucket, "bucket", c.Sink.GCS.Bucket, "GCS bucket name, empty disables upload")
	fs.StringVar(&c.Sink.Events.URL, "redis", c.Sink.Events.URL, "redis URL for product events, empty disables them")
	fs.IntVar(&c.Coordinator.Retry.MaxAttempts, "max-attempts", c.Coordinator.Retry.MaxAttempts, "attempts per file before giving up")
	fs.IntVar(&c.Validator.Workers, "validator-workers", c.Validator.Workers, "number of validation workers")
	fs.IntVar(&c.Dispatcher.Workers, "dispatcher-workers", c.Dispatcher.Workers, "number of delivery workers")
	fs.BoolVar(&c.Validator.RequireChecksum, "require-checksum", c.Validator.RequireChecksum, "treat a missing .md5 as unreadable")
}

func (c Config) Validate() error {
	var errs []error

	switch c.Log.Level {
	case LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError:
	default:
		errs = append(errs, fmt.Errorf("unknown log level %q", c.Log.Level))
	}
	switch c.Log.Format {
	case LogFormatText, LogFormatJSON:
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.Log.Format))
	}
	switch c.Store.Backend {
	case store.BackendSQLite, store.BackendBolt:
	default:
		errs = append(errs, fmt.Errorf("unknown store backend %q", c.Store.Backend))
	}
	if c.Store.Path == "" {
		errs = append(errs, errors.New("store path is empty"))
	}
	switch c.Spool.Mode {
	case spool.ModeWatch:
	case spool.ModeHTTP:
		if c.Spool.Listen == "" {
			errs = append(errs, errors.New("http mode needs a listen address"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown spool mode %q", c.Spool.Mode))
	}
	if c.Spool.Dir == "" {
		errs = append(errs, errors.New("spool dir is empty"))
	}
	if c.Sink.OutputDir == "" {
		errs = append(errs, errors.New("output dir is empty"))
	}
	if c.Router.Buffer < 0 || c.Router.UnavailableAfter <= 0 {
		errs = append(errs, errors.New("router needs a non-negative buffer and a positive unavailable_after"))
	}
	if err := c.Coordinator.Retry.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("coordinator retry: %w", err))
	}
	if err := c.Dispatcher.Retry.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("dispatcher retry: %w", err))
	}
	if c.Coordinator.StallTimeout <= 0 {
		errs = append(errs, errors.New("stall timeout must be positive"))
	}
	if c.Coordinator.Redeliver < c.Coordinator.Sweep {
		errs = append(errs, fmt.Errorf("redeliver interval %s is shorter than the sweep interval %s", c.Coordinator.Redeliver, c.Coordinator.Sweep))
	}
	return errors.Join(errs...)
}

// Logger builds the process logger.
func (c LogConfig) Logger(w io.Writer) *slog.Logger {
	lo := &slog.HandlerOptions{}
	switch strings.ToLower(c.Level) {
	case LogLevelDebug:
		lo.Level = slog.LevelDebug
	case LogLevelWarn:
		lo.Level = slog.LevelWarn
	case LogLevelError:
		lo.Level = slog.LevelError
	default:
		lo.Level = slog.LevelInfo
	}

	if c.Format == LogFormatJSON {
		return slog.New(slog.NewJSONHandler(w, lo))
	}
	return slog.New(slog.NewTextHandler(w, lo))
}
