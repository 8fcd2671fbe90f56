package sqlcapture

import (
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/zeebo/errs"
	"gopkg.in/yaml.v3"
)

// Defaults applied to zero Config fields.
const (
	DefaultCoreWorkers     = 4
	DefaultMaxWorkers      = 16
	DefaultQueueCapacity   = 2000
	DefaultKeepAlive       = 60 * time.Second
	DefaultMaxSQLLength    = 10000
	DefaultResultListLimit = 10
	DefaultMaxValueLength  = 500
	DefaultShutdownTimeout = 5 * time.Second
)

// Config defines the capture pipeline. Every field is optional.
type Config struct {
	Enabled         *bool         `yaml:"enabled"`           // default true
	CoreWorkers     int           `yaml:"core_workers"`      // workers kept alive
	MaxWorkers      int           `yaml:"max_workers"`       // including burst workers
	QueueCapacity   int           `yaml:"queue_capacity"`    // pending captures before drops
	KeepAlive       time.Duration `yaml:"keep_alive"`        // idle time before a burst worker exits
	MaxSQLLength    int           `yaml:"max_sql_length"`    // longer executable SQL is truncated and not parsed
	ResultListLimit int           `yaml:"result_list_limit"` // larger row sets are summarized
	MaxValueLength  int           `yaml:"max_value_length"`  // longer string literals are truncated
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`  // drain grace period on Close
	RedactKeys      []string      `yaml:"redact_keys"`       // columns whose values are masked
}

// DefaultConfig returns a Config with every default filled in.
func DefaultConfig() Config {
	return Config{}.withDefaults()
}

// IsEnabled reports whether capture is on.
func (c Config) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

func (c Config) withDefaults() Config {
	if c.Enabled == nil {
		on := true
		c.Enabled = &on
	}
	if c.CoreWorkers == 0 {
		c.CoreWorkers = DefaultCoreWorkers
	}
	if c.MaxWorkers == 0 {
		c.MaxWorkers = max(DefaultMaxWorkers, c.CoreWorkers)
	}
	if c.QueueCapacity == 0 {
		c.QueueCapacity = DefaultQueueCapacity
	}
	if c.KeepAlive == 0 {
		c.KeepAlive = DefaultKeepAlive
	}
	if c.MaxSQLLength == 0 {
		c.MaxSQLLength = DefaultMaxSQLLength
	}
	if c.ResultListLimit == 0 {
		c.ResultListLimit = DefaultResultListLimit
	}
	if c.MaxValueLength == 0 {
		c.MaxValueLength = DefaultMaxValueLength
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	return c
}

// Validate rejects negative sizes and a worker ceiling below the core count.
func (c Config) Validate() error {
	var group errs.Group
	for name, v := range map[string]int64{
		"core_workers":      int64(c.CoreWorkers),
		"max_workers":       int64(c.MaxWorkers),
		"queue_capacity":    int64(c.QueueCapacity),
		"keep_alive":        int64(c.KeepAlive),
		"max_sql_length":    int64(c.MaxSQLLength),
		"result_list_limit": int64(c.ResultListLimit),
		"max_value_length":  int64(c.MaxValueLength),
		"shutdown_timeout":  int64(c.ShutdownTimeout),
	} {
		if v < 0 {
			group.Add(Error.New("%s must not be negative", name))
		}
	}
	if c.MaxWorkers > 0 && c.CoreWorkers > c.MaxWorkers {
		group.Add(Error.New("max_workers (%d) is below core_workers (%d)", c.MaxWorkers, c.CoreWorkers))
	}
	return group.Err()
}

// LoadConfig decodes YAML from r. Keys that are absent keep their defaults.
func LoadConfig(r io.Reader) (Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && err != io.EOF {
		return Config{}, Error.New("decode config: %w", err)
	}
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadConfigFile reads a YAML config file.
func LoadConfigFile(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, Error.Wrap(err)
	}
	defer func() { _ = f.Close() }()
	return LoadConfig(f)
}

// ConfigFromEnv overrides cfg with PREFIX_<KEY> environment variables, where
// KEY is the upper-cased yaml key (SQLCAPTURE_QUEUE_CAPACITY=500).
// Durations use time.ParseDuration syntax.
func ConfigFromEnv(prefix string, cfg Config) (Config, error) {
	var group errs.Group
	lookup := func(key string) (string, bool) {
		v, ok := os.LookupEnv(strings.ToUpper(prefix + "_" + key))
		return strings.TrimSpace(v), ok && strings.TrimSpace(v) != ""
	}
	ints := map[string]*int{
		"core_workers":      &cfg.CoreWorkers,
		"max_workers":       &cfg.MaxWorkers,
		"queue_capacity":    &cfg.QueueCapacity,
		"max_sql_length":    &cfg.MaxSQLLength,
		"result_list_limit": &cfg.ResultListLimit,
		"max_value_length":  &cfg.MaxValueLength,
	}
	for key, dst := range ints {
		if v, ok := lookup(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				group.Add(Error.New("%s: %w", key, err))
				continue
			}
			*dst = n
		}
	}
	durations := map[string]*time.Duration{
		"keep_alive":       &cfg.KeepAlive,
		"shutdown_timeout": &cfg.ShutdownTimeout,
	}
	for key, dst := range durations {
		if v, ok := lookup(key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				group.Add(Error.New("%s: %w", key, err))
				continue
			}
			*dst = d
		}
	}
	if v, ok := lookup("redact_keys"); ok {
		cfg.RedactKeys = nil
		for _, k := range strings.Split(v, ",") {
			if k = strings.TrimSpace(k); k != "" {
				cfg.RedactKeys = append(cfg.RedactKeys, k)
			}
		}
	}
	if v, ok := lookup("enabled"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			group.Add(Error.New("enabled: %w", err))
		} else {
			cfg.Enabled = &b
		}
	}
	if err := group.Err(); err != nil {
		return Config{}, err
	}
	cfg = cfg.withDefaults()
	return cfg, cfg.Validate()
}
