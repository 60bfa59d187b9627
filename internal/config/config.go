package config

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/aretw0/workbench/pkg/domain"
	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. WORKBENCH_BACKEND_BASE_URL.
const EnvPrefix = "WORKBENCH"

// DefaultPath is the config file looked up when none is given.
const DefaultPath = "workbench.yaml"

// Backend kinds.
const (
	BackendJupyter = "jupyter"
	BackendMemory  = "memory"
)

// Config is the runtime configuration of the workbench binary.
type Config struct {
	Backend BackendConfig `mapstructure:"backend"`
	HTTP    HTTPConfig    `mapstructure:"http"`
	Redis   RedisConfig   `mapstructure:"redis"`
	Exports ExportsConfig `mapstructure:"exports"`
	Log     LogConfig     `mapstructure:"log"`
}

// BackendConfig selects and tunes the kernel backend.
type BackendConfig struct {
	Kind         string            `mapstructure:"kind"`
	BaseURL      string            `mapstructure:"base_url"`
	Token        string            `mapstructure:"token"`
	AutoConnect  bool              `mapstructure:"auto_connect"`
	KernelSpec   domain.KernelSpec `mapstructure:"kernel_spec"`
	ProbeTimeout time.Duration     `mapstructure:"probe_timeout"`
	ExecTimeout  time.Duration     `mapstructure:"exec_timeout"`
}

// HTTPConfig configures the API server.
type HTTPConfig struct {
	Port    int  `mapstructure:"port"`
	Metrics bool `mapstructure:"metrics"`
}

// RedisConfig enables cross-process change events and session locks when Addr is set.
type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Channel  string        `mapstructure:"channel"`
	LockTTL  time.Duration `mapstructure:"lock_ttl"`
}

// ExportsConfig points at the directory notebooks are restored from and saved to.
// An empty Dir disables persistence.
type ExportsConfig struct {
	Dir string `mapstructure:"dir"`
}

// LogConfig configures the application logger.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// defaults returns the configuration as a nested map. Its keys also define
// which environment variables are recognized.
func defaults() map[string]any {
	return map[string]any{
		"backend": map[string]any{
			"kind":         BackendJupyter,
			"base_url":     domain.DefaultBaseURL,
			"token":        "",
			"auto_connect": false,
			"kernel_spec": map[string]any{
				"name":         domain.DefaultKernelSpec.Name,
				"display_name": domain.DefaultKernelSpec.DisplayName,
			},
			"probe_timeout": "5s",
			"exec_timeout":  "60s",
		},
		"http": map[string]any{
			"port":    8080,
			"metrics": true,
		},
		"redis": map[string]any{
			"addr":     "",
			"password": "",
			"db":       0,
			"channel":  "workbench:events",
			"lock_ttl": "30s",
		},
		"exports": map[string]any{
			"dir": "",
		},
		"log": map[string]any{
			"level":  "info",
			"format": "text",
		},
	}
}

// Default returns the built-in configuration.
func Default() Config {
	cfg, err := decode(defaults())
	if err != nil {
		panic(fmt.Sprintf("config: invalid defaults: %v", err))
	}
	return cfg
}

// Load reads the YAML file at path over the defaults and applies environment
// overrides. A missing file is not an error when path is DefaultPath or empty.
func Load(path string) (Config, error) {
	return load(path, os.LookupEnv)
}

func load(path string, lookup func(string) (string, bool)) (Config, error) {
	raw := defaults()

	explicit := path != "" && path != DefaultPath
	if path == "" {
		path = DefaultPath
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		var file map[string]any
		if err := yaml.Unmarshal(data, &file); err != nil {
			return Config{}, fmt.Errorf("failed to parse %s: %w", path, err)
		}
		merge(raw, file)
	case os.IsNotExist(err) && !explicit:
	default:
		return Config{}, fmt.Errorf("failed to read config: %w", err)
	}

	applyEnv(raw, EnvPrefix, lookup)

	cfg, err := decode(raw)
	if err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func decode(raw map[string]any) (Config, error) {
	var cfg Config
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &cfg,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return Config{}, err
	}
	if err := dec.Decode(raw); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Validate rejects values no component can run with.
func (c Config) Validate() error {
	switch c.Backend.Kind {
	case BackendJupyter, BackendMemory:
	default:
		return fmt.Errorf("invalid config: unknown backend %q (want %s or %s)", c.Backend.Kind, BackendJupyter, BackendMemory)
	}
	if c.Backend.ExecTimeout <= 0 || c.Backend.ProbeTimeout <= 0 {
		return fmt.Errorf("invalid config: timeouts must be positive")
	}
	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("invalid config: http port %d out of range", c.HTTP.Port)
	}
	return nil
}

// merge copies src into dst, descending into nested maps. yaml.v3 decodes
// nested mappings as map[string]any.
func merge(dst, src map[string]any) {
	for k, v := range src {
		if sub, ok := v.(map[string]any); ok {
			if cur, ok := dst[k].(map[string]any); ok {
				merge(cur, sub)
				continue
			}
		}
		dst[k] = v
	}
}

// applyEnv overrides every leaf of raw that has a PREFIX_PATH_TO_KEY variable set.
func applyEnv(raw map[string]any, prefix string, lookup func(string) (string, bool)) {
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		name := prefix + "_" + strings.ToUpper(k)
		if sub, ok := raw[k].(map[string]any); ok {
			applyEnv(sub, name, lookup)
			continue
		}
		if v, ok := lookup(name); ok {
			raw[k] = v
		}
	}
}
