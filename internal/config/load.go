package config

import (
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/poni-dev/poni/internal/secrets"
)

// Load reads the project's config, resolves secrets from the configured
// source and validates the result.
func Load(p *Project) (*Config, error) {
	return LoadWithSource(p, nil)
}

// LoadWithSource is Load with an explicit secret source. A nil src builds the
// environment source named by the [secrets] section.
func LoadWithSource(p *Project, src secrets.Source) (*Config, error) {
	raw := map[string]any{}
	if _, err := toml.DecodeFile(p.ConfigPath, &raw); err != nil {
		return nil, wrapError("", "parse "+p.ConfigPath, err)
	}

	if src == nil {
		file := DefaultSecretsFile
		if sec, ok := raw["secrets"].(map[string]any); ok {
			if f, ok := sec["file"].(string); ok && f != "" {
				file = f
			}
		}
		envSrc, err := secrets.NewEnvSource(p.Path(file))
		if err != nil {
			return nil, wrapError("secrets.file", "load", err)
		}
		src = envSrc
	}

	resolver := secrets.NewResolver(src)
	resolved, err := resolver.Resolve(raw)
	if err != nil {
		return nil, wrapError("secrets", "unresolved placeholder", err)
	}

	cfg := DefaultConfig()
	if err := Decode(resolved, cfg); err != nil {
		return nil, err
	}
	cfg.secretValues = resolver.Values()
	cfg.secretKeys = resolver.Keys()

	ApplyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Decode maps a raw document onto cfg. Unknown keys are logged, not fatal.
func Decode(raw any, cfg *Config) error {
	var md mapstructure.Metadata
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:  "mapstructure",
		Result:   cfg,
		Metadata: &md,
		MatchName: func(mapKey, fieldName string) bool {
			return normalizeKey(mapKey) == normalizeKey(fieldName)
		},
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			stringToSliceHook(),
			durationHook(),
		),
	})
	if err != nil {
		return wrapError("", "build decoder", err)
	}
	if err := dec.Decode(raw); err != nil {
		return wrapError("", "decode", err)
	}
	if len(md.Unused) > 0 {
		unused := append([]string(nil), md.Unused...)
		sort.Strings(unused)
		slog.Warn("unknown config keys ignored", "keys", strings.Join(unused, ", "))
	}
	return nil
}

// ApplyEnvOverrides applies PONI_* environment overrides to ambient settings.
func ApplyEnvOverrides(cfg *Config) {
	v := viper.New()
	v.SetEnvPrefix("PONI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if s := strings.TrimSpace(v.GetString("log.level")); s != "" {
		cfg.Log.Level = s
	}
	if s := strings.TrimSpace(v.GetString("log.file")); s != "" {
		cfg.Log.File = s
	}
	if v.IsSet("executor.max_parallel") {
		if n := v.GetInt("executor.max_parallel"); n > 0 {
			cfg.Executor.MaxParallel = n
		}
	}
	if v.IsSet("executor.default_timeout") {
		if d := v.GetDuration("executor.default_timeout"); d > 0 {
			cfg.Executor.DefaultTimeout = d
		}
	}
}

func normalizeKey(input string) string {
	input = strings.ReplaceAll(input, "_", "")
	input = strings.ReplaceAll(input, "-", "")
	return strings.ToLower(input)
}

// stringToSliceHook lets list fields such as pattern take a single string.
func stringToSliceHook() mapstructure.DecodeHookFuncType {
	return func(from, to reflect.Type, data any) (any, error) {
		if from.Kind() != reflect.String || to.Kind() != reflect.Slice || to.Elem().Kind() != reflect.String {
			return data, nil
		}
		s := data.(string)
		if s == "" {
			return []string{}, nil
		}
		return []string{s}, nil
	}
}

// durationHook accepts "30s" style strings and bare numbers as seconds.
func durationHook() mapstructure.DecodeHookFuncType {
	durationType := reflect.TypeOf(time.Duration(0))
	return func(from, to reflect.Type, data any) (any, error) {
		if to != durationType {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			if d, err := time.ParseDuration(v); err == nil {
				return d, nil
			}
			return nil, fmt.Errorf("invalid duration %q", v)
		case int64:
			return time.Duration(v) * time.Second, nil
		case int:
			return time.Duration(v) * time.Second, nil
		case float64:
			return time.Duration(v * float64(time.Second)), nil
		}
		return data, nil
	}
}

// IsConfigError reports whether err is a configuration failure.
func IsConfigError(err error) bool {
	var cerr *Error
	return errors.As(err, &cerr)
}
