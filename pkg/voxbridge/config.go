package voxbridge

import (
	"fmt"
	"os"
	"reflect"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Model         ModelConfig         `mapstructure:"model"`
	Transports    TransportsConfig    `mapstructure:"transports"`
	Call          CallConfig          `mapstructure:"call"`
	Languages     LanguageConfig      `mapstructure:"languages"`
	Tools         ToolsConfig         `mapstructure:"tools"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Privacy       PrivacyConfig       `mapstructure:"privacy"`
	Environment   string              `mapstructure:"environment"`
	LogLevel      string              `mapstructure:"log_level"`
	LogFormat     string              `mapstructure:"log_format"`
}

// ModelConfig configures the realtime speech model connection.
type ModelConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type TransportsConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type CallConfig struct {
	MaxDurationSeconds int `mapstructure:"max_duration_seconds"`
	GraceSeconds       int `mapstructure:"grace_seconds"`
}

// LanguageConfig selects the conversation language. Instructions, greeting,
// and goodbye fall back to the built-in text for the selected language when
// the override fields are empty.
type LanguageConfig struct {
	Default      string `mapstructure:"default"`
	Instructions string `mapstructure:"instructions"`
	Greeting     string `mapstructure:"greeting"`
	Goodbye      string `mapstructure:"goodbye"`
}

type ToolsConfig struct {
	Concurrency    int `mapstructure:"concurrency"`
	TimeoutMS      int `mapstructure:"timeout_ms"`
	Retries        int `mapstructure:"retries"`
	RetryBackoffMS int `mapstructure:"retry_backoff_ms"`
}

type ObservabilityConfig struct {
	ArtifactsDir  string   `mapstructure:"artifacts_dir"`
	LogEventTypes []string `mapstructure:"log_event_types"`
}

type PrivacyConfig struct {
	RedactPII bool `mapstructure:"redact_pii"`
}

func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetDefault("model.provider", "openai")
	v.SetDefault("call.max_duration_seconds", 3600)
	v.SetDefault("call.grace_seconds", 3)
	v.SetDefault("languages.default", "en")
	v.SetDefault("tools.concurrency", 4)
	v.SetDefault("tools.timeout_ms", 0)
	v.SetDefault("tools.retries", 0)
	v.SetDefault("tools.retry_backoff_ms", 200)
	v.SetDefault("observability.artifacts_dir", "")
	v.SetDefault("privacy.redact_pii", true)
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}

	expandEnvStrings(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Transports.Provider) == "" {
		return fmt.Errorf("transports.provider is required")
	}
	if strings.TrimSpace(c.Model.Provider) == "" {
		return fmt.Errorf("model.provider is required")
	}
	if c.Call.MaxDurationSeconds < 0 {
		return fmt.Errorf("call.max_duration_seconds must be >= 0")
	}
	if lang := strings.TrimSpace(c.Languages.Default); lang != "" {
		if _, ok := builtinLanguages[strings.ToLower(lang)]; !ok && c.Languages.Instructions == "" {
			return fmt.Errorf("languages.default %q has no built-in text; set languages.instructions", lang)
		}
	}
	return nil
}

func expandEnvStrings(cfg *Config) {
	expandValue(reflect.ValueOf(cfg))
	cfg.Model.Settings = expandSettings(cfg.Model.Settings)
	cfg.Transports.Settings = expandSettings(cfg.Transports.Settings)
}

func expandSettings(settings map[string]any) map[string]any {
	if settings == nil {
		return nil
	}
	for k, v := range settings {
		settings[k] = expandAny(v)
	}
	return settings
}

func expandAny(v any) any {
	switch val := v.(type) {
	case string:
		return os.ExpandEnv(val)
	case []any:
		for i := range val {
			val[i] = expandAny(val[i])
		}
		return val
	case map[string]any:
		for k, v := range val {
			val[k] = expandAny(v)
		}
		return val
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			ks, ok := k.(string)
			if !ok {
				continue
			}
			out[ks] = expandAny(v)
		}
		return out
	default:
		return v
	}
}

func expandValue(v reflect.Value) {
	if !v.IsValid() {
		return
	}
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return
		}
		expandValue(v.Elem())
		return
	}
	switch v.Kind() {
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			expandValue(v.Field(i))
		}
	case reflect.String:
		if v.CanSet() {
			v.SetString(os.ExpandEnv(v.String()))
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			expandValue(v.Index(i))
		}
	case reflect.Map:
		if v.Type().Key().Kind() == reflect.String && v.Type().Elem().Kind() == reflect.String {
			for _, key := range v.MapKeys() {
				val := v.MapIndex(key)
				expanded := os.ExpandEnv(val.String())
				v.SetMapIndex(key, reflect.ValueOf(expanded))
			}
		}
	}
}
