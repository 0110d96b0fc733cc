package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type OutputsConfig struct {
	Dir string `yaml:"dir"`
}

type SummarizerConfig struct {
	BaseURL        string `yaml:"base_url"`
	Model          string `yaml:"model"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

type VoiceConfig struct {
	BaseURL              string `yaml:"base_url"`
	ListTimeoutSeconds   int    `yaml:"list_timeout_seconds"`
	UploadTimeoutSeconds int    `yaml:"upload_timeout_seconds"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	Store       StoreConfig      `yaml:"store"`
	Outputs     OutputsConfig    `yaml:"outputs"`
	Summarizer  SummarizerConfig `yaml:"summarizer"`
	Voice       VoiceConfig      `yaml:"voice"`
}

func Default() Config {
	return Config{
		RuntimeName: "vocalbox",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Store: StoreConfig{
			Path: "./data/vocalbox.db",
		},
		Outputs: OutputsConfig{
			Dir: "./outputs",
		},
		Summarizer: SummarizerConfig{
			BaseURL:        "https://api.openai.com/v1",
			Model:          "gpt-4.1-mini",
			TimeoutSeconds: 120,
		},
		Voice: VoiceConfig{
			BaseURL:              "https://api.elevenlabs.io",
			ListTimeoutSeconds:   60,
			UploadTimeoutSeconds: 300,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "VOCALBOX_RUNTIME_NAME")
	overrideString(&cfg.Environment, "VOCALBOX_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "VOCALBOX_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "VOCALBOX_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "VOCALBOX_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "VOCALBOX_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "VOCALBOX_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "VOCALBOX_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "VOCALBOX_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "VOCALBOX_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "VOCALBOX_BUS_SERVERS")
	overrideInt(&cfg.Bus.ConnectTimeout, "VOCALBOX_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Store.Path, "VOCALBOX_STORE_PATH")
	overrideString(&cfg.Outputs.Dir, "VOCALBOX_OUTPUTS_DIR")
	overrideString(&cfg.Summarizer.BaseURL, "VOCALBOX_SUMMARIZER_BASE_URL")
	overrideString(&cfg.Summarizer.Model, "VOCALBOX_SUMMARIZER_MODEL")
	overrideInt(&cfg.Summarizer.TimeoutSeconds, "VOCALBOX_SUMMARIZER_TIMEOUT_SECONDS")
	overrideString(&cfg.Voice.BaseURL, "VOCALBOX_VOICE_BASE_URL")
	overrideInt(&cfg.Voice.ListTimeoutSeconds, "VOCALBOX_VOICE_LIST_TIMEOUT_SECONDS")
	overrideInt(&cfg.Voice.UploadTimeoutSeconds, "VOCALBOX_VOICE_UPLOAD_TIMEOUT_SECONDS")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Store.Path == "" {
		return errors.New("store.path must not be empty")
	}
	if cfg.Outputs.Dir == "" {
		return errors.New("outputs.dir must not be empty")
	}
	if cfg.Summarizer.BaseURL == "" {
		return errors.New("summarizer.base_url must not be empty")
	}
	if cfg.Summarizer.Model == "" {
		return errors.New("summarizer.model must not be empty")
	}
	if cfg.Summarizer.TimeoutSeconds <= 0 {
		return errors.New("summarizer.timeout_seconds must be positive")
	}
	if cfg.Voice.BaseURL == "" {
		return errors.New("voice.base_url must not be empty")
	}
	if cfg.Voice.ListTimeoutSeconds <= 0 {
		return errors.New("voice.list_timeout_seconds must be positive")
	}
	if cfg.Voice.UploadTimeoutSeconds <= 0 {
		return errors.New("voice.upload_timeout_seconds must be positive")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	return nil
}
