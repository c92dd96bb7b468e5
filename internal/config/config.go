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
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

// RelayConfig tunes the speaker pipeline and delivery behavior.
type RelayConfig struct {
	DefaultSourceLanguage string `yaml:"default_source_language"`
	DefaultTargetLanguage string `yaml:"default_target_language"`
	DefaultSampleRate     int    `yaml:"default_sample_rate"`
	PartialIntervalMS     int    `yaml:"partial_interval_ms"`
	PartialTranslate      bool   `yaml:"partial_translate"`
	ProviderTimeoutMS     int    `yaml:"provider_timeout_ms"`
	SendBuffer            int    `yaml:"send_buffer"`
	WriteTimeoutMS        int    `yaml:"write_timeout_ms"`
}

type RecognitionConfig struct {
	Mode          string `yaml:"mode"` // deepgram, mock
	APIKey        string `yaml:"api_key"`
	Endpoint      string `yaml:"endpoint"`
	Model         string `yaml:"model"`
	EndpointingMS int    `yaml:"endpointing_ms"`
	KeepAliveMS   int    `yaml:"keepalive_ms"`
}

type TranslationConfig struct {
	Mode     string `yaml:"mode"` // lingo, mock
	APIKey   string `yaml:"api_key"`
	Endpoint string `yaml:"endpoint"`
	Fast     bool   `yaml:"fast"`
}

type SynthesisConfig struct {
	Mode       string            `yaml:"mode"` // deepgram, mock
	APIKey     string            `yaml:"api_key"`
	Endpoint   string            `yaml:"endpoint"`
	Encoding   string            `yaml:"encoding"`
	SampleRate int               `yaml:"sample_rate"`
	Voices     map[string]string `yaml:"voices"` // language -> voice overrides
}

type JournalConfig struct {
	Path           string `yaml:"path"`
	RetentionMode  string `yaml:"retention_mode"`
	RetentionDays  int    `yaml:"retention_days"`
	MaxConnections int    `yaml:"max_connections"`
	VacuumOnStart  bool   `yaml:"vacuum_on_start"`
}

type Config struct {
	ServerName  string            `yaml:"server_name"`
	Environment string            `yaml:"environment"`
	HTTP        HTTPConfig        `yaml:"http"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Bus         BusConfig         `yaml:"bus"`
	Relay       RelayConfig       `yaml:"relay"`
	Recognition RecognitionConfig `yaml:"recognition"`
	Translation TranslationConfig `yaml:"translation"`
	Synthesis   SynthesisConfig   `yaml:"synthesis"`
	Journal     JournalConfig     `yaml:"journal"`
}

func Default() Config {
	return Config{
		ServerName:  "polydub-relay",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPEndpoint: "",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Relay: RelayConfig{
			DefaultSourceLanguage: "en",
			DefaultTargetLanguage: "es",
			DefaultSampleRate:     16000,
			PartialIntervalMS:     1000,
			PartialTranslate:      false,
			ProviderTimeoutMS:     30000,
			SendBuffer:            64,
			WriteTimeoutMS:        5000,
		},
		Recognition: RecognitionConfig{
			Mode:          "mock",
			Endpoint:      "wss://api.deepgram.com/v1/listen",
			Model:         "nova-2",
			EndpointingMS: 300,
			KeepAliveMS:   10000,
		},
		Translation: TranslationConfig{
			Mode:     "mock",
			Endpoint: "https://engine.lingo.dev",
			Fast:     true,
		},
		Synthesis: SynthesisConfig{
			Mode:       "mock",
			Endpoint:   "wss://api.deepgram.com/v1/speak",
			Encoding:   "linear16",
			SampleRate: 24000,
		},
		Journal: JournalConfig{
			Path:           "./data/polydub-journal.db",
			RetentionMode:  "session",
			RetentionDays:  30,
			MaxConnections: 10000,
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
	overrideString(&cfg.ServerName, "POLYDUB_SERVER_NAME")
	overrideString(&cfg.Environment, "POLYDUB_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "POLYDUB_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "POLYDUB_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "POLYDUB_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "POLYDUB_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "POLYDUB_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Bus.Embedded, "POLYDUB_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "POLYDUB_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "POLYDUB_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "POLYDUB_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "POLYDUB_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "POLYDUB_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "POLYDUB_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "POLYDUB_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Relay.DefaultSourceLanguage, "POLYDUB_RELAY_DEFAULT_SOURCE_LANGUAGE")
	overrideString(&cfg.Relay.DefaultTargetLanguage, "POLYDUB_RELAY_DEFAULT_TARGET_LANGUAGE")
	overrideInt(&cfg.Relay.DefaultSampleRate, "POLYDUB_RELAY_DEFAULT_SAMPLE_RATE")
	overrideInt(&cfg.Relay.PartialIntervalMS, "POLYDUB_RELAY_PARTIAL_INTERVAL_MS")
	overrideBool(&cfg.Relay.PartialTranslate, "POLYDUB_RELAY_PARTIAL_TRANSLATE")
	overrideInt(&cfg.Relay.ProviderTimeoutMS, "POLYDUB_RELAY_PROVIDER_TIMEOUT_MS")
	overrideInt(&cfg.Relay.SendBuffer, "POLYDUB_RELAY_SEND_BUFFER")
	overrideInt(&cfg.Relay.WriteTimeoutMS, "POLYDUB_RELAY_WRITE_TIMEOUT_MS")
	overrideString(&cfg.Recognition.Mode, "POLYDUB_RECOGNITION_MODE")
	overrideString(&cfg.Recognition.APIKey, "POLYDUB_RECOGNITION_API_KEY")
	overrideString(&cfg.Recognition.Endpoint, "POLYDUB_RECOGNITION_ENDPOINT")
	overrideString(&cfg.Recognition.Model, "POLYDUB_RECOGNITION_MODEL")
	overrideInt(&cfg.Recognition.EndpointingMS, "POLYDUB_RECOGNITION_ENDPOINTING_MS")
	overrideInt(&cfg.Recognition.KeepAliveMS, "POLYDUB_RECOGNITION_KEEPALIVE_MS")
	overrideString(&cfg.Translation.Mode, "POLYDUB_TRANSLATION_MODE")
	overrideString(&cfg.Translation.APIKey, "POLYDUB_TRANSLATION_API_KEY")
	overrideString(&cfg.Translation.Endpoint, "POLYDUB_TRANSLATION_ENDPOINT")
	overrideBool(&cfg.Translation.Fast, "POLYDUB_TRANSLATION_FAST")
	overrideString(&cfg.Synthesis.Mode, "POLYDUB_SYNTHESIS_MODE")
	overrideString(&cfg.Synthesis.APIKey, "POLYDUB_SYNTHESIS_API_KEY")
	overrideString(&cfg.Synthesis.Endpoint, "POLYDUB_SYNTHESIS_ENDPOINT")
	overrideString(&cfg.Synthesis.Encoding, "POLYDUB_SYNTHESIS_ENCODING")
	overrideInt(&cfg.Synthesis.SampleRate, "POLYDUB_SYNTHESIS_SAMPLE_RATE")
	overrideString(&cfg.Journal.Path, "POLYDUB_JOURNAL_PATH")
	overrideString(&cfg.Journal.RetentionMode, "POLYDUB_JOURNAL_RETENTION_MODE")
	overrideInt(&cfg.Journal.RetentionDays, "POLYDUB_JOURNAL_RETENTION_DAYS")
	overrideInt(&cfg.Journal.MaxConnections, "POLYDUB_JOURNAL_MAX_CONNECTIONS")
	overrideBool(&cfg.Journal.VacuumOnStart, "POLYDUB_JOURNAL_VACUUM_ON_START")
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
	if cfg.ServerName == "" {
		return errors.New("server_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else if len(cfg.Bus.Servers) == 0 {
		return errors.New("bus.servers must not be empty when embedded mode is disabled")
	}
	if cfg.Relay.DefaultSampleRate <= 0 {
		return errors.New("relay.default_sample_rate must be positive")
	}
	if cfg.Relay.ProviderTimeoutMS <= 0 {
		return errors.New("relay.provider_timeout_ms must be positive")
	}
	switch cfg.Recognition.Mode {
	case "mock":
	case "deepgram":
		if cfg.Recognition.APIKey == "" {
			return errors.New("recognition.api_key is required for deepgram mode")
		}
	default:
		return fmt.Errorf("recognition.mode %q is not supported", cfg.Recognition.Mode)
	}
	switch cfg.Translation.Mode {
	case "mock":
	case "lingo":
		if cfg.Translation.APIKey == "" {
			return errors.New("translation.api_key is required for lingo mode")
		}
	default:
		return fmt.Errorf("translation.mode %q is not supported", cfg.Translation.Mode)
	}
	switch cfg.Synthesis.Mode {
	case "mock":
	case "deepgram":
		if cfg.Synthesis.APIKey == "" {
			return errors.New("synthesis.api_key is required for deepgram mode")
		}
	default:
		return fmt.Errorf("synthesis.mode %q is not supported", cfg.Synthesis.Mode)
	}
	switch cfg.Journal.RetentionMode {
	case "ephemeral", "session", "persistent":
	default:
		return fmt.Errorf("journal.retention_mode %q is not supported", cfg.Journal.RetentionMode)
	}
	return nil
}
