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
	// TraceSampleRatio is the fraction of frames whose classification is traced.
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string          `yaml:"runtime_name"`
	Environment string          `yaml:"environment"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Bus         BusConfig       `yaml:"bus"`
	Capture     CaptureConfig   `yaml:"capture"`
	Gate        GateConfig      `yaml:"gate"`
	Stability   StabilityConfig `yaml:"stability"`
	Predictor   PredictorConfig `yaml:"predictor"`
	History     HistoryConfig   `yaml:"history"`
	Speech      SpeechConfig    `yaml:"speech"`
	Signs       SignsConfig     `yaml:"signs"`
	Presence    PresenceConfig  `yaml:"presence"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
	// MaxPayload caps a single message. Encoded frames travel as base64 JSON,
	// so it must leave room for the largest expected JPEG.
	MaxPayload int `yaml:"max_payload_bytes"`
}

// CaptureConfig controls the frame sampler and the video source feeding it.
// Width/Height is the resolution sent to the predictor; DisplayWidth/DisplayHeight
// is only used for the local preview.
type CaptureConfig struct {
	Source        string `yaml:"source"` // directory, pattern
	Directory     string `yaml:"directory"`
	IntervalMS    int    `yaml:"interval_ms"`
	Width         int    `yaml:"width"`
	Height        int    `yaml:"height"`
	DisplayWidth  int    `yaml:"display_width"`
	DisplayHeight int    `yaml:"display_height"`
	JPEGQuality   int    `yaml:"jpeg_quality"`
	WarmupFrames  int    `yaml:"warmup_frames"`
}

type GateConfig struct {
	TimeoutMS int `yaml:"timeout_ms"`
}

type StabilityConfig struct {
	Policy         string `yaml:"policy"` // time, count
	CountThreshold int    `yaml:"count_threshold"`
	DurationMS     int    `yaml:"duration_ms"`
	CooldownMS     int    `yaml:"cooldown_ms"`
}

type PredictorConfig struct {
	Enabled       bool     `yaml:"enabled"`
	Mode          string   `yaml:"mode"` // mock, exec
	Command       string   `yaml:"command"`
	Script        []string `yaml:"script"`
	TimeoutMS     int      `yaml:"timeout_ms"`
	MinConfidence float64  `yaml:"min_confidence"`
}

type HistoryConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxEntries    int    `yaml:"max_entries"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type SpeechConfig struct {
	Enabled bool    `yaml:"enabled"`
	Mode    string  `yaml:"mode"` // mock, exec
	Command string  `yaml:"command"`
	Voice   string  `yaml:"voice"`
	Rate    float64 `yaml:"rate"`
}

type SignsConfig struct {
	ImagesDir          string `yaml:"images_dir"`
	PlaybackIntervalMS int    `yaml:"playback_interval_ms"`
}

// PresenceConfig controls predictor heartbeats on the bus.
type PresenceConfig struct {
	NodeID            string `yaml:"node_id"`
	HeartbeatInterval int    `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int    `yaml:"heartbeat_timeout_ms"`
}

const (
	MinVoiceSpeed = 0.5
	MaxVoiceSpeed = 2.0
)

// maxBusPayload matches the broker's default pending-bytes ceiling.
const maxBusPayload = 64 << 20

func Default() Config {
	return Config{
		RuntimeName: "signstream",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:         "info",
			OTLPEndpoint:     "",
			OTLPInsecure:     true,
			PrometheusBind:   ":9091",
			TraceSampleRatio: 1.0,
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
			MaxPayload:     2 << 20,
		},
		Capture: CaptureConfig{
			Source:        "pattern",
			IntervalMS:    100,
			Width:         224,
			Height:        224,
			DisplayWidth:  640,
			DisplayHeight: 480,
			JPEGQuality:   50,
			WarmupFrames:  3,
		},
		Gate: GateConfig{
			TimeoutMS: 2000,
		},
		Stability: StabilityConfig{
			Policy:         "time",
			CountThreshold: 5,
			DurationMS:     2000,
			CooldownMS:     500,
		},
		Predictor: PredictorConfig{
			Enabled:   true,
			Mode:      "mock",
			Script:    []string{"H", "H", "H", "No hand detected", "I", "I", "I"},
			TimeoutMS: 5000,
		},
		History: HistoryConfig{
			Path:          "./data/signstream-history.db",
			RetentionMode: "persistent",
			RetentionDays: 0,
			MaxEntries:    10000,
		},
		Speech: SpeechConfig{
			Enabled: true,
			Mode:    "mock",
			Voice:   "en-US",
			Rate:    1.0,
		},
		Signs: SignsConfig{
			ImagesDir:          "/static/images",
			PlaybackIntervalMS: 1500,
		},
		Presence: PresenceConfig{
			NodeID:            "signd-local",
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
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
	overrideString(&cfg.RuntimeName, "SIGN_RUNTIME_NAME")
	overrideString(&cfg.Environment, "SIGN_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "SIGN_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "SIGN_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "SIGN_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "SIGN_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "SIGN_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "SIGN_TELEMETRY_PROMETHEUS_BIND")
	overrideFloat(&cfg.Telemetry.TraceSampleRatio, "SIGN_TELEMETRY_TRACE_SAMPLE_RATIO")
	overrideBool(&cfg.Bus.Embedded, "SIGN_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "SIGN_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "SIGN_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "SIGN_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "SIGN_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "SIGN_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "SIGN_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "SIGN_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "SIGN_BUS_CONNECT_TIMEOUT_MS")
	overrideInt(&cfg.Bus.MaxPayload, "SIGN_BUS_MAX_PAYLOAD_BYTES")
	overrideString(&cfg.Capture.Source, "SIGN_CAPTURE_SOURCE")
	overrideString(&cfg.Capture.Directory, "SIGN_CAPTURE_DIRECTORY")
	overrideInt(&cfg.Capture.IntervalMS, "SIGN_CAPTURE_INTERVAL_MS")
	overrideInt(&cfg.Capture.Width, "SIGN_CAPTURE_WIDTH")
	overrideInt(&cfg.Capture.Height, "SIGN_CAPTURE_HEIGHT")
	overrideInt(&cfg.Capture.DisplayWidth, "SIGN_CAPTURE_DISPLAY_WIDTH")
	overrideInt(&cfg.Capture.DisplayHeight, "SIGN_CAPTURE_DISPLAY_HEIGHT")
	overrideInt(&cfg.Capture.JPEGQuality, "SIGN_CAPTURE_JPEG_QUALITY")
	overrideInt(&cfg.Capture.WarmupFrames, "SIGN_CAPTURE_WARMUP_FRAMES")
	overrideInt(&cfg.Gate.TimeoutMS, "SIGN_GATE_TIMEOUT_MS")
	overrideString(&cfg.Stability.Policy, "SIGN_STABILITY_POLICY")
	overrideInt(&cfg.Stability.CountThreshold, "SIGN_STABILITY_COUNT_THRESHOLD")
	overrideInt(&cfg.Stability.DurationMS, "SIGN_STABILITY_DURATION_MS")
	overrideInt(&cfg.Stability.CooldownMS, "SIGN_STABILITY_COOLDOWN_MS")
	overrideBool(&cfg.Predictor.Enabled, "SIGN_PREDICTOR_ENABLED")
	overrideString(&cfg.Predictor.Mode, "SIGN_PREDICTOR_MODE")
	overrideString(&cfg.Predictor.Command, "SIGN_PREDICTOR_COMMAND")
	overrideStringSlice(&cfg.Predictor.Script, "SIGN_PREDICTOR_SCRIPT")
	overrideInt(&cfg.Predictor.TimeoutMS, "SIGN_PREDICTOR_TIMEOUT_MS")
	overrideFloat(&cfg.Predictor.MinConfidence, "SIGN_PREDICTOR_MIN_CONFIDENCE")
	overrideString(&cfg.History.Path, "SIGN_HISTORY_PATH")
	overrideString(&cfg.History.RetentionMode, "SIGN_HISTORY_RETENTION_MODE")
	overrideInt(&cfg.History.RetentionDays, "SIGN_HISTORY_RETENTION_DAYS")
	overrideInt(&cfg.History.MaxEntries, "SIGN_HISTORY_MAX_ENTRIES")
	overrideBool(&cfg.History.VacuumOnStart, "SIGN_HISTORY_VACUUM_ON_START")
	overrideBool(&cfg.Speech.Enabled, "SIGN_SPEECH_ENABLED")
	overrideString(&cfg.Speech.Mode, "SIGN_SPEECH_MODE")
	overrideString(&cfg.Speech.Command, "SIGN_SPEECH_COMMAND")
	overrideString(&cfg.Speech.Voice, "SIGN_SPEECH_VOICE")
	overrideFloat(&cfg.Speech.Rate, "SIGN_SPEECH_RATE")
	overrideString(&cfg.Signs.ImagesDir, "SIGN_SIGNS_IMAGES_DIR")
	overrideInt(&cfg.Signs.PlaybackIntervalMS, "SIGN_SIGNS_PLAYBACK_INTERVAL_MS")
	overrideString(&cfg.Presence.NodeID, "SIGN_PRESENCE_NODE_ID")
	overrideInt(&cfg.Presence.HeartbeatInterval, "SIGN_PRESENCE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Presence.HeartbeatTimeout, "SIGN_PRESENCE_HEARTBEAT_TIMEOUT_MS")
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

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
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
	if cfg.Bus.MaxPayload < 0 || cfg.Bus.MaxPayload > maxBusPayload {
		return fmt.Errorf("bus.max_payload_bytes must be between 0 and %d", maxBusPayload)
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if cfg.Telemetry.TraceSampleRatio < 0 || cfg.Telemetry.TraceSampleRatio > 1 {
		return errors.New("telemetry.trace_sample_ratio must be between 0 and 1")
	}
	switch cfg.Capture.Source {
	case "pattern":
	case "directory":
		if cfg.Capture.Directory == "" {
			return errors.New("capture.directory must be set when source=directory")
		}
	default:
		return errors.New("capture.source must be one of pattern|directory")
	}
	if cfg.Capture.IntervalMS <= 0 {
		return errors.New("capture.interval_ms must be positive")
	}
	if cfg.Capture.Width <= 0 || cfg.Capture.Height <= 0 {
		return errors.New("capture.width and capture.height must be positive")
	}
	if cfg.Capture.JPEGQuality < 1 || cfg.Capture.JPEGQuality > 100 {
		return errors.New("capture.jpeg_quality must be between 1 and 100")
	}
	if cfg.Gate.TimeoutMS <= 0 {
		return errors.New("gate.timeout_ms must be positive")
	}
	switch cfg.Stability.Policy {
	case "time":
		if err := ValidateRecognitionSpeed(cfg.Stability.DurationMS); err != nil {
			return fmt.Errorf("stability.duration_ms: %w", err)
		}
		if cfg.Stability.CooldownMS < 0 {
			return errors.New("stability.cooldown_ms must be >= 0")
		}
	case "count":
		if cfg.Stability.CountThreshold <= 0 {
			return errors.New("stability.count_threshold must be positive when policy=count")
		}
	default:
		return errors.New("stability.policy must be one of time|count")
	}
	if cfg.Predictor.Enabled {
		switch cfg.Predictor.Mode {
		case "mock":
			if len(cfg.Predictor.Script) == 0 {
				return errors.New("predictor.script must not be empty when mode=mock")
			}
		case "exec":
			if cfg.Predictor.Command == "" {
				return errors.New("predictor.command must be set when mode=exec")
			}
		default:
			return errors.New("predictor.mode must be one of mock|exec")
		}
	}
	switch cfg.History.RetentionMode {
	case "ephemeral":
	case "session", "persistent":
		if cfg.History.Path == "" {
			return errors.New("history.path must not be empty")
		}
	default:
		return errors.New("history.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.History.RetentionDays < 0 {
		return errors.New("history.retention_days must be >= 0")
	}
	if cfg.Speech.Enabled {
		switch cfg.Speech.Mode {
		case "mock", "exec":
		default:
			return errors.New("speech.mode must be one of mock|exec")
		}
		if cfg.Speech.Mode == "exec" && cfg.Speech.Command == "" {
			return errors.New("speech.command must be set when mode=exec")
		}
		if err := ValidateVoiceSpeed(cfg.Speech.Rate); err != nil {
			return fmt.Errorf("speech.rate: %w", err)
		}
	}
	if cfg.Signs.PlaybackIntervalMS <= 0 {
		return errors.New("signs.playback_interval_ms must be positive")
	}
	if cfg.Presence.NodeID == "" {
		return errors.New("presence.node_id must not be empty")
	}
	if cfg.Presence.HeartbeatInterval <= 0 {
		return errors.New("presence.heartbeat_interval_ms must be positive")
	}
	if cfg.Presence.HeartbeatTimeout <= cfg.Presence.HeartbeatInterval {
		return errors.New("presence.heartbeat_timeout_ms must exceed heartbeat_interval_ms")
	}
	return nil
}

// ValidateRecognitionSpeed checks how long a sign must be held, in
// milliseconds, before it is committed.
func ValidateRecognitionSpeed(ms int) error {
	if ms <= 0 {
		return fmt.Errorf("recognition speed must be positive, got %dms", ms)
	}
	return nil
}

// ValidateVoiceSpeed checks a speech rate multiplier.
func ValidateVoiceSpeed(rate float64) error {
	if rate < MinVoiceSpeed || rate > MaxVoiceSpeed {
		return fmt.Errorf("voice speed must be between %.1f and %.1f, got %v", MinVoiceSpeed, MaxVoiceSpeed, rate)
	}
	return nil
}
