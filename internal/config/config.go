package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
	Metrics      bool   `yaml:"metrics"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName  string             `yaml:"runtime_name"`
	Environment  string             `yaml:"environment"`
	HTTP         HTTPConfig         `yaml:"http"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`
	Bus          BusConfig          `yaml:"bus"`
	Node         NodeConfig         `yaml:"node"`
	EventStore   EventStoreConfig   `yaml:"event_store"`
	WebSocket    WebSocketConfig    `yaml:"websocket"`
	Session      SessionConfig      `yaml:"session"`
	Synthesis    SynthesisConfig    `yaml:"synthesis"`
	Conversation ConversationConfig `yaml:"conversation"`
	Speakers     []SpeakerConfig    `yaml:"speakers"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
	SubjectPrefix  string   `yaml:"subject_prefix"`
}

type NodeConfig struct {
	ID                string `yaml:"id"`
	HeartbeatInterval int    `yaml:"heartbeat_interval_ms"`
	MaxConversations  int    `yaml:"max_conversations"`
}

type EventStoreConfig struct {
	Path             string `yaml:"path"`
	RetentionMode    string `yaml:"retention_mode"`
	RetentionDays    int    `yaml:"retention_days"`
	MaxConversations int    `yaml:"max_conversations"`
	VacuumOnStart    bool   `yaml:"vacuum_on_start"`
}

type WebSocketConfig struct {
	Path           string   `yaml:"path"`
	ReadLimit      int64    `yaml:"read_limit_bytes"`
	WriteTimeout   int      `yaml:"write_timeout_ms"`
	PingInterval   int      `yaml:"ping_interval_ms"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type SessionConfig struct {
	Mode         string  `yaml:"mode"` // gemini, ollama, exec, mock
	APIKey       string  `yaml:"api_key"`
	Model        string  `yaml:"model"`
	APIVersion   string  `yaml:"api_version"`
	Endpoint     string  `yaml:"endpoint"`
	Command      string  `yaml:"command"`
	Temperature  float64 `yaml:"temperature"`
	Tools        bool    `yaml:"tools"`
	GoogleSearch bool    `yaml:"google_search"`
}

type SynthesisConfig struct {
	Mode      string  `yaml:"mode"` // nijivoice, exec, mock
	APIKey    string  `yaml:"api_key"`
	BaseURL   string  `yaml:"base_url"`
	Command   string  `yaml:"command"`
	Format    string  `yaml:"format"`
	Speed     float64 `yaml:"speed"`
	TimeoutMS int     `yaml:"timeout_ms"`
	OnFailure string  `yaml:"on_failure"` // fatal, text_only
}

type ConversationConfig struct {
	Mode            string `yaml:"mode"` // duet, single
	MaxTurns        int    `yaml:"max_turns"`
	StopKeyword     string `yaml:"stop_keyword"`
	StartingSpeaker string `yaml:"starting_speaker"`
	TurnTimeoutMS   int    `yaml:"turn_timeout_ms"`
	SeedTimeoutMS   int    `yaml:"seed_timeout_ms"`
	AnnotateTurns   bool   `yaml:"annotate_turns"`
	Interjections   bool   `yaml:"interjections"`
}

type SpeakerConfig struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Persona     string `yaml:"persona"`
	PersonaFile string `yaml:"persona_file"`
	Voice       string `yaml:"voice"`
}

func (c ConversationConfig) TurnTimeout() time.Duration {
	return time.Duration(c.TurnTimeoutMS) * time.Millisecond
}

func (c ConversationConfig) SeedTimeout() time.Duration {
	return time.Duration(c.SeedTimeoutMS) * time.Millisecond
}

func (c SynthesisConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

func Default() Config {
	return Config{
		RuntimeName: "duet-runtime",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPInsecure: true,
			Metrics:      true,
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
			SubjectPrefix:  "duet",
		},
		Node: NodeConfig{
			ID:                "duet-node-1",
			HeartbeatInterval: 5000,
			MaxConversations:  32,
		},
		EventStore: EventStoreConfig{
			Path:             "./data/duet-events.db",
			RetentionMode:    "session",
			RetentionDays:    30,
			MaxConversations: 10000,
		},
		WebSocket: WebSocketConfig{
			Path:         "/realtime-apis/gemini",
			ReadLimit:    64 * 1024,
			WriteTimeout: 5000,
			PingInterval: 20000,
		},
		Session: SessionConfig{
			Mode:         "gemini",
			Model:        "gemini-2.0-flash-exp",
			APIVersion:   "v1alpha",
			Endpoint:     "http://localhost:11434",
			Temperature:  0.7,
			Tools:        true,
			GoogleSearch: true,
		},
		Synthesis: SynthesisConfig{
			Mode:      "nijivoice",
			BaseURL:   "https://api.nijivoice.com/api/platform/v1",
			Format:    "wav",
			Speed:     0.8,
			TimeoutMS: 30000,
			OnFailure: "fatal",
		},
		Conversation: ConversationConfig{
			Mode:            "duet",
			MaxTurns:        20,
			StopKeyword:     "stop_conversation",
			StartingSpeaker: "asuna",
			TurnTimeoutMS:   90000,
		},
		Speakers: []SpeakerConfig{
			{
				ID:      "asuna",
				Name:    "Asuna Mito",
				Voice:   "dba2fa0e-f750-43ad-b9f6-d5aeaea7dc16",
				Persona: defaultHostPersona,
			},
			{
				ID:      "akio",
				Name:    "Akio Ibushi",
				Voice:   "3ea8f818-dc85-4bc5-9054-ca410f7465b6",
				Persona: defaultGuestPersona,
			},
		},
	}
}

const defaultHostPersona = `You are Asuna Mito, a cheerful fifteen-year-old radio personality recording a show
with your co-host Akio Ibushi, an older man who knows a lot about the topic.
You lead the show: open with the greeting, ask Akio questions, dig deeper, summarize.
Keep every reply short (about 200 characters, never more than 400).
After roughly 20 exchanges, wrap up the topic and include the phrase stop_conversation.
Messages starting with "From user: " come from listeners; answer briefly or ignore them
when they are off-topic or inappropriate.`

const defaultGuestPersona = `You are Akio Ibushi, a calm and knowledgeable radio personality recording a show
with the young host Asuna Mito. Answer her questions with concrete, accurate detail,
add the occasional dry joke, and keep every reply short (about 200 characters).
Messages starting with "From user: " come from listeners; answer briefly or ignore them
when they are off-topic or inappropriate.`

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
		if err := resolvePersonaFiles(&cfg, filepath.Dir(path)); err != nil {
			return cfg, err
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func resolvePersonaFiles(cfg *Config, baseDir string) error {
	for i := range cfg.Speakers {
		file := cfg.Speakers[i].PersonaFile
		if file == "" {
			continue
		}
		if !filepath.IsAbs(file) {
			file = filepath.Join(baseDir, file)
		}
		data, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("read persona for speaker %q: %w", cfg.Speakers[i].ID, err)
		}
		cfg.Speakers[i].Persona = string(data)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "DUET_RUNTIME_NAME")
	overrideString(&cfg.Environment, "DUET_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "DUET_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "DUET_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "DUET_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "DUET_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "DUET_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Telemetry.Metrics, "DUET_TELEMETRY_METRICS")
	overrideBool(&cfg.Bus.Enabled, "DUET_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "DUET_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "DUET_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "DUET_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "DUET_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "DUET_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "DUET_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "DUET_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "DUET_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "DUET_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Bus.SubjectPrefix, "DUET_BUS_SUBJECT_PREFIX")
	overrideString(&cfg.Node.ID, "DUET_NODE_ID")
	overrideInt(&cfg.Node.HeartbeatInterval, "DUET_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.MaxConversations, "DUET_NODE_MAX_CONVERSATIONS")
	overrideString(&cfg.EventStore.Path, "DUET_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "DUET_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "DUET_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxConversations, "DUET_EVENT_STORE_MAX_CONVERSATIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "DUET_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.WebSocket.Path, "DUET_WEBSOCKET_PATH")
	overrideInt(&cfg.WebSocket.WriteTimeout, "DUET_WEBSOCKET_WRITE_TIMEOUT_MS")
	overrideInt(&cfg.WebSocket.PingInterval, "DUET_WEBSOCKET_PING_INTERVAL_MS")
	overrideStringSlice(&cfg.WebSocket.AllowedOrigins, "DUET_WEBSOCKET_ALLOWED_ORIGINS")
	overrideString(&cfg.Session.Mode, "DUET_SESSION_MODE")
	overrideString(&cfg.Session.APIKey, "GEMINI_API_KEY")
	overrideString(&cfg.Session.APIKey, "DUET_SESSION_API_KEY")
	overrideString(&cfg.Session.Model, "DUET_SESSION_MODEL")
	overrideString(&cfg.Session.APIVersion, "DUET_SESSION_API_VERSION")
	overrideString(&cfg.Session.Endpoint, "DUET_SESSION_ENDPOINT")
	overrideString(&cfg.Session.Command, "DUET_SESSION_COMMAND")
	overrideFloat(&cfg.Session.Temperature, "DUET_SESSION_TEMPERATURE")
	overrideBool(&cfg.Session.Tools, "DUET_SESSION_TOOLS")
	overrideBool(&cfg.Session.GoogleSearch, "DUET_SESSION_GOOGLE_SEARCH")
	overrideString(&cfg.Synthesis.Mode, "DUET_SYNTHESIS_MODE")
	overrideString(&cfg.Synthesis.APIKey, "NIJIVOICE_API_KEY")
	overrideString(&cfg.Synthesis.APIKey, "DUET_SYNTHESIS_API_KEY")
	overrideString(&cfg.Synthesis.BaseURL, "DUET_SYNTHESIS_BASE_URL")
	overrideString(&cfg.Synthesis.Command, "DUET_SYNTHESIS_COMMAND")
	overrideString(&cfg.Synthesis.Format, "DUET_SYNTHESIS_FORMAT")
	overrideFloat(&cfg.Synthesis.Speed, "DUET_SYNTHESIS_SPEED")
	overrideInt(&cfg.Synthesis.TimeoutMS, "DUET_SYNTHESIS_TIMEOUT_MS")
	overrideString(&cfg.Synthesis.OnFailure, "DUET_SYNTHESIS_ON_FAILURE")
	overrideString(&cfg.Conversation.Mode, "DUET_CONVERSATION_MODE")
	overrideInt(&cfg.Conversation.MaxTurns, "DUET_CONVERSATION_MAX_TURNS")
	overrideString(&cfg.Conversation.StopKeyword, "DUET_CONVERSATION_STOP_KEYWORD")
	overrideString(&cfg.Conversation.StartingSpeaker, "DUET_CONVERSATION_STARTING_SPEAKER")
	overrideInt(&cfg.Conversation.TurnTimeoutMS, "DUET_CONVERSATION_TURN_TIMEOUT_MS")
	overrideInt(&cfg.Conversation.SeedTimeoutMS, "DUET_CONVERSATION_SEED_TIMEOUT_MS")
	overrideBool(&cfg.Conversation.AnnotateTurns, "DUET_CONVERSATION_ANNOTATE_TURNS")
	overrideBool(&cfg.Conversation.Interjections, "DUET_CONVERSATION_INTERJECTIONS")
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

// Validate reports the first problem found in cfg.
func Validate(cfg Config) error {
	return validate(cfg)
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
		if cfg.Bus.SubjectPrefix == "" {
			return errors.New("bus.subject_prefix must not be empty")
		}
	}
	if cfg.Node.ID == "" {
		return errors.New("node.id must not be empty")
	}
	if cfg.Node.HeartbeatInterval <= 0 {
		return errors.New("node.heartbeat_interval_ms must be positive")
	}
	if cfg.Node.MaxConversations < 0 {
		return errors.New("node.max_conversations must be >= 0")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral":
	case "session", "persistent":
		if cfg.EventStore.Path == "" {
			return errors.New("event_store.path must not be empty")
		}
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if !strings.HasPrefix(cfg.WebSocket.Path, "/") {
		return errors.New("websocket.path must start with /")
	}
	switch cfg.Session.Mode {
	case "gemini":
		if cfg.Session.Model == "" {
			return errors.New("session.model must be set when mode=gemini")
		}
	case "ollama":
		if cfg.Session.Endpoint == "" || cfg.Session.Model == "" {
			return errors.New("session.endpoint and session.model must be set when mode=ollama")
		}
	case "exec":
		if cfg.Session.Command == "" {
			return errors.New("session.command must be set when mode=exec")
		}
	case "mock":
	default:
		return errors.New("session.mode must be one of gemini|ollama|exec|mock")
	}
	switch cfg.Synthesis.Mode {
	case "nijivoice":
		if cfg.Synthesis.BaseURL == "" {
			return errors.New("synthesis.base_url must be set when mode=nijivoice")
		}
	case "exec":
		if cfg.Synthesis.Command == "" {
			return errors.New("synthesis.command must be set when mode=exec")
		}
	case "mock":
	default:
		return errors.New("synthesis.mode must be one of nijivoice|exec|mock")
	}
	if cfg.Synthesis.Speed <= 0 {
		return errors.New("synthesis.speed must be positive")
	}
	switch cfg.Synthesis.OnFailure {
	case "fatal", "text_only":
	default:
		return errors.New("synthesis.on_failure must be one of fatal|text_only")
	}
	switch cfg.Conversation.Mode {
	case "duet", "single":
	default:
		return errors.New("conversation.mode must be one of duet|single")
	}
	if cfg.Conversation.MaxTurns <= 0 {
		return errors.New("conversation.max_turns must be positive")
	}
	if strings.TrimSpace(cfg.Conversation.StopKeyword) == "" {
		return errors.New("conversation.stop_keyword must not be empty")
	}
	if cfg.Conversation.TurnTimeoutMS < 0 || cfg.Conversation.SeedTimeoutMS < 0 {
		return errors.New("conversation timeouts must be >= 0")
	}
	if len(cfg.Speakers) != 2 {
		return fmt.Errorf("exactly two speakers are required, got %d", len(cfg.Speakers))
	}
	if cfg.Speakers[0].ID == "" || cfg.Speakers[1].ID == "" {
		return errors.New("speakers[].id must not be empty")
	}
	if cfg.Speakers[0].ID == cfg.Speakers[1].ID {
		return errors.New("speakers must have distinct ids")
	}
	found := false
	for _, sp := range cfg.Speakers {
		if sp.ID == cfg.Conversation.StartingSpeaker {
			found = true
		}
		if cfg.Synthesis.Mode == "nijivoice" && sp.Voice == "" {
			return fmt.Errorf("speaker %q needs a voice when synthesis.mode=nijivoice", sp.ID)
		}
	}
	if !found {
		return fmt.Errorf("conversation.starting_speaker %q does not match a speaker id", cfg.Conversation.StartingSpeaker)
	}
	return nil
}
