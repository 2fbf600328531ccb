package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Conversation.MaxTurns != 20 {
		t.Fatalf("expected default max turns 20, got %d", cfg.Conversation.MaxTurns)
	}
	if cfg.Conversation.StopKeyword != "stop_conversation" {
		t.Fatalf("unexpected stop keyword %q", cfg.Conversation.StopKeyword)
	}
	if cfg.Synthesis.Speed != 0.8 {
		t.Fatalf("expected default speed 0.8, got %v", cfg.Synthesis.Speed)
	}
	if len(cfg.Speakers) != 2 || cfg.Speakers[0].ID != "asuna" {
		t.Fatalf("unexpected default speakers %+v", cfg.Speakers)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("DUET_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("DUET_BUS_USERNAME", "alice")
	t.Setenv("DUET_BUS_TLS_INSECURE", "true")
	t.Setenv("DUET_CONVERSATION_MAX_TURNS", "10")
	t.Setenv("DUET_CONVERSATION_MODE", "single")
	t.Setenv("DUET_SYNTHESIS_SPEED", "1.25")
	t.Setenv("DUET_SYNTHESIS_ON_FAILURE", "text_only")
	t.Setenv("GEMINI_API_KEY", "from-gemini-env")
	t.Setenv("NIJIVOICE_API_KEY", "niji")
	t.Setenv("DUET_EVENT_STORE_MAX_CONVERSATIONS", "123")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || !cfg.Bus.TLSInsecure {
		t.Fatalf("expected bus overrides, got %+v", cfg.Bus)
	}
	if cfg.Conversation.MaxTurns != 10 || cfg.Conversation.Mode != "single" {
		t.Fatalf("expected conversation overrides, got %+v", cfg.Conversation)
	}
	if cfg.Synthesis.Speed != 1.25 || cfg.Synthesis.OnFailure != "text_only" {
		t.Fatalf("expected synthesis overrides, got %+v", cfg.Synthesis)
	}
	if cfg.Session.APIKey != "from-gemini-env" {
		t.Fatalf("expected api key from GEMINI_API_KEY, got %q", cfg.Session.APIKey)
	}
	if cfg.Synthesis.APIKey != "niji" {
		t.Fatalf("expected api key from NIJIVOICE_API_KEY")
	}
	if cfg.EventStore.MaxConversations != 123 {
		t.Fatalf("expected event store max conversations override")
	}
}

func TestPrefixedKeyWinsOverProviderKey(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "generic")
	t.Setenv("DUET_SESSION_API_KEY", "specific")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Session.APIKey != "specific" {
		t.Fatalf("expected DUET_SESSION_API_KEY to win, got %q", cfg.Session.APIKey)
	}
}

func TestLoadFileWithPersonaFile(t *testing.T) {
	tmp := t.TempDir()
	if err := os.WriteFile(filepath.Join(tmp, "host.txt"), []byte("host persona"), 0o644); err != nil {
		t.Fatal(err)
	}
	yamlDoc := `conversation:
  max_turns: 3
  starting_speaker: host
synthesis:
  mode: mock
speakers:
  - id: host
    name: Host
    persona_file: host.txt
  - id: guest
    name: Guest
    persona: guest persona
`
	path := filepath.Join(tmp, "duet.yaml")
	if err := os.WriteFile(path, []byte(yamlDoc), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Speakers[0].Persona != "host persona" {
		t.Fatalf("expected persona from file, got %q", cfg.Speakers[0].Persona)
	}
	if cfg.Conversation.MaxTurns != 3 {
		t.Fatalf("expected max turns 3, got %d", cfg.Conversation.MaxTurns)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Config){
		"one speaker":       func(c *Config) { c.Speakers = c.Speakers[:1] },
		"duplicate ids":     func(c *Config) { c.Speakers[1].ID = c.Speakers[0].ID },
		"unknown starter":   func(c *Config) { c.Conversation.StartingSpeaker = "nobody" },
		"zero max turns":    func(c *Config) { c.Conversation.MaxTurns = 0 },
		"blank stop word":   func(c *Config) { c.Conversation.StopKeyword = "  " },
		"bad failure mode":  func(c *Config) { c.Synthesis.OnFailure = "retry" },
		"exec no command":   func(c *Config) { c.Session.Mode = "exec" },
		"bad session mode":  func(c *Config) { c.Session.Mode = "carrier-pigeon" },
		"missing voice":     func(c *Config) { c.Speakers[0].Voice = "" },
		"relative ws path":  func(c *Config) { c.WebSocket.Path = "ws" },
		"bad conversation":  func(c *Config) { c.Conversation.Mode = "trio" },
		"bad retention":     func(c *Config) { c.EventStore.RetentionMode = "forever" },
		"negative capacity": func(c *Config) { c.Node.MaxConversations = -1 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			if err := Validate(cfg); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestValidateErrorNamesField(t *testing.T) {
	cfg := Default()
	cfg.Conversation.StartingSpeaker = "ghost"
	err := Validate(cfg)
	if err == nil || !strings.Contains(err.Error(), "starting_speaker") {
		t.Fatalf("expected starting_speaker error, got %v", err)
	}
}
