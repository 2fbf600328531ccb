package tts

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

func TestNijivoiceSynthesize(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if r.URL.Path != "/api/platform/v1/voice-actors/voice-1/generate-voice" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("x-api-key"); got != "secret" {
			t.Errorf("unexpected api key %q", got)
		}
		if got := r.Header.Get("Accept"); got != "application/json" {
			t.Errorf("unexpected accept %q", got)
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if body["script"] != "hello" || body["format"] != "wav" || body["speed"] != "0.8" {
			t.Errorf("unexpected body %v", body)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"generatedVoice":{"audioFileUrl":"https://cdn.example/a.wav","duration":1200}}`))
	}))
	defer server.Close()

	c, err := NewNijivoiceClient(server.URL+"/api/platform/v1/", "secret", "wav", 0.8, time.Second)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	res, err := c.Synthesize(context.Background(), Request{Text: "hello", Voice: "voice-1"})
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if res.AudioURL != "https://cdn.example/a.wav" || res.DurationMS != 1200 {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestNijivoiceStatusError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	}))
	defer server.Close()

	c, _ := NewNijivoiceClient(server.URL, "k", "wav", 0.8, time.Second)
	_, err := c.Synthesize(context.Background(), Request{Text: "x", Voice: "v"})
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("expected StatusError, got %v", err)
	}
	if statusErr.StatusCode != http.StatusTooManyRequests || !strings.Contains(statusErr.Body, "quota") {
		t.Fatalf("unexpected status error %+v", statusErr)
	}
}

func TestNijivoiceMalformed(t *testing.T) {
	for name, payload := range map[string]string{
		"bad json":    `{"generatedVoice":`,
		"missing url": `{"generatedVoice":{"duration":10}}`,
		"no voice":    `{}`,
	} {
		t.Run(name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(payload))
			}))
			defer server.Close()
			c, _ := NewNijivoiceClient(server.URL, "k", "wav", 0.8, time.Second)
			_, err := c.Synthesize(context.Background(), Request{Text: "x", Voice: "v"})
			if !errors.Is(err, ErrMalformedResponse) {
				t.Fatalf("expected ErrMalformedResponse, got %v", err)
			}
		})
	}
}

func TestNijivoiceRequiresKey(t *testing.T) {
	if _, err := NewNijivoiceClient("https://example.com", " ", "wav", 0.8, time.Second); err == nil {
		t.Fatalf("expected error without api key")
	}
}

func TestExecSynthLastLineWins(t *testing.T) {
	path := filepath.Join(t.TempDir(), "synth.sh")
	script := "#!/bin/sh\ncat >/dev/null\necho '{\"audio_url\":\"file:///tmp/first.wav\"}'\necho '{\"audio_url\":\"file:///tmp/final.wav\"}'\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	synth, err := NewExecSynth(path, "wav", 0.8)
	if err != nil {
		t.Fatalf("new exec synth: %v", err)
	}
	res, err := synth.Synthesize(context.Background(), Request{Text: "hi", Voice: "v"})
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if res.AudioURL != "file:///tmp/final.wav" {
		t.Fatalf("unexpected url %q", res.AudioURL)
	}
}

func TestMockSynthSequence(t *testing.T) {
	synth := NewMockSynth(0)
	first, _ := synth.Synthesize(context.Background(), Request{Voice: "v"})
	second, _ := synth.Synthesize(context.Background(), Request{Voice: "v"})
	if first.AudioURL == second.AudioURL {
		t.Fatalf("expected distinct urls, got %q twice", first.AudioURL)
	}
}

func writeSilence(t *testing.T, path string, sampleRate, samples int) {
	t.Helper()
	file, err := os.Create(path)
	if err != nil {
		t.Fatalf("create wav: %v", err)
	}
	defer file.Close()
	buffer := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: sampleRate},
		Data:           make([]int, samples),
		SourceBitDepth: 16,
	}
	enc := wav.NewEncoder(file, sampleRate, 16, 1, 1)
	if err := enc.Write(buffer); err != nil {
		t.Fatalf("encode wav: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("close wav: %v", err)
	}
}

func TestExecSynthReadsLocalWAVDuration(t *testing.T) {
	dir := t.TempDir()
	wavPath := filepath.Join(dir, "turn.wav")
	writeSilence(t, wavPath, 16000, 8000)

	script := filepath.Join(dir, "synth.sh")
	body := "#!/bin/sh\ncat >/dev/null\necho '{\"audio_url\":\"file://" + wavPath + "\"}'\n"
	if err := os.WriteFile(script, []byte(body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	synth, err := NewExecSynth(script, "wav", 1)
	if err != nil {
		t.Fatalf("new exec synth: %v", err)
	}
	res, err := synth.Synthesize(context.Background(), Request{Text: "hi", Voice: "v"})
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if res.DurationMS != 500 {
		t.Fatalf("expected 500ms, got %d", res.DurationMS)
	}
}

func TestLocalWAVPath(t *testing.T) {
	cases := map[string]bool{
		"file:///tmp/a.wav":         true,
		"/tmp/b.WAV":                true,
		"https://cdn.example/a.wav": false,
		"file:///tmp/a.mp3":         false,
		"mock://voice/v/1.wav":      false,
	}
	for in, want := range cases {
		if _, got := localWAVPath(in); got != want {
			t.Fatalf("localWAVPath(%q) = %v, want %v", in, got, want)
		}
	}
}
