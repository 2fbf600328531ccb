package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"

	"github.com/mattn/go-shellwords"
)

// execSynth runs a local command per request. The command reads the request
// as JSON on stdin and prints a JSON object with "audio_url"; when it prints
// several lines the last one wins. A local WAV without "duration_ms" has its
// duration read from the file header.
type execSynth struct {
	cmd    []string
	format string
	speed  float64
}

type execRequest struct {
	Text   string  `json:"text"`
	Voice  string  `json:"voice"`
	Format string  `json:"format"`
	Speed  float64 `json:"speed"`
}

type execResponse struct {
	AudioURL   string `json:"audio_url"`
	DurationMS int    `json:"duration_ms,omitempty"`
}

func NewExecSynth(command, format string, speed float64) (Synthesizer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse tts command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("tts command empty")
	}
	return &execSynth{cmd: args, format: format, speed: speed}, nil
}

func (e *execSynth) Synthesize(ctx context.Context, req Request) (Result, error) {
	payload := execRequest{Text: req.Text, Voice: req.Voice, Format: req.Format, Speed: req.Speed}
	if payload.Format == "" {
		payload.Format = e.format
	}
	if payload.Speed == 0 {
		payload.Speed = e.speed
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Result{}, err
	}

	cmd := exec.CommandContext(ctx, e.cmd[0], e.cmd[1:]...)
	cmd.Stdin = bytes.NewReader(data)
	output, err := cmd.Output()
	if err != nil {
		return Result{}, fmt.Errorf("tts exec command failed: %w", err)
	}

	var last []byte
	for _, line := range bytes.Split(output, []byte("\n")) {
		if line = bytes.TrimSpace(line); len(line) > 0 {
			last = line
		}
	}
	var resp execResponse
	if err := json.Unmarshal(last, &resp); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if resp.AudioURL == "" {
		return Result{}, fmt.Errorf("%w: missing audio_url", ErrMalformedResponse)
	}
	res := Result{AudioURL: resp.AudioURL, DurationMS: resp.DurationMS}
	if res.DurationMS == 0 {
		if path, ok := localWAVPath(res.AudioURL); ok {
			if ms, err := wavDurationMS(path); err == nil {
				res.DurationMS = ms
			}
		}
	}
	return res, nil
}
