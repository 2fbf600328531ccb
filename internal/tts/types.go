// Package tts turns a finished turn's text into a playable audio URL.
package tts

import (
	"context"
	"errors"
	"fmt"
)

// ErrMalformedResponse reports a synthesis reply that could not be decoded
// or carried no audio URL.
var ErrMalformedResponse = errors.New("malformed synthesis response")

// Request describes one synthesis job.
type Request struct {
	Text   string
	Voice  string
	Format string
	Speed  float64
}

// Result points at the synthesized audio.
type Result struct {
	AudioURL   string
	DurationMS int
}

// Synthesizer is the contract for producing audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, req Request) (Result, error)
}

// StatusError is returned when the synthesis service answers with a non-2xx
// status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("synthesis returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("synthesis returned status %d: %s", e.StatusCode, e.Body)
}
