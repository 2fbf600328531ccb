package tts

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"
)

type mockSynth struct {
	delay time.Duration
	seq   atomic.Int64
}

// NewMockSynth returns a synthesizer that fabricates mock:// URLs.
func NewMockSynth(delay time.Duration) Synthesizer {
	return &mockSynth{delay: delay}
}

func (m *mockSynth) Synthesize(ctx context.Context, req Request) (Result, error) {
	if m.delay > 0 {
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-time.After(m.delay):
		}
	}
	n := m.seq.Add(1)
	return Result{AudioURL: fmt.Sprintf("mock://voice/%s/%d.wav", req.Voice, n)}, nil
}
