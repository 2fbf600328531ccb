package session

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"os/exec"
	"sync"

	"github.com/mattn/go-shellwords"
)

// ExecDialer runs a local command once per turn. The command receives the
// persona, the history and the new prompt as JSON on stdin and writes reply
// fragments to stdout as NDJSON objects with a "text" field.
type ExecDialer struct {
	cmd []string
}

func NewExecDialer(command string) (*ExecDialer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse session command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("session command empty")
	}
	return &ExecDialer{cmd: args}, nil
}

func (d *ExecDialer) Dial(_ context.Context, persona Persona) (Session, error) {
	return &execSession{cmd: d.cmd, persona: persona}, nil
}

type execMessage struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

type execRequest struct {
	Speaker string        `json:"speaker"`
	Name    string        `json:"name"`
	Persona string        `json:"persona"`
	History []execMessage `json:"history"`
	Prompt  string        `json:"prompt"`
}

type execLine struct {
	Text  string `json:"text"`
	Error string `json:"error,omitempty"`
}

type execSession struct {
	cmd     []string
	persona Persona
	mu      sync.Mutex
	history []execMessage
	prompt  string
	pending bool
}

func (s *execSession) Send(_ context.Context, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompt = text
	s.pending = true
	return nil
}

func (s *execSession) Receive(ctx context.Context) iter.Seq2[Fragment, error] {
	return func(yield func(Fragment, error) bool) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if !s.pending {
			return
		}
		s.pending = false

		input, err := json.Marshal(execRequest{
			Speaker: s.persona.SpeakerID,
			Name:    s.persona.Name,
			Persona: s.persona.Instructions,
			History: s.history,
			Prompt:  s.prompt,
		})
		if err != nil {
			yield(Fragment{}, err)
			return
		}

		cmd := exec.CommandContext(ctx, s.cmd[0], s.cmd[1:]...)
		cmd.Stdin = bytes.NewReader(input)
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			yield(Fragment{}, err)
			return
		}
		if err := cmd.Start(); err != nil {
			yield(Fragment{}, fmt.Errorf("start session command: %w", err))
			return
		}

		var reply bytes.Buffer
		stopped := false
		scanner := bufio.NewScanner(stdout)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			var out execLine
			if err := json.Unmarshal(line, &out); err != nil {
				_ = cmd.Process.Kill()
				_ = cmd.Wait()
				yield(Fragment{}, fmt.Errorf("decode session command output: %w", err))
				return
			}
			if out.Error != "" {
				_ = cmd.Process.Kill()
				_ = cmd.Wait()
				yield(Fragment{}, fmt.Errorf("session command: %s", out.Error))
				return
			}
			if out.Text == "" {
				continue
			}
			reply.WriteString(out.Text)
			if !yield(Fragment{Text: out.Text}, nil) {
				stopped = true
				_ = cmd.Process.Kill()
				break
			}
		}
		waitErr := cmd.Wait()
		s.history = append(s.history,
			execMessage{Role: "user", Text: s.prompt},
			execMessage{Role: "model", Text: reply.String()},
		)
		if stopped {
			return
		}
		if err := scanner.Err(); err != nil {
			yield(Fragment{}, fmt.Errorf("read session command output: %w", err))
			return
		}
		if waitErr != nil {
			yield(Fragment{}, fmt.Errorf("session command failed: %w", waitErr))
		}
	}
}

func (s *execSession) Close() error { return nil }
