package conversation

import "strings"

// Phase is the lifecycle stage of a conversation.
type Phase int

const (
	PhaseAwaitingSeed Phase = iota
	PhaseRunning
	PhaseTerminated
)

func (p Phase) String() string {
	switch p {
	case PhaseAwaitingSeed:
		return "awaiting_seed"
	case PhaseRunning:
		return "running"
	default:
		return "terminated"
	}
}

// Turn is one speaker's reply to one input.
type Turn struct {
	Index    int
	Speaker  Speaker
	Input    string
	Output   string
	Complete bool
}

// State tracks progress through a conversation. TurnIndex counts completed
// turns and never exceeds MaxTurns.
type State struct {
	TurnIndex int
	MaxTurns  int
	Active    Speaker
	LastText  string
	Phase     Phase
}

func newState(maxTurns int, starter Speaker) *State {
	return &State{MaxTurns: maxTurns, Active: starter, Phase: PhaseAwaitingSeed}
}

// begin starts the next turn for the active speaker.
func (s *State) begin(input string) Turn {
	return Turn{Index: s.TurnIndex + 1, Speaker: s.Active, Input: input}
}

// complete records a finished turn. An empty output leaves LastText alone so
// the next speaker answers the last thing actually said.
func (s *State) complete(t *Turn, flip bool) {
	t.Complete = true
	s.TurnIndex++
	if strings.TrimSpace(t.Output) != "" {
		s.LastText = t.Output
	}
	if flip {
		s.Active = s.Active.Other()
	}
}

func (s *State) atCeiling() bool { return s.TurnIndex >= s.MaxTurns }
