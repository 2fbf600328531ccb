// Package conversation drives a two-speaker exchange: it alternates turns
// through the router, synthesizes each reply and decides when to stop.
package conversation

import (
	"fmt"
	"strings"

	"github.com/loqalabs/duet/internal/config"
)

// Speaker identifies one of the two participants.
type Speaker int

const (
	SpeakerA Speaker = iota
	SpeakerB
)

// Other returns the opposite speaker.
func (s Speaker) Other() Speaker {
	if s == SpeakerA {
		return SpeakerB
	}
	return SpeakerA
}

func (s Speaker) String() string {
	if s == SpeakerA {
		return "A"
	}
	return "B"
}

// Member binds a speaker to its persona and synthesis voice.
type Member struct {
	ID      string
	Name    string
	Persona string
	Voice   string
}

// Cast is the fixed lookup table from Speaker to Member.
type Cast [2]Member

func (c Cast) Member(s Speaker) Member { return c[s] }

// Lookup finds the speaker whose member ID is id.
func (c Cast) Lookup(id string) (Speaker, bool) {
	for i, m := range c {
		if strings.EqualFold(m.ID, id) {
			return Speaker(i), true
		}
	}
	return SpeakerA, false
}

// CastFromConfig builds the cast from the first two configured speakers.
func CastFromConfig(speakers []config.SpeakerConfig) (Cast, error) {
	var cast Cast
	if len(speakers) != 2 {
		return cast, fmt.Errorf("expected 2 speakers, got %d", len(speakers))
	}
	for i, sp := range speakers {
		cast[i] = Member{ID: sp.ID, Name: sp.Name, Persona: sp.Persona, Voice: sp.Voice}
	}
	if strings.EqualFold(cast[0].ID, cast[1].ID) {
		return cast, fmt.Errorf("speaker ids must differ, both are %q", cast[0].ID)
	}
	return cast, nil
}
