package conversation

import (
	"errors"
	"fmt"
)

// SynthesisFailure reports a turn whose text could not be turned into audio.
type SynthesisFailure struct {
	Speaker string
	Turn    int
	Err     error
}

func (e *SynthesisFailure) Error() string {
	return fmt.Sprintf("synthesis for %s turn %d failed: %v", e.Speaker, e.Turn, e.Err)
}

func (e *SynthesisFailure) Unwrap() error { return e.Err }

// errSeedTimeout ends a conversation that never received a seed.
var errSeedTimeout = errors.New("no seed message before timeout")
