package term

import (
	"errors"
	"fmt"
	"strings"
)

// ErrSessionClosed is returned by Write and Resize after Kill.
var ErrSessionClosed = errors.New("terminal session closed")

// TierAttempt records one failed spawn tier.
type TierAttempt struct {
	Mode Mode
	Err  error
}

// SpawnError reports that every available tier failed to produce a
// session. Attempts preserve cascade order.
type SpawnError struct {
	Attempts []TierAttempt
}

func (e *SpawnError) Error() string {
	if len(e.Attempts) == 0 {
		return "terminal spawn failed: no tiers available"
	}
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, fmt.Sprintf("%s: %v", a.Mode, a.Err))
	}
	return "terminal spawn failed: " + strings.Join(parts, "; ")
}
