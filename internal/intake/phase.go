package intake

import "time"

// Phase is the time window an unanswered request is in. It is derived from
// the creation time and never stored.
type Phase int

const (
	PhaseInitial Phase = iota
	PhaseSecondChance
	PhaseExpired
)

func (p Phase) String() string {
	switch p {
	case PhaseInitial:
		return "INITIAL"
	case PhaseSecondChance:
		return "SECOND_CHANCE"
	default:
		return "EXPIRED"
	}
}

// Windows holds the phase boundaries measured from request creation.
type Windows struct {
	Initial      time.Duration
	SecondChance time.Duration
}

func DefaultWindows() Windows {
	return Windows{Initial: 30 * time.Second, SecondChance: 180 * time.Second}
}

func (w Windows) PhaseAt(createdAt, now time.Time) Phase {
	age := now.Sub(createdAt)
	switch {
	case age < w.Initial:
		return PhaseInitial
	case age < w.SecondChance:
		return PhaseSecondChance
	default:
		return PhaseExpired
	}
}

// Remaining is the time left in the phase the request is in at now.
func (w Windows) Remaining(createdAt, now time.Time) time.Duration {
	age := now.Sub(createdAt)
	switch w.PhaseAt(createdAt, now) {
	case PhaseInitial:
		return w.Initial - age
	case PhaseSecondChance:
		return w.SecondChance - age
	default:
		return 0
	}
}
