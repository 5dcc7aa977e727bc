package sandbox

import "fmt"

// Mode is fixed for the lifetime of one invocation.
type Mode int

const (
	ModeQuery Mode = iota + 1
	ModeExecute
)

func (m Mode) String() string {
	switch m {
	case ModeQuery:
		return "query"
	case ModeExecute:
		return "execute"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

func (m Mode) valid() bool {
	return m == ModeQuery || m == ModeExecute
}

func (m Mode) require(want Mode, op string) error {
	if m != want {
		return fmt.Errorf("%w: %s requires %s mode, running in %s", ErrModeViolation, op, want, m)
	}
	return nil
}
