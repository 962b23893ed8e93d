package updater

import "fmt"

// State is the lifecycle position of one mirror site.
type State int

const (
	Uninitialized State = iota
	Initializing
	InitFailed
	Idle
	Syncing
	SyncFailed
)

var stateNames = [...]string{
	Uninitialized: "uninitialized",
	Initializing:  "initializing",
	InitFailed:    "init-failed",
	Idle:          "idle",
	Syncing:       "syncing",
	SyncFailed:    "sync-failed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	for i, n := range stateNames {
		if n == string(b) {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("unknown updater state %q", b)
}

// Running reports whether a plugin process is expected to be alive.
func (s State) Running() bool { return s == Initializing || s == Syncing }
