package coordinator

import (
	"errors"
	"fmt"
)

// State is the lifecycle position of the index.
type State int32

const (
	Uninitialized State = iota
	FullIndexing
	Ready
	RefreshInProgress
	Failed
)

var stateNames = [...]string{
	Uninitialized:     "uninitialized",
	FullIndexing:      "full_indexing",
	Ready:             "ready",
	RefreshInProgress: "refresh_in_progress",
	Failed:            "failed",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	for i, name := range stateNames {
		if name == string(b) {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", b)
}

var (
	// ErrIndexing is returned by Query while the first index is being built.
	ErrIndexing = errors.New("indexing in progress")
	// ErrInitFailed wraps the cause when no index could be built.
	ErrInitFailed = errors.New("index initialization failed")
	// ErrAlreadyRunning is returned when a pass or maintenance job holds the index.
	ErrAlreadyRunning = errors.New("indexer already running")
	ErrClosed         = errors.New("coordinator is shut down")
)
