package printer

import (
	"context"
	"sync"
)

// FakeAPI is a test double for API that records calls.
type FakeAPI struct {
	mu sync.Mutex

	// State is returned by QueryState.
	State string
	// QueryError, PauseError and GCodeError are returned by the matching call.
	QueryError error
	PauseError error
	GCodeError error

	// Pauses counts Pause calls.
	Pauses int
	// Scripts contains every script passed to RunGCode.
	Scripts []string
}

// NewFakeAPI creates a FakeAPI reporting state.
func NewFakeAPI(state string) *FakeAPI {
	return &FakeAPI{State: state}
}

// QueryState returns the scripted state.
func (f *FakeAPI) QueryState(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.QueryError != nil {
		return "", f.QueryError
	}
	return f.State, nil
}

// Pause records a pause request.
func (f *FakeAPI) Pause(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Pauses++
	return f.PauseError
}

// RunGCode records the script.
func (f *FakeAPI) RunGCode(ctx context.Context, script string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Scripts = append(f.Scripts, script)
	return f.GCodeError
}

// SetState changes the scripted state.
func (f *FakeAPI) SetState(state string) {
	f.mu.Lock()
	f.State = state
	f.mu.Unlock()
}

// PauseCount returns the number of Pause calls.
func (f *FakeAPI) PauseCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Pauses
}

// RecordedScripts returns a copy of the recorded scripts.
func (f *FakeAPI) RecordedScripts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.Scripts...)
}
