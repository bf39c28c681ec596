package gpio

import (
	"errors"
	"sync"
)

// FakeReader is a test double for the filament switch. It plays back a
// script of levels for polling tests and can emit edges for edge-mode tests.
type FakeReader struct {
	mu sync.Mutex

	// Samples is the script consumed by Read, one value per call. The last
	// value is held once the script runs out.
	Samples []bool
	pos     int

	// ReadError, if set, fails every Read.
	ReadError error

	// OnChange receives values passed to Emit, like Options.OnChange on a
	// RealReader with edge detection.
	OnChange func(present bool)

	Closed bool
}

// NewFakeReader creates a FakeReader that plays back samples.
func NewFakeReader(samples ...bool) *FakeReader {
	return &FakeReader{Samples: samples}
}

// Read returns the next scripted level.
func (f *FakeReader) Read() (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.ReadError != nil {
		return false, f.ReadError
	}
	if len(f.Samples) == 0 {
		return false, errors.New("gpio: fake reader has no samples")
	}

	v := f.Samples[f.pos]
	if f.pos < len(f.Samples)-1 {
		f.pos++
	}
	return v, nil
}

// Emit simulates an edge: the level is held for later reads and OnChange,
// if set, is called on the caller's goroutine.
func (f *FakeReader) Emit(present bool) {
	f.mu.Lock()
	f.Samples = append(f.Samples[:0], present)
	f.pos = 0
	onChange := f.OnChange
	f.mu.Unlock()

	if onChange != nil {
		onChange(present)
	}
}

// Close marks the reader closed.
func (f *FakeReader) Close() error {
	f.mu.Lock()
	f.Closed = true
	f.mu.Unlock()
	return nil
}

// Reset rewinds the script.
func (f *FakeReader) Reset() {
	f.mu.Lock()
	f.pos = 0
	f.Closed = false
	f.mu.Unlock()
}
