//go:build !linux

package gpio

import "fmt"

// RealReader needs the Linux GPIO character device; elsewhere it cannot be
// constructed.
type RealReader struct{}

// NewRealReader always fails with ErrUnsupported.
func NewRealReader(opts Options) (*RealReader, error) {
	return nil, fmt.Errorf("open %s pin %d: %w", opts.Chip, opts.Pin, ErrUnsupported)
}

func (r *RealReader) Read() (bool, error) { return false, ErrUnsupported }

func (r *RealReader) Close() error { return nil }
