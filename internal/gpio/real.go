//go:build linux

package gpio

import (
	"fmt"
	"log"

	"github.com/warthog618/go-gpiocdev"
)

// RealReader reads the filament switch from actual hardware using the Linux
// GPIO character device.
type RealReader struct {
	chip     *gpiocdev.Chip
	line     *gpiocdev.Line
	pin      int
	onChange func(bool)
}

// NewRealReader requests the switch line as an input. When opts.OnChange is
// set the line also reports both edges.
func NewRealReader(opts Options) (*RealReader, error) {
	if opts.Chip == "" {
		opts.Chip = DefaultChip
	}

	chip, err := gpiocdev.NewChip(opts.Chip)
	if err != nil {
		return nil, fmt.Errorf("open gpio chip %s: %w", opts.Chip, err)
	}

	r := &RealReader{chip: chip, pin: opts.Pin, onChange: opts.OnChange}

	reqOpts := []gpiocdev.LineReqOption{gpiocdev.AsInput, biasOption(opts.Bias)}
	if opts.ActiveLow {
		reqOpts = append(reqOpts, gpiocdev.AsActiveLow)
	}
	if opts.OnChange != nil {
		reqOpts = append(reqOpts, gpiocdev.WithBothEdges, gpiocdev.WithEventHandler(r.handleEvent))
	}

	line, err := chip.RequestLine(opts.Pin, reqOpts...)
	if err != nil {
		chip.Close()
		return nil, fmt.Errorf("request switch pin %d: %w", opts.Pin, err)
	}
	r.line = line

	return r, nil
}

func biasOption(b Bias) gpiocdev.LineReqOption {
	switch b {
	case BiasPullDown:
		return gpiocdev.WithPullDown
	case BiasDisabled:
		return gpiocdev.WithBiasDisabled
	default:
		return gpiocdev.WithPullUp
	}
}

// handleEvent runs on the gpiocdev event goroutine. The logical value is
// re-read rather than derived from the edge so active-low handling stays in
// one place.
func (r *RealReader) handleEvent(evt gpiocdev.LineEvent) {
	present, err := r.Read()
	if err != nil {
		log.Printf("gpio: read after %v edge on pin %d: %v", evt.Type, r.pin, err)
		return
	}
	r.onChange(present)
}

// Read returns true when filament is present.
func (r *RealReader) Read() (bool, error) {
	v, err := r.line.Value()
	if err != nil {
		return false, fmt.Errorf("read switch pin %d: %w", r.pin, err)
	}
	return v == 1, nil
}

// Close releases GPIO resources.
// Reconfigures the pin to input with pull-down (matching Pi boot defaults)
// before closing to leave a clean state for shutdown/reboot.
func (r *RealReader) Close() error {
	var errs []error

	if r.line != nil {
		if err := r.line.Reconfigure(gpiocdev.AsInput, gpiocdev.WithPullDown); err != nil {
			errs = append(errs, fmt.Errorf("reconfigure switch pin: %w", err))
		}
		if err := r.line.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close switch pin: %w", err))
		}
	}
	if r.chip != nil {
		if err := r.chip.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close chip: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("close errors: %v", errs)
	}
	return nil
}
