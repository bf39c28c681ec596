// Package gpio provides filament switch reading with hardware abstraction.
// The real implementation uses the Linux GPIO character device.
// The fake implementation allows testing without hardware.
package gpio

import (
	"errors"
	"fmt"
)

// ErrUnsupported is returned by NewRealReader on platforms without the GPIO
// character device.
var ErrUnsupported = errors.New("gpio: not supported on this platform (requires Linux)")

// Reader reads the filament switch.
type Reader interface {
	// Read returns true when filament is present (already in logical form).
	Read() (bool, error)

	// Close releases GPIO resources.
	Close() error
}

// Defaults for a switch wired between the pin and ground.
const (
	DefaultChip = "gpiochip0"
	DefaultPin  = 17
)

// Bias selects the line's internal pull resistor.
type Bias string

const (
	BiasPullUp   Bias = "pull-up"
	BiasPullDown Bias = "pull-down"
	BiasDisabled Bias = "disabled"
)

// ParseBias validates a bias name from configuration.
func ParseBias(s string) (Bias, error) {
	switch b := Bias(s); b {
	case BiasPullUp, BiasPullDown, BiasDisabled:
		return b, nil
	case "":
		return BiasPullUp, nil
	}
	return "", fmt.Errorf("unknown bias %q (want pull-up, pull-down or disabled)", s)
}

// Options configures a RealReader.
type Options struct {
	Chip string
	Pin  int
	Bias Bias
	// ActiveLow reports presence when the raw line is low, as with a switch
	// that shorts the pin to ground when filament is loaded.
	ActiveLow bool
	// OnChange, if set, requests edge events and is called with the new
	// logical value from the GPIO event goroutine.
	OnChange func(present bool)
}
