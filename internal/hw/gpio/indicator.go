package gpio

import (
	"sync"

	"github.com/cjeanneret/camsession/internal/debug"
	"github.com/pkg/errors"
)

// Indicator holds one output pin active while a still capture is in flight,
// for a tally LED or an external flash trigger.
type Indicator struct {
	drv       Driver
	pin       int
	activeLow bool

	mu   sync.Mutex
	busy bool
}

// NewIndicator configures pin as an output and drives it idle.
func NewIndicator(drv Driver, pin int, activeLow bool) (*Indicator, error) {
	i := &Indicator{drv: drv, pin: pin, activeLow: activeLow}
	if err := drv.SetupPin(pin, Output); err != nil {
		return nil, errors.Wrapf(err, "setup indicator pin %d", pin)
	}
	if err := drv.WritePin(pin, i.level(false)); err != nil {
		return nil, errors.Wrapf(err, "reset indicator pin %d", pin)
	}
	return i, nil
}

func (i *Indicator) level(busy bool) Level {
	return Level(busy != i.activeLow)
}

// SetBusy drives the pin active (busy) or idle. Repeating the current state
// does not touch the pin.
func (i *Indicator) SetBusy(busy bool) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.busy == busy {
		return nil
	}
	if err := i.drv.WritePin(i.pin, i.level(busy)); err != nil {
		return errors.Wrapf(err, "write indicator pin %d", i.pin)
	}
	i.busy = busy
	if busy {
		debug.Verbose("Capture indicator busy")
	} else {
		debug.Verbose("Capture indicator idle")
	}
	return nil
}

// Busy reports the last state set.
func (i *Indicator) Busy() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.busy
}

// Close returns the pin to idle and closes the driver.
func (i *Indicator) Close() error {
	err := i.SetBusy(false)
	if cerr := i.drv.Close(); err == nil {
		err = cerr
	}
	return err
}
