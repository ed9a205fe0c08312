package device

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
)

// SimulatedPin is an in-memory Pin for development machines and tests.
type SimulatedPin struct {
	mu sync.Mutex
	on bool
}

func NewSimulatedPin() *SimulatedPin {
	return &SimulatedPin{}
}

func (p *SimulatedPin) Set(on bool) error {
	p.mu.Lock()
	p.on = on
	p.mu.Unlock()
	return nil
}

// State reports the current simulated output level.
func (p *SimulatedPin) State() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.on
}

// SysfsPin drives a GPIO line through the kernel's sysfs interface.
type SysfsPin struct {
	number    int
	valuePath string
}

const sysfsGPIORoot = "/sys/class/gpio"

// NewSysfsPin exports the GPIO line if needed, configures it as an output
// and returns a pin driving it.
func NewSysfsPin(number int) (*SysfsPin, error) {
	gpioDir := filepath.Join(sysfsGPIORoot, fmt.Sprintf("gpio%d", number))

	if _, err := os.Stat(gpioDir); os.IsNotExist(err) {
		exportPath := filepath.Join(sysfsGPIORoot, "export")
		if err := os.WriteFile(exportPath, []byte(strconv.Itoa(number)), 0o644); err != nil {
			return nil, fmt.Errorf("export gpio %d: %w", number, err)
		}
	}

	directionPath := filepath.Join(gpioDir, "direction")
	if err := os.WriteFile(directionPath, []byte("out"), 0o644); err != nil {
		return nil, fmt.Errorf("set gpio %d direction: %w", number, err)
	}

	return &SysfsPin{
		number:    number,
		valuePath: filepath.Join(gpioDir, "value"),
	}, nil
}

func (p *SysfsPin) Set(on bool) error {
	value := "0"
	if on {
		value = "1"
	}
	if err := os.WriteFile(p.valuePath, []byte(value), 0o644); err != nil {
		return fmt.Errorf("write gpio %d value: %w", p.number, err)
	}
	return nil
}
