//go:build !linux

package os

import (
	"fmt"

	"github.com/spf13/afero"
)

type cgroupsController struct{}

func newCgroupsController(afero.Fs) (*cgroupsController, error) {
	return nil, fmt.Errorf("cgroups not supported on this platform")
}

func (c *cgroupsController) setupMemoryLimit(int, uint64) error {
	return fmt.Errorf("cgroups not supported on this platform")
}

func (c *cgroupsController) currentUsage(int) (uint64, error) {
	return 0, fmt.Errorf("cgroups not supported on this platform")
}

func (c *cgroupsController) cleanup(int) error {
	return nil
}
