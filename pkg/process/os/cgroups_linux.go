package os

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/afero"
)

const cgroupRoot = "/sys/fs/cgroup"

// cgroupsController manages per-process memory cgroups
type cgroupsController struct {
	fs afero.Fs
	// Base path for cgroups filesystem
	basePath string
	// Version of cgroups (v1 or v2)
	version int
}

// newCgroupsController detects the cgroup version mounted on fs
func newCgroupsController(fs afero.Fs) (*cgroupsController, error) {
	if _, err := fs.Stat(filepath.Join(cgroupRoot, "cgroup.controllers")); err == nil {
		return &cgroupsController{fs: fs, basePath: cgroupRoot, version: 2}, nil
	}
	if _, err := fs.Stat(filepath.Join(cgroupRoot, "memory")); err == nil {
		return &cgroupsController{fs: fs, basePath: filepath.Join(cgroupRoot, "memory"), version: 1}, nil
	}
	return nil, fmt.Errorf("cgroups not available")
}

func (c *cgroupsController) path(pid int) string {
	return filepath.Join(c.basePath, fmt.Sprintf("corral-%d", pid))
}

// setupMemoryLimit creates a cgroup capped at limit bytes and moves pid into it
func (c *cgroupsController) setupMemoryLimit(pid int, limit uint64) error {
	dir := c.path(pid)
	if err := c.fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create cgroup: %w", err)
	}

	value := []byte(strconv.FormatUint(limit, 10))
	if c.version == 2 {
		if err := afero.WriteFile(c.fs, filepath.Join(dir, "memory.max"), value, 0o644); err != nil {
			return fmt.Errorf("failed to set memory limit: %w", err)
		}
	} else {
		if err := afero.WriteFile(c.fs, filepath.Join(dir, "memory.limit_in_bytes"), value, 0o644); err != nil {
			return fmt.Errorf("failed to set memory limit: %w", err)
		}
		// memsw is absent when swap accounting is off
		_ = afero.WriteFile(c.fs, filepath.Join(dir, "memory.memsw.limit_in_bytes"), value, 0o644)
	}

	if err := afero.WriteFile(c.fs, filepath.Join(dir, "cgroup.procs"), []byte(strconv.Itoa(pid)), 0o644); err != nil {
		return fmt.Errorf("failed to add process to cgroup: %w", err)
	}
	return nil
}

// currentUsage reads the cgroup's memory usage in bytes
func (c *cgroupsController) currentUsage(pid int) (uint64, error) {
	usageFile := "memory.usage_in_bytes"
	if c.version == 2 {
		usageFile = "memory.current"
	}

	data, err := afero.ReadFile(c.fs, filepath.Join(c.path(pid), usageFile))
	if err != nil {
		return 0, fmt.Errorf("failed to read memory usage: %w", err)
	}
	used, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse memory usage: %w", err)
	}
	return used, nil
}

// cleanup removes the cgroup of an exited process
func (c *cgroupsController) cleanup(pid int) error {
	if err := c.fs.RemoveAll(c.path(pid)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove cgroup: %w", err)
	}
	return nil
}
