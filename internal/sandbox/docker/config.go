package docker

import (
	"fmt"
	"time"
)

// Config holds the resource ceilings applied to every sandbox container.
// They are fixed for the process lifetime and never set per request.
type Config struct {
	// MemoryLimit is the maximum amount of memory a container can use (in bytes).
	// Swap is capped at the same value, so the container cannot swap.
	MemoryLimit int64
	// CPULimit is the number of CPUs a container can use.
	CPULimit float64
	// PidsLimit caps the number of processes, which stops fork bombs.
	PidsLimit int64
	// User is the uid:gid the sandboxed process runs as.
	User string
	// TmpfsSize is the size of the writable /tmp mount, in docker tmpfs syntax.
	TmpfsSize string
	// OutputLimit caps captured stdout and stderr separately (in bytes).
	OutputLimit int
	// MaxSandboxes is the number of containers allowed to exist at once.
	MaxSandboxes int
	// StopTimeout bounds teardown calls made after the invocation finished.
	StopTimeout time.Duration
}

// DefaultConfig provides conservative defaults for untrusted code.
func DefaultConfig() Config {
	return Config{
		// 512 MB memory limit
		MemoryLimit: 512 * 1024 * 1024,
		// half of one core
		CPULimit:     0.5,
		PidsLimit:    128,
		User:         "65534:65534",
		TmpfsSize:    "256m",
		OutputLimit:  1024 * 1024,
		MaxSandboxes: 4,
		StopTimeout:  10 * time.Second,
	}
}

// Validate reports the first unusable value.
func (c Config) Validate() error {
	switch {
	case c.MemoryLimit < 6*1024*1024:
		return fmt.Errorf("docker: memory limit %d is below the 6MB docker minimum", c.MemoryLimit)
	case c.CPULimit <= 0:
		return fmt.Errorf("docker: cpu limit must be positive, got %v", c.CPULimit)
	case c.PidsLimit <= 0:
		return fmt.Errorf("docker: pids limit must be positive, got %d", c.PidsLimit)
	case c.OutputLimit <= 0:
		return fmt.Errorf("docker: output limit must be positive, got %d", c.OutputLimit)
	case c.MaxSandboxes <= 0:
		return fmt.Errorf("docker: max sandboxes must be positive, got %d", c.MaxSandboxes)
	}
	return nil
}
