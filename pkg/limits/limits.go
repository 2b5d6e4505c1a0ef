// Package limits defines the version-neutral resource-limit value the
// cgroup controller translates into control-file writes.
package limits

import (
	"fmt"

	"github.com/docker/go-units"
)

// Spec describes caps on a container. All fields are non-negative; a zero
// field means "leave default" (no limit of that kind is written). Spec is
// immutable after construction — callers never mutate a Spec in place, they
// build a new one.
type Spec struct {
	// MemoryBytes is the memory ceiling, or 0 if unset.
	MemoryBytes int64
	// CPUShares is the share weight on a "1024 = nominal" scale, or 0 if unset.
	CPUShares int64
	// CPUQuotaUS is the runtime in microseconds allowed within a 100ms
	// period, or 0 if unset.
	CPUQuotaUS int64
	// PidsMax is the maximum live process count, or 0 if unset.
	PidsMax int64
}

// Validate rejects negative fields. A zero-value Spec is valid and means
// "no limits".
func (s Spec) Validate() error {
	switch {
	case s.MemoryBytes < 0:
		return fmt.Errorf("limits: memory must be non-negative, got %d", s.MemoryBytes)
	case s.CPUShares < 0:
		return fmt.Errorf("limits: cpu-shares must be non-negative, got %d", s.CPUShares)
	case s.CPUQuotaUS < 0:
		return fmt.Errorf("limits: cpu-quota-us must be non-negative, got %d", s.CPUQuotaUS)
	case s.PidsMax < 0:
		return fmt.Errorf("limits: pids-max must be non-negative, got %d", s.PidsMax)
	}
	return nil
}

// IsZero reports whether every field is unset, the "Limits off" scenario.
func (s Spec) IsZero() bool {
	return s == Spec{}
}

// ParseMemory parses a human-readable byte quantity such as "512m" or
// "1GiB" using the same grammar docker-cli accepts for --memory.
func ParseMemory(text string) (int64, error) {
	if text == "" {
		return 0, nil
	}
	n, err := units.RAMInBytes(text)
	if err != nil {
		return 0, fmt.Errorf("limits: invalid memory quantity %q: %w", text, err)
	}
	return n, nil
}

// CPUWeight converts a cgroup v1 share value onto the cgroup v2
// cpu.weight scale: weight = clamp(1, (shares*10000)/1024, 10000).
func CPUWeight(shares int64) int64 {
	if shares <= 0 {
		return 0
	}
	weight := (shares * 10000) / 1024
	switch {
	case weight < 1:
		return 1
	case weight > 10000:
		return 10000
	default:
		return weight
	}
}
