package sandbox

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/docker/go-units"

	"github.com/isdmx/runbox/errdefs"
)

const (
	// CPUPeriod is the CFS period used for every sandbox, in microseconds.
	CPUPeriod int64 = 100000
	// MinCPUQuota is the smallest quota container engines accept.
	MinCPUQuota int64 = 1000
)

// ParseLimits converts the requested cpu and memory strings into engine limits.
// cpu is a fractional core count ("0.5", "2"); memory accepts a size such as
// "512m" or "1g".
func ParseLimits(cpu, memory string) (Limits, error) {
	cpuValue, err := strconv.ParseFloat(strings.TrimSpace(cpu), 64)
	if err != nil {
		return Limits{}, errdefs.ResourceLimitInvalid("cpu", cpu, err)
	}
	if cpuValue <= 0 || math.IsInf(cpuValue, 0) || math.IsNaN(cpuValue) {
		return Limits{}, errdefs.ResourceLimitInvalid("cpu", cpu, fmt.Errorf("must be a positive number"))
	}

	quota := int64(math.Round(cpuValue * float64(CPUPeriod)))
	if quota < MinCPUQuota {
		return Limits{}, errdefs.ResourceLimitInvalid("cpu", cpu, fmt.Errorf("below minimum of %.2f cores", float64(MinCPUQuota)/float64(CPUPeriod)))
	}

	memoryBytes, err := units.RAMInBytes(strings.TrimSpace(memory))
	if err != nil {
		return Limits{}, errdefs.ResourceLimitInvalid("memory", memory, err)
	}
	if memoryBytes <= 0 {
		return Limits{}, errdefs.ResourceLimitInvalid("memory", memory, fmt.Errorf("must be positive"))
	}

	return Limits{
		CPU:         cpu,
		Memory:      memory,
		CPUQuota:    quota,
		CPUPeriod:   CPUPeriod,
		MemoryBytes: memoryBytes,
	}, nil
}
