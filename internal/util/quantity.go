package util

import (
	"fmt"
	"math"
	"strings"
)

// ParseMemory converts a memory string (e.g., "2G", "512M") to MiB.
// A bare number is taken as bytes. An empty string yields 0.
func ParseMemory(memory string) (int, error) {
	memory = strings.TrimSpace(memory)
	if memory == "" {
		return 0, nil
	}

	var value float64
	var unit string
	n, err := fmt.Sscanf(memory, "%f%s", &value, &unit)
	if err != nil && n == 0 {
		return 0, fmt.Errorf("invalid memory value: %s", memory)
	}
	if value < 0 {
		return 0, fmt.Errorf("negative memory value: %s", memory)
	}
	if n == 1 {
		return int(value / (1024 * 1024)), nil
	}

	switch strings.ToUpper(strings.TrimSpace(unit)) {
	case "B":
		return int(value / (1024 * 1024)), nil
	case "K", "KB", "KI", "KIB":
		return int(value / 1024), nil
	case "M", "MB", "MI", "MIB":
		return int(value), nil
	case "G", "GB", "GI", "GIB":
		return int(value * 1024), nil
	case "T", "TB", "TI", "TIB":
		return int(value * 1024 * 1024), nil
	default:
		return 0, fmt.Errorf("unknown memory unit: %s", unit)
	}
}

// ParseCPUs converts a CPU quantity such as "4" or "1.5" to a whole core
// count, rounding up. An empty string yields 0.
func ParseCPUs(cpus string) (int, error) {
	cpus = strings.TrimSpace(cpus)
	if cpus == "" {
		return 0, nil
	}
	var count float64
	if _, err := fmt.Sscanf(cpus, "%f", &count); err != nil {
		return 0, fmt.Errorf("invalid CPU value: %s", cpus)
	}
	if count <= 0 {
		return 0, fmt.Errorf("CPU value must be positive: %s", cpus)
	}
	return int(math.Ceil(count)), nil
}
