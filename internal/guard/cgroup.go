package guard

import (
	"os"
	"strconv"
	"strings"
)

// detectCgroupMemoryLimit reads the container memory limit from cgroup v2
// first, falling back to v1. Returns 0 with no error when no limit file is
// present (bare metal, or a cgroup without a memory ceiling set) — adapted
// from the teacher's getMemoryLimit (src/cgroup.go).
func detectCgroupMemoryLimit() (int64, error) {
	if data, err := os.ReadFile("/sys/fs/cgroup/memory.max"); err == nil {
		limitStr := strings.TrimSpace(string(data))
		if limitStr != "max" {
			return strconv.ParseInt(limitStr, 10, 64)
		}
		return 0, nil
	}

	if data, err := os.ReadFile("/sys/fs/cgroup/memory/memory.limit_in_bytes"); err == nil {
		return strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	}

	return 0, nil
}
