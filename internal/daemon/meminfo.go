package daemon

import (
	"bufio"
	"os"
	"strconv"
	"strings"
)

const procMemInfo = "/proc/meminfo"

// availableMemoryPercent reads /proc/meminfo and returns available memory
// as a percentage of total. Returns ok=false when the file is missing or
// malformed (non-Linux hosts, restricted containers); callers treat an
// unknown reading as "do not block spawning".
func availableMemoryPercent(memInfoPath string) (int, bool) {
	f, err := os.Open(memInfoPath)
	if err != nil {
		return 0, false
	}
	defer f.Close()

	var totalKB, availKB uint64
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		// Expected format: ["MemTotal:", "1234", "kB"]
		parts := strings.Fields(scanner.Text())
		if len(parts) < 2 {
			continue
		}
		v, err := strconv.ParseUint(parts[1], 10, 64)
		if err != nil {
			continue
		}
		switch parts[0] {
		case "MemTotal:":
			totalKB = v
		case "MemAvailable:":
			availKB = v
		}
		if totalKB > 0 && availKB > 0 {
			break
		}
	}
	if totalKB == 0 || availKB == 0 {
		return 0, false
	}
	return int(availKB * 100 / totalKB), true
}
