package utils

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// MeminfoPath is read by TotalMemory; swapped in tests.
var MeminfoPath = "/proc/meminfo"

// TotalMemory returns MemTotal from /proc/meminfo in bytes.
func TotalMemory() (int64, error) {
	f, err := os.Open(MeminfoPath)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", MeminfoPath, err)
	}
	defer f.Close() //nolint:errcheck

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 || fields[0] != "MemTotal:" {
			continue
		}
		kib, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parse MemTotal %q: %w", fields[1], err)
		}
		return kib << 10, nil
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("read %s: %w", MeminfoPath, err)
	}
	return 0, fmt.Errorf("MemTotal not found in %s", MeminfoPath)
}
