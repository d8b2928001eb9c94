package pidfile

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/projecteru2/deploykit/utils"
)

// writePID records pid in decimal, replacing path atomically so a reader
// never sees a half-written file.
func writePID(path string, pid int) error {
	return utils.AtomicWriteFile(path, []byte(strconv.Itoa(pid)+"\n"), 0o644) //nolint:gosec // readable by status tools
}

func readPID(path string) (int, error) {
	data, err := os.ReadFile(path) //nolint:gosec // runtime lock path
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("%s does not hold a PID: %q", path, strings.TrimSpace(string(data)))
	}
	return pid, nil
}

// processAlive probes pid with signal 0. EPERM still means the process
// exists.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
