package install

import (
	"context"

	"github.com/projecteru2/core/log"
	"golang.org/x/sys/unix"
)

// Reboot flushes filesystem buffers and restarts the machine.
func Reboot(ctx context.Context) error {
	log.WithFunc("install.Reboot").Infof(ctx, "rebooting")
	unix.Sync()
	return unix.Reboot(unix.LINUX_REBOOT_CMD_RESTART)
}
