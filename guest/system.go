package guest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/deploykit/errdefs"
	"github.com/projecteru2/deploykit/swap"
	"github.com/projecteru2/deploykit/sysexec"
)

const (
	fstabFile   = "/etc/fstab"
	localtime   = "/etc/localtime"
	zoneinfoDir = "/usr/share/zoneinfo"
	adjtimeFile = "/etc/adjtime"
	hostnameF   = "/etc/hostname"
	localeConf  = "/etc/locale.conf"
)

// SwapEntry appends the swapfile line to /etc/fstab unless it is there.
func (p *Provisioner) SwapEntry() error {
	target := p.path(fstabFile)
	data, err := os.ReadFile(target) //nolint:gosec // target system file
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	for _, line := range strings.Split(string(data), "\n") {
		if fields := strings.Fields(line); len(fields) > 0 && fields[0] == swap.File {
			return nil
		}
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil { //nolint:gosec // /etc
		return err
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644) //nolint:gosec // fstab is world-readable
	if err != nil {
		return err
	}
	if len(data) > 0 && !strings.HasSuffix(string(data), "\n") {
		if _, err := f.WriteString("\n"); err != nil {
			f.Close() //nolint:errcheck,gosec
			return err
		}
	}
	if _, err := f.WriteString(swap.FstabEntry); err != nil {
		f.Close() //nolint:errcheck,gosec
		return err
	}
	return f.Close()
}

// Timezone points /etc/localtime at the zoneinfo file of zone.
func (p *Provisioner) Timezone(zone string) error {
	clean := path.Clean("/" + zone)[1:]
	if zone == "" || clean != zone {
		return errdefs.Config("invalid timezone %q", zone)
	}
	source := path.Join(zoneinfoDir, zone)
	if _, err := os.Stat(p.path(source)); err != nil {
		return errdefs.WithHint(errdefs.Config("unknown timezone %q", zone), "Timezones are named after "+zoneinfoDir+", e.g. Asia/Shanghai or UTC.")
	}
	target := p.path(localtime)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil { //nolint:gosec // /etc
		return err
	}
	if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
		return err
	}
	return os.Symlink(source, target)
}

// clockIsLocal reads the mode line of /etc/adjtime. A missing file or
// unexpected content means UTC.
func (p *Provisioner) clockIsLocal() (bool, error) {
	data, err := os.ReadFile(p.path(adjtimeFile)) //nolint:gosec // target system file
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	lines := strings.Split(string(data), "\n")
	return len(lines) >= 3 && strings.TrimSpace(lines[2]) == "LOCAL", nil //nolint:mnd // third line is the mode
}

// HardwareClock switches the RTC between UTC and local time with hwclock,
// doing nothing if /etc/adjtime already records the wanted mode.
func (p *Provisioner) HardwareClock(ctx context.Context, local bool) error {
	current, err := p.clockIsLocal()
	if err != nil {
		return fmt.Errorf("read %s: %w", adjtimeFile, err)
	}
	if current == local {
		return nil
	}
	flag := "-u"
	if local {
		flag = "-l"
	}
	log.WithFunc("guest.HardwareClock").Infof(ctx, "hwclock %s", flag)
	_, err = p.Runner.Run(ctx, sysexec.Command("hwclock", flag))
	return err
}

// Hostname writes /etc/hostname.
func (p *Provisioner) Hostname(name string) error {
	return p.writeFile(hostnameF, name, 0o644) //nolint:gosec // world-readable
}

// Locale writes /etc/locale.conf.
func (p *Provisioner) Locale(locale string) error {
	return p.writeFile(localeConf, "LANG="+locale, 0o644) //nolint:gosec // world-readable
}
