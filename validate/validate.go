// Package validate checks user-supplied install settings before anything
// touches the disk. Every rejection is a ConfigError.
package validate

import (
	"strings"

	units "github.com/docker/go-units"

	"github.com/projecteru2/deploykit/errdefs"
	"github.com/projecteru2/deploykit/types"
)

// Username accepts a lowercase letter followed by lowercase letters or
// digits. "root" is reserved.
func Username(name string) error {
	if name == "" {
		return errdefs.Config("username must not be empty")
	}
	if name == "root" {
		return errdefs.Config("username %q is reserved", name)
	}
	if c := name[0]; c < 'a' || c > 'z' {
		return errdefs.Config("username %q must start with a lowercase letter", name)
	}
	for i := 1; i < len(name); i++ {
		if !isLowerOrDigit(name[i]) {
			return errdefs.Config("username %q may only contain lowercase letters and digits", name)
		}
	}
	return nil
}

// Hostname accepts [a-z0-9-] not starting with '-'.
func Hostname(name string) error {
	if name == "" {
		return errdefs.Config("hostname must not be empty")
	}
	if name[0] == '-' {
		return errdefs.Config("hostname %q must not start with '-'", name)
	}
	for i := 0; i < len(name); i++ {
		if c := name[i]; !isLowerOrDigit(c) && c != '-' {
			return errdefs.Config("hostname %q may only contain lowercase letters, digits and '-'", name)
		}
	}
	return nil
}

// FullName rejects the passwd field separator and newlines, either of which
// would corrupt the account database record.
func FullName(name string) error {
	if strings.ContainsAny(name, ":\n") {
		return errdefs.Config("full name must not contain ':' or a newline")
	}
	return nil
}

// Space checks the target partition can hold the unpacked release plus the
// download staged on it (twice, to cover decoder scratch and fragmentation).
func Space(part types.Partition, variant types.ReleaseVariant) error {
	need := variant.InstallSize + 2*variant.Size
	if part.Size < need {
		return errdefs.Config("partition %s is too small: %s available, %s required",
			part.Path, units.BytesSize(float64(part.Size)), units.BytesSize(float64(need)))
	}
	return nil
}

// Config runs every user-facing check on an assembled InstallConfig. The
// partition is usually known only by path at this point, so its size is
// checked with Space once it has been probed.
func Config(cfg *types.InstallConfig) error {
	if err := Username(cfg.User.Name); err != nil {
		return err
	}
	if cfg.User.Password == "" {
		return errdefs.Config("password must not be empty")
	}
	if err := FullName(cfg.User.FullName); err != nil {
		return err
	}
	if err := Hostname(cfg.Hostname); err != nil {
		return err
	}
	if cfg.AutoPartition && cfg.Partition.Parent == "" {
		return errdefs.Config("no target device selected")
	}
	if !cfg.AutoPartition && cfg.Partition.Path == "" {
		return errdefs.Config("no target partition selected")
	}
	if cfg.Variant.SHA256 == "" || cfg.Variant.RelativePath == "" || cfg.Mirror.URL == "" {
		return errdefs.Config("no release selected")
	}
	return nil
}

func isLowerOrDigit(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9')
}
