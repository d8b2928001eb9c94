package core

import (
	"context"
	"fmt"
	"os"
	"strings"

	units "github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/projecteru2/deploykit/config"
	"github.com/projecteru2/deploykit/errdefs"
	"github.com/projecteru2/deploykit/install"
	"github.com/projecteru2/deploykit/journal"
	"github.com/projecteru2/deploykit/lock/pidfile"
)

// BaseHandler provides shared config access for all command handlers.
type BaseHandler struct {
	ConfProvider func() *config.Config
}

// Init returns the command context and validated config in one call.
func (h BaseHandler) Init(cmd *cobra.Command) (context.Context, *config.Config, error) {
	conf, err := h.Conf()
	if err != nil {
		return nil, nil, err
	}
	return CommandContext(cmd), conf, nil
}

// Conf validates and returns the config. All handlers call this first.
func (h BaseHandler) Conf() (*config.Config, error) {
	if h.ConfProvider == nil {
		return nil, fmt.Errorf("config provider is nil")
	}
	conf := h.ConfProvider()
	if conf == nil {
		return nil, fmt.Errorf("config not initialized")
	}
	return conf, nil
}

// NewCommandContext is the root context of a CLI invocation.
func NewCommandContext() (context.Context, context.CancelFunc) {
	return context.WithCancel(context.Background())
}

// CommandContext returns command context, falling back to Background.
func CommandContext(cmd *cobra.Command) context.Context {
	if cmd != nil && cmd.Context() != nil {
		return cmd.Context()
	}
	return context.Background()
}

// InitInstaller wires an Installer to the on-disk journal and the instance
// lock under conf's directories.
func InitInstaller(conf *config.Config) (*install.Installer, *journal.Journal, error) {
	if err := conf.EnsureDirs(); err != nil {
		return nil, nil, errdefs.WithKind(err, errdefs.ErrInternal)
	}
	j := journal.New(conf)
	in := install.New(conf, install.Deps{
		Recorder: j,
		Lock:     pidfile.New(conf.PIDFile(), conf.PIDLock()),
	})
	return in, j, nil
}

// ReportError prints err and its hints the way the installer shows failures.
func ReportError(err error) {
	if kind := errdefs.KindOf(err); kind != "" {
		fmt.Fprintf(os.Stderr, "Error (%s): %v\n", kind, err)
	} else {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	if hints := errdefs.Hints(err); hints != "" {
		for _, line := range strings.Split(hints, "\n") {
			fmt.Fprintf(os.Stderr, "  %s\n", line)
		}
	}
}

func FormatSize(bytes int64) string {
	return units.BytesSize(float64(bytes))
}

// ParseSize accepts human sizes such as "4G" or "512MiB"; binary units.
func ParseSize(s string) (int64, error) {
	n, err := units.RAMInBytes(s)
	if err != nil {
		return 0, errdefs.Config("invalid size %q: %v", s, err)
	}
	return n, nil
}
