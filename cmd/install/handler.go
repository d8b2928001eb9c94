package install

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mattn/go-isatty"
	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	cmdcore "github.com/projecteru2/deploykit/cmd/core"
	"github.com/projecteru2/deploykit/disk"
	"github.com/projecteru2/deploykit/errdefs"
	installer "github.com/projecteru2/deploykit/install"
	"github.com/projecteru2/deploykit/progress"
	installprogress "github.com/projecteru2/deploykit/progress/install"
	"github.com/projecteru2/deploykit/sysexec"
	"github.com/projecteru2/deploykit/types"
)

type Handler struct {
	cmdcore.BaseHandler
}

func (h Handler) Install(cmd *cobra.Command, args []string) error {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}
	logger := log.WithFunc("cmd.install")

	cfg, err := configFromFlags(ctx, cmd, args)
	if err != nil {
		return err
	}
	in, _, err := cmdcore.InitInstaller(conf)
	if err != nil {
		return err
	}

	events := make(chan installprogress.Event, 16) //nolint:mnd
	done := make(chan struct{})
	r := newRenderer(os.Stdout, isatty.IsTerminal(os.Stdout.Fd()))
	drained := r.pump(events, done)

	cancel := make(chan struct{})
	stopSignals := forwardSignals(ctx, cancel)
	defer stopSignals()

	// After done, an abandoned install goroutine's events are dropped.
	err = in.Start(ctx, cfg, progress.NewChanTracker(events, done), cancel).Wait()
	close(done)
	<-drained
	r.finish()
	if err != nil {
		return err
	}
	fmt.Println("Installation finished.")

	if reboot, _ := cmd.Flags().GetBool("reboot"); reboot {
		logger.Infof(ctx, "rebooting")
		return installer.Reboot(ctx)
	}
	return nil
}

// forwardSignals closes cancel on the first SIGINT or SIGTERM.
func forwardSignals(ctx context.Context, cancel chan<- struct{}) func() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	stop := make(chan struct{})
	go func() {
		select {
		case sig := <-sigCh:
			log.WithFunc("cmd.install").Warnf(ctx, "received %s, cancelling", sig)
			fmt.Fprintln(os.Stderr, "\nCancelling, please wait for cleanup...")
			close(cancel)
		case <-stop:
		}
	}()
	return func() {
		signal.Stop(sigCh)
		close(stop)
	}
}

func configFromFlags(ctx context.Context, cmd *cobra.Command, args []string) (types.InstallConfig, error) {
	flags := cmd.Flags()
	str := func(name string) string { v, _ := flags.GetString(name); return v }
	flag := func(name string) bool { v, _ := flags.GetBool(name); return v }

	cfg := types.InstallConfig{
		Variant: types.ReleaseVariant{
			Name:         str("variant"),
			SHA256:       str("sha256"),
			RelativePath: str("path"),
		},
		Mirror:        types.MirrorEndpoint{Name: "cli", URL: str("mirror")},
		User:          types.User{Name: str("user"), Password: str("password"), FullName: str("full-name")},
		Hostname:      str("hostname"),
		Locale:        str("locale"),
		Timezone:      str("timezone"),
		RTCLocal:      flag("rtc-local"),
		AutoPartition: flag("auto-partition"),
		Reformat:      flag("reformat"),
		Swap:          types.Swap{Enabled: !flag("no-swap")},
	}

	var err error
	if cfg.Variant.Size, err = cmdcore.ParseSize(str("size")); err != nil {
		return cfg, err
	}
	if cfg.Variant.InstallSize, err = cmdcore.ParseSize(str("install-size")); err != nil {
		return cfg, err
	}
	if s := str("swap-size"); s != "" && cfg.Swap.Enabled {
		if cfg.Swap.Size, err = cmdcore.ParseSize(s); err != nil {
			return cfg, err
		}
	}

	if len(args) > 0 {
		cfg.Partition.Path = args[0]
	}
	cfg.Partition.Parent = str("device")
	switch {
	case cfg.AutoPartition && cfg.Partition.Parent == "":
		return cfg, errdefs.Config("--auto-partition needs --device")
	case !cfg.AutoPartition && cfg.Partition.Path == "":
		return cfg, errdefs.Config("no target partition given")
	case cfg.Partition.Parent == "":
		parent, err := disk.Lsblk{Runner: sysexec.Exec{}}.Parent(ctx, cfg.Partition.Path)
		if err != nil {
			return cfg, err
		}
		cfg.Partition.Parent = parent
	}

	if cfg.User.Password == "" {
		if cfg.User.Password, err = promptPassword(); err != nil {
			return cfg, err
		}
	}
	return cfg, nil
}

func promptPassword() (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errdefs.Config("no --password given and stdin is not a terminal")
	}
	fmt.Fprint(os.Stderr, "Password: ")
	first, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	fmt.Fprint(os.Stderr, "Confirm password: ")
	second, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	if string(first) != string(second) {
		return "", errdefs.Config("passwords do not match")
	}
	return string(first), nil
}
