package guest

import (
	"context"
	"fmt"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/deploykit/sysexec"
	"github.com/projecteru2/deploykit/types"
	"github.com/projecteru2/deploykit/validate"
)

// Groups the primary user joins.
const Groups = "audio,cdrom,video,wheel"

// AddUser creates the account with a home directory and bash, adds it to
// Groups and sets its password through chpasswd's standard input.
func (p *Provisioner) AddUser(ctx context.Context, u types.User) error {
	if err := validate.Username(u.Name); err != nil {
		return err
	}
	if _, err := p.Runner.Run(ctx, sysexec.Command("useradd", "-m", "-s", "/bin/bash", u.Name)); err != nil {
		return err
	}
	if _, err := p.Runner.Run(ctx, sysexec.Command("usermod", "-aG", Groups, u.Name)); err != nil {
		return err
	}
	stdin := fmt.Appendf(nil, "%s:%s\n", u.Name, u.Password)
	if _, err := p.Runner.Run(ctx, sysexec.Command("chpasswd").WithStdin(stdin)); err != nil {
		return err
	}
	log.WithFunc("guest.AddUser").Infof(ctx, "created user %s", u.Name)
	return nil
}

// SetFullName stores the GECOS comment of an account.
func (p *Provisioner) SetFullName(ctx context.Context, user, fullName string) error {
	if err := validate.FullName(fullName); err != nil {
		return err
	}
	_, err := p.Runner.Run(ctx, sysexec.Command("usermod", "-c", fullName, user))
	return err
}
