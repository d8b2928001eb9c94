package guest

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"encoding/pem"
	"fmt"
	"os"

	"github.com/projecteru2/core/log"
	"golang.org/x/crypto/ssh"
)

const (
	sshDir  = "/etc/ssh"
	rsaBits = 3072
)

// HostKeyTypes are generated in this order, matching ssh-keygen -A.
var HostKeyTypes = []string{"rsa", "ecdsa", "ed25519"}

// SSHHostKeys creates the missing OpenSSH host key pairs under /etc/ssh.
// Existing keys are kept.
func (p *Provisioner) SSHHostKeys(ctx context.Context) error {
	logger := log.WithFunc("guest.SSHHostKeys")
	if retro {
		logger.Infof(ctx, "retro build: skipping SSH host keys")
		return nil
	}
	for _, kind := range HostKeyTypes {
		name := fmt.Sprintf("%s/ssh_host_%s_key", sshDir, kind)
		if _, err := os.Stat(p.path(name)); err == nil {
			logger.Infof(ctx, "%s exists, keeping it", name)
			continue
		}
		key, err := newHostKey(kind)
		if err != nil {
			return fmt.Errorf("generate %s key: %w", kind, err)
		}
		if err := p.writeHostKey(name, key); err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
		logger.Infof(ctx, "generated %s", name)
	}
	return nil
}

func newHostKey(kind string) (crypto.Signer, error) {
	switch kind {
	case "rsa":
		return rsa.GenerateKey(rand.Reader, rsaBits)
	case "ecdsa":
		return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	case "ed25519":
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		return priv, err
	default:
		return nil, fmt.Errorf("unknown key type %q", kind)
	}
}

func (p *Provisioner) writeHostKey(name string, key crypto.Signer) error {
	block, err := ssh.MarshalPrivateKey(key, "root@localhost")
	if err != nil {
		return err
	}
	pub, err := ssh.NewPublicKey(key.Public())
	if err != nil {
		return err
	}
	if err := p.writeFile(name, string(pem.EncodeToMemory(block)), 0o600); err != nil {
		return err
	}
	return p.writeFile(name+".pub", string(ssh.MarshalAuthorizedKey(pub)), 0o644) //nolint:gosec // public key
}
