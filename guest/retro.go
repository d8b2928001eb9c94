//go:build retro

package guest

// retro builds target low-resource machines: no initramfs, no SSH host keys.
const retro = true
