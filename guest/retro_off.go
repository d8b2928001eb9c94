//go:build !retro

package guest

const retro = false
