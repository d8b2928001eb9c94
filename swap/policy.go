// Package swap sizes, creates and tears down the on-target swapfile.
package swap

import (
	"math"

	units "github.com/docker/go-units"

	"github.com/projecteru2/deploykit/errdefs"
)

// Recommended returns the recommended swap size in bytes for mem bytes of RAM:
// twice the memory up to 1GiB, memory plus its rounded square root above.
func Recommended(mem int64) int64 {
	if mem <= units.GiB {
		return 2 * mem
	}
	return mem + int64(math.Round(math.Sqrt(float64(mem))))
}

// Hibernation reports whether a swap of size bytes can hold a hibernation
// image on a host with mem bytes of RAM. Sizes in [recommended-mem,
// recommended) are usable as plain swap; smaller sizes are a ConfigError.
func Hibernation(size, mem int64) (bool, error) {
	rec := Recommended(mem)
	switch {
	case size >= rec:
		return true, nil
	case size >= rec-mem:
		return false, nil
	default:
		return false, errdefs.Config("size too small, minimum %d GiB", MinimumGiB(mem))
	}
}

// MinimumGiB is round(recommended / 2^30), the figure quoted to the user.
func MinimumGiB(mem int64) int64 {
	return int64(math.Round(float64(Recommended(mem)) / float64(units.GiB)))
}
