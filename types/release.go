package types

import (
	"runtime"
	"strings"
)

// ReleaseVariant is one downloadable system release. Immutable once selected.
type ReleaseVariant struct {
	Name         string `json:"name"`
	Size         int64  `json:"size"`         // compressed download size, bytes
	InstallSize  int64  `json:"install_size"` // unpacked size, bytes
	Date         string `json:"date,omitempty"`
	SHA256       string `json:"sha256sum"`
	RelativePath string `json:"path"` // relative to the mirror base URL
}

// MirrorEndpoint is a download mirror.
type MirrorEndpoint struct {
	Name     string `json:"name"`
	Location string `json:"loc,omitempty"`
	URL      string `json:"url"`
}

// ResolveURL joins the mirror base URL and a release-relative path.
func (m MirrorEndpoint) ResolveURL(rel string) string {
	return strings.TrimSuffix(m.URL, "/") + "/" + strings.TrimPrefix(rel, "/")
}

var archNames = map[string]string{
	"amd64":    "amd64",
	"arm64":    "arm64",
	"riscv64":  "riscv64",
	"loong64":  "loongarch64",
	"mips64le": "loongson3",
	"ppc64le":  "ppc64el",
	"386":      "i486",
}

// ReleaseArch maps a Go architecture name to the release architecture name.
// Returns "" for architectures without published releases.
func ReleaseArch(goarch string) string {
	return archNames[goarch]
}

// HostArch is ReleaseArch for the running binary.
func HostArch() string {
	return ReleaseArch(runtime.GOARCH)
}
