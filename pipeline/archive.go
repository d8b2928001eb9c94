package pipeline

import (
	"bufio"
	"io"
	"net/url"
	"path"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
	"github.com/ulikunitz/xz"

	"github.com/projecteru2/deploykit/errdefs"
)

// ArchiveKind is the closed set of release formats.
type ArchiveKind int

const (
	TarCompressed ArchiveKind = iota + 1 // streaming tar behind a compressor
	SquashImage                          // squashfs filesystem image
)

func (k ArchiveKind) String() string {
	switch k {
	case TarCompressed:
		return "tar"
	case SquashImage:
		return "squashfs"
	default:
		return "unknown"
	}
}

// Compression of a TarCompressed archive.
type Compression int

const (
	NoCompression Compression = iota
	XZ
	Gzip
	Zstd
)

// Archive is the format of a release, selected once from its URL.
type Archive struct {
	Kind        ArchiveKind
	Compression Compression
}

var suffixes = []struct {
	suffix  string
	archive Archive
}{
	{".tar.xz", Archive{TarCompressed, XZ}},
	{".txz", Archive{TarCompressed, XZ}},
	{".tar.gz", Archive{TarCompressed, Gzip}},
	{".tgz", Archive{TarCompressed, Gzip}},
	{".tar.zst", Archive{TarCompressed, Zstd}},
	{".squashfs", Archive{Kind: SquashImage}},
	{".sfs", Archive{Kind: SquashImage}},
}

// DetectArchive selects the archive format from the suffix of src, which
// may be a URL (query and fragment are ignored) or a path.
func DetectArchive(src string) (Archive, error) {
	name := src
	if u, err := url.Parse(src); err == nil && u.Path != "" {
		name = u.Path
	}
	name = strings.ToLower(path.Base(name))
	for _, s := range suffixes {
		if strings.HasSuffix(name, s.suffix) {
			return s.archive, nil
		}
	}
	return Archive{}, errdefs.Internal("unsupported release archive format: %s", path.Base(name))
}

// decompress wraps r with the decoder for c. The returned closer releases
// decoder resources and must be called once reading is done.
func decompress(r io.Reader, c Compression) (io.Reader, func(), error) {
	switch c {
	case XZ:
		xr, err := xz.NewReader(bufio.NewReader(r))
		if err != nil {
			return nil, nil, errdefs.WithKind(err, errdefs.ErrInternal)
		}
		return xr, func() {}, nil
	case Gzip:
		gr, err := pgzip.NewReader(r)
		if err != nil {
			return nil, nil, errdefs.WithKind(err, errdefs.ErrInternal)
		}
		return gr, func() { gr.Close() }, nil //nolint:errcheck,gosec
	case Zstd:
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, nil, errdefs.WithKind(err, errdefs.ErrInternal)
		}
		return zr, zr.Close, nil
	default:
		return r, func() {}, nil
	}
}
