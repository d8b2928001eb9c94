package pipeline

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/projecteru2/core/log"
	"golang.org/x/sys/unix"

	"github.com/projecteru2/deploykit/errdefs"
	installprogress "github.com/projecteru2/deploykit/progress/install"
)

const xattrPrefix = "SCHILY.xattr."

// Extract unpacks the verified archive into root, reporting progress by the
// compressed bytes the decoder has consumed.
func (p *Pipeline) Extract(ctx context.Context, archivePath, root string, a Archive, st *State) error {
	logger := log.WithFunc("pipeline.Extract")

	info, err := os.Stat(archivePath)
	if err != nil {
		return errdefs.WithKind(fmt.Errorf("stat %s: %w", archivePath, err), errdefs.ErrInternal)
	}
	logger.Infof(ctx, "extracting %s (%s) into %s", archivePath, a.Kind, root)

	actx, stop := context.WithCancel(ctx)
	defer stop()
	go func() {
		var err error
		switch a.Kind {
		case TarCompressed:
			err = extractTar(actx, archivePath, root, a.Compression, st)
		case SquashImage:
			err = p.extractSquash(actx, archivePath, root, info.Size(), st)
		default:
			err = errdefs.Internal("unsupported archive kind %d", a.Kind)
		}
		if st.report(err) == nil {
			advance(&st.extracted, info.Size())
			st.extractDone.Store(true)
		}
	}()

	return p.poll(ctx, st, installprogress.StageExtract, info.Size(), st.Extracted, st.ExtractDone)
}

// countingReader advances the extracted counter as the decoder reads.
type countingReader struct {
	r  io.Reader
	st *State
}

func (c countingReader) Read(b []byte) (int, error) {
	n, err := c.r.Read(b)
	c.st.extracted.Add(int64(n))
	return n, err
}

func extractTar(ctx context.Context, archivePath, root string, c Compression, st *State) error {
	f, err := os.Open(archivePath) //nolint:gosec // archive path is installer-managed
	if err != nil {
		return errdefs.WithKind(fmt.Errorf("open %s: %w", archivePath, err), errdefs.ErrInternal)
	}
	defer f.Close() //nolint:errcheck

	r, closeDecoder, err := decompress(countingReader{r: f, st: st}, c)
	if err != nil {
		return fmt.Errorf("open decoder: %w", err)
	}
	defer closeDecoder()

	return unpack(ctx, tar.NewReader(r), root)
}

type dirMeta struct {
	path  string
	mtime time.Time
}

// unpack restores every entry of tr under root: contents, permissions,
// ownership, extended attributes and modification times. Directory times are
// applied last because writing their children changes them.
func unpack(ctx context.Context, tr *tar.Reader, root string) error {
	resolved, err := filepath.EvalSymlinks(filepath.Clean(root))
	if err != nil {
		return errdefs.WithKind(fmt.Errorf("resolve %s: %w", root, err), errdefs.ErrInternal)
	}
	root = resolved
	var dirs []dirMeta
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return errdefs.WithKind(fmt.Errorf("read archive: %w", err), errdefs.ErrInternal)
		}
		target, err := entryPath(root, hdr.Name)
		if err != nil {
			return err
		}
		if target == root && hdr.Typeflag != tar.TypeDir {
			continue
		}
		if err := writeEntry(ctx, tr, hdr, root, target); err != nil {
			return errdefs.WithKind(fmt.Errorf("extract %s: %w", hdr.Name, err), errdefs.ErrInternal)
		}
		if hdr.Typeflag == tar.TypeDir {
			dirs = append(dirs, dirMeta{path: target, mtime: hdr.ModTime})
		}
	}
	for i := len(dirs) - 1; i >= 0; i-- {
		if err := setTimes(dirs[i].path, dirs[i].mtime); err != nil {
			return errdefs.WithKind(fmt.Errorf("set times of %s: %w", dirs[i].path, err), errdefs.ErrInternal)
		}
	}
	return nil
}

// entryPath maps an archive member name into root, refusing names that climb
// out of it.
func entryPath(root, name string) (string, error) {
	clean := filepath.Clean("/" + name)
	target := filepath.Join(root, clean)
	if target != root && !strings.HasPrefix(target, root+string(filepath.Separator)) {
		return "", errdefs.Internal("archive member %q escapes the target root", name)
	}
	return target, nil
}

// confined reports an error when the deepest existing ancestor of path (path
// itself included) resolves outside root. Anything below that ancestor is
// created as plain directories, so the write stays inside root. root must be
// free of symlinks.
func confined(root, path string) error {
	existing := path
	for existing != root {
		_, err := os.Lstat(existing)
		if err == nil {
			break
		}
		if !os.IsNotExist(err) {
			return err
		}
		existing = filepath.Dir(existing)
	}
	resolved, err := filepath.EvalSymlinks(existing)
	if err != nil {
		return err
	}
	if resolved != root && !strings.HasPrefix(resolved, root+string(filepath.Separator)) {
		return fmt.Errorf("%s resolves to %s, outside the target root", existing, resolved)
	}
	return nil
}

func writeEntry(ctx context.Context, tr *tar.Reader, hdr *tar.Header, root, target string) error {
	mode := os.FileMode(hdr.Mode).Perm() | tarSpecialBits(hdr.Mode) //nolint:gosec // tar modes fit in 32 bits

	// A directory entry is chmodded in place, so its own path is checked too.
	guarded := filepath.Dir(target)
	if hdr.Typeflag == tar.TypeDir {
		guarded = target
	}
	if err := confined(root, guarded); err != nil {
		return err
	}

	if hdr.Typeflag != tar.TypeDir {
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil { //nolint:gosec // parent modes are fixed up by their own entries
			return err
		}
		if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
			return err
		}
	}

	switch hdr.Typeflag {
	case tar.TypeDir:
		if err := os.MkdirAll(target, 0o755); err != nil { //nolint:gosec // mode applied below
			return err
		}
	case tar.TypeReg, tar.TypeRegA: //nolint:staticcheck // old archives still use TypeRegA
		out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600) //nolint:gosec // mode applied below
		if err != nil {
			return err
		}
		if _, err := io.Copy(out, tr); err != nil { //nolint:gosec // release archives are checksum-verified
			out.Close() //nolint:errcheck,gosec
			return err
		}
		if err := out.Close(); err != nil {
			return err
		}
	case tar.TypeSymlink:
		if err := os.Symlink(hdr.Linkname, target); err != nil {
			return err
		}
	case tar.TypeLink:
		src, err := entryPath(root, hdr.Linkname)
		if err != nil {
			return err
		}
		if err := confined(root, filepath.Dir(src)); err != nil {
			return err
		}
		if err := os.Link(src, target); err != nil {
			return err
		}
		// A hard link shares the inode already restored.
		return nil
	case tar.TypeChar, tar.TypeBlock, tar.TypeFifo:
		dev := int(unix.Mkdev(uint32(hdr.Devmajor), uint32(hdr.Devminor))) //nolint:gosec // device numbers fit
		if err := unix.Mknod(target, nodeType(hdr.Typeflag)|uint32(hdr.Mode&0o7777), dev); err != nil { //nolint:gosec // mode bits fit
			return err
		}
	case tar.TypeXGlobalHeader:
		return nil
	default:
		log.WithFunc("pipeline.unpack").Warnf(ctx, "skipping %s: unsupported tar type %q", hdr.Name, hdr.Typeflag)
		return nil
	}

	if err := unix.Lchown(target, hdr.Uid, hdr.Gid); err != nil {
		return fmt.Errorf("chown: %w", err)
	}
	if hdr.Typeflag != tar.TypeSymlink {
		// chown clears setuid/setgid, so the mode goes on afterwards.
		if err := os.Chmod(target, mode); err != nil {
			return fmt.Errorf("chmod: %w", err)
		}
	}
	for key, value := range hdr.PAXRecords {
		name, ok := strings.CutPrefix(key, xattrPrefix)
		if !ok {
			continue
		}
		if err := unix.Lsetxattr(target, name, []byte(value), 0); err != nil {
			return fmt.Errorf("set xattr %s: %w", name, err)
		}
	}
	if hdr.Typeflag == tar.TypeDir {
		return nil
	}
	return setTimes(target, hdr.ModTime)
}

func tarSpecialBits(m int64) os.FileMode {
	var mode os.FileMode
	if m&0o4000 != 0 {
		mode |= os.ModeSetuid
	}
	if m&0o2000 != 0 {
		mode |= os.ModeSetgid
	}
	if m&0o1000 != 0 {
		mode |= os.ModeSticky
	}
	return mode
}

func nodeType(flag byte) uint32 {
	switch flag {
	case tar.TypeChar:
		return unix.S_IFCHR
	case tar.TypeBlock:
		return unix.S_IFBLK
	default:
		return unix.S_IFIFO
	}
}

func setTimes(path string, mtime time.Time) error {
	if mtime.IsZero() {
		return nil
	}
	ts := unix.NsecToTimespec(mtime.UnixNano())
	return unix.UtimesNanoAt(unix.AT_FDCWD, path, []unix.Timespec{ts, ts}, unix.AT_SYMLINK_NOFOLLOW)
}
