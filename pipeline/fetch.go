package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/projecteru2/core/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/projecteru2/deploykit/errdefs"
	installprogress "github.com/projecteru2/deploykit/progress/install"
)

const (
	chunkSize    = 256 << 10
	handoffDepth = 32
)

// Download streams src into dst, which is preallocated to size bytes, while
// the Hasher digests the same bytes in order. It returns once size bytes are
// on disk; the digest may still be finishing (see Verify).
//
// On error or cancellation the actors are told to stop and abandoned; they
// exit on their own once their blocking call returns.
func (p *Pipeline) Download(ctx context.Context, src, dst string, size int64, st *State) error {
	logger := log.WithFunc("pipeline.Download")

	f, err := preallocate(dst, size)
	if err != nil {
		return err
	}
	logger.Infof(ctx, "downloading %s -> %s (%d bytes)", src, dst, size)

	actx, stop := context.WithCancel(ctx)
	chunks := make(chan []byte, handoffDepth)

	var g errgroup.Group
	g.Go(func() error { return st.report(p.fetch(actx, src, f, size, chunks, st)) })
	g.Go(func() error { return st.report(hashChunks(chunks, st)) })

	if err := p.poll(ctx, st, installprogress.StageDownload, size, st.Downloaded, st.DownloadDone); err != nil {
		stop()
		return err
	}
	// Actors are done with the socket and file; only the Hasher may still be
	// draining, and Verify waits for it.
	go func() {
		defer stop()
		g.Wait() //nolint:errcheck,gosec // errors already reported through st
	}()
	return nil
}

// preallocate creates dst and reserves size bytes so a full disk fails now.
func preallocate(dst string, size int64) (*os.File, error) {
	f, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644) //nolint:gosec // path under the target root
	if err != nil {
		return nil, errdefs.WithKind(fmt.Errorf("create %s: %w", dst, err), errdefs.ErrInternal)
	}
	if size > 0 {
		if err := unix.Fallocate(int(f.Fd()), 0, 0, size); err != nil {
			f.Close() //nolint:errcheck,gosec
			return nil, errdefs.WithKind(fmt.Errorf("preallocate %d bytes for %s: %w", size, dst, err), errdefs.ErrInternal)
		}
	}
	return f, nil
}

// fetch is the Network Reader: it appends each received chunk to f, hands a
// copy to the Hasher and advances the byte counter. chunks is closed on every
// exit path so the Hasher never blocks forever.
func (p *Pipeline) fetch(ctx context.Context, src string, f *os.File, size int64, chunks chan<- []byte, st *State) error {
	defer close(chunks)
	defer f.Close() //nolint:errcheck

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return errdefs.WithKind(fmt.Errorf("create HTTP request: %w", err), errdefs.ErrInternal)
	}
	req.Header.Set("User-Agent", p.userAgent())

	resp, err := p.client.Do(req)
	if err != nil {
		return errdefs.WithKind(fmt.Errorf("HTTP GET %s: %w", src, err), errdefs.ErrNetwork)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return errdefs.Network("HTTP GET %s: status %s", src, resp.Status)
	}
	if resp.ContentLength >= 0 && resp.ContentLength != size {
		return errdefs.Network("HTTP GET %s: server reports %d bytes, expected %d", src, resp.ContentLength, size)
	}

	body := io.LimitReader(resp.Body, size)
	var written int64
	for written < size {
		buf := make([]byte, chunkSize)
		n, rerr := body.Read(buf)
		if n > 0 {
			if _, err := f.Write(buf[:n]); err != nil {
				return errdefs.WithKind(fmt.Errorf("write %s: %w", f.Name(), err), errdefs.ErrInternal)
			}
			select {
			case chunks <- buf[:n]:
			case <-ctx.Done():
				return ctx.Err()
			}
			written += int64(n)
			st.downloaded.Add(int64(n))
		}
		if rerr == nil {
			continue
		}
		if errors.Is(rerr, io.EOF) && written == size {
			break
		}
		if errors.Is(rerr, io.EOF) {
			return errdefs.Network("download %s: stream ended after %d of %d bytes", src, written, size)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errdefs.WithKind(fmt.Errorf("download %s: %w", src, rerr), errdefs.ErrNetwork)
	}

	if err := f.Sync(); err != nil {
		return errdefs.WithKind(fmt.Errorf("sync %s: %w", f.Name(), err), errdefs.ErrInternal)
	}
	st.downloadDone.Store(true)
	return nil
}

// hashChunks is the Hasher: it folds chunks into SHA-256 in arrival order and
// publishes the digest once the channel is closed after a complete download.
func hashChunks(chunks <-chan []byte, st *State) error {
	h := sha256.New()
	for c := range chunks {
		h.Write(c) //nolint:errcheck,gosec // hash.Hash never fails
	}
	if !st.DownloadDone() {
		// The Network Reader gave up; its error is what the poll loop sees.
		return nil
	}
	st.publishDigest(hex.EncodeToString(h.Sum(nil)))
	return nil
}
