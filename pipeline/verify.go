package pipeline

import (
	"context"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/deploykit/errdefs"
	installprogress "github.com/projecteru2/deploykit/progress/install"
)

// Verify waits for the Hasher to publish the digest, emitting indeterminate
// progress, then compares it with the published checksum. A mismatch is a
// NetworkError and the archive must not be extracted.
func (p *Pipeline) Verify(ctx context.Context, st *State, expected string) (Digest, error) {
	zero := func() int64 { return 0 }
	if err := p.poll(ctx, st, installprogress.StageVerify, 0, zero, st.HashDone); err != nil {
		return "", err
	}
	got := NewDigest(st.Digest())
	if !got.Matches(expected) {
		log.WithFunc("pipeline.Verify").Warnf(ctx, "checksum mismatch: got %s, expected %s", got.Hex(), expected)
		return got, errdefs.Network("checksum mismatch")
	}
	log.WithFunc("pipeline.Verify").Infof(ctx, "checksum verified: %s", got)
	return got, nil
}
