package pipeline

import (
	"sync/atomic"
)

// errDepth covers one error from each concurrent actor so no reporter blocks.
const errDepth = 4

// State is the shared progress of one install attempt. It is created once,
// passed by pointer to every actor, and each field has exactly one writer.
type State struct {
	downloaded atomic.Int64 // bytes committed to the tarball (Network Reader)
	extracted  atomic.Int64 // compressed bytes consumed by the decoder (extractor)

	downloadDone atomic.Bool // Network Reader reached the expected size
	hashDone     atomic.Bool // Hasher published digest
	extractDone  atomic.Bool // extractor finished

	// digest is written once by the Hasher before hashDone is set.
	digest string

	errs chan error
}

// NewState creates the shared state for one attempt.
func NewState() *State {
	return &State{errs: make(chan error, errDepth)}
}

// Downloaded returns the bytes written so far.
func (s *State) Downloaded() int64 { return s.downloaded.Load() }

// Extracted returns the compressed bytes consumed by the extractor so far.
func (s *State) Extracted() int64 { return s.extracted.Load() }

// DownloadDone reports whether the Network Reader finished.
func (s *State) DownloadDone() bool { return s.downloadDone.Load() }

// HashDone reports whether the digest is final.
func (s *State) HashDone() bool { return s.hashDone.Load() }

// ExtractDone reports whether extraction finished.
func (s *State) ExtractDone() bool { return s.extractDone.Load() }

// Digest returns the finalized hex digest, or "" before HashDone.
func (s *State) Digest() string {
	if !s.hashDone.Load() {
		return ""
	}
	return s.digest
}

// Errors is the error channel drained by the poll loop.
func (s *State) Errors() <-chan error { return s.errs }

// report forwards a non-nil actor error to the poll loop. It never blocks:
// once the channel is full the poll loop already has an error to act on.
func (s *State) report(err error) error {
	if err == nil {
		return nil
	}
	select {
	case s.errs <- err:
	default:
	}
	return err
}

func (s *State) publishDigest(hex string) {
	s.digest = hex
	s.hashDone.Store(true)
}

// advance moves a counter forward, ignoring regressions.
func advance(c *atomic.Int64, to int64) {
	for {
		cur := c.Load()
		if to <= cur || c.CompareAndSwap(cur, to) {
			return
		}
	}
}
