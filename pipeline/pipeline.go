// Package pipeline streams a release image to the target filesystem while
// hashing it, verifies the digest, and unpacks it into the target root.
//
// Each install attempt owns one State shared by three kinds of actors: the
// Network Reader and Hasher goroutines started by Download, the extractor
// goroutine started by Extract, and the poll loop running on the caller's
// goroutine. The poll loop turns the shared counters into progress events
// and aborts on the first error any actor reports.
package pipeline

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/deploykit/progress"
	installprogress "github.com/projecteru2/deploykit/progress/install"
	"github.com/projecteru2/deploykit/sysexec"
	"github.com/projecteru2/deploykit/version"
)

const (
	defaultPollInterval    = 30 * time.Millisecond
	defaultResponseTimeout = 30 * time.Second
	dialTimeout            = 30 * time.Second
)

// ErrCancelled is returned when the cancellation channel fires.
var ErrCancelled = errors.New("installation cancelled")

// Options configures a Pipeline.
type Options struct {
	// PollInterval is the progress sampling period.
	PollInterval time.Duration
	// ResponseTimeout bounds the wait for the initial HTTP response.
	ResponseTimeout time.Duration
	// Tracker receives progress/install events.
	Tracker progress.Tracker
	// Cancel, when closed, aborts whichever poll loop is running.
	Cancel <-chan struct{}
	// Runner runs unsquashfs for SquashImage releases.
	Runner sysexec.Runner
	// Client overrides the HTTP client; tests use httptest clients.
	Client *http.Client
}

// Pipeline runs the fetch, verify and extract stages.
type Pipeline struct {
	client   *http.Client
	interval time.Duration
	tracker  progress.Tracker
	cancel   <-chan struct{}
	runner   sysexec.Runner
	now      func() time.Time
}

// New creates a Pipeline with defaults filled in.
func New(opts Options) *Pipeline {
	p := &Pipeline{
		client:   opts.Client,
		interval: opts.PollInterval,
		tracker:  opts.Tracker,
		cancel:   opts.Cancel,
		runner:   opts.Runner,
		now:      time.Now,
	}
	if p.interval <= 0 {
		p.interval = defaultPollInterval
	}
	if p.client == nil {
		p.client = NewClient(opts.ResponseTimeout)
	}
	if p.tracker == nil {
		p.tracker = progress.Nop
	}
	if p.runner == nil {
		p.runner = sysexec.Exec{}
	}
	return p
}

// NewClient builds the release download client. Only connection setup and
// the wait for response headers are bounded; the body may stream for as long
// as it takes.
func NewClient(responseTimeout time.Duration) *http.Client {
	if responseTimeout <= 0 {
		responseTimeout = defaultResponseTimeout
	}
	return &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           (&net.Dialer{Timeout: dialTimeout}).DialContext,
			TLSHandshakeTimeout:   responseTimeout,
			ResponseHeaderTimeout: responseTimeout,
			ForceAttemptHTTP2:     true,
		},
	}
}

func (p *Pipeline) userAgent() string { return version.UserAgent() }

// poll samples counter every interval, emitting Pending events for stage
// until done reports true. It returns early on the first actor error, on
// cancellation, or when ctx ends.
func (p *Pipeline) poll(ctx context.Context, st *State, stage installprogress.Stage, total int64, counter func() int64, done func() bool) error {
	meter := installprogress.NewMeter(stage, total, p.now())
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case err := <-st.Errors():
			return err
		case <-p.cancel:
			return ErrCancelled
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		finished := done()
		if finished {
			// An actor may fail after its last counter update.
			select {
			case err := <-st.Errors():
				return err
			default:
			}
		}
		p.tracker.OnEvent(meter.Observe(counter(), p.now()))
		if finished {
			return nil
		}
	}
}

// RemoveArchive deletes the downloaded release. Failure is logged only.
func RemoveArchive(ctx context.Context, path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.WithFunc("pipeline.RemoveArchive").Warnf(ctx, "remove %s: %v", path, err)
	}
}
