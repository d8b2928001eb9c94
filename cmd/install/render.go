package install

import (
	"fmt"
	"io"
	"strings"
	"sync"

	installprogress "github.com/projecteru2/deploykit/progress/install"
)

// renderer prints install events. On a terminal the current stage is
// redrawn in place; otherwise one line is written per stage and per 10%.
type renderer struct {
	mu    sync.Mutex
	out   io.Writer
	tty   bool
	stage installprogress.Stage
	pct   int
	dirty bool
}

func newRenderer(out io.Writer, tty bool) *renderer {
	return &renderer{out: out, tty: tty, pct: -1}
}

func (r *renderer) render(e installprogress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e.Kind == installprogress.KindFinished {
		r.newline()
		return
	}
	if r.tty {
		if e.Stage != r.stage {
			r.newline()
		}
		fmt.Fprintf(r.out, "\r\033[K%s", line(e))
		r.dirty = true
		r.stage, r.pct = e.Stage, e.Percent
		return
	}
	step := e.Percent / 10 //nolint:mnd
	if e.Stage == r.stage && (e.Percent == installprogress.Indeterminate || step == r.pct/10) { //nolint:mnd
		return
	}
	fmt.Fprintln(r.out, line(e))
	r.stage, r.pct = e.Stage, e.Percent
}

// pump renders events until done is closed, then renders whatever is still
// buffered and closes the returned channel.
func (r *renderer) pump(events <-chan installprogress.Event, done <-chan struct{}) <-chan struct{} {
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for {
			select {
			case e := <-events:
				r.render(e)
			case <-done:
				for {
					select {
					case e := <-events:
						r.render(e)
					default:
						return
					}
				}
			}
		}
	}()
	return drained
}

// finish terminates a partially drawn line.
func (r *renderer) finish() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.newline()
}

func (r *renderer) newline() {
	if r.dirty {
		fmt.Fprintln(r.out)
		r.dirty = false
	}
}

func line(e installprogress.Event) string {
	parts := []string{e.Label()}
	if e.Percent != installprogress.Indeterminate {
		parts = append(parts, fmt.Sprintf("%3d%%", e.Percent))
	}
	if e.Rate != "" {
		parts = append(parts, e.Rate)
	}
	if e.ETA != "" {
		parts = append(parts, "ETA "+e.ETA)
	}
	return strings.Join(parts, "  ")
}
