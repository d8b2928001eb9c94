package install

import (
	"fmt"
	"time"

	units "github.com/docker/go-units"
)

// Stage is one of the fixed installation steps, numbered from 1.
type Stage int

const (
	StageFormat     Stage = iota + 1 // format partitions
	StageDownload                    // download release
	StageVerify                      // verify checksum
	StageExtract                     // unpack release into the target
	StageInitramfs                   // generate initramfs
	StageBootloader                  // install bootloader
	StageSSHKeys                     // generate SSH host keys
	StageFinalize                    // timezone, clock, hostname, user, locale, swap entry
)

// TotalStages is the number of stages of every install.
const TotalStages = 8

var stageNames = map[Stage]string{
	StageFormat:     "Formatting partitions",
	StageDownload:   "Downloading system release",
	StageVerify:     "Verifying system release",
	StageExtract:    "Unpacking system release",
	StageInitramfs:  "Generating initramfs (initial RAM filesystem)",
	StageBootloader: "Installing and configuring GRUB bootloader",
	StageSSHKeys:    "Generating OpenSSH host keys",
	StageFinalize:   "Finalising installation",
}

// Name is the bare stage description.
func (s Stage) Name() string {
	if n, ok := stageNames[s]; ok {
		return n
	}
	return fmt.Sprintf("stage %d", int(s))
}

// Label is the user-facing "Step N of 8: ..." text.
func (s Stage) Label() string {
	return fmt.Sprintf("Step %d of %d: %s", int(s), TotalStages, s.Name())
}

// Kind tags an Event.
type Kind int

const (
	KindPending  Kind = iota // work in progress
	KindFinished             // the install completed
)

// Indeterminate is the Percent value of a stage without measurable progress.
const Indeterminate = 101

// Event is a single install progress update.
type Event struct {
	Kind    Kind
	Stage   Stage
	Percent int    // 0-100, or Indeterminate
	Rate    string // optional, e.g. "12.5 MiB/s"
	ETA     string // optional, e.g. "3m"
}

// Label renders the stage label of a Pending event.
func (e Event) Label() string { return e.Stage.Label() }

// Pending builds a Pending event, clamping pct to 0..100 unless it is
// Indeterminate.
func Pending(stage Stage, pct int) Event {
	if pct != Indeterminate {
		pct = max(0, min(pct, 100)) //nolint:mnd
	}
	return Event{Kind: KindPending, Stage: stage, Percent: pct}
}

// Finished is the terminal success event.
func Finished() Event { return Event{Kind: KindFinished} }

var rateAbbrs = []string{"B", "KiB", "MiB", "GiB", "TiB"}

// FormatRate renders a byte rate with binary units, e.g. "12.5 MiB/s".
func FormatRate(bytesPerSec float64) string {
	if bytesPerSec < 0 {
		bytesPerSec = 0
	}
	return units.CustomSize("%.1f %s/s", bytesPerSec, 1024.0, rateAbbrs) //nolint:mnd
}

// FormatETA renders a remaining duration in its largest whole unit:
// seconds, minutes, hours or days.
func FormatETA(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Round(time.Second).Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Round(time.Minute).Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Round(time.Hour).Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Round(time.Hour).Hours())/24) //nolint:mnd
	}
}

// Meter derives percent, rate and ETA for a byte-counted stage.
type Meter struct {
	Stage Stage
	Total int64
	start time.Time
}

// NewMeter starts measuring a stage of total bytes at now.
func NewMeter(stage Stage, total int64, now time.Time) *Meter {
	return &Meter{Stage: stage, Total: total, start: now}
}

// Observe builds the Pending event for done bytes at now.
func (m *Meter) Observe(done int64, now time.Time) Event {
	if m.Total <= 0 {
		return Pending(m.Stage, Indeterminate)
	}
	ev := Pending(m.Stage, int(done*100/m.Total)) //nolint:mnd
	elapsed := now.Sub(m.start).Seconds()
	if elapsed <= 0 || done <= 0 {
		return ev
	}
	rate := float64(done) / elapsed
	ev.Rate = FormatRate(rate)
	if remaining := m.Total - done; remaining > 0 {
		ev.ETA = FormatETA(time.Duration(float64(remaining) / rate * float64(time.Second)))
	} else {
		ev.ETA = FormatETA(0)
	}
	return ev
}
