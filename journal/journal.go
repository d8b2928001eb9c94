// Package journal keeps a persistent record of install attempts: what was
// installed where, how far it got and how it ended.
package journal

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/projecteru2/core/log"

	"github.com/projecteru2/deploykit/config"
	"github.com/projecteru2/deploykit/errdefs"
	installprogress "github.com/projecteru2/deploykit/progress/install"
	"github.com/projecteru2/deploykit/storage"
	storejson "github.com/projecteru2/deploykit/storage/json"
	"github.com/projecteru2/deploykit/types"
)

// Status of an attempt.
type Status string

const (
	StatusRunning   Status = "running"
	StatusFinished  Status = "finished"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Attempt is one install run.
type Attempt struct {
	ID         string     `json:"id"`
	Status     Status     `json:"status"`
	Stage      string     `json:"stage,omitempty"`
	Partition  string     `json:"partition"`
	Variant    string     `json:"variant"`
	URL        string     `json:"url"`
	Hostname   string     `json:"hostname,omitempty"`
	User       string     `json:"user,omitempty"`
	LogFile    string     `json:"log_file,omitempty"`
	Error      string     `json:"error,omitempty"`
	ErrorKind  string     `json:"error_kind,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Done reports whether the attempt reached a terminal status.
func (a Attempt) Done() bool { return a.Status != StatusRunning }

// DB is the on-disk journal.
type DB struct {
	Attempts map[string]*Attempt `json:"attempts"`
}

// Init implements storage.Initer.
func (db *DB) Init() {
	if db.Attempts == nil {
		db.Attempts = make(map[string]*Attempt)
	}
}

// Sorted returns the attempts newest first.
func (db *DB) Sorted() []Attempt {
	out := make([]Attempt, 0, len(db.Attempts))
	for _, a := range db.Attempts {
		out = append(out, *a)
	}
	slices.SortFunc(out, func(a, b Attempt) int {
		if c := b.StartedAt.Compare(a.StartedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

// Journal records attempts in a storage.Store.
type Journal struct {
	store storage.Store[DB]
	dir   string
	now   func() time.Time
}

// New opens the journal under conf.RootDir.
func New(conf *config.Config) *Journal {
	return NewWithStore(storejson.New[DB](conf.JournalLock(), conf.JournalFile()), conf.JournalDir())
}

// NewWithStore wraps an existing store; dir holds the store's files.
func NewWithStore(store storage.Store[DB], dir string) *Journal {
	return &Journal{store: store, dir: dir, now: time.Now}
}

// Start records a new running attempt and returns its ID.
func (j *Journal) Start(ctx context.Context, cfg *types.InstallConfig, logFile string) (string, error) {
	a := &Attempt{
		ID:        uuid.NewString(),
		Status:    StatusRunning,
		Partition: cfg.Partition.Path,
		Variant:   cfg.Variant.Name,
		URL:       cfg.URL(),
		Hostname:  cfg.Hostname,
		User:      cfg.User.Name,
		LogFile:   logFile,
		StartedAt: j.now().UTC(),
	}
	if err := j.store.Update(ctx, func(db *DB) error {
		db.Attempts[a.ID] = a
		return nil
	}); err != nil {
		return "", fmt.Errorf("record attempt: %w", err)
	}
	log.WithFunc("journal.Start").Infof(ctx, "attempt %s started: %s -> %s", a.ID, a.Variant, a.Partition)
	return a.ID, nil
}

// Stage records the stage an attempt entered.
func (j *Journal) Stage(ctx context.Context, id string, stage installprogress.Stage) error {
	return j.update(ctx, id, func(a *Attempt) {
		a.Stage = stage.Name()
	})
}

// Finish marks an attempt as successfully completed.
func (j *Journal) Finish(ctx context.Context, id string) error {
	return j.update(ctx, id, func(a *Attempt) {
		j.close(a, StatusFinished)
	})
}

// Fail marks an attempt as failed with err.
func (j *Journal) Fail(ctx context.Context, id string, err error) error {
	return j.update(ctx, id, func(a *Attempt) {
		j.close(a, StatusFailed)
		a.Error = err.Error()
		a.ErrorKind = errdefs.KindOf(err)
	})
}

// Cancel marks an attempt as cancelled by the user.
func (j *Journal) Cancel(ctx context.Context, id string) error {
	return j.update(ctx, id, func(a *Attempt) {
		j.close(a, StatusCancelled)
	})
}

// List returns every attempt, newest first.
func (j *Journal) List(ctx context.Context) ([]Attempt, error) {
	var out []Attempt
	err := j.store.With(ctx, func(db *DB) error {
		out = db.Sorted()
		return nil
	})
	return out, err
}

// Get returns one attempt.
func (j *Journal) Get(ctx context.Context, id string) (Attempt, error) {
	var out Attempt
	err := j.store.With(ctx, func(db *DB) error {
		a, ok := db.Attempts[id]
		if !ok {
			return errdefs.Config("attempt %q not found", id)
		}
		out = *a
		return nil
	})
	return out, err
}

// Prune drops all but the keep newest finished attempts. Running attempts
// are never pruned.
func (j *Journal) Prune(ctx context.Context, keep int) (int, error) {
	var removed int
	err := j.store.Update(ctx, func(db *DB) error {
		ids := pruneTargets(db, keep)
		for _, id := range ids {
			delete(db.Attempts, id)
		}
		removed = len(ids)
		return nil
	})
	return removed, err
}

func (j *Journal) update(ctx context.Context, id string, fn func(*Attempt)) error {
	return j.store.Update(ctx, func(db *DB) error {
		a, ok := db.Attempts[id]
		if !ok {
			return errdefs.Internal("attempt %q not found", id)
		}
		fn(a)
		return nil
	})
}

func (j *Journal) close(a *Attempt, status Status) {
	now := j.now().UTC()
	a.Status = status
	a.FinishedAt = &now
}

func pruneTargets(db *DB, keep int) []string {
	var ids []string
	kept := 0
	for _, a := range db.Sorted() {
		if !a.Done() {
			continue
		}
		if kept < keep {
			kept++
			continue
		}
		ids = append(ids, a.ID)
	}
	return ids
}
