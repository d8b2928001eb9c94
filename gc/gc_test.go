package gc

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/projecteru2/deploykit/errdefs"
)

type fakeLocker struct {
	mu     sync.Mutex
	busy   bool
	held   bool
	events *[]string
	name   string
}

func (l *fakeLocker) Lock(context.Context) error { return nil }

func (l *fakeLocker) TryLock(context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.busy {
		return false, nil
	}
	l.held = true
	*l.events = append(*l.events, "lock "+l.name)
	return true, nil
}

func (l *fakeLocker) Unlock(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.held = false
	*l.events = append(*l.events, "unlock "+l.name)
	return nil
}

func TestRunResolvesAcrossModules(t *testing.T) {
	t.Parallel()

	var events []string
	var collected []string
	dirs := Module[[]string]{
		Name:   "workdirs",
		Locker: &fakeLocker{events: &events, name: "workdirs"},
		ReadDB: func(context.Context) ([]string, error) { return []string{".dkmount1", ".dkmount2"}, nil },
		Resolve: func(snap []string, others map[string]any) []string {
			keep := others["pinned"].(map[string]bool)
			var out []string
			for _, d := range snap {
				if !keep[d] {
					out = append(out, d)
				}
			}
			return out
		},
		Collect: func(_ context.Context, ids []string) error {
			collected = append(collected, ids...)
			return nil
		},
	}
	pinned := Module[map[string]bool]{
		Name:    "pinned",
		ReadDB:  func(context.Context) (map[string]bool, error) { return map[string]bool{".dkmount2": true}, nil },
		Resolve: func(map[string]bool, map[string]any) []string { return nil },
		Collect: func(context.Context, []string) error { t.Fatal("nothing to collect"); return nil },
	}

	o := New()
	Register(o, dirs)
	Register(o, pinned)
	require.NoError(t, o.Run(context.Background()))
	require.Equal(t, []string{".dkmount1"}, collected)
	require.Equal(t, []string{"lock workdirs", "unlock workdirs"}, events)
}

func TestRunAbortsWhenLockBusy(t *testing.T) {
	t.Parallel()

	var events []string
	read := false
	free := Module[int]{
		Name:    "journal",
		Locker:  &fakeLocker{events: &events, name: "journal"},
		ReadDB:  func(context.Context) (int, error) { read = true; return 0, nil },
		Resolve: func(int, map[string]any) []string { return []string{"x"} },
		Collect: func(context.Context, []string) error { return nil },
	}
	busy := free
	busy.Name = "workdirs"
	busy.Locker = &fakeLocker{events: &events, name: "workdirs", busy: true}

	o := New()
	Register(o, free)
	Register(o, busy)
	err := o.Run(context.Background())
	require.True(t, errdefs.IsConfig(err))
	require.Contains(t, err.Error(), "workdirs")
	require.NotEmpty(t, errdefs.Hints(err))
	require.False(t, read)
	require.Equal(t, []string{"lock journal", "unlock journal"}, events)
}

func TestRunCollectsDespiteFailures(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var done []string
	mod := func(name string, err error) Module[string] {
		return Module[string]{
			Name:    name,
			ReadDB:  func(context.Context) (string, error) { return name, nil },
			Resolve: func(s string, _ map[string]any) []string { return []string{s} },
			Collect: func(_ context.Context, ids []string) error {
				mu.Lock()
				defer mu.Unlock()
				done = append(done, ids...)
				return err
			},
		}
	}
	boom := errors.New("boom")

	o := New()
	Register(o, mod("a", boom))
	Register(o, mod("b", nil))
	err := o.Run(context.Background())
	require.ErrorIs(t, err, boom)
	require.Contains(t, err.Error(), "a: boom")
	sort.Strings(done)
	require.Equal(t, []string{"a", "b"}, done)
}
