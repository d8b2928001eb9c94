package journal

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/projecteru2/deploykit/config"
	"github.com/projecteru2/deploykit/errdefs"
	"github.com/projecteru2/deploykit/gc"
	installprogress "github.com/projecteru2/deploykit/progress/install"
	"github.com/projecteru2/deploykit/types"
)

func newTestJournal(t *testing.T) (*Journal, *config.Config) {
	t.Helper()
	conf := config.DefaultConfig()
	conf.RootDir = t.TempDir()
	require.NoError(t, os.MkdirAll(conf.JournalDir(), 0o750))
	j := New(conf)
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	var tick int
	j.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Minute)
	}
	return j, conf
}

func testInstallConfig() *types.InstallConfig {
	return &types.InstallConfig{
		Partition: types.Partition{Path: "/dev/sda2", Parent: "/dev/sda"},
		Variant:   types.ReleaseVariant{Name: "Base", RelativePath: "os-amd64/base/aosc-os_base_amd64.tar.xz"},
		Mirror:    types.MirrorEndpoint{Name: "origin", URL: "https://releases.aosc.io/"},
		User:      types.User{Name: "aosc", Password: "secret"},
		Hostname:  "aosc",
	}
}

func TestAttemptLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	j, _ := newTestJournal(t)

	id, err := j.Start(ctx, testInstallConfig(), "/var/log/deploykit.log")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	a, err := j.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, StatusRunning, a.Status)
	require.Equal(t, "/dev/sda2", a.Partition)
	require.Equal(t, "https://releases.aosc.io/os-amd64/base/aosc-os_base_amd64.tar.xz", a.URL)
	require.False(t, a.Done())

	require.NoError(t, j.Stage(ctx, id, installprogress.StageDownload))
	require.NoError(t, j.Fail(ctx, id, errdefs.Network("checksum mismatch")))

	a, err = j.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, a.Status)
	require.Equal(t, "Downloading system release", a.Stage)
	require.Equal(t, "network", a.ErrorKind)
	require.Contains(t, a.Error, "checksum mismatch")
	require.NotNil(t, a.FinishedAt)
	require.True(t, a.Done())
}

func TestPasswordNeverPersisted(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	j, conf := newTestJournal(t)

	_, err := j.Start(ctx, testInstallConfig(), "")
	require.NoError(t, err)
	raw, err := os.ReadFile(conf.JournalFile())
	require.NoError(t, err)
	require.NotContains(t, string(raw), "secret")
}

func TestUnknownAttempt(t *testing.T) {
	t.Parallel()
	j, _ := newTestJournal(t)

	require.Error(t, j.Finish(context.Background(), "missing"))
	_, err := j.Get(context.Background(), "missing")
	require.True(t, errdefs.IsConfig(err))
}

func TestListNewestFirstAndPrune(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	j, _ := newTestJournal(t)

	var ids []string
	for range 4 {
		id, err := j.Start(ctx, testInstallConfig(), "")
		require.NoError(t, err)
		ids = append(ids, id)
	}
	require.NoError(t, j.Finish(ctx, ids[0]))
	require.NoError(t, j.Cancel(ctx, ids[1]))
	require.NoError(t, j.Fail(ctx, ids[2], errors.New("boom")))

	list, err := j.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 4)
	require.Equal(t, ids[3], list[0].ID)
	require.Equal(t, ids[0], list[3].ID)

	removed, err := j.Prune(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, 2, removed)

	list, err = j.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, ids[3], list[0].ID)
	require.Equal(t, StatusRunning, list[0].Status)
	require.Equal(t, ids[2], list[1].ID)
}

func TestGCModulePrunesAndRemovesStaleTemps(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	j, conf := newTestJournal(t)

	for range 3 {
		id, err := j.Start(ctx, testInstallConfig(), "")
		require.NoError(t, err)
		require.NoError(t, j.Finish(ctx, id))
	}
	stale := filepath.Join(conf.JournalDir(), ".tmp-123")
	require.NoError(t, os.WriteFile(stale, []byte("{"), 0o600))
	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(stale, old, old))
	j.now = time.Now

	o := gc.New()
	gc.Register(o, j.GCModule(1))
	require.NoError(t, o.Run(ctx))

	list, err := j.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.NoFileExists(t, stale)
}
