package validate

import (
	"testing"

	units "github.com/docker/go-units"
	"github.com/stretchr/testify/require"

	"github.com/projecteru2/deploykit/errdefs"
	"github.com/projecteru2/deploykit/types"
)

func TestUsername(t *testing.T) {
	t.Parallel()

	for _, ok := range []string{"cth451", "a", "aosc2024"} {
		require.NoError(t, Username(ok), ok)
	}
	for _, bad := range []string{"", "root", "BAIMINGCONG", "Alice", "aLice", "a-b", "a_b", "a b", "1abc", "老白"} {
		err := Username(bad)
		require.Error(t, err, bad)
		require.True(t, errdefs.IsConfig(err), bad)
	}
}

func TestHostname(t *testing.T) {
	t.Parallel()

	for _, ok := range []string{"foo", "foo-2e10", "jeffbai-device", "0"} {
		require.NoError(t, Hostname(ok), ok)
	}
	for _, bad := range []string{"", "-invalid", "+invalid", "invalid_host", "Upper", "a.b"} {
		require.Error(t, Hostname(bad), bad)
	}
}

func TestFullName(t *testing.T) {
	t.Parallel()

	require.NoError(t, FullName(""))
	require.NoError(t, FullName("Mingcong Bai"))
	require.Error(t, FullName("a:b"))
	require.Error(t, FullName("a\nb"))
}

func TestSpace(t *testing.T) {
	t.Parallel()

	variant := types.ReleaseVariant{Size: units.GiB, InstallSize: 4 * units.GiB}
	require.NoError(t, Space(types.Partition{Path: "/dev/sda2", Size: 6 * units.GiB}, variant))

	err := Space(types.Partition{Path: "/dev/sda2", Size: 6*units.GiB - 1}, variant)
	require.Error(t, err)
	require.True(t, errdefs.IsConfig(err))
	require.Contains(t, err.Error(), "/dev/sda2")
}

func TestConfig(t *testing.T) {
	t.Parallel()

	cfg := &types.InstallConfig{
		Partition: types.Partition{Path: "/dev/sda2", Size: 50 * units.GiB},
		Variant:   types.ReleaseVariant{Size: units.GiB, InstallSize: 4 * units.GiB, SHA256: "ab", RelativePath: "x.tar.xz"},
		Mirror:    types.MirrorEndpoint{URL: "https://repo.example.org"},
		User:      types.User{Name: "cth451", Password: "pw"},
		Hostname:  "aosc",
	}
	require.NoError(t, Config(cfg))

	bad := *cfg
	bad.User.Password = ""
	require.Error(t, Config(&bad))

	bad = *cfg
	bad.Hostname = "-x"
	require.Error(t, Config(&bad))

	// Only the path is known before probing.
	unprobed := *cfg
	unprobed.Partition = types.Partition{Path: "/dev/sda2"}
	require.NoError(t, Config(&unprobed))

	bad = *cfg
	bad.Partition.Path = ""
	require.Error(t, Config(&bad))
	bad.AutoPartition = true
	require.Error(t, Config(&bad), "auto-partitioning needs the parent device")
	bad.Partition.Parent = "/dev/sda"
	require.NoError(t, Config(&bad))
}
