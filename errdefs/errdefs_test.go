package errdefs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKindSurvivesWrapping(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		kind string
	}{
		{"config", Config("bad partition %s", "/dev/sda1"), "config"},
		{"network", Network("checksum mismatch"), "network"},
		{"internal", Internal("mkfs failed"), "internal"},
		{"foreign", WithKind(errors.New("boom"), ErrInternal), "internal"},
		{"plain", errors.New("plain"), ""},
		{"nil", nil, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			wrapped := tc.err
			if wrapped != nil {
				wrapped = fmt.Errorf("stage 3: %w", fmt.Errorf("verify: %w", tc.err))
			}
			require.Equal(t, tc.kind, KindOf(wrapped))
		})
	}
}

func TestMessageUnchanged(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("verify release: %w", Network("checksum mismatch"))
	require.Equal(t, "verify release: checksum mismatch", err.Error())
	require.True(t, IsNetwork(err))
	require.False(t, IsConfig(err))
}

func TestHints(t *testing.T) {
	t.Parallel()

	err := WithHint(Config("unsupported partition map"), "use the GPT partition map")
	err = fmt.Errorf("preflight: %w", err)
	require.True(t, IsConfig(err))
	require.Contains(t, Hints(err), "use the GPT partition map")
	require.Empty(t, Hints(errors.New("x")))
	require.NoError(t, WithHint(nil, "ignored"))
	require.NoError(t, WithKind(nil, ErrConfig))
}
