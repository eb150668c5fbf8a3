package testutil

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edvin/stackboot/internal/hostexec"
)

func TestFakeRunner_LaterRulesWin(t *testing.T) {
	f := NewFakeRunner().
		On("blkid", Response{ExitCode: 2}).
		On("blkid -p", Response{Output: "ext4\n"})

	out, err := f.Run(context.Background(), "blkid", "-p", "/dev/sdb")
	require.NoError(t, err)
	assert.Equal(t, "ext4\n", string(out))

	_, err = f.Run(context.Background(), "blkid", "/dev/sdb")
	assert.Equal(t, 2, hostexec.ExitCode(err))
}

func TestFakeRunner_RecordsCalls(t *testing.T) {
	f := NewFakeRunner()
	_, err := f.Run(context.Background(), "mount", "-a")
	require.NoError(t, err)
	_, _ = f.Run(context.Background(), "mount", "-a")

	assert.Equal(t, []string{"mount -a", "mount -a"}, f.Calls())
	assert.Equal(t, 2, f.Count("mount"))
	assert.Equal(t, 0, f.Index("mount -a"))
	assert.Equal(t, -1, f.Index("umount"))
}
