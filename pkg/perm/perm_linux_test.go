//go:build linux

package perm

import (
	"io/fs"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"syscall"
	"testing"

	"github.com/stretchr/testify/require"
)

type target struct {
	set  func(string) error
	make func(t *testing.T, path string)
	name string
	mode fs.FileMode
}

func targets() []target {
	file := func(t *testing.T, path string) {
		t.Helper()
		require.NoError(t, os.WriteFile(path, []byte("x"), 0o600))
	}
	dir := func(t *testing.T, path string) {
		t.Helper()
		require.NoError(t, os.Mkdir(path, 0o700))
	}
	socket := func(t *testing.T, path string) {
		t.Helper()
		l, err := net.Listen("unix", path)
		require.NoError(t, err)
		t.Cleanup(func() { _ = l.Close() })
		require.NoError(t, os.Chmod(path, 0o600))
	}

	return []target{
		{name: "keys", set: SetGroupDir, make: dir, mode: modeDir},
		{name: "ed25519.pub", set: SetGroupReadable, make: file, mode: modeReadable},
		{name: "nectar.sock", set: SetGroupSocket, make: socket, mode: modeSocket},
	}
}

func TestNoOpWhenGroupAbsent(t *testing.T) {
	if _, err := user.LookupGroup(groupName); err == nil {
		t.Skip("nectar group exists on this host")
	}

	_, found, err := lookupGID()
	require.NoError(t, err)
	require.False(t, found)

	root := t.TempDir()
	for _, tc := range targets() {
		p := filepath.Join(root, tc.name)
		tc.make(t, p)
		require.NoError(t, tc.set(p), tc.name)

		info, err := os.Stat(p)
		require.NoError(t, err)
		require.NotEqual(t, tc.mode, info.Mode().Perm(), tc.name)
	}
}

func TestAppliedWhenGroupPresent(t *testing.T) {
	grp, err := user.LookupGroup(groupName)
	if err != nil {
		t.Skip("nectar group not found")
	}
	wantGID, err := strconv.Atoi(grp.Gid)
	require.NoError(t, err)

	root := t.TempDir()
	for _, tc := range targets() {
		p := filepath.Join(root, tc.name)
		tc.make(t, p)
		require.NoError(t, tc.set(p), tc.name)

		info, err := os.Stat(p)
		require.NoError(t, err)
		require.Equal(t, tc.mode, info.Mode().Perm(), tc.name)

		stat := info.Sys().(*syscall.Stat_t) //nolint:forcetypeassert
		require.Equal(t, wantGID, int(stat.Gid), tc.name)
	}
}
