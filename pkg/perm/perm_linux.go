//go:build linux

package perm

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/user"
	"strconv"
)

const groupName = "nectar"

const (
	modeDir      fs.FileMode = 0o770
	modeReadable fs.FileMode = 0o640
	modeSocket   fs.FileMode = 0o660
)

// SetGroupDir lets the group traverse and list a directory.
func SetGroupDir(path string) error { return share(path, modeDir) }

// SetGroupReadable lets the group read a file such as the public key.
func SetGroupReadable(path string) error { return share(path, modeReadable) }

// SetGroupSocket lets the group connect to a unix socket.
func SetGroupSocket(path string) error { return share(path, modeSocket) }

// lookupGID resolves the nectar group. found is false when the host has no
// such group.
func lookupGID() (gid int, found bool, err error) {
	grp, err := user.LookupGroup(groupName)
	var unknown user.UnknownGroupError
	switch {
	case errors.As(err, &unknown):
		return 0, false, nil
	case err != nil:
		return 0, false, fmt.Errorf("lookup group %s: %w", groupName, err)
	}

	if gid, err = strconv.Atoi(grp.Gid); err != nil {
		return 0, false, fmt.Errorf("group %s has non-numeric gid %q: %w", groupName, grp.Gid, err)
	}
	return gid, true, nil
}

// share hands path to the nectar group. Changing the group needs membership
// or privilege, so a refused chown still tightens the mode.
func share(path string, mode fs.FileMode) error {
	gid, found, err := lookupGID()
	if err != nil || !found {
		return err
	}

	if err := os.Lchown(path, -1, gid); err != nil && !errors.Is(err, fs.ErrPermission) {
		return fmt.Errorf("give %s to group %s: %w", path, groupName, err)
	}
	if err := os.Chmod(path, mode); err != nil {
		return fmt.Errorf("set mode %o on %s: %w", mode, path, err)
	}
	return nil
}
