// Package share keeps a remote file share mounted for the file sink.
package share

import (
	"context"
	"errors"
	"fmt"
	"os"
)

// ErrAlreadyConnected is returned by a Mounter when the share is already
// mounted. The connector treats it as success.
var ErrAlreadyConnected = errors.New("share: already connected")

// Credentials authenticate against the share. They never appear in logs.
type Credentials struct {
	Username string
	Password string
}

// String hides the password.
func (c Credentials) String() string {
	if c.Password == "" {
		return c.Username
	}
	return c.Username + ":***"
}

// Mounter makes a remote path reachable on the local filesystem.
type Mounter interface {
	Mount(ctx context.Context, remote string, creds Credentials) error
}

// LocalMounter is used when the OS already mounts the share (fstab,
// autofs) or the target is a plain local directory. Mounting creates the
// directory when it is absent and succeeds once it is reachable.
type LocalMounter struct{}

// Mount makes sure remote exists as a directory.
func (LocalMounter) Mount(_ context.Context, remote string, _ Credentials) error {
	if err := os.MkdirAll(remote, 0755); err != nil {
		return fmt.Errorf("share: %w", err)
	}
	info, err := os.Stat(remote)
	if err != nil {
		return fmt.Errorf("share: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("share: %s is not a directory", remote)
	}
	return nil
}
