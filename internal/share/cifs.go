package share

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

const defaultMountTable = "/proc/mounts"

type commandRunner func(ctx context.Context, env []string, name string, args ...string) ([]byte, error)

// CIFSMounter mounts an SMB share with mount.cifs. Credentials are handed
// to the helper through its USER and PASSWD environment, never argv.
type CIFSMounter struct {
	mountPoint string
	options    string
	mountTable string
	run        commandRunner
}

// NewCIFSMounter creates a mounter that attaches shares at mountPoint.
// options is passed to mount as -o when non-empty.
func NewCIFSMounter(mountPoint, options string) *CIFSMounter {
	return &CIFSMounter{
		mountPoint: filepath.Clean(mountPoint),
		options:    options,
		mountTable: defaultMountTable,
		run:        runCommand,
	}
}

// Mount attaches remote at the mount point. A share that is already
// attached there yields ErrAlreadyConnected without invoking mount.
func (m *CIFSMounter) Mount(ctx context.Context, remote string, creds Credentials) error {
	remote = NormalizeRemote(remote)

	mounted, err := m.isMounted()
	if err != nil {
		return err
	}
	if mounted {
		return ErrAlreadyConnected
	}

	if err := os.MkdirAll(m.mountPoint, 0755); err != nil {
		return fmt.Errorf("share: create mount point: %w", err)
	}

	args := []string{"-t", "cifs", remote, m.mountPoint}
	if m.options != "" {
		args = append(args, "-o", m.options)
	}
	env := append(os.Environ(), "USER="+creds.Username, "PASSWD="+creds.Password)

	out, err := m.run(ctx, env, "mount", args...)
	if err != nil {
		msg := strings.TrimSpace(string(out))
		if isAlreadyMounted(msg) {
			return ErrAlreadyConnected
		}
		return fmt.Errorf("share: mount %s: %w: %s", remote, err, msg)
	}
	return nil
}

// isMounted reports whether the mount table lists the mount point.
func (m *CIFSMounter) isMounted() (bool, error) {
	f, err := os.Open(m.mountTable)
	if err != nil {
		return false, fmt.Errorf("share: read mount table: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 2 {
			continue
		}
		if filepath.Clean(unescapeMountField(fields[1])) == m.mountPoint {
			return true, nil
		}
	}
	return false, sc.Err()
}

// NormalizeRemote converts a UNC path (\\host\share) to the //host/share
// form mount.cifs expects.
func NormalizeRemote(remote string) string {
	remote = strings.TrimSpace(remote)
	if strings.HasPrefix(remote, `\\`) {
		remote = strings.ReplaceAll(remote, `\`, "/")
	}
	return remote
}

func isAlreadyMounted(msg string) bool {
	msg = strings.ToLower(msg)
	return strings.Contains(msg, "already mounted") ||
		strings.Contains(msg, "device or resource busy")
}

// unescapeMountField decodes the octal escapes (\040 for space) used in
// /proc/mounts.
func unescapeMountField(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+4 <= len(s) {
			if n, err := strconv.ParseUint(s[i+1:i+4], 8, 8); err == nil {
				b.WriteByte(byte(n))
				i += 3
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

func runCommand(ctx context.Context, env []string, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = env
	return cmd.CombinedOutput()
}
