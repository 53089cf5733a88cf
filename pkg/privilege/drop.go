//go:build unix

// Package privilege gives up root once the monitor has opened everything it
// needs.
package privilege

import (
	"fmt"
	"os/user"
	"strconv"

	gerrors "github.com/lucid-vigil/guardian/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// Credentials is the identity to switch to.
type Credentials struct {
	UID    int
	GID    int
	Groups []int
}

// Lookup resolves username and its supplementary groups.
func Lookup(username string) (Credentials, error) {
	u, err := user.Lookup(username)
	if err != nil {
		return Credentials{}, fmt.Errorf("lookup user %q: %w", username, err)
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return Credentials{}, fmt.Errorf("user %q has non-numeric uid %q", username, u.Uid)
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return Credentials{}, fmt.Errorf("user %q has non-numeric gid %q", username, u.Gid)
	}

	creds := Credentials{UID: uid, GID: gid, Groups: []int{gid}}
	if ids, err := u.GroupIds(); err == nil {
		for _, id := range ids {
			if g, err := strconv.Atoi(id); err == nil && g != gid {
				creds.Groups = append(creds.Groups, g)
			}
		}
	}
	return creds, nil
}

// Drop switches the process to username. It does nothing when username is
// empty or the process is not running as root. Groups are changed before
// the uid, since an unprivileged process can no longer change them.
func Drop(username string) error {
	if username == "" {
		return nil
	}
	if unix.Geteuid() != 0 {
		log.Debug().Str("user", username).Msg("Not running as root, keeping current user")
		return nil
	}

	creds, err := Lookup(username)
	if err != nil {
		return gerrors.NewFatalInitError("privilege", err)
	}
	if err := unix.Setgroups(creds.Groups); err != nil {
		return gerrors.NewFatalInitError("privilege", fmt.Errorf("setgroups: %w", err))
	}
	if err := unix.Setgid(creds.GID); err != nil {
		return gerrors.NewFatalInitError("privilege", fmt.Errorf("setgid %d: %w", creds.GID, err))
	}
	if err := unix.Setuid(creds.UID); err != nil {
		return gerrors.NewFatalInitError("privilege", fmt.Errorf("setuid %d: %w", creds.UID, err))
	}

	log.Info().
		Str("user", username).
		Int("uid", creds.UID).
		Int("gid", creds.GID).
		Msg("Dropped root privileges")
	return nil
}
