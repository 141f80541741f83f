package script

import (
	"fmt"
	"os/user"
	"strconv"
)

// Identity is a resolved run-as OS identity.
type Identity struct {
	UID  uint32
	GID  uint32
	Home string
}

// LookupIdentity resolves a username into uid, gid and home directory.
func LookupIdentity(username string) (Identity, error) {
	u, err := user.Lookup(username)
	if err != nil {
		return Identity{}, err
	}
	uid, err := strconv.ParseUint(u.Uid, 10, 32)
	if err != nil {
		return Identity{}, fmt.Errorf("parsing uid %q: %w", u.Uid, err)
	}
	gid, err := strconv.ParseUint(u.Gid, 10, 32)
	if err != nil {
		return Identity{}, fmt.Errorf("parsing gid %q: %w", u.Gid, err)
	}
	return Identity{
		UID:  uint32(uid),
		GID:  uint32(gid),
		Home: u.HomeDir,
	}, nil
}
