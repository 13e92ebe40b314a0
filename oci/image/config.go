// SPDX-License-Identifier: Apache-2.0

package image

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	moby_user "github.com/moby/sys/user"
)

// resolveUser rewrites a recipe's symbolic ImageConfig.User (e.g.
// "www-data" or "www-data:www-data") into the "uid:gid" form the image
// config is expected to carry, by looking the name(s) up in the upper
// tree's own etc/passwd and etc/group. A spec already given numerically is
// passed through unchanged.
func resolveUser(upperRoot, spec string) (string, error) {
	if spec == "" {
		return "", nil
	}

	userPart, groupPart, hasGroup := strings.Cut(spec, ":")
	uid, uidErr := strconv.Atoi(userPart)
	if uidErr == nil && !hasGroup {
		return spec, nil
	}

	gid := -1
	if hasGroup {
		if n, err := strconv.Atoi(groupPart); err == nil {
			gid = n
		}
	}

	if uidErr != nil {
		resolved, err := lookupUID(upperRoot, userPart)
		if err != nil {
			return "", fmt.Errorf("resolve user %q: %w", userPart, err)
		}
		uid = resolved
	}

	if hasGroup && gid == -1 {
		resolved, err := lookupGID(upperRoot, groupPart)
		if err != nil {
			return "", fmt.Errorf("resolve group %q: %w", groupPart, err)
		}
		gid = resolved
	}

	if !hasGroup {
		return strconv.Itoa(uid), nil
	}
	return fmt.Sprintf("%d:%d", uid, gid), nil
}

func lookupUID(upperRoot, name string) (int, error) {
	passwdPath := filepath.Join(upperRoot, "etc", "passwd")
	users, err := moby_user.ParsePasswdFileFilter(passwdPath, func(u moby_user.User) bool {
		return u.Name == name
	})
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", passwdPath, err)
	}
	if len(users) == 0 {
		return 0, fmt.Errorf("user %q not found in %s", name, passwdPath)
	}
	return users[0].Uid, nil
}

func lookupGID(upperRoot, name string) (int, error) {
	groupPath := filepath.Join(upperRoot, "etc", "group")
	groups, err := moby_user.ParseGroupFileFilter(groupPath, func(g moby_user.Group) bool {
		return g.Name == name
	})
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", groupPath, err)
	}
	if len(groups) == 0 {
		return 0, fmt.Errorf("group %q not found in %s", name, groupPath)
	}
	return groups[0].Gid, nil
}
