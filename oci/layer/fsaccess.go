// SPDX-License-Identifier: Apache-2.0

package layer

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/imgforge/imgforge/internal/system"
)

// lxattrs returns the extended attributes set on path (without following a
// trailing symlink). Values are kept as raw bytes reinterpreted as a Go
// string, which round-trips arbitrary binary xattr values (e.g.
// security.capability) without needing the surrogate-escape decoding the
// Python reference implementation relies on -- a Go string is already just
// a byte sequence, not a sequence of Unicode codepoints, so no lossy
// decode/re-encode step is needed to carry them through a PAX header. A
// filesystem that doesn't support xattrs at all is treated as having none,
// not as an error (matching EOPNOTSUPP handling in spec.md §7).
func lxattrs(path string) (map[string]string, error) {
	names, err := system.Llistxattr(path)
	if err != nil {
		if errors.Is(err, unix.EOPNOTSUPP) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("list xattrs on %q: %w", path, err)
	}

	xattrs := make(map[string]string, len(names))
	for _, name := range names {
		value, err := system.Lgetxattr(path, name)
		if err != nil {
			if errors.Is(err, unix.ENODATA) || errors.Is(err, unix.EOPNOTSUPP) {
				continue
			}
			return nil, fmt.Errorf("get xattr %q on %q: %w", name, path, err)
		}
		if len(value) == 0 {
			// Empty-valued xattrs cannot be represented as PAX records, and
			// are disallowed by the PAX standard -- silently drop them
			// rather than producing a corrupt archive.
			continue
		}
		xattrs[name] = string(value)
	}
	return xattrs, nil
}

// cachedChecksum returns the value of the user.checksum.sha256 xattr on
// path, if present. A missing xattr (ENODATA) or an unsupported filesystem
// (EOPNOTSUPP) are both reported as "no cached checksum", not an error.
func cachedChecksum(path string) (string, bool, error) {
	const xattrChecksumName = "user.checksum.sha256"
	value, err := system.Lgetxattr(path, xattrChecksumName)
	if err != nil {
		if errors.Is(err, unix.ENODATA) || errors.Is(err, unix.EOPNOTSUPP) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("get cached checksum xattr on %q: %w", path, err)
	}
	return string(value), true, nil
}

// lstatx returns the raw stat_t for path, without following a trailing
// symlink, so callers can get at fields (device, inode, rdev) that
// os.FileInfo doesn't expose.
func lstatx(path string) (unix.Stat_t, error) {
	var st unix.Stat_t
	if err := unix.Lstat(path, &st); err != nil {
		return unix.Stat_t{}, fmt.Errorf("lstat %q: %w", path, err)
	}
	return st, nil
}

// lstat is a thin os.Lstat wrapper returning the os.FileInfo view, with the
// path added to any error. Nothing in this package calls it.
func lstat(path string) (os.FileInfo, error) {
	fi, err := os.Lstat(path)
	if err != nil {
		return nil, fmt.Errorf("lstat %q: %w", path, err)
	}
	return fi, nil
}
