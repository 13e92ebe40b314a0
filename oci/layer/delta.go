// SPDX-License-Identifier: Apache-2.0

package layer

import (
	"archive/tar"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"golang.org/x/sys/unix"

	"github.com/imgforge/imgforge/internal/idtools"
)

// paxChecksumKey is the reserved PAX record carrying a regular file's
// content checksum, per spec.md §6.
const paxChecksumKey = "freedesktopsdk.checksum.sha256"

// permMask retains only the twelve low bits of a tar header's POSIX mode
// (permission bits plus setuid/setgid/sticky), discarding anything above
// them. tar.Header.Mode is always already in this POSIX encoding (unlike
// os.FileMode, which uses its own high-bit flags for setuid/setgid/sticky),
// so a plain numeric mask is all that's needed here. It is applied to both
// the upper stat and the lower entry's tar header mode before the two are
// ever compared, correcting the original implementation's asymmetry
// (see spec.md §9, open question 2).
const permMask int64 = 0o7777

// deltaDecider is the Delta Decider of spec.md §4.3. It implements Visitor,
// driven by Walk, and writes decisions to a tarEmitter.
type deltaDecider struct {
	emitter *tarEmitter
	lower   *LowerView
	cfg     Config
}

func newDeltaDecider(emitter *tarEmitter, lower *LowerView, cfg Config) *deltaDecider {
	return &deltaDecider{emitter: emitter, lower: lower, cfg: cfg}
}

// VisitDir emits the directory's own header and any whiteouts required for
// children present in the lower stack but missing from the upper tree.
func (d *deltaDecider) VisitDir(absPath, relPath string, info os.FileInfo, childNames []string) error {
	hdr, err := d.buildHeader(absPath, relPath, info)
	if err != nil {
		return err
	}
	if err := d.emitter.writeHeader(hdr); err != nil {
		return err
	}

	present := make(map[string]bool, len(childNames))
	for _, name := range childNames {
		present[name] = true
	}

	vanished := make([]string, 0)
	for _, base := range d.lower.DirContents[relPath] {
		if !present[base] {
			vanished = append(vanished, base)
		}
	}
	sort.Strings(vanished)

	for _, base := range vanished {
		if err := d.emitWhiteout(relPath, base); err != nil {
			return err
		}
	}
	return nil
}

// VisitFile decides, for a single non-directory upper entry, whether to
// emit it, or skip it because it is unchanged from the lower stack.
func (d *deltaDecider) VisitFile(absPath, relPath string, info os.FileInfo) error {
	hdr, err := d.buildHeader(absPath, relPath, info)
	if err != nil {
		return err
	}

	var content io.Reader
	if hdr.Typeflag == tar.TypeReg {
		checksum, err := d.regularFileChecksum(absPath)
		if err != nil {
			return err
		}
		if hdr.PAXRecords == nil {
			hdr.PAXRecords = map[string]string{}
		}
		hdr.PAXRecords[paxChecksumKey] = checksum
		// hdr.Xattrs (set in buildHeader) is turned into the matching
		// "SCHILY.xattr.*" PAX records by archive/tar.Writer itself; no
		// need to duplicate that translation here.
	}

	if lowerHdr, ok := d.lower.Lookup(relPath); ok {
		unchanged, err := d.unchanged(relPath, hdr, lowerHdr)
		if err != nil {
			return err
		}
		if unchanged {
			d.emitter.forgetArcname(hdr.Name)
			return nil
		}
	}

	if hdr.Typeflag == tar.TypeReg {
		f, err := os.Open(absPath)
		if err != nil {
			return fmt.Errorf("open %q: %w", absPath, err)
		}
		defer f.Close()
		content = f
	}

	if content != nil {
		return d.emitter.writeFile(hdr, content)
	}
	return d.emitter.writeHeader(hdr)
}

// unchanged implements the unchanged-file elision test of spec.md §4.3
// step 3.
func (d *deltaDecider) unchanged(relPath string, upper, lower *tar.Header) (bool, error) {
	if upper.Typeflag != lower.Typeflag {
		return false, nil
	}
	if upper.Uid != lower.Uid || upper.Gid != lower.Gid {
		return false, nil
	}
	if upper.Mode&permMask != lower.Mode&permMask {
		return false, nil
	}
	if upper.ModTime.Unix() != lower.ModTime.Unix() {
		return false, nil
	}
	if upper.Size != lower.Size {
		return false, nil
	}
	if !xattrsEqual(upper.Xattrs, lower.Xattrs) {
		return false, nil
	}

	switch upper.Typeflag {
	case tar.TypeReg:
		upperSum := upper.PAXRecords[paxChecksumKey]
		lowerSum := lower.PAXRecords[paxChecksumKey]
		if lowerSum == "" {
			var err error
			lowerSum, err = d.lowerFileChecksum(relPath)
			if err != nil {
				return false, err
			}
		}
		return upperSum == lowerSum, nil
	case tar.TypeLink:
		return true, nil
	case tar.TypeSymlink:
		return upper.Linkname == lower.Linkname, nil
	default:
		return false, fmt.Errorf("unexpected type %q in matched-and-skipping branch for %q", string(upper.Typeflag), relPath)
	}
}

// xattrsEqual compares only the xattr sets of two headers, per spec.md §9's
// note that other PAX keys (the content checksum in particular) must not
// factor into the unchanged-file comparison.
func xattrsEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

// regularFileChecksum returns the content checksum to record for the
// upper's copy of absPath: the cached user.checksum.sha256 xattr if
// present, else the SHA-256 of the file's current content.
func (d *deltaDecider) regularFileChecksum(absPath string) (string, error) {
	if checksum, ok, err := cachedChecksum(absPath); err != nil {
		return "", err
	} else if ok {
		return checksum, nil
	}

	f, err := os.Open(absPath)
	if err != nil {
		return "", fmt.Errorf("open %q for checksum: %w", absPath, err)
	}
	defer f.Close()
	return sha256sum(f)
}

// lowerFileChecksum streams a lower entry's content through SHA-256, used
// only when that entry's own PAX header lacks a cached checksum. This
// corrects the original implementation's bug of hashing the (already
// known-absent) checksum value instead of the lower's actual content (see
// spec.md §9, open question 1).
func (d *deltaDecider) lowerFileChecksum(relPath string) (string, error) {
	r, err := d.lower.Content(relPath)
	if err != nil {
		return "", fmt.Errorf("read lower content for %q: %w", relPath, err)
	}
	return sha256sum(r)
}

func sha256sum(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", fmt.Errorf("sha256: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// buildHeader constructs the tar.Header for a single upper entry, applying
// UID/GID mapping, permission masking, xattr collection, hardlink tracking,
// and the SOURCE_DATE_EPOCH mtime override.
func (d *deltaDecider) buildHeader(absPath, relPath string, info os.FileInfo) (*tar.Header, error) {
	linkname := ""
	if info.Mode()&os.ModeSymlink != 0 {
		var err error
		linkname, err = os.Readlink(absPath)
		if err != nil {
			return nil, fmt.Errorf("readlink %q: %w", absPath, err)
		}
	}

	hdr, err := tar.FileInfoHeader(info, linkname)
	if err != nil {
		return nil, fmt.Errorf("build header for %q: %w", absPath, err)
	}
	hdr.Name = tarName(relPath, info.IsDir())
	hdr.Uname, hdr.Gname = "", ""
	hdr.Mode &= permMask

	statx, err := lstatx(absPath)
	if err != nil {
		return nil, err
	}
	hdr.Uid = int(statx.Uid)
	hdr.Gid = int(statx.Gid)
	if statx.Mode&unix.S_IFMT == unix.S_IFBLK || statx.Mode&unix.S_IFMT == unix.S_IFCHR {
		hdr.Devmajor = int64(unix.Major(statx.Rdev))
		hdr.Devminor = int64(unix.Minor(statx.Rdev))
	}

	if len(d.cfg.MapOptions.UIDMappings) > 0 {
		uid, err := idtools.ToContainer(hdr.Uid, d.cfg.MapOptions.UIDMappings)
		if err != nil {
			if !d.cfg.MapOptions.Rootless {
				return nil, fmt.Errorf("map uid for %q: %w", relPath, err)
			}
		} else {
			hdr.Uid = uid
		}
	}
	if len(d.cfg.MapOptions.GIDMappings) > 0 {
		gid, err := idtools.ToContainer(hdr.Gid, d.cfg.MapOptions.GIDMappings)
		if err != nil {
			if !d.cfg.MapOptions.Rootless {
				return nil, fmt.Errorf("map gid for %q: %w", relPath, err)
			}
		} else {
			hdr.Gid = gid
		}
	}

	if info.Mode().IsRegular() {
		xattrs, err := lxattrs(absPath)
		if err != nil {
			return nil, err
		}
		hdr.Xattrs = xattrs
	} else {
		hdr.Xattrs = map[string]string{}
	}

	if hdr.Typeflag != tar.TypeDir {
		key := inodeKey{dev: statx.Dev, ino: statx.Ino}
		if statx.Nlink > 1 {
			if oldname, ok := d.emitter.reserve(key, hdr.Name); ok {
				hdr.Typeflag = tar.TypeLink
				hdr.Linkname = oldname
				hdr.Size = 0
			}
		}
	}

	epoch := d.cfg.epochOrElse(hdr.ModTime.Unix())
	hdr.ModTime = time.Unix(epoch, 0)
	hdr.AccessTime = time.Time{}
	hdr.ChangeTime = time.Time{}

	return hdr, nil
}

// emitWhiteout synthesizes and writes the dummy whiteout entry for a
// vanished lower child, per spec.md §4.3 step 1: uid/gid/mode copied from
// the lower entry, size zero, mtime the epoch if set else the lower's own
// mtime.
func (d *deltaDecider) emitWhiteout(relDir, base string) error {
	lowerRelPath := base
	if relDir != "." {
		lowerRelPath = relDir + "/" + base
	}
	lowerHdr, ok := d.lower.Lookup(lowerRelPath)
	if !ok {
		return fmt.Errorf("whiteout target %q vanished from lower view mid-build", lowerRelPath)
	}

	name := whPrefix + base
	if relDir != "." {
		name = relDir + "/" + name
	}

	hdr := &tar.Header{
		Name:     name,
		Typeflag: tar.TypeReg,
		Uid:      lowerHdr.Uid,
		Gid:      lowerHdr.Gid,
		Mode:     lowerHdr.Mode & permMask,
		Size:     0,
		ModTime:  time.Unix(d.cfg.epochOrElse(lowerHdr.ModTime.Unix()), 0),
	}
	return d.emitter.writeHeader(hdr)
}

// tarName renders relPath as a tar entry name: POSIX-style, no leading
// slash, with a trailing slash for directories (some older tooling still
// expects this even though it's no longer required by the format).
func tarName(relPath string, isDir bool) string {
	if relPath == "." {
		return "./"
	}
	if isDir {
		return relPath + "/"
	}
	return relPath
}
