// SPDX-License-Identifier: Apache-2.0

package layer

import (
	"archive/tar"
	"fmt"
	"io"

	"github.com/imgforge/imgforge/internal/system"
)

// tarEmitter is a thin wrapper around archive/tar.Writer that additionally
// tracks which arcname first claimed a given inode, so that later references
// to the same inode within a single traversal can be turned into hardlink
// entries instead of duplicating file content.
//
// The inode cache is exposed for external mutation (forgetArcname) because
// the delta decider needs to retract a tentative reservation when it decides
// to elide an entry whose content turned out to be unchanged from the lower
// stack -- otherwise a later hardlinked sibling would try to link to a
// header that was never actually written.
type tarEmitter struct {
	tw *tar.Writer

	// inodes maps a (device, inode) pair observed on the upper filesystem to
	// the arcname that first claimed it.
	inodes map[inodeKey]string
}

type inodeKey struct {
	dev uint64
	ino uint64
}

func newTarEmitter(w io.Writer) *tarEmitter {
	return &tarEmitter{
		tw:     tar.NewWriter(w),
		inodes: map[inodeKey]string{},
	}
}

// reserve records that arcname is the first entry to claim the given inode.
// It returns the arcname of a prior claimant, if any.
func (te *tarEmitter) reserve(key inodeKey, arcname string) (string, bool) {
	if old, ok := te.inodes[key]; ok {
		return old, true
	}
	te.inodes[key] = arcname
	return "", false
}

// forgetArcname removes any inode-cache entry pointing at arcname. This must
// be called whenever an entry that was tentatively reserved is elided
// instead of written, so that hardlinks to it are not generated later.
func (te *tarEmitter) forgetArcname(arcname string) {
	for key, name := range te.inodes {
		if name == arcname {
			delete(te.inodes, key)
		}
	}
}

// writeHeader writes hdr, including any PAX extended header archive/tar
// decides is needed for it (long names, non-ASCII fields, or the xattr/pax
// records callers stash in hdr.PAXRecords). archive/tar serialises PAX
// records in sorted-key order, which is what gives CreateLayer its
// byte-for-byte reproducibility guarantee for a fixed traversal order.
func (te *tarEmitter) writeHeader(hdr *tar.Header) error {
	if err := te.tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("write tar header %q: %w", hdr.Name, err)
	}
	return nil
}

// writeFile writes hdr followed by the content read from r. n must equal
// hdr.Size.
func (te *tarEmitter) writeFile(hdr *tar.Header, r io.Reader) error {
	if err := te.writeHeader(hdr); err != nil {
		return err
	}
	n, err := system.Copy(te.tw, r)
	if err != nil {
		return fmt.Errorf("copy content for %q: %w", hdr.Name, err)
	}
	if n != hdr.Size {
		return fmt.Errorf("copy content for %q: %w", hdr.Name, io.ErrShortWrite)
	}
	return nil
}

func (te *tarEmitter) close() error {
	if err := te.tw.Close(); err != nil {
		return fmt.Errorf("close tar writer: %w", err)
	}
	return nil
}
