// SPDX-License-Identifier: Apache-2.0

package layer

import (
	"archive/tar"
	"fmt"
	"io"
	"path"
	"strings"
)

// LowerSource is a single lower layer: an already-decompressed tar stream
// that also supports seeking, so that after the initial fold we can jump
// back to a member's content without re-reading everything that came
// before it (see spec.md §9's note on materialising an in-memory index
// rather than repeatedly re-scanning a lower tar).
type LowerSource = io.ReadSeeker

// lowerEntry is what FoldLowers records for each surviving path.
type lowerEntry struct {
	sourceIdx int
	header    *tar.Header
	// dataOffset is the byte offset, within the owning LowerSource, of the
	// start of this entry's content. Only meaningful for regular files.
	dataOffset int64
}

// LowerView is the result of folding an ordered stack of lower layer tar
// streams into a flat virtual filesystem view, honouring OCI whiteouts and
// opaque-directory markers along the way. See spec.md §3 and §4.1.
type LowerView struct {
	entries map[string]lowerEntry
	sources []LowerSource

	// DirContents maps a directory path to the set of immediate child
	// basenames visible after whiteout folding.
	DirContents map[string][]string
}

// Lookup returns the tar.Header recorded for relPath, if relPath survived
// whiteout folding.
func (lv *LowerView) Lookup(relPath string) (*tar.Header, bool) {
	e, ok := lv.entries[relPath]
	if !ok {
		return nil, false
	}
	return e.header, true
}

// Has reports whether relPath is present in the lower view.
func (lv *LowerView) Has(relPath string) bool {
	_, ok := lv.entries[relPath]
	return ok
}

// Content returns a reader, bounded to the entry's recorded size, for
// relPath's content in whichever lower tar currently owns it. This seeks
// the owning LowerSource, so it must not be called concurrently with
// another Content call against a LowerSource shared by two paths -- the
// core is single-threaded, so this is never an issue in practice (see
// spec.md §5).
func (lv *LowerView) Content(relPath string) (io.Reader, error) {
	e, ok := lv.entries[relPath]
	if !ok {
		return nil, fmt.Errorf("content for %q: not present in lower view", relPath)
	}
	src := lv.sources[e.sourceIdx]
	if _, err := src.Seek(e.dataOffset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek lower source %d to %q content: %w", e.sourceIdx, relPath, err)
	}
	return io.LimitReader(src, e.header.Size), nil
}

// FoldLowers processes an ordered sequence of lower layer tar streams,
// earliest-base first and latest-parent last, and returns the resulting
// LowerView. This is the Lower Index of spec.md §4.1.
//
// Folding algorithm, per tar, in member iteration order:
//
//   - a ".wh..wh..opq" entry marks its parent directory opaque: every
//     previously-accumulated path under that directory is dropped.
//   - a ".wh.<name>" entry removes the sibling <name> from the accumulator;
//     removing a path that isn't present is a silent no-op (this matches
//     overlayfs's own behaviour and the reality of accreted layer
//     histories).
//   - any other entry simply (re-)claims that path for the current tar.
func FoldLowers(lowers []LowerSource) (*LowerView, error) {
	lv := &LowerView{
		entries: map[string]lowerEntry{},
		sources: lowers,
	}

	for idx, lower := range lowers {
		tr := tar.NewReader(lower)
		for {
			hdr, err := tr.Next()
			if err == io.EOF {
				break
			}
			if err != nil {
				return nil, fmt.Errorf("read lower tar %d: %w", idx, err)
			}

			name := normalizeTarPath(hdr.Name)
			dir, base := path.Split(name)
			dir = strings.TrimSuffix(dir, "/")

			switch {
			case base == whOpaque:
				prefix := ""
				if dir != "" {
					prefix = dir + "/"
				}
				for existing := range lv.entries {
					if strings.HasPrefix(existing, prefix) {
						delete(lv.entries, existing)
					}
				}
			case strings.HasPrefix(base, whPrefix):
				target := path.Join(dir, strings.TrimPrefix(base, whPrefix))
				delete(lv.entries, target)
			default:
				var dataOffset int64
				if hdr.Typeflag == tar.TypeReg {
					if off, err := lower.Seek(0, io.SeekCurrent); err == nil {
						dataOffset = off
					}
				}
				lv.entries[name] = lowerEntry{
					sourceIdx:  idx,
					header:     hdr,
					dataOffset: dataOffset,
				}
			}
		}
	}

	lv.DirContents = deriveDirContents(lv.entries)
	return lv, nil
}

// normalizeTarPath strips any leading "./" or "/" from a tar member name and
// cleans it, so that lookups against walker-produced relative paths agree
// regardless of how the lower tar happened to record the name.
func normalizeTarPath(name string) string {
	name = path.Clean("/" + name)
	return strings.TrimPrefix(name, "/")
}

// deriveDirContents groups the surviving paths in entries by their parent
// directory, producing the dir_contents map described in spec.md §3. The
// root directory is keyed as "." to match the relPath convention Walk uses
// for the upper root, rather than the empty string path.Split would
// otherwise produce.
func deriveDirContents(entries map[string]lowerEntry) map[string][]string {
	contents := map[string][]string{}
	for name := range entries {
		dir, base := path.Split(name)
		dir = strings.TrimSuffix(dir, "/")
		if dir == "" {
			dir = "."
		}
		contents[dir] = append(contents[dir], base)
	}
	return contents
}
