// SPDX-License-Identifier: Apache-2.0

package layer

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	securejoin "github.com/cyphar/filepath-securejoin"
)

// Visitor receives the Tree Walker's traversal events. It is the seam
// between the walker and the Delta Decider: VisitDir gets the full sorted
// list of a directory's immediate children before anything in the
// directory is emitted, which is exactly what's needed to diff against the
// lower stack's recorded directory contents and synthesize whiteouts for
// vanished children; VisitFile gets each non-directory child, in ascending
// lexicographic order, for per-file delta decisions.
type Visitor interface {
	// VisitDir is called once per directory, including the upper root
	// (relPath "."), after its children have been listed but before any of
	// them have been visited. childNames is every immediate child
	// basename (files and subdirectories alike), sorted ascending.
	VisitDir(absPath, relPath string, info os.FileInfo, childNames []string) error

	// VisitFile is called once per non-directory child of the most
	// recently visited directory, in ascending lexicographic order of
	// basename.
	VisitFile(absPath, relPath string, info os.FileInfo) error
}

// walkFrame is a directory pending expansion on the traversal stack.
type walkFrame struct {
	absPath string
	relPath string
}

// Walk performs the Tree Walker traversal of spec.md §4.2 over the upper
// tree rooted at root: a stack-based depth-first walk where each
// directory's own visit happens immediately before its children are
// visited, subdirectories are recursed into only after all of the
// directory's plain files have been visited, and sibling directories are
// visited in ascending lexicographic order.
//
// A symlink that happens to point at a directory is never followed or
// recursed into -- it is reported to VisitFile like any other
// non-directory child, since the tar stream records the symlink itself,
// not its target's contents.
//
// Every absolute path handed to the visitor is resolved with
// filepath-securejoin against root, so a malicious or unexpected symlink
// inside the upper tree cannot cause traversal to escape root.
func Walk(root string, v Visitor) error {
	rootInfo, err := os.Lstat(root)
	if err != nil {
		return fmt.Errorf("stat walk root %q: %w", root, err)
	}
	if !rootInfo.IsDir() {
		return fmt.Errorf("walk root %q is not a directory", root)
	}

	stack := []walkFrame{{absPath: root, relPath: "."}}
	for len(stack) > 0 {
		frame := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		frameInfo, err := os.Lstat(frame.absPath)
		if err != nil {
			return fmt.Errorf("stat %q: %w", frame.absPath, err)
		}

		entries, err := os.ReadDir(frame.absPath)
		if err != nil {
			return fmt.Errorf("read dir %q: %w", frame.absPath, err)
		}
		names := make([]string, len(entries))
		for i, e := range entries {
			names[i] = e.Name()
		}
		sort.Strings(names)

		if err := v.VisitDir(frame.absPath, frame.relPath, frameInfo, names); err != nil {
			return err
		}

		var subdirs []string
		for _, name := range names {
			relPath := joinRel(frame.relPath, name)
			absPath, err := securejoin.SecureJoin(root, relPath)
			if err != nil {
				return fmt.Errorf("resolve path %q under %q: %w", relPath, root, err)
			}

			info, err := os.Lstat(absPath)
			if err != nil {
				return fmt.Errorf("stat %q: %w", absPath, err)
			}

			if info.IsDir() {
				subdirs = append(subdirs, name)
				continue
			}

			if err := v.VisitFile(absPath, relPath, info); err != nil {
				return err
			}
		}

		// Push in reverse-lexicographic order so that popping the stack
		// visits subdirectories in ascending order.
		for i := len(subdirs) - 1; i >= 0; i-- {
			relPath := joinRel(frame.relPath, subdirs[i])
			absPath, err := securejoin.SecureJoin(root, relPath)
			if err != nil {
				return fmt.Errorf("resolve path %q under %q: %w", relPath, root, err)
			}
			stack = append(stack, walkFrame{absPath: absPath, relPath: relPath})
		}
	}
	return nil
}

// joinRel joins a walk-relative parent path with a child basename, treating
// "." as the root and always producing a slash-separated, non-dot-prefixed
// result so relPath values match the normalised form lower tar members are
// folded under in LowerView.
func joinRel(parent, name string) string {
	if parent == "." {
		return name
	}
	return filepath.ToSlash(filepath.Join(parent, name))
}
