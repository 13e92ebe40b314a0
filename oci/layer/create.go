// SPDX-License-Identifier: Apache-2.0

package layer

import (
	"fmt"
	"io"
)

// CreateLayer writes to output a single tar stream which, when overlaid on
// lowers (in the order given, earliest base first), reproduces upperRoot
// exactly. This is the layer package's top-level operation, composing
// FoldLowers, Walk, the delta decider and the tar emitter (spec.md §6).
//
// lowers must already be decompressed; CreateLayer does not handle gzip or
// any other transport encoding. On return, output holds the complete tar
// stream, including its end-of-archive trailer -- CreateLayer never closes
// output itself, so the caller can rewind it to compute the diff_id before
// wrapping it in a content-addressed blob.
func CreateLayer(output io.Writer, upperRoot string, lowers []LowerSource, cfg Config) error {
	lowerView, err := FoldLowers(lowers)
	if err != nil {
		return fmt.Errorf("fold lower layers: %w", err)
	}

	emitter := newTarEmitter(output)
	decider := newDeltaDecider(emitter, lowerView, cfg)

	if err := Walk(upperRoot, decider); err != nil {
		return fmt.Errorf("walk upper root %q: %w", upperRoot, err)
	}

	if err := emitter.close(); err != nil {
		return err
	}
	return nil
}
