// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	units "github.com/docker/go-units"
	digest "github.com/opencontainers/go-digest"
	ispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/urfave/cli"
)

var statCommand = cli.Command{
	Name:      "stat",
	Usage:     "display a human-readable summary of an OCI layout",
	ArgsUsage: `<image-path>`,

	Flags: []cli.Flag{
		cli.IntFlag{
			Name:  "manifest",
			Usage: "index of the manifest to stat",
			Value: 0,
		},
	},

	Action: runStat,
}

func runStat(ctx *cli.Context) error {
	imagePath := ctx.Args().First()
	if imagePath == "" {
		return fmt.Errorf("stat: missing <image-path> argument")
	}

	idx, err := readIndex(imagePath)
	if err != nil {
		return err
	}

	which := ctx.Int("manifest")
	if which < 0 || which >= len(idx.Manifests) {
		return fmt.Errorf("stat: manifest index %d out of range (index.json has %d manifests)", which, len(idx.Manifests))
	}
	manifestDesc := idx.Manifests[which]

	var manifest ispec.Manifest
	if err := readBlobJSON(imagePath, manifestDesc.Digest, &manifest); err != nil {
		return fmt.Errorf("read manifest: %w", err)
	}

	var config ispec.Image
	if err := readBlobJSON(imagePath, manifest.Config.Digest, &config); err != nil {
		return fmt.Errorf("read config: %w", err)
	}

	return printStat(os.Stdout, manifestDesc, manifest, config)
}

func readIndex(imagePath string) (ispec.Index, error) {
	data, err := os.ReadFile(filepath.Join(imagePath, "index.json"))
	if err != nil {
		return ispec.Index{}, fmt.Errorf("read index.json: %w", err)
	}
	var idx ispec.Index
	if err := json.Unmarshal(data, &idx); err != nil {
		return ispec.Index{}, fmt.Errorf("decode index.json: %w", err)
	}
	return idx, nil
}

func readBlobJSON(imagePath string, dig digest.Digest, v any) error {
	path := filepath.Join(imagePath, "blobs", dig.Algorithm().String(), dig.Encoded())
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func printStat(w *os.File, manifestDesc ispec.Descriptor, manifest ispec.Manifest, config ispec.Image) error {
	fmt.Fprintf(w, "Manifest: %s\n", manifestDesc.Digest)
	if manifestDesc.Platform != nil {
		fmt.Fprintf(w, "Platform: %s/%s", manifestDesc.Platform.OS, manifestDesc.Platform.Architecture)
		if manifestDesc.Platform.Variant != "" {
			fmt.Fprintf(w, "/%s", manifestDesc.Platform.Variant)
		}
		fmt.Fprintln(w)
	}
	fmt.Fprintln(w)

	tw := tabwriter.NewWriter(w, 4, 2, 1, ' ', 0)
	fmt.Fprintf(tw, "LAYER\tSIZE\tCOMMENT\n")
	for i, hist := range config.History {
		layerID := "<none>"
		size := "<none>"
		if !hist.EmptyLayer {
			if li := layerIndexForHistory(config.History, i); li < len(manifest.Layers) {
				layerDesc := manifest.Layers[li]
				layerID = layerDesc.Digest.String()
				size = units.HumanSize(float64(layerDesc.Size))
			}
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", layerID, size, hist.Comment)
	}
	return tw.Flush()
}

// layerIndexForHistory maps a history-entry index to the corresponding
// index into manifest.Layers, since empty_layer entries don't consume a
// layer slot. Ground on umoci's historyStatList, which performs the same
// correspondence while building its stat table.
func layerIndexForHistory(history []ispec.History, histIdx int) int {
	layerIdx := -1
	for i := 0; i <= histIdx; i++ {
		if !history[i].EmptyLayer {
			layerIdx++
		}
	}
	return layerIdx
}
