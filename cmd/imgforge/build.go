// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/apex/log"
	ispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/moby/sys/userns"
	"github.com/urfave/cli"

	"github.com/imgforge/imgforge/oci/blob"
	"github.com/imgforge/imgforge/oci/image"
	"github.com/imgforge/imgforge/recipe"
)

var buildCommand = cli.Command{
	Name:  "build",
	Usage: "build one or more OCI images from a recipe",
	ArgsUsage: `[-f <recipe.yaml>]

Reads a YAML build recipe (from the given file, or from stdin if -f is
omitted) and assembles the images it describes into the recipe's own
"output" OCI layout path.`,

	Flags: []cli.Flag{
		cli.StringFlag{
			Name:  "f",
			Usage: "path to the recipe file (defaults to stdin)",
		},
	},

	Action: runBuild,
}

func runBuild(ctx *cli.Context) error {
	data, err := readRecipeInput(ctx.String("f"))
	if err != nil {
		return err
	}

	rec, err := recipe.Decode(data)
	if err != nil {
		return err
	}

	sourceDateEpoch, err := sourceDateEpochFromEnv()
	if err != nil {
		return err
	}

	algo, ok := blob.ByName(string(rec.Compression))
	if !ok {
		return fmt.Errorf("unsupported compression %q", rec.Compression)
	}
	level := 0
	if rec.CompressionLevel != nil {
		level = *rec.CompressionLevel
	}

	rootless := userns.RunningInUserNS()
	if rootless {
		log.Debugf("running inside a user namespace, building with rootless id-mapping semantics")
	}

	buildCfg := image.BuildConfig{
		SourceDateEpoch:  sourceDateEpoch,
		Compression:      algo,
		CompressionLevel: level,
		Rootless:         rootless,
	}

	store, err := blob.NewStore(rec.Output)
	if err != nil {
		return fmt.Errorf("open output layout %q: %w", rec.Output, err)
	}
	defer store.Close()

	descs := make([]ispec.Descriptor, 0, len(rec.Images))
	for i, img := range rec.Images {
		log.Infof("building image %d/%d (%s/%s)", i+1, len(rec.Images), img.OS, img.Architecture)
		desc, err := image.BuildImage(img, store, buildCfg)
		if err != nil {
			return fmt.Errorf("build image %d: %w", i, err)
		}
		descs = append(descs, desc)
	}

	if err := image.BuildIndex(rec.Output, descs, rec.Annotations); err != nil {
		return fmt.Errorf("write index: %w", err)
	}

	log.Infof("wrote %d image(s) to %s", len(descs), rec.Output)
	return nil
}

func readRecipeInput(path string) ([]byte, error) {
	if path == "" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("read recipe from stdin: %w", err)
		}
		return data, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read recipe %q: %w", path, err)
	}
	return data, nil
}

// sourceDateEpochFromEnv reads SOURCE_DATE_EPOCH once, at the CLI boundary,
// and threads it through explicitly from here on -- the core and oci/image
// packages never consult the environment themselves.
func sourceDateEpochFromEnv() (*time.Time, error) {
	raw := os.Getenv("SOURCE_DATE_EPOCH")
	if raw == "" {
		return nil, nil
	}
	secs, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid SOURCE_DATE_EPOCH %q: %w", raw, err)
	}
	t := time.Unix(secs, 0).UTC()
	return &t, nil
}
