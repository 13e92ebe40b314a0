// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"

	"github.com/apex/log"
	"github.com/urfave/cli"

	"github.com/imgforge/imgforge/oci/blob"
)

var initCommand = cli.Command{
	Name:      "init",
	Usage:     "create a new, empty OCI layout",
	ArgsUsage: `<image-path>`,

	Action: runInit,
}

func runInit(ctx *cli.Context) error {
	imagePath := ctx.Args().First()
	if imagePath == "" {
		return fmt.Errorf("init: missing <image-path> argument")
	}

	store, err := blob.NewStore(imagePath)
	if err != nil {
		return fmt.Errorf("create layout: %w", err)
	}
	defer store.Close()

	if err := store.PutIndex(emptyIndex()); err != nil {
		return fmt.Errorf("write empty index.json: %w", err)
	}

	log.Infof("created new OCI image layout: %s", imagePath)
	return nil
}
