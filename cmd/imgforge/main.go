// SPDX-License-Identifier: Apache-2.0

// Command imgforge reads a declarative build recipe and assembles one or
// more OCI image layouts on local disk, without a container runtime or
// registry in the loop.
package main

import (
	"fmt"
	"os"

	"github.com/apex/log"
	"github.com/urfave/cli"
)

var version = ""

const usage = `imgforge assembles OCI image layouts from a declarative recipe`

func main() {
	app := cli.NewApp()
	app.Name = "imgforge"
	app.Usage = usage

	v := "unknown"
	if version != "" {
		v = version
	}
	app.Version = v

	app.Flags = []cli.Flag{
		cli.BoolFlag{
			Name:  "debug",
			Usage: "set log level to debug",
		},
	}

	app.Before = func(ctx *cli.Context) error {
		if ctx.GlobalBool("debug") {
			log.SetLevel(log.DebugLevel)
		}
		return nil
	}

	app.Commands = []cli.Command{
		buildCommand,
		initCommand,
		statCommand,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "imgforge: %v\n", err)
		os.Exit(1)
	}
}
