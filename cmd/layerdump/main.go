// Copyright 2026 The pagestore Authors
// This file is part of the pagestore library.
//
// The pagestore library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The pagestore library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the pagestore library. If not, see <http://www.gnu.org/licenses/>.

// layerdump prints the contents of a pagestore layer file, dispatching on
// the magic bytes at the start of the file.
package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
	"github.com/zenithdb/pagestore/pagestore"
)

func main() {
	app := &cli.App{
		Name:      "layerdump",
		Usage:     "dump the contents of a delta or image layer file",
		ArgsUsage: "<layer-file>",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "list every stored page version, not just per-key counts",
			},
		},
		Action: func(ctx *cli.Context) error {
			if ctx.NArg() != 1 {
				return fmt.Errorf("expected exactly one layer file argument")
			}
			return pagestore.DumpLayerFile(ctx.Args().First(), ctx.Bool("verbose"), os.Stdout)
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
