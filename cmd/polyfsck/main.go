// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 Damian Peckett <damian@pecke.tt>.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

// polyfsck checks a polyfs file system and optionally extracts it.
package main

import (
	"fmt"
	"os"

	"github.com/dpeckett/polyfs"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

// fsck-compatible exit codes.
const (
	exitOK          = 0
	exitUncorrected = 4
	exitError       = 8
	exitUsage       = 16
)

func main() {
	var verbosity int

	app := &cli.App{
		Name:            "polyfsck",
		Usage:           "check a polyfs file system",
		UsageText:       "polyfsck [-hv] [-x dir] file",
		HideHelpCommand: true,
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "be more verbose",
				Count:   &verbosity,
			},
			&cli.StringFlag{
				Name:    "extract",
				Aliases: []string{"x"},
				Usage:   "extract into `dir`",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				_ = cli.ShowAppHelp(c)
				return cli.Exit("", exitUsage)
			}

			return check(c.Args().First(), c.String("extract"), verbosity)
		},
	}

	if err := app.Run(os.Args); err != nil {
		if _, ok := err.(cli.ExitCoder); !ok {
			err = cli.Exit(fmt.Sprintf("polyfsck: %v", err), exitError)
		}
		cli.HandleExitCoder(err)
	}
}

func check(filename, extractDir string, verbosity int) error {
	f, err := os.Open(filename)
	if err != nil {
		return cli.Exit(fmt.Sprintf("polyfsck: open failed: %v", err), exitError)
	}
	defer f.Close()

	length, err := polyfs.ImageLength(f)
	if err != nil {
		return fail(err)
	}

	img, err := polyfs.OpenImage(f, length)
	if err != nil {
		return fail(err)
	}

	for _, w := range img.Warnings {
		logrus.Warn(w)
	}

	if err := img.VerifyCRC(); err != nil {
		return fail(err)
	}

	opts := polyfs.CheckOptions{
		Verbose: verbosity,
		List:    os.Stdout,
	}
	if extractDir != "" {
		clearUmask()
		opts.Sink = polyfs.NewDirSink(extractDir)
		opts.Path = extractDir
	}

	if err := img.Check(opts); err != nil {
		return fail(err)
	}

	if verbosity > 0 {
		fmt.Printf("%s: OK\n", filename)
	}

	return nil
}

// fail maps validation verdicts to exit 4 and operational failures to
// exit 8, the way fsck-type programs report them.
func fail(err error) error {
	code := exitError
	if polyfs.IsCorrupt(err) {
		code = exitUncorrected
	}
	return cli.Exit(fmt.Sprintf("polyfsck: %v", err), code)
}
