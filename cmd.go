// Copyright (C) The Dynamo Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package dynamo

import (
	"errors"
	"flag"
	"net/http"
	_ "net/http/pprof"
	"os"
	"strings"

	"git.arvados.org/arvados.git/lib/cmd"
	"github.com/cellvelocity/dynamo/anndata"
	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

var (
	handler = cmd.Multi(map[string]cmd.Handler{
		"version":   cmd.Version,
		"-version":  cmd.Version,
		"--version": cmd.Version,

		"recipe":       &recipecmd{},
		"size-factors": &sizeFactorscmd{},
		"normalize":    &normalizecmd{},
		"dispersion":   &dispersioncmd{},
		"filter":       &filtercmd{},
		"dynamics":     &dynamicscmd{},
		"inspect":      &inspectcmd{},
	})
)

func Main() {
	if !isatty.IsTerminal(os.Stderr.Fd()) {
		logrus.StandardLogger().Formatter = &logrus.TextFormatter{DisableTimestamp: true}
	}
	os.Exit(handler.RunCommand(os.Args[0], os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

// datasetFlags are the input/output flags shared by every
// subcommand that transforms a dataset directory.
type datasetFlags struct {
	input   string
	output  string
	sparse  bool
	gzip    bool
	threads int
	pprof   string
	debug   bool
}

func (df *datasetFlags) Flags(flags *flag.FlagSet, output bool) {
	flags.StringVar(&df.input, "i", "", "input dataset `dir`")
	if output {
		flags.StringVar(&df.output, "o", "", "output dataset `dir`")
		flags.BoolVar(&df.gzip, "gzip", false, "gzip output npy files")
	}
	flags.BoolVar(&df.sparse, "sparse", false, "load X and layers as sparse matrices")
	flags.IntVar(&df.threads, "threads", 4, "read/write up to `N` files concurrently")
	flags.StringVar(&df.pprof, "pprof", "", "serve Go profile data at http://`[addr]:port`")
	flags.BoolVar(&df.debug, "debug", false, "log debug messages")
}

// start validates the flags, starts the profiling server if
// requested, and loads the input dataset.
func (df *datasetFlags) start(needOutput bool) (*anndata.AnnData, error) {
	if df.input == "" {
		return nil, errors.New("no input dataset specified (-i)")
	}
	if needOutput && df.output == "" {
		return nil, errors.New("no output dataset specified (-o)")
	}
	if df.debug {
		logrus.SetLevel(logrus.DebugLevel)
	}
	if df.pprof != "" {
		go func() {
			logrus.Println(http.ListenAndServe(df.pprof, nil))
		}()
	}
	return LoadDataset(df.input, LoadOptions{Sparse: df.sparse, Threads: df.threads})
}

func (df *datasetFlags) write(adata *anndata.AnnData) error {
	return WriteDataset(df.output, adata, WriteOptions{Gzip: df.gzip, Threads: df.threads})
}

// listFlag is a comma-separated list of names.
type listFlag []string

func (l *listFlag) String() string { return strings.Join(*l, ",") }

func (l *listFlag) Set(s string) error {
	*l = nil
	if s != "" {
		*l = strings.Split(s, ",")
	}
	return nil
}
