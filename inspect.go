// Copyright (C) The Dynamo Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package dynamo

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/cellvelocity/dynamo/anndata"
)

type inspectcmd struct {
	dataset datasetFlags
}

func (cmd *inspectcmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	cmd.dataset.Flags(flags, false)
	outputFilename := flags.String("o", "-", "output `file`")
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	} else if flags.NArg() > 0 {
		err = fmt.Errorf("errant command line arguments after parsed flags: %v", flags.Args())
		return 2
	}

	adata, err := cmd.dataset.start(false)
	if err != nil {
		return 1
	}

	var output io.WriteCloser
	if *outputFilename == "-" {
		output = nopCloser{stdout}
	} else {
		output, err = os.OpenFile(*outputFilename, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0777)
		if err != nil {
			return 1
		}
		defer output.Close()
	}
	bufw := bufio.NewWriter(output)
	err = json.NewEncoder(bufw).Encode(Summarize(adata))
	if err != nil {
		return 1
	}
	err = bufw.Flush()
	if err != nil {
		return 1
	}
	err = output.Close()
	if err != nil {
		return 1
	}
	return 0
}

type MatrixSummary struct {
	Name   string
	Rows   int
	Cols   int
	Sparse bool
	NNZ    int
}

// DatasetSummary describes a dataset's shape, contents and apparent
// processing state.
type DatasetSummary struct {
	Cells      int
	Genes      int
	X          MatrixSummary
	Layers     []MatrixSummary
	Obsm       []MatrixSummary
	ObsColumns []string
	VarColumns []string
	UnsKeys    []string

	// Layout is the experiment layout, or empty if the layers match
	// none; LayoutError then says why.
	Layout      string `json:",omitempty"`
	LayoutError string `json:",omitempty"`

	SizeFactorNormalized bool
	Logged               bool
	UseForDynamo         int `json:",omitempty"`
}

func Summarize(adata *anndata.AnnData) *DatasetSummary {
	summ := func(name string, m interface {
		Dims() (int, int)
		IsSparse() bool
		NNZ() int
	}) MatrixSummary {
		r, c := m.Dims()
		return MatrixSummary{Name: name, Rows: r, Cols: c, Sparse: m.IsSparse(), NNZ: m.NNZ()}
	}
	ret := &DatasetSummary{
		Cells:      adata.NCells(),
		Genes:      adata.NGenes(),
		X:          summ("X", adata.X),
		ObsColumns: adata.Obs.Names(),
		VarColumns: adata.Var.Names(),
	}
	for _, name := range adata.LayerNames() {
		ret.Layers = append(ret.Layers, summ(name, adata.Layers[name]))
	}
	for _, name := range adata.ObsmNames() {
		ret.Obsm = append(ret.Obsm, summ(name, adata.Obsm[name]))
	}
	for k := range adata.Uns {
		ret.UnsKeys = append(ret.UnsKeys, k)
	}
	ret.UnsKeys = uniqueSorted(ret.UnsKeys)
	if layout, err := ClassifyLayout(adata, false); err != nil {
		ret.LayoutError = err.Error()
	} else {
		ret.Layout = layout.String()
	}
	ret.SizeFactorNormalized, ret.Logged = detectNormalization(adata.X)
	if use, ok := adata.Var.Bool("use_for_dynamo"); ok {
		ret.UseForDynamo = countTrue(use)
	}
	return ret
}
