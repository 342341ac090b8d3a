// Copyright (C) The Dynamo Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package dynamo

import (
	"flag"
	"io"

	"github.com/cellvelocity/dynamo/anndata"
)

type dynamicscmd struct{ stagecmd }

func (cmd *dynamicscmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	opts := DefaultDynamicsOptions()
	steady := NewSteadyStateEstimator()
	moment := NewMomentEstimator()
	minR2 := 0.01
	vkey := "velocity_S"
	code, err := cmd.run(args, stderr, func(flags *flag.FlagSet) {
		flags.StringVar(&opts.Mode, "mode", opts.Mode, "estimation `mode` (deterministic, moment)")
		flags.StringVar(&opts.TKey, "tkey", opts.TKey, "obs `column` holding labeling time")
		flags.StringVar(&opts.GroupKey, "group", opts.GroupKey, "fit each value of obs `column` separately")
		flags.StringVar(&opts.FilterGeneMode, "filter-gene-mode", opts.FilterGeneMode, "fit `genes`: final (use_for_dynamo), basic (pass_basic_filter), or no")
		flags.BoolVar(&opts.UseSmoothed, "use-smoothed", opts.UseSmoothed, "use moment-smoothed M_ layers")
		flags.BoolVar(&opts.LogUnnormalized, "log-unnormalized", opts.LogUnnormalized, "log1p-transform raw layers")
		flags.BoolVar(&opts.NTR, "ntr", opts.NTR, "use new-to-total ratios")
		flags.Var((*listFlag)(&opts.ProteinNames), "protein-names", "comma-separated `genes` matching the protein matrix columns")
		flags.StringVar(&opts.ExperimentType, "experiment-type", opts.ExperimentType, "experiment `type` label passed to the estimator")
		flags.Float64Var(&steady.Perc, "perc", steady.Perc, "steady-state fit uses cells in the lower and upper `percent` of S")
		flags.IntVar(&moment.MaxEvaluations, "max-evaluations", moment.MaxEvaluations, "moment fit: at most `N` objective evaluations per optimization")
		flags.StringVar(&vkey, "vkey", vkey, "mark use_for_velocity from the fit behind `key` (velocity_U, velocity_S, velocity_P; empty: skip)")
		flags.Float64Var(&minR2, "min-r2", minR2, "minimum R² for use_for_velocity")
	}, func(adata *anndata.AnnData) (*anndata.Delta, error) {
		var est Estimator = steady
		if opts.Mode == ModeMoment {
			est = moment
		}
		d, err := Dynamics(adata, est, opts)
		if err != nil || vkey == "" || opts.Mode == ModeMoment {
			return d, err
		}
		tmp := adata.Copy()
		if err := d.Apply(tmp); err != nil {
			return nil, err
		}
		vd, err := SetVelocityGenes(tmp, vkey, minR2, opts.FilterGeneMode == GeneModeFinal)
		if err != nil {
			return nil, err
		}
		d.Var.SetBool("use_for_velocity", vd.Var.Bool["use_for_velocity"])
		return d, nil
	})
	return reportErr(stderr, code, err)
}
