// Copyright (C) The Dynamo Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package dynamo

import (
	"bytes"
	"encoding/json"
	"math"
	"os"
	"path/filepath"

	"gopkg.in/check.v1"
)

type cmdSuite struct{}

var _ = check.Suite(&cmdSuite{})

func (s *cmdSuite) TestInspect(c *check.C) {
	dir := c.MkDir()
	c.Assert(WriteDataset(dir, splicingDataset(c, 100, 50, 40), WriteOptions{}), check.IsNil)

	var stdout, stderr bytes.Buffer
	exited := (&inspectcmd{}).RunCommand("inspect", []string{"-i", dir}, nil, &stdout, &stderr)
	c.Assert(exited, check.Equals, 0, check.Commentf("%s", stderr.String()))
	var summ DatasetSummary
	c.Assert(json.Unmarshal(stdout.Bytes(), &summ), check.IsNil)
	c.Check(summ.Cells, check.Equals, 100)
	c.Check(summ.Genes, check.Equals, 50)
	c.Check(summ.Layout, check.Equals, "splicing")
	c.Check(summ.LayoutError, check.Equals, "")
	c.Check(summ.Logged, check.Equals, false)
	c.Assert(summ.Layers, check.HasLen, 2)
	c.Check(summ.Layers[0].Name, check.Equals, "spliced")

	outfile := filepath.Join(c.MkDir(), "summary.json")
	exited = (&inspectcmd{}).RunCommand("inspect", []string{"-i", dir, "-o", outfile}, nil, &stdout, &stderr)
	c.Check(exited, check.Equals, 0)
	buf, err := os.ReadFile(outfile)
	c.Assert(err, check.IsNil)
	c.Check(string(buf), check.Matches, `(?s).*"Layout":"splicing".*`)
}

func (s *cmdSuite) TestUsageErrors(c *check.C) {
	var stderr bytes.Buffer
	c.Check((&inspectcmd{}).RunCommand("inspect", []string{"-bogus"}, nil, &bytes.Buffer{}, &stderr), check.Equals, 2)
	c.Check((&inspectcmd{}).RunCommand("inspect", []string{"-help"}, nil, &bytes.Buffer{}, &stderr), check.Equals, 0)
	c.Check((&inspectcmd{}).RunCommand("inspect", []string{"extra"}, nil, &bytes.Buffer{}, &stderr), check.Equals, 2)

	stderr.Reset()
	c.Check((&inspectcmd{}).RunCommand("inspect", nil, nil, &bytes.Buffer{}, &stderr), check.Equals, 1)
	c.Check(stderr.String(), check.Matches, `(?s).*no input dataset.*`)

	stderr.Reset()
	c.Check((&normalizecmd{}).RunCommand("normalize", []string{"-i", c.MkDir()}, nil, &bytes.Buffer{}, &stderr), check.Equals, 1)
	c.Check(stderr.String(), check.Matches, `(?s).*no output dataset.*`)

	stderr.Reset()
	c.Check((&recipecmd{}).RunCommand("recipe", []string{"-normalized", "maybe"}, nil, &bytes.Buffer{}, &stderr), check.Equals, 2)
	c.Check(stderr.String(), check.Matches, `(?s).*-normalized.*`)
}

func (s *cmdSuite) TestRecipeCommand(c *check.C) {
	in, out := c.MkDir(), c.MkDir()
	c.Assert(WriteDataset(in, splicingDataset(c, 100, 50, 41), WriteOptions{}), check.IsNil)
	var stderr bytes.Buffer
	exited := (&recipecmd{}).RunCommand("recipe", []string{
		"-i", in, "-o", out, "-gzip",
		"-num-dim", "4",
		"-min-expr-genes-s", "10", "-min-expr-genes-u", "5",
		"-n-top-genes", "30",
	}, nil, &bytes.Buffer{}, &stderr)
	c.Assert(exited, check.Equals, 0, check.Commentf("%s", stderr.String()))

	adata, err := LoadDataset(out, LoadOptions{})
	c.Assert(err, check.IsNil)
	pca, ok := adata.Obsm["X_pca"]
	c.Assert(ok, check.Equals, true)
	_, k := pca.Dims()
	c.Check(k, check.Equals, 4)
	use, ok := adata.Var.Bool("use_for_dynamo")
	c.Assert(ok, check.Equals, true)
	c.Check(countTrue(use) <= 30, check.Equals, true)
	_, ok = adata.Layers["X_unspliced"]
	c.Check(ok, check.Equals, true)
	_, err = os.Stat(filepath.Join(out, "X.npy.gz"))
	c.Check(err, check.IsNil)
}

func (s *cmdSuite) TestStageCommands(c *check.C) {
	dir := c.MkDir()
	c.Assert(WriteDataset(dir, overdispersedDataset(c, 300, 40, 42), WriteOptions{}), check.IsNil)
	var stderr bytes.Buffer

	step := filepath.Join(c.MkDir(), "sf")
	c.Assert((&sizeFactorscmd{}).RunCommand("size-factors", []string{"-i", dir, "-o", step, "-method", SizeFactorMedian}, nil, &bytes.Buffer{}, &stderr), check.Equals, 0, check.Commentf("%s", stderr.String()))
	adata, err := LoadDataset(step, LoadOptions{})
	c.Assert(err, check.IsNil)
	sfs, ok := adata.Obs.Float("spliced_Size_Factor")
	c.Assert(ok, check.Equals, true)
	checkFinitePositive(c, sfs)

	disp := filepath.Join(c.MkDir(), "disp")
	c.Assert((&dispersioncmd{}).RunCommand("dispersion", []string{"-i", step, "-o", disp, "-scores"}, nil, &bytes.Buffer{}, &stderr), check.Equals, 0, check.Commentf("%s", stderr.String()))
	adata, err = LoadDataset(disp, LoadOptions{})
	c.Assert(err, check.IsNil)
	_, ok = adata.Var.Float("dispersion_score")
	c.Check(ok, check.Equals, true)

	filtered := filepath.Join(c.MkDir(), "filtered")
	c.Assert((&filtercmd{}).RunCommand("filter", []string{"-i", step, "-o", filtered, "-min-expr-genes-s", "10", "-min-expr-genes-u", "5", "-keep-filtered-genes=false", "-n-top-genes", "15"}, nil, &bytes.Buffer{}, &stderr), check.Equals, 0, check.Commentf("%s", stderr.String()))
	adata, err = LoadDataset(filtered, LoadOptions{})
	c.Assert(err, check.IsNil)
	c.Check(adata.NGenes() <= 15, check.Equals, true)
	c.Check(adata.NGenes() > 0, check.Equals, true)
	_, ok = adata.Obs.Bool("use_for_dynamo")
	c.Check(ok, check.Equals, true)

	norm := filepath.Join(c.MkDir(), "norm")
	c.Assert((&normalizecmd{}).RunCommand("normalize", []string{"-i", filtered, "-o", norm, "-layers", "spliced,unspliced"}, nil, &bytes.Buffer{}, &stderr), check.Equals, 0, check.Commentf("%s", stderr.String()))
	adata, err = LoadDataset(norm, LoadOptions{})
	c.Assert(err, check.IsNil)
	_, ok = adata.Layers["X_spliced"]
	c.Check(ok, check.Equals, true)
	_, ok = adata.Layers["X_unspliced"]
	c.Check(ok, check.Equals, true)
}

func (s *cmdSuite) TestDynamicsCommand(c *check.C) {
	dir, out := c.MkDir(), c.MkDir()
	c.Assert(WriteDataset(dir, steadyStateDataset(c, 200, 43), WriteOptions{}), check.IsNil)
	var stderr bytes.Buffer
	exited := (&dynamicscmd{}).RunCommand("dynamics", []string{"-i", dir, "-o", out, "-filter-gene-mode", GeneModeNone, "-protein-names", "gene2,gene0"}, nil, &bytes.Buffer{}, &stderr)
	c.Assert(exited, check.Equals, 0, check.Commentf("%s", stderr.String()))

	adata, err := LoadDataset(out, LoadOptions{})
	c.Assert(err, check.IsNil)
	vs, ok := adata.Layers["velocity_S"]
	c.Assert(ok, check.Equals, true)
	c.Check(vs.IsSparse(), check.Equals, true)
	use, ok := adata.Var.Bool("use_for_velocity")
	c.Assert(ok, check.Equals, true)
	c.Check(use, check.DeepEquals, []bool{true, true, true, false, true})
	prot, ok := adata.Var.Bool("is_protein_velocity_genes")
	c.Assert(ok, check.Equals, true)
	c.Check(prot, check.DeepEquals, []bool{true, false, true, false, false})
	_, ok = adata.Obsm["velocity_P"]
	c.Check(ok, check.Equals, true)

	stderr.Reset()
	exited = (&dynamicscmd{}).RunCommand("dynamics", []string{"-i", dir, "-o", c.MkDir(), "-mode", "stochastic"}, nil, &bytes.Buffer{}, &stderr)
	c.Check(exited, check.Equals, 1)
	c.Check(stderr.String(), check.Matches, `(?s).*not supported.*`)
}

func (s *cmdSuite) TestDynamicsMomentCommand(c *check.C) {
	dir, out := c.MkDir(), c.MkDir()
	c.Assert(WriteDataset(dir, fourWayDataset(c, 60, 4, 36), WriteOptions{}), check.IsNil)
	var stderr bytes.Buffer
	exited := (&dynamicscmd{}).RunCommand("dynamics", []string{"-i", dir, "-o", out, "-mode", "moment", "-filter-gene-mode", "no", "-max-evaluations", "100"}, nil, &bytes.Buffer{}, &stderr)
	c.Assert(exited, check.Equals, 0, check.Commentf("%s", stderr.String()))

	adata, err := LoadDataset(out, LoadOptions{})
	c.Assert(err, check.IsNil)
	for _, col := range []string{"a", "b", "alpha_a", "alpha_i", "beta", "gamma"} {
		v, ok := adata.Var.Float(col)
		c.Assert(ok, check.Equals, true, check.Commentf("%s", col))
		for j, x := range v {
			c.Check(math.IsNaN(x), check.Equals, false, check.Commentf("%s[%d]", col, j))
		}
	}
	_, ok := adata.Layers["velocity_S"]
	c.Check(ok, check.Equals, true)
}

func (s *cmdSuite) TestDispersionThenFilter(c *check.C) {
	dir := c.MkDir()
	c.Assert(WriteDataset(dir, overdispersedDataset(c, 300, 40, 44), WriteOptions{}), check.IsNil)
	var stderr bytes.Buffer

	disp := filepath.Join(c.MkDir(), "disp")
	c.Assert((&dispersioncmd{}).RunCommand("dispersion", []string{"-i", dir, "-o", disp}, nil, &bytes.Buffer{}, &stderr), check.Equals, 0, check.Commentf("%s", stderr.String()))
	adata, err := LoadDataset(disp, LoadOptions{})
	c.Assert(err, check.IsNil)
	fi, ok := adata.Uns[DispFitInfoKey("X")].(*DispFitInfo)
	c.Assert(ok, check.Equals, true)
	c.Check(fi.Coefs[0] > 0, check.Equals, true)
	c.Check(fi.MinCellsDetected, check.Equals, 1)

	filtered := filepath.Join(c.MkDir(), "filtered")
	exited := (&filtercmd{}).RunCommand("filter", []string{"-i", disp, "-o", filtered, "-min-expr-genes-s", "10", "-min-expr-genes-u", "5", "-sort-by", "dispersion", "-n-top-genes", "10", "-keep-filtered-genes=false"}, nil, &bytes.Buffer{}, &stderr)
	c.Assert(exited, check.Equals, 0, check.Commentf("%s", stderr.String()))
	adata, err = LoadDataset(filtered, LoadOptions{})
	c.Assert(err, check.IsNil)
	c.Check(adata.NGenes() > 0, check.Equals, true)
	c.Check(adata.NGenes() <= 10, check.Equals, true)
}
