// Copyright (C) The Dynamo Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package dynamo

import (
	"bytes"
	"encoding/json"
	"errors"
	"math"
	"os"
	"path/filepath"

	"github.com/cellvelocity/dynamo/anndata"
	"github.com/cellvelocity/dynamo/matrix"
	"github.com/kshedden/gonpy"
	"gopkg.in/check.v1"
)

type ioSuite struct{}

var _ = check.Suite(&ioSuite{})

func smallDataset(c *check.C) *anndata.AnnData {
	x := matrix.FromRows([][]float64{{1, 0, 2}, {0, 3, 0}, {4, 0, 5}, {0, 0, 6}})
	adata, err := anndata.New(x, []string{"c0", "c1", "c2", "c3"}, []string{"g0", "g1", "g2"})
	c.Assert(err, check.IsNil)
	adata.Layers["spliced"] = matrix.Sparsify(x)
	adata.Obsm["X_pca"] = matrix.FromRows([][]float64{{0.5}, {-1}, {2}, {0}})
	c.Assert(adata.Obs.SetFloat("Size_Factor", []float64{1.5, 0.5, math.NaN(), 1}), check.IsNil)
	c.Assert(adata.Obs.SetBool("use_for_dynamo", []bool{true, false, true, true}), check.IsNil)
	c.Assert(adata.Obs.SetString("batch", []string{"a", "b", "a", "b"}), check.IsNil)
	c.Assert(adata.Var.SetBool("use_for_dynamo", []bool{true, true, false}), check.IsNil)
	adata.Uns["recipe"] = &RecipeInfo{Method: ReducePCA, NumDim: 1}
	adata.Uns["M"] = matrix.FromRows([][]float64{{1, math.NaN()}})
	adata.Uns["ratio"] = []float64{0.5, 0.25}
	adata.Uns["method"] = "log"
	return adata
}

func (s *ioSuite) TestRoundTrip(c *check.C) {
	for _, gz := range []bool{false, true} {
		dir := c.MkDir()
		adata := smallDataset(c)
		c.Assert(WriteDataset(dir, adata, WriteOptions{Gzip: gz, Threads: 2}), check.IsNil)
		suffix := ".npy"
		if gz {
			suffix = ".npy.gz"
		}
		_, err := os.Stat(filepath.Join(dir, "layers", "spliced"+suffix))
		c.Check(err, check.IsNil)

		got, err := LoadDataset(dir, LoadOptions{Threads: 2})
		c.Assert(err, check.IsNil)
		c.Check(got.Obs.Index, check.DeepEquals, adata.Obs.Index)
		c.Check(got.Var.Index, check.DeepEquals, adata.Var.Index)
		c.Check(got.X.IsSparse(), check.Equals, false)
		c.Check(matrix.EqualApprox(got.X, adata.X, 0), check.Equals, true)
		c.Check(got.Layers["spliced"].IsSparse(), check.Equals, true)
		c.Check(matrix.EqualApprox(got.Layers["spliced"], adata.X, 0), check.Equals, true)
		c.Check(matrix.EqualApprox(got.Obsm["X_pca"], adata.Obsm["X_pca"], 0), check.Equals, true)

		sfs, ok := got.Obs.Float("Size_Factor")
		c.Assert(ok, check.Equals, true)
		c.Check(sfs[0], check.Equals, 1.5)
		c.Check(math.IsNaN(sfs[2]), check.Equals, true)
		use, ok := got.Obs.Bool("use_for_dynamo")
		c.Check(ok, check.Equals, true)
		c.Check(use, check.DeepEquals, []bool{true, false, true, true})
		batch, ok := got.Obs.Strings("batch")
		c.Check(ok, check.Equals, true)
		c.Check(batch, check.DeepEquals, []string{"a", "b", "a", "b"})
		vuse, _ := got.Var.Bool("use_for_dynamo")
		c.Check(vuse, check.DeepEquals, []bool{true, true, false})

		buf, err := os.ReadFile(filepath.Join(dir, "uns.json"))
		c.Assert(err, check.IsNil)
		var uns map[string]json.RawMessage
		c.Assert(json.Unmarshal(buf, &uns), check.IsNil)
		c.Check(string(uns["M"]), check.Matches, `(?s).*"shape":\s*\[\s*1,\s*2\s*\].*null.*`)
		var info RecipeInfo
		c.Assert(json.Unmarshal(uns["recipe"], &info), check.IsNil)
		c.Check(info.Method, check.Equals, ReducePCA)

		info2, ok := got.Uns["recipe"].(*RecipeInfo)
		c.Assert(ok, check.Equals, true)
		c.Check(info2.NumDim, check.Equals, 1)
		m, ok := got.Uns["M"].(*matrix.Dense)
		c.Assert(ok, check.Equals, true)
		c.Check(m.At(0, 0), check.Equals, 1.0)
		c.Check(math.IsNaN(m.At(0, 1)), check.Equals, true)
		c.Check(got.Uns["ratio"], check.DeepEquals, []float64{0.5, 0.25})
		c.Check(got.Uns["method"], check.Equals, "log")
	}
}

func (s *ioSuite) TestLoadSparse(c *check.C) {
	dir := c.MkDir()
	c.Assert(WriteDataset(dir, smallDataset(c), WriteOptions{}), check.IsNil)
	c.Assert(os.Remove(filepath.Join(dir, manifestFile)), check.IsNil)
	got, err := LoadDataset(dir, LoadOptions{Sparse: true})
	c.Assert(err, check.IsNil)
	c.Check(got.X.IsSparse(), check.Equals, true)
	c.Check(got.X.NNZ(), check.Equals, 6)
	c.Check(got.Obsm["X_pca"].IsSparse(), check.Equals, false)
}

func (s *ioSuite) TestDigestMismatch(c *check.C) {
	dir := c.MkDir()
	c.Assert(WriteDataset(dir, smallDataset(c), WriteOptions{}), check.IsNil)
	path := filepath.Join(dir, "X.npy")
	buf, err := os.ReadFile(path)
	c.Assert(err, check.IsNil)
	buf[len(buf)-1] ^= 0xff
	c.Assert(os.WriteFile(path, buf, 0666), check.IsNil)
	_, err = LoadDataset(dir, LoadOptions{})
	c.Check(errors.Is(err, ErrDataShape), check.Equals, true, check.Commentf("%v", err))
}

func (s *ioSuite) TestMissingX(c *check.C) {
	_, err := LoadDataset(c.MkDir(), LoadOptions{})
	c.Check(errors.Is(err, ErrDataShape), check.Equals, true)
}

func (s *ioSuite) TestOneDimensionalNpy(c *check.C) {
	var buf bytes.Buffer
	w, err := gonpy.NewWriter(nopCloser{&buf})
	c.Assert(err, check.IsNil)
	w.Shape = []int{3}
	c.Assert(w.WriteInt32([]int32{4, 5, 6}), check.IsNil)
	m, err := decodeNpy(buf.Bytes(), false)
	c.Assert(err, check.IsNil)
	r, cols := m.Dims()
	c.Check(r, check.Equals, 3)
	c.Check(cols, check.Equals, 1)
	c.Check(m.At(2, 0), check.Equals, 6.0)
}

func (s *ioSuite) TestReadFrameTypes(c *check.C) {
	path := filepath.Join(c.MkDir(), "obs.csv")
	c.Assert(os.WriteFile(path, []byte(",flag,n,label\nc0,True,1.5,x\nc1,False,,y\n"), 0666), check.IsNil)
	f, err := readFrame(path)
	c.Assert(err, check.IsNil)
	c.Check(f.Index, check.DeepEquals, []string{"c0", "c1"})
	flag, ok := f.Bool("flag")
	c.Check(ok, check.Equals, true)
	c.Check(flag, check.DeepEquals, []bool{true, false})
	n, ok := f.Float("n")
	c.Check(ok, check.Equals, true)
	c.Check(n[0], check.Equals, 1.5)
	c.Check(math.IsNaN(n[1]), check.Equals, true)
	label, ok := f.Strings("label")
	c.Check(ok, check.Equals, true)
	c.Check(label, check.DeepEquals, []string{"x", "y"})

	f, err = readFrame(filepath.Join(c.MkDir(), "var.csv"))
	c.Check(err, check.IsNil)
	c.Check(f, check.IsNil)
}

func (s *ioSuite) TestThrottle(c *check.C) {
	thr := throttle{Max: 2}
	ran := make(chan int, 10)
	for i := 0; i < 10; i++ {
		i := i
		thr.Go(func() error {
			ran <- i
			if i == 3 {
				return errors.New("fail")
			}
			return nil
		})
	}
	c.Check(thr.Wait(), check.ErrorMatches, "fail")
	close(ran)
	n := 0
	for range ran {
		n++
	}
	c.Check(n <= 10, check.Equals, true)
	c.Check(n >= 4, check.Equals, true)
}

func (s *ioSuite) TestUnsDigestMismatch(c *check.C) {
	dir := c.MkDir()
	c.Assert(WriteDataset(dir, smallDataset(c), WriteOptions{}), check.IsNil)
	path := filepath.Join(dir, "uns.json")
	c.Assert(os.WriteFile(path, []byte(`{"method":"clr"}`), 0666), check.IsNil)
	_, err := LoadDataset(dir, LoadOptions{})
	c.Check(errors.Is(err, ErrDataShape), check.Equals, true, check.Commentf("%v", err))
}
