// Copyright (C) The Dynamo Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package dynamo

import (
	"errors"
	"math"

	"github.com/cellvelocity/dynamo/matrix"
	"gopkg.in/check.v1"
)

type momentFitSuite struct{}

var _ = check.Suite(&momentFitSuite{})

func closeTo(c *check.C, got, want, rel float64, what string) {
	c.Check(math.Abs(got-want) <= rel*math.Abs(want), check.Equals, true, check.Commentf("%s: got %v, want %v", what, got, want))
}

func (s *momentFitSuite) TestConstantPromoterIsPoisson(c *check.C) {
	m := switchingModel{A: 1, B: 1, AlphaA: 2, AlphaI: 2, K: 0.5, Gamma: 0.3}
	t := []float64{0, 1, 2, 4}
	mean, variance, mature := m.moments(t)
	c.Check(mean[0], check.Equals, 0.0)
	for i, ti := range t[1:] {
		i := i + 1
		want := 2 / 0.5 * (1 - math.Exp(-0.5*ti))
		closeTo(c, mean[i], want, 1e-8, "mean")
		closeTo(c, variance[i], want, 1e-8, "variance")
		closeTo(c, mature[i], matureMean(2, 0.5, 0.3, ti), 1e-8, "mature")
	}
	closeTo(c, matureMean(2, 0.5, 0.5, 3), matureMean(2, 0.5, 0.5+1e-7, 3), 1e-5, "equal rates")

	// bursty transcription is overdispersed
	m.AlphaA, m.AlphaI = 4, 0
	mean, variance, _ = m.moments([]float64{4})
	c.Check(variance[0] > 1.5*mean[0], check.Equals, true, check.Commentf("mean %v variance %v", mean[0], variance[0]))
}

// momentInput builds four-way moments from known models, one gene
// per model.
func momentInput(t []float64, models ...switchingModel) *EstimatorInput {
	g := len(models)
	ul := &Moments{M: matrix.Zeros(g, len(t)), V: matrix.Zeros(g, len(t)), TUniq: t}
	sl := &Moments{M: matrix.Zeros(g, len(t)), V: matrix.Zeros(g, len(t)), TUniq: t}
	for j, m := range models {
		mean, variance, mature := m.moments(t)
		for k := range t {
			ul.M.Set(j, k, mean[k])
			ul.V.Set(j, k, variance[k])
			sl.M.Set(j, k, mature[k])
		}
	}
	return &EstimatorInput{
		Data:    &VelocityData{Layout: FourWay},
		U:       matrix.Zeros(3, g),
		S:       matrix.Zeros(3, g),
		Mode:    ModeMoment,
		Moments: map[string]*Moments{"ul": ul, "sl": sl},
	}
}

func (s *momentFitSuite) TestRecoverRates(c *check.C) {
	bursty := switchingModel{A: 0.5, B: 1, AlphaA: 6, AlphaI: 0.5, K: 0.4, Gamma: 0.2}
	steady := switchingModel{A: 1, B: 1, AlphaA: 3, AlphaI: 3, K: 1, Gamma: 0.5}
	in := momentInput([]float64{0, 0.5, 1, 2, 4, 8}, bursty, steady)
	res, err := NewMomentEstimator().Fit(in)
	c.Assert(err, check.IsNil)
	for j, m := range []switchingModel{bursty, steady} {
		closeTo(c, res.Beta[j], m.K, 0.02, "beta")
		closeTo(c, res.Alpha[j], m.alpha(), 0.02, "alpha")
		closeTo(c, res.Gamma[j], m.Gamma, 0.05, "gamma")
		for _, v := range []float64{res.A[j], res.B[j], res.AlphaA[j]} {
			c.Check(v > 0 && !math.IsInf(v, 0), check.Equals, true)
		}
		c.Check(res.AlphaI[j] >= 0, check.Equals, true)
		// unlabeled cells: velocity is the synthesis rate
		c.Check(res.VelocityU.At(0, j), check.Equals, res.Alpha[j])
		c.Check(res.VelocityS.At(0, j), check.Equals, 0.0)
	}
	c.Check(res.AlphaA[0] > res.AlphaI[0], check.Equals, true)
}

func (s *momentFitSuite) TestLabelingOnly(c *check.C) {
	m := switchingModel{A: 1, B: 2, AlphaA: 5, AlphaI: 1, K: 0.3}
	in := momentInput([]float64{1, 2, 4}, m)
	in.Data.Layout = Labeling
	in.Moments = map[string]*Moments{"": in.Moments["ul"]}
	res, err := NewMomentEstimator().Fit(in)
	c.Assert(err, check.IsNil)
	c.Check(res.Beta, check.IsNil)
	c.Check(res.VelocityS, check.IsNil)
	closeTo(c, res.Gamma[0], 0.3, 0.02, "gamma")
}

func (s *momentFitSuite) TestUnfittableGene(c *check.C) {
	in := momentInput([]float64{0, 1, 2}, switchingModel{A: 1, B: 1, K: 1, Gamma: 1})
	res, err := NewMomentEstimator().Fit(in)
	c.Assert(err, check.IsNil)
	c.Check(math.IsNaN(res.Beta[0]), check.Equals, true)
	c.Check(math.IsNaN(res.AlphaA[0]), check.Equals, true)

	in.Mode = ModeDeterministic
	_, err = NewMomentEstimator().Fit(in)
	c.Check(errors.Is(err, ErrConfiguration), check.Equals, true)

	in.Mode = ModeMoment
	delete(in.Moments, "sl")
	_, err = NewMomentEstimator().Fit(in)
	c.Check(errors.Is(err, ErrConfiguration), check.Equals, true)
}
