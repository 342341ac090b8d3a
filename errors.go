// Copyright (C) The Dynamo Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package dynamo

import (
	"errors"

	"github.com/cellvelocity/dynamo/anndata"
)

var (
	// ErrConfiguration indicates an unsupported method name or a
	// required annotation column that is missing.
	ErrConfiguration = errors.New("configuration error")

	// ErrDataShape indicates an unrecognized layer combination or
	// mismatched dimensions.
	ErrDataShape = anndata.ErrShape

	// ErrFitFailed indicates that a model fit produced no usable
	// result. Choosing different thresholds usually helps.
	ErrFitFailed = errors.New("fit failed")
)

// bothErr wraps two sentinels so errors.Is matches either.
type bothErr struct {
	msg  string
	errs [2]error
}

func (e *bothErr) Error() string { return e.msg }

func (e *bothErr) Is(target error) bool {
	return target == e.errs[0] || target == e.errs[1]
}
