// Copyright (C) The Dynamo Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package dynamo

import (
	"sort"
	"strings"

	"github.com/cellvelocity/dynamo/anndata"
	"github.com/cellvelocity/dynamo/matrix"
)

// AllLayers requests every layer present in the dataset.
var AllLayers = []string{"all"}

// totalLayer is the pseudo layer holding the sum of
// SizeFactorOptions.TotalLayers.
const totalLayer = "_total_"

// ResolveLayers returns the requested layer names that exist in
// adata: data layers in sorted order, then "X", then "protein" if
// includeProtein is set and adata.Obsm has a protein matrix. A nil
// request or AllLayers selects everything present.
func ResolveLayers(adata *anndata.AnnData, requested []string, includeProtein bool) []string {
	avail := adata.LayerNames()
	avail = append(avail, "X")
	if _, ok := adata.Obsm["protein"]; ok && includeProtein {
		avail = append(avail, "protein")
	}
	if requested == nil || (len(requested) == 1 && requested[0] == "all") {
		return avail
	}
	want := map[string]bool{}
	for _, r := range requested {
		want[r] = true
	}
	var out []string
	for _, l := range avail {
		if want[l] {
			out = append(out, l)
		}
	}
	return out
}

// isDerived reports whether a layer was produced by the pipeline
// (normalized, smoothed, or velocity) rather than supplied as counts.
func isDerived(layer string) bool {
	return strings.HasPrefix(layer, "X_") || strings.HasPrefix(layer, "M_") || strings.HasPrefix(layer, "velocity_")
}

// countLayers is ResolveLayers restricted to non-derived layers.
func countLayers(adata *anndata.AnnData, requested []string, includeProtein bool) []string {
	var out []string
	for _, l := range ResolveLayers(adata, requested, includeProtein) {
		if !isDerived(l) {
			out = append(out, l)
		}
	}
	return out
}

// layerMatrix returns the matrix backing a resolved layer name.
func layerMatrix(adata *anndata.AnnData, layer string) (matrix.Matrix, bool) {
	switch layer {
	case "X":
		return adata.X, adata.X != nil
	case "protein":
		m, ok := adata.Obsm["protein"]
		return m, ok
	default:
		m, ok := adata.Layers[layer]
		return m, ok
	}
}

// SizeFactorColumn returns the obs column holding the size factor
// for layer.
func SizeFactorColumn(layer string) string {
	switch layer {
	case "X":
		return "Size_Factor"
	case totalLayer:
		return "total_Size_Factor"
	default:
		return layer + "_Size_Factor"
	}
}

// layerPrefix returns "" for X and "<layer>_" otherwise.
func layerPrefix(layer string) string {
	if layer == "X" {
		return ""
	}
	return layer + "_"
}

// normalizedName returns the output layer for a normalized layer.
func normalizedName(layer string) string {
	if layer == "X" {
		return layer
	}
	return "X_" + layer
}

var smoothed = map[string]string{
	"X_spliced":   "M_s",
	"X_unspliced": "M_u",
	"X_new":       "M_n",
	"X_old":       "M_o",
	"X_total":     "M_t",
	"X_uu":        "M_uu",
	"X_ul":        "M_ul",
	"X_su":        "M_su",
	"X_sl":        "M_sl",
	"X_protein":   "M_p",
	"X":           "M_s",
}

// SmoothedLayer returns the name of the moment-smoothed layer
// corresponding to a normalized layer, or "" if there is none.
func SmoothedLayer(name string) string {
	return smoothed[name]
}

// uniqueSorted returns the distinct values of s in sorted order.
func uniqueSorted(s []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, v := range s {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	sort.Strings(out)
	return out
}
