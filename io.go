// Copyright (C) The Dynamo Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package dynamo

import (
	"bytes"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/cellvelocity/dynamo/anndata"
	"github.com/cellvelocity/dynamo/matrix"
	"github.com/klauspost/pgzip"
	"github.com/kshedden/gonpy"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/blake2b"
)

const manifestFile = "manifest.json"

// Manifest lists the files of a dataset directory with their
// blake2b-256 digests, and which matrices were stored sparse.
type Manifest struct {
	Shape  [2]int
	Files  map[string]string
	Sparse []string
}

type LoadOptions struct {
	// Sparse loads X and layers as CSR matrices.
	Sparse bool
	// Threads bounds the number of files read concurrently.
	Threads int
}

type WriteOptions struct {
	Gzip    bool
	Threads int
}

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }

// LoadDataset reads a dataset directory: X.npy, layers/*.npy,
// obsm/*.npy (each optionally gzipped), obs.csv, var.csv and
// uns.json. If a manifest is present, file digests are verified.
func LoadDataset(dir string, opts LoadOptions) (*anndata.AnnData, error) {
	var manifest *Manifest
	if buf, err := os.ReadFile(filepath.Join(dir, manifestFile)); err == nil {
		manifest = &Manifest{}
		if err := json.Unmarshal(buf, manifest); err != nil {
			return nil, fmt.Errorf("%s: %w", manifestFile, err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	sparse := map[string]bool{}
	if manifest != nil {
		for _, name := range manifest.Sparse {
			sparse[name] = true
		}
	}

	files := map[string]string{}
	xpath, err := findNpy(dir, "X")
	if err != nil {
		return nil, err
	}
	files["X"] = xpath
	for _, sub := range []string{"layers", "obsm"} {
		entries, err := os.ReadDir(filepath.Join(dir, sub))
		if errors.Is(err, os.ErrNotExist) {
			continue
		} else if err != nil {
			return nil, err
		}
		for _, ent := range entries {
			name := ent.Name()
			base := strings.TrimSuffix(strings.TrimSuffix(name, ".gz"), ".npy")
			if base == name || ent.IsDir() {
				continue
			}
			files[sub+"/"+base] = filepath.Join(dir, sub, name)
		}
	}

	var (
		mtx      sync.Mutex
		matrices = map[string]matrix.Matrix{}
	)
	thr := throttle{Max: opts.Threads}
	for key, path := range files {
		key, path := key, path
		thr.Go(func() error {
			rel, _ := filepath.Rel(dir, path)
			buf, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			if err := manifest.verify(filepath.ToSlash(rel), buf); err != nil {
				return err
			}
			m, err := decodeNpy(buf, strings.HasSuffix(path, ".gz"))
			if err != nil {
				return fmt.Errorf("%s: %w", rel, err)
			}
			var out matrix.Matrix = m
			if sparse[key] || (opts.Sparse && !strings.HasPrefix(key, "obsm/")) {
				out = matrix.Sparsify(m)
			}
			mtx.Lock()
			matrices[key] = out
			mtx.Unlock()
			log.Debugf("loaded %s", rel)
			return nil
		})
	}
	if err := thr.Wait(); err != nil {
		return nil, err
	}

	x := matrices["X"]
	obs, err := readFrame(filepath.Join(dir, "obs.csv"))
	if err != nil {
		return nil, err
	}
	vars, err := readFrame(filepath.Join(dir, "var.csv"))
	if err != nil {
		return nil, err
	}
	var cells, genes []string
	if obs != nil {
		cells = obs.Index
	}
	if vars != nil {
		genes = vars.Index
	}
	adata, err := anndata.New(x, cells, genes)
	if err != nil {
		return nil, err
	}
	if obs != nil {
		adata.Obs = obs
	}
	if vars != nil {
		adata.Var = vars
	}
	for key, m := range matrices {
		switch {
		case strings.HasPrefix(key, "layers/"):
			adata.Layers[strings.TrimPrefix(key, "layers/")] = m
		case strings.HasPrefix(key, "obsm/"):
			adata.Obsm[strings.TrimPrefix(key, "obsm/")] = m
		}
	}
	uns, err := readUns(filepath.Join(dir, "uns.json"), manifest)
	if err != nil {
		return nil, err
	}
	for k, v := range uns {
		adata.Uns[k] = v
	}
	if err := adata.Validate(); err != nil {
		return nil, err
	}
	return adata, nil
}

// verify checks buf against the digest recorded for rel. Files the
// manifest does not list, and a nil manifest, always pass.
func (m *Manifest) verify(rel string, buf []byte) error {
	if m == nil {
		return nil
	}
	want, ok := m.Files[rel]
	if !ok {
		return nil
	}
	sum := blake2b.Sum256(buf)
	if got := hex.EncodeToString(sum[:]); got != want {
		return fmt.Errorf("%w: %s: digest %s does not match manifest %s", ErrDataShape, rel, got, want)
	}
	return nil
}

// unsTypes maps uns keys to the types they decode into. Keys ending
// in dispFitInfo decode as *DispFitInfo.
var unsTypes = map[string]func() interface{}{
	"recipe":   func() interface{} { return &RecipeInfo{} },
	"dynamics": func() interface{} { return &DynamicsInfo{} },
}

// readUns loads uns.json. Known keys decode into their types, encoded
// matrices into *matrix.Dense, numeric arrays into []float64, and
// anything else as generic JSON values. A missing file yields nil.
func readUns(path string, manifest *Manifest) (map[string]interface{}, error) {
	buf, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	if err := manifest.verify(filepath.Base(path), buf); err != nil {
		return nil, err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(buf, &raw); err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	uns := make(map[string]interface{}, len(raw))
	for k, msg := range raw {
		v, err := decodeUnsValue(k, msg)
		if err != nil {
			return nil, fmt.Errorf("%s: %s: %w", filepath.Base(path), k, err)
		}
		uns[k] = v
	}
	return uns, nil
}

func decodeUnsValue(key string, msg json.RawMessage) (interface{}, error) {
	newValue, ok := unsTypes[key]
	if strings.HasSuffix(key, "dispFitInfo") {
		newValue, ok = func() interface{} { return &DispFitInfo{} }, true
	}
	if ok {
		v := newValue()
		return v, json.Unmarshal(msg, v)
	}
	var generic interface{}
	if err := json.Unmarshal(msg, &generic); err != nil {
		return nil, err
	}
	switch g := generic.(type) {
	case map[string]interface{}:
		if _, ok := g["shape"]; ok && len(g) == 2 {
			if _, ok := g["data"]; ok {
				m := &matrix.Dense{}
				return m, json.Unmarshal(msg, m)
			}
		}
	case []interface{}:
		if len(g) == 0 {
			return g, nil
		}
		out := make([]float64, len(g))
		for i, x := range g {
			switch x := x.(type) {
			case float64:
				out[i] = x
			case nil:
				out[i] = math.NaN()
			default:
				return g, nil
			}
		}
		return out, nil
	}
	return generic, nil
}

func findNpy(dir, name string) (string, error) {
	for _, suffix := range []string{".npy", ".npy.gz"} {
		path := filepath.Join(dir, name+suffix)
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("%w: %s has no %s.npy", ErrDataShape, dir, name)
}

// decodeNpy parses a 1- or 2-dimensional numeric npy array. A 1-D
// array becomes a single column.
func decodeNpy(buf []byte, gzipped bool) (*matrix.Dense, error) {
	var r io.Reader = bytes.NewReader(buf)
	if gzipped {
		zr, err := pgzip.NewReader(r)
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		r = zr
	}
	npy, err := gonpy.NewReader(r)
	if err != nil {
		return nil, err
	}
	var rows, cols int
	switch len(npy.Shape) {
	case 1:
		rows, cols = npy.Shape[0], 1
	case 2:
		rows, cols = npy.Shape[0], npy.Shape[1]
	default:
		return nil, fmt.Errorf("%w: npy array has %d dimensions", ErrDataShape, len(npy.Shape))
	}
	data, err := npyFloats(npy)
	if err != nil {
		return nil, err
	}
	if npy.ColumnMajor {
		t := make([]float64, len(data))
		for j := 0; j < cols; j++ {
			for i := 0; i < rows; i++ {
				t[i*cols+j] = data[j*rows+i]
			}
		}
		data = t
	}
	return matrix.NewDense(rows, cols, data), nil
}

func npyFloats(npy *gonpy.NpyReader) ([]float64, error) {
	switch npy.Dtype {
	case "f8":
		return npy.GetFloat64()
	case "f4":
		v, err := npy.GetFloat32()
		return widen(v), err
	case "i8":
		v, err := npy.GetInt64()
		return widen(v), err
	case "i4":
		v, err := npy.GetInt32()
		return widen(v), err
	case "i2":
		v, err := npy.GetInt16()
		return widen(v), err
	case "u4":
		v, err := npy.GetUint32()
		return widen(v), err
	case "u2":
		v, err := npy.GetUint16()
		return widen(v), err
	case "u1":
		v, err := npy.GetUint8()
		return widen(v), err
	default:
		return nil, fmt.Errorf("%w: unsupported npy dtype %q", ErrDataShape, npy.Dtype)
	}
}

func widen[T float32 | int64 | int32 | int16 | uint32 | uint16 | uint8](v []T) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}

// readFrame reads a CSV table whose first column is the row index
// (its header is ignored).
// Columns whose values all parse as booleans become bool columns,
// columns whose non-empty values all parse as numbers become float
// columns (empty is NaN), and the rest are strings. A missing file
// returns nil.
func readFrame(path string) (*anndata.Frame, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: %s has no header", ErrDataShape, path)
	}
	header, rows := records[0], records[1:]
	index := make([]string, len(rows))
	for i, row := range rows {
		index[i] = row[0]
	}
	frame := anndata.NewFrame(index)
	for c := 1; c < len(header); c++ {
		vals := make([]string, len(rows))
		for i, row := range rows {
			vals[i] = row[c]
		}
		if b, ok := parseBools(vals); ok {
			err = frame.SetBool(header[c], b)
		} else if x, ok := parseFloats(vals); ok {
			err = frame.SetFloat(header[c], x)
		} else {
			err = frame.SetString(header[c], vals)
		}
		if err != nil {
			return nil, err
		}
	}
	return frame, nil
}

func parseBools(vals []string) ([]bool, bool) {
	out := make([]bool, len(vals))
	for i, v := range vals {
		switch v {
		case "True", "true":
			out[i] = true
		case "False", "false":
		default:
			return nil, false
		}
	}
	return out, len(vals) > 0
}

func parseFloats(vals []string) ([]float64, bool) {
	out := make([]float64, len(vals))
	for i, v := range vals {
		if v == "" {
			out[i] = math.NaN()
			continue
		}
		x, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, false
		}
		out[i] = x
	}
	return out, true
}

// WriteDataset writes adata to dir in the layout LoadDataset reads,
// plus uns.json and a manifest of digests.
func WriteDataset(dir string, adata *anndata.AnnData, opts WriteOptions) error {
	for _, sub := range []string{"", "layers", "obsm"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0777); err != nil {
			return err
		}
	}
	suffix := ".npy"
	if opts.Gzip {
		suffix = ".npy.gz"
	}
	manifest := &Manifest{
		Shape: [2]int{adata.NCells(), adata.NGenes()},
		Files: map[string]string{},
	}
	var mtx sync.Mutex
	record := func(rel string, buf []byte) error {
		sum := blake2b.Sum256(buf)
		mtx.Lock()
		manifest.Files[rel] = hex.EncodeToString(sum[:])
		mtx.Unlock()
		return os.WriteFile(filepath.Join(dir, filepath.FromSlash(rel)), buf, 0666)
	}

	matrices := map[string]matrix.Matrix{"X": adata.X}
	for name, m := range adata.Layers {
		matrices["layers/"+name] = m
	}
	for name, m := range adata.Obsm {
		matrices["obsm/"+name] = m
	}
	thr := throttle{Max: opts.Threads}
	for key, m := range matrices {
		key, m := key, m
		if m.IsSparse() {
			manifest.Sparse = append(manifest.Sparse, key)
		}
		thr.Go(func() error {
			buf, err := encodeNpy(m, opts.Gzip)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			return record(key+suffix, buf)
		})
	}
	if err := thr.Wait(); err != nil {
		return err
	}
	sort.Strings(manifest.Sparse)

	for name, frame := range map[string]*anndata.Frame{"obs.csv": adata.Obs, "var.csv": adata.Var} {
		buf, err := encodeFrame(frame)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		if err := record(name, buf); err != nil {
			return err
		}
	}
	buf, err := encodeUns(adata.Uns)
	if err != nil {
		return err
	}
	if err := record("uns.json", buf); err != nil {
		return err
	}
	buf, err = json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, manifestFile), buf, 0666)
}

func encodeNpy(m matrix.Matrix, gzipped bool) ([]byte, error) {
	var buf bytes.Buffer
	var w io.Writer = &buf
	var zw *pgzip.Writer
	if gzipped {
		zw = pgzip.NewWriter(&buf)
		w = zw
	}
	npw, err := gonpy.NewWriter(nopCloser{w})
	if err != nil {
		return nil, err
	}
	r, c := m.Dims()
	npw.Shape = []int{r, c}
	if err := npw.WriteFloat64(matrix.Densify(m).RawData()); err != nil {
		return nil, err
	}
	if zw != nil {
		if err := zw.Close(); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func encodeFrame(f *anndata.Frame) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	names := f.Names()
	cols := make([][]string, len(names))
	for k, name := range names {
		if v, ok := f.Float(name); ok {
			cols[k] = make([]string, len(v))
			for i, x := range v {
				cols[k][i] = strconv.FormatFloat(x, 'g', -1, 64)
			}
		} else {
			cols[k], _ = f.Labels(name)
		}
	}
	if err := w.Write(append([]string{"index"}, names...)); err != nil {
		return nil, err
	}
	row := make([]string, len(names)+1)
	for i, idx := range f.Index {
		row[0] = idx
		for k := range names {
			row[k+1] = cols[k][i]
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

// encodeUns writes uns as a JSON object. Entries that cannot be
// represented in JSON are left out with a warning.
func encodeUns(uns map[string]interface{}) ([]byte, error) {
	out := map[string]json.RawMessage{}
	for k, v := range uns {
		buf, err := json.Marshal(v)
		if err != nil {
			log.Warnf("uns.json: omitting %s: %s", k, err)
			continue
		}
		out[k] = buf
	}
	return json.MarshalIndent(out, "", "  ")
}
