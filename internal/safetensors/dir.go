package safetensors

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/goccy/go-json"

	"github.com/samcharles93/strata/internal/tensor"
)

const (
	IndexFile  = "model.safetensors.index.json"
	SingleFile = "model.safetensors"
)

type index struct {
	WeightMap map[string]string `json:"weight_map"`
}

// Dir resolves tensor names across the shards of a model directory.
type Dir struct {
	Path   string
	shards map[string]*File
	owner  map[string]*File
}

// OpenDir opens every shard listed in the directory's index file, or the
// single model.safetensors file when no index exists.
func OpenDir(dir string) (*Dir, error) {
	d := &Dir{Path: dir, shards: map[string]*File{}, owner: map[string]*File{}}

	data, err := os.ReadFile(filepath.Join(dir, IndexFile))
	switch {
	case errors.Is(err, os.ErrNotExist):
		f, err := Open(filepath.Join(dir, SingleFile))
		if err != nil {
			return nil, err
		}
		d.shards[SingleFile] = f
		for name := range f.Tensors {
			d.owner[name] = f
		}
		return d, nil
	case err != nil:
		return nil, err
	}

	var idx index
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, fmt.Errorf("safetensors: parse %s: %w", IndexFile, err)
	}
	if len(idx.WeightMap) == 0 {
		return nil, fmt.Errorf("safetensors: %s has an empty weight_map", IndexFile)
	}
	for name, shard := range idx.WeightMap {
		f, ok := d.shards[shard]
		if !ok {
			f, err = Open(filepath.Join(dir, shard))
			if err != nil {
				_ = d.Close()
				return nil, err
			}
			d.shards[shard] = f
		}
		if _, ok := f.Tensors[name]; !ok {
			_ = d.Close()
			return nil, fmt.Errorf("safetensors: %s maps %s to %s, which does not contain it", IndexFile, name, shard)
		}
		d.owner[name] = f
	}
	return d, nil
}

// Names returns every tensor name, sorted.
func (d *Dir) Names() []string {
	out := make([]string, 0, len(d.owner))
	for name := range d.owner {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}

func (d *Dir) Has(name string) bool {
	_, ok := d.owner[name]
	return ok
}

func (d *Dir) Info(name string) (TensorInfo, bool) {
	f, ok := d.owner[name]
	if !ok {
		return TensorInfo{}, false
	}
	return f.Tensor(name)
}

// Load returns a 2-D tensor as a matrix. Half precision weights stay encoded
// and alias the mapped shard.
func (d *Dir) Load(name string) (*tensor.Mat, error) {
	f, ok := d.owner[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	raw, info, err := f.ReadTensor(name)
	if err != nil {
		return nil, err
	}
	if len(info.Shape) != 2 {
		return nil, fmt.Errorf("safetensors: %s has shape %v, want a matrix", name, info.Shape)
	}
	kind, err := info.Kind()
	if err != nil {
		return nil, fmt.Errorf("tensor %s: %w", name, err)
	}
	m, err := tensor.NewMatFromRaw(info.Shape[0], info.Shape[1], kind, raw)
	if err != nil {
		return nil, fmt.Errorf("tensor %s: %w", name, err)
	}
	return &m, nil
}

// LoadVec decodes a 1-D tensor.
func (d *Dir) LoadVec(name string) ([]float32, error) {
	f, ok := d.owner[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	vals, info, err := f.ReadTensorF32(name)
	if err != nil {
		return nil, err
	}
	if len(info.Shape) != 1 {
		return nil, fmt.Errorf("safetensors: %s has shape %v, want a vector", name, info.Shape)
	}
	return vals, nil
}

func (d *Dir) Close() error {
	var errs []error
	for _, f := range d.shards {
		errs = append(errs, f.Close())
	}
	d.shards, d.owner = nil, nil
	return errors.Join(errs...)
}
