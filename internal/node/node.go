// Package node assembles the read-only configuration a strata process is
// started with.
package node

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/samcharles93/strata/internal/model"
	"github.com/samcharles93/strata/internal/safetensors"
	"github.com/samcharles93/strata/internal/tensor"
	"github.com/samcharles93/strata/internal/tokenizer"
	"github.com/samcharles93/strata/internal/topology"
)

type Mode string

const (
	ModeMaster Mode = "master"
	ModeWorker Mode = "worker"
)

// DefaultMaxContext caps the cache when config.json does not say otherwise.
const DefaultMaxContext = 4096

// Options are the raw values collected from flags and the config file.
type Options struct {
	Mode         Mode
	Name         string
	ModelPath    string
	TopologyPath string
	Device       string
	DType        string
	MaxContext   int
}

// Context is built once at startup and shared read-only by every component
// of the process.
type Context struct {
	Mode       Mode
	Name       string
	Topology   *topology.Topology
	Config     *model.Config
	DType      tensor.DType
	Device     string
	Blocks     topology.Range
	MaxContext int
	Weights    model.Source
	Tokenizer  tokenizer.Tokenizer

	closer io.Closer
}

// FromOptions loads the topology, model config, weights and (for the
// master) tokenizer. Every failure wraps topology.ErrConfig.
func FromOptions(ctx context.Context, opts Options) (*Context, error) {
	if opts.TopologyPath == "" {
		return nil, configErrorf("topology file is required")
	}
	if opts.ModelPath == "" {
		return nil, configErrorf("model path is required")
	}
	topo, err := topology.Load(opts.TopologyPath)
	if err != nil {
		return nil, err
	}
	cfg, err := model.LoadConfig(filepath.Join(opts.ModelPath, model.ConfigFile))
	if err != nil {
		return nil, configErrorf("%v", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	weights, err := safetensors.OpenDir(opts.ModelPath)
	if err != nil {
		return nil, configErrorf("%v", err)
	}
	nctx, err := New(opts, topo, cfg, weights)
	if err != nil {
		_ = weights.Close()
		return nil, err
	}
	nctx.closer = weights
	if nctx.Mode == ModeMaster {
		tok, err := tokenizer.Load(opts.ModelPath)
		if err != nil {
			_ = weights.Close()
			return nil, configErrorf("tokenizer: %v", err)
		}
		nctx.Tokenizer = tok
	}
	return nctx, nil
}

// New validates opts against an already loaded topology, config and weight
// source.
func New(opts Options, topo *topology.Topology, cfg *model.Config, weights model.Source) (*Context, error) {
	mode := Mode(strings.ToLower(string(opts.Mode)))
	if mode != ModeMaster && mode != ModeWorker {
		return nil, configErrorf("unknown mode %q (expected master or worker)", opts.Mode)
	}
	dtype, err := tensor.ParseDType(opts.DType)
	if err != nil {
		return nil, configErrorf("%v", err)
	}
	if err := topo.Validate(cfg.NumHiddenLayers); err != nil {
		return nil, err
	}

	c := &Context{
		Mode:       mode,
		Name:       opts.Name,
		Topology:   topo,
		Config:     cfg,
		DType:      dtype,
		Weights:    weights,
		MaxContext: opts.MaxContext,
	}
	if c.MaxContext <= 0 {
		c.MaxContext = cfg.MaxPosition
	}
	if c.MaxContext <= 0 {
		c.MaxContext = DefaultMaxContext
	}

	device := opts.Device
	switch mode {
	case ModeMaster:
		if c.Name == "" {
			c.Name = topology.MasterName
		}
		if m, ok := topo.Master(); ok {
			c.Blocks = m.Blocks
			if device == "" {
				device = m.Device
			}
		}
	case ModeWorker:
		n, ok := topo.Node(c.Name)
		if !ok {
			return nil, configErrorf("worker %q is not part of the topology", c.Name)
		}
		c.Blocks = n.Blocks
		if device == "" {
			device = n.Device
		}
	}
	if c.Device, err = ResolveDevice(device); err != nil {
		return nil, err
	}
	return c, nil
}

// ResolveDevice maps a requested device onto one this build can run on.
func ResolveDevice(dev string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(dev)) {
	case "", topology.DeviceAuto, topology.DeviceCPU:
		return topology.DeviceCPU, nil
	case topology.DeviceCUDA, topology.DeviceMetal:
		return "", configErrorf("device %q is not available in this build", dev)
	default:
		return "", configErrorf("unknown device %q", dev)
	}
}

// Ident is the name used in logs and error reports.
func (c *Context) Ident() string { return c.Name }

func (c *Context) Close() error {
	if c.closer == nil {
		return nil
	}
	return c.closer.Close()
}

func configErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", topology.ErrConfig, fmt.Sprintf(format, args...))
}

// IsConfigError reports whether err came from startup validation.
func IsConfigError(err error) bool { return errors.Is(err, topology.ErrConfig) }
