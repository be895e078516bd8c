package node

import (
	"context"
	"errors"
	"testing"

	"github.com/samcharles93/strata/internal/model/modeltest"
	"github.com/samcharles93/strata/internal/tensor"
	"github.com/samcharles93/strata/internal/topology"
)

const twoWorkers = `
master:
  layers: "0-1"
nodes:
  - name: w1
    address: "127.0.0.1:1"
    device: cpu
    layers: "2-4"
  - name: w2
    address: "127.0.0.1:2"
    device: cuda
    layers: "5-7"
`

func load(t *testing.T) *topology.Topology {
	t.Helper()
	topo, err := topology.Parse([]byte(twoWorkers))
	if err != nil {
		t.Fatal(err)
	}
	return topo
}

func TestNewWorker(t *testing.T) {
	t.Parallel()
	cfg := modeltest.Config(8)
	c, err := New(Options{Mode: ModeWorker, Name: "w1"}, load(t), cfg, modeltest.New(cfg, 1))
	if err != nil {
		t.Fatal(err)
	}
	if c.Blocks != (topology.Range{Start: 2, End: 5}) {
		t.Fatalf("blocks = %s", c.Blocks)
	}
	if c.DType != tensor.F16 || c.Device != topology.DeviceCPU {
		t.Fatalf("dtype=%s device=%s", c.DType, c.Device)
	}
	if c.MaxContext != cfg.MaxPosition {
		t.Fatalf("max context = %d", c.MaxContext)
	}
}

func TestNewMaster(t *testing.T) {
	t.Parallel()
	cfg := modeltest.Config(8)
	c, err := New(Options{Mode: "MASTER", DType: "bf16", MaxContext: 64}, load(t), cfg, modeltest.New(cfg, 1))
	if err != nil {
		t.Fatal(err)
	}
	if c.Name != topology.MasterName || c.Blocks != (topology.Range{Start: 0, End: 2}) {
		t.Fatalf("name=%s blocks=%s", c.Name, c.Blocks)
	}
	if c.DType != tensor.BF16 || c.MaxContext != 64 {
		t.Fatalf("dtype=%s max=%d", c.DType, c.MaxContext)
	}
}

func TestNewRejects(t *testing.T) {
	t.Parallel()
	cfg := modeltest.Config(8)
	src := modeltest.New(cfg, 1)
	cases := map[string]Options{
		"mode":         {Mode: "observer"},
		"dtype":        {Mode: ModeWorker, Name: "w1", DType: "int8"},
		"unknown node": {Mode: ModeWorker, Name: "w9"},
		"cuda device":  {Mode: ModeWorker, Name: "w2"},
		"bogus device": {Mode: ModeWorker, Name: "w1", Device: "tpu"},
		"metal forced": {Mode: ModeMaster, Device: "metal"},
	}
	for name, opts := range cases {
		_, err := New(opts, load(t), cfg, src)
		if !errors.Is(err, topology.ErrConfig) {
			t.Fatalf("%s: expected config error, got %v", name, err)
		}
	}

	short := modeltest.Config(6)
	if _, err := New(Options{Mode: ModeWorker, Name: "w1"}, load(t), short, src); !IsConfigError(err) {
		t.Fatalf("layer count mismatch: expected config error, got %v", err)
	}
}

func TestFromOptionsMissingPaths(t *testing.T) {
	t.Parallel()
	if _, err := FromOptions(context.Background(), Options{Mode: ModeWorker}); !IsConfigError(err) {
		t.Fatalf("expected config error, got %v", err)
	}
	_, err := FromOptions(context.Background(), Options{Mode: ModeWorker, TopologyPath: "/nonexistent/topology.yml", ModelPath: t.TempDir()})
	if !IsConfigError(err) {
		t.Fatalf("expected config error for missing topology, got %v", err)
	}
}
