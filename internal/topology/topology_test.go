package topology

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

const twoWorkers = `
total_blocks: 8
nodes:
  - name: w1
    address: 127.0.0.1:10128
    device: cpu
    layers: "0-3"
  - name: w2
    address: 127.0.0.1:10129
    layers: "model.layers.4-7"
`

func TestParseTwoWorkers(t *testing.T) {
	t.Parallel()
	topo, err := Parse([]byte(twoWorkers))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := []Node{
		{Name: "w1", Address: "127.0.0.1:10128", Device: DeviceCPU, Blocks: Range{0, 4}},
		{Name: "w2", Address: "127.0.0.1:10129", Device: DeviceAuto, Blocks: Range{4, 8}},
	}
	if diff := cmp.Diff(want, topo.Chain()); diff != "" {
		t.Fatalf("chain mismatch (-want +got):\n%s", diff)
	}
	if _, ok := topo.Master(); ok {
		t.Fatal("unexpected master range")
	}
	if next, ok := topo.Next("w1"); !ok || next.Name != "w2" {
		t.Fatalf("Next(w1) = %v, %v", next, ok)
	}
	if _, ok := topo.Next("w2"); ok {
		t.Fatal("last node must have no successor")
	}
	if r, _ := topo.Range("w2"); r.String() != "4-7" {
		t.Fatalf("Range(w2) = %s", r)
	}
	if err := topo.Validate(8); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if err := topo.Validate(9); !errors.Is(err, ErrConfig) {
		t.Fatalf("expected ErrConfig for wrong block count, got %v", err)
	}
	if diff := cmp.Diff([]string{"127.0.0.1:10128", "127.0.0.1:10129"}, topo.Addresses()); diff != "" {
		t.Fatalf("addresses: %s", diff)
	}
}

func TestParseMasterAndRangeLists(t *testing.T) {
	t.Parallel()
	topo, err := Parse([]byte(`
master:
  layers: "0-1"
nodes:
  - name: a
    host: 10.0.0.2:10128
    layers: ["2-3", "4"]
  - name: b
    address: 10.0.0.3:10128
    layers: "5-9"
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if topo.TotalBlocks() != 10 {
		t.Fatalf("total = %d", topo.TotalBlocks())
	}
	m, ok := topo.Master()
	if !ok || m.Blocks != (Range{0, 2}) {
		t.Fatalf("master = %+v, %v", m, ok)
	}
	if r, _ := topo.Range("a"); r != (Range{2, 5}) {
		t.Fatalf("Range(a) = %+v", r)
	}
	if owner, _ := topo.Owner(1); owner.Name != MasterName {
		t.Fatalf("Owner(1) = %q", owner.Name)
	}
	if owner, _ := topo.Owner(7); owner.Name != "b" {
		t.Fatalf("Owner(7) = %q", owner.Name)
	}
}

func TestPartitionCoversEveryBlockOnce(t *testing.T) {
	t.Parallel()
	for _, doc := range []string{twoWorkers, `
nodes:
  - {name: a, address: x:1, layers: "0"}
  - {name: b, address: x:2, layers: "1-5"}
  - {name: c, address: x:3, layers: "6-6"}
`} {
		topo, err := Parse([]byte(doc))
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		counts := make([]int, topo.TotalBlocks())
		for _, n := range topo.Chain() {
			for i := n.Blocks.Start; i < n.Blocks.End; i++ {
				counts[i]++
			}
		}
		for i, c := range counts {
			if c != 1 {
				t.Fatalf("block %d owned %d times", i, c)
			}
		}
	}
}

func TestParseRejectsInvalid(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"gap": `
nodes:
  - {name: a, address: x:1, layers: "0-2"}
  - {name: b, address: x:2, layers: "4-7"}`,
		"overlap": `
nodes:
  - {name: a, address: x:1, layers: "0-4"}
  - {name: b, address: x:2, layers: "4-7"}`,
		"out of range": `
total_blocks: 6
nodes:
  - {name: a, address: x:1, layers: "0-3"}
  - {name: b, address: x:2, layers: "4-7"}`,
		"short coverage": `
total_blocks: 10
nodes:
  - {name: a, address: x:1, layers: "0-7"}`,
		"not starting at zero": `
nodes:
  - {name: a, address: x:1, layers: "1-7"}`,
		"master not leading": `
master: {layers: "4-7"}
nodes:
  - {name: a, address: x:1, layers: "0-3"}`,
		"malformed range":  `nodes: [{name: a, address: x:1, layers: "zero-3"}]`,
		"reversed range":   `nodes: [{name: a, address: x:1, layers: "3-0"}]`,
		"missing address":  `nodes: [{name: a, layers: "0-3"}]`,
		"missing name":     `nodes: [{address: x:1, layers: "0-3"}]`,
		"no layers":        `nodes: [{name: a, address: x:1}]`,
		"duplicate name":   "nodes:\n  - {name: a, address: x:1, layers: \"0\"}\n  - {name: a, address: x:2, layers: \"1\"}",
		"reserved name":    `nodes: [{name: master, address: x:1, layers: "0"}]`,
		"bad device":       `nodes: [{name: a, address: x:1, device: tpu, layers: "0"}]`,
		"no nodes":         `total_blocks: 4`,
		"not yaml":         `nodes: [`,
		"list with a hole": `nodes: [{name: a, address: x:1, layers: ["0-1", "3"]}]`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			_, err := Parse([]byte(doc))
			if !errors.Is(err, ErrConfig) {
				t.Fatalf("expected ErrConfig, got %v", err)
			}
			var ce *ConfigError
			if !errors.As(err, &ce) {
				t.Fatalf("expected *ConfigError, got %T", err)
			}
		})
	}
}

func TestDigest(t *testing.T) {
	t.Parallel()
	a, err := Parse([]byte(twoWorkers))
	if err != nil {
		t.Fatal(err)
	}
	moved, err := Parse([]byte(`
total_blocks: 8
nodes:
  - {name: w1, address: 0.0.0.0:10128, layers: "0-3"}
  - {name: w2, address: 0.0.0.0:10129, layers: "4-7"}
`))
	if err != nil {
		t.Fatal(err)
	}
	if a.Digest() != moved.Digest() {
		t.Fatal("digest must not depend on addresses")
	}
	shifted, err := Parse([]byte(`
nodes:
  - {name: w1, address: x:1, layers: "0-2"}
  - {name: w2, address: x:2, layers: "3-7"}
`))
	if err != nil {
		t.Fatal(err)
	}
	if a.Digest() == shifted.Digest() {
		t.Fatal("digest must change when block ranges change")
	}
	if len(a.Digest().String()) != 64 || len(a.Digest().Short()) != 12 {
		t.Fatalf("unexpected digest encoding %s", a.Digest())
	}
}

func TestLoadAnnotatesPath(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "topology.yml")
	if err := os.WriteFile(path, []byte(`nodes: [{name: a, address: x:1, layers: "1-2"}]`), 0o600); err != nil {
		t.Fatal(err)
	}
	_, err := Load(path)
	var ce *ConfigError
	if !errors.As(err, &ce) || ce.Path != path {
		t.Fatalf("expected ConfigError for %s, got %v", path, err)
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yml")); !errors.Is(err, ErrConfig) {
		t.Fatalf("expected ErrConfig for missing file, got %v", err)
	}
}
