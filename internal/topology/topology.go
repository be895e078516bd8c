// Package topology describes how a model's transformer blocks are split
// across the nodes of an inference chain.
package topology

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// MasterName is the node name used for the block range the orchestrator
// runs itself.
const MasterName = "master"

// Device kinds a node may declare.
const (
	DeviceAuto  = "auto"
	DeviceCPU   = "cpu"
	DeviceCUDA  = "cuda"
	DeviceMetal = "metal"
)

// Range is a half-open interval [Start, End) of block indices.
type Range struct {
	Start int
	End   int
}

func (r Range) Len() int { return r.End - r.Start }

func (r Range) Contains(i int) bool { return i >= r.Start && i < r.End }

func (r Range) Empty() bool { return r.End <= r.Start }

// String renders the range in the inclusive form used by topology files.
func (r Range) String() string {
	if r.Empty() {
		return "none"
	}
	return fmt.Sprintf("%d-%d", r.Start, r.End-1)
}

// Node is one participant in the chain.
type Node struct {
	Name    string
	Address string
	Device  string
	Blocks  Range
}

// Topology is the validated, ordered node list. It is immutable after Parse.
type Topology struct {
	total  int
	master *Node
	nodes  []Node
}

type document struct {
	TotalBlocks int            `yaml:"total_blocks"`
	Master      *nodeDocument  `yaml:"master"`
	Nodes       []nodeDocument `yaml:"nodes"`
}

type nodeDocument struct {
	Name        string    `yaml:"name"`
	Address     string    `yaml:"address"`
	Host        string    `yaml:"host"`
	Device      string    `yaml:"device"`
	Description string    `yaml:"description"`
	Layers      yaml.Node `yaml:"layers"`
}

// Load reads and parses the topology document at path.
func Load(path string) (*Topology, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigError{Path: path, Msg: err.Error()}
	}
	t, err := Parse(data)
	if err != nil {
		var ce *ConfigError
		if errors.As(err, &ce) && ce.Path == "" {
			ce.Path = path
		}
		return nil, err
	}
	return t, nil
}

// Parse decodes a topology document and checks that its ranges partition
// [0, N) in chain order. When total_blocks is present N must equal it,
// otherwise N is inferred from the last range.
func Parse(data []byte) (*Topology, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, configErrorf("parse: %v", err)
	}
	if len(doc.Nodes) == 0 {
		return nil, configErrorf("no nodes defined")
	}

	t := &Topology{total: doc.TotalBlocks}
	if doc.Master != nil {
		r, err := parseLayers(&doc.Master.Layers)
		if err != nil {
			return nil, configErrorf("master: %v", err)
		}
		dev, err := normalizeDevice(doc.Master.Device)
		if err != nil {
			return nil, configErrorf("master: %v", err)
		}
		if !r.Empty() {
			t.master = &Node{Name: MasterName, Device: dev, Blocks: r}
		}
	}

	seen := map[string]bool{MasterName: true}
	for i, nd := range doc.Nodes {
		name := strings.TrimSpace(nd.Name)
		if name == "" {
			return nil, configErrorf("node %d: missing name", i)
		}
		if seen[name] {
			return nil, configErrorf("node %d: duplicate or reserved name %q", i, name)
		}
		seen[name] = true

		addr := strings.TrimSpace(nd.Address)
		if addr == "" {
			addr = strings.TrimSpace(nd.Host)
		}
		if addr == "" {
			return nil, configErrorf("node %q: missing address", name)
		}
		r, err := parseLayers(&nd.Layers)
		if err != nil {
			return nil, configErrorf("node %q: %v", name, err)
		}
		if r.Empty() {
			return nil, configErrorf("node %q: owns no blocks", name)
		}
		dev, err := normalizeDevice(nd.Device)
		if err != nil {
			return nil, configErrorf("node %q: %v", name, err)
		}
		t.nodes = append(t.nodes, Node{Name: name, Address: addr, Device: dev, Blocks: r})
	}

	if t.total == 0 {
		t.total = t.nodes[len(t.nodes)-1].Blocks.End
	}
	if err := t.checkCoverage(); err != nil {
		return nil, err
	}
	return t, nil
}

// Validate checks the topology against the model's block count.
func (t *Topology) Validate(totalBlocks int) error {
	if totalBlocks != t.total {
		return configErrorf("topology covers %d blocks but model has %d", t.total, totalBlocks)
	}
	return t.checkCoverage()
}

func (t *Topology) checkCoverage() error {
	if t.total <= 0 {
		return configErrorf("total_blocks must be positive")
	}
	next := 0
	for _, n := range t.ordered() {
		switch {
		case n.Blocks.Start < next:
			return configErrorf("node %q range %s overlaps previous range ending at %d", n.Name, n.Blocks, next-1)
		case n.Blocks.Start > next:
			return configErrorf("gap: blocks %d-%d are not assigned (before node %q)", next, n.Blocks.Start-1, n.Name)
		case n.Blocks.End > t.total:
			return configErrorf("node %q range %s exceeds total_blocks %d", n.Name, n.Blocks, t.total)
		}
		next = n.Blocks.End
	}
	if next != t.total {
		return configErrorf("gap: blocks %d-%d are not assigned", next, t.total-1)
	}
	return nil
}

// ordered returns every block owner in traversal order, master first.
func (t *Topology) ordered() []Node {
	out := make([]Node, 0, len(t.nodes)+1)
	if t.master != nil {
		out = append(out, *t.master)
	}
	return append(out, t.nodes...)
}

// TotalBlocks returns the number of blocks the topology partitions.
func (t *Topology) TotalBlocks() int { return t.total }

// Chain returns the remote nodes in traversal order.
func (t *Topology) Chain() []Node {
	return append([]Node(nil), t.nodes...)
}

// Addresses returns the chain as an ordered list of addresses.
func (t *Topology) Addresses() []string {
	out := make([]string, len(t.nodes))
	for i, n := range t.nodes {
		out[i] = n.Address
	}
	return out
}

// Master returns the block range owned by the orchestrator, if any.
func (t *Topology) Master() (Node, bool) {
	if t.master == nil {
		return Node{}, false
	}
	return *t.master, true
}

// Node looks up a remote node by name.
func (t *Topology) Node(name string) (Node, bool) {
	if i := t.Position(name); i >= 0 {
		return t.nodes[i], true
	}
	return Node{}, false
}

// Position returns the chain index of name, or -1.
func (t *Topology) Position(name string) int {
	for i, n := range t.nodes {
		if n.Name == name {
			return i
		}
	}
	return -1
}

// Next returns the successor of name in the chain. ok is false for the last
// node and for unknown names.
func (t *Topology) Next(name string) (Node, bool) {
	i := t.Position(name)
	if i < 0 || i+1 >= len(t.nodes) {
		return Node{}, false
	}
	return t.nodes[i+1], true
}

// First returns the head of the remote chain.
func (t *Topology) First() Node { return t.nodes[0] }

// Range returns the blocks owned by name. The master's name resolves to the
// orchestrator's leading range.
func (t *Topology) Range(name string) (Range, bool) {
	if name == MasterName {
		if t.master == nil {
			return Range{}, false
		}
		return t.master.Blocks, true
	}
	n, ok := t.Node(name)
	return n.Blocks, ok
}

// Owner returns the node responsible for block i.
func (t *Topology) Owner(i int) (Node, bool) {
	for _, n := range t.ordered() {
		if n.Blocks.Contains(i) {
			return n, true
		}
	}
	return Node{}, false
}

// Digest identifies a block assignment. Two processes holding the same
// topology file compute the same digest.
type Digest [sha256.Size]byte

func (d Digest) String() string { return hex.EncodeToString(d[:]) }

// Short returns the first 12 hex characters, enough for log lines.
func (d Digest) Short() string { return d.String()[:12] }

// Digest hashes total block count and every (name, start, end) assignment in
// chain order. Addresses and devices are excluded: a worker listening on
// 0.0.0.0 and the master dialling its public address must agree.
func (t *Topology) Digest() Digest {
	h := sha256.New()
	var buf [8]byte
	writeInt := func(v int) {
		binary.BigEndian.PutUint64(buf[:], uint64(v))
		h.Write(buf[:])
	}
	writeInt(t.total)
	for _, n := range t.ordered() {
		writeInt(len(n.Name))
		h.Write([]byte(n.Name))
		writeInt(n.Blocks.Start)
		writeInt(n.Blocks.End)
	}
	var d Digest
	copy(d[:], h.Sum(nil))
	return d
}

func normalizeDevice(dev string) (string, error) {
	d := strings.ToLower(strings.TrimSpace(dev))
	switch d {
	case "":
		return DeviceAuto, nil
	case DeviceAuto, DeviceCPU, DeviceCUDA, DeviceMetal:
		return d, nil
	default:
		return "", fmt.Errorf("unknown device %q", dev)
	}
}

// parseLayers accepts a scalar range ("3-5", "model.layers.3-5", "4") or a
// sequence of such ranges that join without gaps.
func parseLayers(n *yaml.Node) (Range, error) {
	switch n.Kind {
	case 0:
		return Range{}, nil
	case yaml.ScalarNode:
		return parseRange(n.Value)
	case yaml.SequenceNode:
		var out Range
		for i, item := range n.Content {
			if item.Kind != yaml.ScalarNode {
				return Range{}, fmt.Errorf("layers[%d]: expected a range string", i)
			}
			r, err := parseRange(item.Value)
			if err != nil {
				return Range{}, fmt.Errorf("layers[%d]: %w", i, err)
			}
			if i == 0 {
				out = r
				continue
			}
			if r.Start != out.End {
				return Range{}, fmt.Errorf("layers[%d]: %s does not continue %s", i, r, out)
			}
			out.End = r.End
		}
		return out, nil
	default:
		return Range{}, fmt.Errorf("layers must be a string or a list of strings")
	}
}

func parseRange(s string) (Range, error) {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '.'); i >= 0 {
		s = s[i+1:]
	}
	lo, hi, found := strings.Cut(s, "-")
	start, err := strconv.Atoi(strings.TrimSpace(lo))
	if err != nil {
		return Range{}, fmt.Errorf("malformed layer range %q", s)
	}
	end := start
	if found {
		if end, err = strconv.Atoi(strings.TrimSpace(hi)); err != nil {
			return Range{}, fmt.Errorf("malformed layer range %q", s)
		}
	}
	if start < 0 || end < start {
		return Range{}, fmt.Errorf("invalid layer range %q", s)
	}
	return Range{Start: start, End: end + 1}, nil
}
