package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/strata/internal/node"
	"github.com/samcharles93/strata/internal/topology"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
		if err != nil || cfg.Model != "" {
			t.Fatalf("cfg=%+v err=%v", cfg, err)
		}
	})
	t.Run("malformed", func(t *testing.T) {
		_, err := LoadConfig(writeFile(t, "config.yaml", "model: [unclosed"))
		if !node.IsConfigError(err) {
			t.Fatalf("err = %v, want config error", err)
		}
	})
	t.Run("values", func(t *testing.T) {
		cfg, err := LoadConfig(writeFile(t, "config.yaml", "model: /models/llama\nrequest_timeout: 90s\ntemperature: 0\n"))
		if err != nil {
			t.Fatal(err)
		}
		if cfg.Model != "/models/llama" || cfg.RequestTimeout == nil || *cfg.RequestTimeout != 90*time.Second {
			t.Fatalf("cfg = %+v", cfg)
		}
		if cfg.Temperature == nil || *cfg.Temperature != 0 {
			t.Fatal("explicit zero temperature was lost")
		}
	})
}

func TestApplyNodeConfigKeepsFlags(t *testing.T) {
	cfg := Config{Model: "/from/config", Topology: "/from/config.yaml", DType: "bf16"}
	cmd := &cli.Command{
		Name:  "test",
		Flags: append(nodeFlags(), clientFlags()...),
		Action: func(ctx context.Context, c *cli.Command) error {
			applyNodeConfig(c, cfg)
			return nil
		},
	}
	if err := cmd.Run(context.Background(), []string{"test", "--model", "/from/flag"}); err != nil {
		t.Fatal(err)
	}
	if modelPath != "/from/flag" {
		t.Fatalf("model = %q, flag should win", modelPath)
	}
	if topologyPath != "/from/config.yaml" || dtype != "bf16" {
		t.Fatalf("topology=%q dtype=%q, config should fill unset flags", topologyPath, dtype)
	}
}

func TestReadPrompt(t *testing.T) {
	t.Parallel()
	for _, tc := range []struct {
		name  string
		flag  string
		args  []string
		stdin string
		want  string
	}{
		{name: "flag", flag: " hi ", args: []string{"ignored"}, want: "hi"},
		{name: "args", args: []string{"tell", "me"}, want: "tell me"},
		{name: "stdin", stdin: "from pipe\n", want: "from pipe"},
	} {
		got, err := readPrompt(tc.flag, tc.args, strings.NewReader(tc.stdin))
		if err != nil || got != tc.want {
			t.Fatalf("%s: got %q, %v", tc.name, got, err)
		}
	}
	if _, err := readPrompt("", nil, strings.NewReader("  ")); err == nil {
		t.Fatal("expected an error for an empty prompt")
	}
}

func TestPrintTopology(t *testing.T) {
	t.Parallel()
	topo, err := topology.Parse([]byte(`
master:
  layers: "0-1"
nodes:
  - name: a
    address: "10.0.0.2:10128"
    device: cpu
    layers: "2-7"
`))
	if err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if err := printTopology(&buf, topo); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{"master", "10.0.0.2:10128", "2-7", "total blocks: 8", topo.Digest().String()} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}
}

func TestExitCode(t *testing.T) {
	t.Parallel()
	if got := exitCode(&topology.ConfigError{Msg: "bad"}); got != exitConfig {
		t.Fatalf("config error exit = %d", got)
	}
	if got := exitCode(errors.New("boom")); got != exitError {
		t.Fatalf("generic exit = %d", got)
	}
	if got := exitCode(cli.Exit("x", 7)); got != 7 {
		t.Fatalf("exit coder = %d", got)
	}
}
