package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/strata/internal/model"
	"github.com/samcharles93/strata/internal/topology"
)

func topologyCmd() *cli.Command {
	var blocks int64

	return &cli.Command{
		Name:      "topology",
		Usage:     "Validate a topology file and print its chain and digest",
		ArgsUsage: "<topology.yaml>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "model",
				Aliases:     []string{"m"},
				Usage:       "model directory to validate the block count against",
				Destination: &modelPath,
			},
			&cli.Int64Flag{
				Name:        "blocks",
				Usage:       "expected number of blocks (overrides --model)",
				Destination: &blocks,
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			path := c.Args().First()
			if path == "" {
				path = fileConfig.Topology
			}
			if path == "" {
				return cli.Exit("error: topology file is required", exitConfig)
			}
			topo, err := topology.Load(path)
			if err != nil {
				return err
			}
			if blocks == 0 && modelPath != "" {
				cfg, err := model.LoadConfig(filepath.Join(modelPath, model.ConfigFile))
				if err != nil {
					return fmt.Errorf("%w: %v", topology.ErrConfig, err)
				}
				blocks = int64(cfg.NumHiddenLayers)
			}
			if blocks > 0 {
				if err := topo.Validate(int(blocks)); err != nil {
					return err
				}
			}
			return printTopology(os.Stdout, topo)
		},
	}
}

func printTopology(w io.Writer, topo *topology.Topology) error {
	var rows [][]string
	i := 0
	if m, ok := topo.Master(); ok {
		rows = append(rows, []string{strconv.Itoa(i), m.Name, "-", m.Device, m.Blocks.String()})
		i++
	}
	for _, n := range topo.Chain() {
		rows = append(rows, []string{strconv.Itoa(i), n.Name, n.Address, n.Device, n.Blocks.String()})
		i++
	}

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"#", "NAME", "ADDRESS", "DEVICE", "BLOCKS"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("  ")
	table.AppendBulk(rows)
	table.Render()

	_, err := fmt.Fprintf(w, "\ntotal blocks: %d\ndigest:       %s\n", topo.TotalBlocks(), topo.Digest())
	return err
}
