package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/strata/internal/logger"
	"github.com/samcharles93/strata/internal/master"
	"github.com/samcharles93/strata/internal/node"
)

func masterCmd() *cli.Command {
	var (
		prompt     string
		system     string
		noTemplate bool
		streamMode string
		rawOutput  bool
		showStats  bool
	)

	return &cli.Command{
		Name:      "master",
		Usage:     "Run one generation through the chain and stream the text to stdout",
		ArgsUsage: "[prompt]",
		Flags: append(append(append(nodeFlags(), clientFlags()...), samplingFlags()...),
			&cli.StringFlag{
				Name:        "prompt",
				Aliases:     []string{"p"},
				Usage:       "prompt text (or pass it as arguments, or on stdin)",
				Destination: &prompt,
			},
			&cli.StringFlag{
				Name:        "system",
				Usage:       "system prompt",
				Destination: &system,
			},
			&cli.BoolFlag{
				Name:        "no-template",
				Usage:       "send the prompt without chat formatting",
				Destination: &noTemplate,
			},
			&cli.StringFlag{
				Name:        "stream-mode",
				Usage:       "output mode (instant, smooth, quiet)",
				Value:       string(StreamInstant),
				Destination: &streamMode,
			},
			&cli.BoolFlag{
				Name:        "raw-output",
				Usage:       "escape control characters in the output",
				Destination: &rawOutput,
			},
			&cli.BoolFlag{
				Name:        "stats",
				Usage:       "print timing statistics to stderr",
				Destination: &showStats,
			},
		),
		Action: func(ctx context.Context, c *cli.Command) error {
			applyNodeConfig(c, fileConfig)
			applySamplingConfig(c, fileConfig)
			setString(c, "stream-mode", &streamMode, fileConfig.StreamMode)
			log := logger.FromContext(ctx)

			text, err := readPrompt(prompt, c.Args().Slice(), os.Stdin)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), exitError)
			}
			mode, err := ParseStreamMode(streamMode)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), exitConfig)
			}

			nctx, err := node.FromOptions(ctx, nodeOptions(node.ModeMaster))
			if err != nil {
				return err
			}
			defer func() { _ = nctx.Close() }()

			opts := clientOptions()
			opts.Logger = log
			m, err := master.New(ctx, nctx, master.Options{Client: opts, Logger: log})
			if err != nil {
				return err
			}
			defer func() { _ = m.Close() }()

			out := NewStreamWriter(os.Stdout, mode, rawOutput)
			defer out.Close()
			res, err := m.Generate(ctx, master.Request{
				Prompt:     text,
				System:     system,
				MaxTokens:  int(maxTokens),
				Sampler:    samplerConfig(),
				NoTemplate: noTemplate,
			}, func(s string) {
				if s == "" {
					out.Flush()
					_, _ = fmt.Fprintln(os.Stdout)
					return
				}
				out.Write(s)
			})
			if err != nil {
				return err
			}
			if showStats {
				_, _ = fmt.Fprintf(os.Stderr, "prompt: %d tokens, prefill %s | generated %d tokens in %s (%.2f tok/s), stop=%s\n",
					res.Stats.PromptTokens, res.Stats.Prefill.Round(time.Millisecond),
					res.Stats.TokensGenerated, res.Stats.Duration.Round(time.Millisecond), res.Stats.TPS, res.StopReason)
			}
			return nil
		},
	}
}

// readPrompt takes the prompt from the flag, then the arguments, then stdin.
func readPrompt(flag string, args []string, stdin io.Reader) (string, error) {
	if p := strings.TrimSpace(flag); p != "" {
		return p, nil
	}
	if p := strings.TrimSpace(strings.Join(args, " ")); p != "" {
		return p, nil
	}
	if f, ok := stdin.(*os.File); ok && isTTY(f) {
		return "", errors.New("no prompt given (use --prompt, arguments or stdin)")
	}
	data, err := io.ReadAll(stdin)
	if err != nil {
		return "", fmt.Errorf("read stdin: %w", err)
	}
	if p := strings.TrimSpace(string(data)); p != "" {
		return p, nil
	}
	return "", errors.New("prompt is empty")
}

func isTTY(f *os.File) bool {
	st, err := f.Stat()
	if err != nil {
		return false
	}
	return st.Mode()&os.ModeCharDevice != 0
}
