package main

import (
	"time"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/strata/internal/client"
	"github.com/samcharles93/strata/internal/logits"
	"github.com/samcharles93/strata/internal/node"
)

var (
	configFile string
	fileConfig Config

	logLevel  string
	logFormat string
	debug     bool

	modelPath    string
	topologyPath string
	nodeName     string
	device       string
	dtype        string
	maxContext   int64

	dialTimeout    time.Duration
	requestTimeout time.Duration

	temperature   float64
	topK          int64
	topP          float64
	minP          float64
	repeatPenalty float64
	repeatLastN   int64
	seed          int64
	maxTokens     int64
)

func rootFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "config",
			Usage:       "path to config.yaml",
			Value:       configPath(),
			Destination: &configFile,
		},
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}

func nodeFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "model",
			Aliases:     []string{"m"},
			Usage:       "model directory (config.json, *.safetensors, tokenizer.json)",
			Destination: &modelPath,
		},
		&cli.StringFlag{
			Name:        "topology",
			Aliases:     []string{"t"},
			Usage:       "topology file",
			Destination: &topologyPath,
		},
		&cli.StringFlag{
			Name:        "device",
			Usage:       "compute device (auto, cpu, cuda, metal); defaults to the topology entry",
			Destination: &device,
		},
		&cli.StringFlag{
			Name:        "dtype",
			Usage:       "activation dtype on the wire (f16, bf16, f32)",
			Value:       "f16",
			Destination: &dtype,
		},
		&cli.Int64Flag{
			Name:        "max-context",
			Aliases:     []string{"ctx"},
			Usage:       "cache capacity in tokens (0 uses the model's max_position_embeddings)",
			Destination: &maxContext,
		},
	}
}

func clientFlags() []cli.Flag {
	return []cli.Flag{
		&cli.DurationFlag{
			Name:        "dial-timeout",
			Usage:       "timeout for connecting to the next node",
			Value:       client.DefaultDialTimeout,
			Destination: &dialTimeout,
		},
		&cli.DurationFlag{
			Name:        "request-timeout",
			Usage:       "timeout for one forward round trip through the rest of the chain",
			Value:       client.DefaultRequestTimeout,
			Destination: &requestTimeout,
		},
	}
}

func samplingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.Int64Flag{
			Name:        "max-tokens",
			Aliases:     []string{"n"},
			Usage:       "maximum tokens to generate",
			Value:       256,
			Destination: &maxTokens,
		},
		&cli.Float64Flag{
			Name:        "temperature",
			Aliases:     []string{"temp"},
			Usage:       "sampling temperature (0 = greedy)",
			Value:       0.8,
			Destination: &temperature,
		},
		&cli.Int64Flag{
			Name:        "top-k",
			Usage:       "top-k sampling (0 = disabled)",
			Value:       40,
			Destination: &topK,
		},
		&cli.Float64Flag{
			Name:        "top-p",
			Usage:       "top-p sampling",
			Value:       0.95,
			Destination: &topP,
		},
		&cli.Float64Flag{
			Name:        "min-p",
			Usage:       "min-p sampling",
			Destination: &minP,
		},
		&cli.Float64Flag{
			Name:        "repeat-penalty",
			Usage:       "repeat penalty",
			Value:       1.1,
			Destination: &repeatPenalty,
		},
		&cli.Int64Flag{
			Name:        "repeat-last-n",
			Usage:       "tokens considered by the repeat penalty",
			Value:       64,
			Destination: &repeatLastN,
		},
		&cli.Int64Flag{
			Name:        "seed",
			Usage:       "sampling seed (-1 = random)",
			Value:       -1,
			Destination: &seed,
		},
	}
}

func nodeOptions(mode node.Mode) node.Options {
	return node.Options{
		Mode:         mode,
		Name:         nodeName,
		ModelPath:    modelPath,
		TopologyPath: topologyPath,
		Device:       device,
		DType:        dtype,
		MaxContext:   int(maxContext),
	}
}

func clientOptions() client.Options {
	return client.Options{DialTimeout: dialTimeout, RequestTimeout: requestTimeout}
}

func samplerConfig() logits.Config {
	s := seed
	if s < 0 {
		s = time.Now().UnixNano()
	}
	return logits.Config{
		Seed:          s,
		Temperature:   float32(temperature),
		TopK:          int(topK),
		TopP:          float32(topP),
		MinP:          float32(minP),
		RepeatPenalty: float32(repeatPenalty),
		RepeatLastN:   int(repeatLastN),
	}
}
