package model

import (
	"bytes"
	"fmt"
	"os"

	"github.com/goccy/go-json"
)

// ConfigFile is the hyperparameter file expected in a model directory.
const ConfigFile = "config.json"

// Config holds the llama-family hyperparameters every node needs to build
// its blocks.
type Config struct {
	ModelType         string       `json:"model_type"`
	HiddenSize        int          `json:"hidden_size"`
	IntermediateSize  int          `json:"intermediate_size"`
	NumHiddenLayers   int          `json:"num_hidden_layers"`
	NumAttentionHeads int          `json:"num_attention_heads"`
	NumKeyValueHeads  int          `json:"num_key_value_heads"`
	HeadDim           int          `json:"head_dim"`
	VocabSize         int          `json:"vocab_size"`
	RMSNormEps        float64      `json:"rms_norm_eps"`
	RopeTheta         float64      `json:"rope_theta"`
	MaxPosition       int          `json:"max_position_embeddings"`
	RopeScaling       *RopeScaling `json:"rope_scaling"`
	BOSTokenID        TokenIDs     `json:"bos_token_id"`
	EOSTokenID        TokenIDs     `json:"eos_token_id"`
	TieWordEmbeddings bool         `json:"tie_word_embeddings"`
}

// TokenIDs accepts either a single id or a list of ids.
type TokenIDs []int

func (t *TokenIDs) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*t = nil
		return nil
	}
	if len(b) > 0 && b[0] == '[' {
		var ids []int
		if err := json.Unmarshal(b, &ids); err != nil {
			return err
		}
		*t = ids
		return nil
	}
	var id int
	if err := json.Unmarshal(b, &id); err != nil {
		return err
	}
	*t = TokenIDs{id}
	return nil
}

// LoadConfig reads and validates a config.json file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg, err := ParseConfig(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// ParseConfig decodes config.json content and fills defaults.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse model config: %w", err)
	}
	if cfg.NumKeyValueHeads == 0 {
		cfg.NumKeyValueHeads = cfg.NumAttentionHeads
	}
	if cfg.HeadDim == 0 && cfg.NumAttentionHeads > 0 {
		cfg.HeadDim = cfg.HiddenSize / cfg.NumAttentionHeads
	}
	if cfg.RMSNormEps == 0 {
		cfg.RMSNormEps = 1e-5
	}
	if cfg.RopeTheta == 0 {
		cfg.RopeTheta = 10_000
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch {
	case c.HiddenSize <= 0 || c.IntermediateSize <= 0 || c.VocabSize <= 0:
		return fmt.Errorf("model config: hidden_size, intermediate_size and vocab_size must be positive")
	case c.NumHiddenLayers <= 0:
		return fmt.Errorf("model config: num_hidden_layers must be positive")
	case c.NumAttentionHeads <= 0 || c.NumKeyValueHeads <= 0:
		return fmt.Errorf("model config: head counts must be positive")
	case c.NumAttentionHeads%c.NumKeyValueHeads != 0:
		return fmt.Errorf("model config: %d attention heads not divisible by %d kv heads", c.NumAttentionHeads, c.NumKeyValueHeads)
	case c.HeadDim <= 0 || c.HeadDim%2 != 0:
		return fmt.Errorf("model config: head_dim %d must be positive and even", c.HeadDim)
	}
	return nil
}

// KVDim is the width of one cached key or value row.
func (c *Config) KVDim() int { return c.NumKeyValueHeads * c.HeadDim }

// IsEOS reports whether id ends generation.
func (c *Config) IsEOS(id int) bool {
	for _, e := range c.EOSTokenID {
		if e == id {
			return true
		}
	}
	return false
}
