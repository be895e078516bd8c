// Package tokenizer converts between text and token ids for byte-level BPE
// checkpoints described by a Hugging Face tokenizer.json.
package tokenizer

import (
	"errors"
	"os"
	"path/filepath"
)

const (
	JSONFile   = "tokenizer.json"
	ConfigFile = "tokenizer_config.json"
)

// Tokenizer is what the master needs to turn prompts into ids and ids back
// into text.
type Tokenizer interface {
	Encode(text string) ([]int, error)
	Decode(ids []int) (string, error)
	// Special returns the id of a special token such as "<|eot_id|>".
	Special(name string) (int, bool)
}

// Load reads tokenizer.json and, when present, tokenizer_config.json from a
// model directory.
func Load(dir string) (*BPE, error) {
	data, err := os.ReadFile(filepath.Join(dir, JSONFile))
	if err != nil {
		return nil, err
	}
	cfg, err := os.ReadFile(filepath.Join(dir, ConfigFile))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	return Parse(data, cfg)
}
