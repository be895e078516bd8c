package tokenizer

import (
	"cmp"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"sync"

	"github.com/goccy/go-json"
)

// Pair is two adjacent symbols considered for a merge.
type Pair struct {
	A, B string
}

// BPE is a byte-level BPE tokenizer.
type BPE struct {
	encoder     map[string]int
	decoder     []string
	ranks       map[Pair]int
	byteEncoder [256]string
	byteDecoder map[rune]byte
	pattern     *regexp.Regexp
	specials    []string
	specialIDs  map[int]bool

	addBOS       bool
	bosID        int
	unkID        int
	ignoreMerges bool

	mu    sync.Mutex
	cache map[string][]string
}

type tokenizerJSON struct {
	Model struct {
		Type         string         `json:"type"`
		Vocab        map[string]int `json:"vocab"`
		Merges       []any          `json:"merges"`
		IgnoreMerges bool           `json:"ignore_merges"`
		UnkToken     string         `json:"unk_token"`
	} `json:"model"`
	PreTokenizer  preTokenizer `json:"pre_tokenizer"`
	PostProcessor struct {
		Type          string             `json:"type"`
		Processors    []postProcessor    `json:"processors"`
		SpecialTokens map[string]special `json:"special_tokens"`
	} `json:"post_processor"`
	AddedTokens []struct {
		ID      int    `json:"id"`
		Content string `json:"content"`
		Special bool   `json:"special"`
	} `json:"added_tokens"`
}

type preTokenizer struct {
	Type          string         `json:"type"`
	Pattern       pattern        `json:"pattern"`
	Pretokenizers []preTokenizer `json:"pretokenizers"`
}

type pattern struct {
	Regex string `json:"Regex"`
}

type postProcessor struct {
	Type          string             `json:"type"`
	SpecialTokens map[string]special `json:"special_tokens"`
}

type special struct {
	IDs []int `json:"ids"`
}

type tokenizerConfig struct {
	AddBOS *bool `json:"add_bos_token"`
	BOS    any   `json:"bos_token"`
}

// Go's regexp has no lookahead, so the llama3 split pattern is replaced with
// an equivalent that differs only in how trailing whitespace is grouped.
const (
	gpt2Pattern   = `'s|'t|'re|'ve|'m|'ll|'d| ?\p{L}+| ?\p{N}+| ?[^\s\p{L}\p{N}]+|\s+`
	llama3Pattern = `(?:'[sS]|'[tT]|'[rR][eE]|'[vV][eE]|'[mM]|'[lL][lL]|'[dD])|[^\r\n\p{L}\p{N}]?\p{L}+|\p{N}{1,3}| ?[^\s\p{L}\p{N}]+[\r\n]*|\s*[\r\n]+|\s+`
)

// Parse builds a tokenizer from tokenizer.json content. cfg is the optional
// tokenizer_config.json content.
func Parse(data, cfg []byte) (*BPE, error) {
	var tj tokenizerJSON
	if err := json.Unmarshal(data, &tj); err != nil {
		return nil, fmt.Errorf("parse %s: %w", JSONFile, err)
	}
	if !strings.EqualFold(tj.Model.Type, "BPE") {
		return nil, fmt.Errorf("unsupported tokenizer model %q", tj.Model.Type)
	}

	t := &BPE{
		encoder:     make(map[string]int, len(tj.Model.Vocab)+len(tj.AddedTokens)),
		ranks:       make(map[Pair]int, len(tj.Model.Merges)),
		byteDecoder: make(map[rune]byte, 256),
		specialIDs:  map[int]bool{},
		bosID:       -1,
		unkID:       -1,
		cache:       map[string][]string{},
	}
	maxID := -1
	for tok, id := range tj.Model.Vocab {
		t.encoder[tok] = id
		maxID = max(maxID, id)
	}
	for _, at := range tj.AddedTokens {
		t.encoder[at.Content] = at.ID
		maxID = max(maxID, at.ID)
		if at.Special {
			t.specials = append(t.specials, at.Content)
			t.specialIDs[at.ID] = true
		}
	}
	t.decoder = make([]string, maxID+1)
	for tok, id := range t.encoder {
		if id >= 0 {
			t.decoder[id] = tok
		}
	}
	// Longest first so that overlapping specials match greedily.
	slices.SortFunc(t.specials, func(a, b string) int { return cmp.Compare(len(b), len(a)) })

	for _, raw := range tj.Model.Merges {
		var a, b string
		switch v := raw.(type) {
		case string:
			var ok bool
			a, b, ok = strings.Cut(strings.TrimSpace(v), " ")
			if !ok || strings.HasPrefix(v, "#") {
				continue
			}
		case []any:
			if len(v) != 2 {
				continue
			}
			a, _ = v[0].(string)
			b, _ = v[1].(string)
		}
		if a == "" || b == "" {
			continue
		}
		p := Pair{A: a, B: b}
		if _, ok := t.ranks[p]; !ok {
			t.ranks[p] = len(t.ranks)
		}
	}
	t.ignoreMerges = tj.Model.IgnoreMerges

	for b, r := range byteRunes() {
		t.byteEncoder[b] = string(r)
		t.byteDecoder[r] = byte(b)
	}

	re, err := regexp.Compile(splitPattern(tj.PreTokenizer))
	if err != nil {
		return nil, fmt.Errorf("pre-tokenizer pattern: %w", err)
	}
	t.pattern = re

	if id, ok := t.encoder[tj.Model.UnkToken]; ok && tj.Model.UnkToken != "" {
		t.unkID = id
	}
	procs := append([]postProcessor{{Type: tj.PostProcessor.Type, SpecialTokens: tj.PostProcessor.SpecialTokens}}, tj.PostProcessor.Processors...)
	for _, p := range procs {
		if p.Type != "TemplateProcessing" {
			continue
		}
		for _, sp := range p.SpecialTokens {
			if len(sp.IDs) > 0 && t.bosID < 0 {
				t.bosID, t.addBOS = sp.IDs[0], true
			}
		}
	}
	if len(cfg) > 0 {
		var tc tokenizerConfig
		if err := json.Unmarshal(cfg, &tc); err != nil {
			return nil, fmt.Errorf("parse %s: %w", ConfigFile, err)
		}
		if name := tokenContent(tc.BOS); name != "" {
			if id, ok := t.encoder[name]; ok {
				t.bosID = id
			}
		}
		if tc.AddBOS != nil {
			t.addBOS = *tc.AddBOS
		}
	}
	if t.bosID < 0 {
		t.addBOS = false
	}
	return t, nil
}

// tokenContent accepts both the plain string and the AddedToken object form.
func tokenContent(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case map[string]any:
		s, _ := x["content"].(string)
		return s
	}
	return ""
}

func splitPattern(pre preTokenizer) string {
	pat := ""
	if pre.Type == "Split" {
		pat = pre.Pattern.Regex
	}
	for _, p := range pre.Pretokenizers {
		if pat == "" && p.Type == "Split" {
			pat = p.Pattern.Regex
		}
	}
	switch {
	case pat == "":
		return gpt2Pattern
	case strings.Contains(pat, `(?!\S)`) || strings.Contains(pat, "(?i:"):
		return llama3Pattern
	}
	return pat
}

// Encode tokenizes text. Special tokens appearing literally in text map to
// their ids; a BOS id is prepended when the tokenizer config asks for it.
func (t *BPE) Encode(text string) ([]int, error) {
	var ids []int
	if t.addBOS {
		ids = append(ids, t.bosID)
	}
	for _, part := range splitSpecials(text, t.specials) {
		if part.special {
			ids = append(ids, t.encoder[part.text])
			continue
		}
		for _, piece := range t.pattern.FindAllString(part.text, -1) {
			for _, sym := range t.bpe(t.byteEncode(piece)) {
				id, ok := t.encoder[sym]
				switch {
				case ok:
					ids = append(ids, id)
				case t.unkID >= 0:
					ids = append(ids, t.unkID)
				default:
					return nil, fmt.Errorf("no token for %q", sym)
				}
			}
		}
	}
	return ids, nil
}

// Decode maps ids back to bytes. Special tokens are dropped from the text.
func (t *BPE) Decode(ids []int) (string, error) {
	var b []byte
	for _, id := range ids {
		if id < 0 || id >= len(t.decoder) {
			return "", fmt.Errorf("token id %d out of range", id)
		}
		if t.specialIDs[id] {
			continue
		}
		for _, r := range t.decoder[id] {
			if by, ok := t.byteDecoder[r]; ok {
				b = append(b, by)
			} else {
				b = append(b, string(r)...)
			}
		}
	}
	return string(b), nil
}

func (t *BPE) Special(name string) (int, bool) {
	id, ok := t.encoder[name]
	return id, ok
}

// BOS returns the beginning-of-sequence id and whether Encode prepends it.
func (t *BPE) BOS() (int, bool) { return t.bosID, t.addBOS }

// VocabSize is one past the highest token id.
func (t *BPE) VocabSize() int { return len(t.decoder) }

func (t *BPE) byteEncode(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		b.WriteString(t.byteEncoder[s[i]])
	}
	return b.String()
}

func (t *BPE) bpe(token string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if v, ok := t.cache[token]; ok {
		return v
	}
	word := make([]string, 0, len(token))
	for _, r := range token {
		word = append(word, string(r))
	}
	if _, ok := t.encoder[token]; ok && t.ignoreMerges {
		word = []string{token}
	}
	for len(word) > 1 {
		best, bestRank := -1, int(^uint(0)>>1)
		for i := 0; i+1 < len(word); i++ {
			if r, ok := t.ranks[Pair{A: word[i], B: word[i+1]}]; ok && r < bestRank {
				best, bestRank = i, r
			}
		}
		if best < 0 {
			break
		}
		word = mergePair(word, Pair{A: word[best], B: word[best+1]})
	}
	t.cache[token] = word
	return word
}

func mergePair(word []string, p Pair) []string {
	out := word[:0:0]
	for i := 0; i < len(word); i++ {
		if i+1 < len(word) && word[i] == p.A && word[i+1] == p.B {
			out = append(out, p.A+p.B)
			i++
			continue
		}
		out = append(out, word[i])
	}
	return out
}

type textPart struct {
	text    string
	special bool
}

func splitSpecials(text string, specials []string) []textPart {
	if len(specials) == 0 {
		return []textPart{{text: text}}
	}
	var parts []textPart
	start := 0
	for i := 0; i < len(text); {
		match := ""
		for _, sp := range specials {
			if strings.HasPrefix(text[i:], sp) {
				match = sp
				break
			}
		}
		if match == "" {
			i++
			continue
		}
		if start < i {
			parts = append(parts, textPart{text: text[start:i]})
		}
		parts = append(parts, textPart{text: match, special: true})
		i += len(match)
		start = i
	}
	if start < len(text) {
		parts = append(parts, textPart{text: text[start:]})
	}
	return parts
}

// byteRunes is the GPT-2 byte to printable-rune table that makes byte-level
// BPE vocabularies valid UTF-8.
func byteRunes() [256]rune {
	var out [256]rune
	n := 0
	for b := range 256 {
		printable := (b >= '!' && b <= '~') || (b >= 0xA1 && b <= 0xAC) || (b >= 0xAE && b <= 0xFF)
		if printable {
			out[b] = rune(b)
		} else {
			out[b] = rune(256 + n)
			n++
		}
	}
	return out
}
