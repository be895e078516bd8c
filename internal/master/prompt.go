package master

import "strings"

// Llama 3 chat markers. The tokenizer adds <|begin_of_text|> itself.
const (
	headerStart = "<|start_header_id|>"
	headerEnd   = "<|end_header_id|>"
	endOfTurn   = "<|eot_id|>"
)

// FormatPrompt renders req as a single-turn llama3 chat ending in an open
// assistant header. With NoTemplate the prompt is used verbatim.
func FormatPrompt(req Request) string {
	if req.NoTemplate {
		return req.Prompt
	}
	var b strings.Builder
	if sys := strings.TrimSpace(req.System); sys != "" {
		turn(&b, "system", sys)
	}
	turn(&b, "user", req.Prompt)
	b.WriteString(headerStart + "assistant" + headerEnd + "\n\n")
	return b.String()
}

func turn(b *strings.Builder, role, content string) {
	b.WriteString(headerStart)
	b.WriteString(role)
	b.WriteString(headerEnd)
	b.WriteString("\n\n")
	b.WriteString(strings.TrimSpace(content))
	b.WriteString(endOfTurn)
}

// stopTokens collects the ids that end generation: the model's EOS ids plus
// the end-of-turn markers the tokenizer knows about.
func stopTokens(eos []int, tok interface{ Special(string) (int, bool) }) map[int]bool {
	stops := make(map[int]bool, len(eos)+3)
	for _, id := range eos {
		if id >= 0 {
			stops[id] = true
		}
	}
	for _, name := range []string{endOfTurn, "<|end_of_text|>", "<|eom_id|>", "</s>"} {
		if id, ok := tok.Special(name); ok {
			stops[id] = true
		}
	}
	return stops
}
