package assembler

import (
	"github.com/pkoukk/tiktoken-go"

	"github.com/xhad/thrive/internal/types"
)

// TiktokenCounter counts tokens with a BPE encoding, matching how the
// completion model actually tokenizes text.
type TiktokenCounter struct {
	enc *tiktoken.Tiktoken
}

// NewTokenCounter returns a counter for the named encoding, falling
// back to the heuristic counter when the encoding cannot be loaded
// (tiktoken fetches encoding data on first use).
func NewTokenCounter(encoding string) types.TokenCounter {
	if encoding == "" {
		encoding = "cl100k_base"
	}
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return NewHeuristicCounter()
	}
	return &TiktokenCounter{enc: enc}
}

func (c *TiktokenCounter) Count(text string) int {
	return len(c.enc.Encode(text, nil, nil))
}

// HeuristicCounter approximates tokens as len/4, the usual rule of
// thumb for English prose. It overestimates short strings, which keeps
// the budget conservative.
type HeuristicCounter struct{}

func NewHeuristicCounter() *HeuristicCounter {
	return &HeuristicCounter{}
}

func (HeuristicCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	n := len(text) / 4
	if n == 0 {
		return 1
	}
	return n
}
