package token

import (
	"fmt"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

// Counter estimates the token footprint of a piece of text. All compression
// accounting for a given process must go through a single Counter so that the
// preservation invariants hold across save/resume.
type Counter interface {
	Count(text string) int
}

// HeuristicCounter is the default deterministic estimator: roughly one token
// per four bytes, with a floor of one token per rune-bearing string. It needs
// no encoding data and behaves identically on every platform.
type HeuristicCounter struct{}

func (HeuristicCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	n := len(text) / 4
	if n == 0 && utf8.RuneCountInString(text) > 0 {
		n = 1
	}
	return n
}

// TiktokenCounter counts with a real BPE encoding. Construction fails when
// the encoding data is unavailable (offline environments); callers fall back
// to the heuristic counter.
type TiktokenCounter struct {
	enc *tiktoken.Tiktoken
}

// NewTiktokenCounter loads the named encoding (e.g. "cl100k_base").
func NewTiktokenCounter(encoding string) (*TiktokenCounter, error) {
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("load encoding %q: %w", encoding, err)
	}
	return &TiktokenCounter{enc: enc}, nil
}

func (c *TiktokenCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	return len(c.enc.Encode(text, nil, nil))
}

// ForConfig returns the configured counter, falling back to the heuristic
// when tiktoken data cannot be loaded.
func ForConfig(name, encoding string) Counter {
	if name == "tiktoken" {
		if c, err := NewTiktokenCounter(encoding); err == nil {
			return c
		}
	}
	return HeuristicCounter{}
}
