package voice

import (
	"fmt"
	"strings"
)

// FlushPolicy decides when generated text is handed to synthesis.
type FlushPolicy string

const (
	// FlushFull waits for the whole generation before synthesizing.
	FlushFull FlushPolicy = "full"
	// FlushSentence synthesizes each complete sentence as soon as it is generated.
	FlushSentence FlushPolicy = "sentence"
)

// ParseFlushPolicy accepts "full" or "sentence"; empty means FlushFull.
func ParseFlushPolicy(s string) (FlushPolicy, error) {
	switch FlushPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", FlushFull:
		return FlushFull, nil
	case FlushSentence:
		return FlushSentence, nil
	default:
		return "", fmt.Errorf("unknown flush policy %q (want full or sentence)", s)
	}
}

// Segmenter turns a stream of text deltas into the segments to speak under a policy.
type Segmenter struct {
	policy  FlushPolicy
	pending string
	full    strings.Builder
}

// NewSegmenter returns a Segmenter for policy.
func NewSegmenter(policy FlushPolicy) *Segmenter {
	return &Segmenter{policy: policy}
}

// Add consumes a delta and returns segments ready to emit, if any.
func (s *Segmenter) Add(delta string) []string {
	s.full.WriteString(delta)
	if s.policy != FlushSentence {
		return nil
	}
	done, rest := splitSentences(s.pending + delta)
	s.pending = rest
	return done
}

// Flush returns whatever has not been emitted yet. Under FlushFull that is the whole text.
func (s *Segmenter) Flush() []string {
	var rest string
	if s.policy == FlushSentence {
		rest = strings.TrimSpace(s.pending)
		s.pending = ""
	} else {
		rest = strings.TrimSpace(s.full.String())
	}
	if rest == "" {
		return nil
	}
	return []string{rest}
}

// Text returns all text consumed so far, trimmed.
func (s *Segmenter) Text() string {
	return strings.TrimSpace(s.full.String())
}

// Words that take a trailing period without ending the sentence, lowercased and
// without the final period.
var abbreviations = map[string]bool{
	"dr": true, "mr": true, "mrs": true, "ms": true, "prof": true, "jr": true, "sr": true,
	"st": true, "vs": true, "etc": true, "e.g": true, "i.e": true, "approx": true,
	"inc": true, "ltd": true, "co": true, "corp": true, "dept": true, "no": true,
	"a.m": true, "p.m": true, "u.s": true, "u.k": true, "ph.d": true,
}

// splitSentences cuts the complete sentences off text and returns them trimmed,
// along with the unterminated rest. A run of terminators, optionally followed by
// closing quotes or brackets, ends a sentence only once whitespace follows it, so
// "3.5 years" and a period at the very end of a delta stay pending.
func splitSentences(text string) ([]string, string) {
	var out []string
	start := 0
	for i := 0; i < len(text); i++ {
		c := text[i]
		if c != '.' && c != '!' && c != '?' {
			continue
		}
		end := i + 1
		for end < len(text) && strings.IndexByte(".!?\"')]", text[end]) >= 0 {
			end++
		}
		single := end == i+1
		i = end - 1
		if end >= len(text) || !isSpace(text[end]) {
			continue
		}
		if c == '.' && single && !endsSentence(text[start:end]) {
			continue
		}
		if sentence := strings.TrimSpace(text[start:end]); sentence != "" {
			out = append(out, sentence)
		}
		start = end
	}
	return out, text[start:]
}

// endsSentence reports whether the period closing seg ends a sentence rather than
// an abbreviation or an initial.
func endsSentence(seg string) bool {
	word := seg
	if j := strings.LastIndexAny(seg, " \t\r\n"); j >= 0 {
		word = seg[j+1:]
	}
	word = strings.TrimLeft(word, "(\"'")
	word = strings.TrimSuffix(word, ".")
	if abbreviations[strings.ToLower(word)] {
		return false
	}
	if len(word) == 1 && word[0] >= 'A' && word[0] <= 'Z' {
		return false
	}
	return true
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\n' || c == '\r' || c == '\t'
}
