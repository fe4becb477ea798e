package engine

import (
	"context"
	"errors"
	"sort"
	"strings"
	"unicode"
)

// Extractive summarizes locally by keeping the highest-scoring sentences,
// where a sentence scores the normalized frequency of its content words.
type Extractive struct {
	sentences int
	stopwords map[string]struct{}
}

// NewExtractive keeps at most sentences sentences per summary.
func NewExtractive(sentences int) *Extractive {
	return &Extractive{sentences: sentences}
}

func (e *Extractive) Prepare(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if e.sentences <= 0 {
		return errors.New("extractive engine: summary sentence count must be positive")
	}
	e.stopwords = make(map[string]struct{}, len(englishStopwords))
	for _, w := range englishStopwords {
		e.stopwords[w] = struct{}{}
	}
	return nil
}

func (e *Extractive) Summarize(ctx context.Context, text string) (string, error) {
	if e.stopwords == nil {
		return "", errors.New("extractive engine used before Prepare")
	}
	sentences := splitSentences(text)
	if len(sentences) == 0 {
		return "", errors.New("input has no sentences to summarize")
	}
	if len(sentences) <= e.sentences {
		return strings.Join(sentences, " "), nil
	}

	freq := make(map[string]float64)
	tokenized := make([][]string, len(sentences))
	var top float64
	for i, s := range sentences {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		for _, w := range words(s) {
			if _, stop := e.stopwords[w]; stop {
				continue
			}
			tokenized[i] = append(tokenized[i], w)
			freq[w]++
			if freq[w] > top {
				top = freq[w]
			}
		}
	}

	type scored struct {
		idx   int
		score float64
	}
	ranked := make([]scored, len(sentences))
	for i, toks := range tokenized {
		var sum float64
		for _, w := range toks {
			sum += freq[w] / top
		}
		if n := len(toks); n > 0 {
			sum /= float64(n)
			// Favour sentences that carry several content words.
			sum *= 1 + float64(min(n, 12))/12
		}
		ranked[i] = scored{idx: i, score: sum}
	}
	sort.SliceStable(ranked, func(a, b int) bool { return ranked[a].score > ranked[b].score })

	keep := ranked[:e.sentences]
	sort.Slice(keep, func(a, b int) bool { return keep[a].idx < keep[b].idx })
	out := make([]string, len(keep))
	for i, k := range keep {
		out[i] = sentences[k.idx]
	}
	return strings.Join(out, " "), nil
}

// splitSentences breaks text after ., ! or ? when followed by space or end.
func splitSentences(text string) []string {
	var (
		out   []string
		start int
	)
	runes := []rune(text)
	for i, r := range runes {
		if r != '.' && r != '!' && r != '?' {
			continue
		}
		if i+1 < len(runes) && !unicode.IsSpace(runes[i+1]) {
			continue
		}
		if s := strings.TrimSpace(string(runes[start : i+1])); s != "" {
			out = append(out, s)
		}
		start = i + 1
	}
	if start < len(runes) {
		if s := strings.TrimSpace(string(runes[start:])); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func words(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
}

var englishStopwords = []string{
	"a", "about", "above", "after", "again", "against", "all", "am", "an", "and",
	"any", "are", "as", "at", "be", "because", "been", "before", "being", "below",
	"between", "both", "but", "by", "can", "could", "did", "do", "does", "doing",
	"down", "during", "each", "few", "for", "from", "further", "had", "has", "have",
	"having", "he", "her", "here", "hers", "herself", "him", "himself", "his", "how",
	"i", "if", "in", "into", "is", "it", "it's", "its", "itself", "just", "me",
	"more", "most", "my", "myself", "no", "nor", "not", "now", "of", "off", "on",
	"once", "only", "or", "other", "our", "ours", "ourselves", "out", "over", "own",
	"same", "she", "should", "so", "some", "such", "than", "that", "the", "their",
	"theirs", "them", "themselves", "then", "there", "these", "they", "this", "those",
	"through", "to", "too", "under", "until", "up", "very", "was", "we", "were",
	"what", "when", "where", "which", "while", "who", "whom", "why", "will", "with",
	"would", "you", "your", "yours", "yourself", "yourselves",
}
