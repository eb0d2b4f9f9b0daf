// Package lexical computes term-frequency signatures and BM25 scores over
// normalized document text. Everything here is local and deterministic; it is
// the baseline that keeps indexing and retrieval working without a network.
package lexical

import (
	"errors"
	"math"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"
)

// BM25 parameters.
const (
	K1 = 1.2
	B  = 0.75
)

// ErrMalformedText is returned when text cannot be tokenized.
var ErrMalformedText = errors.New("text is not valid UTF-8")

var stopWords = map[string]struct{}{}

func init() {
	for _, w := range strings.Fields(`a an and are as at be been but by can did do does for from had has have
		he her his how i if in into is it its me my no not of on or our she so than that the their them then
		there these they this those to was we were what when where which who whom why will with would you your`) {
		stopWords[w] = struct{}{}
	}
}

// IsStopWord reports whether term is dropped during tokenization.
func IsStopWord(term string) bool {
	_, ok := stopWords[term]
	return ok
}

// Tokenize lowercases text, splits it on anything that is not a letter or
// digit and drops stop words. Invalid UTF-8 sequences are skipped.
func Tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if f == string(utf8.RuneError) || IsStopWord(f) {
			continue
		}
		out = append(out, f)
	}
	return out
}

// Signature is the term-frequency vector of one chunk.
type Signature struct {
	Terms  map[string]int `json:"terms"`
	Length int            `json:"length"`
}

// Compute builds the signature for text.
func Compute(text string) (Signature, error) {
	if !utf8.ValidString(text) {
		return Signature{}, ErrMalformedText
	}
	tokens := Tokenize(text)
	sig := Signature{Terms: make(map[string]int, len(tokens)), Length: len(tokens)}
	for _, t := range tokens {
		sig.Terms[t]++
	}
	return sig, nil
}

// TF returns the normalized frequency of term in the signature.
func (s Signature) TF(term string) float64 {
	if s.Length == 0 {
		return 0
	}
	return float64(s.Terms[term]) / float64(s.Length)
}

// Stats holds corpus statistics for one document's chunks.
type Stats struct {
	Docs   int            `json:"docs"`
	AvgLen float64        `json:"avg_len"`
	DF     map[string]int `json:"df"`
}

// NewStats aggregates document frequencies over the given signatures.
func NewStats(sigs []Signature) Stats {
	st := Stats{Docs: len(sigs), DF: make(map[string]int)}
	total := 0
	for _, s := range sigs {
		total += s.Length
		for term := range s.Terms {
			st.DF[term]++
		}
	}
	if len(sigs) > 0 {
		st.AvgLen = float64(total) / float64(len(sigs))
	}
	return st
}

// IDF returns the smoothed inverse document frequency of term.
func (st Stats) IDF(term string) float64 {
	df := float64(st.DF[term])
	n := float64(st.Docs)
	return math.Log(1 + (n-df+0.5)/(df+0.5))
}

// BM25 scores sig against the query terms.
func (st Stats) BM25(query []string, sig Signature) float64 {
	if sig.Length == 0 || st.AvgLen == 0 {
		return 0
	}
	var score float64
	seen := make(map[string]struct{}, len(query))
	for _, term := range query {
		if _, dup := seen[term]; dup {
			continue
		}
		seen[term] = struct{}{}
		f := float64(sig.Terms[term])
		if f == 0 {
			continue
		}
		denom := f + K1*(1-B+B*float64(sig.Length)/st.AvgLen)
		score += st.IDF(term) * f * (K1 + 1) / denom
	}
	return score
}

// KeyTerms returns up to n terms of sig ranked by tf-idf, ties broken
// alphabetically. Terms shorter than three runes are skipped.
func (st Stats) KeyTerms(sig Signature, n int) []string {
	type scored struct {
		term  string
		score float64
	}
	var all []scored
	for term, count := range sig.Terms {
		if utf8.RuneCountInString(term) < 3 {
			continue
		}
		all = append(all, scored{term, float64(count) * st.IDF(term)})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].score != all[j].score {
			return all[i].score > all[j].score
		}
		return all[i].term < all[j].term
	})
	if n > len(all) {
		n = len(all)
	}
	if n < 0 {
		n = 0
	}
	out := make([]string, n)
	for i := range out {
		out[i] = all[i].term
	}
	return out
}

// Overlap returns the fraction of distinct query terms present in text.
func Overlap(query []string, text string) float64 {
	if len(query) == 0 {
		return 0
	}
	present := make(map[string]struct{})
	for _, t := range Tokenize(text) {
		present[t] = struct{}{}
	}
	distinct := make(map[string]struct{}, len(query))
	hit := 0
	for _, q := range query {
		if _, dup := distinct[q]; dup {
			continue
		}
		distinct[q] = struct{}{}
		if _, ok := present[q]; ok {
			hit++
		}
	}
	return float64(hit) / float64(len(distinct))
}

// Sentences splits text on terminal punctuation followed by whitespace.
// Empty sentences are dropped.
func Sentences(text string) []string {
	var out []string
	start := 0
	runes := []rune(text)
	for i, r := range runes {
		if r != '.' && r != '!' && r != '?' && r != '\n' {
			continue
		}
		if i+1 < len(runes) && !unicode.IsSpace(runes[i+1]) && r != '\n' {
			continue
		}
		if s := strings.TrimSpace(string(runes[start : i+1])); s != "" {
			out = append(out, s)
		}
		start = i + 1
	}
	if s := strings.TrimSpace(string(runes[start:])); s != "" {
		out = append(out, s)
	}
	return out
}

// Normalize collapses whitespace and lowercases s for exact-match grading.
// Surrounding punctuation is trimmed.
func Normalize(s string) string {
	s = strings.ToLower(strings.Join(strings.Fields(s), " "))
	return strings.TrimFunc(s, func(r rune) bool {
		return unicode.IsPunct(r) || unicode.IsSpace(r)
	})
}
