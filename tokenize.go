package quire

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/clipperhouse/uax29/v2/words"
	"golang.org/x/text/unicode/norm"
)

// Full-text defaults.
const (
	DefaultMinWordLength     = 1
	DefaultMaxWordLength     = 25
	DefaultMinWildcardPrefix = 2
	DefaultMaxWildcardWords  = 50
)

// FullTextOptions configure word extraction for full-text indexes.
type FullTextOptions struct {
	Pattern           string   // regular expression matching one word; empty uses Unicode word boundaries
	Stoplist          []string // words never indexed
	MinLength         int      // shorter words are skipped
	MaxLength         int      // longer words are skipped
	MinWildcardPrefix int      // letters required before the first * or ? in a query word
	MaxWildcardWords  int      // a wildcard matching more distinct words is ignored

	// Transform, when set, rewrites every word after lowercasing (a stemmer,
	// for example). Returning "" drops the word. It is not stored in the
	// index file and must be supplied again after reopening.
	Transform func(locale, word string) string
}

func (o FullTextOptions) withDefaults() FullTextOptions {
	if o.MinLength == 0 {
		o.MinLength = DefaultMinWordLength
	}
	if o.MaxLength == 0 {
		o.MaxLength = DefaultMaxWordLength
	}
	if o.MinWildcardPrefix == 0 {
		o.MinWildcardPrefix = DefaultMinWildcardPrefix
	}
	if o.MaxWildcardWords == 0 {
		o.MaxWildcardWords = DefaultMaxWildcardWords
	}
	return o
}

func (o FullTextOptions) headerOptions() map[string]any {
	o = o.withDefaults()
	return map[string]any{
		"pattern":           o.Pattern,
		"stoplist":          o.Stoplist,
		"minLength":         o.MinLength,
		"maxLength":         o.MaxLength,
		"minWildcardPrefix": o.MinWildcardPrefix,
		"maxWildcardWords":  o.MaxWildcardWords,
	}
}

func fullTextOptionsFromHeader(m map[string]any) FullTextOptions {
	pattern, _ := m["pattern"].(string)
	return FullTextOptions{
		Pattern:           pattern,
		Stoplist:          toStrings(m["stoplist"]),
		MinLength:         toInt(m["minLength"]),
		MaxLength:         toInt(m["maxLength"]),
		MinWildcardPrefix: toInt(m["minWildcardPrefix"]),
		MaxWildcardWords:  toInt(m["maxWildcardWords"]),
	}
}

type textConfig struct {
	opts    FullTextOptions
	pattern *regexp.Regexp
	stop    map[string]struct{}
}

func compileText(opts FullTextOptions) (*textConfig, error) {
	opts = opts.withDefaults()
	tc := &textConfig{opts: opts, stop: make(map[string]struct{}, len(opts.Stoplist))}
	if opts.Pattern != "" {
		re, err := regexp.Compile(opts.Pattern)
		if err != nil {
			return nil, fmt.Errorf("%w: word pattern: %w", ErrInvalidArgument, err)
		}
		tc.pattern = re
	}
	for _, w := range opts.Stoplist {
		tc.stop[strings.ToLower(w)] = struct{}{}
	}
	return tc, nil
}

// normalizeText applies NFKC and locale-aware lowercasing.
func normalizeText(s, locale string) string {
	return lowerString(norm.NFKC.String(s), locale)
}

// words returns the indexable words of text in order. Positions in the
// returned slice are the word positions used for phrase matching.
func (tc *textConfig) words(text, locale string) []string {
	text = normalizeText(text, locale)
	var raw []string
	if tc.pattern != nil {
		raw = tc.pattern.FindAllString(text, -1)
	} else {
		toks := words.FromString(text)
		for toks.Next() {
			if w := toks.Value(); isWord(w) {
				raw = append(raw, w)
			}
		}
	}

	out := raw[:0]
	for _, w := range raw {
		if tc.opts.Transform != nil {
			if w = tc.opts.Transform(locale, w); w == "" {
				continue
			}
		}
		n := utf8.RuneCountInString(w)
		if n < tc.opts.MinLength || n > tc.opts.MaxLength {
			continue
		}
		if _, ok := tc.stop[w]; ok {
			continue
		}
		out = append(out, w)
	}
	return out
}

// isWord reports whether a segment holds a letter or digit. Word
// segmentation also yields spaces and punctuation.
func isWord(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsNumber(r) {
			return true
		}
	}
	return false
}
