// Full-text indexes.
//
// Each unique word of a text value is a key. Its metadata records where
// the word occurs in the text as comma-joined positions ("0,7,12"), capped
// at MaxPointerPart bytes, which lets phrase queries check that words are
// adjacent and in order.
//
// Query syntax for fulltext:contains: words are ANDed, groups separated by
// OR are unioned, "quoted phrases" must appear in order, and words with *
// or ? are wildcards once they have MinWildcardPrefix leading characters.
// Words that cannot be used are reported as hints rather than errors.
package quire

import (
	"cmp"
	"context"
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/RoaringBitmap/roaring"

	"github.com/jpl-au/quire/tree"
)

const occursKey = "_occurs_"

func (ix *Index) textValues(raw any, locale string, meta map[string]any) []indexValue {
	text, ok := raw.(string)
	if !ok {
		return nil
	}
	positions := map[string][]int{}
	var order []string
	for i, w := range ix.text.words(text, locale) {
		if _, ok := positions[w]; !ok {
			order = append(order, w)
		}
		positions[w] = append(positions[w], i)
	}

	out := make([]indexValue, 0, len(order))
	for _, w := range order {
		occurs := joinPositions(positions[w])
		if len(occurs) > MaxPointerPart {
			cut := strings.LastIndexByte(occurs[:MaxPointerPart+1], ',')
			ix.log.Warn("word occurrences truncated", "word", w, "occurrences", len(positions[w]))
			occurs = occurs[:cut]
		}
		out = append(out, indexValue{key: w, metadata: withExtra(meta, map[string]any{occursKey: occurs})})
	}
	return out
}

func joinPositions(ps []int) string {
	var b strings.Builder
	for i, p := range ps {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.Itoa(p))
	}
	return b.String()
}

// positionBitmap parses occurrence metadata, shifting every position back
// by offset so that the words of a phrase line up on the same value.
func positionBitmap(occurs any, offset int) *roaring.Bitmap {
	bm := roaring.New()
	s, _ := occurs.(string)
	for part := range strings.SplitSeq(s, ",") {
		p, err := strconv.Atoi(part)
		if err == nil && p >= offset {
			bm.Add(uint32(p - offset))
		}
	}
	return bm
}

// textTerm is one ANDed part of a query group.
type textTerm struct {
	words    []string // more than one for a phrase
	wildcard bool
}

var (
	orSplit    = regexp.MustCompile(`\s+OR\s+`)
	phraseFind = regexp.MustCompile(`"([^"]*)"`)
)

// parseText splits a query into OR groups of terms.
func (ix *Index) parseText(q string) ([][]textTerm, []Hint) {
	var (
		groups [][]textTerm
		hints  []Hint
	)
	locale := ix.opts.TextLocale
	for _, part := range orSplit.Split(q, -1) {
		var terms []textTerm
		for _, m := range phraseFind.FindAllStringSubmatch(part, -1) {
			ws := ix.text.words(m[1], locale)
			switch len(ws) {
			case 0:
				hints = append(hints, Hint{Type: HintIgnored, Value: m[1], Reason: "no indexable words"})
			default:
				terms = append(terms, textTerm{words: ws})
			}
		}
		rest := phraseFind.ReplaceAllString(part, " ")
		for _, field := range strings.Fields(rest) {
			if i := strings.IndexAny(field, "*?"); i >= 0 {
				w := normalizeText(field, locale)
				if i < ix.text.opts.MinWildcardPrefix {
					hints = append(hints, Hint{Type: HintIgnored, Value: field,
						Reason: fmt.Sprintf("wildcards need %d leading characters", ix.text.opts.MinWildcardPrefix)})
					continue
				}
				terms = append(terms, textTerm{words: []string{w}, wildcard: true})
				continue
			}
			ws := ix.text.words(field, locale)
			if len(ws) == 0 {
				hints = append(hints, Hint{Type: HintIgnored, Value: field, Reason: "not indexed"})
			}
			for _, w := range ws {
				terms = append(terms, textTerm{words: []string{w}})
			}
		}
		if len(terms) > 0 {
			groups = append(groups, terms)
		}
	}
	return groups, hints
}

func (ix *Index) queryText(ctx context.Context, op string, value any) (*Results, error) {
	q, ok := value.(string)
	if !ok {
		return nil, fmt.Errorf("%w: %s needs a string", ErrInvalidArgument, op)
	}
	stats := newStats(op, q)
	groups, hints := ix.parseText(q)

	matched := &Results{}
	seen := map[string]struct{}{}
	for _, terms := range groups {
		res, groupHints, err := ix.textGroup(ctx, stats, terms)
		if err != nil {
			return nil, err
		}
		hints = append(hints, groupHints...)
		for _, item := range res {
			if _, dup := seen[item.pointer]; !dup {
				seen[item.pointer] = struct{}{}
				matched.Items = append(matched.Items, item)
			}
		}
	}

	if op == "fulltext:!contains" {
		res, err := ix.exclude(ctx, stats.step(newStats("exclude", len(seen))), func(e tree.Entry) []tree.EntryValue {
			var out []tree.EntryValue
			for _, v := range e.Values {
				if _, ok := seen[string(v.Pointer)]; ok {
					out = append(out, v)
				}
			}
			return out
		})
		if err != nil {
			return nil, err
		}
		res.Hints = hints
		res.Stats = stats.stop(res.Len())
		return res, nil
	}
	matched.Hints = hints
	matched.Stats = stats.stop(matched.Len())
	return matched, nil
}

// termResult is the candidate set of one term.
type termResult struct {
	term    textTerm
	results *Results
	words   []*Results // per phrase word, for position checks
}

// textGroup returns the documents matching every term of one group.
func (ix *Index) textGroup(ctx context.Context, stats *Stats, terms []textTerm) ([]Result, []Hint, error) {
	var (
		hints   []Hint
		results []termResult
	)
	for _, term := range terms {
		tr, hint, err := ix.textTerm(ctx, stats, term)
		if err != nil {
			return nil, nil, err
		}
		if hint != nil {
			hints = append(hints, *hint)
			if hint.Type == HintGeneric {
				continue
			}
		}
		if tr.results.Len() == 0 {
			return nil, hints, nil
		}
		results = append(results, tr)
	}
	if len(results) == 0 {
		return nil, hints, nil
	}

	slices.SortStableFunc(results, func(a, b termResult) int { return cmp.Compare(a.results.Len(), b.results.Len()) })
	cur := results[0].results
	for _, tr := range results[1:] {
		cur = tr.results.intersect(cur)
		if cur.Len() == 0 {
			break
		}
	}
	return cur.Items, hints, nil
}

func (ix *Index) textTerm(ctx context.Context, stats *Stats, term textTerm) (termResult, *Hint, error) {
	tr := termResult{term: term}
	if term.wildcard {
		res, err := ix.search(ctx, "like", term.words[0])
		if err != nil {
			return tr, nil, err
		}
		stats.step(res.Stats)
		tr.results = res
		distinct := map[string]struct{}{}
		for _, item := range res.Items {
			distinct[tree.KeyString(item.Value)] = struct{}{}
		}
		if len(distinct) > ix.text.opts.MaxWildcardWords {
			return tr, &Hint{Type: HintGeneric, Value: term.words[0],
				Reason: fmt.Sprintf("matches more than %d words", ix.text.opts.MaxWildcardWords)}, nil
		}
		if res.Len() == 0 {
			return tr, &Hint{Type: HintMissing, Value: term.words[0]}, nil
		}
		return tr, nil, nil
	}

	for _, w := range term.words {
		res, err := ix.search(ctx, "==", w)
		if err != nil {
			return tr, nil, err
		}
		stats.step(res.Stats)
		if res.Len() == 0 {
			tr.results = res
			return tr, &Hint{Type: HintMissing, Value: w}, nil
		}
		tr.words = append(tr.words, res)
	}
	if len(tr.words) == 1 {
		tr.results = tr.words[0]
		return tr, nil, nil
	}
	tr.results = ix.phrase(tr.words)
	return tr, nil, nil
}

// phrase keeps the documents where the words occur consecutively.
func (ix *Index) phrase(perWord []*Results) *Results {
	occurs := make([]map[string]any, len(perWord))
	for i, res := range perWord {
		occurs[i] = make(map[string]any, res.Len())
		for _, item := range res.Items {
			occurs[i][item.pointer] = item.internal[occursKey]
		}
	}
	out := &Results{Stats: newStats("phrase", len(perWord))}
	for _, item := range perWord[0].Items {
		bm := positionBitmap(occurs[0][item.pointer], 0)
		for i := 1; i < len(perWord) && !bm.IsEmpty(); i++ {
			o, ok := occurs[i][item.pointer]
			if !ok {
				bm.Clear()
				break
			}
			bm.And(positionBitmap(o, i))
		}
		if !bm.IsEmpty() {
			out.Items = append(out.Items, item)
		}
	}
	out.Stats.stop(out.Len())
	return out
}
