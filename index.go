package quire

import (
	"fmt"
	"log/slog"
	"maps"
	"os"
	"regexp"
	"slices"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/jpl-au/quire/tree"
)

// Kind selects how an index turns a document value into keys.
type Kind int

const (
	KindNormal   Kind = iota // the value itself
	KindArray                // each unique array element
	KindFullText             // each unique word
	KindGeo                  // a geohash of {lat, long}
)

var kindNames = [...]string{"normal", "array", "fulltext", "geo"}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ParseKind converts a kind name back to a Kind.
func ParseKind(s string) (Kind, error) {
	if s == "" {
		return KindNormal, nil
	}
	for i, name := range kindNames {
		if name == s {
			return Kind(i), nil
		}
	}
	return 0, fmt.Errorf("%w: unknown index type %q", ErrInvalidArgument, s)
}

// State is the lifecycle state of an index.
type State int

const (
	StateInit State = iota
	StateBuilding
	StateReady
	StateRebuilding
	StateError
	StateRemoved
)

var stateNames = [...]string{"init", "building", "ready", "rebuilding", "error", "removed"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// KeySentinel used as the index key indexes each document's own key.
const KeySentinel = "{key}"

// IndexOptions are the settings given to DB.CreateIndex.
type IndexOptions struct {
	Kind          Kind
	Include       []string // child keys stored as metadata with every value
	CaseSensitive bool     // keep string case; otherwise strings are lowercased
	TextLocale    string   // locale for lowercasing and tokenizing; default "en"
	TextLocaleKey string   // child key holding a per-document locale
	FullText      FullTextOptions
}

// Index is one secondary index and the file it owns.
type Index struct {
	root    *os.Root
	storage Storage
	cfg     Config
	log     *slog.Logger

	path     string
	key      string
	kind     Kind
	include  []string
	opts     IndexOptions
	fileName string
	text     *textConfig

	locks  lockManager
	flock  fileLock
	cache  *queryCache
	filter *bloom // nil until built this session
	builds singleflight.Group

	mu       sync.Mutex
	state    State
	buildErr error
	pending  []*pendingUpdate
	file     *os.File
	tree     *tree.Tree
}

// indexValue is one key a document contributes, with its metadata.
type indexValue struct {
	key      any
	metadata map[string]any
}

func newIndex(root *os.Root, storage Storage, cfg Config, path, key string, opts IndexOptions) (*Index, error) {
	if key == "" || strings.Contains(key, "/") {
		return nil, fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	if key == KeySentinel && opts.Kind != KindNormal {
		return nil, fmt.Errorf("%w: %s indexes cannot index document keys", ErrInvalidKey, opts.Kind)
	}
	if opts.Kind < KindNormal || opts.Kind > KindGeo {
		return nil, fmt.Errorf("%w: index type %d", ErrInvalidArgument, int(opts.Kind))
	}
	for _, k := range opts.Include {
		if k == "" || strings.Contains(k, "/") || k == KeySentinel || (strings.HasPrefix(k, "_") && strings.HasSuffix(k, "_")) {
			return nil, fmt.Errorf("%w: %q", ErrInvalidInclude, k)
		}
	}
	if opts.TextLocale == "" {
		opts.TextLocale = DefaultLocale
	}
	opts.Include = dedupe(opts.Include)

	ix := &Index{
		root:    root,
		storage: storage,
		cfg:     cfg,
		path:    normalizePath(path),
		key:     key,
		kind:    opts.Kind,
		include: opts.Include,
		opts:    opts,
	}
	if ix.kind == KindFullText {
		text, err := compileText(opts.FullText)
		if err != nil {
			return nil, err
		}
		ix.text = text
	}
	ix.fileName = indexFileName(ix.path, key, ix.include, ix.kind, cfg.HashAlgorithm)
	ix.log = componentLogger("index").With("index", ix.fileName)
	ix.cache = newQueryCache(cfg.Cache, ix.fileName)
	return ix, nil
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9_#,.\-]`)

// indexFileName derives the file name path-key[,include].[type.]idx. Long
// names keep a readable prefix and end in a digest of the full name.
func indexFileName(path, key string, include []string, kind Kind, alg int) string {
	segments := splitPath(path)
	for i, s := range segments {
		if isWildcard(s) {
			segments[i] = "#"
		}
	}
	name := strings.Join(segments, "-") + "-" + key
	if len(include) > 0 {
		name += "," + strings.Join(include, ",")
	}
	name = unsafeName.ReplaceAllString(name, "_")
	if len(name) > 160 {
		name = name[:120] + "-" + digest([]byte(name), alg)
	}
	if kind != KindNormal {
		name += "." + kind.String()
	}
	return name + ".idx"
}

// Path returns the normalized index path.
func (ix *Index) Path() string { return ix.path }

// Key returns the indexed key.
func (ix *Index) Key() string { return ix.key }

// Kind returns the index kind.
func (ix *Index) Kind() Kind { return ix.kind }

// Include returns the included metadata keys.
func (ix *Index) Include() []string { return slices.Clone(ix.include) }

// FileName returns the name of the index file in the storage directory.
func (ix *Index) FileName() string { return ix.fileName }

// Description is a human readable summary of the index definition.
func (ix *Index) Description() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s index on /%s/*/%s", ix.kind, ix.path, ix.key)
	if len(ix.include) > 0 {
		fmt.Fprintf(&b, " including %s", strings.Join(ix.include, ", "))
	}
	if !ix.opts.CaseSensitive && ix.kind != KindGeo {
		b.WriteString(" (case insensitive)")
	}
	return b.String()
}

// ValidOperators returns the operators Query accepts.
func (ix *Index) ValidOperators() []string {
	switch ix.kind {
	case KindArray:
		return []string{"contains", "!contains"}
	case KindFullText:
		return []string{"fulltext:contains", "fulltext:!contains"}
	case KindGeo:
		return []string{"geo:nearby"}
	}
	return slices.Clone(tree.Operators)
}

// State returns the lifecycle state.
func (ix *Index) State() State {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.state
}

// BuildError returns the cause of the last failed build, if any.
func (ix *Index) BuildError() error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.buildErr
}

// Info returns the current tree counts. It is zero before the first build.
func (ix *Index) Info() tree.Stats {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.tree == nil {
		return tree.Stats{}
	}
	return ix.tree.Info()
}

// internalKeys are the metadata keys a kind stores for its own use.
func (ix *Index) internalKeys() []string {
	switch ix.kind {
	case KindFullText:
		return []string{occursKey}
	case KindGeo:
		return []string{latKey, longKey}
	}
	return nil
}

// metadataKeys is the full metadata layout of every stored value.
func (ix *Index) metadataKeys() []string {
	return append(slices.Clone(ix.include), ix.internalKeys()...)
}

func (ix *Index) treeOptions() tree.Options {
	return tree.Options{
		FillFactor:        ix.cfg.Build.FillFactor,
		MaxEntriesPerNode: ix.cfg.Build.MaxEntriesPerNode,
		MetadataKeys:      ix.metadataKeys(),
	}
}

func (ix *Index) header() *Header {
	h := &Header{
		Type:          ix.kind.String(),
		Path:          ix.path,
		Key:           ix.key,
		Include:       ix.include,
		CaseSensitive: ix.opts.CaseSensitive,
		Locale:        ix.opts.TextLocale,
		LocaleKey:     ix.opts.TextLocaleKey,
		Options:       map[string]any{},
	}
	if ix.kind == KindFullText {
		maps.Copy(h.Options, ix.opts.FullText.headerOptions())
	}
	return h
}

// optionsFromHeader reproduces the options an index file was built with.
func optionsFromHeader(h *Header) (IndexOptions, error) {
	kind, err := ParseKind(h.Type)
	if err != nil {
		return IndexOptions{}, fmt.Errorf("%w: %w", ErrIndexMismatch, err)
	}
	opts := IndexOptions{
		Kind:          kind,
		Include:       h.Include,
		CaseSensitive: h.CaseSensitive,
		TextLocale:    h.Locale,
		TextLocaleKey: h.LocaleKey,
	}
	if kind == KindFullText {
		opts.FullText = fullTextOptionsFromHeader(h.Options)
	}
	return opts, nil
}

// locale returns the document's own locale when the index names a locale
// key, otherwise the index locale.
func (ix *Index) locale(doc any) string {
	if ix.opts.TextLocaleKey != "" {
		if s, ok := childValue(doc, ix.opts.TextLocaleKey).(string); ok && s != "" {
			return s
		}
	}
	return ix.opts.TextLocale
}

// documentValues computes every key a document contributes. A nil doc (a
// deleted or not yet created document) contributes nothing.
func (ix *Index) documentValues(docKey string, doc any) []indexValue {
	if doc == nil {
		return nil
	}
	var raw any
	if ix.key == KeySentinel {
		raw = docKey
	} else {
		if _, ok := doc.(map[string]any); !ok {
			return nil
		}
		raw = childValue(doc, ix.key)
	}
	locale := ix.locale(doc)

	var meta map[string]any
	if len(ix.include) > 0 {
		meta = make(map[string]any, len(ix.include))
		for _, k := range ix.include {
			v := metadataValue(childValue(doc, k))
			if !ix.opts.CaseSensitive {
				v = lower(v, locale)
			}
			meta[k] = v
		}
	}

	switch ix.kind {
	case KindArray:
		return ix.arrayValues(raw, locale, meta)
	case KindFullText:
		return ix.textValues(raw, locale, meta)
	case KindGeo:
		return geoValues(raw, meta)
	}
	k, ok := indexable(raw)
	if !ok {
		return nil
	}
	if !ix.opts.CaseSensitive {
		k = lower(k, locale)
	}
	return []indexValue{{key: k, metadata: meta}}
}

// withExtra returns meta plus extra without modifying meta.
func withExtra(meta map[string]any, extra map[string]any) map[string]any {
	out := make(map[string]any, len(meta)+len(extra))
	maps.Copy(out, meta)
	maps.Copy(out, extra)
	return out
}

// diffValues turns the keys a document had and now has into tree
// operations. Keys whose metadata changed are re-added, which replaces the
// stored metadata.
func diffValues(ptr []byte, before, after []indexValue) []tree.Op {
	old := make(map[string]indexValue, len(before))
	for _, v := range before {
		old[tree.KeyString(v.key)] = v
	}
	cur := make(map[string]struct{}, len(after))
	var ops []tree.Op
	for _, v := range before {
		ks := tree.KeyString(v.key)
		if !slices.ContainsFunc(after, func(a indexValue) bool { return tree.KeyString(a.key) == ks }) {
			ops = append(ops, tree.Remove(v.key, ptr))
		}
	}
	for _, v := range after {
		ks := tree.KeyString(v.key)
		if _, dup := cur[ks]; dup {
			continue
		}
		cur[ks] = struct{}{}
		if o, ok := old[ks]; ok && metadataEqual(o.metadata, v.metadata) {
			continue
		}
		ops = append(ops, tree.Add(v.key, ptr, v.metadata))
	}
	return ops
}

// setFile installs a freshly opened index file. Called with the write lock
// held.
func (ix *Index) setFile(f *os.File, t *tree.Tree) {
	ix.mu.Lock()
	old := ix.file
	ix.file, ix.tree = f, t
	ix.mu.Unlock()
	ix.flock.setFile(nil)
	if old != nil {
		old.Close()
	}
	ix.flock.setFile(f)
}

// closeFile releases the file handle. Called with the write lock held.
func (ix *Index) closeFile() error {
	ix.flock.setFile(nil)
	ix.mu.Lock()
	f := ix.file
	ix.file, ix.tree = nil, nil
	ix.mu.Unlock()
	if f == nil {
		return nil
	}
	return f.Close()
}

// currentTree returns the tree for reading. Called with a lock held.
func (ix *Index) currentTree() (*tree.Tree, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	switch ix.state {
	case StateRemoved:
		return nil, ErrIndexRemoved
	case StateError:
		return nil, fmt.Errorf("%w: %w", ErrIndexFailed, ix.buildErr)
	}
	if ix.tree == nil {
		return nil, ErrNotBuilt
	}
	return ix.tree, nil
}
