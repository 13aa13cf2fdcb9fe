package config

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// secretPaths lists dotted paths (supporting a "*" wildcard segment for
// map keys) that are left out of every Patch diff, and so out of
// config:changed events. This is the gateway's enforcement of spec.md
// §4.7's "secret values never appear in events or the patch diff".
// Get does not consult it: a config.get of one of these paths, or of a
// subtree holding one, returns the stored value.
var secretPaths = []string{
	"thinker.api_key",
	"auth.profiles.*.token",
	"channels.*.settings.token",
	"channels.*.settings.api_key",
	"channels.*.settings.password",
	"email.*.imap.password",
	"email.*.smtp.password",
}

// Store is the single-writer, tree-shaped configuration store backing
// the gateway's config.get/config.patch methods. Readers call Snapshot
// to obtain an immutable copy-on-write view; Patch serializes writes
// through a single mutex, matching the §5 single-writer discipline.
type Store struct {
	mu   sync.Mutex
	cfg  *Config
	tree map[string]any // derived view of cfg, rebuilt on every successful patch
}

// NewStore wraps an already-loaded Config in a Store.
func NewStore(cfg *Config) (*Store, error) {
	tree, err := toTree(cfg)
	if err != nil {
		return nil, fmt.Errorf("build config tree: %w", err)
	}
	return &Store{cfg: cfg, tree: tree}, nil
}

// Snapshot returns the current Config. The returned pointer must be
// treated as read-only; callers that need to mutate take a copy first.
func (s *Store) Snapshot() *Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg := *s.cfg
	return &cfg
}

// Get resolves a dotted path ("gateway.port", "channels.telegram") against
// the current tree. Returns ErrNotFound if no value exists at path.
func (s *Store) Get(path string) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return lookup(s.tree, splitPath(path))
}

// ErrNotFound is returned by Get and Patch-delete when path does not
// resolve to an existing subtree.
var ErrNotFound = fmt.Errorf("config path not found")

// Diff describes the structural changes a Patch produced, expressed as
// dotted paths with no values — config:changed events carry only this,
// never the values themselves, so patched secrets cannot leak through
// the diff.
type Diff struct {
	Added    []string
	Modified []string
	Removed  []string
}

func (d Diff) touched() bool {
	return len(d.Added) > 0 || len(d.Modified) > 0 || len(d.Removed) > 0
}

// Patch merges value into the tree at path, or deletes the key at path
// if value is nil. The updated tree is validated as a whole (by
// round-tripping through the Config struct) before being committed; on
// validation failure the store is left unchanged and an error returned.
func (s *Store) Patch(path string, value any) (Diff, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	segs := splitPath(path)
	if len(segs) == 0 {
		return Diff{}, fmt.Errorf("config patch: empty path")
	}

	before := cloneTree(s.tree)

	next := cloneTree(s.tree)
	if value == nil {
		if err := deleteAt(next, segs); err != nil {
			return Diff{}, err
		}
	} else {
		if err := mergeAt(next, segs, value); err != nil {
			return Diff{}, err
		}
	}

	cfg, err := fromTree(next)
	if err != nil {
		return Diff{}, fmt.Errorf("config patch: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Diff{}, fmt.Errorf("config patch: %w", err)
	}

	diff := diffTrees(before, next)

	s.cfg = cfg
	s.tree = next
	return diff, nil
}

// toTree renders a Config into a generic map[string]any by round-tripping
// through YAML, giving config.get a uniform representation regardless of
// the underlying struct's Go types.
func toTree(cfg *Config) (map[string]any, error) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var tree map[string]any
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return nil, err
	}
	if tree == nil {
		tree = map[string]any{}
	}
	return tree, nil
}

// fromTree is toTree's inverse: it re-marshals the tree to YAML and
// decodes it into a fresh Config, so Patch always produces a struct that
// matches what applyDefaults/Validate expect.
func fromTree(tree map[string]any) (*Config, error) {
	data, err := yaml.Marshal(tree)
	if err != nil {
		return nil, err
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

func splitPath(path string) []string {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	return strings.Split(path, ".")
}

func lookup(tree map[string]any, segs []string) (any, error) {
	if len(segs) == 0 {
		return tree, nil
	}
	cur := any(tree)
	for _, seg := range segs {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, ErrNotFound
		}
		v, ok := m[seg]
		if !ok {
			return nil, ErrNotFound
		}
		cur = v
	}
	return cur, nil
}

func mergeAt(tree map[string]any, segs []string, value any) error {
	m := tree
	for _, seg := range segs[:len(segs)-1] {
		next, ok := m[seg]
		if !ok {
			nm := map[string]any{}
			m[seg] = nm
			m = nm
			continue
		}
		nm, ok := next.(map[string]any)
		if !ok {
			return fmt.Errorf("config patch: %q is not a subtree", seg)
		}
		m = nm
	}

	last := segs[len(segs)-1]
	if existing, ok := m[last]; ok {
		if existingMap, ok1 := existing.(map[string]any); ok1 {
			if valueMap, ok2 := asMap(value); ok2 {
				for k, v := range valueMap {
					existingMap[k] = v
				}
				return nil
			}
		}
	}
	m[last] = value
	return nil
}

func deleteAt(tree map[string]any, segs []string) error {
	m := tree
	for _, seg := range segs[:len(segs)-1] {
		next, ok := m[seg]
		if !ok {
			return ErrNotFound
		}
		nm, ok := next.(map[string]any)
		if !ok {
			return ErrNotFound
		}
		m = nm
	}
	last := segs[len(segs)-1]
	if _, ok := m[last]; !ok {
		return ErrNotFound
	}
	delete(m, last)
	return nil
}

func asMap(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	return m, ok
}

func cloneTree(tree map[string]any) map[string]any {
	out := make(map[string]any, len(tree))
	for k, v := range tree {
		if nested, ok := v.(map[string]any); ok {
			out[k] = cloneTree(nested)
			continue
		}
		out[k] = v
	}
	return out
}

// diffTrees walks two tree snapshots and returns the dotted paths that
// were added, modified, or removed. Secret paths (per secretPaths) are
// excluded from the result regardless of which bucket they'd fall in.
func diffTrees(before, after map[string]any) Diff {
	var d Diff
	walkDiff("", before, after, &d)

	d.Added = filterSecrets(d.Added)
	d.Modified = filterSecrets(d.Modified)
	d.Removed = filterSecrets(d.Removed)
	sort.Strings(d.Added)
	sort.Strings(d.Modified)
	sort.Strings(d.Removed)
	return d
}

func walkDiff(prefix string, before, after map[string]any, d *Diff) {
	for k, av := range after {
		path := joinPath(prefix, k)
		bv, existed := before[k]
		if !existed {
			d.Added = append(d.Added, path)
			continue
		}
		am, aIsMap := av.(map[string]any)
		bm, bIsMap := bv.(map[string]any)
		switch {
		case aIsMap && bIsMap:
			walkDiff(path, bm, am, d)
		case aIsMap != bIsMap:
			d.Modified = append(d.Modified, path)
		default:
			if !equalScalar(av, bv) {
				d.Modified = append(d.Modified, path)
			}
		}
	}
	for k := range before {
		if _, ok := after[k]; !ok {
			d.Removed = append(d.Removed, joinPath(prefix, k))
		}
	}
}

func equalScalar(a, b any) bool {
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func joinPath(prefix, seg string) string {
	if prefix == "" {
		return seg
	}
	return prefix + "." + seg
}

func filterSecrets(paths []string) []string {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if isSecretPath(p) {
			continue
		}
		out = append(out, p)
	}
	return out
}

// isSecretPath reports whether a dotted path matches a secretPaths entry,
// treating "*" segments as wildcards over map keys (e.g. channel names,
// auth profile ids).
func isSecretPath(path string) bool {
	segs := strings.Split(path, ".")
	for _, pattern := range secretPaths {
		pseg := strings.Split(pattern, ".")
		if len(pseg) != len(segs) {
			continue
		}
		match := true
		for i, p := range pseg {
			if p == "*" {
				continue
			}
			if p != segs[i] {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}
