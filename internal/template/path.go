package template

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// segment is one element of a dotted path: a name plus optional array indexes
// ("items[0]" parses to name "items", indexes [0]).
type segment struct {
	name    string
	indexes []int
}

var segmentRe = regexp.MustCompile(`^([A-Za-z_$][\w$-]*)((\[\d+\])*)$`)

// parsePath splits a dot path with optional [i] indexing into segments.
// Returns nil if any segment is malformed.
func parsePath(path string) []segment {
	if path == "" {
		return nil
	}
	parts := strings.Split(path, ".")
	segs := make([]segment, 0, len(parts))
	for _, p := range parts {
		m := segmentRe.FindStringSubmatch(p)
		if m == nil {
			return nil
		}
		seg := segment{name: m[1]}
		if m[2] != "" {
			for _, idx := range strings.Split(strings.Trim(m[2], "[]"), "][") {
				i, err := strconv.Atoi(idx)
				if err != nil {
					return nil
				}
				seg.indexes = append(seg.indexes, i)
			}
		}
		segs = append(segs, seg)
	}
	return segs
}

// lookup resolves a parsed path against a JSON-shaped value.
// Returns (nil, false) when any step is missing or mistyped.
func lookup(v any, path []segment) (any, bool) {
	cur := v
	for _, seg := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg.name]
		if !ok {
			return nil, false
		}
		for _, idx := range seg.indexes {
			arr, ok := cur.([]any)
			if !ok || idx < 0 || idx >= len(arr) {
				return nil, false
			}
			cur = arr[idx]
		}
	}
	return cur, true
}

// commonAliases are the top-level field names block outputs conventionally
// use for their main payload. A path naming one of these can be satisfied by
// a scalar output directly.
var commonAliases = []string{"response", "result", "output", "data", "content", "text"}

func isAlias(name string) bool {
	for _, a := range commonAliases {
		if a == name {
			return true
		}
	}
	return false
}

// tryResolve attempts (a) a direct path lookup and (b) the common-alias rule:
// a single-segment alias path is satisfied by a scalar output itself.
func tryResolve(v any, path []segment) (any, bool) {
	if r, ok := lookup(v, path); ok {
		return r, true
	}
	if len(path) == 1 && len(path[0].indexes) == 0 && isAlias(path[0].name) {
		if _, isMap := v.(map[string]any); !isMap {
			if _, isArr := v.([]any); !isArr && v != nil {
				return v, true
			}
		}
	}
	return nil, false
}

// resolveAgainst runs tryResolve on the value, then retries one level down
// inside every object-typed field (sorted key order, for determinism).
func resolveAgainst(v any, path []segment) (any, bool) {
	if r, ok := tryResolve(v, path); ok {
		return r, true
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, false
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if sub, ok := m[k].(map[string]any); ok {
			if r, ok := tryResolve(sub, path); ok {
				return r, true
			}
		}
	}
	return nil, false
}
