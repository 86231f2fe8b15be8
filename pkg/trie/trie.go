// Package trie provides a small generic path trie used to route
// embedding-producer identities to registered values. Identities follow
// a "family/name/variant" convention with "/" separators; a "+" segment
// matches any single segment:
//
//	"word/news/d64"  - exact identity
//	"word/+/+"       - any word producer
//	"ctx/+"          - any contextual producer variant
package trie

import (
	"errors"
	"sort"
	"strings"
)

// ErrDuplicate is returned when a pattern is registered twice.
var ErrDuplicate = errors.New("trie: pattern already registered")

// Trie maps slash-separated patterns to values of type T. Exact segment
// matches take precedence over "+" wildcard segments.
type Trie[T any] struct {
	children map[string]*Trie[T]
	wildcard *Trie[T]
	set      bool
	value    T
}

// New creates an empty trie.
func New[T any]() *Trie[T] {
	return &Trie[T]{}
}

// Set registers a value under the given pattern.
// Returns [ErrDuplicate] if the exact pattern is already registered.
func (t *Trie[T]) Set(pattern string, value T) error {
	node := t
	for pattern != "" {
		var seg string
		seg, pattern = splitSegment(pattern)
		if seg == "+" {
			if node.wildcard == nil {
				node.wildcard = &Trie[T]{}
			}
			node = node.wildcard
			continue
		}
		if node.children == nil {
			node.children = make(map[string]*Trie[T])
		}
		ch, ok := node.children[seg]
		if !ok {
			ch = &Trie[T]{}
			node.children[seg] = ch
		}
		node = ch
	}
	if node.set {
		return ErrDuplicate
	}
	node.value = value
	node.set = true
	return nil
}

// Get returns the value whose pattern matches the given path, preferring
// exact segments over wildcards at each level.
func (t *Trie[T]) Get(path string) (T, bool) {
	_, v, ok := t.match("", path)
	if !ok {
		var zero T
		return zero, false
	}
	return v, true
}

// Match returns the matched pattern together with its value.
func (t *Trie[T]) Match(path string) (pattern string, value T, ok bool) {
	return t.match("", path)
}

func (t *Trie[T]) match(matched, path string) (string, T, bool) {
	if path == "" {
		return strings.TrimPrefix(matched, "/"), t.value, t.set
	}
	seg, rest := splitSegment(path)
	if ch, ok := t.children[seg]; ok {
		if p, v, ok := ch.match(matched+"/"+seg, rest); ok {
			return p, v, true
		}
	}
	if t.wildcard != nil {
		if p, v, ok := t.wildcard.match(matched+"/+", rest); ok {
			return p, v, true
		}
	}
	var zero T
	return "", zero, false
}

// Patterns returns all registered patterns in sorted order.
func (t *Trie[T]) Patterns() []string {
	var out []string
	t.walk("", &out)
	sort.Strings(out)
	return out
}

func (t *Trie[T]) walk(prefix string, out *[]string) {
	if t.set {
		*out = append(*out, strings.TrimPrefix(prefix, "/"))
	}
	for seg, ch := range t.children {
		ch.walk(prefix+"/"+seg, out)
	}
	if t.wildcard != nil {
		t.wildcard.walk(prefix+"/+", out)
	}
}

func splitSegment(path string) (seg, rest string) {
	if i := strings.IndexByte(path, '/'); i >= 0 {
		return path[:i], path[i+1:]
	}
	return path, ""
}
