// Package dsa provides small data structures shared by the tool packages.
//
// Information Hiding:
// - Radix tree node layout hidden
// - Untyped go-radix values hidden behind a generic API

package dsa

import (
	"github.com/armon/go-radix"
)

// Trie is a generic prefix index backed by a compressed radix tree.
// It is not safe for concurrent writers; build it once and share it read-only.
type Trie[V any] struct {
	tree *radix.Tree
}

// NewTrie creates an empty Trie.
func NewTrie[V any]() *Trie[V] {
	return &Trie[V]{tree: radix.New()}
}

// Insert stores value under key, replacing any previous value.
func (t *Trie[V]) Insert(key string, value V) {
	t.tree.Insert(key, value)
}

// Get returns the value stored under exactly key.
func (t *Trie[V]) Get(key string) (V, bool) {
	val, ok := t.tree.Get(key)
	return cast[V](val, ok)
}

// LongestPrefix returns the longest stored key that prefixes s.
func (t *Trie[V]) LongestPrefix(s string) (string, V, bool) {
	key, val, ok := t.tree.LongestPrefix(s)
	v, ok := cast[V](val, ok)
	if !ok {
		return "", v, false
	}
	return key, v, true
}

// WithPrefix returns the stored keys starting with prefix in lexical order.
func (t *Trie[V]) WithPrefix(prefix string) []string {
	var keys []string
	t.tree.WalkPrefix(prefix, func(k string, _ interface{}) bool {
		keys = append(keys, k)
		return false
	})
	return keys
}

// Len returns the number of stored keys.
func (t *Trie[V]) Len() int {
	return t.tree.Len()
}

func cast[V any](val interface{}, ok bool) (V, bool) {
	var zero V
	if !ok {
		return zero, false
	}
	v, ok := val.(V)
	if !ok {
		return zero, false
	}
	return v, true
}
