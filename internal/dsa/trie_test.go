package dsa

import (
	"reflect"
	"testing"
)

func TestTrieGetAndLen(t *testing.T) {
	trie := NewTrie[int]()
	trie.Insert("bill", 1)
	trie.Insert("billpayment", 2)
	trie.Insert("bill", 3)

	if trie.Len() != 2 {
		t.Fatalf("Len = %d, want 2", trie.Len())
	}
	if v, ok := trie.Get("bill"); !ok || v != 3 {
		t.Errorf("Get(bill) = %d, %v", v, ok)
	}
	if _, ok := trie.Get("bil"); ok {
		t.Error("Get(bil) should miss")
	}
}

func TestTrieLongestPrefix(t *testing.T) {
	trie := NewTrie[string]()
	trie.Insert("gpt-4o", "full")
	trie.Insert("gpt-4o-mini", "mini")

	tests := []struct {
		in      string
		wantKey string
		wantOK  bool
	}{
		{"gpt-4o-mini-2024-07-18", "gpt-4o-mini", true},
		{"gpt-4o-2024-08-06", "gpt-4o", true},
		{"gpt-4", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			key, _, ok := trie.LongestPrefix(tt.in)
			if key != tt.wantKey || ok != tt.wantOK {
				t.Errorf("LongestPrefix(%q) = %q, %v", tt.in, key, ok)
			}
		})
	}
}

func TestTrieWithPrefix(t *testing.T) {
	trie := NewTrie[struct{}]()
	for _, k := range []string{"vendor", "bill", "billpayment", "budget"} {
		trie.Insert(k, struct{}{})
	}

	if got := trie.WithPrefix("bil"); !reflect.DeepEqual(got, []string{"bill", "billpayment"}) {
		t.Errorf("WithPrefix(bil) = %v", got)
	}
	if got := trie.WithPrefix("x"); len(got) != 0 {
		t.Errorf("WithPrefix(x) = %v", got)
	}
}
