// Package dedup computes normalized identity keys for contacts and filters
// duplicates within an import batch and against keys already stored.
package dedup

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Key builds the dedup key for a contact: name, street, city and state
// folded to ASCII where possible, lower-cased, with every non-alphanumeric
// rune removed. It returns "" when no part contributes a character.
func Key(name, street, city, state string) string {
	var b strings.Builder
	for _, part := range []string{name, street, city, state} {
		for _, r := range fold(part) {
			if unicode.IsLetter(r) || unicode.IsDigit(r) {
				b.WriteRune(unicode.ToLower(r))
			}
		}
	}
	return b.String()
}

// fold strips combining marks so "Café" and "Cafe" produce the same key.
func fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}

// Verdict is the outcome of checking one key.
type Verdict int

const (
	Novel Verdict = iota
	DuplicateInBatch
	DuplicateInStore
)

func (v Verdict) String() string {
	switch v {
	case Novel:
		return "novel"
	case DuplicateInBatch:
		return "duplicate_in_batch"
	case DuplicateInStore:
		return "duplicate_in_store"
	default:
		return "unknown"
	}
}

// KeySet is a set of dedup keys.
type KeySet map[string]struct{}

// Filter is a single-pass duplicate filter. It is not safe for concurrent use.
type Filter struct {
	batch    KeySet
	existing KeySet
	result   Result
}

// Result counts what a Filter saw.
type Result struct {
	Kept              int `json:"kept"`
	DuplicatesInFile  int `json:"duplicates_in_file"`
	DuplicatesInStore int `json:"duplicates_in_store"`
	Failed            int `json:"failed"`
}

// NewFilter creates a filter seeded with the tenant's stored keys. The
// filter adds kept keys to existing, so the caller's set stays current.
func NewFilter(existing KeySet) *Filter {
	if existing == nil {
		existing = make(KeySet)
	}
	return &Filter{batch: make(KeySet), existing: existing}
}

// Check classifies key and records it when novel. The batch set is consulted
// first so a repeat inside the file counts as an in-file duplicate even after
// its first occurrence has been added to the store set.
func (f *Filter) Check(key string) Verdict {
	if _, ok := f.batch[key]; ok {
		f.result.DuplicatesInFile++
		return DuplicateInBatch
	}
	if _, ok := f.existing[key]; ok {
		f.result.DuplicatesInStore++
		return DuplicateInStore
	}
	f.batch[key] = struct{}{}
	f.existing[key] = struct{}{}
	f.result.Kept++
	return Novel
}

// Fail counts a malformed row. Failed rows never reach Check.
func (f *Filter) Fail() {
	f.result.Failed++
}

// Result returns the counts so far.
func (f *Filter) Result() Result {
	return f.result
}
