package dedup

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKey(t *testing.T) {
	tests := []struct {
		name                      string
		company, street, city, st string
		want                      string
	}{
		{"basic", "Acme Corp", "12 Main St.", "Austin", "TX", "acmecorp12mainstaustintx"},
		{"punctuation and case", "ACME, CORP!", "12 main st", "AUSTIN", "tx", "acmecorp12mainstaustintx"},
		{"diacritics folded", "Café Olé", "1 Rue", "Montréal", "QC", "cafeole1ruemontrealqc"},
		{"whitespace only", "  ", "\t", "", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Key(tt.company, tt.street, tt.city, tt.st))
		})
	}
}

func TestFilter_InBatchDuplicates(t *testing.T) {
	f := NewFilter(nil)

	// Rows 10 and 55 repeat row 3.
	var kept int
	for i := 1; i <= 100; i++ {
		key := fmt.Sprintf("row%d", i)
		if i == 10 || i == 55 {
			key = "row3"
		}
		if f.Check(key) == Novel {
			kept++
		}
	}

	res := f.Result()
	assert.Equal(t, 98, kept)
	assert.Equal(t, 98, res.Kept)
	assert.Equal(t, 2, res.DuplicatesInFile)
	assert.Zero(t, res.DuplicatesInStore)
}

func TestFilter_StoreDuplicates(t *testing.T) {
	existing := KeySet{"a": {}, "b": {}}
	f := NewFilter(existing)

	assert.Equal(t, DuplicateInStore, f.Check("a"))
	assert.Equal(t, Novel, f.Check("c"))
	assert.Equal(t, DuplicateInBatch, f.Check("c"))
	assert.Equal(t, DuplicateInStore, f.Check("b"))

	_, added := existing["c"]
	assert.True(t, added)

	res := f.Result()
	assert.Equal(t, Result{Kept: 1, DuplicatesInFile: 1, DuplicatesInStore: 2}, res)
}

func TestFilter_FirstOccurrenceWins(t *testing.T) {
	f := NewFilter(nil)
	keys := []string{"x", "y", "x", "z", "y"}
	var kept []int
	for i, k := range keys {
		if f.Check(k) == Novel {
			kept = append(kept, i)
		}
	}
	assert.Equal(t, []int{0, 1, 3}, kept)
}

func TestFilter_FailedRowsNotDuplicates(t *testing.T) {
	f := NewFilter(nil)
	f.Check("a")
	f.Fail()
	f.Fail()

	res := f.Result()
	assert.Equal(t, 2, res.Failed)
	assert.Zero(t, res.DuplicatesInFile)
	assert.Equal(t, 1, res.Kept)
}

func TestVerdict_String(t *testing.T) {
	assert.Equal(t, "novel", Novel.String())
	assert.Equal(t, "duplicate_in_store", DuplicateInStore.String())
	assert.Equal(t, "unknown", Verdict(9).String())
}
