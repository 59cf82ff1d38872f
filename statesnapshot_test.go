package acsvm

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestArrayMapRoundTrip(t *testing.T) {
	original := map[Word][]Word{
		0: {1, 2, 3},
		5: {9},
		7: {},
	}

	roundTripped := entriesToArrayMap(arrayMapToEntries(original))

	if diff := cmp.Diff(original, roundTripped); diff != "" {
		t.Fatalf("array map round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestArrayMapToEntriesIsOrderIndependent(t *testing.T) {
	a := arrayMapToEntries(map[Word][]Word{1: {10}, 2: {20}})
	b := arrayMapToEntries(map[Word][]Word{2: {20}, 1: {10}})

	sortByIdx := cmp.Transformer("sortByIdx", func(es []stateArrayEntry) []stateArrayEntry {
		sorted := append([]stateArrayEntry(nil), es...)
		for i := 1; i < len(sorted); i++ {
			for j := i; j > 0 && sorted[j-1].Idx > sorted[j].Idx; j-- {
				sorted[j-1], sorted[j] = sorted[j], sorted[j-1]
			}
		}
		return sorted
	})

	if diff := cmp.Diff(a, b, sortByIdx); diff != "" {
		t.Fatalf("entries built from equal maps differ beyond ordering (-a +b):\n%s", diff)
	}
}
