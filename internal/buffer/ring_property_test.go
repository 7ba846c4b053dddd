package buffer

import (
	"reflect"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestRingMatchesSliceTail(t *testing.T) {
	properties := gopter.NewProperties(gopter.DefaultTestParameters())

	properties.Property("ring holds the newest cap entries in order", prop.ForAll(
		func(size int, values []int) bool {
			ring := NewRing[int](size)
			for _, v := range values {
				ring.Add(v)
			}
			want := values
			if len(want) > size {
				want = want[len(want)-size:]
			}
			if len(want) == 0 {
				return ring.List() == nil && ring.Len() == 0
			}
			return reflect.DeepEqual(ring.List(), want) && ring.Len() == len(want)
		},
		gen.IntRange(1, 16),
		gen.SliceOf(gen.Int()),
	))

	properties.Property("tail is a suffix of list", prop.ForAll(
		func(size, n int, values []int) bool {
			ring := NewRing[int](size)
			for _, v := range values {
				ring.Add(v)
			}
			all := ring.List()
			tail := ring.Tail(n)
			if n <= 0 || n >= len(all) {
				return reflect.DeepEqual(tail, all)
			}
			return reflect.DeepEqual(tail, all[len(all)-n:])
		},
		gen.IntRange(1, 8),
		gen.IntRange(-1, 10),
		gen.SliceOf(gen.IntRange(0, 100)),
	))

	properties.TestingRun(t)
}
