package measurement

import (
	"sort"

	"github.com/Strob0t/CreditForge/internal/domain/credits"
)

// Normalize orders measurements by window start, then resource, and keeps
// one measurement per (resource, window): the one with the highest source
// sequence. The input slice is not modified.
func Normalize(in []credits.UsageMeasurement) Batch {
	type key struct {
		resource string
		window   string
	}
	best := make(map[key]int, len(in))
	out := make([]credits.UsageMeasurement, 0, len(in))
	dropped := 0

	for _, m := range in {
		k := key{m.Resource, m.Window.Key()}
		if i, ok := best[k]; ok {
			dropped++
			if m.Sequence > out[i].Sequence {
				out[i] = m
			}
			continue
		}
		best[k] = len(out)
		out = append(out, m)
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.Window.Start.Equal(b.Window.Start) {
			return a.Window.Start.Before(b.Window.Start)
		}
		if !a.Window.End.Equal(b.Window.End) {
			return a.Window.End.Before(b.Window.End)
		}
		return a.Resource < b.Resource
	})
	return Batch{Measurements: out, Dropped: dropped}
}
