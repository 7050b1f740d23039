package signal

import (
	"math"
	"sort"
)

const (
	histogramTolerance = 0.2
	histogramMaxBins   = 16
)

type bin struct {
	count int
	sum   int
	mean  int
	min   int
	max   int
}

// histogram groups widths whose values lie within a relative tolerance of
// a bin mean. Bins are kept in insertion order until sorted.
type histogram struct {
	bins      []bin
	tolerance float64
	overflow  bool // a value did not fit in any bin
}

func newHistogram() *histogram {
	return &histogram{tolerance: histogramTolerance}
}

func (h *histogram) matches(a, b int) bool {
	return a == b || math.Abs(float64(a-b)) < h.tolerance*float64(max(a, b))
}

func (h *histogram) add(values ...int) {
	for _, v := range values {
		found := false
		for i := range h.bins {
			b := &h.bins[i]
			if h.matches(v, b.mean) {
				b.count++
				b.sum += v
				b.mean = b.sum / b.count
				b.min = min(b.min, v)
				b.max = max(b.max, v)
				found = true
				break
			}
		}
		if found {
			continue
		}
		if len(h.bins) == histogramMaxBins {
			h.overflow = true
			continue
		}
		h.bins = append(h.bins, bin{count: 1, sum: v, mean: v, min: v, max: v})
	}
}

// fuse merges bins whose means are within tolerance of each other
func (h *histogram) fuse() {
	for n := 0; n < len(h.bins)-1; n++ {
		for m := n + 1; m < len(h.bins); m++ {
			a, b := &h.bins[n], h.bins[m]
			if !h.matches(a.mean, b.mean) {
				continue
			}
			a.count += b.count
			a.sum += b.sum
			a.mean = a.sum / a.count
			a.min = min(a.min, b.min)
			a.max = max(a.max, b.max)

			h.bins = append(h.bins[:m], h.bins[m+1:]...)
			m-- // the next bin moved into this slot
		}
	}
}

func (h *histogram) sort() {
	sort.SliceStable(h.bins, func(i, j int) bool {
		return h.bins[i].mean < h.bins[j].mean
	})
}

// find returns the bin holding width, or -1
func (h *histogram) find(width int) int {
	for i, b := range h.bins {
		if b.min <= width && width <= b.max {
			return i
		}
	}
	return -1
}
