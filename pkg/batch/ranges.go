package batch

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/psantana5/gridsweep/pkg/space"
	"github.com/psantana5/gridsweep/pkg/store"
)

// Range is an inclusive run of job indices.
type Range struct {
	Start int
	End   int
}

// Len returns the number of indices in the range.
func (r Range) Len() int {
	return r.End - r.Start + 1
}

func (r Range) String() string {
	return r.Format(0)
}

// Format renders the range in array-job syntax with every index shifted by
// offset: "s-e", or "s" for a singleton.
func (r Range) Format(offset int) string {
	if r.Start == r.End {
		return strconv.Itoa(r.Start + offset)
	}
	return fmt.Sprintf("%d-%d", r.Start+offset, r.End+offset)
}

// PendingMask reports, per job index, whether the job still lacks a record.
func PendingMask(ctx context.Context, sp *space.Space, st store.Store) ([]bool, error) {
	mask := make([]bool, sp.Size())
	for i := range mask {
		done, err := st.Exists(ctx, i)
		if err != nil {
			return nil, fmt.Errorf("check job %d: %w", i, err)
		}
		mask[i] = !done
	}
	return mask, nil
}

// Pending returns the indices without a record, in increasing order.
func Pending(ctx context.Context, sp *space.Space, st store.Store) ([]int, error) {
	mask, err := PendingMask(ctx, sp, st)
	if err != nil {
		return nil, err
	}
	var out []int
	for i, p := range mask {
		if p {
			out = append(out, i)
		}
	}
	return out, nil
}

// Restrict keeps only the mask entries that fall inside ranges. A range
// reaching past either end of the mask is an error.
func Restrict(mask []bool, ranges []Range) ([]bool, error) {
	keep := make([]bool, len(mask))
	for _, r := range ranges {
		if r.Start < 0 || r.End >= len(mask) {
			return nil, fmt.Errorf("job range %s outside 0-%d", r, len(mask)-1)
		}
		for i := r.Start; i <= r.End; i++ {
			keep[i] = mask[i]
		}
	}
	return keep, nil
}

// ToRanges collapses a pending mask into maximal runs of true values in a
// single scan.
func ToRanges(mask []bool) []Range {
	var ranges []Range
	start := -1
	for i, pending := range mask {
		switch {
		case pending && start < 0:
			start = i
		case !pending && start >= 0:
			ranges = append(ranges, Range{Start: start, End: i - 1})
			start = -1
		}
	}
	if start >= 0 {
		ranges = append(ranges, Range{Start: start, End: len(mask) - 1})
	}
	return ranges
}

// RangesOf collapses a strictly increasing list of indices into ranges.
func RangesOf(indices []int) []Range {
	var ranges []Range
	for _, i := range indices {
		if n := len(ranges); n > 0 && ranges[n-1].End+1 == i {
			ranges[n-1].End = i
			continue
		}
		ranges = append(ranges, Range{Start: i, End: i})
	}
	return ranges
}

// Count returns the number of indices covered by ranges.
func Count(ranges []Range) int {
	n := 0
	for _, r := range ranges {
		n += r.Len()
	}
	return n
}

// ArraySpec renders ranges as a comma-separated array request, e.g.
// "2-3,5,8-10" for ranges (1,2),(4,4),(7,9) with offset 1.
func ArraySpec(ranges []Range, offset int) string {
	parts := make([]string, len(ranges))
	for i, r := range ranges {
		parts[i] = r.Format(offset)
	}
	return strings.Join(parts, ",")
}

// ParseArraySpec is the inverse of ArraySpec.
func ParseArraySpec(spec string, offset int) ([]Range, error) {
	var ranges []Range
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		lo, hi, isRange := strings.Cut(part, "-")
		start, err := strconv.Atoi(lo)
		if err != nil {
			return nil, fmt.Errorf("invalid array range %q: %w", part, err)
		}
		end := start
		if isRange {
			if end, err = strconv.Atoi(hi); err != nil {
				return nil, fmt.Errorf("invalid array range %q: %w", part, err)
			}
		}
		if end < start {
			return nil, fmt.Errorf("invalid array range %q: end before start", part)
		}
		ranges = append(ranges, Range{Start: start - offset, End: end - offset})
	}
	return ranges, nil
}
