package fetcher

// BlockRange is an inclusive range of block numbers
type BlockRange struct {
	From uint64
	To   uint64
}

// Len returns the number of blocks in the range
func (r BlockRange) Len() uint64 {
	if r.To < r.From {
		return 0
	}
	return r.To - r.From + 1
}

// SplitRange divides [from, to] into at most parts contiguous ranges of
// near-equal size. The remainder goes to the first ranges, and no range is
// ever empty, so a short span yields fewer than parts ranges.
func SplitRange(from, to uint64, parts int) []BlockRange {
	if to < from {
		return nil
	}
	if parts < 1 {
		parts = 1
	}

	total := to - from + 1
	n := uint64(parts)
	if n > total {
		n = total
	}

	base, rem := total/n, total%n
	ranges := make([]BlockRange, 0, n)

	start := from
	for i := uint64(0); i < n; i++ {
		size := base
		if i < rem {
			size++
		}
		ranges = append(ranges, BlockRange{From: start, To: start + size - 1})
		start += size
	}

	return ranges
}
