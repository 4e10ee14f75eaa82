package pool

// interleave computes, for each step of a sequential chunk allocation
// sequence, which device the next chunk should be carved from, so that any
// prefix of length k has approximately k*c[i]/T chunks on device i (§4.1
// "Cross-device chunk spreading").
//
// It implements the continuous-ratio counter described there: each step
// decrements every device's fractional counter by 1, and emits the chunk
// of the first device (by index) whose counter has crossed zero, then
// restores that device's counter by T/c[i]. Ties are broken by device
// index, which the "first device" selection already gives by construction.
type interleaver struct {
	counts    []uint64 // c[i]: total sequential chunks on device i
	total     uint64   // T = sum(c[i])
	remaining []int64  // emitted-so-far counters, expressed as fixed-point counters
	step      float64  // T / c[i] step size per device, precomputed
	frac      []float64
}

// newInterleaver builds an interleaver over per-device sequential chunk
// counts. Devices with zero chunks never emit.
func newInterleaver(counts []uint32) *interleaver {
	il := &interleaver{counts: make([]uint64, len(counts))}
	var total uint64
	for i, c := range counts {
		il.counts[i] = uint64(c)
		total += uint64(c)
	}
	il.total = total
	il.frac = make([]float64, len(counts))
	for i, c := range counts {
		if c > 0 {
			il.frac[i] = float64(total) / float64(c)
		}
	}
	return il
}

// Sequence returns the full device-index emission order for all T chunks.
// Used at pool-creation time to lay out the initial sequential-chunk to
// device assignment; also directly testable against the proportionality
// property.
func (il *interleaver) Sequence() []int {
	n := len(il.counts)
	counters := make([]float64, n)
	emitted := make([]uint64, n)
	out := make([]int, 0, il.total)

	for emittedTotal := uint64(0); emittedTotal < il.total; {
		for i := 0; i < n; i++ {
			if il.counts[i] == 0 {
				continue
			}
			counters[i] -= 1
		}
		// Emit from the lowest-indexed device whose counter has crossed
		// zero and which still has chunks left to emit, breaking ties by
		// device index as specified.
		emittedOne := false
		for i := 0; i < n; i++ {
			if il.counts[i] == 0 || emitted[i] >= il.counts[i] {
				continue
			}
			if counters[i] <= 0 {
				out = append(out, i)
				emitted[i]++
				emittedTotal++
				counters[i] += il.frac[i]
				emittedOne = true
				break
			}
		}
		if !emittedOne {
			// No counter crossed zero this round (can happen only with a
			// single device, or numerical edge cases): fall back to the
			// device with the most remaining share.
			best := -1
			for i := 0; i < n; i++ {
				if emitted[i] >= il.counts[i] {
					continue
				}
				if best == -1 || counters[i] < counters[best] {
					best = i
				}
			}
			if best == -1 {
				break
			}
			out = append(out, best)
			emitted[best]++
			emittedTotal++
			counters[best] += il.frac[best]
		}
	}
	return out
}
