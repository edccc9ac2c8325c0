package memory

import "sort"

// fuseRRF merges ranked lists with Reciprocal Rank Fusion. A document
// at 1-indexed rank r in a list contributes 1/(k+r); its fused score is
// the sum across every list it appears in. Ties break on the best rank
// the document held in any source list, then on recency.
func fuseRRF(lists [][]*RankedRecord, k int) []*RankedRecord {
	type fused struct {
		rec      *RankedRecord
		score    float64
		bestRank int
	}

	byID := make(map[string]*fused)
	var order []string // stable iteration for deterministic output

	for _, list := range lists {
		for i, rec := range list {
			rank := i + 1
			f, ok := byID[rec.ID]
			if !ok {
				f = &fused{rec: rec, bestRank: rank}
				byID[rec.ID] = f
				order = append(order, rec.ID)
			}
			f.score += 1.0 / float64(k+rank)
			if rank < f.bestRank {
				f.bestRank = rank
			}
		}
	}

	out := make([]*fused, 0, len(order))
	for _, id := range order {
		out = append(out, byID[id])
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score > out[j].score
		}
		if out[i].bestRank != out[j].bestRank {
			return out[i].bestRank < out[j].bestRank
		}
		return out[i].rec.CreatedAt.After(out[j].rec.CreatedAt)
	})

	results := make([]*RankedRecord, len(out))
	for i, f := range out {
		rec := *f.rec
		rec.Score = f.score
		results[i] = &rec
	}
	return results
}
