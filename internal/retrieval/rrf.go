// Package retrieval implements the two-stage retrieval pipeline: coarse
// hybrid recall (L0), optional Reciprocal Rank Fusion of separately
// ranked lists, and a pluggable cross-encoder rerank (L1).
package retrieval

import "sort"

// RankedList is one ranked view over a set of document ids (e.g. a
// semantic-only or keyword-only ranking), ordered best-first.
type RankedList []string

// FusedResult is one document's fused RRF score.
type FusedResult struct {
	ID    string
	Score float64
}

// defaultK is the standard Reciprocal Rank Fusion smoothing constant.
const defaultK = 60

// RRFFuse merges one or more ranked lists via Reciprocal Rank Fusion:
// rrf(d) = Σ 1/(k+rank_i(d)) summed across every list containing d,
// then sorted descending. Lists need not share members; a document
// missing from a list simply does not contribute that list's term.
func RRFFuse(lists []RankedList, limit int) []FusedResult {
	return rrfFuseK(lists, defaultK, limit)
}

func rrfFuseK(lists []RankedList, k, limit int) []FusedResult {
	scores := map[string]float64{}
	order := []string{}
	for _, list := range lists {
		for rank, id := range list {
			if _, seen := scores[id]; !seen {
				order = append(order, id)
			}
			scores[id] += 1.0 / float64(k+rank+1)
		}
	}

	out := make([]FusedResult, 0, len(order))
	for _, id := range order {
		out = append(out, FusedResult{ID: id, Score: scores[id]})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
