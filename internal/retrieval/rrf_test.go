package retrieval

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRRFFuseOrdersByCombinedScore(t *testing.T) {
	semantic := RankedList{"a", "b", "c"}
	keyword := RankedList{"b", "a", "d"}

	out := RRFFuse([]RankedList{semantic, keyword}, 10)

	require := map[string]float64{}
	for _, r := range out {
		require[r.ID] = r.Score
	}

	// "a" is rank0 in semantic (1/61) + rank1 in keyword (1/62).
	// "b" is rank1 in semantic (1/62) + rank0 in keyword (1/61).
	// Both should tie exactly and outrank "c" and "d" which appear in
	// only one list each.
	assert.InDelta(t, require["a"], require["b"], 1e-9)
	assert.Greater(t, require["a"], require["c"])
	assert.Greater(t, require["a"], require["d"])
}

func TestRRFFuseRespectsLimit(t *testing.T) {
	out := RRFFuse([]RankedList{{"a", "b", "c", "d", "e"}}, 2)
	assert.Len(t, out, 2)
	assert.Equal(t, "a", out[0].ID)
	assert.Equal(t, "b", out[1].ID)
}

func TestRRFFuseEmptyLists(t *testing.T) {
	out := RRFFuse(nil, 10)
	assert.Empty(t, out)
}
