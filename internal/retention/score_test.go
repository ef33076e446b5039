package retention

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestScoreMatchesSQLReferenceValues cross-checks retention.Score
// against hand-computed values for the same formula the
// calculate_retention_score migration function implements in SQL:
//
//	score = (1 - exp(-lambda*access_count)) * exp(-lambda*age_days)
//
// The two implementations must agree to within floating-point
// precision; since the SQL function cannot run in this test, the
// reference values here are computed independently with math.Exp rather
// than by calling Score itself.
func TestScoreMatchesSQLReferenceValues(t *testing.T) {
	cases := []struct {
		accessCount int
		ageDays     float64
		decayRate   float64
	}{
		{0, 0, 0.1},
		{1, 0, 0.1},
		{10, 0, 0.1},
		{5, 30, 0.1},
		{100, 365, 0.1},
		{3, 7, 0.25},
	}

	for _, c := range cases {
		lambda := c.decayRate
		want := (1 - math.Exp(-lambda*float64(c.accessCount))) * math.Exp(-lambda*c.ageDays)
		got := Score(c.accessCount, c.ageDays, c.decayRate)
		assert.InDelta(t, want, got, 1e-9)
	}
}

func TestScore_ZeroAccessIsZero(t *testing.T) {
	assert.Equal(t, 0.0, Score(0, 0, 0.1))
	assert.Equal(t, 0.0, Score(0, 100, 0.1))
}

func TestScore_NegativeAgeClampedToZero(t *testing.T) {
	assert.InDelta(t, Score(5, 0, 0.1), Score(5, -10, 0.1), 1e-12)
}

func TestScore_DefaultsWhenDecayRateNonPositive(t *testing.T) {
	assert.InDelta(t, Score(5, 10, DefaultDecayRate), Score(5, 10, 0), 1e-12)
	assert.InDelta(t, Score(5, 10, DefaultDecayRate), Score(5, 10, -1), 1e-12)
}

func TestClassify(t *testing.T) {
	assert.Equal(t, BucketHigh, Classify(0.7))
	assert.Equal(t, BucketHigh, Classify(0.95))
	assert.Equal(t, BucketMedium, Classify(0.3))
	assert.Equal(t, BucketMedium, Classify(0.69))
	assert.Equal(t, BucketLow, Classify(0.29))
	assert.Equal(t, BucketLow, Classify(0))
}
