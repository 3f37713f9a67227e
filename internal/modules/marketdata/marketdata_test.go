package marketdata

import (
	"context"
	"math"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/aristath/quantfolio/internal/domain"
)

func linearHistory(days int) *PriceHistory {
	prices := make([][]float64, days)
	for d := range prices {
		prices[d] = []float64{100 + float64(d), 50 + 0.5*float64(d%7)}
	}
	return &PriceHistory{Symbols: []string{"A", "B"}, Prices: prices}
}

func TestSplitPeriods(t *testing.T) {
	tests := []struct {
		name     string
		days     int
		periods  int
		rebal    int
		expected []int // window lengths
		wantErr  bool
	}{
		{"full windows", 120, 3, 30, []int{60, 60, 60}, false},
		{"last window truncated but long enough", 100, 3, 30, []int{60, 60, 40}, false},
		{"stops at short window", 80, 3, 30, []int{60, 50}, false},
		{"too little history", 40, 3, 30, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			windows, err := SplitPeriods(linearHistory(tt.days), tt.periods, tt.rebal)
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, domain.KindDataQuality, domain.KindOf(err))
				return
			}
			require.NoError(t, err)
			require.Len(t, windows, len(tt.expected))
			for i, w := range windows {
				assert.Equal(t, tt.expected[i], w.Days())
				assert.Equal(t, 100+float64(i*tt.rebal), w.Prices[0][0])
			}
		})
	}
}

func TestPriceHistory_Validate(t *testing.T) {
	h := linearHistory(10)
	require.NoError(t, h.Validate())

	h.Prices[3][1] = math.NaN()
	assert.Equal(t, domain.KindDataQuality, domain.KindOf(h.Validate()))

	h = linearHistory(10)
	h.Prices[2][0] = 0
	assert.Error(t, h.Validate())

	h = linearHistory(10)
	h.Prices[4] = []float64{1}
	assert.Error(t, h.Validate())
}

func TestWindow_Copies(t *testing.T) {
	h := linearHistory(10)
	w := h.Window(2, 5)
	w.Prices[0][0] = -1
	assert.Equal(t, 102.0, h.Prices[2][0])
}

func TestReturns(t *testing.T) {
	h := &PriceHistory{Symbols: []string{"A"}, Prices: [][]float64{{100}, {110}, {99}}}
	r, err := Returns(h)
	require.NoError(t, err)

	rows, cols := r.Dims()
	assert.Equal(t, 2, rows)
	assert.Equal(t, 1, cols)
	assert.InDelta(t, 0.10, r.At(0, 0), 1e-12)
	assert.InDelta(t, -0.10, r.At(1, 0), 1e-12)
}

func TestEstimate_ShapesAndSymmetry(t *testing.T) {
	src := NewSyntheticSource(42)
	h, err := src.Load(context.Background(), []string{"A", "B", "C"}, 60)
	require.NoError(t, err)

	pd, err := Estimate(h, domain.ReturnCompounded)
	require.NoError(t, err)

	require.Len(t, pd.ExpectedReturns, 3)
	require.Equal(t, 3, pd.Covariance.SymmetricDim())
	for i := 0; i < 3; i++ {
		assert.Greater(t, pd.Covariance.At(i, i), 0.0, "variances are positive")
		assert.False(t, math.IsNaN(pd.ExpectedReturns[i]))
	}
}

func TestShrinkCovariance(t *testing.T) {
	sample := mat.NewSymDense(3, []float64{
		0.04, 0.02, 0.00,
		0.02, 0.09, 0.01,
		0.00, 0.01, 0.16,
	})
	shrunk := ShrinkCovariance(sample)

	avgVar := (0.04 + 0.09 + 0.16) / 3
	for i := 0; i < 3; i++ {
		// Each variance moves toward the average variance, never past it
		lo := math.Min(sample.At(i, i), avgVar)
		hi := math.Max(sample.At(i, i), avgVar)
		assert.GreaterOrEqual(t, shrunk.At(i, i), lo-1e-12)
		assert.LessOrEqual(t, shrunk.At(i, i), hi+1e-12)
	}

	two := mat.NewSymDense(2, []float64{0.04, 0.01, 0.01, 0.09})
	shrunkTwo := ShrinkCovariance(two)
	assert.InDelta(t, 0.8*0.04+0.2*0.065, shrunkTwo.At(0, 0), 1e-12)
	assert.InDelta(t, 0.01, shrunkTwo.At(0, 1), 1e-12)
}

func TestEstimator_PeriodData(t *testing.T) {
	est := NewEstimator(zerolog.New(nil).Level(zerolog.Disabled))
	src := NewSyntheticSource(7)

	h, err := src.Load(context.Background(), []string{"A", "B"}, RequiredDays(3, 20))
	require.NoError(t, err)

	periods, err := est.PeriodData(h, 3, 20, "")
	require.NoError(t, err)
	require.Len(t, periods, 3)
	for _, p := range periods {
		require.NoError(t, p.Validate(2))
	}
}

func TestSyntheticSource_Deterministic(t *testing.T) {
	a, err := NewSyntheticSource(1).Load(context.Background(), []string{"X", "Y"}, 30)
	require.NoError(t, err)
	b, err := NewSyntheticSource(1).Load(context.Background(), []string{"X", "Y"}, 30)
	require.NoError(t, err)
	assert.Equal(t, a.Prices, b.Prices)

	c, err := NewSyntheticSource(2).Load(context.Background(), []string{"X", "Y"}, 30)
	require.NoError(t, err)
	assert.NotEqual(t, a.Prices, c.Prices)

	require.NoError(t, a.Validate())
	assert.NotEqual(t, a.Prices[10][0], a.Prices[10][1], "symbols use independent streams")
}

func TestSyntheticSource_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewSyntheticSource(1).Load(ctx, []string{"X"}, 30)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCompoundedReturn(t *testing.T) {
	assert.Zero(t, CompoundedReturn(nil))

	// Flat prices compound to zero
	assert.InDelta(t, 0.0, CompoundedReturn([]float64{0.1, -1.0 / 11}), 1e-12)

	daily := make([]float64, TradingDaysPerYear)
	for i := range daily {
		daily[i] = 0.001
	}
	assert.InDelta(t, math.Pow(1.001, TradingDaysPerYear)-1, CompoundedReturn(daily), 1e-12)
}

func TestEMAReturn(t *testing.T) {
	assert.Zero(t, EMAReturn(nil))

	constant := []float64{0.002, 0.002, 0.002, 0.002, 0.002, 0.002}
	assert.InDelta(t, math.Pow(1.002, TradingDaysPerYear)-1, EMAReturn(constant), 1e-9)

	// Recent returns dominate: the same values in a different order disagree
	early := []float64{0.01, 0.01, 0.01, 0.01, 0, 0, 0, 0}
	late := []float64{0, 0, 0, 0, 0.01, 0.01, 0.01, 0.01}
	assert.Greater(t, EMAReturn(late), EMAReturn(early))
	assert.InDelta(t, CompoundedReturn(early), CompoundedReturn(late), 1e-12)

	// A single observation falls back to the mean
	assert.InDelta(t, math.Pow(1.01, TradingDaysPerYear)-1, EMAReturn([]float64{0.01}), 1e-9)

	// Total loss is clamped
	assert.Equal(t, -1.0, EMAReturn([]float64{-1, -1, -1, -1}))
}

func TestEstimate_EMAModel(t *testing.T) {
	src := NewSyntheticSource(3)
	h, err := src.Load(context.Background(), []string{"A", "B"}, 40)
	require.NoError(t, err)

	compounded, err := Estimate(h, domain.ReturnCompounded)
	require.NoError(t, err)
	ema, err := Estimate(h, domain.ReturnEMA)
	require.NoError(t, err)

	// Covariance does not depend on the return model
	assert.True(t, mat.EqualApprox(compounded.Covariance, ema.Covariance, 1e-12))
	for _, mu := range ema.ExpectedReturns {
		assert.False(t, math.IsNaN(mu))
	}
}
