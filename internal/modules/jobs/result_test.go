package jobs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/quantfolio/internal/domain"
	"github.com/aristath/quantfolio/internal/modules/encoding"
	"github.com/aristath/quantfolio/internal/modules/optimization"
	"github.com/aristath/quantfolio/internal/modules/quantum"
	"github.com/aristath/quantfolio/internal/modules/qubo"
)

func TestFillToBudget(t *testing.T) {
	tests := []struct {
		name     string
		weights  []float64
		caps     []float64
		expected []float64
	}{
		{"already feasible", []float64{0.4, 0.6}, []float64{1, 1}, []float64{0.4, 0.6}},
		{"scale up", []float64{0.2, 0.2}, []float64{1, 1}, []float64{0.5, 0.5}},
		{"scale down", []float64{1, 1}, []float64{1, 1}, []float64{0.5, 0.5}},
		{"cap binds", []float64{0.1, 0.3}, []float64{0.6, 0.6}, []float64{0.4, 0.6}},
		{"empty period seeded from caps", []float64{0, 0}, []float64{0.5, 1}, []float64{1.0 / 3, 2.0 / 3}},
		{"three assets cascade", []float64{0.1, 0.1, 0.2}, []float64{0.3, 0.3, 0.5}, []float64{0.25, 0.25, 0.5}},
		{"zero weight takes the remainder", []float64{1.0 / 3, 0}, []float64{0.5, 0.5}, []float64{0.5, 0.5}},
		{"remainder split by spare capacity", []float64{0.2, 0, 0}, []float64{0.4, 0.4, 0.2}, []float64{0.4, 0.4, 0.2}},
		{"cascade then spread", []float64{0.3, 0.1, 0}, []float64{0.4, 0.4, 0.4}, []float64{0.4, 0.4, 0.2}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := fillToBudget(tt.weights, tt.caps)
			require.Len(t, got, len(tt.expected))
			total := 0.0
			for i := range got {
				assert.InDelta(t, tt.expected[i], got[i], 1e-9, "asset %d", i)
				assert.LessOrEqual(t, got[i], tt.caps[i]+1e-12)
				total += got[i]
			}
			assert.InDelta(t, 1.0, total, 1e-9)
		})
	}
}

func TestRepairReachesBudgetThroughZeroWeights(t *testing.T) {
	weights := [][]float64{{1.0 / 3}, {0}} // [asset][period]
	out := repair(weights, []float64{0.5, 0.5})

	assert.InDelta(t, 0.5, out[0][0], 1e-9)
	assert.InDelta(t, 0.5, out[1][0], 1e-9)
	assert.True(t, feasible(out))
}

func TestRepairLeavesInputUntouched(t *testing.T) {
	weights := [][]float64{{0.2, 1}, {0.2, 1}} // [asset][period]
	out := repair(weights, []float64{1, 1})

	assert.Equal(t, [][]float64{{0.2, 1}, {0.2, 1}}, weights)
	assert.InDelta(t, 0.5, out[0][0], 1e-9)
	assert.InDelta(t, 0.5, out[1][1], 1e-9)
	assert.True(t, feasible(out))
	assert.False(t, feasible(weights))
}

func TestChooseBitstring(t *testing.T) {
	// 2 assets, 1 period, 1 bit, caps 1: feasible iff exactly one asset is held
	enc, err := encoding.New(2, 1, 1, []float64{1, 1})
	require.NoError(t, err)

	t.Run("prefers feasible over more frequent", func(t *testing.T) {
		counts := quantum.Counts{"11": 50, "10": 30, "01": 20}
		o, repaired, err := chooseBitstring(enc, counts)
		require.NoError(t, err)
		assert.False(t, repaired)
		assert.Equal(t, "10", o.Bitstring)
	})

	t.Run("repairs when nothing is feasible", func(t *testing.T) {
		counts := quantum.Counts{"11": 5, "00": 9}
		o, repaired, err := chooseBitstring(enc, counts)
		require.NoError(t, err)
		assert.True(t, repaired)
		assert.Equal(t, "00", o.Bitstring)
	})

	t.Run("empty sample", func(t *testing.T) {
		_, _, err := chooseBitstring(enc, quantum.Counts{})
		assert.Error(t, err)
	})
}

func TestScheduleMetrics(t *testing.T) {
	weights := [][]float64{{1, 0.5}, {0, 0.5}}
	m := scheduleMetrics(weights, []string{"AAA", "BBB"})

	assert.InDelta(t, 0.75, m.Assets["AAA"].Mean, 1e-12)
	assert.InDelta(t, 0.5, m.Assets["AAA"].Min, 1e-12)
	assert.InDelta(t, 1, m.Assets["AAA"].Max, 1e-12)
	assert.Greater(t, m.Assets["AAA"].Std, 0.0)
	assert.Equal(t, []float64{0, 0.5}, m.Diversification)

	s := schedule(weights, []string{"AAA", "BBB"})
	assert.Equal(t, Schedule{0: {"AAA": 1, "BBB": 0}, 1: {"AAA": 0.5, "BBB": 0.5}}, s)
}

func TestGenerationPercent(t *testing.T) {
	tests := []struct {
		name              string
		g, G, done, total int
		expected          float64
	}{
		{"initial population", 0, 5, 10, 10, 0},
		{"first generation halfway", 1, 5, 5, 10, 10},
		{"one of five generations done", 1, 5, 1, 1, 20},
		{"three of five generations done", 3, 5, 1, 1, 60},
		{"last generation done", 5, 5, 1, 1, 100},
		{"past the budget is clamped", 9, 5, 1, 1, 100},
		{"no generations", 1, 0, 1, 1, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.expected, generationPercent(tt.g, tt.G, tt.done, tt.total), 1e-12)
		})
	}
}

func TestScheduleWeights(t *testing.T) {
	s := Schedule{0: {"AAA": 1, "BBB": 0}, 1: {"AAA": 0.25, "BBB": 0.75}}
	assert.Equal(t, [][]float64{{1, 0.25}, {0, 0.75}}, s.weights([]string{"AAA", "BBB"}))
}

func TestClassicalBenchmark(t *testing.T) {
	p := &prepared{
		assets: []domain.Asset{{Symbol: "AAA", MaxAllocation: 1}, {Symbol: "BBB", MaxAllocation: 1}},
		input:  qubo.Input{Periods: testPeriods()},
	}
	weights := [][]float64{{1, 0.5}, {0, 0.5}} // [asset][period]

	b, err := classicalBenchmark(p, weights)
	require.NoError(t, err)
	require.Len(t, b.Periods, 2)
	assert.Equal(t, optimization.RiskFreeRate, b.RiskFreeRate)

	for i, pb := range b.Periods {
		assert.Equal(t, i, pb.Period)
		assert.InDelta(t, 1.0, pb.Weights["AAA"]+pb.Weights["BBB"], 1e-9)
		assert.GreaterOrEqual(t, pb.Classical.Sharpe, pb.Quantum.Sharpe-1e-9, "period %d", i)
	}

	// Period 0 holds only AAA: return 0.10, volatility 0.2
	assert.InDelta(t, 0.10, b.Periods[0].Quantum.Return, 1e-12)
	assert.InDelta(t, 0.2, b.Periods[0].Quantum.Volatility, 1e-12)
	assert.InDelta(t, (b.Periods[0].Classical.Sharpe+b.Periods[1].Classical.Sharpe)/2, b.Classical.Sharpe, 1e-12)
}

func TestClassicalBenchmarkRejectsUnreachableBudget(t *testing.T) {
	p := &prepared{
		assets: []domain.Asset{{Symbol: "AAA", MaxAllocation: 0.3}, {Symbol: "BBB", MaxAllocation: 0.3}},
		input:  qubo.Input{Periods: testPeriods()},
	}
	_, err := classicalBenchmark(p, [][]float64{{0.3, 0.3}, {0.3, 0.3}})
	assert.Error(t, err)
}
