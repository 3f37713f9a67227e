package marketdata

import (
	"math"

	"github.com/markcheno/go-talib"
	"gonum.org/v1/gonum/stat"
)

// minEMASpan is the shortest smoothing span used for EMA returns
const minEMASpan = 2

// CompoundedReturn annualizes the compounded growth of daily returns
func CompoundedReturn(daily []float64) float64 {
	if len(daily) == 0 {
		return 0
	}
	growth := 1.0
	for _, r := range daily {
		growth *= 1 + r
	}
	return math.Pow(growth, float64(TradingDaysPerYear)/float64(len(daily))) - 1
}

// EMAReturn annualizes an exponential moving average of daily returns with a
// span of half the window. Falls back to the plain mean when the window is
// too short to seed the average.
func EMAReturn(daily []float64) float64 {
	if len(daily) == 0 {
		return 0
	}

	span := len(daily) / 2
	if span < minEMASpan {
		span = minEMASpan
	}

	avg := stat.Mean(daily, nil)
	if len(daily) >= span {
		ema := talib.Ema(daily, span)
		if last := ema[len(ema)-1]; !math.IsNaN(last) && !math.IsInf(last, 0) {
			avg = last
		}
	}

	if avg <= -1 {
		return -1
	}
	return math.Pow(1+avg, TradingDaysPerYear) - 1
}
