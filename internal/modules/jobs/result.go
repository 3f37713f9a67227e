package jobs

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/aristath/quantfolio/internal/domain"
	"github.com/aristath/quantfolio/internal/modules/encoding"
	"github.com/aristath/quantfolio/internal/modules/optimization"
	"github.com/aristath/quantfolio/internal/modules/quantum"
	"github.com/aristath/quantfolio/internal/modules/qubo"
)

// budgetTolerance is how far a period total may stray from 1 and still count as feasible
const budgetTolerance = 1e-6

// topCountsReported is the number of sampled outcomes kept in a result
const topCountsReported = 10

// Schedule maps period → symbol → weight
type Schedule map[int]map[string]float64

// Result is the output of a completed job
type Result struct {
	AllocationSchedule Schedule            `json:"allocation_schedule"`
	RawSchedule        Schedule            `json:"raw_schedule"` // Decoded weights before repair
	ObjectiveValue     float64             `json:"objective_value"`
	BestFitness        float64             `json:"best_fitness"`
	GenerationsRun     int                 `json:"generations_run"`
	Evaluations        int                 `json:"evaluations"`
	Failures           int                 `json:"failures"`
	TerminationReason  optimization.Reason `json:"termination_reason"`
	Refined            bool                `json:"refined"`
	Bitstring          string              `json:"bitstring"`
	Backend            string              `json:"backend"`
	FallbackUsed       bool                `json:"fallback_used"`
	Repaired           bool                `json:"repaired"`
	Breakdown          qubo.Breakdown      `json:"breakdown"`
	Metrics            ScheduleMetrics     `json:"metrics"`
	TopCounts          []quantum.Outcome   `json:"top_counts"`
	History            []float64           `json:"history"`
	ClassicalBenchmark *Benchmark          `json:"classical_benchmark,omitempty"`
}

// AssetStats summarizes one asset's weight across periods
type AssetStats struct {
	Mean float64 `json:"mean"`
	Std  float64 `json:"std"`
	Min  float64 `json:"min"`
	Max  float64 `json:"max"`
}

// ScheduleMetrics describes an allocation schedule
type ScheduleMetrics struct {
	Assets          map[string]AssetStats `json:"assets"`
	Diversification []float64             `json:"diversification"` // 1 − Σw² per period
}

// feasible reports whether every period of weights sums to 1
func feasible(weights [][]float64) bool {
	for _, total := range encoding.PeriodTotals(weights) {
		if math.Abs(total-1) > budgetTolerance {
			return false
		}
	}
	return true
}

// chooseBitstring picks the most probable sampled bitstring whose schedule is
// feasible. When none is, the most probable one is returned with repaired=true.
func chooseBitstring(enc *encoding.Encoder, counts quantum.Counts) (quantum.Outcome, bool, error) {
	best, ok := quantum.MostProbableFeasible(counts, func(bits string) bool {
		weights, err := enc.DecodeString(bits)
		return err == nil && feasible(weights)
	})
	if ok {
		return best, false, nil
	}
	best, ok = quantum.MostProbable(counts)
	if !ok {
		return quantum.Outcome{}, false, domain.NewEvaluationError("final sampling returned no outcomes", nil)
	}
	return best, true, nil
}

// repair rescales every period to sum to 1 without exceeding any cap.
// weights is indexed [asset][period] and left untouched.
func repair(weights [][]float64, caps []float64) [][]float64 {
	numAssets := len(weights)
	out := make([][]float64, numAssets)
	for a := range weights {
		out[a] = make([]float64, len(weights[a]))
	}
	if numAssets == 0 {
		return out
	}

	for t := range weights[0] {
		column := make([]float64, numAssets)
		for a := range weights {
			column[a] = weights[a][t]
		}
		column = fillToBudget(column, caps)
		for a := range out {
			out[a][t] = column[a]
		}
	}
	return out
}

// fillToBudget scales the free weights until the total is 1, pinning any
// weight that reaches its cap. An all-zero period is seeded from the caps.
// Whatever the scaling cannot place is spread over the spare capacity of
// every asset, zero weights included.
func fillToBudget(w, caps []float64) []float64 {
	out := make([]float64, len(w))
	copy(out, w)
	if floats.Sum(out) <= 0 {
		copy(out, caps)
	}

	pinned := make([]bool, len(out))
	for range out {
		fixed, free := 0.0, 0.0
		for a, v := range out {
			if pinned[a] {
				fixed += v
			} else {
				free += v
			}
		}
		if free <= 0 {
			break
		}
		factor := (1 - fixed) / free
		clipped := false
		for a := range out {
			if pinned[a] {
				continue
			}
			out[a] *= factor
			if out[a] >= caps[a] {
				out[a] = caps[a]
				pinned[a] = true
				clipped = true
			}
		}
		if !clipped {
			break
		}
	}

	deficit := 1 - floats.Sum(out)
	if deficit <= budgetTolerance {
		return out
	}
	spare := make([]float64, len(out))
	for a := range out {
		spare[a] = math.Max(caps[a]-out[a], 0)
	}
	room := floats.Sum(spare)
	if room <= 0 {
		return out
	}
	share := math.Min(deficit/room, 1)
	for a := range out {
		out[a] += spare[a] * share
	}
	return out
}

func schedule(weights [][]float64, symbols []string) Schedule {
	s := make(Schedule)
	for a, perPeriod := range weights {
		for t, w := range perPeriod {
			if s[t] == nil {
				s[t] = make(map[string]float64, len(symbols))
			}
			s[t][symbols[a]] = w
		}
	}
	return s
}

// weights returns the schedule indexed [asset][period] in symbol order
func (s Schedule) weights(symbols []string) [][]float64 {
	out := make([][]float64, len(symbols))
	for a, symbol := range symbols {
		out[a] = make([]float64, len(s))
		for t := range out[a] {
			out[a][t] = s[t][symbol]
		}
	}
	return out
}

func scheduleMetrics(weights [][]float64, symbols []string) ScheduleMetrics {
	m := ScheduleMetrics{Assets: make(map[string]AssetStats, len(symbols))}
	for a, perPeriod := range weights {
		mean, std := stat.MeanStdDev(perPeriod, nil)
		if len(perPeriod) < 2 {
			std = 0
		}
		m.Assets[symbols[a]] = AssetStats{
			Mean: mean,
			Std:  std,
			Min:  floats.Min(perPeriod),
			Max:  floats.Max(perPeriod),
		}
	}

	if len(weights) > 0 {
		m.Diversification = make([]float64, len(weights[0]))
		for t := range weights[0] {
			sq := 0.0
			for a := range weights {
				sq += weights[a][t] * weights[a][t]
			}
			m.Diversification[t] = 1 - sq
		}
	}
	return m
}

// assemble turns the final sample of a finished search into a Result
func assemble(p *prepared, de *optimization.Result, counts quantum.Counts, lease leaseInfo) (*Result, error) {
	chosen, repaired, err := chooseBitstring(p.encoder, counts)
	if err != nil {
		return nil, err
	}

	bits, err := encoding.ParseBits(chosen.Bitstring)
	if err != nil {
		return nil, err
	}
	raw, err := p.encoder.Decode(bits)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", chosen.Bitstring, err)
	}

	caps := domain.MaxAllocations(p.assets)
	final := raw
	if repaired {
		final = repair(raw, caps)
	}
	symbols := domain.Symbols(p.assets)

	return &Result{
		AllocationSchedule: schedule(final, symbols),
		RawSchedule:        schedule(raw, symbols),
		ObjectiveValue:     p.problem.TrueObjective(bits),
		BestFitness:        de.Best.Fitness,
		GenerationsRun:     de.Generations,
		Evaluations:        de.Evaluations,
		Failures:           de.Failures,
		TerminationReason:  de.Reason,
		Refined:            de.Refined,
		Bitstring:          chosen.Bitstring,
		Backend:            lease.backend,
		FallbackUsed:       lease.fallback,
		Repaired:           repaired,
		Breakdown:          qubo.Evaluate(p.config, p.input, caps, final),
		Metrics:            scheduleMetrics(final, symbols),
		TopCounts:          quantum.Top(counts, topCountsReported),
		History:            de.History,
	}, nil
}

type leaseInfo struct {
	backend  string
	fallback bool
}
