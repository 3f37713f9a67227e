package optimization

import (
	"context"
	"math"

	"gonum.org/v1/gonum/optimize"
)

// cancelRecorder aborts a gonum optimization once ctx is done
type cancelRecorder struct {
	ctx context.Context
}

func (c cancelRecorder) Init() error { return nil }

func (c cancelRecorder) Record(*optimize.Location, optimize.Operation, *optimize.Stats) error {
	return c.ctx.Err()
}

// refine polishes the DE winner with a bounded Nelder-Mead search. The
// result only changes when a strictly better in-bounds point is found.
func (r *run) refine(ctx context.Context) (*Result, error) {
	s := r.o.settings
	if s.RefineEvaluations == 0 || ctx.Err() != nil || r.result.Best.Failed {
		return r.result, nil
	}

	best := r.result.Best.clone()
	problem := optimize.Problem{
		Func: func(x []float64) float64 {
			params := make([]float64, len(x))
			for i, v := range x {
				params[i] = clip(v, s.Lower, s.Upper)
			}

			evalCtx := context.WithoutCancel(ctx)
			if s.EvalTimeout > 0 {
				var cancel context.CancelFunc
				evalCtx, cancel = context.WithTimeout(evalCtx, s.EvalTimeout)
				defer cancel()
			}

			r.result.Evaluations++
			v, err := r.objective(evalCtx, params)
			if err != nil || math.IsNaN(v) {
				r.result.Failures++
				r.o.metrics.Evaluation("failed", 0)
				return s.FailurePenalty
			}
			r.o.metrics.Evaluation("ok", 0)
			if v < best.Fitness {
				best = Candidate{Params: params, Fitness: v}
			}
			return v
		},
	}

	settings := &optimize.Settings{
		FuncEvaluations: s.RefineEvaluations,
		Converger: &optimize.FunctionConverge{
			Absolute:   math.Max(s.Tolerance, 1e-10),
			Iterations: s.Window,
		},
		Recorder: cancelRecorder{ctx: ctx},
	}

	before := r.result.Best.Fitness
	if _, err := optimize.Minimize(problem, r.result.Best.Params, settings, &optimize.NelderMead{SimplexSize: (s.Upper - s.Lower) / 20}); err != nil {
		r.o.log.Warn().Err(err).Msg("Local refinement stopped early")
	}

	if best.Fitness < before {
		r.result.Best = best
		r.result.Refined = true
		r.result.History = append(r.result.History, best.Fitness)
		r.o.log.Info().Float64("before", before).Float64("after", best.Fitness).Msg("Local refinement improved the best candidate")
	}
	return r.result, nil
}
