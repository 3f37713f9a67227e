package optimization

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/aristath/quantfolio/internal/domain"
	"github.com/aristath/quantfolio/internal/evaluation/workers"
	"github.com/aristath/quantfolio/internal/metrics"
)

// Objective scores one parameter vector; lower is better
type Objective func(ctx context.Context, params []float64) (float64, error)

// Reason tells why a run stopped
type Reason string

const (
	ReasonTolerance    Reason = "tolerance"
	ReasonLowDiversity Reason = "low_diversity"
	ReasonExhausted    Reason = "exhausted"
	ReasonCancelled    Reason = "cancelled"
)

// Settings configures a Differential Evolution run (rand/1/bin)
type Settings struct {
	PopulationSize         int
	Generations            int
	Mutation               float64 // F
	Crossover              float64 // CR
	Lower, Upper           float64 // Box bounds applied to every coordinate
	Dimension              int
	Tolerance              float64 // Minimum best-fitness improvement over Window generations
	Window                 int
	MinDiversity           float64 // Coefficient of variation of fitness below which the run stops
	MaxConsecutiveFailures int
	FailurePenalty         float64 // Fitness assigned to failed evaluations
	EvalTimeout            time.Duration
	Workers                int
	Seed                   uint64
	// RefineEvaluations > 0 polishes the best candidate with Nelder-Mead
	// using at most that many extra evaluations.
	RefineEvaluations int
}

// SettingsFromConfig maps an optimization config onto DE settings
func SettingsFromConfig(cfg domain.OptimizationConfig, dimension int, lower, upper float64) Settings {
	return Settings{
		PopulationSize:         cfg.PopulationSize,
		Generations:            cfg.Generations,
		Mutation:               cfg.Mutation,
		Crossover:              cfg.Crossover,
		Lower:                  lower,
		Upper:                  upper,
		Dimension:              dimension,
		Tolerance:              cfg.ConvergenceTolerance,
		Window:                 cfg.ConvergenceWindow,
		MinDiversity:           cfg.MinDiversity,
		MaxConsecutiveFailures: cfg.MaxConsecutiveFailures,
		FailurePenalty:         domain.DefaultFailureValue,
		EvalTimeout:            cfg.EvaluationTimeout,
		Seed:                   cfg.Seed,
		RefineEvaluations:      cfg.RefineEvaluations,
	}
}

// Validate checks the settings
func (s Settings) Validate() error {
	switch {
	case s.PopulationSize < domain.MinPopulationSize:
		return domain.NewConfigValidationError(fmt.Sprintf("population size must be >= %d, got %d", domain.MinPopulationSize, s.PopulationSize))
	case s.Generations < 1:
		return domain.NewConfigValidationError("generations must be >= 1")
	case s.Dimension < 1:
		return domain.NewConfigValidationError("dimension must be >= 1")
	case !(s.Lower < s.Upper):
		return domain.NewConfigValidationError(fmt.Sprintf("lower bound %v must be below upper bound %v", s.Lower, s.Upper))
	case s.Mutation < 0 || s.Mutation > domain.MaxMutation:
		return domain.NewConfigValidationError(fmt.Sprintf("mutation must be in [0, %v]", domain.MaxMutation))
	case s.Crossover < 0 || s.Crossover > 1:
		return domain.NewConfigValidationError("crossover must be in [0, 1]")
	case s.Window < 1:
		return domain.NewConfigValidationError("convergence window must be >= 1")
	case s.MaxConsecutiveFailures < 1:
		return domain.NewConfigValidationError("max consecutive failures must be >= 1")
	case s.RefineEvaluations < 0:
		return domain.NewConfigValidationError("refine evaluations must not be negative")
	}
	return nil
}

// Candidate is one member of the population
type Candidate struct {
	Params  []float64 `json:"params"`
	Fitness float64   `json:"fitness"`
	Failed  bool      `json:"failed"`
}

func (c Candidate) clone() Candidate {
	p := make([]float64, len(c.Params))
	copy(p, c.Params)
	return Candidate{Params: p, Fitness: c.Fitness, Failed: c.Failed}
}

// GenerationReport summarizes a finished generation; generation 0 is the
// initial population.
type GenerationReport struct {
	Generation  int     `json:"generation"`
	Total       int     `json:"total"`
	BestFitness float64 `json:"best_fitness"`
	Diversity   float64 `json:"diversity"`
	Evaluations int     `json:"evaluations"`
	Failures    int     `json:"failures"`
}

// Observer follows a run. Calls happen on the goroutine running Minimize.
type Observer interface {
	OnGeneration(r GenerationReport)
	OnEvaluation(generation, done, total int)
}

// GenerationFunc adapts a function into an Observer that ignores evaluations
type GenerationFunc func(r GenerationReport)

func (f GenerationFunc) OnGeneration(r GenerationReport)          { f(r) }
func (f GenerationFunc) OnEvaluation(generation, done, total int) {}

// Result is the outcome of Minimize
type Result struct {
	Best        Candidate `json:"best"`
	History     []float64 `json:"history"` // Best fitness after each generation, starting with generation 0
	Generations int       `json:"generations"`
	Evaluations int       `json:"evaluations"`
	Failures    int       `json:"failures"`
	Reason      Reason    `json:"reason"`
	Refined     bool      `json:"refined"`
}

// Optimizer runs Differential Evolution over a bounded box
type Optimizer struct {
	settings Settings
	pool     *workers.WorkerPool
	metrics  *metrics.Metrics
	log      zerolog.Logger
}

// NewOptimizer creates an optimizer; m may be nil
func NewOptimizer(settings Settings, m *metrics.Metrics, log zerolog.Logger) (*Optimizer, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	if settings.FailurePenalty == 0 {
		settings.FailurePenalty = domain.DefaultFailureValue
	}
	return &Optimizer{
		settings: settings,
		pool:     workers.NewWorkerPool(settings.Workers),
		metrics:  m,
		log:      log.With().Str("component", "differential_evolution").Logger(),
	}, nil
}

// run carries the mutable state of one Minimize call
type run struct {
	o         *Optimizer
	objective Objective
	observer  Observer

	consecutive int
	lastErr     error
	result      *Result
}

// Minimize searches for the parameter vector of lowest objective value.
//
// Every generation mutates against a snapshot of the previous population, so
// results do not depend on evaluation order. Trials are generated on this
// goroutine from the seeded stream and evaluated in parallel. A trial replaces
// its target only when strictly better. Cancelling ctx stops the run at the
// next generation boundary: evaluations already running finish under their
// own timeout and unstarted ones are skipped.
func (o *Optimizer) Minimize(ctx context.Context, objective Objective, observer Observer) (*Result, error) {
	s := o.settings
	rng := rand.New(rand.NewPCG(s.Seed, s.Seed^0x5851f42d4c957f2d))
	r := &run{o: o, objective: objective, observer: observer, result: &Result{Reason: ReasonExhausted}}

	population := make([]Candidate, s.PopulationSize)
	for i := range population {
		params := make([]float64, s.Dimension)
		for j := range params {
			params[j] = s.Lower + rng.Float64()*(s.Upper-s.Lower)
		}
		population[i] = Candidate{Params: params, Fitness: math.Inf(1)}
	}

	evaluated, err := r.evaluate(ctx, 0, population)
	if err != nil {
		return nil, err
	}
	for i, c := range evaluated {
		if c != nil {
			population[i] = *c
		}
	}
	r.report(0, population)

	if ctx.Err() != nil {
		r.result.Reason = ReasonCancelled
		r.finish(population)
		return r.result, nil
	}
	if r.stopEarly(population) {
		r.finish(population)
		return r.refine(ctx)
	}

	for g := 1; g <= s.Generations; g++ {
		if ctx.Err() != nil {
			r.result.Reason = ReasonCancelled
			break
		}

		snapshot := make([]Candidate, len(population))
		for i := range population {
			snapshot[i] = population[i].clone()
		}

		trials := make([]Candidate, len(snapshot))
		for i := range snapshot {
			trials[i] = Candidate{Params: o.trial(rng, snapshot, i), Fitness: math.Inf(1)}
		}

		evaluated, err := r.evaluate(ctx, g, trials)
		if err != nil {
			return nil, err
		}

		next := snapshot
		for i, c := range evaluated {
			if c != nil && c.Fitness < snapshot[i].Fitness {
				next[i] = *c
			}
		}
		population = next
		r.result.Generations = g
		r.report(g, population)
		o.metrics.Generation()

		if ctx.Err() != nil {
			r.result.Reason = ReasonCancelled
			break
		}
		if r.stopEarly(population) {
			break
		}
	}

	r.finish(population)
	if r.result.Reason == ReasonCancelled {
		return r.result, nil
	}
	return r.refine(ctx)
}

// trial builds the rand/1/bin trial vector for target i
func (o *Optimizer) trial(rng *rand.Rand, snapshot []Candidate, i int) []float64 {
	s := o.settings
	r1, r2, r3 := distinctDonors(rng, len(snapshot), i)

	donor := make([]float64, s.Dimension)
	floats.SubTo(donor, snapshot[r2].Params, snapshot[r3].Params)
	floats.Scale(s.Mutation, donor)
	floats.Add(donor, snapshot[r1].Params)

	jrand := rng.IntN(s.Dimension)
	trial := make([]float64, s.Dimension)
	for j := range trial {
		if j == jrand || rng.Float64() < s.Crossover {
			trial[j] = clip(donor[j], s.Lower, s.Upper)
		} else {
			trial[j] = snapshot[i].Params[j]
		}
	}
	return trial
}

// distinctDonors draws three indices distinct from each other and from target
func distinctDonors(rng *rand.Rand, n, target int) (int, int, int) {
	pick := func(exclude ...int) int {
		for {
			c := rng.IntN(n)
			ok := true
			for _, e := range exclude {
				if c == e {
					ok = false
					break
				}
			}
			if ok {
				return c
			}
		}
	}
	r1 := pick(target)
	r2 := pick(target, r1)
	r3 := pick(target, r1, r2)
	return r1, r2, r3
}

func clip(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

// evaluate scores candidates in parallel. Skipped items come back nil.
func (r *run) evaluate(ctx context.Context, generation int, candidates []Candidate) ([]*Candidate, error) {
	s := r.o.settings

	fn := func(poolCtx context.Context, i int) (float64, error) {
		evalCtx := context.WithoutCancel(poolCtx)
		if s.EvalTimeout > 0 {
			var cancel context.CancelFunc
			evalCtx, cancel = context.WithTimeout(evalCtx, s.EvalTimeout)
			defer cancel()
		}
		return r.objective(evalCtx, candidates[i].Params)
	}

	var progress workers.ProgressCallback
	if r.observer != nil {
		progress = func(current, total int, _ string) {
			r.observer.OnEvaluation(generation, current, total)
		}
	}

	results := r.o.pool.EvaluateBatch(ctx, len(candidates), fn, progress)

	out := make([]*Candidate, len(candidates))
	for i, res := range results {
		if res.Skipped {
			r.o.metrics.Evaluation("skipped", 0)
			continue
		}
		r.result.Evaluations++

		c := candidates[i].clone()
		if res.Err != nil || math.IsNaN(res.Value) {
			r.o.metrics.Evaluation("failed", res.Elapsed)
			r.result.Failures++
			r.consecutive++
			r.lastErr = res.Err
			if r.lastErr == nil {
				r.lastErr = domain.NewEvaluationError("objective returned NaN", nil)
			}
			r.o.log.Warn().Err(r.lastErr).Int("generation", generation).Int("candidate", i).Int("consecutive", r.consecutive).Msg("Evaluation failed")
			if r.consecutive > s.MaxConsecutiveFailures {
				return nil, r.lastErr
			}
			c.Fitness = s.FailurePenalty
			c.Failed = true
		} else {
			r.o.metrics.Evaluation("ok", res.Elapsed)
			r.consecutive = 0
			c.Fitness = res.Value
		}
		out[i] = &c
	}
	return out, nil
}

func (r *run) report(generation int, population []Candidate) {
	best := bestOf(population)
	r.result.History = append(r.result.History, best.Fitness)

	rep := GenerationReport{
		Generation:  generation,
		Total:       r.o.settings.Generations,
		BestFitness: best.Fitness,
		Diversity:   Diversity(population),
		Evaluations: r.result.Evaluations,
		Failures:    r.result.Failures,
	}
	r.o.log.Debug().Int("generation", generation).Float64("best", rep.BestFitness).Float64("diversity", rep.Diversity).Msg("Generation complete")
	if r.observer != nil {
		r.observer.OnGeneration(rep)
	}
}

// stopEarly applies the tolerance and diversity criteria
func (r *run) stopEarly(population []Candidate) bool {
	s := r.o.settings
	h := r.result.History
	if len(h) > s.Window {
		improvement := h[len(h)-1-s.Window] - h[len(h)-1]
		if improvement <= s.Tolerance {
			r.result.Reason = ReasonTolerance
			return true
		}
	}
	if d := Diversity(population); !math.IsNaN(d) && d < s.MinDiversity {
		r.result.Reason = ReasonLowDiversity
		return true
	}
	return false
}

func (r *run) finish(population []Candidate) {
	r.result.Best = bestOf(population).clone()
	r.o.log.Info().
		Str("reason", string(r.result.Reason)).
		Int("generations", r.result.Generations).
		Int("evaluations", r.result.Evaluations).
		Float64("best", r.result.Best.Fitness).
		Msg("Differential evolution finished")
}

func bestOf(population []Candidate) Candidate {
	best := population[0]
	for _, c := range population[1:] {
		if c.Fitness < best.Fitness {
			best = c
		}
	}
	return best
}

// Diversity is the coefficient of variation of the non-failed fitness
// values. It is NaN with fewer than two such values.
func Diversity(population []Candidate) float64 {
	values := make([]float64, 0, len(population))
	for _, c := range population {
		if !c.Failed && !math.IsInf(c.Fitness, 0) {
			values = append(values, c.Fitness)
		}
	}
	if len(values) < 2 {
		return math.NaN()
	}
	mean, std := stat.MeanStdDev(values, nil)
	if mean == 0 {
		if std == 0 {
			return 0
		}
		return math.Inf(1)
	}
	return std / math.Abs(mean)
}
