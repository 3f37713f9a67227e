package qubo

import (
	"fmt"
	"math"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/mat"

	"github.com/aristath/quantfolio/internal/domain"
	"github.com/aristath/quantfolio/internal/modules/encoding"
)

// Builder assembles QUBO problems
type Builder struct {
	log zerolog.Logger
}

// NewBuilder creates a new builder
func NewBuilder(log zerolog.Logger) *Builder {
	return &Builder{
		log: log.With().Str("component", "qubo_builder").Logger(),
	}
}

// accumulator collects unnormalized coefficients
type accumulator struct {
	linear []float64
	quad   *mat.SymDense
	offset float64
}

func newAccumulator(n int) *accumulator {
	return &accumulator{
		linear: make([]float64, n),
		quad:   mat.NewSymDense(n, nil),
	}
}

// addProduct adds coef·(Σ a_i x_i)·(Σ b_j x_j)
func (acc *accumulator) addProduct(a, b []encoding.Term, coef float64) {
	if coef == 0 {
		return
	}
	for _, ta := range a {
		for _, tb := range b {
			v := coef * ta.Weight * tb.Weight
			if ta.Index == tb.Index {
				acc.linear[ta.Index] += v
				continue
			}
			// Each ordered pair lands in the shared symmetric cell; the
			// objective counts both orders, hence the half.
			acc.quad.SetSym(ta.Index, tb.Index, acc.quad.At(ta.Index, tb.Index)+v/2)
		}
	}
}

// addSquare adds coef·(Σ w_i x_i + constant)²
func (acc *accumulator) addSquare(terms []encoding.Term, constant, coef float64) {
	if coef == 0 {
		return
	}
	acc.addProduct(terms, terms, coef)
	for _, t := range terms {
		acc.linear[t.Index] += 2 * coef * constant * t.Weight
	}
	acc.offset += coef * constant * constant
}

// Build produces the normalized QUBO for the given encoder, config and data.
func (b *Builder) Build(enc *encoding.Encoder, cfg domain.OptimizationConfig, in Input) (*Problem, error) {
	if err := validateInput(enc, in); err != nil {
		return nil, err
	}
	if n := cfg.NumVariables(enc.NumAssets()); n != enc.NumVariables() || enc.NumPeriods() != cfg.NumPeriods {
		return nil, domain.NewInternalInconsistencyError(fmt.Sprintf("config implies %d variables over %d periods, encoder has %d over %d", n, cfg.NumPeriods, enc.NumVariables(), enc.NumPeriods()))
	}

	acc := newAccumulator(enc.NumVariables())

	addReturn(acc, enc, in)
	addRisk(acc, enc, in, cfg.RiskAversion*cfg.RiskAversion)
	addTransactionCost(acc, enc, in, cfg.TransactionFee)
	addBudgetPenalty(acc, enc, cfg.PenaltyWeight)

	p, err := normalize(acc)
	if err != nil {
		return nil, err
	}

	b.log.Debug().
		Int("variables", p.NumVariables).
		Int("assets", enc.NumAssets()).
		Int("periods", enc.NumPeriods()).
		Float64("scale", p.Scale).
		Msg("QUBO built")

	return p, nil
}

// −F: reward expected return of every decoded weight
func addReturn(acc *accumulator, enc *encoding.Encoder, in Input) {
	for t, period := range in.Periods {
		for a := 0; a < enc.NumAssets(); a++ {
			for _, term := range enc.AllocationTerms(a, t) {
				acc.linear[term.Index] -= period.ExpectedReturns[a] * term.Weight
			}
		}
	}
}

// γ²R: w_tᵀ Σ_t w_t per period, or the joint form across periods
func addRisk(acc *accumulator, enc *encoding.Encoder, in Input, weight float64) {
	if weight == 0 {
		return
	}
	numAssets := enc.NumAssets()

	if in.JointCovariance != nil {
		for t := 0; t < enc.NumPeriods(); t++ {
			for a := 0; a < numAssets; a++ {
				for s := 0; s < enc.NumPeriods(); s++ {
					for c := 0; c < numAssets; c++ {
						cov := in.JointCovariance.At(t*numAssets+a, s*numAssets+c)
						acc.addProduct(enc.AllocationTerms(a, t), enc.AllocationTerms(c, s), weight*cov)
					}
				}
			}
		}
		return
	}

	for t, period := range in.Periods {
		for a := 0; a < numAssets; a++ {
			for c := 0; c < numAssets; c++ {
				acc.addProduct(enc.AllocationTerms(a, t), enc.AllocationTerms(c, t), weight*period.Covariance.At(a, c))
			}
		}
	}
}

// C: squared-difference surrogate f·(w_t − w_{t−1})², including the move
// away from the previous allocation into period 0 when one is given.
func addTransactionCost(acc *accumulator, enc *encoding.Encoder, in Input, fee float64) {
	if fee == 0 {
		return
	}
	for a := 0; a < enc.NumAssets(); a++ {
		if in.PreviousAllocation != nil {
			acc.addSquare(enc.AllocationTerms(a, 0), -in.PreviousAllocation[a], fee)
		}
		for t := 1; t < enc.NumPeriods(); t++ {
			diff := enc.AllocationTerms(a, t)
			for _, prev := range enc.AllocationTerms(a, t-1) {
				diff = append(diff, encoding.Term{Index: prev.Index, Weight: -prev.Weight})
			}
			acc.addSquare(diff, 0, fee)
		}
	}
}

// ρP: (Σ_a w_{a,t} − 1)² per period. Per-asset caps are enforced by the
// encoding itself (all bits set decodes to the cap), so their penalty is
// identically zero on every bitstring and contributes no coefficients.
func addBudgetPenalty(acc *accumulator, enc *encoding.Encoder, rho float64) {
	for t := 0; t < enc.NumPeriods(); t++ {
		var terms []encoding.Term
		for a := 0; a < enc.NumAssets(); a++ {
			terms = append(terms, enc.AllocationTerms(a, t)...)
		}
		acc.addSquare(terms, -1, rho)
	}
}

func normalize(acc *accumulator) (*Problem, error) {
	n := len(acc.linear)
	scale := 0.0
	for i := 0; i < n; i++ {
		if !isFinite(acc.linear[i]) {
			return nil, domain.NewDataQualityError(fmt.Sprintf("linear coefficient %d is not finite", i))
		}
		scale = math.Max(scale, math.Abs(acc.linear[i]))
		for j := i + 1; j < n; j++ {
			v := acc.quad.At(i, j)
			if !isFinite(v) {
				return nil, domain.NewDataQualityError(fmt.Sprintf("quadratic coefficient (%d, %d) is not finite", i, j))
			}
			scale = math.Max(scale, math.Abs(v))
		}
	}
	if !isFinite(acc.offset) {
		return nil, domain.NewDataQualityError("objective offset is not finite")
	}

	// All-zero problem: nothing to condition
	if scale == 0 {
		scale = 1
	}

	linear := make([]float64, n)
	for i, v := range acc.linear {
		linear[i] = v / scale
	}
	quad := mat.NewSymDense(n, nil)
	quad.ScaleSym(1/scale, acc.quad)

	return &Problem{
		NumVariables: n,
		Linear:       linear,
		Quadratic:    quad,
		Offset:       acc.offset / scale,
		Scale:        scale,
	}, nil
}

func validateInput(enc *encoding.Encoder, in Input) error {
	if len(in.Periods) != enc.NumPeriods() {
		return domain.NewDataQualityError(fmt.Sprintf("got data for %d periods, expected %d", len(in.Periods), enc.NumPeriods()))
	}
	for t, p := range in.Periods {
		if err := p.Validate(enc.NumAssets()); err != nil {
			return fmt.Errorf("period %d: %w", t, err)
		}
	}
	if in.JointCovariance != nil {
		if err := validateSym(in.JointCovariance, enc.NumAssets()*enc.NumPeriods(), "joint covariance"); err != nil {
			return err
		}
	}
	if in.PreviousAllocation != nil {
		if len(in.PreviousAllocation) != enc.NumAssets() {
			return domain.NewDataQualityError(fmt.Sprintf("previous allocation has %d entries for %d assets", len(in.PreviousAllocation), enc.NumAssets()))
		}
		for i, w := range in.PreviousAllocation {
			if !isFinite(w) {
				return domain.NewDataQualityError(fmt.Sprintf("previous allocation %d is not finite", i))
			}
		}
	}
	return nil
}
