package jobs

import (
	"context"
	"fmt"

	"github.com/aristath/quantfolio/internal/domain"
	"github.com/aristath/quantfolio/internal/modules/encoding"
	"github.com/aristath/quantfolio/internal/modules/hamiltonian"
	"github.com/aristath/quantfolio/internal/modules/marketdata"
	"github.com/aristath/quantfolio/internal/modules/qubo"
)

// Request is one optimization submission.
//
// Market data is taken from the first source present: Periods, then Prices,
// then the manager's price source.
type Request struct {
	Assets             []domain.Asset
	Config             domain.OptimizationConfig
	Periods            []qubo.PeriodData
	Prices             *marketdata.PriceHistory
	PreviousAllocation []float64
}

// prepared is a validated request with its QUBO and cost operator built
type prepared struct {
	assets  []domain.Asset
	config  domain.OptimizationConfig
	encoder *encoding.Encoder
	input   qubo.Input
	problem *qubo.Problem
	op      *hamiltonian.CostOperator
}

// prepare validates req and builds everything the run needs. Every error it
// returns is reported to the submitter; no job exists yet.
func (m *Manager) prepare(ctx context.Context, req Request) (*prepared, error) {
	if err := domain.ValidateAssets(req.Assets); err != nil {
		return nil, err
	}
	cfg := req.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if req.PreviousAllocation != nil && len(req.PreviousAllocation) != len(req.Assets) {
		return nil, domain.NewConfigValidationError(fmt.Sprintf("previous allocation has %d weights for %d assets", len(req.PreviousAllocation), len(req.Assets)))
	}

	periods, err := m.periodData(ctx, req, cfg)
	if err != nil {
		return nil, err
	}
	// Short price histories give fewer windows than requested
	cfg.NumPeriods = len(periods)

	if n := cfg.NumVariables(len(req.Assets)); n > m.maxQubits {
		return nil, domain.NewConfigValidationError(fmt.Sprintf("problem needs %d qubits, at most %d are supported", n, m.maxQubits))
	}

	enc, err := encoding.New(len(req.Assets), cfg.NumPeriods, cfg.BitResolution, domain.MaxAllocations(req.Assets))
	if err != nil {
		return nil, err
	}

	input := qubo.Input{Periods: periods, PreviousAllocation: req.PreviousAllocation}
	problem, err := m.builder.Build(enc, cfg, input)
	if err != nil {
		return nil, err
	}

	return &prepared{
		assets:  req.Assets,
		config:  cfg,
		encoder: enc,
		input:   input,
		problem: problem,
		op:      hamiltonian.Map(problem),
	}, nil
}

func (m *Manager) periodData(ctx context.Context, req Request, cfg domain.OptimizationConfig) ([]qubo.PeriodData, error) {
	switch {
	case len(req.Periods) > 0:
		if len(req.Periods) != cfg.NumPeriods {
			return nil, domain.NewConfigValidationError(fmt.Sprintf("got data for %d periods, num_periods is %d", len(req.Periods), cfg.NumPeriods))
		}
		for t, p := range req.Periods {
			if err := p.Validate(len(req.Assets)); err != nil {
				return nil, fmt.Errorf("period %d: %w", t, err)
			}
		}
		return req.Periods, nil

	case req.Prices != nil:
		if err := matchSymbols(req.Assets, req.Prices.Symbols); err != nil {
			return nil, err
		}
		return m.estimator.PeriodData(req.Prices, cfg.NumPeriods, cfg.RebalanceDays, cfg.ReturnModel)

	case m.prices != nil:
		days := marketdata.RequiredDays(cfg.NumPeriods, cfg.RebalanceDays)
		history, err := m.prices.Load(ctx, domain.Symbols(req.Assets), days)
		if err != nil {
			return nil, domain.NewError(domain.KindDataQuality, "failed to load price history", err)
		}
		return m.estimator.PeriodData(history, cfg.NumPeriods, cfg.RebalanceDays, cfg.ReturnModel)
	}

	return nil, domain.NewDataQualityError("no market data supplied and no price source configured")
}

func matchSymbols(assets []domain.Asset, symbols []string) error {
	if len(assets) != len(symbols) {
		return domain.NewDataQualityError(fmt.Sprintf("price history covers %d symbols, request has %d assets", len(symbols), len(assets)))
	}
	for i, a := range assets {
		if a.Symbol != symbols[i] {
			return domain.NewDataQualityError(fmt.Sprintf("price column %d is %s, expected %s", i, symbols[i], a.Symbol))
		}
	}
	return nil
}
