// Package backends discovers circuit-execution backends, ranks them and opens
// sessions on the chosen one.
package backends

import (
	"context"
	"time"

	"github.com/aristath/quantfolio/internal/domain"
	"github.com/aristath/quantfolio/internal/modules/quantum"
)

// Status is the last observed availability of a backend
type Status string

const (
	StatusUnknown     Status = "unknown"
	StatusAvailable   Status = "available"
	StatusBusy        Status = "busy"
	StatusUnreachable Status = "unreachable"
)

// Descriptor is a snapshot of one backend's capability and health
type Descriptor struct {
	Name            string                 `json:"name"`
	Category        domain.BackendCategory `json:"category"`
	Provider        string                 `json:"provider"`
	MaxQubits       int                    `json:"max_qubits"`
	QueueDepth      int                    `json:"queue_depth"`
	AvgQueueSeconds float64                `json:"avg_queue_seconds"`
	GateError       float64                `json:"gate_error"`
	ReadoutError    float64                `json:"readout_error"`
	Status          Status                 `json:"status"`
	CheckedAt       time.Time              `json:"checked_at"`
}

// Provider is a source of backends
type Provider interface {
	Name() string
	Discover(ctx context.Context) ([]Descriptor, error)
	Open(ctx context.Context, backend string) (quantum.Session, error)
}

// Scoring weights used by Select
const (
	MaxGateError = 0.05

	scoreAvailable      = 100.0
	scoreBusy           = 50.0
	scoreHardware       = 50.0
	scoreSimulator      = 40.0
	penaltyGateError    = 1000.0
	penaltyReadoutError = 100.0
	penaltyQueueDepth   = 2.0
	penaltyQueueSeconds = 0.1
	maxExcessBonus      = 10
)

// Score ranks a descriptor; higher is better
func Score(d Descriptor, preferHardware bool) float64 {
	score := 0.0
	switch d.Status {
	case StatusAvailable:
		score += scoreAvailable
	case StatusBusy:
		score += scoreBusy
	}

	if d.Category == domain.CategoryHardware {
		if preferHardware {
			score += scoreHardware
		}
	} else if !preferHardware {
		score += scoreSimulator
	}

	score -= d.GateError * penaltyGateError
	score -= d.ReadoutError * penaltyReadoutError
	score -= float64(d.QueueDepth) * penaltyQueueDepth
	score -= d.AvgQueueSeconds * penaltyQueueSeconds
	return score
}

// Qualifies reports whether d may run a circuit of minQubits qubits
func Qualifies(d Descriptor, minQubits int, preferHardware bool) bool {
	if d.MaxQubits < minQubits {
		return false
	}
	if d.Status == StatusUnreachable || d.Status == StatusUnknown || d.Status == "" {
		return false
	}
	if d.GateError > MaxGateError {
		return false
	}
	if d.Category == domain.CategoryHardware && !preferHardware {
		return false
	}
	return true
}

func excessBonus(d Descriptor, minQubits int) float64 {
	excess := d.MaxQubits - minQubits
	if excess > maxExcessBonus {
		excess = maxExcessBonus
	}
	if excess < 0 {
		excess = 0
	}
	return float64(excess)
}
