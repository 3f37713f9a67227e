package jobs

import (
	"math"
	"sync"
	"time"
)

// Phase names the stage a running job is in
type Phase string

const (
	PhaseQueued     Phase = "queued"
	PhaseSelecting  Phase = "selecting_backend"
	PhaseOptimizing Phase = "optimizing"
	PhaseSampling   Phase = "sampling"
	PhaseDone       Phase = "done"
)

// Progress is one progress event of a job
type Progress struct {
	JobID            string    `json:"job_id"`
	Status           Status    `json:"status"`
	Phase            Phase     `json:"phase"`
	Generation       int       `json:"generation"`
	TotalGenerations int       `json:"total_generations"`
	Evaluations      int       `json:"evaluations"`
	BestFitness      *float64  `json:"best_fitness,omitempty"`
	Diversity        *float64  `json:"diversity,omitempty"`
	Percent          float64   `json:"percent"`
	Message          string    `json:"message,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
}

// subscriberBuffer is how many events a slow subscriber may lag behind
const subscriberBuffer = 64

// hub fans progress events out to subscribers. Sends never block: a
// subscriber whose buffer is full misses events.
type hub struct {
	mu   sync.Mutex
	subs map[string]map[chan Progress]struct{}
}

func newHub() *hub {
	return &hub{subs: make(map[string]map[chan Progress]struct{})}
}

// subscribe registers a channel for jobID primed with the current progress
func (h *hub) subscribe(jobID string, current Progress) (chan Progress, func()) {
	ch := make(chan Progress, subscriberBuffer)
	ch <- current

	h.mu.Lock()
	if h.subs[jobID] == nil {
		h.subs[jobID] = make(map[chan Progress]struct{})
	}
	h.subs[jobID][ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if set, ok := h.subs[jobID]; ok {
				if _, ok := set[ch]; ok {
					delete(set, ch)
					close(ch)
				}
				if len(set) == 0 {
					delete(h.subs, jobID)
				}
			}
		})
	}
}

func (h *hub) publish(p Progress) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs[p.JobID] {
		select {
		case ch <- p:
		default:
		}
	}
}

// closeJob delivers the final event and closes every subscription of the job
func (h *hub) closeJob(final Progress) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs[final.JobID] {
		select {
		case ch <- final:
		default:
			// Make room so the terminal event is never lost
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- final:
			default:
			}
		}
		close(ch)
	}
	delete(h.subs, final.JobID)
}

// progressReporter throttles progress for one job.
// Milestones bypass the throttle.
type progressReporter struct {
	minInterval time.Duration
	lastReport  time.Time
	emit        func(mutate func(p *Progress))
}

func newProgressReporter(emit func(mutate func(p *Progress))) *progressReporter {
	return &progressReporter{
		minInterval: 100 * time.Millisecond, // Max 10 reports/second
		emit:        emit,
	}
}

func (pr *progressReporter) report(mutate func(p *Progress), milestone bool) {
	now := time.Now()
	if !milestone && now.Sub(pr.lastReport) < pr.minInterval {
		return
	}
	pr.lastReport = now
	pr.emit(func(p *Progress) {
		mutate(p)
		p.Timestamp = now
	})
}

// generationPercent is completed generations over G, with evaluation done of
// total counted as a fraction of generation g. Generation 0, the initial
// population, completes no generation.
func generationPercent(g, G, done, total int) float64 {
	if G <= 0 || g <= 0 {
		return 0
	}
	frac := 0.0
	if total > 0 {
		frac = float64(done) / float64(total)
	}
	p := (float64(g-1) + frac) / float64(G) * 100
	return math.Min(math.Max(p, 0), 100)
}
