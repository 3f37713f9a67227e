package backends

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/aristath/quantfolio/internal/modules/quantum"
)

// RemoteProviderName identifies backends served by a remote execution service
const RemoteProviderName = "remote"

// RemoteConfig configures the remote execution client
type RemoteConfig struct {
	BaseURL       string
	Token         string  // Optional bearer token
	RatePerSecond float64 // Submission rate; <= 0 means unlimited
	Timeout       time.Duration
}

type backendsResponse struct {
	Backends []Descriptor `json:"backends"`
}

type runRequest struct {
	Circuit *quantum.Circuit `json:"circuit"`
	Shots   int              `json:"shots"`
}

type runResponse struct {
	Counts quantum.Counts `json:"counts"`
	Error  string         `json:"error,omitempty"`
}

// RemoteProvider is an HTTP JSON client for a remote circuit execution service.
//
//	GET  {base}/backends             → {"backends": [...]}
//	POST {base}/backends/{name}/run  {"circuit": ..., "shots": n} → {"counts": {...}}
type RemoteProvider struct {
	baseURL    string
	token      string
	httpClient *http.Client
	limiter    *rate.Limiter
	log        zerolog.Logger

	mu    sync.Mutex
	known map[string]Descriptor
}

// NewRemoteProvider creates a remote provider
func NewRemoteProvider(cfg RemoteConfig, log zerolog.Logger) *RemoteProvider {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	limit := rate.Inf
	burst := 1
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
		burst = int(cfg.RatePerSecond)
		if burst < 1 {
			burst = 1
		}
	}
	return &RemoteProvider{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		limiter: rate.NewLimiter(limit, burst),
		log:     log.With().Str("component", "remote_backends").Logger(),
		known:   make(map[string]Descriptor),
	}
}

func (p *RemoteProvider) Name() string {
	return RemoteProviderName
}

// Discover lists the remote backends. On transport failure it returns the
// previously known backends marked unreachable together with the error.
func (p *RemoteProvider) Discover(ctx context.Context) ([]Descriptor, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/backends", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	p.authorize(req)

	var body backendsResponse
	if err := p.do(req, &body); err != nil {
		return p.markAllUnreachable(), err
	}

	now := time.Now()
	p.mu.Lock()
	defer p.mu.Unlock()

	p.known = make(map[string]Descriptor, len(body.Backends))
	out := make([]Descriptor, 0, len(body.Backends))
	for _, d := range body.Backends {
		d.Provider = RemoteProviderName
		d.CheckedAt = now
		if d.Status == "" {
			d.Status = StatusUnknown
		}
		p.known[d.Name] = d
		out = append(out, d)
	}

	p.log.Debug().Int("count", len(out)).Msg("Discovered remote backends")
	return out, nil
}

func (p *RemoteProvider) markAllUnreachable() []Descriptor {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	out := make([]Descriptor, 0, len(p.known))
	for name, d := range p.known {
		d.Status = StatusUnreachable
		d.CheckedAt = now
		p.known[name] = d
		out = append(out, d)
	}
	return out
}

func (p *RemoteProvider) markUnreachable(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if d, ok := p.known[name]; ok {
		d.Status = StatusUnreachable
		d.CheckedAt = time.Now()
		p.known[name] = d
	}
}

// Open returns a session that submits circuits to the named remote backend
func (p *RemoteProvider) Open(ctx context.Context, backend string) (quantum.Session, error) {
	if backend == "" {
		return nil, fmt.Errorf("backend name is required")
	}
	return &remoteSession{provider: p, backend: backend}, nil
}

func (p *RemoteProvider) run(ctx context.Context, backend string, c *quantum.Circuit, shots int) (quantum.Counts, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	payload, err := json.Marshal(runRequest{Circuit: c, Shots: shots})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal circuit: %w", err)
	}

	endpoint := fmt.Sprintf("%s/backends/%s/run", p.baseURL, url.PathEscape(backend))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	p.authorize(req)

	var body runResponse
	if err := p.do(req, &body); err != nil {
		if ctx.Err() == nil {
			p.markUnreachable(backend)
		}
		return nil, err
	}
	if body.Error != "" {
		return nil, fmt.Errorf("backend %s: %s", backend, body.Error)
	}
	return body.Counts, nil
}

func (p *RemoteProvider) authorize(req *http.Request) {
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}
}

func (p *RemoteProvider) do(req *http.Request, out interface{}) error {
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("remote backend error: status %d, body: %s", resp.StatusCode, string(bodyBytes))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

type remoteSession struct {
	provider *RemoteProvider
	backend  string
}

func (s *remoteSession) Backend() string {
	return s.backend
}

func (s *remoteSession) Run(ctx context.Context, c *quantum.Circuit, shots int) (quantum.Counts, error) {
	return s.provider.run(ctx, s.backend, c, shots)
}

func (s *remoteSession) Close() error {
	return nil
}
