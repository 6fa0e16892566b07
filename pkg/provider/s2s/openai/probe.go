package openai

import (
	"context"
	"fmt"
	"sync"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

const defaultProbeTTL = 30 * time.Second

// Probe verifies that the API key is accepted and the realtime model exists
// by fetching the model over the REST API. Results are cached for a TTL so
// frequent readiness checks do not hit the API on every request.
type Probe struct {
	client oai.Client
	model  string
	ttl    time.Duration
	now    func() time.Time

	mu      sync.Mutex
	checked time.Time
	lastErr error
}

// ProbeOption configures a Probe.
type ProbeOption func(*probeConfig)

type probeConfig struct {
	baseURL string
	ttl     time.Duration
	timeout time.Duration
}

// WithProbeBaseURL overrides the REST base URL, e.g. "http://127.0.0.1:1234/v1/".
func WithProbeBaseURL(u string) ProbeOption {
	return func(c *probeConfig) { c.baseURL = u }
}

// WithProbeTTL sets how long a result is reused. Zero disables caching.
func WithProbeTTL(d time.Duration) ProbeOption {
	return func(c *probeConfig) { c.ttl = d }
}

// WithProbeTimeout bounds each REST request.
func WithProbeTimeout(d time.Duration) ProbeOption {
	return func(c *probeConfig) { c.timeout = d }
}

// NewProbe creates a Probe for model.
func NewProbe(apiKey, model string, opts ...ProbeOption) *Probe {
	cfg := &probeConfig{ttl: defaultProbeTTL, timeout: 5 * time.Second}
	for _, o := range opts {
		o(cfg)
	}
	if model == "" {
		model = defaultModel
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
		option.WithRequestTimeout(cfg.timeout),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}

	return &Probe{
		client: oai.NewClient(reqOpts...),
		model:  model,
		ttl:    cfg.ttl,
		now:    time.Now,
	}
}

// Check returns nil when the model is reachable with the configured key.
// It matches the health.Checker function signature.
func (p *Probe) Check(ctx context.Context) error {
	p.mu.Lock()
	if p.ttl > 0 && !p.checked.IsZero() && p.now().Sub(p.checked) < p.ttl {
		err := p.lastErr
		p.mu.Unlock()
		return err
	}
	p.mu.Unlock()

	_, err := p.client.Models.Get(ctx, p.model)
	if err != nil {
		err = fmt.Errorf("openai: probe model %q: %w", p.model, err)
	}

	p.mu.Lock()
	p.checked = p.now()
	p.lastErr = err
	p.mu.Unlock()
	return err
}
