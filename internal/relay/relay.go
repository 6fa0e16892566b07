// Package relay bridges telephony media streams to a speech-to-speech
// backend.
//
// Each accepted telephony socket becomes one call. A call owns a [Session]
// and is driven by a single event loop: telephony frames, backend events,
// dial results and keep-alive ticks are all handled on that one goroutine, so
// session fields need no locks. A [Relay] serves calls, tracks them in a
// [Registry] and closes them all on shutdown.
package relay

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/voxrelay/internal/observe"
	"github.com/MrWong99/voxrelay/internal/resilience"
	"github.com/MrWong99/voxrelay/pkg/audio"
	"github.com/MrWong99/voxrelay/pkg/provider/s2s"
	"github.com/MrWong99/voxrelay/pkg/telephony"
)

// ErrShuttingDown is the cause given to calls closed by [Relay.Shutdown], and
// is returned by [Relay.Serve] once shutdown has begun.
var ErrShuttingDown = errors.New("relay: shutting down")

// Teardown reasons, as logged and recorded in call summaries.
const (
	ReasonCallerStop         = "caller_stop"
	ReasonTelephonyClosed    = "telephony_closed"
	ReasonTelephonyWrite     = "telephony_write_failed"
	ReasonBackendUnavailable = "backend_unavailable"
	ReasonBackendClosed      = "backend_closed"
	ReasonBackendWrite       = "backend_write_failed"
	ReasonShutdown           = "shutdown"
	ReasonCanceled           = "canceled"
)

const (
	defaultBackendRate       = 24000
	defaultKeepAliveInterval = 20 * time.Second
	defaultConnectTimeout    = 10 * time.Second
	defaultReadyTimeout      = 15 * time.Second
	defaultPendingDuration   = 10 * time.Second
	recordTimeout            = 5 * time.Second
)

// Config holds the settings applied to each new call. Changing it through
// [Relay.SetConfig] affects only calls accepted afterwards.
type Config struct {
	// Session is sent to the backend when a call connects. Its Format is
	// overwritten with the transcoder's backend format.
	Session s2s.SessionConfig

	// Transcoder converts between telephony μ-law and the backend format.
	Transcoder audio.Transcoder

	// PendingMaxBytes bounds caller audio queued before the backend is
	// ready. Zero selects ten seconds of backend-format audio.
	PendingMaxBytes int

	// CarryRemainder keeps partial outbound frames for the next chunk.
	CarryRemainder bool

	// KeepAliveInterval is the telephony ping period.
	KeepAliveInterval time.Duration

	// ConnectTimeout bounds one backend dial.
	ConnectTimeout time.Duration

	// ReadyTimeout bounds the wait between a successful dial and the
	// backend acknowledging the session.
	ReadyTimeout time.Duration

	// LogTranscripts logs caller and assistant transcripts at info level.
	LogTranscripts bool
}

// withDefaults fills zero fields.
func (c Config) withDefaults() Config {
	if c.Transcoder == nil {
		c.Transcoder = audio.PCM16Transcoder{BackendRate: defaultBackendRate}
	}
	c.Session.Format = c.Transcoder.BackendFormat()
	if c.PendingMaxBytes == 0 {
		f := c.Session.Format
		c.PendingMaxBytes = f.SampleRate * f.Encoding.BytesPerSample() * int(defaultPendingDuration/time.Second)
	}
	if c.KeepAliveInterval <= 0 {
		c.KeepAliveInterval = defaultKeepAliveInterval
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = defaultReadyTimeout
	}
	return c
}

// Recorder persists call summaries after teardown.
type Recorder interface {
	RecordCall(ctx context.Context, s Summary) error
}

// Option configures a [Relay].
type Option func(*Relay)

// WithLogger sets the base logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(r *Relay) { r.log = l }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Relay) { r.metrics = m }
}

// WithBreaker routes backend dials through cb so a failing backend is not
// hammered by every new call.
func WithBreaker(cb *resilience.CircuitBreaker) Option {
	return func(r *Relay) { r.breaker = cb }
}

// WithRecorder stores a [Summary] of every finished call.
func WithRecorder(rec Recorder) Option {
	return func(r *Relay) { r.recorder = rec }
}

// WithIDGenerator replaces the random call identifier source.
func WithIDGenerator(fn func() string) Option {
	return func(r *Relay) { r.newID = fn }
}

// Relay serves telephony calls against one backend provider.
//
// All exported methods are safe for concurrent use.
type Relay struct {
	provider s2s.Provider
	cfg      atomic.Pointer[Config]
	registry *Registry

	breaker  *resilience.CircuitBreaker
	recorder Recorder
	metrics  *observe.Metrics
	log      *slog.Logger
	newID    func() string

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// New returns a Relay dialling provider for every call.
func New(provider s2s.Provider, cfg Config, opts ...Option) *Relay {
	r := &Relay{
		provider: provider,
		registry: NewRegistry(),
		metrics:  observe.DefaultMetrics(),
		log:      slog.Default(),
		newID:    uuid.NewString,
	}
	for _, o := range opts {
		o(r)
	}
	r.SetConfig(cfg)
	return r
}

// SetConfig replaces the settings used for subsequent calls.
func (r *Relay) SetConfig(cfg Config) {
	cfg = cfg.withDefaults()
	r.cfg.Store(&cfg)
}

// Config returns the settings used for new calls.
func (r *Relay) Config() Config {
	return *r.cfg.Load()
}

// Registry returns the registry of active calls.
func (r *Relay) Registry() *Registry { return r.registry }

// Serve relays one call over link and blocks until it has been torn down.
// The link is always closed when Serve returns. Cancelling ctx ends the
// call.
func (r *Relay) Serve(ctx context.Context, link telephony.Link) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = link.Close(ReasonShutdown)
		return ErrShuttingDown
	}
	r.wg.Add(1)
	r.mu.Unlock()
	defer r.wg.Done()

	cfg := r.Config()
	id := r.newID()

	ctx, span := observe.StartCallSpan(ctx, id)
	defer span.End()
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	log := r.log
	if tid := observe.CorrelationID(ctx); tid != "" {
		log = log.With("trace_id", tid)
	}
	sess := NewSession(id, link, SessionConfig{
		Transcoder:      cfg.Transcoder,
		PendingMaxBytes: cfg.PendingMaxBytes,
		CarryRemainder:  cfg.CarryRemainder,
		Logger:          log,
		Metrics:         r.metrics,
	})
	c := &call{
		cfg:      cfg,
		sess:     sess,
		link:     link,
		provider: r.provider,
		breaker:  r.breaker,
		metrics:  r.metrics,
		dialed:   make(chan dialResult),
	}

	r.registry.add(sess, cancel)
	bg := context.WithoutCancel(ctx)
	r.metrics.ActiveCalls.Add(bg, 1)
	sess.Logger().Info("call accepted", "backend_format", cfg.Session.Format.String())

	err := c.run(ctx)

	r.registry.remove(id)
	r.metrics.ActiveCalls.Add(bg, -1)

	sum := sess.Summary()
	r.metrics.RecordCallEnded(bg, sum.Reason, sum.Duration().Seconds())
	span.SetAttributes(
		observe.Attr("voxrelay.stream_sid", sum.StreamSID),
		observe.Attr("voxrelay.close_reason", sum.Reason),
	)
	if r.recorder != nil {
		rctx, rcancel := context.WithTimeout(bg, recordTimeout)
		if rerr := r.recorder.RecordCall(rctx, sum); rerr != nil {
			sess.Logger().Warn("record call summary", "err", rerr)
		}
		rcancel()
	}
	return err
}

// Shutdown stops accepting calls, closes every active call and waits for
// them to finish or for ctx to expire.
func (r *Relay) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	if n := r.registry.CloseAll(ErrShuttingDown); n > 0 {
		r.log.Info("closing active calls", "count", n)
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
