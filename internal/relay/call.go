package relay

import (
	"context"
	"errors"
	"io"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxrelay/internal/observe"
	"github.com/MrWong99/voxrelay/internal/resilience"
	"github.com/MrWong99/voxrelay/pkg/provider/s2s"
	"github.com/MrWong99/voxrelay/pkg/telephony"
)

// maxDialAttempts caps backend connections per call: the first dial plus one
// retry if it fails before the backend is ready.
const maxDialAttempts = 2

// inboundBuffer is the number of parsed-but-unhandled telephony frames the
// reader may run ahead of the loop.
const inboundBuffer = 64

type dialResult struct {
	handle  s2s.SessionHandle
	err     error
	attempt int
}

// call drives one session. Every field except the immutable dependencies is
// owned by the loop goroutine.
type call struct {
	cfg      Config
	sess     *Session
	link     telephony.Link
	provider s2s.Provider
	breaker  *resilience.CircuitBreaker
	metrics  *observe.Metrics

	group  *errgroup.Group
	dialed chan dialResult
	events <-chan s2s.Event

	dialing      bool
	dialAttempts int
	dialStart    time.Time
	readyTimer   *time.Timer
	readyC       <-chan time.Time
	pinging      bool
	pingDone     chan struct{}

	// readErr is written by the reader before it closes the inbound channel.
	readErr error
}

// run starts the reader and the event loop and waits for both. The loop owns
// teardown; when it returns, the call context is cancelled, which stops the
// reader and any dial or ping in flight.
func (c *call) run(ctx context.Context) error {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	g, gctx := errgroup.WithContext(ctx)
	c.group = g
	c.pingDone = make(chan struct{}, 1)

	inbound := make(chan []byte, inboundBuffer)
	done := make(chan struct{})

	g.Go(func() error {
		c.readLoop(gctx, inbound, done)
		return nil
	})
	g.Go(func() error {
		defer cancel(context.Canceled)
		defer close(done)
		c.loop(gctx, inbound)
		return nil
	})
	return g.Wait()
}

// readLoop forwards raw telephony frames to the loop until the link fails
// or the loop is gone.
func (c *call) readLoop(ctx context.Context, inbound chan<- []byte, done <-chan struct{}) {
	defer close(inbound)
	for {
		data, err := c.link.Read(ctx)
		if err != nil {
			c.readErr = err
			return
		}
		select {
		case inbound <- data:
		case <-done:
			return
		}
	}
}

func (c *call) loop(ctx context.Context, inbound <-chan []byte) {
	keepAlive := time.NewTicker(c.cfg.KeepAliveInterval)
	defer keepAlive.Stop()
	defer c.stopReadyTimer()

	for !c.sess.State().Terminal() {
		select {
		case <-ctx.Done():
			reason := ReasonCanceled
			if errors.Is(context.Cause(ctx), ErrShuttingDown) {
				reason = ReasonShutdown
			}
			c.teardown(reason)

		case data, ok := <-inbound:
			if !ok {
				c.telephonyClosed()
				continue
			}
			c.handleTelephony(ctx, data)

		case res := <-c.dialed:
			c.handleDial(ctx, res)

		case ev, ok := <-c.events:
			if !ok {
				c.backendLost(ctx)
				continue
			}
			c.handleBackend(ctx, ev)

		case <-c.readyC:
			c.readyTimedOut(ctx)

		case <-keepAlive.C:
			c.keepAlive(ctx)

		case <-c.pingDone:
			c.pinging = false
		}
	}
}

func (c *call) teardown(reason string) {
	c.sess.Close(reason)
}

func (c *call) telephonyClosed() {
	log := c.sess.Logger()
	if c.readErr != nil && !errors.Is(c.readErr, io.EOF) {
		log.Debug("telephony read ended", "err", c.readErr)
	}
	c.teardown(ReasonTelephonyClosed)
}

// ---------------------------------------------------------------------------
// Telephony side
// ---------------------------------------------------------------------------

func (c *call) handleTelephony(ctx context.Context, data []byte) {
	log := c.sess.Logger()
	msg, err := telephony.Parse(data)
	if err != nil {
		c.sess.CountMalformed()
		c.metrics.RecordMalformed(ctx, observe.LinkTelephony)
		log.Warn("discarding malformed telephony message", "err", err)
		return
	}

	switch msg.Event {
	case telephony.EventConnected:
		log.Debug("telephony connected", "protocol", msg.Protocol, "version", msg.Version)

	case telephony.EventStart:
		if c.sess.OnStreamStart(msg.Start) && !c.dialing && !c.sess.HasBackend() {
			c.dial(ctx)
		}

	case telephony.EventMedia:
		if msg.Media.Track != "" && msg.Media.Track != telephony.TrackInbound {
			return
		}
		payload, err := msg.Media.Decode()
		if err != nil {
			c.sess.CountMalformed()
			c.metrics.RecordMalformed(ctx, observe.LinkTelephony)
			log.Warn("discarding media with bad payload", "err", err)
			return
		}
		if err := c.sess.OnCallerAudio(ctx, payload); err != nil {
			c.metrics.RecordBackendError(ctx, "write")
			log.Warn("backend write failed", "err", err)
			c.teardown(ReasonBackendWrite)
		}

	case telephony.EventStop:
		log.Info("caller stopped stream")
		c.teardown(ReasonCallerStop)

	case telephony.EventMark:
		if msg.Mark != nil {
			log.Debug("playback mark reached", "name", msg.Mark.Name)
			c.sess.OnMark(msg.Mark.Name)
		}

	case telephony.EventDTMF:
		if msg.DTMF != nil {
			log.Info("dtmf received", "digit", msg.DTMF.Digit)
		}

	default:
		log.Debug("ignoring telephony event", "event", msg.Event)
	}
}

// keepAlive pings the telephony socket without blocking the loop. A failed
// ping is logged only; a dead socket surfaces through the reader.
func (c *call) keepAlive(ctx context.Context) {
	if c.pinging {
		return
	}
	c.pinging = true
	log := c.sess.Logger()
	timeout := c.cfg.KeepAliveInterval
	c.group.Go(func() error {
		pctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if err := c.link.Ping(pctx); err != nil && ctx.Err() == nil {
			log.Warn("telephony keep-alive failed", "err", err)
		}
		select {
		case c.pingDone <- struct{}{}:
		default:
		}
		return nil
	})
}

// ---------------------------------------------------------------------------
// Backend side
// ---------------------------------------------------------------------------

// dial connects to the backend off the loop. The result comes back on
// c.dialed; if the call has ended by then the handle is closed instead.
func (c *call) dial(ctx context.Context) {
	c.dialing = true
	c.dialAttempts++
	c.dialStart = time.Now()
	c.sess.Logger().Debug("dialling backend", "attempt", c.dialAttempts)

	attempt := c.dialAttempts
	cfg := c.cfg.Session
	timeout := c.cfg.ConnectTimeout
	c.group.Go(func() error {
		dctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		h, err := c.connect(dctx, cfg)
		select {
		case c.dialed <- dialResult{handle: h, err: err, attempt: attempt}:
		case <-ctx.Done():
			if h != nil {
				_ = h.Close()
			}
		}
		return nil
	})
}

func (c *call) connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	if c.breaker == nil {
		return c.provider.Connect(ctx, cfg)
	}
	return resilience.Call(ctx, c.breaker, func(ctx context.Context) (s2s.SessionHandle, error) {
		return c.provider.Connect(ctx, cfg)
	})
}

func (c *call) handleDial(ctx context.Context, res dialResult) {
	c.dialing = false
	log := c.sess.Logger()
	if res.err != nil {
		c.metrics.RecordBackendError(ctx, "dial")
		log.Warn("backend dial failed", "attempt", res.attempt, "err", res.err)
		c.retryOrClose(ctx, res.err)
		return
	}
	if err := c.sess.OnBackendConnected(res.handle); err != nil {
		_ = res.handle.Close()
		return
	}
	c.events = res.handle.Events()
	c.armReadyTimer()
	log.Debug("backend connected, awaiting ready", "attempt", res.attempt)
}

// retryOrClose redials once for a backend that failed before becoming
// ready. An open circuit is not retried.
func (c *call) retryOrClose(ctx context.Context, cause error) {
	if c.dialAttempts < maxDialAttempts && !errors.Is(cause, resilience.ErrCircuitOpen) {
		c.sess.Logger().Info("retrying backend connection")
		c.dial(ctx)
		return
	}
	c.teardown(ReasonBackendUnavailable)
}

func (c *call) backendLost(ctx context.Context) {
	c.events = nil
	c.stopReadyTimer()
	log := c.sess.Logger()
	cause := errors.New("backend connection closed")
	if c.sess.HasBackend() {
		if err := c.sess.backend.Err(); err != nil {
			cause = err
		}
	}
	c.metrics.RecordBackendError(ctx, "lost")

	if c.sess.Ready() {
		log.Warn("backend connection lost", "err", cause)
		c.teardown(ReasonBackendClosed)
		return
	}
	log.Warn("backend closed before ready", "err", cause)
	c.sess.DetachBackend()
	c.retryOrClose(ctx, cause)
}

func (c *call) readyTimedOut(ctx context.Context) {
	c.readyC = nil
	c.events = nil
	c.metrics.RecordBackendError(ctx, "ready_timeout")
	c.sess.Logger().Warn("backend did not become ready", "timeout", c.cfg.ReadyTimeout)
	c.sess.DetachBackend()
	c.retryOrClose(ctx, context.DeadlineExceeded)
}

func (c *call) armReadyTimer() {
	c.stopReadyTimer()
	c.readyTimer = time.NewTimer(c.cfg.ReadyTimeout)
	c.readyC = c.readyTimer.C
}

func (c *call) stopReadyTimer() {
	if c.readyTimer != nil {
		c.readyTimer.Stop()
		c.readyTimer = nil
	}
	c.readyC = nil
}

func (c *call) handleBackend(ctx context.Context, ev s2s.Event) {
	log := c.sess.Logger()
	switch ev.Kind {
	case s2s.EventReady:
		if c.sess.Ready() {
			return
		}
		c.stopReadyTimer()
		c.metrics.BackendConnectDuration.Record(ctx, time.Since(c.dialStart).Seconds())
		n, err := c.sess.OnBackendReady()
		if err != nil {
			c.metrics.RecordBackendError(ctx, "write")
			log.Warn("flushing pending audio failed", "err", err)
			c.teardown(ReasonBackendWrite)
			return
		}
		log.Info("backend ready", "flushed_chunks", n)

	case s2s.EventAudio:
		if err := c.sess.OnBackendAudio(ctx, ev.Audio); err != nil {
			log.Warn("telephony write failed", "err", err)
			c.teardown(ReasonTelephonyWrite)
		}

	case s2s.EventSpeechStarted:
		if err := c.sess.OnSpeechStarted(ctx); err != nil {
			log.Warn("telephony write failed", "err", err)
			c.teardown(ReasonTelephonyWrite)
		}

	case s2s.EventSpeechStopped, s2s.EventCommitted:
		log.Debug("backend turn event", "kind", ev.Kind.String())

	case s2s.EventResponseStarted:
		c.sess.OnResponseStarted()

	case s2s.EventResponseDone:
		if err := c.sess.OnResponseDone(ctx); err != nil {
			log.Warn("telephony write failed", "err", err)
			c.teardown(ReasonTelephonyWrite)
		}

	case s2s.EventTranscript:
		if c.cfg.LogTranscripts && ev.Text != "" {
			log.Info("transcript", "speaker", string(ev.Speaker), "text", ev.Text)
		}

	case s2s.EventError:
		if errors.Is(ev.Err, s2s.ErrMalformedEvent) {
			c.sess.CountMalformed()
			c.metrics.RecordMalformed(ctx, observe.LinkBackend)
			log.Warn("discarding malformed backend event", "err", ev.Err)
			return
		}
		c.metrics.RecordBackendError(ctx, "event")
		log.Warn("backend reported error", "type", ev.Type, "err", ev.Err)

	default:
		log.Debug("ignoring backend event", "type", ev.Type)
	}
}
