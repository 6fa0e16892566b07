package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/MrWong99/voxrelay/internal/observe"
	"github.com/MrWong99/voxrelay/pkg/audio"
	"github.com/MrWong99/voxrelay/pkg/provider/s2s"
	"github.com/MrWong99/voxrelay/pkg/telephony"
)

// ErrSessionClosed is returned by [Session] operations once teardown has
// begun.
var ErrSessionClosed = errors.New("relay: session closed")

// Info is a point-in-time view of a call. It is safe to build from any
// goroutine.
type Info struct {
	ID             string    `json:"id"`
	StreamSID      string    `json:"streamSid,omitempty"`
	CallSID        string    `json:"callSid,omitempty"`
	State          State     `json:"state"`
	StartedAt      time.Time `json:"startedAt"`
	LastActivity   time.Time `json:"lastActivity"`
	InboundChunks  int64     `json:"inboundChunks"`
	OutboundFrames int64     `json:"outboundFrames"`
	PendingDropped int64     `json:"pendingDropped"`
	Malformed      int64     `json:"malformed"`
	BargeIns       int64     `json:"bargeIns"`
}

// Summary describes a finished call. It carries metadata only.
type Summary struct {
	Info
	EndedAt time.Time `json:"endedAt"`
	Reason  string    `json:"reason"`
}

// Duration returns the wall time between accept and teardown.
func (s Summary) Duration() time.Duration {
	return s.EndedAt.Sub(s.StartedAt)
}

// SessionConfig holds the per-call settings of a [Session].
type SessionConfig struct {
	// Transcoder converts between telephony μ-law and the backend format.
	// Defaults to PCM16 at 24 kHz.
	Transcoder audio.Transcoder

	// PendingMaxBytes bounds the audio queued before the backend is ready.
	// Zero or negative means unbounded.
	PendingMaxBytes int

	// CarryRemainder keeps partial outbound frames for the next chunk
	// instead of dropping them.
	CarryRemainder bool

	Logger  *slog.Logger
	Metrics *observe.Metrics
}

// identity is the part of a session published for concurrent readers.
type identity struct {
	streamSID string
	callSID   string
	state     State
}

// Session is the state of one relayed call: the telephony stream, the
// backend connection, and the audio queued between them.
//
// A Session is confined to the goroutine running its call loop. Only [Info]
// may be called from elsewhere.
type Session struct {
	id        string
	startedAt time.Time

	tel     telephony.Link
	backend s2s.SessionHandle

	tc      audio.Transcoder
	pkt     *audio.Packetizer
	pending *pendingQueue

	streamSID string
	callSID   string
	state     State
	ready     bool

	// responding is set while the backend is producing a response.
	responding bool
	// playing is set from the first frame sent after a clear until the
	// caller side echoes the latest mark.
	playing  bool
	marks    int
	lastMark string

	closeReason string
	endedAt     time.Time

	log     *slog.Logger
	metrics *observe.Metrics

	ident          atomic.Pointer[identity]
	lastActivity   atomic.Int64
	inboundChunks  atomic.Int64
	outboundFrames atomic.Int64
	pendingDropped atomic.Int64
	malformed      atomic.Int64
	bargeIns       atomic.Int64
}

// NewSession returns a session in [StateAwaitingStart] bound to the given
// telephony link.
func NewSession(id string, tel telephony.Link, cfg SessionConfig) *Session {
	if cfg.Transcoder == nil {
		cfg.Transcoder = audio.PCM16Transcoder{BackendRate: defaultBackendRate}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	frameSize := audio.FrameSize(audio.TelephonyFormat.SampleRate, audio.FrameDuration,
		audio.TelephonyFormat.Encoding.BytesPerSample())

	now := time.Now()
	s := &Session{
		id:        id,
		startedAt: now,
		tel:       tel,
		tc:        cfg.Transcoder,
		pkt:       audio.NewPacketizer(frameSize, cfg.CarryRemainder),
		pending:   newPendingQueue(cfg.PendingMaxBytes),
		state:     StateAwaitingStart,
		log:       cfg.Logger.With("call_id", id),
		metrics:   cfg.Metrics,
	}
	s.lastActivity.Store(now.UnixNano())
	s.publish()
	return s
}

// ID returns the relay-assigned call identifier.
func (s *Session) ID() string { return s.id }

// State returns the lifecycle state.
func (s *Session) State() State { return s.state }

// Ready reports whether the backend acknowledged the session.
func (s *Session) Ready() bool { return s.ready }

// StreamSID returns the telephony stream identifier, empty before start.
func (s *Session) StreamSID() string { return s.streamSID }

// HasBackend reports whether a backend connection is attached.
func (s *Session) HasBackend() bool { return s.backend != nil }

// Logger returns the session's logger, annotated with the stream
// identifiers once known.
func (s *Session) Logger() *slog.Logger { return s.log }

// CloseReason returns the reason given to the first [Session.Close].
func (s *Session) CloseReason() string { return s.closeReason }

// OnStreamStart records the stream identifiers from the telephony start
// event and reports whether this was the first start. Later starts are
// ignored.
func (s *Session) OnStreamStart(start *telephony.Start) bool {
	if s.state.Terminal() || start == nil {
		return false
	}
	if s.streamSID != "" {
		s.log.Warn("duplicate stream start ignored", "stream_sid", start.StreamSID)
		return false
	}
	s.streamSID = start.StreamSID
	s.callSID = start.CallSID
	if s.callSID == "" {
		s.callSID = start.CustomParameters["callSid"]
	}
	s.log = s.log.With("stream_sid", s.streamSID, "call_sid", s.callSID)
	s.touch()
	s.setState(StateBackendConnecting)
	s.log.Info("stream started",
		"encoding", start.MediaFormat.Encoding,
		"sample_rate", start.MediaFormat.SampleRate,
	)
	return true
}

// OnCallerAudio converts one decoded μ-law payload to the backend format and
// forwards it, or queues it while the backend is not ready. An error means
// the backend link failed.
func (s *Session) OnCallerAudio(ctx context.Context, payload []byte) error {
	if s.state.Terminal() {
		return ErrSessionClosed
	}
	s.touch()
	s.inboundChunks.Add(1)
	s.metrics.RecordAudio(ctx, observe.DirectionInbound, len(payload))

	chunk := s.tc.DecodeInbound(payload)
	if s.ready {
		if err := s.backend.SendAudio(chunk); err != nil {
			return fmt.Errorf("relay: forward caller audio: %w", err)
		}
		return nil
	}
	if dropped := s.pending.push(chunk); dropped > 0 {
		s.pendingDropped.Add(int64(dropped))
		s.metrics.PendingDropped.Add(ctx, int64(dropped))
		s.log.Warn("pending audio full, dropped oldest",
			"dropped", dropped,
			"queued_bytes", s.pending.queuedBytes(),
		)
	}
	return nil
}

// OnBackendConnected attaches a freshly dialled backend connection.
func (s *Session) OnBackendConnected(h s2s.SessionHandle) error {
	if s.state.Terminal() {
		return ErrSessionClosed
	}
	s.backend = h
	return nil
}

// DetachBackend closes and forgets a backend connection that ended before
// becoming ready, so a new one can be attached.
func (s *Session) DetachBackend() {
	if s.backend == nil {
		return
	}
	if err := s.backend.Close(); err != nil {
		s.log.Debug("close backend", "err", err)
	}
	s.backend = nil
}

// OnBackendReady marks the backend ready and flushes queued caller audio in
// arrival order. The queue is retired afterwards; later calls do nothing. It
// returns the number of chunks flushed.
func (s *Session) OnBackendReady() (int, error) {
	if s.state.Terminal() {
		return 0, ErrSessionClosed
	}
	if s.ready {
		return 0, nil
	}
	if s.backend == nil {
		return 0, errors.New("relay: backend ready without a connection")
	}
	s.ready = true
	s.setState(StateStreaming)

	chunks := s.pending.drain()
	s.pending = nil
	for i, chunk := range chunks {
		if err := s.backend.SendAudio(chunk); err != nil {
			return i, fmt.Errorf("relay: flush pending audio: %w", err)
		}
	}
	return len(chunks), nil
}

// OnBackendAudio converts one chunk of backend speech to μ-law and sends it
// to the caller as 20 ms media frames. Audio arriving before the stream
// identifier is known is dropped. An error means the telephony link failed.
func (s *Session) OnBackendAudio(ctx context.Context, chunk []byte) error {
	if s.state.Terminal() {
		return ErrSessionClosed
	}
	if s.streamSID == "" {
		s.log.Warn("backend audio before stream start dropped", "bytes", len(chunk))
		return nil
	}
	for _, frame := range s.pkt.Frames(s.tc.EncodeOutbound(chunk)) {
		if err := s.tel.Send(ctx, telephony.MediaMessage(s.streamSID, frame)); err != nil {
			return fmt.Errorf("relay: send media: %w", err)
		}
		s.outboundFrames.Add(1)
		s.metrics.RecordAudio(ctx, observe.DirectionOutbound, len(frame))
		s.playing = true
	}
	s.touch()
	return nil
}

// OnSpeechStarted handles the caller talking over the assistant: buffered
// caller-side playback is cleared and the response in flight is cancelled.
// It does nothing while the assistant is silent.
func (s *Session) OnSpeechStarted(ctx context.Context) error {
	if s.state.Terminal() {
		return ErrSessionClosed
	}
	if !s.playing && !s.responding {
		return nil
	}
	s.bargeIns.Add(1)
	s.metrics.BargeIns.Add(ctx, 1)
	s.pkt.Reset()

	if s.playing && s.streamSID != "" {
		if err := s.tel.Send(ctx, telephony.ClearMessage(s.streamSID)); err != nil {
			return fmt.Errorf("relay: send clear: %w", err)
		}
	}
	s.playing = false
	s.lastMark = ""

	if s.responding && s.backend != nil {
		if err := s.backend.CancelResponse(); err != nil {
			s.log.Warn("cancel backend response", "err", err)
		}
		s.responding = false
	}
	s.log.Debug("caller barged in")
	return nil
}

// OnResponseStarted records that the backend began a response.
func (s *Session) OnResponseStarted() { s.responding = true }

// OnResponseDone records that the backend response ended. If audio was
// sent, a mark is queued behind it so the caller side reports when playback
// finishes.
func (s *Session) OnResponseDone(ctx context.Context) error {
	if s.state.Terminal() {
		return ErrSessionClosed
	}
	s.responding = false
	if !s.playing || s.streamSID == "" {
		return nil
	}
	s.marks++
	s.lastMark = fmt.Sprintf("response-%d", s.marks)
	if err := s.tel.Send(ctx, telephony.MarkMessage(s.streamSID, s.lastMark)); err != nil {
		return fmt.Errorf("relay: send mark: %w", err)
	}
	return nil
}

// OnMark handles a mark echoed by the caller side. When it is the latest
// mark sent, playback has drained and a later barge-in needs no clear.
func (s *Session) OnMark(name string) {
	if name != "" && name == s.lastMark {
		s.playing = false
		s.lastMark = ""
	}
}

// CountMalformed records one discarded message.
func (s *Session) CountMalformed() { s.malformed.Add(1) }

// Close tears the session down: both links are closed and buffered audio is
// discarded. Only the first call has an effect; it reports whether it did.
func (s *Session) Close(reason string) bool {
	if s.state.Terminal() {
		return false
	}
	s.closeReason = reason
	s.setState(StateClosing)

	if s.backend != nil {
		if err := s.backend.Close(); err != nil {
			s.log.Debug("close backend", "err", err)
		}
	}
	if err := s.tel.Close(reason); err != nil {
		s.log.Debug("close telephony", "err", err)
	}
	s.pending = nil
	s.pkt.Reset()
	s.endedAt = time.Now()

	s.setState(StateClosed)
	s.log.Info("call closed",
		"reason", reason,
		"duration", s.endedAt.Sub(s.startedAt).Round(time.Millisecond),
		"inbound_chunks", s.inboundChunks.Load(),
		"outbound_frames", s.outboundFrames.Load(),
	)
	return true
}

// Info returns a snapshot of the session. Safe for concurrent use.
func (s *Session) Info() Info {
	id := s.ident.Load()
	return Info{
		ID:             s.id,
		StreamSID:      id.streamSID,
		CallSID:        id.callSID,
		State:          id.state,
		StartedAt:      s.startedAt,
		LastActivity:   time.Unix(0, s.lastActivity.Load()),
		InboundChunks:  s.inboundChunks.Load(),
		OutboundFrames: s.outboundFrames.Load(),
		PendingDropped: s.pendingDropped.Load(),
		Malformed:      s.malformed.Load(),
		BargeIns:       s.bargeIns.Load(),
	}
}

// Summary describes the finished call. Call it only after the session is
// closed and its loop has returned.
func (s *Session) Summary() Summary {
	return Summary{Info: s.Info(), EndedAt: s.endedAt, Reason: s.closeReason}
}

func (s *Session) setState(st State) {
	if st < s.state {
		return
	}
	s.state = st
	s.publish()
}

func (s *Session) publish() {
	s.ident.Store(&identity{streamSID: s.streamSID, callSID: s.callSID, state: s.state})
}

func (s *Session) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}
