// Package openai implements the s2s.Provider interface for OpenAI's Realtime API.
//
// It opens a WebSocket to the Realtime endpoint, configures the session with
// a single session.update, streams caller audio as input_audio_buffer.append
// events and decodes every server event into an [s2s.Event]. Audio is base64
// on the wire in the negotiated format (pcm16 or g711_ulaw).
package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/MrWong99/voxrelay/pkg/audio"
	"github.com/MrWong99/voxrelay/pkg/provider/s2s"
	"github.com/coder/websocket"
)

// Compile-time assertions that Provider and session satisfy the s2s interfaces.
var _ s2s.Provider = (*Provider)(nil)
var _ s2s.SessionHandle = (*session)(nil)

const (
	defaultModel   = "gpt-4o-realtime-preview"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"

	// Realtime audio deltas for a few seconds of speech exceed the default
	// 32 KiB read limit.
	readLimit = 1 << 20
)

// ErrSessionClosed is returned by SessionHandle methods after Close.
var ErrSessionClosed = errors.New("openai: session closed")

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the OpenAI model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithHTTPClient sets the HTTP client used for the WebSocket handshake.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements s2s.Provider for OpenAI's Realtime API.
type Provider struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
}

// New creates a new OpenAI Realtime Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   defaultModel,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Model returns the configured model name.
func (p *Provider) Model() string { return p.model }

// Connect dials the Realtime endpoint and sends session.update. The returned
// handle accepts audio immediately; the backend acknowledges the
// configuration later with session.updated, surfaced as [s2s.EventReady].
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	wsURL := p.baseURL + "?model=" + url.QueryEscape(p.model)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPClient: p.httpClient,
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + p.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai: dial: %w", err)
	}
	conn.SetReadLimit(readLimit)

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		conn:   conn,
		events: make(chan s2s.Event, 64),
		ctx:    sessCtx,
		cancel: sessCancel,
	}

	if err := sess.writeJSON(sessionUpdateMessage{Type: "session.update", Session: toSessionParams(cfg)}); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "session update failed")
		return nil, fmt.Errorf("openai: session update: %w", err)
	}

	go sess.receiveLoop()

	return sess, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Modalities              []string             `json:"modalities"`
	Voice                   string               `json:"voice,omitempty"`
	Instructions            string               `json:"instructions,omitempty"`
	InputAudioFormat        string               `json:"input_audio_format"`
	OutputAudioFormat       string               `json:"output_audio_format"`
	TurnDetection           *turnDetectionParams `json:"turn_detection,omitempty"`
	InputAudioTranscription *transcriptionParams `json:"input_audio_transcription,omitempty"`
}

type turnDetectionParams struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold,omitempty"`
	PrefixPaddingMs   int64   `json:"prefix_padding_ms,omitempty"`
	SilenceDurationMs int64   `json:"silence_duration_ms,omitempty"`
}

type transcriptionParams struct {
	Model string `json:"model"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64, session format
}

func toSessionParams(cfg s2s.SessionConfig) sessionParams {
	format := wireFormat(cfg.Format.Encoding)
	params := sessionParams{
		Modalities:        []string{"text", "audio"},
		Voice:             cfg.Voice,
		Instructions:      cfg.Instructions,
		InputAudioFormat:  format,
		OutputAudioFormat: format,
	}
	if td := cfg.TurnDetection; td.Type != "" {
		params.TurnDetection = &turnDetectionParams{
			Type:              td.Type,
			Threshold:         td.Threshold,
			PrefixPaddingMs:   td.PrefixPadding.Milliseconds(),
			SilenceDurationMs: td.SilenceDuration.Milliseconds(),
		}
	}
	if cfg.TranscriptionModel != "" {
		params.InputAudioTranscription = &transcriptionParams{Model: cfg.TranscriptionModel}
	}
	return params
}

// wireFormat maps an encoding to its Realtime API name. Unset defaults to
// pcm16.
func wireFormat(enc audio.Encoding) string {
	if enc == audio.EncodingULaw {
		return "g711_ulaw"
	}
	return "pcm16"
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

// serverErrorDetail represents the nested error object in an OpenAI Realtime
// error event: {"type":"error","error":{"type":"...","code":"...","message":"..."}}.
type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

type serverEvent struct {
	Type string `json:"type"`

	// response.audio.delta / response.output_audio.delta
	Delta string `json:"delta,omitempty"`

	// conversation.item.input_audio_transcription.completed /
	// response.audio_transcript.done
	Transcript string `json:"transcript,omitempty"`

	// error event
	Error *serverErrorDetail `json:"error,omitempty"`
}

// BackendError is the payload of a Realtime error event.
type BackendError struct {
	Type    string
	Code    string
	Message string
}

func (e *BackendError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("openai: %s (%s): %s", e.Type, e.Code, e.Message)
	}
	return fmt.Sprintf("openai: %s: %s", e.Type, e.Message)
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn   *websocket.Conn
	events chan s2s.Event

	mu     sync.Mutex
	errVal error
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *session) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("openai: marshal: %w", err)
	}
	return s.conn.Write(s.ctx, websocket.MessageText, data)
}

// receiveLoop reads events from the WebSocket and dispatches them.
// It owns the events channel and closes it when it exits.
func (s *session) receiveLoop() {
	defer close(s.events)

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.setErr(fmt.Errorf("openai: read: %w", err))
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil || evt.Type == "" {
			if err == nil {
				err = errors.New("missing type")
			}
			s.emit(s2s.Event{Kind: s2s.EventError, Err: fmt.Errorf("%w: %w", s2s.ErrMalformedEvent, err)})
			continue
		}

		if out, ok := translate(&evt); ok {
			s.emit(out)
		}
	}
}

// translate maps one server event to an s2s.Event. Types the relay does not
// act on report ok == false.
func translate(evt *serverEvent) (s2s.Event, bool) {
	switch evt.Type {
	case "session.updated":
		return s2s.Event{Kind: s2s.EventReady, Type: evt.Type}, true

	case "response.audio.delta", "response.output_audio.delta":
		chunk, err := base64.StdEncoding.DecodeString(evt.Delta)
		if err != nil {
			return s2s.Event{Kind: s2s.EventError, Type: evt.Type, Err: fmt.Errorf("%w: audio delta: %w", s2s.ErrMalformedEvent, err)}, true
		}
		if len(chunk) == 0 {
			return s2s.Event{}, false
		}
		return s2s.Event{Kind: s2s.EventAudio, Type: evt.Type, Audio: chunk}, true

	case "input_audio_buffer.speech_started":
		return s2s.Event{Kind: s2s.EventSpeechStarted, Type: evt.Type}, true
	case "input_audio_buffer.speech_stopped":
		return s2s.Event{Kind: s2s.EventSpeechStopped, Type: evt.Type}, true
	case "input_audio_buffer.committed":
		return s2s.Event{Kind: s2s.EventCommitted, Type: evt.Type}, true

	case "response.created":
		return s2s.Event{Kind: s2s.EventResponseStarted, Type: evt.Type}, true
	case "response.done":
		return s2s.Event{Kind: s2s.EventResponseDone, Type: evt.Type}, true

	case "conversation.item.input_audio_transcription.completed":
		if evt.Transcript == "" {
			return s2s.Event{}, false
		}
		return s2s.Event{Kind: s2s.EventTranscript, Type: evt.Type, Speaker: s2s.SpeakerCaller, Text: evt.Transcript}, true
	case "response.audio_transcript.done", "response.output_audio_transcript.done":
		if evt.Transcript == "" {
			return s2s.Event{}, false
		}
		return s2s.Event{Kind: s2s.EventTranscript, Type: evt.Type, Speaker: s2s.SpeakerAssistant, Text: evt.Transcript}, true

	case "error":
		be := &BackendError{Message: "unknown error"}
		if evt.Error != nil {
			be.Type, be.Code = evt.Error.Type, evt.Error.Code
			if evt.Error.Message != "" {
				be.Message = evt.Error.Message
			}
		}
		return s2s.Event{Kind: s2s.EventError, Type: evt.Type, Err: be}, true

	default:
		return s2s.Event{Kind: s2s.EventUnknown, Type: evt.Type}, true
	}
}

// emit delivers e to the consumer. It blocks while the channel is full so a
// slow consumer stalls the socket read instead of growing a queue.
func (s *session) emit(e s2s.Event) {
	select {
	case s.events <- e:
	case <-s.ctx.Done():
	}
}

func (s *session) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errVal == nil {
		s.errVal = err
	}
}

func (s *session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// ── SessionHandle methods ──────────────────────────────────────────────────────

// SendAudio appends one chunk to the backend's input audio buffer.
func (s *session) SendAudio(chunk []byte) error {
	if s.isClosed() {
		return ErrSessionClosed
	}
	return s.writeJSON(appendAudioMessage{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(chunk),
	})
}

// Events returns the channel on which decoded server events arrive.
func (s *session) Events() <-chan s2s.Event { return s.events }

// CancelResponse sends a response.cancel event.
func (s *session) CancelResponse() error {
	if s.isClosed() {
		return ErrSessionClosed
	}
	return s.writeJSON(map[string]string{"type": "response.cancel"})
}

// Err returns the first non-nil error that caused the session to terminate.
func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// Close terminates the session and releases all resources. Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}
