// Package s2s defines the Provider interface for speech-to-speech backends.
//
// A speech-to-speech backend accepts the caller's audio over a realtime
// connection and answers with synthesised speech on the same connection. It
// runs its own voice-activity detection and turn taking; the relay only moves
// audio and reacts to the events the backend reports.
//
// The central abstraction is SessionHandle: one backend connection per call.
// Everything the backend says arrives on a single ordered Events channel as a
// tagged [Event], so the consumer handles the whole backend protocol in one
// switch statement instead of a set of callbacks.
//
// All implementations must be safe for concurrent use.
package s2s

import (
	"context"
	"errors"
	"time"

	"github.com/MrWong99/voxrelay/pkg/audio"
)

// ErrMalformedEvent marks backend frames that could not be decoded. It is
// wrapped in the Err of an [EventError] so consumers can count such frames
// separately from errors the backend reports itself.
var ErrMalformedEvent = errors.New("s2s: malformed backend event")

// TurnDetection configures the backend's server-side voice-activity
// detection. A zero value leaves the backend default in place.
type TurnDetection struct {
	// Type selects the detector, e.g. "server_vad".
	Type string

	// Threshold is the activation threshold in [0, 1].
	Threshold float64

	// PrefixPadding is the audio kept before detected speech.
	PrefixPadding time.Duration

	// SilenceDuration is the silence that ends a turn.
	SilenceDuration time.Duration
}

// SessionConfig is the configuration sent once when a session opens.
type SessionConfig struct {
	// Voice is the backend voice identifier, e.g. "alloy".
	Voice string

	// Instructions is the system prompt for the conversation.
	Instructions string

	// Format is the audio format used in both directions. The backend is told
	// to accept and produce exactly this format.
	Format audio.Format

	// TurnDetection configures server-side VAD.
	TurnDetection TurnDetection

	// TranscriptionModel, if set, enables transcription of caller audio with
	// the named model. Transcripts arrive as [EventTranscript].
	TranscriptionModel string
}

// EventKind discriminates [Event].
type EventKind int

const (
	// EventReady reports that the backend acknowledged the session
	// configuration. Audio sent before this point may be discarded by the
	// backend.
	EventReady EventKind = iota + 1

	// EventAudio carries a chunk of synthesised speech in the session format.
	EventAudio

	// EventSpeechStarted reports that the backend detected the caller
	// starting to speak.
	EventSpeechStarted

	// EventSpeechStopped reports the end of caller speech.
	EventSpeechStopped

	// EventCommitted reports that the backend committed the input audio
	// buffer as a user turn.
	EventCommitted

	// EventResponseStarted reports that the backend began producing a
	// response.
	EventResponseStarted

	// EventResponseDone reports that the current response finished or was
	// cancelled.
	EventResponseDone

	// EventTranscript carries a finished transcript of one turn.
	EventTranscript

	// EventError carries an error reported by the backend, or a frame that
	// could not be decoded. Errors are advisory; the session stays open
	// unless the connection itself drops.
	EventError

	// EventUnknown is any other backend event. Type names it.
	EventUnknown
)

// String returns the kind's name for logs.
func (k EventKind) String() string {
	switch k {
	case EventReady:
		return "ready"
	case EventAudio:
		return "audio"
	case EventSpeechStarted:
		return "speech_started"
	case EventSpeechStopped:
		return "speech_stopped"
	case EventCommitted:
		return "committed"
	case EventResponseStarted:
		return "response_started"
	case EventResponseDone:
		return "response_done"
	case EventTranscript:
		return "transcript"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Speaker identifies who a transcript belongs to.
type Speaker string

const (
	SpeakerCaller    Speaker = "caller"
	SpeakerAssistant Speaker = "assistant"
)

// Event is one message from the backend, already decoded.
type Event struct {
	Kind EventKind

	// Type is the backend's own name for the event, for logging.
	Type string

	// Audio is set for EventAudio.
	Audio []byte

	// Speaker and Text are set for EventTranscript.
	Speaker Speaker
	Text    string

	// Err is set for EventError.
	Err error
}

// SessionHandle is an open backend session for one call.
//
// Implementations must be safe for concurrent use.
type SessionHandle interface {
	// SendAudio delivers one chunk of caller audio in the session format.
	// Returns an error if the session is closed or the write fails.
	SendAudio(chunk []byte) error

	// Events returns the channel on which backend events arrive in order.
	// The channel is closed when the connection ends for any reason; Err then
	// reports the cause.
	Events() <-chan Event

	// CancelResponse asks the backend to stop the response in progress, used
	// when the caller barges in.
	CancelResponse() error

	// Err returns the error that ended the session, or nil after a clean
	// Close.
	Err() error

	// Close terminates the session. Idempotent: closing an already-closed
	// session returns nil.
	Close() error
}

// Provider opens backend sessions.
type Provider interface {
	// Connect dials the backend and sends the session configuration. It
	// returns once the configuration is written; readiness is reported
	// asynchronously as [EventReady].
	Connect(ctx context.Context, cfg SessionConfig) (SessionHandle, error)
}
