// Package telephony speaks the Twilio Media Streams protocol: JSON text
// frames carrying base64 μ-law audio over a bidirectional WebSocket.
//
// Inbound frames are decoded into a single [Message] whose Event field
// discriminates which of the optional payload members is set. Outbound
// frames are built with [MediaMessage], [ClearMessage] and [MarkMessage].
package telephony

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// Event kinds sent by Twilio on a media stream.
const (
	EventConnected = "connected"
	EventStart     = "start"
	EventMedia     = "media"
	EventStop      = "stop"
	EventMark      = "mark"
	EventDTMF      = "dtmf"

	// EventClear is outbound only: it flushes audio Twilio has buffered
	// for playback.
	EventClear = "clear"
)

// TrackInbound is the media track carrying the caller's voice.
const TrackInbound = "inbound"

// ErrMalformed is returned by [Parse] for frames that are not a JSON object
// with a non-empty event field.
var ErrMalformed = errors.New("telephony: malformed message")

// Message is one Media Streams frame in either direction.
type Message struct {
	Event          string `json:"event"`
	SequenceNumber string `json:"sequenceNumber,omitempty"`
	StreamSID      string `json:"streamSid,omitempty"`

	// connected
	Protocol string `json:"protocol,omitempty"`
	Version  string `json:"version,omitempty"`

	Start *Start `json:"start,omitempty"`
	Media *Media `json:"media,omitempty"`
	Stop  *Stop  `json:"stop,omitempty"`
	Mark  *Mark  `json:"mark,omitempty"`
	DTMF  *DTMF  `json:"dtmf,omitempty"`
}

// Start describes the stream negotiated for a call.
type Start struct {
	StreamSID        string            `json:"streamSid"`
	AccountSID       string            `json:"accountSid,omitempty"`
	CallSID          string            `json:"callSid,omitempty"`
	Tracks           []string          `json:"tracks,omitempty"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
	MediaFormat      MediaFormat       `json:"mediaFormat"`
}

// MediaFormat is the audio encoding Twilio announces in the start event.
type MediaFormat struct {
	Encoding   string `json:"encoding,omitempty"`
	SampleRate int    `json:"sampleRate,omitempty"`
	Channels   int    `json:"channels,omitempty"`
}

// Media carries one chunk of base64 μ-law audio.
type Media struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

// Decode returns the raw μ-law bytes of the payload.
func (m *Media) Decode() ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(m.Payload)
	if err != nil {
		return nil, fmt.Errorf("telephony: decode payload: %w", err)
	}
	return b, nil
}

// Stop is sent when the caller hangs up or the stream is ended.
type Stop struct {
	AccountSID string `json:"accountSid,omitempty"`
	CallSID    string `json:"callSid,omitempty"`
}

// Mark names a playback position. Twilio echoes outbound marks back once the
// audio before them has been played.
type Mark struct {
	Name string `json:"name"`
}

// DTMF is a keypad digit pressed by the caller.
type DTMF struct {
	Track string `json:"track,omitempty"`
	Digit string `json:"digit"`
}

// Parse decodes one inbound text frame. Frames that are not valid JSON, have
// no event, or declare an event whose payload member is missing are reported
// as [ErrMalformed]. Unknown event kinds parse successfully.
func Parse(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if msg.Event == "" {
		return nil, fmt.Errorf("%w: missing event", ErrMalformed)
	}

	switch msg.Event {
	case EventStart:
		if msg.Start == nil {
			return nil, fmt.Errorf("%w: start without start object", ErrMalformed)
		}
		if msg.Start.StreamSID == "" {
			msg.Start.StreamSID = msg.StreamSID
		}
		if msg.Start.StreamSID == "" {
			return nil, fmt.Errorf("%w: start without streamSid", ErrMalformed)
		}
	case EventMedia:
		if msg.Media == nil {
			return nil, fmt.Errorf("%w: media without media object", ErrMalformed)
		}
	}
	return &msg, nil
}

// MediaMessage builds an outbound media frame carrying μ-law audio for the
// given stream.
func MediaMessage(streamSID string, ulaw []byte) Message {
	return Message{
		Event:     EventMedia,
		StreamSID: streamSID,
		Media:     &Media{Payload: base64.StdEncoding.EncodeToString(ulaw)},
	}
}

// ClearMessage builds an outbound clear frame that interrupts playback.
func ClearMessage(streamSID string) Message {
	return Message{Event: EventClear, StreamSID: streamSID}
}

// MarkMessage builds an outbound mark frame.
func MarkMessage(streamSID, name string) Message {
	return Message{Event: EventMark, StreamSID: streamSID, Mark: &Mark{Name: name}}
}
