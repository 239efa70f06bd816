package telephony

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
)

// Twilio Media Streams event discriminators.
// Ref: https://www.twilio.com/docs/voice/media-streams/websocket-messages
const (
	EventConnected = "connected"
	EventStart     = "start"
	EventMedia     = "media"
	EventStop      = "stop"
	EventMark      = "mark"
	EventClear     = "clear"
)

var ErrMalformedEvent = errors.New("telephony: malformed media stream event")

// InboundMessage is one message Twilio sends on the media stream socket.
// Unknown events decode with only Event set.
type InboundMessage struct {
	Event          string `json:"event"`
	SequenceNumber string `json:"sequenceNumber,omitempty"`
	StreamSid      string `json:"streamSid,omitempty"`

	Start *StartPayload `json:"start,omitempty"`
	Media *MediaPayload `json:"media,omitempty"`
	Stop  *StopPayload  `json:"stop,omitempty"`
	Mark  *MarkPayload  `json:"mark,omitempty"`
}

type StartPayload struct {
	AccountSid       string            `json:"accountSid,omitempty"`
	CallSid          string            `json:"callSid"`
	StreamSid        string            `json:"streamSid"`
	Tracks           []string          `json:"tracks,omitempty"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
	MediaFormat      MediaFormat       `json:"mediaFormat"`
}

type MediaFormat struct {
	Encoding   string `json:"encoding,omitempty"`
	SampleRate int    `json:"sampleRate,omitempty"`
	Channels   int    `json:"channels,omitempty"`
}

type MediaPayload struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

type StopPayload struct {
	AccountSid string `json:"accountSid,omitempty"`
	CallSid    string `json:"callSid,omitempty"`
}

type MarkPayload struct {
	Name string `json:"name"`
}

// DecodeInbound parses one frame. start must carry callSid and media must
// carry a payload; anything else of a known kind passes.
func DecodeInbound(data []byte) (InboundMessage, error) {
	var m InboundMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return InboundMessage{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	switch m.Event {
	case "":
		return InboundMessage{}, fmt.Errorf("%w: missing event", ErrMalformedEvent)
	case EventStart:
		if m.Start == nil || m.Start.CallSid == "" {
			return InboundMessage{}, fmt.Errorf("%w: start without callSid", ErrMalformedEvent)
		}
		if m.Start.StreamSid == "" {
			m.Start.StreamSid = m.StreamSid
		}
	case EventMedia:
		if m.Media == nil || m.Media.Payload == "" {
			return InboundMessage{}, fmt.Errorf("%w: media without payload", ErrMalformedEvent)
		}
	}
	return m, nil
}

// Audio decodes the base64 mu-law payload.
func (p MediaPayload) Audio() ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(p.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: media payload: %v", ErrMalformedEvent, err)
	}
	return b, nil
}

// DecodeParameters reverses the query escaping applied when the parameters
// were written into TwiML. A value that does not unescape is kept raw.
func DecodeParameters(raw map[string]string) map[string]string {
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if dec, err := url.QueryUnescape(v); err == nil {
			v = dec
		}
		out[k] = v
	}
	return out
}

// OutboundMessage is a message sent back to Twilio on the media stream.
type OutboundMessage struct {
	Event     string         `json:"event"`
	StreamSid string         `json:"streamSid"`
	Media     *OutboundMedia `json:"media,omitempty"`
	Mark      *MarkPayload   `json:"mark,omitempty"`
}

type OutboundMedia struct {
	Payload string `json:"payload"`
}

func NewMediaMessage(streamSid string, audio []byte) OutboundMessage {
	return OutboundMessage{
		Event:     EventMedia,
		StreamSid: streamSid,
		Media:     &OutboundMedia{Payload: base64.StdEncoding.EncodeToString(audio)},
	}
}

// NewClearMessage asks Twilio to discard audio it has buffered for playback.
func NewClearMessage(streamSid string) OutboundMessage {
	return OutboundMessage{Event: EventClear, StreamSid: streamSid}
}
